package logging

import (
	"fmt"

	"github.com/rs/zerolog"
	"go.temporal.io/sdk/log"
)

// TemporalLogger routes Temporal SDK logs through zerolog.
type TemporalLogger struct {
	logger zerolog.Logger
}

var _ log.Logger = (*TemporalLogger)(nil)

func NewTemporalLogger(logger zerolog.Logger) *TemporalLogger {
	return &TemporalLogger{logger: logger.With().Str("component", "temporal").Logger()}
}

func (l *TemporalLogger) Debug(msg string, keyvals ...any) { l.log(l.logger.Debug(), msg, keyvals) }
func (l *TemporalLogger) Info(msg string, keyvals ...any)  { l.log(l.logger.Info(), msg, keyvals) }
func (l *TemporalLogger) Warn(msg string, keyvals ...any)  { l.log(l.logger.Warn(), msg, keyvals) }
func (l *TemporalLogger) Error(msg string, keyvals ...any) { l.log(l.logger.Error(), msg, keyvals) }

// log adds alternating key/value pairs as fields. A trailing key without a
// value is logged under "extra".
func (l *TemporalLogger) log(e *zerolog.Event, msg string, keyvals []any) {
	for i := 0; i < len(keyvals); i += 2 {
		if i+1 == len(keyvals) {
			e = e.Interface("extra", keyvals[i])
			break
		}
		key, ok := keyvals[i].(string)
		if !ok {
			key = fmt.Sprint(keyvals[i])
		}
		if err, isErr := keyvals[i+1].(error); isErr {
			e = e.AnErr(key, err)
			continue
		}
		e = e.Interface(key, keyvals[i+1])
	}
	e.Msg(msg)
}
