package eventlog

import (
	"io"
	"os"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
)

// consoleProgressEvery is how many increments pass between console progress
// lines.
const consoleProgressEvery = 50

// ConsoleChannel writes events through a zerolog logger, human-readable on
// a terminal or as JSON when wrapping the process logger.
type ConsoleChannel struct {
	logger zerolog.Logger
}

// NewConsoleChannel writes to w with zerolog's console formatting. Colors are
// only used when w is a terminal.
func NewConsoleChannel(w io.Writer) *ConsoleChannel {
	cw := zerolog.ConsoleWriter{Out: w, TimeFormat: time.TimeOnly, NoColor: !isTerminal(w)}
	return &ConsoleChannel{logger: zerolog.New(cw)}
}

// NewLoggerChannel forwards events to an existing logger, e.g. the worker's
// process logger.
func NewLoggerChannel(logger zerolog.Logger) *ConsoleChannel {
	return &ConsoleChannel{logger: logger}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && (isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd()))
}

func (c *ConsoleChannel) Log(e Event) {
	c.logger.WithLevel(e.Severity).Time(zerolog.TimestampFieldName, e.Timestamp).Err(e.Err).Msg(e.Message)
}

func (c *ConsoleChannel) Trigger(Event) {}

func (c *ConsoleChannel) StartStep(msg string) {
	c.logger.Info().Time(zerolog.TimestampFieldName, time.Now()).Msg(msg + "...")
}

func (c *ConsoleChannel) StopStep(msg string, err error) {
	if err != nil {
		c.logger.Warn().Time(zerolog.TimestampFieldName, time.Now()).Msg(msg + "... failed")
		return
	}
	c.logger.Info().Time(zerolog.TimestampFieldName, time.Now()).Msg(msg + "... done")
}

func (c *ConsoleChannel) NewProgress(msg string) ProgressChannel {
	return &countProgress{message: msg, logger: c.logger}
}

func (c *ConsoleChannel) Close() error { return nil }

// countProgress logs every consoleProgressEvery increments and on the last.
type countProgress struct {
	message  string
	logger   zerolog.Logger
	progress int64
	total    int64
}

func (p *countProgress) Start(total int64) {
	p.total = total
	p.progress = 0
	p.logger.Info().Time(zerolog.TimestampFieldName, time.Now()).Msgf("%s... 0 / %d", p.message, total)
}

func (p *countProgress) Increment() {
	p.progress++
	if p.progress%consoleProgressEvery == 0 || p.progress == p.total {
		p.logger.Info().Time(zerolog.TimestampFieldName, time.Now()).
			Msgf("%s... %d / %d | %d%%", p.message, p.progress, p.total, percent(p.progress, p.total))
	}
}

func (p *countProgress) Success() {
	p.logger.Info().Time(zerolog.TimestampFieldName, time.Now()).Msg(p.message + "... done!")
}

func (p *countProgress) Error() {
	p.logger.Error().Time(zerolog.TimestampFieldName, time.Now()).Msg(p.message + "... failed!")
}

func percent(progress, total int64) int64 {
	if total <= 0 {
		return 100
	}
	return progress * 100 / total
}
