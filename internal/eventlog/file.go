package eventlog

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
)

// minProgressInterval is the minimum time between file progress lines.
const minProgressInterval = 60 * time.Second

// FileChannel appends JSON log lines to a per-run log file.
type FileChannel struct {
	path   string
	file   *os.File
	logger zerolog.Logger
	now    func() time.Time
}

// NewFileChannel creates <dir>/<tenant>/<operation>-<timestamp>.log.
func NewFileChannel(dir, tenant, operation string, started time.Time) (*FileChannel, error) {
	logDir := filepath.Join(dir, tenant)
	if err := os.MkdirAll(logDir, 0o750); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	path := filepath.Join(logDir, fmt.Sprintf("%s-%s.log", operation, started.UTC().Format("2006-01-02T150405Z")))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}

	return &FileChannel{
		path:   path,
		file:   f,
		logger: zerolog.New(f),
		now:    time.Now,
	}, nil
}

// Path is the log file location.
func (c *FileChannel) Path() string { return c.path }

func (c *FileChannel) Log(e Event) {
	c.logger.WithLevel(e.Severity).Time(zerolog.TimestampFieldName, e.Timestamp.UTC()).Err(e.Err).Msg(e.Message)
}

func (c *FileChannel) Trigger(Event) {}

func (c *FileChannel) StartStep(msg string) {
	c.logger.Info().Time(zerolog.TimestampFieldName, c.now().UTC()).Msg(msg + "...")
}

func (c *FileChannel) StopStep(msg string, err error) {
	if err != nil {
		c.logger.Error().Time(zerolog.TimestampFieldName, c.now().UTC()).Err(err).Msg(msg + "... failed")
		return
	}
	c.logger.Info().Time(zerolog.TimestampFieldName, c.now().UTC()).Msg(msg + "... done")
}

func (c *FileChannel) NewProgress(msg string) ProgressChannel {
	return &timedProgress{message: msg, logger: c.logger, now: c.now}
}

func (c *FileChannel) Close() error {
	return c.file.Close()
}

// timedProgress logs at most once per minInterval and only when the integer
// percentage has grown since the previous line.
type timedProgress struct {
	message     string
	logger      zerolog.Logger
	now         func() time.Time
	progress    int64
	total       int64
	lastTime    time.Time
	lastPercent int64
}

func (p *timedProgress) Start(total int64) {
	p.progress = 0
	p.total = total
	p.lastTime = p.now()
	p.lastPercent = 0
	p.logger.Info().Time(zerolog.TimestampFieldName, p.lastTime.UTC()).Msgf("%s... 0 / %d", p.message, total)
}

func (p *timedProgress) Increment() {
	p.progress++
	pct := percent(p.progress, p.total)
	now := p.now()

	if pct > p.lastPercent && now.Sub(p.lastTime) > minProgressInterval {
		p.lastTime = now
		p.lastPercent = pct
		p.logger.Info().Time(zerolog.TimestampFieldName, now.UTC()).
			Msgf("%s... %d / %d | %d%%", p.message, p.progress, p.total, pct)
	}
}

func (p *timedProgress) Success() {
	p.logger.Info().Time(zerolog.TimestampFieldName, p.now().UTC()).Msg(p.message + "... done!")
}

func (p *timedProgress) Error() {
	p.logger.Error().Time(zerolog.TimestampFieldName, p.now().UTC()).Msg(p.message + "... failed!")
}
