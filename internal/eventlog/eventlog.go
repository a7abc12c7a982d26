// Package eventlog records the user-facing log of a backup run and fans each
// event out to a set of channels (console, log file, live publish).
package eventlog

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Lifecycle markers bracketing a run.
const (
	MarkerStarted = "[STARTED]"
	MarkerSuccess = "[SUCCESS]"
	MarkerFailed  = "[FAILED]"
)

// timestampLayout is used for log lines handed to the notifier and for
// published messages.
const timestampLayout = "2006-01-02 15:04:05"

// Event is one recorded log entry. Events are never mutated once recorded.
type Event struct {
	Timestamp time.Time
	Severity  zerolog.Level
	Message   string
	Err       error
	// Marker is set for lifecycle markers, which are not part of Logs.
	Marker bool
}

// Line renders the event the way it appears in notifications.
func (e Event) Line() string {
	line := fmt.Sprintf("[%s] %s", e.Timestamp.UTC().Format(timestampLayout), e.Message)
	if e.Err != nil {
		line += ": " + e.Err.Error()
	}
	return line
}

// Channel is one output for the event log.
type Channel interface {
	Log(e Event)
	Trigger(e Event)
	StartStep(msg string)
	StopStep(msg string, err error)
	// NewProgress returns nil if the channel does not report progress.
	NewProgress(msg string) ProgressChannel
	Close() error
}

// ProgressChannel reports the progress of one step on one channel.
type ProgressChannel interface {
	Start(total int64)
	Increment()
	Success()
	Error()
}

// Logger is the run event log. It is safe for concurrent use.
type Logger struct {
	mu       sync.Mutex
	channels []Channel
	events   []Event
	warnings int
	errors   int
	now      func() time.Time
}

func New(channels ...Channel) *Logger {
	return &Logger{channels: channels, now: time.Now}
}

func (l *Logger) Info(msg string) {
	l.record(Event{Severity: zerolog.InfoLevel, Message: msg})
}

func (l *Logger) Warn(msg string, err error) {
	l.record(Event{Severity: zerolog.WarnLevel, Message: msg, Err: err})
}

func (l *Logger) Error(msg string, err error) {
	l.record(Event{Severity: zerolog.ErrorLevel, Message: msg, Err: err})
}

func (l *Logger) record(e Event) {
	l.mu.Lock()
	e.Timestamp = l.now()
	switch e.Severity {
	case zerolog.WarnLevel:
		l.warnings++
	case zerolog.ErrorLevel, zerolog.FatalLevel:
		l.errors++
	}
	l.events = append(l.events, e)
	channels := l.channels
	l.mu.Unlock()

	for _, c := range channels {
		c.Log(e)
	}
}

// Event emits a lifecycle marker.
func (l *Logger) Event(marker string) {
	l.mu.Lock()
	e := Event{Timestamp: l.now(), Severity: zerolog.InfoLevel, Message: marker, Marker: true}
	l.events = append(l.events, e)
	channels := l.channels
	l.mu.Unlock()

	for _, c := range channels {
		c.Trigger(e)
	}
}

// Step runs fn between start and stop notifications and returns its error.
func (l *Logger) Step(msg string, fn func() error) error {
	for _, c := range l.channels {
		c.StartStep(msg)
	}
	err := fn()
	for _, c := range l.channels {
		c.StopStep(msg, err)
	}
	return err
}

// StepWithProgress runs fn with a progress reporter fanned out to every
// channel that supports progress.
func (l *Logger) StepWithProgress(msg string, fn func(p *Progress) error) error {
	p := &Progress{logger: l}
	for _, c := range l.channels {
		if pc := c.NewProgress(msg); pc != nil {
			p.channels = append(p.channels, pc)
		}
	}

	err := fn(p)
	for _, pc := range p.channels {
		if err != nil {
			pc.Error()
		} else {
			pc.Success()
		}
	}
	return err
}

// Warnings reports whether at least one warning was logged.
func (l *Logger) Warnings() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.warnings > 0
}

// Errors reports whether at least one error was logged.
func (l *Logger) Errors() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.errors > 0
}

// Events returns every recorded event, markers included, in order.
func (l *Logger) Events() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Event(nil), l.events...)
}

// Logs returns the rendered log lines without lifecycle markers.
func (l *Logger) Logs() []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	lines := make([]string, 0, len(l.events))
	for _, e := range l.events {
		if !e.Marker {
			lines = append(lines, e.Line())
		}
	}
	return lines
}

// Close closes every channel.
func (l *Logger) Close() error {
	var errs []error
	for _, c := range l.channels {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Progress fans per-record progress out to the step's progress channels.
type Progress struct {
	logger   *Logger
	channels []ProgressChannel
}

func (p *Progress) Start(total int64) {
	for _, c := range p.channels {
		c.Start(total)
	}
}

func (p *Progress) Increment() {
	for _, c := range p.channels {
		c.Increment()
	}
}

// Warn records a non-fatal problem encountered during the step.
func (p *Progress) Warn(msg string, err error) {
	p.logger.Warn(msg, err)
}
