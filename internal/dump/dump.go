// Package dump streams a pg_dump of one schema into an arbitrary writer while
// collecting the tool's diagnostic output.
package dump

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// errorMarker prefixes the final stderr line when pg_dump gives up.
const errorMarker = "pg_dump: error: "

// copyBufferSize bounds the stdout transfer window.
const copyBufferSize = 32 * 1024

// Error is returned when pg_dump exits non-zero or reports an error.
type Error struct {
	LastLine string
	ExitCode int
}

func (e *Error) Error() string {
	return "pg_dump failed: " + e.LastLine
}

// Options describe the database to dump. Empty Host, Port, Username and
// Password are omitted from the command line so libpq defaults apply.
type Options struct {
	Host     string
	Port     int
	Username string
	Password string
	Database string
	Schema   string
	Verbose  bool
}

// CommandFunc builds the process to run. It exists so tests can substitute
// a fake pg_dump.
type CommandFunc func(ctx context.Context, name string, args ...string) *exec.Cmd

type Dumper struct {
	opts    Options
	logger  zerolog.Logger
	command CommandFunc

	mu    sync.Mutex
	lines []string
}

func New(opts Options, logger zerolog.Logger) *Dumper {
	if opts.Schema == "" {
		opts.Schema = "public"
	}
	return &Dumper{
		opts:    opts,
		logger:  logger.With().Str("component", "pg_dump").Logger(),
		command: exec.CommandContext,
	}
}

// Args returns the pg_dump arguments, database name last.
func (d *Dumper) Args() []string {
	args := []string{
		"--schema=" + d.opts.Schema,
		"--exclude-table=" + d.opts.Schema + ".pg_*",
		"--no-owner",
		"--no-privileges",
		"--compress=4",
	}
	if d.opts.Verbose {
		args = append(args, "--verbose")
	}
	if d.opts.Host != "" {
		args = append(args, "--host="+d.opts.Host)
	}
	if d.opts.Port != 0 {
		args = append(args, "--port="+strconv.Itoa(d.opts.Port))
	}
	if d.opts.Username != "" {
		args = append(args, "--username="+d.opts.Username)
	}
	return append(args, d.opts.Database)
}

// LogLines returns the diagnostic lines captured from the last dump,
// including informational chatter from successful runs.
func (d *Dumper) LogLines() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.lines...)
}

// DumpSchemaInto runs pg_dump and copies its output verbatim into w.
// Standard output and standard error are drained concurrently so neither pipe
// can fill up and stall the child.
func (d *Dumper) DumpSchemaInto(ctx context.Context, w io.Writer) error {
	d.mu.Lock()
	d.lines = nil
	d.mu.Unlock()

	cmd := d.command(ctx, "pg_dump", d.Args()...)
	if d.opts.Password != "" {
		cmd.Env = append(cmd.Environ(), "PGPASSWORD="+d.opts.Password)
	}
	cmd.WaitDelay = 5 * time.Second

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("pg_dump stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("pg_dump stderr pipe: %w", err)
	}

	d.logger.Debug().Strs("args", d.Args()).Msg("starting pg_dump")
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start pg_dump: %w", err)
	}

	var g errgroup.Group
	g.Go(func() error {
		buf := make([]byte, copyBufferSize)
		n, err := io.CopyBuffer(w, stdout, buf)
		if err != nil {
			// The destination is broken; stop the child instead of letting
			// it block on a full pipe.
			_ = cmd.Process.Kill()
			_, _ = io.Copy(io.Discard, stdout)
			return fmt.Errorf("copy pg_dump output: %w", err)
		}
		d.logger.Debug().Int64("bytes", n).Msg("pg_dump output copied")
		return nil
	})
	g.Go(func() error {
		scanner := bufio.NewScanner(stderr)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			d.mu.Lock()
			d.lines = append(d.lines, line)
			d.mu.Unlock()
			d.logger.Debug().Msg(line)
		}
		// A truncated or overlong stderr line is not worth failing the dump.
		_, _ = io.Copy(io.Discard, stderr)
		return nil
	})

	copyErr := g.Wait()
	waitErr := cmd.Wait()

	if ctx.Err() != nil {
		return fmt.Errorf("pg_dump interrupted: %w", context.Cause(ctx))
	}
	if copyErr != nil {
		return copyErr
	}

	lastLine := d.lastLine()
	exitCode := 0
	if waitErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(waitErr, &exitErr) {
			return fmt.Errorf("wait for pg_dump: %w", waitErr)
		}
		exitCode = exitErr.ExitCode()
	}

	stripped, marked := strings.CutPrefix(lastLine, errorMarker)
	if exitCode != 0 || marked {
		return &Error{LastLine: stripped, ExitCode: exitCode}
	}

	return nil
}

func (d *Dumper) lastLine() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.lines) == 0 {
		return ""
	}
	return d.lines[len(d.lines)-1]
}
