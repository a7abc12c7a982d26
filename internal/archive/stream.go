package archive

import (
	"archive/tar"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"os"
	"os/user"
	"strconv"
	"time"
)

// ErrUnreadable is returned by AddFile when the source could not be opened.
// Nothing has been written to the stream in that case.
var ErrUnreadable = errors.New("archive: source file unreadable")

// StreamWriter writes a gzip-compressed tar to a non-seekable sink. Members
// are files whose size is known before they are written.
type StreamWriter struct {
	gz *gzip.Writer
	tw *tar.Writer
}

// NewStreamWriter wraps w with gzip at the given level (gzip.DefaultCompression
// when level is 0).
func NewStreamWriter(w io.Writer, level int) (*StreamWriter, error) {
	if level == 0 {
		level = gzip.DefaultCompression
	}
	gz, err := gzip.NewWriterLevel(w, level)
	if err != nil {
		return nil, fmt.Errorf("create gzip writer: %w", err)
	}
	return &StreamWriter{gz: gz, tw: tar.NewWriter(gz)}, nil
}

// AddFile copies the regular file at path into the stream as name.
func (s *StreamWriter) AddFile(name, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnreadable, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnreadable, err)
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("%w: %s is not a regular file", ErrUnreadable, path)
	}

	hdr, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return fmt.Errorf("build header for %s: %w", path, err)
	}
	hdr.Name = name

	if err := s.tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("write header for %s: %w", name, err)
	}
	if _, err := io.Copy(s.tw, f); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return nil
}

// Close finishes the tar stream and flushes the gzip trailer. It does not
// close the underlying writer.
func (s *StreamWriter) Close() error {
	if err := s.tw.Close(); err != nil {
		return fmt.Errorf("close tar stream: %w", err)
	}
	if err := s.gz.Close(); err != nil {
		return fmt.Errorf("close gzip stream: %w", err)
	}
	return nil
}

// CurrentUserAttrs returns attributes owned by the running process.
func CurrentUserAttrs() Attrs {
	attrs := Attrs{
		Mode:    0o644,
		UID:     os.Getuid(),
		GID:     os.Getgid(),
		ModTime: time.Now(),
	}
	if u, err := user.LookupId(strconv.Itoa(attrs.UID)); err == nil {
		attrs.Uname = u.Username
	}
	if g, err := user.LookupGroupId(strconv.Itoa(attrs.GID)); err == nil {
		attrs.Gname = g.Name
	}
	return attrs
}
