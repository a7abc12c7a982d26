// Package archive writes the backup container: an uncompressed tar file whose
// entries are streamed in sequence, with one size-reserved placeholder at
// offset 0 that is patched after everything else has been written.
package archive

import (
	"archive/tar"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"
)

const (
	blockSize = 512
	// maxNameLen is the longest name that fits a single header block.
	maxNameLen = 100
)

var (
	ErrEntryOpen           = errors.New("archive: another entry is still being written")
	ErrPlaceholderNotFirst = errors.New("archive: placeholder must be the first entry")
	ErrPlaceholderExists   = errors.New("archive: placeholder already reserved")
	ErrPlaceholderPatched  = errors.New("archive: placeholder already patched")
	ErrPlaceholderOverflow = errors.New("archive: content exceeds reserved placeholder size")
	ErrPlaceholderPending  = errors.New("archive: placeholder was never patched")
	ErrClosed              = errors.New("archive: writer is closed")
	ErrNameTooLong         = errors.New("archive: entry name too long")
)

// Attrs are the ownership attributes recorded for an entry.
type Attrs struct {
	Mode    int64
	UID     int
	GID     int
	Uname   string
	Gname   string
	ModTime time.Time
}

// Placeholder is a reserved entry whose content is supplied later.
type Placeholder struct {
	writer  *Writer
	name    string
	attrs   Attrs
	offset  int64
	size    int64
	patched bool
}

func (p *Placeholder) Name() string { return p.name }

// Size is the reserved content length; the patched entry always records it.
func (p *Placeholder) Size() int64 { return p.size }

// Writer appends entries to a seekable output.
type Writer struct {
	out    io.WriteSeeker
	closer io.Closer

	pos         int64
	busy        bool
	closed      bool
	placeholder *Placeholder
	err         error
}

// Create creates (or truncates) the archive file at path.
func Create(path string) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create archive %s: %w", path, err)
	}
	w := NewWriter(f)
	w.closer = f
	return w, nil
}

// NewWriter writes an archive to out, which must be positioned at offset 0.
func NewWriter(out io.WriteSeeker) *Writer {
	return &Writer{out: out}
}

// Size is the number of bytes written so far.
func (w *Writer) Size() int64 { return w.pos }

func (w *Writer) check(name string) error {
	switch {
	case w.err != nil:
		return w.err
	case w.closed:
		return ErrClosed
	case w.busy:
		return ErrEntryOpen
	case len(name) > maxNameLen:
		return fmt.Errorf("%w: %q", ErrNameTooLong, name)
	}
	return nil
}

// fail makes err sticky: once the container is inconsistent no further
// entries may be written.
func (w *Writer) fail(err error) error {
	if w.err == nil {
		w.err = err
	}
	return err
}

// AddFromStream appends an entry whose length is not known in advance. fn
// receives a sink to stream the content into and must flush any buffering
// writers it wraps around it before returning. The header is written once fn
// returns and the length is known.
func (w *Writer) AddFromStream(name string, attrs Attrs, fn func(io.Writer) error) error {
	if err := w.check(name); err != nil {
		return err
	}
	w.busy = true
	defer func() { w.busy = false }()

	headerOffset := w.pos
	if err := w.write(make([]byte, blockSize)); err != nil {
		return err
	}

	cw := &countingWriter{w: w.out}
	err := fn(cw)
	w.pos += cw.n
	if err != nil {
		return w.fail(fmt.Errorf("write entry %s: %w", name, err))
	}

	if err := w.write(zeroPadding(cw.n)); err != nil {
		return err
	}

	header, err := buildHeader(name, cw.n, attrs)
	if err != nil {
		return w.fail(err)
	}
	if err := w.writeAt(headerOffset, header); err != nil {
		return err
	}
	return nil
}

// AddPlaceholder reserves an entry of exactly estimatedSize content bytes. It
// must be the first entry so readers can recover it from the start of the
// container alone.
func (w *Writer) AddPlaceholder(name string, attrs Attrs, estimatedSize int64) (*Placeholder, error) {
	if err := w.check(name); err != nil {
		return nil, err
	}
	if w.placeholder != nil {
		return nil, ErrPlaceholderExists
	}
	if w.pos != 0 {
		return nil, ErrPlaceholderNotFirst
	}
	if estimatedSize < 0 {
		return nil, fmt.Errorf("archive: negative placeholder size %d", estimatedSize)
	}

	header, err := buildHeader(name, estimatedSize, attrs)
	if err != nil {
		return nil, err
	}

	p := &Placeholder{writer: w, name: name, attrs: attrs, offset: w.pos, size: estimatedSize}
	if err := w.write(header); err != nil {
		return nil, err
	}
	if err := w.write(bytes.Repeat([]byte{' '}, int(estimatedSize))); err != nil {
		return nil, err
	}
	if err := w.write(zeroPadding(estimatedSize)); err != nil {
		return nil, err
	}

	w.placeholder = p
	return p, nil
}

// PatchPlaceholder overwrites the reserved entry with the content produced by
// fn. Content shorter than the reservation is padded with spaces; longer
// content fails with ErrPlaceholderOverflow and leaves the archive untouched.
func (w *Writer) PatchPlaceholder(p *Placeholder, fn func(io.Writer) error) error {
	if err := w.check(p.name); err != nil {
		return err
	}
	if p.writer != w || w.placeholder != p {
		return errors.New("archive: placeholder belongs to another writer")
	}
	if p.patched {
		return ErrPlaceholderPatched
	}

	buf := &boundedBuffer{max: p.size}
	if err := fn(buf); err != nil {
		return fmt.Errorf("write placeholder %s: %w", p.name, err)
	}

	content := buf.Bytes()
	if pad := p.size - int64(len(content)); pad > 0 {
		content = append(content, bytes.Repeat([]byte{' '}, int(pad))...)
	}

	header, err := buildHeader(p.name, p.size, p.attrs)
	if err != nil {
		return err
	}
	if err := w.writeAt(p.offset, append(header, content...)); err != nil {
		return err
	}

	p.patched = true
	return nil
}

// Close writes the end-of-archive marker and closes the underlying file.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	if w.busy {
		return ErrEntryOpen
	}
	w.closed = true

	var err error
	if w.err == nil {
		err = w.write(make([]byte, 2*blockSize))
	}
	if w.closer != nil {
		if cerr := w.closer.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close archive: %w", cerr)
		}
	}
	if err != nil {
		return err
	}
	if w.err != nil {
		return w.err
	}
	if w.placeholder != nil && !w.placeholder.patched {
		return ErrPlaceholderPending
	}
	return nil
}

func (w *Writer) write(b []byte) error {
	n, err := w.out.Write(b)
	w.pos += int64(n)
	if err != nil {
		return w.fail(fmt.Errorf("write archive: %w", err))
	}
	return nil
}

// writeAt overwrites b at offset and returns to the end of the archive.
func (w *Writer) writeAt(offset int64, b []byte) error {
	if _, err := w.out.Seek(offset, io.SeekStart); err != nil {
		return w.fail(fmt.Errorf("seek archive: %w", err))
	}
	if _, err := w.out.Write(b); err != nil {
		return w.fail(fmt.Errorf("write archive: %w", err))
	}
	if _, err := w.out.Seek(w.pos, io.SeekStart); err != nil {
		return w.fail(fmt.Errorf("seek archive: %w", err))
	}
	return nil
}

// buildHeader renders a single header block. GNU format stores large sizes
// in base-256 so the header never spills into extension blocks.
func buildHeader(name string, size int64, attrs Attrs) ([]byte, error) {
	if len(name) > maxNameLen {
		return nil, fmt.Errorf("%w: %q", ErrNameTooLong, name)
	}
	mode := attrs.Mode
	if mode == 0 {
		mode = 0o644
	}
	modTime := attrs.ModTime
	if modTime.IsZero() {
		modTime = time.Now()
	}

	hdr := &tar.Header{
		Typeflag: tar.TypeReg,
		Name:     name,
		Size:     size,
		Mode:     mode,
		Uid:      attrs.UID,
		Gid:      attrs.GID,
		Uname:    attrs.Uname,
		Gname:    attrs.Gname,
		ModTime:  modTime.Truncate(time.Second),
		Format:   tar.FormatGNU,
	}

	var buf bytes.Buffer
	if err := tar.NewWriter(&buf).WriteHeader(hdr); err != nil {
		return nil, fmt.Errorf("build header for %s: %w", name, err)
	}
	if buf.Len() != blockSize {
		return nil, fmt.Errorf("archive: header for %s does not fit a single block", name)
	}
	return buf.Bytes(), nil
}

func zeroPadding(size int64) []byte {
	if rem := size % blockSize; rem != 0 {
		return make([]byte, blockSize-rem)
	}
	return nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// boundedBuffer holds at most max bytes.
type boundedBuffer struct {
	buf bytes.Buffer
	max int64
}

func (b *boundedBuffer) Write(p []byte) (int, error) {
	if int64(b.buf.Len()+len(p)) > b.max {
		return 0, fmt.Errorf("%w: limit %d bytes", ErrPlaceholderOverflow, b.max)
	}
	return b.buf.Write(p)
}

func (b *boundedBuffer) Bytes() []byte { return b.buf.Bytes() }
