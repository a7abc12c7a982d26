package archive

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testAttrs = Attrs{
	Mode:    0o640,
	UID:     1001,
	GID:     1002,
	Uname:   "forum",
	Gname:   "www-data",
	ModTime: time.Date(2024, 5, 1, 12, 30, 15, 0, time.UTC),
}

func writeString(s string) func(io.Writer) error {
	return func(w io.Writer) error {
		_, err := io.WriteString(w, s)
		return err
	}
}

type entry struct {
	hdr  *tar.Header
	data []byte
}

func readAll(t *testing.T, path string) []entry {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var entries []entry
	tr := tar.NewReader(f)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return entries
		}
		require.NoError(t, err)
		data, err := io.ReadAll(tr)
		require.NoError(t, err)
		entries = append(entries, entry{hdr: hdr, data: data})
	}
}

func TestWriter_PlaceholderRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "backup.tar")
	w, err := Create(path)
	require.NoError(t, err)

	p, err := w.AddPlaceholder("meta.json", testAttrs, 300)
	require.NoError(t, err)

	dump := bytes.Repeat([]byte("dump"), 1000)
	require.NoError(t, w.AddFromStream("dump.sql.gz", testAttrs, func(out io.Writer) error {
		_, err := out.Write(dump)
		return err
	}))
	require.NoError(t, w.AddFromStream("uploads.tar.gz", testAttrs, writeString("uploads")))

	meta := `{"backup_format": 2}`
	require.NoError(t, w.PatchPlaceholder(p, writeString(meta)))
	require.NoError(t, w.Close())

	entries := readAll(t, path)
	require.Len(t, entries, 3)

	assert.Equal(t, "meta.json", entries[0].hdr.Name)
	assert.Equal(t, int64(300), entries[0].hdr.Size)
	assert.Len(t, entries[0].data, 300)
	assert.Equal(t, meta, strings.TrimRight(string(entries[0].data), " "))
	assert.True(t, strings.HasPrefix(string(entries[0].data), meta))

	assert.Equal(t, "dump.sql.gz", entries[1].hdr.Name)
	assert.Equal(t, dump, entries[1].data)
	assert.Equal(t, "uploads.tar.gz", entries[2].hdr.Name)
	assert.Equal(t, "uploads", string(entries[2].data))

	for _, e := range entries {
		assert.Equal(t, int64(0o640), e.hdr.Mode)
		assert.Equal(t, 1001, e.hdr.Uid)
		assert.Equal(t, 1002, e.hdr.Gid)
		assert.Equal(t, "forum", e.hdr.Uname)
		assert.Equal(t, "www-data", e.hdr.Gname)
		assert.True(t, testAttrs.ModTime.Equal(e.hdr.ModTime))
	}
}

func TestWriter_PlaceholderPaddedToReservedSize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "backup.tar")
	w, err := Create(path)
	require.NoError(t, err)

	const reserved = 1024
	p, err := w.AddPlaceholder("meta.json", testAttrs, reserved)
	require.NoError(t, err)
	assert.Equal(t, int64(reserved), p.Size())

	short := strings.Repeat("m", 100)
	require.NoError(t, w.PatchPlaceholder(p, writeString(short)))
	require.NoError(t, w.Close())

	entries := readAll(t, path)
	require.Len(t, entries, 1)
	assert.Equal(t, int64(reserved), entries[0].hdr.Size)
	assert.Equal(t, short+strings.Repeat(" ", reserved-100), string(entries[0].data))

	// header + reserved content + end-of-archive marker
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, int64(blockSize+reserved+2*blockSize), info.Size())
}

func TestWriter_PlaceholderOverflow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "backup.tar")
	w, err := Create(path)
	require.NoError(t, err)

	p, err := w.AddPlaceholder("meta.json", testAttrs, 10)
	require.NoError(t, err)
	require.NoError(t, w.AddFromStream("dump.sql.gz", testAttrs, writeString("dump")))

	err = w.PatchPlaceholder(p, writeString(strings.Repeat("x", 11)))
	require.ErrorIs(t, err, ErrPlaceholderOverflow)

	// The reservation is intact and may still be patched with fitting content.
	require.NoError(t, w.PatchPlaceholder(p, writeString("fits")))
	require.NoError(t, w.Close())

	entries := readAll(t, path)
	require.Len(t, entries, 2)
	assert.Equal(t, "fits      ", string(entries[0].data))
	assert.Equal(t, "dump", string(entries[1].data))
}

func TestWriter_PlaceholderOverflowViaCopy(t *testing.T) {
	w := NewWriter(&seekBuffer{})
	p, err := w.AddPlaceholder("meta.json", testAttrs, 4)
	require.NoError(t, err)

	err = w.PatchPlaceholder(p, func(out io.Writer) error {
		_, err := io.Copy(out, strings.NewReader("too long"))
		return err
	})
	assert.ErrorIs(t, err, ErrPlaceholderOverflow)
}

func TestWriter_PlaceholderRules(t *testing.T) {
	t.Run("not first", func(t *testing.T) {
		w := NewWriter(&seekBuffer{})
		require.NoError(t, w.AddFromStream("dump.sql.gz", testAttrs, writeString("x")))
		_, err := w.AddPlaceholder("meta.json", testAttrs, 10)
		assert.ErrorIs(t, err, ErrPlaceholderNotFirst)
	})

	t.Run("only one", func(t *testing.T) {
		w := NewWriter(&seekBuffer{})
		_, err := w.AddPlaceholder("meta.json", testAttrs, 10)
		require.NoError(t, err)
		_, err = w.AddPlaceholder("other.json", testAttrs, 10)
		assert.ErrorIs(t, err, ErrPlaceholderExists)
	})

	t.Run("patched once", func(t *testing.T) {
		w := NewWriter(&seekBuffer{})
		p, err := w.AddPlaceholder("meta.json", testAttrs, 10)
		require.NoError(t, err)
		require.NoError(t, w.PatchPlaceholder(p, writeString("a")))
		assert.ErrorIs(t, w.PatchPlaceholder(p, writeString("b")), ErrPlaceholderPatched)
	})

	t.Run("foreign placeholder", func(t *testing.T) {
		w1 := NewWriter(&seekBuffer{})
		w2 := NewWriter(&seekBuffer{})
		p, err := w1.AddPlaceholder("meta.json", testAttrs, 10)
		require.NoError(t, err)
		assert.Error(t, w2.PatchPlaceholder(p, writeString("a")))
	})

	t.Run("pending at close", func(t *testing.T) {
		w := NewWriter(&seekBuffer{})
		_, err := w.AddPlaceholder("meta.json", testAttrs, 10)
		require.NoError(t, err)
		assert.ErrorIs(t, w.Close(), ErrPlaceholderPending)
	})
}

func TestWriter_OneOpenEntry(t *testing.T) {
	w := NewWriter(&seekBuffer{})
	p, err := w.AddPlaceholder("meta.json", testAttrs, 10)
	require.NoError(t, err)

	var nestedErr, patchErr, closeErr error
	require.NoError(t, w.AddFromStream("dump.sql.gz", testAttrs, func(out io.Writer) error {
		nestedErr = w.AddFromStream("nested", testAttrs, writeString("x"))
		patchErr = w.PatchPlaceholder(p, writeString("x"))
		closeErr = w.Close()
		_, err := io.WriteString(out, "dump")
		return err
	}))

	assert.ErrorIs(t, nestedErr, ErrEntryOpen)
	assert.ErrorIs(t, patchErr, ErrEntryOpen)
	assert.ErrorIs(t, closeErr, ErrEntryOpen)

	require.NoError(t, w.PatchPlaceholder(p, writeString("{}")))
	require.NoError(t, w.Close())
}

func TestWriter_StreamErrorIsSticky(t *testing.T) {
	w := NewWriter(&seekBuffer{})
	boom := errors.New("pg_dump failed")

	err := w.AddFromStream("dump.sql.gz", testAttrs, func(out io.Writer) error {
		_, _ = io.WriteString(out, "partial")
		return boom
	})
	require.ErrorIs(t, err, boom)

	assert.ErrorIs(t, w.AddFromStream("uploads.tar.gz", testAttrs, writeString("x")), boom)
	assert.ErrorIs(t, w.Close(), boom)
}

func TestWriter_ClosedAndNameTooLong(t *testing.T) {
	w := NewWriter(&seekBuffer{})
	assert.ErrorIs(t, w.AddFromStream(strings.Repeat("n", 101), testAttrs, writeString("x")), ErrNameTooLong)

	require.NoError(t, w.Close())
	require.NoError(t, w.Close())
	assert.ErrorIs(t, w.AddFromStream("late", testAttrs, writeString("x")), ErrClosed)
	_, err := w.AddPlaceholder("meta.json", testAttrs, 1)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestWriter_Size(t *testing.T) {
	w := NewWriter(&seekBuffer{})
	require.NoError(t, w.AddFromStream("a", testAttrs, writeString(strings.Repeat("a", 513))))
	assert.Equal(t, int64(blockSize+2*blockSize), w.Size())
	require.NoError(t, w.Close())
	assert.Equal(t, int64(5*blockSize), w.Size())
}

func TestBuildHeader_LargeSizeFitsOneBlock(t *testing.T) {
	const size = 20 << 30 // past the 8 GiB octal limit
	hdr, err := buildHeader("dump.sql.gz", size, testAttrs)
	require.NoError(t, err)
	require.Len(t, hdr, blockSize)

	parsed, err := tar.NewReader(bytes.NewReader(hdr)).Next()
	require.NoError(t, err)
	assert.Equal(t, int64(size), parsed.Size)
	assert.Equal(t, "dump.sql.gz", parsed.Name)
}

func TestReadFirstEntry_OnlyNeedsLeadingBytes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "backup.tar")
	w, err := Create(path)
	require.NoError(t, err)

	p, err := w.AddPlaceholder("meta.json", testAttrs, 64)
	require.NoError(t, err)
	require.NoError(t, w.AddFromStream("dump.sql.gz", testAttrs, writeString(strings.Repeat("d", 4096))))
	require.NoError(t, w.PatchPlaceholder(p, writeString(`{"backup_format":2}`)))
	require.NoError(t, w.Close())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	// Header plus one padded content block is all a reader gets.
	hdr, data, err := ReadFirstEntry(io.LimitReader(f, 2*blockSize))
	require.NoError(t, err)
	assert.Equal(t, "meta.json", hdr.Name)
	assert.Equal(t, `{"backup_format":2}`, strings.TrimSpace(string(data)))
}

func TestReadFirstEntry_Empty(t *testing.T) {
	_, _, err := ReadFirstEntry(bytes.NewReader(make([]byte, 2*blockSize)))
	assert.Error(t, err)
}

func TestStreamWriter(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.png")
	b := filepath.Join(dir, "b.jpg")
	require.NoError(t, os.WriteFile(a, []byte("png bytes"), 0o644))
	require.NoError(t, os.WriteFile(b, bytes.Repeat([]byte{0xff}, 5000), 0o644))

	var out bytes.Buffer
	sw, err := NewStreamWriter(&out, gzip.BestSpeed)
	require.NoError(t, err)

	require.NoError(t, sw.AddFile("original/1X/a.png", a))
	err = sw.AddFile("original/1X/missing.png", filepath.Join(dir, "missing.png"))
	require.ErrorIs(t, err, ErrUnreadable)
	err = sw.AddFile("original/1X/dir", dir)
	require.ErrorIs(t, err, ErrUnreadable)
	require.NoError(t, sw.AddFile("original/1X/b.jpg", b))
	require.NoError(t, sw.Close())

	gz, err := gzip.NewReader(&out)
	require.NoError(t, err)
	tr := tar.NewReader(gz)

	got := map[string][]byte{}
	var order []string
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		data, err := io.ReadAll(tr)
		require.NoError(t, err)
		got[hdr.Name] = data
		order = append(order, hdr.Name)
	}

	assert.Equal(t, []string{"original/1X/a.png", "original/1X/b.jpg"}, order)
	assert.Equal(t, []byte("png bytes"), got["original/1X/a.png"])
	assert.Equal(t, bytes.Repeat([]byte{0xff}, 5000), got["original/1X/b.jpg"])
}

func TestCurrentUserAttrs(t *testing.T) {
	attrs := CurrentUserAttrs()
	assert.Equal(t, os.Getuid(), attrs.UID)
	assert.Equal(t, os.Getgid(), attrs.GID)
	assert.Equal(t, int64(0o644), attrs.Mode)
}

// seekBuffer is an in-memory io.WriteSeeker.
type seekBuffer struct {
	buf []byte
	pos int
}

func (s *seekBuffer) Write(p []byte) (int, error) {
	if end := s.pos + len(p); end > len(s.buf) {
		s.buf = append(s.buf, make([]byte, end-len(s.buf))...)
	}
	n := copy(s.buf[s.pos:], p)
	s.pos += n
	return n, nil
}

func (s *seekBuffer) Seek(offset int64, whence int) (int64, error) {
	switch whence {
	case io.SeekStart:
		s.pos = int(offset)
	case io.SeekCurrent:
		s.pos += int(offset)
	case io.SeekEnd:
		s.pos = len(s.buf) + int(offset)
	}
	return int64(s.pos), nil
}
