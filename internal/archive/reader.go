package archive

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
)

// maxFirstEntrySize caps how much of the first entry ReadFirstEntry loads.
const maxFirstEntrySize = 16 << 20

// ReadFirstEntry reads only the first member of an archive. It is how the
// metadata document is recovered without reading the rest of the container.
func ReadFirstEntry(r io.Reader) (*tar.Header, []byte, error) {
	tr := tar.NewReader(r)
	hdr, err := tr.Next()
	if errors.Is(err, io.EOF) {
		return nil, nil, errors.New("archive: empty archive")
	}
	if err != nil {
		return nil, nil, fmt.Errorf("read first header: %w", err)
	}
	if hdr.Size > maxFirstEntrySize {
		return nil, nil, fmt.Errorf("archive: first entry %s too large (%d bytes)", hdr.Name, hdr.Size)
	}

	data, err := io.ReadAll(tr)
	if err != nil {
		return nil, nil, fmt.Errorf("read %s: %w", hdr.Name, err)
	}
	return hdr, data, nil
}
