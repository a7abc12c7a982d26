package backup

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"sort"

	"github.com/edvin/sitebackup/internal/source"
)

// Format is the archive layout version recorded in meta.json.
const Format = 2

// Member names inside the outer archive.
const (
	MetadataFile        = "meta.json"
	DumpFile            = "dump.sql.gz"
	UploadsFile         = "uploads.tar.gz"
	OptimizedImagesFile = "optimized-images.tar.gz"
)

// metadataSlack is added to the stats-less rendering to reserve room for
// the upload and image stats that are only known at the end of the run.
const metadataSlack = 1024

type Plugin struct {
	Name       string `json:"name"`
	Enabled    bool   `json:"enabled"`
	DBVersion  int64  `json:"db_version"`
	GitVersion string `json:"git_version"`
}

// Metadata is the document stored as the first archive member.
type Metadata struct {
	BackupFormat    int                 `json:"backup_format"`
	AppVersion      string              `json:"app_version"`
	DBVersion       int64               `json:"db_version"`
	GitVersion      string              `json:"git_version"`
	GitBranch       string              `json:"git_branch"`
	BaseURL         string              `json:"base_url"`
	CDNURL          string              `json:"cdn_url"`
	S3BaseURL       *string             `json:"s3_base_url"`
	S3CDNURL        *string             `json:"s3_cdn_url"`
	DBName          string              `json:"db_name"`
	Multisite       bool                `json:"multisite"`
	Plugins         []Plugin            `json:"plugins"`
	Uploads         *source.StreamStats `json:"uploads"`
	OptimizedImages *source.StreamStats `json:"optimized_images"`
}

// MetadataWriter renders meta.json. The static part is fixed at
// construction; stream stats are filled in when the document is written.
type MetadataWriter struct {
	base Metadata
}

func NewMetadataWriter(m Metadata) *MetadataWriter {
	m.BackupFormat = Format
	m.Plugins = append([]Plugin{}, m.Plugins...)
	sort.SliceStable(m.Plugins, func(i, j int) bool { return m.Plugins[i].Name < m.Plugins[j].Name })
	m.Uploads = nil
	m.OptimizedImages = nil
	return &MetadataWriter{base: m}
}

// EstimatedSize is an upper bound for the final document size.
func (w *MetadataWriter) EstimatedSize() (int64, error) {
	b, err := w.render(nil, nil)
	if err != nil {
		return 0, err
	}
	return int64(len(b)) + metadataSlack, nil
}

// WriteInto writes the final document including the stream stats. Either
// stats value may be nil when that stage was skipped.
func (w *MetadataWriter) WriteInto(out io.Writer, uploads, images *source.StreamStats) error {
	b, err := w.render(uploads, images)
	if err != nil {
		return err
	}
	if _, err := out.Write(b); err != nil {
		return fmt.Errorf("write metadata: %w", err)
	}
	return nil
}

func (w *MetadataWriter) render(uploads, images *source.StreamStats) ([]byte, error) {
	m := w.base
	m.Uploads = uploads
	m.OptimizedImages = images

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(m); err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
