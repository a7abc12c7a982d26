// Package source enumerates file-backed records (uploads, optimized images)
// page by page and streams their files into a gzip-compressed tar.
package source

import (
	"context"
	"errors"
	"path"
	"strings"
)

// ErrMissing marks a record whose file could not be materialized. It is
// counted and logged by the Streamer and never returned from StreamAllInto.
var ErrMissing = errors.New("source file missing")

// Record is one file-backed entity.
type Record struct {
	ID   int64
	SHA1 string
	// RelativePath is the content-addressed member name inside the stream and
	// the path below the local uploads directory.
	RelativePath string
	// Remote records live in object storage under RelativePath.
	Remote bool
}

// RecordSource is a paginated collection of records ordered by ID.
type RecordSource interface {
	// Kind names a single record in log lines, e.g. "upload".
	Kind() string
	Count(ctx context.Context) (int64, error)
	// List returns up to limit records with ID greater than afterID.
	List(ctx context.Context, afterID int64, limit int) ([]Record, error)
}

// Downloader fetches a remotely stored record to a local path.
type Downloader interface {
	DownloadFile(ctx context.Context, key, destPath string) error
}

// Progress receives per-record progress and warnings.
type Progress interface {
	Start(total int64)
	Increment()
	Warn(msg string, err error)
}

// StreamStats counts what happened to the records of one source.
type StreamStats struct {
	TotalCount    int64 `json:"total_count"`
	IncludedCount int64 `json:"included_count"`
	MissingCount  int64 `json:"missing_count"`
}

// RelativePath derives the member name from a stored URL: everything from the
// "original/" or "optimized/" segment on. URLs without one fall back to
// <dir>/1X/<sha1><ext>.
func RelativePath(dir, url, sha1, ext string) string {
	marker := "/" + dir + "/"
	if i := strings.Index(url, marker); i >= 0 {
		return url[i+1:]
	}
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return path.Join(dir, "1X", sha1+ext)
}

// isRemoteURL reports whether url points at object storage. Local URLs are
// root-relative paths; remote ones are protocol-relative or absolute.
func isRemoteURL(url string) bool {
	return strings.HasPrefix(url, "//") || strings.Contains(url, "://")
}
