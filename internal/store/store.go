// Package store keeps finished backup archives, either in a local directory
// or in an S3-compatible bucket, and prunes old ones.
package store

import (
	"context"
	"strings"
	"time"
)

// Store is where finished archives end up.
type Store interface {
	// IsRemote reports whether archives leave the local machine.
	IsRemote() bool
	// Location names the store in user-facing messages.
	Location() string
	UploadFile(ctx context.Context, filename, localPath, contentType string) error
	DownloadFile(ctx context.Context, key, destPath string) error
	List(ctx context.Context) ([]BackupFile, error)
	// DeleteOld removes all but the newest archives.
	DeleteOld(ctx context.Context) error
}

// BackupFile describes one stored archive.
type BackupFile struct {
	Filename     string    `json:"filename"`
	Size         int64     `json:"size"`
	LastModified time.Time `json:"last_modified"`
}

// isBackupFile matches the archive names this tool produces or accepts.
func isBackupFile(name string) bool {
	lower := strings.ToLower(name)
	for _, ext := range []string{".tar", ".tar.gz", ".tgz", ".sql.gz"} {
		if strings.HasSuffix(lower, ext) {
			return true
		}
	}
	return false
}

// expired returns the files beyond the newest keep entries.
func expired(files []BackupFile, keep int) []BackupFile {
	if keep <= 0 || len(files) <= keep {
		return nil
	}
	sorted := append([]BackupFile(nil), files...)
	sortNewestFirst(sorted)
	return sorted[keep:]
}
