package store

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/edvin/sitebackup/internal/config"
)

// New returns the store selected by backup.location.
func New(cfg *config.Config, logger zerolog.Logger) (Store, error) {
	switch cfg.Backup.Location {
	case "", "local":
		return NewLocalStore(cfg.Backup.LocalDir, cfg.Backup.MaxBackups, logger), nil
	case "s3":
		if cfg.S3.BackupsBucket == "" {
			return nil, fmt.Errorf("s3 backup location requires a backups bucket")
		}
		return NewS3Store(NewS3Client(cfg.S3), cfg.S3.BackupsBucket, cfg.S3.Prefix, cfg.Backup.MaxBackups, logger), nil
	default:
		return nil, fmt.Errorf("unknown backup location %q", cfg.Backup.Location)
	}
}

// NewUploadsDownloader returns a store reading remotely stored uploads, or
// nil when uploads are not kept in S3.
func NewUploadsDownloader(cfg *config.Config, logger zerolog.Logger) *S3Store {
	if !cfg.S3.UploadsEnabled || cfg.S3.UploadsBucket == "" {
		return nil
	}
	return NewS3Store(NewS3Client(cfg.S3), cfg.S3.UploadsBucket, "", 0, logger)
}
