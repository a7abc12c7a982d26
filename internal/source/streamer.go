package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"github.com/edvin/sitebackup/internal/archive"
	"github.com/edvin/sitebackup/internal/metrics"
)

const defaultPageSize = 1000

type StreamerOptions struct {
	// LocalDir is the directory local record paths are relative to.
	LocalDir string
	// TmpDir receives remote downloads; each is removed once streamed.
	TmpDir    string
	GzipLevel int
	PageSize  int
}

// Streamer walks a RecordSource and writes every retrievable file into a
// gzip-compressed tar.
type Streamer struct {
	source     RecordSource
	downloader Downloader
	opts       StreamerOptions
	logger     zerolog.Logger
}

// NewStreamer creates a streamer. downloader may be nil, in which case remote
// records are counted as missing.
func NewStreamer(src RecordSource, downloader Downloader, opts StreamerOptions, logger zerolog.Logger) *Streamer {
	if opts.PageSize <= 0 {
		opts.PageSize = defaultPageSize
	}
	return &Streamer{
		source:     src,
		downloader: downloader,
		opts:       opts,
		logger:     logger.With().Str("component", "streamer").Str("kind", src.Kind()).Logger(),
	}
}

// StreamAllInto writes all records into w. Records whose file cannot be
// materialized are counted as missing and skipped; any other failure ends
// the stream. Progress is reported once per record.
func (s *Streamer) StreamAllInto(ctx context.Context, w io.Writer, progress Progress) (StreamStats, error) {
	var stats StreamStats

	total, err := s.source.Count(ctx)
	if err != nil {
		return stats, err
	}
	stats.TotalCount = total
	progress.Start(total)

	sw, err := archive.NewStreamWriter(w, s.opts.GzipLevel)
	if err != nil {
		return stats, err
	}

	label := strings.ReplaceAll(s.source.Kind(), " ", "_")
	processed := func() int64 { return stats.IncludedCount + stats.MissingCount }

	// The count query fixes the record set: records created while streaming
	// are left for the next backup.
	var afterID int64
pages:
	for processed() < total {
		if ctx.Err() != nil {
			return stats, context.Cause(ctx)
		}

		records, err := s.source.List(ctx, afterID, s.opts.PageSize)
		if err != nil {
			return stats, err
		}

		for _, rec := range records {
			if processed() == total {
				break pages
			}
			err := s.addRecord(ctx, sw, rec)
			switch {
			case err == nil:
				stats.IncludedCount++
			case errors.Is(err, ErrMissing):
				stats.MissingCount++
				metrics.StreamMissingTotal.WithLabelValues(label).Inc()
				progress.Warn(s.missingMessage(rec), err)
			default:
				return stats, err
			}
			progress.Increment()
			afterID = rec.ID
		}

		if len(records) < s.opts.PageSize {
			break
		}
	}

	if err := sw.Close(); err != nil {
		return stats, err
	}

	// Records counted but deleted before they were reached cannot be restored
	// from this backup either.
	if gone := total - processed(); gone > 0 {
		stats.MissingCount += gone
		metrics.StreamMissingTotal.WithLabelValues(label).Add(float64(gone))
		progress.Warn(
			fmt.Sprintf("%d %s records were deleted while the backup was running", gone, s.source.Kind()),
			fmt.Errorf("%w: counted %d, found %d", ErrMissing, total, total-gone),
		)
	}

	s.logger.Debug().
		Int64("total", stats.TotalCount).
		Int64("included", stats.IncludedCount).
		Int64("missing", stats.MissingCount).
		Msg("records streamed")

	return stats, nil
}

func (s *Streamer) missingMessage(rec Record) string {
	if rec.Remote {
		return fmt.Sprintf("Failed to download file from remote store for %s with ID %d", s.source.Kind(), rec.ID)
	}
	return fmt.Sprintf("Failed to locate file for %s with ID %d", s.source.Kind(), rec.ID)
}

func (s *Streamer) addRecord(ctx context.Context, sw *archive.StreamWriter, rec Record) error {
	if !filepath.IsLocal(filepath.FromSlash(rec.RelativePath)) {
		return fmt.Errorf("%w: unsafe path %q", ErrMissing, rec.RelativePath)
	}
	path := filepath.Join(s.opts.LocalDir, filepath.FromSlash(rec.RelativePath))

	if rec.Remote {
		if s.downloader == nil {
			return fmt.Errorf("%w: no remote store configured", ErrMissing)
		}

		name := filepath.Base(rec.SHA1)
		if rec.SHA1 == "" || name == "." || name == ".." {
			name = fmt.Sprintf("record-%d", rec.ID)
		}
		path = filepath.Join(s.opts.TmpDir, name)
		defer os.Remove(path)

		if err := s.downloader.DownloadFile(ctx, rec.RelativePath, path); err != nil {
			if ctx.Err() != nil {
				return context.Cause(ctx)
			}
			return fmt.Errorf("%w: %w", ErrMissing, err)
		}
	}

	if err := sw.AddFile(rec.RelativePath, path); err != nil {
		if errors.Is(err, archive.ErrUnreadable) {
			return fmt.Errorf("%w: %w", ErrMissing, err)
		}
		return err
	}
	return nil
}
