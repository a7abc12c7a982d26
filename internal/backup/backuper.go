// Package backup runs a complete site backup: it takes the tenant's
// operation lease, streams the database dump and the upload containers into
// a single tar archive, optionally pushes it to a remote store and always
// cleans up, notifies and releases the lease afterwards.
package backup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/edvin/sitebackup/internal/archive"
	"github.com/edvin/sitebackup/internal/eventlog"
	"github.com/edvin/sitebackup/internal/lease"
	"github.com/edvin/sitebackup/internal/metrics"
	"github.com/edvin/sitebackup/internal/model"
	"github.com/edvin/sitebackup/internal/source"
	"github.com/edvin/sitebackup/internal/store"
)

// Run statuses, as recorded in the history table.
const (
	StatusPending  = model.StatusPending
	StatusRunning  = model.StatusRunning
	StatusActive   = model.StatusActive
	StatusFailed   = model.StatusFailed
	StatusCanceled = model.StatusCanceled
)

// SystemActor is the requester name used for scheduled and internal runs.
const SystemActor = "system"

const archiveContentType = "application/x-tar"

// Dumper writes the database dump.
type Dumper interface {
	DumpSchemaInto(ctx context.Context, w io.Writer) error
}

// UploadSource enumerates uploaded files.
type UploadSource interface {
	source.RecordSource
	HasLocal(ctx context.Context) (bool, error)
	HasRemote(ctx context.Context) (bool, error)
}

// ImageSource enumerates derived images.
type ImageSource interface {
	source.RecordSource
	HasLocal(ctx context.Context) (bool, error)
}

// Notifier tells the requesting actor about the outcome of a run.
type Notifier interface {
	Notify(ctx context.Context, res *Result) error
}

// Recorder persists run history.
type Recorder interface {
	RecordStarted(ctx context.Context, res *Result) error
	RecordFinished(ctx context.Context, res *Result) error
}

type Settings struct {
	Tenant string
	// Title is used for the default archive file name.
	Title string
	// ArchiveDir is where archives are written before an optional upload.
	ArchiveDir string
	// TmpRoot holds per-run scratch directories.
	TmpRoot                string
	UploadsDir             string
	GzipLevel              int
	PageSize               int
	IncludeS3Uploads       bool
	IncludeOptimizedImages bool
}

type Deps struct {
	Lease           *lease.Manager
	Store           store.Store
	Dumper          Dumper
	Uploads         UploadSource
	OptimizedImages ImageSource
	// Downloader materializes remote uploads. Optional.
	Downloader source.Downloader
	Metadata   *MetadataWriter
	Notifier   Notifier
	Recorder   Recorder
	Events     *eventlog.Logger
	Logger     zerolog.Logger
}

type Options struct {
	RunID        string
	RequestedBy  string
	PathOverride string
	WithUploads  bool
	Ticket       string
}

// StoredAt returns where the archive ended up: the local file path, or the
// store name and object name for a remote store.
func (r *Result) StoredAt() string {
	if r.Remote {
		return r.Location + ": " + r.StoragePath
	}
	return r.StoragePath
}

// Result describes a finished (or failed) run.
type Result struct {
	RunID       string    `json:"id"`
	Tenant      string    `json:"tenant_id"`
	RequestedBy string    `json:"requested_by"`
	Ticket      string    `json:"ticket,omitempty"`
	Status      string    `json:"status"`
	Message     string    `json:"status_message,omitempty"`
	Filename    string    `json:"filename,omitempty"`
	StoragePath string    `json:"storage_path,omitempty"`
	Location    string    `json:"location,omitempty"`
	Remote      bool      `json:"remote"`
	SizeBytes   int64     `json:"size_bytes"`
	Checksum    string    `json:"checksum,omitempty"`
	Warnings    bool      `json:"warnings"`
	Logs        []string  `json:"logs,omitempty"`
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
}

// NewRunID returns a time-ordered run identifier.
func NewRunID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// Success reports whether the run produced a stored archive.
func (r *Result) Success() bool { return r.Status == StatusActive }

type Backuper struct {
	deps     Deps
	settings Settings
	logger   zerolog.Logger
	now      func() time.Time
}

func New(deps Deps, settings Settings) *Backuper {
	return &Backuper{
		deps:     deps,
		settings: settings,
		logger:   deps.Logger.With().Str("component", "backuper").Str("tenant", settings.Tenant).Logger(),
		now:      time.Now,
	}
}

// run carries the state of a single invocation.
type run struct {
	opts    Options
	result  *Result
	handle  *lease.Handle
	paths   Paths
	success bool
	// contended is set when another holder owned the lease.
	contended bool
}

// Run performs one backup. The returned Result is never nil. Cleanup,
// notification and lease release run whatever the outcome.
func (b *Backuper) Run(ctx context.Context, opts Options) (*Result, error) {
	if opts.RunID == "" {
		opts.RunID = NewRunID()
	}
	if opts.RequestedBy == "" {
		opts.RequestedBy = SystemActor
	}

	r := &run{
		opts: opts,
		result: &Result{
			RunID:       opts.RunID,
			Tenant:      b.settings.Tenant,
			RequestedBy: opts.RequestedBy,
			Ticket:      opts.Ticket,
			Status:      StatusFailed,
			StartedAt:   b.now(),
		},
	}

	ev := b.deps.Events
	ev.Event(eventlog.MarkerStarted)
	ev.Info(fmt.Sprintf("User '%s' started backup", opts.RequestedBy))

	err := b.execute(ctx, r)
	if err != nil {
		b.classify(r, err)
	} else {
		r.success = true
		r.result.Status = StatusActive
	}

	b.finish(ctx, r)
	return r.result, err
}

func (b *Backuper) execute(ctx context.Context, r *run) error {
	if err := b.initialize(ctx, r); err != nil {
		return err
	}
	runCtx := r.handle.Context()

	if err := b.createArchive(runCtx, r); err != nil {
		return err
	}
	if err := b.upload(runCtx, r); err != nil {
		return err
	}
	return b.finalize(runCtx, r)
}

func (b *Backuper) initialize(ctx context.Context, r *run) error {
	return b.deps.Events.Step("Initializing backup", func() error {
		h, err := b.deps.Lease.Acquire(ctx, b.settings.Tenant)
		if err != nil {
			return err
		}
		r.handle = h

		if b.deps.Recorder != nil {
			r.result.Status = StatusRunning
			if err := b.deps.Recorder.RecordStarted(ctx, r.result); err != nil {
				b.logger.Warn().Err(err).Str("run_id", r.result.RunID).Msg("failed to record run start")
			}
			r.result.Status = StatusFailed
		}

		r.paths = b.computePaths(r.opts)
		r.result.Filename = r.paths.Filename

		if err := os.MkdirAll(r.paths.ArchiveDir, 0o755); err != nil {
			return fmt.Errorf("create archive directory: %w", err)
		}
		if err := os.MkdirAll(r.paths.TmpDir, 0o755); err != nil {
			return fmt.Errorf("create tmp directory: %w", err)
		}
		return nil
	})
}

// computePaths resolves the archive location, honoring a caller override.
func (b *Backuper) computePaths(opts Options) Paths {
	now := b.now()
	timestamp := now.UTC().Format(timestampLayout)

	dirOverride, nameOverride := pathOverride(opts.PathOverride)
	if dirOverride != "" && b.deps.Store.IsRemote() {
		b.deps.Events.Warn("Only local backup storage supports overriding backup path.", nil)
		dirOverride = ""
	}

	dir := b.settings.ArchiveDir
	if dirOverride != "" {
		dir = dirOverride
	}
	name := nameOverride
	if name == "" {
		name = defaultBasename(b.settings.Title, now)
	}

	filename := name + ".tar"
	return Paths{
		Timestamp:   timestamp,
		ArchiveDir:  dir,
		Filename:    filename,
		ArchivePath: filepath.Join(dir, filename),
		TmpDir:      filepath.Join(b.settings.TmpRoot, b.settings.Tenant, timestamp),
	}
}

func (b *Backuper) createArchive(ctx context.Context, r *run) error {
	attrs := archive.CurrentUserAttrs()
	attrs.ModTime = b.now()

	estimate, err := b.deps.Metadata.EstimatedSize()
	if err != nil {
		return err
	}

	w, err := archive.Create(r.paths.ArchivePath)
	if err != nil {
		return err
	}
	defer w.Close()

	placeholder, err := w.AddPlaceholder(MetadataFile, attrs, estimate)
	if err != nil {
		return err
	}

	err = b.deps.Events.Step("Creating database dump", func() error {
		return w.AddFromStream(DumpFile, attrs, func(out io.Writer) error {
			return b.deps.Dumper.DumpSchemaInto(ctx, out)
		})
	})
	if err != nil {
		return err
	}

	uploads, err := b.addUploads(ctx, w, attrs, r)
	if err != nil {
		return err
	}
	images, err := b.addOptimizedImages(ctx, w, attrs, r)
	if err != nil {
		return err
	}
	if err := interrupted(ctx); err != nil {
		return err
	}

	err = b.deps.Events.Step("Adding metadata file", func() error {
		return w.PatchPlaceholder(placeholder, func(out io.Writer) error {
			return b.deps.Metadata.WriteInto(out, uploads, images)
		})
	})
	if err != nil {
		return err
	}

	if err := w.Close(); err != nil {
		return fmt.Errorf("close archive: %w", err)
	}
	return nil
}

func (b *Backuper) includeUploads(ctx context.Context) (bool, error) {
	if b.deps.Uploads == nil {
		return false, nil
	}
	local, err := b.deps.Uploads.HasLocal(ctx)
	if err != nil || local {
		return local, err
	}
	if !b.settings.IncludeS3Uploads {
		return false, nil
	}
	return b.deps.Uploads.HasRemote(ctx)
}

func (b *Backuper) includeOptimizedImages(ctx context.Context) (bool, error) {
	if b.deps.OptimizedImages == nil || !b.settings.IncludeOptimizedImages {
		return false, nil
	}
	return b.deps.OptimizedImages.HasLocal(ctx)
}

func (b *Backuper) addUploads(ctx context.Context, w *archive.Writer, attrs archive.Attrs, r *run) (*source.StreamStats, error) {
	include := false
	if r.opts.WithUploads {
		var err error
		if include, err = b.includeUploads(ctx); err != nil {
			return nil, fmt.Errorf("check uploads: %w", err)
		}
	}
	if !include {
		b.deps.Events.Info("Skipping uploads")
		return nil, nil
	}
	return b.addContainer(ctx, w, attrs, r, "Adding uploads", UploadsFile, "uploads", b.deps.Uploads)
}

func (b *Backuper) addOptimizedImages(ctx context.Context, w *archive.Writer, attrs archive.Attrs, r *run) (*source.StreamStats, error) {
	include := false
	if r.opts.WithUploads {
		var err error
		if include, err = b.includeOptimizedImages(ctx); err != nil {
			return nil, fmt.Errorf("check optimized images: %w", err)
		}
	}
	if !include {
		b.deps.Events.Info("Skipping optimized images")
		return nil, nil
	}
	return b.addContainer(ctx, w, attrs, r, "Adding optimized images", OptimizedImagesFile, "optimized images", b.deps.OptimizedImages)
}

// addContainer streams every record of src into a nested archive member.
func (b *Backuper) addContainer(ctx context.Context, w *archive.Writer, attrs archive.Attrs, r *run, step, member, noun string, src source.RecordSource) (*source.StreamStats, error) {
	streamer := source.NewStreamer(src, b.deps.Downloader, source.StreamerOptions{
		LocalDir:  b.settings.UploadsDir,
		TmpDir:    r.paths.TmpDir,
		GzipLevel: b.settings.GzipLevel,
		PageSize:  b.settings.PageSize,
	}, b.logger)

	var stats source.StreamStats
	err := b.deps.Events.StepWithProgress(step, func(p *eventlog.Progress) error {
		return w.AddFromStream(member, attrs, func(out io.Writer) error {
			var err error
			stats, err = streamer.StreamAllInto(ctx, out, p)
			return err
		})
	})
	if err != nil {
		return nil, err
	}

	if stats.MissingCount > 0 {
		b.deps.Events.Warn(fmt.Sprintf("Failed to add %d %s. See logfile for details.", stats.MissingCount, noun), nil)
	}
	return &stats, nil
}

func (b *Backuper) upload(ctx context.Context, r *run) error {
	if !b.deps.Store.IsRemote() {
		return nil
	}
	info, err := os.Stat(r.paths.ArchivePath)
	if err != nil {
		return fmt.Errorf("stat archive: %w", err)
	}

	step := fmt.Sprintf("Uploading backup (%s)", humanize.Bytes(uint64(info.Size())))
	return b.deps.Events.Step(step, func() error {
		return b.deps.Store.UploadFile(ctx, r.paths.Filename, r.paths.ArchivePath, archiveContentType)
	})
}

func (b *Backuper) finalize(ctx context.Context, r *run) error {
	return b.deps.Events.Step("Finalizing backup", func() error {
		if err := interrupted(ctx); err != nil {
			return err
		}
		size, sum, err := checksum(r.paths.ArchivePath)
		if err != nil {
			return err
		}
		r.result.SizeBytes = size
		r.result.Checksum = sum
		r.result.Location = b.deps.Store.Location()
		r.result.Remote = b.deps.Store.IsRemote()
		if r.result.Remote {
			r.result.StoragePath = r.paths.Filename
		} else {
			r.result.StoragePath = r.paths.ArchivePath
		}
		return nil
	})
}

// classify logs the terminal error and sets the run status accordingly.
func (b *Backuper) classify(r *run, err error) {
	ev := b.deps.Events
	switch {
	case errors.Is(err, lease.ErrAborted), errors.Is(err, context.Canceled):
		r.result.Status = StatusCanceled
		r.result.Message = "Backup operation was canceled!"
		ev.Warn(r.result.Message, nil)
	case errors.Is(err, lease.ErrAlreadyHeld):
		r.contended = true
		r.result.Message = "Operation is already running"
		ev.Error(r.result.Message, nil)
	default:
		r.result.Message = err.Error()
		ev.Error("Backup failed with an error", err)
	}
}

// finish runs the guaranteed tail of every run.
func (b *Backuper) finish(ctx context.Context, r *run) {
	ctx = context.WithoutCancel(ctx)

	b.cleanUp(ctx, r)
	b.notify(ctx, r)
	b.complete(ctx, r)
}

func (b *Backuper) cleanUp(ctx context.Context, r *run) {
	_ = b.deps.Events.Step("Cleaning up", func() error {
		var errs []error

		if path := r.paths.ArchivePath; path != "" && (!r.success || b.deps.Store.IsRemote()) {
			if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
				errs = append(errs, fmt.Errorf("remove archive: %w", err))
			}
		}
		if r.paths.TmpDir != "" {
			if err := os.RemoveAll(r.paths.TmpDir); err != nil {
				errs = append(errs, fmt.Errorf("remove tmp directory: %w", err))
			}
		}
		if err := b.deps.Store.DeleteOld(ctx); err != nil {
			errs = append(errs, err)
		}

		err := errors.Join(errs...)
		if err != nil {
			b.logger.Error().Err(err).Msg("cleanup failed")
		}
		return err
	})
}

func (b *Backuper) notify(ctx context.Context, r *run) {
	if b.deps.Notifier == nil || (r.success && r.opts.RequestedBy == SystemActor) {
		return
	}
	r.result.Logs = b.deps.Events.Logs()
	_ = b.deps.Events.Step("Notifying user", func() error {
		return b.deps.Notifier.Notify(ctx, r.result)
	})
}

func (b *Backuper) complete(ctx context.Context, r *run) {
	ev := b.deps.Events

	if r.handle != nil {
		if err := r.handle.Release(ctx); err != nil {
			ev.Error("Failed to mark operation as finished", err)
		}
	}

	if r.success {
		if b.deps.Store.IsRemote() {
			ev.Info(fmt.Sprintf("Backup stored on %s as %s", b.deps.Store.Location(), r.paths.Filename))
		} else {
			ev.Info(fmt.Sprintf("Backup stored at: %s", r.paths.ArchivePath))
		}
		if ev.Warnings() {
			ev.Warn("Backup completed with warnings!", nil)
		} else {
			ev.Info("Backup completed successfully!")
		}
		ev.Event(eventlog.MarkerSuccess)
	} else {
		ev.Error("Backup failed!", nil)
		ev.Event(eventlog.MarkerFailed)
	}

	res := r.result
	res.CompletedAt = b.now()
	res.Warnings = ev.Warnings()
	res.Logs = ev.Logs()

	if b.deps.Recorder != nil {
		if err := b.deps.Recorder.RecordFinished(ctx, res); err != nil {
			b.logger.Error().Err(err).Str("run_id", res.RunID).Msg("failed to record run result")
		}
	}

	b.observe(r)
}

func (b *Backuper) observe(r *run) {
	res := r.result
	status := res.Status
	if r.contended {
		status = "contended"
	}
	metrics.BackupRunsTotal.WithLabelValues(status).Inc()
	metrics.BackupRunDuration.Observe(res.CompletedAt.Sub(res.StartedAt).Seconds())
	if r.success {
		metrics.ArchiveBytes.Set(float64(res.SizeBytes))
	}

	b.logger.Info().
		Str("run_id", res.RunID).
		Str("status", status).
		Int64("size_bytes", res.SizeBytes).
		Dur("duration", res.CompletedAt.Sub(res.StartedAt)).
		Msg("backup run finished")
}

// interrupted returns the cancellation cause once ctx is done.
func interrupted(ctx context.Context) error {
	if ctx.Err() != nil {
		return context.Cause(ctx)
	}
	return nil
}

func checksum(path string) (int64, string, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, "", fmt.Errorf("open archive: %w", err)
	}
	defer f.Close()

	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return 0, "", fmt.Errorf("checksum archive: %w", err)
	}
	return n, hex.EncodeToString(h.Sum(nil)), nil
}
