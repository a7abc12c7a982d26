package main

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	temporalclient "go.temporal.io/sdk/client"

	"github.com/edvin/sitebackup/internal/activity"
	"github.com/edvin/sitebackup/internal/backup"
	"github.com/edvin/sitebackup/internal/config"
	"github.com/edvin/sitebackup/internal/db"
	"github.com/edvin/sitebackup/internal/dump"
	"github.com/edvin/sitebackup/internal/eventlog"
	"github.com/edvin/sitebackup/internal/history"
	"github.com/edvin/sitebackup/internal/lease"
	"github.com/edvin/sitebackup/internal/logging"
	"github.com/edvin/sitebackup/internal/source"
	"github.com/edvin/sitebackup/internal/store"
)

// app holds the connections shared by the subcommands. pool and redis are
// nil when the role does not need them.
type app struct {
	cfg    *config.Config
	logger zerolog.Logger
	pool   *pgxpool.Pool
	redis  *redis.Client
	leases *lease.Manager
}

func loadConfig(role string) (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(role); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// newApp loads and validates the configuration for role and opens the
// connections it needs.
func newApp(ctx context.Context, role string, needDB bool) (*app, error) {
	cfg, err := loadConfig(role)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, logger: logging.NewLogger(cfg)}

	if needDB {
		a.pool, err = db.NewPool(ctx, cfg.Database.URL)
		if err != nil {
			return nil, fmt.Errorf("connect to database: %w", err)
		}
	}

	a.redis, err = db.NewRedisClient(ctx, cfg.Redis)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	a.leases = lease.NewManager(lease.NewRedisStore(a.redis), a.logger, lease.Options{
		TTL:               cfg.Lease.TTL,
		AbortPollInterval: cfg.Lease.AbortPollInterval,
	})
	return a, nil
}

func (a *app) close() {
	if a.redis != nil {
		a.redis.Close()
	}
	if a.pool != nil {
		a.pool.Close()
	}
}

func (a *app) dialTemporal() (temporalclient.Client, error) {
	tlsConfig, err := a.cfg.Temporal.TLSConfig()
	if err != nil {
		return nil, fmt.Errorf("configure temporal TLS: %w", err)
	}
	dialOpts := temporalclient.Options{
		HostPort: a.cfg.Temporal.Address,
		Logger:   logging.NewTemporalLogger(a.logger),
	}
	if tlsConfig != nil {
		dialOpts.ConnectionOptions = temporalclient.ConnectionOptions{TLS: tlsConfig}
		a.logger.Info().Bool("client_cert", len(tlsConfig.Certificates) > 0).Msg("temporal TLS enabled")
	}
	tc, err := temporalclient.Dial(dialOpts)
	if err != nil {
		return nil, fmt.Errorf("connect to temporal: %w", err)
	}
	return tc, nil
}

// runnerFactory builds a fresh Backuper per run. Every run gets its own
// event log, writing to console, a per-run log file and the live log
// channel.
func (a *app) runnerFactory(console eventlog.Channel) activity.RunnerFactory {
	return func(ctx context.Context, runID string) (activity.Runner, func() error, error) {
		cfg := a.cfg
		logger := a.logger.With().Str("run_id", runID).Logger()

		schemaVersion, err := db.SchemaVersion(ctx, a.pool)
		if err != nil {
			return nil, nil, err
		}

		backupStore, err := store.New(cfg, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("create backup store: %w", err)
		}

		fileChannel, err := eventlog.NewFileChannel(cfg.Backup.LogDir, cfg.Tenant.ID, "backup", time.Now())
		if err != nil {
			return nil, nil, err
		}
		events := eventlog.New(console, fileChannel, eventlog.NewPublishChannel(a.redis, "backup", cfg.Tenant.ID, logger))

		// A nil *S3Store must stay a nil interface so remote records are
		// counted as missing instead of panicking.
		var downloader source.Downloader
		if d := store.NewUploadsDownloader(cfg, logger); d != nil {
			downloader = d
		}

		runs := history.NewService(a.pool)
		b := backup.New(backup.Deps{
			Lease: a.leases,
			Store: backupStore,
			Dumper: dump.New(dump.Options{
				Host:     cfg.Database.Host,
				Port:     cfg.Database.Port,
				Username: cfg.Database.Username,
				Password: cfg.Database.Password,
				Database: cfg.Database.Name,
				Schema:   cfg.Database.Schema,
				Verbose:  cfg.Database.VerboseDump,
			}, logger),
			Uploads:         source.NewUploadSource(a.pool),
			OptimizedImages: source.NewOptimizedImageSource(a.pool),
			Downloader:      downloader,
			Metadata:        backup.NewMetadataWriter(metadataFor(cfg, schemaVersion)),
			Notifier:        runs,
			Recorder:        runs,
			Events:          events,
			Logger:          logger,
		}, backup.Settings{
			Tenant:                 cfg.Tenant.ID,
			Title:                  cfg.App.Title,
			ArchiveDir:             cfg.Backup.LocalDir,
			TmpRoot:                cfg.Backup.TmpDir,
			UploadsDir:             cfg.Backup.UploadsDir,
			GzipLevel:              cfg.Backup.GzipLevel,
			IncludeS3Uploads:       cfg.Backup.IncludeS3Uploads,
			IncludeOptimizedImages: cfg.Backup.IncludeOptimizedImages,
		})

		logger.Debug().Str("log_file", fileChannel.Path()).Msg("prepared backup run")
		return b, events.Close, nil
	}
}

// metadataFor builds the static part of meta.json from the configuration.
func metadataFor(cfg *config.Config, schemaVersion int64) backup.Metadata {
	m := backup.Metadata{
		AppVersion: cfg.App.Version,
		DBVersion:  schemaVersion,
		GitVersion: cfg.App.GitVersion,
		GitBranch:  cfg.App.GitBranch,
		BaseURL:    cfg.App.BaseURL,
		CDNURL:     cfg.App.CDNURL,
		DBName:     cfg.Database.Name,
		Multisite:  cfg.App.Multisite,
	}
	if cfg.S3.UploadsEnabled {
		if cfg.S3.BaseURL != "" {
			m.S3BaseURL = &cfg.S3.BaseURL
		}
		if cfg.S3.CDNURL != "" {
			m.S3CDNURL = &cfg.S3.CDNURL
		}
	}
	for _, p := range cfg.App.Plugins {
		m.Plugins = append(m.Plugins, backup.Plugin{
			Name:       p.Name,
			Enabled:    p.Enabled,
			DBVersion:  p.MigrationVersion,
			GitVersion: p.GitVersion,
		})
	}
	return m
}
