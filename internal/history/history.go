// Package history persists backup runs in the backups table. It records the
// lifecycle of each run and stores the log transcript sent to the requester.
package history

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/edvin/sitebackup/internal/backup"
	"github.com/edvin/sitebackup/internal/model"
)

// ErrNotFound is returned when no run has the requested ID.
var ErrNotFound = errors.New("backup not found")

// DB is the subset of pgxpool.Pool the service needs.
type DB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, arguments ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, arguments ...any) pgx.Row
}

const backupColumns = `id, tenant_id, filename, storage_path, size_bytes, checksum, requested_by, status, status_message, warnings, logs, started_at, completed_at, created_at, updated_at`

type Service struct {
	db DB
}

func NewService(db DB) *Service {
	return &Service{db: db}
}

// Create inserts a pending run ahead of a background execution.
func (s *Service) Create(ctx context.Context, b *model.Backup) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO backups (id, tenant_id, requested_by, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		b.ID, b.TenantID, b.RequestedBy, b.Status, b.CreatedAt, b.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert backup: %w", err)
	}
	return nil
}

func (s *Service) GetByID(ctx context.Context, id string) (*model.Backup, error) {
	var b model.Backup
	err := scanBackup(s.db.QueryRow(ctx,
		`SELECT `+backupColumns+` FROM backups WHERE id = $1`, id,
	), &b)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("get backup %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get backup %s: %w", id, err)
	}
	return &b, nil
}

// ListByTenant returns up to limit runs after cursor, oldest first. Run IDs
// are time-ordered, so the ID doubles as the cursor.
func (s *Service) ListByTenant(ctx context.Context, tenantID string, limit int, cursor string) ([]model.Backup, bool, error) {
	query := `SELECT ` + backupColumns + ` FROM backups WHERE tenant_id = $1`
	args := []any{tenantID}
	argIdx := 2

	if cursor != "" {
		query += fmt.Sprintf(` AND id > $%d`, argIdx)
		args = append(args, cursor)
		argIdx++
	}

	query += ` ORDER BY id`
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit+1)

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, false, fmt.Errorf("list backups for tenant %s: %w", tenantID, err)
	}
	defer rows.Close()

	var backups []model.Backup
	for rows.Next() {
		var b model.Backup
		if err := scanBackup(rows, &b); err != nil {
			return nil, false, fmt.Errorf("scan backup: %w", err)
		}
		backups = append(backups, b)
	}
	if err := rows.Err(); err != nil {
		return nil, false, fmt.Errorf("iterate backups: %w", err)
	}

	hasMore := len(backups) > limit
	if hasMore {
		backups = backups[:limit]
	}
	return backups, hasMore, nil
}

// RecordStarted marks a run as running, creating the row for runs that were
// started without one.
func (s *Service) RecordStarted(ctx context.Context, res *backup.Result) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO backups (id, tenant_id, requested_by, status, started_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, now(), now())
		 ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status, started_at = EXCLUDED.started_at, updated_at = now()`,
		res.RunID, res.Tenant, res.RequestedBy, model.StatusRunning, res.StartedAt,
	)
	if err != nil {
		return fmt.Errorf("mark backup %s running: %w", res.RunID, err)
	}
	return nil
}

// RecordFinished stores the outcome of a run. A run that never got a row
// (for example one that lost the race for the lease) gets one now.
func (s *Service) RecordFinished(ctx context.Context, res *backup.Result) error {
	var message *string
	if res.Message != "" {
		message = &res.Message
	}
	_, err := s.db.Exec(ctx,
		`INSERT INTO backups (id, tenant_id, requested_by, filename, storage_path, size_bytes, checksum, status, status_message, warnings, logs, started_at, completed_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, now(), now())
		 ON CONFLICT (id) DO UPDATE SET filename = EXCLUDED.filename, storage_path = EXCLUDED.storage_path,
		   size_bytes = EXCLUDED.size_bytes, checksum = EXCLUDED.checksum, status = EXCLUDED.status,
		   status_message = EXCLUDED.status_message, warnings = EXCLUDED.warnings, logs = EXCLUDED.logs,
		   completed_at = EXCLUDED.completed_at, updated_at = now()`,
		res.RunID, res.Tenant, res.RequestedBy, res.Filename, res.StoragePath, res.SizeBytes,
		res.Checksum, res.Status, message, res.Warnings, strings.Join(res.Logs, "\n"), res.StartedAt, res.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("record backup %s result: %w", res.RunID, err)
	}
	return nil
}

// Notify stores the run's log transcript for the requester to read.
func (s *Service) Notify(ctx context.Context, res *backup.Result) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO backups (id, tenant_id, requested_by, status, logs, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, now(), now())
		 ON CONFLICT (id) DO UPDATE SET logs = EXCLUDED.logs, updated_at = now()`,
		res.RunID, res.Tenant, res.RequestedBy, res.Status, strings.Join(res.Logs, "\n"),
	)
	if err != nil {
		return fmt.Errorf("store backup %s logs: %w", res.RunID, err)
	}
	return nil
}

// MarkFailed fails a run that has not reached a terminal status yet.
func (s *Service) MarkFailed(ctx context.Context, id, message string) error {
	_, err := s.db.Exec(ctx,
		`UPDATE backups SET status = $1, status_message = $2, completed_at = now(), updated_at = now()
		 WHERE id = $3 AND status IN ($4, $5)`,
		model.StatusFailed, message, id, model.StatusPending, model.StatusRunning,
	)
	if err != nil {
		return fmt.Errorf("mark backup %s failed: %w", id, err)
	}
	return nil
}

// FailStale marks runs left in the running state as failed. Callers must
// make sure no run of the tenant holds the lease.
func (s *Service) FailStale(ctx context.Context, tenantID, message string) (int64, error) {
	tag, err := s.db.Exec(ctx,
		`UPDATE backups SET status = $1, status_message = $2, completed_at = now(), updated_at = now()
		 WHERE tenant_id = $3 AND status = $4`,
		model.StatusFailed, message, tenantID, model.StatusRunning,
	)
	if err != nil {
		return 0, fmt.Errorf("fail stale backups for tenant %s: %w", tenantID, err)
	}
	return tag.RowsAffected(), nil
}

func scanBackup(row pgx.Row, b *model.Backup) error {
	return row.Scan(&b.ID, &b.TenantID, &b.Filename, &b.StoragePath, &b.SizeBytes,
		&b.Checksum, &b.RequestedBy, &b.Status, &b.StatusMessage, &b.Warnings, &b.Logs,
		&b.StartedAt, &b.CompletedAt, &b.CreatedAt, &b.UpdatedAt)
}
