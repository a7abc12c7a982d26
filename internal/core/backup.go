package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	temporalclient "go.temporal.io/sdk/client"

	"github.com/edvin/sitebackup/internal/activity"
	"github.com/edvin/sitebackup/internal/backup"
	"github.com/edvin/sitebackup/internal/model"
)

// ErrAlreadyRunning is returned by Start while a backup or restore holds the
// operation lease.
var ErrAlreadyRunning = errors.New("a backup or restore is already running")

// History is the run history the service reads and writes.
type History interface {
	Create(ctx context.Context, b *model.Backup) error
	GetByID(ctx context.Context, id string) (*model.Backup, error)
	ListByTenant(ctx context.Context, tenantID string, limit int, cursor string) ([]model.Backup, bool, error)
	MarkFailed(ctx context.Context, id, message string) error
}

// Lease is the part of the operation lease visible to callers that do not
// run backups themselves.
type Lease interface {
	Abort(ctx context.Context, tenant string) error
	IsHeld(ctx context.Context, tenant string) (bool, error)
	ShouldAbort(ctx context.Context, tenant string) (bool, error)
}

type BackupService struct {
	history   History
	lease     Lease
	tc        temporalclient.Client
	tenant    string
	taskQueue string
	now       func() time.Time
}

func NewBackupService(history History, lease Lease, tc temporalclient.Client, tenant, taskQueue string) *BackupService {
	return &BackupService{
		history:   history,
		lease:     lease,
		tc:        tc,
		tenant:    tenant,
		taskQueue: taskQueue,
		now:       time.Now,
	}
}

// StartRequest describes a background run.
type StartRequest struct {
	RequestedBy  string
	PathOverride string
	WithUploads  bool
	Ticket       string
}

// Status reports whether an operation is in progress for the tenant.
type Status struct {
	Tenant         string `json:"tenant"`
	Running        bool   `json:"running"`
	AbortRequested bool   `json:"abort_requested"`
}

// WorkflowID returns the Temporal workflow ID of a run.
func WorkflowID(runID string) string {
	return "site-backup-" + runID
}

// Start records a pending run and hands it to a worker. The lease check is
// advisory: the worker acquires the lease itself and fails the run if it
// lost the race.
func (s *BackupService) Start(ctx context.Context, req StartRequest) (*model.Backup, error) {
	held, err := s.lease.IsHeld(ctx, s.tenant)
	if err != nil {
		return nil, fmt.Errorf("check operation lease: %w", err)
	}
	if held {
		return nil, ErrAlreadyRunning
	}

	requestedBy := req.RequestedBy
	if requestedBy == "" {
		requestedBy = backup.SystemActor
	}

	now := s.now()
	b := &model.Backup{
		ID:          backup.NewRunID(),
		TenantID:    s.tenant,
		RequestedBy: requestedBy,
		Status:      model.StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.history.Create(ctx, b); err != nil {
		return nil, fmt.Errorf("create backup: %w", err)
	}

	err = startWorkflow(ctx, s.tc, s.taskQueue, "CreateSiteBackupWorkflow", WorkflowID(b.ID), activity.RunSiteBackupParams{
		RunID:        b.ID,
		RequestedBy:  requestedBy,
		PathOverride: req.PathOverride,
		WithUploads:  req.WithUploads,
		Ticket:       req.Ticket,
	})
	if err != nil {
		if markErr := s.history.MarkFailed(ctx, b.ID, "failed to start backup: "+err.Error()); markErr != nil {
			return nil, errors.Join(fmt.Errorf("start CreateSiteBackupWorkflow: %w", err), markErr)
		}
		return nil, fmt.Errorf("start CreateSiteBackupWorkflow: %w", err)
	}

	return b, nil
}

// Abort asks the running operation to stop. It succeeds whether or not an
// operation is running.
func (s *BackupService) Abort(ctx context.Context) error {
	if err := s.lease.Abort(ctx, s.tenant); err != nil {
		return fmt.Errorf("request abort: %w", err)
	}
	return nil
}

func (s *BackupService) Status(ctx context.Context) (*Status, error) {
	held, err := s.lease.IsHeld(ctx, s.tenant)
	if err != nil {
		return nil, fmt.Errorf("check operation lease: %w", err)
	}
	aborting, err := s.lease.ShouldAbort(ctx, s.tenant)
	if err != nil {
		return nil, fmt.Errorf("check abort flag: %w", err)
	}
	return &Status{Tenant: s.tenant, Running: held, AbortRequested: held && aborting}, nil
}

func (s *BackupService) GetByID(ctx context.Context, id string) (*model.Backup, error) {
	b, err := s.history.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if b.TenantID != s.tenant {
		return nil, fmt.Errorf("get backup %s: %w", id, ErrNotFound)
	}
	return b, nil
}

func (s *BackupService) List(ctx context.Context, limit int, cursor string) ([]model.Backup, bool, error) {
	return s.history.ListByTenant(ctx, s.tenant, limit, cursor)
}
