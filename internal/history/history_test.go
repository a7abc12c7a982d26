package history

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/edvin/sitebackup/internal/backup"
	"github.com/edvin/sitebackup/internal/model"
)

func scanInto(id, status string) func(dest ...any) error {
	return func(dest ...any) error {
		*(dest[0].(*string)) = id
		*(dest[1].(*string)) = "forum"
		*(dest[2].(*string)) = "forum-2024-03-09T140530Z.tar"
		*(dest[4].(*int64)) = 2048
		*(dest[6].(*string)) = "admin"
		*(dest[7].(*string)) = status
		return nil
	}
}

// ---------- Create ----------

func TestService_Create(t *testing.T) {
	db := &mockDB{}
	svc := NewService(db)
	ctx := context.Background()
	now := time.Now()

	b := &model.Backup{ID: "run-1", TenantID: "forum", RequestedBy: "admin", Status: model.StatusPending, CreatedAt: now, UpdatedAt: now}
	db.On("Exec", ctx, mock.AnythingOfType("string"), []any{"run-1", "forum", "admin", model.StatusPending, now, now}).
		Return(pgconn.CommandTag{}, nil)

	require.NoError(t, svc.Create(ctx, b))
	db.AssertExpectations(t)
}

func TestService_Create_Error(t *testing.T) {
	db := &mockDB{}
	svc := NewService(db)
	ctx := context.Background()

	db.On("Exec", ctx, mock.AnythingOfType("string"), mock.Anything).Return(pgconn.CommandTag{}, errors.New("db error"))

	err := svc.Create(ctx, &model.Backup{ID: "run-1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insert backup")
}

// ---------- GetByID ----------

func TestService_GetByID(t *testing.T) {
	db := &mockDB{}
	svc := NewService(db)
	ctx := context.Background()

	db.On("QueryRow", ctx, mock.AnythingOfType("string"), []any{"run-1"}).
		Return(&mockRow{scanFunc: scanInto("run-1", model.StatusActive)})

	b, err := svc.GetByID(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, "run-1", b.ID)
	assert.Equal(t, "forum", b.TenantID)
	assert.Equal(t, int64(2048), b.SizeBytes)
	assert.Equal(t, model.StatusActive, b.Status)
}

func TestService_GetByID_NotFound(t *testing.T) {
	db := &mockDB{}
	svc := NewService(db)
	ctx := context.Background()

	db.On("QueryRow", ctx, mock.AnythingOfType("string"), []any{"missing"}).
		Return(&mockRow{scanFunc: func(dest ...any) error { return pgx.ErrNoRows }})

	_, err := svc.GetByID(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

// ---------- ListByTenant ----------

func TestService_ListByTenant_HasMore(t *testing.T) {
	db := &mockDB{}
	svc := NewService(db)
	ctx := context.Background()

	rows := newMockRows(scanInto("run-1", model.StatusActive), scanInto("run-2", model.StatusFailed), scanInto("run-3", model.StatusRunning))
	db.On("Query", ctx, mock.MatchedBy(func(sql string) bool {
		return !containsAll(sql, "id >")
	}), []any{"forum", 3}).Return(rows, nil)

	backups, hasMore, err := svc.ListByTenant(ctx, "forum", 2, "")
	require.NoError(t, err)
	assert.True(t, hasMore)
	require.Len(t, backups, 2)
	assert.Equal(t, "run-1", backups[0].ID)
	assert.Equal(t, "run-2", backups[1].ID)
}

func TestService_ListByTenant_Cursor(t *testing.T) {
	db := &mockDB{}
	svc := NewService(db)
	ctx := context.Background()

	db.On("Query", ctx, mock.MatchedBy(func(sql string) bool {
		return containsAll(sql, "id > $2", "LIMIT $3")
	}), []any{"forum", "run-2", 51}).Return(newMockRows(scanInto("run-3", model.StatusActive)), nil)

	backups, hasMore, err := svc.ListByTenant(ctx, "forum", 50, "run-2")
	require.NoError(t, err)
	assert.False(t, hasMore)
	require.Len(t, backups, 1)
	assert.Equal(t, "run-3", backups[0].ID)
}

func TestService_ListByTenant_Errors(t *testing.T) {
	ctx := context.Background()

	t.Run("query", func(t *testing.T) {
		db := &mockDB{}
		db.On("Query", ctx, mock.AnythingOfType("string"), mock.Anything).Return(nil, errors.New("db down"))

		_, _, err := NewService(db).ListByTenant(ctx, "forum", 10, "")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "list backups for tenant forum")
	})

	t.Run("rows", func(t *testing.T) {
		db := &mockDB{}
		rows := newMockRows()
		rows.err = errors.New("connection reset")
		db.On("Query", ctx, mock.AnythingOfType("string"), mock.Anything).Return(rows, nil)

		_, _, err := NewService(db).ListByTenant(ctx, "forum", 10, "")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "iterate backups")
	})
}

// ---------- Recorder / Notifier ----------

func TestService_RecordStarted(t *testing.T) {
	db := &mockDB{}
	svc := NewService(db)
	ctx := context.Background()
	started := time.Date(2024, 3, 9, 14, 5, 30, 0, time.UTC)

	res := &backup.Result{RunID: "run-1", Tenant: "forum", RequestedBy: "admin", StartedAt: started}
	db.On("Exec", ctx, mock.MatchedBy(func(sql string) bool {
		return containsAll(sql, "INSERT INTO backups", "ON CONFLICT (id) DO UPDATE")
	}), []any{"run-1", "forum", "admin", model.StatusRunning, started}).Return(pgconn.NewCommandTag("INSERT 0 1"), nil)

	require.NoError(t, svc.RecordStarted(ctx, res))
	db.AssertExpectations(t)
}

func TestService_RecordFinished(t *testing.T) {
	db := &mockDB{}
	svc := NewService(db)
	ctx := context.Background()

	res := &backup.Result{
		RunID:     "run-1",
		Tenant:    "forum",
		Status:    model.StatusActive,
		Filename:  "forum.tar",
		SizeBytes: 4096,
		Checksum:  "abc",
		Logs:      []string{"a", "b"},
	}
	db.On("Exec", ctx, mock.AnythingOfType("string"), mock.MatchedBy(func(args []any) bool {
		msg, ok := args[8].(*string)
		return ok && msg == nil && args[7] == model.StatusActive && args[10] == "a\nb"
	})).Return(pgconn.NewCommandTag("INSERT 0 1"), nil)

	require.NoError(t, svc.RecordFinished(ctx, res))
	db.AssertExpectations(t)
}

func TestService_RecordFinished_WithMessage(t *testing.T) {
	db := &mockDB{}
	svc := NewService(db)
	ctx := context.Background()

	res := &backup.Result{RunID: "run-1", Status: model.StatusFailed, Message: "pg_dump failed: boom"}
	db.On("Exec", ctx, mock.AnythingOfType("string"), mock.MatchedBy(func(args []any) bool {
		msg, ok := args[8].(*string)
		return ok && msg != nil && *msg == "pg_dump failed: boom"
	})).Return(pgconn.CommandTag{}, nil)

	require.NoError(t, svc.RecordFinished(ctx, res))
	db.AssertExpectations(t)
}

func TestService_Notify(t *testing.T) {
	db := &mockDB{}
	svc := NewService(db)
	ctx := context.Background()

	res := &backup.Result{RunID: "run-1", Tenant: "forum", RequestedBy: "admin", Status: model.StatusFailed, Logs: []string{"[x] one", "[y] two"}}
	db.On("Exec", ctx, mock.AnythingOfType("string"), []any{"run-1", "forum", "admin", model.StatusFailed, "[x] one\n[y] two"}).
		Return(pgconn.NewCommandTag("INSERT 0 1"), nil)

	require.NoError(t, svc.Notify(ctx, res))
	db.AssertExpectations(t)
}

func TestService_Notify_Error(t *testing.T) {
	db := &mockDB{}
	ctx := context.Background()
	db.On("Exec", ctx, mock.AnythingOfType("string"), mock.Anything).Return(pgconn.CommandTag{}, errors.New("db error"))

	err := NewService(db).Notify(ctx, &backup.Result{RunID: "run-1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store backup run-1 logs")
}

func TestService_MarkFailed(t *testing.T) {
	db := &mockDB{}
	ctx := context.Background()
	db.On("Exec", ctx, mock.AnythingOfType("string"), []any{model.StatusFailed, "activity timed out", "run-1", model.StatusPending, model.StatusRunning}).
		Return(pgconn.NewCommandTag("UPDATE 1"), nil)

	require.NoError(t, NewService(db).MarkFailed(ctx, "run-1", "activity timed out"))
	db.AssertExpectations(t)
}

func TestService_FailStale(t *testing.T) {
	db := &mockDB{}
	ctx := context.Background()
	db.On("Exec", ctx, mock.AnythingOfType("string"), []any{model.StatusFailed, "worker restarted", "forum", model.StatusRunning}).
		Return(pgconn.NewCommandTag("UPDATE 2"), nil)

	n, err := NewService(db).FailStale(ctx, "forum", "worker restarted")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestService_ImplementsBackupHooks(t *testing.T) {
	var _ backup.Recorder = (*Service)(nil)
	var _ backup.Notifier = (*Service)(nil)
}

func containsAll(s string, subs ...string) bool {
	for _, sub := range subs {
		if !strings.Contains(s, sub) {
			return false
		}
	}
	return true
}
