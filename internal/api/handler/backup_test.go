package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	temporalmocks "go.temporal.io/sdk/mocks"

	"github.com/edvin/sitebackup/internal/activity"
	"github.com/edvin/sitebackup/internal/model"
)

func backupRow(id, tenant, status string) func(dest ...any) error {
	return func(dest ...any) error {
		*(dest[0].(*string)) = id
		*(dest[1].(*string)) = tenant
		*(dest[2].(*string)) = "my-forum-2024-03-09T140530Z.tar"
		*(dest[4].(*int64)) = 4096
		*(dest[6].(*string)) = "admin"
		*(dest[7].(*string)) = status
		return nil
	}
}

// ---------- Create ----------

func TestBackupCreate_Accepted(t *testing.T) {
	env := newBackupEnv(t)

	env.db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).Return(pgconn.CommandTag{}, nil)
	env.tc.On("ExecuteWorkflow", mock.Anything, mock.Anything, "CreateSiteBackupWorkflow", mock.Anything).
		Return(&temporalmocks.WorkflowRun{}, nil)

	rec := httptest.NewRecorder()
	env.handler.Create(rec, newRequest(http.MethodPost, "/backups", map[string]any{"requested_by": "admin"}))

	require.Equal(t, http.StatusAccepted, rec.Code)
	var b model.Backup
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &b))
	assert.Equal(t, model.StatusPending, b.Status)
	assert.Equal(t, testTenant, b.TenantID)

	params := env.tc.Calls[0].Arguments.Get(3).(activity.RunSiteBackupParams)
	assert.True(t, params.WithUploads, "configured default applies when the request omits with_uploads")
	assert.Equal(t, b.ID, params.RunID)
}

func TestBackupCreate_WithoutUploads(t *testing.T) {
	env := newBackupEnv(t)

	env.db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).Return(pgconn.CommandTag{}, nil)
	env.tc.On("ExecuteWorkflow", mock.Anything, mock.Anything, "CreateSiteBackupWorkflow", mock.MatchedBy(func(p activity.RunSiteBackupParams) bool {
		return !p.WithUploads && p.PathOverride == "nightly.tar"
	})).Return(&temporalmocks.WorkflowRun{}, nil)

	rec := httptest.NewRecorder()
	env.handler.Create(rec, newRequest(http.MethodPost, "/backups", map[string]any{
		"with_uploads":  false,
		"path_override": "nightly.tar",
	}))

	assert.Equal(t, http.StatusAccepted, rec.Code)
	env.tc.AssertExpectations(t)
}

func TestBackupCreate_InvalidJSON(t *testing.T) {
	env := newBackupEnv(t)

	rec := httptest.NewRecorder()
	env.handler.Create(rec, newRequestRaw(http.MethodPost, "/backups", "{bad"))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decodeErrorResponse(rec)["error"], "invalid JSON")
}

func TestBackupCreate_InvalidPathOverride(t *testing.T) {
	env := newBackupEnv(t)

	rec := httptest.NewRecorder()
	env.handler.Create(rec, newRequest(http.MethodPost, "/backups", map[string]any{"path_override": "../../etc/cron.d/x"}))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	env.db.AssertNotCalled(t, "Exec", mock.Anything, mock.Anything, mock.Anything)
}

func TestBackupCreate_Conflict(t *testing.T) {
	env := newBackupEnv(t)
	ctx := context.Background()

	handle, err := env.leases.Acquire(ctx, testTenant)
	require.NoError(t, err)
	defer handle.Release(ctx)

	rec := httptest.NewRecorder()
	env.handler.Create(rec, newRequest(http.MethodPost, "/backups", map[string]any{}))

	assert.Equal(t, http.StatusConflict, rec.Code)
	env.db.AssertNotCalled(t, "Exec", mock.Anything, mock.Anything, mock.Anything)
}

func TestBackupCreate_WorkflowError(t *testing.T) {
	env := newBackupEnv(t)

	env.db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).Return(pgconn.CommandTag{}, nil)
	env.tc.On("ExecuteWorkflow", mock.Anything, mock.Anything, "CreateSiteBackupWorkflow", mock.Anything).
		Return(nil, errors.New("temporal down"))

	rec := httptest.NewRecorder()
	env.handler.Create(rec, newRequest(http.MethodPost, "/backups", map[string]any{}))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	// insert + mark failed
	env.db.AssertNumberOfCalls(t, "Exec", 2)
}

// ---------- Abort / Status ----------

func TestBackupAbort(t *testing.T) {
	env := newBackupEnv(t)
	ctx := context.Background()

	handle, err := env.leases.Acquire(ctx, testTenant)
	require.NoError(t, err)
	defer handle.Release(ctx)

	rec := httptest.NewRecorder()
	env.handler.Abort(rec, newRequest(http.MethodPost, "/backups/abort", nil))

	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.JSONEq(t, `{"tenant":"forum","running":true,"abort_requested":true}`, rec.Body.String())

	<-handle.Context().Done()
}

func TestBackupStatus_Idle(t *testing.T) {
	env := newBackupEnv(t)

	rec := httptest.NewRecorder()
	env.handler.Status(rec, newRequest(http.MethodGet, "/backups/status", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"tenant":"forum","running":false,"abort_requested":false}`, rec.Body.String())
}

func TestBackupStatus_RedisDown(t *testing.T) {
	env := newBackupEnv(t)
	env.mr.Close()

	rec := httptest.NewRecorder()
	env.handler.Status(rec, newRequest(http.MethodGet, "/backups/status", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

// ---------- List / Get ----------

func TestBackupList(t *testing.T) {
	env := newBackupEnv(t)

	rows := newHandlerMockRows(backupRow(validID, testTenant, model.StatusActive), backupRow(validID2, testTenant, model.StatusFailed))
	env.db.On("Query", mock.Anything, mock.AnythingOfType("string"), []any{testTenant, 2}).Return(rows, nil)

	rec := httptest.NewRecorder()
	env.handler.List(rec, newRequest(http.MethodGet, "/backups?limit=1", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Items      []model.Backup `json:"items"`
		NextCursor string         `json:"next_cursor"`
		HasMore    bool           `json:"has_more"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Items, 1)
	assert.True(t, body.HasMore)
	assert.Equal(t, validID, body.NextCursor)
}

func TestBackupList_InvalidCursor(t *testing.T) {
	env := newBackupEnv(t)

	rec := httptest.NewRecorder()
	env.handler.List(rec, newRequest(http.MethodGet, "/backups?cursor=nope", nil))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestBackupList_Empty(t *testing.T) {
	env := newBackupEnv(t)

	env.db.On("Query", mock.Anything, mock.AnythingOfType("string"), mock.Anything).Return(newHandlerMockRows(), nil)

	rec := httptest.NewRecorder()
	env.handler.List(rec, newRequest(http.MethodGet, "/backups", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"items":[],"has_more":false}`, rec.Body.String())
}

func TestBackupGet(t *testing.T) {
	env := newBackupEnv(t)

	env.db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), []any{validID}).
		Return(&handlerMockRow{scanFunc: backupRow(validID, testTenant, model.StatusActive)})

	rec := httptest.NewRecorder()
	env.handler.Get(rec, withChiURLParam(newRequest(http.MethodGet, "/backups/"+validID, nil), "id", validID))

	require.Equal(t, http.StatusOK, rec.Code)
	var b model.Backup
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &b))
	assert.Equal(t, validID, b.ID)
	assert.Equal(t, int64(4096), b.SizeBytes)
}

func TestBackupGet_NotFound(t *testing.T) {
	env := newBackupEnv(t)

	env.db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), []any{validID}).
		Return(&handlerMockRow{scanFunc: func(dest ...any) error { return pgx.ErrNoRows }})

	rec := httptest.NewRecorder()
	env.handler.Get(rec, withChiURLParam(newRequest(http.MethodGet, "/backups/"+validID, nil), "id", validID))

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestBackupGet_OtherTenant(t *testing.T) {
	env := newBackupEnv(t)

	env.db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), []any{validID}).
		Return(&handlerMockRow{scanFunc: backupRow(validID, "other", model.StatusActive)})

	rec := httptest.NewRecorder()
	env.handler.Get(rec, withChiURLParam(newRequest(http.MethodGet, "/backups/"+validID, nil), "id", validID))

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestBackupGet_InvalidID(t *testing.T) {
	env := newBackupEnv(t)

	rec := httptest.NewRecorder()
	env.handler.Get(rec, withChiURLParam(newRequest(http.MethodGet, "/backups/abc", nil), "id", "abc"))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
