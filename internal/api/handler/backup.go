package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/edvin/sitebackup/internal/api/request"
	"github.com/edvin/sitebackup/internal/api/response"
	"github.com/edvin/sitebackup/internal/core"
)

type Backup struct {
	svc         *core.BackupService
	withUploads bool
}

// NewBackup creates the backup handler. withUploads is used for requests
// that do not say whether to include uploads.
func NewBackup(svc *core.BackupService, withUploads bool) *Backup {
	return &Backup{svc: svc, withUploads: withUploads}
}

// Create godoc
//
//	@Summary		Start a backup
//	@Description	Records a pending run and starts it on a worker. Fails with 409 while another backup or restore is running.
//	@Tags			Backups
//	@Security		ApiKeyAuth
//	@Param			body	body		request.CreateBackup	true	"Backup options"
//	@Success		202		{object}	model.Backup
//	@Failure		400		{object}	response.ErrorResponse
//	@Failure		409		{object}	response.ErrorResponse
//	@Router			/backups [post]
func (h *Backup) Create(w http.ResponseWriter, r *http.Request) {
	var req request.CreateBackup
	if err := request.Decode(r, &req); err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	withUploads := h.withUploads
	if req.WithUploads != nil {
		withUploads = *req.WithUploads
	}

	b, err := h.svc.Start(r.Context(), core.StartRequest{
		RequestedBy:  req.RequestedBy,
		PathOverride: req.PathOverride,
		WithUploads:  withUploads,
		Ticket:       req.Ticket,
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	response.WriteJSON(w, http.StatusAccepted, b)
}

// Abort godoc
//
//	@Summary		Abort the running operation
//	@Tags			Backups
//	@Security		ApiKeyAuth
//	@Success		202	{object}	core.Status
//	@Router			/backups/abort [post]
func (h *Backup) Abort(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Abort(r.Context()); err != nil {
		writeServiceError(w, r, err)
		return
	}

	status, err := h.svc.Status(r.Context())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	response.WriteJSON(w, http.StatusAccepted, status)
}

func (h *Backup) Status(w http.ResponseWriter, r *http.Request) {
	status, err := h.svc.Status(r.Context())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	response.WriteJSON(w, http.StatusOK, status)
}

func (h *Backup) List(w http.ResponseWriter, r *http.Request) {
	pg, err := request.ParsePagination(r)
	if err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	backups, hasMore, err := h.svc.List(r.Context(), pg.Limit, pg.Cursor)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	var nextCursor string
	if hasMore && len(backups) > 0 {
		nextCursor = backups[len(backups)-1].ID
	}
	response.WritePaginated(w, http.StatusOK, backups, nextCursor, hasMore)
}

func (h *Backup) Get(w http.ResponseWriter, r *http.Request) {
	id, err := request.RequireRunID(chi.URLParam(r, "id"))
	if err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	b, err := h.svc.GetByID(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	response.WriteJSON(w, http.StatusOK, b)
}
