package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	temporalmocks "go.temporal.io/sdk/mocks"

	"github.com/edvin/sitebackup/internal/core"
	"github.com/edvin/sitebackup/internal/history"
	"github.com/edvin/sitebackup/internal/lease"
)

const (
	testTenant = "forum"
	validID    = "0190b3a2-7c1e-7d4a-9f3b-2c5d6e7f8091"
	validID2   = "0190b3a2-7c1e-7d4a-9f3b-2c5d6e7f8092"
)

// newRequest creates a new HTTP request with an optional JSON body.
func newRequest(method, target string, body any) *http.Request {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	r := httptest.NewRequest(method, target, &buf)
	r.Header.Set("Content-Type", "application/json")
	return r
}

// newRequestRaw creates a new HTTP request with a raw string body.
func newRequestRaw(method, target, body string) *http.Request {
	r := httptest.NewRequest(method, target, bytes.NewBufferString(body))
	r.Header.Set("Content-Type", "application/json")
	return r
}

// withChiURLParam adds a chi URL parameter to the request context.
func withChiURLParam(r *http.Request, key, value string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add(key, value)
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}

// decodeErrorResponse parses the JSON error response body into a map.
func decodeErrorResponse(rec *httptest.ResponseRecorder) map[string]string {
	var body map[string]string
	json.Unmarshal(rec.Body.Bytes(), &body)
	return body
}

// backupEnv is a Backup handler over a mocked database, a mocked Temporal
// client and a lease in miniredis.
type backupEnv struct {
	handler *Backup
	db      *handlerMockDB
	tc      *temporalmocks.Client
	leases  *lease.Manager
	redis   *redis.Client
	mr      *miniredis.Miniredis
}

func newBackupEnv(t *testing.T) *backupEnv {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	env := &backupEnv{
		db:     &handlerMockDB{},
		tc:     &temporalmocks.Client{},
		leases: lease.NewManager(lease.NewRedisStore(client), zerolog.Nop(), lease.Options{TTL: time.Minute}),
		redis:  client,
		mr:     mr,
	}
	svc := core.NewBackupService(history.NewService(env.db), env.leases, env.tc, testTenant, "sitebackup-tasks")
	env.handler = NewBackup(svc, true)
	return env
}
