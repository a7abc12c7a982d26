// Package lease provides a cross-process operation lease: at most one backup
// or restore runs per tenant, the holder keeps the lease alive with a
// heartbeat, and any actor can request a cooperative abort.
package lease

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/edvin/sitebackup/internal/metrics"
)

var (
	// ErrAlreadyHeld is returned by Acquire when another holder owns the lease.
	ErrAlreadyHeld = errors.New("operation is already running")
	// ErrAborted is the cancellation cause when the abort flag was observed.
	ErrAborted = errors.New("operation was aborted")
	// ErrLeaseLost is the cancellation cause when a heartbeat found the lease gone.
	ErrLeaseLost = errors.New("operation lease lost")
)

const (
	DefaultTTL               = 60 * time.Second
	DefaultAbortPollInterval = 100 * time.Millisecond
)

// Store is the shared key-value store backing the lease.
type Store interface {
	// SetIfAbsent atomically sets key with a TTL if it does not exist.
	SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// Set sets key without expiry.
	Set(ctx context.Context, key, value string) error
	Get(ctx context.Context, key string) (string, bool, error)
	Del(ctx context.Context, key string) error
	// DelIfEqual deletes key only while it still holds value.
	DelIfEqual(ctx context.Context, key, value string) (bool, error)
	// ExpireIfEqual refreshes the TTL of key only while it still holds value.
	// It reports false if the key is gone or owned by someone else.
	ExpireIfEqual(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
}

type Options struct {
	TTL               time.Duration
	AbortPollInterval time.Duration
}

// Manager hands out leases for tenants.
type Manager struct {
	store        Store
	logger       zerolog.Logger
	ttl          time.Duration
	pollInterval time.Duration
}

func NewManager(store Store, logger zerolog.Logger, opts Options) *Manager {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.AbortPollInterval <= 0 {
		opts.AbortPollInterval = DefaultAbortPollInterval
	}
	return &Manager{
		store:        store,
		logger:       logger.With().Str("component", "lease").Logger(),
		ttl:          opts.TTL,
		pollInterval: opts.AbortPollInterval,
	}
}

func runningKey(tenant string) string {
	return fmt.Sprintf("sitebackup:%s:operation_is_running", tenant)
}

func abortKey(tenant string) string {
	return fmt.Sprintf("sitebackup:%s:operation_should_shutdown", tenant)
}

// Acquire takes the lease for tenant or fails immediately with ErrAlreadyHeld.
// The returned handle's Context is cancelled when an abort is requested or the
// lease is lost; the cause is ErrAborted or ErrLeaseLost respectively.
func (m *Manager) Acquire(ctx context.Context, tenant string) (*Handle, error) {
	token := uuid.NewString()

	ok, err := m.store.SetIfAbsent(ctx, runningKey(tenant), token, m.ttl)
	if err != nil {
		return nil, fmt.Errorf("acquire lease for %s: %w", tenant, err)
	}
	if !ok {
		return nil, ErrAlreadyHeld
	}

	// A stale abort request from an earlier run must not kill this one.
	if err := m.store.Del(ctx, abortKey(tenant)); err != nil {
		_, _ = m.store.DelIfEqual(context.WithoutCancel(ctx), runningKey(tenant), token)
		return nil, fmt.Errorf("clear abort flag for %s: %w", tenant, err)
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	loopCtx, stopLoops := context.WithCancel(context.WithoutCancel(ctx))

	h := &Handle{
		manager:   m,
		tenant:    tenant,
		token:     token,
		ctx:       runCtx,
		cancel:    cancel,
		stopLoops: stopLoops,
		logger:    m.logger.With().Str("tenant", tenant).Logger(),
	}

	h.wg.Add(2)
	go h.heartbeat(loopCtx)
	go h.listenForAbort(loopCtx)

	h.logger.Debug().Str("token", token).Dur("ttl", m.ttl).Msg("lease acquired")
	return h, nil
}

// Abort requests that the current operation for tenant stops. Any actor may
// call it, whether or not it holds the lease.
func (m *Manager) Abort(ctx context.Context, tenant string) error {
	if err := m.store.Set(ctx, abortKey(tenant), "1"); err != nil {
		return fmt.Errorf("set abort flag for %s: %w", tenant, err)
	}
	return nil
}

func (m *Manager) ShouldAbort(ctx context.Context, tenant string) (bool, error) {
	_, ok, err := m.store.Get(ctx, abortKey(tenant))
	if err != nil {
		return false, fmt.Errorf("get abort flag for %s: %w", tenant, err)
	}
	return ok, nil
}

func (m *Manager) IsHeld(ctx context.Context, tenant string) (bool, error) {
	_, ok, err := m.store.Get(ctx, runningKey(tenant))
	if err != nil {
		return false, fmt.Errorf("get lease for %s: %w", tenant, err)
	}
	return ok, nil
}

// Handle is a held lease. Both background loops live exactly as long as the
// handle; Release stops them and deletes the lease key.
type Handle struct {
	manager   *Manager
	tenant    string
	token     string
	ctx       context.Context
	cancel    context.CancelCauseFunc
	stopLoops context.CancelFunc
	logger    zerolog.Logger

	wg          sync.WaitGroup
	releaseOnce sync.Once
	releaseErr  error
}

// Context is cancelled when the operation must unwind.
func (h *Handle) Context() context.Context { return h.ctx }

func (h *Handle) Tenant() string { return h.tenant }

// Release stops the heartbeat and abort listener and deletes the lease key if
// this handle still owns it. A key that expired and was taken by another
// holder is left alone. It is safe to call more than once. The abort flag is
// left untouched.
func (h *Handle) Release(ctx context.Context) error {
	h.releaseOnce.Do(func() {
		h.stopLoops()
		h.wg.Wait()
		h.cancel(context.Canceled)

		deleted, err := h.manager.store.DelIfEqual(ctx, runningKey(h.tenant), h.token)
		if err != nil {
			h.releaseErr = fmt.Errorf("release lease for %s: %w", h.tenant, err)
			return
		}
		if !deleted {
			h.logger.Warn().Msg("lease expired or changed owner before release")
			return
		}
		h.logger.Debug().Msg("lease released")
	})
	return h.releaseErr
}

func (h *Handle) heartbeat(ctx context.Context) {
	defer h.wg.Done()

	ticker := time.NewTicker(h.manager.ttl / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		ok, err := h.manager.store.ExpireIfEqual(ctx, runningKey(h.tenant), h.token, h.manager.ttl)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return
			}
			metrics.LeaseHeartbeatsTotal.WithLabelValues("error").Inc()
			h.logger.Warn().Err(err).Msg("failed to extend lease")
		case !ok:
			metrics.LeaseHeartbeatsTotal.WithLabelValues("lost").Inc()
			h.logger.Error().Msg("lease expired or changed owner while held")
			h.cancel(ErrLeaseLost)
			return
		default:
			metrics.LeaseHeartbeatsTotal.WithLabelValues("ok").Inc()
		}
	}
}

func (h *Handle) listenForAbort(ctx context.Context) {
	defer h.wg.Done()

	ticker := time.NewTicker(h.manager.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		abort, err := h.manager.ShouldAbort(ctx, h.tenant)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			h.logger.Warn().Err(err).Msg("failed to poll abort flag")
			continue
		}
		if abort {
			h.logger.Warn().Msg("abort requested")
			h.cancel(ErrAborted)
			return
		}
	}
}
