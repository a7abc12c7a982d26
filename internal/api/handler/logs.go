package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/edvin/sitebackup/internal/api/response"
	"github.com/edvin/sitebackup/internal/eventlog"
)

const logWriteTimeout = 10 * time.Second

// Logs relays live run log lines from Redis pub/sub to WebSocket clients.
type Logs struct {
	client redis.UniversalClient
	tenant string
}

func NewLogs(client redis.UniversalClient, tenant string) *Logs {
	return &Logs{client: client, tenant: tenant}
}

// Stream upgrades to WebSocket and forwards every published line of this
// tenant's runs as a text message holding an eventlog.Message.
func (h *Logs) Stream(w http.ResponseWriter, r *http.Request) {
	logger := zerolog.Ctx(r.Context())

	sub := h.client.Subscribe(r.Context(), eventlog.LogsChannel)
	defer sub.Close()
	if _, err := sub.Receive(r.Context()); err != nil {
		logger.Error().Err(err).Msg("subscribe to live logs failed")
		response.WriteError(w, http.StatusBadGateway, "live log channel unavailable")
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // Origin differs from Host when proxied through an admin UI.
	})
	if err != nil {
		logger.Error().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer ws.CloseNow()

	// Clients only listen; CloseRead handles their close frames.
	ctx := ws.CloseRead(r.Context())
	msgs := sub.Channel()

	for {
		select {
		case <-ctx.Done():
			ws.Close(websocket.StatusNormalClosure, "")
			return
		case msg, ok := <-msgs:
			if !ok {
				ws.Close(websocket.StatusGoingAway, "log channel closed")
				return
			}
			if !h.forTenant(msg.Payload) {
				continue
			}
			if err := h.write(ctx, ws, msg.Payload); err != nil {
				logger.Debug().Err(err).Msg("live log client went away")
				return
			}
		}
	}
}

func (h *Logs) write(ctx context.Context, ws *websocket.Conn, payload string) error {
	ctx, cancel := context.WithTimeout(ctx, logWriteTimeout)
	defer cancel()
	return ws.Write(ctx, websocket.MessageText, []byte(payload))
}

func (h *Logs) forTenant(payload string) bool {
	var m eventlog.Message
	if err := json.Unmarshal([]byte(payload), &m); err != nil {
		return false
	}
	return m.Tenant == "" || m.Tenant == h.tenant
}
