package eventlog

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// LogsChannel is the pub/sub channel live log lines are published on.
const LogsChannel = "/admin/backups/logs"

// publishTimeout bounds a single publish so a slow broker cannot stall a run.
const publishTimeout = 2 * time.Second

// Message is the payload published for every log line and marker.
type Message struct {
	Timestamp string `json:"timestamp"`
	Operation string `json:"operation"`
	Message   string `json:"message"`
	Tenant    string `json:"tenant,omitempty"`
}

// PublishChannel publishes events to Redis pub/sub for live viewers.
type PublishChannel struct {
	client    redis.UniversalClient
	operation string
	tenant    string
	logger    zerolog.Logger
}

func NewPublishChannel(client redis.UniversalClient, operation, tenant string, logger zerolog.Logger) *PublishChannel {
	return &PublishChannel{
		client:    client,
		operation: operation,
		tenant:    tenant,
		logger:    logger.With().Str("component", "log-publisher").Logger(),
	}
}

func (c *PublishChannel) publish(ts time.Time, msg string) {
	payload, err := json.Marshal(Message{
		Timestamp: ts.UTC().Format(timestampLayout),
		Operation: c.operation,
		Message:   msg,
		Tenant:    c.tenant,
	})
	if err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := c.client.Publish(ctx, LogsChannel, payload).Err(); err != nil {
		c.logger.Warn().Err(err).Msg("failed to publish log line")
	}
}

func (c *PublishChannel) Log(e Event) {
	msg := e.Message
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	c.publish(e.Timestamp, msg)
}

// Trigger publishes lifecycle markers; the UI uses them to detect the end of
// a run.
func (c *PublishChannel) Trigger(e Event) {
	c.publish(e.Timestamp, e.Message)
}

func (c *PublishChannel) StartStep(msg string) {
	c.publish(time.Now(), msg)
}

func (c *PublishChannel) StopStep(string, error) {}

func (c *PublishChannel) NewProgress(string) ProgressChannel { return nil }

func (c *PublishChannel) Close() error { return nil }
