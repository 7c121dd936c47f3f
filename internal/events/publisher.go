// Package events publishes sandbox lifecycle events to the notification
// bus. Delivery is fire-and-forget: callers never wait on it and failures
// are logged, not escalated.
package events

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"

	"github.com/cometa-rocks/sandboxd/internal/infrastructure/config"
	"github.com/cometa-rocks/sandboxd/internal/infrastructure/logging"
	"github.com/cometa-rocks/sandboxd/internal/shared/types"
)

// Lifecycle event types.
const (
	TypeCreated       = "created"
	TypeStatusChanged = "status-changed"
	TypeTerminated    = "terminated"
)

// Event is the webhook payload.
type Event struct {
	ID        string      `json:"id"`
	Type      string      `json:"type"`
	SandboxID string      `json:"sandbox_id"`
	Kind      types.Kind  `json:"kind"`
	State     types.State `json:"state"`
	OwnerID   string      `json:"owner_id,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// Publisher posts lifecycle events to the configured webhook.
type Publisher struct {
	client  *retryablehttp.Client
	url     string
	enabled bool
	log     *logging.Logger
}

// New creates a publisher. A missing webhook URL disables publishing.
func New(cfg config.EventsConfig, log *logging.Logger) *Publisher {
	client := retryablehttp.NewClient()
	client.RetryMax = 3
	client.RetryWaitMin = 100 * time.Millisecond
	client.RetryWaitMax = 2 * time.Second
	client.HTTPClient.Timeout = 10 * time.Second
	client.Logger = nil

	return &Publisher{
		client:  client,
		url:     cfg.WebhookURL,
		enabled: cfg.Enabled && cfg.WebhookURL != "",
		log:     log,
	}
}

// Publish dispatches the event asynchronously and returns immediately.
func (p *Publisher) Publish(eventType string, rec *types.SandboxRecord) {
	if !p.enabled {
		return
	}

	event := Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		SandboxID: rec.ID,
		Kind:      rec.Kind,
		State:     rec.State,
		OwnerID:   rec.OwnerID,
		Timestamp: time.Now().UTC(),
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := p.post(ctx, event); err != nil {
			p.log.Warn("event delivery failed",
				zap.String("event", event.Type),
				zap.String("sandbox_id", event.SandboxID),
				zap.Error(err))
		}
	}()
}

func (p *Publisher) post(ctx context.Context, event Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return err
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return nil
}
