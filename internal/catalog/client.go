// Package catalog talks to the external image catalog that maps an emulator
// catalog reference onto a runnable image. The client sits on the allocation
// path, so a circuit breaker keeps a flapping catalog from stacking timed-out
// calls behind every emulator creation.
package catalog

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/cometa-rocks/sandboxd/internal/infrastructure/config"
	"github.com/cometa-rocks/sandboxd/internal/infrastructure/logging"
	"github.com/cometa-rocks/sandboxd/internal/infrastructure/resilience"
	"github.com/cometa-rocks/sandboxd/internal/shared/types"
)

// Client is the image-catalog HTTP client.
type Client struct {
	http    *resty.Client
	breaker *resilience.Breaker
	log     *logging.Logger
}

// New creates a catalog client for the configured address.
func New(cfg config.CatalogConfig, log *logging.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(cfg.Address).
		SetTimeout(cfg.Timeout).
		SetRetryCount(2).
		SetRetryWaitTime(200 * time.Millisecond)

	breaker := resilience.New("image-catalog", resilience.Settings{
		MaxRequests: 2,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts resilience.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to resilience.State) {
			log.Warn("circuit breaker state change",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})

	return &Client{http: httpClient, breaker: breaker, log: log}
}

// Resolve returns the runnable image for a catalog reference.
func (c *Client) Resolve(ctx context.Context, catalogRef string) (string, error) {
	var image string

	err := c.breaker.Execute(func() error {
		var out struct {
			Image string `json:"image"`
		}
		resp, err := c.http.R().
			SetContext(ctx).
			SetResult(&out).
			Get("/images/" + catalogRef)
		if err != nil {
			return fmt.Errorf("%w: image catalog unreachable: %v", types.ErrBackendUnavailable, err)
		}
		if resp.StatusCode() == http.StatusNotFound {
			return fmt.Errorf("%w: catalog entry %s", types.ErrNotFound, catalogRef)
		}
		if resp.IsError() {
			return fmt.Errorf("image catalog returned %d for %s", resp.StatusCode(), catalogRef)
		}
		if out.Image == "" {
			return fmt.Errorf("catalog entry %s has no image", catalogRef)
		}
		image = out.Image
		return nil
	})
	if err != nil {
		if err == resilience.ErrCircuitOpen || err == resilience.ErrTooManyRequests {
			return "", fmt.Errorf("%w: image catalog circuit open", types.ErrBackendUnavailable)
		}
		return "", err
	}
	return image, nil
}
