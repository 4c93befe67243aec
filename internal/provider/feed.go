// Package provider supplies market event feeds: a live websocket client for
// staging/production and a simulated generator for development.
package provider

import (
	"context"

	"github.com/optionsflow/optionsflow/internal/domain"
)

// Feed is a source of raw market events. Next blocks until an event is
// available, the context is cancelled, or the feed fails.
type Feed interface {
	Connect(ctx context.Context) error
	Next(ctx context.Context) (domain.MarketEvent, error)
	Close() error
}

// Credentials authenticates a feed against the data provider. The core only
// checks presence; the transport uses them opaquely.
type Credentials struct {
	APIKey    string
	APISecret string
}

// Valid reports whether the credentials can plausibly authenticate.
func (c Credentials) Valid() bool {
	return c.APIKey != "" && c.APISecret != ""
}
