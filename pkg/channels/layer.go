// Package channels is the channel layer: named groups of members and typed
// events fanned out to whoever is in a group at send time.
package channels

import (
	"context"
	"errors"

	"github.com/mngfx/market-feed/pkg/models"
)

// ErrNoChannelLayer is returned when no usable backend is configured or reachable.
var ErrNoChannelLayer = errors.New("channel layer is not configured")

// Member receives group events. Deliver must not block and must not call
// back into the layer; returning false means the event was not accepted.
type Member interface {
	ID() string
	Deliver(ev models.Event) bool
}

// GroupSender is the publish half of a channel layer.
type GroupSender interface {
	GroupSend(ctx context.Context, group string, ev models.Event) error
}

// Sender is a GroupSender that owns a connection.
type Sender interface {
	GroupSender
	Close() error
}

// Layer is a full channel layer.
type Layer interface {
	Sender
	GroupAdd(ctx context.Context, group string, m Member) error
	GroupDiscard(ctx context.Context, group string, memberID string) error
}
