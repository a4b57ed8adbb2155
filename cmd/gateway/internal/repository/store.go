package repository

import (
	"context"
	"errors"

	"github.com/mngfx/market-feed/pkg/models"
)

var ErrNotFound = errors.New("no tick recorded for symbol")

// SnapshotStore serves the most recent tick per symbol.
type SnapshotStore interface {
	Latest(ctx context.Context, symbol string) (*models.Tick, error)
}
