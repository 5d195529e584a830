package events

import (
	"context"
	"time"
)

// Store persists accepted events and serves recent history for feature
// extraction.
type Store interface {
	// Append stores an accepted event.
	Append(ctx context.Context, ev *UserEvent) error

	// RecentByUser returns a user's events with timestamp >= since,
	// ordered oldest first.
	RecentByUser(ctx context.Context, userID string, since time.Time) ([]*UserEvent, error)

	// CountByUser returns the number of stored events for a user.
	CountByUser(ctx context.Context, userID string) (int, error)
}
