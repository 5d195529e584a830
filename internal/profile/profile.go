// Package profile holds the user profile collaborator surface: stable
// per-user attributes that enrich feature extraction beyond raw events.
package profile

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when no profile exists for a user.
var ErrNotFound = errors.New("profile not found")

// BehaviorMetrics are slow-moving aggregates maintained outside the
// event hot path.
type BehaviorMetrics struct {
	SupportInteractions int       `json:"supportInteractions"`
	TotalSessions       int       `json:"totalSessions"`
	LastLoginAt         time.Time `json:"lastLoginAt"`
}

// UserProfile describes one user.
type UserProfile struct {
	UserID      string          `json:"userId"`
	UserSegment string          `json:"userSegment"` // new, active, engaged, at_risk
	Metrics     BehaviorMetrics `json:"behaviorMetrics"`
	RiskFactors []string        `json:"riskFactors,omitempty"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

// Source provides read access to profiles. Stores additionally accept
// writes; the orchestrator only needs reads.
type Source interface {
	Get(ctx context.Context, userID string) (*UserProfile, error)
}

// Store is a read-write profile repository.
type Store interface {
	Source
	Put(ctx context.Context, p *UserProfile) error
}

// DeriveSegment maps a session count to a coarse engagement segment.
func DeriveSegment(totalSessions int) string {
	switch {
	case totalSessions < 3:
		return "new"
	case totalSessions < 15:
		return "active"
	default:
		return "engaged"
	}
}
