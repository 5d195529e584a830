package profile_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mbd888/exitwatch/internal/profile"
	"github.com/mbd888/exitwatch/internal/testutil"
)

func TestPostgresStore_PutGet(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := profile.NewPostgresStore(db)
	ctx := context.Background()

	p := &profile.UserProfile{
		UserID:      "user-1",
		UserSegment: "active",
		Metrics: profile.BehaviorMetrics{
			SupportInteractions: 2,
			TotalSessions:       8,
			LastLoginAt:         time.Now().UTC().Truncate(time.Millisecond),
		},
		RiskFactors: []string{"repeated_upload_failures"},
	}
	if err := store.Put(ctx, p); err != nil {
		t.Fatalf("put: %v", err)
	}

	got, err := store.Get(ctx, "user-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.UserSegment != "active" || got.Metrics.TotalSessions != 8 {
		t.Errorf("profile not round-tripped: %+v", got)
	}
	if len(got.RiskFactors) != 1 || got.RiskFactors[0] != "repeated_upload_failures" {
		t.Errorf("risk factors not round-tripped: %+v", got.RiskFactors)
	}

	// Upsert replaces the row
	p.UserSegment = "at_risk"
	p.Metrics.TotalSessions = 9
	if err := store.Put(ctx, p); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	got, err = store.Get(ctx, "user-1")
	if err != nil {
		t.Fatalf("get after upsert: %v", err)
	}
	if got.UserSegment != "at_risk" || got.Metrics.TotalSessions != 9 {
		t.Errorf("upsert not applied: %+v", got)
	}
}

func TestPostgresStore_NotFound(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := profile.NewPostgresStore(db)
	if _, err := store.Get(context.Background(), "ghost"); !errors.Is(err, profile.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
