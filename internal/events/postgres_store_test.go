package events_test

import (
	"context"
	"testing"
	"time"

	"github.com/mbd888/exitwatch/internal/events"
	"github.com/mbd888/exitwatch/internal/testutil"
)

func TestPostgresStore_AppendAndQuery(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := events.NewPostgresStore(db)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	ev := &events.UserEvent{
		EventID:   "evt_pg_1",
		UserID:    "user-1",
		SessionID: "sess-1",
		EventType: events.TypeFeatureInteraction,
		Timestamp: now,
		Data:      events.EventData{Feature: "document_upload", AttemptCount: 2},
		Device:    &events.DeviceInfo{Platform: "ios", AppVersion: "2.1.0"},
		Context:   &events.UserContext{UserSegment: "active"},
	}
	if err := store.Append(ctx, ev); err != nil {
		t.Fatalf("append: %v", err)
	}

	// Duplicate event id is silently ignored
	if err := store.Append(ctx, ev); err != nil {
		t.Fatalf("duplicate append: %v", err)
	}
	n, err := store.CountByUser(ctx, "user-1")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 event after duplicate insert, got %d", n)
	}

	got, err := store.RecentByUser(ctx, "user-1", now.Add(-time.Minute))
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 event, got %d", len(got))
	}
	if got[0].Data.Feature != "document_upload" || got[0].Data.AttemptCount != 2 {
		t.Errorf("event data not round-tripped: %+v", got[0].Data)
	}
	if got[0].Device == nil || got[0].Device.Platform != "ios" {
		t.Errorf("device info not round-tripped: %+v", got[0].Device)
	}
	if got[0].Context == nil || got[0].Context.UserSegment != "active" {
		t.Errorf("user context not round-tripped: %+v", got[0].Context)
	}
}

func TestPostgresStore_SinceFilter(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := events.NewPostgresStore(db)
	ctx := context.Background()
	now := time.Now().UTC()

	old := &events.UserEvent{
		EventID: "evt_old", UserID: "user-1", SessionID: "s",
		EventType: events.TypePageView, Timestamp: now.Add(-48 * time.Hour),
		Data: events.EventData{Page: "/old"},
	}
	fresh := &events.UserEvent{
		EventID: "evt_new", UserID: "user-1", SessionID: "s",
		EventType: events.TypePageView, Timestamp: now,
		Data: events.EventData{Page: "/new"},
	}
	for _, ev := range []*events.UserEvent{old, fresh} {
		if err := store.Append(ctx, ev); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	got, err := store.RecentByUser(ctx, "user-1", now.Add(-time.Hour))
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(got) != 1 || got[0].EventID != "evt_new" {
		t.Errorf("since filter not applied: %+v", got)
	}
}
