package collector

import (
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/mbd888/exitwatch/internal/events"
	"github.com/mbd888/exitwatch/internal/features"
	"github.com/mbd888/exitwatch/internal/prediction"
	"github.com/mbd888/exitwatch/internal/profile"
	"github.com/mbd888/exitwatch/internal/risk"
	"github.com/mbd888/exitwatch/internal/struggle"
)

type stubScorer struct {
	score    float64
	fallback bool
	calls    int
}

func (s *stubScorer) Predict(ctx context.Context, userID string, v *features.Vector) (*prediction.Result, error) {
	s.calls++
	if s.fallback {
		return &prediction.Result{
			UserID:     userID,
			RiskScore:  prediction.FallbackScore,
			RiskLevel:  risk.LevelMedium,
			Fallback:   true,
			ComputedAt: time.Now(),
		}, nil
	}
	classifier, _ := risk.NewClassifier(risk.DefaultThresholds())
	level, recs := classifier.Classify(s.score)
	return &prediction.Result{
		UserID:          userID,
		RiskScore:       s.score,
		RiskLevel:       level,
		Recommendations: recs,
		ComputedAt:      time.Now(),
	}, nil
}

func newTestService(t *testing.T, scorer prediction.Scorer) *Service {
	t.Helper()
	classifier, err := risk.NewClassifier(risk.DefaultThresholds())
	if err != nil {
		t.Fatalf("classifier: %v", err)
	}
	return NewService(
		events.NewMemoryStore(),
		profile.NewMemoryStore(),
		struggle.New(struggle.DefaultWindow),
		scorer,
		classifier,
		nil, // relay disabled
		nil, // hub disabled
		struggle.DefaultWindow,
		slog.Default(),
	)
}

func pageView(userID string) *events.UserEvent {
	return &events.UserEvent{
		UserID:    userID,
		SessionID: "sess-1",
		EventType: events.TypePageView,
		Timestamp: time.Now(),
		Data:      events.EventData{Page: "/dashboard"},
	}
}

func TestProcessEvent_AssignsEventID(t *testing.T) {
	s := newTestService(t, &stubScorer{score: 20})

	ack, errs, err := s.ProcessEvent(context.Background(), pageView("user-1"))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(errs) > 0 {
		t.Fatalf("unexpected validation errors: %v", errs)
	}
	if ack.EventID == "" {
		t.Error("expected generated event id")
	}
	if ack.Status != "accepted" {
		t.Errorf("expected accepted, got %s", ack.Status)
	}
}

func TestProcessEvent_RejectsInvalid(t *testing.T) {
	s := newTestService(t, &stubScorer{score: 20})

	ev := pageView("user-1")
	ev.EventType = "bogus"
	ack, errs, err := s.ProcessEvent(context.Background(), ev)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if ack != nil {
		t.Error("invalid event must not be acked")
	}
	if len(errs) == 0 {
		t.Error("expected validation errors")
	}

	// Nothing persisted
	evs, _ := s.RecentEvents(context.Background(), "user-1")
	if len(evs) != 0 {
		t.Errorf("rejected event must not be stored, found %d", len(evs))
	}
}

func TestProcessEvent_DefaultsDeviceAndContext(t *testing.T) {
	s := newTestService(t, &stubScorer{score: 20})

	ev := pageView("user-1")
	if _, _, err := s.ProcessEvent(context.Background(), ev); err != nil {
		t.Fatalf("process: %v", err)
	}
	if ev.Device == nil || ev.Device.Platform != "web" {
		t.Error("expected default web platform")
	}
	if ev.Context == nil || ev.Context.UserSegment != "new" {
		t.Error("expected default new segment")
	}
}

func TestProcessEvent_SegmentFromProfile(t *testing.T) {
	s := newTestService(t, &stubScorer{score: 20})
	_ = s.profiles.(*profile.MemoryStore).Put(context.Background(), &profile.UserProfile{
		UserID:      "user-1",
		UserSegment: "engaged",
	})

	ev := pageView("user-1")
	if _, _, err := s.ProcessEvent(context.Background(), ev); err != nil {
		t.Fatalf("process: %v", err)
	}
	if ev.Context.UserSegment != "engaged" {
		t.Errorf("expected segment from profile, got %s", ev.Context.UserSegment)
	}
}

func TestProcessEvent_UpgradesRepeatedFailure(t *testing.T) {
	s := newTestService(t, &stubScorer{score: 20})
	ctx := context.Background()

	failed := func() *events.UserEvent {
		no := false
		return &events.UserEvent{
			UserID:    "user-1",
			SessionID: "sess-1",
			EventType: events.TypeFeatureInteraction,
			Timestamp: time.Now(),
			Data:      events.EventData{Feature: "document_upload", Success: &no},
		}
	}

	// First failure: attempt 1, no upgrade.
	ack, _, err := s.ProcessEvent(ctx, failed())
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if ack.Upgraded {
		t.Error("first attempt must not be upgraded")
	}

	// Second failure on the same feature: derived attempt 2, upgraded.
	ack, _, err = s.ProcessEvent(ctx, failed())
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if !ack.Upgraded {
		t.Error("second failed attempt should be promoted to struggle_signal")
	}

	sigs := s.Struggles("user-1")
	if len(sigs) != 1 || sigs[0].Feature != "document_upload" {
		t.Fatalf("expected one struggle signal for document_upload, got %+v", sigs)
	}
}

func TestProcessEvent_ClientAttemptCountRespected(t *testing.T) {
	s := newTestService(t, &stubScorer{score: 20})

	no := false
	ev := &events.UserEvent{
		UserID:    "user-1",
		SessionID: "sess-1",
		EventType: events.TypeFeatureInteraction,
		Timestamp: time.Now(),
		Data:      events.EventData{Feature: "verification", Success: &no, AttemptCount: 4},
	}
	ack, _, err := s.ProcessEvent(context.Background(), ev)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if !ack.Upgraded {
		t.Error("failure with client-reported attempts >= 2 should upgrade")
	}
	if ev.Data.AttemptCount != 4 {
		t.Errorf("client attempt count must not be overwritten, got %d", ev.Data.AttemptCount)
	}
}

func TestProcessBatch_IsolatesFailures(t *testing.T) {
	s := newTestService(t, &stubScorer{score: 20})

	bad := pageView("user-2")
	bad.EventType = "nope"
	batch := []*events.UserEvent{pageView("user-1"), bad, pageView("user-3")}

	items := s.ProcessBatch(context.Background(), batch)
	if len(items) != 3 {
		t.Fatalf("expected 3 results, got %d", len(items))
	}
	if items[0].Status != "accepted" || items[2].Status != "accepted" {
		t.Errorf("valid events should be accepted: %+v", items)
	}
	if items[1].Status != "rejected" || len(items[1].Errors) == 0 {
		t.Errorf("invalid event should be rejected with errors: %+v", items[1])
	}
}

func TestGetInsights_EmptyHistory(t *testing.T) {
	scorer := &stubScorer{score: 10}
	s := newTestService(t, scorer)

	ins := s.GetInsights(context.Background(), "ghost")
	if ins.Error != "" {
		t.Errorf("empty history is not an error: %q", ins.Error)
	}
	if ins.RiskLevel != risk.LevelLow {
		t.Errorf("expected LOW for score 10, got %s", ins.RiskLevel)
	}
	if ins.BehaviorMetrics == nil {
		t.Fatal("expected a feature vector even without history")
	}
	if ins.BehaviorMetrics.TotalSessions != 0 {
		t.Errorf("ghost user should have zero sessions, got %v", ins.BehaviorMetrics.TotalSessions)
	}
	if ins.StruggleSignals == nil || len(ins.StruggleSignals) != 0 {
		t.Errorf("expected empty (non-nil) struggle list, got %+v", ins.StruggleSignals)
	}
	if scorer.calls != 1 {
		t.Errorf("expected one prediction call, got %d", scorer.calls)
	}
}

func TestGetInsights_FallbackMarked(t *testing.T) {
	s := newTestService(t, &stubScorer{fallback: true})

	ins := s.GetInsights(context.Background(), "user-1")
	if ins.Error == "" {
		t.Error("fallback prediction should be surfaced in the error field")
	}
	if ins.RiskScore != prediction.FallbackScore {
		t.Errorf("expected neutral score %v, got %v", prediction.FallbackScore, ins.RiskScore)
	}
	if ins.RiskLevel != risk.LevelMedium {
		t.Errorf("expected MEDIUM fallback level, got %s", ins.RiskLevel)
	}
}

func TestGetInsights_DominantFeatureHint(t *testing.T) {
	s := newTestService(t, &stubScorer{score: 75})
	ctx := context.Background()

	// Build up struggle on one feature.
	for i := 0; i < 3; i++ {
		ev := &events.UserEvent{
			UserID:    "user-1",
			SessionID: "sess-1",
			EventType: events.TypeStruggleSignal,
			Timestamp: time.Now(),
			Data:      events.EventData{Feature: "verification", AttemptCount: 2},
		}
		if _, errs, err := s.ProcessEvent(ctx, ev); err != nil || len(errs) > 0 {
			t.Fatalf("process: err=%v errs=%v", err, errs)
		}
	}

	ins := s.GetInsights(ctx, "user-1")
	if ins.RiskLevel != risk.LevelHigh {
		t.Fatalf("expected HIGH for score 75, got %s", ins.RiskLevel)
	}
	found := false
	for _, rec := range ins.Recommendations {
		if strings.Contains(rec, "verification") {
			found = true
		}
	}
	if !found {
		t.Errorf("expected a recommendation naming the dominant feature, got %v", ins.Recommendations)
	}
}
