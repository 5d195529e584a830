package features

import (
	"fmt"
	"testing"
	"time"

	"github.com/mbd888/exitwatch/internal/events"
	"github.com/mbd888/exitwatch/internal/profile"
)

func boolPtr(b bool) *bool    { return &b }
func fPtr(f float64) *float64 { return &f }

func ev(t events.Type, ts time.Time, mut func(*events.UserEvent)) *events.UserEvent {
	e := &events.UserEvent{
		EventID:   "evt_x",
		UserID:    "user-1",
		SessionID: "sess-1",
		EventType: t,
		Timestamp: ts,
	}
	if mut != nil {
		mut(e)
	}
	return e
}

func TestExtract_EmptyHistory(t *testing.T) {
	v, err := Extract("user-1", nil, nil, time.Now())
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}

	if v.PlatformPattern != PlatformMixed {
		t.Errorf("expected mixed platform pattern, got %s", v.PlatformPattern)
	}
	for i, f := range v.Floats()[:12] {
		if i == 3 {
			continue // trend slot, also zero but checked below
		}
		if f != 0 {
			t.Errorf("feature %d: expected 0, got %g", i, f)
		}
	}
	if v.SessionFrequencyTrend != 0 {
		t.Errorf("expected zero trend, got %g", v.SessionFrequencyTrend)
	}
	if err := v.Validate(); err != nil {
		t.Errorf("empty-history vector must validate: %v", err)
	}
}

func TestExtract_Deterministic(t *testing.T) {
	now := time.Now()
	evs := []*events.UserEvent{
		ev(events.TypePageView, now.Add(-time.Hour), func(e *events.UserEvent) { e.Data.Page = "/a" }),
		ev(events.TypeStruggleSignal, now.Add(-30*time.Minute), func(e *events.UserEvent) {
			e.Data.Feature = "upload"
			e.Data.AttemptCount = 3
		}),
	}

	a, err := Extract("user-1", evs, nil, now)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	b, err := Extract("user-1", evs, nil, now)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if *a != *b {
		t.Errorf("Extract not deterministic: %+v vs %+v", a, b)
	}
}

func TestStruggleCount(t *testing.T) {
	now := time.Now()
	evs := []*events.UserEvent{
		ev(events.TypeStruggleSignal, now, func(e *events.UserEvent) { e.Data.Feature = "a"; e.Data.AttemptCount = 2 }),
		ev(events.TypeStruggleSignal, now, func(e *events.UserEvent) { e.Data.Feature = "b"; e.Data.AttemptCount = 2 }),
		ev(events.TypePageView, now, func(e *events.UserEvent) { e.Data.Page = "/x" }),
	}

	v, err := Extract("user-1", evs, nil, now)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if v.StruggleSignalCount != 2 {
		t.Errorf("expected struggle count 2, got %g", v.StruggleSignalCount)
	}
}

func TestVideoEngagement_ConfidenceScaling(t *testing.T) {
	now := time.Now()

	// One video at 100% completion: confidence 1/5 scales it to 20
	one := []*events.UserEvent{
		ev(events.TypeVideoEngagement, now, func(e *events.UserEvent) {
			e.Data.VideoID = "v1"
			e.Data.CompletionRate = fPtr(100)
		}),
	}
	v, _ := Extract("user-1", one, nil, now)
	if v.VideoEngagementScore != 20 {
		t.Errorf("expected 20 with 1 video, got %g", v.VideoEngagementScore)
	}

	// Five videos at 100%: full confidence
	var five []*events.UserEvent
	for i := 0; i < 5; i++ {
		five = append(five, ev(events.TypeVideoEngagement, now, func(e *events.UserEvent) {
			e.Data.VideoID = "v1"
			e.Data.CompletionRate = fPtr(100)
		}))
	}
	v, _ = Extract("user-1", five, nil, now)
	if v.VideoEngagementScore != 100 {
		t.Errorf("expected 100 with 5 videos, got %g", v.VideoEngagementScore)
	}
}

func TestVideoEngagement_IgnoresEventsWithoutCompletionRate(t *testing.T) {
	now := time.Now()

	// Five rated videos at 100% plus three heartbeat-style events with no
	// completion rate: the extras must not dilute the average.
	var evs []*events.UserEvent
	for i := 0; i < 5; i++ {
		evs = append(evs, ev(events.TypeVideoEngagement, now, func(e *events.UserEvent) {
			e.Data.VideoID = "v1"
			e.Data.CompletionRate = fPtr(100)
		}))
	}
	for i := 0; i < 3; i++ {
		evs = append(evs, ev(events.TypeVideoEngagement, now, func(e *events.UserEvent) {
			e.Data.VideoID = "v1"
			e.Data.WatchDuration = 30
		}))
	}

	v, err := Extract("user-1", evs, nil, now)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if v.VideoEngagementScore != 100 {
		t.Errorf("expected 100 from 5 fully-watched videos, got %g", v.VideoEngagementScore)
	}
}

func TestCompletionRate_LatestInteractionWins(t *testing.T) {
	now := time.Now()
	evs := []*events.UserEvent{
		// upload: failed, then succeeded (latest wins)
		ev(events.TypeFeatureInteraction, now.Add(-2*time.Hour), func(e *events.UserEvent) {
			e.Data.Feature = "upload"
			e.Data.Success = boolPtr(false)
		}),
		ev(events.TypeFeatureInteraction, now.Add(-time.Hour), func(e *events.UserEvent) {
			e.Data.Feature = "upload"
			e.Data.Success = boolPtr(true)
		}),
		// billing: failed and stayed failed
		ev(events.TypeFeatureInteraction, now, func(e *events.UserEvent) {
			e.Data.Feature = "billing"
			e.Data.Success = boolPtr(false)
		}),
	}

	v, err := Extract("user-1", evs, nil, now)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if v.FeatureCompletionRate != 50 {
		t.Errorf("expected 50%% completion (1 of 2 features), got %g", v.FeatureCompletionRate)
	}
}

func TestSessionTrend_Direction(t *testing.T) {
	now := time.Now()

	// Growing activity: 1 event 3 days ago, 3 events today
	var growing []*events.UserEvent
	growing = append(growing, ev(events.TypePageView, now.Add(-72*time.Hour), func(e *events.UserEvent) { e.Data.Page = "/a" }))
	for i := 0; i < 3; i++ {
		growing = append(growing, ev(events.TypePageView, now.Add(-time.Duration(i)*time.Minute), func(e *events.UserEvent) { e.Data.Page = "/a" }))
	}
	v, _ := Extract("user-1", growing, nil, now)
	if v.SessionFrequencyTrend <= 0 {
		t.Errorf("expected positive trend for growing activity, got %g", v.SessionFrequencyTrend)
	}

	// Fading activity: 3 events 3 days ago, 1 today
	var fading []*events.UserEvent
	for i := 0; i < 3; i++ {
		fading = append(fading, ev(events.TypePageView, now.Add(-72*time.Hour+time.Duration(i)*time.Minute), func(e *events.UserEvent) { e.Data.Page = "/a" }))
	}
	fading = append(fading, ev(events.TypePageView, now, func(e *events.UserEvent) { e.Data.Page = "/a" }))
	v, _ = Extract("user-1", fading, nil, now)
	if v.SessionFrequencyTrend >= 0 {
		t.Errorf("expected negative trend for fading activity, got %g", v.SessionFrequencyTrend)
	}
}

func TestApplicationProgress(t *testing.T) {
	now := time.Now()
	evs := []*events.UserEvent{
		ev(events.TypeFeatureInteraction, now, func(e *events.UserEvent) {
			e.Data.Feature = "registration"
			e.Data.Success = boolPtr(true)
		}),
		ev(events.TypeFeatureInteraction, now, func(e *events.UserEvent) {
			e.Data.Feature = "profile_setup"
			e.Data.Success = boolPtr(true)
		}),
		ev(events.TypeFeatureInteraction, now, func(e *events.UserEvent) {
			e.Data.Feature = "document_upload"
			e.Data.Success = boolPtr(true)
		}),
		// Failed milestone does not count
		ev(events.TypeFeatureInteraction, now, func(e *events.UserEvent) {
			e.Data.Feature = "verification"
			e.Data.Success = boolPtr(false)
		}),
	}

	v, err := Extract("user-1", evs, nil, now)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if v.ApplicationProgress != 50 {
		t.Errorf("expected 50%% progress (3 of 6 milestones), got %g", v.ApplicationProgress)
	}
}

func TestSessionStats(t *testing.T) {
	now := time.Now()
	var evs []*events.UserEvent

	// Session A: 10 minutes
	for i, m := range []int{0, 10} {
		evs = append(evs, ev(events.TypePageView, now.Add(-time.Duration(60-m)*time.Minute), func(e *events.UserEvent) {
			e.SessionID = "sess-a"
			e.Data.Page = "/x"
			e.EventID = fmt.Sprintf("evt_a%d", i)
		}))
	}
	// Session B: single event (counts, no duration)
	evs = append(evs, ev(events.TypePageView, now, func(e *events.UserEvent) {
		e.SessionID = "sess-b"
		e.Data.Page = "/x"
	}))
	// Session C: 2 hours (ignored from average as idle)
	for i, m := range []int{0, 120} {
		evs = append(evs, ev(events.TypePageView, now.Add(-time.Duration(300-m)*time.Minute), func(e *events.UserEvent) {
			e.SessionID = "sess-c"
			e.Data.Page = "/x"
			e.EventID = fmt.Sprintf("evt_c%d", i)
		}))
	}

	v, err := Extract("user-1", evs, nil, now)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if v.TotalSessions != 3 {
		t.Errorf("expected 3 sessions, got %g", v.TotalSessions)
	}
	if v.AvgSessionDuration != 600 {
		t.Errorf("expected avg duration 600s, got %g", v.AvgSessionDuration)
	}
}

func TestErrorRate(t *testing.T) {
	now := time.Now()
	evs := []*events.UserEvent{
		ev(events.TypeErrorEvent, now, func(e *events.UserEvent) { e.Data.ErrorType = "boom" }),
		ev(events.TypePageView, now, func(e *events.UserEvent) { e.Data.Page = "/a" }),
		ev(events.TypePageView, now, func(e *events.UserEvent) { e.Data.Page = "/b" }),
		ev(events.TypePageView, now, func(e *events.UserEvent) { e.Data.Page = "/c" }),
	}

	v, _ := Extract("user-1", evs, nil, now)
	if v.ErrorRate != 25 {
		t.Errorf("expected error rate 25, got %g", v.ErrorRate)
	}
}

func TestHelpSeeking(t *testing.T) {
	now := time.Now()
	evs := []*events.UserEvent{
		ev(events.TypeFeatureInteraction, now, func(e *events.UserEvent) { e.Data.Feature = "help_center" }),
		ev(events.TypePageView, now, func(e *events.UserEvent) { e.Data.Page = "/tutorial/intro" }),
		ev(events.TypeStruggleSignal, now, func(e *events.UserEvent) {
			e.Data.Feature = "upload"
			e.Data.AttemptCount = 3
		}),
	}

	v, _ := Extract("user-1", evs, nil, now)
	// 15 (help feature) + 15 (tutorial page) + 10 (repeated attempts)
	if v.HelpSeekingScore != 40 {
		t.Errorf("expected help seeking 40, got %g", v.HelpSeekingScore)
	}
}

func TestPlatformPattern(t *testing.T) {
	now := time.Now()

	mk := func(platforms ...string) []*events.UserEvent {
		var out []*events.UserEvent
		for _, p := range platforms {
			out = append(out, ev(events.TypePageView, now, func(e *events.UserEvent) {
				e.Data.Page = "/a"
				e.Device = &events.DeviceInfo{Platform: p}
			}))
		}
		return out
	}

	tests := []struct {
		name      string
		platforms []string
		want      string
	}{
		{"all web", []string{"web", "web", "web"}, PlatformWeb},
		{"mostly mobile", []string{"ios", "android", "ios", "web"}, PlatformMobile},
		{"even split", []string{"web", "ios"}, PlatformMixed},
		{"no device info", nil, PlatformMixed},
	}

	for _, tc := range tests {
		v, err := Extract("user-1", mk(tc.platforms...), nil, now)
		if err != nil {
			t.Fatalf("%s: %v", tc.name, err)
		}
		if v.PlatformPattern != tc.want {
			t.Errorf("%s: got %s, want %s", tc.name, v.PlatformPattern, tc.want)
		}
	}
}

func TestSupportInteractions_ProfileFallback(t *testing.T) {
	now := time.Now()
	prof := &profile.UserProfile{
		UserID:  "user-1",
		Metrics: profile.BehaviorMetrics{SupportInteractions: 7},
	}

	v, err := Extract("user-1", nil, prof, now)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if v.SupportInteractionCount != 7 {
		t.Errorf("expected support count 7 from profile, got %g", v.SupportInteractionCount)
	}
}

func TestDaysSinceLastLogin_FromProfile(t *testing.T) {
	now := time.Now()
	prof := &profile.UserProfile{
		UserID:  "user-1",
		Metrics: profile.BehaviorMetrics{LastLoginAt: now.Add(-48 * time.Hour)},
	}

	v, err := Extract("user-1", nil, prof, now)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if v.DaysSinceLastLogin < 1.9 || v.DaysSinceLastLogin > 2.1 {
		t.Errorf("expected ~2 days since last login, got %g", v.DaysSinceLastLogin)
	}
}

func TestVector_Validate(t *testing.T) {
	v := &Vector{PlatformPattern: PlatformMixed}
	if err := v.Validate(); err != nil {
		t.Errorf("zero vector should validate: %v", err)
	}

	v.ErrorRate = 120
	if err := v.Validate(); err == nil {
		t.Error("expected error for errorRate > 100")
	}

	v.ErrorRate = 0
	v.PlatformPattern = "desktop"
	if err := v.Validate(); err == nil {
		t.Error("expected error for invalid platform pattern")
	}
}

func TestVector_Floats(t *testing.T) {
	v := &Vector{PlatformPattern: PlatformWeb, StruggleSignalCount: 3}
	fs := v.Floats()
	if len(fs) != Dimensions {
		t.Fatalf("expected %d floats, got %d", Dimensions, len(fs))
	}
	if fs[0] != 3 {
		t.Errorf("expected struggle count first, got %g", fs[0])
	}
	if fs[12] != 0 {
		t.Errorf("expected web encoded as 0, got %g", fs[12])
	}
}
