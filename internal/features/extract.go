package features

import (
	"math"
	"sort"
	"strings"
	"time"

	"github.com/mbd888/exitwatch/internal/events"
	"github.com/mbd888/exitwatch/internal/profile"
)

// Milestones are the onboarding funnel steps that drive application
// progress. A milestone counts once a successful interaction with its
// feature is seen.
var Milestones = []string{
	"registration",
	"profile_setup",
	"document_upload",
	"verification",
	"application_submit",
	"approval",
}

// maxSessionDuration caps session length; anything longer is an idle tab
// left open, not a session.
const maxSessionDuration = time.Hour

// helpFeatureMarkers identify help-seeking features by substring.
var helpFeatureMarkers = []string{"help", "tutorial", "guide", "support", "faq"}

// Extract computes the feature vector for one user from recent event
// history and an optional profile. It is pure: same inputs, same vector.
// An empty history yields an all-zero vector with a mixed platform
// pattern, which is still valid. The returned vector is always
// bounds-checked; a violation returns a nil vector and the error.
func Extract(userID string, evs []*events.UserEvent, prof *profile.UserProfile, now time.Time) (*Vector, error) {
	v := &Vector{PlatformPattern: PlatformMixed}

	if len(evs) > 0 {
		v.StruggleSignalCount = struggleCount(evs)
		v.VideoEngagementScore = videoEngagement(evs)
		v.FeatureCompletionRate = completionRate(evs)
		v.SessionFrequencyTrend = sessionTrend(evs, now)
		v.ApplicationProgress = applicationProgress(evs)
		v.AvgSessionDuration, v.TotalSessions = sessionStats(evs)
		v.ErrorRate = errorRate(evs)
		v.HelpSeekingScore = helpSeeking(evs)
		v.ContentEngagementScore = contentEngagement(evs)
		v.PlatformPattern = platformPattern(evs)
		v.DaysSinceLastLogin = daysSince(lastTimestamp(evs), now)
	}

	v.SupportInteractionCount = supportInteractions(evs, prof)

	// Profile data wins over event-derived recency when present.
	if prof != nil && !prof.Metrics.LastLoginAt.IsZero() {
		v.DaysSinceLastLogin = daysSince(prof.Metrics.LastLoginAt, now)
	}

	if err := v.Validate(); err != nil {
		return nil, err
	}
	return v, nil
}

func struggleCount(evs []*events.UserEvent) float64 {
	n := 0
	for _, ev := range evs {
		if ev.EventType == events.TypeStruggleSignal {
			n++
		}
	}
	return float64(n)
}

// videoEngagement is mean completion weighted by sample confidence:
// fewer than 5 samples scales the score down proportionally. Video
// events without a completion rate carry no signal and are skipped.
func videoEngagement(evs []*events.UserEvent) float64 {
	var sum float64
	n := 0
	for _, ev := range evs {
		if ev.EventType != events.TypeVideoEngagement || ev.Data.CompletionRate == nil {
			continue
		}
		n++
		sum += *ev.Data.CompletionRate
	}
	if n == 0 {
		return 0
	}
	avg := sum / float64(n)
	confidence := math.Min(1, float64(n)/5)
	return clamp(avg*confidence, 0, 100)
}

// completionRate looks at each feature's most recent interaction: a
// feature counts as completed if that interaction succeeded.
func completionRate(evs []*events.UserEvent) float64 {
	latest := make(map[string]*events.UserEvent)
	for _, ev := range evs {
		if ev.EventType != events.TypeFeatureInteraction || ev.Data.Feature == "" {
			continue
		}
		prev, ok := latest[ev.Data.Feature]
		if !ok || ev.Timestamp.After(prev.Timestamp) {
			latest[ev.Data.Feature] = ev
		}
	}
	if len(latest) == 0 {
		return 0
	}
	completed := 0
	for _, ev := range latest {
		if ev.Data.Success == nil || *ev.Data.Success {
			completed++
		}
	}
	return clamp(float64(completed)/float64(len(latest))*100, 0, 100)
}

// sessionTrend fits a least-squares line through daily event counts and
// returns the slope in events per day. Positive means accelerating
// activity, negative means the user is drifting away.
func sessionTrend(evs []*events.UserEvent, now time.Time) float64 {
	daily := make(map[int]float64)
	minDay, maxDay := math.MaxInt32, math.MinInt32
	for _, ev := range evs {
		day := int(now.Sub(ev.Timestamp).Hours() / 24)
		daily[-day]++ // negate so later days sort higher
		if -day < minDay {
			minDay = -day
		}
		if -day > maxDay {
			maxDay = -day
		}
	}
	if maxDay-minDay < 1 {
		return 0 // Single day of data: no trend
	}

	var xs, ys []float64
	for d := minDay; d <= maxDay; d++ {
		xs = append(xs, float64(d))
		ys = append(ys, daily[d])
	}
	return slope(xs, ys)
}

// slope computes the least-squares regression slope.
func slope(xs, ys []float64) float64 {
	n := float64(len(xs))
	var sumX, sumY, sumXY, sumXX float64
	for i := range xs {
		sumX += xs[i]
		sumY += ys[i]
		sumXY += xs[i] * ys[i]
		sumXX += xs[i] * xs[i]
	}
	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		return 0
	}
	return (n*sumXY - sumX*sumY) / denom
}

func supportInteractions(evs []*events.UserEvent, prof *profile.UserProfile) float64 {
	n := 0
	for _, ev := range evs {
		switch ev.EventType {
		case events.TypeUserAction:
			if strings.Contains(ev.Data.Action, "support") || strings.Contains(ev.Data.Action, "contact") {
				n++
			}
		case events.TypeFeatureInteraction, events.TypeStruggleSignal:
			if isHelpFeature(ev.Data.Feature) {
				n++
			}
		}
	}
	// Thin event history: fall back to the profile's aggregate.
	if prof != nil && n < prof.Metrics.SupportInteractions {
		n = prof.Metrics.SupportInteractions
	}
	return float64(n)
}

func daysSince(t time.Time, now time.Time) float64 {
	if t.IsZero() || t.After(now) {
		return 0
	}
	return now.Sub(t).Hours() / 24
}

func lastTimestamp(evs []*events.UserEvent) time.Time {
	var last time.Time
	for _, ev := range evs {
		if ev.Timestamp.After(last) {
			last = ev.Timestamp
		}
	}
	return last
}

func applicationProgress(evs []*events.UserEvent) float64 {
	done := make(map[string]bool)
	for _, ev := range evs {
		if ev.EventType != events.TypeFeatureInteraction {
			continue
		}
		if ev.Data.Success != nil && !*ev.Data.Success {
			continue
		}
		for _, m := range Milestones {
			if ev.Data.Feature == m {
				done[m] = true
			}
		}
	}
	return clamp(float64(len(done))/float64(len(Milestones))*100, 0, 100)
}

// sessionStats returns (avg session duration in seconds, session count).
// A session's duration is last event minus first; sessions with a single
// event contribute to the count but not the average, and sessions longer
// than an hour are excluded from the average.
func sessionStats(evs []*events.UserEvent) (float64, float64) {
	type span struct{ first, last time.Time }
	sessions := make(map[string]*span)
	for _, ev := range evs {
		if ev.SessionID == "" {
			continue
		}
		s, ok := sessions[ev.SessionID]
		if !ok {
			sessions[ev.SessionID] = &span{first: ev.Timestamp, last: ev.Timestamp}
			continue
		}
		if ev.Timestamp.Before(s.first) {
			s.first = ev.Timestamp
		}
		if ev.Timestamp.After(s.last) {
			s.last = ev.Timestamp
		}
	}

	var total float64
	n := 0
	for _, s := range sessions {
		d := s.last.Sub(s.first)
		if d <= 0 || d >= maxSessionDuration {
			continue
		}
		total += d.Seconds()
		n++
	}
	avg := 0.0
	if n > 0 {
		avg = total / float64(n)
	}
	return avg, float64(len(sessions))
}

func errorRate(evs []*events.UserEvent) float64 {
	if len(evs) == 0 {
		return 0
	}
	n := 0
	for _, ev := range evs {
		if ev.EventType == events.TypeErrorEvent {
			n++
		}
	}
	return clamp(float64(n)/float64(len(evs))*100, 0, 100)
}

func isHelpFeature(feature string) bool {
	f := strings.ToLower(feature)
	for _, marker := range helpFeatureMarkers {
		if strings.Contains(f, marker) {
			return true
		}
	}
	return false
}

// helpSeeking weights explicit help-content usage heavier than repeated
// attempts on the same feature.
func helpSeeking(evs []*events.UserEvent) float64 {
	score := 0.0
	for _, ev := range evs {
		if isHelpFeature(ev.Data.Feature) || isHelpFeature(ev.Data.Page) {
			score += 15
		} else if ev.Data.AttemptCount >= 2 {
			score += 10
		}
	}
	return clamp(score, 0, 100)
}

// contentEngagement blends completion quality with time-on-content:
// 0.6 x completion rate plus up to 40 points for average watch time,
// saturating at 5 minutes.
func contentEngagement(evs []*events.UserEvent) float64 {
	var totalDur float64
	n := 0
	for _, ev := range evs {
		if ev.EventType != events.TypeVideoEngagement {
			continue
		}
		n++
		d := ev.Data.WatchDuration
		if d == 0 {
			d = ev.Data.Duration
		}
		totalDur += d
	}
	avgDur := 0.0
	if n > 0 {
		avgDur = totalDur / float64(n)
	}
	score := 0.6*completionRate(evs) + 40*math.Min(1, avgDur/300)
	return clamp(score, 0, 100)
}

// platformPattern is the majority platform if it holds >60% share,
// otherwise mixed. Events without device info are ignored.
func platformPattern(evs []*events.UserEvent) string {
	counts := map[string]int{}
	total := 0
	for _, ev := range evs {
		if ev.Device == nil || ev.Device.Platform == "" {
			continue
		}
		p := ev.Device.Platform
		if p == "ios" || p == "android" {
			p = PlatformMobile
		}
		counts[p]++
		total++
	}
	if total == 0 {
		return PlatformMixed
	}

	// Deterministic iteration keeps Extract pure.
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if float64(counts[k])/float64(total) > 0.6 {
			if k == PlatformWeb || k == PlatformMobile {
				return k
			}
		}
	}
	return PlatformMixed
}

func clamp(v, min, max float64) float64 {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
