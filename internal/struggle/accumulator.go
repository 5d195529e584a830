// Package struggle maintains sliding-window counters of struggle signals
// per (user, feature) pair and derives severity ratings from them.
package struggle

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/mbd888/exitwatch/internal/events"
	"github.com/mbd888/exitwatch/internal/metrics"
)

// Severity rates how stuck a user is on a feature.
type Severity string

const (
	SeverityLow    Severity = "low"    // 1-2 occurrences in window
	SeverityMedium Severity = "medium" // 3-4 occurrences
	SeverityHigh   Severity = "high"   // 5+ occurrences
)

// Signal is an active struggle window for one (user, feature) pair.
type Signal struct {
	Feature  string    `json:"feature"`
	Severity Severity  `json:"severity"`
	Count    int       `json:"count"`
	LastSeen time.Time `json:"lastSeen"`
}

// window holds the occurrence timestamps for one (user, feature) key.
// Each window has its own mutex so different users never contend.
type window struct {
	mu       sync.Mutex
	userID   string
	feature  string
	times    []time.Time
	lastSeen time.Time // max event timestamp observed, not last write
}

// DefaultWindow is the sliding window length.
const DefaultWindow = 7 * 24 * time.Hour

// Accumulator tracks struggle windows across all users.
type Accumulator struct {
	windows sync.Map // "userID\x00feature" -> *window
	window  time.Duration
	tracked atomic.Int64
	nowFn   func() time.Time
}

// New creates an accumulator with the given sliding window length.
func New(windowLen time.Duration) *Accumulator {
	if windowLen <= 0 {
		windowLen = DefaultWindow
	}
	return &Accumulator{
		window: windowLen,
		nowFn:  time.Now,
	}
}

func key(userID, feature string) string {
	return userID + "\x00" + feature
}

// qualifies reports whether an event counts as a struggle occurrence:
// an explicit struggle_signal, or a feature_interaction that failed.
func qualifies(ev *events.UserEvent) bool {
	switch ev.EventType {
	case events.TypeStruggleSignal:
		return ev.Data.Feature != ""
	case events.TypeFeatureInteraction:
		return ev.Data.Feature != "" && ev.Data.Failed()
	default:
		return false
	}
}

// Record feeds one event into the accumulator. Non-qualifying events are
// ignored. Returns the resulting signal and whether the event qualified.
func (a *Accumulator) Record(ev *events.UserEvent) (Signal, bool) {
	if !qualifies(ev) {
		return Signal{}, false
	}

	k := key(ev.UserID, ev.Data.Feature)
	v, loaded := a.windows.Load(k)
	if !loaded {
		v, loaded = a.windows.LoadOrStore(k, &window{userID: ev.UserID, feature: ev.Data.Feature})
		if !loaded {
			a.tracked.Add(1)
			metrics.StruggleWindowsTracked.Set(float64(a.tracked.Load()))
		}
	}
	w := v.(*window)

	now := a.nowFn()
	w.mu.Lock()
	w.times = append(w.times, ev.Timestamp)
	// Max-timestamp: an out-of-order replay of an older event must not
	// move lastSeen backwards.
	if ev.Timestamp.After(w.lastSeen) {
		w.lastSeen = ev.Timestamp
	}
	w.prune(now.Add(-a.window))
	sig := w.signal(now, a.window)
	w.mu.Unlock()

	metrics.StruggleSignalsTotal.WithLabelValues(string(sig.Severity)).Inc()
	return sig, true
}

// prune drops occurrences older than the cutoff. Caller holds w.mu.
func (w *window) prune(cutoff time.Time) {
	i := 0
	for _, t := range w.times {
		if !t.Before(cutoff) {
			w.times[i] = t
			i++
		}
	}
	w.times = w.times[:i]
}

// signal derives the current severity. Caller holds w.mu.
func (w *window) signal(now time.Time, windowLen time.Duration) Signal {
	sev := severityForCount(len(w.times))
	// Stale struggles matter less: once the newest occurrence has aged
	// past half the window, decay severity one notch.
	if now.Sub(w.lastSeen) > windowLen/2 {
		sev = decay(sev)
	}
	return Signal{
		Feature:  w.feature,
		Severity: sev,
		Count:    len(w.times),
		LastSeen: w.lastSeen,
	}
}

func severityForCount(n int) Severity {
	switch {
	case n >= 5:
		return SeverityHigh
	case n >= 3:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

func decay(s Severity) Severity {
	switch s {
	case SeverityHigh:
		return SeverityMedium
	case SeverityMedium:
		return SeverityLow
	default:
		return SeverityLow
	}
}

// Snapshot returns the active signals for a user. Windows whose
// occurrences have all aged out are evicted on the way through.
func (a *Accumulator) Snapshot(userID string) []Signal {
	now := a.nowFn()
	cutoff := now.Add(-a.window)

	var out []Signal
	a.windows.Range(func(k, v interface{}) bool {
		w := v.(*window)
		if w.userID != userID {
			return true
		}
		w.mu.Lock()
		w.prune(cutoff)
		if len(w.times) == 0 {
			w.mu.Unlock()
			a.evict(k)
			return true
		}
		out = append(out, w.signal(now, a.window))
		w.mu.Unlock()
		return true
	})
	return out
}

// DominantFeature returns the feature with the highest occurrence count
// for a user, or "" if the user has no active struggles. Ties break on
// most recent lastSeen.
func (a *Accumulator) DominantFeature(userID string) string {
	var (
		best     string
		bestN    int
		bestSeen time.Time
	)
	for _, sig := range a.Snapshot(userID) {
		if sig.Count > bestN || (sig.Count == bestN && sig.LastSeen.After(bestSeen)) {
			best = sig.Feature
			bestN = sig.Count
			bestSeen = sig.LastSeen
		}
	}
	return best
}

// Sweep evicts all windows with no occurrences inside the current window.
// Run periodically to bound memory for abandoned users. Returns the
// number of windows removed.
func (a *Accumulator) Sweep() int {
	cutoff := a.nowFn().Add(-a.window)

	removed := 0
	a.windows.Range(func(k, v interface{}) bool {
		w := v.(*window)
		w.mu.Lock()
		w.prune(cutoff)
		empty := len(w.times) == 0
		w.mu.Unlock()
		if empty {
			a.evict(k)
			removed++
		}
		return true
	})
	return removed
}

func (a *Accumulator) evict(k interface{}) {
	if _, loaded := a.windows.LoadAndDelete(k); loaded {
		a.tracked.Add(-1)
		metrics.StruggleWindowsTracked.Set(float64(a.tracked.Load()))
	}
}

// Tracked returns the number of windows currently held.
func (a *Accumulator) Tracked() int {
	return int(a.tracked.Load())
}
