// Package collector orchestrates the event pipeline: validation,
// enrichment, persistence, struggle accounting, downstream relay, and
// on-demand risk insights.
package collector

import (
	"context"
	"log/slog"
	"time"

	"github.com/mbd888/exitwatch/internal/events"
	"github.com/mbd888/exitwatch/internal/features"
	"github.com/mbd888/exitwatch/internal/idgen"
	"github.com/mbd888/exitwatch/internal/logging"
	"github.com/mbd888/exitwatch/internal/metrics"
	"github.com/mbd888/exitwatch/internal/prediction"
	"github.com/mbd888/exitwatch/internal/profile"
	"github.com/mbd888/exitwatch/internal/realtime"
	"github.com/mbd888/exitwatch/internal/relay"
	"github.com/mbd888/exitwatch/internal/risk"
	"github.com/mbd888/exitwatch/internal/struggle"
	"github.com/mbd888/exitwatch/internal/syncutil"
	"github.com/mbd888/exitwatch/internal/traces"
	"github.com/mbd888/exitwatch/internal/validation"
)

// attemptWindow bounds how far back repeated attempts on the same
// feature are counted during enrichment.
const attemptWindow = 5 * time.Minute

// Ack is the per-event acceptance receipt.
type Ack struct {
	EventID  string `json:"eventId"`
	Status   string `json:"status"`
	Upgraded bool   `json:"upgraded,omitempty"` // repeated failure promoted to struggle_signal
}

// BatchItem is one entry of a batch response. Accepted items carry an
// Ack; rejected items carry validation errors. One bad event never
// affects its neighbors.
type BatchItem struct {
	EventID string                      `json:"eventId"`
	Status  string                      `json:"status"` // accepted, rejected
	Errors  validation.ValidationErrors `json:"errors,omitempty"`
}

// Insights is the per-user risk report. It is always returned as an
// object; degraded dependencies populate Error instead of failing the
// request.
type Insights struct {
	UserID          string            `json:"userId"`
	RiskScore       float64           `json:"riskScore"`
	RiskLevel       risk.Level        `json:"riskLevel"`
	Recommendations []string          `json:"recommendations"`
	BehaviorMetrics *features.Vector  `json:"behaviorMetrics,omitempty"`
	StruggleSignals []struggle.Signal `json:"struggleSignals"`
	LastUpdated     time.Time         `json:"lastUpdated"`
	Error           string            `json:"error,omitempty"`
}

// Service wires the pipeline stages together.
type Service struct {
	store       events.Store
	profiles    profile.Source
	accumulator *struggle.Accumulator
	predictor   prediction.Scorer
	classifier  *risk.Classifier
	relay       *relay.Relay
	hub         *realtime.Hub
	locks       syncutil.ShardedMutex
	logger      *slog.Logger
	window      time.Duration
	nowFn       func() time.Time
}

// NewService creates the orchestrator. relay and hub may be nil when
// those surfaces are disabled.
func NewService(
	store events.Store,
	profiles profile.Source,
	accumulator *struggle.Accumulator,
	predictor prediction.Scorer,
	classifier *risk.Classifier,
	rl *relay.Relay,
	hub *realtime.Hub,
	window time.Duration,
	logger *slog.Logger,
) *Service {
	if window <= 0 {
		window = struggle.DefaultWindow
	}
	return &Service{
		store:       store,
		profiles:    profiles,
		accumulator: accumulator,
		predictor:   predictor,
		classifier:  classifier,
		relay:       rl,
		hub:         hub,
		window:      window,
		logger:      logger,
		nowFn:       time.Now,
	}
}

// ProcessEvent runs one event through the full pipeline. On validation
// failure it returns the errors and touches nothing.
func (s *Service) ProcessEvent(ctx context.Context, ev *events.UserEvent) (*Ack, validation.ValidationErrors, error) {
	ctx, span := traces.StartSpan(ctx, "collector.process_event",
		traces.UserID(ev.UserID), traces.EventType(string(ev.EventType)))
	defer span.End()

	// Event id assignment is ingest bookkeeping, not client data.
	if ev.EventID == "" {
		ev.EventID = idgen.WithPrefix("evt_")
	}

	now := s.nowFn()
	if errs := events.Validate(ev, now); len(errs) > 0 {
		metrics.EventsRejectedTotal.WithLabelValues(errs[0].Field).Inc()
		return nil, errs, nil
	}

	upgraded, err := s.enrich(ctx, ev, now)
	if err != nil {
		return nil, nil, err
	}
	if upgraded {
		s.logger.Info("repeated failure promoted to struggle signal",
			"user_id", ev.UserID, "feature", ev.Data.Feature, "attempts", ev.Data.AttemptCount)
	}

	if err := s.store.Append(ctx, ev); err != nil {
		logging.L(ctx).Error("event append failed", "event_id", ev.EventID, "error", err)
		return nil, nil, err
	}

	if sig, ok := s.accumulator.Record(ev); ok && s.hub != nil {
		s.hub.BroadcastStruggle(map[string]interface{}{
			"userId":   ev.UserID,
			"feature":  sig.Feature,
			"severity": string(sig.Severity),
			"count":    sig.Count,
		})
	}

	if s.relay != nil {
		s.relay.Emit(ev)
	}
	if s.hub != nil {
		s.hub.BroadcastEventAccepted(map[string]interface{}{
			"userId":    ev.UserID,
			"eventId":   ev.EventID,
			"eventType": string(ev.EventType),
		})
	}

	metrics.EventsAcceptedTotal.WithLabelValues(string(ev.EventType)).Inc()
	return &Ack{EventID: ev.EventID, Status: "accepted", Upgraded: upgraded}, nil, nil
}

// enrich fills ingest defaults and derives attempt context. Per-user
// serialization keeps attempt derivation stable when a client bursts
// events for the same feature.
func (s *Service) enrich(ctx context.Context, ev *events.UserEvent, now time.Time) (bool, error) {
	unlock := s.locks.Lock(ev.UserID)
	defer unlock()

	if ev.Device == nil {
		ev.Device = &events.DeviceInfo{Platform: "web"}
	}
	if ev.Context == nil {
		segment := "new"
		if prof, err := s.profiles.Get(ctx, ev.UserID); err == nil && prof.UserSegment != "" {
			segment = prof.UserSegment
		}
		ev.Context = &events.UserContext{UserSegment: segment}
	}

	upgraded := false
	if ev.EventType == events.TypeFeatureInteraction && ev.Data.Feature != "" {
		if ev.Data.AttemptCount == 0 {
			n, err := s.recentAttempts(ctx, ev, now)
			if err != nil {
				return false, err
			}
			ev.Data.AttemptCount = n + 1
		}
		// A repeated failure is a struggle signal the client didn't
		// label: promote it so the accumulator sees it.
		if ev.Data.Failed() && ev.Data.AttemptCount >= 2 {
			ev.EventType = events.TypeStruggleSignal
			upgraded = true
		}
	}
	return upgraded, nil
}

// recentAttempts counts prior interactions with the same feature inside
// the attempt window.
func (s *Service) recentAttempts(ctx context.Context, ev *events.UserEvent, now time.Time) (int, error) {
	recent, err := s.store.RecentByUser(ctx, ev.UserID, now.Add(-attemptWindow))
	if err != nil {
		return 0, err
	}
	n := 0
	for _, prev := range recent {
		if prev.Data.Feature == ev.Data.Feature &&
			(prev.EventType == events.TypeFeatureInteraction || prev.EventType == events.TypeStruggleSignal) {
			n++
		}
	}
	return n, nil
}

// ProcessBatch processes events independently: the response always has
// one entry per input, in order, and a failing event never aborts the
// rest.
func (s *Service) ProcessBatch(ctx context.Context, batch []*events.UserEvent) []BatchItem {
	ctx, span := traces.StartSpan(ctx, "collector.process_batch", traces.BatchSize(len(batch)))
	defer span.End()

	out := make([]BatchItem, 0, len(batch))
	for _, ev := range batch {
		ack, errs, err := s.ProcessEvent(ctx, ev)
		switch {
		case err != nil:
			out = append(out, BatchItem{EventID: ev.EventID, Status: "rejected", Errors: validation.ValidationErrors{
				{Field: "event", Message: "internal error"},
			}})
		case len(errs) > 0:
			out = append(out, BatchItem{EventID: ev.EventID, Status: "rejected", Errors: errs})
		default:
			out = append(out, BatchItem{EventID: ack.EventID, Status: "accepted"})
		}
	}
	return out
}

// GetInsights assembles the risk report for one user. It always returns
// an Insights object; degradation is reported in its Error field, never
// as a request failure.
func (s *Service) GetInsights(ctx context.Context, userID string) *Insights {
	ctx, span := traces.StartSpan(ctx, "collector.get_insights", traces.UserID(userID))
	defer span.End()

	now := s.nowFn()
	ins := &Insights{
		UserID:          userID,
		StruggleSignals: s.accumulator.Snapshot(userID),
		LastUpdated:     now,
	}
	if ins.StruggleSignals == nil {
		ins.StruggleSignals = []struggle.Signal{}
	}

	var prof *profile.UserProfile
	if p, err := s.profiles.Get(ctx, userID); err == nil {
		prof = p
	}

	history, err := s.store.RecentByUser(ctx, userID, now.Add(-s.window))
	if err != nil {
		logging.L(ctx).Error("history lookup failed", "user_id", userID, "error", err)
		s.degrade(ins, "event history unavailable")
		return ins
	}

	vec, err := features.Extract(userID, history, prof, now)
	if err != nil {
		// A bounds violation means a bug upstream; fail closed rather
		// than feed the model garbage.
		logging.L(ctx).Error("feature vector invalid", "user_id", userID, "error", err)
		s.degrade(ins, "feature extraction failed")
		return ins
	}
	ins.BehaviorMetrics = vec

	res, err := s.predictor.Predict(ctx, userID, vec)
	if err != nil {
		logging.L(ctx).Error("prediction failed", "user_id", userID, "error", err)
		s.degrade(ins, "prediction unavailable")
		return ins
	}

	ins.RiskScore = res.RiskScore
	ins.RiskLevel = res.RiskLevel
	ins.Recommendations = res.Recommendations
	if res.Fallback {
		ins.Error = "prediction service degraded; neutral score assigned"
	} else if dominant := s.accumulator.DominantFeature(userID); dominant != "" {
		// Re-classify with struggle context for a targeted hint.
		ins.RiskLevel, ins.Recommendations = s.classifier.ClassifyWithContext(res.RiskScore, dominant)
	}

	span.SetAttributes(traces.RiskScore(ins.RiskScore), traces.RiskLevel(string(ins.RiskLevel)))

	if ins.RiskLevel == risk.LevelHigh && s.hub != nil {
		s.hub.BroadcastRiskAlert(map[string]interface{}{
			"userId":    userID,
			"riskScore": ins.RiskScore,
			"riskLevel": string(ins.RiskLevel),
		})
	}
	return ins
}

// degrade fills neutral classification plus the degradation note.
func (s *Service) degrade(ins *Insights, reason string) {
	ins.RiskScore = prediction.FallbackScore
	level, recs := s.classifier.Classify(prediction.FallbackScore)
	ins.RiskLevel = level
	ins.Recommendations = recs
	ins.Error = reason
}

// Struggles returns the active struggle snapshot for one user.
func (s *Service) Struggles(userID string) []struggle.Signal {
	sigs := s.accumulator.Snapshot(userID)
	if sigs == nil {
		sigs = []struggle.Signal{}
	}
	return sigs
}

// RecentEvents returns a user's stored events inside the window.
func (s *Service) RecentEvents(ctx context.Context, userID string) ([]*events.UserEvent, error) {
	return s.store.RecentByUser(ctx, userID, s.nowFn().Add(-s.window))
}
