package prediction

import (
	"context"
	"errors"

	"github.com/mbd888/exitwatch/internal/circuitbreaker"
	"github.com/mbd888/exitwatch/internal/features"
	"github.com/mbd888/exitwatch/internal/logging"
	"github.com/mbd888/exitwatch/internal/metrics"
	"github.com/mbd888/exitwatch/internal/risk"
)

// ErrCircuitOpen is returned internally when the breaker short-circuits;
// callers of BreakerScorer only ever see the fallback result.
var ErrCircuitOpen = errors.New("prediction circuit open")

// breakerKey is the single breaker key: the upstream is one endpoint,
// so all users share its health.
const breakerKey = "inference"

// BreakerScorer wraps a Scorer with a circuit breaker and converts
// upstream failures into neutral fallback results. It never returns an
// error: degraded prediction is a soft state, not a request failure.
type BreakerScorer struct {
	inner      Scorer
	breaker    *circuitbreaker.Breaker
	classifier *risk.Classifier
}

// NewBreakerScorer wraps inner with the given breaker.
func NewBreakerScorer(inner Scorer, breaker *circuitbreaker.Breaker, classifier *risk.Classifier) *BreakerScorer {
	return &BreakerScorer{inner: inner, breaker: breaker, classifier: classifier}
}

var _ Scorer = (*BreakerScorer)(nil)

func (b *BreakerScorer) Predict(ctx context.Context, userID string, v *features.Vector) (*Result, error) {
	if !b.breaker.Allow(breakerKey) {
		metrics.PredictionRequestsTotal.WithLabelValues("fallback").Inc()
		logging.L(ctx).Warn("prediction circuit open, serving fallback", "user_id", userID)
		return NewFallback(userID, b.classifier), nil
	}

	res, err := b.inner.Predict(ctx, userID, v)
	if err != nil {
		// A cancelled caller says nothing about upstream health: release
		// any in-flight probe instead of counting a failure, so the
		// circuit cannot wedge in half-open.
		if ctx.Err() != nil {
			b.breaker.RecordCancel(breakerKey)
		} else {
			b.breaker.RecordFailure(breakerKey)
		}
		metrics.PredictionRequestsTotal.WithLabelValues("fallback").Inc()
		logging.L(ctx).Warn("prediction failed, serving fallback", "user_id", userID, "error", err)
		return NewFallback(userID, b.classifier), nil
	}

	b.breaker.RecordSuccess(breakerKey)
	return res, nil
}

// State exposes the breaker state for health reporting.
func (b *BreakerScorer) State() circuitbreaker.State {
	return b.breaker.State(breakerKey)
}
