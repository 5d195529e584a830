package prediction

import (
	"context"
	"time"

	"github.com/mbd888/exitwatch/internal/circuitbreaker"
	"github.com/mbd888/exitwatch/internal/features"
	"github.com/mbd888/exitwatch/internal/metrics"
	"github.com/mbd888/exitwatch/internal/risk"
)

// Client is the assembled prediction stack: cache over breaker over the
// raw HTTP scorer. The cache wrapper is exposed so the server can run
// its janitor; Breaker is exposed for health reporting.
type Client struct {
	*CacheScorer
	Breaker *BreakerScorer
}

// NewClient wires the full decorator stack. An empty endpoint yields a
// rule-based-only client that always serves the neutral fallback.
func NewClient(endpoint string, timeout, cacheTTL time.Duration, breaker *circuitbreaker.Breaker, classifier *risk.Classifier) *Client {
	var base Scorer
	if endpoint == "" {
		base = &fallbackOnlyScorer{classifier: classifier}
	} else {
		base = NewHTTPScorer(endpoint, timeout, classifier)
	}

	bs := NewBreakerScorer(base, breaker, classifier)
	return &Client{
		CacheScorer: NewCacheScorer(bs, cacheTTL),
		Breaker:     bs,
	}
}

// fallbackOnlyScorer serves neutral results when no inference endpoint
// is configured (local development, model rollout gaps).
type fallbackOnlyScorer struct {
	classifier *risk.Classifier
}

func (f *fallbackOnlyScorer) Predict(ctx context.Context, userID string, v *features.Vector) (*Result, error) {
	metrics.PredictionRequestsTotal.WithLabelValues("fallback").Inc()
	return NewFallback(userID, f.classifier), nil
}
