// Package prediction obtains exit-risk scores from an external inference
// endpoint, layering caching, circuit breaking, and retries around the
// raw HTTP call. Each layer wraps a Scorer and is testable on its own.
package prediction

import (
	"context"
	"time"

	"github.com/mbd888/exitwatch/internal/features"
	"github.com/mbd888/exitwatch/internal/risk"
)

// Result is a completed prediction. Either RiskScore/RiskLevel are
// populated (possibly via fallback) or Err describes a hard failure;
// never both.
type Result struct {
	UserID          string     `json:"userId"`
	RiskScore       float64    `json:"riskScore"`
	RiskLevel       risk.Level `json:"riskLevel"`
	Recommendations []string   `json:"recommendations"`
	ComputedAt      time.Time  `json:"computedAt"`
	Fallback        bool       `json:"fallback,omitempty"`
	Err             string     `json:"error,omitempty"`
}

// Scorer produces a risk prediction for one user's feature vector.
type Scorer interface {
	Predict(ctx context.Context, userID string, v *features.Vector) (*Result, error)
}

// FallbackScore is the neutral score assigned when the model is
// unreachable: squarely MEDIUM, never alarming, never dismissive.
const FallbackScore = 50.0

// NewFallback builds the rule-based result used when the upstream model
// cannot be reached. It carries a valid score so downstream consumers
// keep working, and is marked so callers can surface the degradation.
func NewFallback(userID string, classifier *risk.Classifier) *Result {
	level, recs := classifier.Classify(FallbackScore)
	recs = append(recs, "Prediction service temporarily unavailable; neutral score assigned")
	return &Result{
		UserID:          userID,
		RiskScore:       FallbackScore,
		RiskLevel:       level,
		Recommendations: recs,
		ComputedAt:      time.Now(),
		Fallback:        true,
	}
}
