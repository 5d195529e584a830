package prediction

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mbd888/exitwatch/internal/features"
	"github.com/mbd888/exitwatch/internal/metrics"
	"github.com/mbd888/exitwatch/internal/retry"
	"github.com/mbd888/exitwatch/internal/risk"
	"github.com/mbd888/exitwatch/internal/traces"
)

// DefaultTimeout bounds a single upstream inference call.
const DefaultTimeout = 3 * time.Second

// maxAttempts allows exactly one retry on transient failures.
const maxAttempts = 2

// retryBaseDelay is the backoff before the single retry.
const retryBaseDelay = 200 * time.Millisecond

// HTTPScorer calls the inference endpoint directly. Wire format follows
// the SageMaker runtime convention: a JSON body of
// {"instances": [[f1, ..., f13]]} answered by {"predictions": [p]} with
// p in [0,1], or a flat {"score": p}.
type HTTPScorer struct {
	endpoint   string
	client     *http.Client
	classifier *risk.Classifier
}

// NewHTTPScorer creates the raw endpoint scorer.
func NewHTTPScorer(endpoint string, timeout time.Duration, classifier *risk.Classifier) *HTTPScorer {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &HTTPScorer{
		endpoint:   endpoint,
		client:     &http.Client{Timeout: timeout},
		classifier: classifier,
	}
}

var _ Scorer = (*HTTPScorer)(nil)

type inferenceRequest struct {
	Instances [][]float64 `json:"instances"`
}

type inferenceResponse struct {
	Predictions []json.Number `json:"predictions"`
	Score       *json.Number  `json:"score"`
}

func (s *HTTPScorer) Predict(ctx context.Context, userID string, v *features.Vector) (*Result, error) {
	ctx, span := traces.StartSpan(ctx, "prediction.predict", traces.UserID(userID))
	defer span.End()

	body, err := json.Marshal(inferenceRequest{Instances: [][]float64{v.Floats()}})
	if err != nil {
		return nil, err
	}

	var score float64
	err = retry.Do(ctx, maxAttempts, retryBaseDelay, func() error {
		var callErr error
		score, callErr = s.call(ctx, body)
		return callErr
	})
	if err != nil {
		metrics.PredictionRequestsTotal.WithLabelValues("error").Inc()
		return nil, err
	}

	metrics.PredictionRequestsTotal.WithLabelValues("ok").Inc()
	level, recs := s.classifier.Classify(score)
	span.SetAttributes(traces.RiskScore(score), traces.RiskLevel(string(level)))
	return &Result{
		UserID:          userID,
		RiskScore:       score,
		RiskLevel:       level,
		Recommendations: recs,
		ComputedAt:      time.Now(),
	}, nil
}

// call makes one HTTP round trip and parses the score.
func (s *HTTPScorer) call(ctx context.Context, body []byte) (float64, error) {
	timer := prometheus.NewTimer(metrics.PredictionDuration)
	defer timer.ObserveDuration()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return 0, retry.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, err
	}

	switch {
	case resp.StatusCode >= 500:
		return 0, fmt.Errorf("inference endpoint returned %d", resp.StatusCode)
	case resp.StatusCode >= 400:
		// Client errors won't heal on retry.
		return 0, retry.Permanent(fmt.Errorf("inference endpoint rejected request: %d", resp.StatusCode))
	}

	score, err := parseScore(raw)
	if err != nil {
		return 0, retry.Permanent(err)
	}
	return score, nil
}

// parseScore extracts the prediction from either response shape and
// normalizes it to [0,100]. Model outputs in [0,1] are scaled up.
func parseScore(raw []byte) (float64, error) {
	var resp inferenceResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return 0, fmt.Errorf("unparseable inference response: %w", err)
	}

	var num json.Number
	switch {
	case len(resp.Predictions) > 0:
		num = resp.Predictions[0]
	case resp.Score != nil:
		num = *resp.Score
	default:
		return 0, fmt.Errorf("inference response carries no prediction")
	}

	score, err := num.Float64()
	if err != nil {
		return 0, fmt.Errorf("non-numeric prediction %q", num)
	}

	if score >= 0 && score <= 1 {
		score *= 100
	}
	return clampScore(score), nil
}

func clampScore(s float64) float64 {
	if s < 0 {
		return 0
	}
	if s > 100 {
		return 100
	}
	return s
}
