// Package risk maps model scores to actionable risk levels and
// intervention recommendations.
package risk

import (
	"fmt"
)

// Level is the coarse risk classification surfaced to callers.
type Level string

const (
	LevelLow    Level = "LOW"
	LevelMedium Level = "MEDIUM"
	LevelHigh   Level = "HIGH"
)

// Thresholds partition the [0,100] score range:
// score < LowMax is LOW, score >= HighMin is HIGH, between is MEDIUM.
type Thresholds struct {
	LowMax  float64
	HighMin float64
}

// DefaultThresholds match the model's calibration.
func DefaultThresholds() Thresholds {
	return Thresholds{LowMax: 33, HighMin: 66}
}

// Validate ensures the thresholds form a monotonic partition of [0,100].
func (t Thresholds) Validate() error {
	if t.LowMax <= 0 || t.LowMax >= 100 {
		return fmt.Errorf("low threshold %g must be in (0,100)", t.LowMax)
	}
	if t.HighMin <= t.LowMax || t.HighMin > 100 {
		return fmt.Errorf("high threshold %g must be in (%g,100]", t.HighMin, t.LowMax)
	}
	return nil
}

// Classifier converts scores to levels and recommendations.
type Classifier struct {
	t Thresholds
}

// NewClassifier builds a classifier, rejecting invalid thresholds.
func NewClassifier(t Thresholds) (*Classifier, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return &Classifier{t: t}, nil
}

// Level maps a 0-100 score to its band.
func (c *Classifier) Level(score float64) Level {
	switch {
	case score >= c.t.HighMin:
		return LevelHigh
	case score < c.t.LowMax:
		return LevelLow
	default:
		return LevelMedium
	}
}

// Classify returns the level and intervention recommendations for a
// score. HIGH always carries at least one recommendation.
func (c *Classifier) Classify(score float64) (Level, []string) {
	return c.ClassifyWithContext(score, "")
}

// ClassifyWithContext adds a targeted hint when the caller knows which
// feature the user struggles with most.
func (c *Classifier) ClassifyWithContext(score float64, dominantFeature string) (Level, []string) {
	level := c.Level(score)

	var recs []string
	switch level {
	case LevelLow:
		recs = append(recs,
			"Continue current engagement strategy",
			"Monitor for changes in behavior",
		)
	case LevelMedium:
		recs = append(recs,
			"Schedule a check-in with the user",
			"Send a tutorial for features the user struggled with",
			"Highlight unused features matching the user's goals",
		)
	case LevelHigh:
		recs = append(recs,
			"Immediate outreach recommended",
			"Offer a guided onboarding session",
			"Escalate to the customer success team",
		)
	}

	// Score-driven escalations on top of the band defaults.
	if score > 80 {
		recs = append(recs, "Escalate to a retention specialist immediately")
	} else if score > 70 {
		recs = append(recs, "Offer a personal onboarding call")
	}

	if dominantFeature != "" && level != LevelLow {
		recs = append(recs, fmt.Sprintf("Target assistance at %q, the user's biggest struggle", dominantFeature))
	}

	return level, recs
}
