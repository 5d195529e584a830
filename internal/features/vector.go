// Package features converts recent event history into the fixed-size
// feature vector consumed by the exit-risk model.
package features

import (
	"fmt"
	"math"
)

// PlatformPattern values.
const (
	PlatformWeb    = "web"
	PlatformMobile = "mobile"
	PlatformMixed  = "mixed"
)

// Dimensions is the size of the numeric feature vector sent to the model.
const Dimensions = 13

// Vector is the 13-dimension behavioral feature vector. Field order
// matches the model's training layout; Floats() flattens in this order.
type Vector struct {
	StruggleSignalCount     float64 `json:"struggleSignalCount"`     // >= 0
	VideoEngagementScore    float64 `json:"videoEngagementScore"`    // 0-100
	FeatureCompletionRate   float64 `json:"featureCompletionRate"`   // 0-100
	SessionFrequencyTrend   float64 `json:"sessionFrequencyTrend"`   // events/day slope, finite
	SupportInteractionCount float64 `json:"supportInteractionCount"` // >= 0
	DaysSinceLastLogin      float64 `json:"daysSinceLastLogin"`      // >= 0
	ApplicationProgress     float64 `json:"applicationProgress"`     // 0-100
	AvgSessionDuration      float64 `json:"avgSessionDuration"`      // seconds, >= 0
	TotalSessions           float64 `json:"totalSessions"`           // >= 0
	ErrorRate               float64 `json:"errorRate"`               // 0-100
	HelpSeekingScore        float64 `json:"helpSeekingScore"`        // 0-100
	ContentEngagementScore  float64 `json:"contentEngagementScore"`  // 0-100
	PlatformPattern         string  `json:"platformUsagePattern"`    // web, mobile, mixed
}

// platformCode encodes the categorical pattern for the numeric payload.
func platformCode(p string) float64 {
	switch p {
	case PlatformWeb:
		return 0
	case PlatformMobile:
		return 1
	default:
		return 2
	}
}

// Floats flattens the vector into the model's 13-float input layout.
func (v *Vector) Floats() []float64 {
	return []float64{
		v.StruggleSignalCount,
		v.VideoEngagementScore,
		v.FeatureCompletionRate,
		v.SessionFrequencyTrend,
		v.SupportInteractionCount,
		v.DaysSinceLastLogin,
		v.ApplicationProgress,
		v.AvgSessionDuration,
		v.TotalSessions,
		v.ErrorRate,
		v.HelpSeekingScore,
		v.ContentEngagementScore,
		platformCode(v.PlatformPattern),
	}
}

// Validate checks every field against its documented bounds. A vector
// that fails validation must never be sent to the model.
func (v *Vector) Validate() error {
	checks := []struct {
		name     string
		val      float64
		min, max float64
	}{
		{"struggleSignalCount", v.StruggleSignalCount, 0, math.MaxFloat64},
		{"videoEngagementScore", v.VideoEngagementScore, 0, 100},
		{"featureCompletionRate", v.FeatureCompletionRate, 0, 100},
		{"supportInteractionCount", v.SupportInteractionCount, 0, math.MaxFloat64},
		{"daysSinceLastLogin", v.DaysSinceLastLogin, 0, math.MaxFloat64},
		{"applicationProgress", v.ApplicationProgress, 0, 100},
		{"avgSessionDuration", v.AvgSessionDuration, 0, math.MaxFloat64},
		{"totalSessions", v.TotalSessions, 0, math.MaxFloat64},
		{"errorRate", v.ErrorRate, 0, 100},
		{"helpSeekingScore", v.HelpSeekingScore, 0, 100},
		{"contentEngagementScore", v.ContentEngagementScore, 0, 100},
	}
	for _, c := range checks {
		if math.IsNaN(c.val) || math.IsInf(c.val, 0) {
			return fmt.Errorf("feature %s is not finite", c.name)
		}
		if c.val < c.min || c.val > c.max {
			return fmt.Errorf("feature %s out of bounds: %g", c.name, c.val)
		}
	}
	if math.IsNaN(v.SessionFrequencyTrend) || math.IsInf(v.SessionFrequencyTrend, 0) {
		return fmt.Errorf("feature sessionFrequencyTrend is not finite")
	}
	switch v.PlatformPattern {
	case PlatformWeb, PlatformMobile, PlatformMixed:
	default:
		return fmt.Errorf("invalid platform pattern %q", v.PlatformPattern)
	}
	return nil
}
