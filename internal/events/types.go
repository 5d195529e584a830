// Package events defines the behavioral event model, validation rules,
// and event history stores.
package events

import (
	"time"
)

// Type identifies the kind of behavioral event.
type Type string

const (
	TypePageView           Type = "page_view"
	TypeFeatureInteraction Type = "feature_interaction"
	TypeVideoEngagement    Type = "video_engagement"
	TypeStruggleSignal     Type = "struggle_signal"
	TypeUserAction         Type = "user_action"
	TypeErrorEvent         Type = "error_event"
)

// Types lists all valid event types.
var Types = []Type{
	TypePageView,
	TypeFeatureInteraction,
	TypeVideoEngagement,
	TypeStruggleSignal,
	TypeUserAction,
	TypeErrorEvent,
}

// IsValidType reports whether t is a known event type.
func IsValidType(t Type) bool {
	for _, v := range Types {
		if v == t {
			return true
		}
	}
	return false
}

// EventData is the typed event payload. All fields are optional at the
// struct level; per-type required fields are enforced by Validate.
// Pointer fields distinguish "absent" from zero values where that matters
// (a failed interaction carries Success=false, not a missing Success).
type EventData struct {
	Feature        string   `json:"feature,omitempty"`
	Success        *bool    `json:"success,omitempty"`
	AttemptCount   int      `json:"attemptCount,omitempty"`
	VideoID        string   `json:"videoId,omitempty"`
	WatchDuration  float64  `json:"watchDuration,omitempty"`  // seconds
	Duration       float64  `json:"duration,omitempty"`       // seconds
	CompletionRate *float64 `json:"completionRate,omitempty"` // 0-100
	ErrorType      string   `json:"errorType,omitempty"`
	Page           string   `json:"page,omitempty"`
	Action         string   `json:"action,omitempty"`
}

// Failed reports whether the payload represents an unsuccessful interaction.
func (d *EventData) Failed() bool {
	return d.Success != nil && !*d.Success
}

// DeviceInfo describes the client device that produced the event.
type DeviceInfo struct {
	Platform    string `json:"platform"` // web, ios, android
	AppVersion  string `json:"appVersion,omitempty"`
	DeviceModel string `json:"deviceModel,omitempty"`
}

// UserContext carries session-level context attached by the client.
type UserContext struct {
	UserSegment     string   `json:"userSegment,omitempty"` // new, active, engaged, at_risk
	SessionStage    string   `json:"sessionStage,omitempty"`
	PreviousActions []string `json:"previousActions,omitempty"`
}

// UserEvent is a single behavioral event emitted by a client.
type UserEvent struct {
	EventID   string       `json:"eventId"`
	UserID    string       `json:"userId"`
	SessionID string       `json:"sessionId"`
	EventType Type         `json:"eventType"`
	Timestamp time.Time    `json:"timestamp"`
	Data      EventData    `json:"eventData"`
	Device    *DeviceInfo  `json:"deviceInfo,omitempty"`
	Context   *UserContext `json:"userContext,omitempty"`
}

// Platforms lists accepted device platforms.
var Platforms = []string{"web", "ios", "android"}

// UserSegments lists accepted user segments.
var UserSegments = []string{"new", "active", "engaged", "at_risk"}

// Timestamp acceptance window relative to processing time. Events older
// than MaxEventAge or further in the future than MaxClockSkew are rejected.
const (
	MaxEventAge  = 24 * time.Hour
	MaxClockSkew = 5 * time.Minute
)

// MaxAttemptCount is a sanity cap; counts above it indicate client bugs.
const MaxAttemptCount = 50
