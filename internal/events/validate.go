package events

import (
	"fmt"
	"time"

	"github.com/mbd888/exitwatch/internal/validation"
)

// Validate checks a single event against the full rule set: identifier
// shape, type enum, timestamp window, per-type required fields, and
// cross-type field prohibitions. It is pure and idempotent: the same
// event and reference time always produce the same verdict.
func Validate(ev *UserEvent, now time.Time) validation.ValidationErrors {
	errs := validation.Validate(
		validation.Required("userId", ev.UserID),
		validation.ValidIdentifier("userId", ev.UserID),
		validation.Required("sessionId", ev.SessionID),
		validation.ValidIdentifier("sessionId", ev.SessionID),
		validation.Required("eventId", ev.EventID),
		validation.ValidIdentifier("eventId", ev.EventID),
	)

	if !IsValidType(ev.EventType) {
		errs = append(errs, validation.ValidationError{
			Field:   "eventType",
			Message: fmt.Sprintf("unknown event type %q", ev.EventType),
		})
	}

	if ev.Timestamp.IsZero() {
		errs = append(errs, validation.ValidationError{
			Field: "timestamp", Message: "is required",
		})
	} else {
		if ev.Timestamp.Before(now.Add(-MaxEventAge)) {
			errs = append(errs, validation.ValidationError{
				Field: "timestamp", Message: "is older than 24h",
			})
		}
		if ev.Timestamp.After(now.Add(MaxClockSkew)) {
			errs = append(errs, validation.ValidationError{
				Field: "timestamp", Message: "is too far in the future",
			})
		}
	}

	errs = append(errs, validateData(ev)...)
	errs = append(errs, validateEnvelope(ev)...)
	return errs
}

// validateData enforces per-type required payload fields and cross-type
// prohibitions. A page view carrying an attemptCount is a client bug we
// want surfaced at ingest, not a value to silently ignore.
func validateData(ev *UserEvent) validation.ValidationErrors {
	d := &ev.Data
	var errs validation.ValidationErrors

	addErr := func(field, msg string) {
		errs = append(errs, validation.ValidationError{Field: field, Message: msg})
	}

	if d.Feature != "" && !validation.IsValidFeatureName(d.Feature) {
		addErr("eventData.feature", "must be 1-100 chars of [a-zA-Z0-9_.-]")
	}
	if d.VideoID != "" && !validation.IsValidFeatureName(d.VideoID) {
		addErr("eventData.videoId", "must be 1-100 chars of [a-zA-Z0-9_.-]")
	}
	if d.CompletionRate != nil && (*d.CompletionRate < 0 || *d.CompletionRate > 100) {
		addErr("eventData.completionRate", "must be between 0 and 100")
	}
	if d.AttemptCount < 0 {
		addErr("eventData.attemptCount", "must not be negative")
	}
	if d.AttemptCount > MaxAttemptCount {
		addErr("eventData.attemptCount", fmt.Sprintf("exceeds sanity cap of %d", MaxAttemptCount))
	}
	if d.WatchDuration < 0 {
		addErr("eventData.watchDuration", "must not be negative")
	}
	if d.Duration < 0 {
		addErr("eventData.duration", "must not be negative")
	}

	switch ev.EventType {
	case TypePageView:
		if d.Page == "" {
			addErr("eventData.page", "is required for page_view")
		}
		if d.AttemptCount > 0 {
			addErr("eventData.attemptCount", "must not be set on page_view")
		}
		if d.ErrorType != "" {
			addErr("eventData.errorType", "must not be set on page_view")
		}

	case TypeFeatureInteraction:
		if d.Feature == "" {
			addErr("eventData.feature", "is required for feature_interaction")
		}
		if d.VideoID != "" || d.WatchDuration > 0 {
			addErr("eventData.videoId", "video fields must not be set on feature_interaction")
		}

	case TypeVideoEngagement:
		if d.VideoID == "" {
			addErr("eventData.videoId", "is required for video_engagement")
		}
		if d.WatchDuration == 0 && d.Duration == 0 && d.CompletionRate == nil {
			addErr("eventData", "video_engagement requires at least one of watchDuration, duration, completionRate")
		}

	case TypeStruggleSignal:
		if d.Feature == "" {
			addErr("eventData.feature", "is required for struggle_signal")
		}
		if d.AttemptCount < 2 {
			addErr("eventData.attemptCount", "must be at least 2 for struggle_signal")
		}

	case TypeUserAction:
		if d.Action == "" {
			addErr("eventData.action", "is required for user_action")
		}

	case TypeErrorEvent:
		if d.ErrorType == "" {
			addErr("eventData.errorType", "is required for error_event")
		}
	}

	return errs
}

// validateEnvelope checks the optional device and context blocks.
func validateEnvelope(ev *UserEvent) validation.ValidationErrors {
	var checks []func() *validation.ValidationError

	if ev.Device != nil {
		checks = append(checks,
			validation.OneOf("deviceInfo.platform", ev.Device.Platform, Platforms...),
			validation.MaxLength("deviceInfo.appVersion", ev.Device.AppVersion, 50),
			validation.MaxLength("deviceInfo.deviceModel", ev.Device.DeviceModel, 100),
		)
	}
	if ev.Context != nil {
		checks = append(checks,
			validation.OneOf("userContext.userSegment", ev.Context.UserSegment, UserSegments...),
			validation.MaxLength("userContext.sessionStage", ev.Context.SessionStage, 100),
		)
	}

	return validation.Validate(checks...)
}
