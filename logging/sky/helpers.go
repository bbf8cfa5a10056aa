package sky

import (
	"context"

	"caption-sky/server/logging"
)

const (
	// EventCaptionsLoaded is emitted after a caption batch replaced the working set.
	EventCaptionsLoaded logging.EventType = "captions.loaded"
	// EventCaptionsLoadFailed is emitted when the caption source reported an error.
	EventCaptionsLoadFailed logging.EventType = "captions.load_failed"
	// EventFlockRegenerated is emitted whenever the bird sequence is rebuilt.
	EventFlockRegenerated logging.EventType = "flock.regenerated"
	// EventRotationRestarted is emitted when the rotation task is rescheduled for a new set length.
	EventRotationRestarted logging.EventType = "rotation.restarted"
	// EventControlsChanged is emitted when a client changes the flock controls.
	EventControlsChanged logging.EventType = "controls.changed"
)

// CaptionsLoadedPayload summarises a caption batch.
type CaptionsLoadedPayload struct {
	Received int  `json:"received"`
	Cleaned  int  `json:"cleaned"`
	Selected int  `json:"selected"`
	Ranked   bool `json:"ranked"`
}

func CaptionsLoaded(ctx context.Context, pub logging.Publisher, tick uint64, payload CaptionsLoadedPayload) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventCaptionsLoaded,
		Tick:     tick,
		Subject:  logging.EntityRef{Kind: logging.EntityKindCaption},
		Severity: logging.SeverityInfo,
		Category: logging.CategoryCaptions,
		Payload:  payload,
	})
}

// CaptionsLoadFailedPayload carries the source error message.
type CaptionsLoadFailedPayload struct {
	Error string `json:"error"`
}

func CaptionsLoadFailed(ctx context.Context, pub logging.Publisher, tick uint64, err error) {
	if pub == nil || err == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventCaptionsLoadFailed,
		Tick:     tick,
		Subject:  logging.EntityRef{Kind: logging.EntityKindCaption},
		Severity: logging.SeverityError,
		Category: logging.CategoryCaptions,
		Payload:  CaptionsLoadFailedPayload{Error: err.Error()},
	})
}

// FlockRegeneratedPayload describes the parameters a flock was rebuilt with.
type FlockRegeneratedPayload struct {
	Birds        int     `json:"birds"`
	Speed        float64 `json:"speed"`
	CaptionCount int     `json:"captionCount"`
	Reason       string  `json:"reason"`
}

func FlockRegenerated(ctx context.Context, pub logging.Publisher, tick uint64, payload FlockRegeneratedPayload) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventFlockRegenerated,
		Tick:     tick,
		Subject:  logging.EntityRef{Kind: logging.EntityKindFlock},
		Severity: logging.SeverityInfo,
		Category: logging.CategoryFlock,
		Payload:  payload,
	})
}

// RotationRestartedPayload records the length a new rotation task captured.
type RotationRestartedPayload struct {
	PreviousLength int   `json:"previousLength"`
	Length         int   `json:"length"`
	IntervalMillis int64 `json:"intervalMillis"`
}

func RotationRestarted(ctx context.Context, pub logging.Publisher, tick uint64, payload RotationRestartedPayload) {
	if pub == nil {
		return
	}
	severity := logging.SeverityInfo
	if payload.Length == 0 {
		severity = logging.SeverityWarn
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventRotationRestarted,
		Tick:     tick,
		Subject:  logging.EntityRef{Kind: logging.EntityKindSky},
		Severity: severity,
		Category: logging.CategoryRotation,
		Payload:  payload,
	})
}

// ControlsChangedPayload captures requested and applied controls.
type ControlsChangedPayload struct {
	RequestedCount int     `json:"requestedCount"`
	RequestedSpeed float64 `json:"requestedSpeed"`
	Count          int     `json:"count"`
	Speed          float64 `json:"speed"`
}

func ControlsChanged(ctx context.Context, pub logging.Publisher, tick uint64, clientID string, payload ControlsChangedPayload) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventControlsChanged,
		Tick:     tick,
		Subject:  logging.EntityRef{ID: clientID, Kind: logging.EntityKindClient},
		Severity: logging.SeverityInfo,
		Category: logging.CategoryFlock,
		Payload:  payload,
	})
}
