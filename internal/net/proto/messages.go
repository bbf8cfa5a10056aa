package proto

import (
	"encoding/json"
	"fmt"

	"caption-sky/server/internal/flight"
)

const (
	// Version tracks the wire-protocol revision expected by clients.
	Version = 1

	// Placeholder is shown in place of caption text while no captions are available.
	Placeholder = "…"
)

// Outbound message type identifiers.
const (
	TypeState       = "state"
	TypeHeartbeat   = "heartbeat"
	TypeControlsAck = "controlsAck"
	TypeError       = "error"
)

// Client message type identifiers.
const (
	TypeControls = "controls"
	TypeReload   = "reload"
)

// StateV1 is the full sky state pushed to presentation clients.
type StateV1 struct {
	Ver          int        `json:"ver"`
	Type         string     `json:"type"`
	Tick         uint64     `json:"tick"`
	ServerTime   int64      `json:"serverTime"`
	Status       StatusV1   `json:"status"`
	Controls     ControlsV1 `json:"controls"`
	CaptionCount int        `json:"captionCount"`
	Birds        []BirdV1   `json:"birds"`
}

// StatusV1 mirrors the load state of the caption source.
type StatusV1 struct {
	Loading bool   `json:"loading"`
	Error   string `json:"error,omitempty"`
	Message string `json:"message"`
}

type ControlsV1 struct {
	Count int     `json:"count"`
	Speed float64 `json:"speed"`
}

// BirdV1 is one bird with its resolved caption and placement.
type BirdV1 struct {
	ID           string  `json:"id"`
	Lane         int     `json:"lane"`
	Size         float64 `json:"size"`
	Duration     float64 `json:"duration"`
	Delay        float64 `json:"delay"`
	CaptionIndex int     `json:"captionIndex"`
	CaptionID    string  `json:"captionId,omitempty"`
	Caption      string  `json:"caption"`
	TopPercent   float64 `json:"topPercent"`
	Jitter       float64 `json:"jitter"`
	XShift       float64 `json:"xShift"`
}

// NewBirdV1 combines a bird with its caption and placement.
func NewBirdV1(b flight.Bird, captionID, caption string) BirdV1 {
	placement := flight.Place(b)
	if caption == "" {
		caption = Placeholder
	}
	return BirdV1{
		ID:           b.ID,
		Lane:         b.Lane,
		Size:         b.Size,
		Duration:     b.Duration,
		Delay:        b.Delay,
		CaptionIndex: b.CaptionIndex,
		CaptionID:    captionID,
		Caption:      caption,
		TopPercent:   placement.TopPercent,
		Jitter:       placement.Jitter,
		XShift:       placement.XShift,
	}
}

// StatusMessage renders the banner text for the current load state.
func StatusMessage(loading bool, loadErr string, selected int) string {
	switch {
	case loading:
		return "Loading captions…"
	case loadErr != "":
		return "Error: " + loadErr
	default:
		return fmt.Sprintf("Connected. Showing %d “best” captions", selected)
	}
}

// HeartbeatV1 acknowledges a client heartbeat.
type HeartbeatV1 struct {
	Ver        int    `json:"ver"`
	Type       string `json:"type"`
	ServerTime int64  `json:"serverTime"`
	ClientTime int64  `json:"clientTime"`
	RTTMillis  int64  `json:"rtt"`
}

// ControlsAckV1 reports the controls applied after normalization.
type ControlsAckV1 struct {
	Ver      int        `json:"ver"`
	Type     string     `json:"type"`
	Controls ControlsV1 `json:"controls"`
}

// ErrorV1 reports a rejected client message.
type ErrorV1 struct {
	Ver     int    `json:"ver"`
	Type    string `json:"type"`
	Message string `json:"message"`
}

// ClientMessage captures an inbound websocket message from the client.
type ClientMessage struct {
	Ver    int      `json:"ver,omitempty"`
	Type   string   `json:"type"`
	Count  *int     `json:"count,omitempty"`
	Speed  *float64 `json:"speed,omitempty"`
	SentAt int64    `json:"sentAt,omitempty"`
}

// DecodeClientMessage parses an inbound payload.
func DecodeClientMessage(data []byte) (ClientMessage, error) {
	var msg ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return ClientMessage{}, fmt.Errorf("decode client message: %w", err)
	}
	if msg.Type == "" {
		return ClientMessage{}, fmt.Errorf("decode client message: missing type")
	}
	return msg, nil
}

// ControlsUpdate returns the message's optional control fields.
func (m ClientMessage) ControlsUpdate() flight.ControlsUpdate {
	return flight.ControlsUpdate{Count: m.Count, Speed: m.Speed}
}

// EncodeState renders a state payload.
func EncodeState(state StateV1) ([]byte, error) {
	if state.Birds == nil {
		state.Birds = []BirdV1{}
	}
	state.Ver = Version
	state.Type = TypeState
	return json.Marshal(state)
}

// Encode renders any outbound payload.
func Encode(msg any) ([]byte, error) {
	return json.Marshal(msg)
}
