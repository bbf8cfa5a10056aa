package server

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"caption-sky/server/internal/captions"
	"caption-sky/server/internal/flight"
	"caption-sky/server/internal/net/proto"
	"caption-sky/server/internal/rotation"
	"caption-sky/server/internal/source"
	"caption-sky/server/internal/telemetry"
	"caption-sky/server/logging"
	"caption-sky/server/logging/sky"
)

// Conn is the part of a websocket connection the hub writes to.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// textMessage matches websocket.TextMessage.
const textMessage = 1

// Subscriber is a registered presentation client.
type Subscriber struct {
	ID   string
	conn Conn
	mu   sync.Mutex
}

// WriteMessage serializes writes to the underlying connection.
func (s *Subscriber) WriteMessage(messageType int, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteMessage(messageType, data)
}

type HubConfig struct {
	RotationInterval time.Duration
	Controls         flight.Controls
	Source           source.Source
	Logger           telemetry.Logger
	Publisher        logging.Publisher
}

func DefaultHubConfig() HubConfig {
	return HubConfig{
		RotationInterval: rotation.DefaultInterval,
		Controls:         flight.DefaultControls(),
	}
}

// Hub owns the live flock. Regeneration and rotation ticks both run under mu
// so they never interleave; scheduler restarts are serialized by restartMu
// and issued without holding mu.
type Hub struct {
	mu        sync.Mutex
	restartMu sync.Mutex

	source    source.Source
	logger    telemetry.Logger
	publisher logging.Publisher
	scheduler *rotation.Scheduler
	telemetry *telemetryCounters

	controls flight.Controls
	selected []captions.Record
	birds    []flight.Bird
	loading  bool
	loadErr  string
	tick     uint64

	subscribers map[string]*Subscriber
}

func NewHub(cfg HubConfig) *Hub {
	if cfg.Logger == nil {
		cfg.Logger = telemetry.LoggerFunc(nil)
	}
	if cfg.Publisher == nil {
		cfg.Publisher = logging.NopPublisher()
	}
	if cfg.Source == nil {
		cfg.Source = source.Static(nil)
	}
	if cfg.Controls == (flight.Controls{}) {
		cfg.Controls = flight.DefaultControls()
	}
	controls := cfg.Controls.Normalized()

	h := &Hub{
		source:      cfg.Source,
		logger:      cfg.Logger,
		publisher:   cfg.Publisher,
		telemetry:   newTelemetryCounters(cfg.Logger),
		controls:    controls,
		birds:       flight.Generate(controls.Count, controls.Speed, 0),
		loading:     true,
		subscribers: make(map[string]*Subscriber),
	}
	h.scheduler = rotation.NewScheduler(cfg.RotationInterval, h.rotate)
	return h
}

// Reload fetches a batch from the source and loads it. A caching source may
// answer from its cache. The fetch error, if any, is recorded on the hub and
// returned.
func (h *Hub) Reload(ctx context.Context) error {
	return h.reload(ctx, false)
}

// ForceReload is Reload after dropping any cached batch, for callers that
// know the upstream data changed.
func (h *Hub) ForceReload(ctx context.Context) error {
	return h.reload(ctx, true)
}

func (h *Hub) reload(ctx context.Context, fresh bool) error {
	h.mu.Lock()
	h.loading = true
	h.mu.Unlock()
	h.broadcast()

	if cached, ok := h.source.(interface{ Invalidate() }); ok && fresh {
		cached.Invalidate()
	}
	records, err := h.source.Fetch(ctx)
	h.telemetry.RecordReload(err)
	h.LoadCaptions(ctx, records, err)
	return err
}

// LoadCaptions replaces the working caption set with the selection derived
// from records. A non-nil fetchErr empties the set and is surfaced in the
// status. The flock is regenerated and the rotation restarted only when the
// set length changes.
func (h *Hub) LoadCaptions(ctx context.Context, records []captions.Record, fetchErr error) {
	var (
		selected []captions.Record
		payload  sky.CaptionsLoadedPayload
	)
	if fetchErr == nil {
		cleaned := captions.Clean(records)
		selected = captions.Working(cleaned)
		payload = sky.CaptionsLoadedPayload{
			Received: len(records),
			Cleaned:  len(cleaned),
			Selected: len(selected),
			Ranked:   captions.Ranked(cleaned),
		}
	}

	h.mu.Lock()
	previous := len(h.selected)
	h.selected = selected
	h.loading = false
	h.loadErr = ""
	if fetchErr != nil {
		h.loadErr = fetchErr.Error()
	}
	regenerated := previous != len(selected)
	if regenerated {
		h.regenerateLocked()
	}
	tick := h.tick
	controls := h.controls
	h.mu.Unlock()

	if fetchErr != nil {
		h.logger.Printf("caption load failed: %v", fetchErr)
		sky.CaptionsLoadFailed(ctx, h.publisher, tick, fetchErr)
	} else {
		sky.CaptionsLoaded(ctx, h.publisher, tick, payload)
	}

	if regenerated {
		sky.FlockRegenerated(ctx, h.publisher, tick, sky.FlockRegeneratedPayload{
			Birds:        controls.Count,
			Speed:        controls.Speed,
			CaptionCount: len(selected),
			Reason:       "captions",
		})
		h.syncRotation(ctx)
	}
	h.broadcast()
}

// SetControls normalizes the requested controls, regenerates the flock when
// they differ from the current ones and returns the applied controls.
func (h *Hub) SetControls(ctx context.Context, clientID string, requested flight.Controls) flight.Controls {
	return h.applyControls(ctx, clientID, func(flight.Controls) flight.Controls { return requested })
}

// UpdateControls is SetControls for a partial request: fields left unset
// keep their current value, read under the same lock as the write.
func (h *Hub) UpdateControls(ctx context.Context, clientID string, update flight.ControlsUpdate) flight.Controls {
	return h.applyControls(ctx, clientID, update.Apply)
}

func (h *Hub) applyControls(ctx context.Context, clientID string, next func(flight.Controls) flight.Controls) flight.Controls {
	h.mu.Lock()
	requested := next(h.controls)
	applied := requested.Normalized()
	changed := applied != h.controls
	if changed {
		h.controls = applied
		h.regenerateLocked()
	}
	tick := h.tick
	captionCount := len(h.selected)
	h.mu.Unlock()

	if !changed {
		return applied
	}

	sky.ControlsChanged(ctx, h.publisher, tick, clientID, sky.ControlsChangedPayload{
		RequestedCount: requested.Count,
		RequestedSpeed: requested.Speed,
		Count:          applied.Count,
		Speed:          applied.Speed,
	})
	sky.FlockRegenerated(ctx, h.publisher, tick, sky.FlockRegeneratedPayload{
		Birds:        applied.Count,
		Speed:        applied.Speed,
		CaptionCount: captionCount,
		Reason:       "controls",
	})
	h.broadcast()
	return applied
}

func (h *Hub) RotationInterval() time.Duration {
	return h.scheduler.Interval()
}

func (h *Hub) Controls() flight.Controls {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.controls
}

func (h *Hub) regenerateLocked() {
	h.birds = flight.Generate(h.controls.Count, h.controls.Speed, len(h.selected))
	h.telemetry.RecordRegeneration()
}

// rotate is the scheduler callback. A tick scheduled for a set length that
// no longer matches the current selection is dropped.
func (h *Hub) rotate(length int) {
	h.mu.Lock()
	if length <= 0 || length != len(h.selected) {
		h.mu.Unlock()
		h.telemetry.RecordTick(false)
		return
	}
	h.birds = rotation.Advance(h.birds, length)
	h.tick++
	h.mu.Unlock()

	h.telemetry.RecordTick(true)
	h.broadcast()
}

// syncRotation restarts the scheduler when its captured length differs from
// the current selection.
func (h *Hub) syncRotation(ctx context.Context) {
	h.restartMu.Lock()
	defer h.restartMu.Unlock()

	h.mu.Lock()
	length := len(h.selected)
	tick := h.tick
	h.mu.Unlock()

	previous := h.scheduler.Stats().Length
	if previous == length {
		return
	}
	h.scheduler.Reset(length)
	sky.RotationRestarted(ctx, h.publisher, tick, sky.RotationRestartedPayload{
		PreviousLength: previous,
		Length:         length,
		IntervalMillis: h.scheduler.Interval().Milliseconds(),
	})
}

// RunRotation drives the rotation scheduler until ctx ends, then stops it.
func (h *Hub) RunRotation(ctx context.Context) {
	h.restartMu.Lock()
	h.mu.Lock()
	length := len(h.selected)
	h.mu.Unlock()
	h.scheduler.Start(ctx, length)
	h.restartMu.Unlock()

	<-ctx.Done()

	h.restartMu.Lock()
	h.scheduler.Stop()
	h.restartMu.Unlock()
}

// Frame renders the current sky for presentation clients.
func (h *Hub) Frame() proto.StateV1 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.frameLocked()
}

func (h *Hub) frameLocked() proto.StateV1 {
	birds := make([]proto.BirdV1, len(h.birds))
	for i, bird := range h.birds {
		var id, text string
		if n := len(h.selected); n > 0 {
			record := h.selected[bird.CaptionIndex%n]
			id, text = record.ID, record.Content
		}
		birds[i] = proto.NewBirdV1(bird, id, text)
	}

	return proto.StateV1{
		Ver:        proto.Version,
		Type:       proto.TypeState,
		Tick:       h.tick,
		ServerTime: time.Now().UnixMilli(),
		Status: proto.StatusV1{
			Loading: h.loading,
			Error:   h.loadErr,
			Message: proto.StatusMessage(h.loading, h.loadErr, len(h.selected)),
		},
		Controls:     proto.ControlsV1{Count: h.controls.Count, Speed: h.controls.Speed},
		CaptionCount: len(h.selected),
		Birds:        birds,
	}
}

// Subscribe registers conn for broadcasts and returns the subscriber along
// with the state it should be sent first.
func (h *Hub) Subscribe(conn Conn) (*Subscriber, proto.StateV1) {
	sub := &Subscriber{ID: uuid.NewString(), conn: conn}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.subscribers[sub.ID] = sub
	return sub, h.frameLocked()
}

// Unsubscribe drops and closes the subscriber. It reports whether id was
// registered.
func (h *Hub) Unsubscribe(id string) bool {
	h.mu.Lock()
	sub, ok := h.subscribers[id]
	if ok {
		delete(h.subscribers, id)
	}
	h.mu.Unlock()

	if ok {
		sub.conn.Close()
	}
	return ok
}

// Close disconnects every subscriber.
func (h *Hub) Close() {
	h.mu.Lock()
	subs := h.subscribers
	h.subscribers = make(map[string]*Subscriber)
	h.mu.Unlock()

	for _, sub := range subs {
		sub.conn.Close()
	}
}

func (h *Hub) broadcast() {
	h.mu.Lock()
	frame := h.frameLocked()
	subs := make(map[string]*Subscriber, len(h.subscribers))
	for id, sub := range h.subscribers {
		subs[id] = sub
	}
	h.mu.Unlock()

	data, err := proto.EncodeState(frame)
	if err != nil {
		h.logger.Printf("failed to marshal state message: %v", err)
		return
	}

	for id, sub := range subs {
		if err := sub.WriteMessage(textMessage, data); err != nil {
			h.logger.Printf("failed to send update to %s: %v", id, err)
			h.Unsubscribe(id)
		}
	}
	h.telemetry.RecordBroadcast(len(data), len(subs))
}

// HandleHeartbeat computes the round trip for a client heartbeat.
func (h *Hub) HandleHeartbeat(receivedAt time.Time, clientSent int64) proto.HeartbeatV1 {
	var rtt time.Duration
	if clientSent > 0 {
		clientTime := time.UnixMilli(clientSent)
		if clientTime.Before(receivedAt.Add(5 * time.Second)) {
			rtt = receivedAt.Sub(clientTime)
			if rtt < 0 {
				rtt = 0
			}
		}
	}
	return proto.HeartbeatV1{
		Ver:        proto.Version,
		Type:       proto.TypeHeartbeat,
		ServerTime: receivedAt.UnixMilli(),
		ClientTime: clientSent,
		RTTMillis:  rtt.Milliseconds(),
	}
}

// Diagnostics summarises hub state for the diagnostics endpoint.
type Diagnostics struct {
	Tick         uint64            `json:"tick"`
	Loading      bool              `json:"loading"`
	Error        string            `json:"error,omitempty"`
	Controls     flight.Controls   `json:"controls"`
	CaptionCount int               `json:"captionCount"`
	Birds        int               `json:"birds"`
	Subscribers  int               `json:"subscribers"`
	Rotation     rotation.Stats    `json:"rotation"`
	Telemetry    telemetrySnapshot `json:"telemetry"`
}

func (h *Hub) Diagnostics() Diagnostics {
	// Scheduler stats are read without mu: a restarting scheduler waits for
	// a tick that may be blocked on mu.
	stats := h.scheduler.Stats()

	h.mu.Lock()
	defer h.mu.Unlock()
	return Diagnostics{
		Tick:         h.tick,
		Loading:      h.loading,
		Error:        h.loadErr,
		Controls:     h.controls,
		CaptionCount: len(h.selected),
		Birds:        len(h.birds),
		Subscribers:  len(h.subscribers),
		Rotation:     stats,
		Telemetry:    h.telemetry.Snapshot(),
	}
}

// Advance applies n rotation ticks synchronously, outside the scheduler. It
// is used by offline snapshots.
func (h *Hub) Advance(n int) {
	for i := 0; i < n; i++ {
		h.mu.Lock()
		length := len(h.selected)
		h.mu.Unlock()
		h.rotate(length)
	}
}
