package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"

	"caption-sky/server/internal/captions"
	"caption-sky/server/internal/flight"
	"caption-sky/server/internal/net/proto"
	"caption-sky/server/internal/source"
	"caption-sky/server/logging"
	"caption-sky/server/logging/sinks"
	"caption-sky/server/logging/sky"
)

type fakeConn struct {
	mu       sync.Mutex
	messages [][]byte
	failWith error
	closed   bool
}

func (c *fakeConn) WriteMessage(_ int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failWith != nil {
		return c.failWith
	}
	c.messages = append(c.messages, append([]byte(nil), data...))
	return nil
}

func (c *fakeConn) SetWriteDeadline(time.Time) error { return nil }

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) states(t *testing.T) []proto.StateV1 {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]proto.StateV1, 0, len(c.messages))
	for _, raw := range c.messages {
		var state proto.StateV1
		if err := json.Unmarshal(raw, &state); err != nil {
			t.Fatalf("failed to decode broadcast: %v", err)
		}
		out = append(out, state)
	}
	return out
}

func intPtr(v int) *int {
	return &v
}

func makeRecords(n, liked int) []captions.Record {
	records := make([]captions.Record, n)
	for i := range records {
		records[i] = captions.Record{ID: fmt.Sprintf("c%d", i), Content: fmt.Sprintf("caption %d", i)}
		if i < liked {
			records[i].LikeCount = intPtr(i)
		}
	}
	return records
}

type memoryPublisher struct {
	sink *sinks.Memory
}

func (p memoryPublisher) Publish(_ context.Context, event logging.Event) {
	p.sink.Write(event)
}

func newTestHub(t *testing.T, cfg HubConfig) (*Hub, *sinks.Memory) {
	t.Helper()
	memory := sinks.NewMemory()
	cfg.Publisher = memoryPublisher{sink: memory}
	return NewHub(cfg), memory
}

func TestNewHubStartsLoadingWithPlaceholders(t *testing.T) {
	hub, _ := newTestHub(t, DefaultHubConfig())

	frame := hub.Frame()
	if !frame.Status.Loading {
		t.Fatalf("expected hub to start in loading state")
	}
	if frame.Status.Message != "Loading captions…" {
		t.Fatalf("unexpected loading message %q", frame.Status.Message)
	}
	if len(frame.Birds) != flight.DefaultBirds {
		t.Fatalf("expected %d birds, got %d", flight.DefaultBirds, len(frame.Birds))
	}
	for _, bird := range frame.Birds {
		if bird.Caption != proto.Placeholder {
			t.Fatalf("expected placeholder caption, got %q", bird.Caption)
		}
		if bird.CaptionIndex != 0 {
			t.Fatalf("expected caption index 0 without captions, got %d", bird.CaptionIndex)
		}
	}
}

func TestLoadCaptionsRanksAndResolvesCaptions(t *testing.T) {
	hub, memory := newTestHub(t, DefaultHubConfig())

	// Twelve liked records: ranking applies and c11 (11 likes) leads.
	hub.LoadCaptions(context.Background(), makeRecords(15, 12), nil)

	frame := hub.Frame()
	if frame.Status.Loading || frame.Status.Error != "" {
		t.Fatalf("unexpected status after load: %+v", frame.Status)
	}
	if frame.CaptionCount != 15 {
		t.Fatalf("expected 15 selected captions, got %d", frame.CaptionCount)
	}
	if !strings.Contains(frame.Status.Message, "Showing 15") {
		t.Fatalf("unexpected status message %q", frame.Status.Message)
	}
	if frame.Birds[0].CaptionID != "c11" || frame.Birds[0].Caption != "caption 11" {
		t.Fatalf("expected first bird to show the most liked caption, got %+v", frame.Birds[0])
	}
	if frame.Birds[3].CaptionIndex != 3 {
		t.Fatalf("expected bird 3 to start on caption 3, got %d", frame.Birds[3].CaptionIndex)
	}

	types := memory.Types()
	want := []logging.EventType{sky.EventCaptionsLoaded, sky.EventFlockRegenerated, sky.EventRotationRestarted}
	if len(types) != len(want) {
		t.Fatalf("expected events %v, got %v", want, types)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("expected events %v, got %v", want, types)
		}
	}
	loaded := memory.Events()[0].Payload.(sky.CaptionsLoadedPayload)
	if !loaded.Ranked || loaded.Selected != 15 {
		t.Fatalf("unexpected load payload %+v", loaded)
	}
}

func TestLoadCaptionsDropsBlankRecords(t *testing.T) {
	hub, _ := newTestHub(t, DefaultHubConfig())

	records := []captions.Record{
		{ID: "a", Content: "  "},
		{ID: "b", Content: "kept"},
		{ID: "c", Content: ""},
	}
	hub.LoadCaptions(context.Background(), records, nil)

	frame := hub.Frame()
	if frame.CaptionCount != 1 {
		t.Fatalf("expected only the non-blank record, got %d", frame.CaptionCount)
	}
	for _, bird := range frame.Birds {
		if bird.Caption != "kept" {
			t.Fatalf("expected every bird to show the single caption, got %q", bird.Caption)
		}
	}
}

func TestLoadCaptionsFailureRendersPlaceholders(t *testing.T) {
	hub, memory := newTestHub(t, DefaultHubConfig())
	hub.LoadCaptions(context.Background(), makeRecords(4, 0), nil)
	memory.Reset()

	hub.LoadCaptions(context.Background(), nil, errors.New("network down"))

	frame := hub.Frame()
	if frame.Status.Error != "network down" {
		t.Fatalf("expected error status, got %+v", frame.Status)
	}
	if frame.Status.Message != "Error: network down" {
		t.Fatalf("unexpected status message %q", frame.Status.Message)
	}
	if frame.CaptionCount != 0 {
		t.Fatalf("expected empty caption set after failure, got %d", frame.CaptionCount)
	}
	for _, bird := range frame.Birds {
		if bird.Caption != proto.Placeholder {
			t.Fatalf("expected placeholder after failure, got %q", bird.Caption)
		}
	}
	if types := memory.Types(); len(types) == 0 || types[0] != sky.EventCaptionsLoadFailed {
		t.Fatalf("expected load failure event first, got %v", types)
	}
}

func TestRotationAdvancesCaptionPointers(t *testing.T) {
	hub, _ := newTestHub(t, DefaultHubConfig())
	hub.LoadCaptions(context.Background(), makeRecords(4, 0), nil)

	before := hub.Frame()
	if before.Birds[5].CaptionIndex != 1 {
		t.Fatalf("expected bird 5 to start on caption 1, got %d", before.Birds[5].CaptionIndex)
	}

	hub.Advance(1)

	after := hub.Frame()
	if after.Tick != 1 {
		t.Fatalf("expected tick 1, got %d", after.Tick)
	}
	if after.Birds[5].CaptionIndex != 0 {
		t.Fatalf("expected bird 5 to wrap to caption 0, got %d", after.Birds[5].CaptionIndex)
	}
	for i := range after.Birds {
		b, a := before.Birds[i], after.Birds[i]
		if a.ID != b.ID || a.Lane != b.Lane || a.Size != b.Size || a.Duration != b.Duration || a.Delay != b.Delay {
			t.Fatalf("expected only caption index to change for bird %d: %+v -> %+v", i, b, a)
		}
		if a.Jitter != b.Jitter || a.XShift != b.XShift {
			t.Fatalf("expected placement to stay stable for bird %d", i)
		}
	}
}

func TestStaleTickIsDropped(t *testing.T) {
	hub, _ := newTestHub(t, DefaultHubConfig())
	hub.LoadCaptions(context.Background(), makeRecords(4, 0), nil)
	before := hub.Frame()

	hub.rotate(3)
	hub.rotate(0)

	after := hub.Frame()
	if after.Tick != 0 {
		t.Fatalf("expected stale ticks not to advance the tick counter, got %d", after.Tick)
	}
	for i := range after.Birds {
		if after.Birds[i].CaptionIndex != before.Birds[i].CaptionIndex {
			t.Fatalf("expected stale tick to leave bird %d untouched", i)
		}
	}
	if stale := hub.Diagnostics().Telemetry.StaleTicks; stale != 2 {
		t.Fatalf("expected 2 stale ticks, got %d", stale)
	}
}

func TestSetControlsNormalizesAndRegenerates(t *testing.T) {
	hub, memory := newTestHub(t, DefaultHubConfig())
	hub.LoadCaptions(context.Background(), makeRecords(6, 0), nil)
	memory.Reset()

	conn := &fakeConn{}
	hub.Subscribe(conn)

	applied := hub.SetControls(context.Background(), "client-1", flight.Controls{Count: 50, Speed: 0.25})
	if applied != (flight.Controls{Count: flight.MaxBirds, Speed: flight.MinSpeed}) {
		t.Fatalf("unexpected applied controls %+v", applied)
	}

	frame := hub.Frame()
	if len(frame.Birds) != flight.MaxBirds {
		t.Fatalf("expected %d birds, got %d", flight.MaxBirds, len(frame.Birds))
	}
	speed := applied.Speed
	if want := 14.0 / speed; frame.Birds[0].Duration != want {
		t.Fatalf("expected duration to scale with speed, got %v", frame.Birds[0].Duration)
	}

	states := conn.states(t)
	if len(states) != 1 || states[0].Controls.Count != flight.MaxBirds {
		t.Fatalf("expected one broadcast with new controls, got %+v", states)
	}
	events := memory.Events()
	if len(events) != 2 || events[0].Type != sky.EventControlsChanged || events[0].Subject.ID != "client-1" {
		t.Fatalf("unexpected events %+v", events)
	}

	again := hub.SetControls(context.Background(), "client-1", flight.Controls{Count: 20, Speed: 0.6})
	if again != applied {
		t.Fatalf("expected unchanged controls, got %+v", again)
	}
	if len(conn.states(t)) != 1 {
		t.Fatalf("expected no broadcast for unchanged controls")
	}
}

func TestUpdateControlsKeepsConcurrentPartialChanges(t *testing.T) {
	for round := 0; round < 50; round++ {
		hub, _ := newTestHub(t, DefaultHubConfig())
		hub.LoadCaptions(context.Background(), makeRecords(6, 0), nil)

		count := 4
		speed := 1.5
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			hub.UpdateControls(context.Background(), "count-client", flight.ControlsUpdate{Count: &count})
		}()
		go func() {
			defer wg.Done()
			hub.UpdateControls(context.Background(), "speed-client", flight.ControlsUpdate{Speed: &speed})
		}()
		wg.Wait()

		if got := hub.Controls(); got != (flight.Controls{Count: 4, Speed: 1.5}) {
			t.Fatalf("round %d: lost a partial update, controls %+v", round, got)
		}
		if birds := len(hub.Frame().Birds); birds != 4 {
			t.Fatalf("round %d: expected 4 birds, got %d", round, birds)
		}
	}
}

func TestUpdateControlsWithoutFieldsIsNoop(t *testing.T) {
	hub, memory := newTestHub(t, DefaultHubConfig())
	memory.Reset()

	got := hub.UpdateControls(context.Background(), "client-1", flight.ControlsUpdate{})
	if got != flight.DefaultControls() {
		t.Fatalf("unexpected controls %+v", got)
	}
	if len(memory.Events()) != 0 {
		t.Fatalf("expected no events for an empty update")
	}
}

func TestSameLengthReloadKeepsFlock(t *testing.T) {
	hub, memory := newTestHub(t, DefaultHubConfig())
	hub.LoadCaptions(context.Background(), makeRecords(5, 0), nil)
	hub.Advance(2)
	memory.Reset()

	hub.LoadCaptions(context.Background(), makeRecords(5, 0), nil)

	if hub.Frame().Tick != 2 {
		t.Fatalf("expected tick to survive a same-size reload")
	}
	for _, eventType := range memory.Types() {
		if eventType == sky.EventFlockRegenerated || eventType == sky.EventRotationRestarted {
			t.Fatalf("expected no regeneration for a same-size reload, got %v", memory.Types())
		}
	}
}

func TestBroadcastDropsFailingSubscribers(t *testing.T) {
	hub, _ := newTestHub(t, DefaultHubConfig())

	healthy := &fakeConn{}
	broken := &fakeConn{failWith: errors.New("closed pipe")}
	_, initial := hub.Subscribe(healthy)
	brokenSub, _ := hub.Subscribe(broken)
	if !initial.Status.Loading {
		t.Fatalf("expected initial state to be returned on subscribe")
	}

	hub.LoadCaptions(context.Background(), makeRecords(3, 0), nil)

	if !broken.closed {
		t.Fatalf("expected failing subscriber to be closed")
	}
	if hub.Unsubscribe(brokenSub.ID) {
		t.Fatalf("expected failing subscriber to be removed already")
	}
	if len(healthy.states(t)) != 1 {
		t.Fatalf("expected healthy subscriber to receive the update")
	}
	if subs := hub.Diagnostics().Subscribers; subs != 1 {
		t.Fatalf("expected one subscriber left, got %d", subs)
	}

	hub.Close()
	if !healthy.closed {
		t.Fatalf("expected Close to disconnect subscribers")
	}
}

type invalidatingSource struct {
	mu          sync.Mutex
	batches     [][]captions.Record
	err         error
	invalidated int
}

func (s *invalidatingSource) Fetch(context.Context) ([]captions.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	if len(s.batches) == 0 {
		return nil, nil
	}
	batch := s.batches[0]
	s.batches = s.batches[1:]
	return batch, nil
}

func (s *invalidatingSource) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.invalidated++
}

func TestReloadFetchesFromSource(t *testing.T) {
	src := &invalidatingSource{batches: [][]captions.Record{makeRecords(7, 0)}}
	cfg := DefaultHubConfig()
	cfg.Source = src
	hub, _ := newTestHub(t, cfg)

	if err := hub.Reload(context.Background()); err != nil {
		t.Fatalf("unexpected reload error: %v", err)
	}
	if hub.Frame().CaptionCount != 7 {
		t.Fatalf("expected 7 captions after reload")
	}
	if src.invalidated != 0 {
		t.Fatalf("expected plain reload to keep cached batches")
	}

	src.err = errors.New("timeout")
	if err := hub.Reload(context.Background()); err == nil {
		t.Fatalf("expected reload error")
	}
	diag := hub.Diagnostics()
	if diag.Error != "timeout" || diag.CaptionCount != 0 {
		t.Fatalf("unexpected diagnostics after failed reload: %+v", diag)
	}
	if diag.Telemetry.Reloads != 2 || diag.Telemetry.ReloadFailures != 1 {
		t.Fatalf("unexpected reload telemetry %+v", diag.Telemetry)
	}
}

func TestForceReloadInvalidatesSource(t *testing.T) {
	src := &invalidatingSource{batches: [][]captions.Record{makeRecords(3, 0)}}
	cfg := DefaultHubConfig()
	cfg.Source = src
	hub, _ := newTestHub(t, cfg)

	if err := hub.ForceReload(context.Background()); err != nil {
		t.Fatalf("unexpected reload error: %v", err)
	}
	if src.invalidated != 1 {
		t.Fatalf("expected forced reload to invalidate, got %d", src.invalidated)
	}
	if hub.Frame().CaptionCount != 3 {
		t.Fatalf("expected 3 captions after forced reload")
	}
}

func TestReloadServedFromCacheWithinTTL(t *testing.T) {
	var fetches atomic.Int32
	upstream := source.Func(func(context.Context) ([]captions.Record, error) {
		fetches.Add(1)
		return makeRecords(5, 0), nil
	})
	cfg := DefaultHubConfig()
	cfg.Source = source.NewCached(upstream, time.Hour)
	hub, _ := newTestHub(t, cfg)

	for i := 0; i < 3; i++ {
		if err := hub.Reload(context.Background()); err != nil {
			t.Fatalf("reload %d: %v", i, err)
		}
	}
	if got := fetches.Load(); got != 1 {
		t.Fatalf("expected one upstream fetch for three reloads, got %d", got)
	}
	if hub.Frame().CaptionCount != 5 {
		t.Fatalf("expected cached captions to be loaded")
	}

	if err := hub.ForceReload(context.Background()); err != nil {
		t.Fatalf("forced reload: %v", err)
	}
	if got := fetches.Load(); got != 2 {
		t.Fatalf("expected forced reload to reach upstream, got %d fetches", got)
	}
}

func TestReloadWithoutSourceShowsEmptySet(t *testing.T) {
	cfg := DefaultHubConfig()
	cfg.Source = source.Static(nil)
	hub, _ := newTestHub(t, cfg)

	if err := hub.Reload(context.Background()); err != nil {
		t.Fatalf("unexpected reload error: %v", err)
	}
	frame := hub.Frame()
	if frame.Status.Loading || frame.CaptionCount != 0 {
		t.Fatalf("unexpected frame %+v", frame.Status)
	}
	if frame.Birds[0].Caption != proto.Placeholder {
		t.Fatalf("expected placeholder with an empty source")
	}
}

func TestRunRotationTicksAndRestarts(t *testing.T) {
	defer goleak.VerifyNone(t)

	cfg := DefaultHubConfig()
	cfg.RotationInterval = 5 * time.Millisecond
	hub, _ := newTestHub(t, cfg)
	hub.LoadCaptions(context.Background(), makeRecords(4, 0), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		hub.RunRotation(ctx)
	}()

	waitFor(t, func() bool { return hub.Frame().Tick >= 2 })

	hub.LoadCaptions(context.Background(), makeRecords(6, 0), nil)
	waitFor(t, func() bool {
		stats := hub.Diagnostics().Rotation
		return stats.Length == 6 && stats.Running
	})
	start := hub.Frame().Tick
	waitFor(t, func() bool { return hub.Frame().Tick > start })

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("RunRotation did not return after cancel")
	}

	stopped := hub.Frame().Tick
	time.Sleep(20 * time.Millisecond)
	if hub.Frame().Tick != stopped {
		t.Fatalf("expected no ticks after teardown")
	}
	if hub.Diagnostics().Rotation.Running {
		t.Fatalf("expected scheduler to be stopped")
	}
}

func TestRunRotationIdleWithoutCaptions(t *testing.T) {
	defer goleak.VerifyNone(t)

	cfg := DefaultHubConfig()
	cfg.RotationInterval = 5 * time.Millisecond
	hub, _ := newTestHub(t, cfg)
	hub.LoadCaptions(context.Background(), nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		hub.RunRotation(ctx)
	}()

	time.Sleep(30 * time.Millisecond)
	if tick := hub.Frame().Tick; tick != 0 {
		t.Fatalf("expected no rotation without captions, got tick %d", tick)
	}
	cancel()
	<-done
}

func TestHeartbeatRoundTrip(t *testing.T) {
	hub, _ := newTestHub(t, DefaultHubConfig())
	now := time.UnixMilli(10_000)

	ack := hub.HandleHeartbeat(now, 9_750)
	if ack.RTTMillis != 250 || ack.ClientTime != 9_750 || ack.ServerTime != 10_000 {
		t.Fatalf("unexpected heartbeat ack %+v", ack)
	}
	if ack.Type != proto.TypeHeartbeat || ack.Ver != ProtocolVersion {
		t.Fatalf("unexpected heartbeat envelope %+v", ack)
	}
	if future := hub.HandleHeartbeat(now, 20_000); future.RTTMillis != 0 {
		t.Fatalf("expected clock skew to report zero rtt, got %d", future.RTTMillis)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}
