package server

import (
	"os"
	"sync/atomic"

	"caption-sky/server/internal/telemetry"
)

type telemetryCounters struct {
	ticks              atomic.Uint64
	staleTicks         atomic.Uint64
	regenerations      atomic.Uint64
	broadcasts         atomic.Uint64
	bytesSent          atomic.Uint64
	lastBroadcastBytes atomic.Uint64
	reloads            atomic.Uint64
	reloadFailures     atomic.Uint64
	debug              bool
	logger             telemetry.Logger
}

type telemetrySnapshot struct {
	Ticks              uint64 `json:"ticks"`
	StaleTicks         uint64 `json:"staleTicks"`
	Regenerations      uint64 `json:"regenerations"`
	Broadcasts         uint64 `json:"broadcasts"`
	BytesSent          uint64 `json:"bytesSent"`
	LastBroadcastBytes uint64 `json:"lastBroadcastBytes"`
	Reloads            uint64 `json:"reloads"`
	ReloadFailures     uint64 `json:"reloadFailures"`
}

func newTelemetryCounters(logger telemetry.Logger) *telemetryCounters {
	t := &telemetryCounters{logger: logger}
	if os.Getenv("DEBUG_TELEMETRY") == "1" {
		t.debug = true
	}
	return t
}

func (t *telemetryCounters) RecordTick(applied bool) {
	if !applied {
		t.staleTicks.Add(1)
		return
	}
	t.ticks.Add(1)
}

func (t *telemetryCounters) RecordRegeneration() {
	t.regenerations.Add(1)
}

func (t *telemetryCounters) RecordBroadcast(bytes, recipients int) {
	if bytes < 0 {
		bytes = 0
	}
	if recipients < 0 {
		recipients = 0
	}
	t.broadcasts.Add(1)
	t.bytesSent.Add(uint64(bytes) * uint64(recipients))
	t.lastBroadcastBytes.Store(uint64(bytes))
	if t.debug && t.logger != nil {
		t.logger.Printf(
			"[telemetry] broadcast bytes=%d recipients=%d totalBytes=%d ticks=%d",
			bytes,
			recipients,
			t.bytesSent.Load(),
			t.ticks.Load(),
		)
	}
}

func (t *telemetryCounters) RecordReload(err error) {
	t.reloads.Add(1)
	if err != nil {
		t.reloadFailures.Add(1)
	}
}

func (t *telemetryCounters) Snapshot() telemetrySnapshot {
	return telemetrySnapshot{
		Ticks:              t.ticks.Load(),
		StaleTicks:         t.staleTicks.Load(),
		Regenerations:      t.regenerations.Load(),
		Broadcasts:         t.broadcasts.Load(),
		BytesSent:          t.bytesSent.Load(),
		LastBroadcastBytes: t.lastBroadcastBytes.Load(),
		Reloads:            t.reloads.Load(),
		ReloadFailures:     t.reloadFailures.Load(),
	}
}
