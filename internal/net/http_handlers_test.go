package net

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"caption-sky/server"
	"caption-sky/server/internal/captions"
	"caption-sky/server/internal/flight"
	"caption-sky/server/internal/net/proto"
	"caption-sky/server/internal/observability"
	"caption-sky/server/internal/source"
	"caption-sky/server/logging"
)

func newTestHub(src source.Source) *server.Hub {
	cfg := server.DefaultHubConfig()
	cfg.Source = src
	return server.NewHub(cfg)
}

func serve(handler http.Handler, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, req)
	return resp
}

func TestHealth(t *testing.T) {
	handler := NewHTTPHandler(newTestHub(nil), HTTPHandlerConfig{})

	resp := serve(handler, http.MethodGet, "/health", "")
	if resp.Code != http.StatusOK || resp.Body.String() != "ok" {
		t.Fatalf("unexpected health response %d %q", resp.Code, resp.Body.String())
	}
}

func TestStateReturnsFrame(t *testing.T) {
	hub := newTestHub(nil)
	hub.LoadCaptions(context.Background(), []captions.Record{{ID: "a", Content: "hello"}}, nil)
	handler := NewHTTPHandler(hub, HTTPHandlerConfig{})

	resp := serve(handler, http.MethodGet, "/state", "")
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200 OK, got %d", resp.Code)
	}
	if contentType := resp.Header().Get("Content-Type"); contentType != "application/json" {
		t.Fatalf("expected Content-Type application/json, got %q", contentType)
	}

	var state proto.StateV1
	if err := json.Unmarshal(resp.Body.Bytes(), &state); err != nil {
		t.Fatalf("failed to decode state: %v", err)
	}
	if state.Type != proto.TypeState || state.CaptionCount != 1 {
		t.Fatalf("unexpected state %+v", state)
	}
	if state.Birds[0].Caption != "hello" {
		t.Fatalf("expected resolved caption, got %q", state.Birds[0].Caption)
	}

	if resp := serve(handler, http.MethodPost, "/state", ""); resp.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405 for POST /state, got %d", resp.Code)
	}
}

func TestControlsEndpoint(t *testing.T) {
	hub := newTestHub(nil)
	handler := NewHTTPHandler(hub, HTTPHandlerConfig{})

	resp := serve(handler, http.MethodPost, "/controls", `{"count": 99}`)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200 OK, got %d: %s", resp.Code, resp.Body.String())
	}
	var ack proto.ControlsAckV1
	if err := json.Unmarshal(resp.Body.Bytes(), &ack); err != nil {
		t.Fatalf("failed to decode ack: %v", err)
	}
	if ack.Controls.Count != flight.MaxBirds || ack.Controls.Speed != flight.DefaultSpeed {
		t.Fatalf("unexpected applied controls %+v", ack.Controls)
	}
	if len(hub.Frame().Birds) != flight.MaxBirds {
		t.Fatalf("expected hub to regenerate with %d birds", flight.MaxBirds)
	}

	if resp := serve(handler, http.MethodPost, "/controls", `{"count": "many"}`); resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid payload, got %d", resp.Code)
	}
	if resp := serve(handler, http.MethodGet, "/controls", ""); resp.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405 for GET /controls, got %d", resp.Code)
	}
}

func TestReloadEndpointRateLimited(t *testing.T) {
	src := source.Static{{ID: "a", Content: "one"}, {ID: "b", Content: "two"}}
	hub := newTestHub(src)
	handler := NewHTTPHandler(hub, HTTPHandlerConfig{ReloadLimiter: rate.NewLimiter(rate.Every(time.Hour), 1)})

	resp := serve(handler, http.MethodPost, "/captions/reload", "")
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200 OK, got %d: %s", resp.Code, resp.Body.String())
	}
	var payload struct {
		Status       string `json:"status"`
		CaptionCount int    `json:"captionCount"`
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to decode reload response: %v", err)
	}
	if payload.Status != "ok" || payload.CaptionCount != 2 {
		t.Fatalf("unexpected reload response %+v", payload)
	}

	if resp := serve(handler, http.MethodPost, "/captions/reload", ""); resp.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 once the limiter is exhausted, got %d", resp.Code)
	}
}

func TestReloadEndpointReportsFetchErrors(t *testing.T) {
	src := source.Func(func(context.Context) ([]captions.Record, error) {
		return nil, errors.New("upstream unavailable")
	})
	handler := NewHTTPHandler(newTestHub(src), HTTPHandlerConfig{})

	resp := serve(handler, http.MethodPost, "/captions/reload", "")
	if resp.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", resp.Code)
	}
	if !strings.Contains(resp.Body.String(), "upstream unavailable") {
		t.Fatalf("expected error message in body, got %s", resp.Body.String())
	}
}

type fixedStats logging.RouterStats

func (f fixedStats) Stats() logging.RouterStats {
	return logging.RouterStats(f)
}

func TestDiagnostics(t *testing.T) {
	hub := newTestHub(nil)
	handler := NewHTTPHandler(hub, HTTPHandlerConfig{Events: fixedStats{EventsTotal: 7, DroppedTotal: 1}})

	resp := serve(handler, http.MethodGet, "/diagnostics", "")
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200 OK, got %d", resp.Code)
	}

	var payload map[string]any
	if err := json.Unmarshal(resp.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to decode diagnostics: %v", err)
	}
	if payload["status"] != "ok" {
		t.Fatalf("unexpected status %v", payload["status"])
	}
	if millis, ok := payload["rotationMillis"].(float64); !ok || millis != 3200 {
		t.Fatalf("expected rotationMillis 3200, got %v", payload["rotationMillis"])
	}
	skyPayload, ok := payload["sky"].(map[string]any)
	if !ok {
		t.Fatalf("expected sky diagnostics object, got %T", payload["sky"])
	}
	if birds, ok := skyPayload["birds"].(float64); !ok || int(birds) != flight.DefaultBirds {
		t.Fatalf("expected %d birds in diagnostics, got %v", flight.DefaultBirds, skyPayload["birds"])
	}
	if !strings.Contains(resp.Body.String(), `"eventsTotal":7`) {
		t.Fatalf("expected event router stats in diagnostics, got %s", resp.Body.String())
	}
}

func TestSchemaEndpoint(t *testing.T) {
	handler := NewHTTPHandler(newTestHub(nil), HTTPHandlerConfig{})

	resp := serve(handler, http.MethodGet, "/schema", "")
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200 OK, got %d", resp.Code)
	}
	if !strings.Contains(resp.Body.String(), "Caption Sky State") {
		t.Fatalf("expected schema title in body")
	}
}

func TestPprofToggle(t *testing.T) {
	hub := newTestHub(nil)

	disabled := NewHTTPHandler(hub, HTTPHandlerConfig{})
	if resp := serve(disabled, http.MethodGet, "/debug/pprof/", ""); resp.Code != http.StatusNotFound {
		t.Fatalf("expected pprof to be hidden by default, got %d", resp.Code)
	}

	enabled := NewHTTPHandler(hub, HTTPHandlerConfig{Observability: observability.Config{EnablePprofTrace: true}})
	if resp := serve(enabled, http.MethodGet, "/debug/pprof/", ""); resp.Code != http.StatusOK {
		t.Fatalf("expected pprof index when enabled, got %d", resp.Code)
	}
}
