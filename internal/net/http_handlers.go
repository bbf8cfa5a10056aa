package net

import (
	"context"
	"encoding/json"
	"io"
	nethttp "net/http"
	"net/http/pprof"
	"time"

	"golang.org/x/time/rate"

	"caption-sky/server"
	"caption-sky/server/internal/flight"
	"caption-sky/server/internal/net/proto"
	"caption-sky/server/internal/net/ws"
	"caption-sky/server/internal/observability"
	"caption-sky/server/internal/telemetry"
	"caption-sky/server/logging"
)

type HTTPHandlerConfig struct {
	Logger        telemetry.Logger
	Observability observability.Config
	// ReloadLimiter throttles manual reloads over HTTP and websocket. Nil
	// disables throttling.
	ReloadLimiter *rate.Limiter
	// Events exposes router counters on the diagnostics endpoint.
	Events interface{ Stats() logging.RouterStats }
}

func NewHTTPHandler(hub *server.Hub, cfg HTTPHandlerConfig) nethttp.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = telemetry.LoggerFunc(nil)
	}
	allowReload := func() bool {
		return cfg.ReloadLimiter == nil || cfg.ReloadLimiter.Allow()
	}

	mux := nethttp.NewServeMux()

	mux.HandleFunc("/health", func(w nethttp.ResponseWriter, r *nethttp.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("ok"))
	})

	mux.HandleFunc("/diagnostics", func(w nethttp.ResponseWriter, r *nethttp.Request) {
		payload := struct {
			Status         string               `json:"status"`
			ServerTime     int64                `json:"serverTime"`
			Heartbeat      int64                `json:"heartbeatMillis"`
			RotationMillis int64                `json:"rotationMillis"`
			Sky            server.Diagnostics   `json:"sky"`
			Events         *logging.RouterStats `json:"events,omitempty"`
		}{
			Status:     "ok",
			ServerTime: time.Now().UnixMilli(),
			Heartbeat:  server.HeartbeatInterval().Milliseconds(),
			Sky:        hub.Diagnostics(),
		}
		payload.RotationMillis = hub.RotationInterval().Milliseconds()
		if cfg.Events != nil {
			stats := cfg.Events.Stats()
			payload.Events = &stats
		}
		writeJSON(w, nethttp.StatusOK, payload)
	})

	mux.HandleFunc("/state", func(w nethttp.ResponseWriter, r *nethttp.Request) {
		if r.Method != nethttp.MethodGet {
			httpError(w, "method not allowed", nethttp.StatusMethodNotAllowed)
			return
		}
		data, err := proto.EncodeState(hub.Frame())
		if err != nil {
			httpError(w, "failed to encode", nethttp.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)
	})

	mux.HandleFunc("/controls", func(w nethttp.ResponseWriter, r *nethttp.Request) {
		if r.Method != nethttp.MethodPost {
			httpError(w, "method not allowed", nethttp.StatusMethodNotAllowed)
			return
		}

		var req flight.ControlsUpdate
		if r.Body != nil {
			defer r.Body.Close()
			decoder := json.NewDecoder(r.Body)
			if err := decoder.Decode(&req); err != nil && err != io.EOF {
				httpError(w, "invalid payload", nethttp.StatusBadRequest)
				return
			}
		}

		applied := hub.UpdateControls(r.Context(), "http:"+r.RemoteAddr, req)

		writeJSON(w, nethttp.StatusOK, proto.ControlsAckV1{
			Ver:      proto.Version,
			Type:     proto.TypeControlsAck,
			Controls: proto.ControlsV1{Count: applied.Count, Speed: applied.Speed},
		})
	})

	mux.HandleFunc("/captions/reload", func(w nethttp.ResponseWriter, r *nethttp.Request) {
		if r.Method != nethttp.MethodPost {
			httpError(w, "method not allowed", nethttp.StatusMethodNotAllowed)
			return
		}
		if !allowReload() {
			httpError(w, "reload rate limited", nethttp.StatusTooManyRequests)
			return
		}

		// The fetch outlives the request.
		if err := hub.Reload(context.WithoutCancel(r.Context())); err != nil {
			logger.Printf("manual reload failed: %v", err)
			writeJSON(w, nethttp.StatusBadGateway, struct {
				Status  string `json:"status"`
				Message string `json:"message"`
			}{Status: "error", Message: err.Error()})
			return
		}

		writeJSON(w, nethttp.StatusOK, struct {
			Status       string `json:"status"`
			CaptionCount int    `json:"captionCount"`
		}{Status: "ok", CaptionCount: hub.Frame().CaptionCount})
	})

	mux.HandleFunc("/schema", func(w nethttp.ResponseWriter, r *nethttp.Request) {
		data, err := proto.SchemaJSON()
		if err != nil {
			httpError(w, "failed to encode", nethttp.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/schema+json")
		w.Write(data)
	})

	wsHandler := ws.NewHandler(hub, ws.HandlerConfig{Logger: logger, Reload: allowReload})
	mux.HandleFunc("/ws", wsHandler.Handle)

	if cfg.Observability.EnablePprofTrace {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}

	return mux
}

func writeJSON(w nethttp.ResponseWriter, status int, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		httpError(w, "failed to encode", nethttp.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(data)
}

func httpError(w nethttp.ResponseWriter, msg string, code int) {
	nethttp.Error(w, msg, code)
}
