package ws

import (
	"context"
	nethttp "net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"caption-sky/server"
	"caption-sky/server/internal/flight"
	"caption-sky/server/internal/net/proto"
	"caption-sky/server/internal/telemetry"
)

type HandlerConfig struct {
	Logger telemetry.Logger
	// Reload gates client-initiated reloads. Nil allows every request.
	Reload func() bool
}

// Handler serves presentation clients over websocket. Every connection is
// subscribed to hub broadcasts and may adjust the shared controls.
type Handler struct {
	hub      *server.Hub
	logger   telemetry.Logger
	sessions *zap.Logger
	reload   func() bool
	upgrader websocket.Upgrader
}

func NewHandler(hub *server.Hub, cfg HandlerConfig) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = telemetry.LoggerFunc(nil)
	}
	reload := cfg.Reload
	if reload == nil {
		reload = func() bool { return true }
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *nethttp.Request) bool {
			return true
		},
	}

	return &Handler{
		hub:      hub,
		logger:   logger,
		sessions: telemetry.ZapLogger(logger).Named("ws"),
		reload:   reload,
		upgrader: upgrader,
	}
}

func (h *Handler) Handle(w nethttp.ResponseWriter, r *nethttp.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Printf("upgrade failed: %v", err)
		return
	}
	h.Serve(r.Context(), conn)
}

// Serve runs one session until the client disconnects.
func (h *Handler) Serve(ctx context.Context, conn *websocket.Conn) {
	if h == nil || h.hub == nil || conn == nil {
		return
	}

	sub, state := h.hub.Subscribe(conn)
	h.sessions.Debug("subscriber connected", zap.String("subscriber", sub.ID))
	defer func() {
		h.hub.Unsubscribe(sub.ID)
		h.sessions.Debug("subscriber disconnected", zap.String("subscriber", sub.ID))
	}()

	data, err := proto.EncodeState(state)
	if err != nil {
		h.logger.Printf("failed to marshal initial state for %s: %v", sub.ID, err)
		return
	}
	if err := sub.WriteMessage(websocket.TextMessage, data); err != nil {
		return
	}

	writeJSON := func(payload any) bool {
		data, err := proto.Encode(payload)
		if err != nil {
			h.logger.Printf("failed to marshal response for %s: %v", sub.ID, err)
			return true
		}
		return sub.WriteMessage(websocket.TextMessage, data) == nil
	}

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return
		}

		msg, err := proto.DecodeClientMessage(payload)
		if err != nil {
			h.logger.Printf("discarding malformed message from %s: %v", sub.ID, err)
			continue
		}

		switch msg.Type {
		case proto.TypeControls:
			applied := h.hub.UpdateControls(ctx, sub.ID, msg.ControlsUpdate())
			if !writeJSON(controlsAck(applied)) {
				return
			}
		case proto.TypeHeartbeat:
			if !writeJSON(h.hub.HandleHeartbeat(time.Now(), msg.SentAt)) {
				return
			}
		case proto.TypeReload:
			if !h.reload() {
				if !writeJSON(proto.ErrorV1{Ver: proto.Version, Type: proto.TypeError, Message: "reload rate limited"}) {
					return
				}
				continue
			}
			// The outcome reaches every subscriber through the state broadcast.
			if err := h.hub.Reload(context.WithoutCancel(ctx)); err != nil {
				h.sessions.Warn("client reload failed", zap.String("subscriber", sub.ID), zap.Error(err))
			}
		default:
			h.logger.Printf("unknown message type %q from %s", msg.Type, sub.ID)
		}
	}
}

func controlsAck(c flight.Controls) proto.ControlsAckV1 {
	return proto.ControlsAckV1{
		Ver:      proto.Version,
		Type:     proto.TypeControlsAck,
		Controls: proto.ControlsV1{Count: c.Count, Speed: c.Speed},
	}
}
