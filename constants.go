package server

import (
	"time"

	"caption-sky/server/internal/net/proto"
	"caption-sky/server/internal/rotation"
)

const (
	writeWait         = 10 * time.Second
	heartbeatInterval = 2 * time.Second
)

// ProtocolVersion is the wire revision stamped on outbound messages.
const ProtocolVersion = proto.Version

func HeartbeatInterval() time.Duration {
	return heartbeatInterval
}

func DefaultRotationInterval() time.Duration {
	return rotation.DefaultInterval
}
