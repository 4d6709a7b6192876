// Package transport carries encoded voice packets between the service and
// connected clients.
package transport

import "github.com/google/uuid"

// PacketSink delivers an encoded packet to one client. Implementations must
// be safe for concurrent use; delivery is best-effort and a failed send must
// never block the audio path.
type PacketSink interface {
	Send(playerID uuid.UUID, packet []byte) error
}

// NopSink discards all packets. Useful for tests and for running the
// service before a transport is attached.
type NopSink struct{}

func (NopSink) Send(uuid.UUID, []byte) error { return nil }
