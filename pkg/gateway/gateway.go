package gateway

import (
	"time"

	"github.com/ethan/mjr-playout/pkg/logger"
)

// Peer is one leg of an established peer connection: the relay surface the
// playback engine injects packets into. Implementations must tolerate
// concurrent WriteRTP calls from a playout worker while other producers use
// the same connection; the transport is the serializing authority.
type Peer interface {
	// WriteRTP injects a single RTP packet, best effort.
	WriteRTP(video bool, pkt []byte) error
	// Close requests teardown of the peer connection.
	Close() error
}

// EventSink delivers control-plane events back to the embedder. The
// transaction is the opaque correlator captured when playback started.
type EventSink interface {
	PushEvent(sessionID uint64, transaction, body string)
}

var processStart = time.Now()

// MonotonicTime returns microseconds on a monotonic clock. The zero point is
// arbitrary; only differences are meaningful.
func MonotonicTime() int64 {
	return int64(time.Since(processStart) / time.Microsecond)
}

// LogEventSink logs events instead of delivering them anywhere, for headless
// runs and tools.
type LogEventSink struct {
	Log *logger.Logger
}

func (s *LogEventSink) PushEvent(sessionID uint64, transaction, body string) {
	log := s.Log
	if log == nil {
		log = logger.Default()
	}
	log.Info("playback event", "session_id", sessionID, "transaction", transaction, "event", body)
}
