package session

import (
	"sync"
	"sync/atomic"

	"github.com/ethan/mjr-playout/pkg/gateway"
	"github.com/ethan/mjr-playout/pkg/mjr"
	"github.com/ethan/mjr-playout/pkg/playout"
	"github.com/ethan/mjr-playout/pkg/rtp"
)

// Session is the engine's view of one embedder-owned playback session. The
// embedder registers it with a Service, owns its lifecycle, and marks it
// destroyed on teardown; the playout worker only observes the flags.
type Session struct {
	id       uint64
	handle   gateway.Peer
	recorder bool

	destroyed atomic.Bool
	active    atomic.Bool

	// The continuity context survives across playouts on this session.
	rtpCtx rtp.SwitchingContext

	// recMu guards the recording handle, the index heads and the captured
	// transaction. Lock order is always service table → recMu.
	recMu       sync.Mutex
	recording   *playout.Recording
	aframes     *mjr.Index
	vframes     *mjr.Index
	transaction string
}

// New creates a session around an established peer connection leg. A
// recorder session refuses playback.
func New(id uint64, handle gateway.Peer, recorder bool) *Session {
	return &Session{id: id, handle: handle, recorder: recorder}
}

func (s *Session) ID() uint64 {
	return s.id
}

func (s *Session) Handle() gateway.Peer {
	return s.handle
}

// Context returns the session's RTP continuity context.
func (s *Session) Context() *rtp.SwitchingContext {
	return &s.rtpCtx
}

func (s *Session) Recorder() bool {
	return s.recorder
}

func (s *Session) Destroyed() bool {
	return s.destroyed.Load()
}

// Destroy flags the session as torn down. Any running playout observes the
// flag within one pacing iteration and exits without a terminal event.
func (s *Session) Destroy() {
	s.destroyed.Store(true)
}

func (s *Session) Active() bool {
	return s.active.Load()
}

func (s *Session) SetActive(active bool) {
	s.active.Store(active)
}

// Transaction returns the correlator captured by the last StartPlaying.
func (s *Session) Transaction() string {
	s.recMu.Lock()
	defer s.recMu.Unlock()
	return s.transaction
}

// Frames returns the current index heads.
func (s *Session) Frames() (audio, video *mjr.Index) {
	s.recMu.Lock()
	defer s.recMu.Unlock()
	return s.aframes, s.vframes
}

// ClearFrames drops the index heads; the playout worker calls this on exit.
func (s *Session) ClearFrames() {
	s.recMu.Lock()
	defer s.recMu.Unlock()
	s.aframes = nil
	s.vframes = nil
}
