package session

import (
	"fmt"
	"sync"

	"github.com/ethan/mjr-playout/pkg/gateway"
	"github.com/ethan/mjr-playout/pkg/logger"
	"github.com/ethan/mjr-playout/pkg/mjr"
	"github.com/ethan/mjr-playout/pkg/playout"
)

// Status is the integer result of a control-surface call, matching the
// codes the embedder scripting side expects.
type Status int

const (
	StatusOK               Status = 0
	StatusWrongArgs        Status = 1000
	StatusSessionNotFound  Status = 1001
	StatusInvalidRecording Status = 1002
	StatusThreadStart      Status = 1003
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusWrongArgs:
		return "wrong number of arguments"
	case StatusSessionNotFound:
		return "session not found"
	case StatusInvalidRecording:
		return "invalid recording"
	case StatusThreadStart:
		return "could not start playout worker"
	default:
		return fmt.Sprintf("unknown status %d", int(s))
	}
}

// Service is the control surface exposed to the embedder: a process-wide
// session table plus the StartPlaying/StopPlaying entrypoints. The table
// mutex is held only long enough to find a session; per-session work happens
// under that session's recording mutex.
type Service struct {
	mu       sync.Mutex
	sessions map[uint64]*Session

	events gateway.EventSink
	log    *logger.Logger

	// Clock overrides the workers' monotonic µs clock; nil means the
	// gateway default.
	Clock func() int64
}

func NewService(events gateway.EventSink, log *logger.Logger) *Service {
	if log == nil {
		log = logger.Default()
	}
	return &Service{
		sessions: make(map[uint64]*Session),
		events:   events,
		log:      log.With("component", "session"),
	}
}

// Register adds an embedder-owned session to the table.
func (s *Service) Register(sess *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID()] = sess
}

// Unregister removes a session from the table. The embedder remains
// responsible for destroying it.
func (s *Service) Unregister(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
}

// Lookup returns the registered session with the given id.
func (s *Service) Lookup(id uint64) (*Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	return sess, ok
}

// lookupLocked finds a live session and hands it back with its recording
// mutex held, releasing the table mutex before returning.
func (s *Service) lookupLocked(id uint64) *Session {
	s.mu.Lock()
	sess := s.sessions[id]
	if sess == nil || sess.Destroyed() {
		s.mu.Unlock()
		return nil
	}
	sess.recMu.Lock()
	s.mu.Unlock()
	return sess
}

// StartPlaying parses the requested recordings and spawns a playout worker
// for the session. paths is either an audio (dir, file) pair, or an audio
// pair followed by a video pair. A single track failing to parse is logged
// and dropped; playback proceeds with whatever parsed.
func (s *Service) StartPlaying(id uint64, transaction string, paths ...string) Status {
	s.log.Info("start playing", "session_id", id, "transaction", transaction)
	if len(paths) != 2 && len(paths) != 4 {
		s.log.Error("wrong number of recording path arguments",
			"got", len(paths), "expected", "2 or 4")
		return StatusWrongArgs
	}

	sess := s.lookupLocked(id)
	if sess == nil {
		return StatusSessionNotFound
	}
	defer sess.recMu.Unlock()

	rec := playout.NewRecording()
	var aidx, vidx *mjr.Index
	var err error
	if aidx, err = mjr.Parse(mjr.ResolvePath(paths[0], paths[1])); err != nil {
		s.log.Warn("error opening audio recording, trying to go on anyway", "error", err)
		aidx = nil
	} else {
		rec.AudioDir, rec.AudioFile = paths[0], paths[1]
	}
	if len(paths) == 4 {
		if vidx, err = mjr.Parse(mjr.ResolvePath(paths[2], paths[3])); err != nil {
			s.log.Warn("error opening video recording, trying to go on anyway", "error", err)
			vidx = nil
		} else {
			rec.VideoDir, rec.VideoFile = paths[2], paths[3]
		}
	}
	if aidx.Empty() && vidx.Empty() {
		s.log.Error("error opening recording files", "session_id", id)
		return StatusInvalidRecording
	}

	sess.recording = rec
	sess.aframes = aidx
	sess.vframes = vidx
	sess.transaction = transaction
	sess.SetActive(true)

	player := playout.New(playout.Config{
		Owner:       sess,
		Recording:   rec,
		Audio:       aidx,
		Video:       vidx,
		Transaction: transaction,
		Events:      s.events,
		Log:         s.log,
		Clock:       s.Clock,
	})
	if err := player.Start(); err != nil {
		s.log.Error("error launching playout worker", "session_id", id, "error", err)
		sess.SetActive(false)
		if handle := sess.Handle(); handle != nil {
			handle.Close()
		}
		return StatusThreadStart
	}
	return StatusOK
}

// StopPlaying raises the shared stop flag; the worker observes it within
// one pacing iteration and emits the stopped event on its way out.
func (s *Service) StopPlaying(id uint64) Status {
	s.log.Info("stop playing", "session_id", id)
	sess := s.lookupLocked(id)
	if sess == nil {
		return StatusSessionNotFound
	}
	defer sess.recMu.Unlock()
	if sess.recording != nil {
		sess.recording.Stop()
	}
	return StatusOK
}
