package playout

import "sync/atomic"

// Recording is the handle for one playback's source files. The stop flag is
// shared between the control surface and the playout worker, which polls it
// every pacing iteration.
type Recording struct {
	AudioDir  string
	AudioFile string
	VideoDir  string
	VideoFile string

	stopped   atomic.Bool
	destroyed atomic.Bool
}

func NewRecording() *Recording {
	return &Recording{}
}

// Stop asks the playout worker to wind down at its next iteration.
func (r *Recording) Stop() {
	r.stopped.Store(true)
}

func (r *Recording) Stopped() bool {
	return r.stopped.Load()
}

// Destroy marks the recording as gone; the worker treats this like a stop
// but reports the playback as ended by teardown rather than by request.
func (r *Recording) Destroy() {
	r.destroyed.Store(true)
}

func (r *Recording) Destroyed() bool {
	return r.destroyed.Load()
}
