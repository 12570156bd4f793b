package playout

import (
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/ethan/mjr-playout/pkg/gateway"
	"github.com/ethan/mjr-playout/pkg/logger"
	"github.com/ethan/mjr-playout/pkg/mjr"
	"github.com/ethan/mjr-playout/pkg/rtp"
)

const (
	// RTP clock rates in kHz; timestamp deltas times 1000 divided by these
	// give the wall-clock µs between packets.
	audioClockKHz = 48
	videoClockKHz = 90

	// Continuity-engine step arguments, retained from the original relay
	// signature (the engine ignores them).
	audioStep = 960
	videoStep = 4500

	// pacingSlack lets a packet go out up to this many µs early rather than
	// spend another idle round waiting.
	pacingSlack = 5000

	// idleSleep is the nap between rounds in which nothing was due.
	idleSleep = 5 * time.Millisecond

	// packetBufferSize is the scratch buffer each worker reads frames into.
	packetBufferSize = 1500
)

// Event payloads pushed to the embedder around a playout's lifetime.
const (
	EventStart   = `{"play":"start"}`
	EventEnded   = `{"play":"ended"}`
	EventStopped = `{"play":"stopped"}`
)

// Owner is the slice of session state a playout worker drives: identity and
// relay handle, liveness flags polled each iteration, the continuity context
// the worker rewrites packets through, and the index heads it clears on exit.
type Owner interface {
	ID() uint64
	Handle() gateway.Peer
	Context() *rtp.SwitchingContext
	Destroyed() bool
	Active() bool
	Recorder() bool
	ClearFrames()
}

// Config assembles a playout worker.
type Config struct {
	Owner       Owner
	Recording   *Recording
	Audio       *mjr.Index
	Video       *mjr.Index
	Transaction string
	Events      gateway.EventSink
	Log         *logger.Logger
	Clock       func() int64 // monotonic µs; nil means gateway.MonotonicTime
}

// Player paces the frames of up to two parsed recordings against wall time
// and hands the packets to the session's relay leg. One worker goroutine per
// playback; Start spawns it, the Recording's stop flag winds it down.
type Player struct {
	owner       Owner
	rec         *Recording
	audio       *mjr.Index
	video       *mjr.Index
	transaction string
	events      gateway.EventSink
	log         *logger.Logger
	clock       func() int64

	// Throttles short-read warnings so a corrupt tail cannot flood the log.
	warnLimit *rate.Limiter

	started atomic.Bool
	done    chan struct{}
}

func New(cfg Config) *Player {
	log := cfg.Log
	if log == nil {
		log = logger.Default()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = gateway.MonotonicTime
	}
	return &Player{
		owner:       cfg.Owner,
		rec:         cfg.Recording,
		audio:       cfg.Audio,
		video:       cfg.Video,
		transaction: cfg.Transaction,
		events:      cfg.Events,
		log:         log.With("component", "playout"),
		clock:       clock,
		warnLimit:   rate.NewLimiter(rate.Every(time.Second), 3),
		done:        make(chan struct{}),
	}
}

// Start validates the playback and spawns the worker goroutine. On error
// nothing was spawned and no event was emitted.
func (p *Player) Start() error {
	if p.owner == nil || p.rec == nil {
		return errors.New("playout: missing session or recording handle")
	}
	if p.started.Swap(true) {
		return errors.New("playout: already started")
	}
	if p.owner.Destroyed() {
		return errors.New("playout: session destroyed")
	}
	if p.owner.Recorder() {
		return errors.New("playout: session is a recorder")
	}
	if p.audio.Empty() && p.video.Empty() {
		return errors.New("playout: no audio and no video frames")
	}

	var afile, vfile *os.File
	var err error
	if !p.audio.Empty() {
		source := mjr.ResolvePath(p.rec.AudioDir, p.rec.AudioFile)
		if afile, err = os.Open(source); err != nil {
			return fmt.Errorf("playout: open audio recording: %w", err)
		}
	}
	if !p.video.Empty() {
		source := mjr.ResolvePath(p.rec.VideoDir, p.rec.VideoFile)
		if vfile, err = os.Open(source); err != nil {
			if afile != nil {
				afile.Close()
			}
			return fmt.Errorf("playout: open video recording: %w", err)
		}
	}

	go p.run(afile, vfile)
	return nil
}

// Done is closed when the worker has exited and released its resources.
func (p *Player) Done() <-chan struct{} {
	return p.done
}

func (p *Player) run(afile, vfile *os.File) {
	defer close(p.done)

	log := p.log.With("session_id", p.owner.ID())
	log.Info("playout worker started",
		"audio_frames", frameCount(p.audio),
		"video_frames", frameCount(p.video))

	// A fresh playout always rebases the outgoing sequence numbering, so it
	// continues from the session's last relayed packet.
	ctx := p.owner.Context()
	ctx.ASeqReset = true
	ctx.VSeqReset = true

	p.events.PushEvent(p.owner.ID(), p.transaction, EventStart)

	var buf [packetBufferSize]byte
	var aframes, vframes []mjr.Frame
	if p.audio != nil {
		aframes = p.audio.Frames
	}
	if p.video != nil {
		vframes = p.video.Frames
	}

	var sent uint64
	ai, vi := 0, 0
	var abefore, vbefore int64
	for !p.owner.Destroyed() && p.owner.Active() && !p.rec.Destroyed() &&
		(ai < len(aframes) || vi < len(vframes)) && !p.rec.Stopped() {
		asent, vsent := false, false
		if ai < len(aframes) {
			if ai == 0 {
				// First packet, send now.
				p.send(afile, &aframes[0], buf[:], false)
				abefore = p.clock()
				asent = true
				ai++
			} else {
				// Timestamp skip from the previous packet, in µs.
				tsDiff := int64(aframes[ai].Timestamp-aframes[ai-1].Timestamp) * 1000 / audioClockKHz
				passed := p.clock() - abefore
				due := passed >= tsDiff-pacingSlack
				p.log.TracePacing(false, tsDiff, passed, due)
				if due {
					abefore += tsDiff
					p.send(afile, &aframes[ai], buf[:], false)
					asent = true
					ai++
				}
			}
			if asent {
				sent++
			}
		}
		if vi < len(vframes) {
			if vi == 0 {
				// First packets: a picture may span several packets sharing
				// one timestamp, send them all.
				ts := vframes[0].Timestamp
				for vi < len(vframes) && vframes[vi].Timestamp == ts {
					p.send(vfile, &vframes[vi], buf[:], true)
					vi++
					sent++
				}
				vbefore = p.clock()
				vsent = true
			} else {
				tsDiff := int64(vframes[vi].Timestamp-vframes[vi-1].Timestamp) * 1000 / videoClockKHz
				passed := p.clock() - vbefore
				due := passed >= tsDiff-pacingSlack
				p.log.TracePacing(true, tsDiff, passed, due)
				if due {
					vbefore += tsDiff
					ts := vframes[vi].Timestamp
					for vi < len(vframes) && vframes[vi].Timestamp == ts {
						p.send(vfile, &vframes[vi], buf[:], true)
						vi++
						sent++
					}
					vsent = true
				}
			}
		}
		if !asent && !vsent {
			// Nothing was due this round.
			time.Sleep(idleSleep)
		}
	}

	switch {
	case p.owner.Destroyed():
		log.Debug("session destroyed under playout, suppressing terminal event")
	case p.rec.Stopped():
		p.events.PushEvent(p.owner.ID(), p.transaction, EventStopped)
	default:
		p.events.PushEvent(p.owner.ID(), p.transaction, EventEnded)
	}

	// Get rid of the indexes and release the files.
	p.audio, p.video = nil, nil
	p.owner.ClearFrames()
	if afile != nil {
		afile.Close()
	}
	if vfile != nil {
		vfile.Close()
	}

	log.Info("playout worker exited",
		"packets_sent", sent,
		"stopped", p.rec.Stopped())
}

// send reads one frame into the scratch buffer, rewrites its header for
// continuity and relays it. A short read is logged and whatever bytes did
// arrive are still relayed, matching the recording writer's own tolerance.
func (p *Player) send(file *os.File, f *mjr.Frame, buf []byte, video bool) {
	want := int(f.Len)
	if want > len(buf) {
		// The scratch buffer bounds the packet size, like the MTU did when
		// the recording was written.
		want = len(buf)
	}
	n, err := file.ReadAt(buf[:want], f.Offset)
	if err != nil && p.warnLimit.Allow() {
		p.log.Warn("short read from recording",
			"want", f.Len, "got", n, "offset", f.Offset, "error", err)
	}
	if n == 0 {
		return
	}
	pkt := buf[:n]
	step := audioStep
	if video {
		step = videoStep
	}
	p.owner.Context().Rewrite(pkt, video, step)
	if handle := p.owner.Handle(); handle != nil {
		if err := handle.WriteRTP(video, pkt); err != nil {
			p.log.Trace(logger.TraceRTP, "relay write failed", "video", video, "error", err)
		}
	}
}

func frameCount(x *mjr.Index) int {
	if x == nil {
		return 0
	}
	return len(x.Frames)
}
