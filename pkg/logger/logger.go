// Package logger is the engine's logging front end: slog underneath, plus
// per-subsystem trace switches for the packet-rate firehose that would drown
// an ordinary debug log (per-frame index entries, per-packet continuity
// rewrites, pacing decisions).
package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// Trace selects packet-level trace streams. Traces are opt-in separately
// from the log level: they emit at debug level, but only while their switch
// is on.
type Trace uint8

const (
	TraceRTP     Trace = 1 << iota // continuity rewrites
	TraceMJR                       // container records and index entries
	TracePlayout                   // pacing decisions
	TraceSession                   // control-surface calls
	TraceWebRTC                    // negotiation and RTCP feedback
)

// TraceAll switches every stream on.
const TraceAll = TraceRTP | TraceMJR | TracePlayout | TraceSession | TraceWebRTC

var traceNames = []struct {
	name string
	bit  Trace
}{
	{"rtp", TraceRTP},
	{"mjr", TraceMJR},
	{"playout", TracePlayout},
	{"session", TraceSession},
	{"webrtc", TraceWebRTC},
}

// ParseTrace turns a comma-separated stream list ("rtp,playout", "all") into
// a trace set. The empty list is valid and selects nothing.
func ParseTrace(list string) (Trace, error) {
	var t Trace
next:
	for _, name := range strings.Split(list, ",") {
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" {
			continue
		}
		if name == "all" {
			t = TraceAll
			continue
		}
		for _, known := range traceNames {
			if name == known.name {
				t |= known.bit
				continue next
			}
		}
		return 0, fmt.Errorf("unknown trace stream %q", name)
	}
	return t, nil
}

func (t Trace) String() string {
	var names []string
	for _, known := range traceNames {
		if t&known.bit != 0 {
			names = append(names, known.name)
		}
	}
	return strings.Join(names, ",")
}

// Options configure a Logger.
type Options struct {
	Level string // debug, info, warn, error; empty means info
	JSON  bool
	File  string // append to this file instead of standard output
	Trace Trace  // non-zero forces debug level

	// Writer overrides File and standard output; used by tests.
	Writer io.Writer
}

// Logger is a *slog.Logger that also carries the trace switches.
type Logger struct {
	*slog.Logger
	trace Trace
	file  *os.File
}

// New builds a Logger.
func New(opts Options) (*Logger, error) {
	level := slog.LevelInfo
	if opts.Level != "" {
		if err := level.UnmarshalText([]byte(opts.Level)); err != nil {
			return nil, fmt.Errorf("parse log level: %w", err)
		}
	}
	if opts.Trace != 0 {
		// Traces emit at debug level, so a trace request implies it.
		level = slog.LevelDebug
	}

	var w io.Writer = os.Stdout
	var file *os.File
	switch {
	case opts.Writer != nil:
		w = opts.Writer
	case opts.File != "":
		f, err := os.OpenFile(opts.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("open log file %s: %w", opts.File, err)
		}
		w, file = f, f
	}

	handlerOpts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if opts.JSON {
		handler = slog.NewJSONHandler(w, handlerOpts)
	} else {
		handler = slog.NewTextHandler(w, handlerOpts)
	}

	return &Logger{Logger: slog.New(handler), trace: opts.Trace, file: file}, nil
}

// With returns a Logger carrying extra attributes and the same trace set.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{Logger: l.Logger.With(args...), trace: l.trace, file: l.file}
}

// Close releases the log file, if one was opened.
func (l *Logger) Close() error {
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

// Tracing reports whether a trace stream is switched on.
func (l *Logger) Tracing(t Trace) bool {
	return l.trace&t != 0
}

// Trace emits msg on the given stream.
func (l *Logger) Trace(t Trace, msg string, args ...any) {
	if l.Tracing(t) {
		l.Debug(msg, append([]any{"trace", t.String()}, args...)...)
	}
}

// TraceFrame dumps one indexed frame descriptor on the mjr stream.
func (l *Logger) TraceFrame(seq uint16, ts uint64, length uint16, offset int64) {
	if l.Tracing(TraceMJR) {
		l.Debug("frame", "trace", "mjr",
			"seq", seq, "ts", ts, "len", length, "offset", offset)
	}
}

// TraceRewrite dumps one continuity rewrite on the rtp stream: what the
// recording carried against what went out on the wire.
func (l *Logger) TraceRewrite(video bool, inSeq, outSeq uint16, inTS, outTS uint32) {
	if l.Tracing(TraceRTP) {
		l.Debug("rewrite", "trace", "rtp", "video", video,
			"in_seq", inSeq, "out_seq", outSeq, "in_ts", inTS, "out_ts", outTS)
	}
}

// TracePacing dumps one pacing decision on the playout stream: how long the
// next packet was due versus how much wall time had passed.
func (l *Logger) TracePacing(video bool, dueUS, passedUS int64, sent bool) {
	if l.Tracing(TracePlayout) {
		l.Debug("pacing", "trace", "playout", "video", video,
			"due_us", dueUS, "passed_us", passedUS, "sent", sent)
	}
}

var (
	defaultMu sync.RWMutex
	std       = &Logger{Logger: slog.Default()}
)

// Default returns the process-wide logger. Until SetDefault runs it wraps
// slog's own default with no traces enabled.
func Default() *Logger {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return std
}

// SetDefault installs the process-wide logger and mirrors it into slog.
func SetDefault(l *Logger) {
	defaultMu.Lock()
	std = l
	defaultMu.Unlock()
	slog.SetDefault(l.Logger)
}

// Package-level shorthands through the default logger.

func Debug(msg string, args ...any) { Default().Debug(msg, args...) }
func Info(msg string, args ...any)  { Default().Info(msg, args...) }
func Warn(msg string, args ...any)  { Default().Warn(msg, args...) }
func Error(msg string, args ...any) { Default().Error(msg, args...) }
