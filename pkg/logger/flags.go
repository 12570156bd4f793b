package logger

import (
	"flag"
	"fmt"
)

// Flags is the logging command-line surface shared by the binaries.
type Flags struct {
	Level string
	JSON  bool
	File  string
	Trace string
}

// RegisterFlags wires the logging flags into fs.
func RegisterFlags(fs *flag.FlagSet) *Flags {
	f := &Flags{}
	fs.StringVar(&f.Level, "log-level", "info",
		"Log level: debug, info, warn, error")
	fs.BoolVar(&f.JSON, "log-json", false,
		"Write logs as JSON instead of text")
	fs.StringVar(&f.File, "log-file", "",
		"Append logs to this file instead of stdout")
	fs.StringVar(&f.Trace, "trace", "",
		"Packet-level trace streams, comma separated: rtp, mjr, playout, session, webrtc, all")
	return f
}

// Build parses the flag values into a ready Logger.
func (f *Flags) Build() (*Logger, error) {
	trace, err := ParseTrace(f.Trace)
	if err != nil {
		return nil, err
	}
	return New(Options{Level: f.Level, JSON: f.JSON, File: f.File, Trace: trace})
}

// String summarizes the effective settings for startup logging.
func (f *Flags) String() string {
	out := fmt.Sprintf("level=%s json=%v", f.Level, f.JSON)
	if f.File != "" {
		out += " file=" + f.File
	}
	if f.Trace != "" {
		out += " trace=" + f.Trace
	}
	return out
}
