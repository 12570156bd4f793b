package mjr

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/ethan/mjr-playout/pkg/logger"
)

const (
	// Each record is an 8-byte ASCII tag, a big-endian uint16 length, then
	// that many payload bytes.
	recordHeaderSize = 10

	// rtpHeaderMin is the fixed RTP header size; framed payloads shorter
	// than this are markers, not packets.
	rtpHeaderMin = 12

	// rtpPrefixSize covers the fixed header plus one CSRC, enough for the
	// fields the indexer needs.
	rtpPrefixSize = 16

	// firstTSGuard is subtracted from the first observed timestamp (when
	// possible) so slightly out-of-order frames near the start still
	// classify as pre-reset.
	firstTSGuard = 1000 * 1000

	// resetThreshold is the backward jump, in RTP ticks, that separates a
	// mid-stream timestamp reset from ordinary out-of-order delivery.
	resetThreshold = 2 * 1000 * 1000 * 1000
)

// ErrNoFrames is returned when a recording parses cleanly but contains no
// RTP frames to index.
var ErrNoFrames = errors.New("mjr: no RTP frames in recording")

// ResolvePath joins a recording directory and filename, appending the .mjr
// suffix when the filename does not already carry it.
func ResolvePath(dir, name string) string {
	if !strings.Contains(name, ".mjr") {
		name += ".mjr"
	}
	return dir + "/" + name
}

// Parse scans the recording at path and returns its ordered frame index.
//
// The file is walked twice: the first pass validates the container, parses
// the header record and looks for 32-bit timestamp resets; the second pass
// builds the (timestamp, seq) ordered index, lifting post-reset timestamps
// into a 64-bit domain so playback sees them as monotonic.
func Parse(path string) (*Index, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open recording: %w", err)
	}
	defer file.Close()

	fi, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat recording: %w", err)
	}
	size := fi.Size()
	logger.Debug("pre-parsing recording to generate ordered index",
		"path", path, "size_bytes", size)

	idx := &Index{}
	scan := &resetScan{}
	if err := prescan(file, size, idx, scan); err != nil {
		return nil, err
	}
	buildIndex(file, size, idx, scan)

	if len(idx.Frames) == 0 {
		return nil, ErrNoFrames
	}
	logger.Debug("recording indexed",
		"path", path,
		"frames", len(idx.Frames),
		"kind", idx.Kind,
		"codec", idx.Codec)
	return idx, nil
}

// resetScan carries the first-pass timestamp bookkeeping used to classify
// frames as pre- or post-reset.
type resetScan struct {
	firstTS uint32
	lastTS  uint32
	reset   uint32 // smallest post-reset timestamp, 0 when no reset seen
	seen    bool
}

func (s *resetScan) observe(ts uint32) {
	if !s.seen {
		s.seen = true
		s.firstTS = ts
		if s.firstTS > firstTSGuard {
			s.firstTS -= firstTSGuard
		}
	} else if ts < s.lastTS {
		// Smaller than the previous one: timestamp reset, or simply out
		// of order? Only a huge backward jump counts as a reset.
		if s.lastTS-ts > resetThreshold {
			s.reset = ts
			logger.Debug("timestamp reset", "reset", ts)
		}
	} else if ts < s.reset {
		logger.Debug("updating timestamp reset", "reset", ts, "was", s.reset)
		s.reset = ts
	}
	s.lastTS = ts
}

// lift maps a recorded 32-bit timestamp into the 64-bit playback domain.
func (s *resetScan) lift(raw uint32) uint64 {
	if s.reset == 0 {
		return uint64(raw)
	}
	if raw > s.firstTS {
		// Pre-reset.
		return uint64(raw)
	}
	// Post-reset: continue past the 32-bit boundary.
	return (1 << 32) + uint64(raw)
}

// readRecordHeader reads the 8-byte tag and 2-byte length at offset.
func readRecordHeader(file *os.File, offset int64) (tag [8]byte, length uint16, err error) {
	var hdr [recordHeaderSize]byte
	if _, err = file.ReadAt(hdr[:], offset); err != nil {
		return tag, 0, err
	}
	copy(tag[:], hdr[:8])
	return tag, binary.BigEndian.Uint16(hdr[8:10]), nil
}

// prescan is the first pass: container validation, header-record parsing and
// the timestamp-reset scan. A record with bad content (tag, media kind, info
// JSON) is a hard parse error; a truncated record stops the scan instead.
func prescan(file *os.File, size int64, idx *Index, scan *resetScan) error {
	var offset int64
	parsedHeader := false
	for offset < size {
		tag, length, err := readRecordHeader(file, offset)
		if err != nil {
			logger.Warn("truncated record header, stopping scan", "offset", offset, "error", err)
			return nil
		}
		if tag[0] != 'M' {
			return fmt.Errorf("invalid record tag at %d: %q", offset, tag[:])
		}
		payload := offset + recordHeaderSize
		if payload+int64(length) > size {
			logger.Warn("record extends past end of file, stopping scan",
				"offset", offset, "len", length)
			return nil
		}
		offset = payload + int64(length)

		switch tag[1] {
		case 'E':
			// Either the legacy preamble (followed by a 5-byte media-kind
			// record), a non-RTP marker, or an RTP frame.
			if length == 5 && !parsedHeader {
				parsedHeader = true
				logger.Debug("legacy recording header format")
				var kind [5]byte
				if _, err := file.ReadAt(kind[:], payload); err != nil {
					logger.Warn("truncated legacy media kind, stopping scan", "error", err)
					return nil
				}
				switch kind[0] {
				case 'a':
					logger.Info("legacy audio recording, assuming Opus")
					idx.Kind = MediaAudio
					idx.Codec = "opus"
				case 'v':
					logger.Info("legacy video recording, assuming VP8")
					idx.Kind = MediaVideo
					idx.Codec = "vp8"
				default:
					return fmt.Errorf("unsupported legacy media kind %q", kind[0])
				}
				continue
			}
			if length < rtpHeaderMin {
				logger.Debug("skipping non-RTP record", "offset", payload, "len", length)
				continue
			}
			var prefix [rtpPrefixSize]byte
			if _, err := file.ReadAt(prefix[:], payload); err != nil {
				logger.Warn("truncated RTP header, stopping scan", "offset", payload, "error", err)
				return nil
			}
			scan.observe(binary.BigEndian.Uint32(prefix[4:8]))
		case 'J':
			if length > 0 && !parsedHeader {
				parsedHeader = true
				logger.Debug("recording info header format")
				buf := make([]byte, length)
				if _, err := file.ReadAt(buf, payload); err != nil {
					logger.Warn("truncated info header, stopping scan", "error", err)
					return nil
				}
				if err := idx.parseInfoHeader(buf); err != nil {
					return err
				}
			}
		default:
			return fmt.Errorf("invalid record tag at %d: %q", payload-recordHeaderSize, tag[:])
		}
	}
	return nil
}

// buildIndex is the second pass: the container was validated already, so any
// short read here just stops the walk and keeps the frames indexed so far.
func buildIndex(file *os.File, size int64, idx *Index, scan *resetScan) {
	var offset int64
	for offset < size {
		tag, length, err := readRecordHeader(file, offset)
		if err != nil {
			logger.Warn("error reading record header, stopping here", "offset", offset, "error", err)
			break
		}
		payload := offset + recordHeaderSize
		if payload+int64(length) > size {
			logger.Warn("record extends past end of file, stopping here",
				"offset", offset, "len", length)
			break
		}
		offset = payload + int64(length)
		if tag[1] == 'J' || length < rtpHeaderMin {
			continue
		}
		var prefix [rtpPrefixSize]byte
		if _, err := file.ReadAt(prefix[:], payload); err != nil {
			logger.Warn("error reading RTP header, stopping here", "offset", payload, "error", err)
			break
		}
		f := Frame{
			Seq:       binary.BigEndian.Uint16(prefix[2:4]),
			Timestamp: scan.lift(binary.BigEndian.Uint32(prefix[4:8])),
			Len:       length,
			Offset:    payload,
		}
		logger.Default().TraceFrame(f.Seq, f.Timestamp, f.Len, f.Offset)
		idx.insert(f)
	}
	logger.Debug("counted RTP packets", "count", len(idx.Frames))
}

// infoHeader mirrors the JSON object written at the head of modern
// recordings. Pointer fields distinguish missing keys from zero values.
type infoHeader struct {
	Type    *string `json:"t"`
	Codec   *string `json:"c"`
	Created *int64  `json:"s"`
	Written *int64  `json:"u"`
}

func (x *Index) parseInfoHeader(data []byte) error {
	var info infoHeader
	if err := json.Unmarshal(data, &info); err != nil {
		return fmt.Errorf("parse info header: %w", err)
	}
	if info.Type == nil {
		return errors.New("missing recording type in info header")
	}
	switch strings.ToLower(*info.Type) {
	case "a":
		x.Kind = MediaAudio
	case "v":
		x.Kind = MediaVideo
	default:
		return fmt.Errorf("unsupported recording type %q in info header", *info.Type)
	}
	if info.Codec == nil {
		return errors.New("missing recording codec in info header")
	}
	x.Codec = *info.Codec
	if info.Created == nil {
		return errors.New("missing recording created time in info header")
	}
	x.Created = *info.Created
	if info.Written == nil {
		return errors.New("missing recording written time in info header")
	}
	x.FirstFrame = *info.Written
	logger.Debug("info header parsed",
		"kind", x.Kind, "codec", x.Codec, "created", x.Created, "written", x.FirstFrame)
	return nil
}
