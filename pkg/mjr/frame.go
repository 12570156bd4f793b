package mjr

// MediaKind identifies which media track a recording carries.
type MediaKind string

const (
	MediaAudio MediaKind = "audio"
	MediaVideo MediaKind = "video"
)

// Frame describes one RTP packet inside a recording file.
type Frame struct {
	Seq       uint16 // sequence number from the recorded RTP header
	Timestamp uint64 // 32-bit RTP timestamp lifted into a non-wrapping 64-bit domain
	Len       uint16 // framed length, RTP header included
	Offset    int64  // absolute position of the RTP header within the file
}

// Index is the time-ordered frame index of a single recording, plus the
// metadata recovered from its header record.
type Index struct {
	Frames []Frame

	Kind       MediaKind
	Codec      string // codec name from the info header (assumed for legacy files)
	Created    int64  // file creation time (ms), info header only
	FirstFrame int64  // first-frame write time (ms), info header only
}

// Empty reports whether the index holds no frames.
func (x *Index) Empty() bool {
	return x == nil || len(x.Frames) == 0
}

// seqWrapDistance separates a wrapped sequence number from a merely
// out-of-order one when two frames share a timestamp.
const seqWrapDistance = 10000

// insert places f into Frames keeping (Timestamp, Seq) order. The scan walks
// backward from the tail: recordings are mostly ordered already, so late
// out-of-order frames land near the end.
func (x *Index) insert(f Frame) {
	i := len(x.Frames)
	for i > 0 {
		tmp := x.Frames[i-1]
		if tmp.Timestamp < f.Timestamp {
			break
		}
		if tmp.Timestamp == f.Timestamp {
			dist := int(tmp.Seq) - int(f.Seq)
			if dist < 0 {
				dist = -dist
			}
			if tmp.Seq < f.Seq && dist < seqWrapDistance {
				break
			}
			// A much smaller sequence number this close in time means the
			// counter wrapped; the new frame is still the successor.
			if tmp.Seq > f.Seq && dist > seqWrapDistance {
				break
			}
		}
		i--
	}
	x.Frames = append(x.Frames, Frame{})
	copy(x.Frames[i+1:], x.Frames[i:])
	x.Frames[i] = f
}
