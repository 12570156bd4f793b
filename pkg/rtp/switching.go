package rtp

import (
	"encoding/binary"

	"github.com/ethan/mjr-playout/pkg/gateway"
	"github.com/ethan/mjr-playout/pkg/logger"
)

// RTP clock rates in kHz, used when rescaling elapsed wall time into media
// ticks across an SSRC switch.
const (
	audioClockKHz    = 48 // Opus
	audioClockLowKHz = 8  // G.711/G.722 (payload types 0, 8, 9)
	videoClockKHz    = 90
)

// seqResetTSBump is the forward timestamp nudge applied when the sequence
// counter restarts, so the spliced stream never repeats or decreases a
// timestamp across the boundary.
const seqResetTSBump = 2000

// SwitchingContext tracks, per direction, the base and last sequence numbers
// and timestamps of the outgoing stream. Rewrite uses them to keep the
// stream monotonic and gap-free across SSRC changes and playback-session
// boundaries. A context lives as long as its session and survives across
// playouts.
type SwitchingContext struct {
	ALastSSRC   uint32
	ABaseTS     uint32
	ABaseTSPrev uint32
	ALastTS     uint32
	APrevTS     uint32
	ABaseSeq     uint16
	ABaseSeqPrev uint16
	ALastSeq     uint16
	APrevSeq     uint16
	ALastTime int64 // monotonic µs of the last audio packet handled
	ASeqReset bool
	ANewSSRC  bool

	VLastSSRC   uint32
	VBaseTS     uint32
	VBaseTSPrev uint32
	VLastTS     uint32
	VPrevTS     uint32
	VBaseSeq     uint16
	VBaseSeqPrev uint16
	VLastSeq     uint16
	VPrevSeq     uint16
	VLastTime int64
	VSeqReset bool
	VNewSSRC  bool

	// LegacyVideoBumpOnAudioReset restores the historical behavior where an
	// audio sequence reset bumped the video timestamp base instead of the
	// audio one. Off by default.
	LegacyVideoBumpOnAudioReset bool

	// Now is the monotonic microsecond clock; nil means gateway.MonotonicTime.
	Now func() int64
}

func (c *SwitchingContext) now() int64 {
	if c.Now != nil {
		return c.Now()
	}
	return gateway.MonotonicTime()
}

// Rewrite updates the sequence number and timestamp of an outgoing RTP
// packet in place so the downstream peer sees a coherent stream. The step
// parameter is retained for signature compatibility and ignored: whenever
// there is a switch to account for, the elapsed wall time since the last
// packet with the old SSRC decides the timestamp offset instead.
func (c *SwitchingContext) Rewrite(pkt []byte, video bool, step int) {
	if c == nil || len(pkt) < 12 {
		return
	}
	_ = step
	log := logger.Default()
	seq := binary.BigEndian.Uint16(pkt[2:4])
	timestamp := binary.BigEndian.Uint32(pkt[4:8])
	ssrc := binary.BigEndian.Uint32(pkt[8:12])
	if video {
		if ssrc != c.VLastSSRC {
			// Video SSRC changed: rebase both sequence number and timestamp.
			log.Trace(logger.TraceRTP, "video SSRC changed", "from", c.VLastSSRC, "to", ssrc)
			c.VLastSSRC = ssrc
			c.VBaseTSPrev = c.VLastTS
			c.VBaseTS = timestamp
			c.VBaseSeqPrev = c.VLastSeq
			c.VBaseSeq = seq
			// How much time since the last video packet? Offset accordingly.
			if c.VLastTime > 0 {
				diff := (c.now() - c.VLastTime) * videoClockKHz / 1000
				if diff == 0 {
					diff = 1
				}
				c.VBaseTSPrev += uint32(diff)
				c.VLastTS += uint32(diff)
				log.Trace(logger.TraceRTP, "computed offset for video RTP timestamp", "offset", uint32(diff))
			}
			c.VNewSSRC = true
		}
		if c.VSeqReset {
			// Sequence numbering was paused for a while: rebase it, and nudge
			// the timestamp base forward past the splice.
			c.VSeqReset = false
			c.VBaseSeqPrev = c.VLastSeq
			c.VBaseSeq = seq
			c.VBaseTSPrev = c.VLastTS + seqResetTSBump
		}
		c.VPrevTS = c.VLastTS
		c.VLastTS = (timestamp - c.VBaseTS) + c.VBaseTSPrev
		c.VPrevSeq = c.VLastSeq
		c.VLastSeq = (seq - c.VBaseSeq) + c.VBaseSeqPrev + 1
		binary.BigEndian.PutUint32(pkt[4:8], c.VLastTS)
		binary.BigEndian.PutUint16(pkt[2:4], c.VLastSeq)
		c.VLastTime = c.now()
		log.TraceRewrite(true, seq, c.VLastSeq, timestamp, c.VLastTS)
	} else {
		if ssrc != c.ALastSSRC {
			log.Trace(logger.TraceRTP, "audio SSRC changed", "from", c.ALastSSRC, "to", ssrc)
			c.ALastSSRC = ssrc
			c.ABaseTSPrev = c.ALastTS
			c.ABaseTS = timestamp
			c.ABaseSeqPrev = c.ALastSeq
			c.ABaseSeq = seq
			if c.ALastTime > 0 {
				khz := int64(audioClockKHz)
				if pt := pkt[1] & 0x7f; pt == 0 || pt == 8 || pt == 9 {
					khz = audioClockLowKHz
				}
				diff := (c.now() - c.ALastTime) * khz / 1000
				if diff == 0 {
					diff = 1
				}
				c.ABaseTSPrev += uint32(diff)
				c.APrevTS += uint32(diff)
				c.ALastTS += uint32(diff)
				log.Trace(logger.TraceRTP, "computed offset for audio RTP timestamp", "offset", uint32(diff))
			}
			c.ANewSSRC = true
		}
		if c.ASeqReset {
			c.ASeqReset = false
			c.ABaseSeqPrev = c.ALastSeq
			c.ABaseSeq = seq
			if c.LegacyVideoBumpOnAudioReset {
				c.VBaseTSPrev = c.VLastTS + seqResetTSBump
			} else {
				c.ABaseTSPrev = c.ALastTS + seqResetTSBump
			}
		}
		c.APrevTS = c.ALastTS
		c.ALastTS = (timestamp - c.ABaseTS) + c.ABaseTSPrev
		c.APrevSeq = c.ALastSeq
		c.ALastSeq = (seq - c.ABaseSeq) + c.ABaseSeqPrev + 1
		binary.BigEndian.PutUint32(pkt[4:8], c.ALastTS)
		binary.BigEndian.PutUint16(pkt[2:4], c.ALastSeq)
		c.ALastTime = c.now()
		log.TraceRewrite(false, seq, c.ALastSeq, timestamp, c.ALastTS)
	}
}
