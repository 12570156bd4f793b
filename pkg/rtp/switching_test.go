package rtp

import (
	"encoding/binary"
	"testing"

	pionRTP "github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func packet(t *testing.T, seq uint16, ts, ssrc uint32, pt uint8) []byte {
	t.Helper()
	p := &pionRTP.Packet{
		Header: pionRTP.Header{
			Version:        2,
			PayloadType:    pt,
			SequenceNumber: seq,
			Timestamp:      ts,
			SSRC:           ssrc,
		},
		Payload: make([]byte, 8),
	}
	b, err := p.Marshal()
	require.NoError(t, err)
	return b
}

func seqTS(pkt []byte) (uint16, uint32) {
	return binary.BigEndian.Uint16(pkt[2:4]), binary.BigEndian.Uint32(pkt[4:8])
}

// fakeClock is a manually advanced monotonic µs clock.
type fakeClock struct {
	now int64
}

func (c *fakeClock) fn() func() int64 {
	return func() int64 { return c.now }
}

func TestRewriteSequenceGapFree(t *testing.T) {
	clock := &fakeClock{now: 1_000_000}
	ctx := &SwitchingContext{Now: clock.fn()}
	ctx.ASeqReset = true

	// One playback whose source switches SSRC halfway: the output numbering
	// must stay consecutive across the switch.
	inputs := []struct {
		seq  uint16
		ts   uint32
		ssrc uint32
	}{
		{100, 1000, 0xA}, {101, 1960, 0xA}, {102, 2920, 0xA},
		{7000, 50000, 0xB}, {7001, 50960, 0xB}, {7002, 51920, 0xB},
	}
	var out []uint16
	for _, in := range inputs {
		pkt := packet(t, in.seq, in.ts, in.ssrc, 111)
		ctx.Rewrite(pkt, false, 960)
		seq, _ := seqTS(pkt)
		out = append(out, seq)
		clock.now += 20_000
	}
	for i := 1; i < len(out); i++ {
		assert.Equal(t, out[i-1]+1, out[i], "sequence gap between packets %d and %d", i-1, i)
	}
}

func TestRewriteSequenceWrapsAround(t *testing.T) {
	ctx := &SwitchingContext{Now: (&fakeClock{now: 1}).fn()}
	ctx.ALastSSRC = 0xA
	ctx.ABaseSeq = 100
	ctx.ABaseSeqPrev = 65500
	ctx.ABaseTS = 1000

	pkt := packet(t, 201, 1960, 0xA, 111)
	ctx.Rewrite(pkt, false, 960)
	seq, _ := seqTS(pkt)
	// (201-100)+65500+1 wraps modulo 2^16.
	assert.Equal(t, uint16(66), seq)
}

func TestRewriteAudioSSRCChangeAdvancesTimestamp(t *testing.T) {
	clock := &fakeClock{now: 1_000_000}
	ctx := &SwitchingContext{Now: clock.fn()}

	first := packet(t, 1, 10000, 0xA, 111)
	ctx.Rewrite(first, false, 960)
	_, beforeTS := seqTS(first)

	// One second of wall time passes before the source switches.
	clock.now += 1_000_000
	second := packet(t, 9, 50000, 0xB, 111)
	ctx.Rewrite(second, false, 960)
	_, afterTS := seqTS(second)

	// 48 kHz: one second is 48000 ticks ahead of the pre-change timestamp.
	assert.Equal(t, beforeTS+48000, afterTS)
}

func TestRewriteAudioLowRatePayloadTypes(t *testing.T) {
	for _, pt := range []uint8{0, 8, 9} {
		clock := &fakeClock{now: 1_000_000}
		ctx := &SwitchingContext{Now: clock.fn()}

		first := packet(t, 1, 10000, 0xA, pt)
		ctx.Rewrite(first, false, 160)
		_, beforeTS := seqTS(first)

		clock.now += 1_000_000
		second := packet(t, 9, 50000, 0xB, pt)
		ctx.Rewrite(second, false, 160)
		_, afterTS := seqTS(second)

		// G.711/G.722 rescale at 8 kHz.
		assert.Equal(t, beforeTS+8000, afterTS, "payload type %d", pt)
	}
}

func TestRewriteVideoSSRCChangeAdvancesTimestamp(t *testing.T) {
	clock := &fakeClock{now: 1_000_000}
	ctx := &SwitchingContext{Now: clock.fn()}

	first := packet(t, 1, 90000, 0xA, 96)
	ctx.Rewrite(first, true, 4500)
	_, beforeTS := seqTS(first)

	clock.now += 100_000 // 100 ms
	second := packet(t, 50, 500000, 0xB, 96)
	ctx.Rewrite(second, true, 4500)
	_, afterTS := seqTS(second)

	assert.Equal(t, beforeTS+9000, afterTS)
}

func TestRewritePassthroughDeltasWithinStream(t *testing.T) {
	clock := &fakeClock{now: 1_000_000}
	ctx := &SwitchingContext{Now: clock.fn()}

	var lastTS uint32
	for i, rawTS := range []uint32{1000, 1960, 2920, 3880} {
		pkt := packet(t, uint16(i+1), rawTS, 0xA, 111)
		ctx.Rewrite(pkt, false, 960)
		_, ts := seqTS(pkt)
		if i > 0 {
			assert.Equal(t, uint32(960), ts-lastTS)
		}
		lastTS = ts
		clock.now += 20_000
	}
}

func TestRewriteSeqResetBumpsOwnDirection(t *testing.T) {
	ctx := &SwitchingContext{Now: (&fakeClock{now: 1}).fn()}
	ctx.ASeqReset = true

	pkt := packet(t, 42, 5000, 0xA, 111)
	ctx.Rewrite(pkt, false, 960)
	seq, ts := seqTS(pkt)

	// The bump lands on the audio base; video state is untouched.
	assert.Equal(t, uint32(seqResetTSBump), ts)
	assert.Equal(t, uint16(1), seq)
	assert.Equal(t, uint32(0), ctx.VBaseTSPrev)
	assert.False(t, ctx.ASeqReset)
}

func TestRewriteLegacyVideoBumpOnAudioReset(t *testing.T) {
	ctx := &SwitchingContext{
		Now:                         (&fakeClock{now: 1}).fn(),
		LegacyVideoBumpOnAudioReset: true,
	}
	ctx.ASeqReset = true

	pkt := packet(t, 42, 5000, 0xA, 111)
	ctx.Rewrite(pkt, false, 960)
	_, ts := seqTS(pkt)

	// Historical behavior: the audio reset bumps the video base instead.
	assert.Equal(t, uint32(0), ts)
	assert.Equal(t, uint32(seqResetTSBump), ctx.VBaseTSPrev)
}

func TestRewriteVideoSeqReset(t *testing.T) {
	ctx := &SwitchingContext{Now: (&fakeClock{now: 1}).fn()}
	ctx.VSeqReset = true

	pkt := packet(t, 9, 90000, 0xB, 96)
	ctx.Rewrite(pkt, true, 4500)
	seq, ts := seqTS(pkt)

	assert.Equal(t, uint32(seqResetTSBump), ts)
	assert.Equal(t, uint16(1), seq)
	assert.False(t, ctx.VSeqReset)
}

func TestRewriteTooShortPacketIsIgnored(t *testing.T) {
	ctx := &SwitchingContext{Now: (&fakeClock{now: 1}).fn()}
	assert.NotPanics(t, func() {
		ctx.Rewrite(nil, false, 960)
		ctx.Rewrite(make([]byte, 11), true, 4500)
	})
}
