package session

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	pionRTP "github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethan/mjr-playout/pkg/playout"
)

type fakePeer struct {
	mu     sync.Mutex
	writes int
	closed bool
}

func (p *fakePeer) WriteRTP(video bool, pkt []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writes++
	return nil
}

func (p *fakePeer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *fakePeer) writeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.writes
}

func (p *fakePeer) wasClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// chanSink forwards every event body to a channel so tests can await the
// terminal one.
type chanSink struct {
	events chan string
}

func newChanSink() *chanSink {
	return &chanSink{events: make(chan string, 16)}
}

func (s *chanSink) PushEvent(sessionID uint64, transaction, body string) {
	s.events <- body
}

func (s *chanSink) await(t *testing.T, timeout time.Duration) string {
	t.Helper()
	select {
	case body := <-s.events:
		return body
	case <-time.After(timeout):
		t.Fatal("no event arrived in time")
		return ""
	}
}

func writeAudioRecording(t *testing.T, dir, name string, frames int) {
	t.Helper()
	data := append([]byte("MEETECHO"), 0, 5)
	data = append(data, []byte("audio")...)
	for i := 0; i < frames; i++ {
		p := &pionRTP.Packet{
			Header: pionRTP.Header{
				Version:        2,
				PayloadType:    111,
				SequenceNumber: uint16(i + 1),
				Timestamp:      1000 + uint32(i)*960,
				SSRC:           0xcafe,
			},
			Payload: make([]byte, 8),
		}
		b, err := p.Marshal()
		require.NoError(t, err)
		data = append(data, []byte("MEETECHO")...)
		var ln [2]byte
		binary.BigEndian.PutUint16(ln[:], uint16(len(b)))
		data = append(data, ln[:]...)
		data = append(data, b...)
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), data, 0644))
}

func TestStartPlayingWrongArgs(t *testing.T) {
	svc := NewService(newChanSink(), nil)
	svc.Register(New(1, &fakePeer{}, false))

	assert.Equal(t, StatusWrongArgs, svc.StartPlaying(1, "tr"))
	assert.Equal(t, StatusWrongArgs, svc.StartPlaying(1, "tr", "dir"))
	assert.Equal(t, StatusWrongArgs, svc.StartPlaying(1, "tr", "d", "f", "d2"))
	assert.Equal(t, StatusWrongArgs, svc.StartPlaying(1, "tr", "a", "b", "c", "d", "e"))
}

func TestStartPlayingSessionNotFound(t *testing.T) {
	dir := t.TempDir()
	writeAudioRecording(t, dir, "a.mjr", 2)
	svc := NewService(newChanSink(), nil)

	assert.Equal(t, StatusSessionNotFound, svc.StartPlaying(42, "tr", dir, "a.mjr"))

	sess := New(7, &fakePeer{}, false)
	svc.Register(sess)
	sess.Destroy()
	assert.Equal(t, StatusSessionNotFound, svc.StartPlaying(7, "tr", dir, "a.mjr"))
}

func TestStartPlayingInvalidRecording(t *testing.T) {
	dir := t.TempDir()
	sink := newChanSink()
	svc := NewService(sink, nil)
	svc.Register(New(1, &fakePeer{}, false))

	status := svc.StartPlaying(1, "tr", dir, "missing-audio", dir, "missing-video")
	assert.Equal(t, StatusInvalidRecording, status)

	// No worker spawned, no events emitted.
	select {
	case body := <-sink.events:
		t.Fatalf("unexpected event %q", body)
	case <-time.After(30 * time.Millisecond):
	}
}

func TestStartPlayingAudioOnly(t *testing.T) {
	dir := t.TempDir()
	writeAudioRecording(t, dir, "a.mjr", 3)
	sink := newChanSink()
	peer := &fakePeer{}
	svc := NewService(sink, nil)
	sess := New(1, peer, false)
	svc.Register(sess)

	assert.Equal(t, StatusOK, svc.StartPlaying(1, "tr-1", dir, "a.mjr"))
	assert.True(t, sess.Active())
	assert.Equal(t, "tr-1", sess.Transaction())

	assert.Equal(t, playout.EventStart, sink.await(t, time.Second))
	assert.Equal(t, playout.EventEnded, sink.await(t, 2*time.Second))
	assert.Equal(t, 3, peer.writeCount())

	// Worker cleanup drops the index heads on its way out.
	require.Eventually(t, func() bool {
		audio, video := sess.Frames()
		return audio == nil && video == nil
	}, time.Second, 10*time.Millisecond)
}

func TestStartPlayingMissingAudioFallsBackToVideo(t *testing.T) {
	dir := t.TempDir()
	// Only the "video" track exists; audio parse fails and is dropped. The
	// recording itself is an audio-kind file, which the scheduler does not
	// mind: it paces whatever index it is handed.
	writeAudioRecording(t, dir, "v.mjr", 2)
	sink := newChanSink()
	peer := &fakePeer{}
	svc := NewService(sink, nil)
	svc.Register(New(1, peer, false))

	status := svc.StartPlaying(1, "tr", dir, "missing.mjr", dir, "v.mjr")
	assert.Equal(t, StatusOK, status)

	assert.Equal(t, playout.EventStart, sink.await(t, time.Second))
	assert.Equal(t, playout.EventEnded, sink.await(t, 2*time.Second))
	assert.Equal(t, 2, peer.writeCount())
}

func TestStartPlayingRecorderSession(t *testing.T) {
	dir := t.TempDir()
	writeAudioRecording(t, dir, "a.mjr", 2)
	sink := newChanSink()
	peer := &fakePeer{}
	svc := NewService(sink, nil)
	svc.Register(New(1, peer, true))

	status := svc.StartPlaying(1, "tr", dir, "a.mjr")
	assert.Equal(t, StatusThreadStart, status)
	// Failure to launch the worker requests peer teardown.
	assert.True(t, peer.wasClosed())
}

func TestStopPlaying(t *testing.T) {
	dir := t.TempDir()
	writeAudioRecording(t, dir, "a.mjr", 200)
	sink := newChanSink()
	peer := &fakePeer{}
	svc := NewService(sink, nil)
	sess := New(1, peer, false)
	svc.Register(sess)

	require.Equal(t, StatusOK, svc.StartPlaying(1, "tr", dir, "a.mjr"))
	require.Equal(t, playout.EventStart, sink.await(t, time.Second))

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, StatusOK, svc.StopPlaying(1))
	assert.Equal(t, playout.EventStopped, sink.await(t, time.Second))
}

func TestStopPlayingSessionNotFound(t *testing.T) {
	svc := NewService(newChanSink(), nil)
	assert.Equal(t, StatusSessionNotFound, svc.StopPlaying(99))
}

func TestStatusString(t *testing.T) {
	assert.Equal(t, "ok", StatusOK.String())
	assert.Equal(t, "session not found", StatusSessionNotFound.String())
	assert.NotEmpty(t, Status(42).String())
}

func TestLookupAndUnregister(t *testing.T) {
	svc := NewService(newChanSink(), nil)
	sess := New(5, &fakePeer{}, false)
	svc.Register(sess)

	got, ok := svc.Lookup(5)
	assert.True(t, ok)
	assert.Equal(t, sess, got)

	svc.Unregister(5)
	_, ok = svc.Lookup(5)
	assert.False(t, ok)
}
