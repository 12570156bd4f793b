package gateway

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"golang.org/x/time/rate"

	"github.com/ethan/mjr-playout/pkg/logger"
)

// WebRTCPeer is a Peer backed by a pion PeerConnection with one audio and
// one video outgoing track. Recordings carry Opus and VP8, so those are the
// codecs negotiated.
type WebRTCPeer struct {
	logger      *logger.Logger
	pc          *webrtc.PeerConnection
	audioTrack  *webrtc.TrackLocalStaticRTP
	videoTrack  *webrtc.TrackLocalStaticRTP
	audioSender *webrtc.RTPSender
	videoSender *webrtc.RTPSender
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup

	// Aggregated RTCP feedback per track, see readFeedback.
	feedbackMu    sync.Mutex
	audioFeedback FeedbackStats
	videoFeedback FeedbackStats

	// Cached connection state (to avoid blocking on pc.ConnectionState())
	connStateMu     sync.RWMutex
	cachedConnState webrtc.PeerConnectionState

	closeOnce sync.Once
	closeErr  error
}

// NewWebRTCPeer builds the peer connection and its tracks. Negotiation is
// the caller's job: CreateOffer, deliver it, then SetAnswer.
func NewWebRTCPeer(ctx context.Context, stunServer string, log *logger.Logger) (*WebRTCPeer, error) {
	ctx, cancel := context.WithCancel(ctx)
	if log == nil {
		log = logger.Default()
	}

	p := &WebRTCPeer{
		logger:          log.With("component", "webrtc"),
		ctx:             ctx,
		cancel:          cancel,
		cachedConnState: webrtc.PeerConnectionStateNew,
	}

	config := webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{URLs: []string{stunServer}},
		},
	}

	// Media engine with the recording codecs
	m := &webrtc.MediaEngine{}
	if err := m.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:  webrtc.MimeTypeVP8,
			ClockRate: 90000,
		},
		PayloadType: 96,
	}, webrtc.RTPCodecTypeVideo); err != nil {
		cancel()
		return nil, fmt.Errorf("register VP8 codec: %w", err)
	}
	if err := m.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:  webrtc.MimeTypeOpus,
			ClockRate: 48000,
			Channels:  2,
		},
		PayloadType: 111,
	}, webrtc.RTPCodecTypeAudio); err != nil {
		cancel()
		return nil, fmt.Errorf("register Opus codec: %w", err)
	}

	api := webrtc.NewAPI(webrtc.WithMediaEngine(m))
	pc, err := api.NewPeerConnection(config)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("create peer connection: %w", err)
	}
	p.pc = pc

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		p.connStateMu.Lock()
		p.cachedConnState = state
		p.connStateMu.Unlock()
		p.logger.Info("peer connection state changed", "state", state.String())
	})

	audioTrack, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{
			MimeType:  webrtc.MimeTypeOpus,
			ClockRate: 48000,
			Channels:  2,
		},
		"playout-audio",
		"mjr-playout",
	)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("create audio track: %w", err)
	}
	p.audioTrack = audioTrack

	if p.audioSender, err = pc.AddTrack(audioTrack); err != nil {
		cancel()
		return nil, fmt.Errorf("add audio track: %w", err)
	}

	videoTrack, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{
			MimeType:  webrtc.MimeTypeVP8,
			ClockRate: 90000,
		},
		"playout-video",
		"mjr-playout",
	)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("create video track: %w", err)
	}
	p.videoTrack = videoTrack

	if p.videoSender, err = pc.AddTrack(videoTrack); err != nil {
		cancel()
		return nil, fmt.Errorf("add video track: %w", err)
	}

	p.logger.Info("WebRTC peer connection created with tracks")

	p.startFeedbackReaders()

	return p, nil
}

// CreateOffer produces the local SDP after ICE gathering completes.
func (p *WebRTCPeer) CreateOffer(ctx context.Context) (string, error) {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("create offer: %w", err)
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("set local description: %w", err)
	}

	gatherComplete := webrtc.GatheringCompletePromise(p.pc)
	select {
	case <-gatherComplete:
	case <-time.After(10 * time.Second):
		return "", fmt.Errorf("ICE gathering timeout")
	case <-ctx.Done():
		return "", ctx.Err()
	}

	sdp := p.pc.LocalDescription().SDP
	p.logger.Trace(logger.TraceWebRTC, "created SDP offer", "sdp", sdp)
	return sdp, nil
}

// SetAnswer applies the remote answer SDP.
func (p *WebRTCPeer) SetAnswer(sdp string) error {
	answer := webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  sdp,
	}
	if err := p.pc.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	p.logger.Info("SDP negotiation complete")
	return nil
}

// WriteRTP injects one packet into the matching track.
func (p *WebRTCPeer) WriteRTP(video bool, pkt []byte) error {
	track := p.audioTrack
	if video {
		track = p.videoTrack
	}
	if track == nil {
		return fmt.Errorf("track not initialized")
	}

	packet := &rtp.Packet{}
	if err := packet.Unmarshal(pkt); err != nil {
		return fmt.Errorf("unmarshal RTP packet: %w", err)
	}

	if err := track.WriteRTP(packet); err != nil {
		if err == io.ErrClosedPipe {
			return nil // Track closed gracefully
		}
		return err
	}
	return nil
}

// GetConnectionState returns the cached peer connection state
func (p *WebRTCPeer) GetConnectionState() webrtc.PeerConnectionState {
	p.connStateMu.RLock()
	defer p.connStateMu.RUnlock()
	return p.cachedConnState
}

// FeedbackStats aggregates the RTCP feedback a viewer sends back for one
// track. Playback cannot act on most of it: a recording has no encoder to
// ask for a fresh keyframe and no way to adapt its bitrate, so the engine
// counts what came in and plays on.
type FeedbackStats struct {
	KeyframeRequests uint64 // PLI + FIR
	ReceiverReports  uint64
	LastREMBBitrate  uint64 // bps, 0 until the first REMB
}

// rtcpSource is the slice of webrtc.RTPSender the feedback loop reads from.
type rtcpSource interface {
	ReadRTCP() ([]rtcp.Packet, interceptor.Attributes, error)
}

// startFeedbackReaders drains RTCP from both senders for the lifetime of
// the connection. Draining is mandatory with pion interceptors; the
// aggregation is what this engine does with the result.
func (p *WebRTCPeer) startFeedbackReaders() {
	if p.videoSender != nil {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.readFeedback(p.videoSender, true)
		}()
	}
	if p.audioSender != nil {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.readFeedback(p.audioSender, false)
		}()
	}
}

func (p *WebRTCPeer) readFeedback(src rtcpSource, video bool) {
	track := "audio"
	if video {
		track = "video"
	}
	log := p.logger.With("track", track)

	// A stalled decoder sends PLI storms; complain about unanswerable
	// keyframe requests at most once per interval.
	keyframeWarn := rate.NewLimiter(rate.Every(5*time.Second), 1)

	for {
		packets, _, err := src.ReadRTCP()
		if err != nil {
			if p.ctx.Err() != nil || err == io.EOF || err == io.ErrClosedPipe {
				log.Info("RTCP feedback reader finished")
			} else {
				log.Error("RTCP feedback read failed", "error", err)
			}
			return
		}
		for _, pkt := range packets {
			p.recordFeedback(log, video, pkt, keyframeWarn)
		}
	}
}

func (p *WebRTCPeer) recordFeedback(log *logger.Logger, video bool, pkt rtcp.Packet, keyframeWarn *rate.Limiter) {
	p.feedbackMu.Lock()
	defer p.feedbackMu.Unlock()
	stats := &p.audioFeedback
	if video {
		stats = &p.videoFeedback
	}

	switch fb := pkt.(type) {
	case *rtcp.PictureLossIndication:
		stats.KeyframeRequests++
		if keyframeWarn.Allow() {
			log.Warn("viewer wants a keyframe, but a recording cannot produce one",
				"media_ssrc", fb.MediaSSRC, "requests", stats.KeyframeRequests)
		}
	case *rtcp.FullIntraRequest:
		stats.KeyframeRequests++
		if keyframeWarn.Allow() {
			log.Warn("viewer wants a keyframe, but a recording cannot produce one",
				"media_ssrc", fb.MediaSSRC, "requests", stats.KeyframeRequests)
		}
	case *rtcp.ReceiverEstimatedMaximumBitrate:
		stats.LastREMBBitrate = uint64(fb.Bitrate)
		log.Trace(logger.TraceWebRTC, "viewer bandwidth estimate", "bitrate_bps", stats.LastREMBBitrate)
	case *rtcp.ReceiverReport:
		stats.ReceiverReports++
		for _, r := range fb.Reports {
			log.Trace(logger.TraceWebRTC, "receiver report",
				"ssrc", r.SSRC, "fraction_lost", r.FractionLost, "jitter", r.Jitter)
		}
	default:
		log.Trace(logger.TraceWebRTC, "unhandled RTCP packet", "type", fmt.Sprintf("%T", pkt))
	}
}

// Feedback returns the viewer feedback aggregated so far for one track.
func (p *WebRTCPeer) Feedback(video bool) FeedbackStats {
	p.feedbackMu.Lock()
	defer p.feedbackMu.Unlock()
	if video {
		return p.videoFeedback
	}
	return p.audioFeedback
}

// Close tears down the peer connection and its readers.
func (p *WebRTCPeer) Close() error {
	p.closeOnce.Do(func() {
		p.logger.Info("closing peer connection")
		p.cancel()
		if p.pc != nil {
			p.closeErr = p.pc.Close()
		}
		p.wg.Wait()
	})
	return p.closeErr
}
