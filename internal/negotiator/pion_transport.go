package negotiator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"callguard/internal/core/domain"
	"callguard/pkg/optimize"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	webrtc "github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

const DefaultPLIInterval = 3 * time.Second

var rtpBuffers = optimize.NewBytePool(optimize.MTU)

type PionConfig struct {
	ICEServers []webrtc.ICEServer
	// PortMin and PortMax restrict the local UDP ports when both are set.
	PortMin uint16
	PortMax uint16
	// PLIInterval is how often a keyframe is requested on remote video.
	PLIInterval time.Duration
}

// PionTransport is a Transport backed by a pion PeerConnection. It receives
// audio and video and hands remote RTP to a MediaSink.
type PionTransport struct {
	pc          *webrtc.PeerConnection
	sink        MediaSink
	pliInterval time.Duration
	logger      *zap.SugaredLogger

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func NewPionTransport(cfg PionConfig, sink MediaSink, logger *zap.SugaredLogger) (*PionTransport, error) {
	settingEngine := webrtc.SettingEngine{}
	if cfg.PortMin > 0 && cfg.PortMax > 0 {
		if err := settingEngine.SetEphemeralUDPPortRange(cfg.PortMin, cfg.PortMax); err != nil {
			return nil, fmt.Errorf("invalid port range: %w", err)
		}
	}

	api := webrtc.NewAPI(webrtc.WithSettingEngine(settingEngine))
	pc, err := api.NewPeerConnection(webrtc.Configuration{
		ICEServers:   cfg.ICEServers,
		SDPSemantics: webrtc.SDPSemanticsUnifiedPlanWithFallback,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	if cfg.PLIInterval <= 0 {
		cfg.PLIInterval = DefaultPLIInterval
	}
	t := &PionTransport{
		pc:          pc,
		sink:        sink,
		pliInterval: cfg.PLIInterval,
		logger:      logger,
		done:        make(chan struct{}),
	}
	pc.OnTrack(t.handleTrack)
	return t, nil
}

func (t *PionTransport) CreateOffer(ctx context.Context) (string, error) {
	// the caller decides the media sections; the callee mirrors them from the offer
	if len(t.pc.GetTransceivers()) == 0 {
		for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
			if _, err := t.pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
				Direction: webrtc.RTPTransceiverDirectionRecvonly,
			}); err != nil {
				return "", fmt.Errorf("add %s transceiver: %w", kind, err)
			}
		}
	}

	offer, err := t.pc.CreateOffer(nil)
	if err != nil {
		return "", err
	}
	if err := t.pc.SetLocalDescription(offer); err != nil {
		return "", err
	}
	return offer.SDP, ctx.Err()
}

func (t *PionTransport) CreateAnswer(ctx context.Context) (string, error) {
	answer, err := t.pc.CreateAnswer(nil)
	if err != nil {
		return "", err
	}
	if err := t.pc.SetLocalDescription(answer); err != nil {
		return "", err
	}
	return answer.SDP, ctx.Err()
}

func (t *PionTransport) SetRemoteDescription(kind domain.MessageKind, sdp string) error {
	var typ webrtc.SDPType
	switch kind {
	case domain.KindOffer:
		typ = webrtc.SDPTypeOffer
	case domain.KindAnswer:
		typ = webrtc.SDPTypeAnswer
	default:
		return fmt.Errorf("%s is not a session description", kind)
	}
	return t.pc.SetRemoteDescription(webrtc.SessionDescription{Type: typ, SDP: sdp})
}

func (t *PionTransport) AddICECandidate(c domain.IceCandidate) error {
	return t.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:     c.Candidate,
		SDPMid:        c.SDPMid,
		SDPMLineIndex: c.SDPMLineIndex,
	})
}

func (t *PionTransport) OnLocalCandidate(fn func(domain.IceCandidate)) {
	t.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		// nil marks the end of gathering
		if c == nil {
			return
		}
		cand := c.ToJSON()
		fn(domain.IceCandidate{
			Candidate:     cand.Candidate,
			SDPMid:        cand.SDPMid,
			SDPMLineIndex: cand.SDPMLineIndex,
		})
	})
}

func (t *PionTransport) OnEvent(fn func(TransportEvent)) {
	t.pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		t.logger.Infow("peer connection state changed", "connection_state", state)
		switch state {
		case webrtc.PeerConnectionStateConnected:
			fn(TransportConnected)
		case webrtc.PeerConnectionStateFailed:
			fn(TransportFailed)
		case webrtc.PeerConnectionStateClosed:
			fn(TransportClosed)
		}
	})
}

func (t *PionTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.done)
		err = t.pc.Close()
		t.wg.Wait()
	})
	return err
}

func (t *PionTransport) handleTrack(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
	kind := track.Kind().String()
	t.logger.Infow("remote track started",
		"track_id", track.ID(),
		"kind", kind,
		"codec", track.Codec().MimeType,
	)

	t.wg.Add(2)
	go t.drainRTCP(receiver)
	go t.readTrack(kind, track)

	if track.Kind() == webrtc.RTPCodecTypeVideo {
		t.wg.Add(1)
		go t.requestKeyframes(uint32(track.SSRC()))
	}
}

func (t *PionTransport) readTrack(kind string, track *webrtc.TrackRemote) {
	defer t.wg.Done()

	bufp := rtpBuffers.Get()
	defer rtpBuffers.Put(bufp)
	buf := *bufp

	packet := &rtp.Packet{}
	for {
		n, _, err := track.Read(buf)
		if err != nil {
			t.logger.Debugw("remote track ended", "track_id", track.ID(), "error", err)
			return
		}
		if err := packet.Unmarshal(buf[:n]); err != nil {
			t.logger.Warnw("error unmarshaling RTP packet", "track_id", track.ID(), "error", err)
			continue
		}
		if t.sink != nil {
			if err := t.sink.WriteRTP(kind, packet); err != nil {
				t.logger.Warnw("media sink rejected packet", "kind", kind, "error", err)
			}
		}
	}
}

// drainRTCP keeps the receiver's interceptors running.
func (t *PionTransport) drainRTCP(receiver *webrtc.RTPReceiver) {
	defer t.wg.Done()
	for {
		if _, _, err := receiver.ReadRTCP(); err != nil {
			return
		}
	}
}

func (t *PionTransport) requestKeyframes(ssrc uint32) {
	defer t.wg.Done()

	ticker := time.NewTicker(t.pliInterval)
	defer ticker.Stop()
	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			if err := t.pc.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: ssrc}}); err != nil {
				t.logger.Debugw("failed to send PLI", "ssrc", ssrc, "error", err)
				return
			}
		}
	}
}
