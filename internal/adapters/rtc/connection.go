package rtc

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/VoiceClient/internal/core"
	"github.com/dkeye/VoiceClient/internal/domain"
)

var ErrInvalidSDP = errors.New("invalid session description")

// Connection is a pion peer connection seen through core.PeerConnection.
// Descriptions are exchanged in trickle mode: nothing waits for gathering.
type Connection struct {
	pc     *webrtc.PeerConnection
	role   core.PeerRole
	log    zerolog.Logger
	local  []*webrtc.TrackLocalStaticSample
	sink   TrackSink
	ctx    context.Context
	cancel context.CancelFunc
}

func newConnection(pc *webrtc.PeerConnection, role core.PeerRole, sink TrackSink) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		pc:     pc,
		role:   role,
		log:    log.With().Str("module", "webrtc").Str("role", string(role)).Logger(),
		sink:   sink,
		ctx:    ctx,
		cancel: cancel,
	}
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		c.log.Info().Str("peer_connection_state", s.String()).Msg("Peer state")
	})
	return c
}

func (c *Connection) CreateOffer(_ context.Context, iceRestart bool) (domain.JSEP, error) {
	offer, err := c.pc.CreateOffer(&webrtc.OfferOptions{ICERestart: iceRestart})
	if err != nil {
		return domain.JSEP{}, fmt.Errorf("create offer: %w", err)
	}
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return domain.JSEP{}, fmt.Errorf("set local offer: %w", err)
	}
	return toJSEP(offer), nil
}

func (c *Connection) CreateAnswer(context.Context) (domain.JSEP, error) {
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return domain.JSEP{}, fmt.Errorf("create answer: %w", err)
	}
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return domain.JSEP{}, fmt.Errorf("set local answer: %w", err)
	}
	return toJSEP(answer), nil
}

func (c *Connection) SetRemoteDescription(j domain.JSEP) error {
	media, err := validateSDP(j.SDP)
	if err != nil {
		return err
	}
	typ := webrtc.NewSDPType(j.Type)
	if typ == webrtc.SDPTypeUnknown {
		return fmt.Errorf("%w: type %q", ErrInvalidSDP, j.Type)
	}
	c.log.Debug().Str("type", j.Type).Int("media", media).Msg("remote description")
	return c.pc.SetRemoteDescription(webrtc.SessionDescription{Type: typ, SDP: j.SDP})
}

func (c *Connection) AddICECandidate(cand domain.Candidate) error {
	if cand.Completed {
		return nil
	}
	return c.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:     cand.Candidate,
		SDPMid:        cand.SDPMid,
		SDPMLineIndex: cand.SDPMLineIndex,
	})
}

func (c *Connection) OnICECandidate(fn func(*domain.Candidate)) {
	c.pc.OnICECandidate(func(ic *webrtc.ICECandidate) {
		if ic == nil {
			fn(nil)
			return
		}
		init := ic.ToJSON()
		fn(&domain.Candidate{Candidate: init.Candidate, SDPMid: init.SDPMid, SDPMLineIndex: init.SDPMLineIndex})
	})
}

func (c *Connection) OnICEConnectionStateChange(fn func(core.ICEState)) {
	c.pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		c.log.Info().Str("ice_state", s.String()).Msg("ICE state")
		fn(core.ICEState(s.String()))
	})
}

// OnTrack reports remote tracks and hands them to the sink. Without a sink
// the RTP is read and dropped so the interceptors keep running.
func (c *Connection) OnTrack(fn func(domain.TrackInfo)) {
	c.pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		info := domain.TrackInfo{
			ID:       track.ID(),
			StreamID: track.StreamID(),
			Kind:     track.Kind().String(),
			Codec:    track.Codec().MimeType,
		}
		c.log.Info().
			Str("kind", info.Kind).
			Str("track_id", info.ID).
			Str("stream_id", info.StreamID).
			Msg("OnTrack received")
		fn(info)
		if c.sink != nil {
			go c.sink(c.ctx, track, receiver)
			return
		}
		go drain(track)
	})
}

// LocalTracks are the publisher's outgoing tracks, for a media source to
// write samples into. Empty for receiving roles.
func (c *Connection) LocalTracks() []*webrtc.TrackLocalStaticSample { return c.local }

func (c *Connection) Close() error {
	c.cancel()
	if err := c.pc.Close(); err != nil {
		c.log.Error().Err(err).Msg("close error")
		return err
	}
	c.log.Info().Msg("closed")
	return nil
}

func (c *Connection) addLocalTrack(track *webrtc.TrackLocalStaticSample) error {
	sender, err := c.pc.AddTrack(track)
	if err != nil {
		return fmt.Errorf("add %s track: %w", track.Kind(), err)
	}
	c.local = append(c.local, track)
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()
	return nil
}

func drain(track *webrtc.TrackRemote) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := track.Read(buf); err != nil {
			if !errors.Is(err, io.EOF) {
				log.Debug().Str("module", "webrtc").Err(err).Str("track_id", track.ID()).Msg("track read stopped")
			}
			return
		}
	}
}

func toJSEP(sd webrtc.SessionDescription) domain.JSEP {
	return domain.JSEP{Type: sd.Type.String(), SDP: sd.SDP}
}

// validateSDP parses a remote description and returns its media section
// count. The gateway never sends an SDP without media.
func validateSDP(raw string) (int, error) {
	var sd sdp.SessionDescription
	if err := sd.Unmarshal([]byte(raw)); err != nil {
		return 0, fmt.Errorf("%w: %w", ErrInvalidSDP, err)
	}
	if len(sd.MediaDescriptions) == 0 {
		return 0, fmt.Errorf("%w: no media sections", ErrInvalidSDP)
	}
	return len(sd.MediaDescriptions), nil
}
