// Package rtc provides the pion-backed media engine the plugin handles
// negotiate with.
package rtc

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/intervalpli"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/VoiceClient/internal/core"
)

const DefaultPLIInterval = 3 * time.Second

// TrackSink consumes a remote track until ctx ends or the track closes.
type TrackSink func(ctx context.Context, track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver)

type ICEServer struct {
	URLs       []string `mapstructure:"urls"`
	Username   string   `mapstructure:"username"`
	Credential string   `mapstructure:"credential"`
}

type Config struct {
	ICEServers []ICEServer
	// PLIInterval paces keyframe requests on received video.
	PLIInterval time.Duration
	LogLevel    zerolog.Level
	Sink        TrackSink
}

func DefaultConfig() Config {
	return Config{
		ICEServers:  []ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}},
		PLIInterval: DefaultPLIInterval,
		LogLevel:    zerolog.WarnLevel,
	}
}

// Factory builds peer connections per role. Every connection gets its own
// API so codec registration never leaks between them.
type Factory struct {
	cfg Config
}

func NewFactory(cfg Config) *Factory {
	if cfg.PLIInterval <= 0 {
		cfg.PLIInterval = DefaultPLIInterval
	}
	return &Factory{cfg: cfg}
}

func (f *Factory) NewPeer(role core.PeerRole) (core.PeerConnection, error) {
	api, err := f.api(role)
	if err != nil {
		return nil, err
	}
	pc, err := api.NewPeerConnection(f.configuration())
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}
	c := newConnection(pc, role, f.cfg.Sink)
	if role == core.RolePublisher {
		if err := f.addPublisherTracks(c); err != nil {
			_ = c.Close()
			return nil, err
		}
	}
	log.Debug().Str("module", "webrtc").Str("role", string(role)).Msg("peer created")
	return c, nil
}

func (f *Factory) api(role core.PeerRole) (*webrtc.API, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	i := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, i); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}
	if role != core.RolePublisher {
		pli, err := intervalpli.NewReceiverInterceptor(intervalpli.GeneratorInterval(f.cfg.PLIInterval))
		if err != nil {
			return nil, fmt.Errorf("create pli generator: %w", err)
		}
		i.Add(pli)
	}

	se := webrtc.SettingEngine{LoggerFactory: LoggerFactory{Level: f.cfg.LogLevel}}
	return webrtc.NewAPI(
		webrtc.WithMediaEngine(m),
		webrtc.WithInterceptorRegistry(i),
		webrtc.WithSettingEngine(se),
	), nil
}

func (f *Factory) configuration() webrtc.Configuration {
	servers := make([]webrtc.ICEServer, 0, len(f.cfg.ICEServers))
	for _, s := range f.cfg.ICEServers {
		servers = append(servers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	return webrtc.Configuration{
		ICEServers:   servers,
		BundlePolicy: webrtc.BundlePolicyMaxBundle,
	}
}

func (f *Factory) addPublisherTracks(c *Connection) error {
	stream := uuid.NewString()
	audio, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", stream)
	if err != nil {
		return fmt.Errorf("create audio track: %w", err)
	}
	video, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", stream)
	if err != nil {
		return fmt.Errorf("create video track: %w", err)
	}
	if err := c.addLocalTrack(audio); err != nil {
		return err
	}
	return c.addLocalTrack(video)
}
