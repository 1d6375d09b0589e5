package plugin

import (
	"context"
	"fmt"
	"sync"

	"github.com/dkeye/VoiceClient/internal/core"
	"github.com/dkeye/VoiceClient/internal/domain"
)

const (
	DefaultBitrate = 512_000
	MinBitrate     = 64_000
)

type PublisherCallbacks struct {
	Callbacks
	// OnPublishers receives the remote publishers announced in the room.
	OnPublishers    func([]domain.Publisher)
	OnPublisherLeft func(domain.FeedID)
	OnSpeaking      func(talking bool)
	OnBitrate       func(bps int)
}

type publisherJoin struct {
	Request string        `json:"request"`
	PType   string        `json:"ptype"`
	Room    domain.RoomID `json:"room"`
	Display string        `json:"display,omitempty"`
}

type publisherConfigure struct {
	Request string `json:"request"`
	Audio   *bool  `json:"audio,omitempty"`
	Video   *bool  `json:"video,omitempty"`
	Bitrate int    `json:"bitrate,omitempty"`
	Restart bool   `json:"restart,omitempty"`
}

// Publisher sends local media into a videoroom.
type Publisher struct {
	*Handle
	pcb PublisherCallbacks

	mu        sync.Mutex
	room      domain.RoomID
	display   string
	feed      domain.FeedID
	privateID uint64
	bitrate   int
}

func NewPublisher(opts Options, cb PublisherCallbacks) *Publisher {
	p := &Publisher{
		Handle:  newHandle(domain.PluginVideoRoom, core.RolePublisher, opts, cb.Callbacks),
		pcb:     cb,
		bitrate: DefaultBitrate,
	}
	p.restart = func(ctx context.Context) error { return p.publish(ctx, true) }
	return p
}

// Join joins room as a publisher and publishes local media.
func (p *Publisher) Join(ctx context.Context, room domain.RoomID, display string) error {
	ev, err := p.request(ctx, publisherJoin{Request: "join", PType: "publisher", Room: room, Display: display}, nil)
	if err != nil {
		return fmt.Errorf("join room %d: %w", room, err)
	}
	var data domain.VideoRoomEvent
	if err := ev.PluginData.Decode(&data); err != nil {
		return fmt.Errorf("join room %d: %w", room, err)
	}
	if data.VideoRoom != "joined" {
		return fmt.Errorf("%w: join answered with %q", domain.ErrGatewayRejected, data.VideoRoom)
	}

	p.mu.Lock()
	p.room, p.display = room, display
	p.feed, p.privateID = data.ID, data.PrivateID
	p.mu.Unlock()
	p.log.Info().Uint64("room", uint64(room)).Uint64("feed", uint64(data.ID)).Int("publishers", len(data.Publishers)).Msg("joined room")

	if len(data.Publishers) > 0 && p.pcb.OnPublishers != nil {
		p.pcb.OnPublishers(data.Publishers)
	}
	return p.negotiate(ctx, func(ctx context.Context) error { return p.publish(ctx, false) })
}

func (p *Publisher) publish(ctx context.Context, restart bool) error {
	offer, err := p.offer(ctx, restart)
	if err != nil {
		return err
	}
	on := true
	ev, err := p.request(ctx, publisherConfigure{
		Request: "configure",
		Audio:   &on,
		Video:   &on,
		Bitrate: p.Bitrate(),
		Restart: restart,
	}, &offer)
	if err != nil {
		return fmt.Errorf("configure: %w", err)
	}
	return p.applyAnswer(ev.JSEP)
}

// Leave leaves the room and detaches the handle.
func (p *Publisher) Leave(ctx context.Context) error {
	if p.ID() != 0 && !p.State().Terminal() {
		if _, err := p.request(ctx, map[string]string{"request": "leave"}, nil); err != nil {
			p.log.Debug().Err(err).Msg("leave")
		}
	}
	return p.Close(ctx)
}

func (p *Publisher) Room() domain.RoomID {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.room
}

// Feed is the publisher id the gateway assigned on join.
func (p *Publisher) Feed() domain.FeedID {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.feed
}

// PrivateID associates subscriptions with this participant.
func (p *Publisher) PrivateID() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.privateID
}

func (p *Publisher) Bitrate() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.bitrate
}

func (p *Publisher) OnMessage(msg domain.Message) {
	switch m := msg.(type) {
	case *domain.Event:
		p.onEvent(m)
	case *domain.SlowLink:
		p.onCommon(m)
		p.lowerBitrate()
	default:
		p.onCommon(msg)
	}
}

func (p *Publisher) onEvent(m *domain.Event) {
	var data domain.VideoRoomEvent
	if err := m.PluginData.Decode(&data); err != nil {
		p.log.Warn().Err(err).Msg("undecodable videoroom event")
		return
	}
	if data.ErrorCode != 0 {
		p.log.Warn().Int("code", data.ErrorCode).Str("reason", data.Error).Msg("videoroom error event")
		return
	}

	switch data.VideoRoom {
	case "talking", "stopped-talking":
		if p.pcb.OnSpeaking != nil {
			p.pcb.OnSpeaking(data.VideoRoom == "talking")
		}
		return
	}
	if len(data.Publishers) > 0 && p.pcb.OnPublishers != nil {
		p.pcb.OnPublishers(data.Publishers)
	}
	if feed, ok := data.GoneFeed(); ok && p.pcb.OnPublisherLeft != nil {
		p.pcb.OnPublisherLeft(feed)
	}
	if m.JSEP != nil && m.JSEP.Type == "answer" {
		if err := p.applyAnswer(m.JSEP); err != nil {
			p.log.Warn().Err(err).Msg("apply out-of-band answer")
		}
	}
}

// lowerBitrate halves the send cap, down to MinBitrate.
func (p *Publisher) lowerBitrate() {
	p.mu.Lock()
	next := max(p.bitrate/2, MinBitrate)
	if next == p.bitrate {
		p.mu.Unlock()
		return
	}
	p.bitrate = next
	p.mu.Unlock()

	p.async("lower bitrate", func(ctx context.Context) error {
		if _, err := p.request(ctx, publisherConfigure{Request: "configure", Bitrate: next}, nil); err != nil {
			return err
		}
		p.log.Info().Int("bitrate", next).Msg("bitrate lowered")
		if p.pcb.OnBitrate != nil {
			p.pcb.OnBitrate(next)
		}
		return nil
	})
}
