package plugin

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/dkeye/VoiceClient/internal/core"
	"github.com/dkeye/VoiceClient/internal/domain"
)

type SubscriberCallbacks struct {
	Callbacks
	// OnPublishers is called with the full remote publisher set whenever it
	// grows.
	OnPublishers    func([]domain.Publisher)
	OnPublisherLeft func(domain.FeedID)
}

type stream struct {
	Feed domain.FeedID `json:"feed"`
}

type subscriberJoin struct {
	Request   string        `json:"request"`
	PType     string        `json:"ptype"`
	Room      domain.RoomID `json:"room"`
	PrivateID uint64        `json:"private_id,omitempty"`
	Streams   []stream      `json:"streams"`
}

type subscriberUpdate struct {
	Request string   `json:"request"`
	Streams []stream `json:"streams"`
}

// Subscriber receives remote publishers of a videoroom over one multistream
// peer connection.
type Subscriber struct {
	*Handle
	scb SubscriberCallbacks

	mu         sync.Mutex
	room       domain.RoomID
	privateID  uint64
	joined     bool
	publishers map[domain.FeedID]domain.Publisher
}

func NewSubscriber(opts Options, room domain.RoomID, privateID uint64, cb SubscriberCallbacks) *Subscriber {
	s := &Subscriber{
		Handle:     newHandle(domain.PluginVideoRoom, core.RoleSubscriber, opts, cb.Callbacks),
		scb:        cb,
		room:       room,
		privateID:  privateID,
		publishers: make(map[domain.FeedID]domain.Publisher),
	}
	s.restart = s.restartICE
	return s
}

// Subscribe adds feeds to the subscription, joining the room on first use.
func (s *Subscriber) Subscribe(ctx context.Context, feeds ...domain.FeedID) error {
	if len(feeds) == 0 {
		return nil
	}
	streams := make([]stream, 0, len(feeds))
	for _, f := range feeds {
		streams = append(streams, stream{Feed: f})
	}

	s.mu.Lock()
	joined := s.joined
	var body any = subscriberUpdate{Request: "subscribe", Streams: streams}
	if !joined {
		body = subscriberJoin{Request: "join", PType: "subscriber", Room: s.room, PrivateID: s.privateID, Streams: streams}
	}
	s.mu.Unlock()

	return s.negotiate(ctx, func(ctx context.Context) error {
		ev, err := s.request(ctx, body, nil)
		if err != nil {
			return fmt.Errorf("subscribe: %w", err)
		}
		if !joined {
			s.mu.Lock()
			s.joined = true
			s.mu.Unlock()
		}
		return s.answerOffer(ctx, ev.JSEP)
	})
}

// Unsubscribe drops a feed from the subscription.
func (s *Subscriber) Unsubscribe(ctx context.Context, feed domain.FeedID) error {
	s.mu.Lock()
	joined := s.joined
	s.mu.Unlock()
	if !joined {
		return nil
	}
	return s.negotiate(ctx, func(ctx context.Context) error {
		ev, err := s.request(ctx, subscriberUpdate{Request: "unsubscribe", Streams: []stream{{Feed: feed}}}, nil)
		if err != nil {
			return fmt.Errorf("unsubscribe: %w", err)
		}
		return s.answerOffer(ctx, ev.JSEP)
	})
}

// UpdatePublishers merges a publisher announcement, notifies about the new
// set and subscribes to the feeds not seen before.
func (s *Subscriber) UpdatePublishers(ctx context.Context, pubs []domain.Publisher) error {
	s.mu.Lock()
	var fresh []domain.FeedID
	for _, p := range pubs {
		if _, ok := s.publishers[p.ID]; !ok {
			fresh = append(fresh, p.ID)
		}
		s.publishers[p.ID] = p
	}
	all := s.publisherList()
	s.mu.Unlock()

	if len(fresh) == 0 {
		return nil
	}
	if s.scb.OnPublishers != nil {
		s.scb.OnPublishers(all)
	}
	return s.Subscribe(ctx, fresh...)
}

// PublisherGone removes a feed that unpublished or left.
func (s *Subscriber) PublisherGone(ctx context.Context, feed domain.FeedID) error {
	s.mu.Lock()
	_, known := s.publishers[feed]
	delete(s.publishers, feed)
	s.mu.Unlock()
	if !known {
		return nil
	}
	if s.scb.OnPublisherLeft != nil {
		s.scb.OnPublisherLeft(feed)
	}
	return s.Unsubscribe(ctx, feed)
}

func (s *Subscriber) Publishers() []domain.Publisher {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.publisherList()
}

func (s *Subscriber) publisherList() []domain.Publisher {
	out := make([]domain.Publisher, 0, len(s.publishers))
	for _, p := range s.publishers {
		out = append(out, p)
	}
	slices.SortFunc(out, func(a, b domain.Publisher) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return out
}

// answerOffer answers a gateway offer, if the reply carried one.
func (s *Subscriber) answerOffer(ctx context.Context, jsep *domain.JSEP) error {
	if jsep == nil {
		return nil
	}
	if jsep.Type != "offer" {
		return fmt.Errorf("%w: expected offer, got %q", domain.ErrGatewayRejected, jsep.Type)
	}
	return s.answerAndStart(ctx, *jsep, map[string]string{"request": "start"})
}

func (s *Subscriber) restartICE(ctx context.Context) error {
	ev, err := s.request(ctx, map[string]any{"request": "configure", "restart": true}, nil)
	if err != nil {
		return fmt.Errorf("configure restart: %w", err)
	}
	if ev.JSEP == nil {
		return fmt.Errorf("%w: restart without offer", domain.ErrGatewayRejected)
	}
	return s.answerOffer(ctx, ev.JSEP)
}

func (s *Subscriber) OnMessage(msg domain.Message) {
	m, ok := msg.(*domain.Event)
	if !ok {
		s.onCommon(msg)
		return
	}
	var data domain.VideoRoomEvent
	if err := m.PluginData.Decode(&data); err != nil {
		s.log.Warn().Err(err).Msg("undecodable videoroom event")
		return
	}
	if data.ErrorCode != 0 {
		s.log.Warn().Int("code", data.ErrorCode).Str("reason", data.Error).Msg("videoroom error event")
		return
	}
	if m.JSEP != nil && m.JSEP.Type == "offer" {
		offer := m.JSEP
		s.async("answer gateway update", func(ctx context.Context) error {
			return s.negotiate(ctx, func(ctx context.Context) error { return s.answerOffer(ctx, offer) })
		})
	}
}
