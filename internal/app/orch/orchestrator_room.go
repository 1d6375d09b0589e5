package orch

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/VoiceClient/internal/app/plugin"
	"github.com/dkeye/VoiceClient/internal/domain"
)

const (
	restartTimeout = time.Minute
	exitTimeout    = 10 * time.Second
)

// JoinRoom joins room as display, publishing local media and subscribing to
// everyone else. A room already joined is left first.
func (o *Orchestrator) JoinRoom(ctx context.Context, room domain.RoomID, display string) error {
	if err := o.LeaveRoom(ctx); err != nil {
		return err
	}
	rs, err := o.joinRoom(ctx, room, display)
	if err != nil {
		return err
	}
	o.mu.Lock()
	o.room = rs
	o.mu.Unlock()

	log.Info().Str("module", "orch").Uint64("room", uint64(room)).Str("display", display).Msg("joined room")
	o.notifier().RoomJoined(room)
	return nil
}

func (o *Orchestrator) joinRoom(ctx context.Context, room domain.RoomID, display string) (*roomState, error) {
	sess := o.Sessions(RoomSession, o)
	sctx, cancel := context.WithCancel(context.Background())
	rs := &roomState{id: room, display: display, session: sess, ctx: sctx}
	abort := func(err error) (*roomState, error) {
		cancel()
		sess.Destroy(context.WithoutCancel(ctx))
		return nil, err
	}

	if _, err := sess.Init(ctx, o.token()); err != nil {
		return abort(fmt.Errorf("init room session: %w", err))
	}

	n := o.notifier()
	rs.publisher = plugin.NewPublisher(o.handleOptions(sess), plugin.PublisherCallbacks{
		Callbacks:       o.handleCallbacks(o.onRoomHandleFatal),
		OnPublishers:    func(pubs []domain.Publisher) { o.onPublishers(rs, pubs) },
		OnPublisherLeft: func(feed domain.FeedID) { o.onPublisherLeft(rs, feed) },
		OnSpeaking:      n.Speaking,
		OnBitrate:       n.BitrateAdjusted,
	})
	if _, err := sess.Attach(ctx, rs.publisher); err != nil {
		return abort(err)
	}
	if err := rs.publisher.Join(ctx, room, display); err != nil {
		return abort(err)
	}

	sub := plugin.NewSubscriber(o.handleOptions(sess), room, rs.publisher.PrivateID(), plugin.SubscriberCallbacks{
		Callbacks:       o.handleCallbacks(o.onRoomHandleFatal),
		OnPublishers:    n.PublishersChanged,
		OnPublisherLeft: n.PublisherLeft,
	})
	if _, err := sess.Attach(ctx, sub); err != nil {
		return abort(err)
	}
	rs.mu.Lock()
	rs.subscriber = sub
	pending := rs.pending
	rs.pending = nil
	rs.mu.Unlock()

	if len(pending) > 0 {
		if err := sub.UpdatePublishers(ctx, pending); err != nil {
			log.Warn().Str("module", "orch").Err(err).Msg("subscribe to initial publishers")
		}
	}

	o.Registry.Bind(RoomSession, sess, cancel)
	return rs, nil
}

// onPublishers forwards announced publishers, except ourselves, to the
// subscriber. It runs on the delivery path and must not block.
func (o *Orchestrator) onPublishers(rs *roomState, pubs []domain.Publisher) {
	own := rs.publisher.Feed()
	others := make([]domain.Publisher, 0, len(pubs))
	for _, p := range pubs {
		if p.ID != own {
			others = append(others, p)
		}
	}
	if len(others) == 0 {
		return
	}

	rs.mu.Lock()
	sub := rs.subscriber
	if sub == nil {
		rs.pending = append(rs.pending, others...)
		rs.mu.Unlock()
		return
	}
	rs.mu.Unlock()

	go func() {
		if err := sub.UpdatePublishers(rs.ctx, others); err != nil && rs.ctx.Err() == nil {
			log.Warn().Str("module", "orch").Err(err).Msg("subscribe to new publishers")
		}
	}()
}

func (o *Orchestrator) onPublisherLeft(rs *roomState, feed domain.FeedID) {
	sub := rs.sub()
	if sub == nil {
		return
	}
	go func() {
		if err := sub.PublisherGone(rs.ctx, feed); err != nil && rs.ctx.Err() == nil {
			log.Warn().Str("module", "orch").Err(err).Uint64("feed", uint64(feed)).Msg("unsubscribe left publisher")
		}
	}()
}

// LeaveRoom leaves the current room, if any.
func (o *Orchestrator) LeaveRoom(ctx context.Context) error {
	o.mu.Lock()
	rs := o.room
	o.room = nil
	o.mu.Unlock()
	if rs == nil {
		return nil
	}
	o.closeRoom(ctx, rs)
	log.Info().Str("module", "orch").Uint64("room", uint64(rs.id)).Msg("left room")
	o.notifier().RoomLeft(rs.id, nil)
	return nil
}

func (o *Orchestrator) closeRoom(ctx context.Context, rs *roomState) {
	if rs.session.IsConnected() {
		if err := rs.publisher.Leave(ctx); err != nil {
			log.Debug().Str("module", "orch").Err(err).Msg("leave")
		}
	}
	rs.session.Destroy(ctx)
	o.Registry.Unbind(RoomSession, rs.session)
}

// RestartRoom tears the room session down and rejoins with the same
// parameters once the connection gate allows. Restarts are rate limited;
// over the limit the room is exited instead.
func (o *Orchestrator) RestartRoom(reason error) {
	o.mu.Lock()
	rs := o.room
	if rs == nil || o.restarting {
		o.mu.Unlock()
		return
	}
	if o.Limiter != nil && !o.Limiter.Allow(RoomSession) {
		o.mu.Unlock()
		log.Error().Str("module", "orch").Err(reason).Msg("room restart limit reached")
		go o.ExitRoom(fmt.Errorf("restart limit reached: %w", reason))
		return
	}
	o.restarting = true
	o.mu.Unlock()

	log.Warn().Str("module", "orch").Err(reason).Uint64("room", uint64(rs.id)).Msg("restarting room")
	go o.restartRoom(rs)
}

func (o *Orchestrator) restartRoom(rs *roomState) {
	defer func() {
		o.mu.Lock()
		o.restarting = false
		o.mu.Unlock()
	}()
	ctx, cancel := context.WithTimeout(context.Background(), restartTimeout)
	defer cancel()

	rs.session.Destroy(ctx)
	o.Registry.Unbind(RoomSession, rs.session)

	var next *roomState
	err := domain.ErrConnectionUnavailable
	if o.gate().WaitForConnection(ctx) {
		next, err = o.joinRoom(ctx, rs.id, rs.display)
	}

	o.mu.Lock()
	if o.room != rs {
		// left or exited while restarting
		o.mu.Unlock()
		if next != nil {
			o.closeRoom(ctx, next)
		}
		return
	}
	if err != nil {
		o.room = nil
		o.mu.Unlock()
		log.Error().Str("module", "orch").Err(err).Msg("room restart failed")
		o.notifier().Disconnected(err)
		o.notifier().RoomLeft(rs.id, err)
		return
	}
	o.room = next
	o.mu.Unlock()

	log.Info().Str("module", "orch").Uint64("room", uint64(rs.id)).Msg("room restarted")
	o.notifier().RoomJoined(rs.id)
}

// ExitRoom forces the room exit after a failure nobody can repair.
func (o *Orchestrator) ExitRoom(reason error) {
	o.mu.Lock()
	rs := o.room
	o.room = nil
	o.mu.Unlock()
	if rs == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), exitTimeout)
	defer cancel()
	o.closeRoom(ctx, rs)

	log.Warn().Str("module", "orch").Err(reason).Uint64("room", uint64(rs.id)).Msg("exited room")
	o.notifier().Disconnected(reason)
	o.notifier().RoomLeft(rs.id, reason)
}

func (o *Orchestrator) onRoomHandleFatal(err error) {
	go o.ExitRoom(err)
}

// MarkTransportDown records that the transport could not be recovered.
func (o *Orchestrator) MarkTransportDown() {
	o.mu.Lock()
	o.transportDown = true
	o.mu.Unlock()
	log.Error().Str("module", "orch").Msg("transport marked down")
}

func (o *Orchestrator) OnReconnecting() {
	o.notifier().Reconnecting()
}

// OnResume rejoins whatever lost its gateway session during the outage.
func (o *Orchestrator) OnResume() {
	o.mu.Lock()
	o.transportDown = false
	rs, pb := o.room, o.playback
	o.mu.Unlock()

	o.notifier().Resumed()
	if rs != nil && !rs.session.IsConnected() {
		o.RestartRoom(domain.ErrTransportLost)
	}
	if pb != nil && !pb.session.IsConnected() {
		o.restartPlayback(domain.ErrTransportLost)
	}
}
