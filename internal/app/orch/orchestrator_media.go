package orch

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/VoiceClient/internal/app/plugin"
	"github.com/dkeye/VoiceClient/internal/domain"
)

// playbackRestarter routes playback session loss to a playback restart.
type playbackRestarter struct{ o *Orchestrator }

func (r playbackRestarter) RestartRoom(reason error) { r.o.restartPlayback(reason) }

// StartPlayback plays a streaming mountpoint on its own gateway session.
func (o *Orchestrator) StartPlayback(ctx context.Context, mountpoint domain.MountpointID) error {
	if err := o.StopPlayback(ctx); err != nil {
		return err
	}
	ps, err := o.startPlayback(ctx, mountpoint)
	if err != nil {
		return err
	}
	o.mu.Lock()
	o.playback = ps
	o.mu.Unlock()
	log.Info().Str("module", "orch").Uint64("mountpoint", uint64(mountpoint)).Msg("playback started")
	return nil
}

func (o *Orchestrator) startPlayback(ctx context.Context, mountpoint domain.MountpointID) (*playbackState, error) {
	sess := o.Sessions(PlaybackSession, playbackRestarter{o})
	abort := func(err error) (*playbackState, error) {
		sess.Destroy(context.WithoutCancel(ctx))
		return nil, err
	}
	if _, err := sess.Init(ctx, o.token()); err != nil {
		return abort(fmt.Errorf("init playback session: %w", err))
	}
	pb := plugin.NewPlayback(o.handleOptions(sess), o.handleCallbacks(o.onPlaybackFatal))
	if _, err := sess.Attach(ctx, pb); err != nil {
		return abort(err)
	}
	if err := pb.Watch(ctx, mountpoint); err != nil {
		return abort(err)
	}
	o.Registry.Bind(PlaybackSession, sess, nil)
	return &playbackState{mountpoint: mountpoint, session: sess, handle: pb}, nil
}

func (o *Orchestrator) StopPlayback(ctx context.Context) error {
	o.mu.Lock()
	ps := o.playback
	o.playback = nil
	o.mu.Unlock()
	if ps == nil {
		return nil
	}
	o.closePlayback(ctx, ps)
	log.Info().Str("module", "orch").Uint64("mountpoint", uint64(ps.mountpoint)).Msg("playback stopped")
	return nil
}

func (o *Orchestrator) closePlayback(ctx context.Context, ps *playbackState) {
	if ps.session.IsConnected() {
		if err := ps.handle.Stop(ctx); err != nil {
			log.Debug().Str("module", "orch").Err(err).Msg("stop playback")
		}
	}
	ps.session.Destroy(ctx)
	o.Registry.Unbind(PlaybackSession, ps.session)
}

func (o *Orchestrator) onPlaybackFatal(err error) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), exitTimeout)
		defer cancel()
		log.Warn().Str("module", "orch").Err(err).Msg("playback failed")
		if stopErr := o.StopPlayback(ctx); stopErr != nil {
			log.Debug().Str("module", "orch").Err(stopErr).Msg("stop failed playback")
		}
	}()
}

func (o *Orchestrator) restartPlayback(reason error) {
	o.mu.Lock()
	ps := o.playback
	if ps == nil {
		o.mu.Unlock()
		return
	}
	if o.Limiter != nil && !o.Limiter.Allow(PlaybackSession) {
		o.playback = nil
		o.mu.Unlock()
		log.Error().Str("module", "orch").Err(reason).Msg("playback restart limit reached")
		go o.closePlayback(context.Background(), ps)
		return
	}
	o.mu.Unlock()

	log.Warn().Str("module", "orch").Err(reason).Uint64("mountpoint", uint64(ps.mountpoint)).Msg("restarting playback")
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), restartTimeout)
		defer cancel()
		ps.session.Destroy(ctx)
		o.Registry.Unbind(PlaybackSession, ps.session)

		var next *playbackState
		err := domain.ErrConnectionUnavailable
		if o.gate().WaitForConnection(ctx) {
			next, err = o.startPlayback(ctx, ps.mountpoint)
		}

		o.mu.Lock()
		if o.playback != ps {
			o.mu.Unlock()
			if next != nil {
				o.closePlayback(ctx, next)
			}
			return
		}
		if err != nil {
			o.playback = nil
			o.mu.Unlock()
			log.Error().Str("module", "orch").Err(err).Msg("playback restart failed")
			return
		}
		o.playback = next
		o.mu.Unlock()
	}()
}
