package plugin

import (
	"context"
	"fmt"
	"sync"

	"github.com/dkeye/VoiceClient/internal/core"
	"github.com/dkeye/VoiceClient/internal/domain"
)

type streamingWatch struct {
	Request string              `json:"request"`
	ID      domain.MountpointID `json:"id"`
	Restart bool                `json:"restart,omitempty"`
}

// Playback receives a streaming mountpoint. It never sends media.
type Playback struct {
	*Handle

	mu         sync.Mutex
	mountpoint domain.MountpointID
}

func NewPlayback(opts Options, cb Callbacks) *Playback {
	p := &Playback{Handle: newHandle(domain.PluginStreaming, core.RolePlayback, opts, cb)}
	p.restart = func(ctx context.Context) error { return p.watch(ctx, true) }
	return p
}

// Watch starts playing mountpoint.
func (p *Playback) Watch(ctx context.Context, mountpoint domain.MountpointID) error {
	p.mu.Lock()
	p.mountpoint = mountpoint
	p.mu.Unlock()
	return p.negotiate(ctx, func(ctx context.Context) error { return p.watch(ctx, false) })
}

func (p *Playback) watch(ctx context.Context, restart bool) error {
	ev, err := p.request(ctx, streamingWatch{Request: "watch", ID: p.Mountpoint(), Restart: restart}, nil)
	if err != nil {
		return fmt.Errorf("watch: %w", err)
	}
	if ev.JSEP == nil || ev.JSEP.Type != "offer" {
		return fmt.Errorf("%w: watch without offer", domain.ErrGatewayRejected)
	}
	return p.answerAndStart(ctx, *ev.JSEP, map[string]string{"request": "start"})
}

// Stop stops the stream and detaches the handle.
func (p *Playback) Stop(ctx context.Context) error {
	if p.ID() != 0 && !p.State().Terminal() {
		if _, err := p.request(ctx, map[string]string{"request": "stop"}, nil); err != nil {
			p.log.Debug().Err(err).Msg("stop")
		}
	}
	return p.Close(ctx)
}

func (p *Playback) Mountpoint() domain.MountpointID {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.mountpoint
}

func (p *Playback) OnMessage(msg domain.Message) {
	m, ok := msg.(*domain.Event)
	if !ok {
		p.onCommon(msg)
		return
	}
	var data domain.StreamingEvent
	if err := m.PluginData.Decode(&data); err != nil {
		p.log.Warn().Err(err).Msg("undecodable streaming event")
		return
	}
	if data.ErrorCode != 0 {
		p.log.Warn().Int("code", data.ErrorCode).Str("reason", data.Error).Msg("streaming error event")
		return
	}
	if data.Result.Status != "" {
		p.log.Info().Str("status", data.Result.Status).Msg("stream status")
	}
}
