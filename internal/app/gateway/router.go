package gateway

import (
	"context"
	"fmt"

	"github.com/dkeye/VoiceClient/internal/core"
	"github.com/dkeye/VoiceClient/internal/domain"
)

// onReply is the single dispatch point for gateway replies on the direct and
// shared topics. Nothing here blocks or panics on bad input; unattributable
// messages are logged and dropped.
func (s *Session) onReply(in core.InboundMessage) {
	msg, err := domain.Decode(in.Payload)
	if err != nil {
		s.log.Warn().Err(err).Str("topic", in.Topic).Msg("dropping undecodable reply")
		return
	}
	h := msg.Meta()

	// the direct and shared topics carry every session of this client
	if h.SessionID != 0 {
		if id, ok := s.ID(); !ok || id != h.SessionID {
			s.log.Debug().
				Uint64("sid", uint64(h.SessionID)).
				Str("type", string(msg.Type())).
				Str("transaction", h.Transaction).
				Msg("reply for another session")
			return
		}
	}

	switch m := msg.(type) {
	case *domain.Ack:
		if !s.settle(m, nil, false) {
			s.log.Debug().Str("transaction", h.Transaction).Msg("ack without matching transaction")
		}

	case *domain.Success:
		matched := s.settle(m, nil, false)
		if m.PluginData == nil {
			if !matched {
				s.log.Debug().Str("transaction", h.Transaction).Msg("success without matching transaction")
			}
			return
		}
		if h.Sender == 0 {
			s.log.Warn().Str("transaction", h.Transaction).Bool("resolved", matched).Msg("plugin success without sender")
			return
		}
		handle := s.handle(h.Sender)
		if handle == nil {
			s.log.Warn().Uint64("handle", uint64(h.Sender)).Bool("resolved", matched).Msg("plugin success for unknown handle")
			return
		}
		if !matched {
			handle.OnMessage(m)
		}

	case *domain.Event:
		if s.settle(m, m.PluginData.Err(), false) {
			return
		}
		s.dispatch(m)

	case *domain.Error:
		if !s.settle(m, m.Err, true) {
			s.log.Warn().Err(m.Err).Str("transaction", h.Transaction).Msg("gateway error without matching transaction")
		}

	case *domain.Detached:
		handle := s.removeHandle(h.Sender)
		if handle == nil {
			s.log.Warn().Uint64("handle", uint64(h.Sender)).Msg("detached for unknown handle")
			return
		}
		handle.OnMessage(m)
		handle.OnDetached()

	case *domain.Timeout:
		s.log.Warn().Uint64("sid", uint64(h.SessionID)).Msg("gateway expired session")
		s.fail(domain.ErrSessionExpired)

	default:
		s.dispatch(msg)
	}
}

// dispatch routes a handle-level message to the handle named by sender.
func (s *Session) dispatch(msg domain.Message) {
	sender := msg.Meta().Sender
	handle := s.handle(sender)
	if handle == nil {
		s.log.Warn().
			Str("type", string(msg.Type())).
			Uint64("handle", uint64(sender)).
			Msg("dropping message for unknown handle")
		return
	}
	handle.OnMessage(msg)
}

// onGatewayStatus reacts to the server's status reports.
func (s *Session) onGatewayStatus(online bool) {
	if !online {
		s.log.Warn().Msg("gateway offline")
		s.fail(domain.ErrSessionOffline)
		return
	}
	go s.reconnect()
}

// reconnect handles status online: a no-op for an initialized session,
// otherwise it releases the deferred create.
func (s *Session) reconnect() {
	s.mu.Lock()
	skip := s.destroyed || !s.subscribed || s.connected
	s.mu.Unlock()
	if skip {
		s.log.Debug().Msg("gateway online, session already initialized")
		return
	}
	s.log.Info().Msg("gateway online, creating session")
	if _, err := s.Connect(context.Background()); err != nil {
		s.log.Warn().Err(err).Msg("create after gateway online failed")
	}
}

func (s *Session) onTransportEvent(ev core.TransportEvent) {
	switch ev.Kind {
	case core.TransportOffline:
		reason := domain.ErrTransportLost
		if ev.Err != nil {
			reason = fmt.Errorf("%w: %v", domain.ErrTransportLost, ev.Err)
		}
		s.teardown(reason)
	case core.TransportError:
		s.log.Warn().Err(ev.Err).Msg("transport error")
	}
}
