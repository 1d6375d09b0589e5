package gateway

import (
	"context"
	"errors"

	"github.com/dkeye/VoiceClient/internal/domain"
)

// keepAliveLoop is the session's only liveness detector: the gateway never
// pushes heartbeats. It stops when ctx is cancelled by a teardown.
func (s *Session) keepAliveLoop(ctx context.Context) {
	for {
		timer := s.clock.NewTimer(s.cfg.KeepAlivePeriod)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.Chan():
		}
		if !s.IsConnected() {
			return
		}

		_, err := s.transaction(ctx, domain.Request{Janus: domain.TypeKeepAlive}, domain.TypeAck,
			txOptions{timeout: s.cfg.KeepAliveTimeout})
		switch {
		case ctx.Err() != nil:
			return
		case err == nil:
			s.keepAliveSucceeded()
		case errors.Is(err, domain.ErrConnectionUnavailable):
			s.log.Debug().Msg("keepalive skipped, connection gate closed")
		case errors.Is(err, domain.ErrNotConnected):
			return
		default:
			n := s.keepAliveFailed()
			s.log.Warn().Err(err).Int("failures", n).Int("max", s.cfg.KeepAliveMaxFailures).Msg("keepalive failed")
			if n >= s.cfg.KeepAliveMaxFailures {
				s.fail(domain.ErrKeepaliveExhausted)
				return
			}
		}
	}
}

func (s *Session) keepAliveSucceeded() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keepAliveFailures = 0
}

func (s *Session) keepAliveFailed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keepAliveFailures++
	return s.keepAliveFailures
}
