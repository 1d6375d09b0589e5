package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dkeye/VoiceClient/internal/core"
	"github.com/dkeye/VoiceClient/internal/domain"
)

type txResult struct {
	msg domain.Message
	err error
}

// pending is one in-flight request awaiting its correlated reply.
type pending struct {
	id      string
	expect  domain.MessageType
	request domain.Request
	sentAt  time.Time
	done    chan txResult // buffered; written once by whoever removes the entry
}

type txOptions struct {
	timeout           time.Duration
	bypassGate        bool
	allowDisconnected bool
}

type TxOption func(*txOptions)

// WithTimeout bounds the wait for the reply; on expiry the transaction is
// dropped and ErrTransactionTimeout returned.
func WithTimeout(d time.Duration) TxOption {
	return func(o *txOptions) { o.timeout = d }
}

// Transaction sends req and waits for the reply whose transaction id and
// type match. Error replies with the same id reject it.
func (s *Session) Transaction(ctx context.Context, req domain.Request, expect domain.MessageType, opts ...TxOption) (domain.Message, error) {
	var o txOptions
	for _, opt := range opts {
		opt(&o)
	}
	return s.transaction(ctx, req, expect, o)
}

// Send issues a plugin "message" on a handle.
func (s *Session) Send(ctx context.Context, handle domain.HandleID, body any, jsep *domain.JSEP, expect domain.MessageType) (domain.Message, error) {
	return s.Transaction(ctx, domain.Request{
		Janus:    domain.TypeMessage,
		HandleID: handle,
		Body:     body,
		JSEP:     jsep,
	}, expect)
}

// Trickle sends one local candidate, or the end-of-candidates marker.
func (s *Session) Trickle(ctx context.Context, handle domain.HandleID, c *domain.Candidate) error {
	_, err := s.Transaction(ctx, domain.Request{
		Janus:     domain.TypeTrickle,
		HandleID:  handle,
		Candidate: c,
	}, domain.TypeAck)
	return err
}

func (s *Session) transaction(ctx context.Context, req domain.Request, expect domain.MessageType, o txOptions) (domain.Message, error) {
	if !o.bypassGate && !s.gate.WaitForConnection(ctx) {
		return nil, domain.ErrConnectionUnavailable
	}

	id := uuid.NewString()
	p := &pending{
		id:     id,
		expect: expect,
		sentAt: s.clock.Now(),
		done:   make(chan txResult, 1),
	}

	s.mu.Lock()
	if !s.connected && !o.allowDisconnected {
		s.mu.Unlock()
		return nil, domain.ErrNotConnected
	}
	req.Transaction = id
	if req.Janus != domain.TypeCreate {
		req.SessionID = s.id
	}
	req.Token = s.token
	p.request = req
	s.transactions[id] = p
	s.mu.Unlock()

	payload, err := json.Marshal(req)
	if err != nil {
		s.forget(id)
		return nil, fmt.Errorf("marshal %s: %w", req.Janus, err)
	}

	err = s.transport.Publish(ctx, s.topics.Outbound, payload, core.PublishOptions{
		QoS:             s.cfg.QoS,
		ResponseTopic:   s.topics.Direct,
		CorrelationData: []byte(id),
	})
	if err != nil {
		if s.forget(id) {
			return nil, fmt.Errorf("publish %s: %w", req.Janus, err)
		}
		res := <-p.done
		return res.msg, res.err
	}

	select {
	case res := <-p.done:
		return res.msg, res.err
	default:
	}

	var timeout <-chan time.Time
	if o.timeout > 0 {
		timer := s.clock.NewTimer(o.timeout)
		defer timer.Stop()
		timeout = timer.Chan()
	}

	select {
	case res := <-p.done:
		return res.msg, res.err
	case <-timeout:
		if s.forget(id) {
			s.log.Warn().
				Str("transaction", id).
				Str("type", string(p.request.Janus)).
				Uint64("handle", uint64(p.request.HandleID)).
				Dur("waited", s.clock.Since(p.sentAt)).
				Msg("transaction timed out")
			return nil, domain.ErrTransactionTimeout
		}
		res := <-p.done
		return res.msg, res.err
	case <-ctx.Done():
		if s.forget(id) {
			return nil, ctx.Err()
		}
		res := <-p.done
		return res.msg, res.err
	}
}

// forget drops a pending entry. It reports false when the entry was already
// claimed by a reply or a teardown, in which case its result is on the way.
func (s *Session) forget(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.transactions[id]; !ok {
		return false
	}
	delete(s.transactions, id)
	return true
}

// settle completes the pending entry matching msg. With rejection set the
// entry is rejected; anyType matches on id alone (used for error replies).
func (s *Session) settle(msg domain.Message, rejection error, anyType bool) bool {
	id := msg.Meta().Transaction
	if id == "" {
		return false
	}
	s.mu.Lock()
	p, ok := s.transactions[id]
	if !ok || (!anyType && p.expect != msg.Type()) {
		s.mu.Unlock()
		return false
	}
	delete(s.transactions, id)
	s.mu.Unlock()

	if rejection != nil {
		p.done <- txResult{msg: msg, err: fmt.Errorf("%w: %w", domain.ErrGatewayRejected, rejection)}
	} else {
		p.done <- txResult{msg: msg}
	}
	return true
}

func isRejection(err error) bool {
	return errors.Is(err, domain.ErrGatewayRejected)
}
