// Package signaling carries one offer/answer negotiation per participant
// and mutates it incrementally afterwards. A Session owns no conference
// state; it only moves stanzas and tracks its own state machine.
package signaling

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/colloq/focus/internal/v1/logging"
	"github.com/colloq/focus/internal/v1/types"
	"github.com/colloq/focus/internal/v1/xmpp"
)

// DefaultRequestTimeout bounds one request/response exchange with the
// peer.
const DefaultRequestTimeout = 15 * time.Second

// ErrNotConnected is returned by a Connection whose link to the peer is
// transiently down. The blocking source-add path retries once on it.
var ErrNotConnected = errors.New("not connected")

// State is the session lifecycle position.
type State string

const (
	StatePending State = "pending"
	StateActive  State = "active"
	StateEnded   State = "ended"
)

// Connection moves stanzas to one peer. Send is fire-and-forget;
// Request blocks until the matching result or error stanza arrives.
type Connection interface {
	Send(ctx context.Context, iq *xmpp.IQ) error
	Request(ctx context.Context, iq *xmpp.IQ) (*xmpp.IQ, error)
}

// Handler receives the peer-initiated half of the conversation. Errors
// returned here become error replies to the peer's stanza.
type Handler interface {
	SessionAccepted(j *xmpp.Jingle) error
	TransportInfoReceived(j *xmpp.Jingle) error
	SourcesAdded(j *xmpp.Jingle) error
	SourcesRemoved(j *xmpp.Jingle) error
}

// Session is one signaling exchange with one participant.
type Session struct {
	sid     string
	local   string
	remote  string
	conn    Connection
	handler Handler
	timeout time.Duration

	mu    sync.Mutex
	state State
	done  chan struct{}
}

// SessionOption tunes a new session.
type SessionOption func(*Session)

// WithRequestTimeout overrides the per-exchange timeout.
func WithRequestTimeout(d time.Duration) SessionOption {
	return func(s *Session) { s.timeout = d }
}

// NewSession prepares a pending session toward remote.
func NewSession(local, remote string, conn Connection, handler Handler, opts ...SessionOption) *Session {
	s := &Session{
		sid:     uuid.NewString(),
		local:   local,
		remote:  remote,
		conn:    conn,
		handler: handler,
		timeout: DefaultRequestTimeout,
		state:   StatePending,
		done:    make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// SID returns the session identifier shared with the peer.
func (s *Session) SID() string { return s.sid }

// Peer returns the remote address.
func (s *Session) Peer() string { return s.remote }

// State returns the current lifecycle position.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Initiate ships the initial offer and blocks until the peer
// acknowledges it. A failed or timed-out initiate ends the session.
func (s *Session) Initiate(ctx context.Context, contents []xmpp.Content, jsonSources string) error {
	s.mu.Lock()
	if s.state != StatePending {
		s.mu.Unlock()
		return types.NewStanzaError(types.KindBadRequest, "initiate in state %s", s.state)
	}
	s.mu.Unlock()

	j := &xmpp.Jingle{
		Action:      xmpp.ActionSessionInitiate,
		SID:         s.sid,
		Initiator:   s.local,
		Contents:    contents,
		JSONSources: jsonSources,
	}
	if _, err := s.request(ctx, j); err != nil {
		s.end()
		return err
	}

	s.mu.Lock()
	if s.state == StatePending {
		s.state = StateActive
	}
	ended := s.state == StateEnded
	s.mu.Unlock()
	if ended {
		return types.ErrCancelled
	}
	return nil
}

// ReplaceTransport re-negotiates the transport while keeping the
// session id. Only valid on an active session.
func (s *Session) ReplaceTransport(ctx context.Context, contents []xmpp.Content) error {
	if err := s.requireActive("transport-replace"); err != nil {
		return err
	}
	j := &xmpp.Jingle{
		Action:    xmpp.ActionTransportReplace,
		SID:       s.sid,
		Initiator: s.local,
		Contents:  contents,
	}
	_, err := s.request(ctx, j)
	return err
}

// AddSources ships a source-add. The blocking form waits for the peer's
// answer and retries once when the link is transiently down.
func (s *Session) AddSources(ctx context.Context, contents []xmpp.Content, jsonSources string, block bool) error {
	return s.mutateSources(ctx, xmpp.ActionSourceAdd, contents, jsonSources, block)
}

// RemoveSources ships a source-remove.
func (s *Session) RemoveSources(ctx context.Context, contents []xmpp.Content, jsonSources string, block bool) error {
	return s.mutateSources(ctx, xmpp.ActionSourceRemove, contents, jsonSources, block)
}

func (s *Session) mutateSources(ctx context.Context, action xmpp.JingleAction, contents []xmpp.Content, jsonSources string, block bool) error {
	if err := s.requireActive(string(action)); err != nil {
		return err
	}
	j := &xmpp.Jingle{
		Action:      action,
		SID:         s.sid,
		Initiator:   s.local,
		Contents:    contents,
		JSONSources: jsonSources,
	}
	if !block {
		return s.conn.Send(ctx, s.outbound(j))
	}
	_, err := s.request(ctx, j)
	if errors.Is(err, ErrNotConnected) {
		_, err = s.request(ctx, j)
	}
	return err
}

// Terminate ends the session. With sendStanza false the peer already
// terminated us and only local state is torn down. Idempotent.
func (s *Session) Terminate(ctx context.Context, reason, message string, sendStanza bool) error {
	if !s.end() {
		return nil
	}
	if !sendStanza {
		return nil
	}
	j := &xmpp.Jingle{
		Action: xmpp.ActionSessionTerminate,
		SID:    s.sid,
		Reason: &xmpp.Reason{Condition: reason, Text: message},
	}
	if err := s.conn.Send(ctx, s.outbound(j)); err != nil {
		logging.Warn(ctx, "Failed to deliver session-terminate",
			zap.String("sid", s.sid), zap.Error(err))
		return err
	}
	return nil
}

// ProcessIncoming dispatches a peer-initiated jingle. The returned
// error, if any, is what the peer's stanza is answered with.
func (s *Session) ProcessIncoming(j *xmpp.Jingle) error {
	if j.SID != s.sid {
		return types.NewStanzaError(types.KindItemNotFound, "unknown session %s", j.SID)
	}
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()
	if state == StateEnded {
		return types.NewStanzaError(types.KindItemNotFound, "session ended")
	}

	switch j.Action {
	case xmpp.ActionSessionAccept:
		s.mu.Lock()
		if s.state == StatePending {
			s.state = StateActive
		}
		s.mu.Unlock()
		return s.handler.SessionAccepted(j)
	case xmpp.ActionSessionTerminate:
		s.end()
		return nil
	case xmpp.ActionTransportInfo:
		return s.handler.TransportInfoReceived(j)
	case xmpp.ActionSourceAdd:
		return s.handler.SourcesAdded(j)
	case xmpp.ActionSourceRemove:
		return s.handler.SourcesRemoved(j)
	default:
		return types.NewStanzaError(types.KindBadRequest, "unsupported action %s", string(j.Action))
	}
}

// Done is closed when the session ends, releasing any waiters.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) requireActive(op string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateActive {
		return types.NewStanzaError(types.KindBadRequest, "%s in state %s", op, s.state)
	}
	return nil
}

// end transitions to ended, reporting whether this call did it.
func (s *Session) end() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateEnded {
		return false
	}
	s.state = StateEnded
	close(s.done)
	return true
}

func (s *Session) outbound(j *xmpp.Jingle) *xmpp.IQ {
	return &xmpp.IQ{
		Type:    xmpp.IQSet,
		ID:      uuid.NewString(),
		From:    s.local,
		To:      s.remote,
		Payload: j,
	}
}

// request ships the jingle and waits for the peer's answer, bounded by
// the session timeout and released early when the session is cancelled.
func (s *Session) request(ctx context.Context, j *xmpp.Jingle) (*xmpp.IQ, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	type outcome struct {
		res *xmpp.IQ
		err error
	}
	ch := make(chan outcome, 1)
	go func() {
		res, err := s.conn.Request(ctx, s.outbound(j))
		ch <- outcome{res, err}
	}()

	select {
	case <-s.done:
		return nil, types.ErrCancelled
	case out := <-ch:
		if out.err != nil {
			if errors.Is(out.err, context.DeadlineExceeded) {
				return nil, types.NewStanzaError(types.KindTimeout, "%s timed out", string(j.Action))
			}
			return nil, out.err
		}
		if out.res != nil && out.res.Type == xmpp.IQError {
			se := xmpp.StanzaErrorFrom(out.res.Error)
			if se == nil {
				se = types.NewStanzaError(types.KindInternalServerError, "peer error")
			}
			return nil, se
		}
		return out.res, nil
	}
}
