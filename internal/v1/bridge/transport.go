package bridge

import (
	"context"

	"github.com/colloq/focus/internal/v1/types"
	"github.com/colloq/focus/internal/v1/xmpp"
)

// Requester is the slice of the stanza link bridge commands travel over.
type Requester interface {
	Request(ctx context.Context, iq *xmpp.IQ) (*xmpp.IQ, error)
}

// StanzaTransport carries allocate/modify/expire commands and recovery
// probes to bridges as request stanzas. It implements Transport and
// Prober.
type StanzaTransport struct {
	conn Requester
}

// NewStanzaTransport wraps the stanza link.
func NewStanzaTransport(conn Requester) *StanzaTransport {
	return &StanzaTransport{conn: conn}
}

// Request issues one control command and decodes the bridge's answer.
func (t *StanzaTransport) Request(ctx context.Context, address string, cmd *xmpp.BridgeConference) (*xmpp.BridgeConference, error) {
	reply, err := t.conn.Request(ctx, &xmpp.IQ{Type: xmpp.IQGet, To: address, Payload: cmd})
	if err != nil {
		return nil, err
	}
	if reply.Type == xmpp.IQError {
		if se := xmpp.StanzaErrorFrom(reply.Error); se != nil {
			return nil, se
		}
		return nil, types.NewStanzaError(types.KindInternalServerError, "bridge refused command")
	}
	res, ok := reply.Payload.(*xmpp.BridgeConference)
	if !ok {
		return nil, types.NewStanzaError(types.KindInternalServerError, "bridge answered without a conference element")
	}
	return res, nil
}

// Probe pings a bridge to check whether it answers again after a
// failure. Any reply, including an error, proves the bridge is alive.
func (t *StanzaTransport) Probe(ctx context.Context, address string) error {
	_, err := t.conn.Request(ctx, &xmpp.IQ{Type: xmpp.IQGet, To: address, Payload: &xmpp.Ping{}})
	return err
}
