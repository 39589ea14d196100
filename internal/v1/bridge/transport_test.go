package bridge

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/colloq/focus/internal/v1/types"
	"github.com/colloq/focus/internal/v1/xmpp"
)

type scriptedRequester struct {
	lastIQ *xmpp.IQ
	reply  *xmpp.IQ
	err    error
}

func (r *scriptedRequester) Request(_ context.Context, iq *xmpp.IQ) (*xmpp.IQ, error) {
	r.lastIQ = iq
	if r.err != nil {
		return nil, r.err
	}
	reply := r.reply
	reply.ID = iq.ID
	return reply, nil
}

func TestStanzaTransportRequest(t *testing.T) {
	conn := &scriptedRequester{reply: &xmpp.IQ{
		Type: xmpp.IQResult,
		Payload: &xmpp.BridgeConference{
			Operation: xmpp.BridgeOpAllocate,
			ID:        "cid-1",
			Endpoints: []xmpp.BridgeChannel{{ID: "alice", Transport: &xmpp.Transport{}}},
		},
	}}
	tr := NewStanzaTransport(conn)

	res, err := tr.Request(context.Background(), "jvb@j1.example.com", &xmpp.BridgeConference{
		Operation: xmpp.BridgeOpAllocate,
		ID:        "cid-1",
	})
	require.NoError(t, err)
	require.Len(t, res.Endpoints, 1)
	assert.Equal(t, "jvb@j1.example.com", conn.lastIQ.To)
	assert.Equal(t, xmpp.IQGet, conn.lastIQ.Type)
}

func TestStanzaTransportErrorReply(t *testing.T) {
	conn := &scriptedRequester{reply: &xmpp.IQ{
		Type:  xmpp.IQError,
		Error: &xmpp.ErrorEl{Condition: string(types.KindResourceConstraint), Text: "bridge full"},
	}}
	tr := NewStanzaTransport(conn)

	_, err := tr.Request(context.Background(), "jvb@j1.example.com",
		&xmpp.BridgeConference{Operation: xmpp.BridgeOpAllocate})
	require.Error(t, err)
	assert.Equal(t, types.KindResourceConstraint, types.KindOf(err))
}

func TestStanzaTransportBareResultRejected(t *testing.T) {
	conn := &scriptedRequester{reply: &xmpp.IQ{Type: xmpp.IQResult}}
	tr := NewStanzaTransport(conn)

	_, err := tr.Request(context.Background(), "jvb@j1.example.com",
		&xmpp.BridgeConference{Operation: xmpp.BridgeOpExpire})
	require.Error(t, err)
	assert.Equal(t, types.KindInternalServerError, types.KindOf(err))
}

func TestStanzaTransportProbe(t *testing.T) {
	conn := &scriptedRequester{reply: &xmpp.IQ{Type: xmpp.IQResult}}
	tr := NewStanzaTransport(conn)
	require.NoError(t, tr.Probe(context.Background(), "jvb@j1.example.com"))
	assert.IsType(t, &xmpp.Ping{}, conn.lastIQ.Payload)

	conn.err = errors.New("link down")
	assert.Error(t, tr.Probe(context.Background(), "jvb@j1.example.com"))
}
