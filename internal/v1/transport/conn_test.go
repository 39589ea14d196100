package transport

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/colloq/focus/internal/v1/signaling"
	"github.com/colloq/focus/internal/v1/xmpp"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeWS struct {
	in chan []byte

	mu     sync.Mutex
	writes [][]byte

	closeOnce sync.Once
	closed    chan struct{}
}

func newFakeWS() *fakeWS {
	return &fakeWS{in: make(chan []byte, 16), closed: make(chan struct{})}
}

func (f *fakeWS) ReadMessage() (int, []byte, error) {
	select {
	case data, ok := <-f.in:
		if !ok {
			return 0, nil, errors.New("link closed")
		}
		return websocket.TextMessage, data, nil
	case <-f.closed:
		return 0, nil, errors.New("link closed")
	}
}

func (f *fakeWS) WriteMessage(messageType int, data []byte) error {
	if messageType != websocket.TextMessage {
		return nil
	}
	f.mu.Lock()
	f.writes = append(f.writes, data)
	f.mu.Unlock()
	return nil
}

func (f *fakeWS) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeWS) SetWriteDeadline(time.Time) error { return nil }

func (f *fakeWS) written() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.writes))
	copy(out, f.writes)
	return out
}

// lastIQ waits for the n-th written stanza and parses it.
func (f *fakeWS) writtenIQ(t *testing.T, n int) *xmpp.IQ {
	t.Helper()
	var data []byte
	require.Eventually(t, func() bool {
		w := f.written()
		if len(w) <= n {
			return false
		}
		data = w[n]
		return true
	}, time.Second, 2*time.Millisecond)
	iq, err := xmpp.Unmarshal(data)
	require.NoError(t, err)
	return iq
}

type recordingStanzaHandler struct {
	mu  sync.Mutex
	iqs []*xmpp.IQ
}

func (h *recordingStanzaHandler) HandleStanza(_ context.Context, iq *xmpp.IQ) {
	h.mu.Lock()
	h.iqs = append(h.iqs, iq)
	h.mu.Unlock()
}

func (h *recordingStanzaHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.iqs)
}

type recordingPresenceHandler struct {
	mu sync.Mutex
	ps []*xmpp.Presence
}

func (h *recordingPresenceHandler) HandlePresence(p *xmpp.Presence) {
	h.mu.Lock()
	h.ps = append(h.ps, p)
	h.mu.Unlock()
}

func (h *recordingPresenceHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.ps)
}

func startConn(t *testing.T) (*Conn, *fakeWS, *recordingStanzaHandler, *recordingPresenceHandler) {
	t.Helper()
	ws := newFakeWS()
	c := NewConn(ws)
	stanzas := &recordingStanzaHandler{}
	presence := &recordingPresenceHandler{}
	c.SetHandlers(stanzas, presence)
	c.Start()
	t.Cleanup(c.Close)
	return c, ws, stanzas, presence
}

func TestSendWritesStanza(t *testing.T) {
	c, ws, _, _ := startConn(t)

	iq := &xmpp.IQ{Type: xmpp.IQSet, ID: "s1", To: "focus.example.com",
		Payload: &xmpp.Dial{To: "+1555"}}
	require.NoError(t, c.Send(context.Background(), iq))

	got := ws.writtenIQ(t, 0)
	assert.Equal(t, "s1", got.ID)
	assert.IsType(t, &xmpp.Dial{}, got.Payload)
}

func TestRequestRoundTrip(t *testing.T) {
	c, ws, _, _ := startConn(t)

	type result struct {
		reply *xmpp.IQ
		err   error
	}
	results := make(chan result, 1)
	go func() {
		reply, err := c.Request(context.Background(),
			&xmpp.IQ{Type: xmpp.IQGet, To: "peer", Payload: &xmpp.Login{MachineUID: "uid"}})
		results <- result{reply, err}
	}()

	sent := ws.writtenIQ(t, 0)
	require.NotEmpty(t, sent.ID, "request ids are assigned automatically")

	replyData, err := xmpp.Marshal(&xmpp.IQ{Type: xmpp.IQResult, ID: sent.ID, From: "peer"})
	require.NoError(t, err)
	ws.in <- replyData

	res := <-results
	require.NoError(t, res.err)
	assert.Equal(t, xmpp.IQResult, res.reply.Type)
}

func TestRequestCancelledByContext(t *testing.T) {
	c, _, _, _ := startConn(t)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := c.Request(ctx, &xmpp.IQ{Type: xmpp.IQGet, Payload: &xmpp.Login{}})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRequestFailsAfterClose(t *testing.T) {
	c, _, _, _ := startConn(t)
	c.Close()

	_, err := c.Request(context.Background(), &xmpp.IQ{Type: xmpp.IQGet, Payload: &xmpp.Login{}})
	assert.ErrorIs(t, err, signaling.ErrNotConnected)
}

func TestLinkDeathFailsPendingRequest(t *testing.T) {
	c, ws, _, _ := startConn(t)

	errs := make(chan error, 1)
	go func() {
		_, err := c.Request(context.Background(), &xmpp.IQ{Type: xmpp.IQGet, Payload: &xmpp.Login{}})
		errs <- err
	}()
	ws.writtenIQ(t, 0)

	close(ws.in) // reader sees the link die
	assert.ErrorIs(t, <-errs, signaling.ErrNotConnected)
}

func TestInboundRequestReachesRouter(t *testing.T) {
	_, ws, stanzas, _ := startConn(t)

	data, err := xmpp.Marshal(&xmpp.IQ{Type: xmpp.IQSet, ID: "in-1", From: "client@example.com/web",
		Payload: &xmpp.Mute{Value: "true"}})
	require.NoError(t, err)
	ws.in <- data

	require.Eventually(t, func() bool { return stanzas.count() == 1 }, time.Second, 2*time.Millisecond)
}

func TestInboundPresenceReachesPresenceLayer(t *testing.T) {
	_, ws, _, presence := startConn(t)

	ws.in <- []byte(`<presence from="standup@conference.example.com/alice"/>`)
	require.Eventually(t, func() bool { return presence.count() == 1 }, time.Second, 2*time.Millisecond)
}

func TestMalformedAndUnsolicitedFramesIgnored(t *testing.T) {
	_, ws, stanzas, presence := startConn(t)

	ws.in <- []byte(`<iq type=`)
	ws.in <- []byte(`<message>chat noise</message>`)
	unsolicited, err := xmpp.Marshal(&xmpp.IQ{Type: xmpp.IQResult, ID: "nobody-waits"})
	require.NoError(t, err)
	ws.in <- unsolicited

	probe, err := xmpp.Marshal(&xmpp.IQ{Type: xmpp.IQSet, ID: "probe",
		Payload: &xmpp.Mute{Value: "true"}})
	require.NoError(t, err)
	ws.in <- probe

	require.Eventually(t, func() bool { return stanzas.count() == 1 }, time.Second, 2*time.Millisecond)
	assert.Equal(t, 0, presence.count())
}
