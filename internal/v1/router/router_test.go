package router

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/colloq/focus/internal/v1/types"
	"github.com/colloq/focus/internal/v1/xmpp"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type mockDispatcher struct {
	dispatch func(ctx context.Context, iq *xmpp.IQ) (any, error)
	roomOf   func(iq *xmpp.IQ) (types.RoomName, bool)
}

func (m *mockDispatcher) Dispatch(ctx context.Context, iq *xmpp.IQ) (any, error) {
	if m.dispatch == nil {
		return nil, nil
	}
	return m.dispatch(ctx, iq)
}

func (m *mockDispatcher) RoomOf(iq *xmpp.IQ) (types.RoomName, bool) {
	if m.roomOf == nil {
		return types.RoomName{}, false
	}
	return m.roomOf(iq)
}

type mockSender struct {
	mu   sync.Mutex
	sent []*xmpp.IQ
}

func (m *mockSender) Send(_ context.Context, iq *xmpp.IQ) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, iq)
	return nil
}

func (m *mockSender) replies() []*xmpp.IQ {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*xmpp.IQ, len(m.sent))
	copy(out, m.sent)
	return out
}

func (m *mockSender) repliesFor(id string) []*xmpp.IQ {
	var out []*xmpp.IQ
	for _, iq := range m.replies() {
		if iq.ID == id {
			out = append(out, iq)
		}
	}
	return out
}

func dialIQ(id, room string) *xmpp.IQ {
	return &xmpp.IQ{
		Type:    xmpp.IQSet,
		ID:      id,
		From:    "alice@example.com/web",
		To:      "focus.example.com",
		Payload: &xmpp.Dial{To: "+15551234", RoomName: room},
	}
}

func roomResolver(t *testing.T, room string) func(*xmpp.IQ) (types.RoomName, bool) {
	t.Helper()
	name, err := types.ParseRoomName(room)
	require.NoError(t, err)
	return func(iq *xmpp.IQ) (types.RoomName, bool) {
		d, ok := iq.Payload.(*xmpp.Dial)
		if !ok || d.RoomName == "" {
			return types.RoomName{}, false
		}
		return name, true
	}
}

func TestRequestsForOneConferenceRunInOrder(t *testing.T) {
	var mu sync.Mutex
	var order []string
	disp := &mockDispatcher{
		dispatch: func(_ context.Context, iq *xmpp.IQ) (any, error) {
			mu.Lock()
			order = append(order, iq.ID)
			mu.Unlock()
			return nil, nil
		},
		roomOf: roomResolver(t, "room@conference.example.com"),
	}
	sender := &mockSender{}
	r := New(disp, sender)
	defer r.Close()

	const n = 20
	for i := 0; i < n; i++ {
		r.HandleStanza(context.Background(), dialIQ(fmt.Sprintf("iq-%02d", i), "room"))
	}
	require.Eventually(t, func() bool { return len(sender.replies()) == n }, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, order, n)
	for i := 0; i < n; i++ {
		assert.Equal(t, fmt.Sprintf("iq-%02d", i), order[i])
	}
}

func TestExactlyOneReplyPerRequest(t *testing.T) {
	disp := &mockDispatcher{
		dispatch: func(_ context.Context, iq *xmpp.IQ) (any, error) {
			if iq.ID == "bad" {
				return nil, types.NewStanzaError(types.KindForbidden, "nope")
			}
			return &xmpp.RoomMetadata{JSON: "{}"}, nil
		},
	}
	sender := &mockSender{}
	r := New(disp, sender)
	defer r.Close()

	r.HandleStanza(context.Background(), dialIQ("ok", ""))
	r.HandleStanza(context.Background(), dialIQ("bad", ""))
	require.Eventually(t, func() bool { return len(sender.replies()) == 2 }, time.Second, 5*time.Millisecond)

	oks := sender.repliesFor("ok")
	require.Len(t, oks, 1)
	assert.Equal(t, xmpp.IQResult, oks[0].Type)

	bads := sender.repliesFor("bad")
	require.Len(t, bads, 1)
	assert.Equal(t, xmpp.IQError, bads[0].Type)
	assert.Equal(t, string(types.KindForbidden), bads[0].Error.Condition)
}

func TestNonRequestStanzasIgnored(t *testing.T) {
	sender := &mockSender{}
	r := New(&mockDispatcher{}, sender)
	defer r.Close()

	iq := dialIQ("r1", "")
	iq.Type = xmpp.IQResult
	r.HandleStanza(context.Background(), iq)

	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, sender.replies())
}

func TestUnrecognizedPayloadGetsBadRequest(t *testing.T) {
	sender := &mockSender{}
	r := New(&mockDispatcher{}, sender)
	defer r.Close()

	r.HandleStanza(context.Background(), &xmpp.IQ{Type: xmpp.IQSet, ID: "x1", From: "a@b"})
	require.Eventually(t, func() bool { return len(sender.replies()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, string(types.KindBadRequest), sender.replies()[0].Error.Condition)
}

func TestFullQueueAnsweredWithResourceConstraint(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 8)
	disp := &mockDispatcher{
		dispatch: func(_ context.Context, _ *xmpp.IQ) (any, error) {
			started <- struct{}{}
			<-release
			return nil, nil
		},
		roomOf: roomResolver(t, "room@conference.example.com"),
	}
	sender := &mockSender{}
	r := New(disp, sender, WithQueueCapacity(1))
	defer r.Close()

	// first occupies the worker, second fills the buffer
	r.HandleStanza(context.Background(), dialIQ("busy", "room"))
	<-started
	r.HandleStanza(context.Background(), dialIQ("queued", "room"))
	r.HandleStanza(context.Background(), dialIQ("spill", "room"))

	spills := sender.repliesFor("spill")
	require.Len(t, spills, 1)
	assert.Equal(t, string(types.KindResourceConstraint), spills[0].Error.Condition)

	close(release)
	require.Eventually(t, func() bool { return len(sender.replies()) == 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, xmpp.IQResult, sender.repliesFor("queued")[0].Type)
}

func TestHandlerPanicBecomesInternalErrorAndWorkerSurvives(t *testing.T) {
	disp := &mockDispatcher{
		dispatch: func(_ context.Context, iq *xmpp.IQ) (any, error) {
			if iq.ID == "boom" {
				panic("handler exploded")
			}
			return nil, nil
		},
		roomOf: roomResolver(t, "room@conference.example.com"),
	}
	sender := &mockSender{}
	r := New(disp, sender)
	defer r.Close()

	r.HandleStanza(context.Background(), dialIQ("boom", "room"))
	r.HandleStanza(context.Background(), dialIQ("after", "room"))
	require.Eventually(t, func() bool { return len(sender.replies()) == 2 }, time.Second, 5*time.Millisecond)

	booms := sender.repliesFor("boom")
	require.Len(t, booms, 1)
	assert.Equal(t, xmpp.IQError, booms[0].Type)
	assert.Equal(t, string(types.KindInternalServerError), booms[0].Error.Condition)
	assert.Equal(t, xmpp.IQResult, sender.repliesFor("after")[0].Type)
}

func TestCloseConferenceDrainsPendingWork(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 8)
	disp := &mockDispatcher{
		dispatch: func(_ context.Context, _ *xmpp.IQ) (any, error) {
			started <- struct{}{}
			<-release
			return nil, nil
		},
		roomOf: roomResolver(t, "room@conference.example.com"),
	}
	sender := &mockSender{}
	r := New(disp, sender)
	defer r.Close()

	r.HandleStanza(context.Background(), dialIQ("busy", "room"))
	<-started
	r.HandleStanza(context.Background(), dialIQ("pending-1", "room"))
	r.HandleStanza(context.Background(), dialIQ("pending-2", "room"))

	room, err := types.ParseRoomName("room@conference.example.com")
	require.NoError(t, err)
	r.CloseConference(room)
	close(release)

	require.Eventually(t, func() bool {
		return len(sender.repliesFor("pending-1")) == 1 && len(sender.repliesFor("pending-2")) == 1
	}, time.Second, 5*time.Millisecond)
	for _, id := range []string{"pending-1", "pending-2"} {
		reply := sender.repliesFor(id)[0]
		assert.Equal(t, xmpp.IQError, reply.Type)
		assert.Equal(t, string(types.KindServiceUnavailable), reply.Error.Condition)
	}
	// the in-flight request still got its ordinary reply
	assert.Equal(t, xmpp.IQResult, sender.repliesFor("busy")[0].Type)
}

func TestCloseRefusesNewWork(t *testing.T) {
	sender := &mockSender{}
	r := New(&mockDispatcher{}, sender)
	r.Close()

	r.HandleStanza(context.Background(), dialIQ("x1", ""))
	replies := sender.repliesFor("x1")
	require.Len(t, replies, 1)
	assert.Equal(t, string(types.KindServiceUnavailable), replies[0].Error.Condition)
}
