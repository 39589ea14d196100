package conference

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/colloq/focus/internal/v1/bridge"
	"github.com/colloq/focus/internal/v1/muc"
	"github.com/colloq/focus/internal/v1/offer"
	"github.com/colloq/focus/internal/v1/sources"
	"github.com/colloq/focus/internal/v1/types"
	"github.com/colloq/focus/internal/v1/xmpp"
)

const (
	testRoomName = "standup@conference.example.com"
	testFocusJID = "focus@example.com/focus"
)

// fakeRoom satisfies muc.ChatRoom and lets tests fire occupant events.
// preset holds occupants whose presence arrived before the join
// confirmed.
type fakeRoom struct {
	mu       sync.Mutex
	name     types.RoomName
	observer muc.Observer
	joined   bool
	left     bool
	preset   []muc.Occupant
}

func newFakeRoom(t *testing.T) *fakeRoom {
	t.Helper()
	name, err := types.ParseRoomName(testRoomName)
	require.NoError(t, err)
	return &fakeRoom{name: name}
}

func (r *fakeRoom) SetObserver(o muc.Observer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observer = o
}

func (r *fakeRoom) Join(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.joined = true
	return nil
}

func (r *fakeRoom) Leave(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.left = true
	return nil
}

func (r *fakeRoom) Name() types.RoomName { return r.name }
func (r *fakeRoom) IsJoined() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.joined
}
func (r *fakeRoom) Occupant(types.EndpointID) (muc.Occupant, bool) { return muc.Occupant{}, false }
func (r *fakeRoom) Occupants() []muc.Occupant {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]muc.Occupant(nil), r.preset...)
}
func (r *fakeRoom) OccupantCount() int { return len(r.preset) }
func (r *fakeRoom) SetPresenceExtension(context.Context, xmpp.PresenceExtension) error {
	return nil
}
func (r *fakeRoom) ModifyPresence(context.Context, func(xmpp.PresenceExtension) bool, []xmpp.PresenceExtension) error {
	return nil
}

func (r *fakeRoom) join(resource string, role string) {
	r.mu.Lock()
	obs := r.observer
	r.mu.Unlock()
	obs.OccupantJoined(muc.Occupant{
		ID:      types.EndpointID(resource),
		Address: r.name.WithResource(resource),
		Role:    types.RoleType(role),
	})
}

func (r *fakeRoom) leave(resource string) {
	r.mu.Lock()
	obs := r.observer
	r.mu.Unlock()
	obs.OccupantLeft(muc.Occupant{
		ID:      types.EndpointID(resource),
		Address: r.name.WithResource(resource),
	}, false)
}

// fakeConn acks every request and records all traffic by target.
type fakeConn struct {
	mu   sync.Mutex
	sent []*xmpp.IQ
	reqs []*xmpp.IQ
}

func (c *fakeConn) Send(_ context.Context, iq *xmpp.IQ) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, iq)
	return nil
}

func (c *fakeConn) Request(_ context.Context, iq *xmpp.IQ) (*xmpp.IQ, error) {
	c.mu.Lock()
	c.reqs = append(c.reqs, iq)
	c.mu.Unlock()
	return iq.Result(nil), nil
}

func (c *fakeConn) jinglesTo(target string, action xmpp.JingleAction) []*xmpp.Jingle {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*xmpp.Jingle
	for _, iq := range append(append([]*xmpp.IQ(nil), c.reqs...), c.sent...) {
		if iq.To != target {
			continue
		}
		if j, ok := iq.Payload.(*xmpp.Jingle); ok && j.Action == action {
			out = append(out, j)
		}
	}
	return out
}

// fakeBridges acks every colibri command and records them per bridge.
type fakeBridges struct {
	mu   sync.Mutex
	cmds map[string][]*xmpp.BridgeConference
}

func newFakeBridges() *fakeBridges {
	return &fakeBridges{cmds: make(map[string][]*xmpp.BridgeConference)}
}

func (b *fakeBridges) Request(_ context.Context, address string, cmd *xmpp.BridgeConference) (*xmpp.BridgeConference, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cmds[address] = append(b.cmds[address], cmd)
	res := &xmpp.BridgeConference{Operation: cmd.Operation, ID: cmd.ID}
	for _, ep := range cmd.Endpoints {
		res.Endpoints = append(res.Endpoints, xmpp.BridgeChannel{
			ID:        ep.ID,
			Transport: &xmpp.Transport{UFrag: "uf-" + ep.ID, Pwd: "pw-" + ep.ID},
		})
	}
	if len(cmd.Endpoints) == 0 && cmd.Operation == xmpp.BridgeOpAllocate {
		res.Endpoints = []xmpp.BridgeChannel{{ID: "ep", Transport: &xmpp.Transport{UFrag: "uf"}}}
	}
	return res, nil
}

func (b *fakeBridges) commands(address string) []*xmpp.BridgeConference {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*xmpp.BridgeConference(nil), b.cmds[address]...)
}

type fakeDiscovery struct{ caps Capabilities }

func (d *fakeDiscovery) Discover(context.Context, string) (Capabilities, error) {
	return d.caps, nil
}

type harness struct {
	conf     *Conference
	room     *fakeRoom
	conn     *fakeConn
	bridges  *fakeBridges
	selector *bridge.Selector
	clock    *testingclock.FakeClock
}

func newHarness(t *testing.T, tweak func(*Options)) *harness {
	t.Helper()
	fc := testingclock.NewFakeClock(time.Now())
	sel := bridge.NewSelector("local", bridge.WithClock(fc))
	sel.Add("j1.example.com")
	sel.ApplyStats("j1.example.com", bridge.Stats{Region: "r1", Stress: 0.1, Version: "2.3"})

	room := newFakeRoom(t)
	conn := &fakeConn{}
	bridges := newFakeBridges()

	opts := Options{
		Name:      room.name,
		FocusJID:  testFocusJID,
		Room:      room,
		Selector:  sel,
		Bridges:   bridges,
		Conn:      conn,
		Discovery: &fakeDiscovery{caps: Capabilities{Audio: true, Video: true, Rtx: true, TransportCC: true}},
		Clock:     fc,
		OfferConfig: offer.DefaultConfig(),
		OfferOptions: offer.Constraints{
			Audio: true, Video: true, Rtx: true, TransportCC: true, OpusRed: true,
		},
	}
	if tweak != nil {
		tweak(&opts)
	}
	conf := New(opts)
	require.NoError(t, conf.Start(context.Background()))
	return &harness{conf: conf, room: room, conn: conn, bridges: bridges, selector: sel, clock: fc}
}

func (h *harness) fullJID(resource string) string {
	return h.room.name.WithResource(resource).String()
}

// joinAndAccept walks one participant through join, offer and answer.
func (h *harness) joinAndAccept(t *testing.T, resource string, advertised sources.Set) {
	t.Helper()
	h.room.join(resource, "guest")

	target := h.fullJID(resource)
	require.Eventually(t, func() bool {
		return len(h.conn.jinglesTo(target, xmpp.ActionSessionInitiate)) == 1
	}, time.Second, 5*time.Millisecond, "no session-initiate for %s", resource)

	initiate := h.conn.jinglesTo(target, xmpp.ActionSessionInitiate)[0]
	accept := &xmpp.Jingle{
		Action:   xmpp.ActionSessionAccept,
		SID:      initiate.SID,
		Contents: sources.WireContents(advertised),
	}
	from := h.room.name.WithResource(resource)
	require.NoError(t, h.conf.HandleJingle(from, accept))
}

func aliceSources() sources.Set {
	return sources.Set{Sources: []sources.Source{
		{SSRC: 1001, Media: types.MediaAudio},
		{SSRC: 1002, Media: types.MediaVideo},
	}}
}

func bobSources() sources.Set {
	return sources.Set{Sources: []sources.Source{
		{SSRC: 2001, Media: types.MediaAudio},
		{SSRC: 2002, Media: types.MediaVideo},
	}}
}

func TestDuoJoinAndLeave(t *testing.T) {
	h := newHarness(t, nil)

	h.joinAndAccept(t, "alice", aliceSources())
	h.joinAndAccept(t, "bob", bobSources())

	// alice hears about bob's sources
	require.Eventually(t, func() bool {
		return len(h.conn.jinglesTo(h.fullJID("alice"), xmpp.ActionSourceAdd)) == 1
	}, time.Second, 5*time.Millisecond)
	add := h.conn.jinglesTo(h.fullJID("alice"), xmpp.ActionSourceAdd)[0]
	got := sources.ParseContents(add.Contents)
	assert.ElementsMatch(t, []uint32{2001, 2002}, got.SSRCs())

	// bob's initial offer already carried alice's sources
	initiate := h.conn.jinglesTo(h.fullJID("bob"), xmpp.ActionSessionInitiate)[0]
	offered := sources.ParseContents(initiate.Contents)
	assert.True(t, offered.Contains(1001))
	assert.True(t, offered.Contains(1002))

	// bob leaves; alice receives exactly his sources as a removal
	h.room.leave("bob")
	require.Eventually(t, func() bool {
		return len(h.conn.jinglesTo(h.fullJID("alice"), xmpp.ActionSourceRemove)) == 1
	}, time.Second, 5*time.Millisecond)
	rem := h.conn.jinglesTo(h.fullJID("alice"), xmpp.ActionSourceRemove)[0]
	removed := sources.ParseContents(rem.Contents)
	assert.ElementsMatch(t, []uint32{2001, 2002}, removed.SSRCs())

	// no remote sources remain in the conference map besides alice's
	m := h.conf.Sources()
	assert.Len(t, m, 1)
	assert.NotEmpty(t, m[h.fullJID("alice")].Sources)
}

func TestEachJoinerGetsExactlyOneInitiate(t *testing.T) {
	h := newHarness(t, nil)
	for _, who := range []string{"alice", "bob", "carol"} {
		h.joinAndAccept(t, who, sources.Set{})
	}
	for _, who := range []string{"alice", "bob", "carol"} {
		assert.Len(t, h.conn.jinglesTo(h.fullJID(who), xmpp.ActionSessionInitiate), 1)
	}
}

func TestAnswerWithBadFIDGroupAdmitsNothing(t *testing.T) {
	h := newHarness(t, nil)
	h.room.join("alice", "guest")
	target := h.fullJID("alice")
	require.Eventually(t, func() bool {
		return len(h.conn.jinglesTo(target, xmpp.ActionSessionInitiate)) == 1
	}, time.Second, 5*time.Millisecond)

	initiate := h.conn.jinglesTo(target, xmpp.ActionSessionInitiate)[0]
	bad := sources.Set{
		Sources: []sources.Source{{SSRC: 10, Media: types.MediaVideo}},
		Groups:  []sources.Group{{Semantics: sources.SemanticsFID, SSRCs: []uint32{10}}},
	}
	err := h.conf.HandleJingle(h.room.name.WithResource("alice"), &xmpp.Jingle{
		Action:   xmpp.ActionSessionAccept,
		SID:      initiate.SID,
		Contents: sources.WireContents(bad),
	})
	require.Error(t, err)
	se, ok := err.(*types.StanzaError)
	require.True(t, ok)
	assert.Equal(t, types.KindBadRequest, se.Kind)
	assert.Equal(t, sources.TagGroupArity, se.Extension)
	assert.Empty(t, h.conf.Sources())
}

func TestSSRCConflictAcrossOwnersRejected(t *testing.T) {
	h := newHarness(t, nil)
	h.joinAndAccept(t, "alice", aliceSources())
	h.room.join("bob", "guest")
	target := h.fullJID("bob")
	require.Eventually(t, func() bool {
		return len(h.conn.jinglesTo(target, xmpp.ActionSessionInitiate)) == 1
	}, time.Second, 5*time.Millisecond)

	initiate := h.conn.jinglesTo(target, xmpp.ActionSessionInitiate)[0]
	err := h.conf.HandleJingle(h.room.name.WithResource("bob"), &xmpp.Jingle{
		Action: xmpp.ActionSessionAccept,
		SID:    initiate.SID,
		Contents: sources.WireContents(sources.Set{
			Sources: []sources.Source{{SSRC: 1001, Media: types.MediaAudio}},
		}),
	})
	require.Error(t, err)
	se, ok := err.(*types.StanzaError)
	require.True(t, ok)
	assert.Equal(t, sources.TagSSRCConflict, se.Extension)
}

func TestBridgeFailoverReplacesTransport(t *testing.T) {
	h := newHarness(t, nil)
	h.selector.Add("j2.example.com")
	h.selector.ApplyStats("j2.example.com", bridge.Stats{Region: "r1", Stress: 0.2, Version: "2.3"})

	h.joinAndAccept(t, "alice", aliceSources())
	h.joinAndAccept(t, "bob", bobSources())

	h.conf.BridgeFailed("j1.example.com")

	for _, who := range []string{"alice", "bob"} {
		require.Eventually(t, func() bool {
			return len(h.conn.jinglesTo(h.fullJID(who), xmpp.ActionTransportReplace)) == 1
		}, time.Second, 5*time.Millisecond, "no transport-replace for %s", who)
		assert.Empty(t, h.conn.jinglesTo(h.fullJID(who), xmpp.ActionSessionTerminate))
	}
	// replacement channels were allocated on the surviving bridge
	var allocs int
	for _, cmd := range h.bridges.commands("j2.example.com") {
		if cmd.Operation == xmpp.BridgeOpAllocate {
			allocs++
		}
	}
	assert.Equal(t, 2, allocs)
}

func TestBridgeFailoverWithoutReplacementTerminates(t *testing.T) {
	h := newHarness(t, nil)
	h.joinAndAccept(t, "alice", aliceSources())

	h.conf.BridgeFailed("j1.example.com")
	assert.Eventually(t, func() bool {
		return h.conf.State() == StateTerminated
	}, time.Second, 5*time.Millisecond)
}

func TestMuteGating(t *testing.T) {
	h := newHarness(t, nil)
	h.room.join("mod", "moderator")
	h.room.join("guest1", "guest")
	h.room.join("guest2", "guest")
	require.Eventually(t, func() bool { return h.conf.ParticipantCount() == 3 }, time.Second, 5*time.Millisecond)

	// guests cannot mute others
	err := h.conf.HandleMute("guest1", "guest2", types.MediaAudio, true)
	assert.Equal(t, types.KindForbidden, types.KindOf(err))

	// moderators can
	require.NoError(t, h.conf.HandleMute("mod", "guest1", types.MediaAudio, true))

	// self-mute is always allowed
	require.NoError(t, h.conf.HandleMute("guest2", "guest2", types.MediaAudio, true))
}

func TestAVModerationBlocksUnmute(t *testing.T) {
	h := newHarness(t, nil)
	h.room.join("mod", "moderator")
	h.room.join("guest1", "guest")
	require.Eventually(t, func() bool { return h.conf.ParticipantCount() == 2 }, time.Second, 5*time.Millisecond)

	// only moderators may flip moderation
	err := h.conf.SetAVModeration("guest1", types.MediaAudio, true, nil)
	assert.Equal(t, types.KindForbidden, types.KindOf(err))

	require.NoError(t, h.conf.SetAVModeration("mod", types.MediaAudio, true, []string{"mod"}))
	assert.True(t, h.conf.AVModerationEnabled(types.MediaAudio))

	err = h.conf.HandleMute("guest1", "guest1", types.MediaAudio, false)
	assert.Equal(t, types.KindForbidden, types.KindOf(err))

	require.NoError(t, h.conf.SetAVModeration("mod", types.MediaAudio, true, []string{"mod", "guest1"}))
	require.NoError(t, h.conf.HandleMute("guest1", "guest1", types.MediaAudio, false))
}

func TestTerminatedConferenceRefusesOperations(t *testing.T) {
	h := newHarness(t, nil)
	h.joinAndAccept(t, "alice", sources.Set{})
	h.conf.Stop("gone")
	assert.Equal(t, StateTerminated, h.conf.State())

	h.room.join("bob", "guest")
	assert.Equal(t, 0, h.conf.ParticipantCount())

	err := h.conf.HandleJingle(h.room.name.WithResource("alice"), &xmpp.Jingle{Action: xmpp.ActionSourceAdd})
	assert.Error(t, err)
}

func TestStopExpiresBridgeAndLeavesRoom(t *testing.T) {
	h := newHarness(t, nil)
	h.joinAndAccept(t, "alice", aliceSources())

	h.conf.Stop("gone")
	var expired bool
	for _, cmd := range h.bridges.commands("j1.example.com") {
		if cmd.Operation == xmpp.BridgeOpExpire {
			expired = true
		}
	}
	assert.True(t, expired)
	assert.True(t, h.room.left)
	assert.Len(t, h.conn.jinglesTo(h.fullJID("alice"), xmpp.ActionSessionTerminate), 1)
}

func TestOccupantsPresentBeforeJoinAreInvited(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		r := o.Room.(*fakeRoom)
		r.preset = []muc.Occupant{{
			ID:      "early",
			Address: r.name.WithResource("early"),
			Role:    "guest",
		}}
	})

	require.Eventually(t, func() bool {
		return len(h.conn.jinglesTo(h.fullJID("early"), xmpp.ActionSessionInitiate)) == 1
	}, time.Second, 5*time.Millisecond, "pre-join occupant never invited")
	_, tracked := h.conf.Participant("early")
	assert.True(t, tracked)

	// a duplicate presence after the replay must not re-invite
	h.room.join("early", "guest")
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, h.conn.jinglesTo(h.fullJID("early"), xmpp.ActionSessionInitiate), 1)
}

func TestSourceRelayUsesJSONWhenSupported(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		o.Discovery = &fakeDiscovery{caps: Capabilities{Audio: true, Video: true, JSONSources: true}}
	})
	h.joinAndAccept(t, "alice", aliceSources())
	h.joinAndAccept(t, "bob", bobSources())

	require.Eventually(t, func() bool {
		return len(h.conn.jinglesTo(h.fullJID("alice"), xmpp.ActionSourceAdd)) == 1
	}, time.Second, 5*time.Millisecond)
	add := h.conn.jinglesTo(h.fullJID("alice"), xmpp.ActionSourceAdd)[0]
	assert.Empty(t, add.Contents)
	m, err := sources.ParseCompactJSON(add.JSONSources)
	require.NoError(t, err)
	assert.ElementsMatch(t, []uint32{2001, 2002}, m.All().SSRCs())
}

// wedgedBridges answers allocate but never expire; expire only returns
// when the request context dies.
type wedgedBridges struct{ inner *fakeBridges }

func (b *wedgedBridges) Request(ctx context.Context, address string, cmd *xmpp.BridgeConference) (*xmpp.BridgeConference, error) {
	if cmd.Operation == xmpp.BridgeOpExpire {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return b.inner.Request(ctx, address, cmd)
}

func TestStopFinishesDespiteSilentBridge(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		o.Bridges = &wedgedBridges{inner: newFakeBridges()}
		o.TeardownTimeout = 50 * time.Millisecond
	})
	h.joinAndAccept(t, "alice", aliceSources())

	done := make(chan struct{})
	go func() {
		h.conf.Stop("gone")
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop blocked on the silent bridge")
	}
	assert.Equal(t, StateTerminated, h.conf.State())
	assert.True(t, h.room.left)
}

func TestDelayStepsLookup(t *testing.T) {
	steps := DefaultDelaySteps
	assert.Equal(t, time.Duration(0), steps.DelayFor(2))
	assert.Equal(t, 500*time.Millisecond, steps.DelayFor(20))
	assert.Equal(t, time.Second, steps.DelayFor(75))
	assert.Equal(t, 3*time.Second, steps.DelayFor(500))
}

func TestPropagatorCoalescesWithinWindow(t *testing.T) {
	fc := testingclock.NewFakeClock(time.Now())
	var mu sync.Mutex
	flushes := make(map[types.EndpointID][]sources.ConferenceMap)
	p := newPropagator(fc, DelaySteps{{Participants: 0, Delay: time.Second}}, func(id types.EndpointID, m sources.ConferenceMap) {
		mu.Lock()
		defer mu.Unlock()
		flushes[id] = append(flushes[id], m)
	})

	p.QueueAdd("alice", 5, "bob", sources.Set{Sources: []sources.Source{{SSRC: 1, Media: types.MediaAudio}}})
	p.QueueAdd("alice", 5, "carol", sources.Set{Sources: []sources.Source{{SSRC: 2, Media: types.MediaAudio}}})

	mu.Lock()
	assert.Empty(t, flushes)
	mu.Unlock()

	fc.Step(time.Second)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(flushes["alice"]) == 1
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	merged := flushes["alice"][0]
	mu.Unlock()
	assert.Len(t, merged, 2)
	assert.True(t, merged["bob"].Contains(1))
	assert.True(t, merged["carol"].Contains(2))
}

func TestPropagatorDiscardOwner(t *testing.T) {
	fc := testingclock.NewFakeClock(time.Now())
	var mu sync.Mutex
	var flushed []sources.ConferenceMap
	p := newPropagator(fc, DelaySteps{{Participants: 0, Delay: time.Second}}, func(_ types.EndpointID, m sources.ConferenceMap) {
		mu.Lock()
		defer mu.Unlock()
		flushed = append(flushed, m)
	})

	p.QueueAdd("alice", 5, "bob", sources.Set{Sources: []sources.Source{{SSRC: 1, Media: types.MediaAudio}}})
	p.DiscardOwner("bob")
	fc.Step(time.Second)

	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Empty(t, flushed)
}

func TestPinnedVersionRestrictsSelection(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		o.PinnedVersion = func() string { return "9.9" }
	})
	// only bridge runs 2.3; the pin must not spill to it
	h.room.join("alice", "guest")
	assert.Eventually(t, func() bool {
		return h.conf.State() == StateTerminated
	}, time.Second, 5*time.Millisecond)
}
