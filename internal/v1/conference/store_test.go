package conference

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/colloq/focus/internal/v1/bridge"
	"github.com/colloq/focus/internal/v1/offer"
	"github.com/colloq/focus/internal/v1/types"
)

func testStore(t *testing.T) (*Store, *testingclock.FakeClock, *fakeRoom) {
	t.Helper()
	fc := testingclock.NewFakeClock(time.Now())
	sel := bridge.NewSelector("local", bridge.WithClock(fc))
	sel.Add("j1.example.com")
	sel.ApplyStats("j1.example.com", bridge.Stats{Stress: 0.1})
	room := newFakeRoom(t)

	factory := func(name types.RoomName, meetingID types.MeetingID, properties map[string]string, pinned func() string, onTerminated func(*Conference)) *Conference {
		return New(Options{
			Name:          name,
			MeetingID:     meetingID,
			FocusJID:      testFocusJID,
			Properties:    properties,
			Room:          room,
			Selector:      sel,
			Bridges:       newFakeBridges(),
			Conn:          &fakeConn{},
			Discovery:     &fakeDiscovery{caps: DefaultCapabilities()},
			Clock:         fc,
			OfferConfig:   offer.DefaultConfig(),
			OfferOptions:  offer.Constraints{Audio: true, Video: true},
			PinnedVersion: pinned,
			OnTerminated:  onTerminated,
		})
	}
	store := NewStore(factory, WithStoreClock(fc), WithStartTimeout(30*time.Second))
	return store, fc, room
}

func mustRoom(t *testing.T, s string) types.RoomName {
	t.Helper()
	r, err := types.ParseRoomName(s)
	require.NoError(t, err)
	return r
}

func TestConferenceRequestIdempotent(t *testing.T) {
	store, _, _ := testStore(t)
	room := mustRoom(t, testRoomName)

	c1, created, err := store.ConferenceRequest(context.Background(), room, "", nil)
	require.NoError(t, err)
	assert.True(t, created)

	c2, created, err := store.ConferenceRequest(context.Background(), room, "", nil)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Same(t, c1, c2)
	assert.Equal(t, 1, store.Count())
}

func TestLookupByBareAndFullForm(t *testing.T) {
	store, _, _ := testStore(t)
	room := mustRoom(t, testRoomName)
	c, _, err := store.ConferenceRequest(context.Background(), room, "", nil)
	require.NoError(t, err)

	got, ok := store.Get(mustRoom(t, testRoomName+"/alice"))
	require.True(t, ok)
	assert.Same(t, c, got)
}

func TestMeetingIDFirstWriterWins(t *testing.T) {
	store, _, _ := testStore(t)
	_, _, err := store.ConferenceRequest(context.Background(), mustRoom(t, "one@conference.example.com"), "mid-1", nil)
	require.NoError(t, err)

	_, _, err = store.ConferenceRequest(context.Background(), mustRoom(t, "two@conference.example.com"), "mid-1", nil)
	require.Error(t, err)
	assert.Equal(t, types.KindConflict, types.KindOf(err))

	c, ok := store.GetByMeetingID("mid-1")
	require.True(t, ok)
	assert.Equal(t, "one@conference.example.com", c.Name().String())
}

func TestSweeperReapsNeverStartedConference(t *testing.T) {
	store, fc, _ := testStore(t)
	room := mustRoom(t, testRoomName)
	c, _, err := store.ConferenceRequest(context.Background(), room, "", nil)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		store.Run(context.Background())
	}()
	require.Eventually(t, fc.HasWaiters, time.Second, 5*time.Millisecond)

	fc.Step(31 * time.Second) // past the start timeout
	fc.Step(sweepInterval)    // next sweeper tick
	require.Eventually(t, func() bool {
		return c.State() == StateTerminated
	}, time.Second, 5*time.Millisecond)
	_, ok := store.Get(room)
	assert.False(t, ok)

	store.Close()
	<-done
}

func TestSweeperSparesConferencesWithParticipants(t *testing.T) {
	store, fc, room := testStore(t)
	c, _, err := store.ConferenceRequest(context.Background(), mustRoom(t, testRoomName), "", nil)
	require.NoError(t, err)
	room.join("alice", "guest")
	require.Eventually(t, func() bool { return c.HadParticipant() }, time.Second, 5*time.Millisecond)

	fc.Step(time.Minute)
	store.sweep()
	assert.NotEqual(t, StateTerminated, c.State())
	c.Stop("gone")
}

func TestRepeatRequestResetsStartDeadline(t *testing.T) {
	store, fc, _ := testStore(t)
	room := mustRoom(t, testRoomName)
	c, _, err := store.ConferenceRequest(context.Background(), room, "", nil)
	require.NoError(t, err)

	fc.Step(20 * time.Second)
	_, _, err = store.ConferenceRequest(context.Background(), room, "", nil)
	require.NoError(t, err)

	// 20s + 15s is past the original deadline but not the reset one
	fc.Step(15 * time.Second)
	store.sweep()
	assert.NotEqual(t, StateTerminated, c.State())

	fc.Step(20 * time.Second)
	store.sweep()
	assert.Equal(t, StateTerminated, c.State())
}

func TestTerminationRemovesFromStore(t *testing.T) {
	store, _, _ := testStore(t)
	room := mustRoom(t, testRoomName)
	c, _, err := store.ConferenceRequest(context.Background(), room, "mid-9", nil)
	require.NoError(t, err)

	c.Stop("gone")
	_, ok := store.Get(room)
	assert.False(t, ok)
	_, ok = store.GetByMeetingID("mid-9")
	assert.False(t, ok)
}

func TestPinExpiry(t *testing.T) {
	store, fc, _ := testStore(t)
	room := mustRoom(t, testRoomName)

	store.Pin(room, "2.3", 10*time.Minute)
	assert.Equal(t, "2.3", store.PinnedVersion(room))

	fc.Step(9 * time.Minute)
	assert.Equal(t, "2.3", store.PinnedVersion(room))

	fc.Step(2 * time.Minute)
	assert.Equal(t, "", store.PinnedVersion(room))
	assert.Empty(t, store.Pins())
}

func TestPinTruncatedToSeconds(t *testing.T) {
	store, fc, _ := testStore(t)
	room := mustRoom(t, testRoomName)

	store.Pin(room, "2.3", 1500*time.Millisecond)
	fc.Step(1100 * time.Millisecond)
	// 1.5s truncates to 1s, already expired
	assert.Equal(t, "", store.PinnedVersion(room))
}

func TestPinFeedsConferenceFactory(t *testing.T) {
	store, _, _ := testStore(t)
	room := mustRoom(t, testRoomName)
	store.Pin(room, "2.3", time.Hour)

	c, _, err := store.ConferenceRequest(context.Background(), room, "", nil)
	require.NoError(t, err)
	assert.Equal(t, "2.3", c.opts.PinnedVersion())
	c.Stop("gone")
}
