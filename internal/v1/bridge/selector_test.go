package bridge

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"
)

func newTestSelector(localRegion string, opts ...Option) (*Selector, *testingclock.FakeClock) {
	fc := testingclock.NewFakeClock(time.Now())
	opts = append([]Option{WithClock(fc)}, opts...)
	return NewSelector(localRegion, opts...), fc
}

func seedFleet(s *Selector) {
	// J1(r1, 0.3), J2(r2, 0.1), J3(r3, 0.2)
	s.Add("j1.example.com")
	s.Add("j2.example.com")
	s.Add("j3.example.com")
	s.ApplyStats("j1.example.com", Stats{Region: "r1", Stress: 0.3})
	s.ApplyStats("j2.example.com", Stats{Region: "r2", Stress: 0.1})
	s.ApplyStats("j3.example.com", Stats{Region: "r3", Stress: 0.2})
}

func TestSelectPrefersParticipantRegion(t *testing.T) {
	s, _ := newTestSelector("r3")
	seedFleet(s)

	got, ok := s.Select(Criteria{ParticipantRegion: "r2"})
	require.True(t, ok)
	assert.Equal(t, "j2.example.com", got.Address)
}

func TestSelectFallsBackToFocusRegion(t *testing.T) {
	s, _ := newTestSelector("r3")
	seedFleet(s)
	s.ReportFailure("j2.example.com")

	got, ok := s.Select(Criteria{ParticipantRegion: "r2"})
	require.True(t, ok)
	assert.Equal(t, "j3.example.com", got.Address)
}

func TestSelectFallsBackToAnyRegion(t *testing.T) {
	s, _ := newTestSelector("r1")
	seedFleet(s)
	s.ReportFailure("j2.example.com")

	// focus region is r1, so the fallback tier picks J1 despite its
	// higher stress than J3.
	got, ok := s.Select(Criteria{ParticipantRegion: "r2"})
	require.True(t, ok)
	assert.Equal(t, "j1.example.com", got.Address)
}

func TestSelectNoneWhenAllFailed(t *testing.T) {
	s, _ := newTestSelector("r1")
	seedFleet(s)
	s.ReportFailure("j1.example.com")
	s.ReportFailure("j2.example.com")
	s.ReportFailure("j3.example.com")

	_, ok := s.Select(Criteria{ParticipantRegion: "r2"})
	assert.False(t, ok)
}

func TestSelectSkipsGracefulShutdown(t *testing.T) {
	s, _ := newTestSelector("")
	s.Add("j1.example.com")
	s.Add("j2.example.com")
	s.ApplyStats("j1.example.com", Stats{Stress: 0.1, GracefulShutdown: true})
	s.ApplyStats("j2.example.com", Stats{Stress: 0.9})

	got, ok := s.Select(Criteria{})
	require.True(t, ok)
	assert.Equal(t, "j2.example.com", got.Address)
}

func TestSelectTieBreaks(t *testing.T) {
	s, _ := newTestSelector("")
	s.Add("b.example.com")
	s.Add("a.example.com")
	s.Add("c.example.com")
	s.ApplyStats("b.example.com", Stats{Stress: 0.5, ConferenceCount: 2})
	s.ApplyStats("a.example.com", Stats{Stress: 0.5, ConferenceCount: 2})
	s.ApplyStats("c.example.com", Stats{Stress: 0.5, ConferenceCount: 1})

	got, ok := s.Select(Criteria{})
	require.True(t, ok)
	// fewest conferences first, then lexicographic
	assert.Equal(t, "c.example.com", got.Address)

	s.ApplyStats("c.example.com", Stats{Stress: 0.5, ConferenceCount: 2})
	got, _ = s.Select(Criteria{})
	assert.Equal(t, "a.example.com", got.Address)
}

func TestPinnedVersionWinsOverRegion(t *testing.T) {
	s, _ := newTestSelector("r1")
	s.Add("old.example.com")
	s.Add("new.example.com")
	s.ApplyStats("old.example.com", Stats{Region: "r1", Version: "2.2", Stress: 0.0})
	s.ApplyStats("new.example.com", Stats{Region: "r9", Version: "2.3", Stress: 0.9})

	got, ok := s.Select(Criteria{ParticipantRegion: "r1", PinnedVersion: "2.3"})
	require.True(t, ok)
	assert.Equal(t, "new.example.com", got.Address)
}

func TestPinnedVersionNeverSpills(t *testing.T) {
	s, _ := newTestSelector("r1")
	s.Add("old.example.com")
	s.ApplyStats("old.example.com", Stats{Region: "r1", Version: "2.2"})

	_, ok := s.Select(Criteria{PinnedVersion: "2.3"})
	assert.False(t, ok)
}

func TestApplyStatsDiscardsStale(t *testing.T) {
	s, fc := newTestSelector("")
	s.Add("j1.example.com")
	s.ApplyStats("j1.example.com", Stats{Stress: 0.4, Timestamp: fc.Now()})

	stale := Stats{Stress: 0.9, Timestamp: fc.Now().Add(-2 * DefaultStatsTTL)}
	s.ApplyStats("j1.example.com", stale)

	info, ok := s.Get("j1.example.com")
	require.True(t, ok)
	assert.Equal(t, 0.4, info.Stress)
}

type fakeProber struct {
	mu    sync.Mutex
	fail  bool
	calls int
}

func (p *fakeProber) Probe(_ context.Context, _ string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.fail {
		return errors.New("probe refused")
	}
	return nil
}

func (p *fakeProber) setFail(v bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fail = v
}

func (p *fakeProber) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func TestReportFailureProbeRestores(t *testing.T) {
	prober := &fakeProber{}
	s, fc := newTestSelector("", WithProber(prober), WithFailureResetDelay(time.Minute))
	s.Add("j1.example.com")

	s.ReportFailure("j1.example.com")
	info, _ := s.Get("j1.example.com")
	assert.False(t, info.Operational)

	fc.Step(time.Minute)
	// AfterFunc fires on a goroutine; wait for the probe to land.
	require.Eventually(t, func() bool {
		info, _ := s.Get("j1.example.com")
		return info.Operational
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, prober.callCount())
}

func TestReportFailureProbeRetriesUntilSuccess(t *testing.T) {
	prober := &fakeProber{fail: true}
	s, fc := newTestSelector("", WithProber(prober), WithFailureResetDelay(time.Minute))
	s.Add("j1.example.com")

	s.ReportFailure("j1.example.com")
	fc.Step(time.Minute)
	require.Eventually(t, func() bool { return prober.callCount() == 1 }, time.Second, 5*time.Millisecond)

	info, _ := s.Get("j1.example.com")
	assert.False(t, info.Operational)

	prober.setFail(false)
	require.Eventually(t, func() bool {
		fc.Step(time.Minute)
		info, _ := s.Get("j1.example.com")
		return info.Operational
	}, time.Second, 5*time.Millisecond)
}

func TestRemoveStopsSelection(t *testing.T) {
	s, _ := newTestSelector("")
	s.Add("j1.example.com")
	s.Remove("j1.example.com")
	_, ok := s.Select(Criteria{})
	assert.False(t, ok)
}
