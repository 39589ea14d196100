package bridge

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/colloq/focus/internal/v1/logging"
	"github.com/colloq/focus/internal/v1/metrics"
)

const (
	// DefaultStatsTTL is how long a statistics report stays credible.
	DefaultStatsTTL = 90 * time.Second
	// DefaultFailureResetDelay is how long a failed bridge sits out
	// before the recovery probe runs.
	DefaultFailureResetDelay = time.Minute
)

// Criteria narrows a selection to a participant's placement needs.
type Criteria struct {
	ParticipantRegion string
	// PinnedVersion, when set, restricts selection to that bridge
	// version; it is never spilled past (pin wins over region).
	PinnedVersion string
}

// Selector is the concurrent bridge registry. Select and ApplyStats are
// safe under concurrent callers.
type Selector struct {
	mu          sync.Mutex
	bridges     map[string]*entry
	localRegion string

	clock             clock.WithTickerAndDelayedExecution
	statsTTL          time.Duration
	failureResetDelay time.Duration
	prober            Prober
}

// Option tunes a Selector.
type Option func(*Selector)

// WithClock injects a clock, for deterministic tests.
func WithClock(c clock.WithTickerAndDelayedExecution) Option { return func(s *Selector) { s.clock = c } }

// WithStatsTTL overrides the statistics credibility window.
func WithStatsTTL(d time.Duration) Option { return func(s *Selector) { s.statsTTL = d } }

// WithFailureResetDelay overrides the sit-out period after a failure.
func WithFailureResetDelay(d time.Duration) Option {
	return func(s *Selector) { s.failureResetDelay = d }
}

// WithProber installs the recovery probe.
func WithProber(p Prober) Option { return func(s *Selector) { s.prober = p } }

// NewSelector builds a registry for a focus in the given region.
func NewSelector(localRegion string, opts ...Option) *Selector {
	s := &Selector{
		bridges:           make(map[string]*entry),
		localRegion:       localRegion,
		clock:             clock.RealClock{},
		statsTTL:          DefaultStatsTTL,
		failureResetDelay: DefaultFailureResetDelay,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Add registers a discovered bridge. Re-adding an existing address is a
// no-op that refreshes last-seen.
func (s *Selector) Add(address string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.bridges[address]; ok {
		e.LastSeen = s.clock.Now()
		return
	}
	s.bridges[address] = &entry{Info: Info{
		Address:     address,
		Operational: true,
		LastSeen:    s.clock.Now(),
	}}
	metrics.BridgeCount.Set(float64(len(s.bridges)))
	logging.Info(context.Background(), "Bridge discovered", zap.String("bridge", address))
}

// Remove drops a bridge from the registry.
func (s *Selector) Remove(address string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.bridges, address)
	metrics.BridgeCount.Set(float64(len(s.bridges)))
}

// Get returns a snapshot of one entry.
func (s *Selector) Get(address string) (Info, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.bridges[address]
	if !ok {
		return Info{}, false
	}
	return e.Info, true
}

// List snapshots every entry, for the debug surface.
func (s *Selector) List() []Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Info, 0, len(s.bridges))
	for _, e := range s.bridges {
		out = append(out, e.Info)
	}
	return out
}

// ApplyStats ingests a published statistics report. Reports older than
// the TTL are discarded.
func (s *Selector) ApplyStats(address string, st Stats) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.bridges[address]
	if !ok {
		return
	}
	if !st.Timestamp.IsZero() && s.clock.Since(st.Timestamp) > s.statsTTL {
		logging.Warn(context.Background(), "Discarding stale bridge stats",
			zap.String("bridge", address), zap.Time("reported", st.Timestamp))
		return
	}
	e.Stress = st.Stress
	e.ConferenceCount = st.ConferenceCount
	if st.Region != "" {
		e.Region = st.Region
	}
	if st.Version != "" {
		e.Version = st.Version
	}
	e.GracefulShutdown = st.GracefulShutdown
	e.LastSeen = s.clock.Now()
	metrics.BridgeStress.WithLabelValues(address).Set(st.Stress)
}

// Select picks the best bridge for the criteria, or reports none.
//
// Order of consideration: operational entries only, restricted to the
// pinned version when one is set; then the participant's region, the
// focus's own region, and finally any region. Within a tier: lowest
// stress, then fewest conferences, then lowest address.
func (s *Selector) Select(c Criteria) (Info, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	eligible := make([]Info, 0, len(s.bridges))
	for _, e := range s.bridges {
		if !e.Operational || e.GracefulShutdown {
			continue
		}
		if c.PinnedVersion != "" && e.Version != c.PinnedVersion {
			continue
		}
		eligible = append(eligible, e.Info)
	}
	if len(eligible) == 0 {
		return Info{}, false
	}

	tiers := []func(Info) bool{
		func(i Info) bool { return c.ParticipantRegion != "" && i.Region == c.ParticipantRegion },
		func(i Info) bool { return s.localRegion != "" && i.Region == s.localRegion },
		func(Info) bool { return true },
	}
	for _, match := range tiers {
		var best *Info
		for i := range eligible {
			cand := eligible[i]
			if !match(cand) {
				continue
			}
			if best == nil || better(cand, *best) {
				b := cand
				best = &b
			}
		}
		if best != nil {
			return *best, true
		}
	}
	return Info{}, false
}

func better(a, b Info) bool {
	if a.Stress != b.Stress {
		return a.Stress < b.Stress
	}
	if a.ConferenceCount != b.ConferenceCount {
		return a.ConferenceCount < b.ConferenceCount
	}
	return a.Address < b.Address
}

// ReportFailure marks a bridge non-operational and schedules the
// recovery probe after the reset delay.
func (s *Selector) ReportFailure(address string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.bridges[address]
	if !ok || !e.Operational {
		return
	}
	e.Operational = false
	metrics.BridgeFailures.WithLabelValues(address).Inc()
	logging.Warn(context.Background(), "Bridge marked failed", zap.String("bridge", address))

	s.clock.AfterFunc(s.failureResetDelay, func() { s.probe(address) })
}

func (s *Selector) probe(address string) {
	if s.prober != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.prober.Probe(ctx, address); err != nil {
			logging.Warn(ctx, "Bridge recovery probe failed",
				zap.String("bridge", address), zap.Error(err))
			s.mu.Lock()
			_, exists := s.bridges[address]
			s.mu.Unlock()
			if exists {
				s.clock.AfterFunc(s.failureResetDelay, func() { s.probe(address) })
			}
			return
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.bridges[address]; ok {
		e.Operational = true
		e.LastSeen = s.clock.Now()
		logging.Info(context.Background(), "Bridge restored", zap.String("bridge", address))
	}
}
