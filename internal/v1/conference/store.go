package conference

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/colloq/focus/internal/v1/logging"
	"github.com/colloq/focus/internal/v1/types"
)

const (
	// DefaultStartTimeout is how long a conference may exist with no
	// participant before the sweeper reaps it.
	DefaultStartTimeout = 45 * time.Second
	// sweepInterval is the reaper poll period.
	sweepInterval = 5 * time.Second
)

// Factory builds a conference for a room on first request.
type Factory func(room types.RoomName, meetingID types.MeetingID, properties map[string]string, pinnedVersion func() string, onTerminated func(*Conference)) *Conference

type pin struct {
	version string
	expires time.Time
}

// Store indexes conferences by bare room name and by meeting id, owns
// bridge-version pins, and runs the never-started sweeper.
type Store struct {
	factory      Factory
	clock        clock.WithTickerAndDelayedExecution
	startTimeout time.Duration

	mu        sync.Mutex
	byRoom    map[types.RoomName]*Conference
	byMeeting map[types.MeetingID]*Conference
	pins      map[types.RoomName]pin
	deadlines map[types.RoomName]time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
}

// StoreOption tunes a Store.
type StoreOption func(*Store)

// WithStoreClock injects a clock for deterministic tests.
func WithStoreClock(c clock.WithTickerAndDelayedExecution) StoreOption {
	return func(s *Store) { s.clock = c }
}

// WithStartTimeout overrides the nobody-joined deadline.
func WithStartTimeout(d time.Duration) StoreOption { return func(s *Store) { s.startTimeout = d } }

// NewStore builds the conference index. Run starts the sweeper.
func NewStore(factory Factory, opts ...StoreOption) *Store {
	s := &Store{
		factory:      factory,
		clock:        clock.RealClock{},
		startTimeout: DefaultStartTimeout,
		byRoom:       make(map[types.RoomName]*Conference),
		byMeeting:    make(map[types.MeetingID]*Conference),
		pins:         make(map[types.RoomName]pin),
		deadlines:    make(map[types.RoomName]time.Time),
		stopCh:       make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Get looks a conference up by bare room name.
func (s *Store) Get(room types.RoomName) (*Conference, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.byRoom[room.Bare()]
	return c, ok
}

// GetByMeetingID looks a conference up by its opaque meeting id.
func (s *Store) GetByMeetingID(id types.MeetingID) (*Conference, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.byMeeting[id]
	return c, ok
}

// All snapshots every live conference.
func (s *Store) All() []*Conference {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Conference, 0, len(s.byRoom))
	for _, c := range s.byRoom {
		out = append(out, c)
	}
	return out
}

// Count returns the number of live conferences.
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byRoom)
}

// ConferenceRequest resolves a room to its conference, creating one on
// first use. Idempotent: a second caller re-uses the existing
// conference and resets its start deadline. The returned bool reports
// whether this call created it.
func (s *Store) ConferenceRequest(ctx context.Context, room types.RoomName, meetingID types.MeetingID, properties map[string]string) (*Conference, bool, error) {
	bare := room.Bare()

	s.mu.Lock()
	if existing, ok := s.byRoom[bare]; ok {
		s.deadlines[bare] = s.clock.Now().Add(s.startTimeout)
		s.mu.Unlock()
		return existing, false, nil
	}
	if meetingID != "" {
		if _, taken := s.byMeeting[meetingID]; taken {
			s.mu.Unlock()
			return nil, false, types.NewStanzaError(types.KindConflict, "meeting id already registered")
		}
	}
	c := s.factory(bare, meetingID, properties, s.pinSupplier(bare), s.onTerminated)
	s.byRoom[bare] = c
	if meetingID != "" {
		s.byMeeting[meetingID] = c
	}
	s.deadlines[bare] = s.clock.Now().Add(s.startTimeout)
	s.mu.Unlock()

	if err := c.Start(ctx); err != nil {
		s.remove(c)
		return nil, false, err
	}
	return c, true, nil
}

func (s *Store) onTerminated(c *Conference) {
	s.remove(c)
}

func (s *Store) remove(c *Conference) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if have, ok := s.byRoom[c.Name()]; ok && have == c {
		delete(s.byRoom, c.Name())
		delete(s.deadlines, c.Name())
	}
	if id := c.MeetingID(); id != "" {
		if have, ok := s.byMeeting[id]; ok && have == c {
			delete(s.byMeeting, id)
		}
	}
}

// --- bridge-version pinning ---

// Pin forces the room onto bridges of the given version until the
// duration passes. Durations are truncated to whole seconds.
func (s *Store) Pin(room types.RoomName, version string, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pins[room.Bare()] = pin{
		version: version,
		expires: s.clock.Now().Add(d.Truncate(time.Second)),
	}
}

// Unpin drops a room's version pin.
func (s *Store) Unpin(room types.RoomName) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pins, room.Bare())
}

// PinnedVersion returns the room's live pin, expiring stale entries on
// the way out.
func (s *Store) PinnedVersion(room types.RoomName) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pinnedLocked(room.Bare())
}

// Pins snapshots all live pins, for the debug surface.
func (s *Store) Pins() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string)
	for room := range s.pins {
		if v := s.pinnedLocked(room); v != "" {
			out[room.String()] = v
		}
	}
	return out
}

func (s *Store) pinnedLocked(bare types.RoomName) string {
	p, ok := s.pins[bare]
	if !ok {
		return ""
	}
	if s.clock.Now().After(p.expires) {
		delete(s.pins, bare)
		return ""
	}
	return p.version
}

func (s *Store) pinSupplier(bare types.RoomName) func() string {
	return func() string {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.pinnedLocked(bare)
	}
}

// --- sweeper ---

// Run drives the never-started sweeper until ctx ends or Close is
// called.
func (s *Store) Run(ctx context.Context) {
	ticker := s.clock.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C():
			s.sweep()
		}
	}
}

// Close stops the sweeper.
func (s *Store) Close() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

// sweep snapshots overdue never-started conferences under the lock,
// then stops them outside it.
func (s *Store) sweep() {
	now := s.clock.Now()
	s.mu.Lock()
	var overdue []*Conference
	for room, deadline := range s.deadlines {
		c, ok := s.byRoom[room]
		if !ok {
			delete(s.deadlines, room)
			continue
		}
		if !c.HadParticipant() && now.After(deadline) {
			overdue = append(overdue, c)
		}
	}
	s.mu.Unlock()

	for _, c := range overdue {
		logging.Info(context.Background(), "Reaping never-started conference",
			zap.String("room", c.Name().String()))
		c.Stop("expired")
	}
}
