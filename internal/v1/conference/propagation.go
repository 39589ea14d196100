package conference

import (
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/colloq/focus/internal/v1/sources"
	"github.com/colloq/focus/internal/v1/types"
)

// DelayStep maps a participant count to the source-add smoothing delay
// used at or above that count.
type DelayStep struct {
	Participants int
	Delay        time.Duration
}

// DelaySteps is the step table, ascending by participant count.
type DelaySteps []DelayStep

// DefaultDelaySteps keeps small rooms snappy and smooths join bursts in
// large ones.
var DefaultDelaySteps = DelaySteps{
	{Participants: 0, Delay: 0},
	{Participants: 20, Delay: 500 * time.Millisecond},
	{Participants: 50, Delay: time.Second},
	{Participants: 100, Delay: 3 * time.Second},
}

// DelayFor returns the delay for the given room size.
func (s DelaySteps) DelayFor(participants int) time.Duration {
	var d time.Duration
	for _, step := range s {
		if participants >= step.Participants {
			d = step.Delay
		}
	}
	return d
}

// propagator coalesces pending source-add relays per receiver. The
// delay window opens at the first not-yet-flushed change; later changes
// within the window merge into the same flush. Removals never pass
// through here.
type propagator struct {
	clock clock.WithTickerAndDelayedExecution
	steps DelaySteps
	flush func(target types.EndpointID, adds sources.ConferenceMap)

	mu      sync.Mutex
	pending map[types.EndpointID]sources.ConferenceMap
	timers  map[types.EndpointID]clock.Timer
	stopped bool
}

func newPropagator(c clock.WithTickerAndDelayedExecution, steps DelaySteps, flush func(types.EndpointID, sources.ConferenceMap)) *propagator {
	if len(steps) == 0 {
		steps = DefaultDelaySteps
	}
	return &propagator{
		clock:   c,
		steps:   steps,
		flush:   flush,
		pending: make(map[types.EndpointID]sources.ConferenceMap),
		timers:  make(map[types.EndpointID]clock.Timer),
	}
}

// QueueAdd schedules owner's new sources toward target. roomSize picks
// the smoothing delay; zero delay flushes synchronously.
func (p *propagator) QueueAdd(target types.EndpointID, roomSize int, owner string, added sources.Set) {
	delay := p.steps.DelayFor(roomSize)
	if delay == 0 {
		p.flush(target, sources.ConferenceMap{owner: added})
		return
	}

	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	m, open := p.pending[target]
	if !open {
		m = make(sources.ConferenceMap)
		p.pending[target] = m
	}
	m[owner] = m[owner].Add(added)
	if !open {
		p.timers[target] = p.clock.AfterFunc(delay, func() { p.fire(target) })
	}
	p.mu.Unlock()
}

// Discard drops anything pending toward a departed receiver.
func (p *propagator) Discard(target types.EndpointID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.discardLocked(target)
}

func (p *propagator) discardLocked(target types.EndpointID) {
	if t, ok := p.timers[target]; ok {
		t.Stop()
	}
	delete(p.timers, target)
	delete(p.pending, target)
}

// DiscardOwner removes a departed sender from every pending window so a
// late flush cannot re-announce sources that were already removed.
func (p *propagator) DiscardOwner(owner string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for target, m := range p.pending {
		delete(m, owner)
		if len(m) == 0 {
			p.discardLocked(target)
		}
	}
}

// Stop cancels every open window.
func (p *propagator) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopped = true
	for target := range p.pending {
		p.discardLocked(target)
	}
}

func (p *propagator) fire(target types.EndpointID) {
	p.mu.Lock()
	m, ok := p.pending[target]
	delete(p.pending, target)
	delete(p.timers, target)
	p.mu.Unlock()
	if !ok || len(m) == 0 {
		return
	}
	p.flush(target, m)
}
