package conference

import (
	"context"
	"sync"
	"time"

	"github.com/colloq/focus/internal/v1/muc"
	"github.com/colloq/focus/internal/v1/offer"
	"github.com/colloq/focus/internal/v1/signaling"
	"github.com/colloq/focus/internal/v1/sources"
	"github.com/colloq/focus/internal/v1/types"
	"github.com/colloq/focus/internal/v1/xmpp"
)

// DiscoveryTimeout bounds the one-shot capability discovery per
// participant.
const DiscoveryTimeout = 5 * time.Second

// Capabilities are the feature flags discovered for one participant.
// They gate which parts of the offer are generated.
type Capabilities struct {
	Audio       bool
	Video       bool
	DataChannel bool
	Rtx         bool
	Remb        bool
	TransportCC bool
	OpusRed     bool
	Simulcast   bool
	Rid         bool
	JSONSources bool
	ReceiveOnly bool
}

// DiscoveryService resolves a participant's capability set. Callers
// bound the context; a failed discovery falls back to defaults.
type DiscoveryService interface {
	Discover(ctx context.Context, address string) (Capabilities, error)
}

// DefaultCapabilities is what a participant gets when discovery fails
// or times out: plain audio/video, nothing fancy.
func DefaultCapabilities() Capabilities {
	return Capabilities{Audio: true, Video: true}
}

// Participant is the per-client aggregate: identity and role from the
// room, discovered capabilities, the bound signaling session, and the
// sources this client owns.
type Participant struct {
	mu sync.RWMutex

	occupant muc.Occupant
	caps     Capabilities
	liveness types.Liveness
	session  *signaling.Session
	sources  sources.Set
	bridge   string

	startMutedAudio bool
	startMutedVideo bool
}

func newParticipant(o muc.Occupant) *Participant {
	return &Participant{
		occupant: o,
		caps:     DefaultCapabilities(),
		liveness: types.LivenessJoining,
	}
}

// ID is the stable per-room identifier.
func (p *Participant) ID() types.EndpointID { return p.occupant.ID }

// Address is the occupant's full room address.
func (p *Participant) Address() types.RoomName { return p.occupant.Address }

// Role returns the current MUC role.
func (p *Participant) Role() types.RoleType {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.occupant.Role
}

// Region returns the participant's advertised region tag.
func (p *Participant) Region() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.occupant.Region()
}

// StatsID returns the client-chosen statistics label.
func (p *Participant) StatsID() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.occupant.StatsID()
}

// JoinOrder is monotonic within the room.
func (p *Participant) JoinOrder() int { return p.occupant.JoinOrder }

// HasJoined reports whether the participant is past the joining state.
func (p *Participant) HasJoined() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.liveness == types.LivenessActive || p.liveness == types.LivenessLeaving
}

// IsActive reports whether the participant accepts signaling.
func (p *Participant) IsActive() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.liveness == types.LivenessActive
}

// Liveness returns the lifecycle position.
func (p *Participant) Liveness() types.Liveness {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.liveness
}

func (p *Participant) setLiveness(l types.Liveness) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.liveness = l
}

// updateOccupant refreshes room-derived state after a presence update.
func (p *Participant) updateOccupant(o muc.Occupant) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.occupant = o
}

// Capabilities returns the discovered flags.
func (p *Participant) Capabilities() Capabilities {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.caps
}

func (p *Participant) setCapabilities(c Capabilities) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.caps = c
}

// ApplyOfferConstraints intersects the conference's offer options with
// this participant's capability flags.
func (p *Participant) ApplyOfferConstraints(conf offer.Constraints) offer.Constraints {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return offer.Constraints{
		Audio:       conf.Audio && p.caps.Audio,
		Video:       conf.Video && p.caps.Video,
		Rtx:         conf.Rtx && p.caps.Rtx,
		OpusRed:     conf.OpusRed && p.caps.OpusRed,
		TransportCC: conf.TransportCC && p.caps.TransportCC,
		GoogRemb:    conf.GoogRemb && p.caps.Remb,
		Rid:         conf.Rid && p.caps.Rid,
		Av1DD:       conf.Av1DD && p.caps.Rid,
		Vla:         conf.Vla && p.caps.Simulcast,
	}
}

// Session returns the bound signaling session, nil before the offer.
func (p *Participant) Session() *signaling.Session {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.session
}

func (p *Participant) bindSession(s *signaling.Session) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.session = s
}

// Bridge returns the address of the bridge hosting this participant.
func (p *Participant) Bridge() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.bridge
}

func (p *Participant) setBridge(address string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.bridge = address
}

// Sources returns the participant's owned source set.
func (p *Participant) Sources() sources.Set {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.sources
}

func (p *Participant) setSources(s sources.Set) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sources = s
}

// SignalSourceAdd relays other participants' new sources to this
// client. Fire-and-forget; the session retries on its own.
func (p *Participant) SignalSourceAdd(ctx context.Context, added sources.ConferenceMap) error {
	return p.signalSources(ctx, added, true)
}

// SignalSourceRemove relays departed sources; never delayed.
func (p *Participant) SignalSourceRemove(ctx context.Context, removed sources.ConferenceMap) error {
	return p.signalSources(ctx, removed, false)
}

func (p *Participant) signalSources(ctx context.Context, m sources.ConferenceMap, add bool) error {
	p.mu.RLock()
	sess := p.session
	caps := p.caps
	active := p.liveness == types.LivenessActive
	p.mu.RUnlock()
	if sess == nil || !active || sess.State() != signaling.StateActive {
		return nil
	}

	var jsonSources string
	var contents []xmpp.Content
	if caps.JSONSources {
		data, err := sources.CompactJSON(m)
		if err != nil {
			return err
		}
		jsonSources = data
	} else {
		contents = sources.WireContents(m.All())
	}
	if add {
		return sess.AddSources(ctx, contents, jsonSources, false)
	}
	return sess.RemoveSources(ctx, contents, jsonSources, false)
}

// Terminate ends the participant's session, cascading per ownership.
func (p *Participant) terminate(ctx context.Context, reason, message string, sendStanza bool) {
	p.mu.Lock()
	sess := p.session
	p.liveness = types.LivenessGone
	p.mu.Unlock()
	if sess != nil {
		_ = sess.Terminate(ctx, reason, message, sendStanza)
	}
}
