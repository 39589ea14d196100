// Package conference implements the room-scoped orchestrator: it joins
// the chat room, admits participants, negotiates their media sessions
// against a selected bridge, propagates the source topology, and tears
// everything down when the room empties or a bridge dies under it.
package conference

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"k8s.io/utils/clock"
	"k8s.io/utils/set"

	"github.com/colloq/focus/internal/v1/bridge"
	"github.com/colloq/focus/internal/v1/logging"
	"github.com/colloq/focus/internal/v1/metrics"
	"github.com/colloq/focus/internal/v1/muc"
	"github.com/colloq/focus/internal/v1/offer"
	"github.com/colloq/focus/internal/v1/signaling"
	"github.com/colloq/focus/internal/v1/sources"
	"github.com/colloq/focus/internal/v1/types"
	"github.com/colloq/focus/internal/v1/xmpp"
)

// State is the conference lifecycle position.
type State string

const (
	StateInitializing State = "initializing"
	StateRunning      State = "running"
	StateTerminating  State = "terminating"
	StateTerminated   State = "terminated"
)

// DefaultEmptyGracePeriod is how long an emptied conference lingers
// before it stops, so a reconnecting client can keep its room.
const DefaultEmptyGracePeriod = 15 * time.Second

// DefaultTeardownTimeout bounds the best-effort signaling done while a
// conference stops: session terminates, channel expiry, the room leave.
const DefaultTeardownTimeout = 5 * time.Second

// Options wires one conference's collaborators.
type Options struct {
	Name       types.RoomName
	MeetingID  types.MeetingID
	FocusJID   string
	Properties map[string]string

	Room      muc.ChatRoom
	Selector  *bridge.Selector
	Bridges   bridge.Transport
	Conn      signaling.Connection
	Discovery DiscoveryService
	Clock     clock.WithTickerAndDelayedExecution

	OfferConfig  offer.Config
	OfferOptions offer.Constraints
	SourceLimits sources.Limits
	DelaySteps   DelaySteps

	// PinnedVersion supplies the current (non-expired) version pin for
	// this room, empty for none.
	PinnedVersion func() string

	EmptyGracePeriod    time.Duration
	TeardownTimeout     time.Duration
	IncludeInStatistics bool

	// OnTerminated fires exactly once, after the conference reaches the
	// terminated state.
	OnTerminated func(*Conference)
}

type avModeration struct {
	enabled   bool
	whitelist set.Set[string]
}

// Conference is the per-room orchestrator. Mutations are serialized by
// the owning queue worker plus the internal mutex; readers get
// snapshots.
type Conference struct {
	opts    Options
	colibri string // bridge-side conference id

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.RWMutex
	state        State
	participants map[types.EndpointID]*Participant
	sourceMap    sources.ConferenceMap
	bridges      map[string]set.Set[types.EndpointID]
	hadOccupant  bool
	createdAt    time.Time
	avModerate   map[types.MediaKind]*avModeration
	emptyTimer   clock.Timer

	prefs      *offer.PreferenceAggregator
	propagator *propagator
}

// New builds a conference for the room named in opts. Start must be
// called before events flow.
func New(opts Options) *Conference {
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	if opts.EmptyGracePeriod == 0 {
		opts.EmptyGracePeriod = DefaultEmptyGracePeriod
	}
	if opts.TeardownTimeout == 0 {
		opts.TeardownTimeout = DefaultTeardownTimeout
	}
	if opts.PinnedVersion == nil {
		opts.PinnedVersion = func() string { return "" }
	}
	ctx, cancel := context.WithCancel(context.Background())
	ctx = context.WithValue(ctx, logging.RoomKey, opts.Name.Bare().String())

	c := &Conference{
		opts:         opts,
		colibri:      uuid.NewString(),
		ctx:          ctx,
		cancel:       cancel,
		state:        StateInitializing,
		participants: make(map[types.EndpointID]*Participant),
		sourceMap:    make(sources.ConferenceMap),
		bridges:      make(map[string]set.Set[types.EndpointID]),
		createdAt:    opts.Clock.Now(),
		avModerate: map[types.MediaKind]*avModeration{
			types.MediaAudio: {whitelist: set.New[string]()},
			types.MediaVideo: {whitelist: set.New[string]()},
		},
		prefs: offer.NewPreferenceAggregator(),
	}
	c.propagator = newPropagator(opts.Clock, opts.DelaySteps, c.flushSourceAdds)
	opts.Room.SetObserver(c)
	return c
}

// Name returns the bare room identity.
func (c *Conference) Name() types.RoomName { return c.opts.Name.Bare() }

// MeetingID returns the opaque secondary id, may be empty.
func (c *Conference) MeetingID() types.MeetingID { return c.opts.MeetingID }

// State returns the lifecycle position.
func (c *Conference) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// CreatedAt is when the conference object was built.
func (c *Conference) CreatedAt() time.Time { return c.createdAt }

// HadParticipant reports whether anyone ever joined; the start-timeout
// sweeper only reaps conferences where this is false.
func (c *Conference) HadParticipant() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.hadOccupant
}

// ParticipantCount counts current members.
func (c *Conference) ParticipantCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.participants)
}

// Participants returns a snapshot of the current members.
func (c *Conference) Participants() []*Participant {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Participant, 0, len(c.participants))
	for _, p := range c.participants {
		out = append(out, p)
	}
	return out
}

// Participant looks up one member.
func (c *Conference) Participant(id types.EndpointID) (*Participant, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.participants[id]
	return p, ok
}

// Sources snapshots the conference source map.
func (c *Conference) Sources() sources.ConferenceMap {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sourceMap.Clone()
}

// Start joins the chat room and opens the conference for admission.
// The room delivers existing occupants' presence before our own join
// confirms; whoever is already there is ingested once admission opens.
func (c *Conference) Start(ctx context.Context) error {
	if err := c.opts.Room.Join(ctx); err != nil {
		c.Stop("failed")
		return err
	}
	c.mu.Lock()
	if c.state == StateInitializing {
		c.state = StateRunning
	}
	c.mu.Unlock()
	for _, o := range c.opts.Room.Occupants() {
		c.OccupantJoined(o)
	}
	metrics.ActiveConferences.Inc()
	metrics.ConferencesCreated.Inc()
	logging.Info(c.ctx, "Conference started", zap.String("meeting_id", string(c.opts.MeetingID)))
	return nil
}

// --- muc.Observer ---

// OccupantJoined admits a new participant: capability discovery, bridge
// channel allocation, then the initial offer. The blocking work runs
// off the presence goroutine.
func (c *Conference) OccupantJoined(o muc.Occupant) {
	c.mu.Lock()
	if c.state != StateRunning {
		c.mu.Unlock()
		return
	}
	if _, exists := c.participants[o.ID]; exists {
		c.mu.Unlock()
		return
	}
	p := newParticipant(o)
	c.participants[o.ID] = p
	c.hadOccupant = true
	if c.emptyTimer != nil {
		c.emptyTimer.Stop()
		c.emptyTimer = nil
	}
	c.mu.Unlock()

	c.voteFromPresence(o)
	metrics.ConferenceParticipants.WithLabelValues(c.Name().String()).Set(float64(c.ParticipantCount()))

	go c.invite(p)
}

// OccupantLeft removes the participant and cascades to its session and
// advertised sources.
func (c *Conference) OccupantLeft(o muc.Occupant, kicked bool) {
	c.removeParticipant(o.ID, kicked)
}

// RoleChanged refreshes the stored role.
func (c *Conference) RoleChanged(o muc.Occupant, _ types.RoleType) {
	if p, ok := c.Participant(o.ID); ok {
		p.updateOccupant(o)
	}
}

// PresenceUpdated refreshes room-derived state and preference votes.
func (c *Conference) PresenceUpdated(o muc.Occupant) {
	if p, ok := c.Participant(o.ID); ok {
		p.updateOccupant(o)
	}
	c.voteFromPresence(o)
}

// RoomDestroyed terminates the conference; losing the room is fatal.
func (c *Conference) RoomDestroyed(reason string) {
	logging.Warn(c.ctx, "Room destroyed under running conference", zap.String("reason", reason))
	c.Stop("gone")
}

func (c *Conference) voteFromPresence(o muc.Occupant) {
	ext, ok := o.Extension(muc.ExtCodecList)
	if !ok || ext.Inner == "" {
		return
	}
	var ranked []string
	for _, codec := range strings.Split(ext.Inner, ",") {
		if codec = strings.TrimSpace(strings.ToLower(codec)); codec != "" {
			ranked = append(ranked, codec)
		}
	}
	c.prefs.Vote(string(o.ID), ranked)
}

// --- admission pipeline ---

func (c *Conference) invite(p *Participant) {
	ctx := context.WithValue(c.ctx, logging.ParticipantKey, string(p.ID()))

	dctx, cancel := context.WithTimeout(ctx, DiscoveryTimeout)
	caps, err := c.opts.Discovery.Discover(dctx, p.Address().String())
	cancel()
	if err != nil {
		logging.Warn(ctx, "Capability discovery failed, using defaults", zap.Error(err))
		caps = DefaultCapabilities()
	}
	p.setCapabilities(caps)

	transport, err := c.allocate(ctx, p)
	if err != nil {
		logging.Error(ctx, "No bridge for participant", zap.Error(err))
		c.Stop("failed")
		return
	}

	contents := c.buildOffer(p, transport)
	jsonSources := ""
	if caps.JSONSources {
		data, jerr := sources.CompactJSON(c.Sources())
		if jerr == nil {
			jsonSources = data
		}
	}

	sess := signaling.NewSession(c.opts.FocusJID, p.Address().String(), c.opts.Conn, &participantHandler{c: c, p: p})
	p.bindSession(sess)
	p.setLiveness(types.LivenessActive)

	if err := sess.Initiate(ctx, contents, jsonSources); err != nil {
		logging.Warn(ctx, "Session initiate failed", zap.Error(err))
		c.removeParticipant(p.ID(), false)
	}
}

// allocate walks eligible bridges until one accepts the channel; each
// refusal marks the bridge failed and moves on.
func (c *Conference) allocate(ctx context.Context, p *Participant) (*xmpp.Transport, error) {
	pinned := c.opts.PinnedVersion()
	criteria := bridge.Criteria{ParticipantRegion: p.Region(), PinnedVersion: pinned}

	for {
		info, ok := c.opts.Selector.Select(criteria)
		if !ok {
			return nil, types.NewStanzaError(types.KindServiceUnavailable, "no operational bridge")
		}
		transport, err := c.allocateOn(ctx, info.Address, p)
		if err == nil {
			c.bindBridge(info.Address, p)
			return transport, nil
		}
		logging.Warn(ctx, "Bridge refused allocation",
			zap.String("bridge", info.Address), zap.Error(err))
		c.opts.Selector.ReportFailure(info.Address)
	}
}

func (c *Conference) allocateOn(ctx context.Context, address string, p *Participant) (*xmpp.Transport, error) {
	cmd := &xmpp.BridgeConference{
		Operation: xmpp.BridgeOpAllocate,
		ID:        c.colibri,
		Room:      c.Name().String(),
		Endpoints: []xmpp.BridgeChannel{{ID: string(p.ID())}},
	}
	res, err := c.opts.Bridges.Request(ctx, address, cmd)
	if err != nil {
		return nil, err
	}
	if len(res.Endpoints) == 0 {
		return nil, types.NewStanzaError(types.KindInternalServerError, "bridge answered without a channel")
	}
	return res.Endpoints[0].Transport, nil
}

func (c *Conference) bindBridge(address string, p *Participant) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.bridges[address]
	if !ok {
		s = set.New[types.EndpointID]()
		c.bridges[address] = s
	}
	s.Insert(p.ID())
	p.setBridge(address)
}

func (c *Conference) unbindBridge(p *Participant) (address string, last bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	address = p.Bridge()
	if address == "" {
		return "", false
	}
	if s, ok := c.bridges[address]; ok {
		s.Delete(p.ID())
		if s.Len() == 0 {
			delete(c.bridges, address)
			last = true
		}
	}
	p.setBridge("")
	return address, last
}

// buildOffer assembles the codec catalogue for this participant, the
// bridge transport, and everyone else's current sources.
func (c *Conference) buildOffer(p *Participant, transport *xmpp.Transport) []xmpp.Content {
	constraints := p.ApplyOfferConstraints(c.opts.OfferOptions)
	contents := offer.Contents(c.opts.OfferConfig, constraints, c.prefs.Effective())

	if !p.Capabilities().JSONSources {
		contents = mergeSourceContents(contents, sources.WireContents(c.Sources().All()))
	}
	if transport != nil {
		for i := range contents {
			contents[i].Transport = transport
		}
	}
	return contents
}

// mergeSourceContents folds source-only contents into the matching
// media sections of the offer.
func mergeSourceContents(offerContents, sourceContents []xmpp.Content) []xmpp.Content {
	for _, sc := range sourceContents {
		if sc.Description == nil {
			continue
		}
		merged := false
		for i := range offerContents {
			d := offerContents[i].Description
			if d != nil && d.Media == sc.Description.Media {
				d.Sources = append(d.Sources, sc.Description.Sources...)
				d.Groups = append(d.Groups, sc.Description.Groups...)
				merged = true
				break
			}
		}
		if !merged {
			offerContents = append(offerContents, sc)
		}
	}
	return offerContents
}

// --- answer and incremental sources ---

// participantHandler routes session callbacks back into the conference
// with the participant bound.
type participantHandler struct {
	c *Conference
	p *Participant
}

func (h *participantHandler) SessionAccepted(j *xmpp.Jingle) error {
	return h.c.acceptAnswer(h.p, j)
}

func (h *participantHandler) TransportInfoReceived(j *xmpp.Jingle) error {
	return h.c.updateTransport(h.p, j)
}

func (h *participantHandler) SourcesAdded(j *xmpp.Jingle) error {
	return h.c.ingestSources(h.p, j)
}

func (h *participantHandler) SourcesRemoved(j *xmpp.Jingle) error {
	return h.c.dropSources(h.p, j)
}

func (c *Conference) acceptAnswer(p *Participant, j *xmpp.Jingle) error {
	if err := c.ingestSources(p, j); err != nil {
		return err
	}
	return c.updateTransport(p, j)
}

// updateTransport pushes the participant's answered transport to its
// bridge channel.
func (c *Conference) updateTransport(p *Participant, j *xmpp.Jingle) error {
	var transport *xmpp.Transport
	for _, content := range j.Contents {
		if content.Transport != nil {
			transport = content.Transport
			break
		}
	}
	if transport == nil {
		return nil
	}
	address := p.Bridge()
	if address == "" {
		return nil
	}
	cmd := &xmpp.BridgeConference{
		Operation: xmpp.BridgeOpModify,
		ID:        c.colibri,
		Room:      c.Name().String(),
		Endpoints: []xmpp.BridgeChannel{{ID: string(p.ID()), Transport: transport}},
	}
	if _, err := c.opts.Bridges.Request(c.ctx, address, cmd); err != nil {
		logging.Warn(c.ctx, "Bridge transport update failed",
			zap.String("bridge", address), zap.Error(err))
	}
	return nil
}

// ingestSources validates and admits sources advertised by p, then
// relays them to everyone else. A validation failure admits nothing.
func (c *Conference) ingestSources(p *Participant, j *xmpp.Jingle) error {
	candidate, err := parseAdvertised(j)
	if err != nil {
		return err
	}
	if candidate.IsEmpty() {
		return nil
	}
	owner := p.Address().String()

	c.mu.Lock()
	if c.state != StateRunning {
		c.mu.Unlock()
		return types.ErrConferenceTerminated
	}
	accepted, err := sources.Validate(owner, candidate, c.sourceMap, c.opts.SourceLimits)
	if err != nil {
		c.mu.Unlock()
		if verr, ok := err.(*sources.ValidationError); ok {
			return verr.Stanza()
		}
		return err
	}
	c.sourceMap[owner] = c.sourceMap[owner].Add(accepted)
	p.setSources(c.sourceMap[owner])
	roomSize := len(c.participants)
	others := c.otherActiveLocked(p.ID())
	c.mu.Unlock()

	for _, other := range others {
		c.propagator.QueueAdd(other.ID(), roomSize, owner, accepted)
	}
	return nil
}

// dropSources removes sources p no longer sends and relays the removal
// immediately.
func (c *Conference) dropSources(p *Participant, j *xmpp.Jingle) error {
	candidate, err := parseAdvertised(j)
	if err != nil {
		return err
	}
	if candidate.IsEmpty() {
		return nil
	}
	owner := p.Address().String()

	c.mu.Lock()
	current := c.sourceMap[owner]
	for _, src := range candidate.Sources {
		if !current.Contains(src.SSRC) {
			c.mu.Unlock()
			return types.NewStanzaError(types.KindBadRequest, "source %d not advertised", src.SSRC)
		}
	}
	remaining := current.Remove(candidate)
	if remaining.IsEmpty() {
		delete(c.sourceMap, owner)
	} else {
		c.sourceMap[owner] = remaining
	}
	p.setSources(remaining)
	others := c.otherActiveLocked(p.ID())
	c.mu.Unlock()

	removal := sources.ConferenceMap{owner: candidate}
	for _, other := range others {
		_ = other.SignalSourceRemove(c.ctx, removal)
	}
	return nil
}

func parseAdvertised(j *xmpp.Jingle) (sources.Set, error) {
	if j.JSONSources != "" {
		m, err := sources.ParseCompactJSON(j.JSONSources)
		if err != nil {
			return sources.Set{}, types.NewStanzaError(types.KindBadRequest, "malformed source json: %v", err)
		}
		var out sources.Set
		for _, s := range m {
			out = out.Add(s)
		}
		return out, nil
	}
	return sources.ParseContents(j.Contents), nil
}

func (c *Conference) otherActiveLocked(except types.EndpointID) []*Participant {
	out := make([]*Participant, 0, len(c.participants))
	for id, p := range c.participants {
		if id != except && p.IsActive() {
			out = append(out, p)
		}
	}
	return out
}

func (c *Conference) flushSourceAdds(target types.EndpointID, adds sources.ConferenceMap) {
	p, ok := c.Participant(target)
	if !ok {
		return
	}
	if err := p.SignalSourceAdd(c.ctx, adds); err != nil {
		logging.Warn(c.ctx, "Source relay failed",
			zap.String("participant", string(target)), zap.Error(err))
	}
}

// HandleJingle routes an inbound signaling stanza from one occupant to
// that occupant's session.
func (c *Conference) HandleJingle(from types.RoomName, j *xmpp.Jingle) error {
	p, ok := c.Participant(types.EndpointID(from.Resource))
	if !ok {
		return types.NewStanzaError(types.KindItemNotFound, "no participant %s", from.Resource)
	}
	sess := p.Session()
	if sess == nil {
		return types.NewStanzaError(types.KindItemNotFound, "no session for %s", from.Resource)
	}
	return sess.ProcessIncoming(j)
}

// --- mute, role and AV moderation ---

// HandleMute enforces a mute/unmute request. Actors may always mute
// themselves; muting others and unmuting anyone under AV moderation is
// moderator territory.
func (c *Conference) HandleMute(actor types.EndpointID, target types.EndpointID, media types.MediaKind, mute bool) error {
	c.mu.RLock()
	actorP, actorOK := c.participants[actor]
	targetP, targetOK := c.participants[target]
	mod := c.avModerate[media]
	c.mu.RUnlock()
	if !actorOK || !targetOK {
		return types.NewStanzaError(types.KindItemNotFound, "unknown participant")
	}
	if actor != target && !actorP.Role().HasModeratorRights() {
		return types.NewStanzaError(types.KindForbidden, "only moderators may mute others")
	}
	if !mute {
		if actor != target {
			return types.NewStanzaError(types.KindForbidden, "cannot unmute someone else")
		}
		c.mu.RLock()
		blocked := mod.enabled && !mod.whitelist.Has(string(target))
		c.mu.RUnlock()
		if blocked {
			return types.NewStanzaError(types.KindForbidden, "unmute blocked by moderation")
		}
	}

	payload := any(&xmpp.Mute{JID: targetP.Address().String(), Actor: actorP.Address().String(), Value: boolStr(mute)})
	if media == types.MediaVideo {
		payload = &xmpp.MuteVideo{JID: targetP.Address().String(), Actor: actorP.Address().String(), Value: boolStr(mute)}
	}
	iq := &xmpp.IQ{
		Type:    xmpp.IQSet,
		ID:      uuid.NewString(),
		From:    c.opts.FocusJID,
		To:      targetP.Address().String(),
		Payload: payload,
	}
	if actor != target {
		return c.opts.Conn.Send(c.ctx, iq)
	}
	return nil
}

// SetAVModeration flips per-media moderation. Whitelisted identities
// may unmute while it is on.
func (c *Conference) SetAVModeration(actor types.EndpointID, media types.MediaKind, enabled bool, whitelist []string) error {
	c.mu.RLock()
	actorP, ok := c.participants[actor]
	c.mu.RUnlock()
	if !ok {
		return types.NewStanzaError(types.KindItemNotFound, "unknown participant")
	}
	if !actorP.Role().HasModeratorRights() {
		return types.NewStanzaError(types.KindForbidden, "moderator required")
	}
	c.mu.Lock()
	mod := c.avModerate[media]
	mod.enabled = enabled
	mod.whitelist = set.New(whitelist...)
	c.mu.Unlock()
	return nil
}

// AVModerationEnabled reports the flag for one media kind.
func (c *Conference) AVModerationEnabled(media types.MediaKind) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.avModerate[media].enabled
}

// --- bridge failover ---

// BridgeFailed re-hosts every participant bound to the dead bridge via
// transport-replace. With no replacement bridge the conference dies.
func (c *Conference) BridgeFailed(address string) {
	c.opts.Selector.ReportFailure(address)

	c.mu.Lock()
	affected, ok := c.bridges[address]
	var victims []*Participant
	if ok {
		for _, id := range affected.UnsortedList() {
			if p, exists := c.participants[id]; exists {
				victims = append(victims, p)
			}
		}
		delete(c.bridges, address)
	}
	c.mu.Unlock()
	if len(victims) == 0 {
		return
	}
	logging.Warn(c.ctx, "Re-hosting participants off failed bridge",
		zap.String("bridge", address), zap.Int("participants", len(victims)))

	for _, p := range victims {
		p.setBridge("")
		transport, err := c.allocate(c.ctx, p)
		if err != nil {
			logging.Error(c.ctx, "No replacement bridge", zap.Error(err))
			c.Stop("failed")
			return
		}
		sess := p.Session()
		if sess == nil {
			continue
		}
		contents := c.buildOffer(p, transport)
		if err := sess.ReplaceTransport(c.ctx, contents); err != nil {
			logging.Warn(c.ctx, "transport-replace failed",
				zap.String("participant", string(p.ID())), zap.Error(err))
		}
	}
}

// --- participant removal and termination ---

func (c *Conference) removeParticipant(id types.EndpointID, kicked bool) {
	c.mu.Lock()
	p, ok := c.participants[id]
	if !ok {
		c.mu.Unlock()
		return
	}
	p.setLiveness(types.LivenessLeaving)
	delete(c.participants, id)
	owner := p.Address().String()
	departed := c.sourceMap[owner]
	delete(c.sourceMap, owner)
	empty := len(c.participants) == 0
	others := c.otherActiveLocked(id)
	c.mu.Unlock()

	c.prefs.Retract(string(id))
	c.propagator.Discard(id)
	c.propagator.DiscardOwner(owner)

	if !departed.IsEmpty() {
		removal := sources.ConferenceMap{owner: departed}
		for _, other := range others {
			_ = other.SignalSourceRemove(c.ctx, removal)
		}
	}

	reason := "gone"
	if kicked {
		reason = "cancel"
	}
	p.terminate(c.ctx, reason, "", !kicked)
	c.expireChannel(p)

	metrics.ConferenceParticipants.WithLabelValues(c.Name().String()).Set(float64(c.ParticipantCount()))
	if empty {
		c.scheduleEmptyStop()
	}
}

func (c *Conference) expireChannel(p *Participant) {
	address, _ := c.unbindBridge(p)
	if address == "" {
		return
	}
	cmd := &xmpp.BridgeConference{
		Operation: xmpp.BridgeOpExpire,
		ID:        c.colibri,
		Room:      c.Name().String(),
		Endpoints: []xmpp.BridgeChannel{{ID: string(p.ID()), Expire: true}},
	}
	ctx, cancel := context.WithTimeout(c.ctx, c.opts.TeardownTimeout)
	defer cancel()
	if _, err := c.opts.Bridges.Request(ctx, address, cmd); err != nil {
		logging.Warn(c.ctx, "Channel expire failed",
			zap.String("bridge", address), zap.Error(err))
	}
}

func (c *Conference) scheduleEmptyStop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateRunning || c.emptyTimer != nil {
		return
	}
	c.emptyTimer = c.opts.Clock.AfterFunc(c.opts.EmptyGracePeriod, func() {
		if c.ParticipantCount() == 0 {
			logging.Info(c.ctx, "Conference empty past grace period, stopping")
			c.Stop("gone")
		}
	})
}

// Stop terminates the conference: every session gets a terminate with
// the given reason, channels are expired on each bound bridge, and the
// store is notified. Idempotent.
func (c *Conference) Stop(reason string) {
	c.mu.Lock()
	if c.state == StateTerminating || c.state == StateTerminated {
		c.mu.Unlock()
		return
	}
	prev := c.state
	c.state = StateTerminating
	if c.emptyTimer != nil {
		c.emptyTimer.Stop()
		c.emptyTimer = nil
	}
	remaining := make([]*Participant, 0, len(c.participants))
	for _, p := range c.participants {
		remaining = append(remaining, p)
	}
	c.participants = make(map[types.EndpointID]*Participant)
	c.sourceMap = make(sources.ConferenceMap)
	bound := make([]string, 0, len(c.bridges))
	for address := range c.bridges {
		bound = append(bound, address)
	}
	c.bridges = make(map[string]set.Set[types.EndpointID])
	c.mu.Unlock()

	c.propagator.Stop()

	// The conference context dies first: anything blocked on it
	// unblocks with a cancelled error, and the teardown signaling below
	// runs best-effort on its own deadline.
	c.cancel()

	ctx, cancel := context.WithTimeout(context.Background(), c.opts.TeardownTimeout)
	defer cancel()

	for _, p := range remaining {
		p.terminate(ctx, reason, "conference terminated", true)
	}
	for _, address := range bound {
		cmd := &xmpp.BridgeConference{
			Operation: xmpp.BridgeOpExpire,
			ID:        c.colibri,
			Room:      c.Name().String(),
		}
		if _, err := c.opts.Bridges.Request(ctx, address, cmd); err != nil {
			logging.Warn(c.ctx, "Conference expire failed",
				zap.String("bridge", address), zap.Error(err))
		}
	}
	_ = c.opts.Room.Leave(ctx)

	c.mu.Lock()
	c.state = StateTerminated
	c.mu.Unlock()

	if prev == StateRunning {
		metrics.ActiveConferences.Dec()
	}
	metrics.ConferenceParticipants.DeleteLabelValues(c.Name().String())
	logging.Info(c.ctx, "Conference terminated", zap.String("reason", reason))

	if c.opts.OnTerminated != nil {
		c.opts.OnTerminated(c)
	}
}

func boolStr(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
