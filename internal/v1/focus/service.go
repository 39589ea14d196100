// Package focus is the stanza-level service of the conference focus:
// it admits conference requests through the auth and reservation gates
// and routes every other recognized operation to its conference.
package focus

import (
	"context"
	"strconv"
	"sync"

	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/colloq/focus/internal/v1/authgate"
	"github.com/colloq/focus/internal/v1/conference"
	"github.com/colloq/focus/internal/v1/logging"
	"github.com/colloq/focus/internal/v1/ratelimit"
	"github.com/colloq/focus/internal/v1/reservation"
	"github.com/colloq/focus/internal/v1/types"
	"github.com/colloq/focus/internal/v1/xmpp"
)

// Features are the boolean capabilities advertised on a successful
// conference-request. Only flags that are true go on the wire.
type Features struct {
	SipGateway  bool
	Lobby       bool
	Visitors    bool
	Transcriber bool
	Rtcstats    bool
	OpusRed     bool
	Rtx         bool
	Sctp        bool
}

// Config carries the service settings.
type Config struct {
	FocusJID string
	Features Features
	// VisitorNodes are the opaque node ids clients can be redirected to
	// once a room passes VisitorThreshold participants.
	VisitorNodes     []string
	VisitorThreshold int
}

// Service wires admission, per-conference routing and the client-
// facing rate limits together. It implements router.Dispatcher.
type Service struct {
	cfg          Config
	store        *conference.Store
	auth         *authgate.Authority
	reservations *reservation.Client
	clock        clock.WithTickerAndDelayedExecution

	dialLimiter     *ratelimit.StanzaLimiter
	metadataLimiter *ratelimit.StanzaLimiter

	mu       sync.Mutex
	bookings map[string]*booking
	metadata map[string]string
	visitors int
}

type booking struct {
	id    string
	timer clock.Timer
}

// Option tunes a Service.
type Option func(*Service)

// WithClock substitutes the timer source.
func WithClock(c clock.WithTickerAndDelayedExecution) Option { return func(s *Service) { s.clock = c } }

// WithDialRule overrides the dial rate limit.
func WithDialRule(r ratelimit.Rule) Option {
	return func(s *Service) { s.dialLimiter = ratelimit.NewStanzaLimiter("dial", r, s.clock) }
}

// WithMetadataRule overrides the room-metadata rate limit.
func WithMetadataRule(r ratelimit.Rule) Option {
	return func(s *Service) {
		s.metadataLimiter = ratelimit.NewStanzaLimiter("room-metadata", r, s.clock)
	}
}

// New builds the service over its collaborators.
func New(cfg Config, store *conference.Store, auth *authgate.Authority, res *reservation.Client, opts ...Option) *Service {
	s := &Service{
		cfg:          cfg,
		store:        store,
		auth:         auth,
		reservations: res,
		clock:        clock.RealClock{},
		bookings:     make(map[string]*booking),
		metadata:     make(map[string]string),
	}
	for _, o := range opts {
		o(s)
	}
	if s.dialLimiter == nil {
		s.dialLimiter = ratelimit.NewStanzaLimiter("dial", ratelimit.DialRule, s.clock)
	}
	if s.metadataLimiter == nil {
		s.metadataLimiter = ratelimit.NewStanzaLimiter("room-metadata", ratelimit.RoomMetadataRule, s.clock)
	}
	return s
}

// RoomOf resolves the conference a stanza belongs to. Admission and
// authentication requests are conference-less and run on the global
// queue.
func (s *Service) RoomOf(iq *xmpp.IQ) (types.RoomName, bool) {
	switch p := iq.Payload.(type) {
	case *xmpp.ConferenceRequest, *xmpp.Login, *xmpp.Logout:
		return types.RoomName{}, false
	case *xmpp.Dial:
		if p.RoomName != "" {
			if room, err := types.ParseRoomName(p.RoomName); err == nil {
				return room.Bare(), true
			}
		}
	case *xmpp.RoomMetadata:
		if p.RoomName != "" {
			if room, err := types.ParseRoomName(p.RoomName); err == nil {
				return room.Bare(), true
			}
		}
	}
	room, err := types.ParseRoomName(iq.From)
	if err != nil {
		return types.RoomName{}, false
	}
	return room.Bare(), true
}

// Dispatch handles one request stanza and returns the result payload
// or the error to send back.
func (s *Service) Dispatch(ctx context.Context, iq *xmpp.IQ) (any, error) {
	switch p := iq.Payload.(type) {
	case *xmpp.ConferenceRequest:
		return s.handleConferenceRequest(ctx, iq.From, p)
	case *xmpp.Jingle:
		return nil, s.handleJingle(iq, p)
	case *xmpp.Mute:
		return nil, s.handleMute(iq, p.JID, types.MediaAudio, p.Muted())
	case *xmpp.MuteVideo:
		return nil, s.handleMute(iq, p.JID, types.MediaVideo, p.Muted())
	case *xmpp.Dial:
		return s.handleDial(ctx, iq, p)
	case *xmpp.RoomMetadata:
		return nil, s.handleRoomMetadata(iq, p)
	case *xmpp.Login:
		return s.handleLogin(ctx, iq, p)
	case *xmpp.Logout:
		return nil, s.auth.Logout(ctx, p.SessionID)
	case *xmpp.Jibri:
		if !s.cfg.Features.Transcriber {
			return nil, types.NewStanzaError(types.KindServiceUnavailable, "no recording service available")
		}
		return p, nil
	case *xmpp.Jigasi:
		if !s.cfg.Features.SipGateway {
			return nil, types.NewStanzaError(types.KindServiceUnavailable, "no sip gateway available")
		}
		return p, nil
	default:
		return nil, types.NewStanzaError(types.KindBadRequest, "unrecognized request")
	}
}

// HandleConferenceRequest runs the admission path outside the stanza
// router, for the HTTP form of the request.
func (s *Service) HandleConferenceRequest(ctx context.Context, fromJID string, req *xmpp.ConferenceRequest) (*xmpp.ConferenceRequest, error) {
	return s.handleConferenceRequest(ctx, fromJID, req)
}

func (s *Service) handleConferenceRequest(ctx context.Context, fromJID string, req *xmpp.ConferenceRequest) (*xmpp.ConferenceRequest, error) {
	room, err := types.ParseRoomName(req.Room)
	if err != nil {
		return nil, types.NewStanzaError(types.KindBadRequest, "invalid room %q", req.Room)
	}
	room = room.Bare()

	_, exists := s.store.Get(room)
	session, err := s.auth.Authorize(ctx, fromJID, req.MachineUID, req.SessionID, exists)
	if err != nil {
		return nil, err
	}

	if !exists {
		mailOwner := ""
		if session != nil {
			mailOwner = session.Principal
		}
		bk, err := s.reservations.TryCreate(ctx, room, mailOwner)
		if err != nil {
			return nil, err
		}
		if bk != nil {
			s.trackBooking(room, bk)
		}
	}

	props := req.PropertyMap()
	conf, created, err := s.store.ConferenceRequest(ctx, room, types.MeetingID(props["meeting-id"]), props)
	if err != nil {
		s.ReleaseBooking(room)
		return nil, err
	}
	if created {
		logging.Info(ctx, "Conference admitted", zap.String("room", room.String()))
	}

	resp := &xmpp.ConferenceRequest{
		Room:     room.String(),
		Ready:    true,
		FocusJID: s.cfg.FocusJID,
	}
	if session != nil {
		resp.SessionID = session.ID
	}
	if node := s.visitorNode(conf); node != "" {
		resp.VNode = node
	}
	s.applyFeatureFlags(resp)
	return resp, nil
}

// visitorNode picks a redirect target once the room is past the
// visitor threshold. Round-robin keeps the nodes evenly loaded.
func (s *Service) visitorNode(c *conference.Conference) string {
	if !s.cfg.Features.Visitors || s.cfg.VisitorThreshold <= 0 || len(s.cfg.VisitorNodes) == 0 {
		return ""
	}
	if c.ParticipantCount() < s.cfg.VisitorThreshold {
		return ""
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	node := s.cfg.VisitorNodes[s.visitors%len(s.cfg.VisitorNodes)]
	s.visitors++
	return node
}

func (s *Service) applyFeatureFlags(resp *xmpp.ConferenceRequest) {
	f := s.cfg.Features
	flags := []struct {
		name string
		on   bool
	}{
		{"sipGatewayEnabled", f.SipGateway},
		{"lobbyEnabled", f.Lobby},
		{"visitorsEnabled", f.Visitors},
		{"transcriberAvailable", f.Transcriber},
		{"rtcstatsEnabled", f.Rtcstats},
		{"opusRedEnabled", f.OpusRed},
		{"rtxEnabled", f.Rtx},
		{"sctpEnabled", f.Sctp},
	}
	for _, fl := range flags {
		if fl.on {
			resp.SetProperty(fl.name, strconv.FormatBool(true))
		}
	}
}

func (s *Service) conferenceFor(iq *xmpp.IQ) (*conference.Conference, types.RoomName, error) {
	room, ok := s.RoomOf(iq)
	if !ok {
		return nil, types.RoomName{}, types.NewStanzaError(types.KindBadRequest, "request names no conference")
	}
	c, found := s.store.Get(room)
	if !found {
		return nil, room, types.NewStanzaError(types.KindItemNotFound, "conference %s not found", room.String())
	}
	return c, room, nil
}

func (s *Service) handleJingle(iq *xmpp.IQ, j *xmpp.Jingle) error {
	c, _, err := s.conferenceFor(iq)
	if err != nil {
		return err
	}
	from, err := types.ParseRoomName(iq.From)
	if err != nil {
		return types.NewStanzaError(types.KindBadRequest, "invalid sender %q", iq.From)
	}
	return c.HandleJingle(from, j)
}

func (s *Service) handleMute(iq *xmpp.IQ, targetJID string, media types.MediaKind, mute bool) error {
	c, _, err := s.conferenceFor(iq)
	if err != nil {
		return err
	}
	actor, err := endpointOf(iq.From)
	if err != nil {
		return err
	}
	target := actor
	if targetJID != "" {
		if target, err = endpointOf(targetJID); err != nil {
			return err
		}
	}
	return c.HandleMute(actor, target, media, mute)
}

func (s *Service) handleDial(ctx context.Context, iq *xmpp.IQ, d *xmpp.Dial) (any, error) {
	c, _, err := s.conferenceFor(iq)
	if err != nil {
		return nil, err
	}
	actor, err := endpointOf(iq.From)
	if err != nil {
		return nil, err
	}
	if _, ok := c.Participant(actor); !ok {
		return nil, types.NewStanzaError(types.KindForbidden, "only participants may dial out")
	}
	if err := s.dialLimiter.Allow(iq.From); err != nil {
		return nil, err
	}
	if !s.cfg.Features.SipGateway {
		return nil, types.NewStanzaError(types.KindServiceUnavailable, "no sip gateway available")
	}
	logging.Info(ctx, "Dial-out accepted",
		zap.String("room", c.Name().String()), zap.String("to", d.To))
	return d, nil
}

func (s *Service) handleRoomMetadata(iq *xmpp.IQ, m *xmpp.RoomMetadata) error {
	c, room, err := s.conferenceFor(iq)
	if err != nil {
		return err
	}
	actor, err := endpointOf(iq.From)
	if err != nil {
		return err
	}
	p, ok := c.Participant(actor)
	if !ok {
		return types.NewStanzaError(types.KindForbidden, "only participants may update metadata")
	}
	if !p.Role().HasModeratorRights() {
		return types.NewStanzaError(types.KindForbidden, "only moderators may update metadata")
	}
	if err := s.metadataLimiter.Allow(iq.From); err != nil {
		return err
	}
	s.mu.Lock()
	s.metadata[room.String()] = m.JSON
	s.mu.Unlock()
	return nil
}

// Metadata returns the last metadata blob set for a room.
func (s *Service) Metadata(room types.RoomName) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.metadata[room.Bare().String()]
}

func (s *Service) handleLogin(ctx context.Context, iq *xmpp.IQ, l *xmpp.Login) (*xmpp.Login, error) {
	if url := s.auth.LoginURL(); url != "" && l.Token == "" {
		// external mode: the client completes authentication at the
		// provider and comes back with a token
		return &xmpp.Login{MachineUID: l.MachineUID, URL: url}, nil
	}
	var session *authgate.Session
	var err error
	if l.Token != "" {
		session, err = s.auth.AuthenticateExternal(ctx, l.Token, l.MachineUID)
	} else {
		session, err = s.auth.Authorize(ctx, iq.From, l.MachineUID, "", false)
	}
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, types.NewStanzaError(types.KindNotAuthorized, "authentication failed")
	}
	return &xmpp.Login{MachineUID: l.MachineUID, SessionID: session.ID}, nil
}

// trackBooking arms the duration timer on a fresh reservation.
func (s *Service) trackBooking(room types.RoomName, bk *reservation.Booking) {
	key := room.Bare().String()
	b := &booking{id: bk.ID}
	if bk.Duration > 0 {
		b.timer = s.clock.AfterFunc(bk.Duration, func() { s.expireBooking(room) })
	}
	s.mu.Lock()
	old := s.bookings[key]
	s.bookings[key] = b
	s.mu.Unlock()
	if old != nil && old.timer != nil {
		old.timer.Stop()
	}
}

// expireBooking stops the conference when its booked duration runs
// out. The booking itself is released by the termination path.
func (s *Service) expireBooking(room types.RoomName) {
	ctx := context.Background()
	logging.Info(ctx, "Reservation duration expired", zap.String("room", room.String()))
	if c, ok := s.store.Get(room); ok {
		c.Stop("expired")
		return
	}
	s.ReleaseBooking(room)
}

// ReleaseBooking cancels the duration timer and tells the backend the
// room is gone. Wired into the conference termination callback.
func (s *Service) ReleaseBooking(room types.RoomName) {
	key := room.Bare().String()
	s.mu.Lock()
	b := s.bookings[key]
	delete(s.bookings, key)
	delete(s.metadata, key)
	s.mu.Unlock()
	if b == nil {
		return
	}
	if b.timer != nil {
		b.timer.Stop()
	}
	s.reservations.Delete(context.Background(), b.id)
}

func endpointOf(jid string) (types.EndpointID, error) {
	addr, err := types.ParseRoomName(jid)
	if err != nil || addr.Resource == "" {
		return "", types.NewStanzaError(types.KindBadRequest, "invalid occupant address %q", jid)
	}
	return types.EndpointID(addr.Resource), nil
}
