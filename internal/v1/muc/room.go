package muc

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/colloq/focus/internal/v1/logging"
	"github.com/colloq/focus/internal/v1/types"
	"github.com/colloq/focus/internal/v1/xmpp"
)

// Room tracks the occupants of one chat room from inbound presence and
// owns the focus's own presence in that room.
//
// HandlePresence must be called from a single goroutine per room; event
// ordering is inherited from that caller. Accessors are safe from any
// goroutine.
type Room struct {
	name   types.RoomName
	nick   string
	sender Sender

	mu        sync.RWMutex
	joined    bool
	destroyed bool
	occupants map[types.EndpointID]*Occupant
	joinSeq   int
	ownExts   []xmpp.PresenceExtension
	observer  Observer

	joinedCh chan struct{}
}

// NewRoom prepares a room handle. Join must be called before occupant
// events flow.
func NewRoom(name types.RoomName, nick string, sender Sender) *Room {
	return &Room{
		name:      name,
		nick:      nick,
		sender:    sender,
		occupants: make(map[types.EndpointID]*Occupant),
		joinedCh:  make(chan struct{}),
	}
}

// SetObserver installs the event sink. Must be called before Join.
func (r *Room) SetObserver(o Observer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observer = o
}

// Name returns the bare room identity.
func (r *Room) Name() types.RoomName { return r.name.Bare() }

// IsJoined reports whether our own join has been confirmed.
func (r *Room) IsJoined() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.joined
}

// Join announces our presence and blocks until the room confirms it or
// the context ends.
func (r *Room) Join(ctx context.Context) error {
	p := &xmpp.Presence{To: r.name.WithResource(r.nick).String()}
	r.mu.RLock()
	p.Extensions = append(p.Extensions, r.ownExts...)
	r.mu.RUnlock()
	if err := r.sender.SendPresence(ctx, p); err != nil {
		return fmt.Errorf("join %s: %w", r.name.Bare(), err)
	}
	select {
	case <-r.joinedCh:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("join %s: %w", r.name.Bare(), ctx.Err())
	}
}

// Leave sends unavailable presence and forgets all occupants.
func (r *Room) Leave(ctx context.Context) error {
	p := &xmpp.Presence{To: r.name.WithResource(r.nick).String(), Type: "unavailable"}
	err := r.sender.SendPresence(ctx, p)

	r.mu.Lock()
	r.joined = false
	r.occupants = make(map[types.EndpointID]*Occupant)
	r.mu.Unlock()
	return err
}

// Occupant returns a snapshot of one member.
func (r *Room) Occupant(id types.EndpointID) (Occupant, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	o, ok := r.occupants[id]
	if !ok {
		return Occupant{}, false
	}
	return *o, true
}

// Occupants snapshots all members in join order.
func (r *Room) Occupants() []Occupant {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Occupant, 0, len(r.occupants))
	for _, o := range r.occupants {
		out = append(out, *o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].JoinOrder < out[j].JoinOrder })
	return out
}

// OccupantCount returns the number of members excluding ourselves.
func (r *Room) OccupantCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.occupants)
}

// SetPresenceExtension replaces any extension sharing the element name
// and re-broadcasts our presence.
func (r *Room) SetPresenceExtension(ctx context.Context, ext xmpp.PresenceExtension) error {
	return r.ModifyPresence(ctx, func(e xmpp.PresenceExtension) bool {
		return e.Name.Local == ext.Name.Local
	}, []xmpp.PresenceExtension{ext})
}

// ModifyPresence applies one atomic edit to our advertised extensions
// and re-broadcasts.
func (r *Room) ModifyPresence(ctx context.Context, remove func(xmpp.PresenceExtension) bool, add []xmpp.PresenceExtension) error {
	r.mu.Lock()
	kept := r.ownExts[:0]
	for _, e := range r.ownExts {
		if remove == nil || !remove(e) {
			kept = append(kept, e)
		}
	}
	r.ownExts = append(kept, add...)
	joined := r.joined
	exts := make([]xmpp.PresenceExtension, len(r.ownExts))
	copy(exts, r.ownExts)
	r.mu.Unlock()

	if !joined {
		return nil
	}
	p := &xmpp.Presence{To: r.name.WithResource(r.nick).String(), Extensions: exts}
	return r.sender.SendPresence(ctx, p)
}

// HandlePresence ingests one presence stanza addressed to this room and
// fires the resulting occupant event.
func (r *Room) HandlePresence(p *xmpp.Presence) {
	from, err := types.ParseRoomName(p.From)
	if err != nil || from.Bare() != r.name.Bare() {
		return
	}
	id := types.EndpointID(from.Resource)
	if id == "" {
		return
	}

	if string(id) == r.nick || p.HasStatus(xmpp.StatusSelfPresence) {
		r.handleOwnPresence(p)
		return
	}
	if p.Type == "unavailable" {
		r.handleLeave(id, p)
		return
	}
	r.handleAvailable(id, from, p)
}

func (r *Room) handleOwnPresence(p *xmpp.Presence) {
	if p.Type == "unavailable" {
		r.mu.Lock()
		destroyed := r.destroyed
		r.joined = false
		r.destroyed = true
		obs := r.observer
		r.mu.Unlock()
		if !destroyed && obs != nil {
			obs.RoomDestroyed("room closed")
		}
		return
	}
	r.mu.Lock()
	already := r.joined
	r.joined = true
	r.mu.Unlock()
	if !already {
		close(r.joinedCh)
		logging.Info(context.Background(), "Joined room",
			zap.String(string(logging.RoomKey), r.name.Bare().String()))
	}
}

func (r *Room) handleAvailable(id types.EndpointID, from types.RoomName, p *xmpp.Presence) {
	role := roleFromItem(p.Item)

	r.mu.Lock()
	existing, known := r.occupants[id]
	var snapshot Occupant
	var previousRole types.RoleType
	if !known {
		r.joinSeq++
		o := &Occupant{
			ID:         id,
			Address:    from,
			Role:       role,
			JoinOrder:  r.joinSeq,
			Extensions: p.Extensions,
		}
		if p.Item != nil {
			o.RealJID = p.Item.JID
		}
		r.occupants[id] = o
		snapshot = *o
	} else {
		previousRole = existing.Role
		existing.Role = role
		existing.Extensions = p.Extensions
		if p.Item != nil && p.Item.JID != "" {
			existing.RealJID = p.Item.JID
		}
		snapshot = *existing
	}
	obs := r.observer
	r.mu.Unlock()

	if obs == nil {
		return
	}
	switch {
	case !known:
		obs.OccupantJoined(snapshot)
	case previousRole != role:
		obs.RoleChanged(snapshot, previousRole)
		obs.PresenceUpdated(snapshot)
	default:
		obs.PresenceUpdated(snapshot)
	}
}

func (r *Room) handleLeave(id types.EndpointID, p *xmpp.Presence) {
	r.mu.Lock()
	existing, known := r.occupants[id]
	var snapshot Occupant
	if known {
		snapshot = *existing
		delete(r.occupants, id)
	}
	obs := r.observer
	r.mu.Unlock()

	if known && obs != nil {
		obs.OccupantLeft(snapshot, p.HasStatus(xmpp.StatusKicked))
	}
}

func roleFromItem(item *xmpp.MUCItem) types.RoleType {
	if item == nil {
		return types.RoleGuest
	}
	switch item.Role {
	case "moderator":
		if item.Affiliation == "owner" || item.Affiliation == "admin" {
			return types.RoleAdministrator
		}
		return types.RoleModerator
	case "participant", "visitor":
		return types.RoleGuest
	default:
		return types.RoleUnknown
	}
}
