// Package muc adapts chat-room presence into typed occupant events. The
// conference layer consumes these events to drive participant lifecycle;
// it never touches raw presence XML itself.
package muc

import (
	"context"

	"github.com/colloq/focus/internal/v1/types"
	"github.com/colloq/focus/internal/v1/xmpp"
)

// Extension element names carried in occupant presence.
const (
	ExtAudioMuted = "audiomuted"
	ExtVideoMuted = "videomuted"
	ExtRegion     = "jitsi_participant_region"
	ExtStatsID    = "stats-id"
	ExtStartMuted = "startmuted"
	ExtRobot      = "robot"
	ExtSourceInfo = "SourceInfo"
	ExtEtherpad   = "etherpad"
	ExtCodecList  = "jitsi_participant_codecList"
)

// Occupant is a snapshot of one room member.
type Occupant struct {
	// ID is the resource part of the occupant's room address.
	ID types.EndpointID
	// Address is the full room form (room@muc/resource).
	Address types.RoomName
	// RealJID is the occupant's identity outside the room, when the
	// room discloses it.
	RealJID string
	Role    types.RoleType
	// JoinOrder is monotonic within the room.
	JoinOrder  int
	Extensions []xmpp.PresenceExtension
}

// Extension returns the occupant's extension with the given local name.
func (o Occupant) Extension(local string) (xmpp.PresenceExtension, bool) {
	for _, e := range o.Extensions {
		if e.Name.Local == local {
			return e, true
		}
	}
	return xmpp.PresenceExtension{}, false
}

// Region reads the occupant's region tag, if advertised.
func (o Occupant) Region() string {
	e, ok := o.Extension(ExtRegion)
	if !ok {
		return ""
	}
	return e.Inner
}

// StatsID reads the occupant's stats identifier, if advertised.
func (o Occupant) StatsID() string {
	e, ok := o.Extension(ExtStatsID)
	if !ok {
		return ""
	}
	return e.Inner
}

// Observer receives occupant events. Callbacks for one room arrive in
// order on the room's dispatch goroutine; implementations must not block.
type Observer interface {
	OccupantJoined(o Occupant)
	// OccupantLeft fires for both voluntary leaves and kicks.
	OccupantLeft(o Occupant, kicked bool)
	RoleChanged(o Occupant, previous types.RoleType)
	PresenceUpdated(o Occupant)
	RoomDestroyed(reason string)
}

// Sender ships outbound presence to the chat server.
type Sender interface {
	SendPresence(ctx context.Context, p *xmpp.Presence) error
}

// ChatRoom is the contract the conference layer depends on.
type ChatRoom interface {
	SetObserver(o Observer)
	Join(ctx context.Context) error
	Leave(ctx context.Context) error
	Name() types.RoomName
	IsJoined() bool

	Occupant(id types.EndpointID) (Occupant, bool)
	Occupants() []Occupant
	OccupantCount() int

	// SetPresenceExtension replaces any existing extension with the
	// same element name and re-broadcasts presence.
	SetPresenceExtension(ctx context.Context, ext xmpp.PresenceExtension) error
	// ModifyPresence removes every extension matching the predicate,
	// appends the additions, and re-broadcasts in one edit.
	ModifyPresence(ctx context.Context, remove func(xmpp.PresenceExtension) bool, add []xmpp.PresenceExtension) error
}
