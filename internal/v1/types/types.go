package types

import (
	"errors"
	"fmt"
	"strings"
)

// --- Core Domain Types ---

// RoomName is the structured identity of a conference room. The bare form
// is the room address (local@domain); the full form adds a resource that
// identifies one occupant. Comparisons are by value on the bare form
// unless a resource is explicitly involved.
type RoomName struct {
	Local    string
	Domain   string
	Resource string
}

// ParseRoomName parses "local@domain" or "local@domain/resource".
func ParseRoomName(s string) (RoomName, error) {
	var r RoomName
	rest := s
	if slash := strings.IndexByte(rest, '/'); slash >= 0 {
		r.Resource = rest[slash+1:]
		rest = rest[:slash]
	}
	at := strings.IndexByte(rest, '@')
	if at <= 0 || at == len(rest)-1 {
		return RoomName{}, fmt.Errorf("invalid room name %q", s)
	}
	r.Local = strings.ToLower(rest[:at])
	r.Domain = strings.ToLower(rest[at+1:])
	if r.Local == "" || r.Domain == "" {
		return RoomName{}, fmt.Errorf("invalid room name %q", s)
	}
	return r, nil
}

// Bare returns the room address without any resource part.
func (r RoomName) Bare() RoomName {
	r.Resource = ""
	return r
}

// IsBare reports whether the name carries no resource part.
func (r RoomName) IsBare() bool { return r.Resource == "" }

// WithResource returns the occupant form of the room address.
func (r RoomName) WithResource(resource string) RoomName {
	r.Resource = resource
	return r
}

func (r RoomName) String() string {
	if r.Local == "" && r.Domain == "" {
		return ""
	}
	s := r.Local + "@" + r.Domain
	if r.Resource != "" {
		s += "/" + r.Resource
	}
	return s
}

// EndpointID is the stable per-room identifier of one occupant, i.e. the
// resource part of the occupant's full room name.
type EndpointID string

// MeetingID is an opaque secondary identifier for a conference.
type MeetingID string

// RoleType defines the MUC role of an occupant.
type RoleType string

const (
	RoleGuest         RoleType = "guest"
	RoleModerator     RoleType = "moderator"
	RoleAdministrator RoleType = "administrator"
	RoleUnknown       RoleType = "unknown"
)

// HasModeratorRights reports whether the role may perform moderator-only
// operations (mute others, kick, AV moderation).
func (r RoleType) HasModeratorRights() bool {
	return r == RoleModerator || r == RoleAdministrator
}

// Liveness tracks a participant through its lifetime in the room.
type Liveness string

const (
	LivenessJoining Liveness = "joining"
	LivenessActive  Liveness = "active"
	LivenessLeaving Liveness = "leaving"
	LivenessGone    Liveness = "gone"
)

// MediaKind identifies an audio or video source.
type MediaKind string

const (
	MediaAudio MediaKind = "audio"
	MediaVideo MediaKind = "video"
)

// ErrConferenceTerminated is returned by any mutating operation on a
// conference that has already reached the terminated state.
var ErrConferenceTerminated = errors.New("conference terminated")

// ErrCancelled is returned from blocking waits that were abandoned
// because the owning conference is shutting down.
var ErrCancelled = errors.New("cancelled")
