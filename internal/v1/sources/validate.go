package sources

import (
	"fmt"

	"github.com/colloq/focus/internal/v1/types"
)

// Validation tags, surfaced to clients in the error extension.
const (
	TagDuplicateSource    = "duplicate-source"
	TagSSRCConflict       = "ssrc-conflict"
	TagGroupMemberMissing = "group-member-missing"
	TagGroupArity         = "group-arity"
	TagUnsupportedGroup   = "unsupported-group"
	TagQuotaExceeded      = "quota-exceeded"
	TagInvalidOwner       = "invalid-owner"
)

// ValidationError rejects a candidate source mutation.
type ValidationError struct {
	Tag  string
	SSRC uint32
	Msg  string
}

func (e *ValidationError) Error() string {
	if e.SSRC != 0 {
		return fmt.Sprintf("%s (ssrc %d): %s", e.Tag, e.SSRC, e.Msg)
	}
	return fmt.Sprintf("%s: %s", e.Tag, e.Msg)
}

// Stanza renders the rejection as a bad-request wire error tagged with
// the validation tag.
func (e *ValidationError) Stanza() *types.StanzaError {
	return &types.StanzaError{Kind: types.KindBadRequest, Text: e.Msg, Extension: e.Tag}
}

// Limits caps how many sources one owner may advertise per media kind.
type Limits struct {
	MaxAudio int
	MaxVideo int
}

// DefaultLimits mirror the per-endpoint caps a selective-forwarding
// deployment tolerates (video allows simulcast + rtx fan-out).
var DefaultLimits = Limits{MaxAudio: 50, MaxVideo: 320}

// Validate checks candidate additions by owner against the owner's
// current set and the whole conference map. On success it returns the
// accepted set, with owner attribution filled in; on failure it returns
// a *ValidationError and admits nothing.
//
// Owner inference: a source arriving without an owner tag is attributed
// to owner if any of its group peers already belongs to owner; otherwise
// it is rejected.
func Validate(owner string, candidate Set, existing ConferenceMap, limits Limits) (Set, error) {
	if owner == "" {
		return Set{}, &ValidationError{Tag: TagInvalidOwner, Msg: "no owner for candidate sources"}
	}
	if limits.MaxAudio == 0 && limits.MaxVideo == 0 {
		limits = DefaultLimits
	}
	current := existing[owner]

	accepted := Set{}
	seen := make(map[uint32]bool)
	for _, src := range candidate.Sources {
		if src.SSRC == 0 {
			return Set{}, &ValidationError{Tag: TagSSRCConflict, Msg: "source id 0 is not allocatable"}
		}
		if seen[src.SSRC] || current.Contains(src.SSRC) {
			return Set{}, &ValidationError{
				Tag: TagDuplicateSource, SSRC: src.SSRC,
				Msg: fmt.Sprintf("source %d already advertised by %s", src.SSRC, owner),
			}
		}
		seen[src.SSRC] = true
		if holder, ok := existing.HasSSRC(src.SSRC); ok && holder != owner {
			return Set{}, &ValidationError{
				Tag: TagSSRCConflict, SSRC: src.SSRC,
				Msg: fmt.Sprintf("source %d already owned by %s", src.SSRC, holder),
			}
		}
		if src.Injected {
			// An injected source is synthesized by the focus and never
			// attributed to a participant.
			if src.Owner != "" {
				return Set{}, &ValidationError{
					Tag: TagInvalidOwner, SSRC: src.SSRC,
					Msg: "injected source must not carry an owner",
				}
			}
		} else {
			switch src.Owner {
			case owner:
			case "":
				// Untagged source: attribute it only if a group peer is
				// already known to belong to this owner.
				if !inferOwner(src.SSRC, candidate, current.Add(accepted)) {
					return Set{}, &ValidationError{
						Tag: TagInvalidOwner, SSRC: src.SSRC,
						Msg: "cannot attribute source to an owner",
					}
				}
				src.Owner = owner
			default:
				return Set{}, &ValidationError{
					Tag: TagInvalidOwner, SSRC: src.SSRC,
					Msg: fmt.Sprintf("source claims owner %s", src.Owner),
				}
			}
		}
		accepted.Sources = append(accepted.Sources, src)
	}

	merged := current.Add(accepted)
	for _, g := range candidate.Groups {
		if err := checkGroup(g, merged); err != nil {
			return Set{}, err
		}
		accepted.Groups = append(accepted.Groups, g)
	}

	after := current.Add(accepted)
	if n := after.MediaCount(types.MediaAudio); n > limits.MaxAudio {
		return Set{}, &ValidationError{
			Tag: TagQuotaExceeded,
			Msg: fmt.Sprintf("%d audio sources exceeds cap of %d", n, limits.MaxAudio),
		}
	}
	if n := after.MediaCount(types.MediaVideo); n > limits.MaxVideo {
		return Set{}, &ValidationError{
			Tag: TagQuotaExceeded,
			Msg: fmt.Sprintf("%d video sources exceeds cap of %d", n, limits.MaxVideo),
		}
	}

	return accepted.normalize(), nil
}

func checkGroup(g Group, owned Set) error {
	switch g.Semantics {
	case SemanticsFID, SemanticsFEC:
		if len(g.SSRCs) != 2 {
			return &ValidationError{
				Tag: TagGroupArity,
				Msg: fmt.Sprintf("%s group must have exactly 2 members, got %d", g.Semantics, len(g.SSRCs)),
			}
		}
	case SemanticsSIM:
		if len(g.SSRCs) < 2 {
			return &ValidationError{
				Tag: TagGroupArity,
				Msg: fmt.Sprintf("SIM group must have at least 2 members, got %d", len(g.SSRCs)),
			}
		}
	default:
		return &ValidationError{
			Tag: TagUnsupportedGroup,
			Msg: fmt.Sprintf("unsupported group semantics %q", g.Semantics),
		}
	}
	for _, ssrc := range g.SSRCs {
		if !owned.Contains(ssrc) {
			return &ValidationError{
				Tag: TagGroupMemberMissing, SSRC: ssrc,
				Msg: fmt.Sprintf("group member %d is not a source of the same owner", ssrc),
			}
		}
	}
	return nil
}

// inferOwner scans the candidate's groups for a peer of ssrc that the
// owner already holds. Linear scan, ascending id tie-break, per the
// deterministic attribution rule.
func inferOwner(ssrc uint32, candidate Set, current Set) bool {
	for _, g := range candidate.Groups {
		member := false
		for _, id := range g.SSRCs {
			if id == ssrc {
				member = true
				break
			}
		}
		if !member {
			continue
		}
		for _, id := range g.SSRCs {
			if id != ssrc && current.Contains(id) {
				return true
			}
		}
	}
	return false
}
