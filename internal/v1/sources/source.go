// Package sources holds the conference source topology model: who sends
// which audio and video streams, and how those streams group into
// simulcast or retransmission families. Sets are immutable value types;
// mutation produces a new set.
package sources

import (
	"sort"

	"github.com/colloq/focus/internal/v1/types"
)

// Group semantics tags.
const (
	SemanticsSIM = "SIM"    // simulcast layers
	SemanticsFID = "FID"    // primary/retransmission pair
	SemanticsFEC = "FEC-FR" // forward error correction pair
)

// VideoType values of a video source.
const (
	VideoTypeCamera  = "camera"
	VideoTypeDesktop = "desktop"
)

// Source is one media stream, identified by its 32-bit ssrc.
type Source struct {
	SSRC      uint32
	Media     types.MediaKind
	Owner     string // occupant form of the room name; empty for injected sources
	MSID      string
	VideoType string
	Injected  bool
	// Protocol parameters (cname etc). Nil and empty are equivalent.
	Parameters map[string]string
}

// Group ties member ssrcs together under a semantics tag. Order of
// members is meaningful for SIM (layer order).
type Group struct {
	Semantics string
	SSRCs     []uint32
}

// Set is the source topology of a single owner.
type Set struct {
	Sources []Source
	Groups  []Group
}

// IsEmpty reports whether the set carries neither sources nor groups.
func (s Set) IsEmpty() bool { return len(s.Sources) == 0 && len(s.Groups) == 0 }

// MediaCount returns the number of sources of one media kind.
func (s Set) MediaCount(kind types.MediaKind) int {
	n := 0
	for _, src := range s.Sources {
		if src.Media == kind {
			n++
		}
	}
	return n
}

// Contains reports whether the set has a source with the given ssrc.
func (s Set) Contains(ssrc uint32) bool {
	for _, src := range s.Sources {
		if src.SSRC == ssrc {
			return true
		}
	}
	return false
}

// normalize returns a copy with deterministic ordering: sources by
// ascending ssrc, groups by semantics then first member.
func (s Set) normalize() Set {
	out := Set{
		Sources: append([]Source(nil), s.Sources...),
		Groups:  append([]Group(nil), s.Groups...),
	}
	sort.Slice(out.Sources, func(i, j int) bool { return out.Sources[i].SSRC < out.Sources[j].SSRC })
	sort.Slice(out.Groups, func(i, j int) bool {
		gi, gj := out.Groups[i], out.Groups[j]
		if gi.Semantics != gj.Semantics {
			return gi.Semantics < gj.Semantics
		}
		return firstSSRC(gi) < firstSSRC(gj)
	})
	return out
}

func firstSSRC(g Group) uint32 {
	if len(g.SSRCs) == 0 {
		return 0
	}
	return g.SSRCs[0]
}

func sameGroup(a, b Group) bool {
	if a.Semantics != b.Semantics || len(a.SSRCs) != len(b.SSRCs) {
		return false
	}
	for i := range a.SSRCs {
		if a.SSRCs[i] != b.SSRCs[i] {
			return false
		}
	}
	return true
}

// Add returns the union of the two sets. Duplicate ssrcs keep the
// receiver's entry; the operation commutes for disjoint sets, which is
// the only case Validate admits.
func (s Set) Add(other Set) Set {
	out := Set{
		Sources: append([]Source(nil), s.Sources...),
		Groups:  append([]Group(nil), s.Groups...),
	}
	for _, src := range other.Sources {
		if !out.Contains(src.SSRC) {
			out.Sources = append(out.Sources, src)
		}
	}
	for _, g := range other.Groups {
		dup := false
		for _, have := range out.Groups {
			if sameGroup(have, g) {
				dup = true
				break
			}
		}
		if !dup {
			out.Groups = append(out.Groups, g)
		}
	}
	return out.normalize()
}

// Remove returns the receiver minus other's sources and groups, plus any
// group that lost a member (a group cannot outlive its members).
func (s Set) Remove(other Set) Set {
	removed := make(map[uint32]bool, len(other.Sources))
	for _, src := range other.Sources {
		removed[src.SSRC] = true
	}
	var out Set
	for _, src := range s.Sources {
		if !removed[src.SSRC] {
			out.Sources = append(out.Sources, src)
		}
	}
groups:
	for _, g := range s.Groups {
		for _, og := range other.Groups {
			if sameGroup(g, og) {
				continue groups
			}
		}
		for _, ssrc := range g.SSRCs {
			if removed[ssrc] {
				continue groups
			}
		}
		out.Groups = append(out.Groups, g)
	}
	return out.normalize()
}

// SSRCs lists all source ids in the set, ascending.
func (s Set) SSRCs() []uint32 {
	ids := make([]uint32, 0, len(s.Sources))
	for _, src := range s.Sources {
		ids = append(ids, src.SSRC)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// ConferenceMap maps owner identity (occupant room name, string form) to
// that owner's source set.
type ConferenceMap map[string]Set

// Clone copies the map; the sets themselves are values and safe to share.
func (m ConferenceMap) Clone() ConferenceMap {
	out := make(ConferenceMap, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// HasSSRC reports the owner holding the given ssrc, if any.
func (m ConferenceMap) HasSSRC(ssrc uint32) (string, bool) {
	for owner, set := range m {
		if set.Contains(ssrc) {
			return owner, true
		}
	}
	return "", false
}

// All flattens the map into one set (owners preserved per source), in
// deterministic owner order.
func (m ConferenceMap) All() Set {
	owners := make([]string, 0, len(m))
	for o := range m {
		owners = append(owners, o)
	}
	sort.Strings(owners)
	var out Set
	for _, o := range owners {
		out = out.Add(m[o])
	}
	return out
}
