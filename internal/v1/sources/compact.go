package sources

import (
	"encoding/json"
	"sort"

	"github.com/colloq/focus/internal/v1/types"
)

// Compact JSON encoding of the conference topology, used instead of the
// content tree when both peers advertise the capability.

type compactSource struct {
	SSRC      uint32            `json:"ssrc"`
	Media     string            `json:"media"`
	MSID      string            `json:"msid,omitempty"`
	VideoType string            `json:"videoType,omitempty"`
	Injected  bool              `json:"injected,omitempty"`
	Params    map[string]string `json:"params,omitempty"`
}

type compactGroup struct {
	Semantics string   `json:"sem"`
	SSRCs     []uint32 `json:"ssrcs"`
}

type compactSet struct {
	Sources []compactSource `json:"sources,omitempty"`
	Groups  []compactGroup  `json:"groups,omitempty"`
}

type compactEnvelope struct {
	Sources map[string]compactSet `json:"sources"`
}

// CompactJSON emits the owner-keyed compact form of the map. Output is
// deterministic: owners sorted, sets normalized.
func CompactJSON(m ConferenceMap) (string, error) {
	env := compactEnvelope{Sources: make(map[string]compactSet, len(m))}
	owners := make([]string, 0, len(m))
	for o := range m {
		owners = append(owners, o)
	}
	sort.Strings(owners)
	for _, owner := range owners {
		set := m[owner].normalize()
		var cs compactSet
		for _, src := range set.Sources {
			cs.Sources = append(cs.Sources, compactSource{
				SSRC:      src.SSRC,
				Media:     string(src.Media),
				MSID:      src.MSID,
				VideoType: src.VideoType,
				Injected:  src.Injected,
				Params:    src.Parameters,
			})
		}
		for _, g := range set.Groups {
			cs.Groups = append(cs.Groups, compactGroup{Semantics: g.Semantics, SSRCs: g.SSRCs})
		}
		env.Sources[owner] = cs
	}
	data, err := json.Marshal(env)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// ParseCompactJSON reads the compact form back into a conference map.
// Owner attribution comes from the envelope keys.
func ParseCompactJSON(data string) (ConferenceMap, error) {
	var env compactEnvelope
	if err := json.Unmarshal([]byte(data), &env); err != nil {
		return nil, err
	}
	out := make(ConferenceMap, len(env.Sources))
	for owner, cs := range env.Sources {
		var set Set
		for _, src := range cs.Sources {
			s := Source{
				SSRC:      src.SSRC,
				Media:     types.MediaKind(src.Media),
				MSID:      src.MSID,
				VideoType: src.VideoType,
				Injected:  src.Injected,
				Parameters: func() map[string]string {
					if len(src.Params) == 0 {
						return nil
					}
					return src.Params
				}(),
			}
			if !s.Injected {
				s.Owner = owner
			}
			set.Sources = append(set.Sources, s)
		}
		for _, g := range cs.Groups {
			set.Groups = append(set.Groups, Group{Semantics: g.Semantics, SSRCs: g.SSRCs})
		}
		out[owner] = set.normalize()
	}
	return out, nil
}
