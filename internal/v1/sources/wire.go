package sources

import (
	"sort"

	"github.com/colloq/focus/internal/v1/types"
	"github.com/colloq/focus/internal/v1/xmpp"
)

// WireContents renders the set as per-media content elements ("audio",
// "video"), sources and groups in stable order. Groups are attached to
// the media of their first member.
func WireContents(s Set) []xmpp.Content {
	s = s.normalize()
	byMedia := map[types.MediaKind]*xmpp.Description{}
	mediaOf := make(map[uint32]types.MediaKind, len(s.Sources))

	desc := func(kind types.MediaKind) *xmpp.Description {
		d, ok := byMedia[kind]
		if !ok {
			d = &xmpp.Description{Media: string(kind)}
			byMedia[kind] = d
		}
		return d
	}

	for _, src := range s.Sources {
		mediaOf[src.SSRC] = src.Media
		el := xmpp.SourceEl{
			SSRC:      src.SSRC,
			Owner:     src.Owner,
			MSID:      src.MSID,
			VideoType: src.VideoType,
			Injected:  src.Injected,
		}
		names := make([]string, 0, len(src.Parameters))
		for name := range src.Parameters {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			el.Parameters = append(el.Parameters, xmpp.Parameter{Name: name, Value: src.Parameters[name]})
		}
		d := desc(src.Media)
		d.Sources = append(d.Sources, el)
	}

	for _, g := range s.Groups {
		kind := types.MediaVideo
		if len(g.SSRCs) > 0 {
			if m, ok := mediaOf[g.SSRCs[0]]; ok {
				kind = m
			}
		}
		el := xmpp.GroupEl{Semantics: g.Semantics}
		for _, ssrc := range g.SSRCs {
			el.Sources = append(el.Sources, xmpp.SourceRef{SSRC: ssrc})
		}
		d := desc(kind)
		d.Groups = append(d.Groups, el)
	}

	kinds := []types.MediaKind{types.MediaAudio, types.MediaVideo}
	var out []xmpp.Content
	for _, kind := range kinds {
		if d, ok := byMedia[kind]; ok {
			out = append(out, xmpp.Content{Name: string(kind), Creator: "initiator", Description: d})
		}
	}
	return out
}

// ParseContents reads a set back out of wire content elements.
func ParseContents(contents []xmpp.Content) Set {
	var out Set
	for _, c := range contents {
		if c.Description == nil {
			continue
		}
		kind := types.MediaKind(c.Description.Media)
		for _, el := range c.Description.Sources {
			src := Source{
				SSRC:      el.SSRC,
				Media:     kind,
				Owner:     el.Owner,
				MSID:      el.MSID,
				VideoType: el.VideoType,
				Injected:  el.Injected,
			}
			if len(el.Parameters) > 0 {
				src.Parameters = make(map[string]string, len(el.Parameters))
				for _, p := range el.Parameters {
					src.Parameters[p.Name] = p.Value
				}
			}
			out.Sources = append(out.Sources, src)
		}
		for _, g := range c.Description.Groups {
			grp := Group{Semantics: g.Semantics}
			for _, ref := range g.Sources {
				grp.SSRCs = append(grp.SSRCs, ref.SSRC)
			}
			out.Groups = append(out.Groups, grp)
		}
	}
	return out.normalize()
}
