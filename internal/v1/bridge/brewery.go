package bridge

import (
	"context"
	"encoding/xml"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/colloq/focus/internal/v1/logging"
	"github.com/colloq/focus/internal/v1/muc"
	"github.com/colloq/focus/internal/v1/types"
)

// statsElement is the presence child bridges publish their load in.
const statsElement = "stats"

// Stat names carried inside the stats element.
const (
	statRegion           = "region"
	statVersion          = "version"
	statStress           = "stress_level"
	statConferences      = "conferences"
	statGracefulShutdown = "graceful_shutdown"
)

// Brewery watches the bridge rendezvous room and keeps the selector's
// registry in sync: each bridge signs into the room and publishes its
// statistics as a presence extension.
type Brewery struct {
	selector *Selector
}

// NewBrewery builds the rendezvous-room observer. Install it with
// SetObserver on the brewery room before joining.
func NewBrewery(selector *Selector) *Brewery {
	return &Brewery{selector: selector}
}

func (b *Brewery) OccupantJoined(o muc.Occupant) {
	addr := bridgeAddress(o)
	b.selector.Add(addr)
	if st, ok := parseStats(o); ok {
		b.selector.ApplyStats(addr, st)
	}
}

func (b *Brewery) OccupantLeft(o muc.Occupant, _ bool) {
	b.selector.Remove(bridgeAddress(o))
}

func (b *Brewery) PresenceUpdated(o muc.Occupant) {
	if st, ok := parseStats(o); ok {
		b.selector.ApplyStats(bridgeAddress(o), st)
	}
}

func (b *Brewery) RoleChanged(muc.Occupant, types.RoleType) {}

func (b *Brewery) RoomDestroyed(reason string) {
	logging.Warn(context.Background(), "Bridge rendezvous room destroyed",
		zap.String("reason", reason))
}

// bridgeAddress prefers the bridge's real identity over its room alias.
func bridgeAddress(o muc.Occupant) string {
	if o.RealJID != "" {
		return o.RealJID
	}
	return o.Address.String()
}

type statXML struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value,attr"`
}

// parseStats extracts the published statistics report, if any.
func parseStats(o muc.Occupant) (Stats, bool) {
	ext, ok := o.Extension(statsElement)
	if !ok {
		return Stats{}, false
	}
	var st Stats
	dec := xml.NewDecoder(strings.NewReader(ext.Inner))
	for {
		tok, err := dec.Token()
		if err != nil {
			break
		}
		start, ok := tok.(xml.StartElement)
		if !ok || start.Name.Local != "stat" {
			continue
		}
		var s statXML
		if err := dec.DecodeElement(&s, &start); err != nil {
			break
		}
		switch s.Name {
		case statRegion:
			st.Region = s.Value
		case statVersion:
			st.Version = s.Value
		case statStress:
			if v, err := strconv.ParseFloat(s.Value, 64); err == nil {
				st.Stress = v
			}
		case statConferences:
			if v, err := strconv.Atoi(s.Value); err == nil {
				st.ConferenceCount = v
			}
		case statGracefulShutdown:
			st.GracefulShutdown = s.Value == "true"
		}
	}
	return st, true
}
