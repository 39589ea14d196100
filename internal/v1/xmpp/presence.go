package xmpp

import (
	"bytes"
	"encoding/xml"
	"strings"
)

// MUC namespaces used on presence stanzas.
const (
	NSMUC     = "http://jabber.org/protocol/muc"
	NSMUCUser = "http://jabber.org/protocol/muc#user"
)

// MUC status codes the focus cares about.
const (
	// StatusSelfPresence marks the presence that confirms our own join.
	StatusSelfPresence = 110
	// StatusKicked marks an unavailable presence caused by a kick.
	StatusKicked = 307
)

// Presence is a MUC presence stanza. Children other than the muc#user
// item are kept verbatim as extensions so callers can inspect
// application-defined blobs without this package knowing their schema.
type Presence struct {
	From string
	To   string
	// Type is empty for available, "unavailable" for leave.
	Type string

	Item       *MUCItem
	StatusCode []int
	Extensions []PresenceExtension
}

// MUCItem is the muc#user occupant descriptor.
type MUCItem struct {
	Affiliation string
	Role        string
	JID         string
}

// PresenceExtension is one child element of a presence, kept as raw XML.
type PresenceExtension struct {
	Name  xml.Name
	Attr  []xml.Attr
	Inner string
}

// AttrValue returns the named attribute's value, or "".
func (e PresenceExtension) AttrValue(local string) string {
	for _, a := range e.Attr {
		if a.Name.Local == local {
			return a.Value
		}
	}
	return ""
}

// TextExtension builds an extension holding plain character data.
func TextExtension(local, text string) PresenceExtension {
	return PresenceExtension{Name: xml.Name{Local: local}, Inner: escapeText(text)}
}

func escapeText(s string) string {
	var buf bytes.Buffer
	_ = xml.EscapeText(&buf, []byte(s))
	return buf.String()
}

// HasStatus reports whether the presence carries the given status code.
func (p *Presence) HasStatus(code int) bool {
	for _, c := range p.StatusCode {
		if c == code {
			return true
		}
	}
	return false
}

// Extension returns the first extension whose local name matches.
func (p *Presence) Extension(local string) (PresenceExtension, bool) {
	for _, e := range p.Extensions {
		if e.Name.Local == local {
			return e, true
		}
	}
	return PresenceExtension{}, false
}

type presenceItemXML struct {
	Affiliation string `xml:"affiliation,attr,omitempty"`
	Role        string `xml:"role,attr,omitempty"`
	JID         string `xml:"jid,attr,omitempty"`
}

type presenceStatusXML struct {
	Code int `xml:"code,attr"`
}

type presenceMUCUserXML struct {
	XMLName xml.Name            `xml:"http://jabber.org/protocol/muc#user x"`
	Item    *presenceItemXML    `xml:"item,omitempty"`
	Status  []presenceStatusXML `xml:"status,omitempty"`
}

// MarshalXML writes the presence with its muc#user child and raw
// extensions.
func (p *Presence) MarshalXML(e *xml.Encoder, _ xml.StartElement) error {
	start := xml.StartElement{Name: xml.Name{Local: "presence"}}
	if p.From != "" {
		start.Attr = append(start.Attr, xml.Attr{Name: xml.Name{Local: "from"}, Value: p.From})
	}
	if p.To != "" {
		start.Attr = append(start.Attr, xml.Attr{Name: xml.Name{Local: "to"}, Value: p.To})
	}
	if p.Type != "" {
		start.Attr = append(start.Attr, xml.Attr{Name: xml.Name{Local: "type"}, Value: p.Type})
	}
	if err := e.EncodeToken(start); err != nil {
		return err
	}
	if p.Item != nil || len(p.StatusCode) > 0 {
		x := presenceMUCUserXML{}
		if p.Item != nil {
			x.Item = &presenceItemXML{Affiliation: p.Item.Affiliation, Role: p.Item.Role, JID: p.Item.JID}
		}
		for _, c := range p.StatusCode {
			x.Status = append(x.Status, presenceStatusXML{Code: c})
		}
		if err := e.Encode(x); err != nil {
			return err
		}
	}
	for _, ext := range p.Extensions {
		if err := encodePresenceExtension(e, ext); err != nil {
			return err
		}
	}
	return e.EncodeToken(start.End())
}

func encodePresenceExtension(e *xml.Encoder, ext PresenceExtension) error {
	start := xml.StartElement{Name: ext.Name, Attr: ext.Attr}
	if err := e.EncodeToken(start); err != nil {
		return err
	}
	if ext.Inner != "" {
		if err := encodeRaw(e, ext.Inner); err != nil {
			return err
		}
	}
	return e.EncodeToken(start.End())
}

// UnmarshalXML parses a presence, splitting the muc#user child from the
// remaining extensions.
func (p *Presence) UnmarshalXML(d *xml.Decoder, start xml.StartElement) error {
	for _, a := range start.Attr {
		switch a.Name.Local {
		case "from":
			p.From = a.Value
		case "to":
			p.To = a.Value
		case "type":
			p.Type = a.Value
		}
	}
	for {
		tok, err := d.Token()
		if err != nil {
			return err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name.Space == NSMUCUser && t.Name.Local == "x" {
				var x presenceMUCUserXML
				if err := d.DecodeElement(&x, &t); err != nil {
					return err
				}
				if x.Item != nil {
					p.Item = &MUCItem{Affiliation: x.Item.Affiliation, Role: x.Item.Role, JID: x.Item.JID}
				}
				for _, s := range x.Status {
					p.StatusCode = append(p.StatusCode, s.Code)
				}
				continue
			}
			ext, err := decodePresenceExtension(d, t)
			if err != nil {
				return err
			}
			p.Extensions = append(p.Extensions, ext)
		case xml.EndElement:
			return nil
		}
	}
}

func decodePresenceExtension(d *xml.Decoder, start xml.StartElement) (PresenceExtension, error) {
	var buf bytes.Buffer
	enc := xml.NewEncoder(&buf)
	depth := 1
	for depth > 0 {
		tok, err := d.Token()
		if err != nil {
			return PresenceExtension{}, err
		}
		switch tok.(type) {
		case xml.StartElement:
			depth++
		case xml.EndElement:
			depth--
		}
		if depth > 0 {
			if err := enc.EncodeToken(xml.CopyToken(tok)); err != nil {
				return PresenceExtension{}, err
			}
		}
	}
	if err := enc.Flush(); err != nil {
		return PresenceExtension{}, err
	}
	attrs := make([]xml.Attr, 0, len(start.Attr))
	for _, a := range start.Attr {
		if a.Name.Space == "xmlns" || a.Name.Local == "xmlns" {
			continue
		}
		attrs = append(attrs, a)
	}
	if len(attrs) == 0 {
		attrs = nil
	}
	return PresenceExtension{Name: start.Name, Attr: attrs, Inner: strings.TrimSpace(buf.String())}, nil
}

// ParsePresence decodes one presence stanza.
func ParsePresence(data []byte) (*Presence, error) {
	var p Presence
	if err := xml.Unmarshal(data, &p); err != nil {
		return nil, err
	}
	return &p, nil
}
