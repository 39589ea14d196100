package xmpp

import (
	"bytes"
	"encoding/xml"
	"io"
)

// JingleAction enumerates the signaling verbs the focus exchanges with a
// participant.
type JingleAction string

const (
	ActionSessionInitiate  JingleAction = "session-initiate"
	ActionSessionAccept    JingleAction = "session-accept"
	ActionSessionTerminate JingleAction = "session-terminate"
	ActionTransportReplace JingleAction = "transport-replace"
	ActionTransportInfo    JingleAction = "transport-info"
	ActionSourceAdd        JingleAction = "source-add"
	ActionSourceRemove     JingleAction = "source-remove"
)

// Jingle is the signaling payload element. SID identifies the session;
// every action for one participant carries the same SID.
type Jingle struct {
	XMLName     xml.Name     `xml:"urn:xmpp:jingle:1 jingle"`
	Action      JingleAction `xml:"action,attr"`
	SID         string       `xml:"sid,attr"`
	Initiator   string       `xml:"initiator,attr,omitempty"`
	Responder   string       `xml:"responder,attr,omitempty"`
	Contents    []Content    `xml:"content"`
	JSONSources string       `xml:"json-sources,omitempty"`
	Reason      *Reason      `xml:"reason,omitempty"`
}

// Content is one negotiated media (or data) section.
type Content struct {
	XMLName     xml.Name     `xml:"content"`
	Name        string       `xml:"name,attr"`
	Creator     string       `xml:"creator,attr,omitempty"`
	Senders     string       `xml:"senders,attr,omitempty"`
	Description *Description `xml:"description,omitempty"`
	Transport   *Transport   `xml:"transport,omitempty"`
}

// Description carries the RTP payload catalogue plus the advertised
// sources and groups for one media kind.
type Description struct {
	XMLName      xml.Name      `xml:"urn:xmpp:jingle:apps:rtp:1 description"`
	Media        string        `xml:"media,attr"`
	PayloadTypes []PayloadType `xml:"payload-type"`
	HdrExts      []HdrExt      `xml:"rtp-hdrext"`
	Sources      []SourceEl    `xml:"source"`
	Groups       []GroupEl     `xml:"ssrc-group"`
}

// PayloadType is one codec entry with its parameters and rtcp feedback.
type PayloadType struct {
	XMLName    xml.Name    `xml:"payload-type"`
	ID         int         `xml:"id,attr"`
	Name       string      `xml:"name,attr"`
	ClockRate  int         `xml:"clockrate,attr,omitempty"`
	Channels   int         `xml:"channels,attr,omitempty"`
	Parameters []Parameter `xml:"parameter"`
	Feedback   []RtcpFb    `xml:"rtcp-fb"`
}

// Parameter is a codec or source protocol parameter.
type Parameter struct {
	XMLName xml.Name `xml:"parameter"`
	Name    string   `xml:"name,attr"`
	Value   string   `xml:"value,attr"`
}

// RtcpFb is one rtcp-feedback entry of a video codec.
type RtcpFb struct {
	XMLName xml.Name `xml:"rtcp-fb"`
	Type    string   `xml:"type,attr"`
	Subtype string   `xml:"subtype,attr,omitempty"`
}

// HdrExt is one negotiated RTP header extension.
type HdrExt struct {
	XMLName xml.Name `xml:"rtp-hdrext"`
	ID      int      `xml:"id,attr"`
	URI     string   `xml:"uri,attr"`
}

// SourceEl is one media source on the wire.
type SourceEl struct {
	XMLName    xml.Name    `xml:"urn:xmpp:jingle:apps:rtp:ssma:0 source"`
	SSRC       uint32      `xml:"ssrc,attr"`
	Name       string      `xml:"name,attr,omitempty"`
	VideoType  string      `xml:"videoType,attr,omitempty"`
	Injected   bool        `xml:"injected,attr,omitempty"`
	Owner      string      `xml:"owner,attr,omitempty"`
	MSID       string      `xml:"msid,attr,omitempty"`
	Parameters []Parameter `xml:"parameter"`
}

// GroupEl ties sources together with a semantics tag (SIM, FID, FEC-FR).
type GroupEl struct {
	XMLName   xml.Name    `xml:"urn:xmpp:jingle:apps:rtp:ssma:0 ssrc-group"`
	Semantics string      `xml:"semantics,attr"`
	Sources   []SourceRef `xml:"source"`
}

// SourceRef references a source id from inside a group.
type SourceRef struct {
	XMLName xml.Name `xml:"source"`
	SSRC    uint32   `xml:"ssrc,attr"`
}

// Transport is the ICE/DTLS transport description. The focus treats the
// candidate list as opaque; only ufrag/pwd and the fingerprint are read.
type Transport struct {
	XMLName     xml.Name     `xml:"transport"`
	UFrag       string       `xml:"ufrag,attr,omitempty"`
	Pwd         string       `xml:"pwd,attr,omitempty"`
	Fingerprint *Fingerprint `xml:"fingerprint,omitempty"`
	Raw         string       `xml:",innerxml"`
}

// MarshalXML prefers the raw inner XML when present so that a relayed
// transport is forwarded byte-for-byte instead of being re-synthesized
// (which would duplicate the parsed fingerprint).
func (tr *Transport) MarshalXML(e *xml.Encoder, _ xml.StartElement) error {
	start := xml.StartElement{Name: xml.Name{Local: "transport"}}
	if tr.UFrag != "" {
		start.Attr = append(start.Attr, xml.Attr{Name: xml.Name{Local: "ufrag"}, Value: tr.UFrag})
	}
	if tr.Pwd != "" {
		start.Attr = append(start.Attr, xml.Attr{Name: xml.Name{Local: "pwd"}, Value: tr.Pwd})
	}
	if err := e.EncodeToken(start); err != nil {
		return err
	}
	if tr.Raw != "" {
		if err := encodeRaw(e, tr.Raw); err != nil {
			return err
		}
	} else if tr.Fingerprint != nil {
		if err := e.Encode(tr.Fingerprint); err != nil {
			return err
		}
	}
	return e.EncodeToken(start.End())
}

func encodeRaw(e *xml.Encoder, raw string) error {
	d := xml.NewDecoder(bytes.NewReader([]byte(raw)))
	for {
		tok, err := d.Token()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if err := e.EncodeToken(xml.CopyToken(tok)); err != nil {
			return err
		}
	}
}

// Fingerprint is the DTLS certificate fingerprint.
type Fingerprint struct {
	XMLName xml.Name `xml:"fingerprint"`
	Hash    string   `xml:"hash,attr"`
	Setup   string   `xml:"setup,attr,omitempty"`
	Value   string   `xml:",chardata"`
}

// Reason explains a session-terminate.
type Reason struct {
	XMLName xml.Name `xml:"reason"`
	// Condition is rendered as a child element with that name, e.g.
	// <gone/> or <failed-application/>.
	Condition string `xml:"-"`
	Text      string `xml:"text,omitempty"`
}

// MarshalXML writes the condition as an empty child element.
func (r *Reason) MarshalXML(e *xml.Encoder, _ xml.StartElement) error {
	start := xml.StartElement{Name: xml.Name{Local: "reason"}}
	if err := e.EncodeToken(start); err != nil {
		return err
	}
	if r.Condition != "" {
		c := xml.StartElement{Name: xml.Name{Local: r.Condition}}
		if err := e.EncodeToken(c); err != nil {
			return err
		}
		if err := e.EncodeToken(c.End()); err != nil {
			return err
		}
	}
	if r.Text != "" {
		if err := e.EncodeElement(r.Text, xml.StartElement{Name: xml.Name{Local: "text"}}); err != nil {
			return err
		}
	}
	return e.EncodeToken(start.End())
}

// UnmarshalXML reads the first non-text child as the condition.
func (r *Reason) UnmarshalXML(d *xml.Decoder, _ xml.StartElement) error {
	for {
		tok, err := d.Token()
		if err != nil {
			return err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name.Local == "text" {
				var s string
				if err := d.DecodeElement(&s, &t); err != nil {
					return err
				}
				r.Text = s
				continue
			}
			r.Condition = t.Name.Local
			if err := d.Skip(); err != nil {
				return err
			}
		case xml.EndElement:
			return nil
		}
	}
}
