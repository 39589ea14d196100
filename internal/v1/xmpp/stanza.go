// Package xmpp defines the stanza wire model spoken between the focus,
// its clients, and the media bridges. Stanzas are XML; the structs here
// are plain encoding/xml shapes plus a typed IQ envelope that routes on
// the payload element name.
package xmpp

import (
	"bytes"
	"encoding/xml"
	"fmt"

	"github.com/colloq/focus/internal/v1/types"
)

// Namespaces carried on the wire.
const (
	NSFocus        = "http://jitsi.org/protocol/focus"
	NSJingle       = "urn:xmpp:jingle:1"
	NSJingleRTP    = "urn:xmpp:jingle:apps:rtp:1"
	NSSourceAttach = "urn:xmpp:jingle:apps:rtp:ssma:0"
	NSBridge       = "http://jitsi.org/protocol/colibri"
	NSStanzaError  = "urn:ietf:params:xml:ns:xmpp-stanzas"
)

// IQType is the stanza request/response type attribute.
type IQType string

const (
	IQGet    IQType = "get"
	IQSet    IQType = "set"
	IQResult IQType = "result"
	IQError  IQType = "error"
)

// IQ is the request stanza envelope. Payload holds the single child
// element; for inbound stanzas it is decoded by element name, for
// outbound stanzas it is any of the element structs in this package.
type IQ struct {
	Type    IQType
	ID      string
	From    string
	To      string
	Payload any
	Error   *ErrorEl
}

// PayloadName returns the element name of the stanza payload, which is
// what the router dispatches on.
func (iq *IQ) PayloadName() string {
	switch iq.Payload.(type) {
	case *ConferenceRequest:
		return "conference"
	case *Jingle:
		return "jingle"
	case *Mute:
		return "mute"
	case *MuteVideo:
		return "mute-video"
	case *Dial:
		return "dial"
	case *RoomMetadata:
		return "room-metadata"
	case *Login:
		return "login"
	case *Logout:
		return "logout"
	case *Jibri:
		return "jibri"
	case *Jigasi:
		return "jigasi"
	case *BridgeConference:
		return "bridge-conference"
	default:
		return ""
	}
}

// Result builds the success reply to this IQ.
func (iq *IQ) Result(payload any) *IQ {
	return &IQ{Type: IQResult, ID: iq.ID, From: iq.To, To: iq.From, Payload: payload}
}

// ErrorReply builds the error reply to this IQ from a stanza error.
func (iq *IQ) ErrorReply(err error) *IQ {
	return &IQ{Type: IQError, ID: iq.ID, From: iq.To, To: iq.From, Error: ErrorElFrom(err)}
}

// MarshalXML renders the envelope and its payload.
func (iq *IQ) MarshalXML(e *xml.Encoder, _ xml.StartElement) error {
	start := xml.StartElement{Name: xml.Name{Local: "iq"}}
	start.Attr = append(start.Attr, xml.Attr{Name: xml.Name{Local: "type"}, Value: string(iq.Type)})
	if iq.ID != "" {
		start.Attr = append(start.Attr, xml.Attr{Name: xml.Name{Local: "id"}, Value: iq.ID})
	}
	if iq.From != "" {
		start.Attr = append(start.Attr, xml.Attr{Name: xml.Name{Local: "from"}, Value: iq.From})
	}
	if iq.To != "" {
		start.Attr = append(start.Attr, xml.Attr{Name: xml.Name{Local: "to"}, Value: iq.To})
	}
	if err := e.EncodeToken(start); err != nil {
		return err
	}
	if iq.Payload != nil {
		if err := e.Encode(iq.Payload); err != nil {
			return err
		}
	}
	if iq.Error != nil {
		if err := e.Encode(iq.Error); err != nil {
			return err
		}
	}
	return e.EncodeToken(start.End())
}

// UnmarshalXML decodes the envelope and routes the first child element
// to its typed struct. Unknown children are skipped rather than failed:
// receivers must tolerate extensions they do not understand.
func (iq *IQ) UnmarshalXML(d *xml.Decoder, start xml.StartElement) error {
	for _, a := range start.Attr {
		switch a.Name.Local {
		case "type":
			iq.Type = IQType(a.Value)
		case "id":
			iq.ID = a.Value
		case "from":
			iq.From = a.Value
		case "to":
			iq.To = a.Value
		}
	}
	for {
		tok, err := d.Token()
		if err != nil {
			return err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			payload, err := decodePayload(d, t)
			if err != nil {
				return err
			}
			if el, ok := payload.(*ErrorEl); ok {
				iq.Error = el
			} else if payload != nil {
				iq.Payload = payload
			}
		case xml.EndElement:
			return nil
		}
	}
}

func decodePayload(d *xml.Decoder, start xml.StartElement) (any, error) {
	var into any
	switch start.Name.Local {
	case "conference":
		if start.Name.Space == NSBridge {
			into = &BridgeConference{}
		} else {
			into = &ConferenceRequest{}
		}
	case "jingle":
		into = &Jingle{}
	case "mute":
		into = &Mute{}
	case "mute-video":
		into = &MuteVideo{}
	case "dial":
		into = &Dial{}
	case "room-metadata":
		into = &RoomMetadata{}
	case "login":
		into = &Login{}
	case "logout":
		into = &Logout{}
	case "jibri":
		into = &Jibri{}
	case "jigasi":
		into = &Jigasi{}
	case "query":
		if start.Name.Space != "http://jabber.org/protocol/disco#info" {
			return nil, d.Skip()
		}
		into = &DiscoInfo{}
	case "error":
		into = &ErrorEl{}
	default:
		return nil, d.Skip()
	}
	if err := d.DecodeElement(into, &start); err != nil {
		return nil, err
	}
	return into, nil
}

// Marshal renders a stanza to bytes.
func Marshal(iq *IQ) ([]byte, error) {
	var buf bytes.Buffer
	if err := xml.NewEncoder(&buf).Encode(iq); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Unmarshal parses a stanza from bytes.
func Unmarshal(data []byte) (*IQ, error) {
	var iq IQ
	if err := xml.Unmarshal(data, &iq); err != nil {
		return nil, fmt.Errorf("malformed stanza: %w", err)
	}
	return &iq, nil
}

// --- error element ---

// ErrorEl is the wire error with its defined condition, optional human
// text and optional application extension.
type ErrorEl struct {
	XMLName   xml.Name `xml:"error"`
	Type      string   `xml:"type,attr,omitempty"`
	Condition string   `xml:"-"`
	Text      string   `xml:"text,omitempty"`
	// Extension tags, mutually exclusive in practice.
	SessionInvalid   *SessionInvalid   `xml:"session-invalid,omitempty"`
	ReservationError *ReservationError `xml:"reservation-error,omitempty"`
	ValidationTag    string            `xml:"validation,omitempty"`
}

// SessionInvalid marks an unknown or expired auth session token.
type SessionInvalid struct {
	XMLName xml.Name `xml:"session-invalid"`
}

// ReservationError carries an HTTP-style code from the reservation
// backend.
type ReservationError struct {
	XMLName xml.Name `xml:"reservation-error"`
	Code    int      `xml:"error-code,attr"`
}

type conditionEl struct {
	XMLName xml.Name
}

// MarshalXML writes the condition as a namespaced child element, the way
// stanza errors are encoded on the wire.
func (el *ErrorEl) MarshalXML(e *xml.Encoder, _ xml.StartElement) error {
	start := xml.StartElement{Name: xml.Name{Local: "error"}}
	if el.Type != "" {
		start.Attr = append(start.Attr, xml.Attr{Name: xml.Name{Local: "type"}, Value: el.Type})
	}
	if err := e.EncodeToken(start); err != nil {
		return err
	}
	if el.Condition != "" {
		cond := xml.StartElement{
			Name: xml.Name{Local: el.Condition},
			Attr: []xml.Attr{{Name: xml.Name{Local: "xmlns"}, Value: NSStanzaError}},
		}
		if err := e.EncodeToken(cond); err != nil {
			return err
		}
		if err := e.EncodeToken(cond.End()); err != nil {
			return err
		}
	}
	if el.Text != "" {
		if err := e.EncodeElement(el.Text, xml.StartElement{Name: xml.Name{Local: "text"}}); err != nil {
			return err
		}
	}
	if el.SessionInvalid != nil {
		if err := e.Encode(el.SessionInvalid); err != nil {
			return err
		}
	}
	if el.ReservationError != nil {
		if err := e.Encode(el.ReservationError); err != nil {
			return err
		}
	}
	if el.ValidationTag != "" {
		if err := e.EncodeElement(el.ValidationTag, xml.StartElement{Name: xml.Name{Local: "validation"}}); err != nil {
			return err
		}
	}
	return e.EncodeToken(start.End())
}

// UnmarshalXML reads attributes and children, treating any element in the
// stanza-error namespace as the condition.
func (el *ErrorEl) UnmarshalXML(d *xml.Decoder, start xml.StartElement) error {
	for _, a := range start.Attr {
		if a.Name.Local == "type" {
			el.Type = a.Value
		}
	}
	for {
		tok, err := d.Token()
		if err != nil {
			return err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "text":
				var s string
				if err := d.DecodeElement(&s, &t); err != nil {
					return err
				}
				el.Text = s
			case "session-invalid":
				el.SessionInvalid = &SessionInvalid{}
				if err := d.Skip(); err != nil {
					return err
				}
			case "reservation-error":
				re := &ReservationError{}
				if err := d.DecodeElement(re, &t); err != nil {
					return err
				}
				el.ReservationError = re
			case "validation":
				var s string
				if err := d.DecodeElement(&s, &t); err != nil {
					return err
				}
				el.ValidationTag = s
			default:
				if t.Name.Space == NSStanzaError {
					el.Condition = t.Name.Local
				}
				if err := d.Skip(); err != nil {
					return err
				}
			}
		case xml.EndElement:
			return nil
		}
	}
}

// ErrorElFrom converts an error into its wire element. StanzaError kinds
// map straight onto conditions; anything else is internal-server-error.
func ErrorElFrom(err error) *ErrorEl {
	se, ok := err.(*types.StanzaError)
	if !ok {
		return &ErrorEl{Type: "cancel", Condition: string(types.KindInternalServerError), Text: err.Error()}
	}
	el := &ErrorEl{Condition: string(se.Kind), Text: se.Text}
	switch se.Kind {
	case types.KindTimeout, types.KindResourceConstraint, types.KindServiceUnavailable:
		el.Type = "wait"
	case types.KindNotAuthorized, types.KindForbidden, types.KindNotAcceptable:
		el.Type = "auth"
	case types.KindBadRequest, types.KindItemNotFound, types.KindConflict:
		el.Type = "modify"
	default:
		el.Type = "cancel"
	}
	switch se.Extension {
	case "session-invalid":
		// session-invalid is signalled through its extension tag on a
		// not-acceptable condition, matching what clients key on.
		el.SessionInvalid = &SessionInvalid{}
	case "reservation-error":
		el.ReservationError = &ReservationError{Code: se.Code}
	case "":
	default:
		el.ValidationTag = se.Extension
	}
	return el
}

// StanzaErrorFrom converts a received wire error back into the typed
// form, for callers that branch on kinds.
func StanzaErrorFrom(el *ErrorEl) *types.StanzaError {
	if el == nil {
		return nil
	}
	se := &types.StanzaError{Kind: types.ErrorKind(el.Condition), Text: el.Text}
	switch {
	case el.SessionInvalid != nil:
		se.Extension = "session-invalid"
	case el.ReservationError != nil:
		se.Extension = "reservation-error"
		se.Code = el.ReservationError.Code
	case el.ValidationTag != "":
		se.Extension = el.ValidationTag
	}
	return se
}
