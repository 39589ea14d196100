package xmpp

import "encoding/xml"

// Mute asks the focus to mute (or unmute) a participant's audio.
// Moderator-gated when the target is another occupant.
type Mute struct {
	XMLName xml.Name `xml:"http://jitsi.org/protocol/focus mute"`
	JID     string   `xml:"jid,attr,omitempty"`
	Actor   string   `xml:"actor,attr,omitempty"`
	Value   string   `xml:",chardata"`
}

// Muted reports the requested mute state.
func (m *Mute) Muted() bool { return m.Value == "true" }

// MuteVideo is the video counterpart of Mute.
type MuteVideo struct {
	XMLName xml.Name `xml:"http://jitsi.org/protocol/focus mute-video"`
	JID     string   `xml:"jid,attr,omitempty"`
	Actor   string   `xml:"actor,attr,omitempty"`
	Value   string   `xml:",chardata"`
}

// Muted reports the requested mute state.
func (m *MuteVideo) Muted() bool { return m.Value == "true" }

// Dial requests an outbound SIP-gateway call into the conference.
type Dial struct {
	XMLName  xml.Name `xml:"http://jitsi.org/protocol/focus dial"`
	To       string   `xml:"to,attr"`
	From     string   `xml:"from,attr,omitempty"`
	RoomName string   `xml:"room,attr,omitempty"`
}

// RoomMetadata updates the opaque room metadata blob.
type RoomMetadata struct {
	XMLName  xml.Name `xml:"http://jitsi.org/protocol/focus room-metadata"`
	RoomName string   `xml:"room,attr,omitempty"`
	JSON     string   `xml:",chardata"`
}

// Login starts an authentication exchange. The focus answers either
// with a session-id (domain-trusted identities) or with the identity
// provider URL the client must visit (external mode).
type Login struct {
	XMLName    xml.Name `xml:"http://jitsi.org/protocol/focus login"`
	MachineUID string   `xml:"machine-uid,attr"`
	Token      string   `xml:"token,attr,omitempty"`
	SessionID  string   `xml:"session-id,attr,omitempty"`
	URL        string   `xml:"url,attr,omitempty"`
}

// Logout invalidates an auth session token.
type Logout struct {
	XMLName   xml.Name `xml:"http://jitsi.org/protocol/focus logout"`
	SessionID string   `xml:"session-id,attr"`
}

// Jibri controls a recording / streaming worker attached to the room.
type Jibri struct {
	XMLName   xml.Name `xml:"http://jitsi.org/protocol/focus jibri"`
	Action    string   `xml:"action,attr"`
	Mode      string   `xml:"recording_mode,attr,omitempty"`
	StreamID  string   `xml:"streamid,attr,omitempty"`
	SessionID string   `xml:"session_id,attr,omitempty"`
}

// Jigasi controls a SIP-gateway worker attached to the room.
type Jigasi struct {
	XMLName xml.Name `xml:"http://jitsi.org/protocol/focus jigasi"`
	Action  string   `xml:"action,attr,omitempty"`
	SIPURI  string   `xml:"sip,attr,omitempty"`
}

// Ping is the liveness probe sent to bridges suspected dead.
type Ping struct {
	XMLName xml.Name `xml:"urn:xmpp:ping ping"`
}

// DiscoInfo is the feature discovery query and its answer. The focus
// sends one per joining participant to learn what the client supports.
type DiscoInfo struct {
	XMLName  xml.Name       `xml:"http://jabber.org/protocol/disco#info query"`
	Features []DiscoFeature `xml:"feature"`
}

// DiscoFeature is one advertised capability.
type DiscoFeature struct {
	XMLName xml.Name `xml:"feature"`
	Var     string   `xml:"var,attr"`
}

// Has reports whether the feature variable was advertised.
func (d *DiscoInfo) Has(v string) bool {
	for _, f := range d.Features {
		if f.Var == v {
			return true
		}
	}
	return false
}
