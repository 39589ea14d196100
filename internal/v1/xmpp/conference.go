package xmpp

import "encoding/xml"

// ConferenceRequest is the `conference` element used by clients to ask
// the focus for a room, and by the focus to answer. The same shape
// carries both the request and the ready/redirect response.
type ConferenceRequest struct {
	XMLName    xml.Name   `xml:"http://jitsi.org/protocol/focus conference"`
	Room       string     `xml:"room,attr"`
	SessionID  string     `xml:"session-id,attr,omitempty"`
	MachineUID string     `xml:"machine-uid,attr,omitempty"`
	VNode      string     `xml:"vnode,attr,omitempty"`
	FocusJID   string     `xml:"focusjid,attr,omitempty"`
	Ready      bool       `xml:"ready,attr,omitempty"`
	Properties []Property `xml:"property"`
}

// Property is an ordered name/value pair of conference configuration.
type Property struct {
	XMLName xml.Name `xml:"property"`
	Name    string   `xml:"name,attr"`
	Value   string   `xml:"value,attr"`
}

// PropertyMap flattens the ordered properties for lookup. Later entries
// win on duplicate names.
func (c *ConferenceRequest) PropertyMap() map[string]string {
	m := make(map[string]string, len(c.Properties))
	for _, p := range c.Properties {
		m[p.Name] = p.Value
	}
	return m
}

// SetProperty appends or replaces a property by name, preserving order
// for existing names.
func (c *ConferenceRequest) SetProperty(name, value string) {
	for i := range c.Properties {
		if c.Properties[i].Name == name {
			c.Properties[i].Value = value
			return
		}
	}
	c.Properties = append(c.Properties, Property{Name: name, Value: value})
}

// Bridge control operations.
const (
	BridgeOpAllocate = "allocate"
	BridgeOpModify   = "modify"
	BridgeOpExpire   = "expire"
)

// BridgeConference is the focus↔bridge control element: channel
// allocation, modification and expiry for one conference on one bridge.
type BridgeConference struct {
	XMLName   xml.Name        `xml:"http://jitsi.org/protocol/colibri conference"`
	Operation string          `xml:"operation,attr"`
	ID        string          `xml:"id,attr,omitempty"`
	Room      string          `xml:"room,attr,omitempty"`
	Endpoints []BridgeChannel `xml:"endpoint"`
}

// BridgeChannel describes one endpoint's media channels on the bridge.
type BridgeChannel struct {
	XMLName   xml.Name   `xml:"endpoint"`
	ID        string     `xml:"id,attr"`
	Expire    bool       `xml:"expire,attr,omitempty"`
	Transport *Transport `xml:"transport,omitempty"`
}
