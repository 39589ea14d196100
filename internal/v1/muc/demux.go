package muc

import (
	"sync"

	"github.com/colloq/focus/internal/v1/types"
	"github.com/colloq/focus/internal/v1/xmpp"
)

// Demux fans inbound presence out to rooms by the bare room address.
// The stanza link calls HandlePresence from its read goroutine, so each
// room keeps its single-caller ordering guarantee.
type Demux struct {
	mu    sync.RWMutex
	rooms map[types.RoomName]*Room
}

// NewDemux builds an empty presence demultiplexer.
func NewDemux() *Demux {
	return &Demux{rooms: make(map[types.RoomName]*Room)}
}

// Register routes presence addressed to the room's bare name. A second
// registration for the same name replaces the first.
func (d *Demux) Register(r *Room) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rooms[r.Name()] = r
}

// Unregister stops routing for the named room.
func (d *Demux) Unregister(name types.RoomName) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.rooms, name.Bare())
}

// HandlePresence delivers one presence to its room. Malformed senders
// and presence for rooms nobody registered are dropped.
func (d *Demux) HandlePresence(p *xmpp.Presence) {
	from, err := types.ParseRoomName(p.From)
	if err != nil {
		return
	}
	d.mu.RLock()
	r := d.rooms[from.Bare()]
	d.mu.RUnlock()
	if r != nil {
		r.HandlePresence(p)
	}
}
