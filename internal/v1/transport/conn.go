// Package transport carries stanzas over a websocket link to the chat
// server. One Conn serves the whole focus: outbound stanzas are
// serialized through a single write pump, inbound stanzas are parsed
// and fanned out to the stanza router, the presence layer, and pending
// request waiters.
package transport

import (
	"bytes"
	"context"
	"encoding/xml"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/colloq/focus/internal/v1/logging"
	"github.com/colloq/focus/internal/v1/signaling"
	"github.com/colloq/focus/internal/v1/xmpp"
)

const (
	writeWait      = 10 * time.Second
	sendBufferSize = 256
)

// wsConnection is the slice of *websocket.Conn this package uses,
// extracted so tests can substitute a fake link.
type wsConnection interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
	SetWriteDeadline(t time.Time) error
}

// StanzaHandler receives inbound request stanzas.
type StanzaHandler interface {
	HandleStanza(ctx context.Context, iq *xmpp.IQ)
}

// PresenceHandler receives inbound presence.
type PresenceHandler interface {
	HandlePresence(p *xmpp.Presence)
}

// Conn is the stanza link. It implements signaling.Connection and
// muc.Sender.
type Conn struct {
	conn     wsConnection
	stanzas  StanzaHandler
	presence PresenceHandler

	send chan []byte
	done chan struct{}

	mu        sync.Mutex
	pending   map[string]chan *xmpp.IQ
	closed    bool
	closeOnce sync.Once
}

// NewConn wraps an established websocket link. Call Start to launch
// the pumps once the handlers are set.
func NewConn(ws wsConnection) *Conn {
	return &Conn{
		conn:    ws,
		send:    make(chan []byte, sendBufferSize),
		done:    make(chan struct{}),
		pending: make(map[string]chan *xmpp.IQ),
	}
}

// Dial connects to the chat server endpoint and returns the wrapped
// link.
func Dial(ctx context.Context, url string, header http.Header) (*Conn, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, err
	}
	return NewConn(ws), nil
}

// SetHandlers installs the inbound fan-out targets. Must be called
// before Start.
func (c *Conn) SetHandlers(stanzas StanzaHandler, presence PresenceHandler) {
	c.stanzas = stanzas
	c.presence = presence
}

// Start launches the read and write pumps.
func (c *Conn) Start() {
	go c.readPump()
	go c.writePump()
}

// Close tears the link down and fails every pending request.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.done)
		_ = c.conn.Close()
	})
}

// Done is closed when the link is gone.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Send ships one stanza without waiting for an answer.
func (c *Conn) Send(ctx context.Context, iq *xmpp.IQ) error {
	data, err := xmpp.Marshal(iq)
	if err != nil {
		return err
	}
	return c.enqueue(ctx, data)
}

// Request ships a request stanza and blocks until its result or error
// reply arrives, the context ends, or the link dies.
func (c *Conn) Request(ctx context.Context, iq *xmpp.IQ) (*xmpp.IQ, error) {
	if iq.ID == "" {
		iq.ID = uuid.NewString()
	}
	slot := make(chan *xmpp.IQ, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, signaling.ErrNotConnected
	}
	c.pending[iq.ID] = slot
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, iq.ID)
		c.mu.Unlock()
	}()

	if err := c.Send(ctx, iq); err != nil {
		return nil, err
	}

	select {
	case reply := <-slot:
		return reply, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, signaling.ErrNotConnected
	}
}

// SendPresence ships one presence element.
func (c *Conn) SendPresence(ctx context.Context, p *xmpp.Presence) error {
	var buf bytes.Buffer
	if err := xml.NewEncoder(&buf).Encode(p); err != nil {
		return err
	}
	return c.enqueue(ctx, buf.Bytes())
}

func (c *Conn) enqueue(ctx context.Context, data []byte) error {
	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return signaling.ErrNotConnected
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Conn) readPump() {
	defer c.Close()
	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		c.dispatch(data)
	}
}

func (c *Conn) writePump() {
	defer func() { _ = c.conn.Close() }()
	for {
		select {
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case data := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				logging.Error(context.Background(), "Stanza write failed", zap.Error(err))
				c.Close()
				return
			}
		}
	}
}

// dispatch routes one inbound frame by its root element.
func (c *Conn) dispatch(data []byte) {
	switch rootElement(data) {
	case "iq":
		iq, err := xmpp.Unmarshal(data)
		if err != nil {
			logging.Warn(context.Background(), "Dropping malformed stanza", zap.Error(err))
			return
		}
		if iq.Type == xmpp.IQResult || iq.Type == xmpp.IQError {
			if c.deliverReply(iq) {
				return
			}
			// unsolicited replies are dropped, the peer timed us out
			return
		}
		if c.stanzas != nil {
			c.stanzas.HandleStanza(context.Background(), iq)
		}
	case "presence":
		p, err := xmpp.ParsePresence(data)
		if err != nil {
			logging.Warn(context.Background(), "Dropping malformed presence", zap.Error(err))
			return
		}
		if c.presence != nil {
			c.presence.HandlePresence(p)
		}
	}
}

func (c *Conn) deliverReply(iq *xmpp.IQ) bool {
	c.mu.Lock()
	slot, ok := c.pending[iq.ID]
	if ok {
		delete(c.pending, iq.ID)
	}
	c.mu.Unlock()
	if !ok {
		return false
	}
	slot <- iq
	return true
}

// rootElement peeks at the first start element of a frame.
func rootElement(data []byte) string {
	dec := xml.NewDecoder(bytes.NewReader(data))
	for {
		tok, err := dec.Token()
		if err != nil {
			return ""
		}
		if start, ok := tok.(xml.StartElement); ok {
			return start.Name.Local
		}
	}
}
