package conference

import (
	"context"

	"github.com/colloq/focus/internal/v1/signaling"
	"github.com/colloq/focus/internal/v1/types"
	"github.com/colloq/focus/internal/v1/xmpp"
)

// Feature variables clients advertise in their disco#info answer.
const (
	featAudio       = "urn:xmpp:jingle:apps:rtp:audio"
	featVideo       = "urn:xmpp:jingle:apps:rtp:video"
	featDataChannel = "http://jitsi.org/protocol/colibri#dtls-sctp"
	featRtx         = "urn:ietf:rfc:4588"
	featRemb        = "http://jitsi.org/remb"
	featTransportCC = "http://jitsi.org/tcc"
	featOpusRed     = "http://jitsi.org/opus-red"
	featSimulcast   = "http://jitsi.org/simulcast"
	featRid         = "http://jitsi.org/rid"
	featJSONSources = "http://jitsi.org/json-encoded-sources"
	featReceiveOnly = "http://jitsi.org/protocol/recvonly"
)

// DiscoClient resolves participant capabilities with a disco#info
// exchange over the stanza link. It implements DiscoveryService.
type DiscoClient struct {
	conn signaling.Connection
}

// NewDiscoClient wraps the stanza link.
func NewDiscoClient(conn signaling.Connection) *DiscoClient {
	return &DiscoClient{conn: conn}
}

// Discover queries one client. The caller bounds ctx; on any failure the
// caller falls back to DefaultCapabilities.
func (d *DiscoClient) Discover(ctx context.Context, address string) (Capabilities, error) {
	reply, err := d.conn.Request(ctx, &xmpp.IQ{
		Type:    xmpp.IQGet,
		To:      address,
		Payload: &xmpp.DiscoInfo{},
	})
	if err != nil {
		return Capabilities{}, err
	}
	if reply.Type == xmpp.IQError {
		if se := xmpp.StanzaErrorFrom(reply.Error); se != nil {
			return Capabilities{}, se
		}
		return Capabilities{}, types.NewStanzaError(types.KindServiceUnavailable, "discovery refused")
	}
	info, ok := reply.Payload.(*xmpp.DiscoInfo)
	if !ok {
		return Capabilities{}, types.NewStanzaError(types.KindBadRequest, "discovery answer without a query element")
	}
	return Capabilities{
		Audio:       info.Has(featAudio),
		Video:       info.Has(featVideo),
		DataChannel: info.Has(featDataChannel),
		Rtx:         info.Has(featRtx),
		Remb:        info.Has(featRemb),
		TransportCC: info.Has(featTransportCC),
		OpusRed:     info.Has(featOpusRed),
		Simulcast:   info.Has(featSimulcast),
		Rid:         info.Has(featRid),
		JSONSources: info.Has(featJSONSources),
		ReceiveOnly: info.Has(featReceiveOnly),
	}, nil
}
