// Package offer assembles the codec and header-extension catalogue that
// goes into every session-initiate, and aggregates codec preferences
// across joiners. Payload-type and extension ids come from the
// conference config so the same number means the same thing for every
// participant in a room.
package offer

import (
	"strconv"

	"github.com/colloq/focus/internal/v1/xmpp"
)

// Codec names used in config and preference lists.
const (
	CodecOpus = "opus"
	CodecVP8  = "vp8"
	CodecVP9  = "vp9"
	CodecH264 = "h264"
	CodecAV1  = "av1"
)

// Header-extension URIs.
const (
	URIAudioLevel   = "urn:ietf:params:rtp-hdrext:ssrc-audio-level"
	URIMid          = "urn:ietf:params:rtp-hdrext:sdes:mid"
	URIAbsSendTime  = "http://www.webrtc.org/experiments/rtp-hdrext/abs-send-time"
	URITimeOffset   = "urn:ietf:params:rtp-hdrext:toffset"
	URIFrameMarking = "http://tools.ietf.org/html/draft-ietf-avtext-framemarking-07"
	URIContentType  = "http://www.webrtc.org/experiments/rtp-hdrext/video-content-type"
	URIRid          = "urn:ietf:params:rtp-hdrext:sdes:rtp-stream-id"
	URITransportCC  = "http://www.ietf.org/id/draft-holmer-rmcat-transport-wide-cc-extensions-01"
	URIAv1DD        = "https://aomediacodec.github.io/av1-rtp-spec/#dependency-descriptor-rtp-header-extension"
	URIVla          = "http://www.webrtc.org/experiments/rtp-hdrext/video-layers-allocation00"
)

const h264Fmtp = "42e01f"

// Config fixes the numbering and the enabled feature set for one
// conference. Zero ids disable the entry.
type Config struct {
	OpusPT           int
	OpusRedPT        int
	OpusMinptime     int
	OpusInbandFEC    bool
	TelephoneEventPT int

	VP8PT     int
	VP8RtxPT  int
	VP9PT     int
	VP9RtxPT  int
	H264PT    int
	H264RtxPT int
	AV1PT     int
	AV1RtxPT  int

	TransportCCFb bool
	GoogRembFb    bool

	AudioLevelID   int
	MidID          int
	AbsSendTimeID  int
	TimeOffsetID   int
	FrameMarkingID int
	ContentTypeID  int
	RidID          int
	TransportCCID  int
	Av1DDID        int
	VlaID          int

	// EnabledCodecs restricts the video catalogue, in preference
	// order. Empty means every configured codec.
	EnabledCodecs []string
}

// DefaultConfig mirrors the numbering browsers expect.
func DefaultConfig() Config {
	return Config{
		OpusPT:           111,
		OpusRedPT:        112,
		OpusMinptime:     10,
		OpusInbandFEC:    true,
		TelephoneEventPT: 126,

		VP8PT:     100,
		VP8RtxPT:  96,
		VP9PT:     101,
		VP9RtxPT:  97,
		H264PT:    107,
		H264RtxPT: 99,
		AV1PT:     41,
		AV1RtxPT:  42,

		TransportCCFb: true,
		GoogRembFb:    false,

		AudioLevelID:   1,
		MidID:          10,
		AbsSendTimeID:  3,
		TimeOffsetID:   2,
		FrameMarkingID: 9,
		ContentTypeID:  7,
		RidID:          4,
		TransportCCID:  5,
		Av1DDID:        11,
		VlaID:          12,

		EnabledCodecs: []string{CodecVP8, CodecVP9, CodecH264, CodecAV1},
	}
}

// Constraints is the per-participant view of the offer: the conference
// config intersected with what the participant's capabilities allow.
type Constraints struct {
	Audio       bool
	Video       bool
	Rtx         bool
	OpusRed     bool
	TransportCC bool
	GoogRemb    bool
	Rid         bool
	Av1DD       bool
	Vla         bool
}

// AudioContent builds the audio section of an offer.
func AudioContent(cfg Config, c Constraints) *xmpp.Content {
	if !c.Audio {
		return nil
	}
	desc := &xmpp.Description{Media: "audio"}

	opus := xmpp.PayloadType{ID: cfg.OpusPT, Name: CodecOpus, ClockRate: 48000, Channels: 2}
	if cfg.OpusMinptime > 0 {
		opus.Parameters = append(opus.Parameters, xmpp.Parameter{Name: "minptime", Value: itoa(cfg.OpusMinptime)})
	}
	if cfg.OpusInbandFEC {
		opus.Parameters = append(opus.Parameters, xmpp.Parameter{Name: "useinbandfec", Value: "1"})
	}
	if c.TransportCC && cfg.TransportCCFb {
		opus.Feedback = append(opus.Feedback, xmpp.RtcpFb{Type: "transport-cc"})
	}

	if c.OpusRed && cfg.OpusRedPT != 0 {
		// RED wraps opus; it goes first so browsers pick it up.
		red := xmpp.PayloadType{ID: cfg.OpusRedPT, Name: "red", ClockRate: 48000, Channels: 2,
			Parameters: []xmpp.Parameter{{Value: itoa(cfg.OpusPT) + "/" + itoa(cfg.OpusPT)}}}
		desc.PayloadTypes = append(desc.PayloadTypes, red)
	}
	desc.PayloadTypes = append(desc.PayloadTypes, opus)

	if cfg.TelephoneEventPT != 0 {
		desc.PayloadTypes = append(desc.PayloadTypes,
			xmpp.PayloadType{ID: cfg.TelephoneEventPT, Name: "telephone-event", ClockRate: 8000})
	}

	addHdrExt(desc, cfg.AudioLevelID, URIAudioLevel)
	addHdrExt(desc, cfg.MidID, URIMid)
	addHdrExt(desc, cfg.AbsSendTimeID, URIAbsSendTime)
	if c.TransportCC {
		addHdrExt(desc, cfg.TransportCCID, URITransportCC)
	}

	return &xmpp.Content{Name: "audio", Creator: "initiator", Senders: "both", Description: desc}
}

// VideoContent builds the video section of an offer. codecs is the
// effective preference order; empty falls back to the config order.
func VideoContent(cfg Config, c Constraints, codecs []string) *xmpp.Content {
	if !c.Video {
		return nil
	}
	if len(codecs) == 0 {
		codecs = cfg.EnabledCodecs
	}
	desc := &xmpp.Description{Media: "video"}

	for _, name := range codecs {
		pt, rtx := cfg.videoPT(name)
		if pt == 0 {
			continue
		}
		entry := xmpp.PayloadType{ID: pt, Name: name, ClockRate: 90000}
		if name == CodecH264 {
			entry.Parameters = append(entry.Parameters,
				xmpp.Parameter{Name: "profile-level-id", Value: h264Fmtp},
				xmpp.Parameter{Name: "level-asymmetry-allowed", Value: "1"},
				xmpp.Parameter{Name: "packetization-mode", Value: "1"})
		}
		entry.Feedback = videoFeedback(cfg, c)
		desc.PayloadTypes = append(desc.PayloadTypes, entry)

		if c.Rtx && rtx != 0 {
			desc.PayloadTypes = append(desc.PayloadTypes, xmpp.PayloadType{
				ID: rtx, Name: "rtx", ClockRate: 90000,
				Parameters: []xmpp.Parameter{{Name: "apt", Value: itoa(pt)}},
				Feedback:   []xmpp.RtcpFb{{Type: "ccm", Subtype: "fir"}, {Type: "nack"}, {Type: "nack", Subtype: "pli"}},
			})
		}
	}

	addHdrExt(desc, cfg.MidID, URIMid)
	addHdrExt(desc, cfg.AbsSendTimeID, URIAbsSendTime)
	addHdrExt(desc, cfg.TimeOffsetID, URITimeOffset)
	addHdrExt(desc, cfg.FrameMarkingID, URIFrameMarking)
	addHdrExt(desc, cfg.ContentTypeID, URIContentType)
	if c.Rid {
		addHdrExt(desc, cfg.RidID, URIRid)
	}
	if c.TransportCC {
		addHdrExt(desc, cfg.TransportCCID, URITransportCC)
	}
	if c.Av1DD {
		addHdrExt(desc, cfg.Av1DDID, URIAv1DD)
	}
	if c.Vla {
		addHdrExt(desc, cfg.VlaID, URIVla)
	}

	return &xmpp.Content{Name: "video", Creator: "initiator", Senders: "both", Description: desc}
}

// Contents builds the full offer content list for one participant.
func Contents(cfg Config, c Constraints, codecs []string) []xmpp.Content {
	var out []xmpp.Content
	if a := AudioContent(cfg, c); a != nil {
		out = append(out, *a)
	}
	if v := VideoContent(cfg, c, codecs); v != nil {
		out = append(out, *v)
	}
	return out
}

func (cfg Config) videoPT(name string) (pt, rtx int) {
	switch name {
	case CodecVP8:
		return cfg.VP8PT, cfg.VP8RtxPT
	case CodecVP9:
		return cfg.VP9PT, cfg.VP9RtxPT
	case CodecH264:
		return cfg.H264PT, cfg.H264RtxPT
	case CodecAV1:
		return cfg.AV1PT, cfg.AV1RtxPT
	}
	return 0, 0
}

func videoFeedback(cfg Config, c Constraints) []xmpp.RtcpFb {
	fb := []xmpp.RtcpFb{
		{Type: "ccm", Subtype: "fir"},
		{Type: "nack"},
		{Type: "nack", Subtype: "pli"},
	}
	if c.TransportCC && cfg.TransportCCFb {
		fb = append(fb, xmpp.RtcpFb{Type: "transport-cc"})
	}
	if c.GoogRemb && cfg.GoogRembFb {
		fb = append(fb, xmpp.RtcpFb{Type: "goog-remb"})
	}
	return fb
}

func addHdrExt(desc *xmpp.Description, id int, uri string) {
	if id == 0 {
		return
	}
	desc.HdrExts = append(desc.HdrExts, xmpp.HdrExt{ID: id, URI: uri})
}

func itoa(n int) string { return strconv.Itoa(n) }
