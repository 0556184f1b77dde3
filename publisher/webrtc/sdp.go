package webrtc

import (
	"fmt"
	"strings"

	"github.com/pion/sdp/v3"
	pionwebrtc "github.com/pion/webrtc/v3"

	"github.com/aperturemedia/aperture/media"
)

// codecName strips the "video/"/"audio/" MIME prefix off one of
// pion/webrtc's canonical codec MIME type constants, giving the bare
// encoding name an SDP rtpmap line expects.
func codecName(mime string) string {
	if i := strings.IndexByte(mime, '/'); i >= 0 {
		return mime[i+1:]
	}
	return mime
}

// SDPBuilder assembles the SDP answer offered to a viewer: one audio and
// one video m= line (when the stream carries those tracks), ICE-Lite
// candidates, and the DTLS fingerprint, in the line order a typical
// browser SDP parser expects (session-level attributes, then per-media
// connection/codec/ICE attributes).
type SDPBuilder struct {
	sessionID   uint64
	iceUfrag    string
	icePwd      string
	fingerprint string
	candidates  []string
}

// NewSDPBuilder creates a builder for one session's answer.
func NewSDPBuilder(sessionID uint64, iceUfrag, icePwd, fingerprint string) *SDPBuilder {
	return &SDPBuilder{
		sessionID:   sessionID,
		iceUfrag:    iceUfrag,
		icePwd:      icePwd,
		fingerprint: fingerprint,
	}
}

// AddCandidate records one local ICE candidate's SDP attribute line
// (without the leading "a=candidate:") to include in every m= section.
func (b *SDPBuilder) AddCandidate(candidateLine string) {
	b.candidates = append(b.candidates, candidateLine)
}

// Build constructs the full SDP answer for the given tracks.
func (b *SDPBuilder) Build(tracks []media.Track) ([]byte, error) {
	desc, err := sdp.NewJSEPSessionDescription(false)
	if err != nil {
		return nil, err
	}
	desc = desc.
		WithValueAttribute(sdp.AttrKeyICELite, "").
		WithFingerprint("sha-256", b.fingerprint)

	for _, t := range tracks {
		md, err := b.mediaDescription(t)
		if err != nil {
			return nil, err
		}
		desc = desc.WithMedia(md)
	}

	return desc.Marshal()
}

func (b *SDPBuilder) mediaDescription(t media.Track) (*sdp.MediaDescription, error) {
	var codecType string
	switch t.Type {
	case media.TrackVideo:
		codecType = "video"
	case media.TrackAudio:
		codecType = "audio"
	default:
		return nil, fmt.Errorf("webrtc: unsupported track type for SDP: %v", t.Type)
	}

	md := sdp.NewJSEPMediaDescription(codecType, nil).
		WithValueAttribute(sdp.AttrKeyConnectionSetup, "actpass").
		WithValueAttribute(sdp.AttrKeyMID, codecType).
		WithValueAttribute("ice-ufrag", b.iceUfrag).
		WithValueAttribute("ice-pwd", b.icePwd).
		WithPropertyAttribute("rtcp-mux").
		WithPropertyAttribute("sendonly")

	switch t.Codec {
	case media.CodecH264:
		md = md.WithCodec(payloadTypeFor(t), codecName(pionwebrtc.MimeTypeH264), 90000, 0,
			"level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42001f")
	case media.CodecH265:
		md = md.WithCodec(payloadTypeFor(t), codecName(pionwebrtc.MimeTypeH265), 90000, 0, "")
	case media.CodecVP8:
		md = md.WithCodec(payloadTypeFor(t), codecName(pionwebrtc.MimeTypeVP8), 90000, 0, "")
	case media.CodecOpus:
		md = md.WithCodec(payloadTypeFor(t), codecName(pionwebrtc.MimeTypeOpus), uint32(t.SampleRate), uint16(t.Channels), "")
	}

	md = md.WithValueAttribute("rtcp-fb", fmt.Sprintf("%d nack", payloadTypeFor(t))).
		WithValueAttribute("rtcp-fb", fmt.Sprintf("%d nack pli", payloadTypeFor(t)))

	for _, c := range b.candidates {
		md = md.WithCandidate(c)
	}
	md = md.WithPropertyAttribute("end-of-candidates")

	return md, nil
}
