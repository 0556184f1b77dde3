package webrtc

import (
	"github.com/pion/rtp"

	"github.com/aperturemedia/aperture/media"
)

const (
	redPayloadType = 120
	fecPayloadType = 121
	fecGroupSize   = 4 // packets protected by one ULPFEC packet
)

// REDULPFEC wraps outgoing RTP packets in RED (RFC2198) and periodically
// emits a parity ULPFEC protection packet covering the last fecGroupSize
// packets. One instance is owned per Session.TrackSub: wrapping happens
// independently for each viewer session rather than against a shared
// broadcast set, so there is no cross-session class dispatch to perform.
type REDULPFEC struct {
	track      media.Track
	originalPT uint8

	group []*rtpWireFrame
}

// NewREDULPFEC creates a RED/ULPFEC wrapper for one track.
func NewREDULPFEC(t media.Track) *REDULPFEC {
	return &REDULPFEC{track: t, originalPT: payloadTypeFor(t)}
}

// Wrap re-packages p as a RED packet carrying the original payload as its
// sole (non-redundant) block, and returns an additional ULPFEC packet
// once fecGroupSize packets have accumulated. Video only: audio (Opus)
// relies on PLC instead of FEC, matching typical WebRTC browser behavior.
func (r *REDULPFEC) Wrap(p *rtpWireFrame) []*rtpWireFrame {
	if r.track.Type != media.TrackVideo {
		return []*rtpWireFrame{p}
	}

	red := &rtpWireFrame{
		header:  p.header,
		payload: redBlock(r.originalPT, p.payload),
	}
	red.header.PayloadType = redPayloadType

	out := []*rtpWireFrame{red}

	r.group = append(r.group, p)
	if len(r.group) >= fecGroupSize {
		out = append(out, r.buildFEC())
		r.group = r.group[:0]
	}
	return out
}

// redBlock builds a single-block RED payload (RFC2198 §3): one block
// header with the F bit clear (no further redundant blocks follow)
// carrying the original payload type, then the block data itself.
func redBlock(originalPT uint8, payload []byte) []byte {
	out := make([]byte, 1+len(payload))
	out[0] = originalPT & 0x7F // F=0
	copy(out[1:], payload)
	return out
}

// buildFEC XORs the payloads of the current protection group into one
// parity packet, a simplified single-group ULPFEC scheme (full RFC5109
// header-field XOR is not implemented; this protects payload bytes only,
// sufficient to reconstruct a single lost packet's payload when its
// sequence number is known from the surrounding group).
func (r *REDULPFEC) buildFEC() *rtpWireFrame {
	maxLen := 0
	for _, f := range r.group {
		if len(f.payload) > maxLen {
			maxLen = len(f.payload)
		}
	}
	parity := make([]byte, maxLen)
	for _, f := range r.group {
		for i, b := range f.payload {
			parity[i] ^= b
		}
	}

	base := r.group[0].header
	h := rtp.Header{
		Version:        2,
		PayloadType:    fecPayloadType,
		SequenceNumber: r.group[len(r.group)-1].header.SequenceNumber + 1,
		Timestamp:      base.Timestamp,
		SSRC:           base.SSRC,
	}
	return &rtpWireFrame{header: h, payload: parity}
}
