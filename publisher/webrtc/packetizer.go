package webrtc

import (
	"fmt"

	"github.com/pion/rtp"

	"github.com/aperturemedia/aperture/media"
)

// rtpWireFrame pairs an RTP header with its payload, the unit the RED/
// ULPFEC stage and the NACK history operate on before SRTP encryption.
type rtpWireFrame struct {
	header  rtp.Header
	payload []byte
}

// clockRate returns a track's RTP timestamp clock rate: 90kHz for video
// (matching the teacher's MPEG-TS convention), the track's own sample
// rate for audio.
func clockRate(t media.Track) uint32 {
	if t.Type == media.TrackAudio && t.SampleRate > 0 {
		return uint32(t.SampleRate)
	}
	return 90000
}

func payloadTypeFor(t media.Track) uint8 {
	switch t.Codec {
	case media.CodecH264:
		return 102
	case media.CodecH265:
		return 108
	case media.CodecVP8:
		return 96
	case media.CodecOpus:
		return 111
	default:
		return 0
	}
}

// Packetizer builds RTP packets from media.Packets on one track: for
// H.264, each NAL unit goes out as one single-NAL packet when it fits and
// as FU-A fragments per RFC6184 otherwise (small NAL units are not
// aggregated into STAP-A packets); for VP8, each frame gets the 4-byte
// extended descriptor and is split across packets only when oversized;
// Opus gets a single packet per AU.
type Packetizer struct {
	track       media.Track
	ssrc        uint32
	payloadType uint8
	maxSize     int
	seq         uint16
	pictureID   uint16 // VP8 extended descriptor's 15-bit picture id counter
}

// NewPacketizer creates a Packetizer for one SSRC, capping fragment
// payloads at maxPacketSize bytes (RTP header excluded).
func NewPacketizer(t media.Track, ssrc uint32, maxPacketSize int) *Packetizer {
	return &Packetizer{
		track:       t,
		ssrc:        ssrc,
		payloadType: payloadTypeFor(t),
		maxSize:     maxPacketSize,
	}
}

// Packetize converts one access unit into one or more RTP packets.
func (p *Packetizer) Packetize(pkt *media.Packet) ([]*rtpWireFrame, error) {
	ts := p.rtpTimestamp(pkt.PTS)
	switch p.track.Codec {
	case media.CodecH264, media.CodecH265:
		return p.packetizeH264(pkt, ts)
	case media.CodecVP8:
		return p.packetizeVP8(pkt, ts)
	default:
		return p.packetizeSingle(pkt.Data, true, ts)
	}
}

// rtpTimestamp rescales a media.Packet's PTS (in the track's own timebase)
// into ticks of this Packetizer's RTP clock rate (90kHz for video, the
// track's sample rate for audio), per spec.md §4.3.
func (p *Packetizer) rtpTimestamp(pts int64) uint32 {
	rtpClock := media.Timebase{Num: 1, Den: int64(clockRate(p.track))}
	return uint32(p.track.Timebase.Rescale(pts, rtpClock))
}

func (p *Packetizer) nextHeader(marker bool, ts uint32) rtp.Header {
	h := rtp.Header{
		Version:        2,
		PayloadType:    p.payloadType,
		SequenceNumber: p.seq,
		Timestamp:      ts,
		SSRC:           p.ssrc,
		Marker:         marker,
	}
	p.seq++
	return h
}

// packetizeSingle wraps payload in one RTP packet when it fits within
// maxSize, otherwise returns an error — callers for codecs without
// fragmentation support (VP8 falls through its own path; Opus access
// units are always smaller than maxSize in practice) should never hit this.
func (p *Packetizer) packetizeSingle(payload []byte, marker bool, ts uint32) ([]*rtpWireFrame, error) {
	if len(payload) > p.maxSize {
		return nil, fmt.Errorf("webrtc: payload of %d bytes exceeds max packet size %d with no fragmentation path", len(payload), p.maxSize)
	}
	return []*rtpWireFrame{{header: p.nextHeader(marker, ts), payload: payload}}, nil
}

// packetizeH264 sends each NAL unit of one Annex-B access unit (per
// pkt.Fragments) as a single-NAL RTP packet when it fits, or as FU-A
// fragments per RFC6184 when it does not. Small NAL units are not
// aggregated: no STAP-A packets are produced.
func (p *Packetizer) packetizeH264(pkt *media.Packet, ts uint32) ([]*rtpWireFrame, error) {
	if len(pkt.Fragments) == 0 {
		return p.packetizeFUA(pkt.Data, true, ts)
	}

	var out []*rtpWireFrame
	for i, frag := range pkt.Fragments {
		nal := pkt.Data[frag.Offset : frag.Offset+frag.Length]
		last := i == len(pkt.Fragments)-1
		frames, err := p.packetizeFUA(nal, last, ts)
		if err != nil {
			return nil, err
		}
		out = append(out, frames...)
	}
	return out, nil
}

// packetizeFUA emits one NAL unit as a single RTP packet if it fits, or
// as a run of FU-A fragments (RFC6184 §5.8) otherwise.
func (p *Packetizer) packetizeFUA(nal []byte, marker bool, ts uint32) ([]*rtpWireFrame, error) {
	if len(nal) == 0 {
		return nil, fmt.Errorf("webrtc: empty NAL unit")
	}
	if len(nal) <= p.maxSize {
		return []*rtpWireFrame{{header: p.nextHeader(marker, ts), payload: nal}}, nil
	}

	nalHeader := nal[0]
	nalType := nalHeader & 0x1F
	fuIndicator := (nalHeader & 0xE0) | 28 // FU-A type
	payload := nal[1:]

	var out []*rtpWireFrame
	for offset := 0; offset < len(payload); {
		chunkSize := p.maxSize - 2 // FU indicator + FU header
		if chunkSize <= 0 {
			return nil, fmt.Errorf("webrtc: max packet size %d too small for FU-A", p.maxSize)
		}
		end := offset + chunkSize
		if end > len(payload) {
			end = len(payload)
		}
		start := offset == 0
		stop := end == len(payload)

		fuHeader := nalType
		if start {
			fuHeader |= 0x80
		}
		if stop {
			fuHeader |= 0x40
		}

		frag := make([]byte, 0, 2+(end-offset))
		frag = append(frag, fuIndicator, fuHeader)
		frag = append(frag, payload[offset:end]...)

		out = append(out, &rtpWireFrame{
			header:  p.nextHeader(marker && stop, ts),
			payload: frag,
		})
		offset = end
	}
	return out, nil
}

// nextPictureID returns the next VP8 extended-descriptor picture id:
// a 15-bit counter that increments across frames and, per spec.md §4.3,
// jumps to 0x8000 on wrap rather than reaching zero.
func (p *Packetizer) nextPictureID() uint16 {
	id := p.pictureID
	p.pictureID++
	if p.pictureID == 0 {
		p.pictureID = 0x8000
	}
	return id
}

// packetizeVP8 prepends VP8's extended payload descriptor (X=1, I=1, plus
// a 15-bit picture id) to a single-packet-per-frame encoding; fragmentation
// for oversized VP8 frames follows the same size-split idiom as FU-A but is
// rare in practice (VP8 has no parameter-set blowup like H.264 keyframes do).
func (p *Packetizer) packetizeVP8(pkt *media.Packet, ts uint32) ([]*rtpWireFrame, error) {
	pictureID := p.nextPictureID()
	descriptor := vp8Descriptor(true, pictureID) // S=1 (start of partition), PartID=0
	payload := make([]byte, 0, len(descriptor)+len(pkt.Data))
	payload = append(payload, descriptor...)
	payload = append(payload, pkt.Data...)
	if len(payload) <= p.maxSize {
		return []*rtpWireFrame{{header: p.nextHeader(true, ts), payload: payload}}, nil
	}

	var out []*rtpWireFrame
	for offset := 0; offset < len(payload); {
		end := offset + p.maxSize
		if end > len(payload) {
			end = len(payload)
		}
		chunk := payload[offset:end]
		if offset > 0 {
			// continuation fragments carry the same picture id with S=0.
			cont := vp8Descriptor(false, pictureID)
			chunk = append(cont, payload[offset+len(descriptor):end]...)
		}
		out = append(out, &rtpWireFrame{
			header:  p.nextHeader(end == len(payload), ts),
			payload: chunk,
		})
		offset = end
	}
	return out, nil
}

// vp8Descriptor builds the 4-byte extended VP8 payload descriptor
// (RFC7741 §4.2): the 1-byte base descriptor with X=1, the extension
// byte with I=1, then the 2-byte picture id field carrying the 15-bit id with its
// M bit forced to 1 (16-bit id encoding, room for the full 15-bit range).
func vp8Descriptor(start bool, pictureID uint16) []byte {
	base := byte(0x80) // X=1
	if start {
		base |= 0x10 // S=1, PartID=0
	}
	ext := byte(0x80) // I=1
	pid := []byte{0x80 | byte(pictureID>>8&0x7F), byte(pictureID)}
	return []byte{base, ext, pid[0], pid[1]}
}
