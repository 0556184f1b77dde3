// Package ovt implements the OVT peer-to-peer forwarding protocol: a
// small length-prefixed frame format used to relay a stream's tracks
// and packets between two Aperture instances (origin to edge).
// provider/ovt is the pull side (dial an upstream OVT publisher);
// publisher/ovt (a sibling package) is the push side (accept downstream
// OVT pulls) — both share this wire framing.
package ovt

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/aperturemedia/aperture/media"
)

// FrameType identifies the payload carried by one OVT frame.
type FrameType uint8

// Frame types exchanged over an OVT connection.
const (
	FrameHello     FrameType = 1 // client -> server: requested stream key
	FrameTrackInfo FrameType = 2 // server -> client: one media.Track description
	FramePacket    FrameType = 3 // server -> client: one media.Packet
	FrameGoodbye   FrameType = 4
)

// header is the fixed 8-byte prefix on every OVT frame: type, track id,
// and payload length, all big-endian.
type header struct {
	Type    FrameType
	TrackID uint16
	Length  uint32
}

// WriteFrame writes one OVT frame (header + payload) to w.
func WriteFrame(w io.Writer, typ FrameType, trackID int, payload []byte) error {
	var buf [8]byte
	buf[0] = byte(typ)
	binary.BigEndian.PutUint16(buf[1:3], uint16(trackID))
	binary.BigEndian.PutUint32(buf[3:7], uint32(len(payload)))
	// buf[7] reserved
	if _, err := w.Write(buf[:]); err != nil {
		return fmt.Errorf("ovt: write header: %w", err)
	}
	if len(payload) > 0 {
		if _, err := w.Write(payload); err != nil {
			return fmt.Errorf("ovt: write payload: %w", err)
		}
	}
	return nil
}

// ReadFrame reads one OVT frame from r, returning its type, track id,
// and payload.
func ReadFrame(r io.Reader) (FrameType, int, []byte, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, 0, nil, err
	}
	typ := FrameType(buf[0])
	trackID := int(binary.BigEndian.Uint16(buf[1:3]))
	length := binary.BigEndian.Uint32(buf[3:7])

	if length == 0 {
		return typ, trackID, nil, nil
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, 0, nil, fmt.Errorf("ovt: read payload: %w", err)
	}
	return typ, trackID, payload, nil
}

// EncodeTrackInfo serializes a media.Track for FrameTrackInfo.
func EncodeTrackInfo(t media.Track) []byte {
	buf := make([]byte, 0, 32+len(t.Extradata))
	buf = appendU8(buf, uint8(t.Type))
	buf = appendU8(buf, uint8(t.Codec))
	buf = appendU32(buf, uint32(t.Timebase.Num))
	buf = appendU32(buf, uint32(t.Timebase.Den))
	buf = appendU32(buf, uint32(t.Width))
	buf = appendU32(buf, uint32(t.Height))
	buf = appendU32(buf, uint32(t.SampleRate))
	buf = appendU32(buf, uint32(t.Channels))
	buf = appendU32(buf, uint32(len(t.Extradata)))
	buf = append(buf, t.Extradata...)
	return buf
}

// DecodeTrackInfo deserializes a media.Track encoded by EncodeTrackInfo.
func DecodeTrackInfo(id int, data []byte) (media.Track, error) {
	if len(data) < 30 {
		return media.Track{}, fmt.Errorf("ovt: track info too short")
	}
	t := media.Track{ID: id}
	t.Type = media.TrackType(data[0])
	t.Codec = media.CodecID(data[1])
	t.Timebase.Num = int64(binary.BigEndian.Uint32(data[2:6]))
	t.Timebase.Den = int64(binary.BigEndian.Uint32(data[6:10]))
	t.Width = int(binary.BigEndian.Uint32(data[10:14]))
	t.Height = int(binary.BigEndian.Uint32(data[14:18]))
	t.SampleRate = int(binary.BigEndian.Uint32(data[18:22]))
	t.Channels = int(binary.BigEndian.Uint32(data[22:26]))
	extLen := binary.BigEndian.Uint32(data[26:30])
	if uint32(len(data)-30) < extLen {
		return media.Track{}, fmt.Errorf("ovt: track info extradata truncated")
	}
	t.Extradata = append([]byte(nil), data[30:30+extLen]...)
	return t, nil
}

// EncodePacket serializes a media.Packet for FramePacket.
func EncodePacket(p *media.Packet) []byte {
	buf := make([]byte, 0, 24+len(p.Data))
	buf = appendU8(buf, uint8(p.Codec))
	buf = appendU64(buf, uint64(p.PTS))
	buf = appendU64(buf, uint64(p.DTS))
	buf = appendU32(buf, uint32(p.Duration))
	if p.Keyframe {
		buf = appendU8(buf, 1)
	} else {
		buf = appendU8(buf, 0)
	}
	buf = append(buf, p.Data...)
	return buf
}

// DecodePacket deserializes a media.Packet encoded by EncodePacket.
func DecodePacket(trackID int, data []byte) (*media.Packet, error) {
	if len(data) < 22 {
		return nil, fmt.Errorf("ovt: packet too short")
	}
	p := media.NewPacket()
	p.TrackID = trackID
	p.Codec = media.CodecID(data[0])
	p.PTS = int64(binary.BigEndian.Uint64(data[1:9]))
	p.DTS = int64(binary.BigEndian.Uint64(data[9:17]))
	p.Duration = int64(binary.BigEndian.Uint32(data[17:21]))
	p.Keyframe = data[21] != 0
	p.Data = append(p.Data[:0], data[22:]...)
	return p, nil
}

func appendU8(b []byte, v uint8) []byte   { return append(b, v) }
func appendU32(b []byte, v uint32) []byte { var t [4]byte; binary.BigEndian.PutUint32(t[:], v); return append(b, t[:]...) }
func appendU64(b []byte, v uint64) []byte { var t [8]byte; binary.BigEndian.PutUint64(t[:], v); return append(b, t[:]...) }
