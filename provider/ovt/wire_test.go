package ovt

import (
	"bytes"
	"testing"

	"github.com/aperturemedia/aperture/media"
)

func TestWriteReadFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, FramePacket, 3, []byte("hello")); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	typ, trackID, payload, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if typ != FramePacket {
		t.Fatalf("type = %v, want FramePacket", typ)
	}
	if trackID != 3 {
		t.Fatalf("trackID = %d, want 3", trackID)
	}
	if string(payload) != "hello" {
		t.Fatalf("payload = %q, want %q", payload, "hello")
	}
}

func TestWriteReadFrameEmptyPayload(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, FrameGoodbye, 0, nil); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	typ, _, payload, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if typ != FrameGoodbye {
		t.Fatalf("type = %v, want FrameGoodbye", typ)
	}
	if len(payload) != 0 {
		t.Fatalf("payload = %v, want empty", payload)
	}
}

func TestTrackInfoRoundTrip(t *testing.T) {
	t0 := media.Track{
		ID:         7,
		Type:       media.TrackVideo,
		Codec:      media.CodecH264,
		Timebase:   media.Timebase{Num: 1, Den: 90000},
		Width:      1920,
		Height:     1080,
		SampleRate: 0,
		Channels:   0,
		Extradata:  []byte{0x01, 0x02, 0x03},
	}

	encoded := EncodeTrackInfo(t0)
	decoded, err := DecodeTrackInfo(t0.ID, encoded)
	if err != nil {
		t.Fatalf("DecodeTrackInfo: %v", err)
	}

	if decoded.ID != t0.ID || decoded.Type != t0.Type || decoded.Codec != t0.Codec {
		t.Fatalf("decoded = %+v, want id/type/codec matching %+v", decoded, t0)
	}
	if decoded.Timebase != t0.Timebase {
		t.Fatalf("timebase = %+v, want %+v", decoded.Timebase, t0.Timebase)
	}
	if decoded.Width != t0.Width || decoded.Height != t0.Height {
		t.Fatalf("dimensions = %dx%d, want %dx%d", decoded.Width, decoded.Height, t0.Width, t0.Height)
	}
	if !bytes.Equal(decoded.Extradata, t0.Extradata) {
		t.Fatalf("extradata = %v, want %v", decoded.Extradata, t0.Extradata)
	}
}

func TestDecodeTrackInfoTooShort(t *testing.T) {
	if _, err := DecodeTrackInfo(1, []byte{0, 1, 2}); err == nil {
		t.Fatal("expected error for short track info")
	}
}

func TestPacketRoundTrip(t *testing.T) {
	p := media.NewPacket()
	p.TrackID = 2
	p.Codec = media.CodecAAC
	p.PTS = 12345
	p.DTS = 12300
	p.Duration = 1024
	p.Keyframe = false
	p.Data = append(p.Data[:0], []byte("payload-bytes")...)

	encoded := EncodePacket(p)
	decoded, err := DecodePacket(p.TrackID, encoded)
	if err != nil {
		t.Fatalf("DecodePacket: %v", err)
	}

	if decoded.TrackID != p.TrackID || decoded.Codec != p.Codec {
		t.Fatalf("decoded track/codec = %d/%v, want %d/%v", decoded.TrackID, decoded.Codec, p.TrackID, p.Codec)
	}
	if decoded.PTS != p.PTS || decoded.DTS != p.DTS || decoded.Duration != p.Duration {
		t.Fatalf("decoded timing = %+v, want matching %+v", decoded, p)
	}
	if !bytes.Equal(decoded.Data, p.Data) {
		t.Fatalf("decoded data = %v, want %v", decoded.Data, p.Data)
	}
}

func TestPacketRoundTripKeyframe(t *testing.T) {
	p := media.NewPacket()
	p.TrackID = 1
	p.Codec = media.CodecH264
	p.Keyframe = true
	p.Data = []byte{0xAA}

	decoded, err := DecodePacket(p.TrackID, EncodePacket(p))
	if err != nil {
		t.Fatalf("DecodePacket: %v", err)
	}
	if !decoded.Keyframe {
		t.Fatal("expected keyframe flag to survive round trip")
	}
}

func TestDecodePacketTooShort(t *testing.T) {
	if _, err := DecodePacket(1, []byte{0, 1}); err == nil {
		t.Fatal("expected error for short packet")
	}
}
