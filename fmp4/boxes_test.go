package fmp4

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/aperturemedia/aperture/media"
)

func readBoxSize(b []byte) uint32 { return binary.BigEndian.Uint32(b[:4]) }

func TestInitSegmentVideoContainsExpectedBoxes(t *testing.T) {
	track := media.Track{
		ID:        1,
		Type:      media.TrackVideo,
		Codec:     media.CodecH264,
		Timebase:  media.Timebase{Num: 1, Den: 90000},
		Width:     1280,
		Height:    720,
		Extradata: []byte{0x01, 0x64, 0x00, 0x1f, 0xff},
	}

	seg := InitSegment(track)
	if len(seg) == 0 {
		t.Fatal("InitSegment returned empty bytes")
	}

	for _, fourcc := range []string{"ftyp", "moov"} {
		if !bytes.Contains(seg, []byte(fourcc)) {
			t.Errorf("init segment missing top-level box %q", fourcc)
		}
	}
	for _, fourcc := range []string{"mvhd", "trak", "tkhd", "mdia", "mdhd", "hdlr", "minf", "stbl", "stsd", "avc1", "avcC", "mvex", "trex"} {
		if !bytes.Contains(seg, []byte(fourcc)) {
			t.Errorf("init segment missing nested box %q", fourcc)
		}
	}

	if totalSize := readBoxSize(seg); totalSize == 0 || int(totalSize) > len(seg) {
		t.Errorf("first box declared size %d exceeds buffer length %d", totalSize, len(seg))
	}
}

func TestInitSegmentAudioUsesMp4aAndEsds(t *testing.T) {
	track := media.Track{
		ID:         2,
		Type:       media.TrackAudio,
		Codec:      media.CodecAAC,
		Timebase:   media.Timebase{Num: 1, Den: 48000},
		SampleRate: 48000,
		Channels:   2,
	}

	seg := InitSegment(track)
	for _, fourcc := range []string{"mp4a", "esds"} {
		if !bytes.Contains(seg, []byte(fourcc)) {
			t.Errorf("audio init segment missing box %q", fourcc)
		}
	}
	if bytes.Contains(seg, []byte("avc1")) {
		t.Error("audio init segment should not contain avc1")
	}
}

func TestFragmentContainsMoofAndMdat(t *testing.T) {
	samples := []media.Packet{
		{TrackID: 1, PTS: 0, Duration: 3000, Keyframe: true, Data: []byte{0x01, 0x02, 0x03}},
		{TrackID: 1, PTS: 3000, Duration: 3000, Keyframe: false, Data: []byte{0x04, 0x05}},
	}

	track := media.Track{ID: 1, Type: media.TrackCaption} // no AVCC/ADTS conversion for this codec
	frag := Fragment(1, track, 0, samples)
	for _, fourcc := range []string{"moof", "mfhd", "traf", "tfhd", "tfdt", "trun", "mdat"} {
		if !bytes.Contains(frag, []byte(fourcc)) {
			t.Errorf("fragment missing box %q", fourcc)
		}
	}

	want := samples[0].Data
	want = append(want, samples[1].Data...)
	if !bytes.Contains(frag, want[:1]) {
		t.Error("fragment mdat does not appear to contain sample bytes")
	}
}

func TestFragmentEmptySamples(t *testing.T) {
	frag := Fragment(1, media.Track{ID: 1}, 0, nil)
	if !bytes.Contains(frag, []byte("moof")) {
		t.Error("fragment with no samples should still contain a moof box")
	}
}

func TestFragmentConvertsAnnexBToAVCCForH264(t *testing.T) {
	nal1 := []byte{0x00, 0x00, 0x00, 0x01, 0x65, 0xAA, 0xBB} // IDR slice, start code + 2 byte payload
	nal2 := []byte{0x00, 0x00, 0x01, 0x41, 0xCC}             // non-IDR slice, 3-byte start code
	data := append(append([]byte{}, nal1...), nal2...)

	samples := []media.Packet{
		{TrackID: 1, PTS: 0, Duration: 3000, Keyframe: true, Data: data},
	}
	track := media.Track{ID: 1, Type: media.TrackVideo, Codec: media.CodecH264}

	frag := Fragment(1, track, 0, samples)

	// AVCC framing prefixes each NAL with a 4-byte big-endian length
	// instead of an Annex-B start code; the raw 0x00000001 start code
	// bytes must not survive into mdat.
	idx := bytes.Index(frag, []byte("mdat"))
	if idx < 0 {
		t.Fatal("fragment missing mdat box")
	}
	mdat := frag[idx+4:]

	wantFirstNAL := []byte{0x65, 0xAA, 0xBB}
	wantLen := make([]byte, 4)
	binary.BigEndian.PutUint32(wantLen, uint32(len(wantFirstNAL)))
	if !bytes.HasPrefix(mdat, append(wantLen, wantFirstNAL...)) {
		t.Errorf("mdat does not start with AVCC length-prefixed first NAL, got %x", mdat[:min(len(mdat), 12)])
	}
	if bytes.Contains(mdat, []byte{0x00, 0x00, 0x00, 0x01}) {
		t.Error("mdat still contains an Annex-B start code after AVCC conversion")
	}
}
