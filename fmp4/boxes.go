package fmp4

import (
	"encoding/binary"

	"github.com/aperturemedia/aperture/demux"
	"github.com/aperturemedia/aperture/media"
)

// box wraps child bytes in a standard ISO BMFF box: a 4-byte big-endian
// size (including the 8-byte header) followed by the 4-byte ASCII type.
func box(fourcc string, body []byte) []byte {
	buf := make([]byte, 8+len(body))
	binary.BigEndian.PutUint32(buf[0:4], uint32(8+len(body)))
	copy(buf[4:8], fourcc)
	copy(buf[8:], body)
	return buf
}

// InitSegment builds a minimal ftyp+moov init segment for one track,
// sufficient for a CMAF/fMP4 player to configure its decoder before the
// first moof/mdat fragment arrives.
func InitSegment(t media.Track) []byte {
	ftyp := box("ftyp", concat(
		[]byte("iso5"), be32(512),
		[]byte("iso5"), []byte("iso6"), []byte("mp41"),
	))

	mvhd := box("mvhd", concat(
		be32(0), be32(0), be32(0), // version/flags, creation, modification
		be32(uint32(t.Timebase.Den)), be32(0), // timescale, duration
		be32(0x00010000), be16(0x0100), be16(0), // rate, volume, reserved
		be32(0), be32(0), // reserved
		identityMatrix(),
		make([]byte, 24), // pre_defined
		be32(uint32(t.ID+1)), // next_track_id
	))

	trak := box("trak", concat(
		box("tkhd", tkhd(t)),
		box("mdia", mdia(t)),
	))

	mvex := box("mvex", box("trex", concat(
		be32(0), be32(uint32(t.ID)), be32(1), be32(0), be32(0),
	)))

	moov := box("moov", concat(mvhd, trak, mvex))
	return concat(ftyp, moov)
}

func tkhd(t media.Track) []byte {
	w, h := t.Width<<16, t.Height<<16
	return concat(
		be32(0x00000007), be32(0), be32(0), // version/flags (enabled|in movie|in preview), creation, modification
		be32(uint32(t.ID)), be32(0), be32(0), // track_id, reserved, duration
		be32(0), be32(0), be16(0), be16(0), // reserved, layer, alt group
		be16(0), be16(0), // volume, reserved
		identityMatrix(),
		be32(uint32(w)), be32(uint32(h)),
	)
}

func mdia(t media.Track) []byte {
	handler := "vide"
	if t.Type == media.TrackAudio {
		handler = "soun"
	}
	mdhd := box("mdhd", concat(
		be32(0), be32(0), be32(0),
		be32(uint32(t.Timebase.Den)), be32(0),
		be16(0x55c4), be16(0),
	))
	hdlr := box("hdlr", concat(
		be32(0), be32(0), []byte(handler), be32(0), be32(0), be32(0),
		[]byte("aperture\x00"),
	))
	minf := box("minf", minfBody(t))
	return concat(mdhd, hdlr, minf)
}

// minfBody builds the media information box contents for an fMP4 init
// segment: a real stsd sample entry (so the decoder can be configured)
// plus an empty stts/stsc/stsz/stco sample table, since actual sample
// locations live in each fragment's moof/mdat, not in the init segment.
func minfBody(t media.Track) []byte {
	var sampleEntry []byte
	if t.Type == media.TrackVideo {
		sampleEntry = visualSampleEntry(t)
	} else {
		sampleEntry = audioSampleEntry(t)
	}
	stsd := box("stsd", concat(be32(0), be32(1), sampleEntry))
	stts := box("stts", concat(be32(0), be32(0)))
	stsc := box("stsc", concat(be32(0), be32(0)))
	stsz := box("stsz", concat(be32(0), be32(0), be32(0)))
	stco := box("stco", concat(be32(0), be32(0)))
	vmhdOrSmhd := []byte{}
	if t.Type == media.TrackVideo {
		vmhdOrSmhd = box("vmhd", concat(be32(1), be16(0), be16(0), be16(0), be16(0)))
	} else {
		vmhdOrSmhd = box("smhd", concat(be32(0), be16(0), be16(0)))
	}
	dinf := box("dinf", box("dref", concat(be32(0), be32(1), box("url ", be32(1)))))
	return concat(vmhdOrSmhd, dinf, box("stbl", concat(stsd, stts, stsc, stsz, stco)))
}

func visualSampleEntry(t media.Track) []byte {
	fourcc := "avc1"
	var configBox []byte
	if t.Codec == media.CodecH265 {
		fourcc = "hvc1"
		configBox = box("hvcC", t.Extradata)
	} else {
		configBox = box("avcC", t.Extradata)
	}
	body := concat(
		be16(0), be16(0), be32(0), // reserved, data_reference_index, reserved
		be32(0), be32(0), be32(0),
		be16(uint16(t.Width)), be16(uint16(t.Height)),
		be32(0x00480000), be32(0x00480000), // horiz/vert resolution 72dpi
		be32(0), be16(1), // reserved, frame_count
		make([]byte, 32), // compressorname
		be16(0x0018), be16(0xFFFF), // depth, pre_defined
		configBox,
	)
	return box(fourcc, body)
}

func audioSampleEntry(t media.Track) []byte {
	configBox := box("esds", t.Extradata)
	body := concat(
		be32(0), be32(0), // reserved
		be16(uint16(t.Channels)), be16(16), // channelcount, samplesize
		be16(0), be16(0), // pre_defined, reserved
		be32(uint32(t.SampleRate)<<16),
		configBox,
	)
	return box("mp4a", body)
}

// Fragment builds a moof+mdat pair for one chunk of samples on a track,
// the unit LL-DASH/CMAF delivers over a chunked HTTP response as each
// sample becomes available. Sample data is converted to the framing
// ISO/IEC 14496-12 requires inside mdat before it is written: Annex-B
// video packets become AVCC/HVCC length-prefixed NAL units, and ADTS-framed
// AAC packets have their ADTS header stripped to the raw access unit.
func Fragment(sequence uint32, track media.Track, baseDecodeTime int64, samples []media.Packet) []byte {
	var trun []byte
	var mdat []byte
	flags := uint32(0x000701) // data-offset, duration, size, flags present
	for _, s := range samples {
		sampleFlags := uint32(0x00010000) // non-sync sample (not a keyframe)
		if s.Keyframe {
			sampleFlags = 0
		}
		data := sampleToMdat(track, s)
		trun = concat(trun, be32(uint32(s.Duration)), be32(uint32(len(data))), be32(sampleFlags))
		mdat = concat(mdat, data)
	}

	trunBody := concat(packVersionFlags(0, flags), be32(uint32(len(samples))), be32(uint32(8+16+8)), trun)
	trunBox := box("trun", trunBody)

	tfhd := box("tfhd", concat(packVersionFlags(0, 0x020000), be32(uint32(track.ID))))
	tfdt := box("tfdt", concat(packVersionFlags(1, 0), be64(uint64(baseDecodeTime))))
	traf := box("traf", concat(tfhd, tfdt, trunBox))

	mfhd := box("mfhd", concat(be32(0), be32(sequence)))
	moof := box("moof", concat(mfhd, traf))
	mdatBox := box("mdat", mdat)
	return concat(moof, mdatBox)
}

// sampleToMdat converts one Packet's wire-framed Data into the sample
// format ISO/IEC 14496-12 mdat entries require for the track's codec.
func sampleToMdat(track media.Track, s media.Packet) []byte {
	switch track.Codec {
	case media.CodecH264:
		nalus := demux.ParseAnnexB(s.Data)
		raw := make([][]byte, len(nalus))
		for i, n := range nalus {
			raw[i] = n.Data
		}
		return AnnexBToAVC1(raw)
	case media.CodecH265:
		nalus := demux.ParseAnnexBHEVC(s.Data)
		raw := make([][]byte, len(nalus))
		for i, n := range nalus {
			raw[i] = n.Data
		}
		return AnnexBToAVC1(raw)
	case media.CodecAAC:
		return StripADTS(s.Data)
	default:
		return s.Data
	}
}

func packVersionFlags(version byte, flags uint32) []byte {
	b := make([]byte, 4)
	b[0] = version
	b[1] = byte(flags >> 16)
	b[2] = byte(flags >> 8)
	b[3] = byte(flags)
	return b
}

func identityMatrix() []byte {
	m := make([]byte, 36)
	binary.BigEndian.PutUint32(m[0:4], 0x00010000)
	binary.BigEndian.PutUint32(m[16:20], 0x00010000)
	binary.BigEndian.PutUint32(m[32:36], 0x40000000)
	return m
}

func be16(v uint16) []byte {
	b := make([]byte, 2)
	binary.BigEndian.PutUint16(b, v)
	return b
}

func be32(v uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return b
}

func be64(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func concat(parts ...[]byte) []byte {
	var total int
	for _, p := range parts {
		total += len(p)
	}
	out := make([]byte, 0, total)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}
