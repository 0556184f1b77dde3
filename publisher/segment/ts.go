package segment

import (
	"bytes"

	gomp2 "github.com/yapingcat/gomedia/go-mpeg2"

	"github.com/aperturemedia/aperture/media"
)

// muxTS packetizes one GOP's worth of packets into an MPEG-TS segment
// using gomedia's TS muxer — PAT/PMT/PES framing into 188-byte packets
// — rather than hand-rolling PSI tables a second time; the kept mpegts
// package already owns the demux side of this exact wire format.
func muxTS(track media.Track, packets []*media.Packet) ([]byte, error) {
	var buf bytes.Buffer

	muxer := gomp2.NewTSMuxer()
	muxer.OnPacket = func(pkg []byte) {
		buf.Write(pkg)
	}

	pid := muxer.AddStream(tsStreamType(track))

	for _, p := range packets {
		pts := uint64(track.Timebase.Rescale(p.PTS, media.NTP90kHz))
		dts := uint64(track.Timebase.Rescale(p.DTS, media.NTP90kHz))
		if err := muxer.Write(pid, p.Data, pts, dts); err != nil {
			return nil, err
		}
	}

	return buf.Bytes(), nil
}

func tsStreamType(t media.Track) gomp2.TS_STREAM_TYPE {
	switch t.Codec {
	case media.CodecH265:
		return gomp2.TS_STREAM_H265
	case media.CodecAAC:
		return gomp2.TS_STREAM_AAC
	default:
		return gomp2.TS_STREAM_H264
	}
}
