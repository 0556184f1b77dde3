package transcode

import "github.com/aperturemedia/aperture/media"

// Profile describes one target rendition's encode policy. GOPSize and
// the disabled-B-frames/baseline-profile defaults mirror what a live
// low-latency origin needs: predictable, short GOPs and no reordering
// delay.
type Profile struct {
	Name       string
	Track      media.Track
	GOPSize    int // in frames, typically equal to the output framerate
	BFrames    int // kept at 0 for live low-latency profiles
	Bitrate    int // bits/sec, 0 = codec default
}

// PacketizationMode1 is the H.264 RTP packetization mode this origin
// advertises and produces (single NAL or FU-A per RTP packet, no
// interleaving).
const PacketizationMode1 = 1

// H264Baseline is the default output profile_idc for transcoded H.264
// renditions; baseline avoids B-frames and keeps decode complexity low
// for the broadest set of viewers.
const H264Baseline = 0x42

// OpusUseInbandFEC is set on transcoded Opus output so packet loss
// recovery doesn't depend on a separate FEC stream.
const OpusUseInbandFEC = true
