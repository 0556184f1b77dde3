// Package media defines the pre-router frame types produced by
// demux.Demuxer's MPEG-TS parsing (PES-level access units, not yet cut
// into the Packet/Track model the router speaks); fmp4's AVCC/ADTS
// conversion helpers operate on them before a provider repackages their
// payload into a media.Packet for Router.Push.
package media

// VideoFrame represents a single decoded video access unit (one picture) ready
// for relay to viewers. It carries the raw NAL units in Annex B format along
// with parameter sets needed by decoders to initialize or reconfigure.
type VideoFrame struct {
	PTS        int64
	DTS        int64
	IsKeyframe bool
	NALUs      [][]byte
	SPS        []byte
	PPS        []byte
	VPS        []byte
	Codec      string // "h264" or "h265"
	GroupID    uint32
	WireData   []byte // pre-serialized AVC1 (length-prefixed) NALUs for distribution
}

// AudioFrame represents a single AAC audio frame (ADTS-wrapped) belonging
// to a specific audio track. Multi-track streams produce separate AudioFrames
// with distinct TrackIndex values.
type AudioFrame struct {
	PTS        int64
	Data       []byte
	SampleRate int
	Channels   int
	TrackIndex int
}
