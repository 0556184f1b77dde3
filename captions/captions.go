// Package captions adapts the teacher's CEA-608/708 caption plumbing
// (github.com/zsiec/ccx, decoded by demux.Demuxer into
// *ccx.CaptionFrame) into the router.Router packet model, so a caption
// track flows through the same fan-out/publish path as video and
// audio. Styled regions are dropped at this boundary — they describe
// on-screen positioning for a burned-in overlay renderer, which this
// origin server (an HLS/DASH/WebRTC origin, not a player) never does —
// so only the plain decoded text and CEA-608 channel number cross.
package captions

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/zsiec/ccx"

	"github.com/aperturemedia/aperture/media"
	"github.com/aperturemedia/aperture/router"
)

// Timebase matches demux.Demuxer's PTS units (microseconds), so a
// caption packet's PTS lines up with the video/audio tracks emitted by
// the same Demuxer instance without rescaling.
var Timebase = media.Timebase{Num: 1, Den: 1000000}

// NewTrack builds the media.Track a caption Pump registers before
// pushing any packets.
func NewTrack(id int) media.Track {
	return media.Track{ID: id, Type: media.TrackCaption, Timebase: Timebase}
}

// wireFrame is the wire encoding of one caption cue: just enough to
// reconstruct a subtitle cue downstream (WebVTT segment text, an
// EventStream entry, a debug API) without ccx's decoder-internal
// styling types.
type wireFrame struct {
	Channel int    `json:"channel"`
	Text    string `json:"text"`
}

// Encode serializes a decoded caption frame for a media.Packet's Data.
func Encode(f *ccx.CaptionFrame) ([]byte, error) {
	return json.Marshal(wireFrame{Channel: f.Channel, Text: f.Text})
}

// Decode reverses Encode.
func Decode(b []byte) (channel int, text string, err error) {
	var w wireFrame
	if err := json.Unmarshal(b, &w); err != nil {
		return 0, "", fmt.Errorf("captions: decoding frame: %w", err)
	}
	return w.Channel, w.Text, nil
}

// Pump reads decoded caption frames from a demux.Demuxer's Captions()
// channel and forwards each as a Packet on trackID until frames is
// closed or ctx is cancelled — the same demux-frame-to-router-packet
// bridge provider/rtmp.forwardFrame builds for RTMP access units,
// generalized here to the caption channel a provider/mpegts session
// reads alongside its video and audio channels.
func Pump(ctx context.Context, frames <-chan *ccx.CaptionFrame, r *router.Router, trackID int) {
	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-frames:
			if !ok {
				return
			}
			forward(r, trackID, f)
		}
	}
}

func forward(r *router.Router, trackID int, f *ccx.CaptionFrame) {
	data, err := Encode(f)
	if err != nil {
		return
	}
	p := media.NewPacket()
	p.TrackID = trackID
	p.PTS = f.PTS
	p.DTS = f.PTS
	p.Data = append(p.Data[:0], data...)
	if err := r.Push(p); err != nil {
		p.Release()
	}
}
