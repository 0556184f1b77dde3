package segment

import (
	"fmt"

	"github.com/aperturemedia/aperture/media"
	"github.com/aperturemedia/aperture/publisher/segment/mpd"
)

// buildMPD assembles a DASH manifest for the ring's single track using
// the mpd sub-package's struct-then-render idiom.
func buildMPD(streamKey string, track media.Track, ring []media.Segment, events []CueEvent) string {
	as := mpd.AdaptationSet{
		ID:           track.ID,
		InitURI:      fmt.Sprintf("%s-init.mp4", streamKey),
		MediaPattern: fmt.Sprintf("%s-$Number$.m4s", streamKey),
		TimescaleHz:  track.Timebase.Den,
	}
	if as.TimescaleHz == 0 {
		as.TimescaleHz = 1000
	}

	switch track.Type {
	case media.TrackVideo:
		as.ContentType = "video"
		as.MimeType = "video/mp4"
		as.Codecs = videoCodecString(track)
		as.Width = track.Width
		as.Height = track.Height
	case media.TrackAudio:
		as.ContentType = "audio"
		as.MimeType = "audio/mp4"
		as.Codecs = "mp4a.40.2"
		as.SampleRate = track.SampleRate
	default:
		return ""
	}

	for _, s := range ring {
		as.Segments = append(as.Segments, mpd.Segment{
			Sequence:   s.Sequence,
			DurationMs: int64(s.Duration * 1000),
		})
	}

	m := &mpd.Manifest{
		StreamKey:        streamKey,
		MinBufferTimeSec: 2,
		IsLive:           true,
		AdaptationSets:   []mpd.AdaptationSet{as},
		Events:           dashEvents(events),
	}
	return m.Render()
}

func dashEvents(events []CueEvent) []mpd.Event {
	var out []mpd.Event
	for _, ev := range events {
		presence := "in"
		if ev.Out {
			presence = "out"
		}
		out = append(out, mpd.Event{ID: ev.ID, Duration: ev.Duration, Presence: presence})
	}
	return out
}

func videoCodecString(t media.Track) string {
	if t.Codec == media.CodecH265 {
		return "hvc1.1.6.L93.90"
	}
	return "avc1.42E01E"
}
