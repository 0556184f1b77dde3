package segment

import (
	"fmt"
	"strings"

	"github.com/aperturemedia/aperture/media"
)

// buildHLSPlaylist renders a #EXTM3U media playlist text for the
// segments currently in the ring, by hand — the format is a handful of
// tag lines, nothing a library earns its keep parsing or generating.
func buildHLSPlaylist(streamKey, ext string, ring []media.Segment, events []CueEvent) string {
	var b strings.Builder
	b.WriteString("#EXTM3U\n")
	b.WriteString("#EXT-X-VERSION:6\n")

	target := targetDuration(ring)
	fmt.Fprintf(&b, "#EXT-X-TARGETDURATION:%d\n", target)

	if len(ring) > 0 {
		fmt.Fprintf(&b, "#EXT-X-MEDIA-SEQUENCE:%d\n", ring[0].Sequence)
	}

	if ext == ".m4s" {
		fmt.Fprintf(&b, "#EXT-X-MAP:URI=\"%s-init.mp4\"\n", streamKey)
	}

	for _, ev := range events {
		if ev.Out {
			fmt.Fprintf(&b, "#EXT-X-CUE-OUT:%.3f\n", ev.Duration)
			fmt.Fprintf(&b, "#EXT-X-DATERANGE:ID=\"%s\",CLASS=\"com.apple.hls.interstitial\",DURATION=%.3f\n", ev.ID, ev.Duration)
		} else {
			b.WriteString("#EXT-X-CUE-IN\n")
		}
	}

	for _, seg := range ring {
		fmt.Fprintf(&b, "#EXTINF:%.3f,\n", seg.Duration)
		fmt.Fprintf(&b, "%s-%d%s\n", streamKey, seg.Sequence, ext)
	}

	return b.String()
}

func targetDuration(ring []media.Segment) int {
	var max float64
	for _, s := range ring {
		if s.Duration > max {
			max = s.Duration
		}
	}
	if max == 0 {
		return 6
	}
	return int(max + 0.999)
}

// MasterPlaylist builds an HLS multivariant playlist referencing one
// media playlist per output rendition, used when an Application
// configures more than one OutputProfile.
func MasterPlaylist(renditions []Rendition) string {
	var b strings.Builder
	b.WriteString("#EXTM3U\n")
	b.WriteString("#EXT-X-VERSION:6\n")
	for _, r := range renditions {
		fmt.Fprintf(&b, "#EXT-X-STREAM-INF:BANDWIDTH=%d,RESOLUTION=%dx%d,CODECS=\"%s\"\n",
			r.BandwidthBps, r.Width, r.Height, r.Codecs)
		b.WriteString(r.PlaylistURI)
		b.WriteByte('\n')
	}
	return b.String()
}

// Rendition describes one OutputProfile's HLS media playlist for
// inclusion in a MasterPlaylist.
type Rendition struct {
	Name         string
	PlaylistURI  string
	BandwidthBps int
	Width        int
	Height       int
	Codecs       string
}
