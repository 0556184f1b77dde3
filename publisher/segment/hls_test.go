package segment

import (
	"strings"
	"testing"

	"github.com/aperturemedia/aperture/media"
)

func TestBuildHLSPlaylistBasic(t *testing.T) {
	ring := []media.Segment{
		{Sequence: 10, Duration: 5.5},
		{Sequence: 11, Duration: 6.2},
	}
	got := buildHLSPlaylist("mystream", ".ts", ring, nil)

	if !strings.HasPrefix(got, "#EXTM3U\n") {
		t.Fatalf("playlist must start with #EXTM3U, got:\n%s", got)
	}
	if !strings.Contains(got, "#EXT-X-TARGETDURATION:7\n") {
		t.Errorf("expected target duration rounded up from the max segment duration, got:\n%s", got)
	}
	if !strings.Contains(got, "#EXT-X-MEDIA-SEQUENCE:10\n") {
		t.Errorf("expected media sequence to match the first ring entry, got:\n%s", got)
	}
	if !strings.Contains(got, "mystream-10.ts") || !strings.Contains(got, "mystream-11.ts") {
		t.Errorf("expected segment URIs for both ring entries, got:\n%s", got)
	}
	if strings.Contains(got, "EXT-X-MAP") {
		t.Error("TS playlists must not carry an EXT-X-MAP init segment reference")
	}
}

func TestBuildHLSPlaylistFMP4IncludesInitMap(t *testing.T) {
	ring := []media.Segment{{Sequence: 0, Duration: 2}}
	got := buildHLSPlaylist("s", ".m4s", ring, nil)
	if !strings.Contains(got, `#EXT-X-MAP:URI="s-init.mp4"`) {
		t.Errorf("expected an init segment map tag for fMP4 playlists, got:\n%s", got)
	}
}

func TestBuildHLSPlaylistCueEvents(t *testing.T) {
	ring := []media.Segment{{Sequence: 0, Duration: 6}}
	events := []CueEvent{
		{ID: "42", Duration: 30, Out: true},
	}
	got := buildHLSPlaylist("s", ".ts", ring, events)
	if !strings.Contains(got, "#EXT-X-CUE-OUT:30.000") {
		t.Errorf("expected CUE-OUT tag, got:\n%s", got)
	}
	if !strings.Contains(got, `ID="42"`) {
		t.Errorf("expected the DATERANGE tag to carry the cue's ID, got:\n%s", got)
	}

	cueIn := buildHLSPlaylist("s", ".ts", ring, []CueEvent{{ID: "42", Out: false}})
	if !strings.Contains(cueIn, "#EXT-X-CUE-IN") {
		t.Errorf("expected CUE-IN tag, got:\n%s", cueIn)
	}
}

func TestBuildHLSPlaylistEmptyRingDefaultsTargetDuration(t *testing.T) {
	got := buildHLSPlaylist("s", ".ts", nil, nil)
	if !strings.Contains(got, "#EXT-X-TARGETDURATION:6\n") {
		t.Errorf("expected default target duration of 6 for an empty ring, got:\n%s", got)
	}
}

func TestMasterPlaylist(t *testing.T) {
	got := MasterPlaylist([]Rendition{
		{Name: "720p", PlaylistURI: "720p.m3u8", BandwidthBps: 2500000, Width: 1280, Height: 720, Codecs: "avc1.64001f,mp4a.40.2"},
		{Name: "360p", PlaylistURI: "360p.m3u8", BandwidthBps: 800000, Width: 640, Height: 360, Codecs: "avc1.42001e,mp4a.40.2"},
	})

	if !strings.Contains(got, "BANDWIDTH=2500000") {
		t.Errorf("expected bandwidth attribute for 720p rendition, got:\n%s", got)
	}
	if !strings.Contains(got, "RESOLUTION=1280x720") {
		t.Errorf("expected resolution attribute, got:\n%s", got)
	}
	if !strings.Contains(got, "720p.m3u8") || !strings.Contains(got, "360p.m3u8") {
		t.Errorf("expected both rendition URIs listed, got:\n%s", got)
	}
}
