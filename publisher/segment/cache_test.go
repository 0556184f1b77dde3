package segment

import (
	"strings"
	"testing"

	"github.com/aperturemedia/aperture/media"
)

func testTrack() media.Track {
	return media.Track{ID: 0, Type: media.TrackVideo, Codec: media.CodecH264, Timebase: media.NTP90kHz, Width: 1280, Height: 720}
}

func TestCacheAppendEvictsOldestBeyondCapacity(t *testing.T) {
	c := NewCache("stream1", FormatTS, testTrack(), 3)
	for i := 0; i < 5; i++ {
		c.Append(media.Segment{Duration: 6, Bytes: []byte("seg")})
	}

	if got := c.Len(); got != 3 {
		t.Fatalf("Len() = %d, want 3", got)
	}

	// sequence numbers keep incrementing even though old entries are evicted
	if _, ok := c.Segment(0); ok {
		t.Error("sequence 0 should have aged out of a 3-entry ring after 5 appends")
	}
	if b, ok := c.Segment(4); !ok || string(b) != "seg" {
		t.Error("most recent sequence should still be in the ring")
	}
}

func TestCacheDefaultsCapacity(t *testing.T) {
	c := NewCache("stream1", FormatTS, testTrack(), 0)
	for i := 0; i < 10; i++ {
		c.Append(media.Segment{Duration: 6})
	}
	if got := c.Len(); got != 6 {
		t.Fatalf("Len() = %d, want default capacity 6", got)
	}
}

func TestCachePlaylistRegeneratesOnAppend(t *testing.T) {
	c := NewCache("stream1", FormatTS, testTrack(), 6)

	empty, err := c.Playlist(".m3u8")
	if err != nil {
		t.Fatalf("Playlist: %v", err)
	}
	if !strings.Contains(empty, "#EXTM3U") {
		t.Error("expected an empty-ring playlist to still carry the EXTM3U header")
	}
	if strings.Contains(empty, "#EXTINF") {
		t.Error("empty ring should not emit any #EXTINF entries")
	}

	c.Append(media.Segment{Duration: 6.006, Bytes: []byte("a")})
	c.Append(media.Segment{Duration: 6.006, Bytes: []byte("b")})

	got, err := c.Playlist(".m3u8")
	if err != nil {
		t.Fatalf("Playlist: %v", err)
	}
	if strings.Count(got, "#EXTINF") != 2 {
		t.Errorf("expected 2 #EXTINF entries, got playlist:\n%s", got)
	}
	if !strings.Contains(got, "stream1-0.ts") || !strings.Contains(got, "stream1-1.ts") {
		t.Errorf("expected segment URIs named by stream key and sequence, got:\n%s", got)
	}
}

func TestCachePlaylistUnsupportedExtension(t *testing.T) {
	c := NewCache("stream1", FormatTS, testTrack(), 6)
	if _, err := c.Playlist(".ts"); err == nil {
		t.Error("expected an error for an unsupported playlist extension")
	}
}

func TestCacheFMP4UsesInitSegmentAndM4SExtension(t *testing.T) {
	c := NewCache("stream1", FormatFMP4, testTrack(), 6)
	c.SetInitSegment([]byte("moov-bytes"))
	if got := c.InitSegment(); string(got) != "moov-bytes" {
		t.Errorf("InitSegment() = %q, want moov-bytes", got)
	}

	c.Append(media.Segment{Duration: 2, Bytes: []byte("frag")})
	playlist, err := c.Playlist(".m3u8")
	if err != nil {
		t.Fatalf("Playlist: %v", err)
	}
	if !strings.Contains(playlist, "#EXT-X-MAP:URI=\"stream1-init.mp4\"") {
		t.Errorf("expected EXT-X-MAP init segment reference, got:\n%s", playlist)
	}
	if !strings.Contains(playlist, "stream1-0.m4s") {
		t.Errorf("expected .m4s segment extension, got:\n%s", playlist)
	}
}

func TestCacheLastDuration(t *testing.T) {
	c := NewCache("stream1", FormatTS, testTrack(), 6)
	if got := c.LastDuration(); got != 6 {
		t.Errorf("LastDuration() on empty ring = %v, want default 6", got)
	}

	c.Append(media.Segment{Duration: 4.5})
	if got := c.LastDuration(); got != 4.5 {
		t.Errorf("LastDuration() = %v, want 4.5", got)
	}
}

func TestCacheAttachSCTE35EmitsCueTags(t *testing.T) {
	c := NewCache("stream1", FormatTS, testTrack(), 6)
	marker := NewSCTE35Marker()
	marker.pending = append(marker.pending, CueEvent{ID: "1", Duration: 30, Out: true})
	c.AttachSCTE35(marker)

	c.Append(media.Segment{Duration: 6})

	playlist, err := c.Playlist(".m3u8")
	if err != nil {
		t.Fatalf("Playlist: %v", err)
	}
	if !strings.Contains(playlist, "#EXT-X-CUE-OUT:30.000") {
		t.Errorf("expected a CUE-OUT tag, got:\n%s", playlist)
	}

	// the event was drained on the first regeneration; a second append
	// must not repeat it.
	c.Append(media.Segment{Duration: 6})
	playlist2, err := c.Playlist(".m3u8")
	if err != nil {
		t.Fatalf("Playlist: %v", err)
	}
	if strings.Contains(playlist2, "#EXT-X-CUE-OUT") {
		t.Error("cue events must be emitted exactly once, not on every subsequent regeneration")
	}
}
