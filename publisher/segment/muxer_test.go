package segment

import (
	"testing"

	"github.com/aperturemedia/aperture/media"
)

func videoTrack() media.Track {
	return media.Track{ID: 0, Type: media.TrackVideo, Codec: media.CodecH264, Timebase: media.NTP90kHz, Width: 1280, Height: 720}
}

func keyframePacket(pts int64) *media.Packet {
	p := media.NewPacket()
	p.TrackID = 0
	p.PTS, p.DTS = pts, pts
	p.Keyframe = true
	p.Data = append(p.Data, 0x00, 0x00, 0x00, 0x01)
	return p
}

func deltaPacket(pts int64) *media.Packet {
	p := media.NewPacket()
	p.TrackID = 0
	p.PTS, p.DTS = pts, pts
	p.Keyframe = false
	p.Data = append(p.Data, 0x00, 0x00, 0x00, 0x01)
	return p
}

// A nil WorkerPool makes the muxer run its build job synchronously on
// the caller's goroutine, which is what lets these tests assert on the
// cache immediately after OnPacket returns.
func TestStreamMuxerCutsSegmentOnKeyframeAfterTargetDuration(t *testing.T) {
	track := videoTrack()
	cache := NewCache("s", FormatFMP4, track, 6)
	m := NewStreamMuxer("s-0", track, cache, nil, 0, nil)

	// 90kHz timebase: 6 seconds = 540000 ticks. Feed a GOP shorter than
	// target, then a keyframe past the boundary.
	m.OnPacket(keyframePacket(0))
	m.OnPacket(deltaPacket(30000))
	if cache.Len() != 0 {
		t.Fatalf("no cut expected before a keyframe crosses the target duration, got Len()=%d", cache.Len())
	}

	m.OnPacket(keyframePacket(540001)) // just past 6s
	if cache.Len() != 1 {
		t.Fatalf("expected one completed segment once a keyframe crosses the target duration, got Len()=%d", cache.Len())
	}

	seg, ok := cache.Segment(0)
	if !ok || len(seg) == 0 {
		t.Error("expected the cut segment's bytes to be written into the cache")
	}
}

func TestStreamMuxerIgnoresPacketsFromOtherTracks(t *testing.T) {
	track := videoTrack()
	cache := NewCache("s", FormatFMP4, track, 6)
	m := NewStreamMuxer("s-0", track, cache, nil, 0, nil)

	other := keyframePacket(0)
	other.TrackID = 1
	m.OnPacket(other)

	m.mu.Lock()
	pending := len(m.pending)
	m.mu.Unlock()
	if pending != 0 {
		t.Error("packets belonging to a different track must not be buffered by this muxer")
	}
}

func TestStreamMuxerQueueDepthAlwaysZero(t *testing.T) {
	track := videoTrack()
	cache := NewCache("s", FormatFMP4, track, 6)
	m := NewStreamMuxer("s-0", track, cache, nil, 0, nil)
	if m.QueueDepth() != 0 {
		t.Error("StreamMuxer buffers at most one in-flight segment via the shared WorkerPool, QueueDepth should report 0")
	}
}

func TestSegmentDurationComputesFromFirstAndLastPacket(t *testing.T) {
	track := videoTrack()
	batch := []*media.Packet{keyframePacket(0), deltaPacket(90000)}
	batch[1].Duration = 0
	got := segmentDuration(track, batch)
	if got != 1.0 {
		t.Errorf("segmentDuration() = %v, want 1.0 (90000 ticks at 90kHz)", got)
	}
}

func TestSegmentDurationEmptyBatch(t *testing.T) {
	if got := segmentDuration(videoTrack(), nil); got != 0 {
		t.Errorf("segmentDuration(nil) = %v, want 0", got)
	}
}
