// Package segment implements the HLS/DASH/LL-DASH-CMAF publisher: an
// interceptor-chain HTTP server sharing one listener per port, a
// per-stream segment ring with regenerated playlists, session
// accounting, and signed-URL admission.
package segment

import (
	"fmt"
	"sync"

	"github.com/aperturemedia/aperture/media"
	"github.com/aperturemedia/aperture/metrics"
)

// Format distinguishes the segment container a Cache holds, since the
// playlist text (and the file extension clients request) differs.
type Format int

const (
	FormatTS   Format = iota // HLS, MPEG-TS segments
	FormatFMP4               // HLS fMP4 or DASH/LL-DASH/CMAF
)

// Cache is the per-stream segment ring described by spec.md §4.4: a
// fixed-size ring of media.Segment indexed by sequence number. Appending
// drops the oldest entry once full and regenerates the cached playlist
// text for every format currently in use.
type Cache struct {
	streamKey string
	format    Format
	track     media.Track
	initSeg   []byte // fMP4 init segment (moov), nil for TS

	metrics *metrics.Registry

	mu       sync.Mutex
	ring     []media.Segment
	capacity int
	nextSeq  int64

	hlsPlaylist string
	mpdPlaylist string
	scte35      *SCTE35Marker
}

// NewCache creates a ring holding at most segmentCount entries for one
// stream/track/format combination.
func NewCache(streamKey string, format Format, track media.Track, segmentCount int) *Cache {
	if segmentCount <= 0 {
		segmentCount = 6
	}
	return &Cache{
		streamKey: streamKey,
		format:    format,
		track:     track,
		capacity:  segmentCount,
	}
}

// SetMetrics wires a Registry so Append records every segment it
// writes. A nil registry (the default) disables instrumentation.
func (c *Cache) SetMetrics(m *metrics.Registry) {
	c.mu.Lock()
	c.metrics = m
	c.mu.Unlock()
}

// SetInitSegment records the fMP4 ftyp+moov bytes served once to every
// new fMP4 client ahead of the moof/mdat fragments. Unused for TS.
func (c *Cache) SetInitSegment(b []byte) {
	c.mu.Lock()
	c.initSeg = b
	c.mu.Unlock()
}

// InitSegment returns the stored fMP4 init segment, or nil if none was set.
func (c *Cache) InitSegment() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.initSeg
}

// Append adds a newly-completed segment to the ring, evicting the oldest
// entry once at capacity, and regenerates the cached playlist text.
func (c *Cache) Append(seg media.Segment) {
	c.mu.Lock()
	defer c.mu.Unlock()

	seg.Sequence = c.nextSeq
	c.nextSeq++

	c.ring = append(c.ring, seg)
	if len(c.ring) > c.capacity {
		c.ring = c.ring[len(c.ring)-c.capacity:]
	}

	c.regenerateLocked()

	if c.metrics != nil {
		c.metrics.IncSegmentsPublished()
	}
}

// AttachSCTE35 wires a SCTE35Marker so the next playlist regeneration
// emits cue tags for any pending splice events.
func (c *Cache) AttachSCTE35(m *SCTE35Marker) {
	c.mu.Lock()
	c.scte35 = m
	c.mu.Unlock()
}

func (c *Cache) regenerateLocked() {
	ext := segmentExtension(c.format)
	events := c.scte35.Drain()
	c.hlsPlaylist = buildHLSPlaylist(c.streamKey, ext, c.ring, events)
	c.mpdPlaylist = buildMPD(c.streamKey, c.track, c.ring, events)
}

// Playlist returns the cached HLS or DASH manifest text for ext
// (".m3u8" or ".mpd"). Only fully-written ring entries are ever
// reflected, since regeneration happens strictly after Append.
func (c *Cache) Playlist(ext string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch ext {
	case ".m3u8":
		return c.hlsPlaylist, nil
	case ".mpd":
		return c.mpdPlaylist, nil
	default:
		return "", fmt.Errorf("segment: unsupported playlist extension %q", ext)
	}
}

// Segment returns the bytes of the ring entry with the given sequence
// number, or false if it has aged out of the ring or was never written.
func (c *Cache) Segment(seq int64) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range c.ring {
		if s.Sequence == seq {
			return s.Bytes, true
		}
	}
	return nil, false
}

// Len returns the number of segments currently held in the ring.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.ring)
}

// LastDuration returns the duration of the most recently appended
// segment, or 6 seconds (a reasonable HLS default) if the ring is
// empty — used to size the new-session detection window.
func (c *Cache) LastDuration() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.ring) == 0 {
		return 6
	}
	return c.ring[len(c.ring)-1].Duration
}

func segmentExtension(f Format) string {
	if f == FormatFMP4 {
		return ".m4s"
	}
	return ".ts"
}
