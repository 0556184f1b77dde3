package segment

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aperturemedia/aperture/fmp4"
	"github.com/aperturemedia/aperture/media"
)

// TargetSegmentDuration is the default GOP-boundary segment length used
// when an Application's OutputProfile doesn't override it.
const TargetSegmentDuration = 6 * time.Second

// StreamMuxer is a router.Observer that accumulates one track's packets
// GOP-by-GOP and, on each video keyframe boundary once the target
// duration has elapsed, muxes the accumulated packets into a TS or
// fMP4 segment and appends it to a Cache. Segments are cut only on this
// track's own video keyframes: a muxer is not linked to any other
// track, so a muxer on a non-video track never closes a segment.
type StreamMuxer struct {
	id       string
	log      *slog.Logger
	track    media.Track
	cache    *Cache
	pool     *WorkerPool
	target   time.Duration
	fragSeq  uint32

	mu       sync.Mutex
	pending  []*media.Packet
	segStart int64 // PTS of the first pending packet, track timebase
}

// NewStreamMuxer creates a muxer for one track, writing completed
// segments into cache via pool-scheduled build jobs.
func NewStreamMuxer(id string, track media.Track, cache *Cache, pool *WorkerPool, target time.Duration, log *slog.Logger) *StreamMuxer {
	if target <= 0 {
		target = TargetSegmentDuration
	}
	if log == nil {
		log = slog.Default()
	}
	if cache.format == FormatFMP4 {
		cache.SetInitSegment(fmp4.InitSegment(track))
	}
	return &StreamMuxer{
		id:     id,
		log:    log.With("component", "segment-muxer", "track", track.ID),
		track:  track,
		cache:  cache,
		pool:   pool,
		target: target,
	}
}

// ID implements router.Observer.
func (m *StreamMuxer) ID() string { return m.id }

// QueueDepth implements router.Observer; muxing happens synchronously
// off the router's drain goroutine via the shared WorkerPool, so the
// muxer itself never buffers more than one in-flight segment.
func (m *StreamMuxer) QueueDepth() int { return 0 }

// OnPacket implements router.Observer.
func (m *StreamMuxer) OnPacket(pkt *media.Packet) {
	if pkt.TrackID != m.track.ID {
		return
	}

	pkt.Retain()

	m.mu.Lock()
	if len(m.pending) == 0 {
		m.segStart = pkt.PTS
	}
	m.pending = append(m.pending, pkt)

	elapsed := m.track.Timebase.Seconds(pkt.PTS - m.segStart)
	shouldCut := m.track.Type == media.TrackVideo && pkt.Keyframe && len(m.pending) > 1 &&
		time.Duration(elapsed*float64(time.Second)) >= m.target

	var batch []*media.Packet
	if shouldCut {
		batch = m.pending[:len(m.pending)-1]
		m.pending = []*media.Packet{pkt}
		m.segStart = pkt.PTS
	}
	m.mu.Unlock()

	if batch == nil {
		return
	}
	m.submitSegment(batch)
}

func (m *StreamMuxer) submitSegment(batch []*media.Packet) {
	seq := m.fragSeq
	m.fragSeq++

	job := func() {
		defer func() {
			for _, p := range batch {
				p.Release()
			}
		}()

		duration := segmentDuration(m.track, batch)
		seg := media.Segment{
			Duration:  duration,
			CreatedAt: time.Now().UnixMilli(),
			Keyframe:  true,
		}

		var err error
		if m.cache.format == FormatFMP4 {
			seg.Bytes, err = muxFMP4(seq, m.track, batch)
		} else {
			seg.Bytes, err = muxTS(m.track, batch)
		}
		if err != nil {
			m.log.Warn("segment mux failed", "error", err)
			return
		}

		m.cache.Append(seg)
	}

	if m.pool == nil {
		job()
		return
	}
	if !m.pool.Submit(job) {
		m.log.Warn("segment worker pool saturated, dropping segment", "track", m.track.ID)
		for _, p := range batch {
			p.Release()
		}
	}
}

func segmentDuration(track media.Track, batch []*media.Packet) float64 {
	if len(batch) == 0 {
		return 0
	}
	first, last := batch[0], batch[len(batch)-1]
	return track.Timebase.Seconds(last.PTS - first.PTS + last.Duration)
}

func muxFMP4(seq uint32, track media.Track, batch []*media.Packet) ([]byte, error) {
	if len(batch) == 0 {
		return nil, fmt.Errorf("segment: empty fMP4 fragment batch")
	}
	samples := make([]media.Packet, len(batch))
	for i, p := range batch {
		samples[i] = *p
	}
	return fmp4.Fragment(seq, track, batch[0].PTS, samples), nil
}
