package segment

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// PlaylistRequestInfo records one authorized playlist fetch, inserted
// or refreshed on every successful Admit call per spec.md §4.5.
type PlaylistRequestInfo struct {
	PublisherType string
	App           string
	Stream        string
	ClientIP      string
	SessionID     string
	CreatedAt     time.Time
}

// SegmentRequestInfo tracks one client's ongoing segment fetch pattern,
// used for new-session detection and stale-session eviction.
type SegmentRequestInfo struct {
	PublisherType  string
	StreamInfo     string
	ClientIP       string
	LastSegmentSeq int64
	Duration       float64 // seconds, the stream's segment duration at insertion time
	Count          int64
	LastSeen       time.Time
}

// IsNextRequest reports whether seq is a plausible continuation of this
// session: the sequence number advancing by 1 or 2 within the window
// implied by the session's segment duration (a client may skip one
// segment under jitter without being treated as a new session).
func (s *SegmentRequestInfo) IsNextRequest(seq int64, now time.Time) bool {
	delta := seq - s.LastSegmentSeq
	if delta != 1 && delta != 2 {
		return false
	}
	window := time.Duration(float64(delta)*s.Duration*1.5) * time.Second
	if window < time.Second {
		window = time.Second
	}
	return now.Sub(s.LastSeen) <= window
}

// maxPlaylistSessionAge bounds how long a PlaylistRequestInfo survives without
// a fresh admission, and segmentEvictionFactor multiplies a stream's
// segment duration to decide when a SegmentRequestInfo's silence means
// the viewer disconnected — both per spec.md §4.5's housekeeping sweep.
const (
	maxPlaylistSessionAge     = 12 * time.Hour
	segmentEvictionFactor     = 4
	housekeepingSweepInterval = 3 * time.Second
)

// SessionTable accumulates PlaylistRequestInfo and SegmentRequestInfo
// entries for one segment publisher instance and runs the periodic
// housekeeping sweep spec.md §4.5 describes.
type SessionTable struct {
	log *slog.Logger

	mu        sync.Mutex
	playlists map[string]*PlaylistRequestInfo // keyed by session_id
	segments  []*SegmentRequestInfo

	sessionsConnected int64
}

// NewSessionTable creates an empty table.
func NewSessionTable(log *slog.Logger) *SessionTable {
	if log == nil {
		log = slog.Default()
	}
	return &SessionTable{
		log:       log.With("component", "segment-sessions"),
		playlists: make(map[string]*PlaylistRequestInfo),
	}
}

// RecordPlaylist inserts or refreshes a PlaylistRequestInfo.
func (t *SessionTable) RecordPlaylist(info PlaylistRequestInfo) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.playlists[info.SessionID] = &info
}

// HasPlaylistSession reports whether a PlaylistRequestInfo with the
// given session_id is currently recorded — the long-session admission
// grace in spec.md §4.5 rule 4.
func (t *SessionTable) HasPlaylistSession(sessionID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.playlists[sessionID]
	return ok
}

// RecordSegmentRequest implements spec.md §4.5's new-session detection:
// search entries with the same client IP; if one is a plausible
// continuation (IsNextRequest), update it in place, otherwise insert a
// new entry and bump the session-connected counter.
func (t *SessionTable) RecordSegmentRequest(publisherType, streamInfo, clientIP string, seq int64, duration float64, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, s := range t.segments {
		if s.ClientIP != clientIP || s.StreamInfo != streamInfo {
			continue
		}
		if s.IsNextRequest(seq, now) {
			s.LastSegmentSeq = seq
			s.Count++
			s.LastSeen = now
			return
		}
	}

	t.segments = append(t.segments, &SegmentRequestInfo{
		PublisherType:  publisherType,
		StreamInfo:     streamInfo,
		ClientIP:       clientIP,
		LastSegmentSeq: seq,
		Duration:       duration,
		Count:          1,
		LastSeen:       now,
	})
	t.sessionsConnected++
	t.log.Info("SESSION", "event", "connected", "stream", streamInfo, "client_ip", clientIP)
}

// SessionsConnected returns the running count of distinct sessions
// detected since the table was created, the "session connected"
// counter spec.md §4.5 attaches to the stream metric.
func (t *SessionTable) SessionsConnected() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sessionsConnected
}

// sweep evicts stale entries: SegmentRequestInfo whose LastSeen predates
// N*segment_duration (treated as a disconnect, logged as a SESSION
// stat-log line), and PlaylistRequestInfo older than the configured
// maximum session age.
func (t *SessionTable) sweep(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	live := t.segments[:0]
	for _, s := range t.segments {
		maxIdle := time.Duration(s.Duration*float64(segmentEvictionFactor)) * time.Second
		if maxIdle < housekeepingSweepInterval {
			maxIdle = housekeepingSweepInterval
		}
		if now.Sub(s.LastSeen) > maxIdle {
			t.log.Info("SESSION", "event", "disconnected", "stream", s.StreamInfo, "client_ip", s.ClientIP)
			continue
		}
		live = append(live, s)
	}
	t.segments = live

	for id, p := range t.playlists {
		if now.Sub(p.CreatedAt) > maxPlaylistSessionAge {
			delete(t.playlists, id)
		}
	}
}

// RunHousekeeping blocks, sweeping every housekeepingSweepInterval until
// ctx is cancelled.
func (t *SessionTable) RunHousekeeping(ctx context.Context) {
	ticker := time.NewTicker(housekeepingSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			t.sweep(now)
		}
	}
}
