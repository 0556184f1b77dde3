// Package orchestrator is the L2 module spec.md §1 describes: it
// resolves virtual-host/app/stream names, owns the lifecycle of
// Applications across the other modules, and wires each configured
// Application's Providers and Publishers to a shared per-stream
// router.Router. Grounded on cmd/aperture/main.go's old top-level app
// struct (errgroup-per-subsystem wiring) and distribution/server.go's
// mutex-guarded stream table (RegisterStream/GetRelay/GetPipeline),
// generalized from one hardcoded SRT/WebTransport pairing to the full
// config-driven Provider/Publisher matrix.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/aperturemedia/aperture/config"
	"github.com/aperturemedia/aperture/media"
	"github.com/aperturemedia/aperture/metrics"
	"github.com/aperturemedia/aperture/provider/ovt"
	"github.com/aperturemedia/aperture/provider/rtsp"
	"github.com/aperturemedia/aperture/publisher/segment"
	"github.com/aperturemedia/aperture/router"
)

// videoTrackID and audioTrackID are the track id convention every
// provider in this repo follows (provider/rtmp.setupTracks hardcodes
// the same pair) — the segment cache needs to know which track to
// treat as the keyframe-aligned cut boundary before any packet has
// actually arrived, so the convention has to be fixed rather than
// discovered.
const (
	videoTrackID = 1
	audioTrackID = 2
)

// stream holds everything the Orchestrator wires together once a
// given (application, stream name) pair becomes active: the shared
// Router every Provider and Publisher attaches to, and the segment
// Cache + StreamMuxer pair that turns the video track into HLS/DASH
// segments when the Application configures a Segment publisher.
type stream struct {
	app    *config.Application
	vhost  string
	router *router.Router
	cache  *segment.Cache
	muxer  *segment.StreamMuxer
	scte35 *segment.SCTE35Marker

	// generation distinguishes this stream entry from whatever entry
	// replaces it at the same key after a grace-period teardown: a
	// disconnect callback captures the generation current when the
	// Provider disconnected, so a reconnecting pull Provider that
	// recreates the entry before the grace timer fires is never torn
	// down out from under it.
	generation uint64
}

// Manager is the Orchestrator: it loads a config.Server, starts every
// enabled Provider and Publisher, and resolves stream lookups for
// them at runtime.
type Manager struct {
	log     *slog.Logger
	cfg     *config.Server
	metrics *metrics.Registry
	pool    *segment.WorkerPool

	mu          sync.RWMutex
	byAppStream map[string]*stream // "app/streamKey" -> stream
	byStreamKey map[string]*stream // "streamKey" -> stream (webrtc/ovt publishers don't scope by app)
	nextGen     uint64

	rtsp *rtsp.Puller
	ovt  *ovt.Puller
}

// New creates a Manager for the given configuration. reg may be nil,
// in which case metrics recording is a no-op.
func New(cfg *config.Server, reg *metrics.Registry, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	m := &Manager{
		log:         log.With("component", "orchestrator"),
		cfg:         cfg,
		metrics:     reg,
		pool:        segment.NewWorkerPool(context.Background(), config.DefaultWorkerPool),
		byAppStream: make(map[string]*stream),
		byStreamKey: make(map[string]*stream),
	}
	m.rtsp = rtsp.NewPuller(m.compositeRouterFactory, m.compositeDisconnect, m.log)
	m.ovt = ovt.NewPuller(m.compositeRouterFactory, m.compositeDisconnect, m.log)
	return m
}

func appStreamKey(app, streamKey string) string { return app + "/" + streamKey }

func splitAppStreamKey(key string) (app, streamKey string) {
	if i := strings.IndexByte(key, '/'); i >= 0 {
		return key[:i], key[i+1:]
	}
	return "", key
}

// compositeRouterFactory is the RouterFactory shared by the single
// rtsp.Puller and ovt.Puller instances every Application's on-demand
// pulls go through: unlike an RTMP listener (bound to one Application,
// so routerFactoryFor can bind app at construction time), a pull is
// issued by PullRequestor with an app already known, encoded into the
// composite stream key it passes as PullRequest.StreamKey.
func (m *Manager) compositeRouterFactory(streamKey string) *router.Router {
	app, bare := splitAppStreamKey(streamKey)
	return m.routerFor(app, bare)
}

// compositeDisconnect is the Disconnected callback shared by the single
// rtsp.Puller and ovt.Puller instances, mirroring compositeRouterFactory:
// a pull's stream key is already the "app/streamKey" composite, so it
// decodes directly into a scheduleUnregister call instead of going
// through DisconnectFor (which only makes sense bound to one app name).
func (m *Manager) compositeDisconnect(streamKey string) {
	app, bare := splitAppStreamKey(streamKey)
	m.scheduleUnregister(app, bare, config.DefaultStreamGracePeriod)
}

// routerFactoryFor returns a provider RouterFactory bound to one
// Application name, so every provider instance started for that
// Application's Providers element resolves streams into the same
// composite key a Publisher's StreamLookup will look for.
//
// A RouterFactory's underlying type (func(string) *router.Router) is
// identical across provider/rtmp, provider/rtsp, and provider/ovt's
// distinct named types, so one function value here satisfies all
// three without adapters.
func (m *Manager) routerFactoryFor(app string) func(streamKey string) *router.Router {
	return func(streamKey string) *router.Router {
		return m.routerFor(app, streamKey)
	}
}

// scte35SinkFor returns a callback bound to one Application name that
// forwards a raw splice_info_section payload to that stream's
// SCTE35Marker, the same per-app-bound-closure shape routerFactoryFor
// uses. A stream with no Segment publisher has no marker to feed, so
// the callback is a no-op for it.
func (m *Manager) scte35SinkFor(app string) func(streamKey string, raw []byte) {
	return func(streamKey string, raw []byte) {
		m.routerFor(app, streamKey) // ensures the stream (and its marker) exists
		key := appStreamKey(app, streamKey)

		m.mu.RLock()
		s, ok := m.byAppStream[key]
		m.mu.RUnlock()
		if !ok || s.scte35 == nil {
			return
		}
		if err := s.scte35.Ingest(raw); err != nil {
			m.log.Debug("scte35 ingest error", "app", app, "stream", streamKey, "error", err)
		}
	}
}

// routerFor returns the Router for (app, streamKey), creating it (and
// its segment Cache/StreamMuxer, if this Application configures a
// Segment publisher) on first use.
func (m *Manager) routerFor(app, streamKey string) *router.Router {
	key := appStreamKey(app, streamKey)

	m.mu.RLock()
	if s, ok := m.byAppStream[key]; ok {
		m.mu.RUnlock()
		return s.router
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.byAppStream[key]; ok {
		return s.router
	}

	appCfg, vhost, _ := m.cfg.FindByName(app)

	m.nextGen++
	s := &stream{
		app:        appCfg,
		vhost:      vhost,
		router:     router.New(key, router.DropOldest),
		generation: m.nextGen,
	}
	s.router.SetMetrics(m.metrics)

	if appCfg != nil && appCfg.Publishers.Segment != nil {
		s.cache, s.muxer = m.buildSegmentPipeline(key, appCfg.Publishers.Segment)
		s.router.AttachObserver(s.muxer, videoTrackFilter, router.DropOldest)
		s.scte35 = segment.NewSCTE35Marker()
		s.cache.AttachSCTE35(s.scte35)
	}

	m.byAppStream[key] = s
	m.byStreamKey[streamKey] = s
	m.log.Info("stream registered", "vhost", s.vhost, "app", app, "stream", streamKey)

	if m.metrics != nil {
		m.metrics.IncSessionsConnected()
		m.metrics.SetActiveStreams(len(m.byAppStream))
	}

	return s.router
}

func videoTrackFilter(t media.Track) bool { return t.ID == videoTrackID }

func (m *Manager) buildSegmentPipeline(key string, cfg *config.SegmentPublisher) (*segment.Cache, *segment.StreamMuxer) {
	track := media.Track{ID: videoTrackID, Type: media.TrackVideo, Codec: media.CodecH264, Timebase: media.Timebase{Num: 1, Den: 1000}}
	count := cfg.SegmentCount
	if count <= 0 {
		count = config.DefaultSegmentCount
	}
	cache := segment.NewCache(key, segment.FormatTS, track, count)
	cache.SetMetrics(m.metrics)
	muxer := segment.NewStreamMuxer(key, track, cache, m.pool, 0, m.log)
	return cache, muxer
}

// UnregisterStream removes a stream's Router, Cache, and StreamMuxer
// immediately, the teardown distribution/server.go's UnregisterStream
// performs for its own stream table, generalized to this package's
// richer entry. Callers that need spec.md §3's grace period (every
// Provider disconnect does) should use DisconnectFor instead.
func (m *Manager) UnregisterStream(app, streamKey string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.byAppStream, appStreamKey(app, streamKey))
	delete(m.byStreamKey, streamKey)
	if m.metrics != nil {
		m.metrics.SetActiveStreams(len(m.byAppStream))
	}
}

// DisconnectFor returns a callback bound to one Application name that a
// Provider calls from its OnDisconnected handler (spec.md §4.6). The
// stream is not deleted immediately: spec.md §3 requires a grace period
// so a pull Provider restarting the same stream can rejoin listeners
// instead of tearing down and recreating the Router, Cache, and
// StreamMuxer out from under them. The grace timer only fires the
// teardown if no newer stream generation has replaced this one by then.
func (m *Manager) DisconnectFor(app string) func(streamKey string) {
	return func(streamKey string) {
		m.scheduleUnregister(app, streamKey, config.DefaultStreamGracePeriod)
	}
}

func (m *Manager) scheduleUnregister(app, streamKey string, grace time.Duration) {
	key := appStreamKey(app, streamKey)

	m.mu.RLock()
	s, ok := m.byAppStream[key]
	m.mu.RUnlock()
	if !ok {
		return
	}
	gen := s.generation

	time.AfterFunc(grace, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		cur, ok := m.byAppStream[key]
		if !ok || cur.generation != gen {
			// already removed, or replaced by a reconnect within the
			// grace window — nothing to tear down.
			return
		}
		delete(m.byAppStream, key)
		delete(m.byStreamKey, streamKey)
		if m.metrics != nil {
			m.metrics.SetActiveStreams(len(m.byAppStream))
		}
		m.log.Info("stream unregistered after grace period", "vhost", cur.vhost, "app", app, "stream", streamKey)
	})
}

// StreamLookup implements segment.StreamLookup.
func (m *Manager) StreamLookup(app, streamKey string) (*segment.Cache, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.byAppStream[appStreamKey(app, streamKey)]
	if !ok || s.cache == nil {
		return nil, false
	}
	return s.cache, true
}

// PullRequestor implements segment.PullRequestor: spec.md §4.4's
// "ask the Orchestrator to pull the stream and retry once" behavior
// for a playlist request against an unknown stream.
func (m *Manager) PullRequestor(app, streamKey string) error {
	appCfg, _, ok := m.cfg.FindByName(app)
	if !ok {
		return fmt.Errorf("orchestrator: unknown application %q", app)
	}
	switch {
	case appCfg.Providers.RTSP != nil:
		return m.rtsp.Pull(context.Background(), rtsp.PullRequest{URL: appCfg.Providers.RTSP.URL, StreamKey: appStreamKey(app, streamKey)})
	case appCfg.Providers.OVT != nil:
		return m.ovt.Pull(context.Background(), ovt.PullRequest{Address: appCfg.Providers.OVT.URL, StreamKey: appStreamKey(app, streamKey)})
	default:
		return fmt.Errorf("orchestrator: application %q has no pull provider configured", app)
	}
}

// LookupRouter implements publisher/ovt.RouterLookup.
func (m *Manager) LookupRouter(streamKey string) (*router.Router, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.byStreamKey[streamKey]
	if !ok {
		return nil, false
	}
	return s.router, true
}

// LookupRouterTracks implements publisher/webrtc.RouterLookup.
func (m *Manager) LookupRouterTracks(streamKey string) (*router.Router, []media.Track, bool) {
	m.mu.RLock()
	s, ok := m.byStreamKey[streamKey]
	m.mu.RUnlock()
	if !ok {
		return nil, nil, false
	}
	tracks := []media.Track{
		{ID: videoTrackID, Type: media.TrackVideo, Codec: media.CodecH264, Timebase: media.Timebase{Num: 1, Den: 1000}},
		{ID: audioTrackID, Type: media.TrackAudio, Codec: media.CodecAAC, Timebase: media.Timebase{Num: 1, Den: 1000}},
	}
	return s.router, tracks, true
}

// ActiveStreams returns the number of currently registered streams,
// for metrics polling.
func (m *Manager) ActiveStreams() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byAppStream)
}
