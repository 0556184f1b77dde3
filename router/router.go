// Package router implements the MediaRouter: a per-stream fan-out hub
// that distributes Packets from a single producer (a provider's demuxer,
// or the transcoder) to any number of observers (publishers) without
// ever blocking the producer.
package router

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/aperturemedia/aperture/errs"
	"github.com/aperturemedia/aperture/media"
	"github.com/aperturemedia/aperture/metrics"
)

// DropPolicy selects which buffered packet an observer's queue discards
// when it is full.
type DropPolicy int

// Supported drop policies. DropOldest favors contiguity (segment
// publishers need unbroken GOPs); DropNewest favors freshness (a
// WebRTC session would rather skip ahead than deliver stale video).
const (
	DropOldest DropPolicy = iota
	DropNewest
)

// Observer is anything a Router can fan packets out to.
type Observer interface {
	ID() string
	OnPacket(*media.Packet)
	QueueDepth() int
}

// TrackFilter decides whether an observer wants to receive packets on a
// given track. A nil filter receives every track.
type TrackFilter func(media.Track) bool

const observerQueueSize = 256

type observerEntry struct {
	obs    Observer
	filter TrackFilter
	policy DropPolicy
	queue  chan *media.Packet
	done   chan struct{}
	drops  int64
}

// Router is the fan-out hub for a single stream.
type Router struct {
	log     *slog.Logger
	metrics *metrics.Registry

	mu         sync.RWMutex
	tracks     map[int]media.Track
	observers  map[string]*observerEntry
	defaultPol DropPolicy

	gopMu    sync.Mutex
	gopCache []*media.Packet
}

// New creates a Router for one stream, identified by key purely for
// logging.
func New(key string, defaultPolicy DropPolicy) *Router {
	return &Router{
		log:        slog.With("component", "router", "stream", key),
		tracks:     make(map[int]media.Track),
		observers:  make(map[string]*observerEntry),
		defaultPol: defaultPolicy,
	}
}

// SetMetrics wires a Registry so deliver records every observer-queue
// drop. A nil registry (the default) disables instrumentation.
func (r *Router) SetMetrics(m *metrics.Registry) {
	r.mu.Lock()
	r.metrics = m
	r.mu.Unlock()
}

// RegisterTrack records a track's metadata so later validation (push
// against an unknown track id) can fail cleanly instead of panicking a
// downstream stage.
func (r *Router) RegisterTrack(t media.Track) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tracks[t.ID] = t
}

// Track returns the registered metadata for a track id.
func (r *Router) Track(id int) (media.Track, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tracks[id]
	return t, ok
}

// AttachObserver registers an observer for delivery, starting a
// dedicated drain goroutine that calls obs.OnPacket for each queued
// packet. filter may be nil to receive every track. Any cached keyframe
// GOP is replayed into the observer's queue first so a late join starts
// from a decodable point.
func (r *Router) AttachObserver(obs Observer, filter TrackFilter, policy DropPolicy) {
	entry := &observerEntry{
		obs:    obs,
		filter: filter,
		policy: policy,
		queue:  make(chan *media.Packet, observerQueueSize),
		done:   make(chan struct{}),
	}

	r.gopMu.Lock()
	for _, pkt := range r.gopCache {
		if filter == nil || r.filterMatches(filter, pkt.TrackID) {
			pkt.Retain()
			select {
			case entry.queue <- pkt:
			default:
				pkt.Release()
			}
		}
	}
	r.gopMu.Unlock()

	r.mu.Lock()
	r.observers[obs.ID()] = entry
	r.mu.Unlock()

	go r.drain(entry)

	r.log.Info("observer attached", "observer", obs.ID(), "observers", r.ObserverCount())
}

// DetachObserver unregisters an observer and stops its drain goroutine.
func (r *Router) DetachObserver(id string) {
	r.mu.Lock()
	entry, ok := r.observers[id]
	if ok {
		delete(r.observers, id)
	}
	r.mu.Unlock()

	if ok {
		close(entry.done)
		r.log.Info("observer detached", "observer", id, "observers", r.ObserverCount())
	}
}

// ObserverCount returns the number of currently attached observers.
func (r *Router) ObserverCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.observers)
}

func (r *Router) filterMatches(filter TrackFilter, trackID int) bool {
	t, ok := r.Track(trackID)
	if !ok {
		return true
	}
	return filter(t)
}

// Push fans a packet out to every matching observer without blocking the
// caller: each observer's queue send is non-blocking, and a full queue
// is handled per its DropPolicy instead of stalling the producer.
// Returns errs.ErrTrackNotFound if the packet references an unregistered
// track (data-model invariant).
func (r *Router) Push(pkt *media.Packet) error {
	r.mu.RLock()
	if _, ok := r.tracks[pkt.TrackID]; !ok {
		r.mu.RUnlock()
		return fmt.Errorf("router: push track %d: %w", pkt.TrackID, errs.ErrTrackNotFound)
	}
	r.mu.RUnlock()

	r.updateGOP(pkt)

	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, entry := range r.observers {
		if entry.filter != nil && !r.filterMatches(entry.filter, pkt.TrackID) {
			continue
		}
		r.deliver(entry, pkt)
	}
	return nil
}

func (r *Router) updateGOP(pkt *media.Packet) {
	t, ok := r.Track(pkt.TrackID)
	if !ok || t.Type != media.TrackVideo {
		return
	}
	r.gopMu.Lock()
	defer r.gopMu.Unlock()
	if pkt.Keyframe {
		for _, old := range r.gopCache {
			old.Release()
		}
		r.gopCache = r.gopCache[:0]
	}
	pkt.Retain()
	r.gopCache = append(r.gopCache, pkt)
}

func (r *Router) deliver(entry *observerEntry, pkt *media.Packet) {
	pkt.Retain()
	select {
	case entry.queue <- pkt:
		return
	default:
	}

	// Queue full: apply the observer's drop policy.
	switch entry.policy {
	case DropNewest:
		pkt.Release()
		entry.drops++
		r.recordDrop()
	default: // DropOldest
		select {
		case old := <-entry.queue:
			old.Release()
			select {
			case entry.queue <- pkt:
			default:
				pkt.Release()
			}
		default:
			pkt.Release()
		}
		entry.drops++
		r.recordDrop()
	}
}

func (r *Router) recordDrop() {
	if r.metrics != nil {
		r.metrics.IncRouterDrops()
	}
}

func (r *Router) drain(entry *observerEntry) {
	for {
		select {
		case pkt, ok := <-entry.queue:
			if !ok {
				return
			}
			entry.obs.OnPacket(pkt)
			pkt.Release()
		case <-entry.done:
			// Drain whatever remains without blocking so refcounts stay correct.
			for {
				select {
				case pkt := <-entry.queue:
					pkt.Release()
				default:
					return
				}
			}
		}
	}
}

// QueueDepth returns the current depth of an attached observer's queue,
// or -1 if the observer isn't attached.
func (r *Router) QueueDepth(id string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.observers[id]
	if !ok {
		return -1
	}
	return len(entry.queue)
}
