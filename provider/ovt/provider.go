package ovt

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/aperturemedia/aperture/router"
)

// PullRequest describes a remote OVT publisher to pull a stream from.
type PullRequest struct {
	Address   string
	StreamKey string
}

type activePull struct {
	req    PullRequest
	cancel context.CancelFunc
}

// RouterFactory creates (or returns the existing) Router for a stream key.
type RouterFactory func(streamKey string) *router.Router

// Disconnected is called when a pull connection ends, so the caller can
// start spec.md §3's grace-period stream teardown.
type Disconnected func(streamKey string)

// Puller dials upstream OVT publishers and forwards their tracks and
// packets into per-stream Routers, the edge-to-origin pull role of the
// OVT protocol.
type Puller struct {
	log          *slog.Logger
	routers      RouterFactory
	onDisconnect Disconnected

	mu    sync.Mutex
	pulls map[string]*activePull
}

// NewPuller creates an OVT Puller. onDisconnect may be nil.
func NewPuller(routers RouterFactory, onDisconnect Disconnected, log *slog.Logger) *Puller {
	if log == nil {
		log = slog.Default()
	}
	return &Puller{
		log:          log.With("component", "ovt-provider"),
		routers:      routers,
		onDisconnect: onDisconnect,
		pulls:        make(map[string]*activePull),
	}
}

// Pull dials address, sends a Hello for streamKey, and streams frames
// into the stream's Router until Stop is called or the connection
// drops.
func (p *Puller) Pull(ctx context.Context, req PullRequest) error {
	p.mu.Lock()
	if _, exists := p.pulls[req.StreamKey]; exists {
		p.mu.Unlock()
		return fmt.Errorf("ovt: pull already active for stream key %q", req.StreamKey)
	}
	p.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	d := net.Dialer{}
	conn, err := d.DialContext(dialCtx, "tcp", req.Address)
	if err != nil {
		return fmt.Errorf("ovt: dial %s: %w", req.Address, err)
	}

	if err := WriteFrame(conn, FrameHello, 0, []byte(req.StreamKey)); err != nil {
		conn.Close()
		return fmt.Errorf("ovt: send hello: %w", err)
	}

	pullCtx, pcancel := context.WithCancel(ctx)
	p.mu.Lock()
	p.pulls[req.StreamKey] = &activePull{req: req, cancel: pcancel}
	p.mu.Unlock()

	r := p.routers(req.StreamKey)

	go p.readLoop(pullCtx, conn, req, r)
	p.log.Info("pull started", "address", req.Address, "stream_key", req.StreamKey)
	return nil
}

func (p *Puller) readLoop(ctx context.Context, conn net.Conn, req PullRequest, r *router.Router) {
	defer func() {
		conn.Close()
		p.mu.Lock()
		delete(p.pulls, req.StreamKey)
		p.mu.Unlock()
		p.log.Info("pull ended", "stream_key", req.StreamKey)
		if p.onDisconnect != nil {
			p.onDisconnect(req.StreamKey)
		}
	}()

	br := bufio.NewReaderSize(conn, 64*1024)
	for ctx.Err() == nil {
		typ, trackID, payload, err := ReadFrame(br)
		if err != nil {
			p.log.Debug("read error", "stream_key", req.StreamKey, "error", err)
			return
		}
		switch typ {
		case FrameTrackInfo:
			track, err := DecodeTrackInfo(trackID, payload)
			if err != nil {
				p.log.Warn("bad track info", "error", err)
				continue
			}
			r.RegisterTrack(track)
		case FramePacket:
			pkt, err := DecodePacket(trackID, payload)
			if err != nil {
				p.log.Warn("bad packet", "error", err)
				continue
			}
			if err := r.Push(pkt); err != nil {
				pkt.Release()
			}
		case FrameGoodbye:
			return
		}
	}
}

// Stop cancels an active pull by stream key.
func (p *Puller) Stop(streamKey string) error {
	p.mu.Lock()
	ap, ok := p.pulls[streamKey]
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("ovt: no active pull for stream key %q", streamKey)
	}
	ap.cancel()
	return nil
}

// ActivePulls returns all currently active pull requests.
func (p *Puller) ActivePulls() []PullRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]PullRequest, 0, len(p.pulls))
	for _, ap := range p.pulls {
		out = append(out, ap.req)
	}
	return out
}
