// Package ovt implements the OVT peer-to-peer forwarding publisher: the
// push/serve side that accepts downstream Aperture instances pulling a
// stream's tracks and packets, sharing the frame format defined by the
// sibling provider/ovt package.
package ovt

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync/atomic"

	"github.com/aperturemedia/aperture/media"
	providerovt "github.com/aperturemedia/aperture/provider/ovt"
	"github.com/aperturemedia/aperture/router"
)

// RouterLookup resolves a stream key to its Router, returning false if
// the stream isn't currently live.
type RouterLookup func(streamKey string) (*router.Router, bool)

// Server accepts downstream OVT pull connections and relays the
// requested stream's tracks and packets to them.
type Server struct {
	log    *slog.Logger
	addr   string
	lookup RouterLookup
	nextID atomic.Int64
}

// NewServer creates an OVT publisher listening on addr.
func NewServer(addr string, lookup RouterLookup, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		log:    log.With("component", "ovt-publisher"),
		addr:   addr,
		lookup: lookup,
	}
}

// Start begins accepting OVT connections. It blocks until the context is
// cancelled.
func (s *Server) Start(ctx context.Context) error {
	l, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("ovt listen on %s: %w", s.addr, err)
	}
	s.log.Info("listening", "addr", s.addr)

	go func() {
		<-ctx.Done()
		l.Close()
	}()

	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.log.Warn("accept error", "error", err)
			continue
		}
		go s.handleConnection(ctx, conn)
	}
}

func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	br := bufio.NewReaderSize(conn, 4096)
	typ, _, payload, err := providerovt.ReadFrame(br)
	if err != nil {
		s.log.Debug("read hello failed", "error", err)
		return
	}
	if typ != providerovt.FrameHello {
		s.log.Warn("unexpected first frame", "type", typ)
		return
	}

	streamKey := string(payload)
	r, ok := s.lookup(streamKey)
	if !ok {
		s.log.Warn("unknown stream", "stream_key", streamKey)
		providerovt.WriteFrame(conn, providerovt.FrameGoodbye, 0, nil)
		return
	}

	obs := &relayObserver{
		id:   fmt.Sprintf("ovt-%s-%d", streamKey, s.nextID.Add(1)),
		conn: conn,
		errc: make(chan struct{}),
	}

	for id := 1; id <= 64; id++ {
		if t, ok := r.Track(id); ok {
			if err := providerovt.WriteFrame(conn, providerovt.FrameTrackInfo, id, providerovt.EncodeTrackInfo(t)); err != nil {
				s.log.Debug("write track info failed", "error", err)
				return
			}
		}
	}

	r.AttachObserver(obs, nil, router.DropOldest)
	defer r.DetachObserver(obs.id)

	s.log.Info("pull attached", "stream_key", streamKey, "observer", obs.id)
	select {
	case <-ctx.Done():
	case <-obs.errc:
	}
	s.log.Info("pull detached", "stream_key", streamKey, "observer", obs.id)
}

// relayObserver forwards packets delivered by the Router's drain
// goroutine onto the downstream TCP connection as OVT frames.
type relayObserver struct {
	id   string
	conn net.Conn
	errc chan struct{}
	sent bool
}

func (o *relayObserver) ID() string { return o.id }

func (o *relayObserver) OnPacket(pkt *media.Packet) {
	err := providerovt.WriteFrame(o.conn, providerovt.FramePacket, pkt.TrackID, providerovt.EncodePacket(pkt))
	if err != nil && !o.sent {
		o.sent = true
		close(o.errc)
	}
}

func (o *relayObserver) QueueDepth() int { return 0 }
