// Package mpegts implements the MPEG-TS-over-TCP push provider: a
// plain TCP listener that hands each accepted connection to
// demux.Demuxer (the teacher's PAT/PMT/PES/CEA-608/708/SCTE-35 parser)
// and forwards the demuxed video, audio, and caption output into the
// stream's router.Router — the same demux-to-router bridge
// provider/rtmp.forwardFrame builds for RTMP access units, generalized
// here to parallel channels instead of one callback. SCTE-35 cues go to
// the provider's SCTE35Sink rather than the router.
package mpegts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"

	"github.com/aperturemedia/aperture/captions"
	"github.com/aperturemedia/aperture/demux"
	"github.com/aperturemedia/aperture/media"
	"github.com/aperturemedia/aperture/router"
)

// microsecondTimebase matches demux.Demuxer's PTS units (90kHz rescaled
// to microseconds), distinct from the millisecond timebase
// provider/rtmp registers, since each stream's Router carries its own
// per-track timebase independent of other providers.
var microsecondTimebase = media.Timebase{Num: 1, Den: 1_000_000}

const (
	videoTrackID   = 1
	audioTrackID   = 2
	captionTrackID = 3
)

// RouterFactory creates (or returns the existing) Router for a stream
// key. Identical in shape to provider/rtmp.RouterFactory and
// provider/rtsp.RouterFactory, so the same orchestrator closure
// satisfies all three without an adapter.
type RouterFactory func(streamKey string) *router.Router

// SCTE35Sink forwards a raw splice_info_section payload for a stream to
// whatever is tracking ad markers for it (an orchestrator-held
// publisher/segment.SCTE35Marker). A nil sink disables SCTE-35
// forwarding.
type SCTE35Sink func(streamKey string, raw []byte)

// Disconnected is called when a publishing connection ends, so the
// caller can start spec.md §3's grace-period stream teardown.
type Disconnected func(streamKey string)

// Server accepts incoming MPEG-TS publish connections.
type Server struct {
	log          *slog.Logger
	addr         string
	routers      RouterFactory
	scte35       SCTE35Sink
	onDisconnect Disconnected
}

// NewServer creates a provider listening on addr. scte35 and
// onDisconnect may be nil.
func NewServer(addr string, routers RouterFactory, scte35 SCTE35Sink, onDisconnect Disconnected, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		log:          log.With("component", "mpegts-provider"),
		addr:         addr,
		routers:      routers,
		scte35:       scte35,
		onDisconnect: onDisconnect,
	}
}

// Start begins accepting TCP connections carrying MPEG-TS. It blocks
// until the context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	l, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("mpegts listen on %s: %w", s.addr, err)
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

		streamKey := extractStreamKey(conn.RemoteAddr().String())
		s.log.Info("publish", "stream_key", streamKey, "remote", conn.RemoteAddr())

		go s.handleConnection(ctx, conn, streamKey)
	}
}

func (s *Server) handleConnection(ctx context.Context, conn net.Conn, streamKey string) {
	defer conn.Close()
	defer func() {
		if s.onDisconnect != nil {
			s.onDisconnect(streamKey)
		}
	}()

	r := s.routers(streamKey)
	r.RegisterTrack(media.Track{ID: videoTrackID, Type: media.TrackVideo, Codec: media.CodecH264, Timebase: microsecondTimebase})
	r.RegisterTrack(media.Track{ID: audioTrackID, Type: media.TrackAudio, Codec: media.CodecAAC, Timebase: microsecondTimebase})
	r.RegisterTrack(media.Track{ID: captionTrackID, Type: media.TrackCaption, Timebase: microsecondTimebase})

	d := demux.NewDemuxer(conn, s.log)

	demuxErr := make(chan error, 1)
	go func() { demuxErr <- d.Run(ctx) }()

	var wg sync.WaitGroup
	wg.Add(3)
	go s.pumpVideo(ctx, &wg, d.Video(), r)
	go s.pumpAudio(ctx, &wg, d.Audio(), r)
	go func() {
		defer wg.Done()
		captions.Pump(ctx, d.Captions(), r, captionTrackID)
	}()

	go s.pumpSCTE35(ctx, d.SCTE35(), streamKey)

	select {
	case err := <-demuxErr:
		if err != nil && !errors.Is(err, io.EOF) {
			s.log.Debug("demuxer finished", "stream_key", streamKey, "error", err)
		}
	case <-ctx.Done():
	}
	wg.Wait()
	s.log.Info("connection closed", "stream_key", streamKey)
}

func (s *Server) pumpVideo(ctx context.Context, wg *sync.WaitGroup, frames <-chan *media.VideoFrame, r *router.Router) {
	defer wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-frames:
			if !ok {
				return
			}
			p := media.NewPacket()
			p.TrackID = videoTrackID
			p.PTS = f.PTS
			p.DTS = f.DTS
			p.Keyframe = f.IsKeyframe
			if f.Codec == "h265" {
				p.Codec = media.CodecH265
			} else {
				p.Codec = media.CodecH264
			}
			p.Data = annexB(p.Data[:0], f.NALUs)
			if err := r.Push(p); err != nil {
				p.Release()
			}
		}
	}
}

func (s *Server) pumpAudio(ctx context.Context, wg *sync.WaitGroup, frames <-chan *media.AudioFrame, r *router.Router) {
	defer wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-frames:
			if !ok {
				return
			}
			if f.TrackIndex != 0 {
				// Additional audio programs beyond the first aren't
				// carried by this Router's fixed track ID scheme yet.
				continue
			}
			p := media.NewPacket()
			p.TrackID = audioTrackID
			p.PTS = f.PTS
			p.DTS = f.PTS
			p.Codec = media.CodecAAC
			p.Data = append(p.Data[:0], f.Data...)
			if err := r.Push(p); err != nil {
				p.Release()
			}
		}
	}
}

func (s *Server) pumpSCTE35(ctx context.Context, sections <-chan []byte, streamKey string) {
	if s.scte35 == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-sections:
			if !ok {
				return
			}
			s.scte35(streamKey, raw)
		}
	}
}

// annexB rebuilds an Annex-B start-code-delimited bitstream from the
// individual NAL units demux.Demuxer hands back, matching the format
// provider/rtmp's forwardFrame already writes into a Packet's Data
// (every Observer in this repo — segment muxing, WebRTC packetization —
// expects Annex-B, never AVCC, in Packet.Data).
func annexB(dst []byte, nalus [][]byte) []byte {
	for _, n := range nalus {
		dst = append(dst, 0x00, 0x00, 0x00, 0x01)
		dst = append(dst, n...)
	}
	return dst
}

// extractStreamKey derives a stream key for connections that don't carry
// one out of band; real deployments front this provider with a
// configuration that maps bind address to application/stream name.
func extractStreamKey(remoteAddr string) string {
	host, _, _ := net.SplitHostPort(remoteAddr)
	host = strings.ReplaceAll(host, ":", "-")
	if host == "" {
		return "default"
	}
	return host
}
