// Package rtmp implements the RTMP push provider: a TCP listener that
// performs the RTMP handshake and chunk-stream parsing via
// yapingcat/gomedia's RTMP server handle, forwarding each demuxed
// access unit into the stream's router.Router.
package rtmp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	gocodec "github.com/yapingcat/gomedia/go-codec"
	gortmp "github.com/yapingcat/gomedia/go-rtmp"

	"github.com/aperturemedia/aperture/media"
	"github.com/aperturemedia/aperture/router"
)

// RouterFactory creates (or returns the existing) Router for a stream
// key, and is called once when a publish request is accepted.
type RouterFactory func(streamKey string) *router.Router

// Disconnected is called when a publishing connection ends, so the
// caller can start spec.md §3's grace-period stream teardown.
type Disconnected func(streamKey string)

// Server accepts incoming RTMP publish connections.
type Server struct {
	log          *slog.Logger
	addr         string
	routers      RouterFactory
	onDisconnect Disconnected
}

// NewServer creates an RTMP provider listening on addr. onDisconnect may
// be nil, in which case a disconnect has no effect on stream lifecycle.
func NewServer(addr string, routers RouterFactory, onDisconnect Disconnected, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		log:          log.With("component", "rtmp-provider"),
		addr:         addr,
		routers:      routers,
		onDisconnect: onDisconnect,
	}
}

// Start begins accepting RTMP connections. It blocks until the context
// is cancelled.
func (s *Server) Start(ctx context.Context) error {
	l, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("rtmp listen on %s: %w", s.addr, err)
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

type session struct {
	log    *slog.Logger
	conn   net.Conn
	handle *gortmp.RtmpServerHandle
	r      *router.Router

	streamKey              string
	videoTrack, audioTrack int
	videoSPS, videoPPS     []byte
}

func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	sess := &session{
		log:    s.log,
		conn:   conn,
		handle: gortmp.NewRtmpServerHandle(),
	}
	defer func() {
		if s.onDisconnect != nil && sess.streamKey != "" {
			s.onDisconnect(sess.streamKey)
		}
	}()

	sess.handle.SetOutput(func(b []byte) error {
		_, err := conn.Write(b)
		return err
	})

	sess.handle.OnPublish(func(app, streamName string) gortmp.StatusCode {
		sess.streamKey = streamName
		sess.r = s.routers(streamName)
		sess.log.Info("publish", "app", app, "stream", streamName, "remote", conn.RemoteAddr())
		return gortmp.NETSTREAM_PUBLISH_START
	})

	sess.handle.OnStateChange(func(newState gortmp.RtmpState) {
		if newState == gortmp.STATE_RTMP_PUBLISH_START {
			sess.setupTracks()
		}
	})

	sess.handle.OnFrame(func(cid gocodec.CodecID, pts, dts uint32, frame []byte) {
		sess.forwardFrame(cid, pts, dts, frame)
	})

	buf := make([]byte, 65536)
	for {
		if ctx.Err() != nil {
			return
		}
		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		n, err := conn.Read(buf)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				sess.log.Debug("read error", "error", err)
			}
			return
		}
		if err := sess.handle.Input(buf[:n]); err != nil {
			sess.log.Debug("rtmp input error", "error", err)
			return
		}
	}
}

func (sess *session) setupTracks() {
	if sess.r == nil {
		return
	}
	sess.videoTrack = 1
	sess.audioTrack = 2
	sess.r.RegisterTrack(media.Track{ID: sess.videoTrack, Type: media.TrackVideo, Codec: media.CodecH264, Timebase: media.Timebase{Num: 1, Den: 1000}})
	sess.r.RegisterTrack(media.Track{ID: sess.audioTrack, Type: media.TrackAudio, Codec: media.CodecAAC, Timebase: media.Timebase{Num: 1, Den: 1000}})
}

func (sess *session) forwardFrame(cid gocodec.CodecID, pts, dts uint32, frame []byte) {
	if sess.r == nil {
		return
	}

	p := media.NewPacket()
	p.PTS = int64(pts)
	p.DTS = int64(dts)
	p.Data = append(p.Data[:0], frame...)

	switch cid {
	case gocodec.CODECID_VIDEO_H264, gocodec.CODECID_VIDEO_H265:
		p.TrackID = sess.videoTrack
		if cid == gocodec.CODECID_VIDEO_H265 {
			p.Codec = media.CodecH265
		} else {
			p.Codec = media.CodecH264
		}
		p.Keyframe = isKeyframe(frame)
	case gocodec.CODECID_AUDIO_AAC:
		p.TrackID = sess.audioTrack
		p.Codec = media.CodecAAC
	default:
		p.Release()
		return
	}

	if err := sess.r.Push(p); err != nil {
		p.Release()
	}
}

// isKeyframe scans the Annex-B access unit gomedia hands back for an
// IDR slice NAL (type 5), the same detection the teacher's MPEG-TS
// demuxer does on PES-framed NALUs.
func isKeyframe(au []byte) bool {
	for i := 0; i+4 < len(au); i++ {
		if au[i] == 0 && au[i+1] == 0 && au[i+2] == 1 {
			nalType := au[i+3] & 0x1F
			if nalType == 5 {
				return true
			}
			i += 2
		}
	}
	return false
}
