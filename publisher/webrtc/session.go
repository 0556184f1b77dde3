// Package webrtc implements the WebRTC publisher: ICE-Lite connection
// establishment, DTLS-SRTP key exchange, and RTP/RTCP media delivery to
// browser viewers, replacing the teacher's MoQ/QUIC session with the
// WebRTC protocol stack while keeping its per-viewer session shape.
package webrtc

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/dtls/v2"
	"github.com/pion/ice/v3"
	"github.com/pion/rtcp"
	"github.com/pion/srtp/v3"

	"github.com/aperturemedia/aperture/certs"
	"github.com/aperturemedia/aperture/media"
	"github.com/aperturemedia/aperture/router"
)

// DefaultMaxPacketSize is the largest RTP packet this publisher emits,
// matching the conservative MTU assumption shared by every WebRTC stack.
const DefaultMaxPacketSize = 1472

const dtlsSRTPLabel = "EXTRACTOR-dtls_srtp"

// TrackSub subscribes one Session to one media track via the stream's
// Router, mirroring the teacher's per-viewer subscription map.
type TrackSub struct {
	Track      media.Track
	SSRC       uint32
	Packetizer *Packetizer
	RED        *REDULPFEC
	Nacks      *NackHistory
}

// Session is one viewer's WebRTC connection: an ICE-Lite agent, a DTLS
// transport layered on the selected candidate pair, and the SRTP context
// derived from the DTLS handshake's exported keying material.
type Session struct {
	log *slog.Logger
	id  string

	cert *certs.CertInfo

	agent    *ice.Agent
	dtls     *dtls.Conn
	srtpOut  *srtp.SessionSRTP
	srtcpIn  *srtp.SessionSRTCP

	subsMu sync.RWMutex
	subs   map[int]*TrackSub

	videoPacketsSent atomic.Int64
	audioPacketsSent atomic.Int64

	closeOnce sync.Once
	closed    chan struct{}
}

// NewSession creates a Session backed by a fresh self-signed certificate
// used for the DTLS handshake fingerprint.
func NewSession(id string, log *slog.Logger) (*Session, error) {
	if log == nil {
		log = slog.Default()
	}
	cert, err := certs.Generate(14 * 24 * time.Hour)
	if err != nil {
		return nil, fmt.Errorf("webrtc: generate dtls cert: %w", err)
	}
	return &Session{
		log:    log.With("component", "webrtc-session", "session", id),
		id:     id,
		cert:   cert,
		subs:   make(map[int]*TrackSub),
		closed: make(chan struct{}),
	}, nil
}

// ID returns the session's identifier, satisfying router.Observer.
func (s *Session) ID() string { return s.id }

// LocalFingerprint returns the SHA-256 fingerprint of this session's DTLS
// certificate, for inclusion in the SDP answer's a=fingerprint line.
func (s *Session) LocalFingerprint() string {
	return s.cert.FingerprintBase64()
}

// Start runs the ICE-Lite gathering + DTLS server handshake for this
// session against the remote ICE ufrag/pwd carried in the SDP offer, and
// derives the SRTP read/write sessions from the DTLS keying material.
func (s *Session) Start(ctx context.Context, remoteUfrag, remotePwd string) error {
	agent, err := ice.NewAgent(&ice.AgentConfig{
		Lite:         true,
		NetworkTypes: []ice.NetworkType{ice.NetworkTypeUDP4, ice.NetworkTypeUDP6},
	})
	if err != nil {
		return fmt.Errorf("webrtc: new ice agent: %w", err)
	}
	s.agent = agent

	if err := agent.OnConnectionStateChange(func(st ice.ConnectionState) {
		s.log.Debug("ice state", "state", st.String())
	}); err != nil {
		return fmt.Errorf("webrtc: ice state handler: %w", err)
	}

	if err := agent.GatherCandidates(); err != nil {
		return fmt.Errorf("webrtc: gather candidates: %w", err)
	}

	conn, err := agent.Accept(ctx, remoteUfrag, remotePwd)
	if err != nil {
		return fmt.Errorf("webrtc: ice accept: %w", err)
	}

	dtlsConn, err := dtls.ServerWithContext(ctx, conn, &dtls.Config{
		Certificates:           []tls.Certificate{s.cert.TLSCert},
		InsecureSkipVerify:     true,
		SRTPProtectionProfiles: []dtls.SRTPProtectionProfile{dtls.SRTP_AES128_CM_HMAC_SHA1_80},
	})
	if err != nil {
		conn.Close()
		return fmt.Errorf("webrtc: dtls handshake: %w", err)
	}
	s.dtls = dtlsConn

	if err := s.setupSRTP(dtlsConn); err != nil {
		dtlsConn.Close()
		return fmt.Errorf("webrtc: srtp setup: %w", err)
	}

	go s.readLoop()
	s.log.Info("session established")
	return nil
}

// setupSRTP derives the four SRTP key/salt material slices per RFC5764
// §4.2 from the DTLS exported keying material and builds the read/write
// SRTP/SRTCP sessions. Servers use the "server" key pair for writing and
// the "client" pair for reading.
func (s *Session) setupSRTP(conn *dtls.Conn) error {
	const keyLen, saltLen = 16, 14
	material, err := conn.ExportKeyingMaterial(dtlsSRTPLabel, nil, 2*(keyLen+saltLen))
	if err != nil {
		return err
	}

	offset := 0
	clientKey := material[offset : offset+keyLen]
	offset += keyLen
	serverKey := material[offset : offset+keyLen]
	offset += keyLen
	clientSalt := material[offset : offset+saltLen]
	offset += saltLen
	serverSalt := material[offset : offset+saltLen]

	config := &srtp.Config{
		Keys: srtp.SessionKeys{
			LocalMasterKey:   serverKey,
			LocalMasterSalt:  serverSalt,
			RemoteMasterKey:  clientKey,
			RemoteMasterSalt: clientSalt,
		},
		Profile: srtp.ProtectionProfileAes128CmHmacSha1_80,
	}

	srtpSession, err := srtp.NewSessionSRTP(conn, config)
	if err != nil {
		return err
	}
	srtcpSession, err := srtp.NewSessionSRTCP(conn, config)
	if err != nil {
		return err
	}
	s.srtpOut = srtpSession
	s.srtcpIn = srtcpSession
	return nil
}

// readLoop consumes inbound SRTCP (NACK, PLI) and feeds NACKs to the
// relevant track's NackHistory for retransmission.
func (s *Session) readLoop() {
	defer close(s.closed)
	if s.srtcpIn == nil {
		return
	}
	readStream, _, err := s.srtcpIn.AcceptStream()
	if err != nil {
		return
	}
	buf := make([]byte, 1500)
	for {
		n, err := readStream.Read(buf)
		if err != nil {
			return
		}
		pkts, err := rtcp.Unmarshal(buf[:n])
		if err != nil {
			continue
		}
		for _, pkt := range pkts {
			s.handleRTCP(pkt)
		}
	}
}

func (s *Session) handleRTCP(pkt rtcp.Packet) {
	nack, ok := pkt.(*rtcp.TransportLayerNack)
	if !ok {
		return
	}
	s.subsMu.RLock()
	defer s.subsMu.RUnlock()
	for _, sub := range s.subs {
		if sub.SSRC != nack.MediaSSRC {
			continue
		}
		for _, pair := range nack.Nacks {
			for _, seq := range pair.PacketList() {
				if wire, ok := sub.Nacks.Get(seq); ok {
					s.writeRTP(wire)
				}
			}
		}
	}
}

// AddTrack subscribes this session to deliver a given track, mirroring
// distribution.MoQSession's subscription map.
func (s *Session) AddTrack(t media.Track, ssrc uint32) *TrackSub {
	sub := &TrackSub{
		Track:      t,
		SSRC:       ssrc,
		Packetizer: NewPacketizer(t, ssrc, DefaultMaxPacketSize),
		RED:        NewREDULPFEC(t),
		Nacks:      NewNackHistory(512),
	}
	s.subsMu.Lock()
	s.subs[t.ID] = sub
	s.subsMu.Unlock()
	return sub
}

// OnPacket implements router.Observer: packetizes and sends one media
// Packet over SRTP, optionally wrapped in RED/ULPFEC.
func (s *Session) OnPacket(pkt *media.Packet) {
	s.subsMu.RLock()
	sub, ok := s.subs[pkt.TrackID]
	s.subsMu.RUnlock()
	if !ok {
		return
	}

	rtpPkts, err := sub.Packetizer.Packetize(pkt)
	if err != nil {
		s.log.Debug("packetize failed", "error", err)
		return
	}

	for _, p := range rtpPkts {
		sub.Nacks.Put(p)
		for _, o := range sub.RED.Wrap(p) {
			s.writeRTP(o)
		}
	}

	if sub.Track.Type == media.TrackVideo {
		s.videoPacketsSent.Add(int64(len(rtpPkts)))
	} else {
		s.audioPacketsSent.Add(int64(len(rtpPkts)))
	}
}

func (s *Session) writeRTP(p *rtpWireFrame) {
	if s.srtpOut == nil {
		return
	}
	stream, err := s.srtpOut.OpenWriteStream()
	if err != nil {
		return
	}
	if _, err := stream.WriteRTP(&p.header, p.payload); err != nil {
		s.log.Debug("srtp write failed", "error", err)
	}
}

// QueueDepth implements router.Observer. The WebRTC path writes
// synchronously from the router's drain goroutine, so there is no
// separate queue to report.
func (s *Session) QueueDepth() int { return 0 }

// Close tears down the DTLS/ICE transport and releases resources.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		if s.dtls != nil {
			s.dtls.Close()
		}
		if s.agent != nil {
			s.agent.Close()
		}
	})
	return nil
}

var _ router.Observer = (*Session)(nil)
