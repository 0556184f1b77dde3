// Package config loads the XML configuration file that describes the
// Server/Bind/VirtualHost/Application hierarchy spec.md §6 specifies,
// and the per-application Providers/Publishers/OutputProfiles it
// enables. XML decoding is stdlib encoding/xml: spec.md §1 puts XML
// config loading out of scope as an external collaborator, and no
// third-party XML library appears anywhere in the retrieval pack, so
// struct-tag decoding against the standard library is the only
// reasonable choice.
package config

import (
	"encoding/xml"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/aperturemedia/aperture/errs"
	"github.com/aperturemedia/aperture/publisher/segment"
)

// Server is the XML document root: one or more listening Binds, each
// hosting one or more VirtualHosts.
type Server struct {
	XMLName xml.Name `xml:"Server"`
	Name    string   `xml:"Name,attr"`
	Binds   []Bind   `xml:"Bind"`
}

// Bind is one listening address shared by the VirtualHosts attached to
// it (spec.md §6's "Server > Bind > VirtualHost" level).
type Bind struct {
	Addr         string        `xml:"Addr"`
	VirtualHosts []VirtualHost `xml:"VirtualHost"`
}

// VirtualHost groups a set of named Applications. Matched against an
// incoming stream's vhost name by the Orchestrator.
type VirtualHost struct {
	Name         string        `xml:"Name,attr"`
	Applications []Application `xml:"Application"`
}

// Application is spec.md §4's named virtual container: which providers
// and publishers are enabled, which output renditions to transcode to,
// and the signed-URL admission key, if any.
type Application struct {
	Name           string          `xml:"Name,attr"`
	Providers      Providers       `xml:"Providers"`
	Publishers     Publishers      `xml:"Publishers"`
	OutputProfiles []OutputProfile `xml:"OutputProfiles>OutputProfile"`
	SignedURL      *SignedURL      `xml:"SignedURL"`
}

// Providers enumerates the ingest protocols an Application accepts,
// per spec.md §4.6. A nil field means that provider is disabled for
// this application.
type Providers struct {
	RTMP   *RTMPProvider   `xml:"RTMP"`
	RTSP   *RTSPProvider   `xml:"RTSPPull"`
	OVT    *OVTProvider    `xml:"OVTPull"`
	MPEGTS *MPEGTSProvider `xml:"MPEGTS"`
}

// RTMPProvider configures the RTMP push listener.
type RTMPProvider struct {
	Addr string `xml:"Addr"`
}

// RTSPProvider configures on-demand RTSP pulls; URL is a template, the
// Orchestrator substitutes the resolved stream name.
type RTSPProvider struct {
	URL string `xml:"URL"`
}

// OVTProvider configures on-demand OVT pulls from an upstream origin.
type OVTProvider struct {
	URL string `xml:"URL"`
}

// MPEGTSProvider configures the MPEG-TS push listener.
type MPEGTSProvider struct {
	Addr string `xml:"Addr"`
}

// Publishers enumerates the delivery protocols an Application exposes.
type Publishers struct {
	Segment *SegmentPublisher `xml:"Segment"`
	WebRTC  *WebRTCPublisher  `xml:"WebRTC"`
	OVT     *OVTPublisher     `xml:"OVT"`
}

// SegmentPublisher configures the shared HLS/DASH/LL-DASH segment
// server (publisher/segment.Server), including its CORS origin list.
// The signed-URL query parameter name is set per Application in
// SignedURL, not here.
type SegmentPublisher struct {
	Addr            string   `xml:"Addr"`
	SegmentCount    int      `xml:"SegmentCount"`
	SegmentDuration float64  `xml:"SegmentDuration"`
	WorkerPool      int      `xml:"WorkerPool"`
	CrossDomains    []string `xml:"CrossDomains>Url"`
}

// WebRTCPublisher configures the ICE-Lite/DTLS-SRTP signaling listener.
type WebRTCPublisher struct {
	SignalingAddr string `xml:"SignalingAddr"`
}

// OVTPublisher configures the OVT peer-to-peer fan-out listener.
type OVTPublisher struct {
	Addr string `xml:"Addr"`
}

// OutputProfile is one transcode target rendition, mapped onto a
// transcode.Profile by the Orchestrator.
type OutputProfile struct {
	Name    string `xml:"Name,attr"`
	Codec   string `xml:"Codec"`
	Bitrate int    `xml:"Bitrate"`
	GOPSize int    `xml:"GOPSize"`
	BFrames int    `xml:"BFrames"`
}

// SignedURL is the {CryptoKey, QueryStringKey} pair spec.md §6
// describes. Field names match publisher/segment.SignedURLConfig
// exactly so ToSignedURLConfig is a straight copy.
type SignedURL struct {
	CryptoKey      string `xml:"CryptoKey"`
	QueryStringKey string `xml:"QueryStringKey"`
}

// Defaults applied to a SegmentPublisher when its XML element omits
// them, matching the P5 test scenario in spec.md §8
// (SegmentCount=3, SegmentDuration=5).
const (
	DefaultSegmentCount    = 3
	DefaultSegmentDuration = 5.0
	DefaultWorkerPool      = 4
)

// DefaultStreamGracePeriod is how long the Orchestrator keeps a Stream's
// Router, Cache, and StreamMuxer alive after its Provider disconnects,
// per spec.md §3's "destroyed when the producer disconnects (after a
// grace period so pull-restart can rejoin listeners)".
const DefaultStreamGracePeriod = 3 * time.Second

// Load reads and parses the XML configuration file at path, applies
// defaults, and validates the result.
func Load(path string) (*Server, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	var srv Server
	if err := xml.Unmarshal(data, &srv); err != nil {
		return nil, fmt.Errorf("%w: decoding %s: %v", errs.ErrConfigInvalid, path, err)
	}

	srv.applyDefaults()

	if err := srv.Validate(); err != nil {
		return nil, err
	}
	return &srv, nil
}

func (s *Server) applyDefaults() {
	for bi := range s.Binds {
		for vi := range s.Binds[bi].VirtualHosts {
			apps := s.Binds[bi].VirtualHosts[vi].Applications
			for ai := range apps {
				seg := apps[ai].Publishers.Segment
				if seg == nil {
					continue
				}
				if seg.SegmentCount == 0 {
					seg.SegmentCount = DefaultSegmentCount
				}
				if seg.SegmentDuration == 0 {
					seg.SegmentDuration = DefaultSegmentDuration
				}
				if seg.WorkerPool == 0 {
					seg.WorkerPool = DefaultWorkerPool
				}
			}
		}
	}
}

// Validate checks the decoded configuration for the missing-required-
// field errors that would otherwise surface much later as a confusing
// runtime failure, collecting every problem into one error.
func (s *Server) Validate() error {
	var problems []string

	if len(s.Binds) == 0 {
		problems = append(problems, "no Bind elements configured")
	}

	for _, b := range s.Binds {
		if b.Addr == "" {
			problems = append(problems, "Bind missing Addr")
		}
		if len(b.VirtualHosts) == 0 {
			problems = append(problems, fmt.Sprintf("Bind %q has no VirtualHost", b.Addr))
		}
		for _, vh := range b.VirtualHosts {
			if vh.Name == "" {
				problems = append(problems, "VirtualHost missing Name")
			}
			for _, app := range vh.Applications {
				problems = append(problems, app.validate(vh.Name)...)
			}
		}
	}

	if len(problems) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %s", errs.ErrConfigInvalid, strings.Join(problems, "; "))
}

func (a Application) validate(vhostName string) []string {
	var problems []string
	prefix := fmt.Sprintf("application %s/%s", vhostName, a.Name)

	if a.Name == "" {
		problems = append(problems, prefix+": missing Name")
	}

	p := a.Providers
	if p.RTMP == nil && p.RTSP == nil && p.OVT == nil && p.MPEGTS == nil {
		problems = append(problems, prefix+": no Providers configured")
	}
	if p.RTMP != nil && p.RTMP.Addr == "" {
		problems = append(problems, prefix+": RTMP provider missing Addr")
	}
	if p.MPEGTS != nil && p.MPEGTS.Addr == "" {
		problems = append(problems, prefix+": MPEGTS provider missing Addr")
	}
	if p.RTSP != nil && p.RTSP.URL == "" {
		problems = append(problems, prefix+": RTSPPull provider missing URL")
	}
	if p.OVT != nil && p.OVT.URL == "" {
		problems = append(problems, prefix+": OVTPull provider missing URL")
	}

	pub := a.Publishers
	if pub.Segment == nil && pub.WebRTC == nil && pub.OVT == nil {
		problems = append(problems, prefix+": no Publishers configured")
	}
	if pub.Segment != nil {
		if pub.Segment.Addr == "" {
			problems = append(problems, prefix+": Segment publisher missing Addr")
		}
		if pub.Segment.SegmentCount <= 0 {
			problems = append(problems, prefix+": Segment publisher SegmentCount must be positive")
		}
		if pub.Segment.SegmentDuration <= 0 {
			problems = append(problems, prefix+": Segment publisher SegmentDuration must be positive")
		}
	}
	if pub.WebRTC != nil && pub.WebRTC.SignalingAddr == "" {
		problems = append(problems, prefix+": WebRTC publisher missing SignalingAddr")
	}
	if pub.OVT != nil && pub.OVT.Addr == "" {
		problems = append(problems, prefix+": OVT publisher missing Addr")
	}

	if a.SignedURL != nil {
		if a.SignedURL.CryptoKey == "" {
			problems = append(problems, prefix+": SignedURL missing CryptoKey")
		}
		if a.SignedURL.QueryStringKey == "" {
			problems = append(problems, prefix+": SignedURL missing QueryStringKey")
		}
	}

	return problems
}

// ToSignedURLConfig adapts the decoded SignedURL element into the
// segment.SignedURLConfig publisher/segment.Server expects. A nil
// receiver (no SignedURL element) yields an open-admission config, the
// "absent means open" rule spec.md §6 states explicitly.
func (s *SignedURL) ToSignedURLConfig() segment.SignedURLConfig {
	if s == nil {
		return segment.SignedURLConfig{}
	}
	return segment.SignedURLConfig{
		CryptoKey:      s.CryptoKey,
		QueryStringKey: s.QueryStringKey,
	}
}

// ToSegmentServerConfig builds a segment.ServerConfig skeleton from
// this Application's SegmentPublisher and SignedURL elements. Lookup
// and Pull callbacks are wired by the Orchestrator, not here, since
// they depend on the live stream table, not static configuration.
func (a *Application) ToSegmentServerConfig() (segment.ServerConfig, bool) {
	sp := a.Publishers.Segment
	if sp == nil {
		return segment.ServerConfig{}, false
	}
	return segment.ServerConfig{
		Addr:       sp.Addr,
		SignedURL:  a.SignedURL.ToSignedURLConfig(),
		CORS:       sp.CrossDomains,
		WorkerPool: sp.WorkerPool,
	}, true
}

// FindByName locates an Application by name alone across every
// configured Bind and VirtualHost, ignoring vhost — the same scoping
// publisher/segment.Server's StreamLookup already uses
// (app, streamKey), with no vhost parameter. Returns the vhost name
// the match was found under, for logging.
func (s *Server) FindByName(app string) (*Application, string, bool) {
	for bi := range s.Binds {
		for vi := range s.Binds[bi].VirtualHosts {
			vh := &s.Binds[bi].VirtualHosts[vi]
			for ai := range vh.Applications {
				if vh.Applications[ai].Name == app {
					return &vh.Applications[ai], vh.Name, true
				}
			}
		}
	}
	return nil, "", false
}

// Find locates the Application named app inside the virtual host named
// vhost, across every configured Bind, the lookup the Orchestrator
// performs when a Provider reports a newly-identified stream.
func (s *Server) Find(vhost, app string) (*Application, bool) {
	for bi := range s.Binds {
		for vi := range s.Binds[bi].VirtualHosts {
			vh := &s.Binds[bi].VirtualHosts[vi]
			if vh.Name != vhost {
				continue
			}
			for ai := range vh.Applications {
				if vh.Applications[ai].Name == app {
					return &vh.Applications[ai], true
				}
			}
		}
	}
	return nil, false
}
