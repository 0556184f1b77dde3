package segment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/aperturemedia/aperture/errs"
	"github.com/aperturemedia/aperture/metrics"
)

// StreamLookup resolves (app, stream) to the Cache serving its
// playlists and segments, mirroring the publisher-side half of the
// Orchestrator's stream table.
type StreamLookup func(app, streamKey string) (*Cache, bool)

// PullRequestor asks the Orchestrator to pull a stream on demand, the
// "ask the Orchestrator to pull the stream and retry once" behavior
// spec.md §4.4 describes for a playlist request on an unknown stream.
type PullRequestor func(app, streamKey string) error

// ServerConfig configures one segment publisher HTTP listener. HLS and
// DASH share it, since both serve under the same
// ".../<app>/<stream>/<file>.<ext>" URL shape.
type ServerConfig struct {
	Addr       string
	Lookup     StreamLookup
	Pull       PullRequestor
	SignedURL  SignedURLConfig
	CORS       []string
	WorkerPool int
	Metrics    *metrics.Registry
}

// Server is the HTTP/1.1 segment publisher: one shared listener, an
// interceptor chain dispatching playlist vs. segment requests, session
// accounting, and signed-URL admission.
type Server struct {
	log      *slog.Logger
	cfg      ServerConfig
	cors     *CORSPolicy
	sessions *SessionTable
	chain    *InterceptorChain
	httpSrv  *http.Server
}

// NewServer creates a segment publisher server. It does not start
// listening until Start is called.
func NewServer(cfg ServerConfig, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "segment-server")

	s := &Server{
		log:      log,
		cfg:      cfg,
		cors:     NewCORSPolicy(cfg.CORS),
		sessions: NewSessionTable(log),
		chain:    NewInterceptorChain(),
	}

	s.chain.Register(&playlistInterceptor{srv: s})
	s.chain.Register(&segmentInterceptor{srv: s})

	return s
}

// Start launches the HTTP listener, the housekeeping sweep goroutine,
// and blocks until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	mux := chi.NewRouter()
	mux.Get("/crossdomain.xml", s.cors.ServeCrossdomainXML)
	mux.Handle("/*", s.cors.Middleware(s.chain))

	s.httpSrv = &http.Server{
		Addr:    s.cfg.Addr,
		Handler: mux,
	}

	housekeepingCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go s.sessions.RunHousekeeping(housekeepingCtx)

	stop := context.AfterFunc(ctx, func() { _ = s.httpSrv.Close() })
	defer stop()

	s.log.Info("segment publisher listening", "addr", s.cfg.Addr)
	err := s.httpSrv.ListenAndServe()
	if ctx.Err() != nil || errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// requestPath splits "/<app>/<stream>/<file>.<ext>" into its parts.
// Applications may themselves contain no slashes, matching the
// two-level vhost/app/stream hierarchy spec.md §6 configures.
func requestPath(r *http.Request) (app, streamKey, file, ext string, err error) {
	clean := strings.Trim(path.Clean(r.URL.Path), "/")
	parts := strings.Split(clean, "/")
	if len(parts) != 3 {
		return "", "", "", "", fmt.Errorf("segment: unexpected URL shape %q", r.URL.Path)
	}
	app, streamKey, file = parts[0], parts[1], parts[2]
	ext = path.Ext(file)
	return app, streamKey, file, ext, nil
}

type playlistInterceptor struct {
	srv *Server
}

func (p *playlistInterceptor) CanHandle(r *http.Request) bool {
	_, _, _, ext, err := requestPath(r)
	return err == nil && (ext == ".m3u8" || ext == ".mpd")
}

func (p *playlistInterceptor) Handle(w http.ResponseWriter, r *http.Request) {
	app, streamKey, _, ext, err := requestPath(r)
	if err != nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	if err := p.srv.admit(r, app, streamKey); err != nil {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	cache, ok := p.srv.lookupWithRetry(app, streamKey)
	if !ok {
		http.Error(w, "stream not found", http.StatusNotFound)
		return
	}

	body, err := cache.Playlist(ext)
	if err != nil || body == "" {
		w.WriteHeader(http.StatusAccepted)
		return
	}

	switch ext {
	case ".m3u8":
		w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
	case ".mpd":
		w.Header().Set("Content-Type", "application/dash+xml")
	}
	_, _ = w.Write([]byte(body))
}

type segmentInterceptor struct {
	srv *Server
}

func (p *segmentInterceptor) CanHandle(r *http.Request) bool {
	_, _, _, ext, err := requestPath(r)
	return err == nil && (ext == ".ts" || ext == ".m4s" || ext == ".mp4")
}

func (p *segmentInterceptor) Handle(w http.ResponseWriter, r *http.Request) {
	app, streamKey, file, ext, err := requestPath(r)
	if err != nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	cache, ok := p.srv.cfg.Lookup(app, streamKey)
	if !ok {
		http.Error(w, "stream not found", http.StatusNotFound)
		return
	}

	if strings.HasSuffix(file, "-init.mp4") {
		init := cache.InitSegment()
		if init == nil {
			w.WriteHeader(http.StatusAccepted)
			return
		}
		w.Header().Set("Content-Type", "video/mp4")
		_, _ = w.Write(init)
		return
	}

	seq, ok := parseSequence(file, streamKey)
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	data, ok := cache.Segment(seq)
	if !ok {
		w.WriteHeader(http.StatusAccepted)
		return
	}

	p.srv.sessions.RecordSegmentRequest("segment", streamKey, clientIP(r), seq, cache.LastDuration(), time.Now())

	if ext == ".ts" {
		w.Header().Set("Content-Type", "video/mp2t")
	} else {
		w.Header().Set("Content-Type", "video/mp4")
	}
	_, _ = w.Write(data)
}

func parseSequence(file, streamKey string) (int64, bool) {
	name := strings.TrimSuffix(file, path.Ext(file))
	prefix := streamKey + "-"
	if !strings.HasPrefix(name, prefix) {
		return 0, false
	}
	seq, err := strconv.ParseInt(strings.TrimPrefix(name, prefix), 10, 64)
	if err != nil {
		return 0, false
	}
	return seq, true
}

func clientIP(r *http.Request) string {
	if i := strings.LastIndex(r.RemoteAddr, ":"); i >= 0 {
		return r.RemoteAddr[:i]
	}
	return r.RemoteAddr
}

// admit runs the signed-URL admission check, recording every denial
// (including a malformed token or canonicalization failure, both of
// which are denials from the client's point of view) against the
// admission-denied counter.
func (s *Server) admit(r *http.Request, app, streamKey string) error {
	if err := s.checkAdmission(r, app, streamKey); err != nil {
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.IncAdmissionDenied()
		}
		return err
	}
	return nil
}

func (s *Server) checkAdmission(r *http.Request, app, streamKey string) error {
	if s.cfg.SignedURL.CryptoKey == "" {
		return nil // open admission
	}

	raw := r.URL.Query().Get(s.cfg.SignedURL.QueryStringKey)
	if raw == "" {
		return errs.ErrAdmissionDenied
	}

	token, err := DecodeToken(raw, s.cfg.SignedURL.CryptoKey)
	if err != nil {
		return err
	}

	canon, err := CanonicalQueryURL(r.URL.String(), s.cfg.SignedURL.QueryStringKey)
	if err != nil {
		return err
	}

	if err := Admit(token, canon, clientIP(r), time.Now(), s.sessions); err != nil {
		return err
	}

	s.sessions.RecordPlaylist(PlaylistRequestInfo{
		PublisherType: "segment",
		App:           app,
		Stream:        streamKey,
		ClientIP:      clientIP(r),
		SessionID:     token.SessionID,
		CreatedAt:     time.Now(),
	})
	return nil
}

// SessionsConnected returns the running count of distinct viewer
// sessions this server has detected, for metrics polling.
func (s *Server) SessionsConnected() int64 {
	return s.sessions.SessionsConnected()
}

// lookupWithRetry implements spec.md §4.4's playlist-request fallback:
// if the stream isn't currently known, ask the Orchestrator to pull it
// and look up once more before giving up.
func (s *Server) lookupWithRetry(app, streamKey string) (*Cache, bool) {
	if c, ok := s.cfg.Lookup(app, streamKey); ok {
		return c, true
	}
	if s.cfg.Pull == nil {
		return nil, false
	}
	if err := s.cfg.Pull(app, streamKey); err != nil {
		s.log.Debug("orchestrator pull failed", "app", app, "stream", streamKey, "error", err)
		return nil, false
	}
	return s.cfg.Lookup(app, streamKey)
}
