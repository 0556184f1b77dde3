package segment

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/aperturemedia/aperture/media"
)

func TestRequestPathParsesAppStreamFile(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/live/stream1/stream1-3.ts", nil)
	app, streamKey, file, ext, err := requestPath(req)
	if err != nil {
		t.Fatalf("requestPath: %v", err)
	}
	if app != "live" || streamKey != "stream1" || file != "stream1-3.ts" || ext != ".ts" {
		t.Errorf("got app=%q stream=%q file=%q ext=%q", app, streamKey, file, ext)
	}
}

func TestRequestPathRejectsWrongShape(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/live/stream1/nested/file.ts", nil)
	if _, _, _, _, err := requestPath(req); err == nil {
		t.Error("expected an error for a URL with the wrong number of path segments")
	}
}

func TestParseSequence(t *testing.T) {
	seq, ok := parseSequence("stream1-42.ts", "stream1")
	if !ok || seq != 42 {
		t.Errorf("parseSequence() = %d, %v; want 42, true", seq, ok)
	}

	if _, ok := parseSequence("other-42.ts", "stream1"); ok {
		t.Error("expected a mismatched stream key prefix to fail")
	}
	if _, ok := parseSequence("stream1-notanumber.ts", "stream1"); ok {
		t.Error("expected a non-numeric sequence to fail")
	}
}

func TestClientIPStripsPort(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "203.0.113.5:54321"
	if got := clientIP(req); got != "203.0.113.5" {
		t.Errorf("clientIP() = %q, want 203.0.113.5", got)
	}
}

func newTestServer(t *testing.T, cache *Cache) *Server {
	t.Helper()
	return NewServer(ServerConfig{
		Addr: ":0",
		Lookup: func(app, streamKey string) (*Cache, bool) {
			if app == "live" && streamKey == "stream1" {
				return cache, true
			}
			return nil, false
		},
	}, nil)
}

func TestPlaylistInterceptorServesKnownStream(t *testing.T) {
	track := media.Track{ID: 0, Type: media.TrackVideo, Codec: media.CodecH264, Timebase: media.NTP90kHz}
	cache := NewCache("stream1", FormatTS, track, 6)
	cache.Append(media.Segment{Duration: 6, Bytes: []byte("seg")})

	srv := newTestServer(t, cache)

	req := httptest.NewRequest(http.MethodGet, "/live/stream1/stream1.m3u8", nil)
	rec := httptest.NewRecorder()
	srv.chain.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/vnd.apple.mpegurl" {
		t.Errorf("unexpected content type %q", ct)
	}
}

func TestPlaylistInterceptorUnknownStream404s(t *testing.T) {
	srv := newTestServer(t, nil)
	req := httptest.NewRequest(http.MethodGet, "/live/unknown/unknown.m3u8", nil)
	rec := httptest.NewRecorder()
	srv.chain.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for an unknown stream, got %d", rec.Code)
	}
}

func TestSegmentInterceptorServesSegmentBytes(t *testing.T) {
	track := media.Track{ID: 0, Type: media.TrackVideo, Codec: media.CodecH264, Timebase: media.NTP90kHz}
	cache := NewCache("stream1", FormatTS, track, 6)
	cache.Append(media.Segment{Duration: 6, Bytes: []byte("segment-bytes")})

	srv := newTestServer(t, cache)

	req := httptest.NewRequest(http.MethodGet, "/live/stream1/stream1-0.ts", nil)
	req.RemoteAddr = "203.0.113.5:1234"
	rec := httptest.NewRecorder()
	srv.chain.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Body.String() != "segment-bytes" {
		t.Errorf("unexpected body %q", rec.Body.String())
	}
	if got := srv.sessions.SessionsConnected(); got != 1 {
		t.Errorf("expected the segment request to register a session, got count %d", got)
	}
}

func TestSegmentInterceptorNotYetWrittenSegmentReturns202(t *testing.T) {
	track := media.Track{ID: 0, Type: media.TrackVideo, Codec: media.CodecH264, Timebase: media.NTP90kHz}
	cache := NewCache("stream1", FormatTS, track, 6)
	cache.Append(media.Segment{Duration: 6, Bytes: []byte("x")})

	srv := newTestServer(t, cache)
	req := httptest.NewRequest(http.MethodGet, "/live/stream1/stream1-99.ts", nil)
	rec := httptest.NewRecorder()
	srv.chain.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Errorf("expected 202 Accepted for a not-yet-written segment sequence, got %d", rec.Code)
	}
}

func TestAdmitOpenWhenNoCryptoKeyConfigured(t *testing.T) {
	srv := newTestServer(t, nil)
	req := httptest.NewRequest(http.MethodGet, "/live/stream1/stream1.m3u8", nil)
	if err := srv.admit(req, "live", "stream1"); err != nil {
		t.Errorf("expected open admission with no CryptoKey configured, got %v", err)
	}
}

func TestAdmitRequiresTokenWhenConfigured(t *testing.T) {
	srv := NewServer(ServerConfig{
		SignedURL: SignedURLConfig{CryptoKey: "k", QueryStringKey: "token"},
	}, nil)

	req := httptest.NewRequest(http.MethodGet, "/live/stream1/stream1.m3u8", nil)
	if err := srv.admit(req, "live", "stream1"); err == nil {
		t.Error("expected admission to fail when a CryptoKey is configured but no token is present")
	}
}

func TestLookupWithRetryFallsBackToPull(t *testing.T) {
	track := media.Track{ID: 0, Type: media.TrackVideo, Codec: media.CodecH264, Timebase: media.NTP90kHz}
	cache := NewCache("stream1", FormatTS, track, 6)

	pulled := false
	known := false
	srv := NewServer(ServerConfig{
		Lookup: func(app, streamKey string) (*Cache, bool) {
			if known {
				return cache, true
			}
			return nil, false
		},
		Pull: func(app, streamKey string) error {
			pulled = true
			known = true
			return nil
		},
	}, nil)

	got, ok := srv.lookupWithRetry("live", "stream1")
	if !ok || got != cache {
		t.Fatal("expected lookupWithRetry to succeed after Pull makes the stream known")
	}
	if !pulled {
		t.Error("expected Pull to be invoked when the initial lookup fails")
	}
}

func TestLookupWithRetryNoPullConfigured(t *testing.T) {
	srv := NewServer(ServerConfig{
		Lookup: func(app, streamKey string) (*Cache, bool) { return nil, false },
	}, nil)
	if _, ok := srv.lookupWithRetry("live", "stream1"); ok {
		t.Error("expected lookup to fail with no Pull configured and an unknown stream")
	}
}
