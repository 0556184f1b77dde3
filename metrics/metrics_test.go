package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestRegistryExposesIncrementedCounters(t *testing.T) {
	r := New()
	r.IncProviderConnection("rtmp")
	r.IncProviderConnection("rtmp")
	r.IncProviderConnection("rtsp")
	r.IncSessionsConnected()
	r.IncSegmentsPublished()
	r.IncAdmissionDenied()
	r.IncRouterDrops()
	r.IncTranscodeErrors()
	r.SetActiveStreams(3)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	r.Handler(nil).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := rec.Body.String()

	for _, want := range []string{
		`aperture_provider_connections_total{provider="rtmp"} 2`,
		`aperture_provider_connections_total{provider="rtsp"} 1`,
		"aperture_sessions_connected_total 1",
		"aperture_segments_published_total 1",
		"aperture_admission_denied_total 1",
		"aperture_router_drops_total 1",
		"aperture_transcode_errors_total 1",
		"aperture_active_streams 3",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("expected metrics output to contain %q, got:\n%s", want, body)
		}
	}
}

func TestHandlerRunsUpdateGaugesBeforeScrape(t *testing.T) {
	r := New()
	called := false

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	r.Handler(func() {
		called = true
		r.SetActiveStreams(7)
	}).ServeHTTP(rec, req)

	if !called {
		t.Error("expected updateGauges to be invoked before serving the scrape")
	}
	if !strings.Contains(rec.Body.String(), "aperture_active_streams 7") {
		t.Errorf("expected the gauge set inside updateGauges to be reflected in the scrape, got:\n%s", rec.Body.String())
	}
}
