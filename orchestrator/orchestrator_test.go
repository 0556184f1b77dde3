package orchestrator

import (
	"testing"
	"time"

	"github.com/aperturemedia/aperture/config"
)

func testConfig() *config.Server {
	return &config.Server{
		Binds: []config.Bind{
			{
				Addr: "0.0.0.0:1935",
				VirtualHosts: []config.VirtualHost{
					{
						Name: "default",
						Applications: []config.Application{
							{
								Name: "live",
								Providers: config.Providers{
									RTMP: &config.RTMPProvider{Addr: "0.0.0.0:1935"},
								},
								Publishers: config.Publishers{
									Segment: &config.SegmentPublisher{
										Addr:         "0.0.0.0:8080",
										SegmentCount: 3,
									},
								},
							},
							{
								Name: "pulled",
								Providers: config.Providers{
									RTSP: &config.RTSPProvider{URL: "rtsp://upstream/{stream}"},
								},
								Publishers: config.Publishers{
									WebRTC: &config.WebRTCPublisher{SignalingAddr: "0.0.0.0:8443"},
								},
							},
							{
								Name: "no-pull",
								Providers: config.Providers{
									RTMP: &config.RTMPProvider{Addr: "0.0.0.0:1936"},
								},
								Publishers: config.Publishers{
									OVT: &config.OVTPublisher{Addr: "0.0.0.0:9000"},
								},
							},
						},
					},
				},
			},
		},
	}
}

func TestRouterForCreatesOnceAndReuses(t *testing.T) {
	m := New(testConfig(), nil, nil)

	r1 := m.routerFor("live", "abc")
	r2 := m.routerFor("live", "abc")
	if r1 != r2 {
		t.Fatal("expected routerFor to return the same Router on repeated calls")
	}
	if m.ActiveStreams() != 1 {
		t.Fatalf("expected 1 active stream, got %d", m.ActiveStreams())
	}
}

func TestRouterForBuildsSegmentPipelineOnlyWhenConfigured(t *testing.T) {
	m := New(testConfig(), nil, nil)

	m.routerFor("live", "abc") // has a Segment publisher
	if _, ok := m.StreamLookup("live", "abc"); !ok {
		t.Error("expected StreamLookup to find a cache for the live application")
	}

	m.routerFor("pulled", "xyz") // no Segment publisher
	if _, ok := m.StreamLookup("pulled", "xyz"); ok {
		t.Error("expected StreamLookup to report no cache for an application without a Segment publisher")
	}
}

func TestRouterFactoryForBindsAppName(t *testing.T) {
	m := New(testConfig(), nil, nil)

	factory := m.routerFactoryFor("live")
	r := factory("abc")

	got, ok := m.byAppStream[appStreamKey("live", "abc")]
	if !ok || got.router != r {
		t.Fatal("expected routerFactoryFor's closure to register under the bound app name")
	}
}

func TestCompositeRouterFactoryRoundTripsWithRouterFactoryFor(t *testing.T) {
	m := New(testConfig(), nil, nil)

	viaPush := m.routerFactoryFor("live")("shared-stream")
	viaPull := m.compositeRouterFactory(appStreamKey("live", "shared-stream"))

	if viaPush != viaPull {
		t.Fatal("expected compositeRouterFactory to resolve to the same Router as a per-app RouterFactory")
	}
}

func TestSplitAppStreamKey(t *testing.T) {
	cases := []struct {
		key, app, stream string
	}{
		{"live/abc", "live", "abc"},
		{"live/abc/def", "live", "abc/def"},
		{"noapp", "", "noapp"},
	}
	for _, c := range cases {
		app, stream := splitAppStreamKey(c.key)
		if app != c.app || stream != c.stream {
			t.Errorf("splitAppStreamKey(%q) = (%q, %q), want (%q, %q)", c.key, app, stream, c.app, c.stream)
		}
	}
}

func TestLookupRouterAndTracksByBareStreamKey(t *testing.T) {
	m := New(testConfig(), nil, nil)
	want := m.routerFor("live", "abc")

	r, ok := m.LookupRouter("abc")
	if !ok || r != want {
		t.Fatal("expected LookupRouter to find the router by bare stream key")
	}

	r, tracks, ok := m.LookupRouterTracks("abc")
	if !ok || r != want {
		t.Fatal("expected LookupRouterTracks to find the router by bare stream key")
	}
	if len(tracks) != 2 {
		t.Fatalf("expected 2 tracks, got %d", len(tracks))
	}

	if _, ok := m.LookupRouter("nonexistent"); ok {
		t.Error("expected LookupRouter to report false for an unknown stream key")
	}
	if _, _, ok := m.LookupRouterTracks("nonexistent"); ok {
		t.Error("expected LookupRouterTracks to report false for an unknown stream key")
	}
}

func TestUnregisterStreamRemovesBothMaps(t *testing.T) {
	m := New(testConfig(), nil, nil)
	m.routerFor("live", "abc")

	m.UnregisterStream("live", "abc")

	if _, ok := m.StreamLookup("live", "abc"); ok {
		t.Error("expected StreamLookup to report false after UnregisterStream")
	}
	if _, ok := m.LookupRouter("abc"); ok {
		t.Error("expected LookupRouter to report false after UnregisterStream")
	}
	if m.ActiveStreams() != 0 {
		t.Fatalf("expected 0 active streams after UnregisterStream, got %d", m.ActiveStreams())
	}
}

func TestDisconnectForTearsDownStreamAfterGracePeriod(t *testing.T) {
	m := New(testConfig(), nil, nil)
	m.routerFor("live", "abc")

	m.scheduleUnregister("live", "abc", 10*time.Millisecond)

	if _, ok := m.StreamLookup("live", "abc"); !ok {
		t.Fatal("expected stream to survive immediately after disconnect, before the grace period elapses")
	}

	time.Sleep(50 * time.Millisecond)

	if _, ok := m.StreamLookup("live", "abc"); ok {
		t.Error("expected StreamLookup to report false once the grace period has elapsed")
	}
	if m.ActiveStreams() != 0 {
		t.Fatalf("expected 0 active streams after grace period, got %d", m.ActiveStreams())
	}
}

func TestDisconnectForDoesNotTearDownAReconnectedStream(t *testing.T) {
	m := New(testConfig(), nil, nil)
	m.routerFor("live", "abc")

	m.scheduleUnregister("live", "abc", 10*time.Millisecond)

	// Simulate a pull-restart rejoining within the grace window: the
	// stream is torn down and recreated, bumping its generation before
	// the original disconnect's timer fires.
	m.UnregisterStream("live", "abc")
	want := m.routerFor("live", "abc")

	time.Sleep(50 * time.Millisecond)

	if _, ok := m.StreamLookup("live", "abc"); !ok {
		t.Fatal("expected the reconnected stream to survive the original disconnect's grace timer")
	}
	if r, _ := m.LookupRouter("abc"); r != want {
		t.Error("expected the reconnected stream's router to be untouched")
	}
}

func TestCompositeDisconnectUsesAppStreamComposite(t *testing.T) {
	m := New(testConfig(), nil, nil)
	m.routerFor("live", "abc")

	m.compositeDisconnect("live/abc")

	if _, ok := m.StreamLookup("live", "abc"); !ok {
		t.Fatal("expected stream to survive immediately after compositeDisconnect, before the grace period elapses")
	}
}

func TestPullRequestorErrorsForUnknownApplication(t *testing.T) {
	m := New(testConfig(), nil, nil)
	if err := m.PullRequestor("nonexistent", "abc"); err == nil {
		t.Error("expected an error for an unknown application")
	}
}

func TestPullRequestorErrorsWhenNoPullProviderConfigured(t *testing.T) {
	m := New(testConfig(), nil, nil)
	// "live" only configures an RTMP push provider, no RTSP/OVT pull.
	if err := m.PullRequestor("live", "abc"); err == nil {
		t.Error("expected an error for an application with no pull provider configured")
	}
}
