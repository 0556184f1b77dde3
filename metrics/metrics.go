// Package metrics wraps github.com/prometheus/client_golang behind a
// small Registry, passed by handle into whichever subsystem needs to
// record a counter (spec's "global singletons become owned-by-main
// services, passed by handle" design note). Where those counters are
// scraped from and stored is out of scope — Registry only exposes the
// instrumentation points.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds every counter/gauge Aperture's subsystems record
// against. Grounded on Emibrown-HLS-Playlist-Orchestrator's flat,
// un-labeled metrics.Metrics struct.
type Registry struct {
	registry *prometheus.Registry

	providerConnections *prometheus.CounterVec
	sessionsConnected   prometheus.Counter
	segmentsPublished   prometheus.Counter
	admissionDenied     prometheus.Counter
	routerDrops         prometheus.Counter
	transcodeErrors     prometheus.Counter
	activeStreams       prometheus.Gauge
}

// New creates and registers Aperture's Prometheus collectors.
func New() *Registry {
	reg := prometheus.NewRegistry()

	providerConnections := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "aperture_provider_connections_total",
		Help: "Total number of accepted ingest connections, by provider type.",
	}, []string{"provider"})
	sessionsConnected := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "aperture_sessions_connected_total",
		Help: "Total number of distinct viewer sessions detected across all publishers.",
	})
	segmentsPublished := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "aperture_segments_published_total",
		Help: "Total number of HLS/DASH segments written into a Cache.",
	})
	admissionDenied := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "aperture_admission_denied_total",
		Help: "Total number of signed-URL admission checks that were denied.",
	})
	routerDrops := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "aperture_router_drops_total",
		Help: "Total number of packets dropped from an observer queue under backpressure.",
	})
	transcodeErrors := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "aperture_transcode_errors_total",
		Help: "Total number of transcoder stage errors.",
	})
	activeStreams := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "aperture_active_streams",
		Help: "Number of streams currently registered with the Orchestrator.",
	})

	reg.MustRegister(
		providerConnections,
		sessionsConnected,
		segmentsPublished,
		admissionDenied,
		routerDrops,
		transcodeErrors,
		activeStreams,
	)

	return &Registry{
		registry:            reg,
		providerConnections: providerConnections,
		sessionsConnected:   sessionsConnected,
		segmentsPublished:   segmentsPublished,
		admissionDenied:     admissionDenied,
		routerDrops:         routerDrops,
		transcodeErrors:     transcodeErrors,
		activeStreams:       activeStreams,
	}
}

// IncProviderConnection records one accepted ingest connection for the
// named provider ("rtmp", "rtsp", "ovt", "mpegts").
func (r *Registry) IncProviderConnection(provider string) {
	r.providerConnections.WithLabelValues(provider).Inc()
}

// IncSessionsConnected records one newly-detected viewer session.
func (r *Registry) IncSessionsConnected() {
	r.sessionsConnected.Inc()
}

// IncSegmentsPublished records one segment written into a Cache.
func (r *Registry) IncSegmentsPublished() {
	r.segmentsPublished.Inc()
}

// IncAdmissionDenied records one denied signed-URL admission check.
func (r *Registry) IncAdmissionDenied() {
	r.admissionDenied.Inc()
}

// IncRouterDrops records one packet dropped from an observer queue.
func (r *Registry) IncRouterDrops() {
	r.routerDrops.Inc()
}

// IncTranscodeErrors records one transcoder stage error.
func (r *Registry) IncTranscodeErrors() {
	r.transcodeErrors.Inc()
}

// SetActiveStreams sets the active-streams gauge.
func (r *Registry) SetActiveStreams(n int) {
	r.activeStreams.Set(float64(n))
}

// Handler returns an http.Handler serving the registered collectors in
// the Prometheus exposition format. updateGauges, if non-nil, runs
// immediately before every scrape to refresh gauge values that are
// cheaper to compute on demand than to keep updated continuously.
func (r *Registry) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{}).ServeHTTP(w, req)
	})
}
