package orchestrator

import (
	"context"
	"errors"
	"net/http"

	"golang.org/x/sync/errgroup"

	"github.com/aperturemedia/aperture/config"
	"github.com/aperturemedia/aperture/provider/mpegts"
	"github.com/aperturemedia/aperture/provider/rtmp"
	ovtpub "github.com/aperturemedia/aperture/publisher/ovt"
	"github.com/aperturemedia/aperture/publisher/segment"
	"github.com/aperturemedia/aperture/publisher/webrtc"
)

// MetricsAddr, if non-empty, is where Start mounts the Prometheus
// scrape endpoint; an empty value disables it.
type StartOptions struct {
	MetricsAddr string
}

// Start launches every Provider and Publisher enabled across the
// loaded configuration and blocks until ctx is cancelled or any
// subsystem returns an error — the same errgroup.WithContext
// per-subsystem g.Go() shape cmd/aperture/main.go built by hand,
// generalized here to however many listeners the config describes
// instead of one fixed SRT/WebTransport pair.
func (m *Manager) Start(ctx context.Context, opts StartOptions) error {
	g, ctx := errgroup.WithContext(ctx)

	startedAddrs := make(map[string]bool)

	for bi := range m.cfg.Binds {
		for vi := range m.cfg.Binds[bi].VirtualHosts {
			vh := &m.cfg.Binds[bi].VirtualHosts[vi]
			for ai := range vh.Applications {
				app := &vh.Applications[ai]
				m.startApplication(ctx, g, app, startedAddrs)
			}
		}
	}

	if opts.MetricsAddr != "" && m.metrics != nil {
		srv := &http.Server{
			Addr:    opts.MetricsAddr,
			Handler: m.metrics.Handler(func() { m.metrics.SetActiveStreams(m.ActiveStreams()) }),
		}
		g.Go(func() error { return serveUntilDone(ctx, srv) })
	}

	return g.Wait()
}

func (m *Manager) startApplication(ctx context.Context, g *errgroup.Group, app *config.Application, startedAddrs map[string]bool) {
	if p := app.Providers.RTMP; p != nil && !startedAddrs[p.Addr] {
		startedAddrs[p.Addr] = true
		srv := rtmp.NewServer(p.Addr, m.routerFactoryFor(app.Name), m.DisconnectFor(app.Name), m.log)
		g.Go(func() error { return srv.Start(ctx) })
	}

	if p := app.Providers.MPEGTS; p != nil && !startedAddrs[p.Addr] {
		startedAddrs[p.Addr] = true
		srv := mpegts.NewServer(p.Addr, m.routerFactoryFor(app.Name), m.scte35SinkFor(app.Name), m.DisconnectFor(app.Name), m.log)
		g.Go(func() error { return srv.Start(ctx) })
	}

	if pub := app.Publishers.Segment; pub != nil && !startedAddrs[pub.Addr] {
		startedAddrs[pub.Addr] = true
		cfg, _ := app.ToSegmentServerConfig()
		cfg.Lookup = m.StreamLookup
		cfg.Pull = m.PullRequestor
		cfg.Metrics = m.metrics
		srv := segment.NewServer(cfg, m.log)
		g.Go(func() error { return srv.Start(ctx) })
	}

	if pub := app.Publishers.WebRTC; pub != nil && !startedAddrs[pub.SignalingAddr] {
		startedAddrs[pub.SignalingAddr] = true
		handler := webrtc.NewSignalingHandler(m.LookupRouterTracks, m.log)
		srv := &http.Server{Addr: pub.SignalingAddr, Handler: handler}
		g.Go(func() error { return serveUntilDone(ctx, srv) })
	}

	if pub := app.Publishers.OVT; pub != nil && !startedAddrs[pub.Addr] {
		startedAddrs[pub.Addr] = true
		srv := ovtpub.NewServer(pub.Addr, m.LookupRouter, m.log)
		g.Go(func() error { return srv.Start(ctx) })
	}
}

// serveUntilDone runs an *http.Server until ctx is cancelled, then
// shuts it down, matching the pattern cmd/aperture/main.go used for
// its HTTPS API server.
func serveUntilDone(ctx context.Context, srv *http.Server) error {
	stop := context.AfterFunc(ctx, func() { _ = srv.Close() })
	defer stop()

	err := srv.ListenAndServe()
	if ctx.Err() != nil || errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
