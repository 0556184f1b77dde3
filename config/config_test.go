package config

import (
	"os"
	"path/filepath"
	"testing"
)

const sampleXML = `<?xml version="1.0" encoding="UTF-8"?>
<Server>
  <Bind>
    <Addr>0.0.0.0:1935</Addr>
    <VirtualHost Name="default">
      <Application Name="live">
        <Providers>
          <RTMP><Addr>0.0.0.0:1935</Addr></RTMP>
        </Providers>
        <Publishers>
          <Segment>
            <Addr>0.0.0.0:8080</Addr>
            <SegmentCount>3</SegmentCount>
            <SegmentDuration>5</SegmentDuration>
            <CrossDomains>
              <Url>http://*.example.com</Url>
            </CrossDomains>
          </Segment>
        </Publishers>
        <OutputProfiles>
          <OutputProfile Name="720p">
            <Codec>h264</Codec>
            <Bitrate>2500000</Bitrate>
            <GOPSize>60</GOPSize>
          </OutputProfile>
        </OutputProfiles>
        <SignedURL>
          <CryptoKey>K</CryptoKey>
          <QueryStringKey>t</QueryStringKey>
        </SignedURL>
      </Application>
    </VirtualHost>
  </Bind>
</Server>
`

func writeTempConfig(t *testing.T, xml string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "server.xml")
	if err := os.WriteFile(path, []byte(xml), 0o644); err != nil {
		t.Fatalf("writing temp config: %v", err)
	}
	return path
}

func TestLoadParsesHierarchyAndDefaults(t *testing.T) {
	path := writeTempConfig(t, sampleXML)
	srv, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if len(srv.Binds) != 1 || srv.Binds[0].Addr != "0.0.0.0:1935" {
		t.Fatalf("unexpected Binds: %+v", srv.Binds)
	}

	app, ok := srv.Find("default", "live")
	if !ok {
		t.Fatal("expected to find default/live application")
	}
	if app.Providers.RTMP == nil || app.Providers.RTMP.Addr != "0.0.0.0:1935" {
		t.Errorf("unexpected RTMP provider: %+v", app.Providers.RTMP)
	}
	if app.Publishers.Segment == nil || app.Publishers.Segment.SegmentCount != 3 {
		t.Errorf("unexpected Segment publisher: %+v", app.Publishers.Segment)
	}
	if app.Publishers.Segment.WorkerPool != DefaultWorkerPool {
		t.Errorf("expected WorkerPool default of %d, got %d", DefaultWorkerPool, app.Publishers.Segment.WorkerPool)
	}
	if len(app.OutputProfiles) != 1 || app.OutputProfiles[0].Name != "720p" {
		t.Errorf("unexpected OutputProfiles: %+v", app.OutputProfiles)
	}
	if app.SignedURL == nil || app.SignedURL.CryptoKey != "K" {
		t.Errorf("unexpected SignedURL: %+v", app.SignedURL)
	}
}

func TestFindUnknownApplicationReturnsFalse(t *testing.T) {
	path := writeTempConfig(t, sampleXML)
	srv, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if _, ok := srv.Find("default", "nonexistent"); ok {
		t.Error("expected Find to report the application as missing")
	}
	if _, ok := srv.Find("nonexistent", "live"); ok {
		t.Error("expected Find to report the vhost as missing")
	}
}

func TestLoadMissingFileReturnsError(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.xml")); err == nil {
		t.Error("expected an error for a missing config file")
	}
}

func TestLoadRejectsApplicationWithNoProviders(t *testing.T) {
	const badXML = `<Server>
  <Bind>
    <Addr>0.0.0.0:1935</Addr>
    <VirtualHost Name="default">
      <Application Name="live">
        <Publishers>
          <Segment><Addr>0.0.0.0:8080</Addr></Segment>
        </Publishers>
      </Application>
    </VirtualHost>
  </Bind>
</Server>`
	path := writeTempConfig(t, badXML)
	if _, err := Load(path); err == nil {
		t.Error("expected validation to reject an Application with no Providers")
	}
}

func TestLoadRejectsSignedURLMissingQueryStringKey(t *testing.T) {
	const badXML = `<Server>
  <Bind>
    <Addr>0.0.0.0:1935</Addr>
    <VirtualHost Name="default">
      <Application Name="live">
        <Providers>
          <RTMP><Addr>0.0.0.0:1935</Addr></RTMP>
        </Providers>
        <Publishers>
          <Segment><Addr>0.0.0.0:8080</Addr></Segment>
        </Publishers>
        <SignedURL>
          <CryptoKey>K</CryptoKey>
        </SignedURL>
      </Application>
    </VirtualHost>
  </Bind>
</Server>`
	path := writeTempConfig(t, badXML)
	if _, err := Load(path); err == nil {
		t.Error("expected validation to reject a SignedURL missing QueryStringKey")
	}
}

func TestToSignedURLConfigNilMeansOpenAdmission(t *testing.T) {
	var s *SignedURL
	cfg := s.ToSignedURLConfig()
	if cfg.CryptoKey != "" || cfg.QueryStringKey != "" {
		t.Errorf("expected zero-value SignedURLConfig for nil SignedURL, got %+v", cfg)
	}
}

func TestToSegmentServerConfigMapsFields(t *testing.T) {
	path := writeTempConfig(t, sampleXML)
	srv, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	app, _ := srv.Find("default", "live")

	cfg, ok := app.ToSegmentServerConfig()
	if !ok {
		t.Fatal("expected ToSegmentServerConfig to report ok for a configured Segment publisher")
	}
	if cfg.Addr != "0.0.0.0:8080" {
		t.Errorf("unexpected Addr: %q", cfg.Addr)
	}
	if cfg.SignedURL.CryptoKey != "K" || cfg.SignedURL.QueryStringKey != "t" {
		t.Errorf("unexpected SignedURL mapping: %+v", cfg.SignedURL)
	}
	if len(cfg.CORS) != 1 || cfg.CORS[0] != "http://*.example.com" {
		t.Errorf("unexpected CORS: %+v", cfg.CORS)
	}
}

func TestToSegmentServerConfigMissingPublisherReturnsFalse(t *testing.T) {
	app := &Application{Name: "no-segment"}
	if _, ok := app.ToSegmentServerConfig(); ok {
		t.Error("expected ok=false when no Segment publisher is configured")
	}
}
