package segment

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestCORSPolicyAllowed(t *testing.T) {
	p := NewCORSPolicy([]string{
		"http://exact.example.com",
		"https://*.wild.example.com",
		"http://*.insecure.example.com",
	})

	cases := []struct {
		origin string
		want   bool
	}{
		{"http://exact.example.com", true},
		{"http://other.example.com", false},
		{"https://foo.wild.example.com", true},
		{"https://wild.example.com", false}, // no subdomain, suffix must follow the dot
		{"http://bar.insecure.example.com", true},
		{"https://bar.insecure.example.com", false}, // scheme mismatch
		{"", false},
	}

	for _, tc := range cases {
		if got := p.Allowed(tc.origin); got != tc.want {
			t.Errorf("Allowed(%q) = %v, want %v", tc.origin, got, tc.want)
		}
	}
}

func TestCORSPolicyWildcardStar(t *testing.T) {
	p := NewCORSPolicy([]string{"*"})
	if !p.Allowed("https://anything.example.net") {
		t.Error("\"*\" policy should allow any origin")
	}
	if p.Allowed("") {
		t.Error("empty origin should never be allowed, even under \"*\"")
	}
}

func TestCORSMiddlewareSetsHeaderOnlyWhenAllowed(t *testing.T) {
	p := NewCORSPolicy([]string{"http://allowed.example.com"})
	handler := p.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/playlist.m3u8", nil)
	req.Header.Set("Origin", "http://allowed.example.com")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "http://allowed.example.com" {
		t.Errorf("expected ACAO header to echo allowed origin, got %q", got)
	}

	req2 := httptest.NewRequest(http.MethodGet, "/playlist.m3u8", nil)
	req2.Header.Set("Origin", "http://denied.example.com")
	rec2 := httptest.NewRecorder()
	handler.ServeHTTP(rec2, req2)
	if got := rec2.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("expected no ACAO header for denied origin, got %q", got)
	}
}

func TestCORSMiddlewareHandlesPreflight(t *testing.T) {
	p := NewCORSPolicy([]string{"*"})
	called := false
	handler := p.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	req := httptest.NewRequest(http.MethodOptions, "/playlist.m3u8", nil)
	req.Header.Set("Origin", "http://any.example.com")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if called {
		t.Error("OPTIONS preflight should not reach the wrapped handler")
	}
	if rec.Code != http.StatusNoContent {
		t.Errorf("expected 204 No Content for preflight, got %d", rec.Code)
	}
}

func TestCrossdomainXML(t *testing.T) {
	p := NewCORSPolicy([]string{"http://a.example.com", "https://b.example.com", "*"})
	xml := string(p.CrossdomainXML())

	if !strings.Contains(xml, `domain="a.example.com"`) {
		t.Error("expected scheme-stripped domain a.example.com in crossdomain.xml")
	}
	if !strings.Contains(xml, `domain="b.example.com"`) {
		t.Error("expected scheme-stripped domain b.example.com in crossdomain.xml")
	}
	if !strings.Contains(xml, `domain="*"`) {
		t.Error("expected wildcard domain preserved as \"*\" in crossdomain.xml")
	}
	if !strings.Contains(xml, "<cross-domain-policy>") {
		t.Error("expected cross-domain-policy root element")
	}
}

func TestServeCrossdomainXML(t *testing.T) {
	p := NewCORSPolicy([]string{"http://a.example.com"})
	req := httptest.NewRequest(http.MethodGet, "/crossdomain.xml", nil)
	rec := httptest.NewRecorder()
	p.ServeCrossdomainXML(rec, req)

	if ct := rec.Header().Get("Content-Type"); ct != "text/x-cross-domain-policy" {
		t.Errorf("expected text/x-cross-domain-policy content type, got %q", ct)
	}
	if !strings.Contains(rec.Body.String(), "a.example.com") {
		t.Error("expected response body to contain the configured domain")
	}
}
