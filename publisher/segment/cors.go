package segment

import (
	"fmt"
	"net/http"
	"strings"
)

// CORSPolicy holds the configured origin allow-list spec.md §4.4
// describes: exact origins, "*", and wildcard subdomains
// ("http://*.example.com" matching by suffix).
type CORSPolicy struct {
	origins []string
}

// NewCORSPolicy builds a policy from a vhost's configured origin list.
func NewCORSPolicy(origins []string) *CORSPolicy {
	return &CORSPolicy{origins: origins}
}

// Allowed reports whether origin is permitted by the policy.
func (p *CORSPolicy) Allowed(origin string) bool {
	if origin == "" {
		return false
	}
	for _, o := range p.origins {
		if o == "*" {
			return true
		}
		if o == origin {
			return true
		}
		if strings.HasPrefix(o, "http://*.") || strings.HasPrefix(o, "https://*.") {
			scheme := "http://"
			suffix := strings.TrimPrefix(o, "http://*")
			if strings.HasPrefix(o, "https://*.") {
				scheme = "https://"
				suffix = strings.TrimPrefix(o, "https://*")
			}
			if strings.HasPrefix(origin, scheme) && strings.HasSuffix(origin, suffix) {
				return true
			}
		}
	}
	return false
}

// Middleware sets Access-Control-Allow-Origin for permitted origins,
// otherwise omits the header and lets the browser's CORS check fail
// closed.
func (p *CORSPolicy) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if p.Allowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// CrossdomainXML synthesizes a legacy Flash crossdomain.xml document
// from the same origin list, one <allow-access-from> element per entry
// (minus the scheme, which crossdomain.xml's domain attribute omits).
func (p *CORSPolicy) CrossdomainXML() []byte {
	var b strings.Builder
	b.WriteString(`<?xml version="1.0"?>` + "\n")
	b.WriteString(`<!DOCTYPE cross-domain-policy SYSTEM "http://www.adobe.com/xml/dtds/cross-domain-policy.dtd">` + "\n")
	b.WriteString("<cross-domain-policy>\n")
	for _, o := range p.origins {
		domain := stripScheme(o)
		fmt.Fprintf(&b, "  <allow-access-from domain=\"%s\" secure=\"false\"/>\n", domain)
	}
	b.WriteString("</cross-domain-policy>\n")
	return []byte(b.String())
}

func stripScheme(origin string) string {
	if origin == "*" {
		return "*"
	}
	for _, prefix := range []string{"http://", "https://"} {
		if strings.HasPrefix(origin, prefix) {
			return strings.TrimPrefix(origin, prefix)
		}
	}
	return origin
}

// ServeCrossdomainXML is an http.HandlerFunc serving /crossdomain.xml.
func (p *CORSPolicy) ServeCrossdomainXML(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/x-cross-domain-policy")
	_, _ = w.Write(p.CrossdomainXML())
}
