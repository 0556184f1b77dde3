package segment

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/aperturemedia/aperture/errs"
)

// SignedURLConfig is a vhost's {CryptoKey, QueryStringKey} pair from
// spec.md §6. Admission is open (unauthenticated) when CryptoKey is
// empty.
type SignedURLConfig struct {
	CryptoKey      string
	QueryStringKey string
}

// Token is the decoded contents of a signed-URL query parameter: the
// exact URL it was issued for, the client it's bound to, and its
// validity window. Fields mirror spec.md §4.5's admission algorithm.
type Token struct {
	URL               string
	AllowedIP         *net.IPNet
	StreamExpiredTime time.Time
	TokenExpiredTime  time.Time
	SessionID         string
}

// DecodeToken parses and HMAC-verifies a base64url token produced by
// EncodeToken. The token format is
// "<payload-base64url>.<hmac-sha256-base64url>"; the payload itself is
// "|"-delimited fields, upper-cased for the URL field per the admission
// algorithm's case-insensitive comparison.
func DecodeToken(raw, cryptoKey string) (*Token, error) {
	parts := strings.SplitN(raw, ".", 2)
	if len(parts) != 2 {
		return nil, fmt.Errorf("segment: malformed token: %w", errs.ErrAdmissionDenied)
	}
	payload, sig := parts[0], parts[1]

	mac := hmac.New(sha256.New, []byte(cryptoKey))
	mac.Write([]byte(payload))
	expected := base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(expected), []byte(sig)) {
		return nil, fmt.Errorf("segment: token signature mismatch: %w", errs.ErrAdmissionDenied)
	}

	decoded, err := base64.RawURLEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("segment: decoding token payload: %w", err)
	}

	fields := strings.Split(string(decoded), "|")
	if len(fields) != 5 {
		return nil, fmt.Errorf("segment: token has %d fields, want 5: %w", len(fields), errs.ErrAdmissionDenied)
	}

	streamExp, err := parseUnixField(fields[2])
	if err != nil {
		return nil, err
	}
	tokenExp, err := parseUnixField(fields[3])
	if err != nil {
		return nil, err
	}

	t := &Token{
		URL:               strings.ToUpper(fields[0]),
		StreamExpiredTime: streamExp,
		TokenExpiredTime:  tokenExp,
		SessionID:         fields[4],
	}

	if fields[1] != "" {
		_, ipNet, err := parseIPOrCIDR(fields[1])
		if err != nil {
			return nil, fmt.Errorf("segment: parsing allowed_ip %q: %w", fields[1], err)
		}
		t.AllowedIP = ipNet
	}

	return t, nil
}

// EncodeToken builds and signs a token for the given fields, the
// counterpart an upstream token-issuing service (outside this
// subsystem's scope) would call.
func EncodeToken(cryptoKey, canonicalURL, allowedIP string, streamExpiredTime, tokenExpiredTime time.Time, sessionID string) string {
	payload := fmt.Sprintf("%s|%s|%d|%d|%s",
		canonicalURL, allowedIP, streamExpiredTime.Unix(), tokenExpiredTime.Unix(), sessionID)
	encodedPayload := base64.RawURLEncoding.EncodeToString([]byte(payload))

	mac := hmac.New(sha256.New, []byte(cryptoKey))
	mac.Write([]byte(encodedPayload))
	sig := base64.RawURLEncoding.EncodeToString(mac.Sum(nil))

	return encodedPayload + "." + sig
}

func parseUnixField(s string) (time.Time, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("segment: parsing token timestamp %q: %w", s, err)
	}
	return time.Unix(n, 0), nil
}

func parseIPOrCIDR(s string) (net.IP, *net.IPNet, error) {
	if strings.Contains(s, "/") {
		return net.ParseIP(s), mustCIDR(s), nil
	}
	ip := net.ParseIP(s)
	if ip == nil {
		return nil, nil, fmt.Errorf("segment: invalid IP %q", s)
	}
	bits := 32
	if ip.To4() == nil {
		bits = 128
	}
	_, ipNet, err := net.ParseCIDR(fmt.Sprintf("%s/%d", s, bits))
	return ip, ipNet, err
}

func mustCIDR(s string) *net.IPNet {
	_, n, err := net.ParseCIDR(s)
	if err != nil {
		return nil
	}
	return n
}

// CanonicalQueryURL normalizes r's URL for comparison against a token's
// embedded URL: scheme+host+path+sorted query string, excluding the
// signed-URL query parameter itself.
func CanonicalQueryURL(rawURL, excludeParam string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Del(excludeParam)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Admit runs the four-part algorithm spec.md §4.5 describes:
//  1. token URL (upper-cased) must equal the canonical request URL (upper-cased)
//  2. client IP must match the token's allowed_ip/CIDR
//  3. stream_expired_time must be in the future
//  4. token_expired_time must be in the future, OR a PlaylistRequestInfo
//     with the same session_id is already recorded (long-session grace)
//
// On success the caller is responsible for recording/refreshing the
// PlaylistRequestInfo; on failure Admit returns errs.ErrAdmissionDenied
// without indicating which check failed, per spec.md's no-leak
// requirement.
func Admit(token *Token, canonicalRequestURL, clientIP string, now time.Time, sessions *SessionTable) error {
	if strings.ToUpper(canonicalRequestURL) != token.URL {
		return errs.ErrAdmissionDenied
	}

	if token.AllowedIP != nil {
		ip := net.ParseIP(clientIP)
		if ip == nil || !token.AllowedIP.Contains(ip) {
			return errs.ErrAdmissionDenied
		}
	}

	if !token.StreamExpiredTime.After(now) {
		return errs.ErrAdmissionDenied
	}

	if !token.TokenExpiredTime.After(now) {
		if sessions == nil || !sessions.HasPlaylistSession(token.SessionID) {
			return errs.ErrAdmissionDenied
		}
	}

	return nil
}
