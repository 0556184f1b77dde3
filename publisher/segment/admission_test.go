package segment

import (
	"testing"
	"time"
)

const testCryptoKey = "test-signing-key"

func issueToken(t *testing.T, url, allowedIP string, streamExp, tokenExp time.Time, sessionID string) string {
	t.Helper()
	return EncodeToken(testCryptoKey, url, allowedIP, streamExp, tokenExp, sessionID)
}

func TestAdmitSixScenarios(t *testing.T) {
	now := time.Now()
	future := now.Add(time.Hour)
	past := now.Add(-time.Hour)

	baseURL := "HTTP://EXAMPLE.COM/LIVE/STREAM1/PLAYLIST.M3U8"
	baseIP := "203.0.113.5"

	cases := []struct {
		name      string
		url       string
		ip        string
		streamExp time.Time
		tokenExp  time.Time
		clientIP  string
		sessions  *SessionTable
		wantAdmit bool
	}{
		{
			name:      "valid tuple admits",
			url:       baseURL,
			ip:        baseIP,
			streamExp: future,
			tokenExp:  future,
			clientIP:  baseIP,
			wantAdmit: true,
		},
		{
			name:      "wrong url rejects",
			url:       "http://example.com/live/stream1/other.m3u8",
			ip:        baseIP,
			streamExp: future,
			tokenExp:  future,
			clientIP:  baseIP,
			wantAdmit: false,
		},
		{
			name:      "wrong client ip rejects",
			url:       baseURL,
			ip:        baseIP,
			streamExp: future,
			tokenExp:  future,
			clientIP:  "198.51.100.9",
			wantAdmit: false,
		},
		{
			name:      "expired stream window rejects",
			url:       baseURL,
			ip:        baseIP,
			streamExp: past,
			tokenExp:  future,
			clientIP:  baseIP,
			wantAdmit: false,
		},
		{
			name:      "expired token without prior session rejects",
			url:       baseURL,
			ip:        baseIP,
			streamExp: future,
			tokenExp:  past,
			clientIP:  baseIP,
			wantAdmit: false,
		},
		{
			name:      "expired token with recorded session admits (grace)",
			url:       baseURL,
			ip:        baseIP,
			streamExp: future,
			tokenExp:  past,
			clientIP:  baseIP,
			sessions:  sessionTableWith("grace-session"),
			wantAdmit: true,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sessionID := "grace-session"
			raw := issueToken(t, baseURL, tc.ip, tc.streamExp, tc.tokenExp, sessionID)
			token, err := DecodeToken(raw, testCryptoKey)
			if err != nil {
				t.Fatalf("DecodeToken: %v", err)
			}

			canon, err := CanonicalQueryURL(tc.url, "token")
			if err != nil {
				t.Fatalf("CanonicalQueryURL: %v", err)
			}

			err = Admit(token, canon, tc.clientIP, now, tc.sessions)
			gotAdmit := err == nil
			if gotAdmit != tc.wantAdmit {
				t.Errorf("Admit() admitted=%v, want %v (err=%v)", gotAdmit, tc.wantAdmit, err)
			}
		})
	}
}

func sessionTableWith(sessionID string) *SessionTable {
	st := NewSessionTable(nil)
	st.RecordPlaylist(PlaylistRequestInfo{SessionID: sessionID, CreatedAt: time.Now()})
	return st
}

func TestDecodeTokenRejectsTamperedSignature(t *testing.T) {
	raw := issueToken(t, "http://x/y.m3u8", "203.0.113.5", time.Now().Add(time.Hour), time.Now().Add(time.Hour), "s1")
	tampered := raw[:len(raw)-1] + "x"
	if _, err := DecodeToken(tampered, testCryptoKey); err == nil {
		t.Fatal("expected signature verification to fail on tampered token")
	}
}

func TestDecodeTokenWrongKeyFails(t *testing.T) {
	raw := issueToken(t, "http://x/y.m3u8", "203.0.113.5", time.Now().Add(time.Hour), time.Now().Add(time.Hour), "s1")
	if _, err := DecodeToken(raw, "a-completely-different-key"); err == nil {
		t.Fatal("expected decode with wrong key to fail")
	}
}

func TestSegmentRequestInfoIsNextRequest(t *testing.T) {
	now := time.Now()
	s := &SegmentRequestInfo{LastSegmentSeq: 10, Duration: 2, LastSeen: now}

	if !s.IsNextRequest(11, now.Add(time.Second)) {
		t.Error("sequence+1 within window should be a continuation")
	}
	if !s.IsNextRequest(12, now.Add(time.Second)) {
		t.Error("sequence+2 within window should be a continuation")
	}
	if s.IsNextRequest(15, now.Add(time.Second)) {
		t.Error("a large jump should not be treated as a continuation")
	}
}
