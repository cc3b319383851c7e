package identity

import (
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"
)

func TestResolver_ResolveWeb_CachesDocument(t *testing.T) {
	calls := 0
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"did:web:example.com","verificationMethod":[]}`))
	}))
	defer ts.Close()

	target, _ := url.Parse(ts.URL)
	r := newResolver(ResolverConfig{Timeout: 5 * time.Second, CacheTTL: time.Hour}, redirectTransport{target: target})

	doc, err := r.Resolve(t.Context(), "did:web:example.com")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if doc.ID != "did:web:example.com" {
		t.Errorf("ID = %q", doc.ID)
	}

	if _, err := r.Resolve(t.Context(), "did:web:example.com"); err != nil {
		t.Fatalf("second Resolve: %v", err)
	}
	if calls != 1 {
		t.Errorf("expected resolution to be served from cache, got %d HTTP calls", calls)
	}
}

func TestResolver_ResolveWeb_NotFound(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer ts.Close()

	target, _ := url.Parse(ts.URL)
	r := newResolver(ResolverConfig{Timeout: 5 * time.Second, CacheTTL: time.Hour}, redirectTransport{target: target})

	if _, err := r.Resolve(t.Context(), "did:web:missing.example.com"); err == nil {
		t.Error("expected error for 404 response")
	}
}

func TestResolver_UnsupportedMethod(t *testing.T) {
	r := NewResolver(ResolverConfig{Timeout: time.Second, CacheTTL: time.Hour})
	if _, err := r.Resolve(t.Context(), "did:key:z123"); err == nil {
		t.Error("expected error for unsupported DID method")
	}
}

func TestParseDIDWeb(t *testing.T) {
	tests := []struct {
		did      string
		wantHost string
		wantPath string
	}{
		{"did:web:example.com", "example.com", ""},
		{"did:web:example.com:user:alice", "example.com", "/user/alice"},
		{"did:web:example.com%3A8443", "example.com:8443", ""},
	}
	for _, tc := range tests {
		host, path, err := parseDIDWeb(tc.did)
		if err != nil {
			t.Fatalf("parseDIDWeb(%q): %v", tc.did, err)
		}
		if host != tc.wantHost || path != tc.wantPath {
			t.Errorf("parseDIDWeb(%q) = (%q, %q), want (%q, %q)", tc.did, host, path, tc.wantHost, tc.wantPath)
		}
	}
}

func TestIsPublicUnicast(t *testing.T) {
	blocked := []string{"127.0.0.1", "169.254.169.254", "10.0.0.5", "::1", "fe80::1"}
	for _, s := range blocked {
		ip := net.ParseIP(s)
		if ip == nil {
			t.Fatalf("invalid test IP %q", s)
		}
		if isPublicUnicast(ip) {
			t.Errorf("expected %s to be blocked", s)
		}
	}

	public := net.ParseIP("93.184.216.34")
	if !isPublicUnicast(public) {
		t.Error("expected public IP to be allowed")
	}
}
