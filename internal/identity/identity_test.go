package identity

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"

	"github.com/amityvox/deliveryservice/internal/config"
)

// redirectTransport rewrites every request to target ts regardless of the
// request's original host, letting did:web resolution be tested against an
// httptest.Server without tripping the SSRF dial guard (which would
// otherwise refuse the loopback address a real httptest server listens on).
type redirectTransport struct {
	target *url.URL
}

func (rt redirectTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.URL.Scheme = rt.target.Scheme
	req.URL.Host = rt.target.Host
	req.Host = rt.target.Host
	return http.DefaultTransport.RoundTrip(req)
}

func newTestVerifier(t *testing.T, ts *httptest.Server) (*Verifier, *ecdsa.PrivateKey, *miniredis.Miniredis) {
	t.Helper()

	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	target, err := url.Parse(ts.URL)
	if err != nil {
		t.Fatalf("parsing test server URL: %v", err)
	}
	resolver := newResolver(ResolverConfig{
		Timeout:  5 * time.Second,
		CacheTTL: time.Hour,
	}, redirectTransport{target: target})

	cfg := config.IdentityConfig{
		IssuerAllowlist:   []string{"ds.example.com"},
		ClockSkew:         "2m",
		JTICacheTTL:       "15m",
		DIDDocCacheTTL:    "1h",
		DIDResolveTimeout: "5s",
	}
	v, err := NewVerifier(cfg, resolver, NewReplayCache(rdb))
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}
	return v, priv, mr
}

func didDocHandler(did string, priv *ecdsa.PrivateKey) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		doc := DIDDocument{
			ID: did,
			VerificationMethod: []VerificationMethod{
				{
					ID:   did + "#key1",
					Type: "JsonWebKey2020",
					PublicKeyJWK: map[string]any{
						"kty": "EC",
						"crv": "P-256",
						"x":   base64.RawURLEncoding.EncodeToString(priv.PublicKey.X.Bytes()),
						"y":   base64.RawURLEncoding.EncodeToString(priv.PublicKey.Y.Bytes()),
					},
				},
			},
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(doc)
	}
}

func signToken(t *testing.T, priv *ecdsa.PrivateKey, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	s, err := tok.SignedString(priv)
	if err != nil {
		t.Fatalf("signing token: %v", err)
	}
	return s
}

func baseClaims(iss string) jwt.MapClaims {
	now := time.Now()
	return jwt.MapClaims{
		"iss": iss,
		"aud": "ds.example.com",
		"exp": now.Add(5 * time.Minute).Unix(),
		"iat": now.Unix(),
		"jti": "jti-1",
		"lxm": "createConvo",
	}
}

func TestVerify_Valid(t *testing.T) {
	const did = "did:web:alice.example.com#device-1"

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer ts.Close()

	v, key, _ := newTestVerifier(t, ts)
	ts.Config.Handler = didDocHandler(did, key)

	claims := baseClaims(did)
	token := signToken(t, key, claims)

	id, err := v.Verify(t.Context(), token, "createConvo")
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if id.CredentialDID != did {
		t.Errorf("CredentialDID = %q, want %q", id.CredentialDID, did)
	}
	if id.UserDID != "did:web:alice.example.com" {
		t.Errorf("UserDID = %q, want stripped of device fragment", id.UserDID)
	}
}

func TestVerify_Replay(t *testing.T) {
	const did = "did:web:bob.example.com#device-1"
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer ts.Close()
	v, key, _ := newTestVerifier(t, ts)
	ts.Config.Handler = didDocHandler(did, key)

	token := signToken(t, key, baseClaims(did))

	if _, err := v.Verify(t.Context(), token, "createConvo"); err != nil {
		t.Fatalf("first Verify: %v", err)
	}
	if _, err := v.Verify(t.Context(), token, "createConvo"); !errors.Is(err, ErrReplayed) {
		t.Errorf("second Verify error = %v, want ErrReplayed", err)
	}
}

func TestVerify_LxmMismatch(t *testing.T) {
	const did = "did:web:carol.example.com#device-1"
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer ts.Close()
	v, key, _ := newTestVerifier(t, ts)
	ts.Config.Handler = didDocHandler(did, key)

	token := signToken(t, key, baseClaims(did))

	if _, err := v.Verify(t.Context(), token, "sendMessage"); !errors.Is(err, ErrLxmMismatch) {
		t.Errorf("error = %v, want ErrLxmMismatch", err)
	}
}

func TestVerify_Expired(t *testing.T) {
	const did = "did:web:dave.example.com#device-1"
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer ts.Close()
	v, key, _ := newTestVerifier(t, ts)
	ts.Config.Handler = didDocHandler(did, key)

	claims := baseClaims(did)
	claims["exp"] = time.Now().Add(-time.Hour).Unix()
	claims["iat"] = time.Now().Add(-2 * time.Hour).Unix()
	token := signToken(t, key, claims)

	if _, err := v.Verify(t.Context(), token, "createConvo"); !errors.Is(err, ErrTokenExpired) {
		t.Errorf("error = %v, want ErrTokenExpired", err)
	}
}

func TestVerify_RejectsHMAC(t *testing.T) {
	const did = "did:web:erin.example.com#device-1"
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer ts.Close()
	v, key, _ := newTestVerifier(t, ts)
	ts.Config.Handler = didDocHandler(did, key)

	claims := baseClaims(did)
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	token, err := tok.SignedString([]byte("shared-secret"))
	if err != nil {
		t.Fatalf("signing HMAC token: %v", err)
	}

	if _, err := v.Verify(t.Context(), token, "createConvo"); err == nil {
		t.Error("expected HMAC-signed token to be rejected")
	}
}

func TestVerify_OverlongLifetime(t *testing.T) {
	const did = "did:web:frank.example.com#device-1"
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer ts.Close()
	v, key, _ := newTestVerifier(t, ts)
	ts.Config.Handler = didDocHandler(did, key)

	claims := baseClaims(did)
	claims["iat"] = time.Now().Unix()
	claims["exp"] = time.Now().Add(48 * time.Hour).Unix()
	token := signToken(t, key, claims)

	if _, err := v.Verify(t.Context(), token, "createConvo"); !errors.Is(err, ErrTokenExpired) {
		t.Errorf("error = %v, want ErrTokenExpired for >24h lifetime", err)
	}
}
