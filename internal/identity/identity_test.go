package identity

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap/zaptest"
)

func TestBearerFromHeader(t *testing.T) {
	cases := []struct {
		header string
		want   string
		ok     bool
	}{
		{"Bearer abc123", "abc123", true},
		{"Bearer ", "", false},
		{"", "", false},
		{"Basic abc123", "", false},
	}
	for _, tc := range cases {
		got, ok := BearerFromHeader(tc.header)
		if got != tc.want || ok != tc.ok {
			t.Errorf("BearerFromHeader(%q) = (%q, %v), want (%q, %v)", tc.header, got, ok, tc.want, tc.ok)
		}
	}
}

func TestClaims_HasRole(t *testing.T) {
	c := Claims{Roles: []string{"admin", "viewer"}}
	if !c.HasRole("admin") {
		t.Error("expected HasRole(admin) to be true")
	}
	if c.HasRole("superuser") {
		t.Error("expected HasRole(superuser) to be false")
	}
}

func TestMock_Verify(t *testing.T) {
	claims, err := (Mock{}).Verify(context.Background(), "anything")
	if err != nil {
		t.Fatalf("mock verify: %v", err)
	}
	if claims.Subject != "mock-admin" || !claims.HasRole("admin") {
		t.Fatalf("unexpected default mock claims: %+v", claims)
	}

	custom, err := (Mock{Subject: "alice", Roles: []string{"operator"}}).Verify(context.Background(), "x")
	if err != nil {
		t.Fatalf("mock verify: %v", err)
	}
	if custom.Subject != "alice" || !custom.HasRole("operator") {
		t.Fatalf("unexpected custom mock claims: %+v", custom)
	}
}

func b64url(b []byte) string { return base64.RawURLEncoding.EncodeToString(b) }

func TestJWTVerifier_RoundTrip(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}

	const kid = "test-key-1"
	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/jwks.json", func(w http.ResponseWriter, r *http.Request) {
		resp := jwksResponse{}
		resp.Keys = append(resp.Keys, struct {
			Kid string `json:"kid"`
			N   string `json:"n"`
			E   string `json:"e"`
		}{
			Kid: kid,
			N:   b64url(key.PublicKey.N.Bytes()),
			E:   b64url(big.NewInt(int64(key.PublicKey.E)).Bytes()),
		})
		_ = json.NewEncoder(w).Encode(resp)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	v := NewJWTVerifier(Config{
		IssuerURL:   srv.URL,
		RoleClaim:   "roles",
		JWKSRefresh: time.Minute,
	}, zaptest.NewLogger(t))

	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"sub":   "alice",
		"iss":   srv.URL,
		"roles": []string{"admin", "operator"},
		"exp":   time.Now().Add(time.Hour).Unix(),
	})
	tok.Header["kid"] = kid
	signed, err := tok.SignedString(key)
	if err != nil {
		t.Fatal(err)
	}

	claims, err := v.Verify(context.Background(), signed)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if claims.Subject != "alice" {
		t.Errorf("unexpected subject: %q", claims.Subject)
	}
	if !claims.HasRole("admin") || !claims.HasRole("operator") {
		t.Errorf("unexpected roles: %v", claims.Roles)
	}
}

func TestJWTVerifier_RejectsUnknownKey(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/jwks.json", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(jwksResponse{})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	v := NewJWTVerifier(Config{IssuerURL: srv.URL}, zaptest.NewLogger(t))

	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{"sub": "alice"})
	tok.Header["kid"] = "absent"
	signed, err := tok.SignedString(key)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := v.Verify(context.Background(), signed); err == nil {
		t.Fatal("expected verification to fail for an unknown signing key")
	}
}

func TestParseRSAPublicKey(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	pub, err := parseRSAPublicKey(b64url(key.PublicKey.N.Bytes()), b64url(big.NewInt(int64(key.PublicKey.E)).Bytes()))
	if err != nil {
		t.Fatalf("parseRSAPublicKey: %v", err)
	}
	if pub.E != key.PublicKey.E || pub.N.Cmp(key.PublicKey.N) != 0 {
		t.Fatal("parsed public key does not match original")
	}
}
