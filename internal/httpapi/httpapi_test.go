package httpapi

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/relaymesh/relayd/internal/allocator"
	"github.com/relaymesh/relayd/internal/identity"
	"github.com/relaymesh/relayd/internal/registry"
	"github.com/relaymesh/relayd/internal/signaling"
	"github.com/relaymesh/relayd/internal/tunnel"
)

type fakeChannel struct{}

func (fakeChannel) Send(interface{}) error  { return nil }
func (fakeChannel) Close(int, string) error { return nil }

type fakeAllocations struct{ n int }

func (f fakeAllocations) Stats() allocator.Stats { return allocator.Stats{Allocations: f.n} }

func newTestServer(t *testing.T, opts Options) *Server {
	t.Helper()
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	if opts.Registry == nil {
		opts.Registry = registry.New(opts.Log)
	}
	if opts.Correlator == nil {
		opts.Correlator = tunnel.New(opts.Registry)
	}
	return New(opts)
}

func TestHandleHealth(t *testing.T) {
	reg := registry.New(zap.NewNop())
	reg.RegisterWaf("waf-1", fakeChannel{}, nil, nil)
	s := newTestServer(t, Options{Registry: reg, Allocations: fakeAllocations{n: 3}})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp healthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Status != "ok" || resp.Wafs != 1 || resp.Allocations != 3 {
		t.Fatalf("unexpected health response: %+v", resp)
	}
}

func TestHandleWafList(t *testing.T) {
	reg := registry.New(zap.NewNop())
	reg.RegisterWaf("waf-1", fakeChannel{}, nil, map[string]interface{}{"name": "Edge"})
	s := newTestServer(t, Options{Registry: reg})

	req := httptest.NewRequest(http.MethodGet, "/api/wafs", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var list []registry.PortalEntry
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].DisplayName != "Edge" {
		t.Fatalf("unexpected waf list: %+v", list)
	}
}

func TestRequireAdmin_NoAuthConfigured(t *testing.T) {
	s := newTestServer(t, Options{})
	req := httptest.NewRequest(http.MethodGet, "/api/admin/stats", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with no admin auth configured, got %d", rec.Code)
	}
}

func TestRequireAdmin_SharedSecret(t *testing.T) {
	s := newTestServer(t, Options{AdminSecret: "topsecret"})

	req := httptest.NewRequest(http.MethodGet, "/api/admin/stats", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without the header, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/admin/stats", nil)
	req.Header.Set("X-Admin-Secret", "topsecret")
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with the correct secret, got %d", rec.Code)
	}
}

func TestRequireAdmin_Identity(t *testing.T) {
	s := newTestServer(t, Options{Identity: identity.Mock{Subject: "alice", Roles: []string{"admin"}}})

	req := httptest.NewRequest(http.MethodGet, "/api/admin/stats", nil)
	req.Header.Set("Authorization", "Bearer anything")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with mock identity, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/admin/stats", nil)
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without a bearer token, got %d", rec.Code)
	}
}

func TestHandleSelectWaf(t *testing.T) {
	reg := registry.New(zap.NewNop())
	reg.RegisterWaf("waf-1", fakeChannel{}, nil, nil)
	s := newTestServer(t, Options{Registry: reg})

	body := strings.NewReader(`{"wafId":"waf-1","backend":"api"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/select-waf", body)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	cookies := rec.Result().Cookies()
	if len(cookies) != 1 || cookies[0].Value != "waf-1" {
		t.Fatalf("expected affinity cookie set to waf-1, got %+v", cookies)
	}
}

func TestHandleSelectWaf_UnknownWaf(t *testing.T) {
	s := newTestServer(t, Options{})
	body := strings.NewReader(`{"wafId":"missing"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/select-waf", body)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown waf, got %d", rec.Code)
	}
}

func TestHandleTunnel_NoWaf(t *testing.T) {
	s := newTestServer(t, Options{})
	req := httptest.NewRequest(http.MethodGet, "/some/backend/path", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 with no wafs registered, got %d", rec.Code)
	}
}

func TestHandleTunnel_Proxies(t *testing.T) {
	reg := registry.New(zap.NewNop())
	cor := tunnel.New(reg)
	ch := &fakeChannelResponder{correlator: cor, statusCode: 201, body: "created"}
	reg.RegisterWaf("waf-1", ch, nil, nil)
	s := newTestServer(t, Options{Registry: reg, Correlator: cor})

	req := httptest.NewRequest(http.MethodGet, "/some/backend/path", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != 201 {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	if rec.Body.String() != "created" {
		t.Fatalf("unexpected body: %q", rec.Body.String())
	}
	cookies := rec.Result().Cookies()
	if len(cookies) != 1 || cookies[0].Value != "waf-1" {
		t.Fatalf("expected affinity cookie pinned to waf-1, got %+v", cookies)
	}
}

// fakeChannelResponder immediately resolves any http_request frame sent to it
// with a canned response, simulating a WAF on the other end of the channel.
type fakeChannelResponder struct {
	correlator *tunnel.Correlator
	statusCode int
	body       string
}

func (f *fakeChannelResponder) Send(v interface{}) error {
	frame, ok := v.(signaling.HTTPRequest)
	if !ok {
		return nil
	}
	go f.correlator.Resolve(&signaling.HTTPResponse{
		Type:       signaling.FrameHTTPResponse,
		ID:         frame.ID,
		StatusCode: f.statusCode,
		Body:       base64.StdEncoding.EncodeToString([]byte(f.body)),
	})
	return nil
}

func (f *fakeChannelResponder) Close(int, string) error { return nil }
