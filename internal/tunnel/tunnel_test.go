package tunnel

import (
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/relaymesh/relayd/internal/registry"
	"github.com/relaymesh/relayd/internal/signaling"
)

type fakeChannel struct {
	onSend func(v interface{})
	closed bool
}

func (f *fakeChannel) Send(v interface{}) error {
	if f.onSend != nil {
		f.onSend(v)
	}
	return nil
}

func (f *fakeChannel) Close(int, string) error {
	f.closed = true
	return nil
}

func newRequest(t *testing.T, body string) *http.Request {
	t.Helper()
	r := httptest.NewRequest(http.MethodPost, "/api/widgets", strings.NewReader(body))
	return r
}

func TestSend_ResolvesOnResponse(t *testing.T) {
	reg := registry.New(zap.NewNop())
	c := New(reg)

	var captured signaling.HTTPRequest
	ch := &fakeChannel{onSend: func(v interface{}) {
		frame := v.(signaling.HTTPRequest)
		captured = frame
		go c.Resolve(&signaling.HTTPResponse{
			Type:       signaling.FrameHTTPResponse,
			ID:         frame.ID,
			StatusCode: 200,
			Headers:    map[string][]string{"Content-Type": {"text/plain"}},
			Body:       base64.StdEncoding.EncodeToString([]byte("hello")),
		})
	}}
	w := reg.RegisterWaf("waf-1", ch, nil, nil)

	resp, err := c.Send(w, newRequest(t, "ping"))
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if resp.StatusCode != 200 || string(resp.Body) != "hello" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if captured.Method != http.MethodPost || captured.URL != "/api/widgets" {
		t.Fatalf("unexpected captured frame: %+v", captured)
	}
	decoded, err := base64.StdEncoding.DecodeString(captured.Body)
	if err != nil || string(decoded) != "ping" {
		t.Fatalf("unexpected captured body: %q err=%v", captured.Body, err)
	}
}

func TestSend_NoWaf(t *testing.T) {
	reg := registry.New(zap.NewNop())
	c := New(reg)
	if _, err := c.Send(nil, newRequest(t, "")); err != ErrNoWaf {
		t.Fatalf("expected ErrNoWaf, got %v", err)
	}
}

func TestSend_ChannelClosed(t *testing.T) {
	reg := registry.New(zap.NewNop())
	c := New(reg)
	w := &registry.Waf{}
	if _, err := c.Send(w, newRequest(t, "")); err == nil {
		t.Fatal("expected an error when the waf has no channel")
	}
}

func TestResolve_UnknownIDIsNoOp(t *testing.T) {
	reg := registry.New(zap.NewNop())
	c := New(reg)
	// Resolving an id nobody is waiting on must not panic or block.
	c.Resolve(&signaling.HTTPResponse{ID: "never-requested", StatusCode: 200})
}

func TestPickWaf_AffinityFallsBackToLeastLoaded(t *testing.T) {
	reg := registry.New(zap.NewNop())
	c := New(reg)
	reg.RegisterWaf("waf-1", &fakeChannel{}, nil, nil)

	w, ok := c.PickWaf("unknown-affinity")
	if !ok || w.ID != "waf-1" {
		t.Fatalf("expected fallback to the only registered waf, got %+v ok=%v", w, ok)
	}

	w, ok = c.PickWaf("waf-1")
	if !ok || w.ID != "waf-1" {
		t.Fatalf("expected affinity hit on waf-1, got %+v ok=%v", w, ok)
	}
}

func TestSend_TimesOutWithoutResponse(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping deadline test in short mode")
	}
	reg := registry.New(zap.NewNop())
	c := New(reg)
	w := reg.RegisterWaf("waf-1", &fakeChannel{}, nil, nil)

	start := time.Now()
	_, err := c.Send(w, newRequest(t, ""))
	if err != ErrTimeout {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if time.Since(start) < Deadline {
		t.Fatal("expected Send to block until the deadline elapsed")
	}
}
