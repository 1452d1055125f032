// Package tunnel implements the HTTP-over-control-channel correlator: it
// turns an inbound HTTP request into a framed message on a WAF's control
// channel and reassembles the eventual response, or times it out.
package tunnel

import (
	"encoding/base64"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/relaymesh/relayd/internal/registry"
	"github.com/relaymesh/relayd/internal/signaling"
)

// Deadline is the canonical timeout for a tunneled HTTP request: if no
// http_response frame resolves the pending entry within this window, the
// caller gets a 504.
const Deadline = 30 * time.Second

// AffinityCookie is the name of the cookie that pins a client to the WAF
// that served its last tunneled request.
const AffinityCookie = "waf_relay"

var (
	// ErrNoWaf means no WAF is registered to serve the request.
	ErrNoWaf = errors.New("tunnel: no waf registered")
	// ErrChannelClosed means the chosen WAF's control channel is not open.
	ErrChannelClosed = errors.New("tunnel: waf channel not open")
	// ErrTimeout means the deadline elapsed before a response arrived.
	ErrTimeout = errors.New("tunnel: deadline exceeded")
)

// Response is the reassembled result of a tunneled request.
type Response struct {
	StatusCode int
	Headers    map[string][]string
	Body       []byte
}

type pending struct {
	resultCh chan Response
	timer    *time.Timer
	once     sync.Once
}

func (p *pending) resolve(r Response) {
	p.once.Do(func() {
		p.resultCh <- r
	})
}

// Correlator is the process-wide pending-request table, keyed by an
// unguessable correlation id so a response cannot be hijacked by guessing
// another request's id.
type Correlator struct {
	registry *registry.Registry

	mu      sync.Mutex
	pending map[string]*pending
}

// New builds a Correlator backed by reg for WAF selection and lookup.
func New(reg *registry.Registry) *Correlator {
	return &Correlator{registry: reg, pending: make(map[string]*pending)}
}

// PickWaf implements the WAF selection policy from the HTTP tunnel design:
// prefer the WAF named by an affinity cookie if it is still registered,
// otherwise fall back to the registry's least-loaded WAF.
func (c *Correlator) PickWaf(affinityID string) (*registry.Waf, bool) {
	if affinityID != "" {
		if w, ok := c.registry.Waf(affinityID); ok {
			return w, true
		}
	}
	return c.registry.SelectWaf()
}

// Send tunnels r to w's control channel, waits up to Deadline for a
// matching http_response frame, and returns the reassembled response.
func (c *Correlator) Send(w *registry.Waf, r *http.Request) (Response, error) {
	if w == nil {
		return Response{}, ErrNoWaf
	}
	if w.Channel == nil {
		return Response{}, ErrChannelClosed
	}
	body, err := readAndCloseBody(r)
	if err != nil {
		return Response{}, errors.Wrap(err, "buffer request body")
	}
	id := uuid.NewString()
	p := &pending{resultCh: make(chan Response, 1)}
	c.mu.Lock()
	c.pending[id] = p
	c.mu.Unlock()
	p.timer = time.AfterFunc(Deadline, func() {
		c.remove(id)
		p.resolve(Response{})
	})
	defer c.remove(id)

	frame := signaling.HTTPRequest{
		Type:    signaling.FrameHTTPRequest,
		ID:      id,
		Method:  r.Method,
		URL:     r.URL.RequestURI(),
		Headers: r.Header,
		Body:    base64.StdEncoding.EncodeToString(body),
	}
	if err := w.Channel.Send(frame); err != nil {
		return Response{}, errors.Wrap(ErrChannelClosed, err.Error())
	}
	res := <-p.resultCh
	if res.Headers == nil && res.Body == nil && res.StatusCode == 0 {
		return Response{}, ErrTimeout
	}
	return res, nil
}

// Resolve completes the pending request named by f.ID, if still waiting.
// Responses for unknown or already-resolved ids are discarded, matching the
// rule that cancellation must make a subsequent WAF response a no-op.
func (c *Correlator) Resolve(f *signaling.HTTPResponse) {
	c.mu.Lock()
	p, ok := c.pending[f.ID]
	c.mu.Unlock()
	if !ok {
		return
	}
	body, err := base64.StdEncoding.DecodeString(f.Body)
	if err != nil {
		body = nil
	}
	p.resolve(Response{StatusCode: f.StatusCode, Headers: f.Headers, Body: body})
}

func (c *Correlator) remove(id string) {
	c.mu.Lock()
	if p, ok := c.pending[id]; ok {
		if p.timer != nil {
			p.timer.Stop()
		}
		delete(c.pending, id)
	}
	c.mu.Unlock()
}

func readAndCloseBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	defer r.Body.Close()
	return io.ReadAll(r.Body)
}
