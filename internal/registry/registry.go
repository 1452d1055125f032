// Package registry tracks the WAF fleet and the clients paired with it.
//
// A Registry is the process-wide, in-memory membership table described by
// the signaling design: three indexes (WAFs by id, clients by id, and a
// reverse index from control-channel identity to the entry that owns it)
// kept consistent under a single lock. Nothing here touches the network;
// callers hand in a Channel implementation (the signaling package's
// websocket wrapper, or a fake in tests) and the registry only ever calls
// Send/Close on it.
package registry

import (
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// ConnType labels how a client is currently reaching its WAF.
type ConnType string

// Recognized connection types for a RegisteredClient.
const (
	ConnRelay ConnType = "relay"
	ConnP2P   ConnType = "p2p"
	ConnTURN  ConnType = "turn"
)

// Channel is a control channel: a bidirectional framed message stream
// between the server and a WAF or client. Registry entries hold a Channel
// as a weak reference — the transport layer that accepted the connection
// owns its lifecycle; the registry only sends on it and closes it on
// eviction.
type Channel interface {
	// Send marshals and writes v as a single control frame.
	Send(v interface{}) error
	// Close closes the channel with a normal-closure code and reason.
	Close(code int, reason string) error
}

// ErrNotFound is returned by admin operations that reference an unknown id.
var ErrNotFound = errors.New("registry: entry not found")

// Waf is a privately-hosted endpoint that terminates tunneled HTTP traffic
// for a specific backend set.
type Waf struct {
	ID           string
	Addresses    []string
	Channel      Channel
	RegisteredAt time.Time
	DisplayName  string
	Description  string
	Backends     []string

	mu      sync.RWMutex
	clients map[string]struct{}
}

func newWaf(id string, channel Channel, addresses []string, meta map[string]interface{}) *Waf {
	w := &Waf{
		ID:           id,
		Addresses:    addresses,
		Channel:      channel,
		RegisteredAt: time.Now(),
		clients:      make(map[string]struct{}),
	}
	if v, ok := meta["name"].(string); ok {
		w.DisplayName = v
	}
	if v, ok := meta["description"].(string); ok {
		w.Description = v
	}
	if raw, ok := meta["backends"].([]interface{}); ok {
		for _, b := range raw {
			if s, ok := b.(string); ok {
				w.Backends = append(w.Backends, s)
			}
		}
	} else if raw, ok := meta["backends"].([]string); ok {
		w.Backends = append(w.Backends, raw...)
	}
	return w
}

// ClientCount returns the number of clients currently paired with w.
func (w *Waf) ClientCount() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.clients)
}

func (w *Waf) addClient(id string) {
	w.mu.Lock()
	w.clients[id] = struct{}{}
	w.mu.Unlock()
}

func (w *Waf) removeClient(id string) {
	w.mu.Lock()
	delete(w.clients, id)
	w.mu.Unlock()
}

func (w *Waf) clientIDs() []string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	ids := make([]string, 0, len(w.clients))
	for id := range w.clients {
		ids = append(ids, id)
	}
	return ids
}

// Client is a remote browser paired with a WAF through this server.
type Client struct {
	ID           string
	Reflexive    string
	ConnType     ConnType
	Channel      Channel
	WafID        string
	RegisteredAt time.Time
}

// entryKind discriminates the reverse channel index.
type entryKind int

const (
	kindWaf entryKind = iota
	kindClient
)

type channelEntry struct {
	kind entryKind
	id   string
}

// Registry is the WAF/client membership table. The zero value is not
// usable; construct one with New.
type Registry struct {
	log *zap.Logger

	mu       sync.RWMutex
	wafs     map[string]*Waf
	clients  map[string]*Client
	byChan   map[Channel]channelEntry
	nextWaf  int // round-robin tiebreak cursor for equally-loaded WAFs
}

// New builds an empty Registry.
func New(log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{
		log:     log,
		wafs:    make(map[string]*Waf),
		clients: make(map[string]*Client),
		byChan:  make(map[Channel]channelEntry),
	}
}

// RegisterWaf inserts or replaces the WAF identified by id. Re-registration
// is idempotent: an existing entry under the same id is evicted first and
// its channel closed, exactly as if it had disconnected.
func (r *Registry) RegisterWaf(id string, channel Channel, addresses []string, metadata map[string]interface{}) *Waf {
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.wafs[id]; ok {
		r.evictWafLocked(old, 1000, "replaced by re-registration")
	}
	w := newWaf(id, channel, addresses, metadata)
	r.wafs[id] = w
	r.byChan[channel] = channelEntry{kind: kindWaf, id: id}
	r.log.Info("registered waf", zap.String("id", id), zap.Strings("addresses", addresses))
	return w
}

// RegisterClient inserts or replaces the client identified by id.
func (r *Registry) RegisterClient(id string, channel Channel) *Client {
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.clients[id]; ok {
		r.evictClientLocked(old, 1000, "replaced by re-registration")
	}
	c := &Client{ID: id, Channel: channel, RegisteredAt: time.Now()}
	r.clients[id] = c
	r.byChan[channel] = channelEntry{kind: kindClient, id: id}
	r.log.Info("registered client", zap.String("id", id))
	return c
}

// UpdateReflexive records the last observed public address for a client.
func (r *Registry) UpdateReflexive(id, address string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.clients[id]; ok {
		c.Reflexive = address
	}
}

// UpdateConnType records how a client is currently relaying traffic.
func (r *Registry) UpdateConnType(id string, t ConnType) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.clients[id]; ok {
		c.ConnType = t
	}
}

// Pair associates a client with a WAF, updating the WAF's paired-client set.
func (r *Registry) Pair(clientID, wafID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.clients[clientID]
	if !ok {
		return errors.Wrap(ErrNotFound, "client")
	}
	w, ok := r.wafs[wafID]
	if !ok {
		return errors.Wrap(ErrNotFound, "waf")
	}
	if c.WafID != "" {
		if prev, ok := r.wafs[c.WafID]; ok {
			prev.removeClient(clientID)
		}
	}
	c.WafID = wafID
	w.addClient(clientID)
	return nil
}

// Waf looks up a registered WAF by id.
func (r *Registry) Waf(id string) (*Waf, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.wafs[id]
	return w, ok
}

// Client looks up a registered client by id.
func (r *Registry) Client(id string) (*Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[id]
	return c, ok
}

// SelectWaf returns the WAF with the fewest paired clients. Ties are broken
// by rotating the starting point of the scan across calls, so that load
// spreads across equally-loaded WAFs rather than always favoring one id.
func (r *Registry) SelectWaf() (*Waf, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.wafs) == 0 {
		return nil, false
	}
	ids := make([]string, 0, len(r.wafs))
	for id := range r.wafs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	start := r.nextWaf % len(ids)
	r.nextWaf++
	var best *Waf
	bestCount := -1
	for i := 0; i < len(ids); i++ {
		w := r.wafs[ids[(start+i)%len(ids)]]
		n := w.ClientCount()
		if bestCount == -1 || n < bestCount {
			best, bestCount = w, n
		}
	}
	return best, best != nil
}

// ForceDisconnectClient closes a client's control channel with a normal
// close code. The channel close notification is what actually removes the
// entry from the registry.
func (r *Registry) ForceDisconnectClient(id string) error {
	r.mu.Lock()
	c, ok := r.clients[id]
	r.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	return c.Channel.Close(1000, "disconnected by admin")
}

// DrainWaf unpairs every client from wafID and closes the WAF's channel with
// a normal close code. Draining does not itself delete the WAF entry: the
// channel-close notification (UnregisterChannel) delivers the deletion.
func (r *Registry) DrainWaf(id string) error {
	r.mu.Lock()
	w, ok := r.wafs[id]
	r.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	for _, cid := range w.clientIDs() {
		r.mu.Lock()
		if c, ok := r.clients[cid]; ok {
			c.WafID = ""
		}
		r.mu.Unlock()
		w.removeClient(cid)
	}
	return w.Channel.Close(1000, "drained by admin")
}

// UnregisterChannel evicts whatever entry owns channel. Called by the
// transport layer when a control channel's connection is closed, for
// whatever reason (client disconnect, drain, force-disconnect, error).
func (r *Registry) UnregisterChannel(channel Channel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.byChan[channel]
	if !ok {
		return
	}
	delete(r.byChan, channel)
	switch entry.kind {
	case kindWaf:
		if w, ok := r.wafs[entry.id]; ok {
			r.evictWafLocked(w, 0, "")
		}
	case kindClient:
		if c, ok := r.clients[entry.id]; ok {
			r.evictClientLocked(c, 0, "")
		}
	}
}

// evictWafLocked removes w from the registry and unlinks its paired
// clients. If closeCode is nonzero the channel is also closed; callers that
// are reacting to an already-closed channel pass 0.
func (r *Registry) evictWafLocked(w *Waf, closeCode int, reason string) {
	delete(r.wafs, w.ID)
	delete(r.byChan, w.Channel)
	for _, cid := range w.clientIDs() {
		if c, ok := r.clients[cid]; ok {
			c.WafID = ""
		}
	}
	if closeCode != 0 {
		if err := w.Channel.Close(closeCode, reason); err != nil {
			r.log.Debug("error closing evicted waf channel", zap.Error(err))
		}
	}
	r.log.Info("unregistered waf", zap.String("id", w.ID))
}

func (r *Registry) evictClientLocked(c *Client, closeCode int, reason string) {
	delete(r.clients, c.ID)
	delete(r.byChan, c.Channel)
	if c.WafID != "" {
		if w, ok := r.wafs[c.WafID]; ok {
			w.removeClient(c.ID)
		}
	}
	if closeCode != 0 {
		if err := c.Channel.Close(closeCode, reason); err != nil {
			r.log.Debug("error closing evicted client channel", zap.Error(err))
		}
	}
	r.log.Info("unregistered client", zap.String("id", c.ID))
}

// PortalEntry is one row of the public WAF listing.
type PortalEntry struct {
	ID          string   `json:"id"`
	DisplayName string   `json:"displayName"`
	Description string   `json:"description"`
	Backends    []string `json:"backends"`
	ClientCount int      `json:"clientCount"`
	Online      bool     `json:"online"`
}

// PortalList returns the public listing of registered WAFs.
func (r *Registry) PortalList() []PortalEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]PortalEntry, 0, len(r.wafs))
	for _, w := range r.wafs {
		out = append(out, PortalEntry{
			ID:          w.ID,
			DisplayName: w.DisplayName,
			Description: w.Description,
			Backends:    w.Backends,
			ClientCount: w.ClientCount(),
			Online:      true,
		})
	}
	return out
}

// Stats is the detailed snapshot returned by the admin stats endpoint.
type Stats struct {
	WafCount    int           `json:"wafCount"`
	ClientCount int           `json:"clientCount"`
	Wafs        []PortalEntry `json:"wafs"`
}

// Snapshot returns a point-in-time view of the full registry state.
func (r *Registry) Snapshot() Stats {
	r.mu.RLock()
	clientCount := len(r.clients)
	r.mu.RUnlock()
	return Stats{
		WafCount:    len(r.PortalList()),
		ClientCount: clientCount,
		Wafs:        r.PortalList(),
	}
}
