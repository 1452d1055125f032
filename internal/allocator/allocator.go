// Package allocator implements TURN allocation management: allocation
// lifecycle, peer permissions, channel bindings and the relay port pool.
package allocator

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/relaymesh/relayd/internal/filter"
	"github.com/relaymesh/relayd/internal/stunmsg"
	"github.com/relaymesh/relayd/internal/turnmsg"
)

// ErrAllocationMismatch is a 437 (Allocation Mismatch) error: the 5-tuple
// either already has an allocation (on Allocate) or has none (on every
// other operation).
var ErrAllocationMismatch = errors.New("5-tuple allocation mismatch")

// ErrPermissionNotFound means the given 5-tuple has no live permission or
// channel for the target peer.
var ErrPermissionNotFound = errors.New("permission not found")

// ErrInvalidChannelNumber re-exports turnmsg's range check for callers that
// only import allocator.
var ErrInvalidChannelNumber = turnmsg.ErrInvalidChannelNumber

// Options configures a new Allocator.
type Options struct {
	Log           *zap.Logger
	Relay         RelayedAddrAllocator
	Labels        prometheus.Labels
	PermissionTTL time.Duration // default 300s per RFC 5766 §8
	ChannelTTL    time.Duration // default 600s per RFC 5766 §11
	PeerFilter    filter.Rule   // nil means allow every peer
}

const (
	defaultPermissionTTL = 300 * time.Second
	defaultChannelTTL    = 600 * time.Second
)

// Allocator owns every live Allocation and the relay ports they occupy.
type Allocator struct {
	log   *zap.Logger
	relay RelayedAddrAllocator

	mu     sync.RWMutex
	allocs map[turnmsg.FiveTuple]*Allocation

	permissionTTL time.Duration
	channelTTL    time.Duration
	peerFilter    filter.Rule

	wheel   *ExpiryWheel
	metrics map[string]*prometheus.Desc
}

// ErrPeerForbidden is a 403 (Forbidden) error: the operator's peer filter
// denied this address.
var ErrPeerForbidden = errors.New("peer address forbidden by filter")

// NewAllocator builds an Allocator. Call Run in a goroutine to drive expiry.
func NewAllocator(o Options) *Allocator {
	if o.Log == nil {
		o.Log = zap.NewNop()
	}
	if o.PermissionTTL == 0 {
		o.PermissionTTL = defaultPermissionTTL
	}
	if o.ChannelTTL == 0 {
		o.ChannelTTL = defaultChannelTTL
	}
	if o.PeerFilter == nil {
		o.PeerFilter = filter.AllowAll
	}
	return &Allocator{
		log:           o.Log,
		relay:         o.Relay,
		allocs:        make(map[turnmsg.FiveTuple]*Allocation),
		permissionTTL: o.PermissionTTL,
		channelTTL:    o.ChannelTTL,
		peerFilter:    o.PeerFilter,
		wheel:         NewExpiryWheel(),
		metrics: map[string]*prometheus.Desc{
			"allocation_count": prometheus.NewDesc("relayd_allocation_count",
				"Total number of live TURN allocations.", nil, o.Labels),
			"permission_count": prometheus.NewDesc("relayd_permission_count",
				"Total number of live permissions across allocations.", nil, o.Labels),
			"binding_count": prometheus.NewDesc("relayd_channel_binding_count",
				"Total number of live channel bindings across allocations.", nil, o.Labels),
		},
	}
}

// Run drives the expiry wheel until ctx is cancelled. Intended to run in its
// own goroutine for the lifetime of the server.
func (a *Allocator) Run(ctx context.Context) {
	a.wheel.Run(ctx, a.onExpiry)
}

func (a *Allocator) onExpiry(tuple turnmsg.FiveTuple) {
	a.mu.RLock()
	alloc, ok := a.allocs[tuple]
	a.mu.RUnlock()
	if !ok {
		return
	}
	now := time.Now()
	alloc.sweep(now)
	if alloc.expiry().After(now) {
		// Refreshed since this wake-up was scheduled; the stale entry is a
		// no-op, a fresh one was already pushed by refresh().
		return
	}
	_ = a.Remove(tuple)
}

// Describe implements prometheus.Collector.
func (a *Allocator) Describe(c chan<- *prometheus.Desc) {
	for _, d := range a.metrics {
		c <- d
	}
}

// Collect implements prometheus.Collector.
func (a *Allocator) Collect(c chan<- prometheus.Metric) {
	s := a.Stats()
	c <- prometheus.MustNewConstMetric(a.metrics["allocation_count"], prometheus.GaugeValue, float64(s.Allocations))
	c <- prometheus.MustNewConstMetric(a.metrics["permission_count"], prometheus.GaugeValue, float64(s.Permissions))
	c <- prometheus.MustNewConstMetric(a.metrics["binding_count"], prometheus.GaugeValue, float64(s.Bindings))
}

// Allocate creates a new allocation for tuple, relaying on behalf of proto.
// proto is the transport requested via REQUESTED-TRANSPORT, independent of
// tuple.Proto (the client-server transport, which may be TCP even though
// only UDP relaying is ever granted). clientConn is the connection tuple's
// control messages arrived on; peer->client delivery is routed back over it
// when tuple.Proto is TCP. Returns ErrAllocationMismatch if tuple already
// has a live allocation, and ErrUnsupportedTransport/ErrInsufficientCapacity
// from the port pool.
func (a *Allocator) Allocate(tuple turnmsg.FiveTuple, clientConn net.PacketConn, proto turnmsg.Protocol, lifetime time.Duration, cb PeerHandler) (stunmsg.Addr, error) {
	log := a.log.Named("allocation").With(zap.Stringer("tuple", tuple))

	a.mu.Lock()
	if _, exists := a.allocs[tuple]; exists {
		a.mu.Unlock()
		return stunmsg.Addr{}, ErrAllocationMismatch
	}
	a.mu.Unlock()

	raddr, conn, err := a.relay.New(proto)
	if err != nil {
		return stunmsg.Addr{}, err
	}

	expiresAt := time.Now().Add(lifetime)
	alloc := newAllocation(tuple, clientConn, expiresAt, cb, log.With(zap.Stringer("relay", raddr)))
	alloc.Conn = conn
	alloc.RelayedAddr = raddr

	a.mu.Lock()
	if _, exists := a.allocs[tuple]; exists {
		a.mu.Unlock()
		_ = conn.Close()
		return stunmsg.Addr{}, ErrAllocationMismatch
	}
	a.allocs[tuple] = alloc
	a.mu.Unlock()

	a.wheel.Schedule(tuple, expiresAt)
	go alloc.ReadUntilClosed()
	log.Debug("allocated", zap.Duration("lifetime", lifetime))
	return raddr, nil
}

// Refresh extends (lifetime > 0) or tears down (lifetime == 0) tuple's
// allocation.
func (a *Allocator) Refresh(tuple turnmsg.FiveTuple, lifetime time.Duration) error {
	a.mu.RLock()
	alloc, ok := a.allocs[tuple]
	a.mu.RUnlock()
	if !ok {
		return ErrAllocationMismatch
	}
	if lifetime <= 0 {
		return a.Remove(tuple)
	}
	expiresAt := time.Now().Add(lifetime)
	alloc.refresh(expiresAt)
	a.wheel.Schedule(tuple, expiresAt)
	return nil
}

// Remove tears down tuple's allocation: closes its relay socket and drops
// it from the allocator.
func (a *Allocator) Remove(tuple turnmsg.FiveTuple) error {
	a.mu.Lock()
	alloc, ok := a.allocs[tuple]
	if ok {
		delete(a.allocs, tuple)
	}
	a.mu.Unlock()
	if !ok {
		return ErrAllocationMismatch
	}
	if err := alloc.Conn.Close(); err != nil {
		a.log.Warn("failed to close relay socket", zap.Stringer("tuple", tuple), zap.Error(err))
	}
	return nil
}

// CreatePermission installs or refreshes a permission for peer's IP on
// tuple's allocation.
func (a *Allocator) CreatePermission(tuple turnmsg.FiveTuple, peer stunmsg.Addr) error {
	if a.peerFilter.Action(peer) == filter.Deny {
		return ErrPeerForbidden
	}
	a.mu.RLock()
	alloc, ok := a.allocs[tuple]
	a.mu.RUnlock()
	if !ok {
		return ErrAllocationMismatch
	}
	expiresAt := time.Now().Add(a.permissionTTL)
	alloc.mu.Lock()
	alloc.permissions[peer.IP.String()] = &permission{peer: peer, expires: expiresAt}
	alloc.mu.Unlock()
	a.wheel.Schedule(tuple, expiresAt)
	return nil
}

// ErrChannelConflict is a 400 (Bad Request) error: the channel number or the
// peer is already bound to something else.
var ErrChannelConflict = errors.New("channel binding conflicts with an existing binding")

// ChannelBind creates or refreshes a binding of channel n to peer on
// tuple's allocation, implicitly installing/refreshing the peer's
// permission as RFC 5766 §11.2 requires.
func (a *Allocator) ChannelBind(tuple turnmsg.FiveTuple, n turnmsg.ChannelNumber, peer stunmsg.Addr) error {
	if !n.Valid() {
		return ErrInvalidChannelNumber
	}
	if a.peerFilter.Action(peer) == filter.Deny {
		return ErrPeerForbidden
	}
	a.mu.RLock()
	alloc, ok := a.allocs[tuple]
	a.mu.RUnlock()
	if !ok {
		return ErrAllocationMismatch
	}

	now := time.Now()
	expiresAt := now.Add(a.channelTTL)

	alloc.mu.Lock()
	if existing, ok := alloc.channels[n]; ok && existing.expires.After(now) && !existing.peer.Equal(peer) {
		alloc.mu.Unlock()
		return ErrChannelConflict
	}
	if existingNum, ok := alloc.channelsByPeer[peer.String()]; ok && existingNum != n {
		if b, ok := alloc.channels[existingNum]; ok && b.expires.After(now) {
			alloc.mu.Unlock()
			return ErrChannelConflict
		}
	}
	alloc.channels[n] = &channelBinding{number: n, peer: peer, expires: expiresAt}
	alloc.channelsByPeer[peer.String()] = n
	alloc.permissions[peer.IP.String()] = &permission{peer: peer, expires: expiresAt}
	alloc.mu.Unlock()

	a.wheel.Schedule(tuple, expiresAt)
	return nil
}

// Bound returns the channel number currently bound to peer on tuple's
// allocation, if any.
func (a *Allocator) Bound(tuple turnmsg.FiveTuple, peer stunmsg.Addr) (turnmsg.ChannelNumber, error) {
	a.mu.RLock()
	alloc, ok := a.allocs[tuple]
	a.mu.RUnlock()
	if !ok {
		return 0, ErrAllocationMismatch
	}
	n, ok := alloc.channelFor(peer, time.Now())
	if !ok {
		return 0, ErrPermissionNotFound
	}
	return n, nil
}

// ClientConn returns the connection tuple's client is reachable on, for
// peer->client delivery of data not addressed to a UDP socket.
func (a *Allocator) ClientConn(tuple turnmsg.FiveTuple) (net.PacketConn, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	alloc, ok := a.allocs[tuple]
	if !ok {
		return nil, false
	}
	return alloc.ClientConn, true
}

// Send relays data from tuple's client to peer, provided peer holds a live
// permission. Mirrors the Send indication / DATA indication path.
func (a *Allocator) Send(tuple turnmsg.FiveTuple, peer stunmsg.Addr, data []byte) (int, error) {
	a.mu.RLock()
	alloc, ok := a.allocs[tuple]
	a.mu.RUnlock()
	if !ok {
		return 0, ErrAllocationMismatch
	}
	if !alloc.hasPermission(peer, time.Now()) {
		return 0, ErrPermissionNotFound
	}
	return alloc.Conn.WriteTo(data, &net.UDPAddr{IP: peer.IP, Port: peer.Port})
}

// SendBound relays data using channel number n already bound on tuple's
// allocation, resolving the peer from the binding.
func (a *Allocator) SendBound(tuple turnmsg.FiveTuple, n turnmsg.ChannelNumber, data []byte) (int, error) {
	a.mu.RLock()
	alloc, ok := a.allocs[tuple]
	a.mu.RUnlock()
	if !ok {
		return 0, ErrAllocationMismatch
	}
	peer, ok := alloc.peerFor(n, time.Now())
	if !ok {
		return 0, ErrPermissionNotFound
	}
	return alloc.Conn.WriteTo(data, &net.UDPAddr{IP: peer.IP, Port: peer.Port})
}

// Stats summarizes the allocator's live state.
type Stats struct {
	Allocations int
	Permissions int
	Bindings    int
}

// Stats returns current statistics, sweeping expired entries from each
// allocation it visits along the way.
func (a *Allocator) Stats() Stats {
	now := time.Now()
	a.mu.RLock()
	defer a.mu.RUnlock()
	s := Stats{Allocations: len(a.allocs)}
	for _, alloc := range a.allocs {
		alloc.sweep(now)
		alloc.mu.RLock()
		s.Permissions += len(alloc.permissions)
		s.Bindings += len(alloc.channels)
		alloc.mu.RUnlock()
	}
	return s
}
