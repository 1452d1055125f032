package allocator

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/relaymesh/relayd/internal/stunmsg"
	"github.com/relaymesh/relayd/internal/turnmsg"
)

// loopbackRelay hands out real loopback UDP sockets, so allocator tests
// exercise an actual net.PacketConn without depending on the system's
// public network configuration.
type loopbackRelay struct{}

func (loopbackRelay) New(proto turnmsg.Protocol) (stunmsg.Addr, net.PacketConn, error) {
	if proto != turnmsg.ProtoUDP {
		return stunmsg.Addr{}, nil, ErrUnsupportedTransport
	}
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		return stunmsg.Addr{}, nil, err
	}
	addr := conn.LocalAddr().(*net.UDPAddr)
	return stunmsg.Addr{IP: addr.IP, Port: addr.Port}, conn, nil
}

type nopHandler struct{}

func (nopHandler) HandlePeerData([]byte, turnmsg.FiveTuple, stunmsg.Addr) {}

func newTestAllocator() *Allocator {
	return NewAllocator(Options{Relay: loopbackRelay{}, PermissionTTL: time.Minute, ChannelTTL: time.Minute})
}

func testTuple(clientPort int) turnmsg.FiveTuple {
	return turnmsg.FiveTuple{
		Client: stunmsg.Addr{IP: net.IPv4(127, 0, 0, 1), Port: clientPort},
		Server: stunmsg.Addr{IP: net.IPv4(127, 0, 0, 1), Port: 3478},
		Proto:  turnmsg.ProtoUDP,
	}
}

func TestAllocator_AllocateAndRemove(t *testing.T) {
	a := newTestAllocator()
	tuple := testTuple(1)
	if a.Stats().Allocations != 0 {
		t.Fatal("expected no allocations initially")
	}
	relayed, err := a.Allocate(tuple, nil, turnmsg.ProtoUDP, time.Minute, nopHandler{})
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if relayed.Port == 0 {
		t.Fatal("expected a relay port")
	}
	if a.Stats().Allocations != 1 {
		t.Fatal("expected one allocation")
	}
	if _, err := a.Allocate(tuple, nil, turnmsg.ProtoUDP, time.Minute, nopHandler{}); err != ErrAllocationMismatch {
		t.Fatalf("got %v, want ErrAllocationMismatch", err)
	}
	if err := a.Remove(tuple); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if a.Stats().Allocations != 0 {
		t.Fatal("expected allocation removed")
	}
	if err := a.Remove(tuple); err != ErrAllocationMismatch {
		t.Fatalf("got %v, want ErrAllocationMismatch", err)
	}
}

func TestAllocator_RefreshZeroTearsDown(t *testing.T) {
	a := newTestAllocator()
	tuple := testTuple(2)
	if _, err := a.Allocate(tuple, nil, turnmsg.ProtoUDP, time.Minute, nopHandler{}); err != nil {
		t.Fatal(err)
	}
	if err := a.Refresh(tuple, 0); err != nil {
		t.Fatalf("refresh(0): %v", err)
	}
	if a.Stats().Allocations != 0 {
		t.Fatal("expected allocation removed by zero-lifetime refresh")
	}
}

func TestAllocator_CreatePermissionThenSend(t *testing.T) {
	a := newTestAllocator()
	tuple := testTuple(3)
	if _, err := a.Allocate(tuple, nil, turnmsg.ProtoUDP, time.Minute, nopHandler{}); err != nil {
		t.Fatal(err)
	}
	peer := stunmsg.Addr{IP: net.IPv4(127, 0, 0, 1), Port: 9999}
	if _, err := a.Send(tuple, peer, []byte("hi")); err != ErrPermissionNotFound {
		t.Fatalf("got %v, want ErrPermissionNotFound before CreatePermission", err)
	}
	if err := a.CreatePermission(tuple, peer); err != nil {
		t.Fatalf("create permission: %v", err)
	}
	if _, err := a.Send(tuple, peer, []byte("hi")); err != nil {
		t.Fatalf("send after permission: %v", err)
	}
}

func TestAllocator_ChannelBindAndSendBound(t *testing.T) {
	a := newTestAllocator()
	tuple := testTuple(4)
	if _, err := a.Allocate(tuple, nil, turnmsg.ProtoUDP, time.Minute, nopHandler{}); err != nil {
		t.Fatal(err)
	}
	peer := stunmsg.Addr{IP: net.IPv4(127, 0, 0, 1), Port: 9001}
	n := turnmsg.ChannelNumber(0x4001)
	if err := a.ChannelBind(tuple, n, peer); err != nil {
		t.Fatalf("channel bind: %v", err)
	}
	got, err := a.Bound(tuple, peer)
	if err != nil || got != n {
		t.Fatalf("bound: got (%v, %v), want (%v, nil)", got, err, n)
	}
	if _, err := a.SendBound(tuple, n, []byte("hi")); err != nil {
		t.Fatalf("send bound: %v", err)
	}
	// ChannelBind implicitly installs a permission (RFC 5766 11.2).
	if _, err := a.Send(tuple, peer, []byte("hi")); err != nil {
		t.Fatalf("send after implicit permission: %v", err)
	}
}

func TestAllocator_ChannelBindRejectsInvalidNumber(t *testing.T) {
	a := newTestAllocator()
	tuple := testTuple(5)
	if _, err := a.Allocate(tuple, nil, turnmsg.ProtoUDP, time.Minute, nopHandler{}); err != nil {
		t.Fatal(err)
	}
	peer := stunmsg.Addr{IP: net.IPv4(127, 0, 0, 1), Port: 9002}
	if err := a.ChannelBind(tuple, turnmsg.ChannelNumber(0x1234), peer); err != ErrInvalidChannelNumber {
		t.Fatalf("got %v, want ErrInvalidChannelNumber", err)
	}
}

func TestAllocator_ChannelBindConflict(t *testing.T) {
	a := newTestAllocator()
	tuple := testTuple(6)
	if _, err := a.Allocate(tuple, nil, turnmsg.ProtoUDP, time.Minute, nopHandler{}); err != nil {
		t.Fatal(err)
	}
	peerA := stunmsg.Addr{IP: net.IPv4(127, 0, 0, 1), Port: 9003}
	peerB := stunmsg.Addr{IP: net.IPv4(127, 0, 0, 1), Port: 9004}
	n := turnmsg.ChannelNumber(0x4002)
	if err := a.ChannelBind(tuple, n, peerA); err != nil {
		t.Fatal(err)
	}
	if err := a.ChannelBind(tuple, n, peerB); err != ErrChannelConflict {
		t.Fatalf("got %v, want ErrChannelConflict for rebinding channel to a new peer", err)
	}
	// Rebinding the same (channel, peer) pair before expiry is allowed.
	if err := a.ChannelBind(tuple, n, peerA); err != nil {
		t.Fatalf("re-binding same peer/channel should succeed: %v", err)
	}
}

func TestAllocator_PortExhaustion(t *testing.T) {
	pool := NewPortPool(nil, net.IPv4(127, 0, 0, 1), 40000, 40000)
	a := NewAllocator(Options{Relay: pool, PermissionTTL: time.Minute, ChannelTTL: time.Minute})
	if _, err := a.Allocate(testTuple(7), nil, turnmsg.ProtoUDP, time.Minute, nopHandler{}); err != nil {
		t.Fatalf("first allocation should succeed: %v", err)
	}
	if _, err := a.Allocate(testTuple(8), nil, turnmsg.ProtoUDP, time.Minute, nopHandler{}); err != ErrInsufficientCapacity {
		t.Fatalf("got %v, want ErrInsufficientCapacity", err)
	}
}

func TestExpiryWheel_FiresDueItemsOnly(t *testing.T) {
	w := NewExpiryWheel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fired := make(chan turnmsg.FiveTuple, 2)
	go w.Run(ctx, func(tuple turnmsg.FiveTuple) { fired <- tuple })

	soon := testTuple(100)
	later := testTuple(200)
	w.Schedule(soon, time.Now().Add(20*time.Millisecond))
	w.Schedule(later, time.Now().Add(time.Hour))

	select {
	case got := <-fired:
		if got != soon {
			t.Fatalf("got %v, want %v", got, soon)
		}
	case <-time.After(time.Second):
		t.Fatal("expected near-term item to fire")
	}

	select {
	case got := <-fired:
		t.Fatalf("unexpected second fire: %v", got)
	case <-time.After(50 * time.Millisecond):
		// OK: the far-future item must not have fired yet.
	}
}
