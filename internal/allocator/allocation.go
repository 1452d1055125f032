package allocator

import (
	"io"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/relaymesh/relayd/internal/stunmsg"
	"github.com/relaymesh/relayd/internal/turnmsg"
)

// PeerHandler receives data relayed from a peer, addressed to the
// allocation identified by tuple, from peer addr a.
type PeerHandler interface {
	HandlePeerData(d []byte, t turnmsg.FiveTuple, a stunmsg.Addr)
}

// permission is an allow-list entry for a peer IPv4, required before the
// server relays client->peer traffic (RFC 5766 §2.3).
type permission struct {
	peer    stunmsg.Addr // port is ignored; permissions are IP-scoped
	expires time.Time
}

// channelBinding is a compact 16-bit alias for a peer endpoint.
type channelBinding struct {
	number  turnmsg.ChannelNumber
	peer    stunmsg.Addr
	expires time.Time
}

// Allocation is server-side state enabling a client to relay traffic
// through a bound relay port (RFC 5766 §2.2).
type Allocation struct {
	Tuple turnmsg.FiveTuple
	// ClientConn is the connection the client's control messages arrived on
	// (a raw UDP PacketConn, or a *streamConn wrapping a TCP connection).
	// Peer->client delivery writes back through it, since a TCP-connected
	// client has no address to send a UDP datagram to.
	ClientConn  net.PacketConn
	RelayedAddr stunmsg.Addr
	Conn        net.PacketConn
	Callback    PeerHandler
	Log         *zap.Logger

	mu        sync.RWMutex
	expiresAt time.Time

	permissions    map[string]*permission             // keyed by peer IP
	channels       map[turnmsg.ChannelNumber]*channelBinding
	channelsByPeer map[string]turnmsg.ChannelNumber // keyed by peer "ip:port"

	buf []byte
}

func newAllocation(tuple turnmsg.FiveTuple, clientConn net.PacketConn, expiresAt time.Time, cb PeerHandler, log *zap.Logger) *Allocation {
	return &Allocation{
		Tuple:          tuple,
		ClientConn:     clientConn,
		Callback:       cb,
		Log:            log,
		expiresAt:      expiresAt,
		permissions:    make(map[string]*permission),
		channels:       make(map[turnmsg.ChannelNumber]*channelBinding),
		channelsByPeer: make(map[string]turnmsg.ChannelNumber),
		buf:            make([]byte, 2048),
	}
}

func (a *Allocation) expiry() time.Time {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.expiresAt
}

func (a *Allocation) refresh(expiresAt time.Time) {
	a.mu.Lock()
	a.expiresAt = expiresAt
	a.mu.Unlock()
}

// hasPermission reports whether peer's IP currently holds a live permission.
func (a *Allocation) hasPermission(peer stunmsg.Addr, at time.Time) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	p, ok := a.permissions[peer.IP.String()]
	return ok && p.expires.After(at)
}

// channelFor returns the channel number bound to peer, if any and still live.
func (a *Allocation) channelFor(peer stunmsg.Addr, at time.Time) (turnmsg.ChannelNumber, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	n, ok := a.channelsByPeer[peer.String()]
	if !ok {
		return 0, false
	}
	b, ok := a.channels[n]
	if !ok || !b.expires.After(at) {
		return 0, false
	}
	return n, true
}

// peerFor returns the peer bound to channel n, if still live.
func (a *Allocation) peerFor(n turnmsg.ChannelNumber, at time.Time) (stunmsg.Addr, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	b, ok := a.channels[n]
	if !ok || !b.expires.After(at) {
		return stunmsg.Addr{}, false
	}
	return b.peer, true
}

// sweep drops expired permissions and channel bindings, keeping the
// channels/channelsByPeer maps mutually consistent.
func (a *Allocation) sweep(at time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for ip, p := range a.permissions {
		if !p.expires.After(at) {
			delete(a.permissions, ip)
		}
	}
	for n, b := range a.channels {
		if !b.expires.After(at) {
			delete(a.channels, n)
			delete(a.channelsByPeer, b.peer.String())
		}
	}
}

// ReadUntilClosed runs the relay socket's read loop, handing every datagram
// to Callback until the socket is closed or a non-transient error occurs.
func (a *Allocation) ReadUntilClosed() {
	a.Log.Debug("relay read loop starting")
	defer a.Log.Debug("relay read loop stopped")
	for {
		if err := a.Conn.SetReadDeadline(time.Now().Add(time.Minute)); err != nil {
			a.Log.Warn("set read deadline failed", zap.Error(err))
			return
		}
		n, addr, err := a.Conn.ReadFrom(a.buf)
		if err != nil && err != io.EOF {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			a.Log.Debug("relay read stopped", zap.Error(err))
			return
		}
		if ce := a.Log.Check(zapcore.DebugLevel, "relay read"); ce != nil {
			ce.Write(zap.Int("n", n))
		}
		udpAddr, ok := addr.(*net.UDPAddr)
		if !ok {
			continue
		}
		a.Callback.HandlePeerData(a.buf[:n], a.Tuple, stunmsg.Addr{IP: udpAddr.IP, Port: udpAddr.Port})
	}
}
