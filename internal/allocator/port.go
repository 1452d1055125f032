package allocator

import (
	"net"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/relaymesh/relayd/internal/stunmsg"
	"github.com/relaymesh/relayd/internal/turnmsg"
)

// ErrUnsupportedTransport is a 442 (Unsupported Transport Protocol) error:
// only UDP relaying is implemented.
var ErrUnsupportedTransport = errors.New("requested transport not supported")

// ErrInsufficientCapacity is a 508 (Insufficient Capacity) error: the relay
// port range is exhausted.
var ErrInsufficientCapacity = errors.New("no relay ports available")

// RelayedAddrAllocator binds a fresh relay socket for a new allocation.
type RelayedAddrAllocator interface {
	New(proto turnmsg.Protocol) (stunmsg.Addr, net.PacketConn, error)
}

// PortPool hands out relay sockets from [min, max] on ip. Ports are bound
// lazily, on demand, rather than pre-bound in bulk at startup: the relay
// ranges of a public-facing TURN server are typically wide, and pre-binding
// all of them (as a fixed-size pool would) wastes file descriptors that
// are never used. Once a port is released it goes on a free-list and is
// reused before any new, higher port number is tried (next-fit).
type PortPool struct {
	log *zap.Logger
	ip  net.IP
	min int
	max int

	mu   sync.Mutex
	next int
	free []int
}

// NewPortPool builds a PortPool over [min, max] on ip. A nil log disables
// logging.
func NewPortPool(log *zap.Logger, ip net.IP, min, max int) *PortPool {
	if log == nil {
		log = zap.NewNop()
	}
	return &PortPool{log: log, ip: ip, min: min, max: max, next: min}
}

func (p *PortPool) capacity() int {
	if p.max < p.min {
		return 0
	}
	return p.max - p.min + 1
}

// candidate returns the next port to try: the oldest freed port, or the
// next never-used port in range if the free-list is empty.
func (p *PortPool) candidate() (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.free) > 0 {
		port := p.free[0]
		p.free = p.free[1:]
		return port, true
	}
	if p.next > p.max {
		return 0, false
	}
	port := p.next
	p.next++
	return port, true
}

func (p *PortPool) release(port int) {
	p.mu.Lock()
	p.free = append(p.free, port)
	p.mu.Unlock()
}

// New binds the next available relay port. Only turnmsg.ProtoUDP is
// supported; any other requested transport is rejected immediately.
func (p *PortPool) New(proto turnmsg.Protocol) (stunmsg.Addr, net.PacketConn, error) {
	if proto != turnmsg.ProtoUDP {
		return stunmsg.Addr{}, nil, ErrUnsupportedTransport
	}
	attempts := p.capacity()
	if attempts == 0 {
		return stunmsg.Addr{}, nil, ErrInsufficientCapacity
	}
	for i := 0; i < attempts; i++ {
		port, ok := p.candidate()
		if !ok {
			break
		}
		conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: p.ip, Port: port})
		if err != nil {
			// Port was taken by something outside our bookkeeping; skip it
			// rather than returning the free-list slot to itself.
			p.log.Warn("relay port unavailable, skipping",
				zap.Int("port", port), zap.Error(err))
			continue
		}
		addr := stunmsg.Addr{IP: p.ip, Port: port}
		return addr, &pooledConn{PacketConn: conn, pool: p, port: port}, nil
	}
	return stunmsg.Addr{}, nil, ErrInsufficientCapacity
}

// pooledConn returns its port to the pool's free-list on Close.
type pooledConn struct {
	net.PacketConn
	pool *PortPool
	port int
}

func (c *pooledConn) Close() error {
	err := c.PacketConn.Close()
	c.pool.release(c.port)
	return err
}
