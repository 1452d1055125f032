// Package server implements the public-facing STUN/TURN listener: request
// demultiplexing, authentication, and the handlers wired to the allocator.
package server

import (
	stdctx "context"
	"io"
	"net"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/libp2p/go-reuseport"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/relaymesh/relayd/internal/allocator"
	"github.com/relaymesh/relayd/internal/auth"
	"github.com/relaymesh/relayd/internal/filter"
	"github.com/relaymesh/relayd/internal/stunmsg"
	"github.com/relaymesh/relayd/internal/turnmsg"
)

// Server is a STUN (RFC 5389) binding server and TURN (RFC 5766) relay,
// reachable over UDP and, optionally, TCP. ALTERNATE-SERVER and RFC 3489
// backwards compatibility are not implemented.
type Server struct {
	addr        stunmsg.Addr
	conn        net.PacketConn
	tcpListener net.Listener
	conns       []io.Closer
	connsMu     sync.Mutex

	auth  Auth
	nonce NonceManager
	cfg   atomic.Value

	log    *zap.Logger
	allocs *allocator.Allocator

	cancelAllocs stdctx.CancelFunc
	close        chan struct{}
	handlers     map[stunmsg.MessageType]handleFunc
	pool         *workerPool
	wg           sync.WaitGroup

	reusePort   bool
	promMetrics *promMetrics
}

func (s *Server) config() config { return s.cfg.Load().(config) }

// setOptions swaps the subset of configuration that may change at runtime:
// AuthForSTUN, Software, Realm, PeerRule, ClientRule, DebugCollect.
func (s *Server) setOptions(o Options) { s.cfg.Store(newConfig(o)) }

// Options configures a new Server.
type Options struct {
	Software string // SOFTWARE attribute is omitted if blank
	Realm    string

	Auth Auth // no authentication required if nil

	Conn        net.PacketConn // UDP socket for the STUN/TURN port
	TCPListener net.Listener   // optional: accept the same port over TCP too

	RelayIP       net.IP // relay sockets are bound on this address
	RelayPortMin  int
	RelayPortMax  int
	PermissionTTL time.Duration
	ChannelTTL    time.Duration

	// DefaultLifetime and MaxLifetime clamp the LIFETIME an Allocate or
	// Refresh is granted. Zero values fall back to 600s and 3600s.
	DefaultLifetime time.Duration
	MaxLifetime     time.Duration

	Labels         prometheus.Labels
	Registry       MetricsRegistry
	MetricsEnabled bool

	NonceManager  NonceManager
	NonceDuration time.Duration // nonces never rotate if 0

	PeerRule   filter.Rule
	ClientRule filter.Rule

	Log         *zap.Logger
	CollectRate time.Duration
	Workers     int

	ManualStart  bool // skip starting background activity
	AuthForSTUN  bool // require auth for Binding requests too
	ReusePort    bool // spawn additional sockets on the same port where supported
	DebugCollect bool
}

// Auth authenticates a STUN/TURN request and returns the MESSAGE-INTEGRITY
// key to sign the response with.
type Auth interface {
	Auth(m *stunmsg.Message, at time.Time) (stunmsg.MessageIntegrity, error)
}

// NonceManager issues and validates per-allocation nonces.
type NonceManager interface {
	Check(tuple turnmsg.FiveTuple, value stunmsg.Nonce, at time.Time) (stunmsg.Nonce, error)
}

// MetricsRegistry registers a prometheus.Collector.
type MetricsRegistry interface {
	Register(c prometheus.Collector) error
}

// New builds a Server from o. Call Serve to start accepting packets.
func New(o Options) (*Server, error) {
	if o.Log == nil {
		o.Log = zap.NewNop()
	}
	if o.Workers == 0 {
		o.Workers = 100
	}
	if o.CollectRate == 0 {
		o.CollectRate = time.Second
	}
	if len(o.Labels) == 0 {
		o.Labels = prometheus.Labels{}
	}
	o.Labels["addr"] = o.Conn.LocalAddr().String()

	relayIP := o.RelayIP
	if relayIP == nil {
		if a, ok := o.Conn.LocalAddr().(*net.UDPAddr); ok {
			relayIP = a.IP
		}
	}
	relayMax := o.RelayPortMax
	if relayMax < o.RelayPortMin {
		relayMax = o.RelayPortMin
	}
	ports := allocator.NewPortPool(o.Log.Named("port"), relayIP, o.RelayPortMin, relayMax)

	if o.PeerRule == nil {
		o.PeerRule = filter.AllowAll
	}
	if o.ClientRule == nil {
		o.ClientRule = filter.AllowAll
	}

	allocs := allocator.NewAllocator(allocator.Options{
		Log:           o.Log.Named("allocator"),
		Relay:         ports,
		Labels:        o.Labels,
		PermissionTTL: o.PermissionTTL,
		ChannelTTL:    o.ChannelTTL,
		PeerFilter:    o.PeerRule,
	})

	if o.NonceManager == nil {
		o.NonceManager = auth.NewNonceAuth(o.NonceDuration)
	}

	s := &Server{
		auth:        o.Auth,
		nonce:       o.NonceManager,
		conn:        o.Conn,
		tcpListener: o.TCPListener,
		allocs:      allocs,
		close:       make(chan struct{}),
		reusePort:   reuseport.Available() && o.ReusePort,
		promMetrics: newPromMetrics(o.Labels),
	}
	s.cfg.Store(newConfig(o))
	s.setHandlers()

	a, ok := o.Conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return nil, errors.New("unexpected local addr")
	}
	s.addr = stunmsg.Addr{IP: a.IP, Port: a.Port}
	s.log = o.Log.With(zap.Stringer("server", s.addr))

	allocCtx, cancel := stdctx.WithCancel(stdctx.Background())
	s.cancelAllocs = cancel
	go allocs.Run(allocCtx)

	if !o.ManualStart {
		s.Start(o.CollectRate)
	}
	if o.Registry != nil {
		if err := o.Registry.Register(s.allocs); err != nil {
			return nil, errors.Wrap(err, "failed to register allocator metrics")
		}
		if err := o.Registry.Register(s.promMetrics); err != nil {
			return nil, errors.Wrap(err, "failed to register server metrics")
		}
	}
	s.pool = &workerPool{
		Logger:          s.log.Named("pool"),
		WorkerFunc:      s.serveConn,
		MaxWorkersCount: o.Workers,
	}
	return s, nil
}

// Start starts background activity (periodic allocation-stat collection).
func (s *Server) Start(rate time.Duration) { s.startCollect(rate) }

// Stats returns a point-in-time snapshot of allocation/permission/binding
// counts, as surfaced by the health endpoint.
func (s *Server) Stats() allocator.Stats { return s.allocs.Stats() }

func (s *Server) startCollect(rate time.Duration) {
	s.wg.Add(1)
	t := time.NewTicker(rate)
	go func() {
		defer s.wg.Done()
		defer t.Stop()
		for {
			select {
			case now := <-t.C:
				if s.config().debugCollect {
					s.log.Debug("collecting")
				}
				s.collect(now)
			case <-s.close:
				return
			}
		}
	}()
}

func (s *Server) collect(time.Time) {
	stats := s.allocs.Stats()
	if ce := s.log.Check(zapcore.DebugLevel, "collected"); ce != nil {
		ce.Write(
			zap.Int("allocations", stats.Allocations),
			zap.Int("permissions", stats.Permissions),
			zap.Int("bindings", stats.Bindings),
		)
	}
}

// Close stops background activity and every listening socket.
func (s *Server) Close() error {
	close(s.close)
	s.log.Debug("closing")
	s.cancelAllocs()
	s.pool.Stop()
	if err := s.conn.Close(); err != nil {
		s.log.Warn("failed to close connection", zap.Error(err))
	}
	if s.tcpListener != nil {
		if err := s.tcpListener.Close(); err != nil {
			s.log.Warn("failed to close tcp listener", zap.Error(err))
		}
	}
	s.connsMu.Lock()
	conns := s.conns
	s.connsMu.Unlock()
	for _, conn := range conns {
		if err := conn.Close(); err != nil {
			s.log.Warn("failed to close connection", zap.Error(err))
		}
	}
	s.wg.Wait()
	return nil
}

var errNotSTUNMessage = errors.New("not stun message")

func (s *Server) process(ctx *context) error {
	// De-multiplexing STUN and TURN's ChannelData messages, checks ordered
	// from faster to slower.
	switch {
	case stunmsg.IsMessage(ctx.request.Raw):
		s.promMetrics.incSTUNMessages()
		// ctx.request is not decoded yet, so read the type from the header.
		var t stunmsg.MessageType
		t.ReadValue(uint16(ctx.request.Raw[0])<<8 | uint16(ctx.request.Raw[1]))
		if t.Method != stunmsg.MethodBinding {
			s.promMetrics.incTURNMessages()
		}
		return s.processMessage(ctx)
	case turnmsg.IsChannelData(ctx.request.Raw):
		s.promMetrics.incChannelFrames()
		return s.processChannelData(ctx)
	default:
		if ce := s.log.Check(zapcore.DebugLevel, "not a stun message"); ce != nil {
			ce.Write(zap.Stringer("addr", ctx.client))
		}
		return errNotSTUNMessage
	}
}

func (s *Server) serveConn(ctx *context) error {
	ctx.time = time.Now()
	ctx.request.Raw = ctx.buf
	ctx.cdata.Raw = ctx.buf
	switch a := ctx.addr.(type) {
	case *net.UDPAddr:
		ctx.client = stunmsg.Addr{IP: a.IP, Port: a.Port}
		ctx.proto = turnmsg.ProtoUDP
	case *net.TCPAddr:
		ctx.client = stunmsg.Addr{IP: a.IP, Port: a.Port}
		ctx.proto = turnmsg.ProtoTCP
	default:
		s.log.Error("unknown addr", zap.Stringer("addr", ctx.addr))
		return errors.Errorf("unknown addr %s", ctx.addr)
	}
	if !ctx.allowClient(ctx.client) {
		s.promMetrics.incDeniedMessages()
		if ce := s.log.Check(zapcore.DebugLevel, "client denied"); ce != nil {
			ce.Write(zap.Stringer("addr", ctx.client))
		}
		return nil
	}
	ctx.setTuple()
	if processErr := s.process(ctx); processErr != nil {
		if processErr != errNotSTUNMessage {
			s.log.Error("process failed", zap.Error(processErr))
		}
		return nil
	}
	if len(ctx.response.Raw) == 0 {
		// Indication: no response expected.
		return nil
	}
	if setErr := ctx.conn.SetWriteDeadline(ctx.time.Add(time.Second)); setErr != nil {
		s.log.Warn("failed to set deadline", zap.Error(setErr))
	}
	_, writeErr := ctx.conn.WriteTo(ctx.response.Raw, ctx.addr)
	if writeErr != nil && !isErrConnClosed(writeErr) {
		s.log.Warn("writeTo failed", zap.Error(writeErr))
		return writeErr
	}
	return nil
}

func isErrConnClosed(err error) bool {
	return strings.HasSuffix(err.Error(), "use of closed network connection")
}

func (s *Server) worker(conn net.PacketConn) {
	defer s.wg.Done()
	s.log.Debug("worker started")
	defer s.log.Debug("worker done")
	buf := make([]byte, 2048)
	for {
		select {
		case <-s.close:
			return
		default:
		}
		n, addr, err := conn.ReadFrom(buf)
		if err != nil {
			if !isErrConnClosed(err) {
				s.log.Warn("readFrom failed", zap.Error(err))
			}
			// A stream framing error leaves the reader desynced with the
			// byte stream: there is no way to find the next frame, so the
			// connection is unusable and must be closed rather than left
			// idle until server shutdown.
			if sc, ok := conn.(*streamConn); ok {
				if closeErr := sc.Close(); closeErr != nil && !isErrConnClosed(closeErr) {
					s.log.Warn("failed to close stream connection", zap.Error(closeErr))
				}
			}
			break
		}

		ctx := acquireContext()
		ctx.conn = conn
		ctx.buf = ctx.buf[:cap(ctx.buf)]
		copy(ctx.buf, buf[:n])
		ctx.addr = addr
		ctx.buf = ctx.buf[:n]
		ctx.server = s.addr
		ctx.cfg = s.config()

		for i := 0; i < 7; i++ {
			if s.pool.Serve(ctx) {
				break
			}
			s.log.Warn("not enough workers")
			time.Sleep(time.Millisecond * 300)
		}
	}
}

// acceptTCP accepts connections on tcpListener and serves each with its own
// worker goroutine, one STUN/TURN control message at a time.
func (s *Server) acceptTCP() {
	defer s.wg.Done()
	for {
		conn, err := s.tcpListener.Accept()
		if err != nil {
			select {
			case <-s.close:
				return
			default:
			}
			if !isErrConnClosed(err) {
				s.log.Warn("tcp accept failed", zap.Error(err))
			}
			return
		}
		sc := newStreamConn(conn)
		s.connsMu.Lock()
		s.conns = append(s.conns, sc)
		s.connsMu.Unlock()
		s.wg.Add(1)
		go s.worker(sc)
	}
}

func (s *Server) start() {
	s.pool.Start()
}

// Serve reads packets from every configured listener and responds to
// Binding, Allocate, Refresh, CreatePermission, ChannelBind, Send and
// ChannelData messages. Blocks until Close is called.
func (s *Server) Serve() error {
	s.start()
	for i := 0; i < runtime.GOMAXPROCS(-1); i++ {
		s.wg.Add(1)
		if s.reusePort {
			s.log.Debug("reusing port for worker", zap.Int("w", i))
			laddr := s.conn.LocalAddr()
			conn, err := reuseport.ListenPacket(laddr.Network(), laddr.String())
			if err != nil {
				s.log.Warn("failed to listen for additional socket")
				conn = s.conn
			} else {
				s.connsMu.Lock()
				s.conns = append(s.conns, conn)
				s.connsMu.Unlock()
			}
			go s.worker(conn)
		} else {
			go s.worker(s.conn)
		}
	}
	if s.tcpListener != nil {
		s.wg.Add(1)
		go s.acceptTCP()
	}
	s.wg.Wait()
	return nil
}
