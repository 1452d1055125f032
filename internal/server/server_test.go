package server

import (
	"bytes"
	"fmt"
	"net"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/relaymesh/relayd/internal/auth"
	"github.com/relaymesh/relayd/internal/stunmsg"
	"github.com/relaymesh/relayd/internal/testutil"
	"github.com/relaymesh/relayd/internal/turnmsg"
)

func isErr(m *stunmsg.Message) bool {
	return m.Type.Class == stunmsg.ClassErrorResponse
}

// do builds req from txID/mtype/attrs, sends it over c, and decodes the
// reply into res, checking the transaction ID matches for non-indications.
func do(logger *zap.Logger, req, res *stunmsg.Message, c *net.UDPConn,
	txID stunmsg.TransactionID, mtype stunmsg.MessageType, attrs ...stunmsg.Setter,
) error {
	start := time.Now()
	if err := req.Build(txID, mtype, attrs...); err != nil {
		logger.Error("failed to build", zap.Error(err))
		return err
	}
	if _, err := req.WriteTo(c); err != nil {
		logger.Error("failed to write", zap.Error(err), zap.Stringer("m", req))
		return err
	}
	logger.Info("sent message", zap.Stringer("m", req), zap.Stringer("t", req.Type))
	buf := make([]byte, 1500)
	if err := c.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		return err
	}
	n, err := c.Read(buf)
	if err != nil {
		logger.Error("failed to read", zap.Error(err), zap.Stringer("m", req))
		return err
	}
	res.Raw = append(res.Raw[:0], buf[:n]...)
	if err := res.Decode(); err != nil {
		logger.Error("failed to decode", zap.Error(err))
		return err
	}
	if mtype.Class != stunmsg.ClassIndication && txID != res.TransactionID {
		return fmt.Errorf("transaction ID mismatch: %x (got) != %x (expected)",
			res.TransactionID, txID,
		)
	}
	logger.Info("got message",
		zap.Stringer("m", res), zap.Stringer("t", res.Type),
		zap.Duration("rtt", time.Since(start)),
	)
	return nil
}

func listenUDP(t testing.TB, addrs ...string) (*net.UDPConn, *net.UDPAddr) {
	addr := "127.0.0.1:0"
	if len(addrs) > 0 {
		addr = addrs[0]
	}
	rAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		t.Fatal(err)
	}
	conn, err := net.ListenUDP("udp", rAddr)
	if err != nil {
		t.Fatal(err)
	}
	udpAddr, err := net.ResolveUDPAddr("udp", conn.LocalAddr().String())
	if err != nil {
		t.Fatal(err)
	}
	return conn, udpAddr
}

// newServer starts a Server on an ephemeral UDP port, authenticated with a
// fixed ephemeral secret, and returns it along with a cleanup func.
func newServer(t testing.TB) (*Server, func()) {
	t.Helper()
	conn, _ := listenUDP(t)
	s, err := New(Options{
		Log:   zap.NewNop(),
		Conn:  conn,
		Realm: "realm",
		Auth:  auth.NewEphemeral("realm", testSecret),
	})
	if err != nil {
		t.Fatal(err)
	}
	return s, func() {
		if err := s.Close(); err != nil {
			t.Error(err)
		}
	}
}

func TestServerIntegration(t *testing.T) {
	const username = "username"
	secret := []byte("topsecret")
	realmName := "realm"

	echoConn, echoUDPAddr := listenUDP(t)
	serverConn, serverUDPAddr := listenUDP(t)
	logger, err := zap.NewDevelopment()
	if err != nil {
		t.Fatal(err)
	}
	e := auth.NewEphemeral(realmName, secret)
	s, err := New(Options{
		Log:   logger.Named("server"),
		Conn:  serverConn,
		Realm: realmName,
		Auth:  e,
	})
	if err != nil {
		t.Fatal(err)
	}
	defer func() {
		if err := s.Close(); err != nil {
			t.Error(err)
		}
	}()
	go func() {
		logger.Info("listening as echo server", zap.Stringer("laddr", echoUDPAddr))
		for {
			buf := make([]byte, 1024)
			n, addr, readErr := echoConn.ReadFromUDP(buf)
			if readErr != nil {
				return
			}
			logger.Info("got message", zap.String("body", string(buf[:n])), zap.Stringer("raddr", addr))
			if _, writeErr := echoConn.WriteToUDP(buf[:n], addr); writeErr != nil {
				logger.Error("failed to write back", zap.Error(writeErr))
			}
		}
	}()
	go func() {
		if serveErr := s.Serve(); serveErr != nil {
			t.Error(serveErr)
		}
	}()
	c, err := net.DialUDP("udp", nil, serverUDPAddr)
	if err != nil {
		t.Fatalf("failed to dial to TURN server: %v", err)
	}
	var (
		req      = stunmsg.New()
		res      = stunmsg.New()
		userAttr = stunmsg.NewUsername(username)
		password = e.Password(username)
		code     stunmsg.ErrorCodeAttribute
	)

	if err := do(logger, req, res, c, stunmsg.NewTransactionID(), turnmsg.AllocateRequest,
		userAttr, turnmsg.RequestedTransport{Protocol: turnmsg.ProtoUDP},
	); err != nil {
		t.Fatalf("failed to do request: %v", err)
	}
	if !isErr(res) {
		t.Fatal("got no-error response")
	}
	var (
		nonce stunmsg.Nonce
		realm stunmsg.Realm
	)
	if err := res.Parse(&nonce, &realm); err != nil {
		t.Fatalf("failed to get nonce and realm: %v", err)
	}
	integrity := stunmsg.NewLongTermIntegrity(username, realm.String(), password)

	if err := do(logger, req, res, c, stunmsg.NewTransactionID(), turnmsg.AllocateRequest,
		userAttr, nonce, realm, turnmsg.RequestedTransport{Protocol: turnmsg.ProtoUDP},
		integrity, stunmsg.Fingerprint,
	); err != nil {
		t.Fatalf("failed to do request: %v", err)
	}
	if isErr(res) {
		code.GetFrom(res)
		t.Fatalf("got error response: %s", code)
	}
	var relAddr turnmsg.RelayedAddress
	if err := relAddr.GetFrom(res); err != nil {
		t.Fatalf("failed to get relayed address: %v", err)
	}
	logger.Info("relayed address", zap.Stringer("addr", relAddr))

	peerAddr := turnmsg.PeerAddress{IP: echoUDPAddr.IP, Port: echoUDPAddr.Port}
	if err := do(logger, req, res, c, stunmsg.NewTransactionID(), turnmsg.CreatePermissionRequest,
		userAttr, nonce, realm, peerAddr, integrity, stunmsg.Fingerprint,
	); err != nil {
		t.Fatalf("failed to do request: %v", err)
	}
	if isErr(res) {
		code.GetFrom(res)
		t.Fatalf("failed to create permission: %s", code)
	}

	sentData := turnmsg.Data("Hello world!")
	if err := req.Build(stunmsg.NewTransactionID(), turnmsg.SendIndication,
		userAttr, nonce, realm, sentData, peerAddr, integrity, stunmsg.Fingerprint,
	); err != nil {
		t.Fatalf("failed to build send indication: %v", err)
	}
	if _, err := req.WriteTo(c); err != nil {
		t.Fatalf("failed to send: %v", err)
	}

	// The peer's echo triggers a DATA indication on this same socket.
	buf := make([]byte, 1500)
	if err := c.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatal(err)
	}
	n, err := c.Read(buf)
	if err != nil {
		t.Fatalf("failed to read data indication: %v", err)
	}
	ind := stunmsg.New()
	ind.Raw = append(ind.Raw[:0], buf[:n]...)
	if err := ind.Decode(); err != nil {
		t.Fatalf("failed to decode data indication: %v", err)
	}
	var data turnmsg.Data
	if err := data.GetFrom(ind); err != nil {
		t.Fatalf("failed to get DATA attribute: %v", err)
	}
	if !bytes.Equal(data, sentData) {
		t.Error("data mismatch")
	}

	// De-allocating.
	if err := do(logger, req, res, c, stunmsg.NewTransactionID(), turnmsg.RefreshRequest,
		userAttr, nonce, realm, turnmsg.Lifetime{}, integrity, stunmsg.Fingerprint,
	); err != nil {
		t.Fatalf("failed to deallocate: %v", err)
	}
	if isErr(res) {
		code.GetFrom(res)
		t.Fatalf("got error response: %s", code)
	}
}

func TestServer_processBindingRequest(t *testing.T) {
	s, stop := newServer(t)
	defer stop()
	addr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 34567}
	m := stunmsg.New()
	if err := m.Build(stunmsg.NewTransactionID(), stunmsg.BindingRequest, stunmsg.Fingerprint); err != nil {
		t.Fatal(err)
	}
	ctx := &context{
		cfg:      s.config(),
		request:  stunmsg.New(),
		response: stunmsg.New(),
	}
	ctx.request.Raw = make([]byte, len(m.Raw))
	ctx.request.Raw = ctx.request.Raw[:len(m.Raw)]
	ctx.client = stunmsg.Addr{IP: addr.IP, Port: addr.Port}
	copy(ctx.request.Raw, m.Raw)
	if err := s.process(ctx); err != nil {
		t.Fatal(err)
	}
	t.Run("ZeroAlloc", func(t *testing.T) {
		ctx.request.Raw = ctx.request.Raw[:len(m.Raw)]
		ctx.client = stunmsg.Addr{IP: addr.IP, Port: addr.Port}
		copy(ctx.request.Raw, m.Raw)
		testutil.ShouldNotAllocate(t, func() {
			s.process(ctx)
		})
	})
}

func BenchmarkServer_processBindingRequest(b *testing.B) {
	b.ReportAllocs()
	s, stop := newServer(b)
	defer stop()
	addr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 34567}
	m := stunmsg.New()
	if err := m.Build(stunmsg.NewTransactionID(), stunmsg.BindingRequest, stunmsg.Fingerprint); err != nil {
		b.Fatal(err)
	}
	ctx := &context{
		cfg:      s.config(),
		request:  stunmsg.New(),
		response: stunmsg.New(),
	}
	ctx.request.Raw = make([]byte, len(m.Raw))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		ctx.request.Raw = ctx.request.Raw[:len(m.Raw)]
		ctx.client = stunmsg.Addr{IP: addr.IP, Port: addr.Port}
		copy(ctx.request.Raw, m.Raw)
		if err := s.process(ctx); err != nil {
			b.Fatal(err)
		}
	}
}

func TestServer_notStun(t *testing.T) {
	s, stop := newServer(t)
	defer stop()
	addr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 34567}
	buf := make([]byte, 512)
	for i := range buf {
		buf[i] = byte(i % 127)
	}
	ctx := &context{
		cfg:      s.config(),
		request:  stunmsg.New(),
		response: stunmsg.New(),
	}
	ctx.request.Raw = make([]byte, len(buf), 1024)
	copy(ctx.request.Raw, buf)
	ctx.client = stunmsg.Addr{IP: addr.IP, Port: addr.Port}
	if err := s.process(ctx); err != errNotSTUNMessage {
		t.Fatal(err)
	}
	t.Run("ZeroAlloc", func(t *testing.T) {
		ctx.request.Raw = ctx.request.Raw[:len(buf)]
		copy(ctx.request.Raw, buf)
		ctx.client = stunmsg.Addr{IP: addr.IP, Port: addr.Port}
		testutil.ShouldNotAllocate(t, func() {
			s.process(ctx)
		})
	})
}
