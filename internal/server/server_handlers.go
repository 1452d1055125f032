package server

import (
	"net"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/relaymesh/relayd/internal/allocator"
	"github.com/relaymesh/relayd/internal/auth"
	"github.com/relaymesh/relayd/internal/stunmsg"
	"github.com/relaymesh/relayd/internal/turnmsg"
)

type handleFunc = func(ctx *context) error

func (s *Server) setHandlers() {
	s.handlers = map[stunmsg.MessageType]handleFunc{
		stunmsg.BindingRequest:          s.processBindingRequest,
		turnmsg.AllocateRequest:         s.processAllocateRequest,
		turnmsg.CreatePermissionRequest: s.processCreatePermissionRequest,
		turnmsg.RefreshRequest:          s.processRefreshRequest,
		turnmsg.SendIndication:          s.processSendIndication,
		turnmsg.ChannelBindRequest:      s.processChannelBinding,
	}
}

// HandlePeerData implements allocator.PeerHandler: data arriving from a peer
// is forwarded to the client either as ChannelData (if a binding exists) or
// wrapped in a DATA indication.
func (s *Server) HandlePeerData(d []byte, t turnmsg.FiveTuple, a stunmsg.Addr) {
	destination := &net.UDPAddr{IP: t.Client.IP, Port: t.Client.Port}
	l := s.log.With(
		zap.Stringer("t", t),
		zap.Stringer("addr", a),
		zap.Int("len", len(d)),
		zap.Stringer("d", destination),
	)
	l.Debug("got peer data")

	// A TCP-connected client has no UDP address to deliver to; route back
	// over the connection its Allocate arrived on instead of s.conn.
	conn := s.conn
	if t.Proto == turnmsg.ProtoTCP {
		clientConn, ok := s.allocs.ClientConn(t)
		if !ok {
			l.Warn("no client connection for tcp allocation")
			return
		}
		conn = clientConn
	}

	if err := conn.SetWriteDeadline(time.Now().Add(time.Second)); err != nil {
		l.Error("failed to SetWriteDeadline", zap.Error(err))
	}
	if n, err := s.allocs.Bound(t, a); err == nil {
		cd := turnmsg.ChannelData{Number: n, Data: d}
		cd.Encode()
		if _, err := conn.WriteTo(cd.Raw, destination); err != nil {
			l.Error("failed to write", zap.Error(err))
		}
		l.Debug("sent data via channel", zap.Stringer("n", n))
		return
	}
	m := stunmsg.New()
	if err := m.Build(stunmsg.NewTransactionID(), stunmsg.NewType(stunmsg.MethodData, stunmsg.ClassIndication),
		turnmsg.Data(d), turnmsg.PeerAddress(a),
		stunmsg.Fingerprint,
	); err != nil {
		l.Error("failed to build", zap.Error(err))
		return
	}
	if _, err := conn.WriteTo(m.Raw, destination); err != nil {
		l.Error("failed to write", zap.Error(err))
	}
	l.Debug("sent data from peer", zap.Stringer("m", m))
}

func (s *Server) processBindingRequest(ctx *context) error {
	return ctx.buildOk((*stunmsg.XORMappedAddress)(&ctx.client))
}

func (s *Server) processAllocateRequest(ctx *context) error {
	var transport turnmsg.RequestedTransport
	if err := transport.GetFrom(ctx.request); err != nil {
		return ctx.buildErr(stunmsg.NewErrorCode(stunmsg.CodeBadRequest))
	}
	lifetime := ctx.cfg.defaultLifetime
	relayedAddr, err := s.allocs.Allocate(ctx.tuple, ctx.conn, transport.Protocol, lifetime, s)
	switch err {
	case nil:
		return ctx.buildOk(
			(*stunmsg.XORMappedAddress)(&ctx.tuple.Client),
			(*turnmsg.RelayedAddress)(&relayedAddr),
			turnmsg.Lifetime{Duration: lifetime},
		)
	case allocator.ErrAllocationMismatch:
		return ctx.buildErr(stunmsg.NewErrorCode(stunmsg.CodeAllocMismatch))
	case allocator.ErrUnsupportedTransport:
		return ctx.buildErr(stunmsg.NewErrorCode(stunmsg.CodeUnsupportedTransport))
	case allocator.ErrInsufficientCapacity:
		return ctx.buildErr(stunmsg.NewErrorCode(stunmsg.CodeInsufficientCapacity))
	default:
		s.log.Warn("failed to allocate", zap.Error(err))
		return ctx.buildErr(stunmsg.NewErrorCode(stunmsg.CodeServerError))
	}
}

func (s *Server) processRefreshRequest(ctx *context) error {
	var lifetime turnmsg.Lifetime
	if err := ctx.request.Parse(&lifetime); err != nil && err != stunmsg.ErrAttributeNotFound {
		return errors.Wrap(err, "failed to parse")
	}
	if lifetime.Duration > ctx.cfg.maxLifetime {
		lifetime.Duration = ctx.cfg.maxLifetime
	}
	switch err := s.allocs.Refresh(ctx.tuple, lifetime.Duration); err {
	case nil:
		return ctx.buildOk(&lifetime)
	case allocator.ErrAllocationMismatch:
		return ctx.buildErr(stunmsg.NewErrorCode(stunmsg.CodeAllocMismatch))
	default:
		s.log.Error("failed to process refresh request", zap.Error(err))
		return ctx.buildErr(stunmsg.NewErrorCode(stunmsg.CodeServerError))
	}
}

func (s *Server) processCreatePermissionRequest(ctx *context) error {
	var addr turnmsg.PeerAddress
	if err := addr.GetFrom(ctx.request); err != nil {
		return errors.Wrap(err, "failed to get create permission request addr")
	}
	peerAddr := stunmsg.Addr(addr)
	if !ctx.allowPeer(peerAddr) {
		// Sending 403 (Forbidden) as described in RFC 5766 Section 9.1.
		return ctx.buildErr(stunmsg.NewErrorCode(stunmsg.CodeForbidden))
	}
	switch err := s.allocs.CreatePermission(ctx.tuple, peerAddr); err {
	case nil:
		return ctx.buildOk()
	case allocator.ErrAllocationMismatch:
		return ctx.buildErr(stunmsg.NewErrorCode(stunmsg.CodeAllocMismatch))
	case allocator.ErrPeerForbidden:
		return ctx.buildErr(stunmsg.NewErrorCode(stunmsg.CodeForbidden))
	default:
		return errors.Wrap(err, "failed to create permission")
	}
}

func (s *Server) processSendIndication(ctx *context) error {
	var (
		data turnmsg.Data
		addr turnmsg.PeerAddress
	)
	if err := ctx.request.Parse(&data, &addr); err != nil {
		s.log.Error("failed to parse send indication", zap.Error(err))
		return errors.Wrap(err, "failed to parse send indication")
	}
	peerAddr := stunmsg.Addr(addr)
	if !ctx.allowPeer(peerAddr) {
		return nil
	}
	s.log.Debug("sending data", zap.Stringer("to", peerAddr))
	if err := s.sendByPermission(ctx, peerAddr, data); err != nil {
		s.log.Warn("send failed", zap.Error(err))
	}
	return nil
}

func (s *Server) processChannelBinding(ctx *context) error {
	var (
		addr   turnmsg.PeerAddress
		number turnmsg.ChannelNumberAttr
	)
	if err := ctx.request.Parse(&addr, &number); err != nil {
		s.log.Debug("channel binding parse failed", zap.Error(err))
		return ctx.buildErr(stunmsg.NewErrorCode(stunmsg.CodeBadRequest))
	}
	peerAddr := stunmsg.Addr(addr)
	if !ctx.allowPeer(peerAddr) {
		// Sending 403 (Forbidden) as described in RFC 5766 Section 9.1.
		return ctx.buildErr(stunmsg.NewErrorCode(stunmsg.CodeForbidden))
	}
	switch err := s.allocs.ChannelBind(ctx.tuple, number.Number, peerAddr); err {
	case nil:
		lifetime := turnmsg.Lifetime{Duration: ctx.cfg.defaultLifetime}
		return ctx.buildOk(&lifetime)
	case allocator.ErrAllocationMismatch:
		return ctx.buildErr(stunmsg.NewErrorCode(stunmsg.CodeAllocMismatch))
	case allocator.ErrInvalidChannelNumber, allocator.ErrChannelConflict:
		return ctx.buildErr(stunmsg.NewErrorCode(stunmsg.CodeBadRequest))
	case allocator.ErrPeerForbidden:
		return ctx.buildErr(stunmsg.NewErrorCode(stunmsg.CodeForbidden))
	default:
		return errors.Wrap(err, "failed to bind channel")
	}
}

func (s *Server) processChannelData(ctx *context) error {
	if err := ctx.cdata.Decode(); err != nil {
		if ce := s.log.Check(zapcore.DebugLevel, "failed to decode channel data"); ce != nil {
			ce.Write(zap.Stringer("addr", ctx.client), zap.Error(err))
		}
		return nil
	}
	if ce := s.log.Check(zapcore.DebugLevel, "got channel data"); ce != nil {
		ce.Write(zap.Int("channel", int(ctx.cdata.Number)), zap.Int("len", ctx.cdata.Length))
	}
	return s.sendByBinding(ctx, ctx.cdata.Number, ctx.cdata.Data)
}

func (s *Server) needAuth(ctx *context) bool {
	if s.auth == nil {
		return false
	}
	if ctx.request.Type.Class == stunmsg.ClassIndication {
		return false
	}
	if ctx.request.Type == stunmsg.BindingRequest && !ctx.cfg.authForSTUN {
		return false
	}
	return true
}

func (s *Server) processMessage(ctx *context) error {
	if err := ctx.request.Decode(); err != nil {
		if ce := s.log.Check(zapcore.DebugLevel, "failed to decode request"); ce != nil {
			ce.Write(zap.Stringer("addr", ctx.client), zap.Error(err))
		}
		return nil
	}
	if s.needAuth(ctx) {
		ctx.realm = ctx.cfg.realm
	}
	if ce := s.log.Check(zapcore.DebugLevel, "got message"); ce != nil {
		ce.Write(zap.Stringer("m", ctx.request), zap.Stringer("addr", ctx.client))
	}
	if ctx.request.Contains(stunmsg.AttrFingerprint) {
		// Check fingerprint if provided.
		if err := stunmsg.Fingerprint.Check(ctx.request); err != nil {
			s.log.Debug("fingerprint check failed", zap.Error(err))
			return ctx.buildErr(stunmsg.NewErrorCode(stunmsg.CodeBadRequest))
		}
	}
	if s.needAuth(ctx) {
		// Getting nonce.
		nonceGetErr := ctx.nonce.GetFrom(ctx.request)
		if nonceGetErr != nil && nonceGetErr != stunmsg.ErrAttributeNotFound {
			return ctx.buildErr(stunmsg.NewErrorCode(stunmsg.CodeBadRequest))
		}
		validNonce, nonceErr := s.nonce.Check(ctx.tuple, ctx.nonce, ctx.time)
		if nonceErr != nil && nonceErr != auth.ErrStaleNonce {
			s.log.Error("nonce error", zap.Error(nonceErr))
			return ctx.buildErr(stunmsg.NewErrorCode(stunmsg.CodeServerError))
		}
		ctx.nonce = validNonce
		// Check if client is trying to get nonce and realm.
		_, integrityAttrErr := ctx.request.Get(stunmsg.AttrMessageIntegrity)
		if integrityAttrErr == stunmsg.ErrAttributeNotFound {
			if ce := s.log.Check(zapcore.DebugLevel, "integrity required"); ce != nil {
				ce.Write(zap.Stringer("addr", ctx.client), zap.Stringer("req", ctx.request))
			}
			return ctx.buildErr(stunmsg.NewErrorCode(stunmsg.CodeUnauthorized))
		}
		if nonceErr == auth.ErrStaleNonce {
			return ctx.buildErr(stunmsg.NewErrorCode(stunmsg.CodeStaleNonce))
		}
		switch integrity, err := s.auth.Auth(ctx.request, ctx.time); err {
		case nil:
			ctx.integrity = integrity
		default:
			if ce := s.log.Check(zapcore.DebugLevel, "failed to auth"); ce != nil {
				ce.Write(zap.Stringer("addr", ctx.client), zap.Stringer("req", ctx.request), zap.Error(err))
			}
			return ctx.buildErr(stunmsg.NewErrorCode(stunmsg.CodeUnauthorized))
		}
	}
	// Selecting handler based on request message type.
	h, ok := s.handlers[ctx.request.Type]
	if ok {
		return h(ctx)
	}
	s.log.Warn("unsupported request type", zap.Stringer("t", ctx.request.Type))
	return ctx.buildErr(stunmsg.NewErrorCode(stunmsg.CodeBadRequest))
}
