package server

import (
	"net"
	"sync"
	"time"

	"github.com/relaymesh/relayd/internal/filter"
	"github.com/relaymesh/relayd/internal/stunmsg"
	"github.com/relaymesh/relayd/internal/turnmsg"
)

var contextPool = &sync.Pool{
	New: func() interface{} {
		return &context{
			cdata:    new(turnmsg.ChannelData),
			response: new(stunmsg.Message),
			request:  new(stunmsg.Message),
			buf:      make([]byte, 2048),
		}
	},
}

func acquireContext() *context {
	return contextPool.Get().(*context)
}

func putContext(ctx *context) {
	ctx.reset()
	contextPool.Put(ctx)
}

// context carries one inbound packet (and the response being built for it)
// through the handler pipeline. Pooled and reused across packets so serving
// a request allocates nothing beyond what stunmsg.Message.grow needs.
type context struct {
	addr      net.Addr
	conn      net.PacketConn
	cfg       config
	time      time.Time
	client    stunmsg.Addr
	server    stunmsg.Addr
	proto     turnmsg.Protocol
	tuple     turnmsg.FiveTuple
	request   *stunmsg.Message
	response  *stunmsg.Message
	cdata     *turnmsg.ChannelData
	nonce     stunmsg.Nonce
	realm     stunmsg.Realm
	integrity stunmsg.MessageIntegrity
	buf       []byte
}

func (c *context) allowPeer(addr stunmsg.Addr) bool {
	return c.cfg.peerFilter.Action(addr) != filter.Deny
}

func (c *context) allowClient(addr stunmsg.Addr) bool {
	return c.cfg.clientFilter.Action(addr) != filter.Deny
}

func (c *context) setTuple() {
	c.tuple.Proto = c.proto
	c.tuple.Client = c.client
	c.tuple.Server = c.server
}

func (c *context) reset() {
	c.addr = nil
	c.conn = nil
	c.cfg = config{}
	c.time = time.Time{}
	c.client = stunmsg.Addr{}
	c.server = stunmsg.Addr{}
	c.request.Reset()
	c.response.Reset()
	c.cdata.Reset()
	c.proto = 0
	c.setTuple()
	c.nonce = c.nonce[:0]
	c.realm = c.realm[:0]
	c.integrity = nil
	c.buf = c.buf[:cap(c.buf)]
	for i := range c.buf {
		c.buf[i] = 0
	}
}

func (c *context) apply(s ...stunmsg.Setter) error {
	for _, a := range s {
		if err := a.AddTo(c.response); err != nil {
			return err
		}
	}
	return nil
}

func (c *context) buildErr(s ...stunmsg.Setter) error {
	return c.build(stunmsg.ClassErrorResponse, c.request.Type.Method, s...)
}

func (c *context) buildOk(s ...stunmsg.Setter) error {
	return c.build(stunmsg.ClassSuccessResponse, c.request.Type.Method, s...)
}

func (c *context) build(class stunmsg.MessageClass, method stunmsg.Method, s ...stunmsg.Setter) error {
	if c.request.Type.Class == stunmsg.ClassIndication {
		// No responses for indications.
		return nil
	}
	c.response.Reset()
	c.response.Type = stunmsg.MessageType{Class: class, Method: method}
	c.response.TransactionID = c.request.TransactionID
	c.response.WriteHeader()
	if err := c.apply(&c.nonce, &c.realm); err != nil {
		return err
	}
	if len(c.cfg.software) > 0 {
		if err := c.cfg.software.AddTo(c.response); err != nil {
			return err
		}
	}
	if err := c.apply(s...); err != nil {
		return err
	}
	if len(c.integrity) > 0 {
		if err := c.integrity.AddTo(c.response); err != nil {
			return err
		}
	}
	if err := stunmsg.Fingerprint.AddTo(c.response); err != nil {
		return err
	}
	// Add only patches m.Length in memory; the header bytes still need to be
	// rewritten after the last attribute is appended.
	c.response.WriteLength()
	return nil
}
