// Package turnmsg layers the TURN (RFC 5766) attributes, ChannelData framing
// and method shorthands on top of the generic STUN wire codec in stunmsg.
package turnmsg

import (
	"fmt"

	"github.com/relaymesh/relayd/internal/stunmsg"
)

// Protocol identifies the transport an allocation was requested for.
type Protocol byte

// Protocol numbers as carried in REQUESTED-TRANSPORT (IANA protocol
// numbers): only UDP is ever actually relayed by this server.
const (
	ProtoUDP Protocol = 17
	ProtoTCP Protocol = 6
)

func (p Protocol) String() string {
	switch p {
	case ProtoUDP:
		return "udp"
	case ProtoTCP:
		return "tcp"
	default:
		return fmt.Sprintf("protocol(%d)", byte(p))
	}
}

// FiveTuple identifies an allocation: transport, client address, server
// address. Two allocations with equal tuples are the same allocation.
type FiveTuple struct {
	Client stunmsg.Addr
	Server stunmsg.Addr
	Proto  Protocol
}

func (t FiveTuple) String() string {
	return fmt.Sprintf("%s->%s (%s)", t.Client, t.Server, t.Proto)
}

// Equal compares two five-tuples.
func (t FiveTuple) Equal(o FiveTuple) bool {
	return t.Proto == o.Proto && t.Client.Equal(o.Client) && t.Server.Equal(o.Server)
}

// Shorthand message types for the TURN methods this server implements.
var (
	AllocateRequest         = stunmsg.NewType(stunmsg.MethodAllocate, stunmsg.ClassRequest)
	RefreshRequest          = stunmsg.NewType(stunmsg.MethodRefresh, stunmsg.ClassRequest)
	CreatePermissionRequest = stunmsg.NewType(stunmsg.MethodCreatePermission, stunmsg.ClassRequest)
	ChannelBindRequest      = stunmsg.NewType(stunmsg.MethodChannelBind, stunmsg.ClassRequest)
	SendIndication          = stunmsg.NewType(stunmsg.MethodSend, stunmsg.ClassIndication)
	DataIndication          = stunmsg.NewType(stunmsg.MethodData, stunmsg.ClassIndication)
)

// BadAttrLength reports an attribute whose length didn't match what was
// expected for its type.
type BadAttrLength struct {
	Attr     stunmsg.AttrType
	Got      int
	Expected int
}

func (e BadAttrLength) Error() string {
	return fmt.Sprintf("turnmsg: bad length for %s: got %d, expected %d", e.Attr, e.Got, e.Expected)
}
