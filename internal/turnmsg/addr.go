package turnmsg

import "github.com/relaymesh/relayd/internal/stunmsg"

// PeerAddress implements XOR-PEER-ADDRESS (RFC 5766 §14.3): the address of
// a peer as seen from the server, carried in CreatePermission, ChannelBind
// and Send/Data.
type PeerAddress stunmsg.Addr

func (a PeerAddress) AddTo(m *stunmsg.Message) error {
	return stunmsg.Addr(a).AddToAs(m, stunmsg.AttrXORPeerAddress)
}

func (a *PeerAddress) GetFrom(m *stunmsg.Message) error {
	return (*stunmsg.Addr)(a).GetFromAs(m, stunmsg.AttrXORPeerAddress)
}

// RelayedAddress implements XOR-RELAYED-ADDRESS (RFC 5766 §14.5): the
// transport address allocated on the relay for the client to advertise to
// peers.
type RelayedAddress stunmsg.Addr

func (a RelayedAddress) AddTo(m *stunmsg.Message) error {
	return stunmsg.Addr(a).AddToAs(m, stunmsg.AttrXORRelayedAddress)
}

func (a *RelayedAddress) GetFrom(m *stunmsg.Message) error {
	return (*stunmsg.Addr)(a).GetFromAs(m, stunmsg.AttrXORRelayedAddress)
}
