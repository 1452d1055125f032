package stunmsg

import (
	"encoding/binary"
	"fmt"
	"net"
)

// Addr is a bare IPv4/IPv6 transport address, used both as an attribute
// payload and as a map/comparison key throughout the allocator.
type Addr struct {
	IP   net.IP
	Port int
}

func (a Addr) String() string { return fmt.Sprintf("%s:%d", a.IP, a.Port) }

// Equal compares two addresses by IP and port.
func (a Addr) Equal(b Addr) bool {
	return a.Port == b.Port && a.IP.Equal(b.IP)
}

const (
	familyIPv4 byte = 0x01
	familyIPv6 byte = 0x02
)

// MappedAddress implements the MAPPED-ADDRESS attribute (RFC 5389 §15.1).
type MappedAddress Addr

func (a MappedAddress) AddTo(m *Message) error { return (Addr)(a).addAs(m, AttrMappedAddress, false) }

func (a *MappedAddress) GetFrom(m *Message) error {
	return (*Addr)(a).getAs(m, AttrMappedAddress, false)
}

// XORMappedAddress implements XOR-MAPPED-ADDRESS (RFC 5389 §15.2): the
// client's server-reflexive address as seen by this server.
type XORMappedAddress Addr

func (a XORMappedAddress) AddTo(m *Message) error {
	return (Addr)(a).addAs(m, AttrXORMappedAddress, true)
}

func (a *XORMappedAddress) GetFrom(m *Message) error {
	return (*Addr)(a).getAs(m, AttrXORMappedAddress, true)
}

// AddToAs encodes a as an XOR-style address attribute of type t. Used by
// the turnmsg package to build XOR-PEER-ADDRESS and XOR-RELAYED-ADDRESS on
// top of the same XOR machinery as XOR-MAPPED-ADDRESS.
func (a Addr) AddToAs(m *Message, t AttrType) error { return a.addAs(m, t, true) }

// GetFromAs decodes an XOR-style address attribute of type t into a.
func (a *Addr) GetFromAs(m *Message, t AttrType) error { return a.getAs(m, t, true) }

func (a Addr) addAs(m *Message, t AttrType, xor bool) error {
	family := familyIPv4
	ip4 := a.IP.To4()
	var ipBytes []byte
	if ip4 != nil {
		ipBytes = ip4
	} else {
		family = familyIPv6
		ipBytes = a.IP.To16()
		if ipBytes == nil {
			return fmt.Errorf("stunmsg: invalid IP %s", a.IP)
		}
	}
	value := make([]byte, 4+len(ipBytes))
	value[1] = family
	port := uint16(a.Port)
	ipOut := make([]byte, len(ipBytes))
	copy(ipOut, ipBytes)
	if xor {
		port ^= uint16(MagicCookie >> 16)
		xorBytes(ipOut, cookieAndTx(m))
	}
	binary.BigEndian.PutUint16(value[2:4], port)
	copy(value[4:], ipOut)
	m.Add(t, value)
	return nil
}

func (a *Addr) getAs(m *Message, t AttrType, xor bool) error {
	v, err := m.Get(t)
	if err != nil {
		return err
	}
	if len(v) < 4 {
		return newDecodeErr("address", "too short")
	}
	family := v[1]
	port := binary.BigEndian.Uint16(v[2:4])
	ipBytes := append([]byte(nil), v[4:]...)
	switch family {
	case familyIPv4:
		if len(ipBytes) != 4 {
			return newDecodeErr("address", "bad ipv4 length")
		}
	case familyIPv6:
		if len(ipBytes) != 16 {
			return newDecodeErr("address", "bad ipv6 length")
		}
	default:
		return newDecodeErr("address", "unknown family")
	}
	if xor {
		port ^= uint16(MagicCookie >> 16)
		xorBytes(ipBytes, cookieAndTx(m))
	}
	a.Port = int(port)
	a.IP = net.IP(ipBytes)
	return nil
}

// cookieAndTx returns the byte sequence XOR-MAPPED-ADDRESS XORs the IP
// against: the cookie for IPv4, cookie||transaction-id for IPv6.
func cookieAndTx(m *Message) []byte {
	buf := make([]byte, 4+transactionIDSize)
	binary.BigEndian.PutUint32(buf[:4], MagicCookie)
	copy(buf[4:], m.TransactionID[:])
	return buf
}

func xorBytes(dst, pad []byte) {
	for i := range dst {
		if i < len(pad) {
			dst[i] ^= pad[i]
		}
	}
}
