package stunmsg

import "fmt"

// AttrType is the 16-bit STUN attribute type.
type AttrType uint16

// Attributes used by this server. Numbers are as assigned by RFC 5389 and
// RFC 5766; SOFTWARE and FINGERPRINT are comprehension-optional, the rest
// comprehension-required.
const (
	AttrMappedAddress     AttrType = 0x0001
	AttrUsername          AttrType = 0x0006
	AttrMessageIntegrity  AttrType = 0x0008
	AttrErrorCode         AttrType = 0x0009
	AttrUnknownAttributes AttrType = 0x000A
	AttrChannelNumber     AttrType = 0x000C
	AttrLifetime          AttrType = 0x000D
	AttrXORPeerAddress    AttrType = 0x0012
	AttrData              AttrType = 0x0013
	AttrRealm             AttrType = 0x0014
	AttrNonce             AttrType = 0x0015
	AttrXORRelayedAddress AttrType = 0x0016
	AttrRequestedTransport AttrType = 0x0019
	AttrDontFragment      AttrType = 0x001A
	AttrXORMappedAddress  AttrType = 0x0020
	AttrReservationToken  AttrType = 0x0022
	AttrEvenPort          AttrType = 0x0018
	AttrSoftware          AttrType = 0x8022
	AttrFingerprint       AttrType = 0x8028
)

var attrNames = map[AttrType]string{
	AttrMappedAddress:      "MAPPED-ADDRESS",
	AttrUsername:           "USERNAME",
	AttrMessageIntegrity:   "MESSAGE-INTEGRITY",
	AttrErrorCode:          "ERROR-CODE",
	AttrUnknownAttributes:  "UNKNOWN-ATTRIBUTES",
	AttrChannelNumber:      "CHANNEL-NUMBER",
	AttrLifetime:           "LIFETIME",
	AttrXORPeerAddress:     "XOR-PEER-ADDRESS",
	AttrData:               "DATA",
	AttrRealm:              "REALM",
	AttrNonce:              "NONCE",
	AttrXORRelayedAddress:  "XOR-RELAYED-ADDRESS",
	AttrRequestedTransport: "REQUESTED-TRANSPORT",
	AttrDontFragment:       "DONT-FRAGMENT",
	AttrXORMappedAddress:   "XOR-MAPPED-ADDRESS",
	AttrReservationToken:   "RESERVATION-TOKEN",
	AttrEvenPort:           "EVEN-PORT",
	AttrSoftware:           "SOFTWARE",
	AttrFingerprint:        "FINGERPRINT",
}

func (t AttrType) String() string {
	if n, ok := attrNames[t]; ok {
		return n
	}
	return fmt.Sprintf("0x%04x", uint16(t))
}

// RawAttribute is an undecoded TLV as it appears on the wire, with Value
// pointing into the owning Message's Raw buffer.
type RawAttribute struct {
	Type   AttrType
	Length uint16
	Value  []byte
}

// Equal compares two raw attributes by type and value.
func (a RawAttribute) Equal(b RawAttribute) bool {
	if a.Type != b.Type || a.Length != b.Length {
		return false
	}
	if len(a.Value) != len(b.Value) {
		return false
	}
	for i := range a.Value {
		if a.Value[i] != b.Value[i] {
			return false
		}
	}
	return true
}

// Attributes is an ordered list of RawAttribute.
type Attributes []RawAttribute

// Get returns the first attribute of type t, if any.
func (a Attributes) Get(t AttrType) (RawAttribute, bool) {
	for _, attr := range a {
		if attr.Type == t {
			return attr, true
		}
	}
	return RawAttribute{}, false
}

// MessageClass is the 2-bit STUN message class.
type MessageClass byte

// Message classes, RFC 5389 Section 6.
const (
	ClassRequest         MessageClass = 0x00
	ClassIndication      MessageClass = 0x01
	ClassSuccessResponse MessageClass = 0x02
	ClassErrorResponse   MessageClass = 0x03
)

func (c MessageClass) String() string {
	switch c {
	case ClassRequest:
		return "request"
	case ClassIndication:
		return "indication"
	case ClassSuccessResponse:
		return "success response"
	case ClassErrorResponse:
		return "error response"
	default:
		return "unknown class"
	}
}

// Method is the 12-bit STUN method.
type Method uint16

// Methods used by this server.
const (
	MethodBinding          Method = 0x001
	MethodAllocate         Method = 0x003
	MethodRefresh          Method = 0x004
	MethodSend             Method = 0x006
	MethodData             Method = 0x007
	MethodCreatePermission Method = 0x008
	MethodChannelBind      Method = 0x009
)

func (m Method) String() string {
	switch m {
	case MethodBinding:
		return "binding"
	case MethodAllocate:
		return "allocate"
	case MethodRefresh:
		return "refresh"
	case MethodSend:
		return "send"
	case MethodData:
		return "data"
	case MethodCreatePermission:
		return "create permission"
	case MethodChannelBind:
		return "channel bind"
	default:
		return fmt.Sprintf("0x%03x", uint16(m))
	}
}

// MessageType is the STUN message type field (class + method).
type MessageType struct {
	Class  MessageClass
	Method Method
}

// NewType builds a MessageType from its parts.
func NewType(method Method, class MessageClass) MessageType {
	return MessageType{Class: class, Method: method}
}

const (
	methodABits = 0xf
	methodBBits = 0x70
	methodDBits = 0xf80

	methodBShift = 1
	methodDShift = 2

	c0Bit = 0x1
	c1Bit = 0x2

	classC0Shift = 4
	classC1Shift = 7
)

// Value packs the message type into its 14-bit wire representation, per
// RFC 5389 Figure 3.
func (t MessageType) Value() uint16 {
	m := uint16(t.Method)
	a := m & methodABits
	b := m & methodBBits
	d := m & methodDBits
	m = a + (b << methodBShift) + (d << methodDShift)

	c := uint16(t.Class)
	c0 := (c & c0Bit) << classC0Shift
	c1 := (c & c1Bit) << classC1Shift
	return m + c0 + c1
}

// ReadValue unpacks a wire type field into t.
func (t *MessageType) ReadValue(v uint16) {
	c0 := (v >> classC0Shift) & c0Bit
	c1 := (v >> classC1Shift) & c1Bit
	t.Class = MessageClass(c0 + c1)

	a := v & methodABits
	b := (v >> methodBShift) & methodBBits
	d := (v >> methodDShift) & methodDBits
	t.Method = Method(a + b + d)
}

func (t MessageType) String() string {
	return fmt.Sprintf("%s %s", t.Method, t.Class)
}

// BindingRequest is shorthand for the classical STUN Binding request type.
var BindingRequest = NewType(MethodBinding, ClassRequest)
