package stunmsg

import (
	"encoding/binary"
	"fmt"
)

// textAttr implements the common AddTo/GetFrom pair shared by the plain
// UTF-8 string attributes (USERNAME, REALM, NONCE, SOFTWARE).
type textAttr []byte

func (t textAttr) addAs(m *Message, at AttrType) error {
	m.Add(at, t)
	return nil
}

func (t *textAttr) getAs(m *Message, at AttrType) error {
	v, err := m.Get(at)
	if err != nil {
		return err
	}
	*t = append((*t)[:0], v...)
	return nil
}

// Username is the USERNAME attribute (RFC 5389 §15.3).
type Username []byte

func (u Username) AddTo(m *Message) error      { return textAttr(u).addAs(m, AttrUsername) }
func (u *Username) GetFrom(m *Message) error   { return (*textAttr)(u).getAs(m, AttrUsername) }
func (u Username) String() string              { return string(u) }
func NewUsername(s string) Username            { return Username(s) }

// Realm is the REALM attribute.
type Realm []byte

func (r Realm) AddTo(m *Message) error {
	if len(r) == 0 {
		return nil
	}
	return textAttr(r).addAs(m, AttrRealm)
}
func (r *Realm) GetFrom(m *Message) error { return (*textAttr)(r).getAs(m, AttrRealm) }
func (r Realm) String() string            { return string(r) }
func NewRealm(s string) Realm             { return Realm(s) }

// Nonce is the NONCE attribute used for auth challenge/rotation.
type Nonce []byte

func (n Nonce) AddTo(m *Message) error {
	if len(n) == 0 {
		return nil
	}
	return textAttr(n).addAs(m, AttrNonce)
}
func (n *Nonce) GetFrom(m *Message) error { return (*textAttr)(n).getAs(m, AttrNonce) }
func (n Nonce) String() string            { return string(n) }

// Software is the SOFTWARE attribute advertising the server product string.
type Software []byte

func (s Software) AddTo(m *Message) error {
	if len(s) == 0 {
		return nil
	}
	return textAttr(s).addAs(m, AttrSoftware)
}
func (s *Software) GetFrom(m *Message) error { return (*textAttr)(s).getAs(m, AttrSoftware) }
func (s Software) String() string            { return string(s) }
func NewSoftware(v string) Software          { return Software(v) }

// ErrorCodeAttribute is the ERROR-CODE attribute (RFC 5389 §15.6): a class
// (hundreds digit), a number (0-99) and a human-readable reason phrase.
type ErrorCodeAttribute struct {
	Code   int
	Reason []byte
}

// Well-known error codes used by this server.
const (
	CodeBadRequest           = 400
	CodeUnauthorized         = 401
	CodeForbidden            = 403
	CodeUnknownAttribute     = 420
	CodeAllocMismatch        = 437
	CodeWrongCredentials     = 441
	CodeUnsupportedTransport = 442
	CodeStaleNonce           = 438
	CodeServerError          = 500
	CodeInsufficientCapacity = 508
)

var defaultReasons = map[int]string{
	CodeBadRequest:           "Bad Request",
	CodeUnauthorized:         "Unauthorized",
	CodeForbidden:            "Forbidden",
	CodeUnknownAttribute:     "Unknown Attribute",
	CodeAllocMismatch:        "Allocation Mismatch",
	CodeWrongCredentials:     "Wrong Credentials",
	CodeUnsupportedTransport: "Unsupported Transport Protocol",
	CodeStaleNonce:           "Stale Nonce",
	CodeServerError:          "Server Error",
	CodeInsufficientCapacity: "Insufficient Capacity",
}

// NewErrorCode builds an ERROR-CODE attribute with the default reason
// phrase for code, if known.
func NewErrorCode(code int) ErrorCodeAttribute {
	reason := defaultReasons[code]
	if reason == "" {
		reason = "Error"
	}
	return ErrorCodeAttribute{Code: code, Reason: []byte(reason)}
}

func (e ErrorCodeAttribute) AddTo(m *Message) error {
	value := make([]byte, 4+len(e.Reason))
	value[2] = byte(e.Code / 100)
	value[3] = byte(e.Code % 100)
	copy(value[4:], e.Reason)
	m.Add(AttrErrorCode, value)
	return nil
}

func (e *ErrorCodeAttribute) GetFrom(m *Message) error {
	v, err := m.Get(AttrErrorCode)
	if err != nil {
		return err
	}
	if len(v) < 4 {
		return newDecodeErr("error-code", "too short")
	}
	e.Code = int(v[2])*100 + int(v[3])
	e.Reason = append([]byte(nil), v[4:]...)
	return nil
}

func (e ErrorCodeAttribute) Error() string {
	return fmt.Sprintf("%d: %s", e.Code, e.Reason)
}

// UnknownAttributes is the UNKNOWN-ATTRIBUTES attribute (RFC 5389 §15.9),
// a list of comprehension-required attribute types the server rejected.
type UnknownAttributes []AttrType

func (u UnknownAttributes) AddTo(m *Message) error {
	value := make([]byte, 2*len(u))
	for i, t := range u {
		binary.BigEndian.PutUint16(value[i*2:i*2+2], uint16(t))
	}
	m.Add(AttrUnknownAttributes, value)
	return nil
}

func (u *UnknownAttributes) GetFrom(m *Message) error {
	v, err := m.Get(AttrUnknownAttributes)
	if err != nil {
		return err
	}
	out := make(UnknownAttributes, 0, len(v)/2)
	for i := 0; i+1 < len(v); i += 2 {
		out = append(out, AttrType(binary.BigEndian.Uint16(v[i:i+2])))
	}
	*u = out
	return nil
}
