// Package stunmsg implements the STUN (RFC 5389) message structure: header
// encoding/decoding, TLV attributes and their padding, and the integrity
// and fingerprint mechanisms layered on top of the raw wire form.
package stunmsg

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"io"
)

var bin = binary.BigEndian

const (
	// MagicCookie is the fixed value that lets STUN be demultiplexed from
	// other protocols sharing the same port.
	//
	// See RFC 5389 Section 6.
	MagicCookie = 0x2112A442

	attributeHeaderSize  = 4
	messageHeaderSize    = 20
	transactionIDSize    = 12
	defaultRawCapacity   = 128
)

// TransactionID is the 96-bit STUN transaction identifier.
type TransactionID [transactionIDSize]byte

// NewTransactionID returns a new random transaction ID.
func NewTransactionID() (t TransactionID) {
	if _, err := rand.Read(t[:]); err != nil {
		panic(err)
	}
	return t
}

// IsMessage reports whether b looks like a STUN message: long enough for a
// header and carrying the magic cookie. Used for first-byte demultiplexing
// against TURN ChannelData on the same socket.
func IsMessage(b []byte) bool {
	if len(b) < messageHeaderSize {
		return false
	}
	if b[0]&0xC0 != 0x00 {
		return false
	}
	return bin.Uint32(b[4:8]) == MagicCookie
}

// New returns a *Message with a pre-allocated Raw buffer.
func New() *Message {
	return &Message{Raw: make([]byte, messageHeaderSize, defaultRawCapacity)}
}

// Message is a single parsed or to-be-built STUN message. It reuses its Raw
// buffer across Reset calls to avoid allocating per packet on the hot path.
type Message struct {
	Type          MessageType
	Length        uint32
	TransactionID TransactionID
	Attributes    Attributes
	Raw           []byte
}

// NewTransactionID assigns a fresh random transaction ID to m.
func (m *Message) NewTransactionID() error {
	_, err := rand.Read(m.TransactionID[:])
	return err
}

func (m *Message) String() string {
	return fmt.Sprintf("%s l=%d attrs=%d id=%s",
		m.Type, m.Length, len(m.Attributes),
		base64.StdEncoding.EncodeToString(m.TransactionID[:]),
	)
}

// Reset clears the message but keeps the underlying buffers for reuse.
func (m *Message) Reset() {
	m.Raw = m.Raw[:0]
	m.Length = 0
	m.Attributes = m.Attributes[:0]
}

func (m *Message) grow(n int) {
	for cap(m.Raw) < n {
		m.Raw = append(m.Raw, 0)
	}
	m.Raw = m.Raw[:n]
}

func nearestPaddedValueLength(l int) int {
	n := 4 * (l / 4)
	if n < l {
		n += 4
	}
	return n
}

// Add appends a new attribute TLV to the message, padding its value to a
// 4-byte boundary with zero bytes. v is copied, so the caller may reuse it.
func (m *Message) Add(t AttrType, v []byte) {
	allocSize := attributeHeaderSize + len(v)
	first := messageHeaderSize + int(m.Length)
	last := first + allocSize
	m.grow(last)
	m.Length += uint32(allocSize)

	buf := m.Raw[first:last]
	value := buf[attributeHeaderSize:]
	bin.PutUint16(buf[0:2], uint16(t))
	bin.PutUint16(buf[2:4], uint16(len(v)))
	copy(value, v)

	if len(v)%4 != 0 {
		padded := nearestPaddedValueLength(len(v))
		extra := padded - len(v)
		newLast := last + extra
		m.grow(newLast)
		for i := last; i < newLast; i++ {
			m.Raw[i] = 0
		}
		last = newLast
		m.Length += uint32(extra)
	}
	m.Attributes = append(m.Attributes, RawAttribute{Type: t, Length: uint16(len(v)), Value: value})
}

// WriteLength writes the current m.Length into the header's length field.
// Valid only once the header bytes exist.
func (m *Message) WriteLength() {
	bin.PutUint16(m.Raw[2:4], uint16(m.Length))
}

// WriteHeader writes the 20-byte STUN header to the start of Raw.
func (m *Message) WriteHeader() {
	if len(m.Raw) < messageHeaderSize {
		m.grow(messageHeaderSize)
	}
	bin.PutUint16(m.Raw[0:2], m.Type.Value())
	bin.PutUint16(m.Raw[2:4], uint16(len(m.Raw)-messageHeaderSize))
	bin.PutUint32(m.Raw[4:8], MagicCookie)
	copy(m.Raw[8:messageHeaderSize], m.TransactionID[:])
}

// WriteAttributes re-encodes every attribute currently in m.Attributes.
func (m *Message) WriteAttributes() {
	attrs := append(Attributes(nil), m.Attributes...)
	m.Attributes = m.Attributes[:0]
	for _, a := range attrs {
		m.Add(a.Type, a.Value)
	}
}

// Encode rebuilds Raw from Type, TransactionID and Attributes.
func (m *Message) Encode() {
	m.Raw = m.Raw[:0]
	m.Length = 0
	m.WriteHeader()
	m.WriteAttributes()
	m.WriteHeader()
}

// WriteTo implements io.WriterTo.
func (m *Message) WriteTo(w io.Writer) (int64, error) {
	n, err := w.Write(m.Raw)
	return int64(n), err
}

// ErrUnexpectedHeaderEOF means Raw was too short to contain a STUN header.
var ErrUnexpectedHeaderEOF = fmt.Errorf("stunmsg: unexpected EOF reading header")

// DecodeErr wraps a structural decode failure with the offending section.
type DecodeErr struct {
	Place   string
	Message string
}

func (e *DecodeErr) Error() string { return fmt.Sprintf("stunmsg: %s: %s", e.Place, e.Message) }

func newDecodeErr(place, msg string) error { return &DecodeErr{Place: place, Message: msg} }

// ErrInvalidCookie means the magic cookie did not match.
var ErrInvalidCookie = fmt.Errorf("stunmsg: invalid magic cookie")

// ErrLengthNotAligned means the header length field was not a multiple of 4.
var ErrLengthNotAligned = fmt.Errorf("stunmsg: length not 4-byte aligned")

// Decode parses Raw into Type, Length, TransactionID and Attributes.
func (m *Message) Decode() error {
	buf := m.Raw
	if len(buf) < messageHeaderSize {
		return ErrUnexpectedHeaderEOF
	}
	if buf[0]&0xC0 != 0x00 {
		return newDecodeErr("header", "reserved bits set")
	}
	t := bin.Uint16(buf[0:2])
	size := int(bin.Uint16(buf[2:4]))
	if size%4 != 0 {
		return ErrLengthNotAligned
	}
	cookie := bin.Uint32(buf[4:8])
	if cookie != MagicCookie {
		return ErrInvalidCookie
	}
	fullSize := messageHeaderSize + size
	if len(buf) < fullSize {
		return newDecodeErr("message", "buffer shorter than declared length")
	}
	m.Type.ReadValue(t)
	m.Length = uint32(size)
	copy(m.TransactionID[:], buf[8:messageHeaderSize])

	m.Attributes = m.Attributes[:0]
	offset := 0
	b := buf[messageHeaderSize:fullSize]
	for offset < size {
		if len(b) < attributeHeaderSize {
			return newDecodeErr("attribute header", "truncated")
		}
		a := RawAttribute{
			Type:   AttrType(bin.Uint16(b[0:2])),
			Length: bin.Uint16(b[2:4]),
		}
		aLen := int(a.Length)
		paddedLen := nearestPaddedValueLength(aLen)
		b = b[attributeHeaderSize:]
		offset += attributeHeaderSize
		if len(b) < paddedLen {
			return newDecodeErr("attribute value", "truncated")
		}
		a.Value = b[:aLen]
		offset += paddedLen
		b = b[paddedLen:]
		m.Attributes = append(m.Attributes, a)
	}
	return nil
}

// Contains reports whether the message carries an attribute of type t.
func (m *Message) Contains(t AttrType) bool {
	_, ok := m.Attributes.Get(t)
	return ok
}

// Get returns the raw attribute value for t, or ErrAttributeNotFound.
func (m *Message) Get(t AttrType) ([]byte, error) {
	a, ok := m.Attributes.Get(t)
	if !ok {
		return nil, ErrAttributeNotFound
	}
	return a.Value, nil
}

// ErrAttributeNotFound is returned by Get/GetFrom when an attribute is absent.
var ErrAttributeNotFound = fmt.Errorf("stunmsg: attribute not found")

// Setter is implemented by anything that can append itself to a Message.
type Setter interface {
	AddTo(m *Message) error
}

// Getter is implemented by anything that can decode itself from a Message.
type Getter interface {
	GetFrom(m *Message) error
}

// Parse calls GetFrom for each getter in order and returns the first error,
// ErrAttributeNotFound included.
func (m *Message) Parse(getters ...Getter) error {
	for _, g := range getters {
		if err := g.GetFrom(m); err != nil {
			return err
		}
	}
	return nil
}

// Build resets m, sets its type and transaction id, and applies every
// setter in order (integrity must be added before fingerprint).
func (m *Message) Build(txID TransactionID, t MessageType, setters ...Setter) error {
	m.Reset()
	m.Type = t
	m.TransactionID = txID
	m.WriteHeader()
	for _, s := range setters {
		if err := s.AddTo(m); err != nil {
			return err
		}
	}
	m.WriteLength()
	return nil
}
