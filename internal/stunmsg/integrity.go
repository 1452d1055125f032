package stunmsg

import (
	"crypto/hmac"
	"crypto/md5" //nolint:gosec // required by RFC 5389's long-term credential key derivation
	"crypto/sha1"
	"crypto/subtle"
	"encoding/binary"
	"errors"
)

// MessageIntegrity is the HMAC-SHA1 key used to compute and verify the
// MESSAGE-INTEGRITY attribute (RFC 5389 §15.4). For long-term credentials
// the key is MD5(username ":" realm ":" password).
type MessageIntegrity []byte

// NewLongTermIntegrity derives the long-term-credential HMAC key.
func NewLongTermIntegrity(username, realm, password string) MessageIntegrity {
	h := md5.New() //nolint:gosec
	h.Write([]byte(username + ":" + realm + ":" + password))
	return h.Sum(nil)
}

const messageIntegritySize = 20
const messageIntegrityAttrSize = attributeHeaderSize + messageIntegritySize

// AddTo computes the HMAC over the message-so-far (with the length field
// temporarily advanced to include this attribute) and appends it.
func (i MessageIntegrity) AddTo(m *Message) error {
	// Temporarily extend the length to cover the MI TLV before hashing, as
	// required by RFC 5389 §15.4.
	length := m.Length
	m.Length += messageIntegrityAttrSize
	m.WriteLength()
	mac := hmac.New(sha1.New, i)
	mac.Write(m.Raw)
	m.Length = length
	m.WriteLength()
	m.Add(AttrMessageIntegrity, mac.Sum(nil))
	return nil
}

// ErrIntegrityMismatch is returned by Check when the computed and carried
// MACs differ.
var ErrIntegrityMismatch = errors.New("stunmsg: integrity check failed")

// Check recomputes the HMAC over m.Raw using i as the key and compares it,
// in constant time, against the carried MESSAGE-INTEGRITY value.
func (i MessageIntegrity) Check(m *Message) error {
	v, err := m.Get(AttrMessageIntegrity)
	if err != nil {
		return err
	}
	if len(v) != messageIntegritySize {
		return newDecodeErr("message-integrity", "bad length")
	}
	// The MAC covers only the bytes up to (not including) MESSAGE-INTEGRITY
	// itself, with the length field adjusted as if MI (and nothing after
	// it, i.e. not FINGERPRINT) were the last attribute.
	miOffset := indexOfAttribute(m, AttrMessageIntegrity)
	if miOffset < 0 {
		return ErrAttributeNotFound
	}
	raw := append([]byte(nil), m.Raw[:miOffset]...)
	lengthUpToMI := uint32(miOffset-messageHeaderSize) + messageIntegrityAttrSize
	binary.BigEndian.PutUint16(raw[2:4], uint16(lengthUpToMI))
	mac := hmac.New(sha1.New, i)
	mac.Write(raw)
	sum := mac.Sum(nil)
	if subtle.ConstantTimeCompare(sum, v) != 1 {
		return ErrIntegrityMismatch
	}
	return nil
}

// indexOfAttribute returns the byte offset (within m.Raw) of the TLV header
// for the first attribute of type t, or -1 if absent. Used to find where
// MESSAGE-INTEGRITY begins so its preceding bytes can be rehashed.
func indexOfAttribute(m *Message, t AttrType) int {
	offset := messageHeaderSize
	b := m.Raw[messageHeaderSize:]
	for len(b) >= attributeHeaderSize {
		at := AttrType(bin.Uint16(b[0:2]))
		l := int(bin.Uint16(b[2:4]))
		if at == t {
			return offset
		}
		padded := nearestPaddedValueLength(l)
		adv := attributeHeaderSize + padded
		if adv > len(b) {
			break
		}
		b = b[adv:]
		offset += adv
	}
	return -1
}
