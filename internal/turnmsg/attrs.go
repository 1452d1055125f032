package turnmsg

import (
	"encoding/binary"
	"time"

	"github.com/relaymesh/relayd/internal/stunmsg"
)

// Lifetime implements the LIFETIME attribute (RFC 5766 §14.2), the number
// of seconds an allocation (or permission/binding renewal) remains valid.
type Lifetime struct {
	Duration time.Duration
}

func (l Lifetime) AddTo(m *stunmsg.Message) error {
	v := make([]byte, 4)
	binary.BigEndian.PutUint32(v, uint32(l.Duration/time.Second))
	m.Add(stunmsg.AttrLifetime, v)
	return nil
}

func (l *Lifetime) GetFrom(m *stunmsg.Message) error {
	v, err := m.Get(stunmsg.AttrLifetime)
	if err != nil {
		return err
	}
	if len(v) != 4 {
		return BadAttrLength{Attr: stunmsg.AttrLifetime, Got: len(v), Expected: 4}
	}
	l.Duration = time.Duration(binary.BigEndian.Uint32(v)) * time.Second
	return nil
}

// RequestedTransport implements REQUESTED-TRANSPORT (RFC 5766 §14.7).
type RequestedTransport struct {
	Protocol Protocol
}

func (r RequestedTransport) AddTo(m *stunmsg.Message) error {
	v := make([]byte, 4)
	v[0] = byte(r.Protocol)
	m.Add(stunmsg.AttrRequestedTransport, v)
	return nil
}

func (r *RequestedTransport) GetFrom(m *stunmsg.Message) error {
	v, err := m.Get(stunmsg.AttrRequestedTransport)
	if err != nil {
		return err
	}
	if len(v) != 4 {
		return BadAttrLength{Attr: stunmsg.AttrRequestedTransport, Got: len(v), Expected: 4}
	}
	r.Protocol = Protocol(v[0])
	return nil
}

// Data implements the DATA attribute (RFC 5766 §14.4), the opaque relayed
// payload carried in Send indications and DATA indications.
type Data []byte

func (d Data) AddTo(m *stunmsg.Message) error {
	m.Add(stunmsg.AttrData, d)
	return nil
}

func (d *Data) GetFrom(m *stunmsg.Message) error {
	v, err := m.Get(stunmsg.AttrData)
	if err != nil {
		return err
	}
	*d = append((*d)[:0], v...)
	return nil
}

// DontFragment implements the DONT-FRAGMENT attribute (RFC 5766 §14.8), a
// zero-length flag.
type DontFragment struct{}

func (DontFragment) AddTo(m *stunmsg.Message) error {
	m.Add(stunmsg.AttrDontFragment, nil)
	return nil
}

func (DontFragment) GetFrom(m *stunmsg.Message) error {
	_, err := m.Get(stunmsg.AttrDontFragment)
	return err
}

// EvenPort implements the EVEN-PORT attribute (RFC 5766 §14.6).
type EvenPort struct {
	ReservePort bool
}

func (e EvenPort) AddTo(m *stunmsg.Message) error {
	v := make([]byte, 1)
	if e.ReservePort {
		v[0] = 0x80
	}
	m.Add(stunmsg.AttrEvenPort, v)
	return nil
}

func (e *EvenPort) GetFrom(m *stunmsg.Message) error {
	v, err := m.Get(stunmsg.AttrEvenPort)
	if err != nil {
		return err
	}
	if len(v) != 1 {
		return BadAttrLength{Attr: stunmsg.AttrEvenPort, Got: len(v), Expected: 1}
	}
	e.ReservePort = v[0]&0x80 != 0
	return nil
}

// ReservationToken implements RESERVATION-TOKEN (RFC 5766 §14.9).
type ReservationToken [8]byte

func (r ReservationToken) AddTo(m *stunmsg.Message) error {
	m.Add(stunmsg.AttrReservationToken, r[:])
	return nil
}

func (r *ReservationToken) GetFrom(m *stunmsg.Message) error {
	v, err := m.Get(stunmsg.AttrReservationToken)
	if err != nil {
		return err
	}
	if len(v) != 8 {
		return BadAttrLength{Attr: stunmsg.AttrReservationToken, Got: len(v), Expected: 8}
	}
	copy(r[:], v)
	return nil
}
