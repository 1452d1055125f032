package turnmsg

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/relaymesh/relayd/internal/stunmsg"
)

var bin = binary.BigEndian

// ChannelNumber is the 16-bit channel alias bound to a peer address via
// ChannelBind. Valid values are in [MinChannelNumber, MaxChannelNumber].
type ChannelNumber uint16

// Channel number range, RFC 5766 §11.
const (
	MinChannelNumber ChannelNumber = 0x4000
	MaxChannelNumber ChannelNumber = 0x7FFF
)

func (c ChannelNumber) String() string { return fmt.Sprintf("0x%04x", uint16(c)) }

// Valid reports whether c is within the allowed channel number range.
func (c ChannelNumber) Valid() bool { return c >= MinChannelNumber && c <= MaxChannelNumber }

// ErrInvalidChannelNumber is returned when a channel number is outside
// [0x4000, 0x7FFF].
var ErrInvalidChannelNumber = errors.New("turnmsg: channel number not in [0x4000, 0x7FFF]")

// ChannelNumberAttr implements the CHANNEL-NUMBER attribute (RFC 5766 §14.1).
type ChannelNumberAttr struct {
	Number ChannelNumber
}

func (c ChannelNumberAttr) AddTo(m *stunmsg.Message) error {
	v := make([]byte, 4)
	bin.PutUint16(v[0:2], uint16(c.Number))
	m.Add(stunmsg.AttrChannelNumber, v)
	return nil
}

func (c *ChannelNumberAttr) GetFrom(m *stunmsg.Message) error {
	v, err := m.Get(stunmsg.AttrChannelNumber)
	if err != nil {
		return err
	}
	if len(v) != 4 {
		return BadAttrLength{Attr: stunmsg.AttrChannelNumber, Got: len(v), Expected: 4}
	}
	c.Number = ChannelNumber(bin.Uint16(v[0:2]))
	return nil
}

const (
	channelNumberSize     = 2
	channelDataLengthSize = 2
	channelDataHeaderSize = channelNumberSize + channelDataLengthSize
)

// ChannelData is the compact 4-byte-header framing used once a channel is
// bound (RFC 5766 §11.4): [channel:16][length:16][data][pad to 4].
type ChannelData struct {
	Number ChannelNumber
	Data   []byte // may alias Raw
	Length int    // ignored on Encode; len(Data) is authoritative
	Raw    []byte
}

// Equal compares two ChannelData messages by number and payload.
func (c *ChannelData) Equal(o *ChannelData) bool {
	if c == nil || o == nil {
		return c == o
	}
	return c.Number == o.Number && bytes.Equal(c.Data, o.Data)
}

// Reset clears Raw/Data/Length for reuse.
func (c *ChannelData) Reset() {
	c.Raw = c.Raw[:0]
	c.Data = c.Data[:0]
	c.Length = 0
}

func (c *ChannelData) grow(n int) {
	for cap(c.Raw) < n {
		c.Raw = append(c.Raw, 0)
	}
	c.Raw = c.Raw[:n]
}

// WriteHeader writes the channel number and length fields into Raw.
func (c *ChannelData) WriteHeader() {
	if len(c.Raw) < channelDataHeaderSize {
		c.grow(channelDataHeaderSize)
	}
	bin.PutUint16(c.Raw[:channelNumberSize], uint16(c.Number))
	bin.PutUint16(c.Raw[channelNumberSize:channelDataHeaderSize], uint16(len(c.Data)))
}

// Encode serializes Number and Data into Raw, including the 4-byte padding
// required when the payload length isn't a multiple of 4.
func (c *ChannelData) Encode() {
	c.Raw = c.Raw[:0]
	c.WriteHeader()
	c.Raw = append(c.Raw, c.Data...)
	if pad := len(c.Data) % 4; pad != 0 {
		for i := 0; i < 4-pad; i++ {
			c.Raw = append(c.Raw, 0)
		}
	}
}

// ErrBadChannelDataLength means the declared length didn't match the
// available payload.
var ErrBadChannelDataLength = errors.New("turnmsg: channelData length mismatch")

// Decode parses Raw into Number/Data/Length.
func (c *ChannelData) Decode() error {
	buf := c.Raw
	if len(buf) < channelDataHeaderSize {
		return io.ErrUnexpectedEOF
	}
	num := bin.Uint16(buf[0:channelNumberSize])
	c.Number = ChannelNumber(num)
	l := bin.Uint16(buf[channelNumberSize:channelDataHeaderSize])
	payload := buf[channelDataHeaderSize:]
	c.Length = int(l)
	if int(l) > len(payload) {
		return ErrBadChannelDataLength
	}
	c.Data = payload[:l]
	if !c.Number.Valid() {
		return ErrInvalidChannelNumber
	}
	return nil
}

// IsChannelData reports whether buf looks like a ChannelData frame: the
// first two bits are `01` and the declared length fits what follows.
func IsChannelData(buf []byte) bool {
	if len(buf) < channelDataHeaderSize {
		return false
	}
	if buf[0]&0xC0 != 0x40 {
		return false
	}
	num := bin.Uint16(buf[0:channelNumberSize])
	if !ChannelNumber(num).Valid() {
		return false
	}
	l := bin.Uint16(buf[channelNumberSize:channelDataHeaderSize])
	return int(l) <= len(buf[channelDataHeaderSize:])
}
