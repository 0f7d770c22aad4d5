package wire

import (
	"encoding/binary"
	"errors"

	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

// ErrShortBuffer is returned when a decode is attempted on a buffer
// smaller than the header it is supposed to hold (spec.md §7 ParseError).
var ErrShortBuffer = errors.New("wire: buffer too short")

// ICMP message types used by the probing core, named independent of
// family (the numeric values differ between v4 and v6).
const (
	ICMPv4EchoRequest        = ipv4.ICMPTypeEcho
	ICMPv4EchoReply          = ipv4.ICMPTypeEchoReply
	ICMPv4TimeExceeded       = ipv4.ICMPTypeTimeExceeded
	ICMPv4DestinationUnreach = ipv4.ICMPTypeDestinationUnreachable

	ICMPv6EchoRequest  = ipv6.ICMPTypeEchoRequest
	ICMPv6EchoReply    = ipv6.ICMPTypeEchoReply
	ICMPv6TimeExceeded = ipv6.ICMPTypeTimeExceeded
	ICMPv6DestUnreach  = ipv6.ICMPTypeDestinationUnreachable
	ICMPv6PacketTooBig = ipv6.ICMPTypePacketTooBig
)

// ICMPv4 Destination Unreachable codes (RFC 792).
const (
	ICMPv4CodeNetUnreach    = 0
	ICMPv4CodeHostUnreach   = 1
	ICMPv4CodePortUnreach   = 3
	ICMPv4CodePktFiltered   = 13
	ICMPv4CodeNetUnknown    = 6
	ICMPv4CodeHostUnknown   = 7
)

// ICMPv6 Destination Unreachable codes (RFC 4443).
const (
	ICMPv6CodeNoRoute      = 0
	ICMPv6CodeAdminProhib  = 1
	ICMPv6CodeBeyondScope  = 2
	ICMPv6CodeAddrUnreach  = 3
	ICMPv6CodePortUnreach  = 4
)

// ICMPHeader is the 8-byte common ICMP Echo header: type, code, checksum,
// identifier, sequence number.
type ICMPHeader struct {
	Type       icmp.Type
	Code       int
	Checksum   uint16
	Identifier uint16
	SeqNumber  uint16
}

// Encode writes the 8-byte header only, with h.Checksum as the caller set
// it; callers append the echo body themselves.
func (h ICMPHeader) Encode() []byte {
	b := make([]byte, 8)
	b[0] = encodeICMPType(h.Type)
	b[1] = byte(h.Code)
	binary.BigEndian.PutUint16(b[2:4], h.Checksum)
	binary.BigEndian.PutUint16(b[4:6], h.Identifier)
	binary.BigEndian.PutUint16(b[6:8], h.SeqNumber)
	return b
}

// Contents returns the canonical bytes used for checksumming: identical to
// Encode, since the ICMP checksum covers its own (zeroed) checksum field.
func (h ICMPHeader) Contents() []byte {
	return h.Encode()
}

func encodeICMPType(t icmp.Type) byte {
	switch v := t.(type) {
	case ipv4.ICMPType:
		return byte(v)
	case ipv6.ICMPType:
		return byte(v)
	default:
		return 0
	}
}

// DecodeICMPHeaderV4 parses the 8-byte common header out of an IPv4 ICMP
// message, using ipv4.ICMPType for Type.
func DecodeICMPHeaderV4(b []byte) (ICMPHeader, error) {
	if len(b) < 8 {
		return ICMPHeader{}, ErrShortBuffer
	}
	return ICMPHeader{
		Type:       ipv4.ICMPType(b[0]),
		Code:       int(b[1]),
		Checksum:   binary.BigEndian.Uint16(b[2:4]),
		Identifier: binary.BigEndian.Uint16(b[4:6]),
		SeqNumber:  binary.BigEndian.Uint16(b[6:8]),
	}, nil
}

// DecodeICMPHeaderV6 parses the 8-byte common header out of an IPv6 ICMP
// message, using ipv6.ICMPType for Type.
func DecodeICMPHeaderV6(b []byte) (ICMPHeader, error) {
	if len(b) < 8 {
		return ICMPHeader{}, ErrShortBuffer
	}
	return ICMPHeader{
		Type:       ipv6.ICMPType(b[0]),
		Code:       int(b[1]),
		Checksum:   binary.BigEndian.Uint16(b[2:4]),
		Identifier: binary.BigEndian.Uint16(b[4:6]),
		SeqNumber:  binary.BigEndian.Uint16(b[6:8]),
	}, nil
}
