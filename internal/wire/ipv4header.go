package wire

import (
	"encoding/binary"
	"net/netip"
)

// IPv4Header models the fixed 20-byte IPv4 header (RFC 791) fields the
// probing core needs to inspect on inbound ICMP error payloads.
type IPv4Header struct {
	VersionIHL     uint8
	TOS            uint8
	TotalLength    uint16
	Identification uint16
	FlagsFragment  uint16
	TTL            uint8
	Protocol       uint8
	Checksum       uint16
	Src            netip.Addr
	Dst            netip.Addr
}

// HeaderLength returns the header length in bytes, derived from the IHL
// nibble.
func (h IPv4Header) HeaderLength() int {
	return int(h.VersionIHL&0x0f) * 4
}

// Encode serializes the header assuming no options (20-byte header).
func (h IPv4Header) Encode() []byte {
	b := make([]byte, 20)
	b[0] = h.VersionIHL
	b[1] = h.TOS
	binary.BigEndian.PutUint16(b[2:4], h.TotalLength)
	binary.BigEndian.PutUint16(b[4:6], h.Identification)
	binary.BigEndian.PutUint16(b[6:8], h.FlagsFragment)
	b[8] = h.TTL
	b[9] = h.Protocol
	binary.BigEndian.PutUint16(b[10:12], h.Checksum)
	s4 := h.Src.As4()
	d4 := h.Dst.As4()
	copy(b[12:16], s4[:])
	copy(b[16:20], d4[:])
	return b
}

// Contents returns the canonical checksummable bytes (identical to Encode).
func (h IPv4Header) Contents() []byte { return h.Encode() }

// DecodeIPv4Header parses an IPv4 header, including any options (reported
// via HeaderLength but not retained).
func DecodeIPv4Header(b []byte) (IPv4Header, error) {
	if len(b) < 20 {
		return IPv4Header{}, ErrShortBuffer
	}
	h := IPv4Header{
		VersionIHL:     b[0],
		TOS:            b[1],
		TotalLength:    binary.BigEndian.Uint16(b[2:4]),
		Identification: binary.BigEndian.Uint16(b[4:6]),
		FlagsFragment:  binary.BigEndian.Uint16(b[6:8]),
		TTL:            b[8],
		Protocol:       b[9],
		Checksum:       binary.BigEndian.Uint16(b[10:12]),
	}
	var ok bool
	h.Src, ok = netip.AddrFromSlice(b[12:16])
	if !ok {
		return IPv4Header{}, ErrShortBuffer
	}
	h.Dst, ok = netip.AddrFromSlice(b[16:20])
	if !ok {
		return IPv4Header{}, ErrShortBuffer
	}
	return h, nil
}
