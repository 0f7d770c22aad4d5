package wire

import (
	"encoding/binary"
	"net/netip"
)

// IPv6Header models the fixed 40-byte IPv6 header (RFC 8200).
type IPv6Header struct {
	VersionTrafficClassFlowLabel uint32
	PayloadLength                uint16
	NextHeader                   uint8
	HopLimit                     uint8
	Src                          netip.Addr
	Dst                          netip.Addr
}

// TrafficClass extracts the 8-bit traffic-class field from the packed
// version/traffic-class/flow-label word.
func (h IPv6Header) TrafficClass() uint8 {
	return uint8(h.VersionTrafficClassFlowLabel >> 20)
}

// Encode serializes the 40-byte fixed header.
func (h IPv6Header) Encode() []byte {
	b := make([]byte, 40)
	binary.BigEndian.PutUint32(b[0:4], h.VersionTrafficClassFlowLabel)
	binary.BigEndian.PutUint16(b[4:6], h.PayloadLength)
	b[6] = h.NextHeader
	b[7] = h.HopLimit
	s16 := h.Src.As16()
	d16 := h.Dst.As16()
	copy(b[8:24], s16[:])
	copy(b[24:40], d16[:])
	return b
}

// Contents returns the canonical checksummable bytes (identical to Encode).
func (h IPv6Header) Contents() []byte { return h.Encode() }

// DecodeIPv6Header parses a fixed 40-byte IPv6 header (no extension
// headers).
func DecodeIPv6Header(b []byte) (IPv6Header, error) {
	if len(b) < 40 {
		return IPv6Header{}, ErrShortBuffer
	}
	h := IPv6Header{
		VersionTrafficClassFlowLabel: binary.BigEndian.Uint32(b[0:4]),
		PayloadLength:                binary.BigEndian.Uint16(b[4:6]),
		NextHeader:                   b[6],
		HopLimit:                     b[7],
	}
	var ok bool
	h.Src, ok = netip.AddrFromSlice(b[8:24])
	if !ok {
		return IPv6Header{}, ErrShortBuffer
	}
	h.Dst, ok = netip.AddrFromSlice(b[24:40])
	if !ok {
		return IPv6Header{}, ErrShortBuffer
	}
	return h, nil
}
