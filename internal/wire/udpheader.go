package wire

import "encoding/binary"

// UDPHeader is the fixed 8-byte UDP header (RFC 768). It exists for the
// UDP-mode extension point spec.md §1 calls out; the ICMP mode never
// constructs one, but the codec is exercised by its own round-trip test
// (spec.md §8 codec law applies to "every supported header type").
type UDPHeader struct {
	SrcPort  uint16
	DstPort  uint16
	Length   uint16
	Checksum uint16
}

// Encode serializes the header.
func (h UDPHeader) Encode() []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint16(b[0:2], h.SrcPort)
	binary.BigEndian.PutUint16(b[2:4], h.DstPort)
	binary.BigEndian.PutUint16(b[4:6], h.Length)
	binary.BigEndian.PutUint16(b[6:8], h.Checksum)
	return b
}

// Contents returns the canonical checksummable bytes (identical to Encode).
func (h UDPHeader) Contents() []byte { return h.Encode() }

// DecodeUDPHeader parses the 8-byte UDP header.
func DecodeUDPHeader(b []byte) (UDPHeader, error) {
	if len(b) < 8 {
		return UDPHeader{}, ErrShortBuffer
	}
	return UDPHeader{
		SrcPort:  binary.BigEndian.Uint16(b[0:2]),
		DstPort:  binary.BigEndian.Uint16(b[2:4]),
		Length:   binary.BigEndian.Uint16(b[4:6]),
		Checksum: binary.BigEndian.Uint16(b[6:8]),
	}, nil
}
