package wire

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestChecksum16KnownVector(t *testing.T) {
	// RFC 1071 worked example: 0x0001 0xf203 0xf4f5 0xf6f7.
	b := []byte{0x00, 0x01, 0xf2, 0x03, 0xf4, 0xf5, 0xf6, 0xf7}
	got := Checksum16(b)
	assert.Equal(t, uint16(0x220d), got)
}

func TestChecksum16OddLength(t *testing.T) {
	b := []byte{0x00, 0x01, 0xff}
	// Should not panic and should be stable.
	got1 := Checksum16(b)
	got2 := Checksum16(b)
	assert.Equal(t, got1, got2)
}

func TestChecksum16SelfInclusionIsZero(t *testing.T) {
	payload := []byte{0x45, 0x00, 0x00, 0x3c, 0x1c, 0x46, 0x40, 0x00}
	cksum := Checksum16(payload)
	buf := append(append([]byte{}, payload...), byte(cksum>>8), byte(cksum))
	// Checksum of buffer including its own correctly computed checksum
	// field is zero (spec.md §8).
	assert.Equal(t, uint16(0), Checksum16(buf))
}

func TestChecksumWithPseudoHeaderEquivalence(t *testing.T) {
	src := netip.MustParseAddr("2001:db8::1")
	dst := netip.MustParseAddr("2001:db8::2")
	segment := []byte{0x80, 0x00, 0x00, 0x00, 0x12, 0x34, 0x00, 0x01}

	ph := PseudoHeaderIPv6(src, dst, uint32(len(segment)), 58)
	got := ChecksumWithPseudoHeader(ph, segment)

	prefixed := append(append([]byte{}, ph...), segment...)
	want := Checksum16(prefixed)
	assert.Equal(t, want, got)
}
