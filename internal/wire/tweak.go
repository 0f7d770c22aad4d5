package wire

// ChecksumTweak computes the Internet-16 checksum over an ICMP Echo
// Request header (with its checksum field zeroed) concatenated with the
// TraceService payload, per spec.md §4.1. The returned value is both the
// on-wire ICMP checksum and the ResultEntry's stored ChecksumTweak.
func ChecksumTweak(header ICMPHeader, payload []byte) uint16 {
	header.Checksum = 0
	buf := make([]byte, 0, 8+len(payload))
	buf = append(buf, header.Contents()...)
	buf = append(buf, payload...)
	return Checksum16(buf)
}

// TargetChecksumFiller returns a 16-bit filler word that, appended to the
// end of payload (replacing its last two bytes if pad is already present),
// forces the Internet-16 checksum of (header||payload) to equal target,
// so that several probes can share one on-wire checksum. No probe engine
// calls it: Traceroute, Ping and Burstping all send every probe with its
// natural checksum, so probes of one traceroute round do not share a
// checksum.
func TargetChecksumFiller(header ICMPHeader, payloadWithoutFiller []byte, target uint16) uint16 {
	header.Checksum = 0
	current := ChecksumTweak(header, payloadWithoutFiller)

	// Internet-16 arithmetic is addition modulo 2^16-1 (end-around carry),
	// with 0x0000 and 0xffff both representing "zero". current = ^sum, so
	// recover sum and the sum a target checksum implies, then solve for
	// the filler word in that modulus.
	sum := uint32(^current) & 0xffff
	wantSum := uint32(^target) & 0xffff

	diff := (int64(wantSum) - int64(sum)) % 0xffff
	if diff < 0 {
		diff += 0xffff
	}
	return uint16(diff)
}
