package wire

import (
	"encoding/binary"
	"errors"
	"time"
)

// traceServiceHeaderLen is the fixed, unpadded wire size of
// TraceServiceHeader: magicNumber(4) + sendTTL(1) + round(1) +
// checksumTweak(2) + sendTimeStamp(8).
const traceServiceHeaderLen = 16

// ErrBadMagic is returned (and should be treated as spec.md's MatchMiss)
// when a decoded TraceService payload carries a foreign magic number.
var ErrBadMagic = errors.New("wire: foreign magic number")

// TraceServiceHeader is the private application payload carried inside
// every ICMP Echo Request the probing core sends (spec.md §3).
//
// sendTimeStamp is microseconds since the UNIX epoch. The original C++
// implementation used 1976-09-29 as its epoch with a posix-time library;
// per spec.md §9 Open Question, no responder ever interprets these bytes
// (they are opaque to the network and only read back by the sender), so
// this port uses the UNIX epoch instead and documents the change here.
type TraceServiceHeader struct {
	MagicNumber   uint32
	SendTTL       uint8
	Round         uint8
	ChecksumTweak uint16
	SendTimeStamp uint64 // microseconds since UNIX epoch
}

// NewTraceServiceHeader builds a header stamped with the given send time.
func NewTraceServiceHeader(magic uint32, ttl, round uint8, sendTime time.Time) TraceServiceHeader {
	return TraceServiceHeader{
		MagicNumber:   magic,
		SendTTL:       ttl,
		Round:         round,
		SendTimeStamp: uint64(sendTime.UnixMicro()),
	}
}

// SendTime returns SendTimeStamp converted back to a time.Time.
func (h TraceServiceHeader) SendTime() time.Time {
	return time.UnixMicro(int64(h.SendTimeStamp))
}

// Encode serializes the header, without padding.
func (h TraceServiceHeader) Encode() []byte {
	b := make([]byte, traceServiceHeaderLen)
	binary.BigEndian.PutUint32(b[0:4], h.MagicNumber)
	b[4] = h.SendTTL
	b[5] = h.Round
	binary.BigEndian.PutUint16(b[6:8], h.ChecksumTweak)
	binary.BigEndian.PutUint64(b[8:16], h.SendTimeStamp)
	return b
}

// Contents returns the canonical checksummable bytes (identical to Encode).
func (h TraceServiceHeader) Contents() []byte { return h.Encode() }

// EncodePadded serializes the header and appends 0xFF filler bytes (spec.md
// §6) until the total reaches payloadSize. If payloadSize is smaller than
// the unpadded header, no padding is added (the header itself is not
// truncated).
func (h TraceServiceHeader) EncodePadded(payloadSize int) []byte {
	b := h.Encode()
	if missing := payloadSize - len(b); missing > 0 {
		pad := make([]byte, missing)
		for i := range pad {
			pad[i] = 0xFF
		}
		b = append(b, pad...)
	}
	return b
}

// DecodeTraceServiceHeader parses the fixed-layout header, ignoring any
// trailing pad bytes.
func DecodeTraceServiceHeader(b []byte) (TraceServiceHeader, error) {
	if len(b) < traceServiceHeaderLen {
		return TraceServiceHeader{}, ErrShortBuffer
	}
	return TraceServiceHeader{
		MagicNumber:   binary.BigEndian.Uint32(b[0:4]),
		SendTTL:       b[4],
		Round:         b[5],
		ChecksumTweak: binary.BigEndian.Uint16(b[6:8]),
		SendTimeStamp: binary.BigEndian.Uint64(b[8:16]),
	}, nil
}

// RequireMagic decodes b and checks its magic number against want, per
// spec.md §4.3's "require magicNumber == ours" matching rule.
func RequireMagic(b []byte, want uint32) (TraceServiceHeader, error) {
	h, err := DecodeTraceServiceHeader(b)
	if err != nil {
		return TraceServiceHeader{}, err
	}
	if h.MagicNumber != want {
		return TraceServiceHeader{}, ErrBadMagic
	}
	return h, nil
}
