package probeengine

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	hpct "github.com/HerbHall/hpctprobe/pkg/hipercontracer"
	"github.com/HerbHall/hpctprobe/internal/rawsocket"
	"github.com/HerbHall/hpctprobe/internal/sink"
	"github.com/HerbHall/hpctprobe/internal/wire"
)

func mustDest(t *testing.T, addr string) hpct.DestinationInfo {
	t.Helper()
	d, err := hpct.NewDestinationInfo(netip.MustParseAddr(addr), 0)
	require.NoError(t, err)
	return d
}

func newTestEngine(t *testing.T, family rawsocket.Family) (*Engine, *rawsocket.Fake, *recordingSink) {
	t.Helper()
	fake := rawsocket.NewFake()
	rec := &recordingSink{}
	source := netip.MustParseAddr("2001:db8::1")
	if family == rawsocket.FamilyV4 {
		source = netip.MustParseAddr("192.0.2.10")
	}
	e := New(source, family, fake, rec, zaptest.NewLogger(t), 16)
	e.Identifier = 0x1234
	e.MagicNumber = 0xdeadbeef
	return e, fake, rec
}

type recordingSink struct {
	results []hpct.ResultEntry
	txns    int
}

func (r *recordingSink) WriteResult(e hpct.ResultEntry) error {
	r.results = append(r.results, e)
	return nil
}

func (r *recordingSink) MayStartNewTransaction() error {
	r.txns++
	return nil
}

var _ sink.Sink = (*recordingSink)(nil)

// v6EchoReply builds a matching IPv6 ICMP Echo Reply datagram.
func v6EchoReply(identifier, seq uint16, magic uint32) []byte {
	outer := wire.ICMPHeader{Type: wire.ICMPv6EchoReply, Identifier: identifier, SeqNumber: seq}
	ts := wire.NewTraceServiceHeader(magic, 0, 0, time.Now())
	return append(outer.Encode(), ts.Encode()...)
}

// v6TimeExceeded builds an IPv6 Time Exceeded error carrying the original
// probe's identifier/seq/magic in its nested payload.
func v6TimeExceeded(origIdentifier, origSeq uint16, magic uint32) []byte {
	outer := wire.ICMPHeader{Type: wire.ICMPv6TimeExceeded, Code: 0}
	innerIP := wire.IPv6Header{NextHeader: 58, HopLimit: 1}
	innerICMP := wire.ICMPHeader{Type: wire.ICMPv6EchoRequest, Identifier: origIdentifier, SeqNumber: origSeq}
	ts := wire.NewTraceServiceHeader(magic, 5, 0, time.Now())

	b := outer.Encode()
	b = append(b, innerIP.Encode()...)
	b = append(b, innerICMP.Encode()...)
	b = append(b, ts.Encode()...)
	return b
}

// v4EchoReply builds a matching IPv4 ICMP Echo Reply datagram.
func v4EchoReply(identifier, seq uint16, magic uint32) []byte {
	outer := wire.ICMPHeader{Type: wire.ICMPv4EchoReply, Identifier: identifier, SeqNumber: seq}
	ts := wire.NewTraceServiceHeader(magic, 0, 0, time.Now())
	return append(outer.Encode(), ts.Encode()...)
}

// v4PortUnreachable builds an IPv4 Destination Unreachable (port
// unreachable) error with a truncated inner payload: original IPv4 header
// + inner ICMP header only, no TraceService bytes — spec.md §9's "IPv4
// inner payload often lacks the full TraceService header" scenario.
func v4PortUnreachable(origIdentifier, origSeq uint16) []byte {
	outer := wire.ICMPHeader{Type: wire.ICMPv4DestinationUnreach, Code: wire.ICMPv4CodePortUnreach}
	innerIP := wire.IPv4Header{VersionIHL: 0x45, Protocol: 1}
	innerICMP := wire.ICMPHeader{Type: wire.ICMPv4EchoRequest, Identifier: origIdentifier, SeqNumber: origSeq}

	b := outer.Encode()
	b = append(b, innerIP.Encode()...)
	b = append(b, innerICMP.Encode()...)
	return b
}

func TestSendSingleInsertsUnknownEntry(t *testing.T) {
	e, fake, _ := newTestEngine(t, rawsocket.FamilyV6)
	dest := mustDest(t, "2001:db8::2")

	entry, err := e.SendSingle(dest, 5, 0)
	require.NoError(t, err)
	assert.Equal(t, hpct.StatusUnknown, entry.Status)
	assert.Equal(t, uint8(5), entry.Hop)
	assert.Len(t, fake.Sent(), 1)

	got, ok := e.Table.Get(entry.SeqNumber)
	require.True(t, ok)
	assert.Equal(t, hpct.StatusUnknown, got.Status)
}

func TestSendSingleFailureInsertsNothing(t *testing.T) {
	e, fake, _ := newTestEngine(t, rawsocket.FamilyV6)
	fake.FailSendsWith(assert.AnError)
	dest := mustDest(t, "2001:db8::2")

	_, err := e.SendSingle(dest, 5, 0)
	assert.Error(t, err)
	assert.Equal(t, 0, e.Table.Len())
}

func TestSetRateLimitNonPositiveDisablesLimiter(t *testing.T) {
	e, _, _ := newTestEngine(t, rawsocket.FamilyV6)
	e.SetRateLimit(10, 5)
	require.NotNil(t, e.Limiter)
	e.SetRateLimit(0, 5)
	assert.Nil(t, e.Limiter)
}

func TestSendSingleWithRateLimitStillSends(t *testing.T) {
	e, fake, _ := newTestEngine(t, rawsocket.FamilyV6)
	e.SetRateLimit(1000, 1000)
	dest := mustDest(t, "2001:db8::2")

	_, err := e.SendSingle(dest, 5, 0)
	require.NoError(t, err)
	assert.Len(t, fake.Sent(), 1)
}

func TestHandleDatagramMatchesV6EchoReply(t *testing.T) {
	e, _, _ := newTestEngine(t, rawsocket.FamilyV6)
	dest := mustDest(t, "2001:db8::2")
	entry, err := e.SendSingle(dest, 5, 0)
	require.NoError(t, err)

	d := rawsocket.Datagram{
		Payload:     v6EchoReply(e.Identifier, entry.SeqNumber, e.MagicNumber),
		Peer:        dest.Address(),
		ReceiveTime: time.Now(),
	}
	seq, status, ok := e.HandleDatagram(d)
	require.True(t, ok)
	assert.Equal(t, entry.SeqNumber, seq)
	assert.Equal(t, hpct.StatusSuccess, status)
}

func TestHandleDatagramMatchesV6TimeExceeded(t *testing.T) {
	e, _, _ := newTestEngine(t, rawsocket.FamilyV6)
	dest := mustDest(t, "2001:db8::2")
	entry, err := e.SendSingle(dest, 5, 0)
	require.NoError(t, err)

	d := rawsocket.Datagram{
		Payload:     v6TimeExceeded(e.Identifier, entry.SeqNumber, e.MagicNumber),
		Peer:        netip.MustParseAddr("2001:db8::3"),
		ReceiveTime: time.Now(),
	}
	seq, status, ok := e.HandleDatagram(d)
	require.True(t, ok)
	assert.Equal(t, entry.SeqNumber, seq)
	assert.Equal(t, hpct.StatusTimeExceeded, status)
}

func TestHandleDatagramForeignMagicIsDropped(t *testing.T) {
	e, _, _ := newTestEngine(t, rawsocket.FamilyV6)
	dest := mustDest(t, "2001:db8::2")
	entry, err := e.SendSingle(dest, 5, 0)
	require.NoError(t, err)

	d := rawsocket.Datagram{
		Payload:     v6EchoReply(e.Identifier, entry.SeqNumber, e.MagicNumber^0xffffffff),
		Peer:        dest.Address(),
		ReceiveTime: time.Now(),
	}
	_, _, ok := e.HandleDatagram(d)
	assert.False(t, ok)

	got, _ := e.Table.Get(entry.SeqNumber)
	assert.Equal(t, hpct.StatusUnknown, got.Status)
}

func TestHandleDatagramV4PortUnreachableMatchesOnIdentifierAndSeqOnly(t *testing.T) {
	e, _, _ := newTestEngine(t, rawsocket.FamilyV4)
	dest := mustDest(t, "192.0.2.2")
	entry, err := e.SendSingle(dest, 1, 0)
	require.NoError(t, err)

	d := rawsocket.Datagram{
		Payload:     v4PortUnreachable(e.Identifier, entry.SeqNumber),
		Peer:        dest.Address(),
		ReceiveTime: time.Now(),
	}
	seq, status, ok := e.HandleDatagram(d)
	require.True(t, ok)
	assert.Equal(t, entry.SeqNumber, seq)
	assert.Equal(t, hpct.StatusUnreachablePort, status)
}

func TestHandleDatagramV4EchoReply(t *testing.T) {
	e, _, _ := newTestEngine(t, rawsocket.FamilyV4)
	dest := mustDest(t, "192.0.2.2")
	entry, err := e.SendSingle(dest, 64, 0)
	require.NoError(t, err)

	d := rawsocket.Datagram{
		Payload:     v4EchoReply(e.Identifier, entry.SeqNumber, e.MagicNumber),
		Peer:        dest.Address(),
		ReceiveTime: time.Now(),
	}
	_, status, ok := e.HandleDatagram(d)
	require.True(t, ok)
	assert.Equal(t, hpct.StatusSuccess, status)
}

func TestDrainTimesOutOutstandingAndFlushes(t *testing.T) {
	e, _, rec := newTestEngine(t, rawsocket.FamilyV6)
	dest := mustDest(t, "2001:db8::2")
	_, err := e.SendSingle(dest, 1, 0)
	require.NoError(t, err)

	e.Drain()
	require.Len(t, rec.results, 1)
	assert.Equal(t, hpct.StatusTimeout, rec.results[0].Status)
	assert.Equal(t, 0, e.Table.Len())
	assert.Equal(t, 1, rec.txns)
}

func TestSendVectoredInsertsAllOnSuccess(t *testing.T) {
	e, fake, _ := newTestEngine(t, rawsocket.FamilyV6)
	dest := mustDest(t, "2001:db8::2")

	entries, err := e.SendVectored(dest, 1, 0, 4)
	require.NoError(t, err)
	assert.Len(t, entries, 4)
	assert.Len(t, fake.Sent(), 4)
	assert.Equal(t, 4, e.Table.Len())
}

func TestSendVectoredInsertsNoneOnFailure(t *testing.T) {
	e, fake, _ := newTestEngine(t, rawsocket.FamilyV6)
	fake.FailSendsWith(assert.AnError)
	dest := mustDest(t, "2001:db8::2")

	_, err := e.SendVectored(dest, 1, 0, 4)
	assert.Error(t, err)
	assert.Equal(t, 0, e.Table.Len())
}
