// Package probeengine implements the probing engine core of spec.md §4.3:
// the shared send/receive/match code, expressed as concrete methods on a
// common Engine rather than virtual dispatch (spec.md §9 "tagged variant
// with shared common state"). Traceroute, Ping and Burstping each embed
// an *Engine and add only their mode-specific state machines.
package probeengine

import (
	"context"
	"fmt"
	"math/rand"
	"net/netip"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	hpct "github.com/HerbHall/hpctprobe/pkg/hipercontracer"
	"github.com/HerbHall/hpctprobe/internal/nettime"
	"github.com/HerbHall/hpctprobe/internal/rawsocket"
	"github.com/HerbHall/hpctprobe/internal/resulttable"
	"github.com/HerbHall/hpctprobe/internal/sink"
	"github.com/HerbHall/hpctprobe/internal/wire"
)

// Engine holds the state common to every probing mode (spec.md §4.3):
// identifier, magic number, sequence counter, the results table and the
// TTL cache, plus the collaborators (socket, sink, logger) the
// send/receive/match code needs. There is no stop flag: each mode's Run
// stops when its context is cancelled.
type Engine struct {
	Source    netip.Addr
	Family    rawsocket.Family
	Socket    rawsocket.Socket
	Sink      sink.Sink
	Logger    *zap.Logger

	Identifier  uint16
	MagicNumber uint32
	SeqNumber   uint16
	PayloadSize int

	Table    *resulttable.Table
	TTLCache map[netip.Addr]uint8

	// Limiter paces outbound probes when set (spec.md §9: a probing rate
	// high enough to flood a link defeats the point of a lightweight
	// measurement tool). Nil means unlimited, the default.
	Limiter *rate.Limiter

	destMu       sync.Mutex
	destinations []hpct.DestinationInfo
	destIdx      int
}

// New builds an engine for a single source address. identifier and magic
// should be distinct per engine lifetime (spec.md §4.3: "process-scoped
// nonce" / "random per engine").
func New(source netip.Addr, family rawsocket.Family, sock rawsocket.Socket, rs sink.Sink, logger *zap.Logger, payloadSize int) *Engine {
	return &Engine{
		Source:      source,
		Family:      family,
		Socket:      sock,
		Sink:        rs,
		Logger:      logger,
		Identifier:  uint16(rand.Intn(1 << 16)),
		MagicNumber: rand.Uint32(),
		PayloadSize: payloadSize,
		Table:       resulttable.New(),
		TTLCache:    make(map[netip.Addr]uint8),
	}
}

// SetDestinations replaces the destination set (spec.md §5: "guarded by an
// engine-local mutex to permit external add/remove during operation").
func (e *Engine) SetDestinations(dests []hpct.DestinationInfo) {
	e.destMu.Lock()
	defer e.destMu.Unlock()
	e.destinations = append([]hpct.DestinationInfo(nil), dests...)
	if e.destIdx >= len(e.destinations) {
		e.destIdx = 0
	}
}

// AddDestination appends one destination.
func (e *Engine) AddDestination(d hpct.DestinationInfo) {
	e.destMu.Lock()
	defer e.destMu.Unlock()
	e.destinations = append(e.destinations, d)
}

// Destinations returns a snapshot of the current destination set.
func (e *Engine) Destinations() []hpct.DestinationInfo {
	e.destMu.Lock()
	defer e.destMu.Unlock()
	return append([]hpct.DestinationInfo(nil), e.destinations...)
}

// SetRateLimit bounds outbound probe submission to r probes/second with
// burst capacity b. A non-positive r disables the limiter (unlimited).
func (e *Engine) SetRateLimit(r float64, b int) {
	if r <= 0 {
		e.Limiter = nil
		return
	}
	e.Limiter = rate.NewLimiter(rate.Limit(r), b)
}

// pace blocks until the rate limiter admits one more send, or returns
// immediately if no limiter is configured.
func (e *Engine) pace() {
	if e.Limiter == nil {
		return
	}
	_ = e.Limiter.Wait(context.Background())
}

// NextDestination returns the next destination in round-robin order and
// advances the iterator, or false if there are none.
func (e *Engine) NextDestination() (hpct.DestinationInfo, bool) {
	e.destMu.Lock()
	defer e.destMu.Unlock()
	if len(e.destinations) == 0 {
		return hpct.DestinationInfo{}, false
	}
	d := e.destinations[e.destIdx%len(e.destinations)]
	e.destIdx++
	return d, true
}

func (e *Engine) echoType() wire.ICMPHeader {
	if e.Family == rawsocket.FamilyV6 {
		return wire.ICMPHeader{Type: wire.ICMPv6EchoRequest, Identifier: e.Identifier}
	}
	return wire.ICMPHeader{Type: wire.ICMPv4EchoRequest, Identifier: e.Identifier}
}

// buildProbe constructs one Echo Request + TraceService payload, assigning
// the next sequence number, but does not send it or touch the table.
func (e *Engine) buildProbe(dest hpct.DestinationInfo, ttl, round uint8) ([]byte, hpct.ResultEntry) {
	e.SeqNumber++

	header := e.echoType()
	header.SeqNumber = e.SeqNumber

	sendTime := nettime.Now()
	ts := wire.NewTraceServiceHeader(e.MagicNumber, ttl, round, sendTime)
	payload := ts.EncodePadded(e.PayloadSize)

	tweak := wire.ChecksumTweak(header, payload)
	header.Checksum = tweak

	buf := append(header.Encode(), payload...)
	entry := hpct.NewResultEntry(round, e.SeqNumber, ttl, tweak, sendTime, dest)
	return buf, entry
}

// SendSingle builds and sends one probe (spec.md §4.3 send path). On
// success it inserts the ResultEntry with status Unknown; on failure
// (spec.md §7 SendError) nothing is inserted.
func (e *Engine) SendSingle(dest hpct.DestinationInfo, ttl, round uint8) (hpct.ResultEntry, error) {
	e.pace()
	buf, entry := e.buildProbe(dest, ttl, round)
	n, err := e.Socket.Send(buf, dest.Address(), int(ttl), int(dest.TrafficClass()))
	if err == nil && n < len(buf) {
		err = fmt.Errorf("probeengine: short send to %s: %d of %d bytes", dest, n, len(buf))
	}
	if err != nil {
		if e.Logger != nil {
			e.Logger.Warn("send failed", zap.Stringer("dest", dest), zap.Error(err))
		}
		return hpct.ResultEntry{}, err
	}
	e.Table.Insert(entry)
	return entry, nil
}

// SendVectored builds `count` probes and submits them in one
// Socket.SendBatch call (spec.md §4.6 Burstping). On failure (including a short send) no
// ResultEntry is inserted for any of the batch — spec.md §9's resolution
// of the original's uninitialized-`sent`-on-exception path: treat the
// whole batch as a SendError.
func (e *Engine) SendVectored(dest hpct.DestinationInfo, ttl, round uint8, count int) ([]hpct.ResultEntry, error) {
	for i := 0; i < count; i++ {
		e.pace()
	}
	bufs := make([][]byte, count)
	entries := make([]hpct.ResultEntry, count)
	total := 0
	for i := 0; i < count; i++ {
		bufs[i], entries[i] = e.buildProbe(dest, ttl, round)
		total += len(bufs[i])
	}

	n, err := e.Socket.SendBatch(bufs, dest.Address(), int(ttl), int(dest.TrafficClass()))
	if err == nil && n < total {
		err = fmt.Errorf("probeengine: short batch send to %s: %d of %d bytes", dest, n, total)
	}
	if err != nil {
		if e.Logger != nil {
			e.Logger.Warn("burst send failed", zap.Stringer("dest", dest), zap.Error(err), zap.Int("burst", count))
		}
		return nil, err
	}
	for _, entry := range entries {
		e.Table.Insert(entry)
	}
	return entries, nil
}

// HandleDatagram parses one inbound datagram, matches it against the
// results table and applies the status transition (spec.md §4.3 receive
// path). It reports the matched sequence number and status, or ok=false
// if the datagram was unparseable, carried a foreign magic number, or
// matched no outstanding (or already-classified) entry — spec.md §7's
// ParseError and MatchMiss, both silently dropped.
func (e *Engine) HandleDatagram(d rawsocket.Datagram) (seq uint16, status hpct.HopStatus, ok bool) {
	var matchSeq uint16
	var matchStatus hpct.HopStatus
	var matched bool

	if e.Family == rawsocket.FamilyV6 {
		matchSeq, matchStatus, matched = e.parseV6(d.Payload)
	} else {
		matchSeq, matchStatus, matched = e.parseV4(d.Payload)
	}
	if !matched {
		return 0, "", false
	}
	if !e.Table.Match(matchSeq, d.ReceiveTime, matchStatus, d.Peer) {
		return 0, "", false
	}
	return matchSeq, matchStatus, true
}

func (e *Engine) parseV6(b []byte) (uint16, hpct.HopStatus, bool) {
	outer, err := wire.DecodeICMPHeaderV6(b)
	if err != nil {
		return 0, "", false
	}

	switch outer.Type {
	case wire.ICMPv6EchoReply:
		if outer.Identifier != e.Identifier {
			return 0, "", false
		}
		if _, err := wire.RequireMagic(b[8:], e.MagicNumber); err != nil {
			return 0, "", false
		}
		return outer.SeqNumber, hpct.StatusSuccess, true

	case wire.ICMPv6TimeExceeded, wire.ICMPv6DestUnreach, wire.ICMPv6PacketTooBig:
		const innerICMPOffset = 8 + 40 // outer ICMP header + inner IPv6 header
		if len(b) < innerICMPOffset+8 {
			return 0, "", false
		}
		innerICMP, err := wire.DecodeICMPHeaderV6(b[innerICMPOffset:])
		if err != nil {
			return 0, "", false
		}
		if _, err := wire.RequireMagic(b[innerICMPOffset+8:], e.MagicNumber); err != nil {
			return 0, "", false
		}
		return innerICMP.SeqNumber, mapStatusV6(outer), true

	default:
		return 0, "", false
	}
}

func (e *Engine) parseV4(b []byte) (uint16, hpct.HopStatus, bool) {
	outer, err := wire.DecodeICMPHeaderV4(b)
	if err != nil {
		return 0, "", false
	}

	switch outer.Type {
	case wire.ICMPv4EchoReply:
		if outer.Identifier != e.Identifier {
			return 0, "", false
		}
		if _, err := wire.RequireMagic(b[8:], e.MagicNumber); err != nil {
			return 0, "", false
		}
		return outer.SeqNumber, hpct.StatusSuccess, true

	case wire.ICMPv4TimeExceeded, wire.ICMPv4DestinationUnreach:
		if len(b) < 8+20 {
			return 0, "", false
		}
		innerIP, err := wire.DecodeIPv4Header(b[8:])
		if err != nil {
			return 0, "", false
		}
		hlen := innerIP.HeaderLength()
		if hlen < 20 {
			hlen = 20
		}
		innerICMPOffset := 8 + hlen
		if len(b) < innerICMPOffset+8 {
			return 0, "", false
		}
		innerICMP, err := wire.DecodeICMPHeaderV4(b[innerICMPOffset:])
		if err != nil {
			return 0, "", false
		}
		// spec.md §4.3/§9: IPv4 error payloads often lack the full
		// TraceService header, so matching falls back to
		// (identifier, seqNumber) alone; ChecksumTweak cannot be
		// verified in that case.
		if innerICMP.Identifier != e.Identifier {
			return 0, "", false
		}
		return innerICMP.SeqNumber, mapStatusV4(outer), true

	default:
		return 0, "", false
	}
}

func mapStatusV6(h wire.ICMPHeader) hpct.HopStatus {
	if h.Type == wire.ICMPv6TimeExceeded {
		return hpct.StatusTimeExceeded
	}
	if h.Type == wire.ICMPv6PacketTooBig {
		return hpct.StatusUnreachableUnknown
	}
	switch h.Code {
	case wire.ICMPv6CodeNoRoute:
		return hpct.StatusUnreachableNetwork
	case wire.ICMPv6CodeAdminProhib:
		return hpct.StatusUnreachableProhibited
	case wire.ICMPv6CodeBeyondScope:
		return hpct.StatusUnreachableScope
	case wire.ICMPv6CodeAddrUnreach:
		return hpct.StatusUnreachableHost
	case wire.ICMPv6CodePortUnreach:
		return hpct.StatusUnreachablePort
	default:
		return hpct.StatusUnreachableUnknown
	}
}

func mapStatusV4(h wire.ICMPHeader) hpct.HopStatus {
	if h.Type == wire.ICMPv4TimeExceeded {
		return hpct.StatusTimeExceeded
	}
	switch h.Code {
	case wire.ICMPv4CodeNetUnreach, wire.ICMPv4CodeNetUnknown:
		return hpct.StatusUnreachableNetwork
	case wire.ICMPv4CodeHostUnreach, wire.ICMPv4CodeHostUnknown:
		return hpct.StatusUnreachableHost
	case wire.ICMPv4CodePortUnreach:
		return hpct.StatusUnreachablePort
	case wire.ICMPv4CodePktFiltered:
		return hpct.StatusUnreachableProhibited
	case 2: // RFC 792 protocol unreachable
		return hpct.StatusUnreachableProtocol
	default:
		return hpct.StatusUnreachableUnknown
	}
}

// Drain marks every still-Unknown entry as Timeout and flushes the whole
// table, for engine shutdown (spec.md §5: "drain ResultsMap marking all
// Unknown entries as Timeout and flush").
func (e *Engine) Drain() {
	for _, entry := range e.Table.EntriesInOrder() {
		if !entry.Status.IsTerminal() {
			e.Table.SetStatus(entry.SeqNumber, hpct.StatusTimeout)
		}
	}
	for _, entry := range e.Table.EntriesInOrder() {
		if e.Sink != nil {
			if err := e.Sink.WriteResult(entry); err != nil && e.Logger != nil {
				e.Logger.Warn("sink write failed during drain", zap.Error(err))
			}
		}
		e.Table.Delete(entry.SeqNumber)
	}
	if e.Sink != nil {
		e.Sink.MayStartNewTransaction()
	}
}
