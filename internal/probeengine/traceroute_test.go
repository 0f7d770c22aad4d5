package probeengine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	hpct "github.com/HerbHall/hpctprobe/pkg/hipercontracer"
	"github.com/HerbHall/hpctprobe/internal/rawsocket"
)

func newTestTraceroute(t *testing.T, family rawsocket.Family) (*Traceroute, *rawsocket.Fake, *recordingSink) {
	t.Helper()
	e, fake, rec := newTestEngine(t, family)
	tr := NewTraceroute(e, 20*time.Millisecond, 5, 30, 5)
	return tr, fake, rec
}

func TestPrepareRunUsesInitialMaxTTLWithoutCache(t *testing.T) {
	tr, _, _ := newTestTraceroute(t, rawsocket.FamilyV6)
	dest := mustDest(t, "2001:db8::2")

	tr.prepareRun(dest)
	assert.Equal(t, uint8(1), tr.MinTTL)
	assert.Equal(t, uint8(5), tr.MaxTTL)
	assert.Equal(t, NoHop, tr.LastHop)
}

func TestPrepareRunPrimesFromTTLCacheClampedToFinal(t *testing.T) {
	tr, _, _ := newTestTraceroute(t, rawsocket.FamilyV6)
	dest := mustDest(t, "2001:db8::2")
	tr.TTLCache[dest.Address()] = 40 // beyond FinalMaxTTL

	tr.prepareRun(dest)
	assert.Equal(t, uint8(30), tr.MaxTTL)
}

func TestSendRoundSendsOneProbePerTTLHighToLow(t *testing.T) {
	tr, fake, _ := newTestTraceroute(t, rawsocket.FamilyV6)
	dest := mustDest(t, "2001:db8::2")
	tr.prepareRun(dest)

	tr.sendRound(dest)
	sent := fake.Sent()
	require.Len(t, sent, 5)
	for i, pkt := range sent {
		assert.Equal(t, 5-i, pkt.TTL)
	}
}

func TestOnDeadlineExpandsWhenNoSuccessAndBelowFinal(t *testing.T) {
	tr, _, _ := newTestTraceroute(t, rawsocket.FamilyV6)
	dest := mustDest(t, "2001:db8::2")
	tr.prepareRun(dest)

	done := tr.onDeadline(dest)
	assert.False(t, done)
	assert.Equal(t, uint8(6), tr.MinTTL)
	assert.Equal(t, uint8(10), tr.MaxTTL)
}

func TestOnDeadlineFinalizesOnSuccessAndUpdatesTTLCache(t *testing.T) {
	tr, _, rec := newTestTraceroute(t, rawsocket.FamilyV6)
	dest := mustDest(t, "2001:db8::2")
	tr.prepareRun(dest)
	tr.sendRound(dest)

	entries := tr.Table.EntriesInOrder()
	require.NotEmpty(t, entries)
	// Simulate a Success match at the smallest hop sent.
	minHop := entries[0].Hop
	for _, e := range entries {
		if e.Hop < minHop {
			minHop = e.Hop
		}
	}
	for _, e := range entries {
		if e.Hop == minHop {
			tr.Table.Match(e.SeqNumber, time.Now(), hpct.StatusSuccess, dest.Address())
			tr.observeMatch(e.SeqNumber, hpct.StatusSuccess)
		}
	}

	done := tr.onDeadline(dest)
	assert.True(t, done)
	assert.Equal(t, minHop, tr.TTLCache[dest.Address()])
	assert.Equal(t, 0, tr.Table.Len())
	require.NotEmpty(t, rec.results)
}

func TestOnDeadlineFinalizesAtFinalMaxTTLEvenWithoutSuccess(t *testing.T) {
	tr, _, rec := newTestTraceroute(t, rawsocket.FamilyV6)
	dest := mustDest(t, "2001:db8::2")
	tr.MaxTTL = tr.FinalMaxTTL
	tr.MinTTL = 1
	tr.LastHop = NoHop

	done := tr.onDeadline(dest)
	assert.True(t, done)
	_, cached := tr.TTLCache[dest.Address()]
	assert.False(t, cached)
	_ = rec
}

func TestObserveMatchKeepsMinimumHop(t *testing.T) {
	tr, _, _ := newTestTraceroute(t, rawsocket.FamilyV6)
	dest := mustDest(t, "2001:db8::2")
	entryHigh := hpct.NewResultEntry(0, 1, 10, 0, time.Now(), dest)
	entryLow := hpct.NewResultEntry(0, 2, 3, 0, time.Now(), dest)
	tr.Table.Insert(entryHigh)
	tr.Table.Insert(entryLow)

	tr.observeMatch(1, hpct.StatusSuccess)
	assert.Equal(t, uint8(10), tr.LastHop)

	tr.observeMatch(2, hpct.StatusSuccess)
	assert.Equal(t, uint8(3), tr.LastHop)

	// A later, larger-hop Success must not overwrite the minimum.
	tr.observeMatch(1, hpct.StatusSuccess)
	assert.Equal(t, uint8(3), tr.LastHop)
}

func TestDeadlineJitterWithinBounds(t *testing.T) {
	tr, _, _ := newTestTraceroute(t, rawsocket.FamilyV6)
	now := time.Now()
	for i := 0; i < 50; i++ {
		d := tr.deadline(now)
		assert.GreaterOrEqual(t, d, now.Add(tr.Duration))
		assert.LessOrEqual(t, d, now.Add(tr.Duration+10*time.Millisecond))
	}
}

func TestRunDestinationRoundEndToEndThreeHops(t *testing.T) {
	tr, fake, rec := newTestTraceroute(t, rawsocket.FamilyV6)
	tr.Duration = 15 * time.Millisecond
	dest := mustDest(t, "2001:db8::2")

	// Reply only to hop 3 with Success; every other hop times out. The
	// reply's sequence number is only known once the hop-3 probe has been
	// sent, so a goroutine polls the fake's sent packets and queues the
	// reply as soon as that probe shows up.
	go func() {
		for {
			sent := fake.Sent()
			for _, pkt := range sent {
				if pkt.TTL == 3 {
					fake.QueueReply(rawsocket.Datagram{
						Payload:     v6EchoReply(tr.Identifier, seqFromPayload(pkt.Payload), tr.MagicNumber),
						Peer:        dest.Address(),
						ReceiveTime: time.Now(),
					})
					return
				}
			}
			time.Sleep(time.Millisecond)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := tr.runDestinationRound(ctx, dest)
	require.NoError(t, err)

	assert.Equal(t, uint8(3), tr.TTLCache[dest.Address()])
	require.NotEmpty(t, rec.results)
	foundSuccess := false
	for _, r := range rec.results {
		if r.Hop == 3 {
			assert.Equal(t, hpct.StatusSuccess, r.Status)
			foundSuccess = true
		} else {
			assert.Equal(t, hpct.StatusTimeout, r.Status)
		}
	}
	assert.True(t, foundSuccess)
}

func seqFromPayload(buf []byte) uint16 {
	return uint16(buf[6])<<8 | uint16(buf[7])
}
