package probeengine

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Burstping is Ping's vectored-send variant (spec.md §4.6, grounded on
// burstping_new.cc): each interval tick sends Burst probes to every
// destination in one Socket.SendBatch call instead of one probe each.
// Matching, expiration and flushing are otherwise identical to Ping, so
// Burstping only overrides the send step.
type Burstping struct {
	*Ping
	Burst uint32
}

// NewBurstping builds a Burstping driving the given engine.
func NewBurstping(ping *Ping, burst uint32) *Burstping {
	return &Burstping{Ping: ping, Burst: burst}
}

// sendRound submits one vectored batch of Burst probes per destination
// (spec.md §4.6 step 1). A failed batch is logged and inserts no entries
// for that destination; other destinations are unaffected.
func (b *Burstping) sendRound() {
	for _, dest := range b.Destinations() {
		if _, err := b.Engine.SendVectored(dest, b.TTL, 0, int(b.Burst)); err != nil {
			b.Logger.Warn("burstping round send failed", zap.Stringer("dest", dest), zap.Error(err), zap.Uint32("burst", b.Burst))
		}
	}
	b.iterationCount++
}

// Run mirrors Ping.Run but drives Burstping's own sendRound (spec.md §9:
// tagged variant, not virtual dispatch — the original's subclass override
// of sendRequests becomes an explicit duplicated loop here).
func (b *Burstping) Run(ctx context.Context) error {
	defer b.Drain()

	b.sendRound()

	next := time.Now()
	for {
		next = next.Add(b.Interval)
		stepCtx, cancel := context.WithDeadline(ctx, next)
		b.matchUntil(stepCtx)
		cancel()

		if ctx.Err() != nil {
			return ctx.Err()
		}

		b.onIntervalExpiry(time.Now())
		if b.Done() {
			return nil
		}
		b.sendRound()
	}
}
