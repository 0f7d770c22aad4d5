package probeengine

import (
	"context"
	"time"

	"go.uber.org/zap"

	hpct "github.com/HerbHall/hpctprobe/pkg/hipercontracer"
)

// Ping implements the fixed-interval, fixed-TTL probing mode of spec.md
// §4.5: one probe per destination per interval tick, replies matched
// continuously, entries flushed once terminal or expired.
type Ping struct {
	*Engine

	Interval   time.Duration
	Expiration time.Duration
	TTL        uint8

	// Iterations caps the number of send rounds; 0 means unlimited.
	Iterations     uint32
	iterationCount uint32
}

// NewPing builds a Ping driving the given engine.
func NewPing(engine *Engine, interval, expiration time.Duration, ttl uint8, iterations uint32) *Ping {
	return &Ping{Engine: engine, Interval: interval, Expiration: expiration, TTL: ttl, Iterations: iterations}
}

// Done reports whether the configured iteration budget has been spent.
func (p *Ping) Done() bool {
	return p.Iterations != 0 && p.iterationCount >= p.Iterations
}

// sendRound sends one probe to every destination at TTL/Round 0 (spec.md
// §4.5 step 1; Ping has no TTL sweep, so Round is always 0).
func (p *Ping) sendRound() {
	for _, dest := range p.Destinations() {
		if _, err := p.Engine.SendSingle(dest, p.TTL, 0); err != nil {
			p.Logger.Warn("ping probe send failed", zap.Stringer("dest", dest), zap.Error(err))
		}
	}
	p.iterationCount++
}

// onIntervalExpiry applies spec.md §4.5 step 3: entries still Unknown
// whose age has reached Expiration transition to Timeout, and every
// terminal entry (Success, a mapped error, or the Timeout just applied)
// is flushed and removed.
func (p *Ping) onIntervalExpiry(now time.Time) []hpct.ResultEntry {
	p.Table.ExpireOlderThan(now, p.Expiration)

	var flushed []hpct.ResultEntry
	for _, e := range p.Table.EntriesInOrder() {
		if e.Status.IsTerminal() {
			flushed = append(flushed, e)
		}
	}
	for _, e := range flushed {
		if err := p.Sink.WriteResult(e); err != nil {
			p.Logger.Warn("sink write failed", zap.Error(err))
		}
		p.Table.Delete(e.SeqNumber)
	}
	p.Sink.MayStartNewTransaction()
	return flushed
}

// matchUntil reads and matches incoming datagrams until ctx's deadline
// passes or it is cancelled.
func (p *Ping) matchUntil(ctx context.Context) {
	for {
		d, err := p.Socket.Receive(ctx)
		if err != nil {
			return
		}
		p.HandleDatagram(d)
	}
}

// Run drives the send/wait/match/expire loop forever (spec.md §4.5 step
// 4), until ctx is cancelled or the iteration budget is spent. On return
// it drains the table.
func (p *Ping) Run(ctx context.Context) error {
	defer p.Drain()

	p.sendRound()

	next := time.Now()
	for {
		next = next.Add(p.Interval)
		stepCtx, cancel := context.WithDeadline(ctx, next)
		p.matchUntil(stepCtx)
		cancel()

		if ctx.Err() != nil {
			return ctx.Err()
		}

		p.onIntervalExpiry(time.Now())
		if p.Done() {
			return nil
		}
		p.sendRound()
	}
}
