package probeengine

import (
	"context"
	"math/rand"
	"sort"
	"time"

	"go.uber.org/zap"

	hpct "github.com/HerbHall/hpctprobe/pkg/hipercontracer"
)

// NoHop is the LastHop sentinel meaning "no Success reply has been
// matched yet this run" — hop 0 never occurs (valid TTLs are 1..255).
const NoHop uint8 = 0

// Traceroute implements the TTL-sweep state machine of spec.md §4.4.
type Traceroute struct {
	*Engine

	Duration         time.Duration
	InitialMaxTTL    uint8
	FinalMaxTTL      uint8
	IncrementMaxTTL  uint8

	MinTTL  uint8
	MaxTTL  uint8
	LastHop uint8
	Round   uint8
}

// NewTraceroute builds a Traceroute driving the given engine.
func NewTraceroute(engine *Engine, duration time.Duration, initialMaxTTL, finalMaxTTL, incrementMaxTTL uint8) *Traceroute {
	return &Traceroute{
		Engine:          engine,
		Duration:        duration,
		InitialMaxTTL:   initialMaxTTL,
		FinalMaxTTL:     finalMaxTTL,
		IncrementMaxTTL: incrementMaxTTL,
	}
}

// prepareRun resets run state for a fresh destination (spec.md §4.4 step 1):
// clear the table, prime MaxTTL from the TTL cache (falling back to
// InitialMaxTTL), clamp to FinalMaxTTL.
func (tr *Traceroute) prepareRun(dest hpct.DestinationInfo) {
	tr.Table.Reset()
	tr.MinTTL = 1

	initial := tr.InitialMaxTTL
	if cached, ok := tr.TTLCache[dest.Address()]; ok {
		initial = cached
	}
	tr.MaxTTL = min(max(initial, tr.MinTTL), tr.FinalMaxTTL)
	tr.LastHop = NoHop
	tr.Round++
}

// sendRound sends one probe per TTL in [MinTTL, MaxTTL], high TTL first
// (spec.md §4.4 step 2). A single send failure is logged and does not
// abort the rest of the sweep.
func (tr *Traceroute) sendRound(dest hpct.DestinationInfo) {
	for ttl := int(tr.MaxTTL); ttl >= int(tr.MinTTL); ttl-- {
		if _, err := tr.Engine.SendSingle(dest, uint8(ttl), tr.Round); err != nil {
			tr.Logger.Warn("traceroute probe send failed", zap.Stringer("dest", dest), zap.Int("ttl", ttl), zap.Error(err))
		}
	}
}

// deadline computes the wait deadline for the current round (spec.md §4.4
// step 3): Duration plus jitter uniformly drawn from [0, max(10ms,
// Duration/5)].
func (tr *Traceroute) deadline(now time.Time) time.Time {
	jitterMax := tr.Duration / 5
	if jitterMax < 10*time.Millisecond {
		jitterMax = 10 * time.Millisecond
	}
	jitter := time.Duration(rand.Int63n(int64(jitterMax) + 1))
	return now.Add(tr.Duration).Add(jitter)
}

// observeMatch updates LastHop when a Success reply arrives (spec.md §4.4
// step 4: "LastHop = min(LastHop, hop) across Success replies").
func (tr *Traceroute) observeMatch(seq uint16, status hpct.HopStatus) {
	if status != hpct.StatusSuccess {
		return
	}
	entry, ok := tr.Table.Get(seq)
	if !ok {
		return
	}
	if tr.LastHop == NoHop || entry.Hop < tr.LastHop {
		tr.LastHop = entry.Hop
	}
}

// onDeadline applies spec.md §4.4 step 5: if no Success has landed yet and
// MaxTTL hasn't reached FinalMaxTTL, expand the TTL window and report that
// the run continues (done=false). Otherwise finalize: update the TTL
// cache, time out whatever is still outstanding, and flush the table in
// hop order.
func (tr *Traceroute) onDeadline(dest hpct.DestinationInfo) (done bool) {
	if tr.LastHop == NoHop && tr.MaxTTL < tr.FinalMaxTTL {
		tr.MinTTL = tr.MaxTTL + 1
		tr.MaxTTL = min(tr.MaxTTL+tr.IncrementMaxTTL, tr.FinalMaxTTL)
		return false
	}

	if tr.LastHop != NoHop {
		tr.TTLCache[dest.Address()] = tr.LastHop
	}

	for _, e := range tr.Table.EntriesInOrder() {
		if !e.Status.IsTerminal() {
			tr.Table.SetStatus(e.SeqNumber, hpct.StatusTimeout)
		}
	}
	tr.flush()
	return true
}

// flush writes every entry to the sink in ascending hop order and removes
// it from the table (spec.md §4.4 step 5 "flush ResultsMap in hop order").
func (tr *Traceroute) flush() {
	entries := tr.Table.EntriesInOrder()
	sort.Slice(entries, func(i, j int) bool { return entries[i].Hop < entries[j].Hop })
	for _, e := range entries {
		if err := tr.Sink.WriteResult(e); err != nil {
			tr.Logger.Warn("sink write failed", zap.Error(err))
		}
		tr.Table.Delete(e.SeqNumber)
	}
	tr.Sink.MayStartNewTransaction()
}

// runDestinationRound drives one destination's run (prepare, send, wait,
// match, possibly re-expand, finalize) to completion or until ctx is
// cancelled.
func (tr *Traceroute) runDestinationRound(ctx context.Context, dest hpct.DestinationInfo) error {
	tr.prepareRun(dest)
	for {
		tr.sendRound(dest)

		stepCtx, cancel := context.WithDeadline(ctx, tr.deadline(time.Now()))
		for {
			d, err := tr.Socket.Receive(stepCtx)
			if err != nil {
				break
			}
			seq, status, ok := tr.HandleDatagram(d)
			if ok {
				tr.observeMatch(seq, status)
			}
		}
		cancel()

		if ctx.Err() != nil {
			return ctx.Err()
		}
		if tr.onDeadline(dest) {
			return nil
		}
	}
}

// Run drives the engine forever, round-robining over the current
// destination set, until ctx is cancelled (spec.md §4.4 step 6 "advance
// DestinationIterator; go to step 1"). On return it drains the table.
func (tr *Traceroute) Run(ctx context.Context) error {
	defer tr.Drain()
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		dest, ok := tr.NextDestination()
		if !ok {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(100 * time.Millisecond):
			}
			continue
		}
		if err := tr.runDestinationRound(ctx, dest); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
		}
	}
}
