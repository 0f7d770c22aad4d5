// Package sink implements spec.md §6's ResultSink: the only way probe
// results leave the engine. Engines call both methods synchronously on
// their own goroutine, and the sinks here do their work inside the call
// without an internal buffer, so a slow sink (for example a SQLite commit)
// delays the probing loop for as long as the call takes.
package sink

import (
	hpct "github.com/HerbHall/hpctprobe/pkg/hipercontracer"
)

// Sink receives finalized ResultEntry values as an engine flushes them,
// and is told when a logical batch boundary (one destination's run, one
// ping interval) has closed.
type Sink interface {
	// WriteResult delivers one finalized ResultEntry.
	WriteResult(entry hpct.ResultEntry) error

	// MayStartNewTransaction signals a natural batch boundary, letting a
	// transactional sink commit and start a fresh transaction.
	MayStartNewTransaction() error
}

// Noop discards every result. Used when no sink is configured.
type Noop struct{}

func (Noop) WriteResult(hpct.ResultEntry) error      { return nil }
func (Noop) MayStartNewTransaction() error           { return nil }
