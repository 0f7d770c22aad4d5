package sink

import (
	"go.uber.org/zap"

	hpct "github.com/HerbHall/hpctprobe/pkg/hipercontracer"
)

// Logging writes every result as a structured log line. Useful for
// ad-hoc runs; it does not forward results to any other sink.
type Logging struct {
	Logger *zap.Logger
}

// NewLogging builds a Logging sink. A nil logger falls back to zap.L().
func NewLogging(logger *zap.Logger) *Logging {
	if logger == nil {
		logger = zap.L()
	}
	return &Logging{Logger: logger}
}

func (l *Logging) WriteResult(entry hpct.ResultEntry) error {
	l.Logger.Info("probe result",
		zap.Uint8("round", entry.Round),
		zap.Uint16("seq", entry.SeqNumber),
		zap.Uint8("hop", entry.Hop),
		zap.Stringer("destination", entry.Destination),
		zap.String("status", string(entry.Status)),
		zap.Duration("rtt", entry.RTT()),
		zap.Stringer("respondingAddress", entry.RespondingAddress),
	)
	return nil
}

func (l *Logging) MayStartNewTransaction() error { return nil }
