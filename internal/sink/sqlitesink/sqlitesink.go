// Package sqlitesink is the reference persisted ResultSink (spec.md §6):
// one row per ResultEntry, batched into a transaction per destination
// run / ping interval and committed on MayStartNewTransaction.
package sqlitesink

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	_ "modernc.org/sqlite" // pure-Go SQLite driver

	hpct "github.com/HerbHall/hpctprobe/pkg/hipercontracer"
)

const schema = `
CREATE TABLE IF NOT EXISTS results (
	id                 INTEGER PRIMARY KEY AUTOINCREMENT,
	round              INTEGER NOT NULL,
	seq_number         INTEGER NOT NULL,
	hop                INTEGER NOT NULL,
	destination        TEXT NOT NULL,
	traffic_class      INTEGER NOT NULL,
	checksum_tweak     INTEGER NOT NULL,
	send_time_micros   INTEGER NOT NULL,
	receive_time_micros INTEGER,
	responding_address TEXT,
	status             TEXT NOT NULL
);
`

// Sink writes results to a SQLite database file.
type Sink struct {
	db *sql.DB
	mu sync.Mutex
	tx *sql.Tx
}

// Open opens (or creates) the database at path and applies the pragmas
// appropriate for a single-writer, append-mostly workload.
func Open(path string) (*Sink, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlitesink: open %q: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlitesink: ping %q: %w", path, err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlitesink: exec %q: %w", p, err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlitesink: create schema: %w", err)
	}

	return &Sink{db: db}, nil
}

func (s *Sink) txOrBegin() (*sql.Tx, error) {
	if s.tx != nil {
		return s.tx, nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("sqlitesink: begin: %w", err)
	}
	s.tx = tx
	return tx, nil
}

// WriteResult inserts one row, opening a transaction lazily if none is
// open (spec.md §6: WriteResult must not block on a commit).
func (s *Sink) WriteResult(entry hpct.ResultEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.txOrBegin()
	if err != nil {
		return err
	}

	var respondingAddr sql.NullString
	if entry.RespondingAddress.IsValid() {
		respondingAddr = sql.NullString{String: entry.RespondingAddress.String(), Valid: true}
	}
	var receiveMicros sql.NullInt64
	if !entry.ReceiveTime.IsZero() {
		receiveMicros = sql.NullInt64{Int64: entry.ReceiveTime.UnixMicro(), Valid: true}
	}

	_, err = tx.Exec(
		`INSERT INTO results (round, seq_number, hop, destination, traffic_class, checksum_tweak, send_time_micros, receive_time_micros, responding_address, status)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.Round, entry.SeqNumber, entry.Hop, entry.Destination.Address().String(), entry.Destination.TrafficClass(),
		entry.ChecksumTweak, entry.SendTime.UnixMicro(), receiveMicros, respondingAddr, string(entry.Status),
	)
	if err != nil {
		return fmt.Errorf("sqlitesink: insert: %w", err)
	}
	return nil
}

// MayStartNewTransaction commits the currently open transaction, if any,
// so the next WriteResult starts a fresh one.
func (s *Sink) MayStartNewTransaction() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.tx == nil {
		return nil
	}
	tx := s.tx
	s.tx = nil
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlitesink: commit: %w", err)
	}
	return nil
}

// Close commits any open transaction and closes the database.
func (s *Sink) Close() error {
	if err := s.MayStartNewTransaction(); err != nil {
		return err
	}
	return s.db.Close()
}
