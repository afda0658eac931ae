// Package diag stores per-message diagnostic dumps (the headers and
// Authentication-Results fragments assembled for a message, keyed by
// queue ID) so an operator debugging a single message can pull up exactly
// what the pipeline saw and decided, without re-running it. Grounded on
// the teacher's SQLite hook: create-table-on-first-use, then a plain
// positional-parameter insert per event.
package diag

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const createTable = `
create table if not exists dumps (
	queue_id text primary key,
	conn_id text,
	client_ip text,
	helo_name text,
	envelope_from text,
	auth_results text,
	disposition text,
	disposition_reason text,
	recorded_at datetime default current_timestamp
)`

const insertDump = `
insert into dumps (queue_id, conn_id, client_ip, helo_name, envelope_from, auth_results, disposition, disposition_reason)
values (?, ?, ?, ?, ?, ?, ?, ?)
on conflict(queue_id) do update set
	auth_results = excluded.auth_results,
	disposition = excluded.disposition,
	disposition_reason = excluded.disposition_reason,
	recorded_at = current_timestamp`

const selectDump = `
select queue_id, conn_id, client_ip, helo_name, envelope_from, auth_results, disposition, disposition_reason, recorded_at
from dumps where queue_id = ?`

// Dump is one message's recorded diagnostic snapshot.
type Dump struct {
	QueueID           string
	ConnID            string
	ClientIP          string
	HeloName          string
	EnvelopeFrom      string
	AuthResults       string
	Disposition       string
	DispositionReason string
	RecordedAt        time.Time
}

// Store persists Dumps to a SQLite database, serving the exit_on_close
// debug path: a handler can request the connection be kept open after a
// message so a live capture is available, and the daemon writes what it
// saw here for later retrieval.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) a SQLite-backed Store at dsn.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("diag: open %s: %w", dsn, err)
	}
	if _, err := db.Exec(createTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("diag: create table: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Record upserts d, keyed by d.QueueID.
func (s *Store) Record(ctx context.Context, d Dump) error {
	_, err := s.db.ExecContext(ctx, insertDump,
		d.QueueID, d.ConnID, d.ClientIP, d.HeloName, d.EnvelopeFrom,
		d.AuthResults, d.Disposition, d.DispositionReason)
	if err != nil {
		return fmt.Errorf("diag: record %s: %w", d.QueueID, err)
	}
	return nil
}

// Lookup retrieves the Dump recorded for queueID, or sql.ErrNoRows if none
// was recorded.
func (s *Store) Lookup(ctx context.Context, queueID string) (Dump, error) {
	var d Dump
	row := s.db.QueryRowContext(ctx, selectDump, queueID)
	err := row.Scan(&d.QueueID, &d.ConnID, &d.ClientIP, &d.HeloName, &d.EnvelopeFrom,
		&d.AuthResults, &d.Disposition, &d.DispositionReason, &d.RecordedAt)
	if err != nil {
		return Dump{}, err
	}
	return d, nil
}
