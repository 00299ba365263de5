// Package db persists bridge telemetry: link state transitions and
// per-stream traffic counters. The store is optional; the bridge runs
// without one when no event_db_path is configured.
package db

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

type DB struct {
	*sql.DB
}

// Open opens (or creates) the event store and brings its schema up to the
// latest migration.
func Open(path string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// Single writer; WAL keeps readers (sqlite3 CLI, dashboards) from
	// blocking the recorder.
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := sqlDB.Exec(pragma); err != nil {
			sqlDB.Close()
			return nil, fmt.Errorf("apply %q: %w", pragma, err)
		}
	}
	db := &DB{sqlDB}
	if err := db.MigrateUp(); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return db, nil
}

// RecordLinkEvent stores one link state transition. Errors are swallowed
// after logging upstream; telemetry must never take the data path down, so
// this satisfies cue.EventRecorder with a value-discarding signature.
func (db *DB) RecordLinkEvent(state string, reason string) {
	db.Exec(
		`INSERT INTO link_events (state, reason) VALUES (?, ?)`,
		state, reason,
	)
}

// RecordStreamStats stores one stats sweep for a stream.
func (db *DB) RecordStreamStats(stream string, packets, frames uint64) {
	db.Exec(
		`INSERT INTO stream_stats (stream, packets, frames) VALUES (?, ?, ?)`,
		stream, int64(packets), int64(frames),
	)
}

// LinkEvent is one recorded state transition.
type LinkEvent struct {
	ID        int64
	State     string
	Reason    string
	Timestamp time.Time
}

// RecentLinkEvents returns the newest transitions, newest first.
func (db *DB) RecentLinkEvents(limit int) ([]LinkEvent, error) {
	rows, err := db.Query(
		`SELECT event_id, state, reason, timestamp
		 FROM link_events ORDER BY event_id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []LinkEvent
	for rows.Next() {
		var e LinkEvent
		if err := rows.Scan(&e.ID, &e.State, &e.Reason, &e.Timestamp); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// StreamTotals sums recorded packets and frames per stream.
func (db *DB) StreamTotals() (map[string][2]int64, error) {
	rows, err := db.Query(
		`SELECT stream, SUM(packets), SUM(frames) FROM stream_stats GROUP BY stream`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	totals := make(map[string][2]int64)
	for rows.Next() {
		var stream string
		var packets, frames int64
		if err := rows.Scan(&stream, &packets, &frames); err != nil {
			return nil, err
		}
		totals[stream] = [2]int64{packets, frames}
	}
	return totals, rows.Err()
}
