// Package store persists document snapshots and the event log backing them
// to Postgres, so a relay can restore a document after a restart instead of
// starting every session from an empty buffer.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/wikisync/core/internal/protocol"
)

// Snapshot is the authoritative state of one document at a point in time.
type Snapshot struct {
	DocID        string
	Seq          uint64
	Content      string
	Participants []protocol.Participant
}

// LoggedEvent is one relayed event, recorded for replay/audit.
type LoggedEvent struct {
	DocID      string
	Seq        uint64
	ClientSeq  uint64
	Event      protocol.Event
	RecordedAt time.Time
}

// Store wraps a Postgres connection pool.
type Store struct {
	db  *sqlx.DB
	log *zap.Logger
}

// Open connects to dsn, runs pending migrations, and returns a ready Store.
func Open(dsn string, log *zap.Logger) (*Store, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: connect: %w", err)
	}
	if err := migrate(db.DB, log); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db, log: log}, nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() error { return s.db.Close() }

// LoadSnapshot returns the document's current state, or (nil, nil) if it
// has never been saved.
func (s *Store) LoadSnapshot(ctx context.Context, docID string) (*Snapshot, error) {
	var row struct {
		DocID   string `db:"doc_id"`
		Seq     int64  `db:"seq"`
		Content string `db:"content"`
	}
	err := s.db.GetContext(ctx, &row, `SELECT doc_id, seq, content FROM documents WHERE doc_id = $1`, docID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: load document %s: %w", docID, err)
	}

	var participantRows []struct {
		ID        int64 `db:"id"`
		CursorPos int64 `db:"cursor_pos"`
	}
	if err := s.db.SelectContext(ctx, &participantRows,
		`SELECT id, cursor_pos FROM participants WHERE doc_id = $1`, docID); err != nil {
		return nil, fmt.Errorf("store: load participants for %s: %w", docID, err)
	}

	snap := &Snapshot{DocID: row.DocID, Seq: uint64(row.Seq), Content: row.Content}
	for _, p := range participantRows {
		snap.Participants = append(snap.Participants, protocol.Participant{
			ID:        uint32(p.ID),
			CursorPos: uint32(p.CursorPos),
		})
	}
	return snap, nil
}

// SaveSnapshot upserts the document's content/seq and replaces its
// participant roster.
func (s *Store) SaveSnapshot(ctx context.Context, snap Snapshot) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO documents (doc_id, seq, content, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (doc_id) DO UPDATE SET
			seq = excluded.seq, content = excluded.content, updated_at = now()
	`, snap.DocID, snap.Seq, snap.Content)
	if err != nil {
		return fmt.Errorf("store: upsert document: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM participants WHERE doc_id = $1`, snap.DocID); err != nil {
		return fmt.Errorf("store: clear participants: %w", err)
	}
	for _, p := range snap.Participants {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO participants (doc_id, id, cursor_pos) VALUES ($1, $2, $3)`,
			snap.DocID, p.ID, p.CursorPos); err != nil {
			return fmt.Errorf("store: insert participant %d: %w", p.ID, err)
		}
	}

	return tx.Commit()
}

// AppendEvent records ev in the document's event log.
func (s *Store) AppendEvent(ctx context.Context, ev LoggedEvent) error {
	payload, err := json.Marshal(ev.Event)
	if err != nil {
		return fmt.Errorf("store: marshal event: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO logged_events (doc_id, seq, client_seq, event)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (doc_id, seq) DO NOTHING
	`, ev.DocID, ev.Seq, ev.ClientSeq, payload)
	if err != nil {
		return fmt.Errorf("store: append event: %w", err)
	}
	return nil
}

// LoadEventsSince returns every logged event for docID with seq > afterSeq,
// ordered by seq, for replaying a document forward.
func (s *Store) LoadEventsSince(ctx context.Context, docID string, afterSeq uint64) ([]LoggedEvent, error) {
	var rows []struct {
		DocID      string    `db:"doc_id"`
		Seq        int64     `db:"seq"`
		ClientSeq  int64     `db:"client_seq"`
		Event      []byte    `db:"event"`
		RecordedAt time.Time `db:"recorded_at"`
	}
	err := s.db.SelectContext(ctx, &rows, `
		SELECT doc_id, seq, client_seq, event, recorded_at
		FROM logged_events
		WHERE doc_id = $1 AND seq > $2
		ORDER BY seq ASC
	`, docID, afterSeq)
	if err != nil {
		return nil, fmt.Errorf("store: load events for %s: %w", docID, err)
	}

	out := make([]LoggedEvent, 0, len(rows))
	for _, r := range rows {
		var ev protocol.Event
		if err := json.Unmarshal(r.Event, &ev); err != nil {
			return nil, fmt.Errorf("store: decode event at seq %d: %w", r.Seq, err)
		}
		out = append(out, LoggedEvent{
			DocID:      r.DocID,
			Seq:        uint64(r.Seq),
			ClientSeq:  uint64(r.ClientSeq),
			Event:      ev,
			RecordedAt: r.RecordedAt,
		})
	}
	return out, nil
}
