package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/roach88/reef/internal/event"
)

// PutResult reports what a Put did with the event.
type PutResult int

const (
	// PutStored means a new row was inserted (possibly displacing an older
	// replaceable row).
	PutStored PutResult = iota + 1
	// PutDuplicate means the exact id was already stored. Re-publishing is
	// an idempotent success, not an error.
	PutDuplicate
	// PutSuperseded means a newer (or tie-winning) event already occupies
	// the replacement key, so the incoming event was discarded. Still an
	// acknowledged success from the client's point of view.
	PutSuperseded
)

// Put persists an event and maintains the generic-tag index.
//
// For replaceable and parameterized-replaceable kinds, only the winner of
// the replacement key (pubkey, kind[, d_tag_value]) survives: newer
// created_at wins, ties break to the lexicographically smaller id. The
// loser's row and its tag rows are removed in the same transaction, so no
// concurrent query ever observes both rows for one logical key.
func (s *Store) Put(ctx context.Context, ev *event.Event) (PutResult, error) {
	tagsJSON, err := json.Marshal(ev.Tags)
	if err != nil {
		return 0, fmt.Errorf("put event: marshal tags: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("put event: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	if ev.IsReplaceable() || ev.IsParamReplaceable() {
		result, err := s.resolveReplacement(ctx, tx, ev)
		if err != nil {
			return 0, err
		}
		if result == PutSuperseded {
			return PutSuperseded, nil
		}
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO events
		(id, pubkey, created_at, kind, tags, content, sig, d_tag_value, expired_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`,
		ev.ID,
		ev.PubKey,
		ev.CreatedAt,
		ev.Kind,
		string(tagsJSON),
		ev.Content,
		ev.Sig,
		ev.DTagValue(),
		ev.ExpiredAt(),
	)
	if err != nil {
		return 0, fmt.Errorf("put event: insert: %w", err)
	}

	inserted, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("put event: rows affected: %w", err)
	}
	if inserted == 0 {
		// Same id already stored; nothing else to do.
		if err := tx.Commit(); err != nil {
			return 0, fmt.Errorf("put event: commit: %w", err)
		}
		return PutDuplicate, nil
	}

	if err := s.insertGenericTags(ctx, tx, ev); err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("put event: commit: %w", err)
	}
	return PutStored, nil
}

// resolveReplacement decides the winner for the event's replacement key.
// If the incoming event loses it returns PutSuperseded; if it wins, the
// incumbent row is deleted (tag rows cascade) and PutStored is returned for
// the caller to proceed with the insert.
func (s *Store) resolveReplacement(ctx context.Context, tx *sql.Tx, ev *event.Event) (PutResult, error) {
	var (
		existingID        string
		existingCreatedAt int64
		err               error
	)

	if d := ev.DTagValue(); d != nil {
		err = tx.QueryRowContext(ctx, `
			SELECT id, created_at FROM events
			WHERE pubkey = ? AND kind = ? AND d_tag_value = ?
		`, ev.PubKey, ev.Kind, *d).Scan(&existingID, &existingCreatedAt)
	} else {
		err = tx.QueryRowContext(ctx, `
			SELECT id, created_at FROM events
			WHERE pubkey = ? AND kind = ? AND d_tag_value IS NULL
		`, ev.PubKey, ev.Kind).Scan(&existingID, &existingCreatedAt)
	}
	if err == sql.ErrNoRows {
		return PutStored, nil
	}
	if err != nil {
		return 0, fmt.Errorf("put event: lookup replacement key: %w", err)
	}

	if !replacementWins(ev.CreatedAt, ev.ID, existingCreatedAt, existingID) {
		return PutSuperseded, nil
	}

	// Foreign key cascade removes the incumbent's generic_tags rows.
	if _, err := tx.ExecContext(ctx, `DELETE FROM events WHERE id = ?`, existingID); err != nil {
		return 0, fmt.Errorf("put event: delete superseded: %w", err)
	}
	return PutStored, nil
}

// replacementWins reports whether the incoming event displaces the
// incumbent: strictly newer created_at, or on a tie the smaller id. Equal
// ids never reach here (the id conflict path handles exact duplicates).
func replacementWins(newCreatedAt int64, newID string, oldCreatedAt int64, oldID string) bool {
	if newCreatedAt != oldCreatedAt {
		return newCreatedAt > oldCreatedAt
	}
	return newID < oldID
}

// insertGenericTags derives one index row per qualifying tag-array.
// Duplicate (event_id, tag) pairs within one event collapse via the unique
// constraint.
func (s *Store) insertGenericTags(ctx context.Context, tx *sql.Tx, ev *event.Event) error {
	for _, t := range ev.Tags {
		if !event.IsGenericTagName(t.Name()) {
			continue
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO generic_tags (event_id, tag, author, kind, created_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(event_id, tag) DO NOTHING
		`,
			ev.ID,
			t.Name()+":"+t.Value(),
			ev.PubKey,
			ev.Kind,
			ev.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("put event: index tag %q: %w", t.Name(), err)
		}
	}
	return nil
}
