package store

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/roach88/reef/internal/event"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// testEvent fabricates a stored-shape event. Signatures are not checked at
// this layer, so ids only need to be distinct and ordered as each test wants.
func testEvent(id byte, pubkey byte, createdAt int64, kind int, tags ...event.Tag) *event.Event {
	return &event.Event{
		ID:        strings.Repeat(string([]byte{hexDigit(id >> 4), hexDigit(id)}), 32),
		PubKey:    strings.Repeat(string([]byte{hexDigit(pubkey >> 4), hexDigit(pubkey)}), 32),
		CreatedAt: createdAt,
		Kind:      kind,
		Tags:      tags,
		Content:   "content",
		Sig:       strings.Repeat("00", 64),
	}
}

func hexDigit(b byte) byte {
	b &= 0x0f
	if b < 10 {
		return '0' + b
	}
	return 'a' + b - 10
}

func mustPut(t *testing.T, s *Store, ev *event.Event) PutResult {
	t.Helper()
	res, err := s.Put(context.Background(), ev)
	if err != nil {
		t.Fatalf("Put(%s) failed: %v", ev.ID[:8], err)
	}
	return res
}

func countRows(t *testing.T, s *Store, table string) int {
	t.Helper()
	var n int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM " + table).Scan(&n); err != nil {
		t.Fatalf("count %s: %v", table, err)
	}
	return n
}

func TestPut_Basic(t *testing.T) {
	s := openTestStore(t)
	ev := testEvent(0x01, 0xaa, 1000, 1, event.Tag{"t", "nostr"})

	if res := mustPut(t, s, ev); res != PutStored {
		t.Fatalf("Put() = %v, want PutStored", res)
	}

	var storedPubkey, tagsJSON string
	var kind int
	err := s.db.QueryRow(`SELECT pubkey, kind, tags FROM events WHERE id = ?`, ev.ID).
		Scan(&storedPubkey, &kind, &tagsJSON)
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if storedPubkey != ev.PubKey {
		t.Errorf("pubkey = %q, want %q", storedPubkey, ev.PubKey)
	}
	if kind != 1 {
		t.Errorf("kind = %d, want 1", kind)
	}
	if tagsJSON != `[["t","nostr"]]` {
		t.Errorf("tags = %s", tagsJSON)
	}
}

func TestPut_DuplicateIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	ev := testEvent(0x01, 0xaa, 1000, 1)

	mustPut(t, s, ev)
	if res := mustPut(t, s, ev); res != PutDuplicate {
		t.Fatalf("second Put() = %v, want PutDuplicate", res)
	}
	if n := countRows(t, s, "events"); n != 1 {
		t.Errorf("events rows = %d, want 1", n)
	}
}

func TestPut_ReplaceableNewerWins(t *testing.T) {
	s := openTestStore(t)

	older := testEvent(0x01, 0xaa, 1000, 0)
	newer := testEvent(0x02, 0xaa, 2000, 0)

	mustPut(t, s, older)
	if res := mustPut(t, s, newer); res != PutStored {
		t.Fatalf("newer Put() = %v, want PutStored", res)
	}

	if n := countRows(t, s, "events"); n != 1 {
		t.Fatalf("events rows = %d, want 1", n)
	}
	var liveID string
	if err := s.db.QueryRow(`SELECT id FROM events WHERE pubkey = ? AND kind = 0`, older.PubKey).Scan(&liveID); err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if liveID != newer.ID {
		t.Errorf("live id = %s, want newer %s", liveID[:8], newer.ID[:8])
	}
}

func TestPut_ReplaceableOlderIsSuperseded(t *testing.T) {
	s := openTestStore(t)

	newer := testEvent(0x02, 0xaa, 2000, 0)
	older := testEvent(0x01, 0xaa, 1000, 0)

	mustPut(t, s, newer)
	if res := mustPut(t, s, older); res != PutSuperseded {
		t.Fatalf("older Put() = %v, want PutSuperseded", res)
	}

	var liveID string
	if err := s.db.QueryRow(`SELECT id FROM events WHERE pubkey = ? AND kind = 0`, newer.PubKey).Scan(&liveID); err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if liveID != newer.ID {
		t.Errorf("live id = %s, want %s", liveID[:8], newer.ID[:8])
	}
}

func TestPut_ReplaceableTieSmallerIDWins(t *testing.T) {
	s := openTestStore(t)

	bigger := testEvent(0x0b, 0xaa, 1000, 10000)
	smaller := testEvent(0x0a, 0xaa, 1000, 10000)

	mustPut(t, s, bigger)
	if res := mustPut(t, s, smaller); res != PutStored {
		t.Fatalf("smaller-id Put() = %v, want PutStored", res)
	}

	var liveID string
	if err := s.db.QueryRow(`SELECT id FROM events WHERE kind = 10000`).Scan(&liveID); err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if liveID != smaller.ID {
		t.Errorf("live id = %s, want smaller %s", liveID[:8], smaller.ID[:8])
	}

	// The same tie the other way round: incumbent already smaller, keep it.
	if res := mustPut(t, s, bigger); res != PutSuperseded {
		t.Errorf("bigger-id Put() = %v, want PutSuperseded", res)
	}
}

func TestPut_ParamReplaceable(t *testing.T) {
	s := openTestStore(t)

	// Same d value collapses to the newest.
	first := testEvent(0x01, 0xaa, 1000, 30000, event.Tag{"d", "profile"})
	second := testEvent(0x02, 0xaa, 2000, 30000, event.Tag{"d", "profile"})
	// A different d value coexists.
	other := testEvent(0x03, 0xaa, 1500, 30000, event.Tag{"d", "settings"})
	// And so does another author with the same d value.
	foreign := testEvent(0x04, 0xbb, 1500, 30000, event.Tag{"d", "profile"})

	mustPut(t, s, first)
	mustPut(t, s, second)
	mustPut(t, s, other)
	mustPut(t, s, foreign)

	if n := countRows(t, s, "events"); n != 3 {
		t.Errorf("events rows = %d, want 3", n)
	}
	var liveID string
	err := s.db.QueryRow(`SELECT id FROM events WHERE pubkey = ? AND kind = 30000 AND d_tag_value = 'profile'`,
		first.PubKey).Scan(&liveID)
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if liveID != second.ID {
		t.Errorf("live id = %s, want %s", liveID[:8], second.ID[:8])
	}
}

func TestPut_ParamReplaceableMissingDTag(t *testing.T) {
	s := openTestStore(t)

	// No d tag is the empty d value, which is still a replacement key.
	first := testEvent(0x01, 0xaa, 1000, 30000)
	second := testEvent(0x02, 0xaa, 2000, 30000)

	mustPut(t, s, first)
	mustPut(t, s, second)

	if n := countRows(t, s, "events"); n != 1 {
		t.Errorf("events rows = %d, want 1", n)
	}
}

func TestPut_ReplaceableKeysDoNotCrossAuthors(t *testing.T) {
	s := openTestStore(t)

	mustPut(t, s, testEvent(0x01, 0xaa, 1000, 0))
	mustPut(t, s, testEvent(0x02, 0xbb, 2000, 0))

	if n := countRows(t, s, "events"); n != 2 {
		t.Errorf("events rows = %d, want 2", n)
	}
}

func TestPut_GenericTagDerivation(t *testing.T) {
	s := openTestStore(t)

	ev := testEvent(0x01, 0xaa, 1000, 1,
		event.Tag{"t", "nostr"},
		event.Tag{"e", strings.Repeat("bb", 32)},
		event.Tag{"t", "nostr"},          // duplicate collapses
		event.Tag{"client", "reef-test"}, // multi-char name never indexed
		event.Tag{"p"},                   // value-less tag indexes as "p:"
	)
	mustPut(t, s, ev)

	if n := countRows(t, s, "generic_tags"); n != 3 {
		t.Fatalf("generic_tags rows = %d, want 3", n)
	}

	rows, err := s.db.Query(`SELECT tag FROM generic_tags WHERE event_id = ? ORDER BY tag`, ev.ID)
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	defer rows.Close()
	var tags []string
	for rows.Next() {
		var tag string
		if err := rows.Scan(&tag); err != nil {
			t.Fatalf("scan: %v", err)
		}
		tags = append(tags, tag)
	}
	want := []string{"e:" + strings.Repeat("bb", 32), "p:", "t:nostr"}
	if len(tags) != len(want) {
		t.Fatalf("tags = %v, want %v", tags, want)
	}
	for i := range want {
		if tags[i] != want[i] {
			t.Errorf("tags[%d] = %q, want %q", i, tags[i], want[i])
		}
	}
}

func TestPut_ReplacementDeletesLoserTags(t *testing.T) {
	s := openTestStore(t)

	older := testEvent(0x01, 0xaa, 1000, 0, event.Tag{"t", "old"})
	newer := testEvent(0x02, 0xaa, 2000, 0, event.Tag{"t", "new"})

	mustPut(t, s, older)
	mustPut(t, s, newer)

	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM generic_tags WHERE event_id = ?`, older.ID).Scan(&n); err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 0 {
		t.Errorf("loser tag rows = %d, want 0 (cascade delete)", n)
	}
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM generic_tags WHERE event_id = ?`, newer.ID).Scan(&n); err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Errorf("winner tag rows = %d, want 1", n)
	}
}

func TestSweepExpired(t *testing.T) {
	s := openTestStore(t)

	expired := testEvent(0x01, 0xaa, 1000, 1, event.Tag{"expiration", "5000"}, event.Tag{"t", "gone"})
	alive := testEvent(0x02, 0xaa, 1000, 1, event.Tag{"expiration", "9000"})
	forever := testEvent(0x03, 0xaa, 1000, 1)

	mustPut(t, s, expired)
	mustPut(t, s, alive)
	mustPut(t, s, forever)

	n, err := s.SweepExpired(context.Background(), 5000)
	if err != nil {
		t.Fatalf("SweepExpired() failed: %v", err)
	}
	if n != 1 {
		t.Errorf("swept = %d, want 1", n)
	}
	if got := countRows(t, s, "events"); got != 2 {
		t.Errorf("events rows = %d, want 2", got)
	}
	// The swept event's index rows must go with it.
	var tagRows int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM generic_tags WHERE event_id = ?`, expired.ID).Scan(&tagRows); err != nil {
		t.Fatalf("count: %v", err)
	}
	if tagRows != 0 {
		t.Errorf("swept tag rows = %d, want 0", tagRows)
	}
}
