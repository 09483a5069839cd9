package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/roach88/reef/internal/event"
	"github.com/roach88/reef/internal/filter"
)

// Query translates each filter into one indexed lookup and merges the
// results: set union across filters, newest-first ordering with an id-desc
// tiebreak, capped at the subscription's overall limit (the largest
// effective per-filter limit, itself capped by maxLimit).
//
// Expired events are excluded here rather than by the sweep, so exclusion
// takes effect the second expired_at passes.
func (s *Store) Query(ctx context.Context, filters filter.Set, maxLimit int, now int64) ([]*event.Event, error) {
	seen := make(map[string]*event.Event)
	overall := 0

	for i := range filters {
		limit := effectiveLimit(filters[i].Limit, maxLimit)
		if limit > overall {
			overall = limit
		}

		events, err := s.queryOne(ctx, filters[i], limit, now)
		if err != nil {
			return nil, fmt.Errorf("query filter %d: %w", i, err)
		}
		for _, ev := range events {
			seen[ev.ID] = ev
		}
	}

	merged := make([]*event.Event, 0, len(seen))
	for _, ev := range seen {
		merged = append(merged, ev)
	}
	sort.Slice(merged, func(i, j int) bool {
		if merged[i].CreatedAt != merged[j].CreatedAt {
			return merged[i].CreatedAt > merged[j].CreatedAt
		}
		return merged[i].ID > merged[j].ID
	})
	if len(merged) > overall {
		merged = merged[:overall]
	}
	return merged, nil
}

// Count returns the cardinality of the filter set's union without
// materializing rows: one COUNT(*) over the ORed per-filter predicates, so
// events matching several filters are counted once.
func (s *Store) Count(ctx context.Context, filters filter.Set, now int64) (int64, error) {
	if len(filters) == 0 {
		return 0, nil
	}

	clauses := make([]string, 0, len(filters))
	var args []any
	for i := range filters {
		where, filterArgs := compileFilter(filters[i], now)
		clauses = append(clauses, "("+where+")")
		args = append(args, filterArgs...)
	}

	query := "SELECT COUNT(*) FROM events WHERE " + strings.Join(clauses, " OR ")
	var count int64
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return count, nil
}

func effectiveLimit(requested, maxLimit int) int {
	if requested <= 0 || requested > maxLimit {
		return maxLimit
	}
	return requested
}

func (s *Store) queryOne(ctx context.Context, f filter.Filter, limit int, now int64) ([]*event.Event, error) {
	where, args := compileFilter(f, now)

	query := fmt.Sprintf(`
		SELECT id, pubkey, created_at, kind, tags, content, sig
		FROM events
		WHERE %s
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`, where)
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*event.Event
	for rows.Next() {
		var (
			ev       event.Event
			tagsJSON string
		)
		if err := rows.Scan(&ev.ID, &ev.PubKey, &ev.CreatedAt, &ev.Kind, &tagsJSON, &ev.Content, &ev.Sig); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if err := json.Unmarshal([]byte(tagsJSON), &ev.Tags); err != nil {
			return nil, fmt.Errorf("decode tags for %s: %w", ev.ID, err)
		}
		events = append(events, &ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}

// compileFilter translates one filter into a parameterized WHERE clause.
// All values are bound parameters, never interpolated. An empty filter
// compiles to the bare expiration guard and matches all live events.
func compileFilter(f filter.Filter, now int64) (string, []any) {
	var (
		clauses []string
		args    []any
	)

	if f.IDs != nil {
		clause, clauseArgs := compilePrefixes("id", f.IDs)
		clauses = append(clauses, clause)
		args = append(args, clauseArgs...)
	}
	if f.Authors != nil {
		clause, clauseArgs := compilePrefixes("pubkey", f.Authors)
		clauses = append(clauses, clause)
		args = append(args, clauseArgs...)
	}
	if f.Kinds != nil {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(f.Kinds)), ",")
		clauses = append(clauses, fmt.Sprintf("kind IN (%s)", placeholders))
		for _, k := range f.Kinds {
			args = append(args, k)
		}
	}

	// Each #name constraint is an independent membership test against the
	// generic-tag index; values within one name are ORed by the IN list.
	tagNames := make([]string, 0, len(f.Tags))
	for name := range f.Tags {
		tagNames = append(tagNames, name)
	}
	sort.Strings(tagNames) // deterministic SQL for testing
	for _, name := range tagNames {
		values := f.Tags[name]
		if !event.IsGenericTagName(name) || len(values) == 0 {
			// Unindexable constraint matches nothing, same as the live path.
			clauses = append(clauses, "0")
			continue
		}
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(values)), ",")
		clauses = append(clauses,
			fmt.Sprintf("id IN (SELECT event_id FROM generic_tags WHERE tag IN (%s))", placeholders))
		for _, v := range values {
			args = append(args, name+":"+v)
		}
	}

	if f.Since != nil {
		clauses = append(clauses, "created_at >= ?")
		args = append(args, *f.Since)
	}
	if f.Until != nil {
		clauses = append(clauses, "created_at <= ?")
		args = append(args, *f.Until)
	}

	clauses = append(clauses, "(expired_at IS NULL OR expired_at > ?)")
	args = append(args, now)

	return strings.Join(clauses, " AND "), args
}

// compilePrefixes builds the OR-group for a prefix-matchable hex column.
// Full-length values use equality (index point lookup); shorter ones use a
// half-open range scan, which stays on the index unlike LIKE with a bound
// pattern. Non-hex entries match nothing.
func compilePrefixes(column string, prefixes []string) (string, []any) {
	var (
		exact  []any
		ranges []string
		args   []any
	)

	for _, p := range prefixes {
		if !isHexPrefix(p) {
			continue
		}
		if len(p) == 64 {
			exact = append(exact, p)
			continue
		}
		ranges = append(ranges, fmt.Sprintf("(%s >= ? AND %s < ?)", column, column))
		args = append(args, p, prefixUpperBound(p))
	}

	var parts []string
	if len(exact) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(exact)), ",")
		parts = append(parts, fmt.Sprintf("%s IN (%s)", column, placeholders))
		// Exact values bind first within the group.
		args = append(exact, args...)
	}
	parts = append(parts, ranges...)

	if len(parts) == 0 {
		return "0", nil
	}
	return "(" + strings.Join(parts, " OR ") + ")", args
}

// prefixUpperBound returns the smallest hex string greater than every value
// with the given prefix, by incrementing the last digit (carrying as
// needed). An all-f prefix has no upper bound and falls back to the prefix
// plus a high sentinel.
func prefixUpperBound(p string) string {
	b := []byte(p)
	for i := len(b) - 1; i >= 0; i-- {
		switch {
		case b[i] == 'f':
			b[i] = '0'
		case b[i] == '9':
			b[i] = 'a'
			return string(b[:i+1])
		default:
			b[i]++
			return string(b[:i+1])
		}
	}
	return p + "g"
}

func isHexPrefix(p string) bool {
	if p == "" || len(p) > 64 {
		return false
	}
	for i := 0; i < len(p); i++ {
		c := p[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
