// Package filter implements the declarative query form shared by historical
// replay and live subscription matching.
//
// A filter's present fields are ANDed; values within one field are ORed.
// Several filters in one subscription are ORed by the caller (see Set).
package filter

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/roach88/reef/internal/event"
)

// Filter is one declarative constraint set over events.
//
// IDs and Authors entries are hex prefixes: a stored value matches when it
// begins with the entry (a full 64-char entry degenerates to equality).
// Tags maps single-letter tag names (without the "#" of the wire form) to
// accepted values. Since/Until bound created_at inclusively; nil means
// unbounded. Limit caps historical replay only - it never applies to the
// live stream.
type Filter struct {
	IDs     []string
	Authors []string
	Kinds   []int
	Tags    map[string][]string
	Since   *int64
	Until   *int64
	Limit   int
}

// Set is the filter list of one subscription, matched as a disjunction.
type Set []Filter

// UnmarshalJSON decodes the wire object form, routing "#x" keys into Tags.
// Unknown keys are ignored so clients using newer filter extensions still
// get their supported constraints honored.
func (f *Filter) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("filter: %w", err)
	}

	*f = Filter{}
	for key, val := range raw {
		var err error
		switch key {
		case "ids":
			err = json.Unmarshal(val, &f.IDs)
		case "authors":
			err = json.Unmarshal(val, &f.Authors)
		case "kinds":
			err = json.Unmarshal(val, &f.Kinds)
		case "since":
			f.Since, err = unmarshalTimestamp(val)
		case "until":
			f.Until, err = unmarshalTimestamp(val)
		case "limit":
			err = json.Unmarshal(val, &f.Limit)
		default:
			if name, ok := strings.CutPrefix(key, "#"); ok {
				var values []string
				if err = json.Unmarshal(val, &values); err == nil {
					if f.Tags == nil {
						f.Tags = make(map[string][]string)
					}
					f.Tags[name] = values
				}
			}
		}
		if err != nil {
			return fmt.Errorf("filter field %q: %w", key, err)
		}
	}
	return nil
}

func unmarshalTimestamp(data []byte) (*int64, error) {
	var ts int64
	if err := json.Unmarshal(data, &ts); err != nil {
		return nil, err
	}
	return &ts, nil
}

// MarshalJSON re-encodes the wire object form. Used for logging and the
// search-mirror forwarder, not for identity, so field order follows the
// encoder's defaults.
func (f Filter) MarshalJSON() ([]byte, error) {
	out := make(map[string]any)
	if f.IDs != nil {
		out["ids"] = f.IDs
	}
	if f.Authors != nil {
		out["authors"] = f.Authors
	}
	if f.Kinds != nil {
		out["kinds"] = f.Kinds
	}
	for name, values := range f.Tags {
		out["#"+name] = values
	}
	if f.Since != nil {
		out["since"] = *f.Since
	}
	if f.Until != nil {
		out["until"] = *f.Until
	}
	if f.Limit > 0 {
		out["limit"] = f.Limit
	}
	return json.Marshal(out)
}

// Match reports whether the event satisfies every present constraint.
// This is the live-broadcast path: it must agree exactly with what the
// store's SQL translation of the same filter would return, or a subscriber
// would see a different stream than a later replay.
func (f Filter) Match(e *event.Event) bool {
	if f.IDs != nil && !matchPrefix(f.IDs, e.ID) {
		return false
	}
	if f.Authors != nil && !matchPrefix(f.Authors, e.PubKey) {
		return false
	}
	if f.Kinds != nil && !containsInt(f.Kinds, e.Kind) {
		return false
	}
	if f.Since != nil && e.CreatedAt < *f.Since {
		return false
	}
	if f.Until != nil && e.CreatedAt > *f.Until {
		return false
	}
	for name, values := range f.Tags {
		// Multi-character names mirror the index rule: they never match,
		// even if the event carries such a tag.
		if !event.IsGenericTagName(name) {
			return false
		}
		if !matchTag(e, name, values) {
			return false
		}
	}
	return true
}

// Match reports whether any filter in the set accepts the event.
// An empty set matches nothing.
func (s Set) Match(e *event.Event) bool {
	for i := range s {
		if s[i].Match(e) {
			return true
		}
	}
	return false
}

func matchPrefix(prefixes []string, value string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(value, p) {
			return true
		}
	}
	return false
}

func containsInt(haystack []int, needle int) bool {
	for _, v := range haystack {
		if v == needle {
			return true
		}
	}
	return false
}

func matchTag(e *event.Event, name string, values []string) bool {
	for _, t := range e.Tags {
		if t.Name() != name {
			continue
		}
		for _, want := range values {
			if t.Value() == want {
				return true
			}
		}
	}
	return false
}
