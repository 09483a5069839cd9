package event

import (
	"fmt"
	"strconv"
)

// Kind ranges defined by the protocol. Events outside the special ranges
// are regular: stored unconditionally and never overwritten.
const (
	KindProfileMetadata = 0
	KindTextNote        = 1
	KindContactList     = 3
	KindClientAuth      = 22242

	replaceableLow  = 10000
	replaceableHigh = 20000
	ephemeralLow    = 20000
	ephemeralHigh   = 30000
	paramLow        = 30000
	paramHigh       = 40000
)

// Tag is one tag-array of an event: a non-empty ordered sequence of strings.
// The first element is the tag name, the second (if present) its value.
type Tag []string

// Name returns the tag's name, the first element.
func (t Tag) Name() string {
	if len(t) == 0 {
		return ""
	}
	return t[0]
}

// Value returns the tag's value, the second element, or "" if absent.
func (t Tag) Value() string {
	if len(t) < 2 {
		return ""
	}
	return t[1]
}

// Event is an immutable, signed, content-addressed record.
//
// ID is the lowercase hex SHA-256 of the canonical serialization (see
// Serialize), Sig a 64-byte Schnorr signature over ID by PubKey. Events are
// value types; nothing mutates them after admission.
type Event struct {
	ID        string `json:"id"`
	PubKey    string `json:"pubkey"`
	CreatedAt int64  `json:"created_at"`
	Kind      int    `json:"kind"`
	Tags      []Tag  `json:"tags"`
	Content   string `json:"content"`
	Sig       string `json:"sig"`
}

// IsReplaceable reports whether only the newest event per (pubkey, kind)
// survives in storage.
func (e *Event) IsReplaceable() bool {
	return e.Kind == KindProfileMetadata || e.Kind == KindContactList ||
		(e.Kind >= replaceableLow && e.Kind < replaceableHigh)
}

// IsParamReplaceable reports whether only the newest event per
// (pubkey, kind, d-tag value) survives in storage.
func (e *Event) IsParamReplaceable() bool {
	return e.Kind >= paramLow && e.Kind < paramHigh
}

// IsEphemeral reports whether the event is broadcast to live subscribers
// but never persisted.
func (e *Event) IsEphemeral() bool {
	return e.Kind >= ephemeralLow && e.Kind < ephemeralHigh
}

// TagValue returns the value of the first tag with the given name,
// and whether such a tag exists.
func (e *Event) TagValue(name string) (string, bool) {
	for _, t := range e.Tags {
		if t.Name() == name {
			return t.Value(), true
		}
	}
	return "", false
}

// DTagValue returns the replacement key component for parameterized
// replaceable events: the value of the first "d" tag, or "" when the event
// has none. Returns nil for every other kind - the column is NULL in storage
// so regular events never collide on the replacement key.
func (e *Event) DTagValue() *string {
	if !e.IsParamReplaceable() {
		return nil
	}
	v, _ := e.TagValue("d")
	return &v
}

// ExpiredAt returns the unix timestamp from the event's "expiration" tag,
// or nil when absent or unparseable. An unparseable expiration tag is
// treated as no expiration rather than a rejection.
func (e *Event) ExpiredAt() *int64 {
	v, ok := e.TagValue("expiration")
	if !ok {
		return nil
	}
	ts, err := strconv.ParseInt(v, 10, 64)
	if err != nil || ts < 0 {
		return nil
	}
	return &ts
}

// CheckStructure validates field shape without touching cryptography:
// hex lengths, non-negative kind and timestamp, and tag-array shape.
// Returns a descriptive error naming the offending field.
func (e *Event) CheckStructure() error {
	if !isHex(e.ID, 64) {
		return fmt.Errorf("id: must be 64 lowercase hex characters")
	}
	if !isHex(e.PubKey, 64) {
		return fmt.Errorf("pubkey: must be 64 lowercase hex characters")
	}
	if !isHex(e.Sig, 128) {
		return fmt.Errorf("sig: must be 128 lowercase hex characters")
	}
	if e.Kind < 0 {
		return fmt.Errorf("kind: must be non-negative, got %d", e.Kind)
	}
	if e.CreatedAt < 0 {
		return fmt.Errorf("created_at: must be non-negative, got %d", e.CreatedAt)
	}
	for i, t := range e.Tags {
		if len(t) == 0 {
			return fmt.Errorf("tags[%d]: tag-array must not be empty", i)
		}
	}
	return nil
}

// isHex reports whether s is exactly n lowercase hex characters.
// Uppercase is rejected: ids and keys are canonical in lowercase and a
// mixed-case id would never match its own hash.
func isHex(s string, n int) bool {
	if len(s) != n {
		return false
	}
	for i := 0; i < n; i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// IsGenericTagName reports whether name qualifies for the generic-tag index:
// a single lowercase letter or digit. Multi-character tag names ("client",
// "expiration", ...) are never indexed and never match #-filters.
func IsGenericTagName(name string) bool {
	if len(name) != 1 {
		return false
	}
	c := name[0]
	return (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9')
}
