package event

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Serialize produces the canonical byte form an event id commits to:
//
//	[0,<pubkey>,<created_at>,<kind>,<tags>,<content>]
//
// This is the ONLY serialization that may feed id computation. Two rules
// matter and both differ from a naive json.Marshal of the Event struct:
//
//  1. The shape is a fixed six-element array, not an object, so there is no
//     key-ordering ambiguity at all.
//  2. HTML escaping is disabled: clients hash the literal characters
//     < > &, and escaping them here would produce a different id for the
//     same event.
//
// No unicode normalization is applied - the id must hash the exact bytes
// the client signed.
func Serialize(e *Event) ([]byte, error) {
	tags := e.Tags
	if tags == nil {
		tags = []Tag{}
	}

	arr := []any{0, e.PubKey, e.CreatedAt, e.Kind, tags, e.Content}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(arr); err != nil {
		return nil, fmt.Errorf("serialize event: %w", err)
	}

	// Encode appends a trailing newline that is not part of the canonical form.
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
