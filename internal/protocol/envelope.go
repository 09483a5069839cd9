package protocol

import (
	"bytes"
	"encoding/json"

	"github.com/roach88/reef/internal/event"
)

// Relay→client envelope constructors. Each returns the exact frame bytes to
// write on the socket. Marshal errors are impossible for the envelope
// shapes below except EVENT, which carries caller-supplied content, so only
// EventEnvelope returns an error.

// EventEnvelope encodes ["EVENT", <subId>, <event>].
//
// HTML escaping is disabled to keep relayed content byte-compatible with
// what was hashed: a client re-verifying an id on an escaped payload would
// see a mismatch.
func EventEnvelope(subID string, ev *event.Event) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode([]any{"EVENT", subID, ev}); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// OKEnvelope encodes ["OK", <eventId>, <accepted>, <message>].
func OKEnvelope(eventID string, accepted bool, message string) []byte {
	return mustEnvelope([]any{"OK", eventID, accepted, message})
}

// EOSEEnvelope encodes ["EOSE", <subId>].
func EOSEEnvelope(subID string) []byte {
	return mustEnvelope([]any{"EOSE", subID})
}

// NoticeEnvelope encodes ["NOTICE", <message>].
func NoticeEnvelope(message string) []byte {
	return mustEnvelope([]any{"NOTICE", message})
}

// CountEnvelope encodes ["COUNT", <subId>, {"count": <n>}].
func CountEnvelope(subID string, count int64) []byte {
	return mustEnvelope([]any{"COUNT", subID, map[string]int64{"count": count}})
}

// AuthChallengeEnvelope encodes ["AUTH", <challenge>].
func AuthChallengeEnvelope(challenge string) []byte {
	return mustEnvelope([]any{"AUTH", challenge})
}

func mustEnvelope(arr []any) []byte {
	data, err := json.Marshal(arr)
	if err != nil {
		// Only reachable through a programming error in an envelope
		// constructor above; fail loudly rather than drop frames.
		panic("protocol: marshal envelope: " + err.Error())
	}
	return data
}
