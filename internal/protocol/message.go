// Package protocol implements the JSON array envelopes exchanged with
// clients and the closed rejection taxonomy surfaced through OK messages.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"

	"github.com/roach88/reef/internal/event"
	"github.com/roach88/reef/internal/filter"
)

// Client→relay envelope labels.
const (
	LabelEvent = "EVENT"
	LabelReq   = "REQ"
	LabelClose = "CLOSE"
	LabelCount = "COUNT"
	LabelAuth  = "AUTH"
)

// maxSubscriptionIDLen bounds subscription ids per the protocol; anything
// longer is a malformed frame, not a policy matter.
const maxSubscriptionIDLen = 64

// ClientMessage is one decoded inbound frame. Exactly one of the pointer
// fields is set, selected by Label.
type ClientMessage struct {
	Label string

	Event          *event.Event // EVENT, AUTH
	SubscriptionID string       // REQ, CLOSE, COUNT
	Filters        filter.Set   // REQ, COUNT
}

// ProtocolError marks a malformed frame or unknown envelope label. The
// dispatcher answers it with a NOTICE and keeps the connection open.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string {
	return "protocol error: " + e.Reason
}

func protoErrf(format string, args ...any) *ProtocolError {
	return &ProtocolError{Reason: fmt.Sprintf(format, args...)}
}

// ParseClientMessage decodes one inbound frame.
//
// The envelope label is sniffed with gjson before committing to a full
// decode, so garbage frames are rejected without allocating intermediate
// structures for every element.
func ParseClientMessage(data []byte) (*ClientMessage, error) {
	if !gjson.ValidBytes(data) {
		return nil, protoErrf("invalid JSON")
	}
	parsed := gjson.ParseBytes(data)
	if !parsed.IsArray() {
		return nil, protoErrf("frame must be a JSON array")
	}
	label := parsed.Get("0")
	if label.Type != gjson.String {
		return nil, protoErrf("first element must be a string label")
	}

	var elems []json.RawMessage
	if err := json.Unmarshal(data, &elems); err != nil {
		return nil, protoErrf("decode frame: %v", err)
	}

	switch label.String() {
	case LabelEvent, LabelAuth:
		return parseEventMessage(label.String(), elems)
	case LabelReq, LabelCount:
		return parseSubscribeMessage(label.String(), elems)
	case LabelClose:
		return parseCloseMessage(elems)
	default:
		return nil, protoErrf("unknown message type %q", label.String())
	}
}

func parseEventMessage(label string, elems []json.RawMessage) (*ClientMessage, error) {
	if len(elems) != 2 {
		return nil, protoErrf("%s frame must have exactly 2 elements, got %d", label, len(elems))
	}
	var ev event.Event
	if err := json.Unmarshal(elems[1], &ev); err != nil {
		return nil, protoErrf("%s payload: %v", label, err)
	}
	return &ClientMessage{Label: label, Event: &ev}, nil
}

func parseSubscribeMessage(label string, elems []json.RawMessage) (*ClientMessage, error) {
	if len(elems) < 3 {
		return nil, protoErrf("%s frame needs a subscription id and at least one filter", label)
	}
	subID, err := parseSubscriptionID(elems[1])
	if err != nil {
		return nil, err
	}
	filters := make(filter.Set, 0, len(elems)-2)
	for i, raw := range elems[2:] {
		var f filter.Filter
		if err := json.Unmarshal(raw, &f); err != nil {
			return nil, protoErrf("%s filter %d: %v", label, i, err)
		}
		filters = append(filters, f)
	}
	return &ClientMessage{Label: label, SubscriptionID: subID, Filters: filters}, nil
}

func parseCloseMessage(elems []json.RawMessage) (*ClientMessage, error) {
	if len(elems) != 2 {
		return nil, protoErrf("CLOSE frame must have exactly 2 elements, got %d", len(elems))
	}
	subID, err := parseSubscriptionID(elems[1])
	if err != nil {
		return nil, err
	}
	return &ClientMessage{Label: LabelClose, SubscriptionID: subID}, nil
}

func parseSubscriptionID(raw json.RawMessage) (string, error) {
	var subID string
	if err := json.Unmarshal(raw, &subID); err != nil {
		return "", protoErrf("subscription id must be a string: %v", err)
	}
	if subID == "" {
		return "", protoErrf("subscription id must not be empty")
	}
	if len(subID) > maxSubscriptionIDLen {
		return "", protoErrf("subscription id exceeds %d characters", maxSubscriptionIDLen)
	}
	return subID, nil
}
