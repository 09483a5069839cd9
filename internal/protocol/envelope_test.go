package protocol

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/require"

	"github.com/roach88/reef/internal/event"
)

// Golden files pin the exact wire bytes. Regenerate with:
//
//	go test ./internal/protocol -update
func newGoldie(t *testing.T) *goldie.Goldie {
	return goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
}

func fixedEvent() *event.Event {
	return &event.Event{
		ID:        strings.Repeat("ab", 32),
		PubKey:    strings.Repeat("cd", 32),
		CreatedAt: 1700000000,
		Kind:      1,
		Tags:      []event.Tag{{"t", "nostr"}, {"client", "reef"}},
		Content:   "<hello> & welcome",
		Sig:       strings.Repeat("ef", 64),
	}
}

func TestEventEnvelope_Golden(t *testing.T) {
	data, err := EventEnvelope("sub1", fixedEvent())
	require.NoError(t, err)
	newGoldie(t).Assert(t, "event", data)
}

func TestOKEnvelope_Golden(t *testing.T) {
	g := newGoldie(t)
	g.Assert(t, "ok_accepted", OKEnvelope(strings.Repeat("ab", 32), true, ""))
	g.Assert(t, "ok_rejected", OKEnvelope(strings.Repeat("ab", 32), false,
		"invalid: signature does not verify against id and pubkey"))
}

func TestSimpleEnvelopes_Golden(t *testing.T) {
	g := newGoldie(t)
	g.Assert(t, "eose", EOSEEnvelope("sub1"))
	g.Assert(t, "notice", NoticeEnvelope("could not parse message"))
	g.Assert(t, "count", CountEnvelope("sub1", 42))
	g.Assert(t, "auth_challenge", AuthChallengeEnvelope("8f14e45f-ceea-4672-95f2-0c9a5a6e7c1d"))
}

func TestEventEnvelope_RoundTrips(t *testing.T) {
	// The wrapped event must decode back identical, or relayed ids would
	// stop verifying downstream.
	data, err := EventEnvelope("live", fixedEvent())
	require.NoError(t, err)

	var decoded []json.RawMessage
	require.NoError(t, json.Unmarshal(data, &decoded))
	require.Len(t, decoded, 3)

	var ev event.Event
	require.NoError(t, json.Unmarshal(decoded[2], &ev))
	require.Equal(t, *fixedEvent(), ev)
}
