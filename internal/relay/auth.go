package relay

import (
	"time"

	"github.com/google/uuid"

	"github.com/roach88/reef/internal/event"
	"github.com/roach88/reef/internal/protocol"
)

// authMaxAge bounds how old or new a challenge event's created_at may be.
const authMaxAge = 10 * time.Minute

// issueAuthChallenge mints a one-time challenge and offers it to the
// client. Sent once on connect; signing it is optional unless policy
// requires auth for publishing.
func (c *Conn) issueAuthChallenge() {
	challenge := uuid.Must(uuid.NewV7()).String()
	c.stateMu.Lock()
	c.authChallenge = challenge
	c.stateMu.Unlock()
	c.send(protocol.AuthChallengeEnvelope(challenge))
}

// handleAuth verifies a signed challenge event and, on success, records the
// connection's authenticated pubkey for the policy gates.
func (d *Dispatcher) handleAuth(c *Conn, msg *protocol.ClientMessage) {
	ev := msg.Event
	if err := verifyAuthEvent(ev, c.currentChallenge(), d.relay.now()); err != nil {
		if rej, ok := protocol.AsRejection(err); ok {
			c.send(protocol.OKEnvelope(ev.ID, false, rej.OKMessage()))
			return
		}
		c.send(protocol.OKEnvelope(ev.ID, false, "invalid: malformed auth event"))
		return
	}

	c.stateMu.Lock()
	c.authedPubKey = ev.PubKey
	c.authChallenge = "" // one-time: replaying the same challenge fails
	c.stateMu.Unlock()

	c.log.Info("connection authenticated", "pubkey", ev.PubKey)
	c.send(protocol.OKEnvelope(ev.ID, true, ""))
}

func (c *Conn) currentChallenge() string {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.authChallenge
}

// verifyAuthEvent checks a challenge event: correct kind, fresh timestamp,
// matching challenge tag, and a valid id and signature like any other event.
func verifyAuthEvent(ev *event.Event, challenge string, now time.Time) error {
	if err := ev.CheckStructure(); err != nil {
		return protocol.Reject(protocol.CategoryInvalid, "%v", err)
	}
	if ev.Kind != event.KindClientAuth {
		return protocol.Reject(protocol.CategoryInvalid, "auth event must be kind %d", event.KindClientAuth)
	}
	if challenge == "" {
		return protocol.Reject(protocol.CategoryInvalid, "no auth challenge outstanding")
	}
	if got, _ := ev.TagValue("challenge"); got != challenge {
		return protocol.Reject(protocol.CategoryInvalid, "challenge does not match")
	}

	age := now.Unix() - ev.CreatedAt
	if age > int64(authMaxAge/time.Second) || age < -int64(authMaxAge/time.Second) {
		return protocol.Reject(protocol.CategoryInvalid, "auth event timestamp out of range")
	}

	if err := event.CheckID(ev); err != nil {
		return protocol.Reject(protocol.CategoryInvalid, "%v", err)
	}
	if err := event.VerifySignature(ev); err != nil {
		return protocol.Reject(protocol.CategoryInvalid, "%v", err)
	}
	return nil
}
