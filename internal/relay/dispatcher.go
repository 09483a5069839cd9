package relay

import (
	"context"
	"errors"

	"github.com/roach88/reef/internal/protocol"
)

// Dispatcher decodes inbound frames, drives the per-message protocol state
// machine, and routes to the validator, store, and registry. It is
// stateless; all per-connection state lives on the Conn.
//
// Nothing may escape Handle: every failure resolves to an OK, NOTICE, or
// teardown, and malformed input never drops the connection.
type Dispatcher struct {
	relay *Relay
}

// NewDispatcher creates a Dispatcher bound to the relay's components.
func NewDispatcher(r *Relay) *Dispatcher {
	return &Dispatcher{relay: r}
}

// Handle processes one inbound frame to completion.
func (d *Dispatcher) Handle(ctx context.Context, c *Conn, data []byte) {
	msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		var pe *protocol.ProtocolError
		if errors.As(err, &pe) {
			c.send(protocol.NoticeEnvelope(pe.Reason))
		} else {
			c.send(protocol.NoticeEnvelope("could not parse message"))
		}
		return
	}

	switch msg.Label {
	case protocol.LabelEvent:
		d.handleEvent(ctx, c, msg)
	case protocol.LabelReq:
		d.handleReq(ctx, c, msg)
	case protocol.LabelClose:
		c.unsubscribe(msg.SubscriptionID)
	case protocol.LabelCount:
		d.handleCount(ctx, c, msg)
	case protocol.LabelAuth:
		d.handleAuth(c, msg)
	}
}

// handleEvent runs admission and acknowledges with OK either way.
func (d *Dispatcher) handleEvent(ctx context.Context, c *Conn, msg *protocol.ClientMessage) {
	ev := msg.Event
	err := d.relay.Admit(ctx, ev, c.clientInfo())
	if err == nil {
		c.send(protocol.OKEnvelope(ev.ID, true, ""))
		return
	}
	if rej, ok := protocol.AsRejection(err); ok {
		c.send(protocol.OKEnvelope(ev.ID, false, rej.OKMessage()))
		return
	}
	// Context cancellation during shutdown: the socket is going away, an
	// unacknowledged publish is acceptable.
	c.log.Debug("admission aborted", "id", ev.ID, "err", err)
}

// handleReq registers the subscription, replays matching history, and marks
// the boundary with EOSE. The subscription goes live before the replay so
// no event admitted during the query is missed; an event may be delivered
// twice across the boundary, which clients de-duplicate by id.
func (d *Dispatcher) handleReq(ctx context.Context, c *Conn, msg *protocol.ClientMessage) {
	c.subscribe(msg.SubscriptionID, msg.Filters)

	events, err := d.relay.store.Query(ctx, msg.Filters, d.relay.opts.MaxQueryLimit, d.relay.now().Unix())
	if err != nil {
		c.log.Error("historical query failed", "sub", msg.SubscriptionID, "err", err)
		c.send(protocol.NoticeEnvelope("query failed, subscription is live without history"))
		c.send(protocol.EOSEEnvelope(msg.SubscriptionID))
		return
	}

	for _, ev := range events {
		// The registry may have replaced or closed the subscription while
		// the query ran; replay output for it is simply discarded.
		if !c.hasSubscription(msg.SubscriptionID) {
			return
		}
		frame, err := protocol.EventEnvelope(msg.SubscriptionID, ev)
		if err != nil {
			c.log.Error("encode replay event", "id", ev.ID, "err", err)
			continue
		}
		if !c.send(frame) {
			return
		}
	}
	c.send(protocol.EOSEEnvelope(msg.SubscriptionID))
}

func (d *Dispatcher) handleCount(ctx context.Context, c *Conn, msg *protocol.ClientMessage) {
	count, err := d.relay.store.Count(ctx, msg.Filters, d.relay.now().Unix())
	if err != nil {
		c.log.Error("count query failed", "sub", msg.SubscriptionID, "err", err)
		c.send(protocol.NoticeEnvelope("count failed"))
		return
	}
	c.send(protocol.CountEnvelope(msg.SubscriptionID, count))
}

func (c *Conn) hasSubscription(subID string) bool {
	c.subMu.RLock()
	defer c.subMu.RUnlock()
	_, ok := c.subs[subID]
	return ok
}
