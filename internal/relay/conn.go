package relay

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/roach88/reef/internal/event"
	"github.com/roach88/reef/internal/filter"
	"github.com/roach88/reef/internal/protocol"
	"github.com/roach88/reef/internal/validator"
)

// wire is the subset of *websocket.Conn the relay touches, abstracted so
// dispatcher tests can run against an in-memory fake.
type wire interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

// Conn owns one client socket: its subscriptions, its outbound queue, and
// its authentication state. All mutation of the subscription set happens on
// the connection's reader goroutine or under subMu, and the write loop is
// the only goroutine touching the socket for writes.
type Conn struct {
	id         string
	remoteAddr string
	ws         wire
	log        *slog.Logger

	subMu sync.RWMutex
	subs  map[string]filter.Set

	stateMu       sync.Mutex
	authedPubKey  string
	authChallenge string

	outbound chan []byte
	closed   chan struct{}
	close    sync.Once
	teardown func(*Conn)

	pingInterval time.Duration
	writeTimeout time.Duration
	pongTimeout  time.Duration
}

func newConn(id, remoteAddr string, ws wire, log *slog.Logger, opts Options, teardown func(*Conn)) *Conn {
	return &Conn{
		id:           id,
		remoteAddr:   remoteAddr,
		ws:           ws,
		log:          log.With("conn", id, "remote", remoteAddr),
		subs:         make(map[string]filter.Set),
		outbound:     make(chan []byte, opts.SendQueueSize),
		closed:       make(chan struct{}),
		teardown:     teardown,
		pingInterval: opts.PingInterval,
		writeTimeout: opts.WriteTimeout,
		pongTimeout:  opts.PongTimeout,
	}
}

// clientInfo snapshots the per-message context handlers receive.
func (c *Conn) clientInfo() validator.ClientInfo {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return validator.ClientInfo{
		ConnectionID: c.id,
		RemoteAddr:   c.remoteAddr,
		AuthedPubKey: c.authedPubKey,
	}
}

// subscribe installs or atomically replaces the subscription. A broadcast
// pass sees either the old filter set or the new one, never a mix.
func (c *Conn) subscribe(subID string, filters filter.Set) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	c.subs[subID] = filters
}

func (c *Conn) unsubscribe(subID string) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	delete(c.subs, subID)
}

// subscriptions returns a snapshot for diagnostics and tests.
func (c *Conn) subscriptions() []Subscription {
	c.subMu.RLock()
	defer c.subMu.RUnlock()
	out := make([]Subscription, 0, len(c.subs))
	for id, filters := range c.subs {
		out = append(out, Subscription{ID: id, Filters: filters})
	}
	return out
}

// deliver matches one admitted event against this connection's live
// subscriptions and enqueues an EVENT frame per matching subscription.
func (c *Conn) deliver(ev *event.Event) {
	c.subMu.RLock()
	var matched []string
	for subID, filters := range c.subs {
		if filters.Match(ev) {
			matched = append(matched, subID)
		}
	}
	c.subMu.RUnlock()

	for _, subID := range matched {
		frame, err := protocol.EventEnvelope(subID, ev)
		if err != nil {
			c.log.Error("encode outbound event", "id", ev.ID, "err", err)
			return
		}
		c.send(frame)
	}
}

// send enqueues a frame, never blocking the caller. A full queue means the
// consumer is not draining: backpressure policy is to disconnect it rather
// than let the broadcaster stall or the queue grow unbounded.
func (c *Conn) send(frame []byte) bool {
	select {
	case <-c.closed:
		return false
	default:
	}
	select {
	case c.outbound <- frame:
		return true
	default:
		c.log.Warn("outbound queue full, disconnecting slow consumer")
		c.shutdown()
		return false
	}
}

// shutdown tears the connection down exactly once: deregisters it (so no
// future broadcast references its subscriptions), releases the outbound
// queue, and closes the socket.
func (c *Conn) shutdown() {
	c.close.Do(func() {
		close(c.closed)
		if c.teardown != nil {
			c.teardown(c)
		}
		_ = c.ws.Close()
	})
}

// readLoop drives the inbound side: one message at a time, each handled to
// completion before the next, so per-connection ordering is strict.
func (c *Conn) readLoop(ctx context.Context, d *Dispatcher, maxMessageBytes int64) {
	defer c.shutdown()

	c.ws.SetReadLimit(maxMessageBytes)
	_ = c.ws.SetReadDeadline(time.Now().Add(c.pongTimeout))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.pongTimeout))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Debug("read failed", "err", err)
			}
			return
		}
		d.Handle(ctx, c, data)

		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

// writeLoop is the sole writer on the socket: it drains the outbound queue
// and keeps the connection alive with pings. A write failure is terminal
// for this connection only; other subscribers are unaffected.
func (c *Conn) writeLoop() {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()
	defer c.shutdown()

	for {
		select {
		case <-c.closed:
			return
		case frame := <-c.outbound:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.log.Debug("write failed", "err", err)
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
