// Package relay wires the event store, validator, and subscription registry
// behind the websocket protocol: per-connection read/write loops, the
// admission pipeline, and live broadcast.
package relay

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/reef/internal/event"
	"github.com/roach88/reef/internal/protocol"
	"github.com/roach88/reef/internal/search"
	"github.com/roach88/reef/internal/store"
	"github.com/roach88/reef/internal/validator"
)

// Options tune the relay's resource bounds. Zero values fall back to the
// defaults below.
type Options struct {
	// MaxQueryLimit caps every filter's historical replay size.
	MaxQueryLimit int

	// SendQueueSize bounds each connection's outbound queue. A consumer
	// that cannot drain it is disconnected, never silently blocked on.
	SendQueueSize int

	// MaxMessageBytes bounds inbound frames.
	MaxMessageBytes int64

	// StoreRetries is the number of attempts for a transient storage
	// failure before the publish fails with category "error".
	StoreRetries int

	// SweepInterval is the cadence of the expired-event sweep.
	SweepInterval time.Duration

	PingInterval time.Duration
	WriteTimeout time.Duration
	PongTimeout  time.Duration
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.MaxQueryLimit <= 0 {
		out.MaxQueryLimit = 500
	}
	if out.SendQueueSize <= 0 {
		out.SendQueueSize = 512
	}
	if out.MaxMessageBytes <= 0 {
		out.MaxMessageBytes = 512 * 1024
	}
	if out.StoreRetries <= 0 {
		out.StoreRetries = 3
	}
	if out.SweepInterval <= 0 {
		out.SweepInterval = 5 * time.Minute
	}
	if out.PingInterval <= 0 {
		out.PingInterval = 30 * time.Second
	}
	if out.WriteTimeout <= 0 {
		out.WriteTimeout = 10 * time.Second
	}
	if out.PongTimeout <= 0 {
		out.PongTimeout = 70 * time.Second
	}
	return out
}

// Relay is the process-wide composition root: the store, validator,
// registry, and mirror assembled once at startup and passed by reference
// into every dispatcher.
type Relay struct {
	store     *store.Store
	validator *validator.Validator
	registry  *Registry
	mirror    search.Mirror
	log       *slog.Logger
	opts      Options

	// admitMu is the single-writer serialization point for admission:
	// the registry observes events in the exact order the store commits
	// them, so live broadcast order always agrees with a later replay.
	admitMu sync.Mutex

	now func() time.Time
}

// New assembles a Relay. A nil mirror disables search mirroring; a nil
// logger discards nothing but goes to slog's default.
func New(st *store.Store, v *validator.Validator, mirror search.Mirror, log *slog.Logger, opts Options) *Relay {
	if mirror == nil {
		mirror = search.Disabled{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Relay{
		store:     st,
		validator: v,
		registry:  NewRegistry(),
		mirror:    mirror,
		log:       log,
		opts:      opts.withDefaults(),
		now:       time.Now,
	}
}

// Admit runs validate → persist → broadcast for one inbound event.
// A nil return means the event was accepted (stored, or deliberately not
// stored for ephemeral kinds and replaceable losers); any error is either
// a *protocol.Rejection or a context error.
func (r *Relay) Admit(ctx context.Context, ev *event.Event, client validator.ClientInfo) error {
	// Validation is pure and CPU-heavy; it runs outside the admission lock
	// so one slow signature check never serializes other publishers.
	if err := r.validator.Validate(ctx, ev, client); err != nil {
		return err
	}

	r.admitMu.Lock()
	defer r.admitMu.Unlock()

	if !ev.IsEphemeral() {
		result, err := r.putWithRetry(ctx, ev)
		if err != nil {
			r.log.Error("store put failed", "id", ev.ID, "err", err)
			return protocol.Reject(protocol.CategoryError, "could not store event")
		}
		// Only a freshly stored event reaches subscribers: a duplicate was
		// already delivered on its first publish, and a superseded event
		// would put the live stream ahead of what any replay returns.
		if result != store.PutStored {
			return nil
		}
		r.mirrorStored(ev)
	}

	// Broadcast goes straight to the registry, never back through the
	// query engine, so delivery cannot race the store read path.
	r.registry.Broadcast(ev)
	return nil
}

// putWithRetry absorbs transient storage failures with a short retry loop.
func (r *Relay) putWithRetry(ctx context.Context, ev *event.Event) (store.PutResult, error) {
	var err error
	for attempt := 0; attempt < r.opts.StoreRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return 0, ctx.Err()
			case <-time.After(time.Duration(attempt) * 50 * time.Millisecond):
			}
		}
		var result store.PutResult
		if result, err = r.store.Put(ctx, ev); err == nil {
			return result, nil
		}
	}
	return 0, err
}

// mirrorStored forwards the event to the search mirror. Best effort: the
// mirror is a feature-flagged sidecar and its failures never fail a publish.
func (r *Relay) mirrorStored(ev *event.Event) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.mirror.Index(ctx, ev); err != nil {
			r.log.Warn("search mirror index failed", "id", ev.ID, "err", err)
		}
	}()
}

// RunSweeper deletes expired events on the configured cadence until ctx is
// cancelled.
func (r *Relay) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(r.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := r.store.SweepExpired(ctx, r.now().Unix())
			if err != nil {
				r.log.Error("expiration sweep failed", "err", err)
				continue
			}
			if n > 0 {
				r.log.Info("expired events swept", "count", n)
			}
		}
	}
}
