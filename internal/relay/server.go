package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"
)

// Server accepts websocket connections and hands each one to the relay:
// one reader goroutine and one writer goroutine per connection, torn down
// together.
type Server struct {
	relay      *Relay
	dispatcher *Dispatcher
	upgrader   websocket.Upgrader
	httpServer *http.Server

	tlsCert string
	tlsKey  string
}

// NewServer creates a Server listening on addr. Non-empty tlsCert/tlsKey
// paths enable TLS.
func NewServer(r *Relay, addr, tlsCert, tlsKey string) *Server {
	s := &Server{
		relay:      r,
		dispatcher: NewDispatcher(r),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Relays are public endpoints; browser clients connect from
			// any origin.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		tlsCert: tlsCert,
		tlsKey:  tlsKey,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleUpgrade)
	mux.HandleFunc("/.well-known/nostr.json", s.handleIdentity)
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Run serves until ctx is cancelled, then drains with a graceful shutdown.
// The expiration sweeper runs alongside the accept loop.
func (s *Server) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.relay.RunSweeper(ctx)
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		var err error
		if s.tlsCert != "" && s.tlsKey != "" {
			err = s.httpServer.ListenAndServeTLS(s.tlsCert, s.tlsKey)
		} else {
			err = s.httpServer.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})

	return g.Wait()
}

// handleUpgrade accepts one websocket connection and runs it to teardown.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.relay.log.Debug("websocket upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}

	s.ServeConn(r.Context(), ws, remoteHost(r.RemoteAddr))
}

// ServeConn runs the connection lifecycle on an established socket:
// register, issue the AUTH challenge, pump messages, and guarantee registry
// cleanup on the way out. Blocks until the connection is done.
func (s *Server) ServeConn(ctx context.Context, ws wire, remoteAddr string) {
	c := newConn(
		uuid.Must(uuid.NewV7()).String(),
		remoteAddr,
		ws,
		s.relay.log,
		s.relay.opts,
		s.relay.registry.Remove,
	)
	s.relay.registry.Add(c)

	c.log.Info("connection opened")
	c.issueAuthChallenge()

	go c.writeLoop()
	c.readLoop(ctx, s.dispatcher, s.relay.opts.MaxMessageBytes)

	c.log.Info("connection closed")
}

// handleIdentity serves NIP-05 name resolution from the identity directory:
// GET /.well-known/nostr.json?name=<name> returns the name-to-pubkey map.
func (s *Server) handleIdentity(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	if name == "" {
		http.Error(w, `missing "name" parameter`, http.StatusBadRequest)
		return
	}

	pubkey, err := s.relay.store.LookupIdentity(r.Context(), name)
	if err != nil {
		http.Error(w, "name not registered", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"names": map[string]string{name: pubkey},
	})
}

// remoteHost strips the port from a remote address; behind a proxy the
// address is the proxy's, which is still the right throttle key for us.
func remoteHost(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
