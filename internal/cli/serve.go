package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/reef/internal/config"
	"github.com/roach88/reef/internal/relay"
	"github.com/roach88/reef/internal/search"
	"github.com/roach88/reef/internal/store"
	"github.com/roach88/reef/internal/validator"
)

// NewServeCommand creates the serve command: open the store, assemble the
// relay, and serve until interrupted.
func NewServeCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the relay",
		Long:  "Runs the relay: configuration comes from the environment (REEF_* variables) and the optional policy file.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			return runServe(cmd.Context(), cfg)
		},
	}
}

func runServe(parent context.Context, cfg config.Config) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	v := validator.New(buildPolicy(cfg.Policy), validatorOptions(cfg.Policy)...)

	r := relay.New(st, v, searchMirror(cfg), slog.Default(), relay.Options{
		MaxQueryLimit:   cfg.MaxQueryLimit,
		SendQueueSize:   cfg.SendQueueSize,
		MaxMessageBytes: cfg.MaxMessageBytes,
		SweepInterval:   cfg.SweepInterval,
	})

	srv := relay.NewServer(r, cfg.ListenAddr, cfg.TLSCert, cfg.TLSKey)
	slog.Info("relay listening", "addr", cfg.ListenAddr, "db", cfg.DatabasePath, "tls", cfg.TLSCert != "")
	return srv.Run(ctx)
}

func searchMirror(cfg config.Config) search.Mirror {
	if cfg.SearchHost == "" {
		return search.Disabled{}
	}
	slog.Info("search mirror enabled", "host", cfg.SearchHost)
	return search.NewHTTPMirror(cfg.SearchHost, cfg.SearchAPIKey)
}

func buildPolicy(p config.Policy) validator.Policy {
	restricted := make(map[string]struct{}, len(p.RestrictedPubkeys))
	for _, pk := range p.RestrictedPubkeys {
		restricted[pk] = struct{}{}
	}
	return validator.Policy{
		MinPowDifficulty:  p.MinPowDifficulty,
		RestrictedPubkeys: restricted,
		RequireAuth:       p.RequireAuth,
		MaxFutureSkew:     time.Duration(p.MaxFutureSkewSec) * time.Second,
	}
}

func validatorOptions(p config.Policy) []validator.Option {
	var opts []validator.Option
	if p.RateLimit.EventsPerSecond > 0 {
		burst := p.RateLimit.Burst
		if burst <= 0 {
			burst = 1
		}
		opts = append(opts, validator.WithThrottle(
			validator.NewThrottle(p.RateLimit.EventsPerSecond, burst)))
	}
	return opts
}
