package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/jigsync/internal/gateway"
	"github.com/roach88/jigsync/internal/store"
)

// Backends accepted by --backend.
var Backends = []string{"memory", "sqlite", "redis"}

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Bind        string
	Port        int
	Backend     string
	Database    string
	RedisURL    string
	RedisPrefix string
	PublicURL   string
}

func (o *ServeOptions) validate() error {
	if !slices.Contains(Backends, o.Backend) {
		return fmt.Errorf("invalid backend %q: must be one of %v", o.Backend, Backends)
	}
	if o.Port < 1 || o.Port > 65535 {
		return fmt.Errorf("invalid port (must be between 1-65535 inclusive): %d", o.Port)
	}
	if o.Backend == "sqlite" && o.Database == "" {
		return errors.New("--db is required for the sqlite backend")
	}
	if o.Backend == "redis" && o.RedisURL == "" {
		return errors.New("--redis-url is required for the redis backend")
	}
	return nil
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve a session store to remote clients",
		Long: `Serve a session store over HTTP and websockets.

Clients connect to /ws and speak the store protocol. /sessions/:id
returns a session snapshot and /sessions/:id/qr a join QR code.

Backends:
  memory - process memory, lost on exit (default)
  sqlite - durable file, requires --db
  redis  - shared with other servers, requires --redis-url

Examples:
  jigsync serve
  jigsync serve --backend sqlite --db ./jigsync.db
  JIGSYNC_BACKEND=redis JIGSYNC_REDIS_URL=redis://localhost:6379/0 jigsync serve`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, cmd)
		},
	}

	fs := cmd.Flags()
	fs.StringVarP(&opts.Bind, "bind", "b", "0.0.0.0", "address to bind to (env: JIGSYNC_BIND)")
	fs.IntVarP(&opts.Port, "port", "p", 8080, "port to listen on (env: JIGSYNC_PORT)")
	fs.StringVar(&opts.Backend, "backend", "memory", "store backend (memory|sqlite|redis) (env: JIGSYNC_BACKEND)")
	fs.StringVar(&opts.Database, "db", "", "path to SQLite store (env: JIGSYNC_DB)")
	fs.StringVar(&opts.RedisURL, "redis-url", "", "redis URL, e.g. redis://localhost:6379/0 (env: JIGSYNC_REDIS_URL)")
	fs.StringVar(&opts.RedisPrefix, "redis-prefix", "jigsync", "redis key prefix (env: JIGSYNC_REDIS_PREFIX)")
	fs.StringVar(&opts.PublicURL, "public-url", "", "base URL encoded in join QR codes (env: JIGSYNC_PUBLIC_URL)")

	return cmd
}

func runServe(opts *ServeOptions, cmd *cobra.Command) error {
	if err := opts.validate(); err != nil {
		return NewExitError(ExitCommandError, err.Error())
	}

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, stop := signal.NotifyContext(parentCtx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("opening store", "backend", opts.Backend)
	st, err := openStore(ctx, opts)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open store", err)
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			slog.Error("error closing store", "error", closeErr)
		}
	}()

	ln, err := net.Listen("tcp", net.JoinHostPort(opts.Bind, strconv.Itoa(opts.Port)))
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to listen", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Serving %s store on http://%s\n", opts.Backend, ln.Addr())
	fmt.Fprintln(cmd.OutOrStdout(), "Press Ctrl-C to stop.")

	if err := Serve(ctx, ln, st, opts.PublicURL); err != nil {
		return WrapExitError(ExitFailure, "server error", err)
	}
	slog.Info("server stopped gracefully")
	return nil
}

// openStore opens the backend named by opts.
func openStore(ctx context.Context, opts *ServeOptions) (store.Store, error) {
	switch opts.Backend {
	case "sqlite":
		st, err := store.OpenSQLite(opts.Database)
		if err != nil {
			return nil, err
		}
		return st, nil
	case "redis":
		st, err := store.OpenRedis(ctx, opts.RedisURL, opts.RedisPrefix)
		if err != nil {
			return nil, err
		}
		return st, nil
	case "memory":
		return store.NewMemory(), nil
	}
	return nil, fmt.Errorf("unknown backend %q", opts.Backend)
}

// Serve runs the gateway for st on ln until ctx is done. It does not
// close st.
func Serve(ctx context.Context, ln net.Listener, st store.Store, publicURL string) error {
	gw := gateway.NewServer(st,
		gateway.WithServerLogger(slog.Default()),
		gateway.WithPublicURL(publicURL),
	)
	// Websocket connections outlive request deadlines; the gateway pings.
	srv := &http.Server{
		Handler:           gw,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       10 * time.Minute,
	}

	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()

	select {
	case err := <-errc:
		_ = gw.Close()
		return err
	case <-ctx.Done():
	}

	slog.Info("shutting down", "addr", ln.Addr().String())
	_ = gw.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
