package cli

import (
	"context"
	"io"
	"net"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/jigsync/internal/gateway"
	"github.com/roach88/jigsync/internal/store"
)

func TestServeOptionsValidate(t *testing.T) {
	tests := []struct {
		name    string
		opts    ServeOptions
		wantErr string
	}{
		{"memory", ServeOptions{Backend: "memory", Port: 8080}, ""},
		{"sqlite", ServeOptions{Backend: "sqlite", Port: 8080, Database: "x.db"}, ""},
		{"redis", ServeOptions{Backend: "redis", Port: 8080, RedisURL: "redis://localhost:6379"}, ""},
		{"unknown backend", ServeOptions{Backend: "etcd", Port: 8080}, "invalid backend"},
		{"port too low", ServeOptions{Backend: "memory", Port: 0}, "invalid port"},
		{"port too high", ServeOptions{Backend: "memory", Port: 70000}, "invalid port"},
		{"sqlite without db", ServeOptions{Backend: "sqlite", Port: 8080}, "--db is required"},
		{"redis without url", ServeOptions{Backend: "redis", Port: 8080}, "--redis-url is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.opts.validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestServeCommandRejectsBadFlags(t *testing.T) {
	_, err := execute(t, "serve", "--backend", "etcd")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	t.Setenv("JIGSYNC_BACKEND", "sqlite")
	_, err = execute(t, "serve")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "--db is required")
}

func TestOpenStore(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)

	tests := []struct {
		name string
		opts ServeOptions
	}{
		{"memory", ServeOptions{Backend: "memory"}},
		{"sqlite", ServeOptions{Backend: "sqlite", Database: filepath.Join(t.TempDir(), "store.db")}},
		{"redis", ServeOptions{Backend: "redis", RedisURL: "redis://" + mr.Addr(), RedisPrefix: "test"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st, err := openStore(ctx, &tt.opts)
			require.NoError(t, err)
			defer st.Close()

			require.NoError(t, st.Create(ctx, "s-1", store.Fields{"status": "waiting"}))
			snap, err := st.Read(ctx, "s-1")
			require.NoError(t, err)
			assert.Equal(t, "waiting", snap.Root["status"])
		})
	}

	_, err := openStore(ctx, &ServeOptions{Backend: "redis", RedisURL: "not a url"})
	assert.Error(t, err)
}

func TestServe(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	base := "http://" + ln.Addr().String()

	backend := store.NewMemory()
	defer backend.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Serve(ctx, ln, backend, "https://puzzle.example") }()

	resp, err := http.Get(base + "/healthz")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok\n", string(body))

	remote, err := gateway.DialRemote(ctx, gateway.WebsocketURL(base))
	require.NoError(t, err)
	defer remote.Close()
	require.NoError(t, remote.Create(ctx, "s-1", store.Fields{"status": "waiting"}))

	resp, err = http.Get(base + "/sessions/s-1")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}

	_, err = http.Get(base + "/healthz")
	assert.Error(t, err)
}
