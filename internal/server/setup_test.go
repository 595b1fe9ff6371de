package server_test

import (
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/sharechat/internal/server"
)

// fixedNow is the clock used by test servers so chat lines are predictable.
var fixedNow = time.Date(2024, 3, 9, 12, 34, 56, 0, time.UTC)

const fixedStamp = "[12:34:56]"

type testServer struct {
	*server.Server
	addr string
	logs *logtest.Hook
}

// startServer serves a fresh server on a loopback port. mutate may adjust the
// configuration before the server is created.
func startServer(t *testing.T, mutate func(cfg *server.Config)) *testServer {
	t.Helper()
	return startServerOn(t, mutate, nil)
}

// startServerOn is startServer with the listener passed through wrap first.
func startServerOn(t *testing.T, mutate func(cfg *server.Config), wrap func(net.Listener) net.Listener) *testServer {
	t.Helper()

	cfg := server.NewConfig()
	cfg.Host = "127.0.0.1"
	cfg.Port = 0
	cfg.HTTPAddr = ""
	cfg.StorageDir = t.TempDir()
	if mutate != nil {
		mutate(cfg)
	}

	logger, hook := logtest.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)

	srv, err := server.New(*cfg,
		server.WithLogger(logger),
		server.WithClock(func() time.Time { return fixedNow }),
	)
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	if wrap != nil {
		ln = wrap(ln)
	}

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- srv.Serve(ctx, ln) }()

	t.Cleanup(func() {
		cancel()
		require.NoError(t, srv.Shutdown(5*time.Second))
		select {
		case err := <-served:
			require.ErrorIs(t, err, server.ErrServerClosed)
		case <-time.After(5 * time.Second):
			t.Error("Serve did not return after shutdown")
		}
	})

	return &testServer{Server: srv, addr: addr, logs: hook}
}

// waitFor polls cond until it holds or the timeout expires.
func waitFor(t *testing.T, cond func() bool, msgAndArgs ...any) {
	t.Helper()
	require.Eventually(t, cond, 5*time.Second, 10*time.Millisecond, msgAndArgs...)
}

// logged reports whether an entry whose message starts with prefix was logged.
func (s *testServer) logged(prefix string) bool {
	for _, entry := range s.logs.AllEntries() {
		if strings.HasPrefix(entry.Message, prefix) {
			return true
		}
	}
	return false
}
