package server_test

import (
	"context"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"

	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/sharechat/internal/server"
	"github.com/Tyrowin/sharechat/internal/testhelpers"
)

func TestConcurrentShutdown(t *testing.T) {
	srv := startServer(t, nil)
	for _, name := range []string{"A", "B", "C"} {
		testhelpers.Join(t, srv.addr, name)
	}

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, srv.Shutdown(5*time.Second))
		}()
	}
	wg.Wait()

	assert.Zero(t, srv.Hub().Sessions().Len())
}

func TestShutdownDuringUpload(t *testing.T) {
	srv := startServer(t, nil)
	c := testhelpers.Join(t, srv.addr, "A")

	c.Send("/upload")
	c.Expect("[UPLOAD] Ready to receive file. Send metadata.\n")
	c.Send("half.bin|1000")
	c.Expect("READY")
	c.SendBytes(make([]byte, 400))

	require.NoError(t, srv.Shutdown(5*time.Second))
	c.ExpectClosed()
	assert.Zero(t, srv.Catalog().Len())
	assert.Empty(t, storageEntries(t, srv))
}

func TestServeAfterContextCancel(t *testing.T) {
	cfg := server.NewConfig()
	cfg.StorageDir = t.TempDir()
	logger, _ := logtest.NewNullLogger()

	srv, err := server.New(*cfg, server.WithLogger(logger))
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- srv.Serve(ctx, ln) }()

	require.Eventually(t, func() bool { return srv.Addr() != nil }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-served:
		assert.ErrorIs(t, err, server.ErrServerClosed)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
	require.NoError(t, srv.Shutdown(time.Second))
}

func TestHTTPSideServerLifecycle(t *testing.T) {
	srv := startServer(t, nil)
	logger, hook := logtest.NewNullLogger()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	httpServer := server.CreateServer(addr, server.SetupRoutes(srv.Server))
	assert.Equal(t, 15*time.Second, httpServer.ReadHeaderTimeout)

	started := make(chan error, 1)
	go func() { started <- server.StartServer(httpServer, logger) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + addr + "/")
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, server.ShutdownServer(httpServer, time.Second, logger))
	select {
	case err := <-started:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("StartServer did not return after shutdown")
	}
	assert.Equal(t, "HTTP server shutdown completed", hook.LastEntry().Message)

	_, err = http.Get("http://" + addr + "/")
	assert.Error(t, err)
}
