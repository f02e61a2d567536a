package server

import (
	"context"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServerStartStop(t *testing.T) {
	// Create server with random port
	srv, err := NewServer(DefaultConfig(), nil, nil)
	require.NoError(t, err)

	addr, err := srv.Start()
	require.NoError(t, err)
	assert.NotEmpty(t, addr)
	assert.NotEqual(t, ":0", addr)
	assert.Equal(t, addr, srv.Addr())

	// A second Start is a no-op.
	again, err := srv.Start()
	require.NoError(t, err)
	assert.Equal(t, addr, again)

	url := "http://" + addr + "/healthz"
	resp, err := http.Get(url)
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "ok")

	// Without metrics there is no scrape endpoint.
	resp, err = http.Get("http://" + addr + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))
	require.NoError(t, srv.Shutdown(ctx), "second Shutdown is a no-op")

	_, err = http.Get(url)
	assert.Error(t, err, "expected connection error after shutdown")
}

func TestServerExpiresIdleSessions(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SessionTTL = 40 * time.Millisecond
	srv, err := NewServer(cfg, nil, nil)
	require.NoError(t, err)

	_, err = srv.Start()
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Shutdown(context.Background()) })

	_, err = srv.Registry().create(cfg.Selector, testMeterConfig(), testFormats())
	require.NoError(t, err)
	require.Equal(t, 1, srv.Registry().Len())

	assert.Eventually(t, func() bool { return srv.Registry().Len() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestNewServer_InvalidFraction(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Selector.RateBased.BandwidthFraction = -0.5
	_, err := NewServer(cfg, nil, nil)
	assert.Error(t, err)
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, ":0", cfg.Addr)
	assert.Equal(t, 30*time.Second, cfg.ReadTimeout)
	assert.Equal(t, 30*time.Second, cfg.WriteTimeout)
	assert.Equal(t, 10000, cfg.MaxSessions)
	assert.Zero(t, cfg.SessionTTL)
	assert.Nil(t, cfg.Ladder)
}
