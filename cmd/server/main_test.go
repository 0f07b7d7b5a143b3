package main

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/developer-mesh/context-engine/pkg/config"
)

func TestRun_ShutsDownOnCancel(t *testing.T) {
	cfg := config.Default()
	cfg.API.ListenAddress = "127.0.0.1:0"
	cfg.Logging.Level = "error"
	require.NoError(t, cfg.Validate())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- run(ctx, cfg, true) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestRun_InvalidStorage(t *testing.T) {
	cfg := config.Default()
	cfg.Storage.Backend = "sqlite"
	cfg.Storage.SQLite.Path = t.TempDir() + "/missing/dir/engine.db"

	err := run(context.Background(), cfg, false)
	assert.Error(t, err)
}
