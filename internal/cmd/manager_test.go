package cmd

import (
	"context"
	"os"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/3leaps/ocrfleet/internal/config"
	"github.com/3leaps/ocrfleet/internal/manager"
	"github.com/3leaps/ocrfleet/pkg/fleet"
)

func TestManagerOptions(t *testing.T) {
	isolate(t)
	cfg, err := config.Load(context.Background(), map[string]any{
		"dispatch": map[string]any{"rate_limit": 25.0, "send_retries": 7},
		"manager":  map[string]any{"notify_failures": true, "publish_attempts": 9},
	})
	require.NoError(t, err)

	params := fleet.LaunchParams{ImageID: "ami-1"}
	opts := managerOptions(cfg, params)

	assert.Equal(t, "localAppToManagerQueue", opts.SubmissionQueue)
	assert.Equal(t, "managerToWorkersQueue", opts.WorkQueue)
	assert.Equal(t, "workerToManagerQueue", opts.ResultQueue)
	assert.Equal(t, params, opts.WorkerParams)
	assert.InDelta(t, 25.0, opts.RateLimit, 0)
	assert.Equal(t, 7, opts.SendRetries)
	assert.Equal(t, 9, opts.PublishAttempts)
	assert.True(t, opts.NotifyFailures)
	assert.True(t, opts.SelfTerminate)
	assert.Equal(t, 2*time.Minute, opts.CleanupTimeout)
}

func TestApplyManagerFlags(t *testing.T) {
	t.Cleanup(func() { resetFlags(managerCmd) })

	cfg := &config.Config{}
	cfg.Manager.SelfTerminate = true
	cfg.Server.Port = 8080

	applyManagerFlags(managerCmd, cfg)
	assert.True(t, cfg.Manager.SelfTerminate)
	assert.False(t, cfg.Server.Enabled)

	require.NoError(t, managerCmd.Flags().Set("self-terminate", "false"))
	require.NoError(t, managerCmd.Flags().Set("port", "9001"))
	applyManagerFlags(managerCmd, cfg)
	assert.False(t, cfg.Manager.SelfTerminate)
	assert.True(t, cfg.Server.Enabled)
	assert.Equal(t, 9001, cfg.Server.Port)
}

func TestHandleSignals(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	lc := manager.NewLifecycle()
	sigs := make(chan os.Signal, 2)
	var aborted atomic.Bool
	done := make(chan struct{})
	go func() {
		handleSignals(ctx, sigs, lc, func() { aborted.Store(true) }, zap.NewNop())
		close(done)
	}()

	sigs <- syscall.SIGTERM
	require.Eventually(t, lc.Terminating, time.Second, time.Millisecond)
	assert.False(t, aborted.Load())

	sigs <- syscall.SIGINT
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handler did not return after second signal")
	}
	assert.True(t, aborted.Load())
}

func TestHandleSignals_StopsWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		handleSignals(ctx, make(chan os.Signal), manager.NewLifecycle(), func() {}, zap.NewNop())
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handler did not return")
	}
}
