package cronrunner

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestRunner_RunsJobWithBaseContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r := New(zap.NewNop(), ctx)
	var runs atomic.Int32
	var sawCtx atomic.Bool
	_, err := r.Add("tick", "* * * * * *", func(jobCtx context.Context) {
		sawCtx.Store(jobCtx == ctx)
		runs.Add(1)
	})
	require.NoError(t, err)

	r.Start()
	assert.Eventually(t, func() bool { return runs.Load() > 0 }, 3*time.Second, 20*time.Millisecond)
	r.Stop()
	assert.True(t, sawCtx.Load())
}

func TestRunner_SkipsAfterCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r := New(nil, ctx)
	var runs atomic.Int32
	_, err := r.Add("tick", "* * * * * *", func(context.Context) { runs.Add(1) })
	require.NoError(t, err)

	r.Start()
	time.Sleep(1500 * time.Millisecond)
	r.Stop()
	assert.Zero(t, runs.Load())
}

func TestRunner_RejectsBadSpec(t *testing.T) {
	r := New(nil, nil)
	_, err := r.Add("bad", "every minute", func(context.Context) {})
	assert.Error(t, err)
}
