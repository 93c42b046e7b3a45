package protocol

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type schedRecorder struct {
	passes atomic.Int32
	mu     sync.Mutex
	status []bool
}

func (p *schedRecorder) pass(context.Context) { p.passes.Add(1) }

func (p *schedRecorder) onStatus(running bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.status = append(p.status, running)
}

func (p *schedRecorder) statuses() []bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]bool(nil), p.status...)
}

func startScheduler(t *testing.T, delay time.Duration) (*scheduler, *schedRecorder, context.CancelFunc) {
	t.Helper()
	p := &schedRecorder{}
	s := newScheduler(delay, p.pass, p.onStatus)
	ctx, cancel := context.WithCancel(context.Background())
	go s.run(ctx)
	t.Cleanup(func() {
		cancel()
		<-s.done
	})
	return s, p, cancel
}

func TestSchedulerCoalescesTriggers(t *testing.T) {
	s, p, _ := startScheduler(t, 30*time.Millisecond)
	for i := 0; i < 5; i++ {
		s.Trigger()
	}

	require.Eventually(t, func() bool { return p.passes.Load() == 1 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return len(p.statuses()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []bool{true, false}, p.statuses())

	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, int32(1), p.passes.Load())
}

func TestSchedulerCancelDropsPendingPass(t *testing.T) {
	s, p, _ := startScheduler(t, 40*time.Millisecond)
	s.Trigger()
	s.Cancel()

	require.Never(t, func() bool { return p.passes.Load() > 0 }, 120*time.Millisecond, 10*time.Millisecond)

	s.Trigger()
	require.Eventually(t, func() bool { return p.passes.Load() == 1 }, time.Second, 5*time.Millisecond)
}

func TestSchedulerStopsWithContext(t *testing.T) {
	s, _, cancel := startScheduler(t, time.Hour)
	s.Trigger()
	cancel()

	select {
	case <-s.done:
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
	// Cancel after shutdown must not block.
	s.Cancel()
	s.Trigger()
}
