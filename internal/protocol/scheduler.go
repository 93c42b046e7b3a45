package protocol

import (
	"context"
	"time"
)

// scheduler debounces summary passes for one connection. Triggers reset the
// quiet timer; once it fires a single pass runs on the scheduler goroutine,
// so passes never overlap and triggers arriving meanwhile coalesce into the
// next one.
type scheduler struct {
	delay  time.Duration
	pass   func(ctx context.Context)
	status func(running bool)

	trigger chan struct{}
	cancel  chan chan struct{}
	done    chan struct{}
}

func newScheduler(delay time.Duration, pass func(context.Context), status func(bool)) *scheduler {
	return &scheduler{
		delay:   delay,
		pass:    pass,
		status:  status,
		trigger: make(chan struct{}, 1),
		cancel:  make(chan chan struct{}),
		done:    make(chan struct{}),
	}
}

// Trigger notes new output. It never blocks.
func (s *scheduler) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// Cancel drops a pending pass. If a pass is running it returns after the
// pass has finished.
func (s *scheduler) Cancel() {
	ack := make(chan struct{})
	select {
	case s.cancel <- ack:
		<-ack
	case <-s.done:
	}
}

// run owns the timer until ctx ends. A pass in flight when ctx ends still
// completes; its context is detached from ctx.
func (s *scheduler) run(ctx context.Context) {
	defer close(s.done)

	// Stop and Reset leave no stale tick behind (Go 1.23 timers).
	timer := time.NewTimer(s.delay)
	timer.Stop()
	announced := false

	for {
		select {
		case <-ctx.Done():
			timer.Stop()
			return

		case <-s.trigger:
			if !announced {
				announced = true
				s.status(true)
			}
			timer.Reset(s.delay)

		case <-timer.C:
			s.pass(context.WithoutCancel(ctx))
			announced = false
			if ctx.Err() == nil {
				s.status(false)
			}

		case ack := <-s.cancel:
			timer.Stop()
			announced = false
			select {
			case <-s.trigger:
			default:
			}
			close(ack)
		}
	}
}
