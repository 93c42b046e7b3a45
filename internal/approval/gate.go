package approval

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

const previewLimit = 500

// Resolution reasons reported when a request is not decided by the client.
const (
	ResolvedTimeout  = "timeout"
	ResolvedCanceled = "canceled"
	ResolvedClosed   = "closed"
)

// Request is what the client is asked to approve.
type Request struct {
	ActionID  string   `json:"actionId"`
	Reason    string   `json:"reason"`
	Risks     []string `json:"risks"`
	Preview   string   `json:"preview"`
	TimeoutMs int64    `json:"timeoutMs,omitempty"`
}

type Decision struct {
	ActionID string `json:"actionId"`
	Approved bool   `json:"approved"`
	// Reason is empty when the client decided.
	Reason string `json:"reason,omitempty"`
}

// Notifier receives gate events. Both callbacks run without the gate lock
// held.
type Notifier struct {
	OnRequest  func(Request)
	OnResolved func(Decision)
}

type pending struct {
	ch    chan Decision
	timer *time.Timer
}

// Gate tracks the approvals one connection is waiting on. Every request is
// resolved exactly once: by the client, by timeout, by cancellation of the
// waiting context, or by Close.
type Gate struct {
	timeout time.Duration
	notify  Notifier

	mu      sync.Mutex
	pending map[string]*pending
	closed  bool
}

// NewGate returns a gate whose requests auto-deny after timeout. A zero
// timeout waits indefinitely.
func NewGate(timeout time.Duration, notify Notifier) *Gate {
	return &Gate{
		timeout: timeout,
		notify:  notify,
		pending: make(map[string]*pending),
	}
}

// Await announces a request and blocks until it is resolved.
func (g *Gate) Await(ctx context.Context, reason string, risks []string, text string) Decision {
	id := uuid.NewString()
	p := &pending{ch: make(chan Decision, 1)}

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return Decision{ActionID: id, Reason: ResolvedClosed}
	}
	g.pending[id] = p
	g.mu.Unlock()

	if g.notify.OnRequest != nil {
		g.notify.OnRequest(Request{
			ActionID:  id,
			Reason:    reason,
			Risks:     risks,
			Preview:   previewOf(text),
			TimeoutMs: g.timeout.Milliseconds(),
		})
	}

	// The clock starts once the client has been asked.
	if g.timeout > 0 {
		g.mu.Lock()
		if _, ok := g.pending[id]; ok {
			p.timer = time.AfterFunc(g.timeout, func() {
				g.finish(Decision{ActionID: id, Reason: ResolvedTimeout})
			})
		}
		g.mu.Unlock()
	}

	select {
	case d := <-p.ch:
		return d
	case <-ctx.Done():
		g.finish(Decision{ActionID: id, Reason: ResolvedCanceled})
		return <-p.ch
	}
}

// Resolve delivers the client's decision. It reports false for unknown or
// already resolved ids.
func (g *Gate) Resolve(actionID string, approve bool) bool {
	return g.finish(Decision{ActionID: actionID, Approved: approve})
}

// Close denies everything still pending and rejects future requests.
func (g *Gate) Close() {
	g.mu.Lock()
	g.closed = true
	ids := make([]string, 0, len(g.pending))
	for id := range g.pending {
		ids = append(ids, id)
	}
	g.mu.Unlock()

	for _, id := range ids {
		g.finish(Decision{ActionID: id, Reason: ResolvedClosed})
	}
}

// Pending reports how many requests are awaiting a decision.
func (g *Gate) Pending() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.pending)
}

func (g *Gate) finish(d Decision) bool {
	g.mu.Lock()
	p, ok := g.pending[d.ActionID]
	if ok {
		delete(g.pending, d.ActionID)
		if p.timer != nil {
			p.timer.Stop()
		}
	}
	g.mu.Unlock()

	if !ok {
		return false
	}
	// Announce before waking the waiter so the resolution is reported ahead
	// of anything the waiter does next.
	if g.notify.OnResolved != nil {
		g.notify.OnResolved(d)
	}
	p.ch <- d
	return true
}

func previewOf(text string) string {
	r := []rune(text)
	if len(r) <= previewLimit {
		return text
	}
	return string(r[:previewLimit])
}
