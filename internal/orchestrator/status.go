package orchestrator

import (
	"sync"
	"sync/atomic"

	"github.com/roostd/roost/internal/gateway"
)

// Overall connection status values.
const (
	StatusConnected    = "connected"
	StatusDegraded     = "degraded"
	StatusConnecting   = "connecting"
	StatusDisconnected = "disconnected"
)

// Status is the aggregated view over the operator and node sessions. The
// operator session is the user-facing signal; a node-only outage degrades the
// status rather than reporting a full disconnect.
type Status struct {
	Overall  string `json:"overall"`
	Detail   string `json:"detail,omitempty"`
	Operator string `json:"operator"`
	Node     string `json:"node"`
	Endpoint string `json:"endpoint,omitempty"`
}

func aggregateStatus(op, node gateway.State, endpoint string) Status {
	st := Status{
		Operator: op.String(),
		Node:     node.String(),
		Endpoint: endpoint,
	}
	switch {
	case op == gateway.StateConnected && node == gateway.StateConnected:
		st.Overall = StatusConnected
	case op == gateway.StateConnected:
		st.Overall = StatusDegraded
		st.Detail = "node session down; device commands unavailable"
	case node == gateway.StateConnected:
		st.Overall = StatusDegraded
		st.Detail = "operator session down; chat and control unavailable"
	case op == gateway.StateConnecting || node == gateway.StateConnecting:
		st.Overall = StatusConnecting
	default:
		st.Overall = StatusDisconnected
	}
	return st
}

// StatusStream fans aggregated status updates out to any number of
// subscribers. Slow or closed subscribers are dropped, never blocked on.
type StatusStream struct {
	mu          sync.Mutex
	subscribers []*statusSubscriber
	last        Status
	closed      bool
}

func NewStatusStream() *StatusStream {
	return &StatusStream{last: Status{Overall: StatusDisconnected, Operator: "disconnected", Node: "disconnected"}}
}

// Subscribe returns the receiving end of a new subscription. The current
// status is delivered immediately so subscribers never start blind.
func (st *StatusStream) Subscribe(bufSize int) *StatusReceiver {
	sub, recv := newStatusSubscription(bufSize)
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed {
		sub.finish()
		return recv
	}
	st.subscribers = append(st.subscribers, sub)
	sub.send(st.last)
	return recv
}

// Publish records s as current and delivers it to all live subscribers.
func (st *StatusStream) Publish(s Status) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed {
		return
	}
	st.last = s

	alive := st.subscribers[:0]
	for _, sub := range st.subscribers {
		if sub.send(s) {
			alive = append(alive, sub)
		} else {
			sub.finish()
		}
	}
	st.subscribers = alive
}

// Current returns the most recently published status.
func (st *StatusStream) Current() Status {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.last
}

func (st *StatusStream) Close() {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.closed = true
	for _, sub := range st.subscribers {
		sub.finish()
	}
	st.subscribers = nil
}

// statusSubscriber is the sending side of one subscription. The delivery
// channel c is closed only by the stream, under its lock, so a publish can
// never send on a closed channel. The receiver signals through closedC; the
// stream prunes and closes c on the next publish.
type statusSubscriber struct {
	c       chan Status
	closedC chan struct{}
	closed  atomic.Bool
}

// StatusReceiver is the receiving end held by the consumer.
type StatusReceiver struct {
	C   <-chan Status
	sub *statusSubscriber
}

func newStatusSubscription(bufSize int) (*statusSubscriber, *StatusReceiver) {
	sub := &statusSubscriber{
		c:       make(chan Status, bufSize),
		closedC: make(chan struct{}),
	}
	return sub, &StatusReceiver{C: sub.c, sub: sub}
}

// send attempts a non-blocking send. Returns false once the receiver has
// closed or the buffer is full.
func (ss *statusSubscriber) send(s Status) bool {
	if ss.closed.Load() {
		return false
	}
	select {
	case <-ss.closedC:
		return false
	case ss.c <- s:
		return true
	default:
		return false
	}
}

// finish closes the delivery channel. Only the stream calls this, under its
// lock, after removing the subscriber from the list.
func (ss *statusSubscriber) finish() {
	ss.closed.Store(true)
	close(ss.c)
}

// Close shuts down the subscription from the receiving side. The delivery
// channel stays open until the stream notices and prunes the subscriber, so
// Close never races an in-flight publish.
func (sr *StatusReceiver) Close() {
	if sr.sub.closed.CompareAndSwap(false, true) {
		close(sr.sub.closedC)
	}
}
