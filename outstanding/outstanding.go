// Package outstanding matches replies to callers waiting on a cross-node
// request. Each request gets its own single-use future; the first reply
// completes it and later replies are dropped.
package outstanding

import (
	"context"
	"errors"
	"sync"
	"time"

	"gnspaxos/packet"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
)

var (
	ErrTimeout   = errors.New("request timed out")
	ErrCancelled = errors.New("request cancelled")
)

type Table struct {
	mu      sync.Mutex
	pending map[uint32]*Future
	log     hclog.Logger
	late    int64
}

func NewTable(logger hclog.Logger) *Table {
	return &Table{
		pending: make(map[uint32]*Future),
		log:     logger,
	}
}

type Future struct {
	id    uint32
	ch    chan packet.Packet
	table *Table
}

// NewFuture registers a fresh request id.
func (t *Table) NewFuture() *Future {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := uuid.New().ID()
	for _, taken := t.pending[id]; taken || id == 0; _, taken = t.pending[id] {
		id = uuid.New().ID()
	}
	f := &Future{id: id, ch: make(chan packet.Packet, 1), table: t}
	t.pending[id] = f
	return f
}

func (f *Future) ID() uint32 {
	return f.id
}

// Complete hands p to the waiter of id. It reports false when no one is
// waiting, which includes every reply after the first.
func (t *Table) Complete(id uint32, p packet.Packet) bool {
	t.mu.Lock()
	f, ok := t.pending[id]
	if ok {
		delete(t.pending, id)
	} else {
		t.late++
	}
	t.mu.Unlock()
	if !ok {
		t.log.Debug("dropping reply with no waiter", "id", id, "type", p.Type())
		return false
	}
	f.ch <- p
	return true
}

// Late counts replies that found no waiter.
func (t *Table) Late() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.late
}

func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// Wait blocks until a reply arrives, timeout passes or ctx ends. The id is
// released on every path.
func (f *Future) Wait(ctx context.Context, timeout time.Duration) (packet.Packet, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case p := <-f.ch:
		return p, nil
	case <-timer.C:
		f.Cancel()
		return f.drain(ErrTimeout)
	case <-ctx.Done():
		f.Cancel()
		return f.drain(ErrCancelled)
	}
}

// drain prefers a reply that raced with the deadline.
func (f *Future) drain(err error) (packet.Packet, error) {
	select {
	case p := <-f.ch:
		return p, nil
	default:
		return nil, err
	}
}

func (f *Future) Cancel() {
	f.table.mu.Lock()
	defer f.table.mu.Unlock()
	if cur, ok := f.table.pending[f.id]; ok && cur == f {
		delete(f.table.pending, f.id)
	}
}
