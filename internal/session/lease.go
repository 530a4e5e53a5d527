package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/forge-labs/forge-go/internal/domain"
)

// LeaseTable serializes work per session id. Leases are process-local;
// other processes are fenced by the store's revision check.
type LeaseTable struct {
	mu     sync.Mutex
	leases map[string]*lease
}

type lease struct {
	ch    chan struct{}
	users int
}

func NewLeaseTable() *LeaseTable {
	return &LeaseTable{leases: map[string]*lease{}}
}

// Acquire blocks until the lease for id is free or ctx ends. The returned
// release func is idempotent.
func (t *LeaseTable) Acquire(ctx context.Context, id string) (func(), error) {
	t.mu.Lock()
	l, ok := t.leases[id]
	if !ok {
		l = &lease{ch: make(chan struct{}, 1)}
		t.leases[id] = l
	}
	l.users++
	t.mu.Unlock()

	select {
	case l.ch <- struct{}{}:
	case <-ctx.Done():
		t.drop(id, l)
		return nil, fmt.Errorf("%w: waiting for session %s: %v", domain.ErrCancelled, id, ctx.Err())
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			<-l.ch
			t.drop(id, l)
		})
	}, nil
}

func (t *LeaseTable) drop(id string, l *lease) {
	t.mu.Lock()
	defer t.mu.Unlock()
	l.users--
	if l.users == 0 {
		delete(t.leases, id)
	}
}

// Held reports whether some caller holds or waits for the lease.
func (t *LeaseTable) Held(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.leases[id]
	return ok
}
