package session

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/example/clinic-scheduler/internal/remote"
)

// leasePool hands out exclusive use of a fixed set of pages. Waiters are
// served in arrival order.
type leasePool struct {
	size int64
	sem  *semaphore.Weighted

	mu    sync.Mutex
	pages []remote.Page
}

func newLeasePool(pages []remote.Page) *leasePool {
	return &leasePool{
		size:  int64(len(pages)),
		sem:   semaphore.NewWeighted(int64(len(pages))),
		pages: append([]remote.Page(nil), pages...),
	}
}

type lease struct {
	pool *leasePool
	page remote.Page
	once sync.Once
}

// Release returns the page to the pool. Only the first call has effect.
func (l *lease) Release() {
	l.once.Do(func() { l.pool.put(l.page) })
}

func (p *leasePool) Acquire(ctx context.Context) (*lease, error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	return &lease{pool: p, page: p.take()}, nil
}

// TryAcquire leases a page only if one is free right now.
func (p *leasePool) TryAcquire() (*lease, bool) {
	if !p.sem.TryAcquire(1) {
		return nil, false
	}
	return &lease{pool: p, page: p.take()}, true
}

// Drain waits until every page is back and takes them all out of circulation.
func (p *leasePool) Drain(ctx context.Context) ([]remote.Page, error) {
	if err := p.sem.Acquire(ctx, p.size); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	out := p.pages
	p.pages = nil
	return out, nil
}

// Refill puts a drained pool back into service with new pages.
func (p *leasePool) Refill(pages []remote.Page) {
	p.mu.Lock()
	p.pages = append(p.pages[:0], pages...)
	p.mu.Unlock()
	p.sem.Release(p.size)
}

func (p *leasePool) take() remote.Page {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.pages)
	pg := p.pages[n-1]
	p.pages = p.pages[:n-1]
	return pg
}

func (p *leasePool) put(pg remote.Page) {
	p.mu.Lock()
	p.pages = append(p.pages, pg)
	p.mu.Unlock()
	p.sem.Release(1)
}
