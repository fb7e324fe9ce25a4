// Package cache decouples job-result consumption from UI data freshness: a
// listener on the engine's event stream invalidates stale product and image
// entries, with per-job-type settle delays and same-UPC coalescing.
package cache

import (
	"log"
	"sync"
	"time"

	"scan-job-queue/internal/queue"
	"scan-job-queue/internal/storage"
)

// ProductCache is the cache surface the invalidator drives.
type ProductCache interface {
	InvalidateProduct(upc string)
	InvalidateImage(upc string)
}

// Invalidator reacts to terminal job events. Photo-based successes flush
// product and image entries after a short settle delay so backend
// replication can catch up; ingredient parsing flushes the product entry on
// a longer delay; failures rely on natural cache expiry.
type Invalidator struct {
	mu       sync.Mutex
	cache    ProductCache
	photoWin time.Duration
	ingrWin  time.Duration
	pending  map[string]*pendingInvalidation
	unsubs   []func()
	closed   bool
}

type pendingInvalidation struct {
	product bool
	image   bool
	timer   *time.Timer
}

// NewInvalidator builds a listener over the given cache. Zero windows fall
// back to the app defaults (1s photo, 2s ingredient).
func NewInvalidator(cache ProductCache, photoWin, ingrWin time.Duration) *Invalidator {
	if photoWin <= 0 {
		photoWin = time.Second
	}
	if ingrWin <= 0 {
		ingrWin = 2 * time.Second
	}
	return &Invalidator{
		cache:    cache,
		photoWin: photoWin,
		ingrWin:  ingrWin,
		pending:  make(map[string]*pendingInvalidation),
	}
}

// Attach subscribes to the engine's terminal events.
func (inv *Invalidator) Attach(bus *queue.Bus) {
	inv.unsubs = append(inv.unsubs,
		bus.Subscribe(queue.EventJobCompleted, inv.handle),
		bus.Subscribe(queue.EventJobFailed, inv.handle),
	)
}

// Close detaches and drops any not-yet-fired invalidations.
func (inv *Invalidator) Close() {
	for _, u := range inv.unsubs {
		u()
	}
	inv.unsubs = nil
	inv.mu.Lock()
	inv.closed = true
	for _, p := range inv.pending {
		p.timer.Stop()
	}
	inv.pending = make(map[string]*pendingInvalidation)
	inv.mu.Unlock()
}

func (inv *Invalidator) handle(ev queue.Event) {
	job := ev.Job
	if job == nil || ev.Kind != queue.EventJobCompleted {
		// Failures invalidate nothing; stale entries age out on their own.
		return
	}

	var product, image bool
	var delay time.Duration
	switch job.Type {
	case storage.TypeProductPhotoUpload, storage.TypeProductCreation:
		product, image, delay = true, true, inv.photoWin
	case storage.TypeIngredientParsing:
		product, delay = true, inv.ingrWin
	default:
		return
	}

	inv.mu.Lock()
	defer inv.mu.Unlock()
	if inv.closed {
		return
	}
	if p, ok := inv.pending[job.UPC]; ok {
		// Coalesce: merge flags into the already-scheduled flush.
		p.product = p.product || product
		p.image = p.image || image
		return
	}
	upc := job.UPC
	p := &pendingInvalidation{product: product, image: image}
	p.timer = time.AfterFunc(delay, func() { inv.flush(upc) })
	inv.pending[upc] = p
}

func (inv *Invalidator) flush(upc string) {
	inv.mu.Lock()
	p, ok := inv.pending[upc]
	delete(inv.pending, upc)
	inv.mu.Unlock()
	if !ok {
		return
	}
	if p.product {
		inv.cache.InvalidateProduct(upc)
	}
	if p.image {
		inv.cache.InvalidateImage(upc)
	}
	log.Printf("[cache] invalidated upc=%s product=%t image=%t", upc, p.product, p.image)
}
