package cache

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scan-job-queue/internal/queue"
	"scan-job-queue/internal/storage"
)

type recordingCache struct {
	mu       sync.Mutex
	products []string
	images   []string
}

func (c *recordingCache) InvalidateProduct(upc string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.products = append(c.products, upc)
}

func (c *recordingCache) InvalidateImage(upc string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.images = append(c.images, upc)
}

func (c *recordingCache) snapshot() (products, images []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.products...), append([]string(nil), c.images...)
}

func waitForFlush(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("timeout waiting for invalidation flush")
}

func terminalJob(jt storage.JobType, upc string, status storage.JobStatus) *storage.Job {
	return &storage.Job{
		ID:         "j_" + upc + "_" + string(jt),
		Type:       jt,
		Status:     status,
		UPC:        upc,
		MaxRetries: storage.DefaultMaxRetries(jt),
		CreatedAt:  time.Now(),
	}
}

func newAttached(t *testing.T, rc ProductCache) *queue.Bus {
	t.Helper()
	inv := NewInvalidator(rc, 5*time.Millisecond, 10*time.Millisecond)
	bus := queue.NewBus()
	inv.Attach(bus)
	t.Cleanup(inv.Close)
	return bus
}

func TestPhotoSuccessInvalidatesProductAndImage(t *testing.T) {
	rc := &recordingCache{}
	bus := newAttached(t, rc)

	bus.Emit(queue.Event{
		Kind: queue.EventJobCompleted,
		Job:  terminalJob(storage.TypeProductPhotoUpload, "0001", storage.StatusCompleted),
	})

	waitForFlush(t, func() bool {
		p, i := rc.snapshot()
		return len(p) == 1 && len(i) == 1
	})
	p, i := rc.snapshot()
	assert.Equal(t, []string{"0001"}, p)
	assert.Equal(t, []string{"0001"}, i)
}

func TestIngredientSuccessInvalidatesProductOnly(t *testing.T) {
	rc := &recordingCache{}
	bus := newAttached(t, rc)

	bus.Emit(queue.Event{
		Kind: queue.EventJobCompleted,
		Job:  terminalJob(storage.TypeIngredientParsing, "0002", storage.StatusCompleted),
	})

	waitForFlush(t, func() bool {
		p, _ := rc.snapshot()
		return len(p) == 1
	})
	p, i := rc.snapshot()
	assert.Equal(t, []string{"0002"}, p)
	assert.Empty(t, i, "ingredient parsing never touches the image cache")
}

func TestFailuresInvalidateNothing(t *testing.T) {
	rc := &recordingCache{}
	bus := newAttached(t, rc)

	bus.Emit(queue.Event{
		Kind: queue.EventJobFailed,
		Job:  terminalJob(storage.TypeProductPhotoUpload, "0003", storage.StatusFailed),
	})

	time.Sleep(30 * time.Millisecond)
	p, i := rc.snapshot()
	assert.Empty(t, p)
	assert.Empty(t, i)
}

func TestSameUPCCoalescesIntoOneFlush(t *testing.T) {
	rc := &recordingCache{}
	bus := newAttached(t, rc)

	// Ingredient completion schedules a product-only flush; the photo
	// completion for the same UPC merges the image flag into it.
	bus.Emit(queue.Event{
		Kind: queue.EventJobCompleted,
		Job:  terminalJob(storage.TypeIngredientParsing, "0004", storage.StatusCompleted),
	})
	bus.Emit(queue.Event{
		Kind: queue.EventJobCompleted,
		Job:  terminalJob(storage.TypeProductPhotoUpload, "0004", storage.StatusCompleted),
	})

	waitForFlush(t, func() bool {
		p, i := rc.snapshot()
		return len(p) == 1 && len(i) == 1
	})
	time.Sleep(20 * time.Millisecond)
	p, i := rc.snapshot()
	assert.Equal(t, []string{"0004"}, p, "coalesced events flush exactly once")
	assert.Equal(t, []string{"0004"}, i)
}

func TestDistinctUPCsFlushIndependently(t *testing.T) {
	rc := &recordingCache{}
	bus := newAttached(t, rc)

	bus.Emit(queue.Event{
		Kind: queue.EventJobCompleted,
		Job:  terminalJob(storage.TypeProductCreation, "0005", storage.StatusCompleted),
	})
	bus.Emit(queue.Event{
		Kind: queue.EventJobCompleted,
		Job:  terminalJob(storage.TypeProductCreation, "0006", storage.StatusCompleted),
	})

	waitForFlush(t, func() bool {
		p, _ := rc.snapshot()
		return len(p) == 2
	})
	p, _ := rc.snapshot()
	assert.ElementsMatch(t, []string{"0005", "0006"}, p)
}

func TestCloseDropsScheduledFlushes(t *testing.T) {
	rc := &recordingCache{}
	inv := NewInvalidator(rc, 20*time.Millisecond, 20*time.Millisecond)
	bus := queue.NewBus()
	inv.Attach(bus)

	bus.Emit(queue.Event{
		Kind: queue.EventJobCompleted,
		Job:  terminalJob(storage.TypeProductPhotoUpload, "0007", storage.StatusCompleted),
	})
	inv.Close()

	time.Sleep(50 * time.Millisecond)
	p, i := rc.snapshot()
	assert.Empty(t, p)
	assert.Empty(t, i)
}

func TestMemoryCacheTTLAndInvalidation(t *testing.T) {
	c := NewMemoryCache(30 * time.Millisecond)

	c.PutProduct("0008", json.RawMessage(`{"name":"Tofu"}`))
	c.PutImage("0008", json.RawMessage(`{"url":"u"}`))

	v, ok := c.GetProduct("0008")
	require.True(t, ok)
	assert.JSONEq(t, `{"name":"Tofu"}`, string(v))

	c.InvalidateProduct("0008")
	_, ok = c.GetProduct("0008")
	assert.False(t, ok)

	// The image entry survives product invalidation, then ages out.
	_, ok = c.GetImage("0008")
	require.True(t, ok)
	time.Sleep(40 * time.Millisecond)
	_, ok = c.GetImage("0008")
	assert.False(t, ok)
}
