package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"scan-job-queue/internal/storage"
)

var (
	// ErrQueueFull is returned when the active set is at capacity even after
	// a stuck-job sweep.
	ErrQueueFull = errors.New("job queue is full")
	// ErrUnknownType is returned for job types no processor handles.
	ErrUnknownType = errors.New("unknown job type")
)

// Processor executes one job against its external service boundary and
// returns the service payload verbatim. A returned error puts the job on the
// retry path; domain-level failures must instead be embedded in the payload.
type Processor func(ctx context.Context, job *storage.Job) (json.RawMessage, error)

// DeviceIdentityProvider supplies the owning device id stamped onto new jobs.
type DeviceIdentityProvider interface {
	DeviceID() (string, error)
}

// Config carries the engine tunables. Zero values fall back to the defaults
// the mobile app shipped with.
type Config struct {
	MaxActive     int           // active-job ceiling (default 10)
	JobTimeout    time.Duration // wall-clock bound per execution (default 60s)
	BackoffBase   time.Duration // retry delay is base << retryCount (default 1s)
	DispatchDelay time.Duration // pause before re-entering the scheduler (default 250ms)
	StuckGrace    time.Duration // untracked processing jobs older than this are orphans (default 2m)
	StuckHard     time.Duration // tracked executions older than this are hung (default 5m)
}

func (c Config) withDefaults() Config {
	if c.MaxActive <= 0 {
		c.MaxActive = 10
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = 60 * time.Second
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = time.Second
	}
	if c.DispatchDelay <= 0 {
		c.DispatchDelay = 250 * time.Millisecond
	}
	if c.StuckGrace <= 0 {
		c.StuckGrace = 2 * time.Minute
	}
	if c.StuckHard <= 0 {
		c.StuckHard = 5 * time.Minute
	}
	return c
}

// QueueStats aggregates counts per status across the active set and the
// completed ring.
type QueueStats struct {
	Queued         int `json:"queued"`
	Processing     int `json:"processing"`
	ActiveTotal    int `json:"active_total"`
	Completed      int `json:"completed"`
	Failed         int `json:"failed"`
	Cancelled      int `json:"cancelled"`
	CompletedTotal int `json:"completed_total"`
}

// EnqueueRequest is the admission input for a new job.
type EnqueueRequest struct {
	Type          storage.JobType
	ImageRef      string
	UPC           string
	Priority      int // 0 means the per-type default
	ExistingData  json.RawMessage
	WorkflowID    string
	WorkflowType  storage.WorkflowType
	WorkflowSteps *storage.WorkflowSteps
}

// Engine is the single authority over job admission, scheduling and the job
// state machine. At most one job executes at a time; concurrency across
// in-flight work comes from the async nature of each processor's external
// I/O, not from parallel execution slots.
type Engine struct {
	mu          sync.Mutex
	cfg         Config
	store       *storage.JobStore
	procs       map[storage.JobType]Processor
	device      DeviceIdentityProvider
	bus         *Bus
	active      map[string]*storage.Job
	executing   map[string]time.Time // job id -> execution start, for the stuck sweep
	runningID   string
	initialized bool
	closed      bool
	timers      map[*time.Timer]struct{}
	now         func() time.Time
}

// NewEngine wires the engine with its processor set at construction time;
// processors are never looked up dynamically after this point.
func NewEngine(store *storage.JobStore, procs map[storage.JobType]Processor, device DeviceIdentityProvider, cfg Config) *Engine {
	return &Engine{
		cfg:       cfg.withDefaults(),
		store:     store,
		procs:     procs,
		device:    device,
		bus:       NewBus(),
		active:    make(map[string]*storage.Job),
		executing: make(map[string]time.Time),
		timers:    make(map[*time.Timer]struct{}),
		now:       time.Now,
	}
}

// Bus exposes the engine's event stream for subscribers.
func (e *Engine) Bus() *Bus { return e.bus }

// Initialize loads persisted jobs, reconciles any left in processing by a
// prior process, and starts scheduling. Safe to call more than once.
func (e *Engine) Initialize() error {
	e.mu.Lock()
	if e.initialized {
		e.mu.Unlock()
		return nil
	}
	for _, j := range e.store.LoadActive() {
		if j.Status == storage.StatusProcessing {
			// The execution context died with the old process.
			log.Printf("[engine] recovering job %s from processing to queued", j.ID)
			j.Status = storage.StatusQueued
			j.StartedAt = nil
			j.EstimatedAt = nil
		}
		e.active[j.ID] = j
	}
	e.store.SaveActive(e.activeSliceLocked())
	e.initialized = true
	e.mu.Unlock()

	e.dispatch()
	return nil
}

// Dispose stops scheduling. The currently running execution, if any, is left
// to finish against a missing record, which is a no-op.
func (e *Engine) Dispose() {
	e.mu.Lock()
	e.closed = true
	for t := range e.timers {
		t.Stop()
	}
	e.timers = make(map[*time.Timer]struct{})
	e.mu.Unlock()
}

// Enqueue admits a new job. A job already active for the same (type, upc)
// pair is returned instead of creating a duplicate. At capacity the engine
// first sweeps stuck jobs; if the set is still full, ErrQueueFull.
func (e *Engine) Enqueue(req EnqueueRequest) (*storage.Job, error) {
	if !storage.KnownType(req.Type) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, req.Type)
	}
	if req.UPC == "" {
		return nil, errors.New("upc is required")
	}

	e.mu.Lock()
	for _, j := range e.active {
		if j.Type == req.Type && j.UPC == req.UPC {
			dup := j.Clone()
			e.mu.Unlock()
			log.Printf("[engine] duplicate enqueue for (%s, %s), returning job %s", req.Type, req.UPC, dup.ID)
			return dup, nil
		}
	}

	var swept []Event
	if len(e.active) >= e.cfg.MaxActive {
		swept = e.sweepLocked(e.now())
	}
	if len(e.active) >= e.cfg.MaxActive {
		e.mu.Unlock()
		e.emitAll(swept)
		return nil, ErrQueueFull
	}

	now := e.now()
	job := &storage.Job{
		ID:            storage.NewJobID(now),
		Type:          req.Type,
		Status:        storage.StatusQueued,
		Priority:      req.Priority,
		UPC:           req.UPC,
		ImageRef:      req.ImageRef,
		ExistingData:  req.ExistingData,
		MaxRetries:    storage.DefaultMaxRetries(req.Type),
		CreatedAt:     now,
		WorkflowID:    req.WorkflowID,
		WorkflowType:  req.WorkflowType,
		WorkflowSteps: req.WorkflowSteps,
	}
	if job.Priority == 0 {
		job.Priority = storage.DefaultPriority(req.Type)
	}
	if e.device != nil {
		if id, err := e.device.DeviceID(); err == nil {
			job.DeviceID = id
		} else {
			log.Printf("[engine] device identity unavailable: %v", err)
		}
	}
	if err := job.ValidateBasic(); err != nil {
		e.mu.Unlock()
		e.emitAll(swept)
		return nil, err
	}

	e.active[job.ID] = job
	e.store.SaveActive(e.activeSliceLocked())
	out := job.Clone()
	e.mu.Unlock()

	e.emitAll(swept)
	e.bus.Emit(Event{Kind: EventJobAdded, Job: out.Clone()})
	e.dispatch()
	return out, nil
}

// Cancel transitions a still-queued job to cancelled. Jobs that have started
// processing run to completion; cancellation is rejected for them.
func (e *Engine) Cancel(jobID string) bool {
	e.mu.Lock()
	j, ok := e.active[jobID]
	if !ok || j.Status != storage.StatusQueued {
		e.mu.Unlock()
		return false
	}
	now := e.now()
	j.Status = storage.StatusCancelled
	j.CompletedAt = &now
	delete(e.active, jobID)
	e.store.AppendCompleted(j)
	e.store.SaveActive(e.activeSliceLocked())
	out := j.Clone()
	e.mu.Unlock()

	e.bus.Emit(Event{Kind: EventJobUpdated, Job: out})
	return true
}

// Retry puts a terminally failed job back in the queue with a fresh retry
// budget and a cleared error.
func (e *Engine) Retry(jobID string) bool {
	e.mu.Lock()
	if len(e.active) >= e.cfg.MaxActive {
		e.mu.Unlock()
		return false
	}
	retryable := false
	for _, c := range e.store.LoadCompleted() {
		if c.ID == jobID && c.Status == storage.StatusFailed {
			retryable = true
			break
		}
	}
	if !retryable {
		e.mu.Unlock()
		return false
	}
	j := e.store.TakeCompleted(jobID)
	if j == nil {
		e.mu.Unlock()
		return false
	}
	j.Status = storage.StatusQueued
	j.RetryCount = 0
	j.ErrorMessage = ""
	j.Result = nil
	j.StartedAt = nil
	j.CompletedAt = nil
	j.EstimatedAt = nil
	e.active[j.ID] = j
	e.store.SaveActive(e.activeSliceLocked())
	out := j.Clone()
	e.mu.Unlock()

	e.bus.Emit(Event{Kind: EventJobUpdated, Job: out})
	e.dispatch()
	return true
}

// GetActiveJobs returns the active set in scheduling order.
func (e *Engine) GetActiveJobs() []*storage.Job {
	e.mu.Lock()
	jobs := make([]*storage.Job, 0, len(e.active))
	for _, j := range e.active {
		jobs = append(jobs, j.Clone())
	}
	e.mu.Unlock()
	sortJobs(jobs)
	return jobs
}

// GetCompletedJobs returns the completed ring, newest first.
func (e *Engine) GetCompletedJobs() []*storage.Job {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.store.LoadCompleted()
}

// GetJob looks a job up by id across the active set and the completed ring.
func (e *Engine) GetJob(jobID string) (*storage.Job, bool) {
	e.mu.Lock()
	if j, ok := e.active[jobID]; ok {
		out := j.Clone()
		e.mu.Unlock()
		return out, true
	}
	completed := e.store.LoadCompleted()
	e.mu.Unlock()
	for _, j := range completed {
		if j.ID == jobID {
			return j, true
		}
	}
	return nil, false
}

// GetQueueStats returns aggregate counts per status.
func (e *Engine) GetQueueStats() QueueStats {
	e.mu.Lock()
	var st QueueStats
	for _, j := range e.active {
		switch j.Status {
		case storage.StatusQueued:
			st.Queued++
		case storage.StatusProcessing:
			st.Processing++
		}
	}
	st.ActiveTotal = len(e.active)
	completed := e.store.LoadCompleted()
	e.mu.Unlock()
	for _, j := range completed {
		switch j.Status {
		case storage.StatusCompleted:
			st.Completed++
		case storage.StatusFailed:
			st.Failed++
		case storage.StatusCancelled:
			st.Cancelled++
		}
	}
	st.CompletedTotal = len(completed)
	return st
}

// ClearCompleted drops the completed ring.
func (e *Engine) ClearCompleted() {
	e.mu.Lock()
	e.store.ClearCompleted()
	e.mu.Unlock()
	e.bus.Emit(Event{Kind: EventJobsCleared})
}

// ClearAll drops everything, including queued work. The in-flight execution,
// if any, finishes against a missing record.
func (e *Engine) ClearAll() {
	e.mu.Lock()
	e.active = make(map[string]*storage.Job)
	e.executing = make(map[string]time.Time)
	e.runningID = ""
	e.store.ClearAll()
	e.mu.Unlock()
	e.bus.Emit(Event{Kind: EventJobsCleared})
}

// CleanupStuckJobs reclaims processing jobs whose execution context is gone
// or has exceeded the hard limit. Returns how many jobs were terminalized.
func (e *Engine) CleanupStuckJobs() int {
	e.mu.Lock()
	events := e.sweepLocked(e.now())
	e.mu.Unlock()
	e.emitAll(events)
	return len(events)
}

// dispatch selects the single highest-priority queued job and starts it.
// Re-entrant calls while a job is mid-execution are no-ops.
func (e *Engine) dispatch() {
	e.mu.Lock()
	if e.closed || !e.initialized || e.runningID != "" {
		e.mu.Unlock()
		return
	}
	var next *storage.Job
	for _, j := range e.active {
		if j.Status != storage.StatusQueued {
			continue
		}
		if next == nil || jobLess(j, next) {
			next = j
		}
	}
	if next == nil {
		e.mu.Unlock()
		return
	}

	now := e.now()
	est := now.Add(storage.EstimatedDuration(next.Type))
	next.Status = storage.StatusProcessing
	next.StartedAt = &now
	next.EstimatedAt = &est
	e.runningID = next.ID
	e.executing[next.ID] = now
	e.store.SaveActive(e.activeSliceLocked())
	run := next.Clone()
	e.mu.Unlock()

	e.bus.Emit(Event{Kind: EventJobUpdated, Job: run.Clone()})
	go e.execute(run)
}

// execute races the processor against the configured timeout. Processor
// panics and errors are both contained here.
func (e *Engine) execute(job *storage.Job) {
	proc := e.procs[job.Type]
	if proc == nil {
		e.finish(job, nil, fmt.Errorf("%w: %q", ErrUnknownType, job.Type))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.JobTimeout)
	defer cancel()

	type outcome struct {
		payload json.RawMessage
		err     error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("processor panic: %v", r)}
			}
		}()
		payload, err := proc(ctx, job)
		done <- outcome{payload: payload, err: err}
	}()

	select {
	case o := <-done:
		e.finish(job, o.payload, o.err)
	case <-ctx.Done():
		e.finish(job, nil, fmt.Errorf("job timed out after %s", e.cfg.JobTimeout))
	}
}

// finish applies the execution result to the state machine. The job passed in
// is the executor's copy; the authoritative record is looked up by id.
func (e *Engine) finish(ran *storage.Job, payload json.RawMessage, execErr error) {
	e.mu.Lock()
	if e.runningID == ran.ID {
		e.runningID = ""
	}
	delete(e.executing, ran.ID)
	j, ok := e.active[ran.ID]
	if !ok {
		// Swept or cleared while executing; nothing to record.
		e.mu.Unlock()
		e.dispatchAfter(e.cfg.DispatchDelay)
		return
	}
	// Carry the cached transfer encoding forward so a retry skips re-encoding.
	if ran.ImageEncoding != "" && j.ImageEncoding == "" {
		j.ImageEncoding = ran.ImageEncoding
	}

	now := e.now()
	var ev Event
	switch {
	case execErr == nil:
		j.Status = storage.StatusCompleted
		j.CompletedAt = &now
		j.Result = payload
		j.ErrorMessage = ""
		delete(e.active, j.ID)
		e.store.AppendCompleted(j)
		e.store.SaveActive(e.activeSliceLocked())
		ev = Event{Kind: EventJobCompleted, Job: j.Clone()}
		e.mu.Unlock()
		e.bus.Emit(ev)
		e.dispatchAfter(e.cfg.DispatchDelay)

	case j.RetryCount < j.MaxRetries:
		j.RetryCount++
		j.Status = storage.StatusQueued
		j.ErrorMessage = execErr.Error()
		j.StartedAt = nil
		j.EstimatedAt = nil
		e.store.SaveActive(e.activeSliceLocked())
		delay := e.backoffDelay(j.RetryCount)
		ev = Event{Kind: EventJobUpdated, Job: j.Clone()}
		e.mu.Unlock()
		log.Printf("[engine] job %s failed (%v), retry %d/%d in %v", ran.ID, execErr, j.RetryCount, j.MaxRetries, delay)
		e.bus.Emit(ev)
		e.dispatchAfter(delay)

	default:
		j.Status = storage.StatusFailed
		j.CompletedAt = &now
		j.ErrorMessage = execErr.Error()
		delete(e.active, j.ID)
		e.store.AppendCompleted(j)
		e.store.SaveActive(e.activeSliceLocked())
		ev = Event{Kind: EventJobFailed, Job: j.Clone()}
		e.mu.Unlock()
		log.Printf("[engine] job %s failed permanently after %d retries: %v", ran.ID, j.RetryCount, execErr)
		e.bus.Emit(ev)
		e.dispatchAfter(e.cfg.DispatchDelay)
	}
}

// sweepLocked terminalizes orphaned and hung processing jobs. Caller holds
// the lock and must emit the returned events after releasing it.
func (e *Engine) sweepLocked(now time.Time) []Event {
	var events []Event
	changed := false
	for id, j := range e.active {
		if j.Status != storage.StatusProcessing {
			continue
		}
		started, tracked := e.executing[id]
		if !tracked {
			if j.StartedAt != nil {
				started = *j.StartedAt
			} else {
				started = j.CreatedAt
			}
			if now.Sub(started) < e.cfg.StuckGrace {
				continue
			}
		} else if now.Sub(started) < e.cfg.StuckHard {
			continue
		}

		delete(e.active, id)
		delete(e.executing, id)
		if e.runningID == id {
			e.runningID = ""
		}
		j.CompletedAt = &now
		if len(j.Result) > 0 {
			// Best-effort reconciliation: a populated result means the work
			// most likely finished and only the completion handshake was lost.
			log.Printf("[engine] stuck job %s has a result, reclassifying as completed", id)
			j.Status = storage.StatusCompleted
			events = append(events, Event{Kind: EventJobCompleted, Job: j.Clone()})
		} else {
			j.Status = storage.StatusFailed
			if tracked {
				j.ErrorMessage = fmt.Sprintf("processing exceeded %s hard limit", e.cfg.StuckHard)
			} else {
				j.ErrorMessage = "orphaned: no execution context for processing job"
			}
			events = append(events, Event{Kind: EventJobFailed, Job: j.Clone()})
		}
		e.store.AppendCompleted(j)
		changed = true
	}
	if changed {
		e.store.SaveActive(e.activeSliceLocked())
	}
	return events
}

func (e *Engine) emitAll(events []Event) {
	for _, ev := range events {
		e.bus.Emit(ev)
	}
}

func (e *Engine) backoffDelay(retryCount int) time.Duration {
	d := e.cfg.BackoffBase << uint(retryCount)
	if d > 60*time.Second {
		d = 60 * time.Second
	}
	return d
}

func (e *Engine) dispatchAfter(d time.Duration) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	var t *time.Timer
	t = time.AfterFunc(d, func() {
		e.mu.Lock()
		delete(e.timers, t)
		e.mu.Unlock()
		e.dispatch()
	})
	e.timers[t] = struct{}{}
	e.mu.Unlock()
}

func (e *Engine) activeSliceLocked() []*storage.Job {
	jobs := make([]*storage.Job, 0, len(e.active))
	for _, j := range e.active {
		jobs = append(jobs, j)
	}
	sortJobs(jobs)
	return jobs
}

// jobLess orders by priority (higher first), then creation time (earlier
// first), then id for a stable tie-break.
func jobLess(a, b *storage.Job) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

func sortJobs(jobs []*storage.Job) {
	sort.Slice(jobs, func(i, k int) bool { return jobLess(jobs[i], jobs[k]) })
}
