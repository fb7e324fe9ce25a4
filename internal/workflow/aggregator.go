package workflow

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"scan-job-queue/internal/queue"
	"scan-job-queue/internal/storage"
)

// NotificationType distinguishes success cards from error cards.
type NotificationType string

const (
	NotifySuccess NotificationType = "success"
	NotifyError   NotificationType = "error"
)

// Notification is one user-facing card on the workflow notification surface.
type Notification struct {
	ID        string           `json:"id"`
	Job       *storage.Job     `json:"job"`
	Product   json.RawMessage  `json:"product,omitempty"`
	Message   string           `json:"message"`
	Type      NotificationType `json:"type"`
	Timestamp time.Time        `json:"timestamp"`
}

// HistoryEntry is one row of the user's product history.
type HistoryEntry struct {
	UPC       string          `json:"upc"`
	Product   json.RawMessage `json:"product,omitempty"`
	New       bool            `json:"new"` // drives the UI badge/star
	UpdatedAt time.Time       `json:"updated_at"`
}

// HistoryStore is the product-history collaborator the aggregator drives.
type HistoryStore interface {
	Upsert(e HistoryEntry)
	Get(upc string) (HistoryEntry, bool)
}

// workflowState aggregates job outcomes for one workflow id.
type workflowState struct {
	wfType     storage.WorkflowType
	totalSteps int
	completed  map[string]struct{}
	failed     map[string]struct{}
	errors     map[ErrorCategory]struct{}
	product    json.RawMessage // most recent successful product snapshot
	touched    time.Time
}

// decided reports whether every step has reached a terminal outcome.
func (s *workflowState) decided() bool   { return len(s.completed)+len(s.failed) >= s.totalSteps }
func (s *workflowState) hasErrors() bool { return len(s.errors) > 0 }

const (
	maxPendingNotifications = 5
	maxWorkflowStates       = 64
	maxProcessedIDs         = 1024
)

// Aggregator folds the per-job event stream into at most one notification
// per workflow and keeps the product history consistent. It owns its state
// exclusively; it never mutates Job records.
type Aggregator struct {
	mu         sync.Mutex
	history    HistoryStore
	now        func() time.Time
	states     map[string]*workflowState
	processed  map[string]struct{}
	pending    []Notification
	buffered   []Notification
	foreground bool
	unsubs     []func()
}

func NewAggregator(history HistoryStore) *Aggregator {
	return &Aggregator{
		history:    history,
		now:        time.Now,
		states:     make(map[string]*workflowState),
		processed:  make(map[string]struct{}),
		foreground: true,
	}
}

// Attach subscribes the aggregator to the engine's terminal events.
func (a *Aggregator) Attach(bus *queue.Bus) {
	a.unsubs = append(a.unsubs,
		bus.Subscribe(queue.EventJobCompleted, a.handle),
		bus.Subscribe(queue.EventJobFailed, a.handle),
	)
}

// Close detaches from the event stream and drops all workflow state.
func (a *Aggregator) Close() {
	for _, u := range a.unsubs {
		u()
	}
	a.unsubs = nil
	a.mu.Lock()
	a.states = make(map[string]*workflowState)
	a.buffered = nil
	a.mu.Unlock()
}

// SetForeground switches presentation mode. Returning to foreground flushes
// every buffered notification onto the pending list.
func (a *Aggregator) SetForeground(fg bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.foreground = fg
	if fg && len(a.buffered) > 0 {
		a.pending = append(a.pending, a.buffered...)
		a.buffered = nil
		a.trimPendingLocked()
	}
}

// Pending returns the ordered pending notifications, oldest first.
func (a *Aggregator) Pending() []Notification {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Notification, len(a.pending))
	copy(out, a.pending)
	return out
}

// Dismiss removes one pending notification by id.
func (a *Aggregator) Dismiss(id string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i, n := range a.pending {
		if n.ID == id {
			a.pending = append(a.pending[:i], a.pending[i+1:]...)
			return true
		}
	}
	return false
}

// Clear drops every pending notification.
func (a *Aggregator) Clear() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pending = nil
}

// handle processes one terminal job event. Each event is wrapped
// individually so one malformed job never blocks the stream.
func (a *Aggregator) handle(ev queue.Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[workflow] event handler panic: %v", r)
		}
	}()
	job := ev.Job
	if job == nil {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if _, seen := a.processed[job.ID]; seen {
		return
	}
	if len(a.processed) >= maxProcessedIDs {
		a.processed = make(map[string]struct{})
	}
	a.processed[job.ID] = struct{}{}

	if job.WorkflowID == "" {
		a.handleIndividualLocked(ev.Kind, job)
		return
	}
	a.handleWorkflowLocked(ev.Kind, job)
}

func (a *Aggregator) handleWorkflowLocked(kind queue.EventKind, job *storage.Job) {
	st := a.stateForLocked(job)
	st.touched = a.now()

	if kind == queue.EventJobCompleted {
		st.completed[job.ID] = struct{}{}
		if p := extractProduct(job.Result); p != nil {
			st.product = p
		}
		a.updateHistoryLocked(job, st)
	} else {
		st.failed[job.ID] = struct{}{}
		st.errors[classify(job.Type)] = struct{}{}
	}

	// Nothing is said until every step is terminal; failures keep
	// accumulating so the final message reflects the most foundational one.
	if !st.decided() {
		return
	}

	if st.hasErrors() {
		a.emitLocked(Notification{
			Job:     job.Clone(),
			Product: st.product,
			Message: errorMessage(st.wfType, dominant(st.errors)),
			Type:    NotifyError,
		})
	} else if job.Type != storage.TypeProductCreation {
		// Product-creation completions stay silent on their own; a workflow
		// that *ends* on one therefore resolves without a card.
		a.emitLocked(Notification{
			Job:     job.Clone(),
			Product: st.product,
			Message: successMessage(st.wfType),
			Type:    NotifySuccess,
		})
	}
	delete(a.states, job.WorkflowID)
}

// updateHistoryLocked applies the per-workflow history policy for a
// successful job. Failed jobs never touch history.
func (a *Aggregator) updateHistoryLocked(job *storage.Job, st *workflowState) {
	if a.history == nil {
		return
	}
	product := extractProduct(job.Result)

	switch st.wfType {
	case storage.WorkflowAddNewProduct:
		markNew := true
		if job.Type != storage.TypeProductCreation {
			// Later steps refresh the data but keep the flag the creation
			// step set.
			if prev, ok := a.history.Get(job.UPC); ok {
				markNew = prev.New
			}
		}
		a.history.Upsert(HistoryEntry{UPC: job.UPC, Product: product, New: markNew, UpdatedAt: a.now()})

	case storage.WorkflowReportProductIssue, storage.WorkflowReportIngredientIssue:
		if job.Type == storage.TypeProductCreation {
			// Silent data refresh; the flag is untouched.
			prevNew := false
			if prev, ok := a.history.Get(job.UPC); ok {
				prevNew = prev.New
			}
			a.history.Upsert(HistoryEntry{UPC: job.UPC, Product: product, New: prevNew, UpdatedAt: a.now()})
			return
		}
		// Photo and ingredient updates get the badge.
		a.history.Upsert(HistoryEntry{UPC: job.UPC, Product: product, New: true, UpdatedAt: a.now()})
	}
}

func (a *Aggregator) handleIndividualLocked(kind queue.EventKind, job *storage.Job) {
	if kind == queue.EventJobFailed {
		// The engine's error string is diagnostic, not user-facing; it goes
		// to the log and the card gets the canned wording.
		if job.ErrorMessage != "" {
			log.Printf("[workflow] job %s (%s) failed: %s", job.ID, job.Type, job.ErrorMessage)
		}
		a.emitLocked(Notification{
			Job:     job.Clone(),
			Message: errorMessage("", classify(job.Type)),
			Type:    NotifyError,
		})
		return
	}
	// Successful independent jobs stay silent unless the result looks shaky.
	if msg, low := lowConfidence(job.Result); low {
		a.emitLocked(Notification{
			Job:     job.Clone(),
			Product: extractProduct(job.Result),
			Message: msg,
			Type:    NotifyError,
		})
	}
}

func (a *Aggregator) emitLocked(n Notification) {
	n.ID = uuid.NewString()
	n.Timestamp = a.now()
	if !a.foreground {
		a.buffered = append(a.buffered, n)
		return
	}
	a.pending = append(a.pending, n)
	a.trimPendingLocked()
}

func (a *Aggregator) trimPendingLocked() {
	if len(a.pending) > maxPendingNotifications {
		a.pending = a.pending[len(a.pending)-maxPendingNotifications:]
	}
}

// stateForLocked looks up or lazily creates the workflow state, evicting the
// least-recently-touched entry when the arena is full.
func (a *Aggregator) stateForLocked(job *storage.Job) *workflowState {
	if st, ok := a.states[job.WorkflowID]; ok {
		return st
	}
	if len(a.states) >= maxWorkflowStates {
		var oldestID string
		var oldest time.Time
		for id, st := range a.states {
			if oldestID == "" || st.touched.Before(oldest) {
				oldestID, oldest = id, st.touched
			}
		}
		log.Printf("[workflow] evicting stale workflow state %s", oldestID)
		delete(a.states, oldestID)
	}
	total := 1
	if job.WorkflowSteps != nil {
		total = job.WorkflowSteps.Total
	}
	st := &workflowState{
		wfType:     job.WorkflowType,
		totalSteps: total,
		completed:  make(map[string]struct{}),
		failed:     make(map[string]struct{}),
		errors:     make(map[ErrorCategory]struct{}),
	}
	a.states[job.WorkflowID] = st
	return st
}

// MemoryHistory is an in-process HistoryStore.
type MemoryHistory struct {
	mu sync.RWMutex
	m  map[string]HistoryEntry
}

func NewMemoryHistory() *MemoryHistory {
	return &MemoryHistory{m: make(map[string]HistoryEntry)}
}

func (h *MemoryHistory) Upsert(e HistoryEntry) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.m[e.UPC] = e
}

func (h *MemoryHistory) Get(upc string) (HistoryEntry, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	e, ok := h.m[upc]
	return e, ok
}
