package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"

	"github.com/gorilla/mux"

	"scan-job-queue/internal/queue"
	"scan-job-queue/internal/storage"
	"scan-job-queue/internal/version"
	"scan-job-queue/internal/workflow"
)

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	Engine        *queue.Engine
	Notifications *workflow.Aggregator
}

// NewRouter builds the HTTP router with routes bound to our handlers.
func NewRouter(h *Handler) http.Handler {
	r := mux.NewRouter()

	r.Use(versionHeaderMiddleware)

	r.HandleFunc("/jobs", h.CreateJob).Methods("POST")
	r.HandleFunc("/jobs", h.ListActiveJobs).Methods("GET")
	r.HandleFunc("/jobs/completed", h.ListCompletedJobs).Methods("GET")
	r.HandleFunc("/jobs/completed", h.ClearCompleted).Methods("DELETE")
	r.HandleFunc("/jobs/stats", h.QueueStats).Methods("GET")
	r.HandleFunc("/jobs/{id}", h.GetJob).Methods("GET")
	r.HandleFunc("/jobs/{id}/cancel", h.CancelJob).Methods("POST")
	r.HandleFunc("/jobs/{id}/retry", h.RetryJob).Methods("POST")

	r.HandleFunc("/notifications", h.ListNotifications).Methods("GET")
	r.HandleFunc("/notifications", h.ClearNotifications).Methods("DELETE")
	r.HandleFunc("/notifications/{id}/dismiss", h.DismissNotification).Methods("POST")

	r.HandleFunc("/app/state", h.SetAppState).Methods("PUT")
	return r
}

func versionHeaderMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-App-Version", version.Version)
		next.ServeHTTP(w, r)
	})
}

type createJobRequest struct {
	Type          storage.JobType        `json:"type"`
	ImageRef      string                 `json:"image_ref"`
	UPC           string                 `json:"upc"`
	Priority      int                    `json:"priority,omitempty"`
	ExistingData  json.RawMessage        `json:"existing_data,omitempty"`
	WorkflowID    string                 `json:"workflow_id,omitempty"`
	WorkflowType  storage.WorkflowType   `json:"workflow_type,omitempty"`
	WorkflowSteps *storage.WorkflowSteps `json:"workflow_steps,omitempty"`
}

// CreateJob accepts a JSON payload to enqueue a job. A duplicate of an
// already-active (type, upc) pair returns that job instead of a new one.
func (h *Handler) CreateJob(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	defer r.Body.Close()
	var req createJobRequest
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	job, err := h.Engine.Enqueue(queue.EnqueueRequest{
		Type:          req.Type,
		ImageRef:      req.ImageRef,
		UPC:           req.UPC,
		Priority:      req.Priority,
		ExistingData:  req.ExistingData,
		WorkflowID:    req.WorkflowID,
		WorkflowType:  req.WorkflowType,
		WorkflowSteps: req.WorkflowSteps,
	})
	if err != nil {
		if errors.Is(err, queue.ErrQueueFull) {
			http.Error(w, err.Error(), http.StatusTooManyRequests)
			return
		}
		log.Printf("enqueue error: %v", err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(job)
}

// ListActiveJobs returns the active set in scheduling order.
func (h *Handler) ListActiveJobs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, h.Engine.GetActiveJobs())
}

// ListCompletedJobs returns the completed ring, newest first.
func (h *Handler) ListCompletedJobs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, h.Engine.GetCompletedJobs())
}

// ClearCompleted drops the completed ring.
func (h *Handler) ClearCompleted(w http.ResponseWriter, r *http.Request) {
	h.Engine.ClearCompleted()
	w.WriteHeader(http.StatusNoContent)
}

// QueueStats returns aggregate counts per status.
func (h *Handler) QueueStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, h.Engine.GetQueueStats())
}

// GetJob returns job metadata so clients can poll status.
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	job, ok := h.Engine.GetJob(id)
	if !ok {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	writeJSON(w, job)
}

// CancelJob cancels a still-queued job. Processing jobs run to completion.
func (h *Handler) CancelJob(w http.ResponseWriter, r *http.Request) {
	if !h.Engine.Cancel(mux.Vars(r)["id"]) {
		http.Error(w, "job is not queued", http.StatusConflict)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RetryJob puts a terminally failed job back in the queue.
func (h *Handler) RetryJob(w http.ResponseWriter, r *http.Request) {
	if !h.Engine.Retry(mux.Vars(r)["id"]) {
		http.Error(w, "job is not retryable", http.StatusConflict)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListNotifications returns the pending workflow notifications.
func (h *Handler) ListNotifications(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, h.Notifications.Pending())
}

// DismissNotification removes one pending notification.
func (h *Handler) DismissNotification(w http.ResponseWriter, r *http.Request) {
	if !h.Notifications.Dismiss(mux.Vars(r)["id"]) {
		http.Error(w, "notification not found", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ClearNotifications drops every pending notification.
func (h *Handler) ClearNotifications(w http.ResponseWriter, r *http.Request) {
	h.Notifications.Clear()
	w.WriteHeader(http.StatusNoContent)
}

type appStateRequest struct {
	Foreground bool `json:"foreground"`
}

// SetAppState tells the notification layer whether the host app is
// foregrounded; backgrounded notifications buffer until it returns.
func (h *Handler) SetAppState(w http.ResponseWriter, r *http.Request) {
	var req appStateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	h.Notifications.SetForeground(req.Foreground)
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
