package task

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// DefaultRetention is how long a terminal task stays queryable before
// the registry reaps it. Overridden via TASK_RETENTION_SECONDS.
const DefaultRetention = 5 * time.Second

// ErrScanAlreadyRunning is returned by Create when the user already has
// a non-terminal task.
var ErrScanAlreadyRunning = errors.New("a scan is already running for this user")

var activeTasks = prometheus.NewGauge(prometheus.GaugeOpts{
	Name: "eidolon_tasks_active",
	Help: "Tasks currently in a non-terminal state.",
})

func init() {
	prometheus.MustRegister(activeTasks)
}

// CancelResult distinguishes the three outcomes of a cancel request so
// the HTTP layer can answer idempotently.
type CancelResult int

const (
	CancelIssued CancelResult = iota
	CancelNotFound
	CancelAlreadyTerminal
)

// Registry is the in-memory task table. It enforces the one-running-
// scan-per-user rule and reaps terminal tasks after the retention
// window.
type Registry struct {
	mu        sync.Mutex
	tasks     map[string]*record
	byUser    map[string]string
	retention time.Duration
	logger    *zap.Logger

	now   func() time.Time
	after func(time.Duration, func()) // swapped out in tests
}

// NewRegistry creates a registry retaining terminal tasks for the given
// duration. Non-positive retention takes DefaultRetention.
func NewRegistry(retention time.Duration, logger *zap.Logger) *Registry {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Registry{
		tasks:     make(map[string]*record),
		byUser:    make(map[string]string),
		retention: retention,
		logger:    logger,
		now:       time.Now,
		after:     func(d time.Duration, fn func()) { time.AfterFunc(d, fn) },
	}
}

// Create registers a new task for userID in status created. The cancel
// function is invoked when the task is cancelled. At most one
// non-terminal task may exist per user.
func (r *Registry) Create(userID string, cancel func()) (Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if activeID, ok := r.byUser[userID]; ok {
		if rec := r.tasks[activeID]; rec != nil && !rec.status.Terminal() {
			return Snapshot{}, ErrScanAlreadyRunning
		}
		delete(r.byUser, userID)
	}

	now := r.now().UTC()
	rec := &record{
		id:        uuid.NewString(),
		userID:    userID,
		status:    StatusCreated,
		createdAt: now,
		updatedAt: now,
		cancel:    cancel,
	}
	r.tasks[rec.id] = rec
	r.byUser[userID] = rec.id
	activeTasks.Inc()

	r.logger.Info("task created",
		zap.String("task_id", rec.id),
		zap.String("user_id", userID),
	)
	return rec.snapshot(), nil
}

// Get returns a snapshot of the task, if it exists and has not been
// reaped.
func (r *Registry) Get(id string) (Snapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.tasks[id]
	if !ok {
		return Snapshot{}, false
	}
	return rec.snapshot(), true
}

// ActiveForUser returns the user's current non-terminal task, if any.
func (r *Registry) ActiveForUser(userID string) (Snapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byUser[userID]
	if !ok {
		return Snapshot{}, false
	}
	rec := r.tasks[id]
	if rec == nil || rec.status.Terminal() {
		return Snapshot{}, false
	}
	return rec.snapshot(), true
}

// Start transitions a created task to running and records its stage.
func (r *Registry) Start(id, stage string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec := r.tasks[id]
	if rec == nil || rec.status.Terminal() {
		return
	}
	rec.status = StatusRunning
	rec.stage = stage
	rec.updatedAt = r.now().UTC()
}

// SetStage updates the running task's stage label.
func (r *Registry) SetStage(id, stage string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec := r.tasks[id]
	if rec == nil || rec.status.Terminal() {
		return
	}
	rec.stage = stage
	rec.updatedAt = r.now().UTC()
}

// Progress records the processed counter and, once known, the total.
func (r *Registry) Progress(id string, processed int64, total *int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec := r.tasks[id]
	if rec == nil || rec.status.Terminal() {
		return
	}
	rec.eventsProcessed = processed
	if total != nil {
		v := *total
		rec.totalEvents = &v
	}
	rec.updatedAt = r.now().UTC()
}

// NextSeq allocates the next per-task event sequence number, starting
// at 1. Sequence numbers survive into terminal state so the final
// status frame can still be numbered.
func (r *Registry) NextSeq(id string) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec := r.tasks[id]
	if rec == nil {
		return 0
	}
	rec.seq++
	return rec.seq
}

// Cancel requests cancellation of the task. The status transition to
// cancelled happens later, when the orchestrator finalizes; Cancel only
// fires the task's cancel function. Repeated cancels of a live task are
// no-ops that still report CancelIssued.
func (r *Registry) Cancel(id string) CancelResult {
	r.mu.Lock()
	rec, ok := r.tasks[id]
	if !ok {
		r.mu.Unlock()
		return CancelNotFound
	}
	if rec.status.Terminal() {
		r.mu.Unlock()
		return CancelAlreadyTerminal
	}
	already := rec.cancelled
	rec.cancelled = true
	cancel := rec.cancel
	r.mu.Unlock()

	if !already && cancel != nil {
		cancel()
	}
	r.logger.Info("task cancel requested", zap.String("task_id", id))
	return CancelIssued
}

// Cancelled reports whether a cancel was requested for the task.
func (r *Registry) Cancelled(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec := r.tasks[id]
	return rec != nil && rec.cancelled
}

// Finalize moves the task to a terminal status exactly once, frees the
// user's running-scan slot, and schedules the record for reaping after
// the retention window. It returns false if the task was already
// terminal or unknown.
func (r *Registry) Finalize(id string, status Status, errMsg string) bool {
	if !status.Terminal() {
		return false
	}

	r.mu.Lock()
	rec, ok := r.tasks[id]
	if !ok || rec.status.Terminal() {
		r.mu.Unlock()
		return false
	}
	now := r.now().UTC()
	rec.status = status
	rec.errMsg = errMsg
	rec.updatedAt = now
	rec.finishedAt = &now
	if r.byUser[rec.userID] == id {
		delete(r.byUser, rec.userID)
	}
	r.mu.Unlock()
	activeTasks.Dec()

	r.logger.Info("task finalized",
		zap.String("task_id", id),
		zap.String("status", string(status)),
	)
	r.after(r.retention, func() { r.reap(id) })
	return true
}

func (r *Registry) reap(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tasks, id)
}

// Active returns snapshots of every non-terminal task, for shutdown
// sweeps.
func (r *Registry) Active() []Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Snapshot
	for _, rec := range r.tasks {
		if !rec.status.Terminal() {
			out = append(out, rec.snapshot())
		}
	}
	return out
}
