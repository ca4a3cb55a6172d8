package jobs

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Heratiki/locallama-mcp/internal/fault"
)

// Tracker is the single-process job registry. Exclusive writers,
// concurrent readers. Every mutation takes pubMu before releasing the
// state lock, so bus subscribers observe events in mutation order: no
// progress event can follow a terminal status event for the same job.
// Subscribers must not call mutating tracker methods from their
// callback.
type Tracker struct {
	mu     sync.RWMutex
	pubMu  sync.Mutex
	jobs   map[string]*Job
	bus    *Bus
	logger *zap.Logger
}

// NewTracker builds a Tracker publishing to bus.
func NewTracker(bus *Bus, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if bus == nil {
		bus = NewBus()
	}
	return &Tracker{jobs: make(map[string]*Job), bus: bus, logger: logger}
}

// Bus exposes the tracker's event bus for subscribers.
func (t *Tracker) Bus() *Bus { return t.bus }

// Create opens a Queued job and returns its copy.
func (t *Tracker) Create(task, model string) Job {
	job := &Job{
		ID:        uuid.NewString(),
		Task:      task,
		Status:    Queued,
		StartTime: time.Now(),
		Model:     model,
	}
	t.mu.Lock()
	t.jobs[job.ID] = job
	snapshot := *job
	t.pubMu.Lock()
	t.mu.Unlock()

	t.publishStatus(snapshot)
	t.pubMu.Unlock()
	t.logger.Info("job created", zap.String("job", job.ID), zap.String("model", model))
	return snapshot
}

// Get returns a copy of the job.
func (t *Tracker) Get(id string) (Job, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	job, ok := t.jobs[id]
	if !ok {
		return Job{}, fault.New(fault.NotFound, "job %q does not exist", id)
	}
	return *job, nil
}

// Active returns copies of all non-terminal jobs, ordered by start
// time then id for stable iteration.
func (t *Tracker) Active() []Job {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var active []Job
	for _, job := range t.jobs {
		if !job.Status.Terminal() {
			active = append(active, *job)
		}
	}
	sortJobs(active)
	return active
}

// UpdateProgress records a progress percentage; the first update moves
// a Queued job to InProgress. Updates on terminal jobs are rejected.
func (t *Tracker) UpdateProgress(id string, progress int, eta string) error {
	if progress < 0 || progress > 100 {
		return fault.Invalid("progress", "must be in [0,100], got %d", progress)
	}
	t.mu.Lock()
	job, ok := t.jobs[id]
	if !ok {
		t.mu.Unlock()
		return fault.New(fault.NotFound, "job %q does not exist", id)
	}
	if job.Status.Terminal() {
		t.mu.Unlock()
		return fault.New(fault.PreconditionFailed, "job %q is %s", id, job.Status)
	}
	transitioned := false
	if job.Status == Queued {
		job.Status = InProgress
		transitioned = true
	}
	job.Progress = progress
	job.ETA = eta
	snapshot := *job
	t.pubMu.Lock()
	t.mu.Unlock()

	if transitioned {
		t.publishStatus(snapshot)
	}
	t.bus.publish(Event{
		Type: EventProgress, JobID: snapshot.ID, Status: snapshot.Status,
		Progress: snapshot.Progress, ETA: snapshot.ETA, Time: time.Now(),
	})
	t.pubMu.Unlock()
	return nil
}

// Complete moves the job to Completed with progress 100.
func (t *Tracker) Complete(id string, results []string) error {
	return t.finish(id, Completed, "", results)
}

// Cancel moves a non-terminal job to Cancelled. Cancelling a terminal
// job fails with PreconditionFailed and does not mutate state.
func (t *Tracker) Cancel(id string) error {
	return t.finish(id, Cancelled, "", nil)
}

// Fail moves a non-terminal job to Failed with the given reason.
func (t *Tracker) Fail(id string, reason string) error {
	return t.finish(id, Failed, reason, nil)
}

func (t *Tracker) finish(id string, status Status, reason string, results []string) error {
	t.mu.Lock()
	job, ok := t.jobs[id]
	if !ok {
		t.mu.Unlock()
		return fault.New(fault.NotFound, "job %q does not exist", id)
	}
	if job.Status.Terminal() {
		t.mu.Unlock()
		return fault.New(fault.PreconditionFailed, "job %q is already %s", id, job.Status)
	}
	job.Status = status
	if status == Completed {
		job.Progress = 100
		job.Results = results
	}
	job.Error = reason
	job.ETA = ""
	snapshot := *job
	t.pubMu.Lock()
	t.mu.Unlock()

	t.publishStatus(snapshot)
	t.pubMu.Unlock()
	t.logger.Info("job finished",
		zap.String("job", id), zap.String("status", string(status)))
	return nil
}

// Cleanup removes Completed and Cancelled jobs whose start time is
// older than ttl. Failed jobs are kept for inspection. Returns the
// number removed.
func (t *Tracker) Cleanup(ttl time.Duration) int {
	cutoff := time.Now().Add(-ttl)
	t.mu.Lock()
	defer t.mu.Unlock()
	removed := 0
	for id, job := range t.jobs {
		if (job.Status == Completed || job.Status == Cancelled) && job.StartTime.Before(cutoff) {
			delete(t.jobs, id)
			removed++
		}
	}
	if removed > 0 {
		t.logger.Debug("terminal jobs swept", zap.Int("removed", removed))
	}
	return removed
}

// RunCleanup sweeps on the given interval until stop is closed.
func (t *Tracker) RunCleanup(ttl, interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			t.Cleanup(ttl)
		}
	}
}

func (t *Tracker) publishStatus(job Job) {
	t.bus.publish(Event{
		Type: EventStatus, JobID: job.ID, Status: job.Status,
		Progress: job.Progress, Error: job.Error, Time: time.Now(),
	})
}

func sortJobs(jobs []Job) {
	sort.Slice(jobs, func(i, j int) bool {
		if !jobs[i].StartTime.Equal(jobs[j].StartTime) {
			return jobs[i].StartTime.Before(jobs[j].StartTime)
		}
		return jobs[i].ID < jobs[j].ID
	})
}
