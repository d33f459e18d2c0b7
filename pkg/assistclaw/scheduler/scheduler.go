// Package scheduler runs the assistant's background maintenance jobs
// (conversation expiry sweep, contacts cache sync) on cron schedules.
// Uses robfig/cron for expression parsing and execution.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultJobTimeout bounds one run of a job that sets no timeout.
const DefaultJobTimeout = 5 * time.Minute

// Job is a named recurring task.
type Job struct {
	// ID is the unique job identifier.
	ID string

	// Schedule is a 5-field cron expression or a descriptor such as
	// "@hourly" or "@every 1m".
	Schedule string

	// Timeout caps a single run. Zero uses DefaultJobTimeout.
	Timeout time.Duration

	// Run performs the work.
	Run func(ctx context.Context) error

	// LastRunAt, LastError and RunCount are maintained by the scheduler.
	LastRunAt time.Time
	LastError string
	RunCount  int
}

// JobStatus is a read-only snapshot of a job for status output.
type JobStatus struct {
	ID        string    `json:"id"`
	Schedule  string    `json:"schedule"`
	LastRunAt time.Time `json:"last_run_at,omitempty"`
	LastError string    `json:"last_error,omitempty"`
	RunCount  int       `json:"run_count"`
	Next      time.Time `json:"next,omitempty"`
}

// Scheduler manages recurring jobs.
type Scheduler struct {
	jobs        map[string]*Job
	cron        *cron.Cron
	cronIDs     map[string]cron.EntryID
	runningJobs map[string]bool

	logger *slog.Logger
	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a stopped scheduler.
func New(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		jobs:        make(map[string]*Job),
		cron:        cron.New(cron.WithParser(newParser())),
		cronIDs:     make(map[string]cron.EntryID),
		runningJobs: make(map[string]bool),
		logger:      logger.With("component", "scheduler"),
		ctx:         context.Background(),
	}
}

func newParser() cron.Parser {
	return cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
}

// ValidateSchedule reports whether spec is a schedule the scheduler accepts.
func ValidateSchedule(spec string) error {
	_, err := newParser().Parse(spec)
	return err
}

// Add registers a job. Jobs can be added before or after Start.
func (s *Scheduler) Add(job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if job.ID == "" {
		return fmt.Errorf("job ID is required")
	}
	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("job %q already exists", job.ID)
	}
	if job.Schedule == "" {
		return fmt.Errorf("job schedule is required")
	}
	if job.Run == nil {
		return fmt.Errorf("job %q has no Run function", job.ID)
	}

	entryID, err := s.cron.AddFunc(job.Schedule, func() { s.executeJob(job) })
	if err != nil {
		return fmt.Errorf("invalid schedule %q: %w", job.Schedule, err)
	}
	s.cronIDs[job.ID] = entryID
	s.jobs[job.ID] = job

	s.logger.Info("job added", "id", job.ID, "schedule", job.Schedule)
	return nil
}

// Remove deletes a job by ID.
func (s *Scheduler) Remove(jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[jobID]; !exists {
		return fmt.Errorf("job %q not found", jobID)
	}
	if entryID, ok := s.cronIDs[jobID]; ok {
		s.cron.Remove(entryID)
		delete(s.cronIDs, jobID)
	}
	delete(s.jobs, jobID)

	s.logger.Info("job removed", "id", jobID)
	return nil
}

// List returns a status snapshot of every job, sorted by ID.
func (s *Scheduler) List() []JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]JobStatus, 0, len(s.jobs))
	for id, j := range s.jobs {
		st := JobStatus{
			ID:        id,
			Schedule:  j.Schedule,
			LastRunAt: j.LastRunAt,
			LastError: j.LastError,
			RunCount:  j.RunCount,
		}
		if entryID, ok := s.cronIDs[id]; ok {
			st.Next = s.cron.Entry(entryID).Next
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Start begins firing jobs. Jobs stop receiving new runs when ctx is
// cancelled or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx, s.cancel = context.WithCancel(ctx)
	count := len(s.jobs)
	s.mu.Unlock()

	s.cron.Start()
	s.logger.Info("scheduler started", "jobs", count)
}

// Stop shuts the scheduler down and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	select {
	case <-ctx.Done():
	case <-time.After(10 * time.Second):
		s.logger.Warn("scheduler stop timed out")
	}

	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()
	s.logger.Info("scheduler stopped")
}

// RunNow executes a job immediately, outside its schedule.
func (s *Scheduler) RunNow(jobID string) error {
	s.mu.Lock()
	job, ok := s.jobs[jobID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("job %q not found", jobID)
	}
	s.executeJob(job)

	s.mu.Lock()
	defer s.mu.Unlock()
	if job.LastError != "" {
		return fmt.Errorf("job %q: %s", jobID, job.LastError)
	}
	return nil
}

// executeJob runs a job with a per-job running guard, panic recovery and
// a timeout.
func (s *Scheduler) executeJob(job *Job) {
	s.mu.Lock()
	if s.runningJobs[job.ID] {
		s.mu.Unlock()
		s.logger.Warn("skipping job (already running)", "id", job.ID)
		return
	}
	s.runningJobs[job.ID] = true
	parent := s.ctx
	s.mu.Unlock()

	start := time.Now()
	var runErr error

	defer func() {
		if r := recover(); r != nil {
			runErr = fmt.Errorf("panic: %v", r)
			s.logger.Error("scheduled job panicked", "id", job.ID, "panic", r)
		}

		s.mu.Lock()
		delete(s.runningJobs, job.ID)
		job.LastRunAt = start
		job.RunCount++
		job.LastError = ""
		if runErr != nil {
			job.LastError = runErr.Error()
		}
		s.mu.Unlock()

		if runErr != nil {
			s.logger.Error("scheduled job failed",
				"id", job.ID, "duration", time.Since(start), "error", runErr)
		} else {
			s.logger.Debug("scheduled job finished", "id", job.ID, "duration", time.Since(start))
		}
	}()

	timeout := job.Timeout
	if timeout <= 0 {
		timeout = DefaultJobTimeout
	}
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	runErr = job.Run(ctx)
}
