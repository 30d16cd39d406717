package service

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/AnTengye/pagelens/backend/config"
	"github.com/AnTengye/pagelens/backend/model"
)

// JobPolicy bounds the job table
type JobPolicy struct {
	MaxJobs       int
	MaxAge        time.Duration
	SweepInterval time.Duration
}

// JobPolicyFromConfig converts the jobs config section
func JobPolicyFromConfig(cfg *config.JobsConfig) JobPolicy {
	return JobPolicy{
		MaxJobs:       cfg.MaxJobs,
		MaxAge:        cfg.MaxAge,
		SweepInterval: cfg.SweepInterval,
	}
}

// forceEvictFraction of the table is dropped when an age sweep cannot make room
const forceEvictFraction = 0.10

// JobStore is a bounded in-memory table of analysis jobs.
// It never refuses a job; under overload it drops the oldest ones instead.
type JobStore struct {
	jobs   map[string]*model.Job
	mu     sync.RWMutex
	policy JobPolicy
	now    func() time.Time
}

// JobStats is the health view of the job table
type JobStats struct {
	Total       int                     `json:"total"`
	Capacity    int                     `json:"capacity"`
	Utilization float64                 `json:"utilization"`
	ByStatus    map[model.JobStatus]int `json:"by_status"`
}

func NewJobStore(policy JobPolicy) *JobStore {
	if policy.MaxJobs <= 0 {
		policy.MaxJobs = 1000
	}
	if policy.MaxAge <= 0 {
		policy.MaxAge = time.Hour
	}
	if policy.SweepInterval <= 0 {
		policy.SweepInterval = 5 * time.Minute
	}
	slog.Info("job store initialized",
		"max_jobs", policy.MaxJobs,
		"max_age", policy.MaxAge,
	)
	return &JobStore{
		jobs:   make(map[string]*model.Job),
		policy: policy,
		now:    time.Now,
	}
}

// Create inserts a job, making room first when the table is full
func (s *JobStore) Create(job *model.Job) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now
	if job.Status == "" {
		job.Status = model.JobQueued
	}

	if len(s.jobs) >= s.policy.MaxJobs {
		s.sweepLocked(now)
	}
	if len(s.jobs) >= s.policy.MaxJobs {
		s.forceEvictLocked()
	}

	s.jobs[job.ID] = job.Clone()
}

// Get returns a snapshot of the job, or nil
func (s *JobStore) Get(id string) *model.Job {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.jobs[id].Clone()
}

// Update applies fn to the stored job under the store lock. No-op if absent.
func (s *JobStore) Update(id string, fn func(job *model.Job)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return false
	}
	fn(job)
	job.UpdatedAt = s.now()
	return true
}

// transition moves a job forward, refusing backward or repeated steps
func (s *JobStore) transition(id string, next model.JobStatus, fn func(job *model.Job)) error {
	var err error
	found := s.Update(id, func(job *model.Job) {
		if !job.Status.CanTransitionTo(next) {
			err = fmt.Errorf("job %s: invalid transition %s -> %s", id, job.Status, next)
			return
		}
		job.Status = next
		if fn != nil {
			fn(job)
		}
	})
	if !found {
		return fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	return err
}

func (s *JobStore) MarkRunning(id string) error {
	return s.transition(id, model.JobRunning, nil)
}

// MarkDebited records that the owner has been charged for this job
func (s *JobStore) MarkDebited(id string) {
	s.Update(id, func(job *model.Job) { job.CreditDebited = true })
}

func (s *JobStore) Complete(id string, result *model.Report) error {
	return s.transition(id, model.JobDone, func(job *model.Job) {
		job.Result = result.Clone()
		job.Error = ""
	})
}

func (s *JobStore) Fail(id, reason string) error {
	return s.transition(id, model.JobError, func(job *model.Job) {
		job.Result = nil
		job.Error = reason
	})
}

// Sweep removes every job older than the max age, whatever its status
func (s *JobStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sweepLocked(s.now())
}

// Must be called with lock held
func (s *JobStore) sweepLocked(now time.Time) int {
	removed := 0
	for id, job := range s.jobs {
		if now.Sub(job.CreatedAt) > s.policy.MaxAge {
			delete(s.jobs, id)
			removed++
		}
	}
	if removed > 0 {
		slog.Info("swept expired jobs", "removed", removed, "remaining", len(s.jobs))
	}
	return removed
}

// forceEvictLocked drops the oldest 10% of jobs (at least one).
// Must be called with lock held
func (s *JobStore) forceEvictLocked() {
	jobs := make([]*model.Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		jobs = append(jobs, j)
	}
	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
	})

	removeCount := int(float64(len(jobs)) * forceEvictFraction)
	if removeCount < 1 {
		removeCount = 1
	}
	for i := 0; i < removeCount && i < len(jobs); i++ {
		slog.Warn("force-evicting job",
			"job_id", jobs[i].ID,
			"status", jobs[i].Status,
			"created_at", jobs[i].CreatedAt,
		)
		delete(s.jobs, jobs[i].ID)
	}
}

// Start runs the periodic age sweep until ctx is cancelled
func (s *JobStore) Start(ctx context.Context) {
	ticker := time.NewTicker(s.policy.SweepInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Sweep()
			}
		}
	}()
}

// Count returns the number of jobs in the store
func (s *JobStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.jobs)
}

func (s *JobStore) Stats() JobStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := JobStats{
		Total:    len(s.jobs),
		Capacity: s.policy.MaxJobs,
		ByStatus: map[model.JobStatus]int{
			model.JobQueued:  0,
			model.JobRunning: 0,
			model.JobDone:    0,
			model.JobError:   0,
		},
	}
	for _, j := range s.jobs {
		stats.ByStatus[j.Status]++
	}
	stats.Utilization = float64(stats.Total) / float64(stats.Capacity)
	return stats
}
