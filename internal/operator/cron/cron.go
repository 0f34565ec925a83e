// Package cron implements the standard operator scheduler: one-shot
// delayed deliveries into a (room, channel), op.cron.schedule/cancel.
package cron

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/arqonbus/bus/internal/envelope"
)

// Job is a scheduled one-shot delivery.
type Job struct {
	ID       string
	TenantID string
	Room     string
	Channel  string
	Payload  map[string]any
	FireAt   time.Time

	timer *time.Timer
}

// Publisher is the minimal surface the scheduler needs to deliver a fired
// job's envelope; the socket bus's persist-and-fan-out path satisfies it.
type Publisher interface {
	Publish(env *envelope.Envelope)
}

// Scheduler holds every pending cron job, keyed by id.
type Scheduler struct {
	mu        sync.Mutex
	jobs      map[string]*Job
	publisher Publisher
	nextID    int64
}

// New returns a scheduler that delivers fired jobs through publisher.
func New(publisher Publisher) *Scheduler {
	return &Scheduler{jobs: make(map[string]*Job), publisher: publisher}
}

// Schedule enqueues a one-shot that fires after delay, publishing a
// message envelope into (room, channel) carrying metadata.cron_job_id.
func (s *Scheduler) Schedule(tenantID, room, channel string, payload map[string]any, delay time.Duration) (*Job, error) {
	if delay < 0 {
		return nil, fmt.Errorf("cron: delay_seconds must be non-negative")
	}

	s.mu.Lock()
	s.nextID++
	id := fmt.Sprintf("cron_%d", s.nextID)
	job := &Job{
		ID:       id,
		TenantID: tenantID,
		Room:     room,
		Channel:  channel,
		Payload:  payload,
		FireAt:   time.Now().Add(delay),
	}
	job.timer = time.AfterFunc(delay, func() { s.fire(id) })
	s.jobs[id] = job
	s.mu.Unlock()

	return job, nil
}

func (s *Scheduler) fire(id string) {
	s.mu.Lock()
	job, ok := s.jobs[id]
	if ok {
		delete(s.jobs, id)
	}
	s.mu.Unlock()
	if !ok {
		return
	}

	env := envelope.New(envelope.TypeMessage)
	env.Room = job.Room
	env.Channel = job.Channel
	env.Payload = job.Payload
	env.Metadata.TenantID = job.TenantID
	if env.Metadata.Extra == nil {
		env.Metadata.Extra = map[string]any{}
	}
	env.Metadata.Extra["cron_job_id"] = job.ID

	s.publisher.Publish(env)
}

// Cancel stops and removes a pending job, scoped to tenantID. It reports
// whether a job was actually cancelled.
func (s *Scheduler) Cancel(tenantID, jobID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok || job.TenantID != tenantID {
		return false
	}
	job.timer.Stop()
	delete(s.jobs, jobID)
	return true
}

// CancelAll stops every pending job, used on shutdown.
func (s *Scheduler) CancelAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, job := range s.jobs {
		job.timer.Stop()
		delete(s.jobs, id)
	}
}

// Shutdown cancels every pending job the same way CancelAll does, but
// isolates each job's cleanup so a single misbehaving job can never block
// the rest: a panic while stopping one job is logged at warning level
// per §5's cancellation semantics and the remaining jobs still get
// cleaned up.
func (s *Scheduler) Shutdown(logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	s.mu.Lock()
	jobs := make([]*Job, 0, len(s.jobs))
	for id, job := range s.jobs {
		jobs = append(jobs, job)
		delete(s.jobs, id)
	}
	s.mu.Unlock()

	for _, job := range jobs {
		stopJob(job, logger)
	}
}

func stopJob(job *Job, logger *slog.Logger) {
	defer func() {
		if r := recover(); r != nil {
			logger.Warn("Cron task cleanup failed during shutdown", "job_id", job.ID, "tenant_id", job.TenantID, "panic", r)
		}
	}()
	job.timer.Stop()
}

// Pending returns every job currently scheduled for tenantID.
func (s *Scheduler) Pending(tenantID string) []*Job {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*Job, 0)
	for _, job := range s.jobs {
		if job.TenantID == tenantID {
			out = append(out, job)
		}
	}
	return out
}
