package server

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"sandrun/entities"
)

// JobCleanupAfter is how long a finished job stays queryable before the
// sweeper forgets it. Nothing about a job is ever persisted.
const JobCleanupAfter = 60 * time.Second

const pendingQueueSize = 64

type JobStatus string

const (
	StatusQueued    JobStatus = "queued"
	StatusRunning   JobStatus = "running"
	StatusCompleted JobStatus = "completed"
	StatusFailed    JobStatus = "failed"
	StatusCanceled  JobStatus = "canceled"
)

// Job is one entry in the in-memory job table. All fields are guarded by
// the queue mutex; handlers only ever see snapshot copies.
type Job struct {
	Id         string
	ClientIp   string
	Code       []byte
	Config     entities.SandboxConfig
	SecretHash string

	Status     JobStatus
	EnqueuedAt time.Time
	StartedAt  time.Time
	FinishedAt time.Time

	Result    entities.JobResult
	Archive   []byte
	Signature string
	Proof     *entities.ProofOfCompute
	ProofHash string
}

// RunOutput is what a Runner hands back for one job.
type RunOutput struct {
	Result    entities.JobResult
	Archive   []byte
	Proof     *entities.ProofOfCompute
	ProofHash string
}

// Runner executes one admitted job. Implemented by SandboxRunner in
// production and by stubs in tests.
type Runner interface {
	Run(ctx context.Context, job *Job) RunOutput
	Cancel(jobId string) bool
}

var (
	ErrQueueFull   = errors.New("the job queue is full")
	ErrQueueClosed = errors.New("the job queue is shut down")
)

// Queue owns the job table. One mutex, single-writer discipline: workers
// and handlers both go through it, holding it only for table updates,
// never across an execution.
type Queue struct {
	runner  Runner
	limiter *RateLimiter
	workers int

	mu       sync.Mutex
	jobs     map[string]*Job
	onFinish func(jobId string)

	pending chan *Job
	done    chan struct{}
	wg      sync.WaitGroup
}

func NewQueue(runner Runner, limiter *RateLimiter, workers int) *Queue {
	return &Queue{
		runner:  runner,
		limiter: limiter,
		workers: workers,
		jobs:    map[string]*Job{},
		pending: make(chan *Job, pendingQueueSize),
		done:    make(chan struct{}),
	}
}

// SetFinishHook registers a callback invoked after a job reaches a
// terminal state; the daemon uses it for result signing. Must be set
// before Start.
func (q *Queue) SetFinishHook(hook func(jobId string)) {
	q.onFinish = hook
}

func (q *Queue) Start(ctx context.Context) {
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx)
	}

	q.wg.Add(1)
	go q.sweeper(ctx)
}

func (q *Queue) Shutdown() {
	close(q.done)
	q.wg.Wait()
}

// Enqueue admits a job into the table and the pending channel. The caller
// has already passed the rate limiter's CheckQuota; the start slot is
// claimed here atomically.
func (q *Queue) Enqueue(job *Job) error {
	if !q.limiter.RegisterJobStart(job.ClientIp, job.Id) {
		return errors.New("concurrent job limit reached")
	}

	job.Status = StatusQueued
	job.EnqueuedAt = time.Now()

	q.mu.Lock()
	q.jobs[job.Id] = job
	q.mu.Unlock()

	select {
	case q.pending <- job:
		return nil
	case <-q.done:
		q.abandon(job)
		return ErrQueueClosed
	default:
		q.abandon(job)
		return ErrQueueFull
	}
}

func (q *Queue) abandon(job *Job) {
	q.mu.Lock()
	delete(q.jobs, job.Id)
	q.mu.Unlock()
	q.limiter.RegisterJobEnd(job.ClientIp, job.Id, 0)
}

// Get returns a snapshot of the job. The snapshot shares the archive
// bytes, which are written once and never mutated.
func (q *Queue) Get(jobId string) (Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[jobId]
	if !ok {
		return Job{}, false
	}
	snapshot := *job
	snapshot.Code = nil
	return snapshot, true
}

// Cancel kills a running job or withdraws a queued one.
func (q *Queue) Cancel(jobId string) bool {
	q.mu.Lock()
	job, ok := q.jobs[jobId]
	if !ok {
		q.mu.Unlock()
		return false
	}

	switch job.Status {
	case StatusQueued:
		job.Status = StatusCanceled
		job.FinishedAt = time.Now()
		q.mu.Unlock()
		q.limiter.RegisterJobEnd(job.ClientIp, job.Id, 0)
		return true
	case StatusRunning:
		q.mu.Unlock()
		// The worker observes the kill as a signal exit and finishes
		// the bookkeeping itself.
		return q.runner.Cancel(jobId)
	default:
		q.mu.Unlock()
		return false
	}
}

func (q *Queue) worker(ctx context.Context) {
	defer q.wg.Done()

	for {
		select {
		case <-q.done:
			return
		case job := <-q.pending:
			q.execute(ctx, job)
		}
	}
}

func (q *Queue) execute(ctx context.Context, job *Job) {
	q.mu.Lock()
	if job.Status != StatusQueued {
		// Canceled while waiting.
		q.mu.Unlock()
		return
	}
	job.Status = StatusRunning
	job.StartedAt = time.Now()
	q.mu.Unlock()

	output := q.runner.Run(ctx, job)

	q.mu.Lock()
	job.Result = output.Result
	job.Archive = output.Archive
	job.Proof = output.Proof
	job.ProofHash = output.ProofHash
	job.Code = nil
	job.FinishedAt = time.Now()
	if output.Result.ExitCode == 0 {
		job.Status = StatusCompleted
	} else {
		job.Status = StatusFailed
	}
	q.mu.Unlock()

	q.limiter.RegisterJobEnd(job.ClientIp, job.Id, output.Result.CpuSeconds)

	if q.onFinish != nil {
		q.onFinish(job.Id)
	}
}

// SetSignature attaches the worker signature after execution; signing
// failures never affect job state.
func (q *Queue) SetSignature(jobId, signature string) {
	q.mu.Lock()
	if job, ok := q.jobs[jobId]; ok {
		job.Signature = signature
	}
	q.mu.Unlock()
}

// Overview reports per-status counts for the stats endpoint.
func (q *Queue) Overview() map[JobStatus]int {
	q.mu.Lock()
	defer q.mu.Unlock()

	counts := map[JobStatus]int{}
	for _, job := range q.jobs {
		counts[job.Status]++
	}
	return counts
}

func (q *Queue) sweeper(ctx context.Context) {
	defer q.wg.Done()

	ticker := time.NewTicker(JobCleanupAfter / 2)
	defer ticker.Stop()

	for {
		select {
		case <-q.done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.sweep(time.Now())
			q.limiter.Cleanup()
		}
	}
}

func (q *Queue) sweep(now time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for id, job := range q.jobs {
		finished := job.Status == StatusCompleted || job.Status == StatusFailed || job.Status == StatusCanceled
		if finished && now.Sub(job.FinishedAt) > JobCleanupAfter {
			job.Result.Clear()
			job.Archive = nil
			delete(q.jobs, id)
			logrus.WithField("job_id", id).Debug("Swept expired job")
		}
	}
}
