package bot

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Job is one unit of asynchronous work. Retry state lives on the job itself:
// a failed run is re-enqueued with Attempts incremented until MaxAttempts.
type Job struct {
	ID          string
	Name        string
	Attempts    int
	MaxAttempts int
	Delay       time.Duration
	Run         func(ctx context.Context) error
}

// NewJob creates a job with a fresh ID and a single attempt by default.
func NewJob(name string, run func(ctx context.Context) error) *Job {
	return &Job{
		ID:          uuid.New().String(),
		Name:        name,
		MaxAttempts: 1,
		Run:         run,
	}
}

// WithRetry sets the retry budget and the delay between attempts.
func (j *Job) WithRetry(maxAttempts int, delay time.Duration) *Job {
	j.MaxAttempts = maxAttempts
	j.Delay = delay
	return j
}

// WorkerPool executes jobs on a fixed set of workers over a bounded queue.
type WorkerPool struct {
	jobs    chan *Job
	workers int
	group   *errgroup.Group
	ctx     context.Context
	cancel  context.CancelFunc
	once    sync.Once
}

// NewWorkerPool creates a pool with the given parallelism and queue depth.
func NewWorkerPool(workers, queueSize int) *WorkerPool {
	if workers <= 0 {
		workers = 4
	}
	if queueSize <= 0 {
		queueSize = 256
	}
	p := &WorkerPool{
		jobs:    make(chan *Job, queueSize),
		workers: workers,
	}
	// Jobs may be submitted before Start; they queue until workers run
	p.ctx, p.cancel = context.WithCancel(context.Background())
	return p
}

// Start launches the workers. They drain the queue until Stop.
func (p *WorkerPool) Start(ctx context.Context) {
	p.ctx, p.cancel = context.WithCancel(ctx)
	p.group, _ = errgroup.WithContext(p.ctx)

	for i := 0; i < p.workers; i++ {
		p.group.Go(p.work)
	}
	log.Printf("[Workers] Pool started with %d workers", p.workers)
}

// Submit enqueues a job without blocking. A full queue drops the job and
// logs it; the periodic tick that produced it will regenerate the work.
func (p *WorkerPool) Submit(job *Job) bool {
	select {
	case <-p.ctx.Done():
		return false
	case p.jobs <- job:
		return true
	default:
		log.Printf("[Workers] Queue full, dropped job %s (%s)", job.Name, job.ID)
		return false
	}
}

// SubmitAfter enqueues a job after a delay. Used for poll-style reschedules.
func (p *WorkerPool) SubmitAfter(job *Job, delay time.Duration) {
	if delay <= 0 {
		p.Submit(job)
		return
	}
	time.AfterFunc(delay, func() {
		select {
		case <-p.ctx.Done():
		default:
			p.Submit(job)
		}
	})
}

// Stop cancels the workers and waits for in-flight jobs. Queued jobs that
// never started are dropped; the periodic ticks regenerate them.
func (p *WorkerPool) Stop() {
	p.once.Do(func() {
		if p.cancel != nil {
			p.cancel()
		}
		if p.group != nil {
			_ = p.group.Wait()
		}
		log.Println("[Workers] Pool stopped")
	})
}

func (p *WorkerPool) work() error {
	for {
		select {
		case <-p.ctx.Done():
			return nil
		case job := <-p.jobs:
			p.runJob(job)
		}
	}
}

func (p *WorkerPool) runJob(job *Job) {
	job.Attempts++

	err := job.Run(p.ctx)
	if err == nil {
		return
	}

	if job.Attempts >= job.MaxAttempts {
		log.Printf("[Workers] Job %s (%s) failed after %d attempts: %v",
			job.Name, job.ID, job.Attempts, err)
		return
	}

	log.Printf("[Workers] Job %s (%s) attempt %d/%d failed, retrying: %v",
		job.Name, job.ID, job.Attempts, job.MaxAttempts, err)
	p.SubmitAfter(job, job.Delay)
}
