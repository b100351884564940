// Package queue implements the single-consumer FIFO task queue that every
// mutation on shared state (store, tree, subscribers) is funneled through,
// giving otherwise-parallel producers a cooperative, linearizable mutation
// model.
package queue

import (
	"sync"
	"time"

	"github.com/tornadogo/mixer-indexer/internal/logging"
)

// pollInterval is how often the worker wakes to re-check the queue and the
// shutdown flag, mirroring the 10ms timed condition-variable wait the
// original executor used to stay responsive to interrupts.
const pollInterval = 10 * time.Millisecond

// Job is a unit of work submitted to a Queue. Name is used only for
// diagnostics. OnException, if set, is invoked when Task returns an error;
// otherwise the error is logged and swallowed.
type Job struct {
	Name        string
	Task        func() error
	OnException func(error)

	done chan struct{}
}

// Queue is a single-producer-safe / multi-producer-safe, single-consumer
// FIFO job executor.
type Queue struct {
	log logging.Logger
	tag string

	mu      sync.Mutex
	jobs    []*Job
	running bool
	stop    bool
	wg      sync.WaitGroup
}

// New returns a Queue in the stopped state. Call Start to spawn its worker.
func New(tag string, log logging.Logger) *Queue {
	return &Queue{log: log, tag: tag}
}

// Start is idempotent: calling it while already running is a no-op and logs
// a warning. It blocks until the worker has processed at least one bootstrap
// job, so an immediately-following SubmitSync can never race worker startup.
func (q *Queue) Start() bool {
	q.mu.Lock()
	if q.running {
		q.mu.Unlock()
		q.log.Warnf("Start called while already running")
		return false
	}
	q.running = true
	q.stop = false
	q.mu.Unlock()

	q.wg.Add(1)
	go q.loop()

	q.SubmitSync(&Job{
		Name: "bootstrap",
		Task: func() error {
			q.log.Debugf("worker started")
			return nil
		},
	})
	return true
}

// Stop signals shutdown and blocks until the worker has drained the queue
// and exited.
func (q *Queue) Stop() {
	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return
	}
	q.stop = true
	q.mu.Unlock()

	q.wg.Wait()

	q.mu.Lock()
	q.running = false
	q.mu.Unlock()
}

// SubmitAsync enqueues job and returns immediately. Returns false if the
// queue is not running.
func (q *Queue) SubmitAsync(job *Job) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.running || q.stop {
		q.log.Warnf("SubmitAsync(%s) rejected: queue not running", job.Name)
		return false
	}
	job.done = make(chan struct{})
	q.jobs = append(q.jobs, job)
	return true
}

// SubmitSync enqueues job and waits for its completion. Must not be called
// from within the worker goroutine itself, which would deadlock. Returns
// false if the queue was not running at submit time.
func (q *Queue) SubmitSync(job *Job) bool {
	q.mu.Lock()
	if !q.running || q.stop {
		q.mu.Unlock()
		q.log.Warnf("SubmitSync(%s) rejected: queue not running", job.Name)
		return false
	}
	job.done = make(chan struct{})
	q.jobs = append(q.jobs, job)
	q.mu.Unlock()

	<-job.done
	return true
}

// Size returns the current queue length. If the caller already holds no
// external lock (the normal case), pass locked=false; Size takes its own
// lock in that case.
func (q *Queue) Size(locked bool) int {
	if !locked {
		q.mu.Lock()
		defer q.mu.Unlock()
	}
	return len(q.jobs)
}

// loop is the single consumer. It polls the shared queue every
// pollInterval rather than blocking indefinitely, so Stop's shutdown signal
// is noticed promptly without a wakeup race.
func (q *Queue) loop() {
	defer q.wg.Done()
	for {
		q.mu.Lock()
		if len(q.jobs) == 0 {
			if q.stop {
				q.mu.Unlock()
				return
			}
			q.mu.Unlock()
			time.Sleep(pollInterval)
			continue
		}
		job := q.jobs[0]
		q.jobs = q.jobs[1:]
		q.mu.Unlock()

		q.run(job)
	}
}

func (q *Queue) run(job *Job) {
	defer close(job.done)
	defer func() {
		if r := recover(); r != nil {
			q.log.Errorf("job %s panicked: %v", job.Name, r)
		}
	}()
	if err := job.Task(); err != nil {
		if job.OnException != nil {
			job.OnException(err)
		} else {
			q.log.Errorf("job %s failed: %v", job.Name, err)
		}
	}
}
