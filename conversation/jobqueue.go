package conversation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"gosession/models"
)

// DefaultJobTimeout bounds how long the queue waits on a single job.
const DefaultJobTimeout = 2 * time.Minute

// ErrQueueClosed is returned for jobs enqueued after Close.
var ErrQueueClosed = errors.New("conversation: job queue closed")

// Task is one unit of conversation work.
type Task func(ctx context.Context) (any, error)

// Future resolves once its task finishes, fails or times out.
type Future struct {
	done  chan struct{}
	value any
	err   error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

func (f *Future) resolve(value any, err error) {
	f.value = value
	f.err = err
	close(f.done)
}

// Done is closed when the result is available.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the task resolves or ctx ends.
func (f *Future) Wait(ctx context.Context) (any, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type job struct {
	task   Task
	future *Future
}

type jobKey struct{}

// JobQueue runs tasks one at a time per conversation id. Each id gets a
// worker goroutine while it has pending work.
type JobQueue struct {
	timeout time.Duration
	ctx     context.Context
	log     *logrus.Entry

	mu      sync.Mutex
	pending map[string][]*job
	closed  bool
	wg      sync.WaitGroup
}

// NewJobQueue returns a queue whose tasks run under ctx. Tasks are never
// cancelled by the queue itself, only abandoned on timeout.
func NewJobQueue(ctx context.Context, timeout time.Duration, log *logrus.Entry) *JobQueue {
	if timeout <= 0 {
		timeout = DefaultJobTimeout
	}
	if log == nil {
		log = logrus.WithField("component", "jobqueue")
	}
	return &JobQueue{
		timeout: timeout,
		ctx:     ctx,
		log:     log,
		pending: make(map[string][]*job),
	}
}

// Enqueue admits task to the queue of conversationID.
func (q *JobQueue) Enqueue(conversationID string, task Task) *Future {
	future := newFuture()

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		future.resolve(nil, ErrQueueClosed)
		return future
	}
	queue, active := q.pending[conversationID]
	q.pending[conversationID] = append(queue, &job{task: task, future: future})
	if !active {
		q.wg.Add(1)
		go q.work(conversationID)
	}
	q.mu.Unlock()

	return future
}

// Close stops accepting work and waits for queued jobs to finish.
func (q *JobQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.wg.Wait()
}

func (q *JobQueue) work(conversationID string) {
	defer q.wg.Done()

	for {
		q.mu.Lock()
		queue := q.pending[conversationID]
		if len(queue) == 0 {
			delete(q.pending, conversationID)
			q.mu.Unlock()
			return
		}
		next := queue[0]
		q.pending[conversationID] = queue[1:]
		q.mu.Unlock()

		q.run(conversationID, next)
	}
}

type jobResult struct {
	value any
	err   error
}

func (q *JobQueue) run(conversationID string, j *job) {
	results := make(chan jobResult, 1)
	ctx := context.WithValue(q.ctx, jobKey{}, conversationID)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				q.log.WithField("conversation_id", conversationID).Errorf("job panicked: %v", r)
				results <- jobResult{err: fmt.Errorf("conversation %s job panicked: %v", conversationID, r)}
			}
		}()
		value, err := j.task(ctx)
		results <- jobResult{value: value, err: err}
	}()

	timer := time.NewTimer(q.timeout)
	defer timer.Stop()

	select {
	case r := <-results:
		j.future.resolve(r.value, r.err)
	case <-timer.C:
		q.log.WithField("conversation_id", conversationID).Warn("job timed out, advancing queue")
		j.future.resolve(nil, &models.TimeoutError{Operation: "conversation " + conversationID + " job"})
	}
}

// CurrentJob returns the conversation whose job ctx belongs to.
func CurrentJob(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(jobKey{}).(string)
	return id, ok
}
