package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/forum-ingestor/internal/ingestor"
	"github.com/JakeFAU/forum-ingestor/internal/queue/memory"
)

type recordingRunner struct {
	mu   sync.Mutex
	ran  []string
	fail map[string]error
	done chan string
}

func (r *recordingRunner) RunJob(_ context.Context, jobID string) (ingestor.Job, error) {
	r.mu.Lock()
	r.ran = append(r.ran, jobID)
	err := r.fail[jobID]
	r.mu.Unlock()
	r.done <- jobID
	if err != nil {
		return ingestor.Job{}, err
	}
	return ingestor.Job{ID: jobID, Status: ingestor.JobStatusCompleted}, nil
}

func (r *recordingRunner) jobs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.ran...)
}

// TestDispatcherRunsQueuedJobsInOrder checks a single loop runs jobs one at a
// time in submission order and keeps going after a failed job.
func TestDispatcherRunsQueuedJobsInOrder(t *testing.T) {
	t.Parallel()

	q := memory.NewQueue(4)
	runner := &recordingRunner{
		fail: map[string]error{"job-2": ingestor.ErrNotFound},
		done: make(chan string, 4),
	}
	d := New(Config{Queue: q, Runner: runner, Logger: zap.NewNop()})

	for _, id := range []string{"job-1", "job-2", "job-3"} {
		if err := d.Enqueue(context.Background(), ingestor.QueueItem{JobID: id}); err != nil {
			t.Fatalf("Enqueue(%s) error = %v", id, err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stopped := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(stopped)
	}()

	for range 3 {
		select {
		case <-runner.done:
		case <-time.After(time.Second):
			t.Fatal("job was not run")
		}
	}
	got := runner.jobs()
	want := []string{"job-1", "job-2", "job-3"}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}

	cancel()
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not stop after context cancel")
	}
}

// TestDispatcherStopsWhenQueueCloses ensures Run returns once the queue drains.
func TestDispatcherStopsWhenQueueCloses(t *testing.T) {
	t.Parallel()

	q := memory.NewQueue(1)
	runner := &recordingRunner{done: make(chan string, 1)}
	d := New(Config{Queue: q, Runner: runner, Workers: 2})
	if err := d.Enqueue(context.Background(), ingestor.QueueItem{JobID: "last"}); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	q.Close()

	stopped := make(chan struct{})
	go func() {
		d.Run(context.Background())
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not stop after queue close")
	}
	if got := runner.jobs(); len(got) != 1 || got[0] != "last" {
		t.Fatalf("expected the pending job to run, got %v", got)
	}
}

// TestDispatcherEnqueueForwardsErrors verifies queue errors are wrapped for callers.
func TestDispatcherEnqueueForwardsErrors(t *testing.T) {
	t.Parallel()

	d := New(Config{Queue: &errorQueue{err: errors.New("boom")}})

	err := d.Enqueue(context.Background(), ingestor.QueueItem{JobID: "job"})
	if err == nil || err.Error() != "queue enqueue: boom" {
		t.Fatalf("expected wrapped error, got %v", err)
	}
}

type errorQueue struct {
	err error
}

func (q *errorQueue) Enqueue(context.Context, ingestor.QueueItem) error {
	return q.err
}

func (q *errorQueue) Dequeue(context.Context) (ingestor.QueueItem, error) {
	return ingestor.QueueItem{}, nil
}
