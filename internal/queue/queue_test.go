package queue

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tornadogo/mixer-indexer/internal/logging"
)

func TestFIFOOrder(t *testing.T) {
	q := New("test", logging.NewNop())
	q.Start()
	defer q.Stop()

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		i := i
		wg.Add(1)
		ok := q.SubmitAsync(&Job{
			Name: "append",
			Task: func() error {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				wg.Done()
				return nil
			},
		})
		if !ok {
			t.Fatalf("SubmitAsync(%d) rejected", i)
		}
	}
	wg.Wait()

	for i, v := range order {
		if v != i {
			t.Fatalf("order[%d] = %d, want %d", i, v, i)
		}
	}
}

func TestSubmitSyncWaitsForCompletion(t *testing.T) {
	q := New("test", logging.NewNop())
	q.Start()
	defer q.Stop()

	var done int32
	ok := q.SubmitSync(&Job{
		Name: "set",
		Task: func() error {
			atomic.StoreInt32(&done, 1)
			return nil
		},
	})
	if !ok {
		t.Fatalf("SubmitSync rejected")
	}
	if atomic.LoadInt32(&done) != 1 {
		t.Fatalf("job body had not completed by the time SubmitSync returned")
	}
}

func TestSubmitToStoppedQueueFails(t *testing.T) {
	q := New("test", logging.NewNop())
	ok := q.SubmitAsync(&Job{Name: "noop", Task: func() error { return nil }})
	if ok {
		t.Fatalf("SubmitAsync on never-started queue should fail")
	}
}

func TestStopDrainsQueue(t *testing.T) {
	q := New("test", logging.NewNop())
	q.Start()

	var n int32
	for i := 0; i < 20; i++ {
		q.SubmitAsync(&Job{Name: "incr", Task: func() error {
			atomic.AddInt32(&n, 1)
			return nil
		}})
	}
	q.Stop()

	if got := atomic.LoadInt32(&n); got != 20 {
		t.Fatalf("n = %d, want 20 (queue must drain before stopping)", got)
	}
}

func TestFailedJobInvokesOnException(t *testing.T) {
	q := New("test", logging.NewNop())
	q.Start()
	defer q.Stop()

	errCh := make(chan error, 1)
	q.SubmitSync(&Job{
		Name: "fail",
		Task: func() error { return errFailing },
		OnException: func(err error) {
			errCh <- err
		},
	})

	select {
	case err := <-errCh:
		if err != errFailing {
			t.Fatalf("got %v, want %v", err, errFailing)
		}
	case <-time.After(time.Second):
		t.Fatalf("OnException was not invoked")
	}
}

func TestDoubleStartIsNoOp(t *testing.T) {
	q := New("test", logging.NewNop())
	if !q.Start() {
		t.Fatalf("first Start should succeed")
	}
	defer q.Stop()
	if q.Start() {
		t.Fatalf("second Start while running should return false")
	}
}

var errFailing = errTest("boom")

type errTest string

func (e errTest) Error() string { return string(e) }
