package stage

import (
	"context"
	"sync"
	"testing"
	"time"

	"firestige.xyz/mcdpi/internal/core"
	"firestige.xyz/mcdpi/internal/taskpool"
)

type fakeEngine struct {
	mu    sync.Mutex
	calls int
	delay time.Duration
}

func (f *fakeEngine) Classify(partition int, t *taskpool.Task) error {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	t.Result = core.ClassificationResult{Protocol: "tcp"}
	return nil
}
func (f *fakeEngine) Repartition(int) error                 { return nil }
func (f *fakeEngine) Configure(func(any) any) error          { return nil }
func (f *fakeEngine) Close() error                            { return nil }

func TestWorkerClassifiesAndForwards(t *testing.T) {
	eng := &fakeEngine{delay: time.Millisecond}
	w := NewWorker(0, 0, "test", eng, nil)

	in := make(chan *taskpool.Task, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	out := w.Serve(ctx, in)

	task := &taskpool.Task{}
	in <- task

	select {
	case got := <-out:
		if got.Result.Protocol != "tcp" {
			t.Fatalf("expected classified task, got %+v", got.Result)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for worker output")
	}

	if w.GetWorktimePercentage() <= 0 {
		t.Fatal("expected nonzero worktime percentage after classify")
	}

	w.ResetWorktimePercentage()
	if got := w.GetWorktimePercentage(); got != 0 {
		t.Fatalf("expected 0 worktime percentage right after reset, got %f", got)
	}
}

func TestWorkerClosesOutputOnInputClose(t *testing.T) {
	eng := &fakeEngine{}
	w := NewWorker(0, 0, "test", eng, nil)

	in := make(chan *taskpool.Task)
	out := w.Serve(context.Background(), in)
	close(in)

	select {
	case _, ok := <-out:
		if ok {
			t.Fatal("expected output channel to be closed with no value")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for output channel close")
	}
}

func TestEmitterPullsFromReadIntoPool(t *testing.T) {
	pool := taskpool.New(4, 16)
	packets := [][]byte{{1, 2, 3}, {4, 5}}
	idx := 0
	read := func() ([]byte, bool) {
		if idx >= len(packets) {
			return nil, false
		}
		p := packets[idx]
		idx++
		return p, true
	}

	e := NewEmitter(pool, read, 4, nil)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	out := e.Serve(ctx, nil)

	var got []*taskpool.Task
	for task := range out {
		got = append(got, task)
	}

	if len(got) != 2 {
		t.Fatalf("expected 2 tasks, got %d", len(got))
	}
	if got[0].Length != 3 || got[1].Length != 2 {
		t.Fatalf("unexpected task lengths: %d, %d", got[0].Length, got[1].Length)
	}
}

func TestCollectorDeliversAndReturnsToPool(t *testing.T) {
	pool := taskpool.New(2, 16)
	var delivered []*taskpool.Task
	var mu sync.Mutex

	c := NewCollector(pool, func(t *taskpool.Task) {
		mu.Lock()
		delivered = append(delivered, t)
		mu.Unlock()
	}, nil)

	in := make(chan *taskpool.Task, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if out := c.Serve(ctx, in); out != nil {
		t.Fatal("expected collector Serve to return nil output channel")
	}

	task := pool.Get()
	in <- task

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	n := len(delivered)
	mu.Unlock()
	if n != 1 {
		t.Fatalf("expected 1 delivered task, got %d", n)
	}

	cancel()
	<-c.Done()
	if got := pool.InUse(); got != 0 {
		t.Fatalf("expected delivered task returned to pool, %d still in use", got)
	}
}
