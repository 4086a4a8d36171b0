package recorder

import (
	"context"
	"errors"
	"sync"
	"testing"
)

// markerTask is a no-op task carrying a sequence number.
type markerTask struct {
	seq int
}

func (markerTask) name() string                           { return "marker" }
func (markerTask) execute(context.Context, *Engine) error { return nil }

func TestQueueFIFO(t *testing.T) {
	q := newQueue()
	for i := 0; i < 10; i++ {
		if err := q.push(markerTask{seq: i}); err != nil {
			t.Fatalf("pushing: %v", err)
		}
	}

	for i := 0; i < 10; i++ {
		task, ok := q.pop()
		if !ok {
			t.Fatalf("queue drained early at %d", i)
		}
		if task.(markerTask).seq != i {
			t.Fatalf("popped seq %d at position %d", task.(markerTask).seq, i)
		}
	}
}

func TestQueueManyProducers(t *testing.T) {
	q := newQueue()
	const producers = 8
	const perProducer = 100

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				//nolint:errcheck
				q.push(markerTask{})
			}
		}()
	}

	done := make(chan struct{})
	var popped int
	go func() {
		defer close(done)
		for popped < producers*perProducer {
			if _, ok := q.pop(); !ok {
				return
			}
			popped++
		}
	}()

	wg.Wait()
	<-done
	if popped != producers*perProducer {
		t.Errorf("popped %d tasks, want %d", popped, producers*perProducer)
	}
}

func TestQueueCloseDrains(t *testing.T) {
	q := newQueue()
	//nolint:errcheck
	q.push(markerTask{seq: 1})
	q.close()

	if err := q.push(markerTask{seq: 2}); !errors.Is(err, ErrShuttingDown) {
		t.Errorf("push after close: expected ErrShuttingDown, got %v", err)
	}

	// The queued task still drains.
	if task, ok := q.pop(); !ok || task.(markerTask).seq != 1 {
		t.Errorf("queued task lost on close")
	}
	if _, ok := q.pop(); ok {
		t.Error("pop reported a task on a drained closed queue")
	}
}
