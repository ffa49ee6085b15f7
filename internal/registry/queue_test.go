package registry

import (
	"sync"
	"testing"
)

func TestQueueFIFO(t *testing.T) {
	q := NewQueue()
	for i := 0; i < 5; i++ {
		q.Enqueue(Announced(devPath(i), nil))
	}
	for i := 0; i < 5; i++ {
		e, ok := q.Pop()
		if !ok {
			t.Fatalf("Pop() #%d reported empty", i)
		}
		if e.Object.Path != devPath(i) {
			t.Errorf("Pop() #%d = %s, want %s", i, e.Object.Path, devPath(i))
		}
	}
	if _, ok := q.Pop(); ok {
		t.Error("Pop() on empty queue reported an item")
	}
}

func TestQueueConcurrentProducersKeepPerProducerOrder(t *testing.T) {
	const producers, perProducer = 8, 200
	q := NewQueue()

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				q.Enqueue(Announced(devPath(p*perProducer+i), nil))
			}
		}(p)
	}
	wg.Wait()

	index := make(map[string]int, producers*perProducer)
	for i := 0; i < producers*perProducer; i++ {
		index[devPath(i)] = i
	}

	next := make([]int, producers)
	for n := 0; n < producers*perProducer; n++ {
		e, ok := q.Pop()
		if !ok {
			t.Fatalf("queue drained early at %d", n)
		}
		idx := index[e.Object.Path]
		p, i := idx/perProducer, idx%perProducer
		if i != next[p] {
			t.Fatalf("producer %d: got item %d, want %d", p, i, next[p])
		}
		next[p]++
	}
}

func TestQueueWake(t *testing.T) {
	q := NewQueue()
	q.Enqueue(Announced(devPath(1), nil))
	q.Enqueue(Announced(devPath(2), nil))

	select {
	case <-q.Wake():
	default:
		t.Fatal("Wake() not signalled after Enqueue")
	}
	// Wake is coalesced.
	select {
	case <-q.Wake():
		t.Fatal("Wake() signalled twice")
	default:
	}
}

func TestQueueClose(t *testing.T) {
	q := NewQueue()
	q.Enqueue(Announced(devPath(1), nil))
	q.Enqueue(Announced(devPath(2), nil))

	if n := q.Close(); n != 2 {
		t.Errorf("Close() discarded %d, want 2", n)
	}
	if n := q.Close(); n != 0 {
		t.Errorf("second Close() discarded %d, want 0", n)
	}
	if q.Enqueue(Announced(devPath(3), nil)) {
		t.Error("Enqueue() after Close returned true")
	}
	if _, ok := q.Pop(); ok {
		t.Error("Pop() after Close returned an item")
	}
	select {
	case <-q.Done():
	default:
		t.Error("Done() not closed")
	}
}
