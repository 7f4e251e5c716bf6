package conversation

import "sync"

// Queue runs submitted functions one at a time per key, in submission
// order. Functions for different keys run concurrently.
type Queue struct {
	mu      sync.Mutex
	workers map[string]*worker
	wg      sync.WaitGroup
}

type worker struct {
	pending []func()
}

// NewQueue creates an empty Queue.
func NewQueue() *Queue {
	return &Queue{workers: make(map[string]*worker)}
}

// Submit schedules fn after every function already submitted for key.
func (q *Queue) Submit(key string, fn func()) {
	q.mu.Lock()
	defer q.mu.Unlock()
	w, ok := q.workers[key]
	if !ok {
		w = &worker{}
		q.workers[key] = w
		q.wg.Add(1)
		go q.run(key, w)
	}
	w.pending = append(w.pending, fn)
}

func (q *Queue) run(key string, w *worker) {
	defer q.wg.Done()
	for {
		q.mu.Lock()
		if len(w.pending) == 0 {
			delete(q.workers, key)
			q.mu.Unlock()
			return
		}
		fn := w.pending[0]
		w.pending = w.pending[1:]
		q.mu.Unlock()
		fn()
	}
}

// Wait blocks until every submitted function has run.
func (q *Queue) Wait() {
	q.wg.Wait()
}
