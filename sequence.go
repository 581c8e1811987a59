package iwabundle

import "sync"

// sequence is an unbounded FIFO of tasks run by the registry goroutine.
// post never blocks, so tasks may post further tasks.
type sequence struct {
	mu     sync.Mutex
	tasks  []func()
	wake   chan struct{}
	closed bool
}

func newSequence() *sequence {
	return &sequence{wake: make(chan struct{}, 1)}
}

// post queues task. It reports false once the sequence is closed.
func (s *sequence) post(task func()) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.tasks = append(s.tasks, task)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return true
}

// take removes and returns every queued task.
func (s *sequence) take() []func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	tasks := s.tasks
	s.tasks = nil
	return tasks
}

// close rejects further posts. Tasks already queued stay queued.
func (s *sequence) close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}
