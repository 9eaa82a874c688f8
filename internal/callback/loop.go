package callback

import "sync"

// Loop runs posted tasks one at a time in post order. A task posted while
// another runs is queued and executed by the goroutine already draining, so
// tasks never overlap and Post never blocks on a running task.
type Loop struct {
	mu      sync.Mutex
	queue   []func()
	running bool
}

// Post schedules task. If no task is running it drains the queue on the
// calling goroutine before returning.
func (l *Loop) Post(task func()) {
	l.mu.Lock()
	l.queue = append(l.queue, task)
	if l.running {
		l.mu.Unlock()
		return
	}
	l.running = true
	for len(l.queue) > 0 {
		next := l.queue[0]
		l.queue[0] = nil
		l.queue = l.queue[1:]
		l.mu.Unlock()
		next()
		l.mu.Lock()
	}
	l.running = false
	l.mu.Unlock()
}
