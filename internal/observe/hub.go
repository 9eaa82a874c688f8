// Package observe provides change notification for reactive state holders.
package observe

import (
	"slices"
	"sync"
)

// Hub fans a change signal out to registered listeners.
type Hub struct {
	mu        sync.RWMutex
	listeners map[int64]func()
	nextID    int64
}

// Subscribe registers fn and returns a function that removes it. The returned
// function is safe to call more than once.
func (h *Hub) Subscribe(fn func()) func() {
	if fn == nil {
		return func() {}
	}
	h.mu.Lock()
	if h.listeners == nil {
		h.listeners = make(map[int64]func())
	}
	h.nextID++
	id := h.nextID
	h.listeners[id] = fn
	h.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.listeners, id)
			h.mu.Unlock()
		})
	}
}

// Notify invokes every listener outside the lock, in subscription order.
func (h *Hub) Notify() {
	h.mu.RLock()
	if len(h.listeners) == 0 {
		h.mu.RUnlock()
		return
	}
	ids := make([]int64, 0, len(h.listeners))
	for id := range h.listeners {
		ids = append(ids, id)
	}
	copies := make(map[int64]func(), len(h.listeners))
	for id, fn := range h.listeners {
		copies[id] = fn
	}
	h.mu.RUnlock()

	slices.Sort(ids)
	for _, id := range ids {
		copies[id]()
	}
}

// Len reports the number of registered listeners.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.listeners)
}
