package watcher

import "sync"

// event is a tiny multicast primitive: handlers are registered from any
// goroutine and invoked synchronously, in registration order, on whatever
// goroutine publishes. Publishing with no handlers is a no-op.
type event[T any] struct {
  mu sync.RWMutex
  handlers []func(T)
}

func (e *event[T]) subscribe(fn func(T)) {
  e.mu.Lock()
  defer e.mu.Unlock()

  e.handlers = append(e.handlers, fn)
}

func (e *event[T]) publish(v T) {
  e.mu.RLock()
  handlers := e.handlers
  e.mu.RUnlock()

  for _, fn := range handlers {
    fn(v)
  }
}
