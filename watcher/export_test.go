package watcher

import "time"

// SetNowFunc lets the test suite drive eviction with a manual clock.
func (w *Watcher) SetNowFunc(fn func() time.Time) {
  w.now = fn
}
