package moqt

import "sync"

// watchState is a minimal Go stand-in for tokio::sync::watch (used
// throughout original_source's moq-transfork/moq-lite model types): a single
// current value plus a channel that is closed and replaced on every change,
// so any number of readers can block until the value next changes without
// holding a lock across the wait.
type watchState[T any] struct {
	mu      sync.Mutex
	value   T
	version uint64
	changed chan struct{}
}

func newWatchState[T any](initial T) *watchState[T] {
	return &watchState[T]{value: initial, changed: make(chan struct{})}
}

// snapshot returns the current value, its version, and the channel that will
// close the next time the value changes.
func (w *watchState[T]) snapshot() (T, uint64, chan struct{}) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.value, w.version, w.changed
}

func (w *watchState[T]) get() T {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.value
}

// update applies fn to the current value; if fn reports no change it leaves
// the version/channel untouched so waiters don't wake spuriously.
func (w *watchState[T]) update(fn func(T) (T, bool)) bool {
	w.mu.Lock()
	newV, changed := fn(w.value)
	if !changed {
		w.mu.Unlock()
		return false
	}
	w.value = newV
	w.version++
	ch := w.changed
	w.changed = make(chan struct{})
	w.mu.Unlock()
	close(ch)
	return true
}

func (w *watchState[T]) set(v T) {
	w.update(func(T) (T, bool) { return v, true })
}
