package sim

import (
	"sync"

	"github.com/signalsfoundry/geospatial-session/model"
)

// SurfaceFeed is a surface detection source that emits whatever batches
// are published to it.
type SurfaceFeed struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]func(model.SurfaceBatch)
}

// NewSurfaceFeed returns a feed with no subscribers.
func NewSurfaceFeed() *SurfaceFeed {
	return &SurfaceFeed{subs: make(map[int]func(model.SurfaceBatch))}
}

// Subscribe registers fn for future batches. The returned function is
// safe to call more than once.
func (f *SurfaceFeed) Subscribe(fn func(model.SurfaceBatch)) (unsubscribe func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextID
	f.nextID++
	f.subs[id] = fn

	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.subs, id)
	}
}

// Publish delivers batch to every subscriber. Empty batches are dropped.
func (f *SurfaceFeed) Publish(batch model.SurfaceBatch) {
	if batch.Empty() {
		return
	}
	f.mu.Lock()
	subs := make([]func(model.SurfaceBatch), 0, len(f.subs))
	for _, fn := range f.subs {
		subs = append(subs, fn)
	}
	f.mu.Unlock()

	// Callbacks run outside the lock so they may unsubscribe.
	for _, fn := range subs {
		fn(batch)
	}
}

// Subscribers returns the number of live subscriptions.
func (f *SurfaceFeed) Subscribers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}
