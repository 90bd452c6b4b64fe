// Package snapshot publishes immutable, deduplicated views of engine
// state. Observers pull: Notify carries no payload, subscribers re-read
// the snapshot themselves. Consecutive equal snapshots share a single
// pointer so reference-equality change detection in the observing layer
// never re-renders spuriously.
package snapshot

import (
	"sync"
	"time"

	"github.com/google/go-cmp/cmp"

	"parley/internal/logging"
	"parley/internal/types"
)

// Publisher holds the subscriber set and the cached snapshot.
type Publisher struct {
	mu     sync.Mutex
	subs   map[int]func()
	nextID int
	cached *types.Snapshot
}

// NewPublisher returns an empty publisher.
func NewPublisher() *Publisher {
	return &Publisher{subs: make(map[int]func())}
}

// Subscribe registers a callback and returns its unsubscribe function.
// Unsubscribing twice is harmless.
func (p *Publisher) Subscribe(cb func()) func() {
	p.mu.Lock()
	id := p.nextID
	p.nextID++
	p.subs[id] = cb
	p.mu.Unlock()

	return func() {
		p.mu.Lock()
		delete(p.subs, id)
		p.mu.Unlock()
	}
}

// Notify synchronously invokes every subscriber. The subscriber set is
// copied first, so callbacks may subscribe or unsubscribe re-entrantly
// without corrupting the iteration.
func (p *Publisher) Notify() {
	p.mu.Lock()
	cbs := make([]func(), 0, len(p.subs))
	for _, cb := range p.subs {
		cbs = append(cbs, cb)
	}
	p.mu.Unlock()

	for _, cb := range cbs {
		cb()
	}
}

// Resolve compares the candidate against the cached snapshot and
// returns the cached pointer unchanged when nothing differs; otherwise
// the candidate is stamped with the current time, cached, and returned.
// RenderAt is excluded from the comparison: it only moves when content
// does.
func (p *Publisher) Resolve(candidate types.Snapshot) *types.Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cached != nil && snapshotsEqual(p.cached, &candidate) {
		return p.cached
	}

	candidate.RenderAt = time.Now()
	next := candidate
	p.cached = &next
	logging.Snapshot("snapshot updated (status=%s, loading=%v)", next.Status, next.Loading)
	return p.cached
}

// Latest returns the cached snapshot, which may be nil before the
// first Resolve.
func (p *Publisher) Latest() *types.Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cached
}

func snapshotsEqual(a, b *types.Snapshot) bool {
	return cmp.Equal(a, b,
		cmp.FilterPath(func(path cmp.Path) bool {
			return path.Last().String() == ".RenderAt"
		}, cmp.Ignore()),
		cmp.Comparer(func(x, y error) bool {
			if x == nil || y == nil {
				return x == nil && y == nil
			}
			return x.Error() == y.Error()
		}),
	)
}
