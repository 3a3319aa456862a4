package reconcile

import (
	"sync"

	"tiergate/internal/types"
)

// Update is one published snapshot delivered to feed subscribers.
type Update struct {
	UserID   string
	Snapshot *types.TierSnapshot
	Source   types.SnapshotSource
	Stale    bool
}

// Feed fans reconciled snapshots out to subscribers. Publication is
// non-blocking: a subscriber that cannot keep up loses updates rather than
// stalling reconciliation. Each consumer holds its own Feed reference; there
// is no package-level instance.
type Feed struct {
	mu     sync.Mutex
	subs   map[int]chan Update
	nextID int
	buffer int
	logger types.Logger
}

// NewFeed creates a feed whose subscriber channels buffer up to buffer
// updates each.
func NewFeed(buffer int, logger types.Logger) *Feed {
	if buffer <= 0 {
		buffer = 16
	}
	return &Feed{
		subs:   make(map[int]chan Update),
		buffer: buffer,
		logger: logger,
	}
}

// Subscribe registers a new subscriber and returns its channel plus a cancel
// function. Cancel closes the channel; callers must stop reading after
// cancelling.
func (f *Feed) Subscribe() (<-chan Update, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()

	id := f.nextID
	f.nextID++
	ch := make(chan Update, f.buffer)
	f.subs[id] = ch

	cancel := func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		if sub, ok := f.subs[id]; ok {
			delete(f.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

// Publish delivers the update to every subscriber, dropping it for any
// subscriber whose buffer is full.
func (f *Feed) Publish(update Update) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for id, ch := range f.subs {
		select {
		case ch <- update:
		default:
			f.logger.Warn("snapshot feed subscriber lagging; dropping update",
				"subscriber", id, "user_id", update.UserID)
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (f *Feed) SubscriberCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}
