package reconcile

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"tiergate/internal/types"
)

// refreshFanout bounds how many tracked users refresh concurrently on one
// tick. One slow processor call must not translate into a goroutine per
// tracked user.
const refreshFanout = 8

// session is one tracked user whose snapshot the runner keeps fresh.
type session struct {
	contact string
	// gen is the issuance counter for refreshes. A completed refresh only
	// publishes if its generation is still the latest, so responses are
	// sequenced by issuance order, not completion order.
	gen uint64
}

// Runner drives periodic and on-demand reconciliation for tracked users.
// Concurrent refreshes for the same user are deduplicated through
// singleflight; stale completions update the cache but are never published.
// Runner implements the quota package's RefreshScheduler.
type Runner struct {
	rec      *Reconciler
	store    ProfileStore
	feed     *Feed
	interval time.Duration
	logger   types.Logger

	group singleflight.Group

	mu       sync.Mutex
	sessions map[string]*session
}

// NewRunner creates a Runner that refreshes tracked users every interval.
func NewRunner(rec *Reconciler, store ProfileStore, feed *Feed, interval time.Duration, logger types.Logger) *Runner {
	return &Runner{
		rec:      rec,
		store:    store,
		feed:     feed,
		interval: interval,
		logger:   logger,
		sessions: make(map[string]*session),
	}
}

// Track registers a user for periodic refresh. Tracking an already-tracked
// user updates the contact and keeps the generation counter.
func (r *Runner) Track(userID, contact string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[userID]; ok {
		s.contact = contact
		return
	}
	r.sessions[userID] = &session{contact: contact}
}

// Untrack stops periodic refresh for the user. An in-flight refresh still
// writes the cache; its publication is discarded.
func (r *Runner) Untrack(userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, userID)
}

// Run refreshes all tracked users on the configured interval until the
// context is cancelled.
func (r *Runner) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info("reconcile runner started", "interval", r.interval.String())
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("reconcile runner stopped")
			return
		case <-ticker.C:
			r.refreshTracked(ctx)
		}
	}
}

// refreshTracked refreshes every tracked user with bounded concurrency and
// returns when the pass completes. A pass that outlasts the interval delays
// the next tick instead of stacking overlapping passes.
func (r *Runner) refreshTracked(ctx context.Context) {
	r.mu.Lock()
	targets := make(map[string]string, len(r.sessions))
	for userID, s := range r.sessions {
		targets[userID] = s.contact
	}
	r.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(refreshFanout)
	for userID, contact := range targets {
		userID, contact := userID, contact
		g.Go(func() error {
			r.refresh(gctx, userID, contact)
			return nil
		})
	}
	_ = g.Wait()
}

// ScheduleRefresh requests an out-of-band refresh for the user. It never
// blocks; the refresh runs on its own goroutine with a background context so
// a cancelled request context does not abort the reconciliation it triggered.
func (r *Runner) ScheduleRefresh(userID string) {
	contact, ok := r.contactFor(userID)
	go func() {
		ctx := context.Background()
		if !ok {
			snap, err := r.store.Get(ctx, userID)
			if err != nil || snap == nil {
				r.logger.Warn("scheduled refresh skipped; user unknown", "user_id", userID)
				return
			}
			contact = snap.Contact
		}
		r.refresh(ctx, userID, contact)
	}()
}

// RefreshNow reconciles the user synchronously and returns the result. Used
// by the API read path when the caller wants fresh data.
func (r *Runner) RefreshNow(ctx context.Context, userID, contact string) *Result {
	return r.refresh(ctx, userID, contact)
}

// refresh runs one deduplicated reconciliation pass and publishes the result
// if no newer refresh was issued while it ran.
func (r *Runner) refresh(ctx context.Context, userID, contact string) *Result {
	gen := r.issueGeneration(userID)

	v, _, shared := r.group.Do(userID, func() (any, error) {
		return r.rec.Reconcile(ctx, userID, contact), nil
	})
	result := v.(*Result)

	if !r.isCurrentGeneration(userID, gen) {
		// A newer refresh superseded this one. The cache write inside
		// Reconcile stands; only the publication is dropped.
		r.logger.Info("discarding stale reconcile result",
			"user_id", userID, "generation", gen, "shared", shared)
		return result
	}

	r.feed.Publish(Update{
		UserID:   userID,
		Snapshot: result.Snapshot,
		Source:   result.Source,
		Stale:    result.Stale,
	})
	return result
}

func (r *Runner) contactFor(userID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[userID]
	if !ok {
		return "", false
	}
	return s.contact, true
}

// issueGeneration increments and returns the user's refresh generation. An
// untracked user gets a transient session entry so generations still order
// its refreshes.
func (r *Runner) issueGeneration(userID string) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[userID]
	if !ok {
		s = &session{}
		r.sessions[userID] = s
	}
	s.gen++
	return s.gen
}

func (r *Runner) isCurrentGeneration(userID string, gen uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[userID]
	return ok && s.gen == gen
}
