package reconcile

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tiergate/internal/types"
)

func newTestRunner(store *fakeStore, proc *fakeChecker, interval time.Duration) (*Runner, *Feed) {
	rec, _, _ := newTestReconciler(store, proc)
	feed := NewFeed(8, types.NewSlogLogger(nil))
	runner := NewRunner(rec, store, feed, interval, types.NewSlogLogger(nil))
	return runner, feed
}

func waitForUpdate(t *testing.T, ch <-chan Update) Update {
	t.Helper()
	select {
	case u := <-ch:
		return u
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for feed update")
		return Update{}
	}
}

func assertNoUpdate(t *testing.T, ch <-chan Update) {
	t.Helper()
	select {
	case u := <-ch:
		t.Fatalf("unexpected feed update for %s", u.UserID)
	case <-time.After(100 * time.Millisecond):
	}
}

// --- RefreshNow ---

func TestRefreshNow_PublishesToFeed(t *testing.T) {
	store := newFakeStore()
	periodEnd := time.Date(2026, 12, 31, 0, 0, 0, 0, time.UTC)
	proc := &fakeChecker{results: []checkResult{
		{check: subscribedCheck("premium", periodEnd)},
	}}
	runner, feed := newTestRunner(store, proc, time.Hour)

	ch, cancel := feed.Subscribe()
	defer cancel()

	result := runner.RefreshNow(context.Background(), "user_1", "s@example.edu")
	require.NotNil(t, result.Snapshot)
	assert.Equal(t, types.TierPremium, result.Snapshot.Tier)

	update := waitForUpdate(t, ch)
	assert.Equal(t, "user_1", update.UserID)
	assert.Equal(t, types.SourceProcessor, update.Source)
	assert.False(t, update.Stale)
}

// --- ScheduleRefresh ---

func TestScheduleRefresh_TrackedUser(t *testing.T) {
	store := newFakeStore()
	periodEnd := time.Date(2026, 12, 31, 0, 0, 0, 0, time.UTC)
	proc := &fakeChecker{results: []checkResult{
		{check: subscribedCheck("university", periodEnd)},
	}}
	runner, feed := newTestRunner(store, proc, time.Hour)
	runner.Track("user_1", "s@example.edu")

	ch, cancel := feed.Subscribe()
	defer cancel()

	runner.ScheduleRefresh("user_1")

	update := waitForUpdate(t, ch)
	assert.Equal(t, "user_1", update.UserID)
	assert.Equal(t, types.TierUniversity, update.Snapshot.Tier)
}

func TestScheduleRefresh_UntrackedUserResolvesContactFromCache(t *testing.T) {
	store := newFakeStore()
	store.snapshots["user_2"] = &types.TierSnapshot{
		UserID:  "user_2",
		Contact: "u2@example.edu",
		Tier:    types.TierFree,
	}
	periodEnd := time.Date(2026, 12, 31, 0, 0, 0, 0, time.UTC)
	proc := &fakeChecker{results: []checkResult{
		{check: subscribedCheck("premium", periodEnd)},
	}}
	runner, feed := newTestRunner(store, proc, time.Hour)

	ch, cancel := feed.Subscribe()
	defer cancel()

	runner.ScheduleRefresh("user_2")

	update := waitForUpdate(t, ch)
	assert.Equal(t, "user_2", update.UserID)
	assert.Equal(t, types.TierPremium, update.Snapshot.Tier)
}

func TestScheduleRefresh_UnknownUserIsSkipped(t *testing.T) {
	store := newFakeStore()
	proc := &fakeChecker{}
	runner, feed := newTestRunner(store, proc, time.Hour)

	ch, cancel := feed.Subscribe()
	defer cancel()

	runner.ScheduleRefresh("user_ghost")
	assertNoUpdate(t, ch)
	assert.Zero(t, proc.calls)
}

// --- Generation sequencing ---

func TestRefresh_StaleGenerationIsNotPublished(t *testing.T) {
	store := newFakeStore()
	periodEnd := time.Date(2026, 12, 31, 0, 0, 0, 0, time.UTC)
	proc := &fakeChecker{results: []checkResult{
		{check: subscribedCheck("premium", periodEnd)},
	}}
	runner, feed := newTestRunner(store, proc, time.Hour)
	runner.Track("user_1", "s@example.edu")

	ch, cancel := feed.Subscribe()
	defer cancel()

	// A newer issuance supersedes the one we are about to complete.
	stale := runner.issueGeneration("user_1")
	runner.issueGeneration("user_1")
	assert.False(t, runner.isCurrentGeneration("user_1", stale))

	// The refresh issued last is the one that publishes.
	runner.RefreshNow(context.Background(), "user_1", "s@example.edu")
	update := waitForUpdate(t, ch)
	assert.Equal(t, "user_1", update.UserID)
}

func TestUntrack_DiscardsInFlightPublication(t *testing.T) {
	store := newFakeStore()
	store.snapshots["user_1"] = &types.TierSnapshot{UserID: "user_1", Tier: types.TierFree}

	started := make(chan struct{})
	release := make(chan struct{})
	proc := &fakeChecker{results: []checkResult{
		{check: &types.StatusCheck{Subscribed: false, Tier: "free"}},
	}}
	runner, feed := newTestRunner(store, proc, time.Hour)
	runner.Track("user_1", "s@example.edu")

	ch, cancel := feed.Subscribe()
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		gen := runner.issueGeneration("user_1")
		close(started)
		<-release
		// Simulates a refresh completing after the session ended.
		if runner.isCurrentGeneration("user_1", gen) {
			feed.Publish(Update{UserID: "user_1"})
		}
	}()

	<-started
	runner.Untrack("user_1")
	close(release)
	<-done

	assertNoUpdate(t, ch)
}

// --- Periodic loop ---

func TestRun_RefreshesTrackedUsersOnInterval(t *testing.T) {
	store := newFakeStore()
	periodEnd := time.Date(2026, 12, 31, 0, 0, 0, 0, time.UTC)
	proc := &fakeChecker{results: []checkResult{
		{check: subscribedCheck("premium", periodEnd)},
	}}
	runner, feed := newTestRunner(store, proc, 20*time.Millisecond)
	runner.Track("user_1", "s@example.edu")

	ch, cancel := feed.Subscribe()
	defer cancel()

	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	go runner.Run(ctx)

	update := waitForUpdate(t, ch)
	assert.Equal(t, "user_1", update.UserID)
	stop()
}

func TestRefreshTracked_CompletesBeforeReturning(t *testing.T) {
	store := newFakeStore()
	periodEnd := time.Date(2026, 12, 31, 0, 0, 0, 0, time.UTC)
	proc := &fakeChecker{results: []checkResult{
		{check: subscribedCheck("premium", periodEnd)},
	}}
	runner, _ := newTestRunner(store, proc, time.Hour)
	for i := 0; i < 20; i++ {
		userID := fmt.Sprintf("user_%d", i)
		runner.Track(userID, userID+"@example.edu")
	}

	// The pass is bounded and synchronous: when it returns, every tracked
	// user has been reconciled. No sleeps needed.
	runner.refreshTracked(context.Background())

	for i := 0; i < 20; i++ {
		snap, err := store.Get(context.Background(), fmt.Sprintf("user_%d", i))
		require.NoError(t, err)
		require.NotNil(t, snap)
		assert.Equal(t, types.TierPremium, snap.Tier)
	}
	proc.mu.Lock()
	assert.Equal(t, 20, proc.calls)
	proc.mu.Unlock()
}

// --- Feed ---

func TestFeed_SubscribeAndCancel(t *testing.T) {
	feed := NewFeed(2, types.NewSlogLogger(nil))

	ch, cancel := feed.Subscribe()
	assert.Equal(t, 1, feed.SubscriberCount())

	feed.Publish(Update{UserID: "user_1"})
	update := <-ch
	assert.Equal(t, "user_1", update.UserID)

	cancel()
	assert.Equal(t, 0, feed.SubscriberCount())
	_, open := <-ch
	assert.False(t, open, "cancel closes the subscriber channel")
}

func TestFeed_DropsWhenSubscriberLags(t *testing.T) {
	feed := NewFeed(1, types.NewSlogLogger(nil))

	ch, cancel := feed.Subscribe()
	defer cancel()

	feed.Publish(Update{UserID: "a"})
	feed.Publish(Update{UserID: "b"}) // dropped, buffer full

	update := <-ch
	assert.Equal(t, "a", update.UserID)
	select {
	case u := <-ch:
		t.Fatalf("expected drop, got %s", u.UserID)
	default:
	}
}

func TestFeed_CancelIsIdempotent(t *testing.T) {
	feed := NewFeed(1, types.NewSlogLogger(nil))
	_, cancel := feed.Subscribe()
	cancel()
	cancel()
	assert.Equal(t, 0, feed.SubscriberCount())
}
