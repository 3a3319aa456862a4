// Package reconcile keeps the cached tier snapshot converged with the
// billing processor's truth. The reconciler always terminates with a usable
// snapshot through a two-tier fallback (processor, then cache, then a
// synthesized default), emits one-shot notices on past_due/cancelled
// transitions, and repairs missing subscription end dates.
package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"tiergate/internal/types"
)

// ProfileStore is the cache surface the reconciler reads and writes.
type ProfileStore interface {
	Get(ctx context.Context, userID string) (*types.TierSnapshot, error)
	GetOrCreate(ctx context.Context, userID, contact string) (*types.TierSnapshot, error)
	Patch(ctx context.Context, userID string, patch types.SnapshotPatch) error
}

// StatusChecker is the processor's consolidated status-check surface.
type StatusChecker interface {
	GetStatusForContact(ctx context.Context, contact string) (*types.StatusCheck, error)
}

// Metrics records reconciliation outcomes.
type Metrics interface {
	RecordReconcile(ctx context.Context, source types.SnapshotSource, latency time.Duration)
	RecordNotice(ctx context.Context, noticeType types.NoticeType)
}

// Result is the outcome of one reconciliation pass. Reconcile never fails:
// every pass resolves to some snapshot, never an unresolved state.
type Result struct {
	Snapshot *types.TierSnapshot
	Source   types.SnapshotSource

	// Stale marks a snapshot served from the cache after a processor
	// failure. It is advisory for the consumer and never persisted.
	Stale bool
}

// Reconciler drives the per-user reconciliation state machine.
type Reconciler struct {
	store   ProfileStore
	proc    StatusChecker
	notices types.NoticeSink
	metrics Metrics
	clock   types.Clock
	logger  types.Logger
}

// NewReconciler creates a Reconciler.
func NewReconciler(
	store ProfileStore,
	proc StatusChecker,
	notices types.NoticeSink,
	metrics Metrics,
	clock types.Clock,
	logger types.Logger,
) *Reconciler {
	return &Reconciler{
		store:   store,
		proc:    proc,
		notices: notices,
		metrics: metrics,
		clock:   clock,
		logger:  logger,
	}
}

// Reconcile runs one pass for the user: fetch the processor's status,
// normalize it into the cache, and fall back to the cache or a synthesized
// default when the processor is unavailable. Processor errors never
// propagate; the pass always produces a snapshot.
func (r *Reconciler) Reconcile(ctx context.Context, userID, contact string) *Result {
	start := r.clock.Now()

	prior, priorErr := r.store.GetOrCreate(ctx, userID, contact)
	if priorErr != nil {
		r.logger.Warn("cache read failed before reconcile", "user_id", userID, "error", priorErr)
	}

	check, err := r.proc.GetStatusForContact(ctx, contact)
	if err == nil {
		result := r.applyProcessor(ctx, userID, contact, prior, check)
		r.metrics.RecordReconcile(ctx, result.Source, r.clock.Now().Sub(start))
		return result
	}
	r.logger.Warn("processor status check failed; falling back to cache",
		"user_id", userID, "error", err)

	result := r.fallback(ctx, userID, contact, prior)
	r.metrics.RecordReconcile(ctx, result.Source, r.clock.Now().Sub(start))
	return result
}

// applyProcessor normalizes the processor's answer, writes it through the
// cache, and emits a one-shot notice when the status transitions into
// past_due or cancelled.
func (r *Reconciler) applyProcessor(ctx context.Context, userID, contact string, prior *types.TierSnapshot, check *types.StatusCheck) *Result {
	tier := types.NormalizeTier(check.Tier)
	status := types.NormalizeSubscriptionStatus(check.Status)

	patch := types.SnapshotPatch{
		Tier:               &tier,
		SubscriptionStatus: &status,
	}
	if check.PeriodEnd != nil {
		patch.SubscriptionEndDate = check.PeriodEnd
	}
	if check.CustomerID != "" {
		patch.BillingCustomerID = &check.CustomerID
	}
	if check.SubscriptionID != "" {
		patch.BillingSubscriptionID = &check.SubscriptionID
	}

	if err := r.store.Patch(ctx, userID, patch); err != nil {
		// Transient cache failure: the processor's answer is still the
		// truth to publish; the next trigger retries the write.
		r.logger.Warn("failed to persist reconciled snapshot",
			"user_id", userID, "error", err)
	}

	if prior != nil && prior.SubscriptionStatus != status {
		r.emitTransitionNotice(ctx, userID, status)
	}

	snap := r.projectSnapshot(userID, contact, prior, patch)
	return &Result{Snapshot: snap, Source: types.SourceProcessor}
}

// fallback serves the cached record when the processor is unreachable, or
// synthesizes and persists the default record when no cache entry exists.
// A cached paid-tier record missing its end date gets one repair fetch
// before publishing; if that also fails, the record is published as-is
// rather than blocking.
func (r *Reconciler) fallback(ctx context.Context, userID, contact string, prior *types.TierSnapshot) *Result {
	if prior == nil {
		snap := types.DefaultSnapshot(userID, contact, r.clock.Now())
		// GetOrCreate already failed if we got here without a prior; try
		// once more so the next fetch has a base record.
		if _, err := r.store.GetOrCreate(ctx, userID, contact); err != nil {
			r.logger.Warn("failed to persist synthesized snapshot",
				"user_id", userID, "error", err)
		}
		return &Result{Snapshot: snap, Source: types.SourceSynthesized}
	}

	if prior.NeedsEndDateRepair() {
		if repaired := r.repairEndDate(ctx, userID, contact, prior); repaired != nil {
			return &Result{Snapshot: repaired, Source: types.SourceCache, Stale: true}
		}
	}

	return &Result{Snapshot: prior, Source: types.SourceCache, Stale: true}
}

// repairEndDate issues one extra fetch to backfill a missing subscription
// end date. Only the end date changes; tier and counters stay as cached.
// Returns nil when the repair fetch fails or yields no date.
func (r *Reconciler) repairEndDate(ctx context.Context, userID, contact string, prior *types.TierSnapshot) *types.TierSnapshot {
	check, err := r.proc.GetStatusForContact(ctx, contact)
	if err != nil || check.PeriodEnd == nil {
		r.logger.Warn("end date repair fetch failed; publishing without it",
			"user_id", userID, "tier", string(prior.Tier))
		return nil
	}

	if err := r.store.Patch(ctx, userID, types.SnapshotPatch{
		SubscriptionEndDate: check.PeriodEnd,
	}); err != nil {
		r.logger.Warn("failed to persist repaired end date", "user_id", userID, "error", err)
	}

	repaired := *prior
	repaired.SubscriptionEndDate = check.PeriodEnd
	return &repaired
}

// emitTransitionNotice publishes a user-facing notice for transitions into
// past_due or cancelled. Other transitions are silent.
func (r *Reconciler) emitTransitionNotice(ctx context.Context, userID string, status types.SubscriptionStatus) {
	var noticeType types.NoticeType
	var message string

	switch status {
	case types.SubStatusPastDue:
		noticeType = types.NoticePastDue
		message = "Your subscription payment is past due. Update your payment method to keep premium access."
	case types.SubStatusCancelled:
		noticeType = types.NoticeCancelled
		message = "Your subscription has been cancelled. Premium access continues until the end of the paid period."
	default:
		return
	}

	notice := types.Notice{
		ID:      uuid.NewString(),
		UserID:  userID,
		Type:    noticeType,
		Message: message,
		SentAt:  r.clock.Now(),
	}

	// Fire-and-forget: delivery failures are logged, never propagated.
	if err := r.notices.Publish(ctx, notice); err != nil {
		r.logger.Warn("failed to publish transition notice",
			"user_id", userID, "type", string(noticeType), "error", err)
		return
	}
	r.metrics.RecordNotice(ctx, noticeType)
}

// projectSnapshot merges the processor patch over the prior cached record to
// produce the published snapshot without a second cache read. Counters come
// from the cache; the processor does not carry them.
func (r *Reconciler) projectSnapshot(userID, contact string, prior *types.TierSnapshot, patch types.SnapshotPatch) *types.TierSnapshot {
	var snap types.TierSnapshot
	if prior != nil {
		snap = *prior
	} else {
		snap = *types.DefaultSnapshot(userID, contact, r.clock.Now())
	}

	if patch.Tier != nil {
		snap.Tier = *patch.Tier
	}
	if patch.SubscriptionStatus != nil {
		snap.SubscriptionStatus = *patch.SubscriptionStatus
	}
	if patch.SubscriptionEndDate != nil {
		snap.SubscriptionEndDate = patch.SubscriptionEndDate
	}
	if patch.BillingCustomerID != nil && snap.BillingCustomerID == "" {
		snap.BillingCustomerID = *patch.BillingCustomerID
	}
	if patch.BillingSubscriptionID != nil && snap.BillingSubscriptionID == "" {
		snap.BillingSubscriptionID = *patch.BillingSubscriptionID
	}
	snap.UpdatedAt = r.clock.Now()
	return &snap
}

// String implements fmt.Stringer for logging.
func (res *Result) String() string {
	if res.Snapshot == nil {
		return fmt.Sprintf("reconcile[%s]", res.Source)
	}
	return fmt.Sprintf("reconcile[%s] user=%s tier=%s status=%s stale=%t",
		res.Source, res.Snapshot.UserID, res.Snapshot.Tier,
		res.Snapshot.SubscriptionStatus, res.Stale)
}
