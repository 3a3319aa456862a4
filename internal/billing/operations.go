package billing

import (
	"context"
	"time"

	"tiergate/internal/external"
	"tiergate/internal/types"
)

// Operation names for metrics and audit details.
const (
	OpStartCheckout = "start_checkout"
	OpCancel        = "cancel_subscription"
	OpPortal        = "open_portal"

	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// OperationMetrics records billing operation outcomes.
type OperationMetrics interface {
	RecordBillingOperation(ctx context.Context, operation, outcome string)
}

// Operations implements the three billing-mutating actions. Each resolves
// identity first and ends by writing the resulting state back through the
// profile cache. Processor failures always propagate to the caller as typed
// errors; a money-movement action never silently no-ops or falls back to a
// cached approximation.
//
// Callers must not interleave two operations for the same user concurrently;
// serialization happens at the API boundary.
type Operations struct {
	resolver *IdentityResolver
	store    ProfileStore
	proc     Processor
	plans    *PlanTable
	audit    types.AuditSink
	metrics  OperationMetrics
	logger   types.Logger
}

// NewOperations creates the billing operations service.
func NewOperations(
	resolver *IdentityResolver,
	store ProfileStore,
	proc Processor,
	plans *PlanTable,
	audit types.AuditSink,
	metrics OperationMetrics,
	logger types.Logger,
) *Operations {
	return &Operations{
		resolver: resolver,
		store:    store,
		proc:     proc,
		plans:    plans,
		audit:    audit,
		metrics:  metrics,
		logger:   logger,
	}
}

// StartCheckout resolves identity (creating the customer if needed), maps
// (tier, period) through the plan table, and returns a processor-hosted
// checkout redirect. The cached tier does not change here; it changes only
// once the processor confirms payment via the reconciliation path.
func (o *Operations) StartCheckout(
	ctx context.Context,
	userID, contact string,
	tier types.Tier,
	period types.BillingPeriod,
	origin string,
) (*types.CheckoutIntent, error) {
	priceRef, err := o.plans.PriceFor(tier, period)
	if err != nil {
		return nil, err
	}

	identity, err := o.resolver.Resolve(ctx, userID, contact)
	if err != nil {
		o.metrics.RecordBillingOperation(ctx, OpStartCheckout, OutcomeFailure)
		return nil, err
	}

	intent, err := o.proc.CreateCheckoutSession(ctx, external.CheckoutParams{
		CustomerID: identity.CustomerID,
		PriceRef:   priceRef,
		SuccessURL: origin + "/billing/success",
		CancelURL:  origin + "/billing/cancelled",
		Metadata: map[string]string{
			"user_id": userID,
			"tier":    string(tier),
			"period":  string(period),
		},
	})
	if err != nil {
		o.metrics.RecordBillingOperation(ctx, OpStartCheckout, OutcomeFailure)
		return nil, err
	}

	o.audit.Record(ctx, types.AuditEvent{
		Type:    types.AuditCheckoutStarted,
		ActorID: userID,
		Subject: identity.CustomerID,
		Details: map[string]any{
			"tier":       string(tier),
			"period":     string(period),
			"session_id": intent.SessionID,
		},
	})
	o.metrics.RecordBillingOperation(ctx, OpStartCheckout, OutcomeSuccess)

	return intent, nil
}

// CancelSubscription requests cancellation effective at the end of the
// current billing period, never immediate termination. Requires an active
// subscription. On success the cache records subscriptionStatus=cancelled
// with the refreshed end date, and the effective end timestamp is returned.
func (o *Operations) CancelSubscription(ctx context.Context, userID, contact string) (time.Time, error) {
	identity, err := o.resolver.Resolve(ctx, userID, contact)
	if err != nil {
		o.metrics.RecordBillingOperation(ctx, OpCancel, OutcomeFailure)
		return time.Time{}, err
	}

	if !identity.HasSubscription() {
		o.metrics.RecordBillingOperation(ctx, OpCancel, OutcomeFailure)
		return time.Time{}, types.NewAppError(
			types.ErrCodeNoActiveSubscription,
			"no active subscription to cancel",
			nil,
		)
	}

	sub, err := o.proc.CancelAtPeriodEnd(ctx, identity.SubscriptionID)
	if err != nil {
		o.metrics.RecordBillingOperation(ctx, OpCancel, OutcomeFailure)
		return time.Time{}, err
	}

	// The processor mutation succeeded; a cache write failure here is logged
	// and left for reconciliation to heal rather than reported as an
	// operation failure.
	status := types.SubStatusCancelled
	endDate := sub.CurrentPeriodEnd
	if patchErr := o.store.Patch(ctx, userID, types.SnapshotPatch{
		SubscriptionStatus:  &status,
		SubscriptionEndDate: &endDate,
	}); patchErr != nil {
		o.logger.Error("failed to record cancellation in cache",
			"user_id", userID, "subscription_id", sub.ID, "error", patchErr)
	}

	o.audit.Record(ctx, types.AuditEvent{
		Type:    types.AuditSubscriptionCancel,
		ActorID: userID,
		Subject: sub.ID,
		Details: map[string]any{"effective_end": endDate.Format(time.RFC3339)},
	})
	o.metrics.RecordBillingOperation(ctx, OpCancel, OutcomeSuccess)

	return endDate, nil
}

// OpenManagementPortal returns a processor-hosted management portal URL
// scoped to return to the given origin. A customer is never created here; a
// user with no billing history fails with no_active_subscription so the UI
// can show "nothing to manage yet".
func (o *Operations) OpenManagementPortal(ctx context.Context, userID, contact, origin string) (string, error) {
	customerID, err := o.resolver.LookupCustomerID(ctx, userID, contact)
	if err != nil {
		o.metrics.RecordBillingOperation(ctx, OpPortal, OutcomeFailure)
		return "", err
	}
	if customerID == "" {
		o.metrics.RecordBillingOperation(ctx, OpPortal, OutcomeFailure)
		return "", types.NewAppError(
			types.ErrCodeNoActiveSubscription,
			"no billing history to manage",
			nil,
		)
	}

	portalURL, err := o.proc.CreatePortalSession(ctx, customerID, origin+"/account")
	if err != nil {
		o.metrics.RecordBillingOperation(ctx, OpPortal, OutcomeFailure)
		return "", err
	}

	o.audit.Record(ctx, types.AuditEvent{
		Type:    types.AuditPortalOpened,
		ActorID: userID,
		Subject: customerID,
	})
	o.metrics.RecordBillingOperation(ctx, OpPortal, OutcomeSuccess)

	return portalURL, nil
}
