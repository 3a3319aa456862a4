package billing

import (
	"context"

	"tiergate/internal/external"
	"tiergate/internal/types"
)

// ProfileStore is the subset of the profile cache accessor the billing
// package writes through.
type ProfileStore interface {
	Get(ctx context.Context, userID string) (*types.TierSnapshot, error)
	GetOrCreate(ctx context.Context, userID, contact string) (*types.TierSnapshot, error)
	Patch(ctx context.Context, userID string, patch types.SnapshotPatch) error
}

// Processor is the billing-processor surface used by identity resolution and
// the billing operations. Implemented by external.StripeClient.
type Processor interface {
	FindCustomerByContact(ctx context.Context, contact string) (*types.Customer, error)
	CreateCustomer(ctx context.Context, contact, userID string) (*types.Customer, error)
	GetSubscription(ctx context.Context, subscriptionID string) (*types.Subscription, error)
	ListActiveSubscriptions(ctx context.Context, customerID string) ([]*types.Subscription, error)
	CancelAtPeriodEnd(ctx context.Context, subscriptionID string) (*types.Subscription, error)
	CreateCheckoutSession(ctx context.Context, p external.CheckoutParams) (*types.CheckoutIntent, error)
	CreatePortalSession(ctx context.Context, customerID, returnURL string) (string, error)
}

// IdentityResolver deterministically maps a user's contact identifier to the
// billing-processor customer record and its active subscription, if any.
//
// Resolution is write-through: a newly resolved customer or subscription id
// is persisted to the cache (set-once) before returning, so concurrent or
// later operations skip the processor lookup. Repeated resolution for the
// same user performs at most one customer-creation call.
type IdentityResolver struct {
	store  ProfileStore
	proc   Processor
	audit  types.AuditSink
	logger types.Logger
}

// NewIdentityResolver creates an IdentityResolver.
func NewIdentityResolver(store ProfileStore, proc Processor, audit types.AuditSink, logger types.Logger) *IdentityResolver {
	return &IdentityResolver{
		store:  store,
		proc:   proc,
		audit:  audit,
		logger: logger,
	}
}

// Resolve finds or creates the processor customer for the user and locates
// its active subscription. Returns identity_not_found when no customer can
// be resolved and none can be created; processor failures during the
// subscription lookup propagate as-is.
func (r *IdentityResolver) Resolve(ctx context.Context, userID, contact string) (types.ResolvedIdentity, error) {
	snap, err := r.store.GetOrCreate(ctx, userID, contact)
	if err != nil {
		return types.ResolvedIdentity{}, err
	}

	customerID := snap.BillingCustomerID
	if customerID == "" {
		customerID, err = r.resolveCustomer(ctx, userID, contact)
		if err != nil {
			return types.ResolvedIdentity{}, err
		}
	}

	subscriptionID, err := r.findActiveSubscription(ctx, customerID, snap.BillingSubscriptionID)
	if err != nil {
		return types.ResolvedIdentity{}, err
	}

	r.persistIdentity(ctx, userID, snap, customerID, subscriptionID)

	return types.ResolvedIdentity{
		CustomerID:     customerID,
		SubscriptionID: subscriptionID,
	}, nil
}

// LookupCustomerID returns the user's processor customer id without ever
// creating one: the cached id if present, else a contact lookup. Returns ""
// when no customer exists. The portal operation uses this path because a
// customer with no billing history must not be handed a management portal.
func (r *IdentityResolver) LookupCustomerID(ctx context.Context, userID, contact string) (string, error) {
	snap, err := r.store.GetOrCreate(ctx, userID, contact)
	if err != nil {
		return "", err
	}
	if snap.BillingCustomerID != "" {
		return snap.BillingCustomerID, nil
	}

	customer, err := r.proc.FindCustomerByContact(ctx, contact)
	if err != nil {
		return "", err
	}
	if customer == nil {
		return "", nil
	}

	if patchErr := r.store.Patch(ctx, userID, types.SnapshotPatch{BillingCustomerID: &customer.ID}); patchErr != nil {
		r.logger.Warn("failed to cache resolved customer id",
			"user_id", userID, "customer_id", customer.ID, "error", patchErr)
	}
	return customer.ID, nil
}

// resolveCustomer finds the customer by contact or creates a new one.
// Either processor failure means no identity can be established, so both map
// to identity_not_found carrying the processor's error.
func (r *IdentityResolver) resolveCustomer(ctx context.Context, userID, contact string) (string, error) {
	customer, err := r.proc.FindCustomerByContact(ctx, contact)
	if err != nil {
		return "", types.NewAppError(
			types.ErrCodeIdentityNotFound,
			"could not resolve billing customer",
			err,
		)
	}

	if customer == nil {
		customer, err = r.proc.CreateCustomer(ctx, contact, userID)
		if err != nil {
			return "", types.NewAppError(
				types.ErrCodeIdentityNotFound,
				"could not create billing customer",
				err,
			)
		}
		r.audit.Record(ctx, types.AuditEvent{
			Type:    types.AuditIdentityResolved,
			ActorID: userID,
			Subject: customer.ID,
			Details: map[string]any{"created": true},
		})
	}

	return customer.ID, nil
}

// findActiveSubscription locates the user's active subscription. A cached
// subscription id is fetched directly and accepted only while its status is
// active or trial-equivalent; otherwise the customer's active subscriptions
// are listed and the first result wins (processor-assigned order, no extra
// tie-break). Returns "" when none exists.
func (r *IdentityResolver) findActiveSubscription(ctx context.Context, customerID, cachedSubID string) (string, error) {
	if cachedSubID != "" {
		sub, err := r.proc.GetSubscription(ctx, cachedSubID)
		if err != nil {
			return "", err
		}
		if sub != nil && sub.ActiveEquivalent() {
			return sub.ID, nil
		}
	}

	subs, err := r.proc.ListActiveSubscriptions(ctx, customerID)
	if err != nil {
		return "", err
	}
	if len(subs) == 0 {
		return "", nil
	}
	return subs[0].ID, nil
}

// persistIdentity writes newly resolved identifiers through to the cache.
// The columns are set-once at the SQL level, so a concurrent resolver cannot
// clobber an id that landed first. A cache failure here is logged, not
// propagated: the identity is valid regardless, and reconciliation re-derives
// the ids on its next pass.
func (r *IdentityResolver) persistIdentity(ctx context.Context, userID string, snap *types.TierSnapshot, customerID, subscriptionID string) {
	patch := types.SnapshotPatch{}
	if snap.BillingCustomerID == "" && customerID != "" {
		patch.BillingCustomerID = &customerID
	}
	if snap.BillingSubscriptionID == "" && subscriptionID != "" {
		patch.BillingSubscriptionID = &subscriptionID
	}
	if patch.IsZero() {
		return
	}

	if err := r.store.Patch(ctx, userID, patch); err != nil {
		r.logger.Warn("failed to persist resolved identity",
			"user_id", userID, "customer_id", customerID, "error", err)
	}
}
