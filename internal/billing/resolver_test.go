package billing

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tiergate/internal/external"
	"tiergate/internal/types"
)

// --- Fakes ---

// fakeStore is an in-memory ProfileStore that applies patches the way the
// real repository does, including set-once billing identifiers.
type fakeStore struct {
	mu        sync.Mutex
	snapshots map[string]*types.TierSnapshot
	patchErr  error
	patches   []types.SnapshotPatch
}

func newFakeStore() *fakeStore {
	return &fakeStore{snapshots: make(map[string]*types.TierSnapshot)}
}

func (s *fakeStore) Get(_ context.Context, userID string) (*types.TierSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.snapshots[userID]
	if !ok {
		return nil, types.NewAppError(types.ErrCodeNotFoundProfile, "profile not found", nil)
	}
	copied := *snap
	return &copied, nil
}

func (s *fakeStore) GetOrCreate(_ context.Context, userID, contact string) (*types.TierSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if snap, ok := s.snapshots[userID]; ok {
		copied := *snap
		return &copied, nil
	}
	snap := types.DefaultSnapshot(userID, contact, time.Now().UTC())
	s.snapshots[userID] = snap
	copied := *snap
	return &copied, nil
}

func (s *fakeStore) Patch(_ context.Context, userID string, patch types.SnapshotPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.patchErr != nil {
		return s.patchErr
	}
	snap, ok := s.snapshots[userID]
	if !ok {
		return types.NewAppError(types.ErrCodeNotFoundProfile, "profile not found", nil)
	}
	s.patches = append(s.patches, patch)
	if patch.Tier != nil {
		snap.Tier = *patch.Tier
	}
	if patch.SubscriptionStatus != nil {
		snap.SubscriptionStatus = *patch.SubscriptionStatus
	}
	if patch.SubscriptionEndDate != nil {
		snap.SubscriptionEndDate = patch.SubscriptionEndDate
	} else if patch.ClearEndDate {
		snap.SubscriptionEndDate = nil
	}
	if patch.BillingCustomerID != nil && snap.BillingCustomerID == "" {
		snap.BillingCustomerID = *patch.BillingCustomerID
	}
	if patch.BillingSubscriptionID != nil && snap.BillingSubscriptionID == "" {
		snap.BillingSubscriptionID = *patch.BillingSubscriptionID
	}
	return nil
}

// fakeProcessor implements Processor with function fields and call counters.
type fakeProcessor struct {
	findFn   func(ctx context.Context, contact string) (*types.Customer, error)
	createFn func(ctx context.Context, contact, userID string) (*types.Customer, error)
	getSubFn func(ctx context.Context, id string) (*types.Subscription, error)
	listFn   func(ctx context.Context, customerID string) ([]*types.Subscription, error)
	cancelFn func(ctx context.Context, id string) (*types.Subscription, error)
	checkFn  func(ctx context.Context, p external.CheckoutParams) (*types.CheckoutIntent, error)
	portalFn func(ctx context.Context, customerID, returnURL string) (string, error)

	findCalls   int
	createCalls int
	getSubCalls int
	listCalls   int
}

func (p *fakeProcessor) FindCustomerByContact(ctx context.Context, contact string) (*types.Customer, error) {
	p.findCalls++
	if p.findFn != nil {
		return p.findFn(ctx, contact)
	}
	return nil, nil
}

func (p *fakeProcessor) CreateCustomer(ctx context.Context, contact, userID string) (*types.Customer, error) {
	p.createCalls++
	if p.createFn != nil {
		return p.createFn(ctx, contact, userID)
	}
	return &types.Customer{ID: "cus_created", Contact: contact}, nil
}

func (p *fakeProcessor) GetSubscription(ctx context.Context, id string) (*types.Subscription, error) {
	p.getSubCalls++
	if p.getSubFn != nil {
		return p.getSubFn(ctx, id)
	}
	return nil, nil
}

func (p *fakeProcessor) ListActiveSubscriptions(ctx context.Context, customerID string) ([]*types.Subscription, error) {
	p.listCalls++
	if p.listFn != nil {
		return p.listFn(ctx, customerID)
	}
	return nil, nil
}

func (p *fakeProcessor) CancelAtPeriodEnd(ctx context.Context, id string) (*types.Subscription, error) {
	if p.cancelFn != nil {
		return p.cancelFn(ctx, id)
	}
	return nil, types.NewAppError(types.ErrCodeBillingProcessor, "not configured", nil)
}

func (p *fakeProcessor) CreateCheckoutSession(ctx context.Context, params external.CheckoutParams) (*types.CheckoutIntent, error) {
	if p.checkFn != nil {
		return p.checkFn(ctx, params)
	}
	return &types.CheckoutIntent{URL: "https://checkout.example.com/cs_1", SessionID: "cs_1"}, nil
}

func (p *fakeProcessor) CreatePortalSession(ctx context.Context, customerID, returnURL string) (string, error) {
	if p.portalFn != nil {
		return p.portalFn(ctx, customerID, returnURL)
	}
	return "https://portal.example.com/bps_1", nil
}

// recordingAudit captures recorded events.
type recordingAudit struct {
	mu     sync.Mutex
	events []types.AuditEvent
}

func (a *recordingAudit) Record(_ context.Context, event types.AuditEvent) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, event)
}

func newTestResolver(store *fakeStore, proc *fakeProcessor) *IdentityResolver {
	return NewIdentityResolver(store, proc, &recordingAudit{}, types.NewSlogLogger(nil))
}

// --- Resolve ---

func TestResolve_UsesCachedCustomerID(t *testing.T) {
	store := newFakeStore()
	store.snapshots["user_1"] = &types.TierSnapshot{
		UserID:            "user_1",
		Contact:           "s@example.edu",
		BillingCustomerID: "cus_cached",
	}

	proc := &fakeProcessor{
		listFn: func(_ context.Context, customerID string) ([]*types.Subscription, error) {
			assert.Equal(t, "cus_cached", customerID)
			return nil, nil
		},
	}

	r := newTestResolver(store, proc)
	identity, err := r.Resolve(context.Background(), "user_1", "s@example.edu")
	require.NoError(t, err)

	assert.Equal(t, "cus_cached", identity.CustomerID)
	assert.Zero(t, proc.findCalls, "cached id must skip the contact lookup")
	assert.Zero(t, proc.createCalls)
}

func TestResolve_AdoptsExistingCustomerByContact(t *testing.T) {
	store := newFakeStore()
	proc := &fakeProcessor{
		findFn: func(_ context.Context, contact string) (*types.Customer, error) {
			return &types.Customer{ID: "cus_found", Contact: contact}, nil
		},
	}

	r := newTestResolver(store, proc)
	identity, err := r.Resolve(context.Background(), "user_1", "s@example.edu")
	require.NoError(t, err)

	assert.Equal(t, "cus_found", identity.CustomerID)
	assert.Zero(t, proc.createCalls, "existing customer must not be re-created")
	assert.Equal(t, "cus_found", store.snapshots["user_1"].BillingCustomerID,
		"resolved id must be written through to the cache")
}

func TestResolve_CreatesCustomerWhenNoneExists(t *testing.T) {
	store := newFakeStore()
	proc := &fakeProcessor{}

	r := newTestResolver(store, proc)
	identity, err := r.Resolve(context.Background(), "user_1", "s@example.edu")
	require.NoError(t, err)

	assert.Equal(t, "cus_created", identity.CustomerID)
	assert.Equal(t, 1, proc.createCalls)
	assert.Empty(t, identity.SubscriptionID)
}

func TestResolve_IdempotentAcrossCalls(t *testing.T) {
	store := newFakeStore()
	proc := &fakeProcessor{}

	r := newTestResolver(store, proc)

	_, err := r.Resolve(context.Background(), "user_1", "s@example.edu")
	require.NoError(t, err)
	_, err = r.Resolve(context.Background(), "user_1", "s@example.edu")
	require.NoError(t, err)

	// Second call reads the cached id; at most one creation call total.
	assert.Equal(t, 1, proc.findCalls)
	assert.Equal(t, 1, proc.createCalls)
}

func TestResolve_ProcessorFailureMapsToIdentityNotFound(t *testing.T) {
	store := newFakeStore()
	upstream := types.NewAppError(types.ErrCodeUpstreamUnavailable, "processor down", nil)
	proc := &fakeProcessor{
		findFn: func(context.Context, string) (*types.Customer, error) {
			return nil, upstream
		},
	}

	r := newTestResolver(store, proc)
	_, err := r.Resolve(context.Background(), "user_1", "s@example.edu")
	require.Error(t, err)
	assert.Equal(t, types.ErrCodeIdentityNotFound, types.CodeOf(err))

	var appErr *types.AppError
	require.ErrorAs(t, err, &appErr)
	assert.ErrorIs(t, appErr.Err, upstream, "the processor's error must travel with the failure")
}

func TestResolve_CachedSubscriptionAcceptedWhileActive(t *testing.T) {
	store := newFakeStore()
	store.snapshots["user_1"] = &types.TierSnapshot{
		UserID:                "user_1",
		BillingCustomerID:     "cus_1",
		BillingSubscriptionID: "sub_cached",
	}

	proc := &fakeProcessor{
		getSubFn: func(_ context.Context, id string) (*types.Subscription, error) {
			return &types.Subscription{ID: id, Status: "trialing"}, nil
		},
	}

	r := newTestResolver(store, proc)
	identity, err := r.Resolve(context.Background(), "user_1", "s@example.edu")
	require.NoError(t, err)

	assert.Equal(t, "sub_cached", identity.SubscriptionID, "trial-equivalent status is accepted")
	assert.Zero(t, proc.listCalls, "direct fetch must not fall back to listing")
}

func TestResolve_StaleCachedSubscriptionFallsBackToList(t *testing.T) {
	store := newFakeStore()
	store.snapshots["user_1"] = &types.TierSnapshot{
		UserID:                "user_1",
		BillingCustomerID:     "cus_1",
		BillingSubscriptionID: "sub_stale",
	}

	proc := &fakeProcessor{
		getSubFn: func(_ context.Context, id string) (*types.Subscription, error) {
			return &types.Subscription{ID: id, Status: "canceled"}, nil
		},
		listFn: func(context.Context, string) ([]*types.Subscription, error) {
			return []*types.Subscription{
				{ID: "sub_new", Status: "active"},
				{ID: "sub_other", Status: "active"},
			}, nil
		},
	}

	r := newTestResolver(store, proc)
	identity, err := r.Resolve(context.Background(), "user_1", "s@example.edu")
	require.NoError(t, err)

	// First listed result wins; no extra tie-break.
	assert.Equal(t, "sub_new", identity.SubscriptionID)
	assert.Equal(t, 1, proc.listCalls)
}

func TestResolve_VanishedCachedSubscriptionFallsBackToList(t *testing.T) {
	store := newFakeStore()
	store.snapshots["user_1"] = &types.TierSnapshot{
		UserID:                "user_1",
		BillingCustomerID:     "cus_1",
		BillingSubscriptionID: "sub_gone",
	}

	proc := &fakeProcessor{
		getSubFn: func(context.Context, string) (*types.Subscription, error) {
			return nil, nil // processor no longer knows this subscription
		},
		listFn: func(context.Context, string) ([]*types.Subscription, error) {
			return nil, nil
		},
	}

	r := newTestResolver(store, proc)
	identity, err := r.Resolve(context.Background(), "user_1", "s@example.edu")
	require.NoError(t, err)
	assert.False(t, identity.HasSubscription())
}

func TestResolve_CacheWriteFailureDoesNotBlockResolution(t *testing.T) {
	store := newFakeStore()
	proc := &fakeProcessor{}

	r := newTestResolver(store, proc)

	// Prime the snapshot, then make subsequent patches fail.
	_, err := store.GetOrCreate(context.Background(), "user_1", "s@example.edu")
	require.NoError(t, err)
	store.patchErr = types.NewAppError(types.ErrCodeStoreUnavailable, "cache down", nil)

	identity, err := r.Resolve(context.Background(), "user_1", "s@example.edu")
	require.NoError(t, err, "a failed write-through must not fail resolution")
	assert.Equal(t, "cus_created", identity.CustomerID)
}

// --- LookupCustomerID ---

func TestLookupCustomerID_NeverCreates(t *testing.T) {
	store := newFakeStore()
	proc := &fakeProcessor{}

	r := newTestResolver(store, proc)
	customerID, err := r.LookupCustomerID(context.Background(), "user_1", "s@example.edu")
	require.NoError(t, err)

	assert.Empty(t, customerID)
	assert.Equal(t, 1, proc.findCalls)
	assert.Zero(t, proc.createCalls, "lookup must never create a customer")
}

func TestLookupCustomerID_PrefersCachedID(t *testing.T) {
	store := newFakeStore()
	store.snapshots["user_1"] = &types.TierSnapshot{
		UserID:            "user_1",
		BillingCustomerID: "cus_cached",
	}
	proc := &fakeProcessor{}

	r := newTestResolver(store, proc)
	customerID, err := r.LookupCustomerID(context.Background(), "user_1", "s@example.edu")
	require.NoError(t, err)

	assert.Equal(t, "cus_cached", customerID)
	assert.Zero(t, proc.findCalls)
}

func TestLookupCustomerID_CachesFoundID(t *testing.T) {
	store := newFakeStore()
	proc := &fakeProcessor{
		findFn: func(context.Context, string) (*types.Customer, error) {
			return &types.Customer{ID: "cus_found"}, nil
		},
	}

	r := newTestResolver(store, proc)
	customerID, err := r.LookupCustomerID(context.Background(), "user_1", "s@example.edu")
	require.NoError(t, err)

	assert.Equal(t, "cus_found", customerID)
	assert.Equal(t, "cus_found", store.snapshots["user_1"].BillingCustomerID)
}
