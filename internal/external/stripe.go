package external

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"tiergate/internal/types"

	stripe "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"
)

// stripeAPIBase is the default Stripe API base URL.
// Overridable in tests via StripeClientConfig.BaseURL.
const stripeAPIBase = "https://api.stripe.com"

// StripeClientConfig holds the configuration for creating a StripeClient.
type StripeClientConfig struct {
	SecretKey string
	BaseURL   string // Override for testing; defaults to stripeAPIBase

	// PriceToTier maps processor price references to domain tiers. Built from
	// the deployment's plan table; used to interpret subscription data.
	PriceToTier map[string]types.Tier

	Logger *slog.Logger
}

// StripeClient talks to the billing processor by making direct HTTP calls to
// the Stripe REST API through BaseClient. This routes every request through
// the shared resilience infrastructure (circuit breaker, retries, error
// mapping) and makes testing with httptest straightforward.
//
// The client holds no domain state: identity resolution and cache writes live
// in the billing package, which composes this client with the profile cache.
type StripeClient struct {
	base        *BaseClient
	secretKey   string
	baseURL     string
	priceToTier map[string]types.Tier
	logger      *slog.Logger
}

// CheckoutParams carries everything needed to open a processor-hosted
// checkout session.
type CheckoutParams struct {
	CustomerID string
	PriceRef   string
	SuccessURL string
	CancelURL  string
	Metadata   map[string]string
}

// NewStripeClient creates a StripeClient. The httpClient timeout should match
// the configured billing request timeout.
func NewStripeClient(httpClient *http.Client, cfg StripeClientConfig) *StripeClient {
	base := NewBaseClient(
		httpClient,
		"stripe",
		DefaultRetryPolicy(),
		"TierGate/1.0",
	)
	return NewStripeClientWithBase(base, cfg)
}

// NewStripeClientWithBase creates a StripeClient with a pre-configured
// BaseClient. Useful in tests that need to control retry and sleep behavior.
func NewStripeClientWithBase(base *BaseClient, cfg StripeClientConfig) *StripeClient {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = stripeAPIBase
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &StripeClient{
		base:        base,
		secretKey:   cfg.SecretKey,
		baseURL:     strings.TrimSuffix(baseURL, "/"),
		priceToTier: cfg.PriceToTier,
		logger:      logger,
	}
}

// ---------------------------------------------------------------------------
// Customer Operations
// ---------------------------------------------------------------------------

// FindCustomerByContact looks up an existing processor customer by contact
// identifier. Returns (nil, nil) when no customer matches; absence is a
// normal outcome during identity resolution, not an error.
func (s *StripeClient) FindCustomerByContact(ctx context.Context, contact string) (*types.Customer, error) {
	params := url.Values{}
	params.Set("email", contact)
	params.Set("limit", "1")

	resp, err := s.doGet(ctx, "/v1/customers", params)
	if err != nil {
		return nil, s.wrapProcessorError("FindCustomerByContact", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, s.handleErrorResponse(resp, "FindCustomerByContact")
	}

	var list stripeCustomerList
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"failed to decode Stripe customer list response",
			err,
		)
	}

	if len(list.Data) == 0 {
		return nil, nil
	}

	return mapStripeCustomer(&list.Data[0]), nil
}

// CreateCustomer creates a new processor customer for the given user.
// The user id travels in metadata so processor-side records can be correlated
// back to the cache.
func (s *StripeClient) CreateCustomer(ctx context.Context, contact, userID string) (*types.Customer, error) {
	params := url.Values{}
	params.Set("email", contact)
	params.Set("metadata[user_id]", userID)

	resp, err := s.doPost(ctx, "/v1/customers", params)
	if err != nil {
		return nil, s.wrapProcessorError("CreateCustomer", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, s.handleErrorResponse(resp, "CreateCustomer")
	}

	var customer stripeCustomer
	if err := json.NewDecoder(resp.Body).Decode(&customer); err != nil {
		return nil, types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"failed to decode Stripe customer creation response",
			err,
		)
	}

	return mapStripeCustomer(&customer), nil
}

// ---------------------------------------------------------------------------
// Subscription Operations
// ---------------------------------------------------------------------------

// GetSubscription fetches a single subscription by its processor id.
// Returns (nil, nil) when the subscription no longer exists; a cached
// subscription id going stale is expected, and callers fall back to listing.
func (s *StripeClient) GetSubscription(ctx context.Context, subscriptionID string) (*types.Subscription, error) {
	resp, err := s.doGet(ctx, "/v1/subscriptions/"+subscriptionID, nil)
	if err != nil {
		return nil, s.wrapProcessorError("GetSubscription", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		io.Copy(io.Discard, resp.Body)
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, s.handleErrorResponse(resp, "GetSubscription")
	}

	var sub stripeSubscription
	if err := json.NewDecoder(resp.Body).Decode(&sub); err != nil {
		return nil, types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"failed to decode Stripe subscription response",
			err,
		)
	}

	return mapStripeSubscription(&sub), nil
}

// ListActiveSubscriptions returns the customer's active subscriptions, newest
// first per the processor's default ordering. An empty slice means the
// customer has no active subscription.
func (s *StripeClient) ListActiveSubscriptions(ctx context.Context, customerID string) ([]*types.Subscription, error) {
	return s.listSubscriptions(ctx, customerID, "active", "ListActiveSubscriptions")
}

// ListSubscriptions returns the customer's subscriptions in every lifecycle
// state. The consolidated status check reads through this listing: a
// status=active filter hides past_due subscriptions entirely, and a
// subscription cancelled at period end only shows its flag here.
func (s *StripeClient) ListSubscriptions(ctx context.Context, customerID string) ([]*types.Subscription, error) {
	return s.listSubscriptions(ctx, customerID, "all", "ListSubscriptions")
}

func (s *StripeClient) listSubscriptions(ctx context.Context, customerID, status, operation string) ([]*types.Subscription, error) {
	params := url.Values{}
	params.Set("customer", customerID)
	params.Set("status", status)

	resp, err := s.doGet(ctx, "/v1/subscriptions", params)
	if err != nil {
		return nil, s.wrapProcessorError(operation, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, s.handleErrorResponse(resp, operation)
	}

	var list stripeSubscriptionList
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"failed to decode Stripe subscription list response",
			err,
		)
	}

	subs := make([]*types.Subscription, 0, len(list.Data))
	for i := range list.Data {
		subs = append(subs, mapStripeSubscription(&list.Data[i]))
	}
	return subs, nil
}

// CancelAtPeriodEnd schedules the subscription to end at the close of the
// current paid period. The subscription stays active until then; the returned
// subscription carries the effective end timestamp.
func (s *StripeClient) CancelAtPeriodEnd(ctx context.Context, subscriptionID string) (*types.Subscription, error) {
	params := url.Values{}
	params.Set("cancel_at_period_end", "true")

	resp, err := s.doPost(ctx, "/v1/subscriptions/"+subscriptionID, params)
	if err != nil {
		return nil, s.wrapProcessorError("CancelAtPeriodEnd", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, s.handleErrorResponse(resp, "CancelAtPeriodEnd")
	}

	var sub stripeSubscription
	if err := json.NewDecoder(resp.Body).Decode(&sub); err != nil {
		return nil, types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"failed to decode Stripe cancellation response",
			err,
		)
	}

	return mapStripeSubscription(&sub), nil
}

// ---------------------------------------------------------------------------
// Session Operations
// ---------------------------------------------------------------------------

// CreateCheckoutSession opens a processor-hosted checkout session and returns
// the redirect target. Nothing in the cache changes until the processor
// confirms payment.
func (s *StripeClient) CreateCheckoutSession(ctx context.Context, p CheckoutParams) (*types.CheckoutIntent, error) {
	params := url.Values{}
	params.Set("customer", p.CustomerID)
	params.Set("mode", "subscription")
	params.Set("success_url", p.SuccessURL)
	params.Set("cancel_url", p.CancelURL)
	params.Set("line_items[0][price]", p.PriceRef)
	params.Set("line_items[0][quantity]", "1")
	for k, v := range p.Metadata {
		params.Set(fmt.Sprintf("metadata[%s]", k), v)
	}

	resp, err := s.doPost(ctx, "/v1/checkout/sessions", params)
	if err != nil {
		return nil, s.wrapProcessorError("CreateCheckoutSession", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, s.handleErrorResponse(resp, "CreateCheckoutSession")
	}

	var session stripeCheckoutSession
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
		return nil, types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"failed to decode Stripe checkout session response",
			err,
		)
	}

	return &types.CheckoutIntent{URL: session.URL, SessionID: session.ID}, nil
}

// CreatePortalSession opens a processor-hosted management portal session for
// an existing customer and returns the redirect URL.
func (s *StripeClient) CreatePortalSession(ctx context.Context, customerID, returnURL string) (string, error) {
	params := url.Values{}
	params.Set("customer", customerID)
	params.Set("return_url", returnURL)

	resp, err := s.doPost(ctx, "/v1/billing_portal/sessions", params)
	if err != nil {
		return "", s.wrapProcessorError("CreatePortalSession", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", s.handleErrorResponse(resp, "CreatePortalSession")
	}

	var session stripePortalSession
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
		return "", types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"failed to decode Stripe portal session response",
			err,
		)
	}

	return session.URL, nil
}

// ---------------------------------------------------------------------------
// Consolidated Status Check
// ---------------------------------------------------------------------------

// GetStatusForContact performs the consolidated subscription status check the
// reconciler and the repair path consume: customer lookup by contact, then
// the customer's subscriptions across all lifecycle states, collapsed into a
// single StatusCheck. Listing unfiltered matters: a past_due subscription is
// still subscription-bearing (the payment may recover) and must surface as
// past_due, not as an absent subscription. A missing customer or no
// subscription-bearing record yields Subscribed=false with a free tier; only
// transport and processor failures return errors.
func (s *StripeClient) GetStatusForContact(ctx context.Context, contact string) (*types.StatusCheck, error) {
	customer, err := s.FindCustomerByContact(ctx, contact)
	if err != nil {
		return nil, err
	}
	if customer == nil {
		return &types.StatusCheck{Subscribed: false, Tier: string(types.TierFree)}, nil
	}

	subs, err := s.ListSubscriptions(ctx, customer.ID)
	if err != nil {
		return nil, err
	}

	sub := mostRelevantSubscription(subs)
	if sub == nil {
		return &types.StatusCheck{
			Subscribed: false,
			Tier:       string(types.TierFree),
			CustomerID: customer.ID,
		}, nil
	}

	status := sub.Status
	if sub.CancelAtPeriodEnd {
		// The processor keeps the subscription active until the period ends;
		// the domain status is already cancelled.
		status = string(types.SubStatusCancelled)
	}

	periodEnd := sub.CurrentPeriodEnd
	return &types.StatusCheck{
		Subscribed:     true,
		Tier:           string(s.tierForPrice(sub.PriceRef)),
		Status:         status,
		PeriodEnd:      &periodEnd,
		CustomerID:     customer.ID,
		SubscriptionID: sub.ID,
	}, nil
}

// mostRelevantSubscription picks the subscription that determines the user's
// status: an active or trial subscription wins over a past_due one, and a
// fully ended subscription carries no entitlement at all. Ties keep the
// processor's ordering.
func mostRelevantSubscription(subs []*types.Subscription) *types.Subscription {
	var best *types.Subscription
	bestRank := len(statusRelevance)
	for _, sub := range subs {
		rank, bearing := statusRelevance[sub.Status]
		if !bearing {
			continue
		}
		if rank < bestRank {
			best, bestRank = sub, rank
		}
	}
	return best
}

// statusRelevance ranks the subscription-bearing processor statuses. Statuses
// absent from the map (canceled, incomplete_expired, unpaid, ...) do not grant
// entitlement.
var statusRelevance = map[string]int{
	"active":   0,
	"trialing": 0,
	"past_due": 1,
}

// tierForPrice maps a processor price reference to the domain tier it sells.
// Unknown price references resolve to free so a misconfigured plan table
// never grants paid access.
func (s *StripeClient) tierForPrice(priceRef string) types.Tier {
	if tier, ok := s.priceToTier[priceRef]; ok {
		return tier
	}
	s.logger.Warn("unknown price reference in subscription", "price_ref", priceRef)
	return types.TierFree
}

// ---------------------------------------------------------------------------
// HTTP Helpers
// ---------------------------------------------------------------------------

// doGet performs an authenticated GET request to the Stripe API.
func (s *StripeClient) doGet(ctx context.Context, path string, params url.Values) (*http.Response, error) {
	reqURL := s.baseURL + path
	if len(params) > 0 {
		reqURL += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, err
	}
	s.setAuthHeaders(req)

	return s.base.Do(req)
}

// doPost performs an authenticated POST request with a form-encoded body.
func (s *StripeClient) doPost(ctx context.Context, path string, params url.Values) (*http.Response, error) {
	reqURL := s.baseURL + path
	body := params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, strings.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	s.setAuthHeaders(req)

	return s.base.Do(req)
}

// setAuthHeaders sets the Stripe API authentication and version headers.
func (s *StripeClient) setAuthHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+s.secretKey)
	req.Header.Set("Stripe-Version", stripe.APIVersion)
}

// ---------------------------------------------------------------------------
// Error Handling
// ---------------------------------------------------------------------------

// stripeErrorResponse represents the JSON error body returned by the Stripe API.
type stripeErrorResponse struct {
	Error stripeErrorBody `json:"error"`
}

type stripeErrorBody struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Param   string `json:"param"`
}

// handleErrorResponse reads a Stripe error response and maps it to an AppError.
func (s *StripeClient) handleErrorResponse(resp *http.Response, operation string) error {
	body, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		return types.NewAppError(
			types.ErrCodeBillingProcessor,
			fmt.Sprintf("%s: processor returned status %d and response body was unreadable", operation, resp.StatusCode),
			readErr,
		)
	}

	var stripeErr stripeErrorResponse
	if jsonErr := json.Unmarshal(body, &stripeErr); jsonErr != nil {
		return types.NewAppError(
			types.ErrCodeBillingProcessor,
			fmt.Sprintf("%s: processor returned status %d with non-JSON body", operation, resp.StatusCode),
			jsonErr,
		)
	}

	return s.mapProcessorError(operation, resp.StatusCode, &stripeErr.Error)
}

// mapProcessorError translates a Stripe error into a domain AppError.
func (s *StripeClient) mapProcessorError(operation string, statusCode int, stripeErr *stripeErrorBody) error {
	switch {
	case statusCode == http.StatusTooManyRequests:
		return types.NewAppError(
			types.ErrCodeUpstreamRateLimited,
			fmt.Sprintf("%s: processor rate limit exceeded", operation),
			nil,
		)
	case statusCode >= 500:
		return types.NewAppError(
			types.ErrCodeUpstreamUnavailable,
			fmt.Sprintf("%s: processor server error: %s", operation, stripeErr.Message),
			nil,
		)
	default:
		return types.NewAppErrorWithDetails(
			types.ErrCodeBillingProcessor,
			fmt.Sprintf("%s: processor error (%d): %s", operation, statusCode, stripeErr.Message),
			nil,
			map[string]any{
				"stripe_type": stripeErr.Type,
				"stripe_code": stripeErr.Code,
			},
		)
	}
}

// wrapProcessorError wraps a BaseClient transport error with operation context.
func (s *StripeClient) wrapProcessorError(operation string, err error) error {
	// Errors from BaseClient (circuit breaker, retries exhausted) already
	// carry the right upstream code; pass them through.
	if _, ok := err.(*types.AppError); ok {
		return err
	}
	return types.NewAppError(
		types.ErrCodeBillingProcessor,
		fmt.Sprintf("%s: processor request failed: %v", operation, err),
		err,
	)
}

// ---------------------------------------------------------------------------
// Stripe Response Types (for JSON deserialization)
// ---------------------------------------------------------------------------

type stripeCustomer struct {
	ID       string            `json:"id"`
	Email    string            `json:"email"`
	Metadata map[string]string `json:"metadata"`
}

type stripeCustomerList struct {
	Data    []stripeCustomer `json:"data"`
	HasMore bool             `json:"has_more"`
}

type stripeCheckoutSession struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

type stripePortalSession struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

type stripeSubscription struct {
	ID                string                  `json:"id"`
	Customer          string                  `json:"customer"`
	Status            string                  `json:"status"`
	CancelAtPeriodEnd bool                    `json:"cancel_at_period_end"`
	CurrentPeriodEnd  int64                   `json:"current_period_end"`
	Items             stripeSubscriptionItems `json:"items"`
}

type stripeSubscriptionItems struct {
	Data []stripeSubscriptionItem `json:"data"`
}

type stripeSubscriptionItem struct {
	Price stripePrice `json:"price"`
}

type stripePrice struct {
	ID string `json:"id"`
}

type stripeSubscriptionList struct {
	Data    []stripeSubscription `json:"data"`
	HasMore bool                 `json:"has_more"`
}

// ---------------------------------------------------------------------------
// Mapping Functions
// ---------------------------------------------------------------------------

func mapStripeCustomer(c *stripeCustomer) *types.Customer {
	return &types.Customer{ID: c.ID, Contact: c.Email}
}

func mapStripeSubscription(sub *stripeSubscription) *types.Subscription {
	out := &types.Subscription{
		ID:                sub.ID,
		CustomerID:        sub.Customer,
		Status:            sub.Status,
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
		CurrentPeriodEnd:  time.Unix(sub.CurrentPeriodEnd, 0).UTC(),
	}
	if len(sub.Items.Data) > 0 {
		out.PriceRef = sub.Items.Data[0].Price.ID
	}
	return out
}

// ---------------------------------------------------------------------------
// Webhook Verification
// ---------------------------------------------------------------------------

// StripeVerifier validates processor webhook payloads using stripe-go's
// signature verification: HMAC-SHA256 with timestamp tolerance.
type StripeVerifier struct{}

// Verify validates a webhook payload against the signature header and
// signing secret.
func (v *StripeVerifier) Verify(payload []byte, header string, secret string) error {
	return webhook.ValidatePayload(payload, header, secret)
}
