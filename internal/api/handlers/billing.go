package handlers

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"tiergate/internal/core"
	"tiergate/internal/types"
)

// BillingService is the subset of billing operations the HTTP surface needs.
// All three operations resolve identity against the billing processor and
// propagate processor failures as typed errors.
type BillingService interface {
	StartCheckout(ctx context.Context, userID, contact string, tier types.Tier, period types.BillingPeriod, origin string) (*types.CheckoutIntent, error)
	CancelSubscription(ctx context.Context, userID, contact string) (time.Time, error)
	OpenManagementPortal(ctx context.Context, userID, contact, origin string) (string, error)
}

// BillingHandler exposes the billing-mutation endpoints.
type BillingHandler struct {
	billing       BillingService
	validator     *core.Validator
	defaultOrigin string
	logger        types.Logger
}

// NewBillingHandler creates a BillingHandler. defaultOrigin is the redirect
// origin used when the request carries no Origin header.
func NewBillingHandler(billing BillingService, v *core.Validator, defaultOrigin string, logger types.Logger) *BillingHandler {
	return &BillingHandler{
		billing:       billing,
		validator:     v,
		defaultOrigin: strings.TrimRight(defaultOrigin, "/"),
		logger:        logger,
	}
}

// RegisterRoutes mounts the billing endpoints.
func (h *BillingHandler) RegisterRoutes(r chi.Router) {
	r.Post("/billing/checkout", h.StartCheckout)
	r.Post("/billing/cancel", h.CancelSubscription)
	r.Post("/billing/portal", h.OpenPortal)
}

// origin returns the redirect origin for checkout and portal return URLs:
// the request's Origin header when present, the configured default
// otherwise.
func (h *BillingHandler) origin(r *http.Request) string {
	if o := strings.TrimRight(r.Header.Get("Origin"), "/"); o != "" {
		return o
	}
	return h.defaultOrigin
}

type checkoutRequest struct {
	Tier   string `json:"tier" validate:"required,paid_tier"`
	Period string `json:"period" validate:"required,billing_period"`
}

// StartCheckout maps (tier, period) through the plan table and returns a
// processor-hosted checkout redirect. The cached tier does not change here;
// it changes when reconciliation observes the completed payment.
func (h *BillingHandler) StartCheckout(w http.ResponseWriter, r *http.Request) {
	actor, ok := types.GetActor(r.Context())
	if !ok {
		core.Error(w, r, types.NewAppError(types.ErrCodeAuthTokenInvalid, "no actor in request context", nil))
		return
	}

	var req checkoutRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	intent, err := h.billing.StartCheckout(
		r.Context(),
		actor.ID,
		actor.Contact,
		types.Tier(req.Tier),
		types.BillingPeriod(req.Period),
		h.origin(r),
	)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: intent})
}

type cancelResponse struct {
	// EffectiveEnd is when paid access actually stops. Cancellation is
	// always end-of-period, never immediate.
	EffectiveEnd time.Time `json:"effective_end"`
}

// CancelSubscription requests end-of-period cancellation of the actor's
// active subscription.
func (h *BillingHandler) CancelSubscription(w http.ResponseWriter, r *http.Request) {
	actor, ok := types.GetActor(r.Context())
	if !ok {
		core.Error(w, r, types.NewAppError(types.ErrCodeAuthTokenInvalid, "no actor in request context", nil))
		return
	}

	effectiveEnd, err := h.billing.CancelSubscription(r.Context(), actor.ID, actor.Contact)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: cancelResponse{EffectiveEnd: effectiveEnd}})
}

type portalResponse struct {
	URL string `json:"url"`
}

// OpenPortal returns a processor-hosted billing management portal URL for
// the actor.
func (h *BillingHandler) OpenPortal(w http.ResponseWriter, r *http.Request) {
	actor, ok := types.GetActor(r.Context())
	if !ok {
		core.Error(w, r, types.NewAppError(types.ErrCodeAuthTokenInvalid, "no actor in request context", nil))
		return
	}

	url, err := h.billing.OpenManagementPortal(r.Context(), actor.ID, actor.Contact, h.origin(r))
	if err != nil {
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: portalResponse{URL: url}})
}
