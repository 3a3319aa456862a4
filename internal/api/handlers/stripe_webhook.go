package handlers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"tiergate/internal/core"
	"tiergate/internal/types"
)

// maxWebhookBodySize caps Stripe webhook payloads (64 KB). Stripe events are
// small; anything larger is abuse.
const maxWebhookBodySize = 64 * 1024

// WebhookVerifier validates the processor's webhook signature.
type WebhookVerifier interface {
	Verify(payload []byte, header, secret string) error
}

// RefreshScheduler requests an out-of-band reconciliation refresh. Scheduling
// must not block the webhook response.
type RefreshScheduler interface {
	ScheduleRefresh(userID string)
}

// ContactIndex resolves a billing contact back to the cached profile. Used
// when an event carries only the customer's email.
type ContactIndex interface {
	GetByContact(ctx context.Context, contact string) (*types.TierSnapshot, error)
}

// StripeWebhookHandler receives asynchronous billing events from Stripe.
// It mounts outside the API-key group; authentication is the Stripe-Signature
// header verified against the webhook signing secret.
//
// The handler never applies event payloads to the cache directly. Its only
// effect is scheduling a reconciliation refresh for the affected user, so
// cache writes stay on the single reconciliation path.
type StripeWebhookHandler struct {
	verifier  WebhookVerifier
	refresher RefreshScheduler
	contacts  ContactIndex
	secret    string
	logger    types.Logger
}

// NewStripeWebhookHandler creates a StripeWebhookHandler.
func NewStripeWebhookHandler(
	verifier WebhookVerifier,
	refresher RefreshScheduler,
	contacts ContactIndex,
	secret string,
	logger types.Logger,
) *StripeWebhookHandler {
	return &StripeWebhookHandler{
		verifier:  verifier,
		refresher: refresher,
		contacts:  contacts,
		secret:    secret,
		logger:    logger,
	}
}

// RegisterRoutes mounts the webhook endpoint on the public router.
func (h *StripeWebhookHandler) RegisterRoutes(r chi.Router) {
	r.Post("/webhooks/stripe", h.Handle)
}

// stripeEvent is the minimal projection of a Stripe event the handler needs:
// enough to identify the affected user. Everything else comes from the
// processor during the refresh the event triggers.
type stripeEvent struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object struct {
			Metadata        map[string]string `json:"metadata"`
			CustomerEmail   string            `json:"customer_email"`
			CustomerDetails struct {
				Email string `json:"email"`
			} `json:"customer_details"`
		} `json:"object"`
	} `json:"data"`
}

// subscriptionEvents are the event types that can change a user's tier or
// subscription status. Everything else is acknowledged and ignored.
var subscriptionEvents = map[string]bool{
	"checkout.session.completed":    true,
	"customer.subscription.created": true,
	"customer.subscription.updated": true,
	"customer.subscription.deleted": true,
	"invoice.paid":                  true,
	"invoice.payment_failed":        true,
}

// Handle verifies the signature, identifies the affected user, and schedules
// a reconciliation refresh. It returns 200 even when the user cannot be
// identified: the periodic sweep will converge the cache regardless, and a
// non-2xx would only make Stripe retry an event we cannot use.
func (h *StripeWebhookHandler) Handle(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBodySize)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		h.logger.Warn("failed to read webhook body", "error", err)
		core.Error(w, r, types.NewAppError(types.ErrCodeValidationMissingField, "failed to read request body", err))
		return
	}

	sigHeader := r.Header.Get("Stripe-Signature")
	if sigHeader == "" {
		h.logger.Warn("missing Stripe-Signature header")
		core.Error(w, r, types.NewAppError(types.ErrCodeAuthTokenMissing, "missing Stripe-Signature header", nil))
		return
	}
	if err := h.verifier.Verify(payload, sigHeader, h.secret); err != nil {
		h.logger.Warn("webhook signature verification failed", "error", err)
		core.Error(w, r, types.NewAppError(types.ErrCodeAuthTokenInvalid, "webhook signature verification failed", err))
		return
	}

	var event stripeEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		h.logger.Warn("failed to parse webhook event", "error", err)
		core.Error(w, r, types.NewAppError(types.ErrCodeValidationMissingField, "invalid webhook event JSON", err))
		return
	}

	if subscriptionEvents[event.Type] {
		if userID := h.resolveUser(r.Context(), &event); userID != "" {
			h.logger.Info("scheduling refresh for webhook event",
				"event_id", event.ID, "event_type", event.Type, "user_id", userID)
			h.refresher.ScheduleRefresh(userID)
		} else {
			h.logger.Warn("could not identify user for webhook event",
				"event_id", event.ID, "event_type", event.Type)
		}
	}

	w.WriteHeader(http.StatusOK)
}

// resolveUser identifies the affected user: checkout metadata carries the
// user ID directly; other events fall back to the customer email via the
// contact index.
func (h *StripeWebhookHandler) resolveUser(ctx context.Context, event *stripeEvent) string {
	if userID := event.Data.Object.Metadata["user_id"]; userID != "" {
		return userID
	}

	contact := event.Data.Object.CustomerEmail
	if contact == "" {
		contact = event.Data.Object.CustomerDetails.Email
	}
	if contact == "" {
		return ""
	}

	snap, err := h.contacts.GetByContact(ctx, contact)
	if err != nil || snap == nil {
		return ""
	}
	return snap.UserID
}
