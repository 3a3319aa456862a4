package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"tiergate/internal/core"
	"tiergate/internal/types"
)

// QuotaService is the subset of the quota enforcer the HTTP surface needs.
type QuotaService interface {
	Check(ctx context.Context, snap *types.TierSnapshot, kind types.FeatureKind) error
	OnStoreDenial(ctx context.Context, userID string, err error, kind types.FeatureKind) bool
	UpgradePrompt(userID string) (types.FeatureKind, bool)
	ClearUpgradePrompt(userID string)
}

// QuotaHandler answers admission questions for feature creation.
type QuotaHandler struct {
	store     SnapshotStore
	quota     QuotaService
	validator *core.Validator
	logger    types.Logger
}

// NewQuotaHandler creates a QuotaHandler.
func NewQuotaHandler(store SnapshotStore, quota QuotaService, v *core.Validator, logger types.Logger) *QuotaHandler {
	return &QuotaHandler{store: store, quota: quota, validator: v, logger: logger}
}

// RegisterRoutes mounts the quota endpoints.
func (h *QuotaHandler) RegisterRoutes(r chi.Router) {
	r.Post("/quota/check", h.Check)
	r.Post("/quota/store-denial", h.StoreDenial)
	r.Get("/quota/upgrade-prompt", h.GetUpgradePrompt)
	r.Delete("/quota/upgrade-prompt", h.ClearUpgradePrompt)
}

type quotaCheckRequest struct {
	Kind string `json:"kind" validate:"required,feature_kind"`
}

type quotaCheckResponse struct {
	Allowed bool   `json:"allowed"`
	Kind    string `json:"kind"`
	Used    int    `json:"used"`
	Tier    string `json:"tier"`
}

// Check decides whether the actor may create one more feature of the given
// kind. A snapshot load failure is treated as a missing snapshot: the
// enforcer fails closed rather than admitting on unknown state.
func (h *QuotaHandler) Check(w http.ResponseWriter, r *http.Request) {
	actor, ok := types.GetActor(r.Context())
	if !ok {
		core.Error(w, r, types.NewAppError(types.ErrCodeAuthTokenInvalid, "no actor in request context", nil))
		return
	}

	var req quotaCheckRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}
	kind := types.FeatureKind(req.Kind)

	snap, err := h.store.GetOrCreate(r.Context(), actor.ID, actor.Contact)
	if err != nil {
		h.logger.Warn("snapshot load failed during quota check; failing closed",
			"user_id", actor.ID, "error", err)
		snap = nil
	}

	if err := h.quota.Check(r.Context(), snap, kind); err != nil {
		core.Error(w, r, err)
		return
	}

	resp := quotaCheckResponse{Allowed: true, Kind: req.Kind}
	if snap != nil {
		resp.Used = snap.UsedCount(kind)
		resp.Tier = string(snap.Tier)
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: resp})
}

type storeDenialRequest struct {
	Kind    string `json:"kind" validate:"required,feature_kind"`
	Message string `json:"message" validate:"required"`
}

type storeDenialResponse struct {
	QuotaDenial bool `json:"quota_denial"`
}

// StoreDenial reports a creation error the feature store returned to the
// caller. When the message carries quota-exceeded phrasing the enforcer
// arms the upgrade prompt and schedules a refresh; otherwise the error is
// the caller's to handle.
func (h *QuotaHandler) StoreDenial(w http.ResponseWriter, r *http.Request) {
	actor, ok := types.GetActor(r.Context())
	if !ok {
		core.Error(w, r, types.NewAppError(types.ErrCodeAuthTokenInvalid, "no actor in request context", nil))
		return
	}

	var req storeDenialRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	handled := h.quota.OnStoreDenial(r.Context(), actor.ID, errors.New(req.Message), types.FeatureKind(req.Kind))
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: storeDenialResponse{QuotaDenial: handled}})
}

type upgradePromptResponse struct {
	Pending bool   `json:"pending"`
	Kind    string `json:"kind,omitempty"`
}

// GetUpgradePrompt returns the actor's pending upgrade-prompt state, if any.
func (h *QuotaHandler) GetUpgradePrompt(w http.ResponseWriter, r *http.Request) {
	actor, ok := types.GetActor(r.Context())
	if !ok {
		core.Error(w, r, types.NewAppError(types.ErrCodeAuthTokenInvalid, "no actor in request context", nil))
		return
	}

	kind, pending := h.quota.UpgradePrompt(actor.ID)
	resp := upgradePromptResponse{Pending: pending}
	if pending {
		resp.Kind = string(kind)
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: resp})
}

// ClearUpgradePrompt resets the actor's upgrade-prompt state after the UI has
// shown the dialog.
func (h *QuotaHandler) ClearUpgradePrompt(w http.ResponseWriter, r *http.Request) {
	actor, ok := types.GetActor(r.Context())
	if !ok {
		core.Error(w, r, types.NewAppError(types.ErrCodeAuthTokenInvalid, "no actor in request context", nil))
		return
	}

	h.quota.ClearUpgradePrompt(actor.ID)
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: upgradePromptResponse{Pending: false}})
}
