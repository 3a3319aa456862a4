// Package handlers contains the HTTP handler implementations for the
// TierGate API. Each handler declares the narrow service interfaces it needs
// so tests can inject fakes without touching the real collaborators.
package handlers

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"tiergate/internal/core"
	"tiergate/internal/reconcile"
	"tiergate/internal/types"
)

// SnapshotStore reads the cached tier snapshot, creating the default profile
// on first contact.
type SnapshotStore interface {
	GetOrCreate(ctx context.Context, userID, contact string) (*types.TierSnapshot, error)
}

// TierRefresher reconciles a user's snapshot against the billing processor.
type TierRefresher interface {
	// RefreshNow runs a synchronous reconciliation pass. It never fails;
	// the result carries the best snapshot available and where it came from.
	RefreshNow(ctx context.Context, userID, contact string) *reconcile.Result

	// Track registers the user for periodic background refresh.
	Track(userID, contact string)
}

// TierHandler serves the cached tier snapshot.
type TierHandler struct {
	store     SnapshotStore
	refresher TierRefresher
	logger    types.Logger
}

// NewTierHandler creates a TierHandler.
func NewTierHandler(store SnapshotStore, refresher TierRefresher, logger types.Logger) *TierHandler {
	return &TierHandler{store: store, refresher: refresher, logger: logger}
}

// RegisterRoutes mounts the tier endpoints.
func (h *TierHandler) RegisterRoutes(r chi.Router) {
	r.Get("/tier", h.GetTier)
	r.Post("/tier/refresh", h.RefreshTier)
}

// tierResponse is the snapshot plus its provenance. Source tells the caller
// whether the data is processor-fresh, served from cache, or a synthesized
// free-tier default; Stale marks cache data the processor could not confirm.
type tierResponse struct {
	Snapshot *types.TierSnapshot `json:"snapshot"`
	Source   string              `json:"source"`
	Stale    bool                `json:"stale"`
}

// GetTier returns the cached snapshot for the authenticated actor, creating
// the default free profile on first contact. The actor is registered for
// periodic background refresh as a side effect; the read itself never waits
// on the billing processor.
func (h *TierHandler) GetTier(w http.ResponseWriter, r *http.Request) {
	actor, ok := types.GetActor(r.Context())
	if !ok {
		core.Error(w, r, types.NewAppError(types.ErrCodeAuthTokenInvalid, "no actor in request context", nil))
		return
	}

	snap, err := h.store.GetOrCreate(r.Context(), actor.ID, actor.Contact)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	h.refresher.Track(actor.ID, actor.Contact)

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: tierResponse{
		Snapshot: snap,
		Source:   string(types.SourceCache),
	}})
}

// RefreshTier runs a synchronous reconciliation pass and returns the result.
// The pass always produces a snapshot; the response source and stale flag
// tell the caller how trustworthy it is.
func (h *TierHandler) RefreshTier(w http.ResponseWriter, r *http.Request) {
	actor, ok := types.GetActor(r.Context())
	if !ok {
		core.Error(w, r, types.NewAppError(types.ErrCodeAuthTokenInvalid, "no actor in request context", nil))
		return
	}

	result := h.refresher.RefreshNow(r.Context(), actor.ID, actor.Contact)

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: tierResponse{
		Snapshot: result.Snapshot,
		Source:   string(result.Source),
		Stale:    result.Stale,
	}})
}
