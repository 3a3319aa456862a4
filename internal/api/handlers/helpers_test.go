package handlers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"tiergate/internal/core"
	"tiergate/internal/reconcile"
	"tiergate/internal/types"
)

var testLogger = types.NewSlogLogger(nil)

// withActor attaches an authenticated actor, as the auth middleware would.
func withActor(r *http.Request) *http.Request {
	actor := types.Actor{ID: "user-1", Type: types.ActorTypeUser, Contact: "user1@example.com"}
	return r.WithContext(types.WithActor(r.Context(), actor))
}

func testSnapshot(tier types.Tier) *types.TierSnapshot {
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	snap := types.DefaultSnapshot("user-1", "user1@example.com", now)
	snap.Tier = tier
	if tier.IsPaid() {
		snap.SubscriptionStatus = types.SubStatusActive
	}
	return snap
}

// decodeData unmarshals the envelope's data field into dst.
func decodeData(t *testing.T, body io.Reader, dst any) {
	t.Helper()
	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.NewDecoder(body).Decode(&envelope); err != nil {
		t.Fatalf("failed to decode response envelope: %v", err)
	}
	if err := json.Unmarshal(envelope.Data, dst); err != nil {
		t.Fatalf("failed to decode response data: %v", err)
	}
}

func decodeError(t *testing.T, body io.Reader) core.ErrorDetail {
	t.Helper()
	var envelope core.APIErrorResponse
	if err := json.NewDecoder(body).Decode(&envelope); err != nil {
		t.Fatalf("failed to decode error envelope: %v", err)
	}
	return envelope.Error
}

// mockSnapshotStore implements SnapshotStore and ContactIndex.
type mockSnapshotStore struct {
	getOrCreateFn  func(ctx context.Context, userID, contact string) (*types.TierSnapshot, error)
	getByContactFn func(ctx context.Context, contact string) (*types.TierSnapshot, error)
}

func (m *mockSnapshotStore) GetOrCreate(ctx context.Context, userID, contact string) (*types.TierSnapshot, error) {
	if m.getOrCreateFn != nil {
		return m.getOrCreateFn(ctx, userID, contact)
	}
	return testSnapshot(types.TierFree), nil
}

func (m *mockSnapshotStore) GetByContact(ctx context.Context, contact string) (*types.TierSnapshot, error) {
	if m.getByContactFn != nil {
		return m.getByContactFn(ctx, contact)
	}
	return testSnapshot(types.TierFree), nil
}

// mockRefresher implements TierRefresher and RefreshScheduler.
type mockRefresher struct {
	refreshNowFn   func(ctx context.Context, userID, contact string) *reconcile.Result
	trackCalls     []string
	scheduledUsers []string
}

func (m *mockRefresher) RefreshNow(ctx context.Context, userID, contact string) *reconcile.Result {
	if m.refreshNowFn != nil {
		return m.refreshNowFn(ctx, userID, contact)
	}
	return &reconcile.Result{Snapshot: testSnapshot(types.TierFree), Source: types.SourceProcessor}
}

func (m *mockRefresher) Track(userID, contact string) {
	m.trackCalls = append(m.trackCalls, userID)
}

func (m *mockRefresher) ScheduleRefresh(userID string) {
	m.scheduledUsers = append(m.scheduledUsers, userID)
}

func doRequest(h http.HandlerFunc, r *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	h(w, r)
	return w
}
