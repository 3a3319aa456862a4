// Package quota implements usage-quota enforcement: pure admission decisions
// over the cached tier snapshot, plus the denial-recovery path that flips the
// UI into an upgrade prompt and schedules a reconciliation refresh.
package quota

import (
	"context"
	"strings"
	"sync"

	"tiergate/internal/types"
)

// Decision outcomes for metrics.
const (
	DecisionAllow      = "allow"
	DecisionDeny       = "deny"
	DecisionFailClosed = "fail_closed"
)

// RefreshScheduler requests an out-of-band reconciliation refresh for a user.
// Implemented by the reconcile runner; scheduling must not block.
type RefreshScheduler interface {
	ScheduleRefresh(userID string)
}

// DecisionMetrics records quota admission outcomes.
type DecisionMetrics interface {
	RecordQuotaDecision(ctx context.Context, kind types.FeatureKind, decision string)
}

// quotaDenialPhrases are the store/processor error fragments that indicate a
// server-enforced quota rejection. Matching is case-insensitive substring.
var quotaDenialPhrases = []string{
	"quota exceeded",
	"limit exceeded",
	"limit reached",
	"maximum number",
}

// Enforcer gates feature creation on the cached snapshot.
//
// The decision itself is a pure function of snapshot and feature kind: paid
// tiers are always admitted; free-tier users are admitted while the usage
// counter is under the configured limit. A missing snapshot denies (fail
// closed): a user cannot create features while the quota state is unknown.
//
// Server-side counters remain the real enforcement backstop; when the store
// rejects a creation with quota-exceeded phrasing, OnStoreDenial records the
// upgrade-prompt state and schedules a refresh so the cache catches up with
// counters that raced ahead of it.
type Enforcer struct {
	limits  types.FreeLimits
	refresh RefreshScheduler
	metrics DecisionMetrics
	audit   types.AuditSink
	logger  types.Logger

	mu      sync.Mutex
	prompts map[string]types.FeatureKind
}

// NewEnforcer creates a quota enforcer with the given free-tier limits.
func NewEnforcer(
	limits types.FreeLimits,
	refresh RefreshScheduler,
	metrics DecisionMetrics,
	audit types.AuditSink,
	logger types.Logger,
) *Enforcer {
	return &Enforcer{
		limits:  limits,
		refresh: refresh,
		metrics: metrics,
		audit:   audit,
		logger:  logger,
		prompts: make(map[string]types.FeatureKind),
	}
}

// CanCreate decides whether the user may create one more feature of the
// given kind. A nil snapshot always denies.
func (e *Enforcer) CanCreate(ctx context.Context, snap *types.TierSnapshot, kind types.FeatureKind) bool {
	if snap == nil {
		e.metrics.RecordQuotaDecision(ctx, kind, DecisionFailClosed)
		return false
	}

	allowed := snap.Tier.IsPaid() || snap.UsedCount(kind) < e.limits.For(kind)
	if allowed {
		e.metrics.RecordQuotaDecision(ctx, kind, DecisionAllow)
	} else {
		e.metrics.RecordQuotaDecision(ctx, kind, DecisionDeny)
	}
	return allowed
}

// Check is CanCreate expressed as the API layer consumes it: nil when
// admitted, a typed limit_<kind>_exceeded error when denied. Denials are
// audited with the snapshot context that produced them.
func (e *Enforcer) Check(ctx context.Context, snap *types.TierSnapshot, kind types.FeatureKind) error {
	if !kind.Valid() {
		return types.NewAppError(
			types.ErrCodeValidationInvalidKind,
			"unknown feature kind",
			nil,
		)
	}

	if e.CanCreate(ctx, snap, kind) {
		return nil
	}

	details := map[string]any{"kind": string(kind), "limit": e.limits.For(kind)}
	actorID := ""
	if snap != nil {
		details["used"] = snap.UsedCount(kind)
		details["tier"] = string(snap.Tier)
		actorID = snap.UserID
	}

	e.audit.Record(ctx, types.AuditEvent{
		Type:    types.AuditQuotaDenied,
		ActorID: actorID,
		Details: details,
	})

	return types.NewAppErrorWithDetails(
		types.LimitCodeFor(kind),
		"free tier limit reached for "+string(kind),
		nil,
		details,
	)
}

// OnStoreDenial inspects a store/processor-reported creation error for
// quota-exceeded phrasing. On a match it records the upgrade-prompt state for
// the kind, schedules a reconciliation refresh to pick up the server-enforced
// counters, and returns true. Otherwise it returns false and the caller
// treats the error as ordinary.
func (e *Enforcer) OnStoreDenial(ctx context.Context, userID string, err error, kind types.FeatureKind) bool {
	if err == nil || !isQuotaDenial(err) {
		return false
	}

	e.mu.Lock()
	e.prompts[userID] = kind
	e.mu.Unlock()

	e.logger.Warn("store rejected creation on quota; scheduling refresh",
		"user_id", userID, "kind", string(kind))
	e.refresh.ScheduleRefresh(userID)

	e.audit.Record(ctx, types.AuditEvent{
		Type:    types.AuditQuotaDenied,
		ActorID: userID,
		Details: map[string]any{"kind": string(kind), "source": "store"},
	})

	return true
}

// UpgradePrompt returns the feature kind for which the user should see an
// upgrade prompt, if any. Prompt state is per user; one user's denial never
// surfaces on another user's session.
func (e *Enforcer) UpgradePrompt(userID string) (types.FeatureKind, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	kind, ok := e.prompts[userID]
	return kind, ok
}

// ClearUpgradePrompt resets the user's upgrade-prompt state after the UI has
// shown the dialog.
func (e *Enforcer) ClearUpgradePrompt(userID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.prompts, userID)
}

// isQuotaDenial reports whether the error message carries quota-exceeded
// phrasing, either via a limit_* error code or a known message fragment.
func isQuotaDenial(err error) bool {
	if code := types.CodeOf(err); strings.HasPrefix(string(code), "limit_") {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, phrase := range quotaDenialPhrases {
		if strings.Contains(msg, phrase) {
			return true
		}
	}
	return false
}
