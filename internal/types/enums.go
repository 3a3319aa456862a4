package types

// Tier identifies the subscription plan classification for a user.
// Demo is a non-billable elevated tier granted manually (classroom demos,
// internal accounts); it never appears in processor data.
type Tier string

const (
	TierFree       Tier = "free"
	TierPremium    Tier = "premium"
	TierUniversity Tier = "university"
	TierDemo       Tier = "demo"
)

// IsPaid reports whether the tier is granted through the billing processor.
func (t Tier) IsPaid() bool {
	return t == TierPremium || t == TierUniversity
}

// NormalizeTier coerces processor-reported tier strings into the closed Tier
// set. Unknown or empty values normalize to free so that enforcement fails
// toward the most restrictive plan.
func NormalizeTier(raw string) Tier {
	switch Tier(raw) {
	case TierFree, TierPremium, TierUniversity, TierDemo:
		return Tier(raw)
	default:
		return TierFree
	}
}

// SubscriptionStatus represents the state of the user's billing subscription
// as mirrored into the profile cache.
type SubscriptionStatus string

const (
	SubStatusInactive  SubscriptionStatus = "inactive"
	SubStatusActive    SubscriptionStatus = "active"
	SubStatusCancelled SubscriptionStatus = "cancelled"
	SubStatusPastDue   SubscriptionStatus = "past_due"
)

// NormalizeSubscriptionStatus coerces processor-reported status strings into
// the closed SubscriptionStatus set. Stripe spells cancellation "canceled"
// and reports trials as "trialing"; both map into the domain set rather than
// falling through. Unknown values normalize to inactive.
func NormalizeSubscriptionStatus(raw string) SubscriptionStatus {
	switch SubscriptionStatus(raw) {
	case SubStatusInactive, SubStatusActive, SubStatusCancelled, SubStatusPastDue:
		return SubscriptionStatus(raw)
	}
	switch raw {
	case "canceled":
		return SubStatusCancelled
	case "trialing":
		return SubStatusActive
	}
	return SubStatusInactive
}

// FeatureKind identifies a quota-gated feature a user can create.
// This is a closed set: quota enforcement switches over it exhaustively,
// so adding a kind is a compile-time-checked change.
type FeatureKind string

const (
	FeatureCourses FeatureKind = "courses"
	FeatureTasks   FeatureKind = "tasks"
	FeatureNotes   FeatureKind = "notes"
)

// AllFeatureKinds lists every quota-gated feature kind. Used by validators
// and by config to expose per-kind limits.
var AllFeatureKinds = []FeatureKind{FeatureCourses, FeatureTasks, FeatureNotes}

// Valid reports whether the kind is a member of the closed set.
func (k FeatureKind) Valid() bool {
	switch k {
	case FeatureCourses, FeatureTasks, FeatureNotes:
		return true
	default:
		return false
	}
}

// BillingPeriod selects the billing cadence for a checkout.
type BillingPeriod string

const (
	PeriodMonthly BillingPeriod = "monthly"
	PeriodYearly  BillingPeriod = "yearly"
)

// SnapshotSource records which fallback stage produced a published snapshot.
// Processor data is authoritative; cache data is possibly stale; synthesized
// defaults exist only so the reconciler always terminates with something.
type SnapshotSource string

const (
	SourceProcessor   SnapshotSource = "processor"
	SourceCache       SnapshotSource = "cache"
	SourceSynthesized SnapshotSource = "synthesized"
)

// NoticeType identifies a user-facing notice emitted on subscription
// state transitions.
type NoticeType string

const (
	NoticePastDue   NoticeType = "subscription_past_due"
	NoticeCancelled NoticeType = "subscription_cancelled"
)

// AuditEventType categorizes security/business audit events.
type AuditEventType string

const (
	AuditCheckoutStarted    AuditEventType = "billing.checkout.started"
	AuditSubscriptionCancel AuditEventType = "billing.subscription.cancelled"
	AuditPortalOpened       AuditEventType = "billing.portal.opened"
	AuditIdentityResolved   AuditEventType = "billing.identity.resolved"
	AuditQuotaDenied        AuditEventType = "quota.denied"
	AuditAuthFailure        AuditEventType = "auth.failure"
)

// immediateFlushEvents is the denylisted subset of audit events that must be
// flushed to the sink immediately instead of waiting for the periodic flush.
var immediateFlushEvents = map[AuditEventType]bool{
	AuditAuthFailure:        true,
	AuditSubscriptionCancel: true,
}

// RequiresImmediateFlush reports whether the event type bypasses buffering.
func (t AuditEventType) RequiresImmediateFlush() bool {
	return immediateFlushEvents[t]
}
