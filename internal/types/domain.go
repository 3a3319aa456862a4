package types

import "time"

// TierSnapshot is the one persisted tier/usage record per user. It is a
// locally cached projection of state owned by the billing processor: the
// processor is the sole authority for Tier, SubscriptionStatus, and
// SubscriptionEndDate; the cache is authoritative only between
// reconciliation passes and only as a fallback.
//
// Usage counters are maintained by the feature-creation paths (server-side
// triggers); this service reads them but never increments them.
type TierSnapshot struct {
	UserID             string             `json:"user_id" db:"user_id"`
	Contact            string             `json:"contact" db:"contact"`
	Tier               Tier               `json:"tier" db:"tier"`
	SubscriptionStatus SubscriptionStatus `json:"subscription_status" db:"subscription_status"`

	// SubscriptionEndDate must be non-nil whenever Tier != free after a
	// successful reconciliation pass; absence signals a repair is needed.
	SubscriptionEndDate *time.Time `json:"subscription_end_date,omitempty" db:"subscription_end_date"`

	CoursesUsed int `json:"courses_used" db:"courses_used"`
	TasksUsed   int `json:"tasks_used" db:"tasks_used"`
	NotesUsed   int `json:"notes_used" db:"notes_used"`

	// Opaque processor identifiers. Set-once: reconciliation never clears or
	// overwrites them; only an explicit identity re-resolution may.
	BillingCustomerID     string `json:"-" db:"billing_customer_id"`
	BillingSubscriptionID string `json:"-" db:"billing_subscription_id"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// UsedCount returns the usage counter for the given feature kind.
func (s *TierSnapshot) UsedCount(kind FeatureKind) int {
	switch kind {
	case FeatureCourses:
		return s.CoursesUsed
	case FeatureTasks:
		return s.TasksUsed
	case FeatureNotes:
		return s.NotesUsed
	default:
		return 0
	}
}

// NeedsEndDateRepair reports whether the snapshot is missing a subscription
// end date that a paid or demo tier requires.
func (s *TierSnapshot) NeedsEndDateRepair() bool {
	return s.Tier != TierFree && s.SubscriptionEndDate == nil
}

// DefaultSnapshot returns the lazily-created initial record for a user:
// free tier, zero counters, inactive subscription.
func DefaultSnapshot(userID, contact string, now time.Time) *TierSnapshot {
	return &TierSnapshot{
		UserID:             userID,
		Contact:            contact,
		Tier:               TierFree,
		SubscriptionStatus: SubStatusInactive,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
}

// SnapshotPatch is a partial-field upsert for the profile cache. Nil fields
// are left untouched; a write never needs to supply fields it is not
// changing. This is the only write shape the cache accessor accepts, which
// keeps every component from read-modify-writing whole records off a stale
// in-memory copy.
type SnapshotPatch struct {
	Tier                  *Tier
	SubscriptionStatus    *SubscriptionStatus
	SubscriptionEndDate   *time.Time
	ClearEndDate          bool // explicit nil-out; distinct from "not changing"
	BillingCustomerID     *string
	BillingSubscriptionID *string
}

// IsZero reports whether the patch changes nothing.
func (p SnapshotPatch) IsZero() bool {
	return p.Tier == nil &&
		p.SubscriptionStatus == nil &&
		p.SubscriptionEndDate == nil &&
		!p.ClearEndDate &&
		p.BillingCustomerID == nil &&
		p.BillingSubscriptionID == nil
}

// ResolvedIdentity is the ephemeral product of identity resolution for a
// single billing operation: the processor customer plus its active
// subscription, if any. It is not persisted beyond the cache's set-once
// identifier fields.
type ResolvedIdentity struct {
	CustomerID     string
	SubscriptionID string // empty when no active subscription exists
}

// HasSubscription reports whether an active subscription was located.
func (r ResolvedIdentity) HasSubscription() bool {
	return r.SubscriptionID != ""
}

// StatusCheck is the consolidated subscription status result returned by the
// processor's status-check endpoint, before normalization.
type StatusCheck struct {
	Subscribed     bool       `json:"subscribed"`
	Tier           string     `json:"tier"`
	Status         string     `json:"status"`
	PeriodEnd      *time.Time `json:"period_end,omitempty"`
	CustomerID     string     `json:"customer_id,omitempty"`
	SubscriptionID string     `json:"subscription_id,omitempty"`
}

// Subscription is the processor-side subscription representation the
// identity resolver and billing operations work with.
type Subscription struct {
	ID                string
	CustomerID        string
	Status            string // raw processor status ("active", "trialing", ...)
	CancelAtPeriodEnd bool
	CurrentPeriodEnd  time.Time
	PriceRef          string
}

// ActiveEquivalent reports whether the raw processor status counts as an
// active subscription for identity resolution (active or trial-equivalent).
func (s *Subscription) ActiveEquivalent() bool {
	return s.Status == "active" || s.Status == "trialing"
}

// Customer is the processor-side customer record.
type Customer struct {
	ID      string
	Contact string
}

// CheckoutIntent is the result of starting a checkout: a processor-hosted
// redirect target for the user to complete payment. The cached tier does not
// change until the processor confirms payment via reconciliation.
type CheckoutIntent struct {
	URL       string `json:"url"`
	SessionID string `json:"session_id"`
}

// Notice is a user-facing notice published to the fire-and-forget side
// channel on subscription state transitions.
type Notice struct {
	ID      string     `json:"id"`
	UserID  string     `json:"user_id"`
	Type    NoticeType `json:"type"`
	Message string     `json:"message"`
	SentAt  time.Time  `json:"sent_at"`
}

// AuditEvent is a security/business event recorded through the buffered
// audit sink.
type AuditEvent struct {
	ID        string         `json:"id"`
	Type      AuditEventType `json:"type"`
	ActorID   string         `json:"actor_id"`
	Subject   string         `json:"subject,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// FreeLimits holds the per-kind free-tier creation limits. The values are
// deployment parameters; nothing in enforcement assumes they stay equal
// across kinds.
type FreeLimits struct {
	Courses int
	Tasks   int
	Notes   int
}

// For returns the limit for the given feature kind.
func (l FreeLimits) For(kind FeatureKind) int {
	switch kind {
	case FeatureCourses:
		return l.Courses
	case FeatureTasks:
		return l.Tasks
	case FeatureNotes:
		return l.Notes
	default:
		return 0
	}
}
