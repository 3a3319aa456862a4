package db

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"tiergate/internal/types"
)

// ProfileRepository is the profile cache accessor: typed read/write access to
// the one persisted tier/usage record per user.
//
// Write semantics are partial-field upserts via SnapshotPatch; a write never
// supplies fields it is not changing, so concurrent writers across devices
// converge last-writer-wins per field rather than clobbering whole records.
// The billing identifier columns are set-once at the SQL level: an UPDATE can
// fill them when NULL but never replace an existing value.
type ProfileRepository struct {
	db DBTX
}

// NewProfileRepository creates a ProfileRepository backed by the given
// database connection (pool or transaction).
func NewProfileRepository(db DBTX) *ProfileRepository {
	return &ProfileRepository{db: db}
}

// profileColumns is the standard column set for profile queries. Used
// consistently across all query methods to avoid column drift.
const profileColumns = `p.user_id, p.contact, p.tier, p.subscription_status,
	p.subscription_end_date, p.courses_used, p.tasks_used, p.notes_used,
	p.billing_customer_id, p.billing_subscription_id, p.created_at, p.updated_at`

// scanProfile scans a single profile row into a types.TierSnapshot.
// The columns must match the order defined in profileColumns.
func scanProfile(row pgx.Row) (*types.TierSnapshot, error) {
	var snap types.TierSnapshot
	var customerID, subscriptionID *string

	err := row.Scan(
		&snap.UserID,
		&snap.Contact,
		&snap.Tier,
		&snap.SubscriptionStatus,
		&snap.SubscriptionEndDate,
		&snap.CoursesUsed,
		&snap.TasksUsed,
		&snap.NotesUsed,
		&customerID,
		&subscriptionID,
		&snap.CreatedAt,
		&snap.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if customerID != nil {
		snap.BillingCustomerID = *customerID
	}
	if subscriptionID != nil {
		snap.BillingSubscriptionID = *subscriptionID
	}
	return &snap, nil
}

// Get retrieves the tier snapshot for the given user.
// Returns not_found_profile when no record exists and store_unavailable when
// the cache cannot be reached; callers treat the latter as transient.
func (r *ProfileRepository) Get(ctx context.Context, userID string) (*types.TierSnapshot, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+profileColumns+`
		 FROM profiles p
		 WHERE p.user_id = $1`,
		userID,
	)

	snap, err := scanProfile(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundProfile, "profile not found", nil)
		}
		return nil, types.NewAppError(types.ErrCodeStoreUnavailable, "failed to read profile", err)
	}
	return snap, nil
}

// GetByContact retrieves a snapshot by contact identifier. This is the legacy
// lookup path used when a billing customer id is not yet cached.
func (r *ProfileRepository) GetByContact(ctx context.Context, contact string) (*types.TierSnapshot, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+profileColumns+`
		 FROM profiles p
		 WHERE p.contact = $1`,
		contact,
	)

	snap, err := scanProfile(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundProfile, "profile not found for contact", nil)
		}
		return nil, types.NewAppError(types.ErrCodeStoreUnavailable, "failed to read profile by contact", err)
	}
	return snap, nil
}

// GetOrCreate returns the user's snapshot, lazily creating the default
// free/inactive/zero record on first access. The INSERT is idempotent under
// concurrent first reads: ON CONFLICT DO NOTHING followed by a read.
func (r *ProfileRepository) GetOrCreate(ctx context.Context, userID, contact string) (*types.TierSnapshot, error) {
	_, err := r.db.Exec(ctx,
		`INSERT INTO profiles (user_id, contact, tier, subscription_status,
		 courses_used, tasks_used, notes_used, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, 0, 0, 0, NOW(), NOW())
		 ON CONFLICT (user_id) DO NOTHING`,
		userID,
		contact,
		types.TierFree,
		types.SubStatusInactive,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeStoreUnavailable, "failed to initialize profile", err)
	}

	return r.Get(ctx, userID)
}

// Patch applies a partial-field update to the user's snapshot. Nil patch
// fields leave the corresponding columns untouched. Billing identifiers are
// written with COALESCE(existing, new) so reconciliation can never overwrite
// a cached id with a different value; only ReResolveIdentity may.
func (r *ProfileRepository) Patch(ctx context.Context, userID string, patch types.SnapshotPatch) error {
	if patch.IsZero() {
		return nil
	}

	var sets []string
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if patch.Tier != nil {
		sets = append(sets, "tier = "+arg(*patch.Tier))
	}
	if patch.SubscriptionStatus != nil {
		sets = append(sets, "subscription_status = "+arg(*patch.SubscriptionStatus))
	}
	if patch.SubscriptionEndDate != nil {
		sets = append(sets, "subscription_end_date = "+arg(*patch.SubscriptionEndDate))
	} else if patch.ClearEndDate {
		sets = append(sets, "subscription_end_date = NULL")
	}
	if patch.BillingCustomerID != nil {
		sets = append(sets, "billing_customer_id = COALESCE(billing_customer_id, "+arg(*patch.BillingCustomerID)+")")
	}
	if patch.BillingSubscriptionID != nil {
		sets = append(sets, "billing_subscription_id = COALESCE(billing_subscription_id, "+arg(*patch.BillingSubscriptionID)+")")
	}
	sets = append(sets, "updated_at = NOW()")

	query := fmt.Sprintf(
		`UPDATE profiles SET %s WHERE user_id = %s`,
		strings.Join(sets, ", "),
		arg(userID),
	)

	tag, err := r.db.Exec(ctx, query, args...)
	if err != nil {
		return types.NewAppError(types.ErrCodeStoreUnavailable, "failed to patch profile", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundProfile, "profile not found", nil)
	}
	return nil
}

// ReResolveIdentity overwrites the cached billing identifiers unconditionally.
// This is the explicit identity re-resolution escape hatch; ordinary patches
// go through the set-once path in Patch.
func (r *ProfileRepository) ReResolveIdentity(ctx context.Context, userID, customerID, subscriptionID string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE profiles
		 SET billing_customer_id = $1,
		     billing_subscription_id = NULLIF($2, ''),
		     updated_at = NOW()
		 WHERE user_id = $3`,
		customerID,
		subscriptionID,
		userID,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeStoreUnavailable, "failed to re-resolve identity", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundProfile, "profile not found", nil)
	}
	return nil
}

// ListStale returns up to limit snapshots not reconciled within the given
// staleness window. Used by the scheduled sweep worker.
func (r *ProfileRepository) ListStale(ctx context.Context, stalerThanSeconds int, limit int) ([]*types.TierSnapshot, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+profileColumns+`
		 FROM profiles p
		 WHERE p.updated_at < NOW() - ($1 * INTERVAL '1 second')
		 ORDER BY p.updated_at ASC
		 LIMIT $2`,
		stalerThanSeconds,
		limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeStoreUnavailable, "failed to list stale profiles", err)
	}
	defer rows.Close()

	var out []*types.TierSnapshot
	for rows.Next() {
		snap, err := scanProfile(rows)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan stale profile", err)
		}
		out = append(out, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeStoreUnavailable, "failed iterating stale profiles", err)
	}
	return out, nil
}
