// Package billing implements identity resolution against the billing
// processor and the three billing-mutating operations: start checkout,
// cancel at period end, open the management portal.
package billing

import (
	"fmt"
	"strings"

	"tiergate/internal/types"
)

// PlanTable is the static (tier, billingPeriod) to processor price reference
// mapping. Built once at startup from configuration; selectors absent from
// the table are rejected with invalid_plan_selector.
type PlanTable struct {
	prices map[string]string
}

// selectorKey builds the canonical "<tier>.<period>" selector.
func selectorKey(tier types.Tier, period types.BillingPeriod) string {
	return string(tier) + "." + string(period)
}

// NewPlanTable builds a PlanTable from config entries keyed "<tier>.<period>".
// Entries with an unknown tier, an unknown period, or a non-billable tier are
// rejected so a typo in deployment config fails at startup, not at checkout.
func NewPlanTable(entries map[string]string) (*PlanTable, error) {
	prices := make(map[string]string, len(entries))
	for selector, priceRef := range entries {
		parts := strings.SplitN(selector, ".", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("plan table entry %q: want <tier>.<period>", selector)
		}

		tier := types.Tier(parts[0])
		if !tier.IsPaid() {
			return nil, fmt.Errorf("plan table entry %q: tier %q is not billable", selector, parts[0])
		}

		period := types.BillingPeriod(parts[1])
		if period != types.PeriodMonthly && period != types.PeriodYearly {
			return nil, fmt.Errorf("plan table entry %q: unknown billing period %q", selector, parts[1])
		}

		if priceRef == "" {
			return nil, fmt.Errorf("plan table entry %q: empty price reference", selector)
		}
		prices[selectorKey(tier, period)] = priceRef
	}
	return &PlanTable{prices: prices}, nil
}

// PriceFor maps a (tier, period) pair to its processor price reference.
// Pairs outside the table fail with invalid_plan_selector; this is a
// programmer or config error, fatal to the single operation and not retried.
func (t *PlanTable) PriceFor(tier types.Tier, period types.BillingPeriod) (string, error) {
	priceRef, ok := t.prices[selectorKey(tier, period)]
	if !ok {
		return "", types.NewAppErrorWithDetails(
			types.ErrCodeInvalidPlanSelector,
			fmt.Sprintf("no price configured for %s/%s", tier, period),
			nil,
			map[string]any{"tier": string(tier), "period": string(period)},
		)
	}
	return priceRef, nil
}

// PriceToTier returns the reverse mapping (price reference to tier), used by
// the processor client to interpret subscription data.
func (t *PlanTable) PriceToTier() map[string]types.Tier {
	out := make(map[string]types.Tier, len(t.prices))
	for selector, priceRef := range t.prices {
		tier, _, _ := strings.Cut(selector, ".")
		out[priceRef] = types.Tier(tier)
	}
	return out
}
