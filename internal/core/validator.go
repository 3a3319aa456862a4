package core

import (
	"github.com/go-playground/validator/v10"

	"tiergate/internal/types"
)

// Validator wraps go-playground/validator with TierGate's custom tags and
// translates validation failures into AppErrors.
type Validator struct {
	v *validator.Validate
}

// NewValidator creates a Validator with the domain tags registered:
//
//	feature_kind   one of the closed FeatureKind set
//	paid_tier      a tier purchasable through checkout
//	billing_period monthly or yearly
func NewValidator() *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())

	// Registration only fails for empty tag names; these are constants.
	_ = v.RegisterValidation("feature_kind", func(fl validator.FieldLevel) bool {
		return types.FeatureKind(fl.Field().String()).Valid()
	})
	_ = v.RegisterValidation("paid_tier", func(fl validator.FieldLevel) bool {
		return types.Tier(fl.Field().String()).IsPaid()
	})
	_ = v.RegisterValidation("billing_period", func(fl validator.FieldLevel) bool {
		switch types.BillingPeriod(fl.Field().String()) {
		case types.PeriodMonthly, types.PeriodYearly:
			return true
		default:
			return false
		}
	})

	return &Validator{v: v}
}

// ValidateStruct validates the struct and returns an AppError describing the
// first failing field, or nil.
func (val *Validator) ValidateStruct(s any) error {
	err := val.v.Struct(s)
	if err == nil {
		return nil
	}

	errs, ok := err.(validator.ValidationErrors)
	if !ok || len(errs) == 0 {
		return types.NewAppError(
			types.ErrCodeValidationMissingField,
			"request validation failed",
			err,
		)
	}

	first := errs[0]
	code := codeForTag(first.Tag())
	return types.NewAppErrorWithDetails(
		code,
		"invalid value for field "+first.Field(),
		err,
		map[string]any{
			"field": first.Field(),
			"rule":  first.Tag(),
		},
	)
}

func codeForTag(tag string) types.ErrorCode {
	switch tag {
	case "feature_kind":
		return types.ErrCodeValidationInvalidKind
	case "billing_period":
		return types.ErrCodeValidationInvalidPeriod
	case "paid_tier":
		return types.ErrCodeInvalidPlanSelector
	default:
		return types.ErrCodeValidationMissingField
	}
}
