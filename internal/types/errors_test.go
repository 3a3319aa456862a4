package types

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorCode_HTTPStatus(t *testing.T) {
	tests := []struct {
		code ErrorCode
		want int
	}{
		{ErrCodeValidationMissingField, http.StatusBadRequest},
		{ErrCodeValidationInvalidKind, http.StatusBadRequest},
		{ErrCodeAuthTokenMissing, http.StatusUnauthorized},
		{ErrCodeLimitCourses, http.StatusForbidden},
		{ErrCodeLimitTasks, http.StatusForbidden},
		{ErrCodeLimitNotes, http.StatusForbidden},
		{ErrCodeNotFoundProfile, http.StatusNotFound},
		{ErrCodeIdentityNotFound, http.StatusNotFound},
		{ErrCodeNoActiveSubscription, http.StatusConflict},
		{ErrCodeInvalidPlanSelector, http.StatusBadRequest},
		{ErrCodeStoreUnavailable, http.StatusServiceUnavailable},
		{ErrCodeBillingProcessor, http.StatusBadGateway},
		{ErrCodeUpstreamRateLimited, http.StatusBadGateway},
		{ErrCodeInternalDB, http.StatusInternalServerError},
		{ErrorCode("something_unknown"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.code.HTTPStatus())
		})
	}
}

func TestErrorCode_Transient(t *testing.T) {
	assert.True(t, ErrCodeStoreUnavailable.Transient())
	assert.True(t, ErrCodeUpstreamUnavailable.Transient())
	assert.True(t, ErrCodeUpstreamRateLimited.Transient())
	assert.False(t, ErrCodeBillingProcessor.Transient())
	assert.False(t, ErrCodeInvalidPlanSelector.Transient())
}

func TestAppError_ErrorAndUnwrap(t *testing.T) {
	inner := errors.New("connection refused")
	err := NewAppError(ErrCodeStoreUnavailable, "profile cache unreachable", inner)

	assert.Equal(t, "store_unavailable: profile cache unreachable", err.Error())
	assert.Equal(t, inner, errors.Unwrap(err))
	assert.True(t, errors.Is(err, inner))
}

func TestAppError_WithDetails_DoesNotMutateOriginal(t *testing.T) {
	base := NewAppErrorWithDetails(ErrCodeLimitCourses, "course limit exceeded", nil,
		map[string]any{"limit": 5})

	enriched := base.WithDetails(map[string]any{"used": 5})

	assert.Len(t, base.Details, 1)
	require.Len(t, enriched.Details, 2)
	assert.Equal(t, 5, enriched.Details["limit"])
	assert.Equal(t, 5, enriched.Details["used"])
}

func TestCodeOf(t *testing.T) {
	appErr := NewAppError(ErrCodeNoActiveSubscription, "nothing to cancel", nil)
	wrapped := fmt.Errorf("cancel failed: %w", appErr)

	assert.Equal(t, ErrCodeNoActiveSubscription, CodeOf(wrapped))
	assert.Equal(t, ErrCodeInternalUnexpected, CodeOf(errors.New("plain")))
}

func TestLimitCodeFor(t *testing.T) {
	assert.Equal(t, ErrCodeLimitCourses, LimitCodeFor(FeatureCourses))
	assert.Equal(t, ErrCodeLimitTasks, LimitCodeFor(FeatureTasks))
	assert.Equal(t, ErrCodeLimitNotes, LimitCodeFor(FeatureNotes))
}
