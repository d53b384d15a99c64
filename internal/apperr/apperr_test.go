package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDeniedMapsToTooManyRequestsWithReasonCode(t *testing.T) {
	err := fmt.Errorf("authorize: %w", Denied(ReasonInsufficientBalance))

	require.Equal(t, http.StatusTooManyRequests, Status(err))
	require.Equal(t, ReasonInsufficientBalance, Code(err))
	require.Equal(t, "Недостаточно монет на балансе.", UserMessage(err))
	require.True(t, Expected(err))
	require.False(t, Retryable(err))
}

func TestErrorsIsMatchesKindAndReason(t *testing.T) {
	err := Denied(ReasonModelNotEntitled)

	require.ErrorIs(t, err, ErrDenied)
	require.ErrorIs(t, err, ErrModelNotEntitled)
	require.False(t, errors.Is(err, ErrInsufficientBalance))
	require.False(t, errors.Is(err, ErrForbidden))
}

func TestUnknownErrorsAreInternal(t *testing.T) {
	err := errors.New("boom")

	require.Equal(t, KindInternal, KindOf(err))
	require.Equal(t, http.StatusInternalServerError, Status(err))
	require.Equal(t, "internal", Code(err))
	require.False(t, Expected(err))
}

func TestStorageUnavailableIsRetryableAndUnwraps(t *testing.T) {
	cause := errors.New("disk on fire")
	err := StorageUnavailable(cause)

	require.True(t, Retryable(err))
	require.ErrorIs(t, err, cause)
	require.Equal(t, http.StatusServiceUnavailable, Status(err))
}

func TestExplicitMessageOverridesDefault(t *testing.T) {
	err := InvalidInput("Сообщение не может быть пустым.")

	require.Equal(t, "Сообщение не может быть пустым.", UserMessage(err))
	require.Equal(t, "invalid_input", Code(err))
}
