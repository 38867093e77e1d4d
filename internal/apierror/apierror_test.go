package apierror

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestHTTPStatus(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"daily", New(KindAccessDenied, "DAILY_LIMIT_EXCEEDED", "x"), http.StatusTooManyRequests},
		{"record", New(KindAccessDenied, "RECORD_LIMIT_EXCEEDED", "x"), http.StatusTooManyRequests},
		{"no_subscription", New(KindAccessDenied, "NO_SUBSCRIPTION", "x"), http.StatusForbidden},
		{"validation", New(KindValidation, "INVALID_RECORD_COUNT", "x"), http.StatusBadRequest},
		{"not_found", New(KindNotFound, "DATASET_NOT_FOUND", "x"), http.StatusNotFound},
		{"store", New(KindStoreUnavailable, "STORE_UNAVAILABLE", "x"), http.StatusServiceUnavailable},
		{"wrapped", fmt.Errorf("ctx: %w", New(KindConflict, "ACTIVE_SUBSCRIPTION_EXISTS", "x")), http.StatusConflict},
		{"plain", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, HTTPStatus(tc.err))
		})
	}
}

func TestErrorIsMatchesKindAndCode(t *testing.T) {
	sentinel := New(KindNotFound, "SUBSCRIPTION_NOT_FOUND", "subscription not found")
	err := fmt.Errorf("renew: %w", Wrap(KindNotFound, "SUBSCRIPTION_NOT_FOUND", errors.New("record not found")))

	assert.ErrorIs(t, err, sentinel)
	assert.NotErrorIs(t, err, New(KindNotFound, "DATASET_NOT_FOUND", ""))
	assert.Equal(t, KindNotFound, KindOf(err))
}

func TestWithRetryAfterCopies(t *testing.T) {
	base := New(KindAccessDenied, "DAILY_LIMIT_EXCEEDED", "daily limit reached")
	at := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)

	withRetry := base.WithRetryAfter(at)

	assert.Nil(t, base.RetryAfter)
	assert.Equal(t, at, *withRetry.RetryAfter)
}
