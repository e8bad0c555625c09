package errutil_test

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"impact-donations/pkg/errutil"

	"github.com/stretchr/testify/require"
)

var errOutOfStock = errutil.BaseError{Code: errutil.StatusConflict, Reason: "INSUFFICIENT_STOCK"}

func TestIsMatchesReason(t *testing.T) {
	err := errutil.Conflict("blanket sold out", nil, errutil.WithReason("INSUFFICIENT_STOCK"))
	wrapped := fmt.Errorf("record donation: %w", err)

	require.ErrorIs(t, wrapped, errOutOfStock)
	require.NotErrorIs(t, errutil.Conflict("other", nil), errOutOfStock)
	require.NotErrorIs(t, err, errutil.BaseError{Code: errutil.StatusConflict})
	require.Equal(t, "INSUFFICIENT_STOCK", errutil.ReasonOf(wrapped))
	require.Empty(t, errutil.ReasonOf(errors.New("plain")))
}

func TestUnwrapKeepsCause(t *testing.T) {
	cause := errors.New("connection reset")
	err := errutil.ServiceUnavailable("gateway unavailable", cause)

	require.ErrorIs(t, err, cause)
	require.Equal(t, "[service_unavailable] gateway unavailable: connection reset", err.Error())
}

func TestRetryable(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{errutil.Timeout("slow", nil), true},
		{errutil.BadGateway("bad upstream", nil), true},
		{errutil.ServiceUnavailable("down", nil), true},
		{errutil.New(errutil.StatusGatewayTimeout, "gw"), true},
		{errutil.Conflict("dup", nil), false},
		{errutil.ValidationFailed("bad", nil), false},
		{errors.New("plain"), false},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, errutil.IsRetryable(tc.err), tc.err.Error())
	}
}

func TestHTTPStatus(t *testing.T) {
	require.Equal(t, http.StatusUnprocessableEntity, errutil.StatusValidationFailed.HTTPStatus())
	require.Equal(t, http.StatusConflict, errutil.StatusConflict.HTTPStatus())
	require.Equal(t, http.StatusGatewayTimeout, errutil.StatusTimeout.HTTPStatus())
	require.Equal(t, http.StatusTooManyRequests, errutil.StatusTooManyRequests.HTTPStatus())
	require.Equal(t, http.StatusInternalServerError, errutil.StatusUnknown.HTTPStatus())
}

func TestDetailsAndURL(t *testing.T) {
	err := errutil.ValidationFailed("invalid request", nil,
		errutil.WithReason("PLANNED_DATE_IN_PAST"),
		errutil.WithDetails(errutil.Detail{Field: "planned_date", Message: "must not be in the past"}))

	be, ok := errutil.As(err)
	require.True(t, ok)
	require.Len(t, be.Details, 1)
	require.Contains(t, be.URL(), "error_reason=PLANNED_DATE_IN_PAST")
	require.Contains(t, be.URL(), "details%5Bplanned_date%5D=must+not+be+in+the+past")
}
