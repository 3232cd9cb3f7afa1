package errutil

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/require"
)

func TestConstructorsKeepCause(t *testing.T) {
	cause := errors.New("row locked")
	err := Conflict("content already terminal", cause)

	require.ErrorIs(t, err, cause)
	require.Contains(t, err.Error(), "[conflict]")
	require.Equal(t, http.StatusConflict, FromError(err).Code.HTTPStatus())
}

func TestFromErrorWrapped(t *testing.T) {
	err := fmt.Errorf("cancel: %w", NotFound("content not found", nil))
	require.Equal(t, StatusNotFound, FromError(err).Code)
	require.Equal(t, http.StatusNotFound, FromError(err).Code.HTTPStatus())
}

func TestFromErrorContext(t *testing.T) {
	require.Equal(t, StatusGatewayTimeout, FromError(context.DeadlineExceeded).Code)
	require.Equal(t, StatusClientClosedRequest, FromError(context.Canceled).Code)
	require.Equal(t, StatusInternal, FromError(errors.New("boom")).Code)
	require.Equal(t, http.StatusInternalServerError, StatusInternal.HTTPStatus())
}

func TestStatusCodes(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{TooManyRequest("rate limited", nil), http.StatusTooManyRequests},
		{BadGateway("provider rejected", nil), http.StatusBadGateway},
		{ServiceUnavailable("provider down", nil), http.StatusServiceUnavailable},
		{ValidationFailed("bad field", nil), http.StatusUnprocessableEntity},
		{BadRequest("bad body", nil), http.StatusBadRequest},
		{Internal("boom", errors.New("disk full")), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, FromError(tc.err).Code.HTTPStatus(), tc.err.Error())
	}
}

func TestFromBinding(t *testing.T) {
	type body struct {
		IDs []string `validate:"required,min=1"`
	}
	verr := validator.New().Struct(body{IDs: []string{}})
	require.Error(t, verr)

	be := FromError(FromBinding(verr))
	require.Equal(t, StatusValidationFailed, be.Code)
	require.Equal(t, []Detail{{Field: "ids", Message: "min=1"}}, be.Details)

	be = FromError(FromBinding(errors.New("unexpected EOF")))
	require.Equal(t, StatusBadRequest, be.Code)
	require.Empty(t, be.Details)
}
