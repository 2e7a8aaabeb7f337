package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKindOfUnwrapsWrappedErrors(t *testing.T) {
	err := fmt.Errorf("build swap: %w", Validation("invalid market %q", "x"))
	require.Equal(t, KindValidation, KindOf(err))
	require.True(t, Is(err, KindValidation))
	require.Equal(t, http.StatusBadRequest, HTTPStatus(err))
	require.Contains(t, err.Error(), `invalid market "x"`)
}

func TestRPCKeepsCauseAndDoesNotDoubleWrap(t *testing.T) {
	cause := errors.New("connection refused")
	err := RPC(cause, "get account")
	require.ErrorIs(t, err, cause)
	require.Equal(t, KindRPC, KindOf(err))
	require.Equal(t, err, RPC(err, "outer"))
	require.NoError(t, RPC(nil, "noop"))
	require.Equal(t, http.StatusBadGateway, HTTPStatus(err))
}

func TestStatusMapping(t *testing.T) {
	require.Equal(t, http.StatusUnprocessableEntity, HTTPStatus(ChainState("pool not found")))
	require.Equal(t, http.StatusBadGateway, HTTPStatus(SDKDecode(errors.New("short"), "decode market")))
	require.Equal(t, http.StatusInternalServerError, HTTPStatus(errors.New("boom")))
	require.Equal(t, KindInternal, KindOf(errors.New("boom")))
	require.Equal(t, Kind(""), KindOf(nil))
}

func TestDiagnosticIncludesStack(t *testing.T) {
	diag := Diagnostic(Config("missing SWAP_AUTHORITY_KEY"))
	require.Contains(t, diag, "missing SWAP_AUTHORITY_KEY")
	require.Contains(t, diag, "apperr_test.go")
	require.Empty(t, Diagnostic(nil))
}
