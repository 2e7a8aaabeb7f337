// Package apperr defines the error kinds surfaced by the transaction builder.
package apperr

import (
	stderrors "errors"
	"fmt"
	"net/http"

	"github.com/pkg/errors"
)

type Kind string

const (
	KindValidation Kind = "validation"
	KindChainState Kind = "chain_state"
	KindRPC        Kind = "rpc"
	KindSDKDecode  Kind = "sdk_decode"
	KindConfig     Kind = "config"
	KindInternal   Kind = "internal"
)

type Error struct {
	Kind    Kind
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause == nil {
		return e.Message
	}
	if e.Message == "" {
		return e.cause.Error()
	}
	return e.Message + ": " + e.cause.Error()
}

func (e *Error) Unwrap() error {
	return e.cause
}

func newf(kind Kind, cause error, format string, args ...any) error {
	return errors.WithStack(&Error{
		Kind:    kind,
		Message: fmt.Sprintf(format, args...),
		cause:   cause,
	})
}

func Validation(format string, args ...any) error {
	return newf(KindValidation, nil, format, args...)
}

func ChainState(format string, args ...any) error {
	return newf(KindChainState, nil, format, args...)
}

func Config(format string, args ...any) error {
	return newf(KindConfig, nil, format, args...)
}

// RPC wraps a failed chain call. A nil cause yields nil.
func RPC(cause error, format string, args ...any) error {
	if cause == nil {
		return nil
	}
	if KindOf(cause) == KindRPC {
		return cause
	}
	return newf(KindRPC, cause, format, args...)
}

func SDKDecode(cause error, format string, args ...any) error {
	return newf(KindSDKDecode, cause, format, args...)
}

func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var appErr *Error
	if stderrors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindInternal
}

func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindChainState:
		return http.StatusUnprocessableEntity
	case KindRPC, KindSDKDecode:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Diagnostic renders the error chain with stack frames.
func Diagnostic(err error) string {
	if err == nil {
		return ""
	}
	return fmt.Sprintf("%+v", err)
}
