// Copyright 2024 Gravitational, Inc
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package webauthntypes

import (
	"errors"
	"fmt"

	"github.com/gravitational/trace"
)

// ErrorKind is the taxonomy surfaced to the client, SPEC_FULL.md section 9
// (distilled spec section 7).
type ErrorKind string

const (
	ErrUnknown            ErrorKind = "UnknownError"
	ErrNotSupported       ErrorKind = "NotSupportedError"
	ErrInvalidState       ErrorKind = "InvalidStateError"
	ErrNotAllowed         ErrorKind = "NotAllowedError"
	ErrConstraint         ErrorKind = "ConstraintError"
	ErrPinAttemptsExhaust ErrorKind = "PinAttemptsExhausted"
	ErrNoCredentials      ErrorKind = "NoCredentials"
	ErrAuthenticator      ErrorKind = "AuthenticatorError"
	ErrInternal           ErrorKind = "Internal"
)

// CeremonyError is the error type every ceremony-facing operation returns.
// It wraps an underlying cause (often produced via trace.Wrap) with the
// client-facing Kind.
type CeremonyError struct {
	Kind  ErrorKind
	Msg   string
	Cause error
}

func (e *CeremonyError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *CeremonyError) Unwrap() error { return e.Cause }

func newErr(kind ErrorKind, cause error, format string, args ...interface{}) *CeremonyError {
	return &CeremonyError{Kind: kind, Msg: fmt.Sprintf(format, args...), Cause: cause}
}

func Unknown(format string, args ...interface{}) error {
	return trace.Wrap(newErr(ErrUnknown, nil, format, args...))
}

func NotSupported(format string, args ...interface{}) error {
	return trace.Wrap(newErr(ErrNotSupported, nil, format, args...))
}

func InvalidState(format string, args ...interface{}) error {
	return trace.Wrap(newErr(ErrInvalidState, nil, format, args...))
}

func NotAllowed(format string, args ...interface{}) error {
	return trace.Wrap(newErr(ErrNotAllowed, nil, format, args...))
}

func Constraint(format string, args ...interface{}) error {
	return trace.Wrap(newErr(ErrConstraint, nil, format, args...))
}

func PinAttemptsExhausted() error {
	return trace.Wrap(newErr(ErrPinAttemptsExhaust, nil, "no PIN attempts remain"))
}

func NoCredentials() error {
	return trace.Wrap(newErr(ErrNoCredentials, nil, "no eligible credential"))
}

func AuthenticatorErr(cause error) error {
	return trace.Wrap(newErr(ErrAuthenticator, cause, "authenticator returned a terminal error"))
}

func Internal(cause error, format string, args ...interface{}) error {
	return trace.Wrap(newErr(ErrInternal, cause, format, args...))
}

// KindOf unwraps err looking for a *CeremonyError and returns its Kind, or
// ErrInternal if err does not carry one.
func KindOf(err error) ErrorKind {
	var ce *CeremonyError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return ErrInternal
}
