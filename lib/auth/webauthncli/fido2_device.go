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

package webauthncli

import (
	"context"
	"time"

	wt "github.com/gravitational/credmgrd/lib/auth/webauthntypes"
)

// CTAP2Device is the per-device seam the USB transport driver programs
// against. The production implementation binds to
// github.com/keys-pub/go-libfido2 (replaced by gravitational/go-libfido2)
// for the CTAP2 channel and github.com/flynn/hid for enumeration/open;
// SPEC_FULL.md section 6 and DESIGN.md's fido2_device.go entry. Tests use
// an in-process fake satisfying the same interface, the same shape the
// Rust original's HybridHandler/Device trait-object dispatch takes
// (SPEC_FULL.md section 9, "Trait-object dispatch for transport handlers").
type CTAP2Device interface {
	// Info returns a stable per-device id suitable for exposing to the UI.
	Info() Device

	// BlinkAndWaitForPresence asks the device to blink/wink and blocks
	// until the user touches it, ctx is cancelled, or timeout elapses.
	// Used to disambiguate multiple enumerated devices (SPEC_FULL.md
	// section 4.4, S6).
	BlinkAndWaitForPresence(ctx context.Context) error

	// UXUpdates streams PIN/UV/presence requirements observed while a
	// ceremony is in flight on this device.
	UXUpdates() <-chan UXUpdate

	// MakeCredential runs webauthn_make_credential over this device's
	// CTAP2 channel.
	MakeCredential(ctx context.Context, p wt.MakeCredentialParams, pin string) (*wt.MakeCredentialResponse, error)

	// GetAssertion runs webauthn_get_assertion. credChosen, when non-nil,
	// is supplied after a prior SelectCredential round; nil on the first
	// attempt.
	GetAssertion(ctx context.Context, p wt.GetAssertionParams, pin string, credChosen []byte) (*wt.GetAssertionResponse, []AssertionCandidate, error)

	Close() error
}

// AssertionCandidate is one of several matching assertions a multi-
// credential getAssertion returned, SPEC_FULL.md section 4.4.
type AssertionCandidate struct {
	CredentialID []byte
	Label        string
}

// UXUpdateKind tags a CTAP2Device's mid-ceremony UX requirement.
type UXUpdateKind string

const (
	UXPinRequired        UXUpdateKind = "PinRequired"
	UXUserVerifyRetry    UXUpdateKind = "UvRetry"
	UXPresenceRequired   UXUpdateKind = "PresenceRequired"
)

// UXUpdate is one event from a CTAP2Device's UXUpdates channel.
type UXUpdate struct {
	Kind         UXUpdateKind
	AttemptsLeft int
}

// IsRetryableCTAPError classifies a CTAP error as one the transport loop
// should absorb and retry on, versus one that terminates the driver.
// SPEC_FULL.md section 4.4 / section 7.
func IsRetryableCTAPError(err error) bool {
	ce, ok := err.(*CTAPError)
	if !ok {
		return false
	}
	switch ce.Code {
	case CTAPErrPINInvalid, CTAPErrUVInvalid, CTAPErrActionTimeout, CTAPErrUserActionPending:
		return true
	default:
		return false
	}
}

// CTAPErrorCode enumerates the subset of CTAP2 error codes this driver
// distinguishes.
type CTAPErrorCode int

const (
	CTAPErrPINInvalid CTAPErrorCode = iota
	CTAPErrUVInvalid
	CTAPErrActionTimeout
	CTAPErrUserActionPending
	CTAPErrPINAuthBlocked
	CTAPErrNoCredentials
	CTAPErrOther
)

// CTAPError wraps a terminal or retryable CTAP2 error code.
type CTAPError struct {
	Code CTAPErrorCode
	Msg  string
}

func (e *CTAPError) Error() string { return e.Msg }

// FIDO2PollInterval is the interval at which a device is polled while
// waiting for user presence: libfido2Device.BlinkAndWaitForPresence and
// the U2F fallback's registerWithPresencePoll.
var FIDO2PollInterval = 200 * time.Millisecond

// BlinkTimeout bounds how long the multi-device disambiguation race waits
// for any one device to report presence, SPEC_FULL.md section 4.4.
const BlinkTimeout = 5 * time.Minute
