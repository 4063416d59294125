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

// Package webauthncli drives transport selection and the CTAP2/U2F/hybrid
// state machines on behalf of the credential service orchestrator, and
// carries the view-model protocol between that orchestrator and an
// untrusted UI process. SPEC_FULL.md sections 4.4-4.7.
package webauthncli

import wt "github.com/gravitational/credmgrd/lib/auth/webauthntypes"

// Device is the transport-reachable authenticator candidate exposed to the
// UI; re-exported from webauthntypes so callers of this package don't need
// to import both.
type Device = wt.Device

// ViewEvent is an inbound message from the UI.
type ViewEvent struct {
	Initiated        bool
	DeviceSelected   string // device id
	CredentialChosen string // hashed credential id
	UsbPin           string
}

// ViewUpdateKind tags the outbound message variants, SPEC_FULL.md 4.7.
type ViewUpdateKind string

const (
	UpdateSetTitle               ViewUpdateKind = "SetTitle"
	UpdateSetDevices             ViewUpdateKind = "SetDevices"
	UpdateSetCredentials         ViewUpdateKind = "SetCredentials"
	UpdateWaitingForDevice       ViewUpdateKind = "WaitingForDevice"
	UpdateSelectingDevice        ViewUpdateKind = "SelectingDevice"
	UpdateSelectCredential       ViewUpdateKind = "SelectCredential"
	UpdateUsbNeedsPin            ViewUpdateKind = "UsbNeedsPin"
	UpdateUsbNeedsUserVerif      ViewUpdateKind = "UsbNeedsUserVerification"
	UpdateUsbNeedsUserPresence   ViewUpdateKind = "UsbNeedsUserPresence"
	UpdateCompleted              ViewUpdateKind = "Completed"
	UpdateFailed                 ViewUpdateKind = "Failed"
)

// CredentialChoice is one candidate offered to the UI for disambiguation.
// Id is base64url_nopad(sha256(rawCredentialId)); Label is the
// AssertionCandidate's Label as the device reported it. No code path fills
// it from CredentialSource.OtherUI or falls back to the rp id.
type CredentialChoice struct {
	ID    string
	Label string
}

// ViewUpdate is an outbound message to the UI. Only the field matching Kind
// is meaningful.
type ViewUpdate struct {
	Kind         ViewUpdateKind
	Title        string
	Devices      []Device
	Credentials  []CredentialChoice
	AttemptsLeft int
	Err          error
}
