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

// Package webauthntypes holds the wire and domain types shared between the
// software authenticator (package webauthn) and the transport/orchestrator
// layer (package webauthncli).
package webauthntypes

import "github.com/duo-labs/webauthn/protocol/webauthncose"

// Supported public key algorithms, per COSE identifiers. No other alg may
// produce a CredentialSource.
const (
	AlgES256 = webauthncose.AlgES256 // -7
	AlgEdDSA = webauthncose.AlgEDDSA // -8
	AlgRS256 = webauthncose.AlgRS256 // -257
)

// IsSupportedAlg reports whether alg is one of the three algorithms this
// service's software authenticator can produce a key pair for.
func IsSupportedAlg(alg webauthncose.COSEAlgorithmIdentifier) bool {
	switch alg {
	case AlgES256, AlgEdDSA, AlgRS256:
		return true
	default:
		return false
	}
}

// UserVerificationRequirement mirrors the three WebAuthn values.
type UserVerificationRequirement string

const (
	VerificationRequired    UserVerificationRequirement = "required"
	VerificationPreferred   UserVerificationRequirement = "preferred"
	VerificationDiscouraged UserVerificationRequirement = "discouraged"
)

// AttestationPreference mirrors the WebAuthn attestation conveyance values.
type AttestationPreference string

const (
	AttestationNone     AttestationPreference = "none"
	AttestationIndirect AttestationPreference = "indirect"
	AttestationDirect   AttestationPreference = "direct"
)

// RelyingParty identifies the site a credential is scoped to.
type RelyingParty struct {
	ID   string
	Name string
}

// UserEntity identifies the user a credential is bound to.
type UserEntity struct {
	// ID is the base64url-no-pad encoded user handle, as received on the
	// wire. Decoded into CredentialSource.UserHandle by MakeCredential.
	ID          string
	Name        string
	DisplayName string
}

// CredentialParameter pairs a credential type with an acceptable algorithm.
type CredentialParameter struct {
	Type string // always "public-key"
	Alg  webauthncose.COSEAlgorithmIdentifier
}

// CredentialDescriptor names a credential the caller already knows about,
// either to exclude it (make) or to allow it (get).
type CredentialDescriptor struct {
	Type         string
	ID           []byte
	Transports   []string
}

// AuthenticatorSelection carries the selection criteria a relying party can
// impose on credential creation.
type AuthenticatorSelection struct {
	AuthenticatorAttachment string // "platform" | "cross-platform" | ""
	RequireResidentKey      bool
	UserVerification        UserVerificationRequirement
}

// MakeCredentialParams is the software authenticator's makeCredential input.
type MakeCredentialParams struct {
	Challenge           []byte
	RP                  RelyingParty
	User                UserEntity
	Parameters          []CredentialParameter
	ExcludeCredentials  []CredentialDescriptor
	AuthenticatorSelect AuthenticatorSelection
	Attestation         AttestationPreference
	Origin              string
	CrossOrigin         bool
}

// GetAssertionParams is the software authenticator's getAssertion input.
type GetAssertionParams struct {
	Challenge        []byte
	RPID             string
	AllowCredentials []CredentialDescriptor
	UserVerification UserVerificationRequirement
	Origin           string
	CrossOrigin      bool
}

// CredentialSource is the record persisted for every credential the
// software authenticator creates. Never mutated after creation except
// OtherUI and the signature counter.
type CredentialSource struct {
	CredentialID []byte // 16 raw bytes
	PrivateKey   []byte // PKCS#8 DER
	Alg          webauthncose.COSEAlgorithmIdentifier
	RPID         string
	UserHandle   []byte // <=64 bytes
	OtherUI      string // optional human-readable label, SPEC_FULL.md 10.3

	// SignCount is the per-credential counter, monotonically non-decreasing.
	SignCount uint32
}

// AuthenticatorDataFlags are the single flag byte's bit positions.
type AuthenticatorDataFlags byte

const (
	FlagUserPresent         AuthenticatorDataFlags = 1 << 0
	FlagUserVerified        AuthenticatorDataFlags = 1 << 2
	FlagAttestedCredData    AuthenticatorDataFlags = 1 << 6
	FlagExtensionDataIncl   AuthenticatorDataFlags = 1 << 7
)

// AttestedCredentialData is 16-byte AAGUID || u16be(len) || credId || cose(pubkey).
type AttestedCredentialData struct {
	AAGUID       [16]byte
	CredentialID []byte
	COSEKey      []byte // already-encoded COSE_Key bytes
}

// AuthenticatorData is the decoded form of the wire structure in
// SPEC_FULL.md section 3. Raw holds the exact encoded bytes once built;
// the struct fields exist for tests and for the orchestrator to read
// counters/flags without re-parsing.
type AuthenticatorData struct {
	RPIDHash  [32]byte
	Flags     AuthenticatorDataFlags
	Counter   uint32
	Attested  *AttestedCredentialData
	Raw       []byte
}

// RequestKind tags the two ceremony request shapes a caller may submit.
type RequestKind struct {
	MakeCredential *MakeCredentialParams
	GetAssertion   *GetAssertionParams
}

// MakeCredentialResponse is the external JSON response shape for a
// completed make ceremony, SPEC_FULL.md section 8.
type MakeCredentialResponse struct {
	ID       string                         `json:"id"`
	RawID    string                         `json:"rawId"`
	Response MakeCredentialResponseDetail   `json:"response"`
	Extensions map[string]interface{}       `json:"clientExtensionResults,omitempty"`
}

// MakeCredentialResponseDetail is the nested "response" object.
type MakeCredentialResponseDetail struct {
	ClientDataJSON    string   `json:"clientDataJSON"`
	AttestationObject string   `json:"attestationObject"`
	Transports        []string `json:"transports"`
}

// GetAssertionResponse is the external JSON response shape for a completed
// get ceremony.
type GetAssertionResponse struct {
	ID       string                      `json:"id"`
	RawID    string                      `json:"rawId"`
	Response GetAssertionResponseDetail  `json:"response"`
}

// GetAssertionResponseDetail is the nested "response" object.
type GetAssertionResponseDetail struct {
	ClientDataJSON    string `json:"clientDataJSON"`
	AuthenticatorData string `json:"authenticatorData"`
	Signature         string `json:"signature"`
	UserHandle        string `json:"userHandle,omitempty"`
}

// CredentialResponse is the orchestrator's single internal output slot
// value: exactly one of the two response shapes, set by whichever
// ceremony kind was active.
type CredentialResponse struct {
	MakeCredential *MakeCredentialResponse
	GetAssertion   *GetAssertionResponse
}

// Device describes one transport-reachable authenticator candidate exposed
// to the UI by the orchestrator's listDevices operation.
type Device struct {
	ID        string // opaque, stable for the lifetime of one request
	Transport string // "usb" | "hybrid" | "internal"
	Label     string
}
