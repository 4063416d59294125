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

// Package webauthn implements the software authenticator's makeCredential
// and getAssertion ceremonies: deterministic CBOR/COSE encoding and the
// W3C algorithms that produce byte-exact attestation and assertion
// artifacts, SPEC_FULL.md section 4.3.
package webauthn

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/asn1"
	"encoding/base64"
	"fmt"
	"io"
	"math/big"

	"github.com/gravitational/trace"

	wt "github.com/gravitational/credmgrd/lib/auth/webauthntypes"
)

// Prompter collects the user-facing gestures the W3C algorithm calls for:
// disclosure consent when an excluded credential already exists, and the
// authorization gesture (user presence, and user verification if
// required). Its implementation is the only part of this package aware of
// any concrete authenticator UI; the software authenticator itself only
// consumes the interface.
type Prompter interface {
	// ConfirmDisclosure asks whether the user consents to disclosing that
	// a credential for rpID already exists. Returning (true, nil) yields
	// InvalidStateError; (false, nil) yields NotAllowedError.
	ConfirmDisclosure(rpID string) (consent bool, err error)
	// Authorize collects user presence, and user verification if
	// requireUV is set. Returns whether UV was performed; an error means
	// the user declined or UV failed.
	Authorize(requireUV bool) (verified bool, err error)
}

// SoftwareAuthenticator implements SPEC_FULL.md section 4.3 against a
// CredentialStore and a Prompter.
type SoftwareAuthenticator struct {
	Store    CredentialStore
	Prompt   Prompter
	Rand     io.Reader // CSPRNG, defaults to crypto/rand.Reader
	CanStoreResidentKey bool
	CanUserVerify       bool
}

func (a *SoftwareAuthenticator) rnd() io.Reader {
	if a.Rand != nil {
		return a.Rand
	}
	return rand.Reader
}

// MakeCredentialResult is the output of a successful MakeCredential call.
type MakeCredentialResult struct {
	AttestationObject []byte
	Source            wt.CredentialSource
	ClientDataJSON    string
	AuthenticatorData []byte
	RawCredentialID   []byte
}

// MakeCredential performs the full algorithm of SPEC_FULL.md section 4.3.
func (a *SoftwareAuthenticator) MakeCredential(p wt.MakeCredentialParams) (*MakeCredentialResult, error) {
	// Step 1: required fields.
	if p.RP.ID == "" || p.RP.Name == "" || p.User.ID == "" || p.User.Name == "" || len(p.Parameters) == 0 {
		return nil, wt.Unknown("missing required field in make credential request")
	}

	// Step 2: pick the first supported algorithm.
	alg, ok := pickAlgorithm(p.Parameters)
	if !ok {
		return nil, wt.NotSupported("no acceptable algorithm in pubKeyCredParams")
	}

	// Step 3: exclude-credential privacy check.
	for _, desc := range p.ExcludeCredentials {
		src, found := a.Store.Lookup(desc.ID)
		if !found || src.RPID != p.RP.ID || desc.Type != "public-key" {
			continue
		}
		consent, err := a.Prompt.ConfirmDisclosure(p.RP.ID)
		if err != nil {
			return nil, wt.NotAllowed("disclosure prompt failed: %v", err)
		}
		if consent {
			return nil, wt.InvalidState("credential already registered for this relying party")
		}
		return nil, wt.NotAllowed("user declined disclosure of existing credential")
	}

	// Step 4: constraint checks.
	if p.AuthenticatorSelect.RequireResidentKey && !a.CanStoreResidentKey {
		return nil, wt.Constraint("resident key required but unavailable")
	}
	requireUV := p.AuthenticatorSelect.UserVerification == wt.VerificationRequired
	if requireUV && !a.CanUserVerify {
		return nil, wt.Constraint("user verification required but unavailable")
	}

	// Step 5: authorization gesture.
	verified, err := a.Prompt.Authorize(requireUV)
	if err != nil {
		return nil, wt.NotAllowed("authorization gesture failed: %v", err)
	}

	// Step 6: key pair, credential id, user handle.
	privPKCS8, pubCOSE, err := a.generateKeyPair(alg)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	credID := make([]byte, 16)
	if _, err := io.ReadFull(a.rnd(), credID); err != nil {
		return nil, wt.Internal(err, "generating credential id")
	}
	userHandle, err := base64.RawURLEncoding.DecodeString(p.User.ID)
	if err != nil {
		return nil, wt.Unknown("user.id is not valid base64url: %v", err)
	}
	if len(userHandle) > 64 {
		return nil, wt.Unknown("user handle exceeds 64 bytes")
	}

	// Step 7: client data JSON and its hash.
	clientDataJSON := buildClientDataJSON(p.Challenge, p.Origin, p.CrossOrigin)
	clientDataHash := sha256.Sum256([]byte(clientDataJSON))

	// Step 8: attested credential data.
	attestedCredData, err := buildAttestedCredentialData(credID, pubCOSE)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	// Step 9: authenticator data.
	var flags wt.AuthenticatorDataFlags = wt.FlagUserPresent | wt.FlagAttestedCredData
	if verified {
		flags |= wt.FlagUserVerified
	}
	authData := buildAuthenticatorData(p.RP.ID, flags, 0, attestedCredData)

	// Step 10: sign authData || clientDataHash.
	toSign := append(append([]byte{}, authData...), clientDataHash[:]...)
	sig, err := sign(a.rnd(), alg, privPKCS8, toSign)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	// Step 11: packed self-attestation object.
	attObj, err := buildPackedAttestationObject(alg, sig, authData)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	src := wt.CredentialSource{
		CredentialID: credID,
		PrivateKey:   privPKCS8,
		Alg:          alg,
		RPID:         p.RP.ID,
		UserHandle:   userHandle,
	}
	// Step 12: persist.
	if err := a.Store.Store(src); err != nil {
		return nil, wt.Internal(err, "persisting credential source")
	}

	return &MakeCredentialResult{
		AttestationObject: attObj,
		Source:            src,
		ClientDataJSON:    clientDataJSON,
		AuthenticatorData: authData,
		RawCredentialID:   credID,
	}, nil
}

// GetAssertionResult is the output of a successful GetAssertion call.
type GetAssertionResult struct {
	AuthenticatorData []byte
	Signature         []byte
	CredentialID      []byte
	UserHandle        []byte
}

// CredentialChooser is consulted by GetAssertion when more than one stored
// credential matches the request, per SPEC_FULL.md section 4.3 step 3 /
// section 4.4's SelectCredential event. Candidates are offered as full
// CredentialSource records; the chooser must return the raw CredentialID
// of one of them.
type CredentialChooser interface {
	Choose(candidates []wt.CredentialSource) (chosenCredentialID []byte, err error)
}

// GetAssertion performs the full algorithm of SPEC_FULL.md section 4.3.
func (a *SoftwareAuthenticator) GetAssertion(p wt.GetAssertionParams, chooser CredentialChooser) (*GetAssertionResult, error) {
	candidates := a.filterAllowed(p)
	if len(candidates) == 0 {
		return nil, wt.NotAllowed("no eligible credential for relying party")
	}

	requireUV := p.UserVerification == wt.VerificationRequired
	verified, err := a.Prompt.Authorize(requireUV)
	if err != nil {
		return nil, wt.NotAllowed("authorization gesture failed: %v", err)
	}

	var chosen wt.CredentialSource
	switch {
	case len(candidates) == 1:
		chosen = candidates[0]
	default:
		id, err := chooser.Choose(candidates)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		found := false
		for _, c := range candidates {
			if bytesEqual(c.CredentialID, id) {
				chosen, found = c, true
				break
			}
		}
		if !found {
			return nil, wt.NoCredentials()
		}
	}

	counter, err := a.Store.IncrementCounter(chosen.CredentialID)
	if err != nil {
		return nil, wt.Internal(err, "incrementing signature counter")
	}

	var flags wt.AuthenticatorDataFlags = wt.FlagUserPresent
	if verified {
		flags |= wt.FlagUserVerified
	}
	authData := buildAuthenticatorData(chosen.RPID, flags, counter, nil)

	clientDataJSON := buildClientDataJSON(p.Challenge, p.Origin, p.CrossOrigin)
	clientDataHash := sha256.Sum256([]byte(clientDataJSON))
	toSign := append(append([]byte{}, authData...), clientDataHash[:]...)
	sig, err := sign(a.rnd(), chosen.Alg, chosen.PrivateKey, toSign)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	return &GetAssertionResult{
		AuthenticatorData: authData,
		Signature:         sig,
		CredentialID:      chosen.CredentialID,
		UserHandle:        chosen.UserHandle,
	}, nil
}

func (a *SoftwareAuthenticator) filterAllowed(p wt.GetAssertionParams) []wt.CredentialSource {
	all := a.Store.LookupByRP(p.RPID)
	if len(p.AllowCredentials) == 0 {
		return all
	}
	allowed := make(map[string]bool, len(p.AllowCredentials))
	for _, d := range p.AllowCredentials {
		allowed[string(d.ID)] = true
	}
	out := make([]wt.CredentialSource, 0, len(all))
	for _, c := range all {
		if allowed[string(c.CredentialID)] {
			out = append(out, c)
		}
	}
	return out
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func pickAlgorithm(params []wt.CredentialParameter) (int64, bool) {
	for _, p := range params {
		if p.Type != "public-key" {
			continue
		}
		if wt.IsSupportedAlg(p.Alg) {
			return int64(p.Alg), true
		}
	}
	return 0, false
}

// buildClientDataJSON produces the exact string SPEC_FULL.md section 4.3
// step 7 requires. It is built manually, not via encoding/json, because
// the byte layout (key order, absence of whitespace, boolean literal) is
// part of the signed contract and must not depend on a marshaller's
// internal choices.
func buildClientDataJSON(challenge []byte, origin string, crossOrigin bool) string {
	return fmt.Sprintf(
		`{"type":"webauthn.create","challenge":"%s","origin":"%s","crossOrigin":%t}`,
		base64.RawURLEncoding.EncodeToString(challenge), origin, crossOrigin,
	)
}

func buildAttestedCredentialData(credID, coseKey []byte) ([]byte, error) {
	if len(credID) > 1023 {
		return nil, wt.Unknown("credential id exceeds 1023 bytes")
	}
	out := make([]byte, 0, 16+2+len(credID)+len(coseKey))
	out = append(out, make([]byte, 16)...) // AAGUID: 16 zero bytes, unattested
	out = append(out, byte(len(credID)>>8), byte(len(credID)))
	out = append(out, credID...)
	out = append(out, coseKey...)
	return out, nil
}

func buildAuthenticatorData(rpID string, flags wt.AuthenticatorDataFlags, counter uint32, attested []byte) []byte {
	rpHash := sha256.Sum256([]byte(rpID))
	out := make([]byte, 0, 37+len(attested))
	out = append(out, rpHash[:]...)
	out = append(out, byte(flags))
	out = append(out, byte(counter>>24), byte(counter>>16), byte(counter>>8), byte(counter))
	out = append(out, attested...)
	return out
}

// buildPackedAttestationObject builds the CBOR map of exactly three
// entries, in order "fmt", "attStmt", "authData", per SPEC_FULL.md
// section 4.3 step 11.
func buildPackedAttestationObject(alg int64, sig, authData []byte) ([]byte, error) {
	w := NewCBORWriter()
	if err := w.WriteMapStart(3); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := w.WriteTextString("fmt"); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := w.WriteTextString("packed"); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := w.WriteTextString("attStmt"); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := w.WriteMapStart(2); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := w.WriteTextString("alg"); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := w.WriteNumber(alg); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := w.WriteTextString("sig"); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := w.WriteBytes(sig); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := w.WriteTextString("authData"); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := w.WriteBytes(authData); err != nil {
		return nil, trace.Wrap(err)
	}
	return w.Bytes(), nil
}

// generateKeyPair creates a fresh key pair for alg and returns the PKCS#8
// private key plus the encoded COSE_Key for its public half.
func (a *SoftwareAuthenticator) generateKeyPair(alg int64) (privPKCS8, pubCOSE []byte, err error) {
	switch alg {
	case int64(wt.AlgES256):
		priv, err := ecdsa.GenerateKey(elliptic.P256(), a.rnd())
		if err != nil {
			return nil, nil, wt.Internal(err, "generating ES256 key pair")
		}
		der, err := x509.MarshalPKCS8PrivateKey(priv)
		if err != nil {
			return nil, nil, wt.Internal(err, "marshalling ES256 private key")
		}
		cose, err := EncodeCOSEKey(wt.AlgES256, der)
		if err != nil {
			return nil, nil, trace.Wrap(err)
		}
		return der, cose, nil
	case int64(wt.AlgEdDSA):
		_, priv, err := ed25519.GenerateKey(a.rnd())
		if err != nil {
			return nil, nil, wt.Internal(err, "generating EdDSA key pair")
		}
		der, err := x509.MarshalPKCS8PrivateKey(priv)
		if err != nil {
			return nil, nil, wt.Internal(err, "marshalling EdDSA private key")
		}
		cose, err := EncodeCOSEKey(wt.AlgEdDSA, der)
		if err != nil {
			return nil, nil, trace.Wrap(err)
		}
		return der, cose, nil
	case int64(wt.AlgRS256):
		priv, err := rsa.GenerateKey(a.rnd(), 2048)
		if err != nil {
			return nil, nil, wt.Internal(err, "generating RS256 key pair")
		}
		der, err := x509.MarshalPKCS8PrivateKey(priv)
		if err != nil {
			return nil, nil, wt.Internal(err, "marshalling RS256 private key")
		}
		cose, err := EncodeCOSEKey(wt.AlgRS256, der)
		if err != nil {
			return nil, nil, trace.Wrap(err)
		}
		return der, cose, nil
	default:
		return nil, nil, wt.NotSupported("unsupported algorithm %d", alg)
	}
}

// sign signs message under alg using privPKCS8, per SPEC_FULL.md section
// 4.3 step 10: ECDSA-SHA256 ASN.1 for ES256, raw Ed25519 for EdDSA,
// RSASSA-PKCS1-v1_5 SHA-256 for RS256.
func sign(rnd io.Reader, alg int64, privPKCS8, message []byte) ([]byte, error) {
	key, err := x509.ParsePKCS8PrivateKey(privPKCS8)
	if err != nil {
		return nil, trace.Wrap(err, "parsing private key for signing")
	}
	switch alg {
	case int64(wt.AlgES256):
		priv, ok := key.(*ecdsa.PrivateKey)
		if !ok {
			return nil, trace.BadParameter("ES256 key is not ECDSA")
		}
		hash := sha256.Sum256(message)
		r, s, err := ecdsa.Sign(rnd, priv, hash[:])
		if err != nil {
			return nil, trace.Wrap(err, "signing with ES256")
		}
		return asn1.Marshal(ecdsaSignature{R: r, S: s})
	case int64(wt.AlgEdDSA):
		priv, ok := key.(ed25519.PrivateKey)
		if !ok {
			return nil, trace.BadParameter("EdDSA key is not Ed25519")
		}
		return ed25519.Sign(priv, message), nil
	case int64(wt.AlgRS256):
		priv, ok := key.(*rsa.PrivateKey)
		if !ok {
			return nil, trace.BadParameter("RS256 key is not RSA")
		}
		hash := sha256.Sum256(message)
		return rsa.SignPKCS1v15(rnd, priv, crypto.SHA256, hash[:])
	default:
		return nil, trace.BadParameter("unsupported algorithm %d", alg)
	}
}

// ecdsaSignature is the ASN.1 structure for an ECDSA signature's (r, s)
// pair, matching the wire form the WebAuthn spec calls "ASN.1" encoding.
type ecdsaSignature struct {
	R, S *big.Int
}
