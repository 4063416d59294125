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
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/sha256"
	"crypto/x509"
	"encoding/asn1"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"time"

	"github.com/flynn/u2f/u2ftoken"
	"github.com/fxamacker/cbor/v2"
	log "github.com/sirupsen/logrus"

	wan "github.com/gravitational/credmgrd/lib/auth/webauthn"
	wt "github.com/gravitational/credmgrd/lib/auth/webauthntypes"
)

// U2FToken is the wire-level seam to a CTAP1/U2F roaming authenticator,
// satisfied in production by *u2ftoken.Token over an HID handle.
type U2FToken interface {
	CheckAuthenticate(req u2ftoken.AuthenticateRequest) error
	Register(req u2ftoken.RegisterRequest) ([]byte, error)
}

// ErrAlreadyRegistered is returned when the U2F device already knows about
// one of the excluded credentials, signalling the caller to skip it rather
// than produce a new registration on top of it (SPEC_FULL.md section 10.2).
var ErrAlreadyRegistered = wt.InvalidState("authenticator is already registered for this relying party")

// U2FRegister runs the CTAP1/U2F-compatible registration fallback of
// SPEC_FULL.md section 10.2 against tok, attempted by the USB driver only
// when device probing finds no CTAP2 interface. It is limited to ES256 and
// rejects any authenticator-selection constraint a U2F device cannot
// satisfy, validating those up front with ConstraintError before the
// device is touched.
func U2FRegister(ctx context.Context, tok U2FToken, p wt.MakeCredentialParams) (*wt.MakeCredentialResponse, error) {
	switch {
	case p.Origin == "":
		return nil, wt.Constraint("origin required")
	case p.RP.ID == "":
		return nil, wt.Constraint("credential creation missing relying party ID")
	}

	ok := false
	for _, param := range p.Parameters {
		if param.Alg == wt.AlgES256 {
			ok = true
			break
		}
	}
	if !ok {
		return nil, wt.Constraint("ES256 not allowed by credential parameters, required by U2F fallback")
	}

	if p.AuthenticatorSelect.AuthenticatorAttachment == "platform" {
		return nil, wt.Constraint("platform attachment required by authenticator selection")
	}
	if p.AuthenticatorSelect.RequireResidentKey {
		return nil, wt.Constraint("resident key required by authenticator selection")
	}
	if p.AuthenticatorSelect.UserVerification == wt.VerificationRequired {
		return nil, wt.Constraint("user verification required by authenticator selection")
	}

	ccdJSON, err := buildU2FClientDataJSON(p.Challenge, p.Origin)
	if err != nil {
		return nil, wt.Internal(err, "marshalling client data")
	}
	ccdHash := sha256.Sum256(ccdJSON)
	rpIDHash := sha256.Sum256([]byte(p.RP.ID))

	for _, cred := range p.ExcludeCredentials {
		if err := tok.CheckAuthenticate(u2ftoken.AuthenticateRequest{
			Challenge:   ccdHash[:],
			Application: rpIDHash[:],
			KeyHandle:   cred.ID,
		}); err == nil {
			log.WithField("component", "webauthncli/u2f").Warnf(
				"authenticator already registered under credential ID %q",
				base64.RawURLEncoding.EncodeToString(cred.ID))
			return nil, ErrAlreadyRegistered
		}
	}

	rawResp, err := registerWithPresencePoll(ctx, tok, u2ftoken.RegisterRequest{
		Challenge:   ccdHash[:],
		Application: rpIDHash[:],
	})
	if err != nil {
		return nil, wt.AuthenticatorErr(err)
	}

	parsed, err := parseU2FRegistrationResponse(rawResp)
	if err != nil {
		return nil, wt.Internal(err, "parsing U2F registration response")
	}
	return credentialResponseFromU2F(ccdJSON, rpIDHash[:], parsed)
}

// registerWithPresencePoll retries tok.Register at FIDO2PollInterval until
// it succeeds or ctx is done: a real U2F key rejects Register with a
// "test of user presence" status until touched, and the wire-level U2FToken
// seam surfaces that as a plain error rather than a distinguishable status
// code, so any failure is treated as "not touched yet" and retried.
func registerWithPresencePoll(ctx context.Context, tok U2FToken, req u2ftoken.RegisterRequest) ([]byte, error) {
	ticker := time.NewTicker(FIDO2PollInterval)
	defer ticker.Stop()
	for {
		resp, err := tok.Register(req)
		if err == nil {
			return resp, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// buildU2FClientDataJSON emits the type, challenge and origin keys of the
// packed path's client data (SPEC_FULL.md section 4.3) in the same order,
// with type "webauthn.create". It is produced by encoding/json and has no
// crossOrigin key, so it is not byte-identical to the packed path's string.
func buildU2FClientDataJSON(challenge []byte, origin string) ([]byte, error) {
	return json.Marshal(struct {
		Type      string `json:"type"`
		Challenge string `json:"challenge"`
		Origin    string `json:"origin"`
	}{
		Type:      "webauthn.create",
		Challenge: base64.RawURLEncoding.EncodeToString(challenge),
		Origin:    origin,
	})
}

// u2fRegistrationResponse is the decoded form of a raw U2F register reply.
type u2fRegistrationResponse struct {
	PubKey          *ecdsa.PublicKey
	KeyHandle       []byte
	AttestationCert []byte
	Signature       []byte
}

// parseU2FRegistrationResponse decodes the wire format defined by the FIDO
// U2F raw message formats spec: reserved byte, 65-byte uncompressed EC
// point, length-prefixed key handle, ASN.1 attestation certificate, and a
// trailing signature occupying whatever bytes remain.
func parseU2FRegistrationResponse(resp []byte) (*u2fRegistrationResponse, error) {
	const pubKeyLen = 65
	const minRespLen = 1 + pubKeyLen + 4
	if len(resp) < minRespLen {
		return nil, wt.Constraint("U2F response too small, got %d bytes, expected at least %d", len(resp), minRespLen)
	}

	buf := resp
	if buf[0] != 0x05 {
		return nil, wt.Constraint("invalid reserved byte: %v", buf[0])
	}
	buf = buf[1:]

	x, y := elliptic.Unmarshal(elliptic.P256(), buf[:pubKeyLen])
	if x == nil {
		return nil, wt.Constraint("failed to parse public key")
	}
	buf = buf[pubKeyLen:]
	pubKey := &ecdsa.PublicKey{Curve: elliptic.P256(), X: x, Y: y}

	l := int(buf[0])
	buf = buf[1:]
	if len(buf) < l {
		return nil, wt.Constraint("key handle length is %d, but only %d bytes are left", l, len(buf))
	}
	keyHandle := buf[:l]
	buf = buf[l:]

	// The certificate is a DER TLV; asn1.Unmarshal tells us how much of buf
	// it consumed by how much of sig (its trailing rest) is left over.
	sig, err := asn1.Unmarshal(buf, &asn1.RawValue{})
	if err != nil {
		return nil, err
	}
	attestationCert := buf[:len(buf)-len(sig)]
	if _, err := x509.ParseCertificate(attestationCert); err != nil {
		return nil, err
	}

	return &u2fRegistrationResponse{
		PubKey:          pubKey,
		KeyHandle:       keyHandle,
		AttestationCert: attestationCert,
		Signature:       sig,
	}, nil
}

// credentialResponseFromU2F repackages a parsed U2F registration as the
// "fido-u2f" attestation format (SPEC_FULL.md section 10.2), distinct from
// the packed self-attestation the rest of this service produces.
func credentialResponseFromU2F(ccdJSON, rpIDHash []byte, resp *u2fRegistrationResponse) (*wt.MakeCredentialResponse, error) {
	pubKeyCOSE, err := u2fPubKeyToCOSE(resp.PubKey)
	if err != nil {
		return nil, wt.Internal(err, "encoding U2F public key as COSE")
	}

	authData := make([]byte, 0, 32+1+4+16+2+len(resp.KeyHandle)+len(pubKeyCOSE))
	authData = append(authData, rpIDHash...)
	authData = append(authData, byte(wt.FlagAttestedCredData|wt.FlagUserPresent))
	authData = append(authData, 0, 0, 0, 0) // counter, always zero for a fresh U2F registration
	authData = append(authData, make([]byte, 16)...)
	credIDLen := make([]byte, 2)
	binary.BigEndian.PutUint16(credIDLen, uint16(len(resp.KeyHandle)))
	authData = append(authData, credIDLen...)
	authData = append(authData, resp.KeyHandle...)
	authData = append(authData, pubKeyCOSE...)

	attObj, err := cbor.Marshal(map[string]interface{}{
		"fmt":      "fido-u2f",
		"authData": authData,
		"attStmt": map[string]interface{}{
			"sig": resp.Signature,
			"x5c": []interface{}{resp.AttestationCert},
		},
	})
	if err != nil {
		return nil, wt.Internal(err, "marshalling fido-u2f attestation object")
	}

	rawID := base64.RawURLEncoding.EncodeToString(resp.KeyHandle)
	return &wt.MakeCredentialResponse{
		ID:    rawID,
		RawID: rawID,
		Response: wt.MakeCredentialResponseDetail{
			ClientDataJSON:    base64.RawURLEncoding.EncodeToString(ccdJSON),
			AttestationObject: base64.RawURLEncoding.EncodeToString(attObj),
			Transports:        []string{"usb"},
		},
	}, nil
}

// u2fPubKeyToCOSE encodes a U2F-produced P-256 public key as a COSE_Key map
// in the same field order and with the same writer the packed path's ES256
// encoder uses (SPEC_FULL.md section 4.2), so both attestation formats embed
// byte-compatible public keys.
func u2fPubKeyToCOSE(pub *ecdsa.PublicKey) ([]byte, error) {
	w := wan.NewCBORWriter()
	writes := []func() error{
		func() error { return w.WriteMapStart(5) },
		func() error { return w.WriteNumber(1) },
		func() error { return w.WriteNumber(2) }, // kty: EC2
		func() error { return w.WriteNumber(3) },
		func() error { return w.WriteNumber(int64(wt.AlgES256)) },
		func() error { return w.WriteNumber(-1) },
		func() error { return w.WriteNumber(1) }, // crv: P-256
		func() error { return w.WriteNumber(-2) },
		func() error { return w.WriteBytes(pub.X.FillBytes(make([]byte, 32))) },
		func() error { return w.WriteNumber(-3) },
		func() error { return w.WriteBytes(pub.Y.FillBytes(make([]byte, 32))) },
	}
	for _, write := range writes {
		if err := write(); err != nil {
			return nil, err
		}
	}
	return w.Bytes(), nil
}

// u2fDevice adapts a U2FToken to CTAP2Device so the USB transport driver's
// state machine (usb.go) can drive a U2F-only authenticator through the same
// selectDevice/runCeremony path as a CTAP2 device, per SPEC_FULL.md section
// 10.2: "surfaced to the orchestrator as just another terminal outcome of
// the USB driver's state machine; no new TransportState variants." HIDEnumerator
// constructs one whenever a FIDO HID interface fails CTAP2 probing.
type u2fDevice struct {
	path string
	tok  U2FToken
	ux   chan UXUpdate
}

func (d *u2fDevice) Info() Device { return Device{ID: d.path, Transport: "usb", Label: d.path} }

// BlinkAndWaitForPresence is a no-op: U2F has no out-of-band wink primitive
// this binding can drive, so a solo U2F device is always treated as having
// won device selection immediately, and registerWithPresencePoll inside
// U2FRegister is what actually waits for the physical touch.
func (d *u2fDevice) BlinkAndWaitForPresence(ctx context.Context) error { return nil }

func (d *u2fDevice) UXUpdates() <-chan UXUpdate { return d.ux }

func (d *u2fDevice) MakeCredential(ctx context.Context, p wt.MakeCredentialParams, pin string) (*wt.MakeCredentialResponse, error) {
	return U2FRegister(ctx, d.tok, p)
}

func (d *u2fDevice) GetAssertion(ctx context.Context, p wt.GetAssertionParams, pin string, credChosen []byte) (*wt.GetAssertionResponse, []AssertionCandidate, error) {
	return nil, nil, wt.NotSupported("U2F fallback devices support registration only, not getAssertion")
}

func (d *u2fDevice) Close() error { close(d.ux); return nil }
