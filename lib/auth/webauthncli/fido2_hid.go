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
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"time"

	"github.com/flynn/hid"
	"github.com/flynn/u2f/u2fhid"
	"github.com/flynn/u2f/u2ftoken"
	"github.com/fxamacker/cbor/v2"
	libfido2 "github.com/keys-pub/go-libfido2"
	log "github.com/sirupsen/logrus"

	wt "github.com/gravitational/credmgrd/lib/auth/webauthntypes"
)

// fidoUsagePage/fidoUsage identify a FIDO HID interface per the CTAPHID
// spec; flynn/hid's DeviceInfo carries both so enumeration can filter out
// every other interface a composite USB device exposes.
const (
	fidoUsagePage = 0xf1d0
	fidoUsage     = 0x01
)

// HIDEnumerator is the production DeviceEnumerator: it lists FIDO HID
// interfaces via flynn/hid and binds each to a CTAP2 channel via
// go-libfido2, falling back to the CTAP1/U2F binding of u2f_fallback.go
// (over flynn/u2f's own HID framing) when libfido2 reports the interface
// doesn't speak CTAP2, per SPEC_FULL.md section 10.2.
type HIDEnumerator struct{}

// Enumerate implements DeviceEnumerator.
func (HIDEnumerator) Enumerate(ctx context.Context) ([]CTAP2Device, error) {
	infos, err := hid.Devices()
	if err != nil {
		return nil, wt.Internal(err, "listing HID devices")
	}

	var out []CTAP2Device
	for _, info := range infos {
		if info.UsagePage != fidoUsagePage || info.Usage != fidoUsage {
			continue
		}
		if dev, err := libfido2.NewDevice(info.Path); err == nil {
			out = append(out, &libfido2Device{path: info.Path, dev: dev, ux: make(chan UXUpdate, 4)})
			continue
		}

		hidDev, err := u2fhid.Open(info)
		if err != nil {
			log.WithField("component", "webauthncli/fido2").Debugf(
				"skipping HID device %s: not CTAP2 and not U2F: %v", info.Path, err)
			continue
		}
		out = append(out, &u2fDevice{path: info.Path, tok: u2ftoken.NewToken(hidDev), ux: make(chan UXUpdate, 4)})
	}
	return out, nil
}

// libfido2Device adapts *libfido2.Device to CTAP2Device.
type libfido2Device struct {
	path string
	dev  *libfido2.Device
	ux   chan UXUpdate
}

func (d *libfido2Device) Info() Device {
	return Device{ID: d.path, Transport: "usb", Label: d.path}
}

// BlinkAndWaitForPresence polls the device's GetInfo at FIDO2PollInterval
// and returns as soon as one call succeeds, or with ctx's error once ctx is
// done. It does not make the device blink and does not wait for a physical
// touch, so in the multi-device race the first device to answer GetInfo
// wins.
func (d *libfido2Device) BlinkAndWaitForPresence(ctx context.Context) error {
	ticker := time.NewTicker(FIDO2PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := d.dev.Info(); err == nil {
				return nil
			}
		}
	}
}

func (d *libfido2Device) UXUpdates() <-chan UXUpdate { return d.ux }

// MakeCredential drives a real CTAP2 makeCredential over d.dev, translating
// the domain params into go-libfido2's own RelyingParty/User/CredentialType
// arguments and re-packing the returned Attestation as a "none"-format
// attestation object: go-libfido2's Attestation exposes the COSE public key
// and credential ID but not a confirmed signature/certificate field this
// binding can carry through, so the conveyance is downgraded rather than
// guessed at (DESIGN.md).
func (d *libfido2Device) MakeCredential(ctx context.Context, p wt.MakeCredentialParams, pin string) (*wt.MakeCredentialResponse, error) {
	alg, err := ctap2CredentialType(p.Parameters)
	if err != nil {
		return nil, err
	}
	userID, err := base64.RawURLEncoding.DecodeString(p.User.ID)
	if err != nil {
		return nil, wt.Constraint("decoding user handle: %v", err)
	}

	ccdJSON, err := ctap2ClientDataJSON("webauthn.create", p.Challenge, p.Origin)
	if err != nil {
		return nil, wt.Internal(err, "marshalling client data")
	}
	ccdHash := sha256.Sum256(ccdJSON)

	opts := &libfido2.MakeCredentialOpts{}
	if p.AuthenticatorSelect.RequireResidentKey {
		opts.RK = libfido2.True
	}
	if p.AuthenticatorSelect.UserVerification == wt.VerificationRequired {
		opts.UV = libfido2.True
	}

	att, err := d.dev.MakeCredential(
		ccdHash[:],
		libfido2.RelyingParty{ID: p.RP.ID, Name: p.RP.Name},
		libfido2.User{ID: userID, Name: p.User.Name, DisplayName: p.User.DisplayName},
		alg,
		pin,
		opts,
	)
	if err != nil {
		return nil, wt.AuthenticatorErr(err)
	}

	rpIDHash := sha256.Sum256([]byte(p.RP.ID))
	flags := wt.FlagAttestedCredData | wt.FlagUserPresent
	if pin != "" {
		flags |= wt.FlagUserVerified
	}
	credIDLen := make([]byte, 2)
	binary.BigEndian.PutUint16(credIDLen, uint16(len(att.CredentialID)))

	authData := make([]byte, 0, 32+1+4+16+2+len(att.CredentialID)+len(att.PubKey))
	authData = append(authData, rpIDHash[:]...)
	authData = append(authData, byte(flags))
	authData = append(authData, 0, 0, 0, 0) // go-libfido2 does not surface a sign counter on Attestation
	authData = append(authData, make([]byte, 16)...) // AAGUID not exposed by this binding
	authData = append(authData, credIDLen...)
	authData = append(authData, att.CredentialID...)
	authData = append(authData, att.PubKey...) // already COSE-encoded

	attObj, err := cbor.Marshal(map[string]interface{}{
		"fmt":      "none",
		"authData": authData,
		"attStmt":  map[string]interface{}{},
	})
	if err != nil {
		return nil, wt.Internal(err, "marshalling attestation object")
	}

	rawID := base64.RawURLEncoding.EncodeToString(att.CredentialID)
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

// GetAssertion drives a real CTAP2 getAssertion over d.dev. go-libfido2's
// Assertion call takes an explicit credential ID list rather than
// discovering resident credentials itself, so this binding only supports
// the allow-list path and never returns more than one AssertionCandidate
// (DESIGN.md).
func (d *libfido2Device) GetAssertion(ctx context.Context, p wt.GetAssertionParams, pin string, credChosen []byte) (*wt.GetAssertionResponse, []AssertionCandidate, error) {
	ccdJSON, err := ctap2ClientDataJSON("webauthn.get", p.Challenge, p.Origin)
	if err != nil {
		return nil, nil, wt.Internal(err, "marshalling client data")
	}
	ccdHash := sha256.Sum256(ccdJSON)

	var credIDs [][]byte
	switch {
	case credChosen != nil:
		credIDs = [][]byte{credChosen}
	default:
		for _, c := range p.AllowCredentials {
			credIDs = append(credIDs, c.ID)
		}
	}
	if len(credIDs) == 0 {
		return nil, nil, wt.Constraint("getAssertion requires at least one allowed credential ID; this binding has no resident-key discovery")
	}

	opts := &libfido2.AssertionOpts{}
	if p.UserVerification == wt.VerificationRequired {
		opts.UV = libfido2.True
	}

	assertion, err := d.dev.Assertion(p.RPID, ccdHash[:], credIDs, pin, opts)
	if err != nil {
		return nil, nil, wt.AuthenticatorErr(err)
	}

	rawID := base64.RawURLEncoding.EncodeToString(assertion.CredentialID)
	return &wt.GetAssertionResponse{
		ID:    rawID,
		RawID: rawID,
		Response: wt.GetAssertionResponseDetail{
			ClientDataJSON:    base64.RawURLEncoding.EncodeToString(ccdJSON),
			AuthenticatorData: base64.RawURLEncoding.EncodeToString(assertion.AuthDataCBOR),
			Signature:         base64.RawURLEncoding.EncodeToString(assertion.Sig),
		},
	}, nil, nil
}

// ctap2ClientDataJSON builds the CollectedClientData bytes for either
// ceremony kind, matching buildU2FClientDataJSON's shape in this package's
// u2f_fallback.go but parameterized on type since a CTAP2 device runs
// both makeCredential and getAssertion through this same binding.
func ctap2ClientDataJSON(typ string, challenge []byte, origin string) ([]byte, error) {
	return json.Marshal(struct {
		Type      string `json:"type"`
		Challenge string `json:"challenge"`
		Origin    string `json:"origin"`
	}{
		Type:      typ,
		Challenge: base64.RawURLEncoding.EncodeToString(challenge),
		Origin:    origin,
	})
}

// ctap2CredentialType picks the first credential parameter go-libfido2 has a
// CredentialType constant for.
func ctap2CredentialType(params []wt.CredentialParameter) (libfido2.CredentialType, error) {
	for _, p := range params {
		switch p.Alg {
		case wt.AlgES256:
			return libfido2.ES256, nil
		case wt.AlgEdDSA:
			return libfido2.EDDSA, nil
		case wt.AlgRS256:
			return libfido2.RS256, nil
		}
	}
	return 0, wt.Constraint("no requested credential algorithm is supported by this CTAP2 device")
}

func (d *libfido2Device) Close() error {
	close(d.ux)
	return d.dev.Close()
}
