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

package webauthn

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/asn1"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/require"

	wt "github.com/gravitational/credmgrd/lib/auth/webauthntypes"
)

// fakePrompt answers the disclosure prompt with its consent field, declines
// authorization when declined is set, and otherwise grants it, reporting UV
// as its verified field.
type fakePrompt struct {
	consent  bool
	verified bool
	declined bool
}

func (f *fakePrompt) ConfirmDisclosure(rpID string) (bool, error) { return f.consent, nil }
func (f *fakePrompt) Authorize(requireUV bool) (bool, error) {
	if f.declined {
		return false, errors.New("declined")
	}
	return f.verified, nil
}

type singleChoice struct{ id []byte }

func (s singleChoice) Choose(candidates []wt.CredentialSource) ([]byte, error) { return s.id, nil }

func newParams(rpID, userID string) wt.MakeCredentialParams {
	return wt.MakeCredentialParams{
		Challenge: []byte("challenge-bytes"),
		RP:        wt.RelyingParty{ID: rpID, Name: "Example"},
		User: wt.UserEntity{
			ID:          userID,
			Name:        "llama",
			DisplayName: "Llama",
		},
		Parameters: []wt.CredentialParameter{{Type: "public-key", Alg: wt.AlgES256}},
		Origin:     "https://" + rpID,
	}
}

func TestMakeCredential_AuthDataPrefix_WebauthnIO(t *testing.T) {
	a := &SoftwareAuthenticator{Store: NewMemStore(), Prompt: &fakePrompt{verified: true}, CanUserVerify: true}
	res, err := a.MakeCredential(newParams("webauthn.io", "dGVzdA"))
	require.NoError(t, err)

	want := []byte{
		0x74, 0xa6, 0xea, 0x92, 0x13, 0xc9, 0x9c, 0x2f, 0x74, 0xb2, 0x24, 0x92, 0xb3, 0x20,
		0xcf, 0x40, 0x26, 0x2a, 0x94, 0xc1, 0xa9, 0x50, 0xa0, 0x39, 0x7f, 0x29, 0x25, 0x0b,
		0x60, 0x84, 0x1e, 0xf0,
	}
	require.Equal(t, want, res.AuthenticatorData[0:32])
	require.Equal(t, byte(0x45), res.AuthenticatorData[32])
}

func TestMakeCredential_Invariants(t *testing.T) {
	a := &SoftwareAuthenticator{Store: NewMemStore(), Prompt: &fakePrompt{verified: true}, CanUserVerify: true}
	res, err := a.MakeCredential(newParams("example.com", "dGVzdA"))
	require.NoError(t, err)

	hash := sha256.Sum256([]byte("example.com"))
	require.Equal(t, hash[:], res.AuthenticatorData[0:32], "invariant 1")

	counter := binary.BigEndian.Uint32(res.AuthenticatorData[33:37])
	require.Zero(t, counter, "invariant 2")

	flags := res.AuthenticatorData[32]
	require.NotZero(t, flags&(1<<6), "invariant 3: AT set")
	require.NotZero(t, flags&(1<<0), "invariant 3: UP set")
	require.NotZero(t, flags&(1<<2), "invariant 3: UV set since verified")

	credIDLen := binary.BigEndian.Uint16(res.AuthenticatorData[53:55])
	require.EqualValues(t, len(res.RawCredentialID), credIDLen, "invariant 4")

	var decoded map[string]interface{}
	require.NoError(t, cbor.Unmarshal(res.AttestationObject, &decoded))
	require.Len(t, decoded, 3, "invariant 5")
	require.Contains(t, decoded, "fmt")
	require.Contains(t, decoded, "attStmt")
	require.Contains(t, decoded, "authData")

	// invariant 6: signature verifies against the credential's public key,
	// taken here from the stored private key rather than decoded from the
	// COSE key embedded in authData.
	pub, err := x509.ParsePKCS8PrivateKey(res.Source.PrivateKey)
	require.NoError(t, err)
	ecdsaPriv := pub.(*ecdsa.PrivateKey)
	clientDataHash := sha256.Sum256([]byte(res.ClientDataJSON))
	hashed := sha256.Sum256(append(append([]byte{}, res.AuthenticatorData...), clientDataHash[:]...))

	var attStmt struct {
		Alg int64  `cbor:"alg"`
		Sig []byte `cbor:"sig"`
	}
	raw, ok := decoded["attStmt"]
	require.True(t, ok)
	rawBytes, err := cbor.Marshal(raw)
	require.NoError(t, err)
	require.NoError(t, cbor.Unmarshal(rawBytes, &attStmt))

	var sig ecdsaSignature
	_, err = asn1.Unmarshal(attStmt.Sig, &sig)
	require.NoError(t, err)
	require.True(t, ecdsa.Verify(&ecdsaPriv.PublicKey, hashed[:], sig.R, sig.S), "invariant 6")
}

func TestMakeThenGetAssertion_RoundTrip(t *testing.T) {
	store := NewMemStore()
	a := &SoftwareAuthenticator{Store: store, Prompt: &fakePrompt{verified: true}, CanUserVerify: true}
	made, err := a.MakeCredential(newParams("example.com", "dGVzdA"))
	require.NoError(t, err)

	got, err := a.GetAssertion(wt.GetAssertionParams{
		Challenge: []byte("get-challenge"),
		RPID:      "example.com",
		Origin:    "https://example.com",
	}, nil)
	require.NoError(t, err)
	require.Equal(t, made.RawCredentialID, got.CredentialID)

	counter := binary.BigEndian.Uint32(got.AuthenticatorData[33:37])
	require.Greater(t, counter, uint32(0), "invariant 7: counter increased")
}

func TestMakeCredential_ExcludedCredential(t *testing.T) {
	store := NewMemStore()
	a := &SoftwareAuthenticator{Store: store, Prompt: &fakePrompt{verified: true, consent: true}, CanUserVerify: true}
	first, err := a.MakeCredential(newParams("r", "dGVzdA"))
	require.NoError(t, err)

	p := newParams("r", "dGVzdA")
	p.ExcludeCredentials = []wt.CredentialDescriptor{{Type: "public-key", ID: first.RawCredentialID}}

	_, err = a.MakeCredential(p)
	require.Error(t, err)
	require.Equal(t, wt.ErrInvalidState, wt.KindOf(err))

	a2 := &SoftwareAuthenticator{Store: store, Prompt: &fakePrompt{verified: true, consent: false}, CanUserVerify: true}
	_, err = a2.MakeCredential(p)
	require.Error(t, err)
	require.Equal(t, wt.ErrNotAllowed, wt.KindOf(err))
}

func TestGetAssertion_MultiCredentialDisambiguation(t *testing.T) {
	store := NewMemStore()
	a := &SoftwareAuthenticator{Store: store, Prompt: &fakePrompt{verified: true}, CanUserVerify: true}
	first, err := a.MakeCredential(newParams("r", "dGVzdA"))
	require.NoError(t, err)
	second, err := a.MakeCredential(newParams("r", "dGVzdA"))
	require.NoError(t, err)
	require.NotEqual(t, first.RawCredentialID, second.RawCredentialID)

	got, err := a.GetAssertion(wt.GetAssertionParams{
		Challenge: []byte("c"), RPID: "r", Origin: "https://r",
	}, singleChoice{id: second.RawCredentialID})
	require.NoError(t, err)
	require.Equal(t, second.RawCredentialID, got.CredentialID)
}
