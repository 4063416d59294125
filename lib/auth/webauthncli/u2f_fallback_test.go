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
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"testing"
	"time"

	"github.com/flynn/u2f/u2ftoken"
	"github.com/stretchr/testify/require"

	wt "github.com/gravitational/credmgrd/lib/auth/webauthntypes"
)

// fakeU2FToken is an in-process U2FToken double; Register returns a raw
// response built from a freshly generated P-256 key and a self-signed
// attestation certificate, mirroring the wire shape a real U2F key returns.
type fakeU2FToken struct {
	alreadyRegistered map[string]bool
}

func (f *fakeU2FToken) CheckAuthenticate(req u2ftoken.AuthenticateRequest) error {
	if f.alreadyRegistered[string(req.KeyHandle)] {
		return nil
	}
	return &CTAPError{Code: CTAPErrNoCredentials, Msg: "not registered"}
}

func (f *fakeU2FToken) Register(req u2ftoken.RegisterRequest) ([]byte, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	pubKey := elliptic.Marshal(elliptic.P256(), priv.PublicKey.X, priv.PublicKey.Y)

	certDER, err := selfSignedCert(priv)
	if err != nil {
		return nil, err
	}

	keyHandle := []byte("fake-key-handle")

	resp := make([]byte, 0, 1+len(pubKey)+1+len(keyHandle)+len(certDER)+8)
	resp = append(resp, 0x05)
	resp = append(resp, pubKey...)
	resp = append(resp, byte(len(keyHandle)))
	resp = append(resp, keyHandle...)
	resp = append(resp, certDER...)
	resp = append(resp, []byte("fake-signature")...) // trailing bytes, never parsed as ASN.1
	return resp, nil
}

func selfSignedCert(priv *ecdsa.PrivateKey) ([]byte, error) {
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "fake U2F device"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	return x509.CreateCertificate(rand.Reader, tmpl, tmpl, &priv.PublicKey, priv)
}

func baseMakeCredentialParams() wt.MakeCredentialParams {
	return wt.MakeCredentialParams{
		Challenge: make([]byte, 32),
		RP:        wt.RelyingParty{ID: "example.com", Name: "example.com"},
		User:      wt.UserEntity{ID: "dGVzdA", Name: "llama", DisplayName: "llama"},
		Parameters: []wt.CredentialParameter{
			{Type: "public-key", Alg: wt.AlgES256},
		},
		Origin: "https://example.com",
	}
}

func TestU2FRegister(t *testing.T) {
	ctx := context.Background()
	tok := &fakeU2FToken{}

	resp, err := U2FRegister(ctx, tok, baseMakeCredentialParams())
	require.NoError(t, err)
	require.NotEmpty(t, resp.RawID)
	require.NotEmpty(t, resp.Response.AttestationObject)
	require.Equal(t, []string{"usb"}, resp.Response.Transports)
}

func TestU2FRegister_alreadyRegistered(t *testing.T) {
	ctx := context.Background()
	p := baseMakeCredentialParams()
	p.ExcludeCredentials = []wt.CredentialDescriptor{{Type: "public-key", ID: []byte("excluded")}}

	tok := &fakeU2FToken{alreadyRegistered: map[string]bool{"excluded": true}}
	_, err := U2FRegister(ctx, tok, p)
	require.ErrorIs(t, err, ErrAlreadyRegistered)
}

func TestU2FRegister_validationErrors(t *testing.T) {
	ctx := context.Background()
	tok := &fakeU2FToken{}

	tests := []struct {
		name    string
		mutate  func(*wt.MakeCredentialParams)
		wantErr string
	}{
		{
			name:    "empty origin",
			mutate:  func(p *wt.MakeCredentialParams) { p.Origin = "" },
			wantErr: "origin required",
		},
		{
			name:    "empty relying party",
			mutate:  func(p *wt.MakeCredentialParams) { p.RP.ID = "" },
			wantErr: "relying party",
		},
		{
			name: "ES256 not allowed",
			mutate: func(p *wt.MakeCredentialParams) {
				p.Parameters = []wt.CredentialParameter{{Type: "public-key", Alg: wt.AlgEdDSA}}
			},
			wantErr: "ES256 not allowed",
		},
		{
			name: "platform attachment required",
			mutate: func(p *wt.MakeCredentialParams) {
				p.AuthenticatorSelect.AuthenticatorAttachment = "platform"
			},
			wantErr: "platform",
		},
		{
			name: "resident key required",
			mutate: func(p *wt.MakeCredentialParams) {
				p.AuthenticatorSelect.RequireResidentKey = true
			},
			wantErr: "resident key",
		},
		{
			name: "user verification required",
			mutate: func(p *wt.MakeCredentialParams) {
				p.AuthenticatorSelect.UserVerification = wt.VerificationRequired
			},
			wantErr: "user verification",
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			p := baseMakeCredentialParams()
			test.mutate(&p)
			_, err := U2FRegister(ctx, tok, p)
			require.Error(t, err)
			require.Contains(t, err.Error(), test.wantErr)
		})
	}
}
