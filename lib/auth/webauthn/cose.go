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
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/x509"

	"github.com/duo-labs/webauthn/protocol/webauthncose"
	"github.com/gravitational/trace"

	wt "github.com/gravitational/credmgrd/lib/auth/webauthntypes"
)

// COSE key type and curve labels, SPEC_FULL.md section 4.2.
const (
	coseKtyEC2 = 2
	coseKtyOKP = 1
	coseKtyRSA = 3

	coseCrvP256    = 1
	coseCrvEd25519 = 6
)

// ErrInvalidKey is returned when a public key's wire form does not match
// the fixed shape SPEC_FULL.md section 4.2 requires.
var ErrInvalidKey = trace.BadParameter("invalid public key for COSE encoding")

// EncodeCOSEKey builds the COSE_Key byte sequence for the public half of
// privPKCS8 under alg, per the fixed map layouts in SPEC_FULL.md section
// 4.2. Map entries are always emitted in the documented order so the
// output is byte-reproducible.
func EncodeCOSEKey(alg webauthncose.COSEAlgorithmIdentifier, privPKCS8 []byte) ([]byte, error) {
	key, err := x509.ParsePKCS8PrivateKey(privPKCS8)
	if err != nil {
		return nil, trace.Wrap(err, "parsing PKCS#8 private key")
	}

	switch alg {
	case wt.AlgES256:
		priv, ok := key.(*ecdsa.PrivateKey)
		if !ok {
			return nil, trace.Wrap(ErrInvalidKey, "ES256 key is not ECDSA")
		}
		return encodeES256(priv)
	case wt.AlgEdDSA:
		priv, ok := key.(ed25519.PrivateKey)
		if !ok {
			return nil, trace.Wrap(ErrInvalidKey, "EdDSA key is not Ed25519")
		}
		return encodeEdDSA(priv)
	case wt.AlgRS256:
		priv, ok := key.(*rsa.PrivateKey)
		if !ok {
			return nil, trace.Wrap(ErrInvalidKey, "RS256 key is not RSA")
		}
		return encodeRS256(priv)
	default:
		return nil, trace.BadParameter("unsupported COSE algorithm %d", alg)
	}
}

// encodeES256 writes a 5-entry EC2/P-256 COSE_Key in the fixed order
// kty(1), alg(3), crv(-1), x(-2), y(-3).
func encodeES256(priv *ecdsa.PrivateKey) ([]byte, error) {
	// Uncompressed SEC1 point: 0x04 || X32 || Y32.
	point := elliptic2UncompressedPoint(priv)
	if len(point) != 65 || point[0] != 0x04 {
		return nil, trace.Wrap(ErrInvalidKey, "unexpected EC point encoding")
	}
	x := point[1:33]
	y := point[33:65]

	w := NewCBORWriter()
	if err := w.WriteMapStart(5); err != nil {
		return nil, trace.Wrap(err)
	}
	// kty(1) = EC2(2)
	mustWriteInt(w, 1)
	mustWriteInt(w, coseKtyEC2)
	// alg(3) = ES256(-7)
	mustWriteInt(w, 3)
	mustWriteInt(w, int64(wt.AlgES256))
	// crv(-1) = P-256(1)
	mustWriteInt(w, -1)
	mustWriteInt(w, coseCrvP256)
	// x(-2)
	mustWriteInt(w, -2)
	if err := w.WriteBytes(x); err != nil {
		return nil, trace.Wrap(err)
	}
	// y(-3)
	mustWriteInt(w, -3)
	if err := w.WriteBytes(y); err != nil {
		return nil, trace.Wrap(err)
	}
	return w.Bytes(), nil
}

// encodeEdDSA writes a 4-entry OKP/Ed25519 COSE_Key: kty, alg, crv, x.
func encodeEdDSA(pub ed25519.PrivateKey) ([]byte, error) {
	pubKey := pub.Public().(ed25519.PublicKey)
	if len(pubKey) != ed25519.PublicKeySize {
		return nil, trace.Wrap(ErrInvalidKey, "unexpected Ed25519 public key size")
	}

	w := NewCBORWriter()
	if err := w.WriteMapStart(4); err != nil {
		return nil, trace.Wrap(err)
	}
	mustWriteInt(w, 1)
	mustWriteInt(w, coseKtyOKP)
	mustWriteInt(w, 3)
	mustWriteInt(w, int64(wt.AlgEdDSA))
	mustWriteInt(w, -1)
	mustWriteInt(w, coseCrvEd25519)
	mustWriteInt(w, -2)
	if err := w.WriteBytes(pubKey); err != nil {
		return nil, trace.Wrap(err)
	}
	return w.Bytes(), nil
}

// encodeRS256 writes a 4-entry RSA COSE_Key: kty, alg, n, e. The modulus
// and exponent are extracted from the DER PKCS#1 RSAPublicKey at the
// fixed offsets SPEC_FULL.md section 4.2 specifies, assuming a 2048-bit
// key; any other size fails with ErrInvalidKey rather than producing
// garbage.
func encodeRS256(priv *rsa.PrivateKey) ([]byte, error) {
	if priv.N.BitLen() != 2048 {
		return nil, trace.Wrap(ErrInvalidKey, "RSA key is not 2048 bits")
	}
	der := x509.MarshalPKCS1PublicKey(&priv.PublicKey)
	// Fixed-offset extraction per SPEC_FULL.md section 4.2: modulus at
	// bytes 9..265, exponent as the trailing 3 bytes, for the standard
	// ASN.1 DER encoding of a 2048-bit PKCS#1 RSAPublicKey with public
	// exponent 65537.
	const modulusOffset = 9
	const modulusLen = 256
	if len(der) < modulusOffset+modulusLen+3 {
		return nil, trace.Wrap(ErrInvalidKey, "RSA SubjectPublicKeyInfo shorter than expected")
	}
	n := der[modulusOffset : modulusOffset+modulusLen]
	e := der[len(der)-3:]

	w := NewCBORWriter()
	if err := w.WriteMapStart(4); err != nil {
		return nil, trace.Wrap(err)
	}
	mustWriteInt(w, 1)
	mustWriteInt(w, coseKtyRSA)
	mustWriteInt(w, 3)
	mustWriteInt(w, int64(wt.AlgRS256))
	mustWriteInt(w, -1)
	if err := w.WriteBytes(n); err != nil {
		return nil, trace.Wrap(err)
	}
	mustWriteInt(w, -2)
	if err := w.WriteBytes(e); err != nil {
		return nil, trace.Wrap(err)
	}
	return w.Bytes(), nil
}

// mustWriteInt writes a CBOR integer that, by construction, always fits in
// the writer's supported range; panicking here would indicate a programming
// error in this file, not a runtime condition callers need to handle.
func mustWriteInt(w *CBORWriter, n int64) {
	if err := w.WriteNumber(n); err != nil {
		panic(err)
	}
}

// elliptic2UncompressedPoint returns 0x04 || X32 || Y32 for priv's public
// key, left-padding X and Y to 32 bytes each.
func elliptic2UncompressedPoint(priv *ecdsa.PrivateKey) []byte {
	out := make([]byte, 65)
	out[0] = 0x04
	priv.X.FillBytes(out[1:33])
	priv.Y.FillBytes(out[33:65])
	return out
}
