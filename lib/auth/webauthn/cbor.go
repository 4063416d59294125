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
	"bytes"
	"encoding/binary"
	"fmt"
)

// majorType is the top three bits of a CBOR initial byte.
type majorType byte

const (
	majorUint  majorType = 0b000_00000
	majorNint  majorType = 0b001_00000
	majorBytes majorType = 0b010_00000
	majorText  majorType = 0b011_00000
	majorArray majorType = 0b100_00000
	majorMap   majorType = 0b101_00000
)

// ErrValueTooLarge is returned when a length or value does not fit in a
// CBOR-encodable uint64.
var ErrValueTooLarge = fmt.Errorf("cbor: value too large")

// CBORWriter is the minimal deterministic CBOR encoder the software
// authenticator uses to build authenticator data and attestation objects.
// It covers only the subset SPEC_FULL.md section 4.1 requires: unsigned and
// negative integers, byte strings, text strings, maps, and arrays. Maps and
// arrays write only the header; callers write the declared number of
// elements themselves.
type CBORWriter struct {
	buf bytes.Buffer
}

// NewCBORWriter returns an empty writer.
func NewCBORWriter() *CBORWriter { return &CBORWriter{} }

// Bytes returns the encoded output so far.
func (w *CBORWriter) Bytes() []byte { return w.buf.Bytes() }

// writeHeader writes major|immediate or major|widthSelector followed by the
// big-endian payload, per the shared length/value encoding used by both
// WriteNumber and the bytes/text/array/map headers.
func (w *CBORWriter) writeHeader(mt majorType, n uint64) error {
	switch {
	case n < 24:
		w.buf.WriteByte(byte(mt) | byte(n))
	case n <= 0xFF:
		w.buf.WriteByte(byte(mt) | 24)
		w.buf.WriteByte(byte(n))
	case n <= 0xFFFF:
		w.buf.WriteByte(byte(mt) | 25)
		var b [2]byte
		binary.BigEndian.PutUint16(b[:], uint16(n))
		w.buf.Write(b[:])
	case n <= 0xFFFFFFFF:
		w.buf.WriteByte(byte(mt) | 26)
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], uint32(n))
		w.buf.Write(b[:])
	default:
		w.buf.WriteByte(byte(mt) | 27)
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], n)
		w.buf.Write(b[:])
	}
	return nil
}

// WriteNumber encodes a signed integer as a CBOR positive or negative
// integer. Negative integers store -n-1 after the negative-integer tag, per
// the CBOR spec and SPEC_FULL.md section 4.1.
func (w *CBORWriter) WriteNumber(n int64) error {
	if n >= 0 {
		return w.writeHeader(majorUint, uint64(n))
	}
	// n is negative; -n-1 cannot overflow int64 except for n == MinInt64,
	// which this service never needs to encode (no field reaches that range).
	return w.writeHeader(majorNint, uint64(-n-1))
}

// WriteBytes encodes b as a CBOR byte string.
func (w *CBORWriter) WriteBytes(b []byte) error {
	if err := w.writeHeader(majorBytes, uint64(len(b))); err != nil {
		return err
	}
	w.buf.Write(b)
	return nil
}

// WriteTextString encodes s as a CBOR UTF-8 text string.
func (w *CBORWriter) WriteTextString(s string) error {
	if err := w.writeHeader(majorText, uint64(len(s))); err != nil {
		return err
	}
	w.buf.WriteString(s)
	return nil
}

// WriteArrayStart writes only the array header; the caller writes n
// elements immediately after.
func (w *CBORWriter) WriteArrayStart(n uint64) error {
	return w.writeHeader(majorArray, n)
}

// WriteMapStart writes only the map header; the caller writes n key/value
// pairs (2n items) immediately after, in canonical CTAP2 map order.
func (w *CBORWriter) WriteMapStart(n uint64) error {
	return w.writeHeader(majorMap, n)
}
