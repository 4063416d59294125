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
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWriteNumber_IntegerEdges(t *testing.T) {
	tests := []struct {
		name string
		n    int64
		want []byte
	}{
		{"22", 22, []byte{0x16}},
		{"500", 500, []byte{0x19, 0x01, 0xF4}},
		{"-22", -22, []byte{0x35}},
		{"-500", -500, []byte{0x39, 0x01, 0xF3}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := NewCBORWriter()
			require.NoError(t, w.WriteNumber(tt.n))
			require.Equal(t, tt.want, w.Bytes())
		})
	}
}

func TestWriteMapStart_800(t *testing.T) {
	w := NewCBORWriter()
	require.NoError(t, w.WriteMapStart(800))
	require.Equal(t, []byte{0xB9, 0x03, 0x20}, w.Bytes())
}

func TestWriteBytes_Length32(t *testing.T) {
	w := NewCBORWriter()
	require.NoError(t, w.WriteBytes(make([]byte, 32)))
	want := append([]byte{0x58, 0x20}, make([]byte, 32)...)
	require.Equal(t, want, w.Bytes())
}

func TestWriteBytes_HeaderLenLaw(t *testing.T) {
	for _, n := range []int{0, 1, 23, 24, 255, 256, 65535, 65536} {
		w := NewCBORWriter()
		require.NoError(t, w.WriteBytes(make([]byte, n)))
		require.Len(t, w.Bytes(), headerLen(n)+n)
	}
}

// headerLen mirrors writeHeader's length-selector thresholds so the test
// can predict the encoded size without re-implementing the writer.
func headerLen(n int) int {
	switch {
	case n < 24:
		return 1
	case n <= 0xFF:
		return 2
	case n <= 0xFFFF:
		return 3
	case n <= 0xFFFFFFFF:
		return 5
	default:
		return 9
	}
}
