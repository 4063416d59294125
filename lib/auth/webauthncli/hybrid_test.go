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
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	wt "github.com/gravitational/credmgrd/lib/auth/webauthntypes"
)

// TestHybridDriver_Run_NoBLEWaiterFails documents the failure path a caller
// hits if it ever runs a HybridDriver without wiring BLE (as
// CredentialService.SelectDevice now refuses to do via EnableHybrid):
// Run emits Waiting with the QR payload, then Failed, never Connected.
func TestHybridDriver_Run_NoBLEWaiterFails(t *testing.T) {
	drv := NewHybridDriver()
	req := wt.RequestKind{GetAssertion: &wt.GetAssertionParams{RPID: "example.com"}}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go drv.Run(ctx, req, make(chan string), make(chan string))

	first := <-drv.States
	require.Equal(t, StateWaiting, first.Kind)

	second := <-drv.States
	require.Equal(t, StateFailed, second.Kind)
	require.Error(t, second.Err)

	_, ok := <-drv.States
	require.False(t, ok, "States must be closed after the terminal Failed state")
}

// TestHybridDriver_Run_NoDeviceBoundAfterAdvertFails covers the second gap
// in hybrid.go: even once a BLEAdvertWaiter succeeds, Run still fails if
// nothing bound a CTAP2Device to the established tunnel.
func TestHybridDriver_Run_NoDeviceBoundAfterAdvertFails(t *testing.T) {
	drv := NewHybridDriver()
	drv.BLE = fakeBLEAdvertWaiter{payload: []byte("advert")}
	req := wt.RequestKind{GetAssertion: &wt.GetAssertionParams{RPID: "example.com"}}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go drv.Run(ctx, req, make(chan string), make(chan string))

	require.Equal(t, StateWaiting, (<-drv.States).Kind)

	failed := <-drv.States
	require.Equal(t, StateFailed, failed.Kind)
	require.Error(t, failed.Err)
}

type fakeBLEAdvertWaiter struct {
	payload []byte
	err     error
}

func (f fakeBLEAdvertWaiter) WaitForAdvert(ctx context.Context, qrSecret []byte) ([]byte, error) {
	return f.payload, f.err
}
