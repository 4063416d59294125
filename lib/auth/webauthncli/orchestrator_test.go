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

func waitForUpdate(t *testing.T, updates <-chan ViewUpdate, kind ViewUpdateKind, timeout time.Duration) ViewUpdate {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case u := <-updates:
			if u.Kind == kind {
				return u
			}
		case <-deadline:
			t.Fatalf("timed out waiting for ViewUpdate kind %v", kind)
		}
	}
}

// TestCredentialService_USBRoundTrip drives a full makeCredential ceremony
// through the orchestrator against a fake USB driver, confirming the pump
// goroutine is the only writer of the output slot and CompleteAuth surfaces
// exactly the response the driver produced.
func TestCredentialService_USBRoundTrip(t *testing.T) {
	dev := newFakeDevice("solo", true)
	dev.makeResp = &wt.MakeCredentialResponse{ID: "cred-id"}
	enum := &fakeEnumerator{devices: []CTAP2Device{dev}}

	req := wt.RequestKind{MakeCredential: &wt.MakeCredentialParams{
		Parameters: []wt.CredentialParameter{{Type: "public-key", Alg: wt.AlgES256}},
	}}
	svc := NewCredentialService(req, func() *USBDriver { return NewUSBDriver(enum) })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, svc.SelectDevice(ctx, "usb"))
	waitForUpdate(t, svc.Updates, UpdateCompleted, 5*time.Second)

	resp, err := svc.CompleteAuth()
	require.NoError(t, err)
	require.Equal(t, "cred-id", resp.MakeCredential.ID)
}

func TestCredentialService_SelectDevice_UnknownID(t *testing.T) {
	svc := NewCredentialService(wt.RequestKind{}, func() *USBDriver { return NewUSBDriver(&fakeEnumerator{}) })
	err := svc.SelectDevice(context.Background(), "nonsense")
	require.Error(t, err)
}

// TestCredentialService_ListDevices_OmitsHybridUntilEnabled covers the fix
// for ListDevices advertising a transport SelectDevice could never complete:
// "hybrid" only appears once EnableHybrid has wired a driver constructor.
func TestCredentialService_ListDevices_OmitsHybridUntilEnabled(t *testing.T) {
	svc := NewCredentialService(wt.RequestKind{}, func() *USBDriver { return NewUSBDriver(&fakeEnumerator{}) })

	devices := svc.ListDevices()
	require.Len(t, devices, 1)
	require.Equal(t, "usb", devices[0].ID)

	svc.EnableHybrid(func() *HybridDriver { return NewHybridDriver() })
	devices = svc.ListDevices()
	require.Len(t, devices, 2)
	require.Equal(t, "hybrid", devices[1].ID)
}

// TestCredentialService_SelectDevice_HybridWithoutDriverRejected covers the
// SelectDevice side of the same fix: selecting "hybrid" before EnableHybrid
// fails immediately instead of starting a driver that can only ever reach
// StateFailed.
func TestCredentialService_SelectDevice_HybridWithoutDriverRejected(t *testing.T) {
	svc := NewCredentialService(wt.RequestKind{}, func() *USBDriver { return NewUSBDriver(&fakeEnumerator{}) })
	err := svc.SelectDevice(context.Background(), "hybrid")
	require.Error(t, err)
}

// TestCredentialService_SendPin_RejectsOutsideNeedsPin covers the guard in
// SendPin: it only forwards a PIN while lastState is NeedsPin.
func TestCredentialService_SendPin_RejectsOutsideNeedsPin(t *testing.T) {
	svc := NewCredentialService(wt.RequestKind{}, func() *USBDriver { return NewUSBDriver(&fakeEnumerator{}) })
	err := svc.SendPin("1234")
	require.Error(t, err)
}

// TestCredentialService_Cancel_ResetsToIdle covers SPEC_FULL.md section 9's
// cancel-by-context-cancellation contract: Cancel must stop the active
// driver and reset lastState so a subsequent SelectDevice starts clean.
func TestCredentialService_Cancel_ResetsToIdle(t *testing.T) {
	// Two non-winning devices force selectDevice into raceBlink, which
	// blocks both on ctx.Done() until Cancel fires — giving the test a
	// window to cancel before either could ever report presence.
	devA := newFakeDevice("a", false)
	devB := newFakeDevice("b", false)
	enum := &fakeEnumerator{devices: []CTAP2Device{devA, devB}}
	req := wt.RequestKind{GetAssertion: &wt.GetAssertionParams{RPID: "example.com"}}
	svc := NewCredentialService(req, func() *USBDriver { return NewUSBDriver(enum) })

	ctx := context.Background()
	require.NoError(t, svc.SelectDevice(ctx, "usb"))
	waitForUpdate(t, svc.Updates, UpdateSelectingDevice, time.Second)

	svc.Cancel()

	svc.mu.Lock()
	kind := svc.lastState.Kind
	svc.mu.Unlock()
	require.Equal(t, StateIdle, kind, "Cancel must leave lastState at Idle")

	_, err := svc.CompleteAuth()
	require.Error(t, err, "no response should be available after a cancelled ceremony")
}
