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
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	wt "github.com/gravitational/credmgrd/lib/auth/webauthntypes"
)

// fakeDevice is an in-process CTAP2Device double. A device with wins set
// reports presence immediately; any other device blocks in
// BlinkAndWaitForPresence until ctx is cancelled, then counts the
// cancellation.
type fakeDevice struct {
	id   string
	wins bool

	cancelCount  int32
	cancelSeen   chan struct{}

	makeResp *wt.MakeCredentialResponse
	getResp  *wt.GetAssertionResponse
	getCands []AssertionCandidate

	ux chan UXUpdate
}

func newFakeDevice(id string, wins bool) *fakeDevice {
	return &fakeDevice{id: id, wins: wins, ux: make(chan UXUpdate), cancelSeen: make(chan struct{})}
}

func (f *fakeDevice) Info() Device { return Device{ID: f.id, Transport: "usb", Label: f.id} }

func (f *fakeDevice) BlinkAndWaitForPresence(ctx context.Context) error {
	if f.wins {
		return nil
	}
	<-ctx.Done()
	atomic.AddInt32(&f.cancelCount, 1)
	close(f.cancelSeen)
	return ctx.Err()
}

func (f *fakeDevice) UXUpdates() <-chan UXUpdate { return f.ux }

func (f *fakeDevice) MakeCredential(ctx context.Context, p wt.MakeCredentialParams, pin string) (*wt.MakeCredentialResponse, error) {
	return f.makeResp, nil
}

func (f *fakeDevice) GetAssertion(ctx context.Context, p wt.GetAssertionParams, pin string, credChosen []byte) (*wt.GetAssertionResponse, []AssertionCandidate, error) {
	if credChosen != nil {
		for _, c := range f.getCands {
			if string(c.CredentialID) == string(credChosen) {
				return &wt.GetAssertionResponse{ID: string(credChosen), RawID: string(credChosen)}, nil, nil
			}
		}
		return nil, nil, &CTAPError{Code: CTAPErrOther, Msg: "unknown credential chosen"}
	}
	return f.getResp, f.getCands, nil
}

func (f *fakeDevice) Close() error { close(f.ux); return nil }

// fakeEnumerator returns a fixed device list exactly once, then an empty
// list forever, modelling "plugged in at start of selection".
type fakeEnumerator struct {
	devices []CTAP2Device
	served  bool
	mu      sync.Mutex
}

func (e *fakeEnumerator) Enumerate(ctx context.Context) ([]CTAP2Device, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.served {
		return nil, nil
	}
	e.served = true
	return e.devices, nil
}

func drainStates(t *testing.T, states <-chan TransportState, timeout time.Duration) []TransportState {
	t.Helper()
	var got []TransportState
	deadline := time.After(timeout)
	for {
		select {
		case s, ok := <-states:
			if !ok {
				return got
			}
			got = append(got, s)
		case <-deadline:
			t.Fatal("timed out draining transport states")
		}
	}
}

// TestUSBDriver_MultiDeviceBlinkRace covers S6: two devices enumerate, one
// reports presence immediately, the driver connects to it and cancels the
// loser's blink context exactly once.
func TestUSBDriver_MultiDeviceBlinkRace(t *testing.T) {
	winner := newFakeDevice("winner", true)
	winner.makeResp = &wt.MakeCredentialResponse{ID: "cred"}
	loser := newFakeDevice("loser", false)

	enum := &fakeEnumerator{devices: []CTAP2Device{loser, winner}}
	drv := NewUSBDriver(enum)

	req := wt.RequestKind{MakeCredential: &wt.MakeCredentialParams{
		Parameters: []wt.CredentialParameter{{Type: "public-key", Alg: wt.AlgES256}},
	}}
	pinSink := make(chan string, 1)
	credSink := make(chan string, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go drv.Run(ctx, req, pinSink, credSink)

	states := drainStates(t, drv.States, 5*time.Second)

	var sawConnectedWinner bool
	var completed *TransportState
	for i := range states {
		s := states[i]
		if s.Kind == StateConnected {
			require.Equal(t, "winner", s.Device.ID)
			sawConnectedWinner = true
		}
		if s.Kind == StateCompleted {
			completed = &states[i]
		}
	}
	require.True(t, sawConnectedWinner, "driver should connect to the device that won the blink race")
	require.NotNil(t, completed)
	require.Equal(t, "cred", completed.Response.MakeCredential.ID)

	// The loser's context is cancelled exactly once by raceBlink's
	// cancel-every-sibling loop.
	select {
	case <-loser.cancelSeen:
	case <-time.After(time.Second):
		t.Fatal("loser's blink context was never cancelled")
	}
	require.EqualValues(t, 1, atomic.LoadInt32(&loser.cancelCount))
}

// TestUSBDriver_MultiCredentialDisambiguation covers S7: a getAssertion call
// returns two candidate assertions, the driver emits SelectCredential with
// hashed (never raw) ids, and resolves to the credential the UI picked.
func TestUSBDriver_MultiCredentialDisambiguation(t *testing.T) {
	dev := newFakeDevice("solo", true)
	dev.getCands = []AssertionCandidate{
		{CredentialID: []byte("a"), Label: "alice"},
		{CredentialID: []byte("b"), Label: "bob"},
	}

	enum := &fakeEnumerator{devices: []CTAP2Device{dev}}
	drv := NewUSBDriver(enum)

	req := wt.RequestKind{GetAssertion: &wt.GetAssertionParams{RPID: "example.com"}}
	pinSink := make(chan string, 1)
	credSink := make(chan string, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go drv.Run(ctx, req, pinSink, credSink)

	var chosen string
	var completed *TransportState
	deadline := time.After(5 * time.Second)
loop:
	for {
		select {
		case s, ok := <-drv.States:
			if !ok {
				break loop
			}
			switch s.Kind {
			case StateSelectCredential:
				require.Len(t, s.Credentials, 2)
				for _, c := range s.Credentials {
					require.NotEqual(t, "a", c.ID, "raw credential id must never reach the UI")
					require.NotEqual(t, "b", c.ID, "raw credential id must never reach the UI")
					if c.Label == "bob" {
						chosen = c.ID
					}
				}
				credSink <- chosen
			case StateCompleted:
				completed = &s
			}
		case <-deadline:
			t.Fatal("timed out waiting for transport states")
		}
	}

	require.NotEmpty(t, chosen)
	require.NotNil(t, completed)
	require.Equal(t, "b", completed.Response.GetAssertion.ID)
}
