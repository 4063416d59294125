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

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	wt "github.com/gravitational/credmgrd/lib/auth/webauthntypes"
)

// TransportStateKind tags a TransportState's active variant, SPEC_FULL.md
// section 3.
type TransportStateKind string

const (
	StateIdle                 TransportStateKind = "Idle"
	StateWaiting              TransportStateKind = "Waiting"
	StateSelectingDevice      TransportStateKind = "SelectingDevice"
	StateConnected            TransportStateKind = "Connected"
	StateNeedsPin             TransportStateKind = "NeedsPin"
	StateNeedsUserVerification TransportStateKind = "NeedsUserVerification"
	StateNeedsUserPresence    TransportStateKind = "NeedsUserPresence"
	StateSelectCredential     TransportStateKind = "SelectCredential"
	StateCompleted            TransportStateKind = "Completed"
	StateFailed               TransportStateKind = "Failed"
)

// TransportState is a Go struct standing in for the tagged union of
// SPEC_FULL.md section 3; only the fields relevant to Kind are populated.
type TransportState struct {
	Kind         TransportStateKind
	Devices      []Device
	Device       Device
	AttemptsLeft int
	Credentials  []CredentialChoice
	Response     *wt.CredentialResponse
	Err          error
}

// transportDriver is the capability set every transport variant
// implements, SPEC_FULL.md section 9 ("trait-object dispatch for
// transport handlers"): Usb, Hybrid, Mock. The software/"Internal"
// authenticator is invoked directly by the orchestrator rather than
// through this interface, since it has no device-selection phase.
type transportDriver interface {
	Run(ctx context.Context, req wt.RequestKind, pinSink <-chan string, credSink <-chan string)
	statesCh() <-chan TransportState
}

type usbDriverAdapter struct{ *USBDriver }

func (a usbDriverAdapter) statesCh() <-chan TransportState { return a.States }

// CredentialService is the orchestrator of SPEC_FULL.md section 4.6. It
// owns the active request plus the single output slot for its final
// response, and is the only component permitted to mutate that slot.
type CredentialService struct {
	newUSBDriver    func() *USBDriver
	newHybridDriver func() *HybridDriver

	mu          sync.Mutex
	req         wt.RequestKind
	active      transportDriver
	cancelFn    context.CancelFunc
	pinSink     chan string
	credSink    chan string
	lastState   TransportState
	outputSlot  *wt.CredentialResponse

	Updates chan ViewUpdate
}

// NewCredentialService constructs an orchestrator for req. newUSBDriver
// lets callers substitute a fake DeviceEnumerator-backed driver in tests.
func NewCredentialService(req wt.RequestKind, newUSBDriver func() *USBDriver) *CredentialService {
	return &CredentialService{
		req:          req,
		newUSBDriver: newUSBDriver,
		lastState:    TransportState{Kind: StateIdle},
		Updates:      make(chan ViewUpdate, 256),
	}
}

// EnableHybrid wires a HybridDriver constructor, making "hybrid" selectable.
// This pack has no BLEAdvertWaiter implementation (hybrid.go treats the BLE
// tunnel as an external collaborator), so nothing calls this today; it
// exists so that whoever does wire one doesn't also need to touch
// ListDevices/SelectDevice.
func (c *CredentialService) EnableHybrid(newHybridDriver func() *HybridDriver) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.newHybridDriver = newHybridDriver
}

// ListDevices returns the set of transports available for this request.
// A real deployment asks each transport's enumerator; this minimal form
// reports the always-available transports by name, deferring actual
// device enumeration to SelectDevice (which starts the corresponding
// driver and lets its own Waiting/SelectingDevice states refine the list).
// "hybrid" is only reported once EnableHybrid has wired a real driver
// constructor: advertising it unconditionally would offer a transport that
// SelectDevice can never complete.
func (c *CredentialService) ListDevices() []Device {
	c.mu.Lock()
	defer c.mu.Unlock()
	devices := []Device{{ID: "usb", Transport: "usb", Label: "USB security key"}}
	if c.newHybridDriver != nil {
		devices = append(devices, Device{ID: "hybrid", Transport: "hybrid", Label: "Phone or tablet"})
	}
	return devices
}

// SelectDevice cancels any in-flight driver, then starts the one named by
// id. SPEC_FULL.md section 4.6.
func (c *CredentialService) SelectDevice(ctx context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cancelFn != nil {
		c.cancelFn()
	}

	driverCtx, cancel := context.WithCancel(ctx)
	c.cancelFn = cancel
	c.pinSink = make(chan string, 1)
	c.credSink = make(chan string, 1)

	switch id {
	case "usb":
		drv := c.newUSBDriver()
		c.active = usbDriverAdapter{drv}
		go drv.Run(driverCtx, c.req, c.pinSink, c.credSink)
	case "hybrid":
		if c.newHybridDriver == nil {
			return wt.NotSupported("hybrid transport has no BLE advert waiter configured")
		}
		drv := c.newHybridDriver()
		c.active = drv
		go drv.Run(driverCtx, c.req, c.pinSink, c.credSink)
	default:
		return wt.Unknown("unknown device id %q", id)
	}

	c.pushUpdate(ViewUpdate{Kind: UpdateWaitingForDevice})
	go c.pump(c.active.statesCh())
	return nil
}

// pump forwards a driver's TransportState stream into ViewUpdates and the
// output slot, the only place that slot is written.
func (c *CredentialService) pump(states <-chan TransportState) {
	for s := range states {
		c.mu.Lock()
		if c.cancelFn == nil {
			// Cancel has run: a cancelled driver's late states must not
			// overwrite the Idle state Cancel set.
			c.mu.Unlock()
			continue
		}
		c.lastState = s
		c.mu.Unlock()

		switch s.Kind {
		case StateWaiting:
			c.pushUpdate(ViewUpdate{Kind: UpdateWaitingForDevice})
		case StateSelectingDevice:
			c.pushUpdate(ViewUpdate{Kind: UpdateSelectingDevice, Devices: s.Devices})
		case StateNeedsPin:
			c.pushUpdate(ViewUpdate{Kind: UpdateUsbNeedsPin, AttemptsLeft: s.AttemptsLeft})
		case StateNeedsUserVerification:
			c.pushUpdate(ViewUpdate{Kind: UpdateUsbNeedsUserVerif, AttemptsLeft: s.AttemptsLeft})
		case StateNeedsUserPresence:
			c.pushUpdate(ViewUpdate{Kind: UpdateUsbNeedsUserPresence})
		case StateSelectCredential:
			c.pushUpdate(ViewUpdate{Kind: UpdateSelectCredential, Credentials: s.Credentials})
		case StateCompleted:
			c.mu.Lock()
			c.outputSlot = s.Response
			c.mu.Unlock()
			c.pushUpdate(ViewUpdate{Kind: UpdateCompleted})
		case StateFailed:
			log.WithField("component", "webauthncli/orchestrator").Warnf("ceremony failed: %v", s.Err)
			c.pushUpdate(ViewUpdate{Kind: UpdateFailed, Err: s.Err})
		}
	}
}

// SendPin forwards pin to the current transport's PIN sink. Rejects if the
// current state is not NeedsPin or attemptsLeft<=1, SPEC_FULL.md 4.6.
func (c *CredentialService) SendPin(pin string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastState.Kind != StateNeedsPin {
		return wt.NotAllowed("not waiting for a PIN")
	}
	if c.lastState.AttemptsLeft <= 1 {
		return wt.PinAttemptsExhausted()
	}
	select {
	case c.pinSink <- pin:
		return nil
	default:
		return wt.Internal(nil, "PIN sink full")
	}
}

// SelectCredential forwards a hashed credential choice to the current
// transport's credential sink, SPEC_FULL.md section 4.6.
func (c *CredentialService) SelectCredential(hashedID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastState.Kind != StateSelectCredential {
		return wt.NotAllowed("not waiting for a credential choice")
	}
	select {
	case c.credSink <- hashedID:
		return nil
	default:
		return wt.Internal(nil, "credential sink full")
	}
}

// Cancel resets the device's state to Idle and cancels the active driver's
// context; drivers observe the cancellation and terminate, and pump ignores
// any state they emit afterwards (SPEC_FULL.md section 9).
func (c *CredentialService) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancelFn != nil {
		c.cancelFn()
		c.cancelFn = nil
	}
	c.lastState = TransportState{Kind: StateIdle}
}

// CompleteAuth publishes the response stored in the output slot.
func (c *CredentialService) CompleteAuth() (*wt.CredentialResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.outputSlot == nil {
		return nil, wt.Internal(nil, "no completed response available")
	}
	return c.outputSlot, nil
}

func (c *CredentialService) pushUpdate(u ViewUpdate) {
	select {
	case c.Updates <- u:
	default:
		log.WithField("component", "webauthncli/orchestrator").Warn("view update dropped, UI channel full")
	}
}

// newRequestID is used by transport drivers (principally the hybrid one)
// to tag a fresh tunnel/session attempt, SPEC_FULL.md section 4.5.
func newRequestID() string { return uuid.NewString() }
