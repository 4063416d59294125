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
	"sync"

	log "github.com/sirupsen/logrus"

	wt "github.com/gravitational/credmgrd/lib/auth/webauthntypes"
)

// DeviceEnumerator lists and opens the HID FIDO devices currently plugged
// in. The production implementation wraps github.com/flynn/hid for
// enumeration and binds each handle through go-libfido2 to get a
// CTAP2Device (or the U2F fallback of u2f_fallback.go when the device
// doesn't speak CTAP2). SPEC_FULL.md section 4.4.
type DeviceEnumerator interface {
	Enumerate(ctx context.Context) ([]CTAP2Device, error)
}

// maxEnumerationFailures is the consecutive-failure budget before the USB
// driver gives up with an Internal error, SPEC_FULL.md section 4.4.
const maxEnumerationFailures = 5

// USBDriver runs the state machine of SPEC_FULL.md section 4.4 for one
// request and reports TransportState transitions on States.
type USBDriver struct {
	Enumerator DeviceEnumerator
	States     chan TransportState // bounded 256, SPEC_FULL.md section 5

	mu       sync.Mutex
	canceled bool
	lastPin  string
}

func (d *USBDriver) setPin(pin string) {
	d.mu.Lock()
	d.lastPin = pin
	d.mu.Unlock()
}

func (d *USBDriver) getPin() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastPin
}

// NewUSBDriver returns a driver with the channel capacity SPEC_FULL.md
// section 5 mandates for UX updates.
func NewUSBDriver(enum DeviceEnumerator) *USBDriver {
	return &USBDriver{Enumerator: enum, States: make(chan TransportState, 256)}
}

// Run drives the full make-or-get ceremony against whichever device wins
// selection, emitting states until Completed or Failed. Cancellation is by
// ctx; there is no separate cancel message (SPEC_FULL.md section 9).
func (d *USBDriver) Run(ctx context.Context, req wt.RequestKind, pinSink <-chan string, credSink <-chan string) {
	defer d.shutdown()

	dev, err := d.selectDevice(ctx)
	if err != nil {
		d.emit(TransportState{Kind: StateFailed, Err: err})
		return
	}

	// Registration order matters: dev.Close() must run before relayDone.Wait()
	// so the UX relay (blocked on dev.UXUpdates()) has something to wake it,
	// and both must run before shutdown() so no emit races the channel close.
	var relayDone sync.WaitGroup
	relayDone.Add(1)
	defer relayDone.Wait()
	defer dev.Close()

	go func() {
		defer relayDone.Done()
		d.relayUXUpdates(ctx, dev, pinSink)
	}()

	d.emit(TransportState{Kind: StateConnected, Device: dev.Info()})

	resp, err := d.runCeremony(ctx, dev, req, credSink)
	if err != nil {
		d.emit(TransportState{Kind: StateFailed, Err: err})
		return
	}
	d.emit(TransportState{Kind: StateCompleted, Response: resp})
}

// selectDevice implements enumeration, the Waiting retry loop, and the
// multi-device blink race of SPEC_FULL.md section 4.4 (scenario S6).
func (d *USBDriver) selectDevice(ctx context.Context) (CTAP2Device, error) {
	failures := 0
	for {
		if ctx.Err() != nil {
			return nil, wt.Internal(ctx.Err(), "device selection cancelled")
		}
		devices, err := d.Enumerator.Enumerate(ctx)
		if err != nil {
			failures++
			if failures >= maxEnumerationFailures {
				return nil, wt.Internal(err, "device enumeration failed %d times", failures)
			}
			continue
		}
		failures = 0

		switch len(devices) {
		case 0:
			d.emit(TransportState{Kind: StateWaiting})
			continue
		case 1:
			return devices[0], nil
		default:
			infos := make([]Device, len(devices))
			for i, dv := range devices {
				infos[i] = dv.Info()
			}
			d.emit(TransportState{Kind: StateSelectingDevice, Devices: infos})
			return d.raceBlink(ctx, devices)
		}
	}
}

// raceBlink sends a blink-and-wait-for-presence request to every device in
// parallel, bounded by BlinkTimeout; the first to report presence wins and
// every other device's context is cancelled exactly once (SPEC_FULL.md
// section 4.4/S6).
func (d *USBDriver) raceBlink(ctx context.Context, devices []CTAP2Device) (CTAP2Device, error) {
	raceCtx, cancelAll := context.WithTimeout(ctx, BlinkTimeout)
	defer cancelAll()

	type result struct {
		dev CTAP2Device
		err error
	}
	results := make(chan result, len(devices))
	cancels := make([]context.CancelFunc, len(devices))

	for i, dev := range devices {
		devCtx, cancel := context.WithCancel(raceCtx)
		cancels[i] = cancel
		go func(dv CTAP2Device, c context.Context) {
			err := dv.BlinkAndWaitForPresence(c)
			results <- result{dev: dv, err: err}
		}(dev, devCtx)
	}

	for range devices {
		r := <-results
		if r.err == nil {
			cancelAll()
			for _, c := range cancels {
				c() // idempotent; ensures every sibling's cancel handle is invoked
			}
			return r.dev, nil
		}
		log.WithField("component", "webauthncli/usb").Debugf("blink error, not a winner: %v", r.err)
	}
	return nil, wt.Internal(nil, "no device reported user presence")
}

// runCeremony issues the appropriate CTAP2 call in a loop that retries on
// retryable errors, translating terminal CTAP errors per SPEC_FULL.md
// section 4.4/7, and resolves multi-assertion responses via credSink
// (S7). It is a thin wrapper over the free function so both the USB and
// hybrid drivers (SPEC_FULL.md section 4.5) share one implementation.
func (d *USBDriver) runCeremony(ctx context.Context, dev CTAP2Device, req wt.RequestKind, credSink <-chan string) (*wt.CredentialResponse, error) {
	return runCTAP2Ceremony(ctx, dev, req, d.getPin, func(candidates []AssertionCandidate) ([]byte, error) {
		return resolveCredentialChoice(d.States, candidates, credSink)
	})
}

// runCTAP2Ceremony issues the appropriate CTAP2 call in a loop that retries
// on retryable errors, translating terminal CTAP errors per SPEC_FULL.md
// section 4.4/7.
func runCTAP2Ceremony(
	ctx context.Context,
	dev CTAP2Device,
	req wt.RequestKind,
	getPin func() string,
	resolve func([]AssertionCandidate) ([]byte, error),
) (*wt.CredentialResponse, error) {
	for {
		pin := getPin()
		switch {
		case req.MakeCredential != nil:
			resp, err := dev.MakeCredential(ctx, *req.MakeCredential, pin)
			if err == nil {
				return &wt.CredentialResponse{MakeCredential: resp}, nil
			}
			if IsRetryableCTAPError(err) {
				continue
			}
			return nil, translateCTAPError(err)

		case req.GetAssertion != nil:
			resp, candidates, err := dev.GetAssertion(ctx, *req.GetAssertion, pin, nil)
			if err == nil && len(candidates) > 1 {
				chosen, err := resolve(candidates)
				if err != nil {
					return nil, err
				}
				resp, _, err = dev.GetAssertion(ctx, *req.GetAssertion, pin, chosen)
				if err != nil {
					if IsRetryableCTAPError(err) {
						continue
					}
					return nil, translateCTAPError(err)
				}
				return &wt.CredentialResponse{GetAssertion: resp}, nil
			}
			if err == nil {
				return &wt.CredentialResponse{GetAssertion: resp}, nil
			}
			if IsRetryableCTAPError(err) {
				continue
			}
			return nil, translateCTAPError(err)

		default:
			return nil, wt.Unknown("request carries neither makeCredential nor getAssertion params")
		}
	}
}

// resolveCredentialChoice emits SelectCredential with hashed ids (never
// raw ids, SPEC_FULL.md section 4.4/8) and blocks for the UI's reply,
// re-hashing candidates to recover the chosen raw id.
func resolveCredentialChoice(states chan<- TransportState, candidates []AssertionCandidate, credSink <-chan string) ([]byte, error) {
	choices := make([]CredentialChoice, len(candidates))
	hashToID := make(map[string][]byte, len(candidates))
	for i, c := range candidates {
		h := hashCredentialID(c.CredentialID)
		choices[i] = CredentialChoice{ID: h, Label: c.Label}
		hashToID[h] = c.CredentialID
	}
	states <- TransportState{Kind: StateSelectCredential, Credentials: choices}

	chosenHash, ok := <-credSink
	if !ok {
		return nil, wt.NotAllowed("credential selection channel closed")
	}
	id, ok := hashToID[chosenHash]
	if !ok {
		return nil, wt.NoCredentials()
	}
	return id, nil
}

// hashCredentialID is the id the untrusted UI is shown in place of a raw
// credential id, SPEC_FULL.md section 4.4/invariant 8.
func hashCredentialID(raw []byte) string {
	sum := sha256.Sum256(raw)
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// relayUXUpdates forwards a device's PIN/UV/presence requirements to the
// orchestrator as TransportState transitions, relaying PIN submissions
// back to the device. SPEC_FULL.md section 4.4.
func (d *USBDriver) relayUXUpdates(ctx context.Context, dev CTAP2Device, pinSink <-chan string) {
	for {
		select {
		case <-ctx.Done():
			return
		case upd, ok := <-dev.UXUpdates():
			if !ok {
				return
			}
			switch upd.Kind {
			case UXUserVerifyRetry:
				d.emit(TransportState{Kind: StateNeedsUserVerification, AttemptsLeft: upd.AttemptsLeft})
			case UXPresenceRequired:
				d.emit(TransportState{Kind: StateNeedsUserPresence})
			case UXPinRequired:
				if upd.AttemptsLeft <= 1 {
					d.emit(TransportState{Kind: StateFailed, Err: wt.PinAttemptsExhausted()})
					return
				}
				d.emit(TransportState{Kind: StateNeedsPin, AttemptsLeft: upd.AttemptsLeft})
				select {
				case <-ctx.Done():
					return
				case pin, ok := <-pinSink:
					if !ok {
						return
					}
					d.setPin(pin)
				}
			}
		}
	}
}

// translateCTAPError maps a terminal CTAP2 error to the client-facing
// taxonomy, SPEC_FULL.md section 4.4/7.
func translateCTAPError(err error) error {
	ce, ok := err.(*CTAPError)
	if !ok {
		return wt.AuthenticatorErr(err)
	}
	switch ce.Code {
	case CTAPErrPINAuthBlocked:
		return wt.PinAttemptsExhausted()
	case CTAPErrNoCredentials:
		return wt.NoCredentials()
	default:
		return wt.AuthenticatorErr(err)
	}
}

// emit and shutdown share d.mu so that no send can race the channel close:
// shutdown only closes States after it holds the lock, and any emit already
// past its own canceled check has either completed its send under the same
// lock or not yet acquired it (and will see canceled=true once it does).
func (d *USBDriver) emit(s TransportState) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.canceled {
		return
	}
	d.States <- s
}

// shutdown is Run's sole exit path: it marks the driver canceled and closes
// States under the same lock emit uses, so a goroutine racing to emit after
// Run has returned observes canceled rather than sending on a closed channel.
func (d *USBDriver) shutdown() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.canceled = true
	close(d.States)
}
