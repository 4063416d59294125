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

// Package portal marks the desktop-portal IPC boundary SPEC_FULL.md section
// 10.1 describes without fully implementing it: something has to turn an
// inbound request into a RequestKind before the orchestrator ever sees it,
// and this package is where that happens. It is intentionally thin.
package portal

import (
	"encoding/json"

	"github.com/godbus/dbus/v5"
	"github.com/gravitational/trace"

	wt "github.com/gravitational/credmgrd/lib/auth/webauthntypes"
)

// RequestEnvelope carries exactly one ceremony request plus the caller
// metadata the portal interface attaches to it.
type RequestEnvelope struct {
	AppID   string
	Request wt.RequestKind
}

// Source is the boundary the orchestrator consumes: a channel of decoded
// requests, never a bus client. Production code is a DBusSource; tests use
// a StaticSource.
type Source interface {
	Requests() <-chan RequestEnvelope
}

// portalRequest is the JSON shape carried as the single string argument to
// GetCredential, kept deliberately small: no session objects, no capability
// negotiation.
type portalRequest struct {
	AppID          string                     `json:"app_id"`
	MakeCredential *wt.MakeCredentialParams   `json:"make_credential,omitempty"`
	GetAssertion   *wt.GetAssertionParams     `json:"get_assertion,omitempty"`
}

// busObjectPath and interfaceName are the minimal portal surface this
// service exports; a real desktop portal implementation carries far more
// (session handles, capability introspection), none of it in this pack's
// scope.
const (
	busObjectPath = dbus.ObjectPath("/org/freedesktop/portal/desktop")
	interfaceName = "org.freedesktop.impl.portal.CredentialManager"
)

// DBusSource exports GetCredential on the session bus and decodes each call
// into a RequestEnvelope, delivered on the Requests channel.
type DBusSource struct {
	conn *dbus.Conn
	ch   chan RequestEnvelope
}

// NewDBusSource connects to the session bus, exports the portal method, and
// requests the well-known name new callers dial.
func NewDBusSource(busName string) (*DBusSource, error) {
	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return nil, trace.Wrap(err, "connecting to session bus")
	}

	s := &DBusSource{conn: conn, ch: make(chan RequestEnvelope, 32)}
	if err := conn.Export(s, busObjectPath, interfaceName); err != nil {
		conn.Close()
		return nil, trace.Wrap(err, "exporting %s", interfaceName)
	}

	reply, err := conn.RequestName(busName, dbus.NameFlagDoNotQueue)
	if err != nil {
		conn.Close()
		return nil, trace.Wrap(err, "requesting bus name %q", busName)
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		conn.Close()
		return nil, trace.BadParameter("bus name %q already owned", busName)
	}
	return s, nil
}

// Requests implements Source.
func (s *DBusSource) Requests() <-chan RequestEnvelope { return s.ch }

// Close releases the bus connection.
func (s *DBusSource) Close() error { return s.conn.Close() }

// GetCredential is the exported D-Bus method: org.freedesktop.impl.portal.
// CredentialManager.GetCredential(string) -> (uint32). It decodes body,
// pushes the envelope, and acknowledges the call; the actual ceremony runs
// asynchronously against the orchestrator, picked up off Requests.
func (s *DBusSource) GetCredential(body string) (uint32, *dbus.Error) {
	var req portalRequest
	if err := json.Unmarshal([]byte(body), &req); err != nil {
		return 0, dbus.MakeFailedError(trace.Wrap(err, "decoding portal request"))
	}
	if req.MakeCredential == nil && req.GetAssertion == nil {
		return 0, dbus.MakeFailedError(trace.BadParameter("request carries neither make_credential nor get_assertion"))
	}

	env := RequestEnvelope{
		AppID: req.AppID,
		Request: wt.RequestKind{
			MakeCredential: req.MakeCredential,
			GetAssertion:   req.GetAssertion,
		},
	}
	select {
	case s.ch <- env:
	default:
		return 0, dbus.MakeFailedError(trace.LimitExceeded("request queue full"))
	}
	return 0, nil
}

// StaticSource replays a fixed list of envelopes, for tests that need a
// Source without a running bus.
type StaticSource struct {
	ch chan RequestEnvelope
}

// NewStaticSource returns a Source that immediately queues envelopes for
// delivery and then closes its channel once all have been read.
func NewStaticSource(envelopes ...RequestEnvelope) *StaticSource {
	ch := make(chan RequestEnvelope, len(envelopes))
	for _, e := range envelopes {
		ch <- e
	}
	close(ch)
	return &StaticSource{ch: ch}
}

// Requests implements Source.
func (s *StaticSource) Requests() <-chan RequestEnvelope { return s.ch }
