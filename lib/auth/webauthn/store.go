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
	"sync"

	wt "github.com/gravitational/credmgrd/lib/auth/webauthntypes"
)

// CredentialStore looks up and persists CredentialSource records, keyed by
// credential id and indexed by rpId. SPEC_FULL.md section 6. There is no
// lookup by (rpId, userHandle): storing a second credential for the same
// rpId and user handle keeps both records.
type CredentialStore interface {
	Store(src wt.CredentialSource) error
	Lookup(credentialID []byte) (wt.CredentialSource, bool)
	LookupByRP(rpID string) []wt.CredentialSource
	// IncrementCounter bumps the per-credential signature counter and
	// returns its new value.
	IncrementCounter(credentialID []byte) (uint32, error)
}

// memStore is an in-memory CredentialStore, the only persistence this
// service ships (SPEC_FULL.md declares the real persistent store an
// external collaborator). Safe for concurrent use.
type memStore struct {
	mu      sync.RWMutex
	byCred  map[string]wt.CredentialSource
	byRP    map[string][]string // rpID -> credential id keys
}

// NewMemStore returns an empty in-memory CredentialStore.
func NewMemStore() CredentialStore {
	return &memStore{
		byCred: make(map[string]wt.CredentialSource),
		byRP:   make(map[string][]string),
	}
}

func (s *memStore) Store(src wt.CredentialSource) error {
	key := string(src.CredentialID)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.byCred[key] = src
	s.byRP[src.RPID] = append(s.byRP[src.RPID], key)
	return nil
}

func (s *memStore) Lookup(credentialID []byte) (wt.CredentialSource, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	src, ok := s.byCred[string(credentialID)]
	return src, ok
}

func (s *memStore) LookupByRP(rpID string) []wt.CredentialSource {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := s.byRP[rpID]
	out := make([]wt.CredentialSource, 0, len(keys))
	for _, k := range keys {
		out = append(out, s.byCred[k])
	}
	return out
}

func (s *memStore) IncrementCounter(credentialID []byte) (uint32, error) {
	key := string(credentialID)

	s.mu.Lock()
	defer s.mu.Unlock()
	src, ok := s.byCred[key]
	if !ok {
		return 0, wt.NotAllowed("no credential for id")
	}
	src.SignCount++
	s.byCred[key] = src
	return src.SignCount, nil
}
