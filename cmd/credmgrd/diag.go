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

package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	wan "github.com/gravitational/credmgrd/lib/auth/webauthn"
	wt "github.com/gravitational/credmgrd/lib/auth/webauthntypes"
)

// diagResult reports whether registration and the subsequent login each
// succeeded.
type diagResult struct {
	RegisterSuccessful bool
	LoginSuccessful    bool
}

func diagCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "diag",
		Short: "run a scripted register-then-login ceremony against the software authenticator",
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := runDiag(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("register: %v\nlogin:    %v\n", res.RegisterSuccessful, res.LoginSuccessful)
			return nil
		},
	}
	return cmd
}

// runDiag scripts a register+login ceremony against the in-process software
// authenticator as a two-step sanity check.
func runDiag(ctx context.Context) (*diagResult, error) {
	res := &diagResult{}

	store := wan.NewMemStore()
	auth := &wan.SoftwareAuthenticator{
		Store:         store,
		Prompt:        diagPrompt{},
		CanUserVerify: true,
	}

	const rpID = "localhost"
	made, err := auth.MakeCredential(wt.MakeCredentialParams{
		Challenge: make([]byte, 32),
		RP:        wt.RelyingParty{ID: rpID, Name: rpID},
		User:      wt.UserEntity{ID: "dGVzdA", Name: "test", DisplayName: "test"},
		Parameters: []wt.CredentialParameter{
			{Type: "public-key", Alg: wt.AlgES256},
		},
		Origin: "https://" + rpID,
	})
	if err != nil {
		return res, err
	}
	res.RegisterSuccessful = true

	_, err = auth.GetAssertion(wt.GetAssertionParams{
		Challenge: make([]byte, 32),
		RPID:      rpID,
		AllowCredentials: []wt.CredentialDescriptor{
			{Type: "public-key", ID: made.RawCredentialID},
		},
		Origin: "https://" + rpID,
	}, nil)
	if err != nil {
		return res, err
	}
	res.LoginSuccessful = true

	return res, nil
}

// diagPrompt auto-approves every disclosure/authorization prompt, since
// diag runs unattended against an in-process authenticator rather than a
// physical device needing a real touch.
type diagPrompt struct{}

func (diagPrompt) ConfirmDisclosure(rpID string) (bool, error) { return true, nil }
func (diagPrompt) Authorize(requireUV bool) (bool, error)      { return true, nil }
