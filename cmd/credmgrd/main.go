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

// Command credmgrd serves the credential manager authenticator service
// described by SPEC_FULL.md: the "serve" subcommand runs the orchestrator
// behind the desktop-portal D-Bus boundary, and "diag" runs a scripted
// register-then-login ceremony against the in-process software
// authenticator.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := &cobra.Command{
		Use:          "credmgrd",
		Short:        "WebAuthn/FIDO2 credential manager authenticator service",
		SilenceUsage: true,
	}
	root.PersistentFlags().String("config", "/etc/credmgrd/credmgrd.yaml", "path to the YAML config file")

	root.AddCommand(serveCmd())
	root.AddCommand(diagCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
