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

// Package log configures the process-wide logrus logger, SPEC_FULL.md
// section 5. Every package in this service logs through
// log.WithField("component", ...) rather than the bare logrus functions, so
// a ceremony failure can always be traced back to the transport driver or
// authenticator package that raised it.
package log

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// Purpose distinguishes interactive CLI logging from the long-running
// service daemon, mirroring the two verbosity policies teleport's own
// InitLogger draws between LoggingForCLI and LoggingForDaemon.
type Purpose int

const (
	ForDaemon Purpose = iota
	ForCLI
)

// Init configures the standard logger for purpose at level. CLI invocations
// stay silent unless debug verbosity was requested; the daemon always logs
// to stderr.
func Init(purpose Purpose, level logrus.Level) {
	logrus.StandardLogger().ReplaceHooks(make(logrus.LevelHooks))
	logrus.SetLevel(level)
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	switch purpose {
	case ForCLI:
		if level == logrus.DebugLevel {
			logrus.SetOutput(os.Stderr)
		} else {
			logrus.SetOutput(io.Discard)
		}
	case ForDaemon:
		logrus.SetOutput(os.Stderr)
	}
}

// For returns a logger entry tagged with the given component name.
// cmd/credmgrd logs through it; the library packages call
// logrus.WithField("component", ...) directly.
func For(component string) *logrus.Entry {
	return logrus.WithField("component", component)
}
