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
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gravitational/trace"
	logrus "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/gravitational/credmgrd/config"
	"github.com/gravitational/credmgrd/internal/portal"
	"github.com/gravitational/credmgrd/lib/auth/webauthncli"
	log "github.com/gravitational/credmgrd/lib/utils/log"
)

func serveCmd() *cobra.Command {
	var busName string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "run the credential manager service against the desktop portal bus",
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath, err := cmd.Flags().GetString("config")
			if err != nil {
				return trace.Wrap(err)
			}
			return runServe(cmd.Context(), configPath, busName)
		},
	}
	cmd.Flags().StringVar(&busName, "bus-name", "org.freedesktop.impl.portal.desktop.credmgrd", "D-Bus name to request")
	return cmd
}

func runServe(ctx context.Context, configPath, busName string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return trace.Wrap(err)
	}

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return trace.Wrap(err, "parsing log_level %q", cfg.LogLevel)
	}
	log.Init(log.ForDaemon, level)
	logger := log.For("cmd/credmgrd")

	src, err := portal.NewDBusSource(busName)
	if err != nil {
		return trace.Wrap(err, "starting portal source")
	}
	defer src.Close()

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	logger.Infof("listening for credential requests as %q", busName)
	for {
		select {
		case <-ctx.Done():
			logger.Info("shutting down")
			return nil
		case env, ok := <-src.Requests():
			if !ok {
				return nil
			}
			go serveOne(ctx, cfg, logger, env)
		}
	}
}

// serveOne drives one ceremony end to end: pick a transport per the
// config's enablement flags, run it to completion, log the outcome.
// SPEC_FULL.md's orchestrator has no synchronous reply path back to the
// portal request in this pack's scope (section 10.1), so the result is
// only observable via this log line and the orchestrator's own
// CompleteAuth/ViewUpdate surface a richer UI would consume.
func serveOne(ctx context.Context, cfg *config.Config, logger *logrus.Entry, env portal.RequestEnvelope) {
	svc := webauthncli.NewCredentialService(env.Request, func() *webauthncli.USBDriver {
		return webauthncli.NewUSBDriver(webauthncli.HIDEnumerator{})
	})

	transport := "hybrid"
	if cfg.Transports.USBEnabled {
		transport = "usb"
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	if err := svc.SelectDevice(ctx, transport); err != nil {
		logger.WithField("app_id", env.AppID).Warnf("ceremony failed to start: %v", err)
		return
	}

	for {
		select {
		case <-ctx.Done():
			logger.WithField("app_id", env.AppID).Warn("ceremony timed out")
			return
		case upd, ok := <-svc.Updates:
			if !ok {
				return
			}
			switch upd.Kind {
			case webauthncli.UpdateCompleted:
				logger.WithField("app_id", env.AppID).Info("ceremony completed")
				return
			case webauthncli.UpdateFailed:
				logger.WithField("app_id", env.AppID).Warnf("ceremony failed: %v", upd.Err)
				return
			}
		}
	}
}
