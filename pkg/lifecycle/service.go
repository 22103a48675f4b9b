/*
 * Copyright 2025 Carver Automation Corporation.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/carverauto/relayd/pkg/logger"
)

const defaultShutdownTimeout = 30 * time.Second

// Service is a long-running relay component.
type Service interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// NamedService pairs a service with the name used in logs.
type NamedService struct {
	Name    string
	Service Service
}

// Options controls RunServices.
type Options struct {
	ShutdownTimeout time.Duration
	Logger          logger.Logger
}

// RunServices starts every service in order, blocks until the context is
// cancelled, SIGINT/SIGTERM arrives, or a service's Start returns, then
// stops them in reverse order.
func RunServices(ctx context.Context, opts Options, services ...NamedService) error {
	log := opts.Logger
	if log == nil {
		log = logger.NewTestLogger()
	}

	timeout := opts.ShutdownTimeout
	if timeout <= 0 {
		timeout = defaultShutdownTimeout
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, len(services))

	for _, s := range services {
		log.Info().Str("service", s.Name).Msg("Starting service")

		go func(s NamedService) {
			if err := s.Service.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("%s: %w", s.Name, err)
				return
			}

			errCh <- nil
		}(s)
	}

	var runErr error

	select {
	case <-ctx.Done():
		log.Info().Msg("Shutdown signal received")
	case runErr = <-errCh:
		if runErr != nil {
			log.Error().Err(runErr).Msg("Service exited with error")
		}
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var stopErrs []error

	for i := len(services) - 1; i >= 0; i-- {
		s := services[i]

		if err := s.Service.Stop(stopCtx); err != nil {
			log.Error().Err(err).Str("service", s.Name).Msg("Error stopping service")
			stopErrs = append(stopErrs, fmt.Errorf("%s: %w", s.Name, err))

			continue
		}

		log.Info().Str("service", s.Name).Msg("Service stopped")
	}

	if runErr != nil {
		return runErr
	}

	return errors.Join(stopErrs...)
}
