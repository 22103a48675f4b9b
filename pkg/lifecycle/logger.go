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
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/carverauto/relayd/pkg/logger"
	"github.com/carverauto/relayd/pkg/version"
)

// CreateLogger builds the process logger from config, after environment
// overrides. Every record carries the build version and host name so logs
// shipped from many relays stay attributable.
func CreateLogger(config *logger.Config) (logger.Logger, error) {
	if config == nil {
		config = logger.DefaultConfig()
	} else {
		config = logger.ApplyEnv(config)
	}

	level, err := logger.ParseLevel(config)
	if err != nil {
		return nil, err
	}

	zerolog.TimeFieldFormat = time.RFC3339
	if config.TimeFormat != "" {
		zerolog.TimeFieldFormat = config.TimeFormat
	}

	ctx := zerolog.New(logger.NewWriter(config)).
		Level(level).
		With().
		Timestamp().
		Str("version", version.Full())

	if host, err := os.Hostname(); err == nil {
		ctx = ctx.Str("host", host)
	}

	return logger.Wrap(ctx.Logger()), nil
}

// CreateComponentLogger creates a logger for a specific component.
func CreateComponentLogger(component string, config *logger.Config) (logger.Logger, error) {
	base, err := CreateLogger(config)
	if err != nil {
		return nil, err
	}

	return logger.Wrap(base.WithComponent(component)), nil
}
