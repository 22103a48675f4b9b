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

package logger_test

import (
	"errors"
	"os"

	"github.com/rs/zerolog"

	"github.com/carverauto/relayd/pkg/logger"
)

func ExampleWrap() {
	log := logger.Wrap(zerolog.New(os.Stdout))

	log.Info().Str("destination", "root").Int("depth", 12).Msg("Draining spool")
	// Output: {"level":"info","destination":"root","depth":12,"message":"Draining spool"}
}

func ExampleLogger_WithComponent() {
	base := logger.Wrap(zerolog.New(os.Stdout))
	spoolLog := logger.Wrap(base.WithComponent("spool"))

	spoolLog.Error().
		Err(errors.New("no space left on device")).
		Str("destination", "root").
		Msg("Failed to persist entry")
	// Output: {"level":"error","component":"spool","error":"no space left on device","destination":"root","message":"Failed to persist entry"}
}

func ExampleLogger_SetLevel() {
	log := logger.Wrap(zerolog.New(os.Stdout))
	log.SetLevel(zerolog.WarnLevel)

	log.Info().Msg("Entry leased")
	log.Warn().Str("entry", "a1").Msg("Entry evicted")
	// Output: {"level":"warn","entry":"a1","message":"Entry evicted"}
}
