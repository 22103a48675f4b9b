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

package logger

import (
	"os"
	"strconv"
	"strings"
)

// envPrefix scopes logging overrides to relayd; the bare LOG_* names are
// still honoured when the prefixed one is unset.
const envPrefix = "RELAYD_"

// DefaultConfig returns the logging configuration used when the config
// file has no logging section.
func DefaultConfig() *Config {
	return ApplyEnv(&Config{})
}

// ApplyEnv overlays RELAYD_LOG_LEVEL, RELAYD_LOG_OUTPUT,
// RELAYD_LOG_TIME_FORMAT and RELAYD_DEBUG onto cfg, then fills any field
// still empty. The returned config is cfg itself.
func ApplyEnv(cfg *Config) *Config {
	if v := lookupEnv("LOG_LEVEL"); v != "" {
		cfg.Level = v
	}

	if v := lookupEnv("LOG_OUTPUT"); v != "" {
		cfg.Output = v
	}

	if v := lookupEnv("LOG_TIME_FORMAT"); v != "" {
		cfg.TimeFormat = v
	}

	if v := lookupEnv("DEBUG"); v != "" {
		cfg.Debug = parseBool(v)
	}

	if cfg.Level == "" {
		cfg.Level = "info"
	}

	if cfg.Output == "" {
		cfg.Output = outputStdout
	}

	return cfg
}

func lookupEnv(name string) string {
	if v := os.Getenv(envPrefix + name); v != "" {
		return v
	}

	return os.Getenv(name)
}

func parseBool(v string) bool {
	switch strings.ToLower(v) {
	case "yes", "on":
		return true
	}

	b, err := strconv.ParseBool(v)

	return err == nil && b
}

// InitWithDefaults initialises the package logger from DefaultConfig.
func InitWithDefaults() error {
	return Init(DefaultConfig())
}
