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

// Package version provides version information for relayd.
package version

import "strings"

// These variables are set via ldflags during build:
//
//	-ldflags "-X github.com/carverauto/relayd/pkg/version.version=1.4.2"
//
//nolint:gochecknoglobals // These are intentionally global for ldflags injection
var (
	version = "0.0.0-dev"
	buildID = "dev"
)

// Full returns the complete version string.
func Full() string {
	return version
}

// Major returns the first two dot components of the version, "7.3" for
// "7.3.1~rc1". Missing components are filled with zero.
func Major() string {
	core := version
	if i := strings.IndexAny(core, "-~+"); i >= 0 {
		core = core[:i]
	}

	parts := strings.SplitN(core, ".", 3)
	for len(parts) < 2 {
		parts = append(parts, "0")
	}

	if parts[0] == "" {
		parts[0] = "0"
	}

	return parts[0] + "." + parts[1]
}

// GetBuildID returns the current build ID
func GetBuildID() string {
	return buildID
}

// GetFullVersion returns version with build ID
func GetFullVersion() string {
	return version + " (build: " + buildID + ")"
}
