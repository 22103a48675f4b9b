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

package natsutil

import (
	"errors"
	"testing"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
)

var errTestFixture = errors.New("fixture error")

func TestEnsureSubjectList(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		subjects []string
		subject  string
		want     []string
	}{
		{"adds subject when list empty", nil, "relay.report", []string{"relay.report"}},
		{"keeps list when wildcard matches", []string{"relay.*"}, "relay.report", []string{"relay.*"}},
		{"keeps list when greater wildcard matches", []string{"relay.>"}, "relay.shared-file", []string{"relay.>"}},
		{"appends when unmatched", []string{"events.*"}, "relay.inventory", []string{"events.*", "relay.inventory"}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.want, ensureSubjectList(append([]string(nil), tc.subjects...), tc.subject))
		})
	}
}

func TestMatchesSubject(t *testing.T) {
	t.Parallel()

	tests := []struct {
		pattern  string
		subject  string
		expected bool
	}{
		{"relay.report", "relay.report", true},
		{"relay.*", "relay.report", true},
		{"relay.>", "relay.report", true},
		{"relay.>", "relay", false},
		{"relay.*", "relay.a.b", false},
		{"events.*", "relay.report", false},
	}

	for _, tc := range tests {
		assert.Equal(t, tc.expected, matchesSubject(tc.pattern, tc.subject), "%s vs %s", tc.pattern, tc.subject)
	}
}

func TestIsStreamMissingErr(t *testing.T) {
	t.Parallel()

	assert.True(t, isStreamMissingErr(jetstream.ErrStreamNotFound))
	assert.True(t, isStreamMissingErr(jetstream.ErrNoStreamResponse))
	assert.True(t, isStreamMissingErr(nats.ErrNoResponders))
	assert.False(t, isStreamMissingErr(errTestFixture))
}
