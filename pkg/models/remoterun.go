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

package models

import "time"

// JobStatus is the lifecycle state of a remote-run job.
type JobStatus string

const (
	JobDispatching JobStatus = "dispatching"
	JobPartial     JobStatus = "partial"
	JobComplete    JobStatus = "complete"
	JobTimedOut    JobStatus = "timed-out"
)

// Terminal reports whether no further mutation can happen.
func (s JobStatus) Terminal() bool {
	return s == JobComplete || s == JobTimedOut
}

// TargetStatus is the outcome recorded for one target of a job.
type TargetStatus string

const (
	TargetPending  TargetStatus = "pending"
	TargetSuccess  TargetStatus = "success"
	TargetError    TargetStatus = "error"
	TargetTimedOut TargetStatus = "timed-out"
)

// TargetSelector chooses the nodes a command is sent to.
type TargetSelector struct {
	All   bool     `json:"all,omitempty"`
	Nodes []string `json:"nodes,omitempty"`
	Role  NodeRole `json:"role,omitempty"`
}

// TargetResult is the per-node outcome of a remote run.
type TargetResult struct {
	NodeID     string       `json:"node_id"`
	Status     TargetStatus `json:"status"`
	Output     string       `json:"output,omitempty"`
	ExitCode   *int         `json:"exit_code,omitempty"`
	Error      string       `json:"error,omitempty"`
	FinishedAt *time.Time   `json:"finished_at,omitempty"`
}

// RemoteRunJob is an operator-issued command execution request.
type RemoteRunJob struct {
	ID          string                  `json:"id"`
	Command     string                  `json:"command"`
	Selector    TargetSelector          `json:"selector"`
	Targets     []string                `json:"targets"`
	Excluded    []string                `json:"excluded,omitempty"`
	Status      JobStatus               `json:"status"`
	Results     map[string]TargetResult `json:"results"`
	CreatedAt   time.Time               `json:"created_at"`
	Deadline    time.Time               `json:"deadline"`
	CompletedAt *time.Time              `json:"completed_at,omitempty"`
}

// Clone returns a deep copy of the job.
func (j *RemoteRunJob) Clone() RemoteRunJob {
	c := *j
	c.Targets = append([]string(nil), j.Targets...)
	c.Excluded = append([]string(nil), j.Excluded...)
	c.Selector.Nodes = append([]string(nil), j.Selector.Nodes...)

	c.Results = make(map[string]TargetResult, len(j.Results))
	for id, r := range j.Results {
		c.Results[id] = r
	}

	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}

	return c
}

// RemoteRunRequest is the operator payload submitting a job.
type RemoteRunRequest struct {
	Selector TargetSelector `json:"selector"`
	Command  string         `json:"command"`
	Timeout  Duration       `json:"timeout,omitempty"`
}

// RemoteRunCommand is what the relay sends to a single agent.
type RemoteRunCommand struct {
	JobID   string `json:"job_id"`
	Command string `json:"command"`
}

// RemoteRunOutput is what an agent returns for a single command.
type RemoteRunOutput struct {
	Output   string `json:"output"`
	ExitCode int    `json:"exit_code"`
	Error    string `json:"error,omitempty"`
}
