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

// Package remoterun fans a command out to trusted downstream agents and
// collects their results under a shared deadline.
package remoterun

//go:generate mockgen -destination=mock_executor.go -package=remoterun github.com/carverauto/relayd/pkg/remoterun Executor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/carverauto/relayd/pkg/clock"
	"github.com/carverauto/relayd/pkg/logger"
	"github.com/carverauto/relayd/pkg/metrics"
	"github.com/carverauto/relayd/pkg/models"
)

var (
	ErrJobNotFound   = errors.New("remote run job not found")
	ErrNoTargets     = errors.New("selector matched no trusted node")
	ErrEmptyCommand  = errors.New("command is required")
	ErrEmptySelector = errors.New("selector must name nodes or set all")
	ErrShuttingDown  = errors.New("dispatcher is shutting down")
)

// Executor runs a command on one node.
type Executor interface {
	Execute(ctx context.Context, node models.Node, cmd models.RemoteRunCommand) (models.RemoteRunOutput, error)
}

// Targets lists the nodes allowed to receive commands.
type Targets interface {
	ListTrusted() []models.Node
}

type job struct {
	rec         models.RemoteRunJob
	outstanding int
	cancel      context.CancelFunc
}

// Dispatcher tracks remote-run jobs in memory.
type Dispatcher struct {
	targets Targets
	exec    Executor
	cfg     models.RemoteRunConfig
	clock   clock.Clock
	log     logger.Logger
	metrics *metrics.Relay

	root     context.Context
	shutdown context.CancelFunc
	wg       sync.WaitGroup

	mu     sync.Mutex
	jobs   map[string]*job
	closed bool
}

type Option func(*Dispatcher)

func WithClock(c clock.Clock) Option {
	return func(d *Dispatcher) {
		d.clock = c
	}
}

func WithMetrics(m *metrics.Relay) Option {
	return func(d *Dispatcher) {
		d.metrics = m
	}
}

// NewDispatcher creates a dispatcher resolving targets against t.
func NewDispatcher(t Targets, exec Executor, cfg models.RemoteRunConfig, log logger.Logger, opts ...Option) *Dispatcher {
	root, cancel := context.WithCancel(context.Background())

	d := &Dispatcher{
		targets:  t,
		exec:     exec,
		cfg:      cfg,
		clock:    clock.Real(),
		log:      log,
		root:     root,
		shutdown: cancel,
		jobs:     make(map[string]*job),
	}

	for _, o := range opts {
		o(d)
	}

	return d
}

// resolve splits the selector into trusted targets and excluded IDs.
// Explicitly named nodes that are unknown, pending or revoked are
// excluded; they never see the command.
func (d *Dispatcher) resolve(sel models.TargetSelector) (targets []models.Node, excluded []string) {
	trusted := make(map[string]models.Node)

	for _, n := range d.targets.ListTrusted() {
		if sel.Role != "" && n.Role != sel.Role {
			continue
		}

		trusted[n.ID] = n
	}

	if sel.All {
		for _, n := range trusted {
			targets = append(targets, n)
		}
	} else {
		seen := make(map[string]struct{}, len(sel.Nodes))

		for _, id := range sel.Nodes {
			if _, dup := seen[id]; dup {
				continue
			}

			seen[id] = struct{}{}

			if n, ok := trusted[id]; ok {
				targets = append(targets, n)
			} else {
				excluded = append(excluded, id)
			}
		}
	}

	sort.Slice(targets, func(i, j int) bool { return targets[i].ID < targets[j].ID })

	return targets, excluded
}

func (d *Dispatcher) timeout(req time.Duration) time.Duration {
	if req <= 0 {
		req = time.Duration(d.cfg.DefaultTimeout)
	}

	if maxTimeout := time.Duration(d.cfg.MaxTimeout); maxTimeout > 0 && req > maxTimeout {
		req = maxTimeout
	}

	return req
}

// Dispatch starts a job and returns its ID without waiting for results.
func (d *Dispatcher) Dispatch(_ context.Context, req models.RemoteRunRequest) (string, error) {
	if strings.TrimSpace(req.Command) == "" {
		return "", ErrEmptyCommand
	}

	if !req.Selector.All && len(req.Selector.Nodes) == 0 {
		return "", ErrEmptySelector
	}

	targets, excluded := d.resolve(req.Selector)
	if len(targets) == 0 {
		return "", fmt.Errorf("%w (excluded: %s)", ErrNoTargets, strings.Join(excluded, ","))
	}

	timeout := d.timeout(time.Duration(req.Timeout))
	now := d.clock.Now()

	j := &job{
		rec: models.RemoteRunJob{
			ID:        uuid.NewString(),
			Command:   req.Command,
			Selector:  req.Selector,
			Excluded:  excluded,
			Status:    models.JobDispatching,
			Results:   make(map[string]models.TargetResult, len(targets)),
			CreatedAt: now,
			Deadline:  now.Add(timeout),
		},
		outstanding: len(targets),
	}

	for _, n := range targets {
		j.rec.Targets = append(j.rec.Targets, n.ID)
		j.rec.Results[n.ID] = models.TargetResult{NodeID: n.ID, Status: models.TargetPending}
	}

	ctx, cancel := context.WithCancel(d.root)
	j.cancel = cancel

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		cancel()

		return "", ErrShuttingDown
	}

	d.jobs[j.rec.ID] = j
	d.wg.Add(len(targets) + 1)
	d.mu.Unlock()

	d.log.Info().
		Str("job", j.rec.ID).
		Strs("targets", j.rec.Targets).
		Strs("excluded", excluded).
		Dur("timeout", timeout).
		Msg("Dispatching remote run")

	cmd := models.RemoteRunCommand{JobID: j.rec.ID, Command: req.Command}

	go d.watch(ctx, j.rec.ID, timeout)

	for _, n := range targets {
		go d.runTarget(ctx, j.rec.ID, n, cmd)
	}

	return j.rec.ID, nil
}

// watch expires the job when its deadline passes first.
func (d *Dispatcher) watch(ctx context.Context, id string, timeout time.Duration) {
	defer d.wg.Done()

	t := d.clock.Timer(timeout)
	defer t.Stop()

	select {
	case <-ctx.Done():
	case <-t.Chan():
		d.expire(id, models.JobComplete)
	}
}

func (d *Dispatcher) runTarget(ctx context.Context, id string, node models.Node, cmd models.RemoteRunCommand) {
	defer d.wg.Done()

	out, err := d.exec.Execute(ctx, node, cmd)

	d.mu.Lock()
	defer d.mu.Unlock()

	j, ok := d.jobs[id]
	if !ok {
		return
	}

	res := j.rec.Results[node.ID]
	if res.Status != models.TargetPending {
		// The deadline or shutdown already settled this target.
		return
	}

	now := d.clock.Now()
	res.FinishedAt = &now

	if err != nil {
		res.Status = models.TargetError
		res.Error = err.Error()
	} else {
		exit := out.ExitCode
		res.Status = models.TargetSuccess
		res.Output = out.Output
		res.ExitCode = &exit
		res.Error = out.Error
	}

	j.rec.Results[node.ID] = res
	j.outstanding--
	d.metrics.TargetFinished(string(res.Status))

	if j.outstanding > 0 {
		j.rec.Status = models.JobPartial

		return
	}

	d.finishLocked(j, models.JobComplete)
}

// expire marks every outstanding target of a running job timed-out.
func (d *Dispatcher) expire(id string, status models.JobStatus) {
	d.mu.Lock()
	defer d.mu.Unlock()

	j, ok := d.jobs[id]
	if !ok || j.rec.Status.Terminal() {
		return
	}

	d.expireLocked(j, status)
}

func (d *Dispatcher) expireLocked(j *job, status models.JobStatus) {
	now := d.clock.Now()

	for nodeID, res := range j.rec.Results {
		if res.Status != models.TargetPending {
			continue
		}

		res.Status = models.TargetTimedOut
		res.Error = models.ErrJobTimeout.Error()
		res.FinishedAt = &now
		j.rec.Results[nodeID] = res

		d.metrics.TargetFinished(string(res.Status))
	}

	j.outstanding = 0

	d.log.Warn().Str("job", j.rec.ID).Str("status", string(status)).Msg("Remote run deadline reached")
	d.finishLocked(j, status)
}

func (d *Dispatcher) finishLocked(j *job, status models.JobStatus) {
	now := d.clock.Now()
	j.rec.Status = status
	j.rec.CompletedAt = &now
	j.cancel()

	d.metrics.JobFinished(string(status))
	d.log.Info().Str("job", j.rec.ID).Str("status", string(status)).Msg("Remote run finished")
}

// Poll returns a snapshot of a job.
func (d *Dispatcher) Poll(id string) (models.RemoteRunJob, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	j, ok := d.jobs[id]
	if !ok {
		return models.RemoteRunJob{}, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}

	return j.rec.Clone(), nil
}

// Jobs returns snapshots of every retained job, newest first.
func (d *Dispatcher) Jobs() []models.RemoteRunJob {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]models.RemoteRunJob, 0, len(d.jobs))
	for _, j := range d.jobs {
		out = append(out, j.rec.Clone())
	}

	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.After(out[k].CreatedAt) })

	return out
}

// Prune drops finished jobs that completed more than the retention ago.
func (d *Dispatcher) Prune() int {
	retention := time.Duration(d.cfg.JobRetention)
	if retention <= 0 {
		return 0
	}

	cutoff := d.clock.Now().Add(-retention)

	d.mu.Lock()
	defer d.mu.Unlock()

	n := 0

	for id, j := range d.jobs {
		if j.rec.CompletedAt != nil && j.rec.CompletedAt.Before(cutoff) {
			delete(d.jobs, id)

			n++
		}
	}

	return n
}

// Shutdown cancels running executions and marks their jobs timed-out.
// It waits for the per-target goroutines to return.
func (d *Dispatcher) Shutdown() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()

		return
	}

	d.closed = true

	for _, j := range d.jobs {
		if !j.rec.Status.Terminal() {
			d.expireLocked(j, models.JobTimedOut)
		}
	}
	d.mu.Unlock()

	d.shutdown()
	d.wg.Wait()
}

// Start prunes finished jobs periodically until ctx is done.
func (d *Dispatcher) Start(ctx context.Context) error {
	interval := time.Duration(d.cfg.JobRetention) / 2
	if interval <= 0 {
		interval = time.Minute
	}

	ticker := d.clock.Ticker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-d.root.Done():
			return nil
		case <-ticker.Chan():
			if n := d.Prune(); n > 0 {
				d.log.Debug().Int("pruned", n).Msg("Pruned finished remote-run jobs")
			}
		}
	}
}

func (d *Dispatcher) Stop(context.Context) error {
	d.Shutdown()

	return nil
}
