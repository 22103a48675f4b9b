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

package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	srHttp "github.com/carverauto/relayd/pkg/http"
	"github.com/carverauto/relayd/pkg/models"
	"github.com/carverauto/relayd/pkg/remoterun"
	"github.com/carverauto/relayd/pkg/trust"
	"github.com/carverauto/relayd/pkg/version"
)

const (
	ActionGetSystemInfo     = "getSystemInfo"
	ActionGetStatus         = "getStatus"
	ActionDispatchRemoteRun = "dispatchRemoteRun"
	ActionGetRemoteRun      = "getRemoteRun"
	ActionListRemoteRuns    = "listRemoteRuns"
	ActionListNodes         = "listNodes"
	ActionProvisionNode     = "provisionNode"
	ActionApproveNode       = "approveNode"
	ActionRevokeNode        = "revokeNode"
)

const maxRequestBody = 1 << 20

var errUnavailable = errors.New("component not configured")

func (*Server) handleSystemInfo(w http.ResponseWriter, _ *http.Request) {
	srHttp.WriteSuccess(w, http.StatusOK, ActionGetSystemInfo, models.SystemInfo{
		MajorVersion: version.Major(),
		FullVersion:  version.Full(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	now := s.clock.Now()

	status := models.RelayStatus{
		NodeID:       s.nodeID,
		Uptime:       now.Sub(s.started).Truncate(time.Second).String(),
		Destinations: []models.DestinationStatus{},
	}

	if s.spool != nil {
		st := s.spool.Stats()

		status.Spool = models.SpoolStatus{
			Entries:   st.Entries,
			Bytes:     st.Bytes,
			Blobs:     st.Blobs,
			MaxBytes:  st.MaxBytes,
			DeadCount: st.Dead,
		}

		for _, d := range st.Destinations {
			ds := models.DestinationStatus{
				Name:          d.Name,
				Depth:         d.Depth,
				Bytes:         d.Bytes,
				InFlight:      d.InFlight,
				Delivered:     d.Delivered,
				Retried:       d.Retried,
				Evicted:       d.Evicted,
				LastError:     d.LastError,
				LastDelivered: d.LastDelivered,
			}

			if !d.OldestPending.IsZero() {
				ds.LagSeconds = now.Sub(d.OldestPending).Seconds()
			}

			status.Destinations = append(status.Destinations, ds)
		}
	}

	if s.trust != nil {
		status.TrustedNodes = len(s.trust.ListTrusted())
	}

	if s.spoolDir != "" && s.diskUsage != nil {
		if u, err := s.diskUsage(s.spoolDir); err == nil {
			status.Disk = &models.DiskStatus{
				Path:        u.Path,
				Total:       u.Total,
				Free:        u.Free,
				UsedPercent: u.UsedPercent,
			}
		} else {
			s.log.Debug().Err(err).Str("path", s.spoolDir).Msg("Disk usage unavailable")
		}
	}

	srHttp.WriteSuccess(w, http.StatusOK, ActionGetStatus, status)
}

func remoteRunStatus(err error) int {
	switch {
	case errors.Is(err, remoterun.ErrJobNotFound):
		return http.StatusNotFound
	case errors.Is(err, remoterun.ErrEmptyCommand), errors.Is(err, remoterun.ErrEmptySelector):
		return http.StatusBadRequest
	case errors.Is(err, remoterun.ErrNoTargets):
		return http.StatusUnprocessableEntity
	case errors.Is(err, remoterun.ErrShuttingDown), errors.Is(err, errUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func trustStatus(err error) int {
	switch {
	case errors.Is(err, trust.ErrNodeNotFound):
		return http.StatusNotFound
	case errors.Is(err, trust.ErrInvalidTransition), errors.Is(err, trust.ErrFingerprintInUse):
		return http.StatusConflict
	case errors.Is(err, trust.ErrInvalidEntry):
		return http.StatusBadRequest
	case errors.Is(err, errUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	dec.DisallowUnknownFields()

	return dec.Decode(dst)
}

func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	if s.dispatcher == nil {
		srHttp.WriteError(w, http.StatusServiceUnavailable, ActionDispatchRemoteRun, errUnavailable.Error())

		return
	}

	var req models.RemoteRunRequest
	if err := decodeBody(w, r, &req); err != nil {
		srHttp.WriteError(w, http.StatusBadRequest, ActionDispatchRemoteRun, err.Error())

		return
	}

	id, err := s.dispatcher.Dispatch(r.Context(), req)
	if err != nil {
		srHttp.WriteError(w, remoteRunStatus(err), ActionDispatchRemoteRun, err.Error())

		return
	}

	job, err := s.dispatcher.Poll(id)
	if err != nil {
		srHttp.WriteError(w, remoteRunStatus(err), ActionDispatchRemoteRun, err.Error())

		return
	}

	srHttp.WriteSuccess(w, http.StatusAccepted, ActionDispatchRemoteRun, job)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	if s.dispatcher == nil {
		srHttp.WriteError(w, http.StatusServiceUnavailable, ActionGetRemoteRun, errUnavailable.Error())

		return
	}

	job, err := s.dispatcher.Poll(mux.Vars(r)["id"])
	if err != nil {
		srHttp.WriteError(w, remoteRunStatus(err), ActionGetRemoteRun, err.Error())

		return
	}

	srHttp.WriteSuccess(w, http.StatusOK, ActionGetRemoteRun, job)
}

func (s *Server) handleListJobs(w http.ResponseWriter, _ *http.Request) {
	if s.dispatcher == nil {
		srHttp.WriteError(w, http.StatusServiceUnavailable, ActionListRemoteRuns, errUnavailable.Error())

		return
	}

	srHttp.WriteSuccess(w, http.StatusOK, ActionListRemoteRuns, s.dispatcher.Jobs())
}

func (s *Server) handleListNodes(w http.ResponseWriter, _ *http.Request) {
	if s.trust == nil {
		srHttp.WriteError(w, http.StatusServiceUnavailable, ActionListNodes, errUnavailable.Error())

		return
	}

	srHttp.WriteSuccess(w, http.StatusOK, ActionListNodes, s.trust.Entries())
}

func (s *Server) handleProvisionNode(w http.ResponseWriter, r *http.Request) {
	if s.trust == nil {
		srHttp.WriteError(w, http.StatusServiceUnavailable, ActionProvisionNode, errUnavailable.Error())

		return
	}

	var seed models.TrustSeed
	if err := decodeBody(w, r, &seed); err != nil {
		srHttp.WriteError(w, http.StatusBadRequest, ActionProvisionNode, err.Error())

		return
	}

	entry, err := s.trust.Provision(r.Context(), models.TrustEntry{
		NodeID:      seed.NodeID,
		Hostname:    seed.Hostname,
		Role:        seed.Role,
		Fingerprint: seed.Fingerprint,
		State:       models.TrustStateTrusted,
	})
	if err != nil {
		srHttp.WriteError(w, trustStatus(err), ActionProvisionNode, err.Error())

		return
	}

	s.log.Info().Str("node", entry.NodeID).Msg("Node provisioned by operator")
	srHttp.WriteSuccess(w, http.StatusOK, ActionProvisionNode, entry)
}

func (s *Server) handleApproveNode(w http.ResponseWriter, r *http.Request) {
	s.transitionNode(w, r, ActionApproveNode, func(id string) (models.TrustEntry, error) {
		return s.trust.Approve(r.Context(), id)
	})
}

func (s *Server) handleRevokeNode(w http.ResponseWriter, r *http.Request) {
	s.transitionNode(w, r, ActionRevokeNode, func(id string) (models.TrustEntry, error) {
		return s.trust.Revoke(r.Context(), id)
	})
}

func (s *Server) transitionNode(w http.ResponseWriter, r *http.Request, action string,
	apply func(id string) (models.TrustEntry, error)) {
	if s.trust == nil {
		srHttp.WriteError(w, http.StatusServiceUnavailable, action, errUnavailable.Error())

		return
	}

	id := mux.Vars(r)["id"]

	entry, err := apply(id)
	if err != nil {
		srHttp.WriteError(w, trustStatus(err), action, err.Error())

		return
	}

	s.log.Info().Str("node", id).Str("state", string(entry.State)).Str("action", action).Msg("Trust state changed")
	srHttp.WriteSuccess(w, http.StatusOK, action, entry)
}
