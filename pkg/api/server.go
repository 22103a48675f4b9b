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

// Package api serves the relay's status and operator endpoints and hosts
// the inbound routes on the node-facing TLS listener.
package api

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/shirou/gopsutil/v3/disk"

	"github.com/carverauto/relayd/pkg/clock"
	srHttp "github.com/carverauto/relayd/pkg/http"
	"github.com/carverauto/relayd/pkg/logger"
	"github.com/carverauto/relayd/pkg/metrics"
	"github.com/carverauto/relayd/pkg/models"
	"github.com/carverauto/relayd/pkg/spool"
)

const (
	defaultReadHeaderTimeout = 10 * time.Second
	defaultIdleTimeout       = 60 * time.Second
)

// SpoolStatus is what the status endpoint reads from the spool.
type SpoolStatus interface {
	Stats() spool.Stats
}

// TrustAdmin is the operator view of the trust store.
type TrustAdmin interface {
	Entries() []models.TrustEntry
	ListTrusted() []models.Node
	Provision(ctx context.Context, entry models.TrustEntry) (models.TrustEntry, error)
	Approve(ctx context.Context, nodeID string) (models.TrustEntry, error)
	Revoke(ctx context.Context, nodeID string) (models.TrustEntry, error)
}

// RemoteRun is the operator view of the remote-run dispatcher.
type RemoteRun interface {
	Dispatch(ctx context.Context, req models.RemoteRunRequest) (string, error)
	Poll(id string) (models.RemoteRunJob, error)
	Jobs() []models.RemoteRunJob
}

// RouteRegistrar mounts extra routes on the node-facing router.
type RouteRegistrar interface {
	RegisterRoutes(router *mux.Router)
}

// Server runs the node-facing TLS listener and the optional local
// operator listener.
type Server struct {
	nodeID    string
	addr      string
	localAddr string
	spoolDir  string
	tlsConfig *tls.Config

	spool      SpoolStatus
	trust      TrustAdmin
	dispatcher RemoteRun
	metrics    *metrics.Relay
	inbound    RouteRegistrar
	clock      clock.Clock
	diskUsage  func(path string) (*disk.UsageStat, error)
	log        logger.Logger

	started time.Time
	public  *mux.Router
	local   *mux.Router

	mu      sync.Mutex
	servers []*http.Server
}

func WithSpool(s SpoolStatus) func(*Server) {
	return func(server *Server) {
		server.spool = s
	}
}

func WithTrust(t TrustAdmin) func(*Server) {
	return func(server *Server) {
		server.trust = t
	}
}

func WithRemoteRun(d RemoteRun) func(*Server) {
	return func(server *Server) {
		server.dispatcher = d
	}
}

func WithMetrics(m *metrics.Relay) func(*Server) {
	return func(server *Server) {
		server.metrics = m
	}
}

func WithInbound(r RouteRegistrar) func(*Server) {
	return func(server *Server) {
		server.inbound = r
	}
}

func WithTLSConfig(c *tls.Config) func(*Server) {
	return func(server *Server) {
		server.tlsConfig = c
	}
}

func WithClock(c clock.Clock) func(*Server) {
	return func(server *Server) {
		server.clock = c
	}
}

// NewServer builds both routers from the relay configuration.
func NewServer(cfg *models.RelayConfig, log logger.Logger, options ...func(*Server)) *Server {
	s := &Server{
		nodeID:    cfg.NodeID,
		addr:      cfg.ListenAddr,
		localAddr: cfg.LocalListenAddr,
		spoolDir:  cfg.Spool.Dir,
		clock:     clock.Real(),
		diskUsage: disk.Usage,
		log:       log,
		public:    mux.NewRouter(),
		local:     mux.NewRouter(),
	}

	for _, o := range options {
		o(s)
	}

	s.started = s.clock.Now()
	s.setupRoutes()

	return s
}

func (s *Server) setupRoutes() {
	for _, r := range []*mux.Router{s.public, s.local} {
		r.Use(func(next http.Handler) http.Handler {
			return srHttp.CommonMiddleware(next, s.log)
		})
		r.Use(func(next http.Handler) http.Handler {
			return srHttp.RecoverMiddleware(next, s.log)
		})

		s.setupStatusRoutes(r)
	}

	if s.inbound != nil {
		s.inbound.RegisterRoutes(s.public)
	}

	s.setupOperatorRoutes(s.local)
}

func (s *Server) setupStatusRoutes(r *mux.Router) {
	api := r.PathPrefix(models.APIPrefix).Subrouter()

	api.HandleFunc("/system/info", s.handleSystemInfo).Methods(http.MethodGet)
	api.HandleFunc("/system/status", s.handleStatus).Methods(http.MethodGet)

	r.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)
}

func (s *Server) setupOperatorRoutes(r *mux.Router) {
	api := r.PathPrefix(models.APIPrefix).Subrouter()

	api.HandleFunc("/remote-run/jobs", s.handleListJobs).Methods(http.MethodGet)
	api.HandleFunc("/remote-run/jobs", s.handleDispatch).Methods(http.MethodPost)
	api.HandleFunc("/remote-run/jobs/{id}", s.handleGetJob).Methods(http.MethodGet)

	api.HandleFunc("/trust/nodes", s.handleListNodes).Methods(http.MethodGet)
	api.HandleFunc("/trust/nodes", s.handleProvisionNode).Methods(http.MethodPost)
	api.HandleFunc("/trust/nodes/{id}/approve", s.handleApproveNode).Methods(http.MethodPost)
	api.HandleFunc("/trust/nodes/{id}/revoke", s.handleRevokeNode).Methods(http.MethodPost)
}

// Handler returns the node-facing router.
func (s *Server) Handler() http.Handler {
	return s.public
}

// LocalHandler returns the operator router.
func (s *Server) LocalHandler() http.Handler {
	return s.local
}

func (s *Server) serve(ln net.Listener, srv *http.Server, useTLS bool, errCh chan<- error) {
	var err error
	if useTLS {
		err = srv.ServeTLS(ln, "", "")
	} else {
		err = srv.Serve(ln)
	}

	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		errCh <- fmt.Errorf("listener %s: %w", srv.Addr, err)

		return
	}

	errCh <- nil
}

func (s *Server) newHTTPServer(addr string, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: defaultReadHeaderTimeout,
		IdleTimeout:       defaultIdleTimeout,
	}
}

// Start opens the listeners and serves until they are shut down.
func (s *Server) Start(ctx context.Context) error {
	type listener struct {
		srv    *http.Server
		ln     net.Listener
		useTLS bool
	}

	var listeners []listener

	pub := s.newHTTPServer(s.addr, s.public)
	pub.TLSConfig = s.tlsConfig

	lc := net.ListenConfig{}

	ln, err := lc.Listen(ctx, "tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.addr, err)
	}

	listeners = append(listeners, listener{srv: pub, ln: ln, useTLS: s.tlsConfig != nil})

	if s.tlsConfig == nil {
		s.log.Warn().Str("addr", s.addr).Msg("Node listener running without TLS; every node will be rejected")
	}

	if s.localAddr != "" {
		local := s.newHTTPServer(s.localAddr, s.local)

		lln, err := lc.Listen(ctx, "tcp", s.localAddr)
		if err != nil {
			_ = ln.Close()

			return fmt.Errorf("listening on %s: %w", s.localAddr, err)
		}

		listeners = append(listeners, listener{srv: local, ln: lln})
	}

	errCh := make(chan error, len(listeners))

	s.mu.Lock()
	for _, l := range listeners {
		s.servers = append(s.servers, l.srv)
		s.log.Info().Str("addr", l.ln.Addr().String()).Bool("tls", l.useTLS).Msg("API listener started")

		go s.serve(l.ln, l.srv, l.useTLS, errCh)
	}
	s.mu.Unlock()

	var firstErr error

	for range listeners {
		if err := <-errCh; err != nil && firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}

// Stop gracefully shuts the listeners down.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	servers := s.servers
	s.servers = nil
	s.mu.Unlock()

	var errs []error

	for _, srv := range servers {
		if err := srv.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}
