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

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"

	"github.com/carverauto/relayd/pkg/api"
	"github.com/carverauto/relayd/pkg/config"
	"github.com/carverauto/relayd/pkg/forwarder"
	"github.com/carverauto/relayd/pkg/inbound"
	"github.com/carverauto/relayd/pkg/lifecycle"
	"github.com/carverauto/relayd/pkg/logger"
	"github.com/carverauto/relayd/pkg/metrics"
	"github.com/carverauto/relayd/pkg/models"
	"github.com/carverauto/relayd/pkg/remoterun"
	"github.com/carverauto/relayd/pkg/spool"
	"github.com/carverauto/relayd/pkg/tlsutil"
	"github.com/carverauto/relayd/pkg/trust"
	"github.com/carverauto/relayd/pkg/version"
)

var (
	errFailedToLoadConfig = errors.New("failed to load config")
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Fatal error: %v", err)
	}
}

func openTrust(ctx context.Context, cfg *models.RelayConfig, log logger.Logger) (*trust.Store, error) {
	var repo trust.Repository = trust.NewMemoryRepository()

	if cfg.Trust.DBPath != "" {
		r, err := trust.OpenSQLite(ctx, cfg.Trust.DBPath)
		if err != nil {
			return nil, err
		}

		repo = r
	} else {
		log.Warn().Msg("trust.db_path not set; approvals will not survive a restart")
	}

	store, err := trust.NewStore(ctx, repo, cfg.Trust.Mode, log)
	if err != nil {
		_ = repo.Close()

		return nil, err
	}

	if err := store.Seed(ctx, cfg.Trust.Seed); err != nil {
		_ = repo.Close()

		return nil, err
	}

	return store, nil
}

// bootstrapLogger reports config loading before the configured logger
// exists. It honours the logging environment overrides only.
func bootstrapLogger() (logger.Logger, error) {
	if err := logger.InitWithDefaults(); err != nil {
		return nil, fmt.Errorf("failed to initialize bootstrap logger: %w", err)
	}

	return logger.Wrap(logger.WithComponent("config")), nil
}

func run() error {
	configPath := flag.String("config", "/etc/relayd/relayd.json", "Path to relayd config file")
	flag.Parse()

	ctx := context.Background()

	bootLogger, err := bootstrapLogger()
	if err != nil {
		return err
	}

	cfgLoader := config.NewConfig(bootLogger)

	var cfg models.RelayConfig

	if err := cfgLoader.LoadAndValidate(ctx, *configPath, &cfg); err != nil {
		return fmt.Errorf("%w: %w", errFailedToLoadConfig, err)
	}

	relayLogger, err := lifecycle.CreateComponentLogger("relayd", cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	relayLogger.Info().
		Str("version", version.GetFullVersion()).
		Str("node_id", cfg.NodeID).
		Msg("Starting relayd")

	trustStore, err := openTrust(ctx, &cfg, relayLogger)
	if err != nil {
		return fmt.Errorf("failed to open trust store: %w", err)
	}

	store, err := spool.Open(ctx, cfg.Spool, relayLogger)
	if err != nil {
		return fmt.Errorf("failed to open spool: %w", err)
	}

	relayMetrics := metrics.NewRelay()
	relayMetrics.MustRegister(metrics.NewSpoolCollector(store))

	upstreams, err := forwarder.DialUpstreams(ctx, cfg.Upstreams, cfg.Security, relayLogger)
	if err != nil {
		return fmt.Errorf("failed to connect upstreams: %w", err)
	}

	fwd, err := forwarder.New(store, upstreams, relayLogger, forwarder.WithMetrics(relayMetrics))
	if err != nil {
		return err
	}

	executor, err := remoterun.NewHTTPExecutor(cfg.RemoteRun, cfg.Security, relayLogger)
	if err != nil {
		return fmt.Errorf("failed to create remote-run executor: %w", err)
	}

	dispatcher := remoterun.NewDispatcher(trustStore, executor, cfg.RemoteRun, relayLogger,
		remoterun.WithMetrics(relayMetrics))

	receiver := inbound.NewReceiver(trustStore, store, cfg.Upstreams, cfg.Inbound, relayLogger,
		inbound.WithMetrics(relayMetrics))

	options := []func(*api.Server){
		api.WithSpool(store),
		api.WithTrust(trustStore),
		api.WithRemoteRun(dispatcher),
		api.WithMetrics(relayMetrics),
		api.WithInbound(receiver),
	}

	if tlsutil.Enabled(cfg.Security) {
		tlsConfig, err := tlsutil.ServerConfig(cfg.Security, relayLogger)
		if err != nil {
			return fmt.Errorf("failed to load server TLS config: %w", err)
		}

		options = append(options, api.WithTLSConfig(tlsConfig))
	}

	server := api.NewServer(&cfg, relayLogger, options...)

	return lifecycle.RunServices(ctx, lifecycle.Options{Logger: relayLogger},
		lifecycle.NamedService{Name: "trust", Service: trustStore},
		lifecycle.NamedService{Name: "spool", Service: store},
		lifecycle.NamedService{Name: "remote-run", Service: dispatcher},
		lifecycle.NamedService{Name: "forwarder", Service: fwd},
		lifecycle.NamedService{Name: "api", Service: server},
	)
}
