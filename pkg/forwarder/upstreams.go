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

package forwarder

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/carverauto/relayd/pkg/logger"
	"github.com/carverauto/relayd/pkg/models"
)

var errUnsupportedUpstream = errors.New("unsupported upstream type")

// DialUpstreams builds a transport for every configured upstream. On error
// the transports built so far are closed.
func DialUpstreams(ctx context.Context, cfgs []models.UpstreamConfig, sec *models.SecurityConfig, log logger.Logger) ([]Upstream, error) {
	ups := make([]Upstream, 0, len(cfgs))

	closeAll := func() {
		for _, u := range ups {
			_ = u.Transport.Close()
		}
	}

	for i := range cfgs {
		cfg := &cfgs[i]

		var (
			t   Transport
			err error
		)

		switch cfg.Type {
		case models.UpstreamHTTP:
			client, cerr := NewHTTPClient(cfg, sec, log)
			if cerr != nil {
				closeAll()

				return nil, cerr
			}

			t, err = NewHTTPTransport(cfg, client, log)
		case models.UpstreamNATS:
			t, err = DialNATS(ctx, cfg, sec, log)
		default:
			err = fmt.Errorf("%w: %s", errUnsupportedUpstream, cfg.Type)
		}

		if err != nil {
			closeAll()

			return nil, err
		}

		log.Info().Str("upstream", cfg.Name).Str("type", string(cfg.Type)).Str("url", cfg.URL).Msg("Upstream configured")

		ups = append(ups, Upstream{Name: cfg.Name, Transport: t, Timeout: time.Duration(cfg.Timeout)})
	}

	return ups, nil
}
