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

// Package tlsutil builds tls.Config values for the relay's listeners and
// its outbound clients from a models.SecurityConfig.
package tlsutil

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/carverauto/relayd/pkg/logger"
	"github.com/carverauto/relayd/pkg/models"
)

var (
	ErrMTLSRequired = errors.New("mtls security required")

	errFailedToLoadCert     = errors.New("failed to load certificate")
	errFailedToReadCACert   = errors.New("failed to read CA certificate")
	errFailedToAppendCACert = errors.New("failed to append CA certificate to pool")
)

// Enabled reports whether sec asks for mTLS.
func Enabled(sec *models.SecurityConfig) bool {
	return sec != nil && sec.Mode == models.SecurityModeMTLS
}

func resolve(sec *models.SecurityConfig, p string) string {
	if p == "" || filepath.IsAbs(p) || sec.CertDir == "" {
		return p
	}

	return filepath.Join(sec.CertDir, p)
}

func loadKeyPair(sec *models.SecurityConfig, log logger.Logger) (tls.Certificate, error) {
	certPath := resolve(sec, sec.TLS.CertFile)
	keyPath := resolve(sec, sec.TLS.KeyFile)

	log.Info().Str("certPath", certPath).Str("keyPath", keyPath).Msg("Loading certificate")

	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("%w: %w", errFailedToLoadCert, err)
	}

	return cert, nil
}

func loadPool(path string, log logger.Logger) (*x509.CertPool, error) {
	log.Info().Str("caPath", path).Msg("Loading CA certificate")

	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errFailedToReadCACert, err)
	}

	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("%w: failed to parse CA certificate from %s", errFailedToAppendCACert, path)
	}

	return pool, nil
}

// ServerConfig returns the listener configuration. Client certificates are
// requested but never required at the handshake: node authorization is the
// trust store's job, keyed by certificate fingerprint. When client_ca_file
// is set, presented certificates must also chain to it.
func ServerConfig(sec *models.SecurityConfig, log logger.Logger) (*tls.Config, error) {
	if !Enabled(sec) {
		return nil, ErrMTLSRequired
	}

	cert, err := loadKeyPair(sec, log)
	if err != nil {
		return nil, err
	}

	cfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientAuth:   tls.RequestClientCert,
		MinVersion:   tls.VersionTLS13,
	}

	if sec.TLS.ClientCAFile != "" {
		pool, err := loadPool(resolve(sec, sec.TLS.ClientCAFile), log)
		if err != nil {
			return nil, err
		}

		cfg.ClientCAs = pool
		cfg.ClientAuth = tls.VerifyClientCertIfGiven
	}

	return cfg, nil
}

// ClientConfig returns the configuration for connections to upstreams and
// agents, presenting the relay's own certificate.
func ClientConfig(sec *models.SecurityConfig, log logger.Logger) (*tls.Config, error) {
	if !Enabled(sec) {
		return nil, ErrMTLSRequired
	}

	cert, err := loadKeyPair(sec, log)
	if err != nil {
		return nil, err
	}

	cfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		ServerName:   sec.ServerName,
		MinVersion:   tls.VersionTLS13,
	}

	if sec.TLS.CAFile != "" {
		pool, err := loadPool(resolve(sec, sec.TLS.CAFile), log)
		if err != nil {
			return nil, err
		}

		cfg.RootCAs = pool
	}

	return cfg, nil
}
