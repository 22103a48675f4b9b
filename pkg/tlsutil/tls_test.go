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

package tlsutil

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carverauto/relayd/pkg/logger"
	"github.com/carverauto/relayd/pkg/models"
)

// writeSelfSigned writes cert.pem and key.pem into dir. The certificate
// doubles as its own CA.
func writeSelfSigned(t *testing.T, dir string) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "relay-1"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		DNSNames:              []string{"relay-1"},
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)

	keyDER, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "cert.pem"),
		pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "key.pem"),
		pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0o600))
}

func security(dir string) *models.SecurityConfig {
	return &models.SecurityConfig{
		Mode:       models.SecurityModeMTLS,
		CertDir:    dir,
		ServerName: "relay-1",
		TLS: models.TLSConfig{
			CertFile: "cert.pem",
			KeyFile:  "key.pem",
			CAFile:   "cert.pem",
		},
	}
}

func TestServerConfig(t *testing.T) {
	dir := t.TempDir()
	writeSelfSigned(t, dir)

	sec := security(dir)

	cfg, err := ServerConfig(sec, logger.NewTestLogger())
	require.NoError(t, err)
	assert.Equal(t, tls.RequestClientCert, cfg.ClientAuth)
	assert.Len(t, cfg.Certificates, 1)
	assert.Equal(t, uint16(tls.VersionTLS13), cfg.MinVersion)

	sec.TLS.ClientCAFile = "cert.pem"

	cfg, err = ServerConfig(sec, logger.NewTestLogger())
	require.NoError(t, err)
	assert.Equal(t, tls.VerifyClientCertIfGiven, cfg.ClientAuth)
	assert.NotNil(t, cfg.ClientCAs)
}

func TestClientConfig(t *testing.T) {
	dir := t.TempDir()
	writeSelfSigned(t, dir)

	cfg, err := ClientConfig(security(dir), logger.NewTestLogger())
	require.NoError(t, err)
	assert.Equal(t, "relay-1", cfg.ServerName)
	assert.NotNil(t, cfg.RootCAs)
}

func TestConfigErrors(t *testing.T) {
	_, err := ServerConfig(nil, logger.NewTestLogger())
	require.ErrorIs(t, err, ErrMTLSRequired)

	_, err = ClientConfig(&models.SecurityConfig{Mode: models.SecurityModeNone}, logger.NewTestLogger())
	require.ErrorIs(t, err, ErrMTLSRequired)

	_, err = ClientConfig(security(t.TempDir()), logger.NewTestLogger())
	require.ErrorIs(t, err, errFailedToLoadCert)

	dir := t.TempDir()
	writeSelfSigned(t, dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.pem"), []byte("nope"), 0o600))

	sec := security(dir)
	sec.TLS.CAFile = "bad.pem"

	_, err = ClientConfig(sec, logger.NewTestLogger())
	require.ErrorIs(t, err, errFailedToAppendCACert)
}
