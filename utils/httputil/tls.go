// Copyright (c) 2016-2019 Uber Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package httputil

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
)

// Secret points at a file on disk holding a certificate, key, or passphrase.
type Secret struct {
	Path string `yaml:"path"`
}

func (s Secret) read() ([]byte, error) {
	if s.Path == "" {
		return nil, fmt.Errorf("secret path not set")
	}
	return os.ReadFile(s.Path)
}

// TLSConfig configures mutual TLS for an HTTP client, e.g. the tracker
// announce client talking to peers or trackers behind mTLS.
type TLSConfig struct {
	Name string   `yaml:"name"`
	CAs  []Secret `yaml:"cas"`

	Client struct {
		Disabled   bool   `yaml:"disabled"`
		Cert       Secret `yaml:"cert"`
		Key        Secret `yaml:"key"`
		Passphrase Secret `yaml:"passphrase"`
	} `yaml:"client"`
}

// BuildClient constructs a *tls.Config from c. It returns a nil config (and
// no error) if the client is disabled, in which case callers should fall
// back to a plaintext connection.
func (c *TLSConfig) BuildClient() (*tls.Config, error) {
	if c.Client.Disabled {
		return nil, nil
	}

	certPEM, err := c.Client.Cert.read()
	if err != nil {
		return nil, fmt.Errorf("read client cert: %s", err)
	}
	keyPEM, err := parseKey(c.Client.Key.Path, c.Client.Passphrase.Path)
	if err != nil {
		return nil, fmt.Errorf("parse client key: %s", err)
	}
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("load x509 key pair: %s", err)
	}
	caPool, err := createCertPool(c.CAs)
	if err != nil {
		return nil, fmt.Errorf("create cert pool: %s", err)
	}
	return &tls.Config{
		ServerName:   c.Name,
		Certificates: []tls.Certificate{cert},
		RootCAs:      caPool,
	}, nil
}

// parseKey reads an unencrypted PEM-encoded private key from keyPath.
// passphrasePath is accepted for config-shape compatibility with deployments
// that still ship an (unused) passphrase file; encrypted PEM blocks are not
// supported, matching the standard library's removal of PEM encryption.
func parseKey(keyPath, passphrasePath string) ([]byte, error) {
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("read key: %s", err)
	}
	return keyPEM, nil
}

func createCertPool(cas []Secret) (*x509.CertPool, error) {
	pool := x509.NewCertPool()
	for _, ca := range cas {
		pem, err := ca.read()
		if err != nil {
			return nil, fmt.Errorf("read ca: %s", err)
		}
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("append ca cert from %s", ca.Path)
		}
	}
	return pool, nil
}
