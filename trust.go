// Copyright 2023-2025 Buf Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package asynchttp

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
)

// TrustPolicy decides how server certificates are verified on TLS
// connections. Verification is never disabled unless InsecureTrustAll is
// chosen explicitly.
type TrustPolicy interface {
	// tlsConfig returns the base client TLS configuration. Insecure reports
	// whether verification is disabled, so that the client can warn.
	tlsConfig() (config *tls.Config, insecure bool, err error)
}

// SystemTrust verifies servers against the host's root certificates. It is
// the default.
func SystemTrust() TrustPolicy {
	return trustFunc(func() (*tls.Config, bool, error) {
		return &tls.Config{MinVersion: tls.VersionTLS12}, false, nil
	})
}

// TrustRoots verifies servers against the given roots only.
func TrustRoots(roots *x509.CertPool) TrustPolicy {
	return trustFunc(func() (*tls.Config, bool, error) {
		if roots == nil {
			return nil, false, errors.New("trust roots: nil certificate pool")
		}
		return &tls.Config{RootCAs: roots, MinVersion: tls.VersionTLS12}, false, nil
	})
}

// TrustPEM verifies servers against the PEM-encoded roots in pemCerts. It
// fails client construction if no certificate can be parsed.
func TrustPEM(pemCerts []byte) TrustPolicy {
	return trustFunc(func() (*tls.Config, bool, error) {
		roots := x509.NewCertPool()
		if !roots.AppendCertsFromPEM(pemCerts) {
			return nil, false, errors.New("trust PEM: no certificates found")
		}
		return &tls.Config{RootCAs: roots, MinVersion: tls.VersionTLS12}, false, nil
	})
}

// TrustPEMFile is like TrustPEM, but reads the roots from a file when the
// client is constructed.
func TrustPEMFile(path string) TrustPolicy {
	return trustFunc(func() (*tls.Config, bool, error) {
		pemCerts, err := os.ReadFile(path)
		if err != nil {
			return nil, false, fmt.Errorf("trust PEM file: %w", err)
		}
		return TrustPEM(pemCerts).tlsConfig()
	})
}

// InsecureTrustAll accepts any certificate the server presents. It is meant
// for development against servers with self-signed certificates, and the
// client logs a warning when it is used.
func InsecureTrustAll() TrustPolicy {
	return trustFunc(func() (*tls.Config, bool, error) {
		return &tls.Config{
			InsecureSkipVerify: true, //nolint:gosec // explicitly requested
			MinVersion:         tls.VersionTLS12,
		}, true, nil
	})
}

type trustFunc func() (*tls.Config, bool, error)

func (f trustFunc) tlsConfig() (*tls.Config, bool, error) {
	return f()
}
