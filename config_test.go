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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Parallel()
	config, err := LoadConfig("asynchttp_test_defaults")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), config)
}

//nolint:paralleltest // uses t.Setenv
func TestLoadConfigFromEnvironment(t *testing.T) {
	t.Setenv("ASYNCHTTP_MAX_CONNS_PER_DESTINATION", "8")
	t.Setenv("ASYNCHTTP_CONNECT_TIMEOUT", "2s")
	t.Setenv("ASYNCHTTP_RESPONSE_TIMEOUT", "1m")
	t.Setenv("ASYNCHTTP_MAX_RESPONSE_BYTES", "4096")
	t.Setenv("ASYNCHTTP_TLS_TRUST", "insecure")
	config, err := LoadConfig("asynchttp")
	require.NoError(t, err)
	assert.Equal(t, 8, config.MaxConnectionsPerDestination)
	assert.Equal(t, 2*time.Second, config.ConnectTimeout)
	assert.Equal(t, time.Minute, config.ResponseTimeout)
	assert.Equal(t, int64(4096), config.MaxResponseBytes)
	assert.Equal(t, 30*time.Second, config.AcquireTimeout)
	_, insecure, err := config.TrustPolicy().tlsConfig()
	require.NoError(t, err)
	assert.True(t, insecure)
}

//nolint:paralleltest // uses t.Setenv
func TestLoadConfigRejectsInvalidValues(t *testing.T) {
	t.Setenv("ASYNCHTTP_TEST_INVALID_TLS_TRUST", "maybe")
	t.Setenv("ASYNCHTTP_TEST_INVALID_MAX_CONNS_PER_DESTINATION", "0")
	_, err := LoadConfig("asynchttp_test_invalid")
	require.ErrorContains(t, err, "tls_trust")
	require.ErrorContains(t, err, "max_connections_per_destination")

	t.Setenv("ASYNCHTTP_TEST_UNPARSABLE_CONNECT_TIMEOUT", "soon")
	_, err = LoadConfig("asynchttp_test_unparsable")
	require.ErrorContains(t, err, "CONNECT_TIMEOUT")
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()
	require.NoError(t, DefaultConfig().Validate())

	config := DefaultConfig()
	config.ConnectTimeout = -time.Second
	require.ErrorContains(t, config.Validate(), "connect_timeout")

	config = DefaultConfig()
	config.TLSTrust = "pem"
	require.ErrorContains(t, config.Validate(), "tls_root_ca_file")
	config.TLSRootCAFile = "/etc/ssl/roots.pem"
	require.NoError(t, config.Validate())
}
