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

package loadcmd

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bufbuild/asynchttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePlan(t *testing.T) {
	t.Parallel()
	base := DefaultPlan(asynchttp.DefaultConfig())
	plan, err := ParsePlan([]byte(`
client:
  max_connections_per_destination: 8
  response_timeout: 2s
target:
  method: POST
  url: http://localhost:8080/items
  header:
    Content-Type: application/json
  params:
    - key: b
      value: "2"
    - key: a
      value: "1"
  body: '{"name":"widget"}'
requests: 100
concurrency: 10
rate: 50
extract: name
`), base)
	require.NoError(t, err)
	require.NoError(t, plan.Validate())
	assert.Equal(t, 8, plan.Client.MaxConnectionsPerDestination)
	assert.Equal(t, 2*time.Second, plan.Client.ResponseTimeout)
	// Settings missing from the file keep their base values.
	assert.Equal(t, 10*time.Second, plan.Client.ConnectTimeout)
	assert.Equal(t, 100, plan.Requests)
	assert.Equal(t, 10, plan.Concurrency)
	assert.InDelta(t, 50.0, plan.Rate, 0)

	req := plan.request()
	assert.Equal(t, "POST", req.Method)
	assert.Equal(t, []asynchttp.Param{{Key: "b", Value: "2"}, {Key: "a", Value: "1"}}, req.Params)
	assert.Equal(t, `{"name":"widget"}`, string(req.Body))
	assert.Equal(t, "application/json", req.Header["Content-Type"])

	// The base plan is not modified.
	assert.Equal(t, 1, base.Requests)
	assert.Empty(t, base.Target.URL)
}

func TestLoadPlan(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "plan.yaml")
	require.NoError(t, os.WriteFile(path, []byte("target:\n  url: https://example.com/\nrequests: 3\n"), 0o600))
	plan, err := LoadPlan(path, DefaultPlan(asynchttp.DefaultConfig()))
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/", plan.Target.URL)
	assert.Equal(t, 3, plan.Requests)

	_, err = LoadPlan(filepath.Join(t.TempDir(), "missing.yaml"), plan)
	require.ErrorContains(t, err, "read plan")
	_, err = ParsePlan([]byte("requests: [1"), plan)
	require.ErrorContains(t, err, "parse plan")
}

func TestPlanValidate(t *testing.T) {
	t.Parallel()
	valid := func() *Plan {
		plan := DefaultPlan(asynchttp.DefaultConfig())
		plan.Target.URL = "http://localhost/"
		return plan
	}
	require.NoError(t, valid().Validate())

	testCases := []struct {
		name    string
		modify  func(*Plan)
		wantErr string
	}{
		{
			name:    "missing url",
			modify:  func(p *Plan) { p.Target.URL = "" },
			wantErr: "Plan.target.url",
		},
		{
			name:    "no requests",
			modify:  func(p *Plan) { p.Requests = 0 },
			wantErr: "Plan.requests",
		},
		{
			name:    "no concurrency",
			modify:  func(p *Plan) { p.Concurrency = 0 },
			wantErr: "Plan.concurrency",
		},
		{
			name:    "negative rate",
			modify:  func(p *Plan) { p.Rate = -1 },
			wantErr: "Plan.rate",
		},
		{
			name:    "param without key",
			modify:  func(p *Plan) { p.Target.Params = []Param{{Value: "v"}} },
			wantErr: "Plan.target.params[0].key",
		},
		{
			name:    "invalid client settings",
			modify:  func(p *Plan) { p.Client.MaxConnectionsPerDestination = 0 },
			wantErr: "max_connections_per_destination",
		},
		{
			name:    "invalid schema",
			modify:  func(p *Plan) { p.Schema = `{"type": 12}` },
			wantErr: "invalid schema",
		},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()
			plan := valid()
			testCase.modify(plan)
			require.ErrorContains(t, plan.Validate(), testCase.wantErr)
		})
	}
}
