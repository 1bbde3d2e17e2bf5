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

// Package loadcmd implements asyncload, a command that drives an HTTP
// endpoint with an asynchttp client and reports latency percentiles.
package loadcmd

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/bufbuild/asynchttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// EnvPrefix prefixes the environment variables that configure the client,
// such as ASYNCLOAD_CONNECT_TIMEOUT.
const EnvPrefix = "ASYNCLOAD"

type flags struct {
	plan        string
	method      string
	headers     []string
	params      []string
	body        string
	charset     string
	requests    int
	concurrency int
	rate        float64
	extract     string
	schema      string
	color       string
	verbose     bool
}

// NewCommand returns the asyncload root command.
func NewCommand() *cobra.Command {
	var f flags
	cmd := &cobra.Command{
		Use:   "asyncload [url]",
		Short: "Send concurrent HTTP/1.1 requests over pooled connections",
		Long: `asyncload sends a request many times, concurrently, through a pooled
asynchronous HTTP/1.1 client and reports latency percentiles, status codes,
and failures.

Client settings come from ASYNCLOAD_* environment variables, and may be
overridden by the "client" section of a YAML plan given with --plan. Flags
override both.`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			plan, err := f.buildPlan(cmd, args)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cmd, plan, &f)
		},
	}
	flagSet := cmd.Flags()
	flagSet.StringVarP(&f.plan, "plan", "p", "", "YAML plan file")
	flagSet.StringVarP(&f.method, "method", "X", "", "request method (default GET)")
	flagSet.StringArrayVarP(&f.headers, "header", "H", nil, `request header as "Name: value"; repeatable`)
	flagSet.StringArrayVarP(&f.params, "param", "q", nil, `query parameter as "key=value"; repeatable`)
	flagSet.StringVarP(&f.body, "data", "d", "", "request body")
	flagSet.StringVar(&f.charset, "charset", "", "charset to encode the body in")
	flagSet.IntVarP(&f.requests, "requests", "n", 1, "total number of requests")
	flagSet.IntVarP(&f.concurrency, "concurrency", "c", 1, "maximum requests in flight")
	flagSet.Float64Var(&f.rate, "rate", 0, "requests started per second (0 is unlimited)")
	flagSet.StringVar(&f.extract, "extract", "", "GJSON path whose values are counted across responses")
	flagSet.StringVar(&f.schema, "schema", "", "file with a JSON Schema that response bodies must satisfy")
	flagSet.StringVar(&f.color, "color", "auto", `colorize output: "auto", "always", or "never"`)
	flagSet.BoolVarP(&f.verbose, "verbose", "v", false, "log connection lifecycle events to stderr")
	return cmd
}

// Execute runs the command with the process's arguments.
func Execute(ctx context.Context) int {
	cmd := NewCommand()
	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "asyncload:", err)
		return 1
	}
	return 0
}

func (f *flags) buildPlan(cmd *cobra.Command, args []string) (*Plan, error) {
	config, err := asynchttp.LoadConfig(EnvPrefix)
	if err != nil {
		return nil, err
	}
	plan := DefaultPlan(config)
	if f.plan != "" {
		plan, err = LoadPlan(f.plan, plan)
		if err != nil {
			return nil, err
		}
	}
	changed := cmd.Flags().Changed
	if len(args) > 0 {
		plan.Target.URL = args[0]
	}
	if changed("method") {
		plan.Target.Method = f.method
	}
	if changed("data") {
		plan.Target.Body = f.body
	}
	if changed("charset") {
		plan.Target.Charset = f.charset
	}
	if changed("requests") {
		plan.Requests = f.requests
	}
	if changed("concurrency") {
		plan.Concurrency = f.concurrency
	}
	if changed("rate") {
		plan.Rate = f.rate
	}
	if changed("extract") {
		plan.Extract = f.extract
	}
	if changed("schema") {
		schema, err := os.ReadFile(f.schema)
		if err != nil {
			return nil, fmt.Errorf("read schema: %w", err)
		}
		plan.Schema = string(schema)
	}
	if len(f.headers) > 0 {
		header := make(map[string]string, len(plan.Target.Header)+len(f.headers))
		for name, value := range plan.Target.Header {
			header[name] = value
		}
		for _, raw := range f.headers {
			name, value, ok := strings.Cut(raw, ":")
			if !ok {
				return nil, fmt.Errorf("header %q: want \"Name: value\"", raw)
			}
			header[strings.TrimSpace(name)] = strings.TrimSpace(value)
		}
		plan.Target.Header = header
	}
	for _, raw := range f.params {
		key, value, _ := strings.Cut(raw, "=")
		plan.Target.Params = append(plan.Target.Params, Param{Key: key, Value: value})
	}
	if plan.Concurrency > plan.Client.MaxConnectionsPerDestination {
		// Extra concurrency would only queue for connections.
		plan.Client.MaxConnectionsPerDestination = plan.Concurrency
	}
	if err := plan.Validate(); err != nil {
		return nil, err
	}
	return plan, nil
}

func run(ctx context.Context, cmd *cobra.Command, plan *Plan, f *flags) error {
	logger := zap.NewNop()
	if f.verbose {
		var err error
		logger, err = zap.NewDevelopment()
		if err != nil {
			return err
		}
		defer func() {
			_ = logger.Sync()
		}()
	}
	client, err := asynchttp.NewClient(
		asynchttp.WithConfig(plan.Client),
		asynchttp.WithLogger(logger),
	)
	if err != nil {
		return err
	}
	report, runErr := Run(ctx, client, plan)
	if err := client.Close(); err != nil {
		logger.Warn("closing client", zap.Error(err))
	}
	if report == nil {
		return runErr
	}
	out := cmd.OutOrStdout()
	colored := f.color == "always" || (f.color == "auto" && isTerminal(out))
	if err := WriteReport(out, report, colored); err != nil {
		return err
	}
	if runErr != nil {
		return runErr
	}
	if report.Failed > 0 {
		return fmt.Errorf("%d of %d requests failed", report.Failed, report.Requests)
	}
	return nil
}
