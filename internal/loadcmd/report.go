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
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
)

type palette struct {
	heading *color.Color
	ok      *color.Color
	warn    *color.Color
	bad     *color.Color
}

func newPalette(colored bool) palette {
	p := palette{
		heading: color.New(color.FgCyan, color.Bold),
		ok:      color.New(color.FgGreen),
		warn:    color.New(color.FgYellow),
		bad:     color.New(color.FgRed, color.Bold),
	}
	for _, c := range []*color.Color{p.heading, p.ok, p.warn, p.bad} {
		if colored {
			c.EnableColor()
		} else {
			c.DisableColor()
		}
	}
	return p
}

func (p palette) status(code int) *color.Color {
	switch {
	case code >= 500:
		return p.bad
	case code >= 400:
		return p.warn
	default:
		return p.ok
	}
}

// isTerminal reports whether w is a terminal that understands colors.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// WriteReport prints a human-readable summary of report to w.
func WriteReport(w io.Writer, report *Report, colored bool) error {
	p := newPalette(colored)
	ew := &errWriter{w: w}
	ew.printf("%s\n", p.heading.Sprint("Summary"))
	ew.printf("  requests:   %d (%s ok, %s failed)\n",
		report.Requests, p.ok.Sprint(report.Succeeded), failedColor(p, report.Failed).Sprint(report.Failed))
	ew.printf("  elapsed:    %s\n", report.Elapsed.Round(time.Millisecond))
	ew.printf("  throughput: %.1f req/s\n", report.Throughput())

	if report.Latency != nil && report.Latency.TotalCount() > 0 {
		ew.printf("%s\n", p.heading.Sprint("Latency"))
		for _, quantile := range []float64{50, 90, 99, 99.9} {
			ew.printf("  p%-5v %s\n", quantile, micros(report.Latency.ValueAtQuantile(quantile)))
		}
		ew.printf("  max    %s\n", micros(report.Latency.Max()))
	}

	if len(report.Statuses) > 0 {
		ew.printf("%s\n", p.heading.Sprint("Status codes"))
		for _, code := range report.StatusCodes() {
			ew.printf("  %s %d\n", p.status(code).Sprint(code), report.Statuses[code])
		}
	}
	if len(report.Errors) > 0 {
		ew.printf("%s\n", p.heading.Sprint("Errors"))
		for _, kind := range sortedKeys(report.Errors) {
			ew.printf("  %s %d\n", p.bad.Sprint(kind), report.Errors[kind])
		}
	}
	if len(report.Extracted) > 0 {
		ew.printf("%s\n", p.heading.Sprint("Extracted values"))
		for _, value := range sortedKeys(report.Extracted) {
			ew.printf("  %q %d\n", value, report.Extracted[value])
		}
	}
	if report.SchemaViolations > 0 {
		ew.printf("%s %d\n", p.bad.Sprint("Schema violations:"), report.SchemaViolations)
	}
	return ew.err
}

func failedColor(p palette, failed int) *color.Color {
	if failed > 0 {
		return p.bad
	}
	return p.ok
}

func micros(value int64) time.Duration {
	return time.Duration(value) * time.Microsecond
}

func sortedKeys(counts map[string]int) []string {
	keys := make([]string, 0, len(counts))
	for key := range counts {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// errWriter remembers the first write error so that a report can be
// printed without checking every line.
type errWriter struct {
	w   io.Writer
	err error
}

func (ew *errWriter) printf(format string, args ...any) {
	if ew.err != nil {
		return
	}
	_, ew.err = fmt.Fprintf(ew.w, format, args...)
}
