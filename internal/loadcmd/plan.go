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
	"errors"
	"fmt"
	"os"
	"reflect"
	"strings"

	"github.com/bufbuild/asynchttp"
	"github.com/go-playground/validator/v10"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

// Plan describes a load run: the client settings, the request to send, and
// how hard to send it.
type Plan struct {
	Client asynchttp.Config `yaml:"client" validate:"-"`
	Target Target           `yaml:"target"`
	// Requests is the total number of requests to send.
	Requests int `yaml:"requests" validate:"gte=1"`
	// Concurrency bounds the number of requests in flight.
	Concurrency int `yaml:"concurrency" validate:"gte=1"`
	// Rate is the number of requests started per second. Zero is unlimited.
	Rate float64 `yaml:"rate" validate:"gte=0"`
	// Extract is a GJSON path evaluated against every response body. The
	// distinct results are counted.
	Extract string `yaml:"extract"`
	// Schema is a JSON Schema document that every response body must
	// satisfy.
	Schema string `yaml:"schema"`
}

// Target is the request sent on every iteration.
type Target struct {
	Method  string            `yaml:"method"`
	URL     string            `yaml:"url" validate:"required,url"`
	Header  map[string]string `yaml:"header"`
	Params  []Param           `yaml:"params" validate:"dive"`
	Body    string            `yaml:"body"`
	Charset string            `yaml:"charset"`
}

// Param is one query parameter.
type Param struct {
	Key   string `yaml:"key" validate:"required"`
	Value string `yaml:"value"`
}

// DefaultPlan returns a plan that sends a single request with the given
// client settings.
func DefaultPlan(config asynchttp.Config) *Plan {
	return &Plan{
		Client:      config,
		Requests:    1,
		Concurrency: 1,
	}
}

// LoadPlan reads a YAML plan from path. Settings missing from the file keep
// the values they have in base.
func LoadPlan(path string, base *Plan) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plan: %w", err)
	}
	return ParsePlan(data, base)
}

// ParsePlan is like LoadPlan, but decodes data directly.
func ParsePlan(data []byte, base *Plan) (*Plan, error) {
	plan := *base
	if err := yaml.Unmarshal(data, &plan); err != nil {
		return nil, fmt.Errorf("parse plan: %w", err)
	}
	return &plan, nil
}

// Validate reports the first problem with the plan, if any.
func (p *Plan) Validate() error {
	if err := planValidator.Struct(p); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			messages := make([]string, len(fieldErrs))
			for i, fieldErr := range fieldErrs {
				messages[i] = fmt.Sprintf("%s failed %q", fieldErr.Namespace(), fieldErr.Tag())
			}
			return fmt.Errorf("invalid plan: %s", strings.Join(messages, "; "))
		}
		return err
	}
	if err := p.Client.Validate(); err != nil {
		return err
	}
	if p.Schema != "" {
		if _, err := p.compileSchema(); err != nil {
			return err
		}
	}
	return nil
}

// request builds the request sent on every iteration.
func (p *Plan) request() *asynchttp.Request {
	req := &asynchttp.Request{
		Method:      p.Target.Method,
		URL:         p.Target.URL,
		Header:      p.Target.Header,
		BodyCharset: p.Target.Charset,
	}
	if p.Target.Body != "" {
		req.Body = []byte(p.Target.Body)
	}
	for _, param := range p.Target.Params {
		req.Params = append(req.Params, asynchttp.Param{Key: param.Key, Value: param.Value})
	}
	return req
}

func (p *Plan) compileSchema() (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", strings.NewReader(p.Schema)); err != nil {
		return nil, fmt.Errorf("invalid schema: %w", err)
	}
	schema, err := compiler.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("invalid schema: %w", err)
	}
	return schema, nil
}

//nolint:gochecknoglobals
var planValidator = newPlanValidator()

func newPlanValidator() *validator.Validate {
	validate := validator.New()
	validate.RegisterTagNameFunc(func(field reflect.StructField) string {
		name, _, _ := strings.Cut(field.Tag.Get("yaml"), ",")
		return name
	})
	return validate
}
