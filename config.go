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
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	en_translations "github.com/go-playground/validator/v10/translations/en"
	"github.com/kelseyhightower/envconfig"
)

// Config holds the client settings that can be expressed as plain values.
// The zero value is not usable; start from DefaultConfig or LoadConfig.
type Config struct {
	// MaxConnectionsPerDestination is the capacity of each destination's
	// pool: idle, leased, and connecting connections all count.
	MaxConnectionsPerDestination int `envconfig:"MAX_CONNS_PER_DESTINATION" default:"64" validate:"gte=1" yaml:"max_connections_per_destination"`
	// ConnectTimeout bounds DNS resolution, TCP connect, and the TLS
	// handshake of a new connection.
	ConnectTimeout time.Duration `envconfig:"CONNECT_TIMEOUT" default:"10s" validate:"gte=0" yaml:"connect_timeout"`
	// ResponseTimeout bounds writing the request and reading the whole
	// response, once a connection is leased.
	ResponseTimeout time.Duration `envconfig:"RESPONSE_TIMEOUT" default:"30s" validate:"gte=0" yaml:"response_timeout"`
	// AcquireTimeout bounds how long an exchange waits for a connection.
	AcquireTimeout time.Duration `envconfig:"ACQUIRE_TIMEOUT" default:"30s" validate:"gte=0" yaml:"acquire_timeout"`
	// MaxResponseBytes bounds the decoded body of a response.
	MaxResponseBytes int64 `envconfig:"MAX_RESPONSE_BYTES" default:"1048576" validate:"gte=1" yaml:"max_response_bytes"`
	// IdleConnTimeout closes pooled connections that have been idle for
	// longer. Zero keeps them open indefinitely.
	IdleConnTimeout time.Duration `envconfig:"IDLE_CONN_TIMEOUT" default:"90s" validate:"gte=0" yaml:"idle_conn_timeout"`
	// CloseGracePeriod is how long Close waits for in-flight exchanges
	// before cancelling them.
	CloseGracePeriod time.Duration `envconfig:"CLOSE_GRACE_PERIOD" default:"20s" validate:"gte=0" yaml:"close_grace_period"`
	// TLSTrust selects how server certificates are verified: "system" uses
	// the host's roots, "pem" uses the roots in TLSRootCAFile, and
	// "insecure" disables verification.
	TLSTrust string `envconfig:"TLS_TRUST" default:"system" validate:"oneof=system insecure pem" yaml:"tls_trust"`
	// TLSRootCAFile is a PEM bundle of trusted roots, required when TLSTrust
	// is "pem".
	TLSRootCAFile string `envconfig:"TLS_ROOT_CA_FILE" validate:"required_if=TLSTrust pem" yaml:"tls_root_ca_file"`
}

// DefaultConfig returns the settings used when no options are given.
func DefaultConfig() Config {
	return Config{
		MaxConnectionsPerDestination: 64,
		ConnectTimeout:               10 * time.Second,
		ResponseTimeout:              30 * time.Second,
		AcquireTimeout:               30 * time.Second,
		MaxResponseBytes:             1 << 20,
		IdleConnTimeout:              90 * time.Second,
		CloseGracePeriod:             20 * time.Second,
		TLSTrust:                     "system",
	}
}

// LoadConfig reads a Config from environment variables named with the given
// prefix, such as ASYNCHTTP_CONNECT_TIMEOUT for the prefix "asynchttp".
// Unset variables take their defaults. The result is validated.
func LoadConfig(prefix string) (Config, error) {
	var config Config
	if err := envconfig.Process(prefix, &config); err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	if err := config.Validate(); err != nil {
		return Config{}, err
	}
	return config, nil
}

// Validate reports every invalid setting, if any. Fields are named by
// their YAML keys.
func (c Config) Validate() error {
	err := configValidator.Struct(c)
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err
	}
	messages := make([]string, len(fieldErrs))
	for i, fieldErr := range fieldErrs {
		messages[i] = fieldErr.Translate(configTranslator)
	}
	return fmt.Errorf("invalid config: %s", strings.Join(messages, "; "))
}

// TrustPolicy returns the trust policy that the TLS settings describe.
func (c Config) TrustPolicy() TrustPolicy {
	switch c.TLSTrust {
	case "insecure":
		return InsecureTrustAll()
	case "pem":
		return TrustPEMFile(c.TLSRootCAFile)
	default:
		return SystemTrust()
	}
}

//nolint:gochecknoglobals
var configValidator, configTranslator = newConfigValidator()

func newConfigValidator() (*validator.Validate, ut.Translator) {
	validate := validator.New(validator.WithRequiredStructEnabled())
	translator, _ := ut.New(en.New(), en.New()).GetTranslator("en")
	if err := en_translations.RegisterDefaultTranslations(validate, translator); err != nil {
		panic(err)
	}
	validate.RegisterTagNameFunc(func(field reflect.StructField) string {
		return field.Tag.Get("yaml")
	})
	return validate, translator
}
