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

package resolver

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"golang.org/x/net/idna"
)

var (
	errMissingHost = errors.New("missing host")
	errNotAbsolute = errors.New("URL is not absolute")
)

// Scheme identifies whether connections to a destination are wrapped in TLS.
type Scheme int

const (
	// SchemePlain is HTTP over a bare TCP connection.
	SchemePlain Scheme = iota
	// SchemeTLS is HTTP over a TLS connection.
	SchemeTLS
)

// String returns the URL scheme corresponding to s.
func (s Scheme) String() string {
	switch s {
	case SchemePlain:
		return "http"
	case SchemeTLS:
		return "https"
	default:
		return "scheme(" + strconv.Itoa(int(s)) + ")"
	}
}

// DefaultPort is the port used when a URL does not name one.
func (s Scheme) DefaultPort() int {
	if s == SchemeTLS {
		return 443
	}
	return 80
}

// Destination is the canonical (host, port, scheme) triple a connection
// pool is keyed on. It is comparable and safe to use as a map key.
type Destination struct {
	// Host is lower-case ASCII. IPv6 literals have no brackets.
	Host   string
	Port   int
	Scheme Scheme
}

// HostPort returns the "host:port" form used to dial the destination.
func (d Destination) HostPort() string {
	return net.JoinHostPort(d.Host, strconv.Itoa(d.Port))
}

// HostHeader returns the value of the Host request header for d. The port
// is omitted when it is the scheme's default.
func (d Destination) HostHeader() string {
	if d.Port == d.Scheme.DefaultPort() {
		if strings.Contains(d.Host, ":") {
			return "[" + d.Host + "]"
		}
		return d.Host
	}
	return d.HostPort()
}

// String returns d in "scheme://host:port" form.
func (d Destination) String() string {
	return d.Scheme.String() + "://" + d.HostPort()
}

// ParseURL parses raw and computes its destination. Any failure, including
// an unsupported scheme, is reported as an error; nothing is defaulted
// except the port.
func ParseURL(raw string) (Destination, *url.URL, error) {
	parsed, err := url.Parse(raw)
	if err != nil {
		return Destination{}, nil, err
	}
	dest, err := FromURL(parsed)
	if err != nil {
		return Destination{}, nil, err
	}
	return dest, parsed, nil
}

// FromURL computes the destination of an already-parsed URL.
func FromURL(target *url.URL) (Destination, error) {
	if !target.IsAbs() {
		return Destination{}, errNotAbsolute
	}
	var dest Destination
	switch strings.ToLower(target.Scheme) {
	case "http":
		dest.Scheme = SchemePlain
	case "https":
		dest.Scheme = SchemeTLS
	default:
		return Destination{}, fmt.Errorf("unsupported URL scheme %q", target.Scheme)
	}
	host, err := canonicalHost(target.Hostname())
	if err != nil {
		return Destination{}, err
	}
	dest.Host = host
	dest.Port = dest.Scheme.DefaultPort()
	if portStr := target.Port(); portStr != "" {
		port, err := strconv.Atoi(portStr)
		if err != nil || port < 1 || port > 65535 {
			return Destination{}, fmt.Errorf("invalid port %q", portStr)
		}
		dest.Port = port
	}
	return dest, nil
}

func canonicalHost(host string) (string, error) {
	if host == "" {
		return "", errMissingHost
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip.String(), nil
	}
	ascii, err := idna.Lookup.ToASCII(host)
	if err != nil {
		return "", fmt.Errorf("invalid host %q: %w", host, err)
	}
	return strings.ToLower(ascii), nil
}
