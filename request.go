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
	"bufio"
	"errors"
	"fmt"
	"maps"
	"net/http"
	"net/textproto"
	"net/url"
	"slices"
	"strconv"
	"strings"

	"github.com/bufbuild/asynchttp/resolver"
	"golang.org/x/net/http/httpguts"
	"golang.org/x/text/encoding/htmlindex"
)

// acceptEncoding lists the content codings the decoder understands.
const acceptEncoding = "gzip, deflate, zstd"

// Request describes one HTTP/1.1 request.
type Request struct {
	// Method defaults to GET.
	Method string
	// URL is an absolute http or https URL. Its query, if any, is kept and
	// Params are appended to it.
	URL string
	// Header holds extra request headers. Host, Connection,
	// Accept-Encoding, Content-Length, and Transfer-Encoding are always set
	// by the client and are ignored here.
	Header map[string]string
	// Params are query parameters, encoded in the order given.
	Params []Param
	// Body is sent with an explicit Content-Length. When BodyCharset is set,
	// Body is taken as UTF-8 text and transcoded to that charset first.
	Body []byte
	// BodyCharset is an IANA or WHATWG charset name, such as "utf-8",
	// "iso-8859-1", or "gbk".
	BodyCharset string
}

// Param is one query parameter.
type Param struct {
	Key   string
	Value string
}

// Params builds an ordered parameter list from alternating keys and values.
// It panics if given an odd number of arguments.
func Params(keyValues ...string) []Param {
	if len(keyValues)%2 != 0 {
		panic("asynchttp: Params needs key/value pairs")
	}
	params := make([]Param, 0, len(keyValues)/2)
	for i := 0; i < len(keyValues); i += 2 {
		params = append(params, Param{Key: keyValues[i], Value: keyValues[i+1]})
	}
	return params
}

// managedHeaders are written by the encoder itself.
//
//nolint:gochecknoglobals
var managedHeaders = map[string]struct{}{
	"Host":              {},
	"Connection":        {},
	"Accept-Encoding":   {},
	"Content-Length":    {},
	"Transfer-Encoding": {},
}

// preparedRequest is a Request that has been validated and resolved, and
// is ready to be written to a connection of its destination.
type preparedRequest struct {
	method string
	target string
	dest   resolver.Destination
	header [][2]string
	body   []byte
}

// prepareRequest does everything that can fail before a connection is
// involved. Resolution failures are returned as *ResolutionError.
func prepareRequest(req *Request) (*preparedRequest, error) {
	dest, target, err := resolver.ParseURL(req.URL)
	if err != nil {
		return nil, &ResolutionError{URL: req.URL, Err: err}
	}
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	if !httpguts.ValidHeaderFieldName(method) {
		return nil, fmt.Errorf("invalid method %q", method)
	}
	prepared := &preparedRequest{
		method: method,
		target: requestTarget(target, req.Params),
		dest:   dest,
	}
	for _, key := range slices.Sorted(maps.Keys(req.Header)) {
		value := req.Header[key]
		if !httpguts.ValidHeaderFieldName(key) {
			return nil, fmt.Errorf("invalid header name %q", key)
		}
		if !httpguts.ValidHeaderFieldValue(value) {
			return nil, fmt.Errorf("invalid value for header %q", key)
		}
		if _, managed := managedHeaders[textproto.CanonicalMIMEHeaderKey(key)]; managed {
			continue
		}
		prepared.header = append(prepared.header, [2]string{key, value})
	}
	prepared.body, err = encodeBody(req.Body, req.BodyCharset)
	if err != nil {
		return nil, err
	}
	return prepared, nil
}

// requestTarget renders the origin-form target: the escaped path ("/" when
// empty), then the URL's own query, then params in order.
func requestTarget(target *url.URL, params []Param) string {
	var builder strings.Builder
	path := target.EscapedPath()
	if path == "" {
		path = "/"
	}
	builder.WriteString(path)
	query := target.RawQuery
	for _, param := range params {
		if query != "" {
			query += "&"
		}
		query += url.QueryEscape(param.Key) + "=" + url.QueryEscape(param.Value)
	}
	if query != "" {
		builder.WriteByte('?')
		builder.WriteString(query)
	}
	return builder.String()
}

func encodeBody(body []byte, charset string) ([]byte, error) {
	if charset == "" || len(body) == 0 {
		return body, nil
	}
	encoding, err := htmlindex.Get(charset)
	if err != nil {
		return nil, fmt.Errorf("body charset %q: %w", charset, err)
	}
	encoded, err := encoding.NewEncoder().Bytes(body)
	if err != nil {
		return nil, fmt.Errorf("encode body as %s: %w", charset, err)
	}
	return encoded, nil
}

// writeTo renders the request onto w. It does not flush.
func (r *preparedRequest) writeTo(w *bufio.Writer) error {
	var errs []error
	write := func(s string) {
		if _, err := w.WriteString(s); err != nil {
			errs = append(errs, err)
		}
	}
	write(r.method + " " + r.target + " HTTP/1.1\r\n")
	for _, field := range r.header {
		write(field[0] + ": " + field[1] + "\r\n")
	}
	write("Host: " + r.dest.HostHeader() + "\r\n")
	write("Connection: keep-alive\r\n")
	write("Accept-Encoding: " + acceptEncoding + "\r\n")
	write("Content-Length: " + strconv.Itoa(len(r.body)) + "\r\n\r\n")
	if _, err := w.Write(r.body); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		// bufio.Writer errors are sticky, the first is the cause
		return errs[0]
	}
	return nil
}

// errEmptyRequest rejects a nil request.
var errEmptyRequest = errors.New("nil request")
