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
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
)

// Response is a fully received HTTP response. A compressed body has already
// been decoded, and its Content-Encoding and Content-Length headers removed.
type Response struct {
	// StatusCode is the numeric status, such as 200.
	StatusCode int
	// Status is the status line text, such as "200 OK".
	Status string
	// Proto is the protocol version, such as "HTTP/1.1".
	Proto  string
	Header http.Header
	Body   []byte

	keepAlive bool
}

// KeepAlive reports whether the connection the response arrived on may be
// reused. It is false when the server sent "Connection: close" or answered
// with HTTP/1.0 without asking for keep-alive.
func (r *Response) KeepAlive() bool {
	return r.keepAlive
}

// readResponse reads one response from r, skipping informational (1xx)
// responses. Malformed, truncated, and oversized responses are reported as
// *DecodeError. Errors from the connection itself are returned as is,
// including io.EOF when the peer closed the connection before sending
// anything.
//
// On error the rest of the body is left unread, so the connection must be
// discarded.
func readResponse(r *bufio.Reader, method string, maxBytes int64) (*Response, error) {
	var (
		httpResp *http.Response
		err      error
	)
	for {
		if _, err := r.Peek(1); err != nil {
			if errors.Is(err, io.EOF) {
				return nil, io.EOF
			}
			return nil, readError(err)
		}
		httpResp, err = http.ReadResponse(r, &http.Request{Method: method})
		if err != nil {
			return nil, readError(err)
		}
		if httpResp.StatusCode >= 200 || httpResp.StatusCode == http.StatusSwitchingProtocols {
			break
		}
	}
	resp := &Response{
		StatusCode: httpResp.StatusCode,
		Status:     httpResp.Status,
		Proto:      httpResp.Proto,
		Header:     httpResp.Header,
		keepAlive:  !httpResp.Close,
	}
	if httpResp.StatusCode == http.StatusSwitchingProtocols {
		// the connection no longer speaks HTTP/1.1
		resp.keepAlive = false
		return resp, nil
	}
	// http.ReadResponse yields an empty body for HEAD, 204, and 304.
	raw, err := readLimited(httpResp.Body, maxBytes)
	if err != nil {
		return resp, err
	}
	// The body is at EOF, so this does not block.
	_ = httpResp.Body.Close()
	codings := contentCodings(resp.Header)
	if len(codings) == 0 {
		resp.Body = raw
		return resp, nil
	}
	decoded, err := decodeBody(raw, codings, maxBytes)
	if err != nil {
		return resp, err
	}
	resp.Header.Del("Content-Encoding")
	resp.Header.Del("Content-Length")
	resp.Body = decoded
	return resp, nil
}

// readLimited reads all of body, failing once more than maxBytes have been
// read.
func readLimited(body io.Reader, maxBytes int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(body, maxBytes+1))
	if err != nil {
		return nil, readError(err)
	}
	if int64(len(data)) > maxBytes {
		return nil, &DecodeError{Err: fmt.Errorf("%w (limit %d bytes)", ErrResponseTooLarge, maxBytes)}
	}
	return data, nil
}

// contentCodings returns the codings applied to the body, in the order they
// were applied. "identity" is dropped.
func contentCodings(header http.Header) []string {
	var codings []string
	for _, value := range header.Values("Content-Encoding") {
		for _, coding := range strings.Split(value, ",") {
			coding = strings.ToLower(strings.TrimSpace(coding))
			if coding != "" && coding != "identity" {
				codings = append(codings, coding)
			}
		}
	}
	return codings
}

func decodeBody(data []byte, codings []string, maxBytes int64) ([]byte, error) {
	for i := len(codings) - 1; i >= 0; i-- {
		reader, err := newDecoder(codings[i], data)
		if err != nil {
			return nil, &DecodeError{Err: fmt.Errorf("%s body: %w", codings[i], err)}
		}
		data, err = readLimited(reader, maxBytes)
		_ = reader.Close()
		if err != nil {
			var decodeErr *DecodeError
			if errors.As(err, &decodeErr) {
				return nil, err
			}
			return nil, &DecodeError{Err: fmt.Errorf("%s body: %w", codings[i], err)}
		}
	}
	return data, nil
}

func newDecoder(coding string, data []byte) (io.ReadCloser, error) {
	switch coding {
	case "gzip", "x-gzip":
		return gzip.NewReader(bytes.NewReader(data))
	case "deflate":
		// RFC 9110 deflate is zlib-wrapped, but raw deflate is common.
		if looksLikeZlib(data) {
			return zlib.NewReader(bytes.NewReader(data))
		}
		return flate.NewReader(bytes.NewReader(data)), nil
	case "zstd":
		decoder, err := zstd.NewReader(bytes.NewReader(data), zstd.WithDecoderConcurrency(1))
		if err != nil {
			return nil, err
		}
		return decoder.IOReadCloser(), nil
	default:
		return nil, fmt.Errorf("unsupported content encoding %q", coding)
	}
}

func looksLikeZlib(data []byte) bool {
	return len(data) >= 2 && data[0]&0x0f == 8 && (uint16(data[0])<<8|uint16(data[1]))%31 == 0
}

// readError separates failures of the connection from failures of the
// bytes received on it.
func readError(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, net.ErrClosed) {
		return err
	}
	if errors.Is(err, io.EOF) {
		err = io.ErrUnexpectedEOF
	}
	return &DecodeError{Err: err}
}
