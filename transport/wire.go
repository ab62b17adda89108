// Copyright 2023 Buf Technologies, Inc.
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

package transport

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/bufbuild/httppool/node"
	"github.com/bufbuild/httppool/request"
	"golang.org/x/net/http/httpguts"
)

// newHTTPRequest converts a normalized request into the form the wire
// codecs in net/http and x/net/http2 write. Framing comes from the
// request's own Content-Length and Transfer-Encoding headers.
func newHTTPRequest(ctx context.Context, req *request.Request, n node.Node) (*http.Request, error) {
	header := req.Header()
	host := header.Get("Host")
	if host == "" {
		host = n.Authority()
	}
	httpReq := &http.Request{
		Method:     req.Method(),
		URL:        &url.URL{Scheme: n.Scheme(), Host: host, Opaque: req.Target()},
		Proto:      "HTTP/1.1",
		ProtoMajor: 1,
		ProtoMinor: 1,
		Header:     header,
		Host:       host,
		Close:      httpguts.HeaderValuesContainsToken(header["Connection"], "close"),
	}
	chunked := httpguts.HeaderValuesContainsToken(header["Transfer-Encoding"], "chunked")
	contentLength := req.ContentLength()
	if value := header.Get("Content-Length"); value != "" && !chunked {
		parsed, err := strconv.ParseInt(value, 10, 64)
		if err != nil || parsed < 0 {
			return nil, fmt.Errorf("%w: bad Content-Length %q", request.ErrInvalidRequest, value)
		}
		contentLength = parsed
	}
	for _, name := range []string{"Host", "Content-Length", "Transfer-Encoding", "Connection"} {
		header.Del(name)
	}
	if httpReq.Close {
		header.Set("Connection", "close")
	}
	for _, cookie := range req.Cookies() {
		httpReq.AddCookie(cookie)
	}

	switch body := req.Body(); {
	case body == nil:
		httpReq.Body = http.NoBody
		httpReq.ContentLength = 0
	case req.Replayable():
		content := req.Content()
		httpReq.Body = io.NopCloser(bytes.NewReader(content))
		httpReq.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(content)), nil
		}
		httpReq.ContentLength = contentLength
	default:
		httpReq.Body = io.NopCloser(body)
		httpReq.ContentLength = -1
	}
	if chunked {
		httpReq.TransferEncoding = []string{"chunked"}
		httpReq.ContentLength = -1
	}
	return httpReq.WithContext(ctx), nil
}

// newResponse buffers and decodes the body of an exchange's response.
func newResponse(httpResp *http.Response, req *request.Request, n node.Node, streamID uint32) (*request.Response, error) {
	var body []byte
	if httpResp.Body != nil {
		var err error
		body, err = io.ReadAll(httpResp.Body)
		_ = httpResp.Body.Close()
		if err != nil {
			return nil, err
		}
	}
	header := httpResp.Header
	if header == nil {
		header = http.Header{}
	}
	if len(body) > 0 && strings.EqualFold(strings.TrimSpace(header.Get("Content-Encoding")), "gzip") {
		decoded, err := gunzip(body)
		if err != nil {
			return nil, fmt.Errorf("decoding gzip response body: %w", err)
		}
		body = decoded
		header.Del("Content-Encoding")
		header.Set("Content-Length", strconv.Itoa(len(body)))
	}
	return &request.Response{
		StatusCode: httpResp.StatusCode,
		Status:     httpResp.Status,
		Proto:      httpResp.Proto,
		Header:     header,
		Cookies:    httpResp.Cookies(),
		Body:       body,
		Node:       n,
		StreamID:   streamID,
		Request:    req,
	}, nil
}

func gunzip(data []byte) ([]byte, error) {
	reader, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer reader.Close()
	return io.ReadAll(reader)
}
