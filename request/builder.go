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

package request

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/bufbuild/httppool/backoff"
	"github.com/bufbuild/httppool/node"
	"github.com/google/uuid"
	"golang.org/x/net/http/httpguts"
)

// Builder accumulates the parts of a request. Setters record the first
// error they encounter, which Build then reports; a Builder is not safe
// for concurrent use.
type Builder struct {
	config Config
	err    error

	method     string
	version    node.Version
	versionSet bool
	rawURL     string
	path       string
	remote     *node.Node
	header     http.Header
	removals   []string
	params     []param
	form       []param
	cookies    []*http.Cookie
	content    []byte
	hasContent bool
	stream     io.Reader

	userAgent      string
	acceptGzip     bool
	keepAlive      bool
	followRedirect bool
	maxRedirects   int
	timeout        time.Duration
	backOff        backoff.BackOff
	listener       Listener
	funcs          ListenerFuncs
}

type param struct {
	key, value string
	hasValue   bool
}

// New returns a builder that starts from DefaultConfig.
func New() *Builder {
	return NewBuilder(DefaultConfig())
}

// NewBuilder returns a builder that starts from the given defaults.
func NewBuilder(config Config) *Builder {
	builder := &Builder{
		config:         config,
		method:         config.Method,
		version:        config.Version,
		header:         http.Header{},
		userAgent:      config.UserAgent,
		acceptGzip:     config.AcceptGzip,
		keepAlive:      config.KeepAlive,
		followRedirect: config.FollowRedirect,
		maxRedirects:   config.MaxRedirects,
		timeout:        config.Timeout,
	}
	if builder.method == "" {
		builder.method = http.MethodGet
	}
	if builder.version == node.Unknown {
		builder.version = node.HTTP11
	}
	return builder
}

func (b *Builder) fail(err error) *Builder {
	if b.err == nil {
		b.err = err
	}
	return b
}

// Method sets the request method.
func (b *Builder) Method(method string) *Builder {
	if method == "" || !httpguts.ValidHeaderFieldName(method) {
		return b.fail(fmt.Errorf("invalid method %q", method))
	}
	b.method = method
	return b
}

// Get sets the method to GET.
func (b *Builder) Get() *Builder { return b.Method(http.MethodGet) }

// Post sets the method to POST.
func (b *Builder) Post() *Builder { return b.Method(http.MethodPost) }

// Put sets the method to PUT.
func (b *Builder) Put() *Builder { return b.Method(http.MethodPut) }

// Patch sets the method to PATCH.
func (b *Builder) Patch() *Builder { return b.Method(http.MethodPatch) }

// Delete sets the method to DELETE.
func (b *Builder) Delete() *Builder { return b.Method(http.MethodDelete) }

// Head sets the method to HEAD.
func (b *Builder) Head() *Builder { return b.Method(http.MethodHead) }

// Options sets the method to OPTIONS.
func (b *Builder) Options() *Builder { return b.Method(http.MethodOptions) }

// Trace sets the method to TRACE.
func (b *Builder) Trace() *Builder { return b.Method(http.MethodTrace) }

// Connect sets the method to CONNECT.
func (b *Builder) Connect() *Builder { return b.Method(http.MethodConnect) }

// Version sets the protocol version.
func (b *Builder) Version(version node.Version) *Builder {
	if version != node.HTTP11 && version != node.HTTP2 {
		return b.fail(fmt.Errorf("%w: %v", node.ErrUnknownVersion, version))
	}
	b.version, b.versionSet = version, true
	return b
}

// VersionString sets the protocol version from a string such as
// "HTTP/2.0".
func (b *Builder) VersionString(version string) *Builder {
	parsed, err := node.ParseVersion(version)
	if err != nil {
		return b.fail(err)
	}
	return b.Version(parsed)
}

// HTTP1 is shorthand for Version(node.HTTP11).
func (b *Builder) HTTP1() *Builder { return b.Version(node.HTTP11) }

// HTTP2 is shorthand for Version(node.HTTP2).
func (b *Builder) HTTP2() *Builder { return b.Version(node.HTTP2) }

// URL sets the absolute http or https URL of the request.
func (b *Builder) URL(rawURL string) *Builder {
	b.rawURL = rawURL
	return b
}

// Path sets the request target. With a URL it is resolved against the
// URL; without one the request is address-less and is sent to the node
// chosen by the client.
func (b *Builder) Path(path string) *Builder {
	b.path = path
	return b
}

// RemoteNode sends the request to n. Unless a version is set explicitly,
// the node's version is used. Without a URL, the Host header is derived
// from the node.
func (b *Builder) RemoteNode(n node.Node) *Builder {
	if err := n.Validate(); err != nil {
		return b.fail(err)
	}
	b.remote = &n
	return b
}

// AddHeader appends a header value.
func (b *Builder) AddHeader(name, value string) *Builder {
	if err := validateHeader(name, value); err != nil {
		return b.fail(err)
	}
	b.header.Add(name, value)
	return b
}

// SetHeader replaces all values of a header.
func (b *Builder) SetHeader(name, value string) *Builder {
	if err := validateHeader(name, value); err != nil {
		return b.fail(err)
	}
	b.header.Set(name, value)
	return b
}

// RemoveHeader deletes a header after all defaults have been applied, so
// it also suppresses headers Build would otherwise add.
func (b *Builder) RemoveHeader(name string) *Builder {
	b.header.Del(name)
	b.removals = append(b.removals, name)
	return b
}

// AddParam appends a query parameter.
func (b *Builder) AddParam(key, value string) *Builder {
	b.params = append(b.params, param{key: key, value: value, hasValue: true})
	return b
}

// AddFormParam appends a form parameter. Form parameters become the body
// when no other content is set.
func (b *Builder) AddFormParam(key, value string) *Builder {
	b.form = append(b.form, param{key: key, value: value, hasValue: true})
	return b
}

// AddCookie adds a cookie to send with the request.
func (b *Builder) AddCookie(cookie *http.Cookie) *Builder {
	if cookie == nil {
		return b.fail(errors.New("nil cookie"))
	}
	if err := cookie.Valid(); err != nil {
		return b.fail(err)
	}
	b.cookies = append(b.cookies, cookie)
	return b
}

// ContentType sets the Content-Type header.
func (b *Builder) ContentType(contentType string) *Builder {
	return b.SetHeader("Content-Type", contentType)
}

// AcceptGzip toggles "Accept-Encoding: gzip".
func (b *Builder) AcceptGzip(enabled bool) *Builder {
	b.acceptGzip = enabled
	return b
}

// KeepAlive toggles HTTP/1.1 persistent connections.
func (b *Builder) KeepAlive(enabled bool) *Builder {
	b.keepAlive = enabled
	return b
}

// FollowRedirect toggles redirect following.
func (b *Builder) FollowRedirect(enabled bool) *Builder {
	b.followRedirect = enabled
	return b
}

// MaxRedirects sets the redirect limit.
func (b *Builder) MaxRedirects(limit int) *Builder {
	if limit < 0 {
		return b.fail(fmt.Errorf("negative redirect limit %d", limit))
	}
	b.maxRedirects = limit
	return b
}

// Timeout sets the per-request timeout. Negative means the client
// default; zero disables the timeout.
func (b *Builder) Timeout(timeout time.Duration) *Builder {
	b.timeout = timeout
	return b
}

// Retry enables retries paced by the given back-off. Nil disables them.
func (b *Builder) Retry(strategy backoff.BackOff) *Builder {
	b.backOff = strategy
	return b
}

// UserAgent overrides the configured User-Agent.
func (b *Builder) UserAgent(userAgent string) *Builder {
	b.userAgent = userAgent
	return b
}

// Content sets a body of known length. The Content-Type is only set if
// the request does not already have one.
func (b *Builder) Content(data []byte, contentType string) *Builder {
	b.content, b.hasContent, b.stream = data, true, nil
	if contentType != "" && b.header.Get("Content-Type") == "" {
		b.header.Set("Content-Type", contentType)
	}
	return b
}

// Text sets a UTF-8 text body.
func (b *Builder) Text(text string) *Builder {
	return b.Content([]byte(text), "text/plain; charset=utf-8")
}

// JSON sets a JSON body.
func (b *Builder) JSON(data []byte) *Builder {
	return b.Content(data, "application/json; charset=utf-8")
}

// XML sets an XML body.
func (b *Builder) XML(data []byte) *Builder {
	return b.Content(data, "application/xml; charset=utf-8")
}

// Stream sets a body of unknown length, sent with chunked encoding.
// Such a request cannot be retried.
func (b *Builder) Stream(body io.Reader, contentType string) *Builder {
	if body == nil {
		return b.fail(errors.New("nil body stream"))
	}
	b.stream, b.content, b.hasContent = body, nil, true
	if contentType != "" && b.header.Get("Content-Type") == "" {
		b.header.Set("Content-Type", contentType)
	}
	return b
}

// Listener sets the listener notified of the response.
func (b *Builder) Listener(listener Listener) *Builder {
	b.listener = listener
	return b
}

// OnCookies registers a callback for the cookies of the response.
func (b *Builder) OnCookies(fn func([]*http.Cookie)) *Builder {
	b.funcs.Cookies = fn
	return b
}

// OnStatus registers a callback for the response status code.
func (b *Builder) OnStatus(fn func(int)) *Builder {
	b.funcs.Status = fn
	return b
}

// OnResponse registers a callback for the response.
func (b *Builder) OnResponse(fn func(*Response)) *Builder {
	b.funcs.Response = fn
	return b
}

// Build validates the builder and produces an immutable Request with
// normalized headers.
func (b *Builder) Build() (*Request, error) {
	if b.err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, b.err)
	}
	req, err := b.build()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	return req, nil
}

func (b *Builder) build() (*Request, error) {
	req := &Request{
		id:             uuid.NewString(),
		method:         b.method,
		version:        b.version,
		remote:         b.remote,
		header:         b.header.Clone(),
		cookies:        b.cookies,
		content:        b.content,
		stream:         b.stream,
		timeout:        b.timeout,
		followRedirect: b.followRedirect,
		maxRedirects:   b.maxRedirects,
		redirects:      &redirectCounter{},
		backOff:        b.backOff,
		listener:       b.listener,
	}
	if !b.versionSet && b.remote != nil {
		req.version = b.remote.Version
	}
	if !b.funcs.empty() {
		if req.listener == nil {
			req.listener = b.funcs
		} else {
			req.listener = Multi(req.listener, b.funcs)
		}
	}
	header := req.header

	// 1. Merge query parameters and compute the request target.
	if err := b.resolveTarget(req); err != nil {
		return nil, err
	}
	// 2. Host.
	switch {
	case req.url != nil:
		host, err := httpguts.PunycodeHostPort(req.url.Host)
		if err != nil {
			return nil, fmt.Errorf("invalid host %q: %w", req.url.Host, err)
		}
		header.Set("Host", host)
	case b.remote != nil:
		header.Set("Host", b.remote.Authority())
	}
	// 3. Date.
	now := time.Now
	if b.config.Now != nil {
		now = b.config.Now
	}
	header.Set("Date", now().UTC().Format(http.TimeFormat))
	// 4. User-Agent.
	if b.userAgent != "" && header.Get("User-Agent") == "" {
		header.Set("User-Agent", b.userAgent)
	}
	// 5. Accept-Encoding.
	if b.acceptGzip {
		header.Set("Accept-Encoding", "gzip")
	}
	// 6. Form body.
	if len(b.form) > 0 && !b.hasContent {
		req.content = []byte(encodeParams(b.form, true))
		header.Set("Content-Type", FormContentType)
	}
	// 7. Framing.
	if header.Get("Content-Length") == "" && header.Get("Transfer-Encoding") == "" {
		if length := req.ContentLength(); length < 0 {
			header.Set("Transfer-Encoding", "chunked")
		} else {
			header.Set("Content-Length", strconv.FormatInt(length, 10))
		}
	}
	// 8. Accept.
	if header.Get("Accept") == "" {
		header.Set("Accept", "*/*")
	}
	// 9. Persistent connections.
	if req.version == node.HTTP11 && !b.keepAlive {
		header.Set("Connection", "close")
	}
	// 10. Removals win over everything above.
	for _, name := range b.removals {
		header.Del(name)
	}

	for name, values := range header {
		for _, value := range values {
			if err := validateHeader(name, value); err != nil {
				return nil, err
			}
		}
	}
	return req, nil
}

func (b *Builder) resolveTarget(req *Request) error {
	rawURL := b.rawURL
	if rawURL == "" {
		rawURL = b.config.BaseURL
	}
	var target *url.URL
	if rawURL != "" {
		parsed, err := url.Parse(rawURL)
		if err != nil {
			return err
		}
		if scheme := strings.ToLower(parsed.Scheme); scheme != "http" && scheme != "https" {
			return fmt.Errorf("URL %q must be absolute with an http or https scheme", rawURL)
		}
		if parsed.Host == "" {
			return fmt.Errorf("URL %q has no host", rawURL)
		}
		target = parsed
	}
	if b.path != "" {
		ref, err := url.Parse(b.path)
		if err != nil {
			return err
		}
		if target != nil {
			target = target.ResolveReference(ref)
		} else {
			if ref.IsAbs() || ref.Host != "" {
				return fmt.Errorf("path %q must not carry a scheme or host", b.path)
			}
			target = ref
		}
	}
	if target == nil {
		target = &url.URL{}
	}

	params := parseQuery(target.RawQuery)
	params = append(params, b.params...)
	target.RawQuery = encodeParams(params, false)
	target.ForceQuery = false

	path := target.EscapedPath()
	if path == "" {
		path = "/"
	}
	var sb strings.Builder
	sb.WriteString(path)
	if target.RawQuery != "" {
		sb.WriteByte('?')
		sb.WriteString(target.RawQuery)
	}
	if target.Fragment != "" {
		sb.WriteByte('#')
		sb.WriteString(target.EscapedFragment())
	}
	req.target = sb.String()
	if target.Host != "" {
		req.url = target
	}
	return nil
}

func parseQuery(rawQuery string) []param {
	if rawQuery == "" {
		return nil
	}
	var params []param
	for _, part := range strings.Split(rawQuery, "&") {
		if part == "" {
			continue
		}
		key, value, hasValue := strings.Cut(part, "=")
		params = append(params, param{
			key:      unescape(key),
			value:    unescape(value),
			hasValue: hasValue,
		})
	}
	return params
}

func unescape(s string) string {
	if unescaped, err := url.QueryUnescape(s); err == nil {
		return unescaped
	}
	return s
}

// encodeParams joins parameters in order. Query strings use strict
// percent-encoding; form bodies encode spaces as '+'.
func encodeParams(params []param, form bool) string {
	escape := url.QueryEscape
	if !form {
		escape = func(s string) string {
			return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
		}
	}
	var sb strings.Builder
	for i, p := range params {
		if i > 0 {
			sb.WriteByte('&')
		}
		sb.WriteString(escape(p.key))
		if p.hasValue {
			sb.WriteByte('=')
			sb.WriteString(escape(p.value))
		}
	}
	return sb.String()
}

func validateHeader(name, value string) error {
	if !httpguts.ValidHeaderFieldName(name) {
		return fmt.Errorf("invalid header name %q", name)
	}
	if !httpguts.ValidHeaderFieldValue(value) {
		return fmt.Errorf("invalid value for header %q", name)
	}
	return nil
}
