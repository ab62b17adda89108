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

// Package node describes the remote endpoints that connections are made to.
// A Node is an immutable value: a host, a port, whether the connection is
// secured with TLS, and the HTTP protocol version spoken to it.
package node

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// Version identifies an HTTP protocol version.
type Version uint8

const (
	// Unknown is the zero value. It is never valid for a Node.
	Unknown Version = iota
	// HTTP11 is HTTP/1.1.
	HTTP11
	// HTTP2 is HTTP/2.
	HTTP2
)

//nolint:gochecknoglobals
var versionNames = map[Version]string{
	HTTP11: "HTTP/1.1",
	HTTP2:  "HTTP/2.0",
}

// ErrUnknownVersion is returned by ParseVersion for unrecognized strings.
var ErrUnknownVersion = errors.New("unknown HTTP version")

// ParseVersion maps a version string such as "HTTP/1.1" or "HTTP/2.0" to
// a Version.
func ParseVersion(s string) (Version, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "HTTP/1.1":
		return HTTP11, nil
	case "HTTP/2.0", "HTTP/2":
		return HTTP2, nil
	default:
		return Unknown, fmt.Errorf("%w: %q", ErrUnknownVersion, s)
	}
}

// String returns the canonical version string, which is also the key
// under which protocol providers are registered.
func (v Version) String() string {
	if name, ok := versionNames[v]; ok {
		return name
	}
	return "HTTP/unknown(" + strconv.Itoa(int(v)) + ")"
}

// Node is a remote HTTP endpoint.
type Node struct {
	Host    string
	Port    int
	Secure  bool
	Version Version
}

// Key is the identity of a node. Two nodes that differ only in version
// refer to the same endpoint.
type Key struct {
	Host   string
	Port   int
	Secure bool
}

// CleartextHTTP1 returns a cleartext HTTP/1.1 node.
func CleartextHTTP1(host string, port int) Node {
	return Node{Host: host, Port: port, Version: HTTP11}
}

// CleartextHTTP2 returns a cleartext HTTP/2 node (prior knowledge, no upgrade).
func CleartextHTTP2(host string, port int) Node {
	return Node{Host: host, Port: port, Version: HTTP2}
}

// SecureHTTP1 returns a TLS HTTP/1.1 node.
func SecureHTTP1(host string, port int) Node {
	return Node{Host: host, Port: port, Secure: true, Version: HTTP11}
}

// SecureHTTP2 returns a TLS HTTP/2 node.
func SecureHTTP2(host string, port int) Node {
	return Node{Host: host, Port: port, Secure: true, Version: HTTP2}
}

// Parse parses "host:port" into a node with the given security and
// version.
func Parse(hostPort string, secure bool, version Version) (Node, error) {
	host, portStr, err := net.SplitHostPort(hostPort)
	if err != nil {
		return Node{}, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return Node{}, fmt.Errorf("invalid port in %q", hostPort)
	}
	return Node{Host: host, Port: port, Secure: secure, Version: version}, nil
}

// FromURL derives the node addressed by an absolute http or https URL.
// When the URL has no explicit port, the scheme's default is used.
func FromURL(u *url.URL, version Version) (Node, error) {
	if u == nil {
		return Node{}, errors.New("nil URL")
	}
	var secure bool
	var port int
	switch strings.ToLower(u.Scheme) {
	case "http":
		port = 80
	case "https":
		secure, port = true, 443
	default:
		return Node{}, fmt.Errorf("unsupported URL scheme %q", u.Scheme)
	}
	host := u.Hostname()
	if host == "" {
		return Node{}, fmt.Errorf("URL %q has no host", u.Redacted())
	}
	if p := u.Port(); p != "" {
		var err error
		port, err = strconv.Atoi(p)
		if err != nil || port <= 0 || port > 65535 {
			return Node{}, fmt.Errorf("invalid port %q", p)
		}
	}
	return Node{Host: host, Port: port, Secure: secure, Version: version}, nil
}

// Key returns the node's identity.
func (n Node) Key() Key {
	return Key{Host: n.Host, Port: n.Port, Secure: n.Secure}
}

// Equal reports whether n and other identify the same endpoint.
func (n Node) Equal(other Node) bool {
	return n.Key() == other.Key()
}

// Scheme is "https" for secure nodes and "http" otherwise.
func (n Node) Scheme() string {
	if n.Secure {
		return "https"
	}
	return "http"
}

// HostPort returns the dialable "host:port" address.
func (n Node) HostPort() string {
	return net.JoinHostPort(n.Host, strconv.Itoa(n.Port))
}

// Authority returns the value for a Host header. The port is omitted
// when it is the scheme's default.
func (n Node) Authority() string {
	if (n.Secure && n.Port == 443) || (!n.Secure && n.Port == 80) {
		if strings.Contains(n.Host, ":") {
			return "[" + n.Host + "]"
		}
		return n.Host
	}
	return n.HostPort()
}

// Validate checks that the node can be dialed.
func (n Node) Validate() error {
	if n.Host == "" {
		return errors.New("node has no host")
	}
	if n.Port <= 0 || n.Port > 65535 {
		return fmt.Errorf("node %s has invalid port %d", n.Host, n.Port)
	}
	if _, ok := versionNames[n.Version]; !ok {
		return fmt.Errorf("node %s: %w", n.HostPort(), ErrUnknownVersion)
	}
	return nil
}

func (n Node) String() string {
	return n.Scheme() + "://" + n.HostPort() + " (" + n.Version.String() + ")"
}
