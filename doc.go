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

// Package httppool provides an HTTP client that sends requests over
// bounded pools of connections, speaking HTTP/1.1 or HTTP/2 per node.
//
// To create a new client use the [NewClient] function. Each node passed
// via [WithNodes] gets a pool holding at most [WithConnectionLimit]
// leased connections; callers beyond that limit wait in
// [Client.Execute] until a connection comes back. Requests are built with
// the request package and describe everything about one exchange: its
// target, headers and body, timeout, redirect limit and retry policy.
//
//	client, err := httppool.NewClient(
//	    httppool.WithNodes(node.CleartextHTTP2("backend.internal", 8080)),
//	    httppool.WithConnectionLimit(4),
//	)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//	req, err := request.New().HTTP2().Path("/status").Build()
//	if err != nil {
//	    return err
//	}
//	resp, err := client.Do(ctx, req)
//
// # Protocols
//
// The protocol is chosen by the request's version, looked up in a
// registry of providers keyed by "HTTP/1.1" and "HTTP/2.0". A node whose
// version has no provider is rejected by NewClient.
//
// With HTTP/1.1, every exchange leases a connection from the node's pool
// and returns it afterwards; a connection that broke or that the server
// asked to close is discarded instead. With HTTP/2, all requests to a node
// share one connection and run concurrently on separate streams. Cleartext
// HTTP/2 uses prior knowledge (h2c); secure nodes negotiate it via ALPN.
//
// # Failures
//
// A request that times out fails alone. A connection that fails takes
// every request outstanding on it down with a transport error, and the
// connection is replaced on the next request. Requests built with a retry
// policy are retried on a fresh connection after the policy's delay,
// provided their body can be sent again.
//
// Redirects are never followed implicitly. The redirect package follows
// them for requests whose redirect limit allows it.
package httppool
