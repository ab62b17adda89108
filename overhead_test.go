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

package httppool_test

import (
	"context"
	"net/http"
	"testing"

	"github.com/bufbuild/httppool"
	"github.com/bufbuild/httppool/node"
	"github.com/bufbuild/httppool/request"
	"github.com/bufbuild/httppool/transport"
	"github.com/stretchr/testify/require"
)

// noopProvider answers every request with an empty 200 without touching
// the network, so benchmarks measure only the client's own overhead.
type noopProvider struct {
	version node.Version
	mode    transport.Mode
}

func (p noopProvider) Version() node.Version { return p.version }

func (p noopProvider) Dial(_ context.Context, n node.Node) (transport.Conn, error) {
	return noopConn{node: n}, nil
}

func (p noopProvider) NewTransport(conn transport.Conn, options transport.Options) *transport.Transport {
	return transport.New(conn, p.mode, options)
}

type noopConn struct {
	node node.Node
}

func (c noopConn) Node() node.Node { return c.node }

func (noopConn) RoundTrip(context.Context, *http.Request) (*http.Response, error) {
	return &http.Response{
		StatusCode: http.StatusOK,
		Status:     "200 OK",
		Proto:      "HTTP/1.1",
		Header:     http.Header{},
		Body:       http.NoBody,
	}, nil
}

func (noopConn) Reusable() bool { return true }

func (noopConn) Close() error { return nil }

func TestNoOpProvider(t *testing.T) {
	t.Parallel()
	n := node.CleartextHTTP1("localhost", 1)
	client := newClient(t,
		httppool.WithNodes(n),
		httppool.WithProvider(noopProvider{version: node.HTTP11, mode: transport.Serial}),
	)
	req, err := request.New().Path("/").Build()
	require.NoError(t, err)
	resp, err := client.Do(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.True(t, resp.Node.Equal(n))
}

func BenchmarkNoOpHTTP1(b *testing.B) {
	benchmarkNoOp(b, node.CleartextHTTP1("localhost", 1), noopProvider{version: node.HTTP11, mode: transport.Serial})
}

func BenchmarkNoOpHTTP2(b *testing.B) {
	benchmarkNoOp(b, node.CleartextHTTP2("localhost", 1), noopProvider{version: node.HTTP2, mode: transport.Multiplexed})
}

func benchmarkNoOp(b *testing.B, n node.Node, provider transport.Provider) {
	b.Helper()
	client, err := httppool.NewClient(
		httppool.WithNodes(n),
		httppool.WithProvider(provider),
		httppool.WithConnectionLimit(100),
	)
	require.NoError(b, err)
	b.Cleanup(func() { _ = client.Close() })
	require.NoError(b, client.Prepare(context.Background(), 1))
	b.SetParallelism(100)
	b.ResetTimer()
	b.RunParallel(func(p *testing.PB) {
		for p.Next() {
			req, err := request.New().Version(n.Version).Path("/").Build()
			if err != nil {
				b.Fatal(err)
			}
			if _, err := client.Do(context.Background(), req); err != nil {
				b.Fatal(err)
			}
		}
	})
}
