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

package picker

import (
	"testing"

	"github.com/bufbuild/httppool/node"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLeastLoadedNodeHeap(t *testing.T) {
	t.Parallel()
	heap := newNodeHeap(nodes("a", "b", "c", "d", "e", "f"))
	counts := map[string]uint64{
		"a": 0,
		"b": 0,
		"c": 0,
		"d": 0,
		"e": 0,
		"f": 0,
	}
	verifyHeap(t, heap, counts)

	// Note: order may not be intuitive, due to how
	// nodes in the heap are sifted up and down as an item
	// is popped, but it is deterministic.

	// No repeats since they all have weight zero.
	verifyPicks(t, heap, counts, "abdecf")
	// Now they all have weight one, so they all repeat. But
	// we don't see any item a third time until we've seen
	// all of 'em 2x.
	verifyPicks(t, heap, counts, "fdabce")

	verifyReleases(t, heap, counts, "aabb")

	// Now a and b have a load of zero, but the others have load 2.
	// So we'll pick them next.
	verifyPicks(t, heap, counts, "abba")
}

func TestLeastLoadedRoundRobin(t *testing.T) {
	t.Parallel()
	picker := LeastLoadedRoundRobinFactory.New(nodes("a", "b", "c"))

	// With equal load, ties rotate through every node.
	type lease struct {
		host     string
		whenDone func()
	}
	var leases []lease
	seen := map[string]int{}
	for i := 0; i < 6; i++ {
		n, whenDone, err := picker.Pick()
		require.NoError(t, err)
		require.NotNil(t, whenDone)
		seen[n.Host]++
		leases = append(leases, lease{host: n.Host, whenDone: whenDone})
	}
	assert.Equal(t, map[string]int{"a": 2, "b": 2, "c": 2}, seen)

	// Releasing both leases of one node makes it the preferred pick.
	for _, l := range leases {
		if l.host == "b" {
			l.whenDone()
		}
	}
	n, _, err := picker.Pick()
	require.NoError(t, err)
	assert.Equal(t, "b", n.Host)
}

func TestRoundRobin(t *testing.T) {
	t.Parallel()
	picker := RoundRobinFactory.New(nodes("a", "b", "c", "d"))
	seen := map[string]int{}
	var order []string
	for i := 0; i < 12; i++ {
		n, whenDone, err := picker.Pick()
		require.NoError(t, err)
		assert.Nil(t, whenDone)
		seen[n.Host]++
		order = append(order, n.Host)
	}
	assert.Equal(t, map[string]int{"a": 3, "b": 3, "c": 3, "d": 3}, seen)
	// The shuffled order repeats exactly.
	assert.Equal(t, order[:4], order[4:8])
	assert.Equal(t, order[:4], order[8:])
}

func TestEmptyNodes(t *testing.T) {
	t.Parallel()
	for _, factory := range []Factory{RoundRobinFactory, LeastLoadedRoundRobinFactory} {
		_, _, err := factory.New(nil).Pick()
		require.ErrorIs(t, err, ErrNoNodes)
	}
}

func nodes(hosts ...string) []node.Node {
	result := make([]node.Node, len(hosts))
	for i, host := range hosts {
		result[i] = node.CleartextHTTP1(host, 80)
	}
	return result
}

func verifyPicks(t *testing.T, heap *leastLoadedNodeHeap, counts map[string]uint64, ids string) {
	t.Helper()
	for _, ch := range ids {
		id := string(ch)
		item := heap.acquire(0)
		require.Equal(t, id, item.node.Host)
		counts[id]++
		verifyHeap(t, heap, counts)
	}
}

func verifyReleases(t *testing.T, heap *leastLoadedNodeHeap, counts map[string]uint64, ids string) {
	t.Helper()
	for _, ch := range ids {
		id := string(ch)
		release(t, heap, id)
		counts[id]--
		verifyHeap(t, heap, counts)
	}
}

func release(t *testing.T, heap *leastLoadedNodeHeap, id string) { //nolint:varnamelen
	t.Helper()
	for _, item := range *heap {
		if item.node.Host == id {
			heap.release(item)
			return
		}
	}
	t.Fatalf("item %s not found in heap", id)
}

func verifyHeap(t *testing.T, heap *leastLoadedNodeHeap, counts map[string]uint64) {
	t.Helper()
	for i, item := range *heap {
		require.Equal(t, i, item.index)
		count, ok := counts[item.node.Host]
		require.True(t, ok)
		require.Equal(t, count, item.load)
		if i > 0 {
			// heap invariant
			parent := (i - 1) / 2
			require.LessOrEqual(t, (*heap)[parent].load, item.load)
		}
	}
}
