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
	"container/heap"
	"sync"

	"github.com/bufbuild/httppool/node"
)

//nolint:gochecknoglobals
var (
	// LeastLoadedRoundRobinFactory creates pickers that pick the node
	// with the fewest outstanding leases. When a tie occurs, tied nodes
	// are picked in an arbitrary but sequential order, so every node
	// keeps receiving leases under sustained load.
	LeastLoadedRoundRobinFactory Factory = FactoryFunc(newLeastLoadedRoundRobin)
)

type leastLoadedRoundRobin struct {
	mu sync.Mutex
	// +checklocks:mu
	nodes *leastLoadedNodeHeap
	// +checklocks:mu
	counter uint64
}

func newLeastLoadedRoundRobin(nodes []node.Node) Picker {
	if len(nodes) == 0 {
		return ErrorPicker(ErrNoNodes)
	}
	return &leastLoadedRoundRobin{nodes: newNodeHeap(nodes)}
}

func (p *leastLoadedRoundRobin) Pick() (n node.Node, whenDone func(), err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.counter++
	entry := p.nodes.acquire(p.counter)
	return entry.node,
		func() {
			p.mu.Lock()
			defer p.mu.Unlock()
			p.nodes.release(entry)
		},
		nil
}

//nolint:recvcheck // mix of pointer and non-pointer receiver methods is intentional
type leastLoadedNodeHeap []*leastLoadedNodeItem

type leastLoadedNodeItem struct {
	node     node.Node
	load     uint64
	tieBreak uint64
	index    int
}

func newNodeHeap(nodes []node.Node) *leastLoadedNodeHeap {
	items := make([]*leastLoadedNodeItem, len(nodes))
	for i, n := range nodes {
		items[i] = &leastLoadedNodeItem{node: n, index: i}
	}
	h := leastLoadedNodeHeap(items)
	heap.Init(&h)
	return &h
}

func (h *leastLoadedNodeHeap) acquire(nextTieBreak uint64) *leastLoadedNodeItem {
	entry := (*h)[0]
	entry.load++
	entry.tieBreak = nextTieBreak
	heap.Fix(h, entry.index)
	return entry
}

func (h *leastLoadedNodeHeap) release(entry *leastLoadedNodeItem) {
	entry.load--
	heap.Fix(h, entry.index)
}

func (h leastLoadedNodeHeap) Len() int { return len(h) }

func (h leastLoadedNodeHeap) Less(i, j int) bool {
	if h[i].load == h[j].load {
		return h[i].tieBreak < h[j].tieBreak
	}
	return h[i].load < h[j].load
}

func (h leastLoadedNodeHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *leastLoadedNodeHeap) Push(x any) {
	item := x.(*leastLoadedNodeItem) //nolint:forcetypeassert,errcheck
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *leastLoadedNodeHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[:n-1]
	return item
}
