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
	"slices"
	"sync/atomic"

	"github.com/bufbuild/httppool/internal"
	"github.com/bufbuild/httppool/node"
)

//nolint:gochecknoglobals
var (
	// RoundRobinFactory creates pickers that cycle through the nodes in
	// sequential order. The order is shuffled once when the picker is
	// created, so that many pools created at the same time do not all
	// start on the same node.
	RoundRobinFactory Factory = FactoryFunc(newRoundRobin)
)

type roundRobin struct {
	nodes []node.Node
	// +checkatomic
	counter atomic.Uint64
}

func newRoundRobin(nodes []node.Node) Picker {
	if len(nodes) == 0 {
		return ErrorPicker(ErrNoNodes)
	}
	shuffled := slices.Clone(nodes)
	rnd := internal.NewRand()
	rnd.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})
	return &roundRobin{nodes: shuffled}
}

func (r *roundRobin) Pick() (n node.Node, whenDone func(), err error) {
	next := r.counter.Add(1) - 1
	return r.nodes[next%uint64(len(r.nodes))], nil, nil
}
