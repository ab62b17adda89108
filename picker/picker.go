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
	"errors"

	"github.com/bufbuild/httppool/node"
)

// ErrNoNodes is reported by pickers created over an empty node list.
var ErrNoNodes = errors.New("no nodes to pick from")

// Picker implements node selection. It returns the node to lease a
// connection from, and a callback that, if non-nil, must be invoked when
// that lease is returned. Such a callback can be used, for example, to
// track the number of active leases for a least-loaded implementation.
type Picker interface {
	Pick() (n node.Node, whenDone func(), err error)
}

// Factory creates pickers for a fixed set of nodes.
type Factory interface {
	New(nodes []node.Node) Picker
}

// FactoryFunc adapts a function to the Factory interface.
type FactoryFunc func(nodes []node.Node) Picker

// New implements Factory.
func (f FactoryFunc) New(nodes []node.Node) Picker {
	return f(nodes)
}

// ErrorPicker returns a picker that always fails with the given error.
func ErrorPicker(err error) Picker {
	return pickerFunc(func() (node.Node, func(), error) {
		return node.Node{}, nil, err
	})
}

type pickerFunc func() (n node.Node, whenDone func(), err error)

func (f pickerFunc) Pick() (n node.Node, whenDone func(), err error) {
	return f()
}
