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

// Package picker selects which node a multi-node pool leases the next
// connection from. The pool applies its per-node limit after the pick,
// so a picker only decides where load goes, never how much of it there
// is.
//
// The provided implementations never starve a node: round-robin visits
// every node in turn, and least-loaded breaks ties sequentially. Custom
// [Picker] implementations could, for example, prefer nodes in a closer
// region or weight nodes by capacity.
package picker
