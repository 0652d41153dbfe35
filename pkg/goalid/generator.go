// Copyright 2025 UMH Systems GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package goalid builds the identifiers that tie goal, cancel, feedback,
// result and status messages of one goal together.
//
// An id has the form
//
//	<node>-<counter>-<sec>.<nsec>
//
// with every number rendered as at least eight lowercase hex digits. The
// counter is shared by all generators of a process, so two ids produced in the
// same process never collide, and ids from one node sort by creation order as
// long as the counter stays below 2^32.
package goalid

import (
	"fmt"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/united-manufacturing-hub/actionlib/pkg/models"
)

var (
	counterMu sync.Mutex
	counter   uint64
)

func nextCounter() uint64 {
	counterMu.Lock()
	defer counterMu.Unlock()

	counter++

	return counter
}

// Generator produces goal ids for one node.
type Generator struct {
	clock    clock.Clock
	nodeName string
}

// NewGenerator returns a generator that prefixes ids with nodeName. An empty
// node name is replaced by a random one. A nil clock means the wall clock.
func NewGenerator(nodeName string, c clock.Clock) *Generator {
	if nodeName == "" {
		nodeName = "node-" + uuid.NewString()
	}

	if c == nil {
		c = clock.New()
	}

	return &Generator{nodeName: nodeName, clock: c}
}

// NodeName returns the prefix used for generated ids.
func (g *Generator) NodeName() string {
	return g.nodeName
}

// Next returns a fresh id stamped with the current time.
func (g *Generator) Next() models.GoalID {
	stamp := models.NewTime(g.clock.Now())
	n := nextCounter()

	return models.GoalID{
		ID:    fmt.Sprintf("%s-%08x-%08x.%08x", g.nodeName, n, stamp.Sec, stamp.Nsec),
		Stamp: stamp,
	}
}
