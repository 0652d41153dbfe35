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

package actionclient

import (
	"fmt"

	"github.com/united-manufacturing-hub/actionlib/pkg/models"
)

// CommState is the client's view of how far a goal has progressed through the
// protocol. The constants are declared in protocol order: a handle only ever
// moves to a state declared after its current one.
type CommState uint8

const (
	CommStateWaitingForGoalAck CommState = iota
	CommStatePending
	CommStateActive
	CommStateWaitingForCancelAck
	CommStateRecalling
	CommStatePreempting
	CommStateWaitingForResult
	CommStateDone
)

var commStateNames = [...]string{
	CommStateWaitingForGoalAck:   "WAITING_FOR_GOAL_ACK",
	CommStatePending:             "PENDING",
	CommStateActive:              "ACTIVE",
	CommStateWaitingForCancelAck: "WAITING_FOR_CANCEL_ACK",
	CommStateRecalling:           "RECALLING",
	CommStatePreempting:          "PREEMPTING",
	CommStateWaitingForResult:    "WAITING_FOR_RESULT",
	CommStateDone:                "DONE",
}

func (s CommState) String() string {
	if int(s) < len(commStateNames) {
		return commStateNames[s]
	}

	return fmt.Sprintf("UNKNOWN(%d)", uint8(s))
}

// transitionKind tells how a (state, status) pair is handled.
type transitionKind uint8

const (
	transitionInvalid transitionKind = iota
	transitionNoop
	transitionPath
)

type transition struct {
	path []CommState
	kind transitionKind
}

var (
	noop    = transition{kind: transitionNoop}
	invalid = transition{kind: transitionInvalid}
)

func to(path ...CommState) transition {
	return transition{kind: transitionPath, path: path}
}

// transitions maps (current state, reported status) to the states the handle
// passes through. Missing entries are invalid; DONE has no entries at all.
var transitions = map[CommState]map[models.StatusCode]transition{
	CommStateWaitingForGoalAck: {
		models.StatusPending:    to(CommStatePending),
		models.StatusActive:     to(CommStateActive),
		models.StatusPreempted:  to(CommStateActive, CommStatePreempting, CommStateWaitingForResult),
		models.StatusSucceeded:  to(CommStateActive, CommStateWaitingForResult),
		models.StatusAborted:    to(CommStateActive, CommStateWaitingForResult),
		models.StatusRejected:   to(CommStatePending, CommStateWaitingForResult),
		models.StatusRecalled:   to(CommStatePending, CommStateWaitingForResult),
		models.StatusPreempting: to(CommStateActive, CommStatePreempting),
		models.StatusRecalling:  to(CommStatePending, CommStateRecalling),
	},
	CommStatePending: {
		models.StatusPending:    noop,
		models.StatusActive:     to(CommStateActive),
		models.StatusPreempted:  to(CommStateActive, CommStatePreempting, CommStateWaitingForResult),
		models.StatusSucceeded:  to(CommStateActive, CommStateWaitingForResult),
		models.StatusAborted:    to(CommStateActive, CommStateWaitingForResult),
		models.StatusRejected:   to(CommStateWaitingForResult),
		models.StatusRecalled:   to(CommStateRecalling, CommStateWaitingForResult),
		models.StatusPreempting: to(CommStateActive, CommStatePreempting),
		models.StatusRecalling:  to(CommStateRecalling),
	},
	CommStateActive: {
		models.StatusPending:    invalid,
		models.StatusActive:     noop,
		models.StatusPreempted:  to(CommStatePreempting, CommStateWaitingForResult),
		models.StatusSucceeded:  to(CommStateWaitingForResult),
		models.StatusAborted:    to(CommStateWaitingForResult),
		models.StatusRejected:   invalid,
		models.StatusRecalled:   invalid,
		models.StatusPreempting: to(CommStatePreempting),
		models.StatusRecalling:  invalid,
	},
	CommStateWaitingForResult: {
		models.StatusPending:    invalid,
		models.StatusActive:     noop,
		models.StatusPreempted:  noop,
		models.StatusSucceeded:  noop,
		models.StatusAborted:    noop,
		models.StatusRejected:   noop,
		models.StatusRecalled:   noop,
		models.StatusPreempting: invalid,
		models.StatusRecalling:  invalid,
	},
	CommStateWaitingForCancelAck: {
		models.StatusPending:    noop,
		models.StatusActive:     noop,
		models.StatusPreempted:  to(CommStatePreempting, CommStateWaitingForResult),
		models.StatusSucceeded:  to(CommStatePreempting, CommStateWaitingForResult),
		models.StatusAborted:    to(CommStatePreempting, CommStateWaitingForResult),
		models.StatusRejected:   to(CommStateWaitingForResult),
		models.StatusRecalled:   to(CommStateRecalling, CommStateWaitingForResult),
		models.StatusPreempting: to(CommStatePreempting),
		models.StatusRecalling:  to(CommStateRecalling),
	},
	CommStateRecalling: {
		models.StatusPending:    invalid,
		models.StatusActive:     invalid,
		models.StatusPreempted:  to(CommStatePreempting, CommStateWaitingForResult),
		models.StatusSucceeded:  to(CommStatePreempting, CommStateWaitingForResult),
		models.StatusAborted:    to(CommStatePreempting, CommStateWaitingForResult),
		models.StatusRejected:   to(CommStateWaitingForResult),
		models.StatusRecalled:   to(CommStateWaitingForResult),
		models.StatusPreempting: to(CommStatePreempting),
		models.StatusRecalling:  noop,
	},
	CommStatePreempting: {
		models.StatusPending:    invalid,
		models.StatusActive:     invalid,
		models.StatusPreempted:  to(CommStateWaitingForResult),
		models.StatusSucceeded:  to(CommStateWaitingForResult),
		models.StatusAborted:    to(CommStateWaitingForResult),
		models.StatusRejected:   invalid,
		models.StatusRecalled:   invalid,
		models.StatusPreempting: noop,
		models.StatusRecalling:  invalid,
	},
}

func lookupTransition(state CommState, status models.StatusCode) transition {
	if row, ok := transitions[state]; ok {
		if t, ok := row[status]; ok {
			return t
		}
	}

	return invalid
}
