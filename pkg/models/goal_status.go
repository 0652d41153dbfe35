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

package models

import "fmt"

// GoalID correlates every message that belongs to one goal.
type GoalID struct {
	ID    string `json:"id"    yaml:"id"`
	Stamp Time   `json:"stamp" yaml:"stamp"`
}

// StatusCode is the server-authoritative lifecycle status of a goal.
type StatusCode uint8

const (
	// StatusPending means the goal has been received but not yet processed by the server.
	StatusPending StatusCode = iota
	// StatusActive means the goal is currently being processed.
	StatusActive
	// StatusPreempted means the goal was cancelled after it started executing.
	StatusPreempted
	// StatusSucceeded means the goal was achieved.
	StatusSucceeded
	// StatusAborted means the server gave up on the goal during execution.
	StatusAborted
	// StatusRejected means the server refused the goal without processing it.
	StatusRejected
	// StatusPreempting means a cancel was requested after execution started.
	StatusPreempting
	// StatusRecalling means a cancel was requested before execution started.
	StatusRecalling
	// StatusRecalled means the goal was cancelled before it started executing.
	StatusRecalled
	// StatusLost is only ever assigned by a client that lost track of a goal.
	StatusLost
)

var statusNames = [...]string{
	StatusPending:    "PENDING",
	StatusActive:     "ACTIVE",
	StatusPreempted:  "PREEMPTED",
	StatusSucceeded:  "SUCCEEDED",
	StatusAborted:    "ABORTED",
	StatusRejected:   "REJECTED",
	StatusPreempting: "PREEMPTING",
	StatusRecalling:  "RECALLING",
	StatusRecalled:   "RECALLED",
	StatusLost:       "LOST",
}

func (s StatusCode) String() string {
	if int(s) < len(statusNames) {
		return statusNames[s]
	}

	return fmt.Sprintf("UNKNOWN(%d)", uint8(s))
}

// IsValid reports whether s is one of the ten defined status codes.
func (s StatusCode) IsValid() bool {
	return int(s) < len(statusNames)
}

// IsTerminal reports whether no further server-side transition can leave s.
func (s StatusCode) IsTerminal() bool {
	switch s {
	case StatusPreempted, StatusSucceeded, StatusAborted, StatusRejected, StatusRecalled, StatusLost:
		return true
	default:
		return false
	}
}

// ParseStatusCode is the inverse of StatusCode.String.
func ParseStatusCode(name string) (StatusCode, error) {
	for code, n := range statusNames {
		if n == name {
			return StatusCode(code), nil
		}
	}

	return 0, fmt.Errorf("unknown goal status %q", name)
}

// GoalStatus is one entry of a status snapshot.
type GoalStatus struct {
	GoalID GoalID     `json:"goal_id" yaml:"goal_id"`
	Status StatusCode `json:"status"  yaml:"status"`
	Text   string     `json:"text"    yaml:"text"`
}

func (g GoalStatus) String() string {
	if g.Text == "" {
		return fmt.Sprintf("%s=%s", g.GoalID.ID, g.Status)
	}

	return fmt.Sprintf("%s=%s (%s)", g.GoalID.ID, g.Status, g.Text)
}
