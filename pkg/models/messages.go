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

// Header is attached to every message an action endpoint publishes.
type Header struct {
	Seq   uint64 `json:"seq"   yaml:"seq"`
	Stamp Time   `json:"stamp" yaml:"stamp"`
}

// GoalStatusArray is the status snapshot a server broadcasts on the status topic.
type GoalStatusArray struct {
	Header     Header       `json:"header"      yaml:"header"`
	StatusList []GoalStatus `json:"status_list" yaml:"status_list"`
}

// Find returns the entry for the given goal id, if the snapshot carries one.
func (a *GoalStatusArray) Find(id string) (GoalStatus, bool) {
	for _, s := range a.StatusList {
		if s.GoalID.ID == id {
			return s, true
		}
	}

	return GoalStatus{}, false
}

// ActionGoal wraps an application goal payload of type G.
type ActionGoal[G any] struct {
	Header Header `json:"header"  yaml:"header"`
	GoalID GoalID `json:"goal_id" yaml:"goal_id"`
	Goal   *G     `json:"goal"    yaml:"goal"`
}

// ActionResult wraps an application result payload of type R together with the
// terminal status of the goal it belongs to. Result may be nil (e.g. for recalled goals).
type ActionResult[R any] struct {
	Header Header     `json:"header" yaml:"header"`
	Status GoalStatus `json:"status" yaml:"status"`
	Result *R         `json:"result" yaml:"result"`
}

// ActionFeedback wraps an application feedback payload of type F.
type ActionFeedback[F any] struct {
	Header   Header     `json:"header"   yaml:"header"`
	Status   GoalStatus `json:"status"   yaml:"status"`
	Feedback *F         `json:"feedback" yaml:"feedback"`
}
