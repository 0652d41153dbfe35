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

package constants

import "time"

// Parameter keys read by the action server.
const (
	ParamStatusFrequency   = "actionlib_status_frequency"
	ParamStatusListTimeout = "status_list_timeout"
)

const (
	// DefaultQueueSize is the queue depth used for every action topic.
	DefaultQueueSize = 50

	// DefaultStatusFrequency is the status broadcast rate in Hz.
	DefaultStatusFrequency = 5.0

	// MinStatusInterval bounds the status broadcast period from below.
	MinStatusInterval = time.Millisecond

	// DefaultStatusListTimeout is how long a terminal goal stays in the
	// status snapshot before the server forgets it.
	DefaultStatusListTimeout = 5 * time.Second

	// DefaultConnectTimeout bounds how long SendGoalAndWait waits for a server.
	DefaultConnectTimeout = 3 * time.Second

	// DefaultServerPollInterval is the readiness poll interval of WaitForActionServerToStart.
	DefaultServerPollInterval = 10 * time.Millisecond

	// DefaultFinishedGoalRetention is how long a client remembers goals that reached DONE.
	DefaultFinishedGoalRetention = 5 * time.Second
)

// Topic suffixes below the action namespace.
const (
	TopicGoal     = "goal"
	TopicCancel   = "cancel"
	TopicStatus   = "status"
	TopicFeedback = "feedback"
	TopicResult   = "result"
)

// LostStatusText is the status text a client assigns to goals it lost track of.
const LostStatusText = "LOST"
