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

package actionserver

import "errors"

var (
	// ErrNotStarted is returned when publishing before Start.
	ErrNotStarted = errors.New("action server is not started")

	// ErrAlreadyStarted is returned by a second call to Start.
	ErrAlreadyStarted = errors.New("action server is already started")

	// ErrServerShutdown is returned by operations on a server after Shutdown.
	ErrServerShutdown = errors.New("action server is shut down")

	// ErrNoGoalCallback is returned by Start when no goal callback is registered.
	ErrNoGoalCallback = errors.New("no goal callback registered")

	// ErrInvalidTransition is returned when a goal handle setter is not allowed
	// in the goal's current status.
	ErrInvalidTransition = errors.New("invalid goal status transition")

	// ErrGoalTerminal is returned when publishing feedback for a finished goal.
	ErrGoalTerminal = errors.New("goal already has a terminal status")
)
