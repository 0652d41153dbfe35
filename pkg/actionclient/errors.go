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
	"errors"
	"fmt"
	"time"

	"github.com/united-manufacturing-hub/actionlib/pkg/models"
)

var (
	// ErrNilGoal is returned when SendGoal is called without a goal.
	ErrNilGoal = errors.New("goal must not be nil")

	// ErrServerNotAvailable means no action server became ready in time.
	ErrServerNotAvailable = errors.New("action server not available")

	// ErrClientShutdown is returned by operations on a client after Shutdown.
	ErrClientShutdown = errors.New("action client is shut down")

	// ErrGoalDone is returned when cancelling a goal that already reached DONE.
	ErrGoalDone = errors.New("goal is already done")

	// ErrPreemptTimeout means a cancelled goal did not finish within the preempt timeout.
	ErrPreemptTimeout = errors.New("goal did not finish after cancellation")
)

// ConnectionTimeoutError is returned by SendGoalAndWait when the server did
// not become ready within the connect timeout. It unwraps to ErrServerNotAvailable.
type ConnectionTimeoutError struct {
	ActionName string
	Timeout    time.Duration
}

func (e *ConnectionTimeoutError) Error() string {
	return fmt.Sprintf("action server for '%s' did not become ready within %s", e.ActionName, e.Timeout)
}

func (e *ConnectionTimeoutError) Unwrap() error {
	return ErrServerNotAvailable
}

// ActionFailedError is returned by SendGoalAndWait when a goal ends in any
// status other than SUCCEEDED.
type ActionFailedError struct {
	ActionName  string
	StatusText  string
	FinalStatus models.StatusCode
}

func (e *ActionFailedError) Error() string {
	return fmt.Sprintf("The action '%s' failed with final goal status '%s': %s", e.ActionName, e.FinalStatus, e.StatusText)
}
