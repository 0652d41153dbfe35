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
	"sync"

	"github.com/united-manufacturing-hub/actionlib/pkg/constants"
	"github.com/united-manufacturing-hub/actionlib/pkg/metrics"
	"github.com/united-manufacturing-hub/actionlib/pkg/models"
	"github.com/united-manufacturing-hub/actionlib/pkg/sentry"
)

type eventKind uint8

const (
	eventStatus eventKind = iota
	eventResult
	eventFeedback
	eventCancel
	eventLost
)

// handleEvent is one unit of work for a goal handle.
type handleEvent[R, F any] struct {
	status   *models.GoalStatus // nil: the goal is missing from the snapshot
	result   *models.ActionResult[R]
	feedback *models.ActionFeedback[F]
	reason   string
	stamp    models.Time
	kind     eventKind
}

// ClientGoalHandle tracks one goal sent by an ActionClient.
//
// Every event concerning the goal (status updates, results, feedback, local
// cancels) goes through the handle's mailbox and is processed by one
// goroutine at a time, so the callbacks of a handle never run concurrently
// and never re-enter each other. Callbacks may call Cancel on their own
// handle; the cancel is processed after the callback returns.
type ClientGoalHandle[G, R, F any] struct {
	client       *ActionClient[G, R, F]
	goal         *models.ActionGoal[G]
	onTransition func(*ClientGoalHandle[G, R, F])
	onFeedback   func(*ClientGoalHandle[G, R, F], *F)
	done         chan struct{}

	latestStatus    *models.GoalStatus
	latestResult    *models.ActionResult[R]
	mailbox         []handleEvent[R, F]
	mu              sync.Mutex
	processing      sync.Mutex
	state           CommState
	cancelRequested bool
}

func newClientGoalHandle[G, R, F any](c *ActionClient[G, R, F], goal *models.ActionGoal[G]) *ClientGoalHandle[G, R, F] {
	return &ClientGoalHandle[G, R, F]{
		client: c,
		goal:   goal,
		state:  CommStateWaitingForGoalAck,
		done:   make(chan struct{}),
	}
}

// GoalID returns the id the goal was sent with.
func (h *ClientGoalHandle[G, R, F]) GoalID() models.GoalID {
	return h.goal.GoalID
}

// Goal returns the goal payload.
func (h *ClientGoalHandle[G, R, F]) Goal() *G {
	return h.goal.Goal
}

// CommState returns the current communication state.
func (h *ClientGoalHandle[G, R, F]) CommState() CommState {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.state
}

// GoalStatus returns the latest status the server reported for the goal. ok
// is false until the first status arrived.
func (h *ClientGoalHandle[G, R, F]) GoalStatus() (status models.GoalStatus, ok bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.latestStatus == nil {
		return models.GoalStatus{}, false
	}

	return *h.latestStatus, true
}

// Result returns the result payload, or nil if no result was received or the
// server sent an empty one.
func (h *ClientGoalHandle[G, R, F]) Result() *R {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.latestResult == nil {
		return nil
	}

	return h.latestResult.Result
}

// ResultMessage returns the full result message, or nil if none was received.
func (h *ClientGoalHandle[G, R, F]) ResultMessage() *models.ActionResult[R] {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.latestResult
}

// IsCancelRequested reports whether Cancel was called on this handle.
func (h *ClientGoalHandle[G, R, F]) IsCancelRequested() bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.cancelRequested
}

// Done is closed once the handle reaches DONE.
func (h *ClientGoalHandle[G, R, F]) Done() <-chan struct{} {
	return h.done
}

// Cancel asks the server to cancel the goal.
func (h *ClientGoalHandle[G, R, F]) Cancel() error {
	if h.CommState() == CommStateDone {
		return fmt.Errorf("cannot cancel goal %s: %w", h.goal.GoalID.ID, ErrGoalDone)
	}

	if err := h.client.publishCancel(models.GoalID{ID: h.goal.GoalID.ID}); err != nil {
		return err
	}

	h.mu.Lock()
	h.cancelRequested = true
	h.mu.Unlock()

	h.dispatch(handleEvent[R, F]{kind: eventCancel})

	return nil
}

func (h *ClientGoalHandle[G, R, F]) dispatch(ev handleEvent[R, F]) {
	h.mu.Lock()
	h.mailbox = append(h.mailbox, ev)
	h.mu.Unlock()

	h.drain()
}

// drain processes the mailbox unless another goroutine already does. After
// releasing the processing lock it looks again, so an event queued while the
// previous owner was finishing is never stranded.
func (h *ClientGoalHandle[G, R, F]) drain() {
	for {
		if !h.processing.TryLock() {
			return
		}

		for {
			ev, ok := h.nextEvent()
			if !ok {
				break
			}

			h.process(ev)
		}

		h.processing.Unlock()

		h.mu.Lock()
		pending := len(h.mailbox)
		h.mu.Unlock()

		if pending == 0 {
			return
		}
	}
}

func (h *ClientGoalHandle[G, R, F]) nextEvent() (handleEvent[R, F], bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.mailbox) == 0 {
		return handleEvent[R, F]{}, false
	}

	ev := h.mailbox[0]
	h.mailbox[0] = handleEvent[R, F]{}
	h.mailbox = h.mailbox[1:]

	return ev, true
}

func (h *ClientGoalHandle[G, R, F]) process(ev handleEvent[R, F]) {
	switch ev.kind {
	case eventStatus:
		h.updateStatus(ev.status, ev.stamp)
	case eventResult:
		h.updateResult(ev.result)
	case eventFeedback:
		if h.CommState() != CommStateDone && h.onFeedback != nil {
			h.onFeedback(h, ev.feedback.Feedback)
		}
	case eventCancel:
		switch state := h.CommState(); state {
		case CommStateWaitingForGoalAck, CommStatePending, CommStateActive:
			h.transitionTo(CommStateWaitingForCancelAck)
		default:
			h.client.log.Debugf("Goal %s is %s, cancel request needs no local transition", h.goal.GoalID.ID, state)
		}
	case eventLost:
		h.markLost(ev.reason)
	}
}

// updateStatus applies one status snapshot entry. status is nil when the
// snapshot did not mention the goal.
func (h *ClientGoalHandle[G, R, F]) updateStatus(status *models.GoalStatus, snapshotStamp models.Time) {
	h.mu.Lock()
	state := h.state
	result := h.latestResult
	h.mu.Unlock()

	if state == CommStateDone {
		return
	}

	if result != nil && !snapshotStamp.After(result.Header.Stamp) {
		h.client.log.Debugf("Ignoring status snapshot from %s for goal %s, result at %s is newer",
			snapshotStamp, h.goal.GoalID.ID, result.Header.Stamp)

		return
	}

	if status == nil {
		if state != CommStateWaitingForGoalAck && state != CommStateWaitingForResult {
			h.markLost("missing_from_status")
		}

		return
	}

	h.mu.Lock()
	latest := *status
	h.latestStatus = &latest
	h.mu.Unlock()

	h.apply(state, status.Status)
}

// updateResult stores the result and moves the handle to DONE.
func (h *ClientGoalHandle[G, R, F]) updateResult(msg *models.ActionResult[R]) {
	h.mu.Lock()
	state := h.state

	if state != CommStateDone {
		h.latestResult = msg
		status := msg.Status
		h.latestStatus = &status
	}
	h.mu.Unlock()

	if state == CommStateDone {
		h.client.log.Errorf("Got a result for goal %s when we were already in the DONE state", h.goal.GoalID.ID)

		return
	}

	h.apply(state, msg.Status.Status)
	h.transitionTo(CommStateDone)
}

// apply looks up the transition for the reported status and walks its path.
func (h *ClientGoalHandle[G, R, F]) apply(state CommState, status models.StatusCode) {
	t := lookupTransition(state, status)

	switch t.kind {
	case transitionNoop:
	case transitionInvalid:
		h.client.log.Errorf("Invalid goal status transition for goal %s: in state %s, server reported %s",
			h.goal.GoalID.ID, state, status)
		metrics.IncProtocolViolation(h.client.name, state.String(), status.String())
		sentry.ReportGoalIssuef(sentry.IssueTypeWarning, h.client.log, h.client.name, h.goal.GoalID.ID, "update_status",
			"invalid goal status transition from %s on status %s", state, status)
	case transitionPath:
		for _, next := range t.path {
			h.transitionTo(next)
		}
	}
}

func (h *ClientGoalHandle[G, R, F]) markLost(reason string) {
	h.mu.Lock()
	if h.state == CommStateDone {
		h.mu.Unlock()

		return
	}

	h.latestStatus = &models.GoalStatus{
		GoalID: h.goal.GoalID,
		Status: models.StatusLost,
		Text:   constants.LostStatusText,
	}
	state := h.state
	h.mu.Unlock()

	metrics.IncGoalsLost(h.client.name, reason)
	sentry.ReportGoalIssuef(sentry.IssueTypeWarning, h.client.log, h.client.name, h.goal.GoalID.ID, "lost",
		"goal %s lost in state %s (%s)", h.goal.GoalID.ID, state, reason)

	h.transitionTo(CommStateDone)
}

// transitionTo moves the handle to next and runs the transition callback.
// Moving backwards is refused.
func (h *ClientGoalHandle[G, R, F]) transitionTo(next CommState) {
	h.mu.Lock()
	prev := h.state

	if next <= prev {
		h.mu.Unlock()
		h.client.log.Errorf("Refusing to move goal %s from %s back to %s", h.goal.GoalID.ID, prev, next)

		return
	}

	h.state = next
	h.mu.Unlock()

	h.client.log.Debugf("Transitioning goal %s from %s to %s", h.goal.GoalID.ID, prev, next)
	metrics.IncClientTransition(h.client.name, next.String())

	if next == CommStateDone {
		close(h.done)
		h.client.forget(h)
	}

	if h.onTransition != nil {
		h.onTransition(h)
	}
}

type handleInfo struct {
	Status   string `json:"status,omitempty"`
	State    string `json:"state"`
	Stamp    string `json:"stamp"`
	Canceled bool   `json:"cancel_requested"`
}

func (h *ClientGoalHandle[G, R, F]) info() handleInfo {
	h.mu.Lock()
	defer h.mu.Unlock()

	info := handleInfo{
		State:    h.state.String(),
		Stamp:    h.goal.GoalID.Stamp.String(),
		Canceled: h.cancelRequested,
	}

	if h.latestStatus != nil {
		info.Status = h.latestStatus.Status.String()
	}

	return info
}
