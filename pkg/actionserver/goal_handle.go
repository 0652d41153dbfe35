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

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/looplab/fsm"

	"github.com/united-manufacturing-hub/actionlib/pkg/models"
)

const (
	EventAccept        = "accept"
	EventReject        = "reject"
	EventCancelRequest = "cancel_request"
	EventCancel        = "cancel"
	EventSucceed       = "succeed"
	EventAbort         = "abort"
)

var (
	statePending    = models.StatusPending.String()
	stateActive     = models.StatusActive.String()
	statePreempting = models.StatusPreempting.String()
	stateRecalling  = models.StatusRecalling.String()
)

// goalEvents is the server side goal lifecycle. Events that share a name
// lead to different statuses depending on where the goal currently is.
var goalEvents = fsm.Events{
	{Name: EventAccept, Src: []string{statePending}, Dst: stateActive},
	{Name: EventAccept, Src: []string{stateRecalling}, Dst: statePreempting},

	{Name: EventReject, Src: []string{statePending, stateRecalling}, Dst: models.StatusRejected.String()},

	{Name: EventCancelRequest, Src: []string{statePending}, Dst: stateRecalling},
	{Name: EventCancelRequest, Src: []string{stateActive}, Dst: statePreempting},

	{Name: EventCancel, Src: []string{statePending, stateRecalling}, Dst: models.StatusRecalled.String()},
	{Name: EventCancel, Src: []string{stateActive, statePreempting}, Dst: models.StatusPreempted.String()},

	{Name: EventSucceed, Src: []string{stateActive, statePreempting}, Dst: models.StatusSucceeded.String()},
	{Name: EventAbort, Src: []string{stateActive, statePreempting}, Dst: models.StatusAborted.String()},
}

// ServerGoalHandle is the server's record of one goal. The application drives
// it with the Set* methods; each terminal setter publishes the result.
type ServerGoalHandle[G, R, F any] struct {
	server      *ActionServer[G, R, F]
	goal        *models.ActionGoal[G] // nil while only a cancel was seen
	machine     *fsm.FSM
	destruction time.Time
	id          models.GoalID
	text        string
	mu          sync.Mutex
	status      models.StatusCode

	cancelRequested bool
}

func newServerGoalHandle[G, R, F any](s *ActionServer[G, R, F], id models.GoalID, goal *models.ActionGoal[G], initial models.StatusCode) *ServerGoalHandle[G, R, F] {
	h := &ServerGoalHandle[G, R, F]{
		server: s,
		goal:   goal,
		id:     id,
		status: initial,
	}

	h.machine = fsm.NewFSM(
		initial.String(),
		goalEvents,
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				next, err := models.ParseStatusCode(e.Dst)
				if err != nil {
					s.log.Errorf("Goal %s entered unknown status %s", id.ID, e.Dst)

					return
				}

				s.log.Debugf("Goal %s: %s -> %s (%s)", id.ID, e.Src, e.Dst, e.Event)
				h.status = next
			},
		},
	)

	return h
}

// GoalID returns the id of the goal.
func (h *ServerGoalHandle[G, R, F]) GoalID() models.GoalID {
	return h.id
}

// Goal returns the goal payload.
func (h *ServerGoalHandle[G, R, F]) Goal() *G {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.goal == nil {
		return nil
	}

	return h.goal.Goal
}

// GoalStatus returns the goal's current status entry.
func (h *ServerGoalHandle[G, R, F]) GoalStatus() models.GoalStatus {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.statusLocked()
}

func (h *ServerGoalHandle[G, R, F]) statusLocked() models.GoalStatus {
	return models.GoalStatus{GoalID: h.id, Status: h.status, Text: h.text}
}

// IsCancelRequested reports whether a client asked to cancel the goal.
func (h *ServerGoalHandle[G, R, F]) IsCancelRequested() bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.cancelRequested
}

// SetAccepted moves a pending goal to ACTIVE, or a recalling one to
// PREEMPTING, and broadcasts the new status.
func (h *ServerGoalHandle[G, R, F]) SetAccepted(text string) error {
	if _, err := h.fire(EventAccept, text); err != nil {
		return err
	}

	return h.server.PublishStatus()
}

// SetRejected rejects a goal that was not accepted yet.
func (h *ServerGoalHandle[G, R, F]) SetRejected(result *R, text string) error {
	return h.finish(EventReject, result, text)
}

// SetCanceled confirms a cancel: RECALLED before acceptance, PREEMPTED after.
func (h *ServerGoalHandle[G, R, F]) SetCanceled(result *R, text string) error {
	return h.finish(EventCancel, result, text)
}

// SetSucceeded finishes an accepted goal successfully.
func (h *ServerGoalHandle[G, R, F]) SetSucceeded(result *R, text string) error {
	return h.finish(EventSucceed, result, text)
}

// SetAborted finishes an accepted goal unsuccessfully.
func (h *ServerGoalHandle[G, R, F]) SetAborted(result *R, text string) error {
	return h.finish(EventAbort, result, text)
}

// PublishFeedback sends feedback for a goal that is still in progress.
func (h *ServerGoalHandle[G, R, F]) PublishFeedback(feedback *F) error {
	status := h.GoalStatus()
	if status.Status.IsTerminal() {
		return fmt.Errorf("feedback for goal %s: %w", h.id.ID, ErrGoalTerminal)
	}

	return h.server.PublishFeedback(status, feedback)
}

func (h *ServerGoalHandle[G, R, F]) finish(event string, result *R, text string) error {
	status, err := h.fire(event, text)
	if err != nil {
		return err
	}

	return h.server.PublishResult(status, result)
}

// fire runs event on the goal's state machine. Terminal statuses stamp the
// destruction time that starts the retention window.
func (h *ServerGoalHandle[G, R, F]) fire(event, text string) (models.GoalStatus, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	from := h.status
	if err := h.machine.Event(context.Background(), event); err != nil {
		var invalid fsm.InvalidEventError
		if errors.As(err, &invalid) {
			return h.statusLocked(), fmt.Errorf("cannot %s goal %s in status %s: %w", event, h.id.ID, from, ErrInvalidTransition)
		}

		return h.statusLocked(), fmt.Errorf("cannot %s goal %s in status %s: %w", event, h.id.ID, from, err)
	}

	h.text = text
	if h.status.IsTerminal() {
		h.destruction = h.server.clock.Now()
	}

	return h.statusLocked(), nil
}

// requestCancel records a client's cancel request. It returns true if the
// application should be told, i.e. the goal moved to RECALLING or PREEMPTING.
func (h *ServerGoalHandle[G, R, F]) requestCancel() bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.machine.Can(EventCancelRequest) {
		return false
	}

	if err := h.machine.Event(context.Background(), EventCancelRequest); err != nil {
		h.server.log.Warnf("Failed to request cancel of goal %s: %v", h.id.ID, err)

		return false
	}

	h.cancelRequested = true

	return true
}

// adopt attaches the goal message to a handle created by an earlier cancel.
// It reports whether the handle was such a placeholder.
func (h *ServerGoalHandle[G, R, F]) adopt(goal *models.ActionGoal[G]) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.goal != nil {
		return false
	}

	h.goal = goal

	return true
}

// expirePlaceholder finalizes a placeholder whose goal never arrived within
// the retention window. The handle is then kept for another window.
func (h *ServerGoalHandle[G, R, F]) expirePlaceholder(now time.Time, retention time.Duration) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.goal != nil || h.status != models.StatusRecalling || now.Before(h.destruction.Add(retention)) {
		return false
	}

	if err := h.machine.Event(context.Background(), EventCancel); err != nil {
		h.server.log.Warnf("Failed to expire placeholder for goal %s: %v", h.id.ID, err)

		return false
	}

	h.destruction = now

	return true
}

// removable reports whether the handle is terminal and its retention window has passed.
func (h *ServerGoalHandle[G, R, F]) removable(now time.Time, retention time.Duration) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.status.IsTerminal() && !now.Before(h.destruction.Add(retention))
}

type serverHandleInfo struct {
	Destruction     string `json:"destruction,omitempty"`
	Status          string `json:"status"`
	Text            string `json:"text,omitempty"`
	CancelRequested bool   `json:"cancel_requested"`
	Placeholder     bool   `json:"placeholder"`
}

func (h *ServerGoalHandle[G, R, F]) info() serverHandleInfo {
	h.mu.Lock()
	defer h.mu.Unlock()

	info := serverHandleInfo{
		Status:          h.status.String(),
		Text:            h.text,
		CancelRequested: h.cancelRequested,
		Placeholder:     h.goal == nil,
	}

	if !h.destruction.IsZero() {
		info.Destruction = h.destruction.UTC().Format(time.RFC3339Nano)
	}

	return info
}
