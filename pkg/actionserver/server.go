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

// Package actionserver implements the server half of the action protocol.
//
// The server receives goals and cancel requests, hands goals to the
// application through callbacks and broadcasts the status of every goal it
// tracks. Finished goals stay in the broadcast for the status list timeout
// so that clients can observe their final status before they disappear.
package actionserver

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/actionlib/pkg/constants"
	"github.com/united-manufacturing-hub/actionlib/pkg/logger"
	"github.com/united-manufacturing-hub/actionlib/pkg/metrics"
	"github.com/united-manufacturing-hub/actionlib/pkg/models"
	"github.com/united-manufacturing-hub/actionlib/pkg/sentry"
	"github.com/united-manufacturing-hub/actionlib/pkg/transport"
)

const lastCancelRecallText = "This goal was canceled because its timestamp is before the timestamp of the last cancel request"

// ActionServer serves goals of type G, publishing feedback F and results R.
type ActionServer[G, R, F any] struct {
	log       *zap.SugaredLogger
	clock     clock.Clock
	transport transport.Transport
	handles   map[string]*ServerGoalHandle[G, R, F]
	goalCb    func(*ServerGoalHandle[G, R, F])
	cancelCb  func(*ServerGoalHandle[G, R, F])
	stopLoop  context.CancelFunc
	loopDone  chan struct{}

	statusPub   transport.Publisher
	feedbackPub transport.Publisher
	resultPub   transport.Publisher
	goalSub     transport.Subscriber
	cancelSub   transport.Subscriber

	lastCancel        time.Time
	name              string
	debugName         string
	cfg               serverConfig
	statusListTimeout time.Duration
	statusFrequency   float64
	seq               uint64

	mu        sync.Mutex
	publishMu sync.Mutex
	started   bool
	closed    bool
}

// New creates a server for actionName. It does nothing until Start.
func New[G, R, F any](t transport.Transport, actionName string, opts ...Option) (*ActionServer[G, R, F], error) {
	if t == nil {
		return nil, errors.New("action server needs a transport")
	}

	if actionName == "" {
		return nil, errors.New("action name must not be empty")
	}

	cfg := serverConfig{queueSize: constants.DefaultQueueSize}
	for _, opt := range opts {
		opt(&cfg)
	}

	if cfg.log == nil {
		cfg.log = logger.ForAction(logger.ComponentActionServer, actionName)
	}

	if cfg.clock == nil {
		cfg.clock = clock.New()
	}

	metrics.InitErrorCounter(metrics.ComponentActionServer, actionName)

	return &ActionServer[G, R, F]{
		log:       cfg.log,
		clock:     cfg.clock,
		transport: t,
		handles:   make(map[string]*ServerGoalHandle[G, R, F]),
		name:      actionName,
		debugName: "server/" + actionName + "@" + t.NodeName(),
		cfg:       cfg,
	}, nil
}

// RegisterGoalCallback sets the function that receives new goals. It runs
// on the transport's delivery goroutine.
func (s *ActionServer[G, R, F]) RegisterGoalCallback(cb func(*ServerGoalHandle[G, R, F])) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.goalCb = cb
}

// RegisterCancelCallback sets the function told about cancel requests for
// goals that are still in progress.
func (s *ActionServer[G, R, F]) RegisterCancelCallback(cb func(*ServerGoalHandle[G, R, F])) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cancelCb = cb
}

// Start advertises the result, feedback and status topics, subscribes to
// goals and cancels, publishes a first status and starts the periodic
// broadcast. The broadcast stops when ctx ends or on Shutdown.
func (s *ActionServer[G, R, F]) Start(ctx context.Context) error {
	s.mu.Lock()
	switch {
	case s.closed:
		s.mu.Unlock()

		return ErrServerShutdown
	case s.started:
		s.mu.Unlock()

		return ErrAlreadyStarted
	case s.goalCb == nil:
		s.mu.Unlock()

		return ErrNoGoalCallback
	}
	s.mu.Unlock()

	topics := transport.TopicsFor(s.name)
	qs := s.cfg.queueSize

	var err error

	if s.resultPub, err = s.transport.Advertise(topics.Result, qs); err != nil {
		return s.abortStart(fmt.Errorf("failed to advertise %s: %w", topics.Result, err))
	}

	if s.feedbackPub, err = s.transport.Advertise(topics.Feedback, qs); err != nil {
		return s.abortStart(fmt.Errorf("failed to advertise %s: %w", topics.Feedback, err))
	}

	if s.statusPub, err = s.transport.Advertise(topics.Status, qs, transport.WithLatch()); err != nil {
		return s.abortStart(fmt.Errorf("failed to advertise %s: %w", topics.Status, err))
	}

	s.statusFrequency = s.cfg.resolveStatusFrequency()
	s.statusListTimeout = s.cfg.resolveStatusListTimeout()

	s.mu.Lock()
	s.started = true
	s.mu.Unlock()

	if s.goalSub, err = s.transport.Subscribe(topics.Goal, qs, func() any { return &models.ActionGoal[G]{} }, s.onGoal); err != nil {
		return s.abortStart(fmt.Errorf("failed to subscribe to %s: %w", topics.Goal, err))
	}

	if s.cancelSub, err = s.transport.Subscribe(topics.Cancel, qs, func() any { return &models.GoalID{} }, s.onCancel); err != nil {
		return s.abortStart(fmt.Errorf("failed to subscribe to %s: %w", topics.Cancel, err))
	}

	if err := s.PublishStatus(); err != nil {
		s.log.Warnf("Failed to publish initial status: %v", err)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.stopLoop = cancel
	s.loopDone = make(chan struct{})

	if interval, ok := broadcastInterval(s.statusFrequency); ok {
		go s.broadcastLoop(loopCtx, s.clock.Ticker(interval))
	} else {
		s.log.Infof("Status frequency is %v, periodic status broadcast disabled", s.statusFrequency)
		close(s.loopDone)
	}

	metrics.RegisterDebugProvider(s.debugName, s)
	s.log.Infof("Action server started (status %.1f Hz, status list timeout %s)", s.statusFrequency, s.statusListTimeout)

	return nil
}

func (s *ActionServer[G, R, F]) abortStart(err error) error {
	s.mu.Lock()
	s.started = false
	s.mu.Unlock()

	s.shutdownEndpoints()
	metrics.IncErrorCount(metrics.ComponentActionServer, s.name)

	return err
}

func (s *ActionServer[G, R, F]) broadcastLoop(ctx context.Context, ticker *clock.Ticker) {
	defer close(s.loopDone)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.PublishStatus(); err != nil && !errors.Is(err, ErrServerShutdown) {
				s.log.Warnf("Failed to publish status: %v", err)
			}
		}
	}
}

// Shutdown stops the broadcast and detaches the server from its topics.
func (s *ActionServer[G, R, F]) Shutdown() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()

		return
	}

	s.closed = true
	wasStarted := s.started
	s.mu.Unlock()

	if wasStarted {
		s.stopLoop()
		<-s.loopDone
	}

	s.publishMu.Lock()
	s.shutdownEndpoints()
	s.publishMu.Unlock()

	metrics.UnregisterDebugProvider(s.debugName)
	s.log.Info("Action server shut down")
}

func (s *ActionServer[G, R, F]) shutdownEndpoints() {
	for _, p := range []transport.Publisher{s.resultPub, s.feedbackPub, s.statusPub} {
		if p != nil {
			p.Shutdown()
		}
	}

	for _, sub := range []transport.Subscriber{s.goalSub, s.cancelSub} {
		if sub != nil {
			sub.Shutdown()
		}
	}
}

func (s *ActionServer[G, R, F]) ready() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case s.closed:
		return ErrServerShutdown
	case !s.started:
		return ErrNotStarted
	default:
		return nil
	}
}

// PublishFeedback publishes feedback for the goal described by status.
func (s *ActionServer[G, R, F]) PublishFeedback(status models.GoalStatus, feedback *F) error {
	if err := s.ready(); err != nil {
		return err
	}

	msg := &models.ActionFeedback[F]{
		Header:   models.Header{Stamp: models.NewTime(s.clock.Now())},
		Status:   status,
		Feedback: feedback,
	}

	s.log.Debugf("Publishing feedback for goal %s", status.GoalID.ID)

	if err := s.feedbackPub.Publish(msg); err != nil {
		metrics.IncErrorCount(metrics.ComponentActionServer, s.name)

		return fmt.Errorf("failed to publish feedback for goal %s: %w", status.GoalID.ID, err)
	}

	return nil
}

// PublishResult publishes the result of a goal and broadcasts the status
// right away, so clients need not wait for the next tick.
func (s *ActionServer[G, R, F]) PublishResult(status models.GoalStatus, result *R) error {
	if err := s.ready(); err != nil {
		return err
	}

	msg := &models.ActionResult[R]{
		Header: models.Header{Stamp: models.NewTime(s.clock.Now())},
		Status: status,
		Result: result,
	}

	s.log.Debugf("Publishing result for goal %s with status %s", status.GoalID.ID, status.Status)

	if err := s.resultPub.Publish(msg); err != nil {
		metrics.IncErrorCount(metrics.ComponentActionServer, s.name)

		return fmt.Errorf("failed to publish result for goal %s: %w", status.GoalID.ID, err)
	}

	metrics.IncGoalsFinished(s.name, metrics.SideServer, status.Status.String())

	return s.PublishStatus()
}

// PublishStatus broadcasts the status of every tracked goal and then removes
// goals whose retention window has passed. The periodic broadcast and result
// publication both go through here.
func (s *ActionServer[G, R, F]) PublishStatus() error {
	s.publishMu.Lock()
	defer s.publishMu.Unlock()

	if err := s.ready(); err != nil {
		return err
	}

	started := time.Now()
	now := s.clock.Now()
	handles := s.snapshotHandles()

	list := make([]models.GoalStatus, 0, len(handles))
	for _, h := range handles {
		list = append(list, h.GoalStatus())
	}

	s.seq++
	msg := &models.GoalStatusArray{
		Header:     models.Header{Seq: s.seq, Stamp: models.NewTime(now)},
		StatusList: list,
	}

	err := s.statusPub.Publish(msg)
	if err != nil {
		metrics.IncErrorCount(metrics.ComponentActionServer, s.name)
		err = fmt.Errorf("failed to publish status: %w", err)
	}

	s.sweep(now, handles)
	metrics.ObserveStatusBroadcast(s.name, time.Since(started))

	return err
}

// sweep finalizes expired placeholders and drops finished goals whose
// retention window has passed.
func (s *ActionServer[G, R, F]) sweep(now time.Time, handles []*ServerGoalHandle[G, R, F]) {
	var expired []string

	for _, h := range handles {
		if h.expirePlaceholder(now, s.statusListTimeout) {
			s.log.Debugf("No goal arrived for cancelled id %s, marking it RECALLED", h.id.ID)

			continue
		}

		if h.removable(now, s.statusListTimeout) {
			expired = append(expired, h.id.ID)
		}
	}

	if len(expired) == 0 {
		return
	}

	s.mu.Lock()
	for _, id := range expired {
		s.log.Debugf("Removing server goal handle for goal %s", id)
		delete(s.handles, id)
	}
	tracked := len(s.handles)
	s.mu.Unlock()

	metrics.AddHandlesSwept(s.name, len(expired))
	metrics.SetTrackedGoals(s.name, metrics.SideServer, tracked)
}

func (s *ActionServer[G, R, F]) snapshotHandles() []*ServerGoalHandle[G, R, F] {
	s.mu.Lock()
	defer s.mu.Unlock()

	handles := make([]*ServerGoalHandle[G, R, F], 0, len(s.handles))
	for _, h := range s.handles {
		handles = append(handles, h)
	}

	return handles
}

// TrackedGoals returns the number of goals in the status list.
func (s *ActionServer[G, R, F]) TrackedGoals() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.handles)
}

// GoalHandle returns the handle of a tracked goal.
func (s *ActionServer[G, R, F]) GoalHandle(id string) (*ServerGoalHandle[G, R, F], bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, ok := s.handles[id]

	return h, ok
}

func (s *ActionServer[G, R, F]) onGoal(msg any, meta transport.MessageMeta) {
	goal, ok := msg.(*models.ActionGoal[G])
	if !ok {
		s.log.Errorf("Unexpected message type %T on the goal topic", msg)

		return
	}

	if s.ready() != nil {
		return
	}

	id := goal.GoalID
	if id.ID == "" {
		s.log.Warnf("Dropping goal without id from %s", meta.CallerID)

		return
	}

	metrics.IncGoalsReceived(s.name)
	s.log.Debugf("Received goal %s from %s", id.ID, meta.CallerID)

	s.mu.Lock()
	existing, found := s.handles[id.ID]
	if !found {
		h := newServerGoalHandle(s, id, goal, models.StatusPending)
		s.handles[id.ID] = h
		tracked := len(s.handles)
		lastCancel := s.lastCancel
		cb := s.goalCb
		s.mu.Unlock()

		metrics.SetTrackedGoals(s.name, metrics.SideServer, tracked)
		s.dispatchGoal(h, lastCancel, cb)

		return
	}
	s.mu.Unlock()

	s.receivedKnownGoal(existing, goal)
}

func (s *ActionServer[G, R, F]) dispatchGoal(h *ServerGoalHandle[G, R, F], lastCancel time.Time, cb func(*ServerGoalHandle[G, R, F])) {
	stamp := h.id.Stamp
	if !stamp.IsZero() && !stamp.Std().After(lastCancel) {
		s.log.Debugf("Goal %s is stamped before the last cancel request, recalling it", h.id.ID)

		if err := h.SetCanceled(nil, lastCancelRecallText); err != nil {
			s.log.Warnf("Failed to recall goal %s: %v", h.id.ID, err)
		}

		return
	}

	cb(h)
}

// receivedKnownGoal handles a goal whose id is already tracked. A cancel may
// have arrived first, in which case the goal is recalled without ever
// reaching the application.
func (s *ActionServer[G, R, F]) receivedKnownGoal(h *ServerGoalHandle[G, R, F], goal *models.ActionGoal[G]) {
	if !h.adopt(goal) {
		s.log.Warnf("Ignoring duplicate goal %s", h.id.ID)

		return
	}

	status := h.GoalStatus()

	switch status.Status {
	case models.StatusRecalling:
		if err := h.SetCanceled(nil, ""); err != nil {
			s.log.Warnf("Failed to recall goal %s: %v", h.id.ID, err)
		}
	case models.StatusRecalled:
		// the placeholder already expired; repeat the result for the late goal
		if err := s.PublishResult(status, nil); err != nil {
			s.log.Warnf("Failed to publish result for recalled goal %s: %v", h.id.ID, err)
		}
	default:
		sentry.ReportGoalIssuef(sentry.IssueTypeWarning, s.log, s.name, h.id.ID, "goal_callback",
			"placeholder for goal %s in unexpected status %s", h.id.ID, status.Status)
	}
}

func (s *ActionServer[G, R, F]) onCancel(msg any, meta transport.MessageMeta) {
	cancel, ok := msg.(*models.GoalID)
	if !ok {
		s.log.Errorf("Unexpected message type %T on the cancel topic", msg)

		return
	}

	if s.ready() != nil {
		return
	}

	s.log.Debugf("Received cancel request for %q stamped %s from %s", cancel.ID, cancel.Stamp, meta.CallerID)

	cancelStamp := cancel.Stamp.Std()

	var targets []*ServerGoalHandle[G, R, F]

	s.mu.Lock()
	cb := s.cancelCb

	if cancel.ID != "" {
		h, found := s.handles[cancel.ID]
		if found {
			targets = append(targets, h)
		} else {
			destruction := cancelStamp
			if destruction.IsZero() {
				destruction = s.clock.Now()
			}

			placeholder := newServerGoalHandle[G, R, F](s, models.GoalID{ID: cancel.ID, Stamp: cancel.Stamp}, nil, models.StatusRecalling)
			placeholder.destruction = destruction
			placeholder.cancelRequested = true
			s.handles[cancel.ID] = placeholder
		}

		metrics.IncCancelRequests(s.name, cancelKind(found))
	} else {
		for _, h := range s.handles {
			if cancelStamp.IsZero() || !h.id.Stamp.Std().After(cancelStamp) {
				targets = append(targets, h)
			}
		}

		kind := "all"
		if !cancelStamp.IsZero() {
			kind = "before_time"
		}

		metrics.IncCancelRequests(s.name, kind)
	}

	if cancelStamp.After(s.lastCancel) {
		s.lastCancel = cancelStamp
	}
	s.mu.Unlock()

	for _, h := range targets {
		if h.requestCancel() && cb != nil {
			cb(h)
		}
	}
}

func cancelKind(found bool) string {
	if found {
		return "single"
	}

	return "placeholder"
}

type serverInfo struct {
	Goals             map[string]serverHandleInfo `json:"goals"`
	LastCancel        string                      `json:"last_cancel,omitempty"`
	StatusListTimeout string                      `json:"status_list_timeout"`
	StatusFrequency   float64                     `json:"status_frequency"`
	Seq               uint64                      `json:"seq"`
}

// GetDebugInfo implements metrics.DebugProvider.
func (s *ActionServer[G, R, F]) GetDebugInfo() interface{} {
	handles := s.snapshotHandles()

	s.mu.Lock()
	lastCancel := s.lastCancel
	s.mu.Unlock()

	s.publishMu.Lock()
	seq := s.seq
	s.publishMu.Unlock()

	info := serverInfo{
		Goals:             make(map[string]serverHandleInfo, len(handles)),
		StatusListTimeout: s.statusListTimeout.String(),
		StatusFrequency:   s.statusFrequency,
		Seq:               seq,
	}

	if !lastCancel.IsZero() {
		info.LastCancel = lastCancel.UTC().Format(time.RFC3339Nano)
	}

	for _, h := range handles {
		info.Goals[h.id.ID] = h.info()
	}

	return info
}
