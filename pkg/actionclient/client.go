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

// Package actionclient implements the client half of the action protocol.
//
// A client publishes goals and cancel requests and derives each goal's
// progress from the status snapshots, feedback and results the server
// broadcasts. Progress is tracked per goal as a CommState that only moves
// forward; a result always ends in DONE, and goals the server forgot about
// (missing from snapshots, or the server restarted) end in DONE with status
// LOST.
package actionclient

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff"
	"github.com/united-manufacturing-hub/expiremap/v2/pkg/expiremap"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/actionlib/pkg/goalid"
	"github.com/united-manufacturing-hub/actionlib/pkg/logger"
	"github.com/united-manufacturing-hub/actionlib/pkg/metrics"
	"github.com/united-manufacturing-hub/actionlib/pkg/models"
	"github.com/united-manufacturing-hub/actionlib/pkg/transport"
)

// ActionClient sends goals of type G to an action server and tracks them.
// R and F are the result and feedback payload types.
type ActionClient[G, R, F any] struct {
	log       *zap.SugaredLogger
	clock     clock.Clock
	transport transport.Transport
	ids       *goalid.Generator
	conn      *connection
	finished  *expiremap.ExpireMap[string, models.GoalStatus]
	handles   map[string]*ClientGoalHandle[G, R, F]
	closed    chan struct{}

	goalPub     transport.Publisher
	cancelPub   transport.Publisher
	statusSub   transport.Subscriber
	feedbackSub transport.Subscriber
	resultSub   transport.Subscriber

	name      string
	debugName string
	cfg       clientConfig
	mu        sync.Mutex
	closeOnce sync.Once
}

// New creates a client for actionName and sets up its five topics.
func New[G, R, F any](t transport.Transport, actionName string, opts ...Option) (*ActionClient[G, R, F], error) {
	if t == nil {
		return nil, errors.New("action client needs a transport")
	}

	if actionName == "" {
		return nil, errors.New("action name must not be empty")
	}

	cfg := defaultClientConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	if cfg.log == nil {
		cfg.log = logger.ForAction(logger.ComponentActionClient, actionName)
	}

	if cfg.clock == nil {
		cfg.clock = clock.New()
	}

	if cfg.ids == nil {
		cfg.ids = goalid.NewGenerator(t.NodeName(), cfg.clock)
	}

	c := &ActionClient[G, R, F]{
		log:       cfg.log,
		clock:     cfg.clock,
		transport: t,
		ids:       cfg.ids,
		conn:      newConnection(cfg.log),
		finished:  expiremap.NewEx[string, models.GoalStatus](cfg.finishedGoalRetention, cfg.finishedGoalRetention),
		handles:   make(map[string]*ClientGoalHandle[G, R, F]),
		closed:    make(chan struct{}),
		name:      actionName,
		debugName: "client/" + actionName + "@" + t.NodeName(),
		cfg:       cfg,
	}

	if err := c.connect(); err != nil {
		c.shutdownEndpoints()

		return nil, err
	}

	metrics.InitErrorCounter(metrics.ComponentActionClient, actionName)
	metrics.RegisterDebugProvider(c.debugName, c)

	return c, nil
}

func (c *ActionClient[G, R, F]) connect() error {
	topics := transport.TopicsFor(c.name)
	qs := c.cfg.queueSize

	var err error

	c.statusSub, err = c.transport.Subscribe(topics.Status, qs, func() any { return &models.GoalStatusArray{} }, c.onStatus)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", topics.Status, err)
	}

	c.feedbackSub, err = c.transport.Subscribe(topics.Feedback, qs, func() any { return &models.ActionFeedback[F]{} }, c.onFeedback)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", topics.Feedback, err)
	}

	c.resultSub, err = c.transport.Subscribe(topics.Result, qs, func() any { return &models.ActionResult[R]{} }, c.onResult)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", topics.Result, err)
	}

	c.goalPub, err = c.transport.Advertise(topics.Goal, qs,
		transport.WithPeerCallbacks(c.conn.goalConnected, c.conn.goalDisconnected))
	if err != nil {
		return fmt.Errorf("failed to advertise %s: %w", topics.Goal, err)
	}

	c.cancelPub, err = c.transport.Advertise(topics.Cancel, qs,
		transport.WithPeerCallbacks(c.conn.cancelConnected, c.conn.cancelDisconnected))
	if err != nil {
		return fmt.Errorf("failed to advertise %s: %w", topics.Cancel, err)
	}

	return nil
}

// Name returns the action name.
func (c *ActionClient[G, R, F]) Name() string {
	return c.name
}

// SendGoal publishes goal and returns a handle in WAITING_FOR_GOAL_ACK. It
// does not wait for the server.
func (c *ActionClient[G, R, F]) SendGoal(goal *G, opts ...GoalOption[G, R, F]) (*ClientGoalHandle[G, R, F], error) {
	if goal == nil {
		return nil, ErrNilGoal
	}

	if c.isShutdown() {
		return nil, ErrClientShutdown
	}

	id := c.ids.Next()
	msg := &models.ActionGoal[G]{
		Header: models.Header{Stamp: id.Stamp},
		GoalID: id,
		Goal:   goal,
	}

	h := newClientGoalHandle(c, msg)
	for _, opt := range opts {
		opt(h)
	}

	c.mu.Lock()
	c.handles[id.ID] = h
	tracked := len(c.handles)
	c.mu.Unlock()

	metrics.SetTrackedGoals(c.name, metrics.SideClient, tracked)

	if err := c.goalPub.Publish(msg); err != nil {
		c.remove(id.ID)
		metrics.IncErrorCount(metrics.ComponentActionClient, c.name)

		return nil, fmt.Errorf("failed to publish goal %s: %w", id.ID, err)
	}

	metrics.IncGoalsSent(c.name)
	c.log.Debugf("Sent goal %s", id.ID)

	return h, nil
}

// SendGoalAndWait waits for the server (bounded by the connect timeout),
// sends goal and blocks until the goal is DONE. If ctx ends first, the goal
// is cancelled and the call keeps waiting for the final status, bounded by
// the preempt timeout when one is configured.
//
// A SUCCEEDED goal yields its result, which is nil when the server sent none.
// Any other final status yields an *ActionFailedError.
func (c *ActionClient[G, R, F]) SendGoalAndWait(ctx context.Context, goal *G, opts ...GoalOption[G, R, F]) (*R, error) {
	if goal == nil {
		return nil, ErrNilGoal
	}

	connectCtx, cancel := context.WithTimeout(ctx, c.cfg.connectTimeout)
	ready := c.WaitForActionServerToStart(connectCtx)
	cancel()

	if !ready {
		if c.isShutdown() {
			return nil, ErrClientShutdown
		}

		if err := ctx.Err(); err != nil {
			return nil, err
		}

		return nil, &ConnectionTimeoutError{ActionName: c.name, Timeout: c.cfg.connectTimeout}
	}

	h, err := c.SendGoal(goal, opts...)
	if err != nil {
		return nil, err
	}

	select {
	case <-h.Done():
	case <-c.closed:
		return nil, ErrClientShutdown
	case <-ctx.Done():
		if err := h.Cancel(); err != nil && !errors.Is(err, ErrGoalDone) {
			c.log.Warnf("Failed to cancel goal %s: %v", h.GoalID().ID, err)
		}

		if err := c.waitAfterCancel(h); err != nil {
			return nil, err
		}
	}

	return c.outcome(h)
}

func (c *ActionClient[G, R, F]) waitAfterCancel(h *ClientGoalHandle[G, R, F]) error {
	var timeout <-chan time.Time

	if c.cfg.preemptTimeout > 0 {
		timer := c.clock.Timer(c.cfg.preemptTimeout)
		defer timer.Stop()

		timeout = timer.C
	}

	select {
	case <-h.Done():
		return nil
	case <-c.closed:
		return ErrClientShutdown
	case <-timeout:
		return fmt.Errorf("goal %s: %w", h.GoalID().ID, ErrPreemptTimeout)
	}
}

func (c *ActionClient[G, R, F]) outcome(h *ClientGoalHandle[G, R, F]) (*R, error) {
	status, ok := h.GoalStatus()
	if !ok {
		status = models.GoalStatus{GoalID: h.GoalID(), Status: models.StatusLost}
	}

	if status.Status != models.StatusSucceeded {
		return nil, &ActionFailedError{ActionName: c.name, FinalStatus: status.Status, StatusText: status.Text}
	}

	return h.Result(), nil
}

// CancelAllGoals asks the server to cancel every goal it knows, from any client.
func (c *ActionClient[G, R, F]) CancelAllGoals() error {
	return c.publishCancel(models.GoalID{})
}

// CancelGoalsAtAndBeforeTime asks the server to cancel every goal stamped at
// or before t, from any client. The zero time cancels everything.
func (c *ActionClient[G, R, F]) CancelGoalsAtAndBeforeTime(t time.Time) error {
	return c.publishCancel(models.GoalID{Stamp: models.NewTime(t)})
}

func (c *ActionClient[G, R, F]) publishCancel(id models.GoalID) error {
	if c.isShutdown() {
		return ErrClientShutdown
	}

	if err := c.cancelPub.Publish(&id); err != nil {
		metrics.IncErrorCount(metrics.ComponentActionClient, c.name)

		return fmt.Errorf("failed to publish cancel for %q: %w", id.ID, err)
	}

	return nil
}

// IsServerConnected reports whether a server is ready to take goals.
func (c *ActionClient[G, R, F]) IsServerConnected() bool {
	return c.conn.isServerConnected(c.feedbackSub.NumPublishers(), c.resultSub.NumPublishers())
}

// WaitForActionServerToStart polls IsServerConnected until it succeeds or ctx
// ends. A context without deadline waits indefinitely. Inbound messages must
// be delivered by the transport concurrently, otherwise readiness can never change.
func (c *ActionClient[G, R, F]) WaitForActionServerToStart(ctx context.Context) bool {
	poll := backoff.WithContext(backoff.NewConstantBackOff(c.cfg.pollInterval), ctx)

	err := backoff.Retry(func() error {
		if c.isShutdown() || c.IsServerConnected() {
			return nil
		}

		return ErrServerNotAvailable
	}, poll)

	return err == nil && !c.isShutdown()
}

// Shutdown detaches the client from its topics. Outstanding handles keep
// their last state.
func (c *ActionClient[G, R, F]) Shutdown() {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.shutdownEndpoints()
		metrics.UnregisterDebugProvider(c.debugName)
		c.log.Debug("Action client shut down")
	})
}

func (c *ActionClient[G, R, F]) shutdownEndpoints() {
	for _, p := range []transport.Publisher{c.goalPub, c.cancelPub} {
		if p != nil {
			p.Shutdown()
		}
	}

	for _, s := range []transport.Subscriber{c.statusSub, c.feedbackSub, c.resultSub} {
		if s != nil {
			s.Shutdown()
		}
	}
}

func (c *ActionClient[G, R, F]) isShutdown() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *ActionClient[G, R, F]) lookup(id string) *ClientGoalHandle[G, R, F] {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.handles[id]
}

// snapshotHandles copies the tracked handles so they can be updated without holding the map lock.
func (c *ActionClient[G, R, F]) snapshotHandles() []*ClientGoalHandle[G, R, F] {
	c.mu.Lock()
	defer c.mu.Unlock()

	handles := make([]*ClientGoalHandle[G, R, F], 0, len(c.handles))
	for _, h := range c.handles {
		handles = append(handles, h)
	}

	return handles
}

func (c *ActionClient[G, R, F]) remove(id string) {
	c.mu.Lock()
	delete(c.handles, id)
	tracked := len(c.handles)
	c.mu.Unlock()

	metrics.SetTrackedGoals(c.name, metrics.SideClient, tracked)
}

// forget drops a handle that reached DONE and remembers its final status.
func (c *ActionClient[G, R, F]) forget(h *ClientGoalHandle[G, R, F]) {
	id := h.GoalID().ID

	status, ok := h.GoalStatus()
	if !ok {
		status = models.GoalStatus{GoalID: h.GoalID(), Status: models.StatusLost}
	}

	c.finished.Set(id, status)
	c.remove(id)
	metrics.IncGoalsFinished(c.name, metrics.SideClient, status.Status.String())
}

// TrackedGoals returns the number of goals not yet DONE.
func (c *ActionClient[G, R, F]) TrackedGoals() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.handles)
}

func (c *ActionClient[G, R, F]) onStatus(msg any, meta transport.MessageMeta) {
	snapshot, ok := msg.(*models.GoalStatusArray)
	if !ok {
		c.log.Errorf("Unexpected message type %T on the status topic", msg)

		return
	}

	if meta.CallerID == "" {
		c.log.Error("Received a status message without a caller id, dropping it")

		return
	}

	if c.conn.observeStatus(meta.CallerID, snapshot.Header) {
		c.log.Warnf("Status sequence number of %s went backwards to %d, the action server restarted; all tracked goals are lost",
			meta.CallerID, snapshot.Header.Seq)

		for _, h := range c.snapshotHandles() {
			h.dispatch(handleEvent[R, F]{kind: eventLost, reason: "server_restart"})
		}
	}

	entries := make(map[string]models.GoalStatus, len(snapshot.StatusList))
	for _, s := range snapshot.StatusList {
		entries[s.GoalID.ID] = s
	}

	for _, h := range c.snapshotHandles() {
		ev := handleEvent[R, F]{kind: eventStatus, stamp: snapshot.Header.Stamp}

		if s, found := entries[h.GoalID().ID]; found {
			ev.status = &s
		}

		h.dispatch(ev)
	}
}

func (c *ActionClient[G, R, F]) onFeedback(msg any, _ transport.MessageMeta) {
	fb, ok := msg.(*models.ActionFeedback[F])
	if !ok {
		c.log.Errorf("Unexpected message type %T on the feedback topic", msg)

		return
	}

	id := fb.Status.GoalID.ID

	h := c.lookup(id)
	if h == nil {
		if _, done := c.finished.Load(id); done {
			c.log.Debugf("Dropping feedback for finished goal %s", id)
		}

		return
	}

	h.dispatch(handleEvent[R, F]{kind: eventFeedback, feedback: fb})
}

func (c *ActionClient[G, R, F]) onResult(msg any, _ transport.MessageMeta) {
	res, ok := msg.(*models.ActionResult[R])
	if !ok {
		c.log.Errorf("Unexpected message type %T on the result topic", msg)

		return
	}

	id := res.Status.GoalID.ID

	h := c.lookup(id)
	if h == nil {
		if _, done := c.finished.Load(id); done {
			c.log.Errorf("Got a result for goal %s when we were already in the DONE state", id)
		}

		return
	}

	h.dispatch(handleEvent[R, F]{kind: eventResult, result: res})
}

type clientInfo struct {
	Goals      map[string]handleInfo `json:"goals"`
	Connection connectionInfo        `json:"connection"`
	Connected  bool                  `json:"connected"`
}

// GetDebugInfo implements metrics.DebugProvider.
func (c *ActionClient[G, R, F]) GetDebugInfo() interface{} {
	handles := c.snapshotHandles()

	info := clientInfo{
		Goals:      make(map[string]handleInfo, len(handles)),
		Connection: c.conn.info(),
		Connected:  c.IsServerConnected(),
	}

	for _, h := range handles {
		info.Goals[h.GoalID().ID] = h.info()
	}

	return info
}
