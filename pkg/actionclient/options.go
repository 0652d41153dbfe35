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
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/actionlib/pkg/constants"
	"github.com/united-manufacturing-hub/actionlib/pkg/goalid"
)

type clientConfig struct {
	log                   *zap.SugaredLogger
	clock                 clock.Clock
	ids                   *goalid.Generator
	queueSize             int
	connectTimeout        time.Duration
	pollInterval          time.Duration
	preemptTimeout        time.Duration
	finishedGoalRetention time.Duration
}

func defaultClientConfig() clientConfig {
	return clientConfig{
		queueSize:             constants.DefaultQueueSize,
		connectTimeout:        constants.DefaultConnectTimeout,
		pollInterval:          constants.DefaultServerPollInterval,
		finishedGoalRetention: constants.DefaultFinishedGoalRetention,
	}
}

// Option configures an ActionClient.
type Option func(*clientConfig)

// WithLogger replaces the default component logger.
func WithLogger(log *zap.SugaredLogger) Option {
	return func(c *clientConfig) { c.log = log }
}

// WithClock sets the clock used to stamp goals and cancels.
func WithClock(clk clock.Clock) Option {
	return func(c *clientConfig) { c.clock = clk }
}

// WithGoalIDGenerator sets the generator for goal ids. By default the
// transport's node name is used as id prefix.
func WithGoalIDGenerator(g *goalid.Generator) Option {
	return func(c *clientConfig) { c.ids = g }
}

// WithQueueSize sets the queue depth of all five action topics.
func WithQueueSize(n int) Option {
	return func(c *clientConfig) { c.queueSize = n }
}

// WithConnectTimeout bounds how long SendGoalAndWait waits for the server.
func WithConnectTimeout(d time.Duration) Option {
	return func(c *clientConfig) { c.connectTimeout = d }
}

// WithPollInterval sets how often WaitForActionServerToStart checks readiness.
func WithPollInterval(d time.Duration) Option {
	return func(c *clientConfig) { c.pollInterval = d }
}

// WithPreemptTimeout bounds how long SendGoalAndWait waits for a goal to
// finish after its context was cancelled. Zero waits forever.
func WithPreemptTimeout(d time.Duration) Option {
	return func(c *clientConfig) { c.preemptTimeout = d }
}

// WithFinishedGoalRetention sets how long finished goal ids are remembered to
// recognise late results.
func WithFinishedGoalRetention(d time.Duration) Option {
	return func(c *clientConfig) { c.finishedGoalRetention = d }
}

// GoalOption configures a single goal sent with SendGoal.
type GoalOption[G, R, F any] func(*ClientGoalHandle[G, R, F])

// OnTransition registers a callback invoked after every CommState change of
// the goal, including each intermediate step of a multi-step transition.
func OnTransition[G, R, F any](fn func(*ClientGoalHandle[G, R, F])) GoalOption[G, R, F] {
	return func(h *ClientGoalHandle[G, R, F]) { h.onTransition = fn }
}

// OnFeedback registers a callback invoked for every feedback message of the goal.
func OnFeedback[G, R, F any](fn func(*ClientGoalHandle[G, R, F], *F)) GoalOption[G, R, F] {
	return func(h *ClientGoalHandle[G, R, F]) { h.onFeedback = fn }
}
