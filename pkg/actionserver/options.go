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
	"math"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/actionlib/pkg/config"
	"github.com/united-manufacturing-hub/actionlib/pkg/constants"
)

type serverConfig struct {
	log               *zap.SugaredLogger
	clock             clock.Clock
	params            config.Parameters
	statusFrequency   *float64
	statusListTimeout *time.Duration
	queueSize         int
}

// Option configures an ActionServer.
type Option func(*serverConfig)

// WithLogger replaces the default component logger.
func WithLogger(log *zap.SugaredLogger) Option {
	return func(c *serverConfig) { c.log = log }
}

// WithClock sets the clock used for stamps, the broadcast ticker and the
// retention window.
func WithClock(clk clock.Clock) Option {
	return func(c *serverConfig) { c.clock = clk }
}

// WithParameters sets where actionlib_status_frequency and
// status_list_timeout are read from at Start.
func WithParameters(p config.Parameters) Option {
	return func(c *serverConfig) { c.params = p }
}

// WithStatusFrequency overrides the status broadcast rate in Hz. A rate of
// zero or less disables the periodic broadcast; status is then only published
// at Start and after results.
func WithStatusFrequency(hz float64) Option {
	return func(c *serverConfig) { c.statusFrequency = &hz }
}

// WithStatusListTimeout overrides how long terminal goals stay in the status list.
func WithStatusListTimeout(d time.Duration) Option {
	return func(c *serverConfig) { c.statusListTimeout = &d }
}

// WithQueueSize sets the queue depth of all five action topics.
func WithQueueSize(n int) Option {
	return func(c *serverConfig) { c.queueSize = n }
}

// resolveStatusFrequency prefers the option, then the parameter store, then the default.
func (c *serverConfig) resolveStatusFrequency() float64 {
	if c.statusFrequency != nil {
		return *c.statusFrequency
	}

	if c.params != nil {
		return c.params.GetFloat(constants.ParamStatusFrequency, constants.DefaultStatusFrequency)
	}

	return constants.DefaultStatusFrequency
}

func (c *serverConfig) resolveStatusListTimeout() time.Duration {
	if c.statusListTimeout != nil {
		return *c.statusListTimeout
	}

	if c.params != nil {
		seconds := c.params.GetFloat(constants.ParamStatusListTimeout, constants.DefaultStatusListTimeout.Seconds())

		return time.Duration(seconds * float64(time.Second))
	}

	return constants.DefaultStatusListTimeout
}

// broadcastInterval converts a status frequency into a ticker period, never
// shorter than constants.MinStatusInterval. It reports false when the
// frequency disables the periodic broadcast.
func broadcastInterval(hz float64) (time.Duration, bool) {
	if math.IsNaN(hz) || hz <= 0 {
		return 0, false
	}

	interval := time.Duration(float64(time.Second) / hz)
	if interval < constants.MinStatusInterval {
		interval = constants.MinStatusInterval
	}

	return interval, true
}
