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
	"sync"

	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/actionlib/pkg/models"
)

// connection tracks what the client knows about the server's liveness.
type connection struct {
	log               *zap.SugaredLogger
	goalSubscribers   map[string]int
	cancelSubscribers map[string]int
	statusCallerID    string
	latestHeader      models.Header
	mu                sync.Mutex
	statusReceived    bool
}

func newConnection(log *zap.SugaredLogger) *connection {
	return &connection{
		log:               log,
		goalSubscribers:   make(map[string]int),
		cancelSubscribers: make(map[string]int),
	}
}

func (c *connection) goalConnected(peer string)      { c.adjust(c.goalSubscribers, peer, 1, "goal") }
func (c *connection) goalDisconnected(peer string)   { c.adjust(c.goalSubscribers, peer, -1, "goal") }
func (c *connection) cancelConnected(peer string)    { c.adjust(c.cancelSubscribers, peer, 1, "cancel") }
func (c *connection) cancelDisconnected(peer string) { c.adjust(c.cancelSubscribers, peer, -1, "cancel") }

func (c *connection) adjust(counts map[string]int, peer string, delta int, topic string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	counts[peer] += delta
	if counts[peer] <= 0 {
		if counts[peer] < 0 {
			c.log.Errorf("Subscriber count for %s on the %s topic went negative", peer, topic)
		}

		delete(counts, peer)
	}

	c.log.Debugf("%s subscribers of the %s topic: %d", peer, topic, counts[peer])
}

// observeStatus records a status snapshot header. It reports whether the
// snapshot's sequence number went backwards, which means the server restarted.
func (c *connection) observeStatus(callerID string, header models.Header) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.statusReceived && c.statusCallerID != callerID {
		c.log.Warnf("Status messages now come from %s, previously from %s", callerID, c.statusCallerID)
	}

	restarted := c.statusReceived && header.Seq < c.latestHeader.Seq

	c.statusReceived = true
	c.statusCallerID = callerID
	c.latestHeader = header

	return restarted
}

// isServerConnected requires a status snapshot from a server that subscribes
// to goal and cancel, plus at least one publisher on feedback and result.
func (c *connection) isServerConnected(feedbackPublishers, resultPublishers int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.statusReceived {
		c.log.Debug("Not connected: no status message received yet")

		return false
	}

	if c.goalSubscribers[c.statusCallerID] == 0 {
		c.log.Debugf("Not connected: status publisher %s does not subscribe to the goal topic", c.statusCallerID)

		return false
	}

	if c.cancelSubscribers[c.statusCallerID] == 0 {
		c.log.Debugf("Not connected: status publisher %s does not subscribe to the cancel topic", c.statusCallerID)

		return false
	}

	if feedbackPublishers == 0 {
		c.log.Debug("Not connected: no publisher on the feedback topic")

		return false
	}

	if resultPublishers == 0 {
		c.log.Debug("Not connected: no publisher on the result topic")

		return false
	}

	return true
}

type connectionInfo struct {
	GoalSubscribers   map[string]int `json:"goal_subscribers"`
	CancelSubscribers map[string]int `json:"cancel_subscribers"`
	StatusCallerID    string         `json:"status_caller_id"`
	LatestSeq         uint64         `json:"latest_seq"`
	StatusReceived    bool           `json:"status_received"`
}

func (c *connection) info() connectionInfo {
	c.mu.Lock()
	defer c.mu.Unlock()

	info := connectionInfo{
		GoalSubscribers:   make(map[string]int, len(c.goalSubscribers)),
		CancelSubscribers: make(map[string]int, len(c.cancelSubscribers)),
		StatusCallerID:    c.statusCallerID,
		LatestSeq:         c.latestHeader.Seq,
		StatusReceived:    c.statusReceived,
	}

	for k, v := range c.goalSubscribers {
		info.GoalSubscribers[k] = v
	}

	for k, v := range c.cancelSubscribers {
		info.CancelSubscribers[k] = v
	}

	return info
}
