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

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	// Component labels.
	ComponentActionClient    = "action_client"
	ComponentActionServer    = "action_server"
	ComponentMemoryTransport = "memory_transport"
	ComponentMQTTTransport   = "mqtt_transport"

	// Side labels for goal handle gauges.
	SideClient = "client"
	SideServer = "server"
)

var (
	namespace = "actionlib"

	errorCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Total number of errors encountered by component",
		},
		[]string{"component", "instance"},
	)

	goalsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "goals_sent_total",
			Help:      "Goals published by action clients",
		},
		[]string{"action"},
	)

	clientTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "comm_state_transitions_total",
			Help:      "Communication state transitions applied to client goal handles, by target state",
		},
		[]string{"action", "state"},
	)

	protocolViolations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "protocol_violations_total",
			Help:      "Status updates that had no valid transition from the handle's current state",
		},
		[]string{"action", "state", "status"},
	)

	goalsLost = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "goals_lost_total",
			Help:      "Client goal handles forced to DONE with status LOST",
		},
		[]string{"action", "reason"},
	)

	goalsFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "goals_finished_total",
			Help:      "Goals that reached a terminal status, by side and status",
		},
		[]string{"action", "side", "status"},
	)

	trackedGoals = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tracked_goal_handles",
			Help:      "Goal handles currently held in the goal-handle map",
		},
		[]string{"action", "side"},
	)

	goalsReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "goals_received_total",
			Help:      "Goal messages received by action servers",
		},
		[]string{"action"},
	)

	cancelsReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "cancel_requests_total",
			Help:      "Cancel messages received by action servers, by kind (single, all, placeholder)",
		},
		[]string{"action", "kind"},
	)

	statusBroadcasts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "status_broadcasts_total",
			Help:      "Status snapshots published by action servers",
		},
		[]string{"action"},
	)

	statusBroadcastTime = promauto.NewSummaryVec(
		prometheus.SummaryOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "status_broadcast_duration_milliseconds",
			Help:      "Time taken to build, publish and sweep one status snapshot (in milliseconds)",
			Objectives: map[float64]float64{
				0.5:  0.01,
				0.9:  0.01,
				0.99: 0.01,
			},
		},
		[]string{"action"},
	)

	handlesSwept = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "goal_handles_swept_total",
			Help:      "Terminal goal handles removed after the retention window",
		},
		[]string{"action"},
	)

	messagesDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "messages_dropped_total",
			Help:      "Inbound messages dropped because a subscriber queue was full",
		},
		[]string{"component", "topic"},
	)
)

// IncErrorCount increments the error counter for a component.
func IncErrorCount(component, instance string) {
	errorCounter.WithLabelValues(component, instance).Inc()
}

// InitErrorCounter initializes the error counter for a component.
func InitErrorCounter(component, instance string) {
	errorCounter.WithLabelValues(component, instance).Add(0)
}

func IncGoalsSent(action string) {
	goalsSent.WithLabelValues(action).Inc()
}

func IncClientTransition(action, state string) {
	clientTransitions.WithLabelValues(action, state).Inc()
}

func IncProtocolViolation(action, state, status string) {
	protocolViolations.WithLabelValues(action, state, status).Inc()
}

// IncGoalsLost counts a handle forced to LOST. reason is "server_restart" or "missing_from_status".
func IncGoalsLost(action, reason string) {
	goalsLost.WithLabelValues(action, reason).Inc()
}

func IncGoalsFinished(action, side, status string) {
	goalsFinished.WithLabelValues(action, side, status).Inc()
}

// SetTrackedGoals updates the goal-handle map size for one side of an action.
func SetTrackedGoals(action, side string, count int) {
	trackedGoals.WithLabelValues(action, side).Set(float64(count))
}

func IncGoalsReceived(action string) {
	goalsReceived.WithLabelValues(action).Inc()
}

func IncCancelRequests(action, kind string) {
	cancelsReceived.WithLabelValues(action, kind).Inc()
}

// ObserveStatusBroadcast records one PublishStatus run.
func ObserveStatusBroadcast(action string, duration time.Duration) {
	statusBroadcasts.WithLabelValues(action).Inc()
	statusBroadcastTime.WithLabelValues(action).Observe(float64(duration.Milliseconds()))
}

func AddHandlesSwept(action string, n int) {
	if n > 0 {
		handlesSwept.WithLabelValues(action).Add(float64(n))
	}
}

func IncMessagesDropped(component, topic string) {
	messagesDropped.WithLabelValues(component, topic).Inc()
}
