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

package main

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/actionlib/pkg/actionserver"
)

type FibonacciGoal struct {
	Order int `json:"order"`
}

type FibonacciResult struct {
	Sequence []int `json:"sequence"`
}

type FibonacciFeedback struct {
	Sequence []int `json:"sequence"`
}

type fibonacciHandle = actionserver.ServerGoalHandle[FibonacciGoal, FibonacciResult, FibonacciFeedback]

// fibonacciExecutor computes the sequence one element per step and stops
// early when the goal is canceled or ctx ends.
func fibonacciExecutor(ctx context.Context, step time.Duration, log *zap.SugaredLogger) func(*fibonacciHandle) {
	return func(h *fibonacciHandle) {
		order := h.Goal().Order
		if order < 1 {
			if err := h.SetRejected(nil, "order must be at least 1"); err != nil {
				log.Warnf("Failed to reject goal %s: %s", h.GoalID().ID, err)
			}

			return
		}

		go func() {
			if err := h.SetAccepted("computing"); err != nil {
				// canceled before we got to it
				log.Debugf("Goal %s not accepted: %s", h.GoalID().ID, err)

				return
			}

			seq := []int{0, 1}
			ticker := time.NewTicker(step)
			defer ticker.Stop()

			for len(seq) < order+1 {
				select {
				case <-ctx.Done():
					if err := h.SetAborted(&FibonacciResult{Sequence: seq}, "server shutting down"); err != nil {
						log.Warnf("Failed to abort goal %s: %s", h.GoalID().ID, err)
					}

					return
				case <-ticker.C:
				}

				if h.IsCancelRequested() {
					if err := h.SetCanceled(&FibonacciResult{Sequence: seq}, "canceled"); err != nil {
						log.Warnf("Failed to cancel goal %s: %s", h.GoalID().ID, err)
					}

					return
				}

				seq = append(seq, seq[len(seq)-1]+seq[len(seq)-2])
				if err := h.PublishFeedback(&FibonacciFeedback{Sequence: seq}); err != nil {
					log.Warnf("Failed to publish feedback for %s: %s", h.GoalID().ID, err)
				}
			}

			if err := h.SetSucceeded(&FibonacciResult{Sequence: seq}, ""); err != nil {
				log.Warnf("Failed to finish goal %s: %s", h.GoalID().ID, err)
			}
		}()
	}
}
