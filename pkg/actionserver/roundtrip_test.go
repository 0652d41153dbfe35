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

package actionserver_test

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap/zaptest"

	"github.com/united-manufacturing-hub/actionlib/pkg/actionclient"
	"github.com/united-manufacturing-hub/actionlib/pkg/actionserver"
	"github.com/united-manufacturing-hub/actionlib/pkg/models"
	"github.com/united-manufacturing-hub/actionlib/pkg/transport/memory"
)

type countGoal struct {
	To int
}

type countResult struct {
	Reached int
}

type countFeedback struct {
	Current int
}

type (
	countServer       = actionserver.ActionServer[countGoal, countResult, countFeedback]
	countServerHandle = actionserver.ServerGoalHandle[countGoal, countResult, countFeedback]
	countClient       = actionclient.ActionClient[countGoal, countResult, countFeedback]
	countClientHandle = actionclient.ClientGoalHandle[countGoal, countResult, countFeedback]
)

var _ = Describe("Client and server on one bus", func() {
	var (
		bus    *memory.Bus
		server *countServer
		client *countClient
		ctx    context.Context
		cancel context.CancelFunc
	)

	BeforeEach(func() {
		ctx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
		bus = memory.NewBus(memory.WithWorkers(4), memory.WithLogger(zaptest.NewLogger(GinkgoT()).Sugar()))

		var err error
		server, err = actionserver.New[countGoal, countResult, countFeedback](bus.Node("counter_server"), "count",
			actionserver.WithLogger(zaptest.NewLogger(GinkgoT()).Sugar()),
			actionserver.WithStatusFrequency(50),
			actionserver.WithStatusListTimeout(time.Second))
		Expect(err).NotTo(HaveOccurred())

		client, err = actionclient.New[countGoal, countResult, countFeedback](bus.Node("counter_client"), "count",
			actionclient.WithLogger(zaptest.NewLogger(GinkgoT()).Sugar()),
			actionclient.WithConnectTimeout(2*time.Second))
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		client.Shutdown()
		server.Shutdown()
		bus.Close()
		cancel()
	})

	// counting accepts every goal and counts up to its target, checking for
	// cancel requests between steps.
	counting := func(step time.Duration) func(*countServerHandle) {
		return func(h *countServerHandle) {
			go func() {
				defer GinkgoRecover()

				if err := h.SetAccepted(""); err != nil {
					return
				}

				for i := 1; i <= h.Goal().To; i++ {
					if h.IsCancelRequested() {
						Expect(h.SetCanceled(&countResult{Reached: i - 1}, "stopped")).To(Succeed())

						return
					}

					Expect(h.PublishFeedback(&countFeedback{Current: i})).To(Succeed())
					time.Sleep(step)
				}

				Expect(h.SetSucceeded(&countResult{Reached: h.Goal().To}, "")).To(Succeed())
			}()
		}
	}

	It("delivers feedback and the result", func() {
		server.RegisterGoalCallback(counting(time.Millisecond))
		Expect(server.Start(ctx)).To(Succeed())

		var seen []int
		done := make(chan struct{})

		feedback := actionclient.OnFeedback(func(_ *countClientHandle, fb *countFeedback) {
			seen = append(seen, fb.Current)
		})
		transitions := actionclient.OnTransition(func(h *countClientHandle) {
			if h.CommState() == actionclient.CommStateDone {
				close(done)
			}
		})

		res, err := client.SendGoalAndWait(ctx, &countGoal{To: 5}, feedback, transitions)
		Expect(err).NotTo(HaveOccurred())
		Expect(res.Reached).To(Equal(5))

		Eventually(done).Should(BeClosed())

		// feedback and results travel on different topics; the tail of the
		// feedback may arrive after DONE and is dropped then
		Expect(seen).NotTo(BeEmpty())
		for i, v := range seen {
			Expect(v).To(Equal(i + 1))
		}
	})

	It("keeps taking goals after a goal callback panics", func() {
		var calls atomic.Int32
		succeed := counting(time.Millisecond)

		server.RegisterGoalCallback(func(h *countServerHandle) {
			if calls.Add(1) == 1 {
				panic("executor failure")
			}

			succeed(h)
		})
		Expect(server.Start(ctx)).To(Succeed())
		Expect(client.WaitForActionServerToStart(ctx)).To(BeTrue())

		_, err := client.SendGoal(&countGoal{To: 1})
		Expect(err).NotTo(HaveOccurred())
		Eventually(calls.Load).Should(BeEquivalentTo(1))

		res, err := client.SendGoalAndWait(ctx, &countGoal{To: 2})
		Expect(err).NotTo(HaveOccurred())
		Expect(res.Reached).To(Equal(2))
		Expect(calls.Load()).To(BeEquivalentTo(2))
	})

	It("reports a rejected goal as failed", func() {
		server.RegisterGoalCallback(func(h *countServerHandle) {
			Expect(h.SetRejected(nil, "too far")).To(Succeed())
		})
		Expect(server.Start(ctx)).To(Succeed())

		_, err := client.SendGoalAndWait(ctx, &countGoal{To: 1_000_000})

		var failed *actionclient.ActionFailedError
		Expect(errors.As(err, &failed)).To(BeTrue())
		Expect(failed.FinalStatus).To(Equal(models.StatusRejected))
		Expect(failed.StatusText).To(Equal("too far"))
	})

	It("preempts a goal when the caller gives up", func() {
		server.RegisterGoalCallback(counting(20 * time.Millisecond))
		Expect(server.Start(ctx)).To(Succeed())

		callCtx, giveUp := context.WithTimeout(ctx, 100*time.Millisecond)
		defer giveUp()

		_, err := client.SendGoalAndWait(callCtx, &countGoal{To: 1000})

		var failed *actionclient.ActionFailedError
		Expect(errors.As(err, &failed)).To(BeTrue())
		Expect(failed.FinalStatus).To(Equal(models.StatusPreempted))
	})

	It("cancels all goals of all clients", func() {
		server.RegisterGoalCallback(counting(20 * time.Millisecond))
		Expect(server.Start(ctx)).To(Succeed())
		Expect(client.WaitForActionServerToStart(ctx)).To(BeTrue())

		var handles []*countClientHandle
		for i := 0; i < 3; i++ {
			h, err := client.SendGoal(&countGoal{To: 1000})
			Expect(err).NotTo(HaveOccurred())
			handles = append(handles, h)
		}

		for _, h := range handles {
			Eventually(h.CommState).Should(Equal(actionclient.CommStateActive))
		}

		Expect(client.CancelAllGoals()).To(Succeed())

		for _, h := range handles {
			Eventually(h.Done()).Should(BeClosed())
			st, ok := h.GoalStatus()
			Expect(ok).To(BeTrue())
			Expect(st.Status).To(Equal(models.StatusPreempted))
			Expect(h.Result()).NotTo(BeNil())
		}
	})

	It("drops finished goals from the status list after the timeout", func() {
		server.RegisterGoalCallback(counting(time.Millisecond))
		Expect(server.Start(ctx)).To(Succeed())

		_, err := client.SendGoalAndWait(ctx, &countGoal{To: 1})
		Expect(err).NotTo(HaveOccurred())
		Expect(server.TrackedGoals()).To(Equal(1))

		Eventually(server.TrackedGoals, 3*time.Second, 50*time.Millisecond).Should(BeZero())
		Expect(client.TrackedGoals()).To(BeZero())
	})
})
