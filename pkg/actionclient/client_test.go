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
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap/zaptest"

	"github.com/united-manufacturing-hub/actionlib/pkg/models"
	"github.com/united-manufacturing-hub/actionlib/pkg/transport"
	"github.com/united-manufacturing-hub/actionlib/pkg/transport/memory"
)

var _ = Describe("ActionClient", func() {
	var (
		bus    *memory.Bus
		server *fakeServer
		client *ActionClient[fibGoal, fibResult, fibFeedback]
		mock   *clock.Mock
		start  time.Time
	)

	BeforeEach(func() {
		bus = memory.NewBus(memory.WithManualDelivery(), memory.WithLogger(zaptest.NewLogger(GinkgoT()).Sugar()))
		server = newFakeServer(bus, "server")

		mock = clock.NewMock()
		start = time.Unix(1_700_000_000, 0)
		mock.Set(start)

		var err error
		client, err = New[fibGoal, fibResult, fibFeedback](bus.Node("client"), testAction,
			WithLogger(zaptest.NewLogger(GinkgoT()).Sugar()), WithClock(mock))
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		client.Shutdown()
		bus.Close()
	})

	It("validates its arguments", func() {
		_, err := New[fibGoal, fibResult, fibFeedback](nil, testAction)
		Expect(err).To(HaveOccurred())

		_, err = New[fibGoal, fibResult, fibFeedback](bus.Node("other"), "")
		Expect(err).To(HaveOccurred())

		_, err = client.SendGoal(nil)
		Expect(err).To(MatchError(ErrNilGoal))
	})

	It("publishes goals stamped with their id", func() {
		h, err := client.SendGoal(&fibGoal{Order: 5})
		Expect(err).NotTo(HaveOccurred())
		Expect(h.CommState()).To(Equal(CommStateWaitingForGoalAck))
		Expect(client.TrackedGoals()).To(Equal(1))

		bus.Flush()

		goals := server.receivedGoals()
		Expect(goals).To(HaveLen(1))
		Expect(goals[0].GoalID).To(Equal(h.GoalID()))
		Expect(goals[0].Header.Stamp).To(Equal(h.GoalID().Stamp))
		Expect(goals[0].Goal.Order).To(Equal(5))
		Expect(h.GoalID().Stamp).To(Equal(models.NewTime(start)))
	})

	Describe("server readiness", func() {
		It("needs a status message from a node serving goal and cancel", func() {
			Expect(client.IsServerConnected()).To(BeFalse())

			server.sendStatus(models.NewTime(start))
			bus.Flush()

			Expect(client.IsServerConnected()).To(BeTrue())
		})

		It("drops readiness when the server stops listening for goals", func() {
			server.sendStatus(models.NewTime(start))
			bus.Flush()
			Expect(client.IsServerConnected()).To(BeTrue())

			server.goalSub.Shutdown()

			Expect(client.IsServerConnected()).To(BeFalse())
		})

		It("requires a result publisher", func() {
			server.sendStatus(models.NewTime(start))
			bus.Flush()

			server.result.Shutdown()

			Expect(client.IsServerConnected()).To(BeFalse())
		})

		It("gives up waiting when the context ends", func() {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
			defer cancel()

			Expect(client.WaitForActionServerToStart(ctx)).To(BeFalse())
		})

		It("returns at once when the server is already up", func() {
			server.sendStatus(models.NewTime(start))
			bus.Flush()

			Expect(client.WaitForActionServerToStart(context.Background())).To(BeTrue())
		})
	})

	It("follows a goal to success", func() {
		rec := &transitionRecorder{}
		var feedback [][]int

		h, err := client.SendGoal(&fibGoal{Order: 3}, rec.option(),
			OnFeedback(func(_ *testHandle, fb *fibFeedback) { feedback = append(feedback, fb.Sequence) }))
		Expect(err).NotTo(HaveOccurred())
		bus.Flush()

		id := h.GoalID()
		server.sendStatus(stampAt(start, 1*time.Second), status(id, models.StatusPending))
		bus.Flush()
		Expect(h.CommState()).To(Equal(CommStatePending))

		server.sendStatus(stampAt(start, 2*time.Second), status(id, models.StatusActive))
		server.sendFeedback(id, stampAt(start, 2*time.Second), 0, 1)
		bus.Flush()
		Expect(h.CommState()).To(Equal(CommStateActive))
		Expect(feedback).To(Equal([][]int{{0, 1}}))

		server.sendStatus(stampAt(start, 3*time.Second), status(id, models.StatusSucceeded))
		bus.Flush()
		Expect(h.CommState()).To(Equal(CommStateWaitingForResult))

		server.sendResult(id, models.StatusSucceeded, "", stampAt(start, 3*time.Second), &fibResult{Sequence: []int{0, 1, 1, 2}})
		bus.Flush()

		Expect(h.Done()).To(BeClosed())
		Expect(rec.seen()).To(Equal([]CommState{CommStatePending, CommStateActive, CommStateWaitingForResult, CommStateDone}))
		Expect(h.Result().Sequence).To(Equal([]int{0, 1, 1, 2}))
		st, ok := h.GoalStatus()
		Expect(ok).To(BeTrue())
		Expect(st.Status).To(Equal(models.StatusSucceeded))
		Expect(client.TrackedGoals()).To(BeZero())
	})

	It("follows a cancelled goal through preemption", func() {
		rec := &transitionRecorder{}
		h, err := client.SendGoal(&fibGoal{Order: 10}, rec.option())
		Expect(err).NotTo(HaveOccurred())
		id := h.GoalID()

		server.sendStatus(stampAt(start, time.Second), status(id, models.StatusActive))
		bus.Flush()

		Expect(h.Cancel()).To(Succeed())
		Expect(h.IsCancelRequested()).To(BeTrue())
		Expect(h.CommState()).To(Equal(CommStateWaitingForCancelAck))
		bus.Flush()

		cancels := server.receivedCancels()
		Expect(cancels).To(HaveLen(1))
		Expect(cancels[0].ID).To(Equal(id.ID))
		Expect(cancels[0].Stamp.IsZero()).To(BeTrue())

		server.sendStatus(stampAt(start, 2*time.Second), status(id, models.StatusPreempting))
		bus.Flush()
		Expect(h.CommState()).To(Equal(CommStatePreempting))

		server.sendResult(id, models.StatusPreempted, "", stampAt(start, 3*time.Second), nil)
		bus.Flush()

		Expect(rec.seen()).To(Equal([]CommState{
			CommStateActive, CommStateWaitingForCancelAck, CommStatePreempting, CommStateWaitingForResult, CommStateDone,
		}))
		Expect(h.Result()).To(BeNil())
		Expect(h.Cancel()).To(MatchError(ErrGoalDone))
	})

	It("recalls a goal cancelled while pending", func() {
		rec := &transitionRecorder{}
		h, err := client.SendGoal(&fibGoal{Order: 10}, rec.option())
		Expect(err).NotTo(HaveOccurred())
		id := h.GoalID()

		server.sendStatus(stampAt(start, time.Second), status(id, models.StatusPending))
		bus.Flush()
		Expect(h.CommState()).To(Equal(CommStatePending))

		Expect(h.Cancel()).To(Succeed())
		Expect(h.CommState()).To(Equal(CommStateWaitingForCancelAck))
		bus.Flush()
		Expect(server.receivedCancels()).To(HaveLen(1))

		server.sendStatus(stampAt(start, 2*time.Second), status(id, models.StatusRecalling))
		bus.Flush()
		Expect(h.CommState()).To(Equal(CommStateRecalling))

		server.sendStatus(stampAt(start, 3*time.Second), status(id, models.StatusRecalled))
		bus.Flush()
		Expect(h.CommState()).To(Equal(CommStateWaitingForResult))

		server.sendResult(id, models.StatusRecalled, "", stampAt(start, 4*time.Second), nil)
		bus.Flush()

		Expect(rec.seen()).To(Equal([]CommState{
			CommStatePending, CommStateWaitingForCancelAck, CommStateRecalling, CommStateWaitingForResult, CommStateDone,
		}))
		Eventually(h.Done()).Should(BeClosed())
		Expect(h.Result()).To(BeNil())
		st, ok := h.GoalStatus()
		Expect(ok).To(BeTrue())
		Expect(st.Status).To(Equal(models.StatusRecalled))
		Expect(client.TrackedGoals()).To(BeZero())
	})

	It("lets a transition callback cancel its own goal", func() {
		var cancelled atomic.Bool

		h, err := client.SendGoal(&fibGoal{Order: 2}, OnTransition(func(h *testHandle) {
			if h.CommState() == CommStateActive && !cancelled.Load() {
				cancelled.Store(true)
				Expect(h.Cancel()).To(Succeed())
				Expect(h.CommState()).To(Equal(CommStateActive), "the cancel waits for the callback to return")
			}
		}))
		Expect(err).NotTo(HaveOccurred())

		server.sendStatus(stampAt(start, time.Second), status(h.GoalID(), models.StatusActive))
		bus.Flush()

		Expect(cancelled.Load()).To(BeTrue())
		Expect(h.CommState()).To(Equal(CommStateWaitingForCancelAck))
		Expect(server.receivedCancels()).To(HaveLen(1))
	})

	It("marks every goal lost exactly once when the server restarts", func() {
		recA, recB := &transitionRecorder{}, &transitionRecorder{}
		a, err := client.SendGoal(&fibGoal{Order: 1}, recA.option())
		Expect(err).NotTo(HaveOccurred())
		b, err := client.SendGoal(&fibGoal{Order: 2}, recB.option())
		Expect(err).NotTo(HaveOccurred())

		server.sendStatusSeq(7, stampAt(start, time.Second),
			status(a.GoalID(), models.StatusActive), status(b.GoalID(), models.StatusPending))
		bus.Flush()
		Expect(a.CommState()).To(Equal(CommStateActive))
		Expect(b.CommState()).To(Equal(CommStatePending))

		server.sendStatusSeq(1, stampAt(start, 2*time.Second),
			status(a.GoalID(), models.StatusActive), status(b.GoalID(), models.StatusPending))
		server.sendStatusSeq(2, stampAt(start, 3*time.Second))
		bus.Flush()

		for _, h := range []*testHandle{a, b} {
			Expect(h.CommState()).To(Equal(CommStateDone))
			st, ok := h.GoalStatus()
			Expect(ok).To(BeTrue())
			Expect(st.Status).To(Equal(models.StatusLost))
			Expect(st.Text).To(Equal("LOST"))
		}

		Expect(recA.seen()).To(Equal([]CommState{CommStateActive, CommStateDone}))
		Expect(recB.seen()).To(Equal([]CommState{CommStatePending, CommStateDone}))
		Expect(client.TrackedGoals()).To(BeZero())
	})

	It("does not treat an equal sequence number as a restart", func() {
		h, err := client.SendGoal(&fibGoal{Order: 1})
		Expect(err).NotTo(HaveOccurred())

		server.sendStatusSeq(3, stampAt(start, time.Second), status(h.GoalID(), models.StatusActive))
		server.sendStatusSeq(3, stampAt(start, 2*time.Second), status(h.GoalID(), models.StatusActive))
		bus.Flush()

		Expect(h.CommState()).To(Equal(CommStateActive))
	})

	It("keeps an unacknowledged goal that is not yet in the snapshot", func() {
		h, err := client.SendGoal(&fibGoal{Order: 1})
		Expect(err).NotTo(HaveOccurred())

		server.sendStatus(stampAt(start, time.Second))
		bus.Flush()

		Expect(h.CommState()).To(Equal(CommStateWaitingForGoalAck))
	})

	It("loses an acknowledged goal that disappears from the snapshot", func() {
		h, err := client.SendGoal(&fibGoal{Order: 1})
		Expect(err).NotTo(HaveOccurred())

		server.sendStatus(stampAt(start, time.Second), status(h.GoalID(), models.StatusPending))
		server.sendStatus(stampAt(start, 2*time.Second))
		bus.Flush()

		Expect(h.CommState()).To(Equal(CommStateDone))
		st, _ := h.GoalStatus()
		Expect(st.Status).To(Equal(models.StatusLost))
	})

	It("ignores results and feedback for goals it does not track", func() {
		h, err := client.SendGoal(&fibGoal{Order: 1})
		Expect(err).NotTo(HaveOccurred())

		server.sendResult(models.GoalID{ID: "someone-else"}, models.StatusSucceeded, "", stampAt(start, time.Second), nil)
		server.sendFeedback(models.GoalID{ID: "someone-else"}, stampAt(start, time.Second), 1)
		bus.Flush()

		Expect(h.CommState()).To(Equal(CommStateWaitingForGoalAck))

		server.sendResult(h.GoalID(), models.StatusRejected, "busy", stampAt(start, time.Second), nil)
		server.sendResult(h.GoalID(), models.StatusSucceeded, "", stampAt(start, 2*time.Second), nil)
		bus.Flush()

		Expect(h.CommState()).To(Equal(CommStateDone))
		st, _ := h.GoalStatus()
		Expect(st.Status).To(Equal(models.StatusRejected))
		Expect(st.Text).To(Equal("busy"))

		_, remembered := client.finished.Load(h.GoalID().ID)
		Expect(remembered).To(BeTrue())
	})

	It("drops status messages without a caller id", func() {
		h, err := client.SendGoal(&fibGoal{Order: 1})
		Expect(err).NotTo(HaveOccurred())

		client.onStatus(&models.GoalStatusArray{
			Header:     models.Header{Seq: 1, Stamp: stampAt(start, time.Second)},
			StatusList: []models.GoalStatus{status(h.GoalID(), models.StatusActive)},
		}, transport.MessageMeta{})

		Expect(h.CommState()).To(Equal(CommStateWaitingForGoalAck))
		Expect(client.conn.info().StatusReceived).To(BeFalse())
	})

	It("broadcasts cancel-all and cancel-before requests", func() {
		Expect(client.CancelAllGoals()).To(Succeed())
		cutoff := start.Add(-time.Minute)
		Expect(client.CancelGoalsAtAndBeforeTime(cutoff)).To(Succeed())
		bus.Flush()

		cancels := server.receivedCancels()
		Expect(cancels).To(HaveLen(2))
		Expect(cancels[0].ID).To(BeEmpty())
		Expect(cancels[0].Stamp.IsZero()).To(BeTrue())
		Expect(cancels[1].ID).To(BeEmpty())
		Expect(cancels[1].Stamp).To(Equal(models.NewTime(cutoff)))
	})

	It("refuses work after shutdown", func() {
		client.Shutdown()

		_, err := client.SendGoal(&fibGoal{Order: 1})
		Expect(err).To(MatchError(ErrClientShutdown))
		Expect(client.CancelAllGoals()).To(MatchError(ErrClientShutdown))
		Expect(client.WaitForActionServerToStart(context.Background())).To(BeFalse())
	})

	It("reports its goals for debugging", func() {
		h, err := client.SendGoal(&fibGoal{Order: 1})
		Expect(err).NotTo(HaveOccurred())

		info, ok := client.GetDebugInfo().(clientInfo)
		Expect(ok).To(BeTrue())
		Expect(info.Goals).To(HaveKey(h.GoalID().ID))
		Expect(info.Goals[h.GoalID().ID].State).To(Equal("WAITING_FOR_GOAL_ACK"))
		Expect(info.Connected).To(BeFalse())
	})
})

var _ = Describe("SendGoalAndWait", func() {
	var (
		bus    *memory.Bus
		server *fakeServer
		client *ActionClient[fibGoal, fibResult, fibFeedback]
	)

	BeforeEach(func() {
		bus = memory.NewBus(memory.WithWorkers(2), memory.WithLogger(zaptest.NewLogger(GinkgoT()).Sugar()))

		var err error
		client, err = New[fibGoal, fibResult, fibFeedback](bus.Node("client"), testAction,
			WithLogger(zaptest.NewLogger(GinkgoT()).Sugar()),
			WithConnectTimeout(time.Second),
			WithPollInterval(5*time.Millisecond))
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		client.Shutdown()
		bus.Close()
	})

	startServer := func(onGoal func(s *fakeServer, g *models.ActionGoal[fibGoal])) {
		server = newFakeServer(bus, "server")
		server.onGoal = func(g *models.ActionGoal[fibGoal]) { onGoal(server, g) }
		server.sendStatus(models.NewTime(time.Now()))
	}

	It("returns the result of a successful goal", func() {
		startServer(func(s *fakeServer, g *models.ActionGoal[fibGoal]) {
			s.sendResult(g.GoalID, models.StatusSucceeded, "", models.NewTime(time.Now()), &fibResult{Sequence: []int{0, 1, 1}})
		})

		res, err := client.SendGoalAndWait(context.Background(), &fibGoal{Order: 3})
		Expect(err).NotTo(HaveOccurred())
		Expect(res.Sequence).To(Equal([]int{0, 1, 1}))
	})

	It("fails with the final status of an unsuccessful goal", func() {
		startServer(func(s *fakeServer, g *models.ActionGoal[fibGoal]) {
			s.sendResult(g.GoalID, models.StatusAborted, "order too large", models.NewTime(time.Now()), nil)
		})

		_, err := client.SendGoalAndWait(context.Background(), &fibGoal{Order: 300})

		var failed *ActionFailedError
		Expect(errors.As(err, &failed)).To(BeTrue())
		Expect(failed.FinalStatus).To(Equal(models.StatusAborted))
		Expect(failed.StatusText).To(Equal("order too large"))
		Expect(err.Error()).To(Equal("The action 'fibonacci' failed with final goal status 'ABORTED': order too large"))
	})

	It("times out when no server shows up", func() {
		impatient, err := New[fibGoal, fibResult, fibFeedback](bus.Node("impatient"), testAction,
			WithLogger(zaptest.NewLogger(GinkgoT()).Sugar()),
			WithConnectTimeout(50*time.Millisecond),
			WithPollInterval(5*time.Millisecond))
		Expect(err).NotTo(HaveOccurred())
		defer impatient.Shutdown()

		_, err = impatient.SendGoalAndWait(context.Background(), &fibGoal{Order: 1})

		var timeout *ConnectionTimeoutError
		Expect(errors.As(err, &timeout)).To(BeTrue())
		Expect(errors.Is(err, ErrServerNotAvailable)).To(BeTrue())
	})

	It("cancels the goal when the context ends and waits for the outcome", func() {
		startServer(func(*fakeServer, *models.ActionGoal[fibGoal]) {})
		server.onCancel = func(id *models.GoalID) {
			for _, g := range server.receivedGoals() {
				if g.GoalID.ID == id.ID {
					server.sendResult(g.GoalID, models.StatusPreempted, "", models.NewTime(time.Now()), nil)
				}
			}
		}

		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			defer GinkgoRecover()

			Eventually(server.receivedGoals).Should(HaveLen(1))
			cancel()
		}()

		_, err := client.SendGoalAndWait(ctx, &fibGoal{Order: 1})

		var failed *ActionFailedError
		Expect(errors.As(err, &failed)).To(BeTrue())
		Expect(failed.FinalStatus).To(Equal(models.StatusPreempted))
	})
})
