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
	"math/rand"
	"time"

	"github.com/benbjohnson/clock"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap/zaptest"

	"github.com/united-manufacturing-hub/actionlib/pkg/models"
	"github.com/united-manufacturing-hub/actionlib/pkg/transport/memory"
)

var allStates = []CommState{
	CommStateWaitingForGoalAck,
	CommStatePending,
	CommStateActive,
	CommStateWaitingForCancelAck,
	CommStateRecalling,
	CommStatePreempting,
	CommStateWaitingForResult,
	CommStateDone,
}

var allStatuses = []models.StatusCode{
	models.StatusPending,
	models.StatusActive,
	models.StatusPreempted,
	models.StatusSucceeded,
	models.StatusAborted,
	models.StatusRejected,
	models.StatusPreempting,
	models.StatusRecalling,
	models.StatusRecalled,
	models.StatusLost,
}

var _ = Describe("CommState transitions", func() {
	var (
		bus    *memory.Bus
		client *ActionClient[fibGoal, fibResult, fibFeedback]
		now    time.Time
	)

	BeforeEach(func() {
		bus = memory.NewBus(memory.WithManualDelivery())
		mock := clock.NewMock()
		now = time.Unix(1_700_000_000, 0)
		mock.Set(now)

		var err error
		client, err = New[fibGoal, fibResult, fibFeedback](bus.Node("client"), testAction,
			WithLogger(zaptest.NewLogger(GinkgoT()).Sugar()), WithClock(mock))
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		client.Shutdown()
		bus.Close()
	})

	// handleIn returns a handle forced into state, recording its transitions.
	handleIn := func(state CommState) (*testHandle, *transitionRecorder) {
		rec := &transitionRecorder{}
		h, err := client.SendGoal(&fibGoal{Order: 3}, rec.option())
		Expect(err).NotTo(HaveOccurred())

		h.mu.Lock()
		h.state = state
		h.mu.Unlock()

		return h, rec
	}

	It("names every state", func() {
		Expect(CommStateWaitingForCancelAck.String()).To(Equal("WAITING_FOR_CANCEL_ACK"))
		Expect(CommStateDone.String()).To(Equal("DONE"))
		Expect(CommState(42).String()).To(Equal("UNKNOWN(42)"))
	})

	DescribeTable("applies a status update",
		func(from CommState, reported models.StatusCode, expected []CommState) {
			h, rec := handleIn(from)
			stamp := models.NewTime(now.Add(time.Second))

			h.updateStatus(&models.GoalStatus{GoalID: h.GoalID(), Status: reported}, stamp)

			if len(expected) == 0 {
				Expect(rec.seen()).To(BeEmpty())
				Expect(h.CommState()).To(Equal(from))

				return
			}

			Expect(rec.seen()).To(Equal(expected))
			Expect(h.CommState()).To(Equal(expected[len(expected)-1]))
		},
		Entry("goal ack pending", CommStateWaitingForGoalAck, models.StatusPending, []CommState{CommStatePending}),
		Entry("goal ack preempted", CommStateWaitingForGoalAck, models.StatusPreempted,
			[]CommState{CommStateActive, CommStatePreempting, CommStateWaitingForResult}),
		Entry("goal ack recalling", CommStateWaitingForGoalAck, models.StatusRecalling,
			[]CommState{CommStatePending, CommStateRecalling}),
		Entry("goal ack rejected", CommStateWaitingForGoalAck, models.StatusRejected,
			[]CommState{CommStatePending, CommStateWaitingForResult}),
		Entry("pending stays pending", CommStatePending, models.StatusPending, nil),
		Entry("pending recalled", CommStatePending, models.StatusRecalled,
			[]CommState{CommStateRecalling, CommStateWaitingForResult}),
		Entry("active succeeded", CommStateActive, models.StatusSucceeded, []CommState{CommStateWaitingForResult}),
		Entry("active reported pending", CommStateActive, models.StatusPending, nil),
		Entry("active reported recalled", CommStateActive, models.StatusRecalled, nil),
		Entry("cancel ack succeeded", CommStateWaitingForCancelAck, models.StatusSucceeded,
			[]CommState{CommStatePreempting, CommStateWaitingForResult}),
		Entry("cancel ack active", CommStateWaitingForCancelAck, models.StatusActive, nil),
		Entry("recalling preempting", CommStateRecalling, models.StatusPreempting, []CommState{CommStatePreempting}),
		Entry("recalling active", CommStateRecalling, models.StatusActive, nil),
		Entry("preempting aborted", CommStatePreempting, models.StatusAborted, []CommState{CommStateWaitingForResult}),
		Entry("waiting for result rejected", CommStateWaitingForResult, models.StatusRejected, nil),
		Entry("waiting for result recalling", CommStateWaitingForResult, models.StatusRecalling, nil),
		Entry("lost is never a server status", CommStateActive, models.StatusLost, nil),
	)

	It("only ever moves forward, for every state and status", func() {
		for _, from := range allStates {
			for _, reported := range allStatuses {
				h, rec := handleIn(from)
				h.updateStatus(&models.GoalStatus{GoalID: h.GoalID(), Status: reported}, models.NewTime(now.Add(time.Second)))

				prev := from
				for _, s := range rec.seen() {
					Expect(s).To(BeNumerically(">", prev), "%s on %s", from, reported)
					prev = s
				}

				if from == CommStateDone {
					Expect(rec.seen()).To(BeEmpty())
					Expect(h.CommState()).To(Equal(CommStateDone))

					continue
				}

				Expect(h.CommState()).To(BeNumerically(">=", from))
				Expect(h.CommState()).NotTo(Equal(CommStateDone), "a status alone never finishes a goal")
			}
		}
	})

	It("stays monotonic under random status sequences", func() {
		rng := rand.New(rand.NewSource(GinkgoRandomSeed()))

		for run := 0; run < 200; run++ {
			h, rec := handleIn(CommStateWaitingForGoalAck)

			for step := 0; step < 12; step++ {
				reported := allStatuses[rng.Intn(len(allStatuses)-1)]
				h.updateStatus(&models.GoalStatus{GoalID: h.GoalID(), Status: reported}, models.NewTime(now.Add(time.Second)))
			}

			seen := rec.seen()
			for i := 1; i < len(seen); i++ {
				Expect(seen[i]).To(BeNumerically(">", seen[i-1]))
			}
		}
	})

	It("marks a goal missing from a snapshot as lost", func() {
		h, rec := handleIn(CommStateActive)

		h.updateStatus(nil, models.NewTime(now.Add(time.Second)))

		Expect(rec.seen()).To(Equal([]CommState{CommStateDone}))
		st, ok := h.GoalStatus()
		Expect(ok).To(BeTrue())
		Expect(st.Status).To(Equal(models.StatusLost))
		Expect(st.Text).To(Equal("LOST"))
	})

	DescribeTable("keeps goals a snapshot may legitimately omit",
		func(state CommState) {
			h, rec := handleIn(state)

			h.updateStatus(nil, models.NewTime(now.Add(time.Second)))

			Expect(rec.seen()).To(BeEmpty())
			Expect(h.CommState()).To(Equal(state))
		},
		Entry("not yet acknowledged", CommStateWaitingForGoalAck),
		Entry("waiting for its result", CommStateWaitingForResult),
	)

	It("finishes on a result from any state and ignores later results", func() {
		h, rec := handleIn(CommStatePending)
		result := &models.ActionResult[fibResult]{
			Header: models.Header{Stamp: models.NewTime(now.Add(time.Second))},
			Status: models.GoalStatus{GoalID: h.GoalID(), Status: models.StatusSucceeded},
			Result: &fibResult{Sequence: []int{0, 1, 1}},
		}

		h.updateResult(result)
		Expect(rec.seen()).To(Equal([]CommState{CommStateActive, CommStateWaitingForResult, CommStateDone}))
		Expect(h.Done()).To(BeClosed())

		h.updateResult(&models.ActionResult[fibResult]{Status: models.GoalStatus{GoalID: h.GoalID(), Status: models.StatusAborted}})
		Expect(rec.seen()).To(HaveLen(3))
		Expect(h.Result().Sequence).To(Equal([]int{0, 1, 1}))
	})
})
