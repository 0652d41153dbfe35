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

package mqtt_test

import (
	"context"
	"errors"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap/zaptest"

	"github.com/united-manufacturing-hub/actionlib/pkg/actionclient"
	"github.com/united-manufacturing-hub/actionlib/pkg/actionserver"
	"github.com/united-manufacturing-hub/actionlib/pkg/transport"
	"github.com/united-manufacturing-hub/actionlib/pkg/transport/mqtt"
)

const prefix = "umh/actionlib"

type sample struct {
	Name   string
	Values []int
}

func newSample() any { return &sample{} }

type recorder struct {
	msgs  []*sample
	metas []transport.MessageMeta
	mu    sync.Mutex
}

func (r *recorder) handle(msg any, meta transport.MessageMeta) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.msgs = append(r.msgs, msg.(*sample))
	r.metas = append(r.metas, meta)
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.msgs)
}

func (r *recorder) last() (*sample, transport.MessageMeta) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.msgs[len(r.msgs)-1], r.metas[len(r.metas)-1]
}

type peers struct {
	connected    []string
	disconnected []string
	mu           sync.Mutex
}

func (p *peers) option() transport.PublisherOption {
	return transport.WithPeerCallbacks(
		func(node string) {
			p.mu.Lock()
			defer p.mu.Unlock()

			p.connected = append(p.connected, node)
		},
		func(node string) {
			p.mu.Lock()
			defer p.mu.Unlock()

			p.disconnected = append(p.disconnected, node)
		})
}

func (p *peers) seen() ([]string, []string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	return append([]string(nil), p.connected...), append([]string(nil), p.disconnected...)
}

var _ = Describe("Transport", func() {
	var (
		b      *broker
		server *mqtt.Transport
		client *mqtt.Transport
	)

	newNode := func(name string) *mqtt.Transport {
		t, err := mqtt.New(b.client(), name, prefix, zaptest.NewLogger(GinkgoT()).Sugar())
		Expect(err).NotTo(HaveOccurred())

		return t
	}

	BeforeEach(func() {
		b = newBroker()
		server = newNode("server")
		client = newNode("client")
	})

	It("rejects node names that cannot be used in topics", func() {
		for _, name := range []string{"", "a/b", "a+", "#"} {
			_, err := mqtt.New(b.client(), name, prefix, nil)
			Expect(err).To(HaveOccurred(), name)
		}

		_, err := mqtt.New(nil, "node", prefix, nil)
		Expect(err).To(HaveOccurred())
		Expect(server.NodeName()).To(Equal("server"))
	})

	It("delivers messages below the prefix tagged with the sender", func() {
		rec := &recorder{}
		sub, err := client.Subscribe("fib/goal", 10, newSample, rec.handle)
		Expect(err).NotTo(HaveOccurred())
		defer sub.Shutdown()

		pub, err := server.Advertise("fib/goal", 10)
		Expect(err).NotTo(HaveOccurred())
		defer pub.Shutdown()

		Expect(pub.Publish(&sample{Name: "g1", Values: []int{1, 1, 2}})).To(Succeed())

		Eventually(rec.count).Should(Equal(1))
		msg, meta := rec.last()
		Expect(msg.Name).To(Equal("g1"))
		Expect(msg.Values).To(Equal([]int{1, 1, 2}))
		Expect(meta.CallerID).To(Equal("server"))
		Expect(b.publishedTopics()).To(ContainElement("umh/actionlib/fib/goal"))
	})

	It("counts peers and reports them joining and leaving", func() {
		p := &peers{}
		pub, err := server.Advertise("fib/goal", 10, p.option())
		Expect(err).NotTo(HaveOccurred())
		defer pub.Shutdown()
		Expect(pub.NumSubscribers()).To(BeZero())

		sub, err := client.Subscribe("fib/goal", 10, newSample, (&recorder{}).handle)
		Expect(err).NotTo(HaveOccurred())

		Expect(pub.NumSubscribers()).To(Equal(1))
		Expect(sub.NumPublishers()).To(Equal(1))

		connected, disconnected := p.seen()
		Expect(connected).To(Equal([]string{"client"}))
		Expect(disconnected).To(BeEmpty())

		sub.Shutdown()

		Expect(pub.NumSubscribers()).To(BeZero())
		Expect(sub.NumPublishers()).To(BeZero())
		_, disconnected = p.seen()
		Expect(disconnected).To(Equal([]string{"client"}))
	})

	It("reports subscribers that were there before the publisher", func() {
		sub, err := client.Subscribe("fib/cancel", 10, newSample, (&recorder{}).handle)
		Expect(err).NotTo(HaveOccurred())
		defer sub.Shutdown()

		p := &peers{}
		pub, err := server.Advertise("fib/cancel", 10, p.option())
		Expect(err).NotTo(HaveOccurred())
		defer pub.Shutdown()

		connected, _ := p.seen()
		Expect(connected).To(Equal([]string{"client"}))
	})

	It("counts a node once however many endpoints it has", func() {
		pub, err := server.Advertise("fib/result", 10)
		Expect(err).NotTo(HaveOccurred())
		defer pub.Shutdown()

		first, second := &recorder{}, &recorder{}
		s1, err := client.Subscribe("fib/result", 10, newSample, first.handle)
		Expect(err).NotTo(HaveOccurred())
		s2, err := client.Subscribe("fib/result", 10, newSample, second.handle)
		Expect(err).NotTo(HaveOccurred())

		Expect(pub.NumSubscribers()).To(Equal(1))

		Expect(pub.Publish(&sample{Name: "both"})).To(Succeed())
		Eventually(first.count).Should(Equal(1))
		Eventually(second.count).Should(Equal(1))

		s1.Shutdown()
		Expect(pub.NumSubscribers()).To(Equal(1))

		Expect(pub.Publish(&sample{Name: "second only"})).To(Succeed())
		Eventually(second.count).Should(Equal(2))
		Consistently(first.count, 50*time.Millisecond).Should(Equal(1))

		s2.Shutdown()
		Expect(pub.NumSubscribers()).To(BeZero())
	})

	It("hands latched messages to late subscribers until the publisher leaves", func() {
		pub, err := server.Advertise("fib/status", 1, transport.WithLatch())
		Expect(err).NotTo(HaveOccurred())
		Expect(pub.Publish(&sample{Name: "latest"})).To(Succeed())

		rec := &recorder{}
		sub, err := client.Subscribe("fib/status", 1, newSample, rec.handle)
		Expect(err).NotTo(HaveOccurred())
		defer sub.Shutdown()

		Eventually(rec.count).Should(Equal(1))
		msg, _ := rec.last()
		Expect(msg.Name).To(Equal("latest"))

		pub.Shutdown()

		_, ok := b.retainedAt("umh/actionlib/fib/status")
		Expect(ok).To(BeFalse())
		_, ok = b.retainedAt("umh/actionlib/$presence/fib/status/pub/server")
		Expect(ok).To(BeFalse())
		Consistently(rec.count, 50*time.Millisecond).Should(Equal(1))
	})

	It("refuses to publish after shutdown", func() {
		pub, err := server.Advertise("fib/goal", 10)
		Expect(err).NotTo(HaveOccurred())

		pub.Shutdown()
		pub.Shutdown()

		err = pub.Publish(&sample{})
		Expect(errors.Is(err, transport.ErrShutdown)).To(BeTrue())
		Expect(pub.NumSubscribers()).To(BeZero())
	})

	It("drops payloads it cannot decode", func() {
		rec := &recorder{}
		sub, err := client.Subscribe("fib/feedback", 10, newSample, rec.handle)
		Expect(err).NotTo(HaveOccurred())
		defer sub.Shutdown()

		b.publish("umh/actionlib/fib/feedback", false, []byte("not json"))
		b.publish("umh/actionlib/fib/feedback", false, []byte(`{"caller_id":"x","body":{"Name":7}}`))
		b.publish("umh/actionlib/fib/feedback", false, []byte(`{"caller_id":"x","body":{"Name":"ok"}}`))

		Eventually(rec.count).Should(Equal(1))
		Consistently(rec.count, 50*time.Millisecond).Should(Equal(1))
		msg, meta := rec.last()
		Expect(msg.Name).To(Equal("ok"))
		Expect(meta.CallerID).To(Equal("x"))
	})

	It("keeps delivering after a handler panics", func() {
		rec := &recorder{}
		sub, err := client.Subscribe("fib/goal", 10, newSample, func(msg any, meta transport.MessageMeta) {
			if msg.(*sample).Name == "a" {
				panic("handler failure")
			}

			rec.handle(msg, meta)
		})
		Expect(err).NotTo(HaveOccurred())
		defer sub.Shutdown()

		pub, err := server.Advertise("fib/goal", 10)
		Expect(err).NotTo(HaveOccurred())
		defer pub.Shutdown()

		Expect(pub.Publish(&sample{Name: "a"})).To(Succeed())
		Expect(pub.Publish(&sample{Name: "b"})).To(Succeed())

		Eventually(rec.count).Should(Equal(1))
		msg, _ := rec.last()
		Expect(msg.Name).To(Equal("b"))
	})

	It("returns subscribe failures from the broker", func() {
		c := b.client()
		c.failSubscribe = true
		t, err := mqtt.New(c, "denied", prefix, zaptest.NewLogger(GinkgoT()).Sugar())
		Expect(err).NotTo(HaveOccurred())

		_, err = t.Subscribe("fib/goal", 10, newSample, (&recorder{}).handle)
		Expect(err).To(MatchError(ContainSubstring("not authorized")))

		_, err = t.Advertise("fib/goal", 10)
		Expect(err).To(HaveOccurred())
	})

	It("unsubscribes from the broker once the last endpoint of a topic is gone", func() {
		c := b.client()
		t, err := mqtt.New(c, "watcher", prefix, zaptest.NewLogger(GinkgoT()).Sugar())
		Expect(err).NotTo(HaveOccurred())

		sub, err := t.Subscribe("fib/goal", 10, newSample, (&recorder{}).handle)
		Expect(err).NotTo(HaveOccurred())
		Expect(b.subscriptions(c)).To(ConsistOf(
			"umh/actionlib/fib/goal",
			"umh/actionlib/$presence/fib/goal/pub/+",
		))

		sub.Shutdown()
		Expect(b.subscriptions(c)).To(BeEmpty())
	})
})

type (
	countGoal     struct{ To int }
	countResult   struct{ Reached int }
	countFeedback struct{ Current int }
)

var _ = Describe("Actions over MQTT", func() {
	It("runs a goal from client to server and back", func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		b := newBroker()
		log := zaptest.NewLogger(GinkgoT()).Sugar()

		serverNode, err := mqtt.New(b.client(), "count_server", prefix, log)
		Expect(err).NotTo(HaveOccurred())
		clientNode, err := mqtt.New(b.client(), "count_client", prefix, log)
		Expect(err).NotTo(HaveOccurred())

		server, err := actionserver.New[countGoal, countResult, countFeedback](serverNode, "count",
			actionserver.WithLogger(log), actionserver.WithStatusFrequency(20))
		Expect(err).NotTo(HaveOccurred())
		defer server.Shutdown()

		server.RegisterGoalCallback(func(h *actionserver.ServerGoalHandle[countGoal, countResult, countFeedback]) {
			go func() {
				defer GinkgoRecover()

				Expect(h.SetAccepted("")).To(Succeed())
				Expect(h.SetSucceeded(&countResult{Reached: h.Goal().To}, "")).To(Succeed())
			}()
		})
		Expect(server.Start(ctx)).To(Succeed())

		client, err := actionclient.New[countGoal, countResult, countFeedback](clientNode, "count",
			actionclient.WithLogger(log), actionclient.WithConnectTimeout(5*time.Second))
		Expect(err).NotTo(HaveOccurred())
		defer client.Shutdown()

		res, err := client.SendGoalAndWait(ctx, &countGoal{To: 3})
		Expect(err).NotTo(HaveOccurred())
		Expect(res.Reached).To(Equal(3))
	})
})
