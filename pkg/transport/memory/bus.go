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

// Package memory is an in-process implementation of transport.Transport.
//
// All nodes created from one Bus see each other. Every delivered message is a
// deep copy of the published one, so publishers and subscribers never share
// memory, the same way they would not over a network.
package memory

import (
	"context"
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"

	"github.com/tiendc/go-deepcopy"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/actionlib/pkg/logger"
	"github.com/united-manufacturing-hub/actionlib/pkg/metrics"
	"github.com/united-manufacturing-hub/actionlib/pkg/transport"
)

// Option configures a Bus.
type Option func(*Bus)

// WithManualDelivery queues deliveries until Flush is called instead of
// running them on a spinner.
func WithManualDelivery() Option {
	return func(b *Bus) { b.manual = true }
}

// WithWorkers sets the number of spinner workers. Defaults to GOMAXPROCS.
func WithWorkers(n int) Option {
	return func(b *Bus) { b.workers = n }
}

// WithLogger replaces the default component logger.
func WithLogger(log *zap.SugaredLogger) Option {
	return func(b *Bus) { b.log = log }
}

// Bus connects in-process nodes.
type Bus struct {
	log     *zap.SugaredLogger
	topics  map[string]*topicState
	spinner *Spinner
	cancel  context.CancelFunc
	done    chan struct{}

	pending []func()
	workers int
	mu      sync.Mutex
	flushMu sync.Mutex
	manual  bool
}

type topicState struct {
	publishers  []*publisher
	subscribers []*subscriber
}

// NewBus creates a bus. Unless manual delivery is requested, a spinner is
// started and runs until Close.
func NewBus(opts ...Option) *Bus {
	b := &Bus{
		topics:  make(map[string]*topicState),
		workers: runtime.GOMAXPROCS(0),
		done:    make(chan struct{}),
	}

	for _, opt := range opts {
		opt(b)
	}

	if b.log == nil {
		b.log = logger.For(logger.ComponentMemoryTransport)
	}

	if b.manual {
		close(b.done)

		return b
	}

	ctx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	b.spinner = NewSpinner(b.workers, b.log)

	go func() {
		defer close(b.done)

		_ = b.spinner.Run(ctx)
	}()

	return b
}

// Close stops the spinner. Deliveries still queued are discarded.
func (b *Bus) Close() {
	if b.cancel != nil {
		b.cancel()
	}

	<-b.done
}

// Flush runs queued deliveries, including those queued by the handlers it
// runs, until none are left. It returns the number of subscriber queues it
// drained. Only meaningful with WithManualDelivery.
func (b *Bus) Flush() int {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	n := 0

	for {
		b.mu.Lock()
		if len(b.pending) == 0 {
			b.mu.Unlock()

			return n
		}

		fn := b.pending[0]
		b.pending = b.pending[1:]
		b.mu.Unlock()

		fn()
		n++
	}
}

// Pending is the number of subscriber queues waiting for Flush.
func (b *Bus) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return len(b.pending)
}

// Node returns a transport for the node called name.
func (b *Bus) Node(name string) *Node {
	return &Node{bus: b, name: name}
}

func (b *Bus) topic(name string) *topicState {
	t, ok := b.topics[name]
	if !ok {
		t = &topicState{}
		b.topics[name] = t
	}

	return t
}

func (b *Bus) schedule(key string, fn func()) {
	if b.manual {
		b.mu.Lock()
		b.pending = append(b.pending, fn)
		b.mu.Unlock()

		return
	}

	b.spinner.Schedule(key, fn)
}

// Node is one participant on a Bus.
type Node struct {
	bus  *Bus
	name string
}

var _ transport.Transport = (*Node)(nil)

func (n *Node) NodeName() string { return n.name }

// Advertise registers a publisher. OnConnect fires once for every node that
// already subscribes to the topic.
func (n *Node) Advertise(topic string, queueSize int, opts ...transport.PublisherOption) (transport.Publisher, error) {
	if topic == "" {
		return nil, fmt.Errorf("cannot advertise an empty topic")
	}

	p := &publisher{
		node:  n,
		topic: topic,
		opts:  transport.ApplyPublisherOptions(opts),
	}

	b := n.bus
	b.mu.Lock()
	t := b.topic(topic)
	t.publishers = append(t.publishers, p)
	peers := subscriberNodes(t)
	b.mu.Unlock()

	if p.opts.OnConnect != nil {
		for _, peer := range peers {
			p.opts.OnConnect(peer)
		}
	}

	return p, nil
}

// Subscribe registers a subscriber. Publishers on the topic are told about
// this node if it is the node's first subscription to the topic, and latched
// messages are replayed to the new subscriber.
func (n *Node) Subscribe(topic string, queueSize int, newMessage func() any, handler transport.Handler) (transport.Subscriber, error) {
	if topic == "" {
		return nil, fmt.Errorf("cannot subscribe to an empty topic")
	}

	if newMessage == nil || handler == nil {
		return nil, fmt.Errorf("subscription to %s needs a message factory and a handler", topic)
	}

	if queueSize < 1 {
		queueSize = 1
	}

	s := &subscriber{
		node:       n,
		topic:      topic,
		queueSize:  queueSize,
		newMessage: newMessage,
		handler:    handler,
	}

	b := n.bus
	b.mu.Lock()
	t := b.topic(topic)
	firstFromNode := !hasSubscriberFrom(t, n.name)
	t.subscribers = append(t.subscribers, s)

	var (
		notify  []*publisher
		latched []latchedMessage
	)

	for _, p := range t.publishers {
		if firstFromNode && p.opts.OnConnect != nil {
			notify = append(notify, p)
		}

		if p.opts.Latch && p.last != nil {
			latched = append(latched, latchedMessage{msg: p.last, from: p.node.name})
		}
	}
	b.mu.Unlock()

	for _, p := range notify {
		p.opts.OnConnect(n.name)
	}

	for _, l := range latched {
		s.enqueue(l.msg, transport.MessageMeta{CallerID: l.from})
	}

	return s, nil
}

type latchedMessage struct {
	msg  any
	from string
}

func subscriberNodes(t *topicState) []string {
	seen := make(map[string]struct{}, len(t.subscribers))
	nodes := make([]string, 0, len(t.subscribers))

	for _, s := range t.subscribers {
		if _, ok := seen[s.node.name]; ok {
			continue
		}

		seen[s.node.name] = struct{}{}
		nodes = append(nodes, s.node.name)
	}

	return nodes
}

func hasSubscriberFrom(t *topicState, node string) bool {
	for _, s := range t.subscribers {
		if s.node.name == node {
			return true
		}
	}

	return false
}

type publisher struct {
	node   *Node
	last   any
	topic  string
	opts   transport.PublisherOptions
	closed bool
}

func (p *publisher) Topic() string { return p.topic }

func (p *publisher) Publish(msg any) error {
	b := p.node.bus

	b.mu.Lock()
	if p.closed {
		b.mu.Unlock()

		return fmt.Errorf("publish on %s: %w", p.topic, transport.ErrShutdown)
	}

	if p.opts.Latch {
		p.last = msg
	}

	subs := append([]*subscriber(nil), b.topic(p.topic).subscribers...)
	b.mu.Unlock()

	meta := transport.MessageMeta{CallerID: p.node.name}
	for _, s := range subs {
		s.enqueue(msg, meta)
	}

	return nil
}

func (p *publisher) NumSubscribers() int {
	b := p.node.bus
	b.mu.Lock()
	defer b.mu.Unlock()

	if p.closed {
		return 0
	}

	return len(subscriberNodes(b.topic(p.topic)))
}

func (p *publisher) Shutdown() {
	b := p.node.bus
	b.mu.Lock()
	defer b.mu.Unlock()

	if p.closed {
		return
	}

	p.closed = true
	t := b.topic(p.topic)

	for i, other := range t.publishers {
		if other == p {
			t.publishers = append(t.publishers[:i], t.publishers[i+1:]...)

			break
		}
	}
}

type subscriber struct {
	node       *Node
	newMessage func() any
	handler    transport.Handler
	topic      string
	queue      []delivery
	queueSize  int
	mu         sync.Mutex
	scheduled  bool
	closed     bool
}

type delivery struct {
	msg  any
	meta transport.MessageMeta
}

func (s *subscriber) Topic() string { return s.topic }

func (s *subscriber) NumPublishers() int {
	b := s.node.bus
	b.mu.Lock()
	defer b.mu.Unlock()

	if s.isClosed() {
		return 0
	}

	seen := make(map[string]struct{})
	for _, p := range b.topic(s.topic).publishers {
		seen[p.node.name] = struct{}{}
	}

	return len(seen)
}

// Shutdown removes the subscription. If it was the node's last subscription
// to the topic, publishers see the node disconnect.
func (s *subscriber) Shutdown() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()

		return
	}

	s.closed = true
	s.queue = nil
	s.mu.Unlock()

	b := s.node.bus
	b.mu.Lock()
	t := b.topic(s.topic)

	for i, other := range t.subscribers {
		if other == s {
			t.subscribers = append(t.subscribers[:i], t.subscribers[i+1:]...)

			break
		}
	}

	var notify []*publisher

	if !hasSubscriberFrom(t, s.node.name) {
		for _, p := range t.publishers {
			if p.opts.OnDisconnect != nil {
				notify = append(notify, p)
			}
		}
	}
	b.mu.Unlock()

	for _, p := range notify {
		p.opts.OnDisconnect(s.node.name)
	}
}

func (s *subscriber) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.closed
}

// enqueue copies msg into a fresh message and queues it. A full queue drops
// its oldest entry.
func (s *subscriber) enqueue(msg any, meta transport.MessageMeta) {
	b := s.node.bus

	cp := s.newMessage()
	if err := deepcopy.Copy(cp, msg); err != nil {
		b.log.Errorf("Dropping message on %s for node %s: cannot copy %T into %T: %v", s.topic, s.node.name, msg, cp, err)
		metrics.IncErrorCount(metrics.ComponentMemoryTransport, s.topic)

		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()

		return
	}

	if len(s.queue) >= s.queueSize {
		s.queue = s.queue[1:]

		b.log.Warnf("Queue of %s on node %s is full, dropping oldest message", s.topic, s.node.name)
		metrics.IncMessagesDropped(metrics.ComponentMemoryTransport, s.topic)
	}

	s.queue = append(s.queue, delivery{msg: cp, meta: meta})
	needSchedule := !s.scheduled
	s.scheduled = true
	s.mu.Unlock()

	if needSchedule {
		b.schedule(s.node.name+"/"+s.topic, s.drain)
	}
}

// drain delivers queued messages one by one until the queue is empty.
func (s *subscriber) drain() {
	for {
		s.mu.Lock()
		if len(s.queue) == 0 || s.closed {
			s.scheduled = false
			s.mu.Unlock()

			return
		}

		d := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		s.deliver(d)
	}
}

// deliver runs the handler for one message. A panicking handler loses only
// that message; the subscription keeps receiving.
func (s *subscriber) deliver(d delivery) {
	defer func() {
		if r := recover(); r != nil {
			s.node.bus.log.Errorf("Handler for %s on node %s panicked: %v\n%s", s.topic, s.node.name, r, debug.Stack())
			metrics.IncErrorCount(metrics.ComponentMemoryTransport, s.topic)
		}
	}()

	s.handler(d.msg, d.meta)
}
