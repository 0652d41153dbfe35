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

// Package mqtt carries action topics over an MQTT broker.
//
// Messages are published to {prefix}/{topic} wrapped in a JSON envelope that
// names the sending node. Every node also keeps a retained presence message
// at {prefix}/$presence/{topic}/{pub|sub}/{node} for each topic it publishes
// or subscribes, and clears it on shutdown. Publisher and subscriber counts
// and the connect and disconnect callbacks are derived from those.
package mqtt

import (
	"errors"
	"fmt"
	"path"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/actionlib/pkg/logger"
	"github.com/united-manufacturing-hub/actionlib/pkg/metrics"
	"github.com/united-manufacturing-hub/actionlib/pkg/transport"
)

const (
	presenceSegment = "$presence"
	rolePublisher   = "pub"
	roleSubscriber  = "sub"
	presentPayload  = "1"
	qos             = 1

	// DefaultTimeout bounds broker round trips for subscribe and unsubscribe.
	DefaultTimeout = 5 * time.Second
)

// Client is the part of a paho client the transport uses.
type Client interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
	Subscribe(topic string, qos byte, callback paho.MessageHandler) paho.Token
	Unsubscribe(topics ...string) paho.Token
}

type envelope struct {
	CallerID string          `json:"caller_id"`
	Body     json.RawMessage `json:"body"`
}

// Transport is one node's view of the action topics on a broker.
type Transport struct {
	client  Client
	log     *zap.SugaredLogger
	peers   map[string]*peerSet
	routes  map[string]*route
	refs    map[string]int
	node    string
	prefix  string
	timeout time.Duration
	mu      sync.Mutex
}

var _ transport.Transport = (*Transport)(nil)

// New wraps client for node. All topics are placed below prefix.
func New(client Client, node, prefix string, log *zap.SugaredLogger) (*Transport, error) {
	if client == nil {
		return nil, errors.New("mqtt transport needs a client")
	}

	if node == "" || strings.ContainsAny(node, "/+#") {
		return nil, fmt.Errorf("invalid node name %q", node)
	}

	if log == nil {
		log = logger.For(logger.ComponentMQTTTransport)
	}

	return &Transport{
		client:  client,
		log:     log,
		peers:   make(map[string]*peerSet),
		routes:  make(map[string]*route),
		refs:    make(map[string]int),
		node:    node,
		prefix:  prefix,
		timeout: DefaultTimeout,
	}, nil
}

func (t *Transport) NodeName() string { return t.node }

func (t *Transport) dataTopic(topic string) string {
	return path.Join(t.prefix, topic)
}

func (t *Transport) presenceTopic(topic, role, node string) string {
	return path.Join(t.prefix, presenceSegment, topic, role, node)
}

func (t *Transport) wait(token paho.Token, what string) error {
	if !token.WaitTimeout(t.timeout) {
		return fmt.Errorf("%s: no answer from broker within %s", what, t.timeout)
	}

	if err := token.Error(); err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}

	return nil
}

// publishAsync hands a message to the client and logs a failure once the
// broker answered.
func (t *Transport) publishAsync(topic string, retained bool, payload []byte) {
	token := t.client.Publish(topic, qos, retained, payload)

	go func() {
		<-token.Done()

		if err := token.Error(); err != nil {
			metrics.IncErrorCount(metrics.ComponentMQTTTransport, t.node)
			t.log.Warnf("Failed to publish to %s: %s", topic, err)
		}
	}()
}

// announce publishes this node's presence for topic/role unless it already did.
func (t *Transport) announce(topic, role string) {
	key := t.presenceTopic(topic, role, t.node)

	t.mu.Lock()
	t.refs[key]++
	first := t.refs[key] == 1
	t.mu.Unlock()

	if first {
		t.publishAsync(key, true, []byte(presentPayload))
	}
}

// retract clears this node's presence once its last endpoint for topic/role is gone.
func (t *Transport) retract(topic, role string) {
	key := t.presenceTopic(topic, role, t.node)

	t.mu.Lock()
	t.refs[key]--
	last := t.refs[key] <= 0
	if last {
		delete(t.refs, key)
	}
	t.mu.Unlock()

	if last {
		t.publishAsync(key, true, []byte{})
	}
}

// peerSet tracks which nodes announced presence in one role on one topic.
type peerSet struct {
	nodes     map[string]struct{}
	listeners map[*publisher]struct{}
	filter    string
	refs      int
}

// watch starts tracking the nodes that announce role on topic. listener, if
// not nil, is told about nodes already known and about every later change.
func (t *Transport) watch(topic, role string, listener *publisher) (*peerSet, error) {
	filter := path.Join(t.prefix, presenceSegment, topic, role, "+")

	t.mu.Lock()
	set, exists := t.peers[filter]
	if !exists {
		set = &peerSet{
			nodes:     make(map[string]struct{}),
			listeners: make(map[*publisher]struct{}),
			filter:    filter,
		}
		t.peers[filter] = set
	}

	set.refs++

	var known []string
	if listener != nil {
		set.listeners[listener] = struct{}{}
		for node := range set.nodes {
			known = append(known, node)
		}
	}
	t.mu.Unlock()

	if listener != nil && listener.opts.OnConnect != nil {
		for _, node := range known {
			listener.opts.OnConnect(node)
		}
	}

	if exists {
		return set, nil
	}

	if err := t.wait(t.client.Subscribe(filter, qos, t.onPresence(set)), "subscribe "+filter); err != nil {
		t.unwatch(set, listener)

		return nil, err
	}

	return set, nil
}

func (t *Transport) unwatch(set *peerSet, listener *publisher) {
	t.mu.Lock()
	if listener != nil {
		delete(set.listeners, listener)
	}

	set.refs--
	last := set.refs <= 0
	if last {
		delete(t.peers, set.filter)
	}
	t.mu.Unlock()

	if last {
		if err := t.wait(t.client.Unsubscribe(set.filter), "unsubscribe "+set.filter); err != nil {
			t.log.Warnf("Failed to stop watching presence: %s", err)
		}
	}
}

func (t *Transport) onPresence(set *peerSet) paho.MessageHandler {
	return func(_ paho.Client, m paho.Message) {
		node := path.Base(m.Topic())
		present := string(m.Payload()) == presentPayload

		t.mu.Lock()
		_, known := set.nodes[node]
		changed := present != known

		if present {
			set.nodes[node] = struct{}{}
		} else {
			delete(set.nodes, node)
		}

		listeners := make([]*publisher, 0, len(set.listeners))
		for l := range set.listeners {
			listeners = append(listeners, l)
		}
		t.mu.Unlock()

		if !changed {
			return
		}

		t.log.Debugf("Presence of %s on %s: %t", node, set.filter, present)

		for _, l := range listeners {
			if present && l.opts.OnConnect != nil {
				l.opts.OnConnect(node)
			}

			if !present && l.opts.OnDisconnect != nil {
				l.opts.OnDisconnect(node)
			}
		}
	}
}

func (t *Transport) count(set *peerSet) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(set.nodes)
}

// Advertise announces this node as publisher of topic.
func (t *Transport) Advertise(topic string, _ int, opts ...transport.PublisherOption) (transport.Publisher, error) {
	if topic == "" {
		return nil, errors.New("cannot advertise an empty topic")
	}

	p := &publisher{t: t, topic: topic, opts: transport.ApplyPublisherOptions(opts)}

	set, err := t.watch(topic, roleSubscriber, p)
	if err != nil {
		return nil, err
	}

	p.peers = set
	t.announce(topic, rolePublisher)

	return p, nil
}

// Subscribe receives messages on topic. Messages are handed to handler one at
// a time on a goroutine owned by the subscription; when more than queueSize
// messages wait, the oldest is dropped.
func (t *Transport) Subscribe(topic string, queueSize int, newMessage func() any, handler transport.Handler) (transport.Subscriber, error) {
	if topic == "" {
		return nil, errors.New("cannot subscribe to an empty topic")
	}

	if newMessage == nil || handler == nil {
		return nil, fmt.Errorf("subscription to %s needs a message factory and a handler", topic)
	}

	if queueSize < 1 {
		queueSize = 1
	}

	s := &subscriber{
		t:          t,
		topic:      topic,
		newMessage: newMessage,
		handler:    handler,
		queue:      make(chan delivery, queueSize),
		done:       make(chan struct{}),
	}

	set, err := t.watch(topic, rolePublisher, nil)
	if err != nil {
		return nil, err
	}

	s.peers = set

	if err := t.addRoute(s); err != nil {
		t.unwatch(set, nil)

		return nil, err
	}

	go s.run()
	t.announce(topic, roleSubscriber)

	return s, nil
}

// route fans one broker subscription out to every local subscriber of a topic.
type route struct {
	subs []*subscriber
}

func (t *Transport) addRoute(s *subscriber) error {
	topic := t.dataTopic(s.topic)

	t.mu.Lock()
	r, exists := t.routes[topic]
	if !exists {
		r = &route{}
		t.routes[topic] = r
	}

	r.subs = append(r.subs, s)
	t.mu.Unlock()

	if exists {
		return nil
	}

	if err := t.wait(t.client.Subscribe(topic, qos, t.onData(topic)), "subscribe "+topic); err != nil {
		t.removeRoute(s)

		return err
	}

	return nil
}

func (t *Transport) removeRoute(s *subscriber) {
	topic := t.dataTopic(s.topic)

	t.mu.Lock()
	r, ok := t.routes[topic]
	if !ok {
		t.mu.Unlock()

		return
	}

	for i, other := range r.subs {
		if other == s {
			r.subs = append(r.subs[:i], r.subs[i+1:]...)

			break
		}
	}

	last := len(r.subs) == 0
	if last {
		delete(t.routes, topic)
	}
	t.mu.Unlock()

	if last {
		if err := t.wait(t.client.Unsubscribe(topic), "unsubscribe "+topic); err != nil {
			t.log.Warnf("Failed to unsubscribe: %s", err)
		}
	}
}

func (t *Transport) onData(topic string) paho.MessageHandler {
	return func(_ paho.Client, m paho.Message) {
		payload := m.Payload()
		if len(payload) == 0 {
			// a cleared retained message
			return
		}

		var env envelope
		if err := json.Unmarshal(payload, &env); err != nil {
			metrics.IncErrorCount(metrics.ComponentMQTTTransport, t.node)
			t.log.Warnf("Dropping undecodable message on %s: %s", topic, err)

			return
		}

		t.mu.Lock()
		var subs []*subscriber
		if r, ok := t.routes[topic]; ok {
			subs = append(subs, r.subs...)
		}
		t.mu.Unlock()

		meta := transport.MessageMeta{CallerID: env.CallerID}
		for _, s := range subs {
			s.deliver(env.Body, meta)
		}
	}
}

type publisher struct {
	t      *Transport
	peers  *peerSet
	topic  string
	opts   transport.PublisherOptions
	mu     sync.Mutex
	closed bool
}

func (p *publisher) Topic() string { return p.topic }

func (p *publisher) Publish(msg any) error {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()

	if closed {
		return fmt.Errorf("publish on %s: %w", p.topic, transport.ErrShutdown)
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode message for %s: %w", p.topic, err)
	}

	payload, err := json.Marshal(envelope{CallerID: p.t.node, Body: body})
	if err != nil {
		return fmt.Errorf("failed to encode envelope for %s: %w", p.topic, err)
	}

	p.t.publishAsync(p.t.dataTopic(p.topic), p.opts.Latch, payload)

	return nil
}

func (p *publisher) NumSubscribers() int {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()

	if closed {
		return 0
	}

	return p.t.count(p.peers)
}

// Shutdown retracts the node's presence. A latched message is cleared from
// the broker so late subscribers do not receive it from a gone publisher.
func (p *publisher) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()

		return
	}

	p.closed = true
	p.mu.Unlock()

	p.t.retract(p.topic, rolePublisher)
	p.t.unwatch(p.peers, p)

	if p.opts.Latch {
		p.t.publishAsync(p.t.dataTopic(p.topic), true, []byte{})
	}
}

type delivery struct {
	meta transport.MessageMeta
	body json.RawMessage
}

type subscriber struct {
	t          *Transport
	peers      *peerSet
	newMessage func() any
	handler    transport.Handler
	queue      chan delivery
	done       chan struct{}
	topic      string
	closeOnce  sync.Once
}

func (s *subscriber) Topic() string { return s.topic }

func (s *subscriber) NumPublishers() int {
	select {
	case <-s.done:
		return 0
	default:
	}

	return s.t.count(s.peers)
}

// deliver queues a message, dropping the oldest queued one when full.
func (s *subscriber) deliver(body json.RawMessage, meta transport.MessageMeta) {
	d := delivery{body: body, meta: meta}

	for {
		select {
		case <-s.done:
			return
		case s.queue <- d:
			return
		default:
		}

		select {
		case <-s.queue:
			metrics.IncMessagesDropped(metrics.ComponentMQTTTransport, s.topic)
			s.t.log.Debugf("Queue of %s full, dropped the oldest message", s.topic)
		default:
		}
	}
}

func (s *subscriber) run() {
	for {
		select {
		case <-s.done:
			return
		case d := <-s.queue:
			msg := s.newMessage()
			if err := json.Unmarshal(d.body, msg); err != nil {
				metrics.IncErrorCount(metrics.ComponentMQTTTransport, s.t.node)
				s.t.log.Warnf("Dropping message from %s on %s: %s", d.meta.CallerID, s.topic, err)

				continue
			}

			s.invoke(msg, d.meta)
		}
	}
}

// invoke runs the handler for one message. A panicking handler loses only
// that message; the subscription keeps receiving.
func (s *subscriber) invoke(msg any, meta transport.MessageMeta) {
	defer func() {
		if r := recover(); r != nil {
			metrics.IncErrorCount(metrics.ComponentMQTTTransport, s.t.node)
			s.t.log.Errorf("Handler for %s panicked: %v\n%s", s.topic, r, debug.Stack())
		}
	}()

	s.handler(msg, meta)
}

func (s *subscriber) Shutdown() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.t.retract(s.topic, roleSubscriber)
		s.t.removeRoute(s)
		s.t.unwatch(s.peers, nil)
	})
}
