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

// Package transport defines the publish/subscribe collaborator that action
// clients and servers are built on. Implementations live in the memory and
// mqtt subpackages.
//
// Peer liveness is only ever derived from these interfaces: a publisher knows
// which nodes subscribe to its topic, a subscriber knows how many nodes
// publish on its topic.
package transport

import (
	"errors"
	"path"

	"github.com/united-manufacturing-hub/actionlib/pkg/constants"
)

// ErrShutdown is returned when publishing through a publisher that was shut down.
var ErrShutdown = errors.New("transport endpoint is shut down")

// MessageMeta describes where an inbound message came from.
type MessageMeta struct {
	// CallerID is the node name of the publisher.
	CallerID string
}

// Handler receives an inbound message. msg is the value returned by the
// subscription's newMessage factory, filled with the message contents.
type Handler func(msg any, meta MessageMeta)

// PeerFunc is called with the node name of a peer that connected or disconnected.
type PeerFunc func(peer string)

// PublisherOptions configure Advertise.
type PublisherOptions struct {
	OnConnect    PeerFunc
	OnDisconnect PeerFunc
	Latch        bool
}

type PublisherOption func(*PublisherOptions)

// WithLatch makes the publisher hand its last message to subscribers that join later.
func WithLatch() PublisherOption {
	return func(o *PublisherOptions) { o.Latch = true }
}

// WithPeerCallbacks registers callbacks for subscribers joining and leaving the topic.
func WithPeerCallbacks(onConnect, onDisconnect PeerFunc) PublisherOption {
	return func(o *PublisherOptions) {
		o.OnConnect = onConnect
		o.OnDisconnect = onDisconnect
	}
}

// ApplyPublisherOptions folds opts into a PublisherOptions value.
func ApplyPublisherOptions(opts []PublisherOption) PublisherOptions {
	var o PublisherOptions
	for _, opt := range opts {
		opt(&o)
	}

	return o
}

// Publisher sends messages on one topic.
type Publisher interface {
	Topic() string
	// Publish hands msg to the transport. It does not wait for delivery.
	Publish(msg any) error
	// NumSubscribers is the number of distinct subscribing nodes.
	NumSubscribers() int
	Shutdown()
}

// Subscriber receives messages on one topic.
type Subscriber interface {
	Topic() string
	// NumPublishers is the number of distinct publishing nodes.
	NumPublishers() int
	Shutdown()
}

// Transport is one node's view of the publish/subscribe system.
type Transport interface {
	NodeName() string
	Advertise(topic string, queueSize int, opts ...PublisherOption) (Publisher, error)
	Subscribe(topic string, queueSize int, newMessage func() any, handler Handler) (Subscriber, error)
}

// ActionTopics are the five topics of one action.
type ActionTopics struct {
	Goal     string
	Cancel   string
	Status   string
	Feedback string
	Result   string
}

// TopicsFor returns the topics of actionName.
func TopicsFor(actionName string) ActionTopics {
	return ActionTopics{
		Goal:     path.Join(actionName, constants.TopicGoal),
		Cancel:   path.Join(actionName, constants.TopicCancel),
		Status:   path.Join(actionName, constants.TopicStatus),
		Feedback: path.Join(actionName, constants.TopicFeedback),
		Result:   path.Join(actionName, constants.TopicResult),
	}
}
