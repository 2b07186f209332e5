// Package transport carries beacons between units. Adapters exist for an
// MQTT broker (the V2X stack's message bus) and for an in-process bus used
// by the simulator and tests.
package transport

import (
	"context"
	"errors"
)

// Topics used by the V2X stack: units publish their own CAMs on
// TopicOutbound and receive every CAM on the air on TopicInbound.
const (
	TopicOutbound = "vanetza/in/cam"
	TopicInbound  = "vanetza/out/cam"
)

// DefaultPort is the MQTT broker port.
const DefaultPort = 1883

// ErrClosed is returned by operations on a closed transport.
var ErrClosed = errors.New("transport closed")

// Handler consumes one inbound message. Handlers run on the transport's
// delivery goroutine and must not retain payload after returning.
type Handler func(topic string, payload []byte)

// Publisher sends a payload on a topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// Subscriber registers handlers for a topic. The returned function removes
// the subscription and is safe to call more than once.
type Subscriber interface {
	Subscribe(topic string, h Handler) (unsubscribe func(), err error)
}

// Bus is a full-duplex transport.
type Bus interface {
	Publisher
	Subscriber
	Close() error
}
