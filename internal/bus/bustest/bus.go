// Package bustest provides an in-memory bus.Conn for tests. It honors the
// two delivery properties the protocol relies on: retained messages replay
// to late subscribers, and a slow handler never deadlocks a publisher.
package bustest

import (
	"encoding/json"
	"strings"
	"sync"

	"github.com/avigny/sensorspy/internal/bus"
)

// Message is one recorded publish.
type Message struct {
	Topic    string
	Retained bool
	Payload  []byte
}

type subscriber struct {
	filter string
	h      bus.Handler
}

// Bus is an in-memory broker shared by the test's participants.
type Bus struct {
	mu       sync.RWMutex
	subs     []subscriber
	retained map[string][]byte
	history  []Message
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{retained: make(map[string][]byte)}
}

// Conn returns a bus.Conn view for one participant. All participants share
// the same broker state.
func (b *Bus) Conn() bus.Conn { return &conn{b: b} }

// History returns a copy of every publish in order.
func (b *Bus) History() []Message {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Message, len(b.history))
	copy(out, b.history)
	return out
}

// Retained returns the current retained payload for a topic, nil if cleared
// or never set.
func (b *Bus) Retained(topic string) []byte {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.retained[topic]
}

// RetainedTopics returns the topics that currently hold a retained payload.
func (b *Bus) RetainedTopics() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var topics []string
	for t, p := range b.retained {
		if len(p) > 0 {
			topics = append(topics, t)
		}
	}
	return topics
}

func (b *Bus) publish(topic string, retained bool, payload []byte) {
	b.mu.Lock()
	b.history = append(b.history, Message{Topic: topic, Retained: retained, Payload: payload})
	if retained {
		if len(payload) == 0 {
			delete(b.retained, topic)
		} else {
			b.retained[topic] = payload
		}
	}
	// Collect matching handlers under the lock, invoke without it.
	var handlers []bus.Handler
	for _, s := range b.subs {
		if topicMatches(s.filter, topic) {
			handlers = append(handlers, s.h)
		}
	}
	b.mu.Unlock()

	for _, h := range handlers {
		h(topic, payload)
	}
}

func (b *Bus) subscribe(filter string, h bus.Handler) {
	b.mu.Lock()
	b.subs = append(b.subs, subscriber{filter: filter, h: h})
	// Replay retained state to the late subscriber, as a real broker would.
	var replay []Message
	for topic, payload := range b.retained {
		if topicMatches(filter, topic) && len(payload) > 0 {
			replay = append(replay, Message{Topic: topic, Payload: payload})
		}
	}
	b.mu.Unlock()

	for _, m := range replay {
		h(m.Topic, m.Payload)
	}
}

type conn struct{ b *Bus }

func (c *conn) Publish(topic string, retained bool, payload any) error {
	var body []byte
	switch p := payload.(type) {
	case nil:
	case []byte:
		body = p
	default:
		var err error
		body, err = json.Marshal(payload)
		if err != nil {
			return err
		}
	}
	c.b.publish(topic, retained, body)
	return nil
}

func (c *conn) Subscribe(topic string, h bus.Handler) error {
	c.b.subscribe(topic, h)
	return nil
}

func (c *conn) Close() {}

// topicMatches implements MQTT single-level (+) and multi-level (#)
// wildcard matching.
func topicMatches(filter, topic string) bool {
	fp := strings.Split(filter, "/")
	tp := strings.Split(topic, "/")
	for i, f := range fp {
		if f == "#" {
			return true
		}
		if i >= len(tp) {
			return false
		}
		if f != "+" && f != tp[i] {
			return false
		}
	}
	return len(fp) == len(tp)
}
