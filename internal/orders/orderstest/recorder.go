// Package orderstest holds test doubles for the orders package interfaces.
package orderstest

import (
	"context"
	"sync"
)

type Published struct {
	Topic, EventType, Key string
	Payload               any
}

// Recorder is an orders.EventPublisher that keeps every event in memory.
type Recorder struct {
	mu     sync.Mutex
	Events []Published
	Err    error
}

func (r *Recorder) PublishEvent(_ context.Context, topic, eventType, key string, payload any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	r.Events = append(r.Events, Published{Topic: topic, EventType: eventType, Key: key, Payload: payload})
	return nil
}

// Topics lists the topics published so far, in order.
func (r *Recorder) Topics() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.Events))
	for _, e := range r.Events {
		out = append(out, e.Topic)
	}
	return out
}

// Of returns the events published on topic.
func (r *Recorder) Of(topic string) []Published {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Published
	for _, e := range r.Events {
		if e.Topic == topic {
			out = append(out, e)
		}
	}
	return out
}
