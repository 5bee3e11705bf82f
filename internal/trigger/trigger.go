// Package trigger carries "enforce this namespace" signals from the
// process that mutates policies to the processes that enforce them.
package trigger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Reason records why enforcement was requested.
type Reason string

const (
	ReasonPolicyCreated  Reason = "policy-created"
	ReasonScheduledSweep Reason = "scheduled-sweep"
	ReasonRetry          Reason = "retry"
	ReasonManual         Reason = "manual"
)

// Event asks for one enforcement pass over a namespace.
type Event struct {
	Namespace string    `json:"namespace"`
	Reason    Reason    `json:"reason"`
	At        time.Time `json:"at"`
}

// Publisher hands events to whoever enforces them.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Handler consumes events on the enforcing side.
type Handler interface {
	Enqueue(namespace string, reason Reason)
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, ev Event) error

func (f PublisherFunc) Publish(ctx context.Context, ev Event) error { return f(ctx, ev) }

// Local delivers events straight to a Handler in the same process.
type Local struct {
	Handler Handler
}

func (l Local) Publish(_ context.Context, ev Event) error {
	if l.Handler == nil {
		return errors.New("trigger: no local handler")
	}
	l.Handler.Enqueue(ev.Namespace, ev.Reason)
	return nil
}

// Encode serializes an event for transports.
func Encode(ev Event) ([]byte, error) {
	if ev.Namespace == "" {
		return nil, errors.New("trigger: event without namespace")
	}
	return json.Marshal(ev)
}

// Decode parses an event produced by Encode.
func Decode(data []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return Event{}, fmt.Errorf("trigger: decode event: %w", err)
	}
	if ev.Namespace == "" {
		return Event{}, errors.New("trigger: event without namespace")
	}
	if ev.Reason == "" {
		ev.Reason = ReasonPolicyCreated
	}
	return ev, nil
}
