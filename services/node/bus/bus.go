// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package bus broadcasts node events to in-process subscribers.
//
// # Description
//
// The node owns one Bus. Publishing an operation sends a NewOperation
// message; replication and materialization workers subscribe. Sending
// never blocks: a subscriber whose buffer is full misses the message, and
// sending with no subscribers is not an error.
package bus

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/docnode/services/node/operation"
)

// Kind identifies a message type.
type Kind string

const (
	// KindNewOperation announces an operation accepted by this node.
	KindNewOperation Kind = "new_operation"
)

// Message is one bus event.
type Message struct {
	Kind        Kind
	OperationID operation.OperationID
	DocumentID  operation.DocumentID
	SchemaID    operation.SchemaID
	At          time.Time
}

// Subscription receives messages on C until it is cancelled or the bus
// closes, after which C is closed.
type Subscription struct {
	// ID uniquely identifies this subscription.
	ID string

	// C delivers messages in send order.
	C <-chan Message

	ch  chan Message
	bus *Bus
}

// Unsubscribe stops delivery and closes C. Safe to call more than once.
func (s *Subscription) Unsubscribe() {
	s.bus.remove(s.ID)
}

// Bus fans messages out to subscribers.
//
// Thread Safety: Safe for concurrent use.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string]*Subscription
	closed bool
	logger *slog.Logger
}

// New creates a Bus. A nil logger uses slog.Default().
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		subs:   make(map[string]*Subscription),
		logger: logger,
	}
}

// Subscribe registers a subscriber with room for buffer undelivered
// messages. On a closed bus the returned subscription is already closed.
func (b *Bus) Subscribe(buffer int) *Subscription {
	if buffer < 0 {
		buffer = 0
	}
	ch := make(chan Message, buffer)
	sub := &Subscription{ID: uuid.NewString(), C: ch, ch: ch, bus: b}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return sub
	}
	b.subs[sub.ID] = sub
	return sub
}

// Send delivers msg to every subscriber with buffer room.
//
// Description:
//
//	A zero At is set to the current time. Subscribers that cannot take
//	the message are skipped and logged.
//
// Outputs:
//
//	int - Number of subscribers that received the message.
func (b *Bus) Send(msg Message) int {
	if msg.At.IsZero() {
		msg.At = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return 0
	}

	delivered := 0
	for id, sub := range b.subs {
		select {
		case sub.ch <- msg:
			delivered++
		default:
			b.logger.Warn("bus subscriber full, message dropped",
				slog.String("subscription_id", id),
				slog.String("kind", string(msg.Kind)),
				slog.String("operation_id", string(msg.OperationID)),
			)
		}
	}
	return delivered
}

// Len returns the number of active subscribers.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close closes every subscription. Later sends deliver nothing.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		close(sub.ch)
		delete(b.subs, id)
	}
}

func (b *Bus) remove(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.subs[id]; ok {
		close(sub.ch)
		delete(b.subs, id)
	}
}
