// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package events

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teradata-labs/clawflow/internal/log"
)

const subscriberBuffer = 256

// Bus fans events out to subscribers. Publishing never blocks the emitting
// component: a subscriber that falls more than subscriberBuffer events behind
// loses the oldest events, but the events it does receive arrive in emission
// order.
type Bus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]chan Event
}

// NewBus creates an event bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

// Subscribe registers a subscriber. The channel is closed when ctx is done.
func (b *Bus) Subscribe(ctx context.Context) <-chan Event {
	ch := make(chan Event, subscriberBuffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
		close(ch)
	}()

	return ch
}

// Publish emits an event to all subscribers.
func (b *Bus) Publish(kind Kind, payload map[string]any) {
	evt := Event{Kind: kind, Payload: payload, Timestamp: time.Now()}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- evt:
		default:
			// Drop the oldest buffered event to make room so a stalled
			// renderer cannot wedge the pipeline.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- evt:
			default:
				log.Warn("event dropped for slow subscriber", zap.String("kind", string(kind)))
			}
		}
	}
}
