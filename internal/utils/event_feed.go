package utils

import (
	"sync"
)

// EventFeed delivers coin events to the subscribers of a wallet. A
// subscriber whose buffer is full when an event is published misses it and
// is evicted, its channel is closed so that it can resubscribe and resync.
type EventFeed[T any] struct {
	lock        sync.RWMutex
	subscribers map[chan T]func(T) bool
	closed      bool
}

func NewEventFeed[T any]() *EventFeed[T] {
	return &EventFeed[T]{subscribers: make(map[chan T]func(T) bool)}
}

// Subscribe registers a subscriber with a buffer of buf events. When
// accept is given, only the events it returns true for are delivered.
func (f *EventFeed[T]) Subscribe(buf int, accept ...func(T) bool) <-chan T {
	ch := make(chan T, buf)
	f.lock.Lock()
	defer f.lock.Unlock()

	if f.closed {
		close(ch)
		return ch
	}
	var filter func(T) bool
	if len(accept) > 0 {
		filter = accept[0]
	}
	f.subscribers[ch] = filter
	return ch
}

func (f *EventFeed[T]) Unsubscribe(ch <-chan T) {
	f.lock.Lock()
	defer f.lock.Unlock()

	for sub := range f.subscribers {
		if (<-chan T)(sub) == ch {
			delete(f.subscribers, sub)
			close(sub)
			return
		}
	}
}

// Publish returns the number of evicted subscribers.
func (f *EventFeed[T]) Publish(event T) int {
	f.lock.RLock()
	evicted := make([]chan T, 0)
	for sub, accept := range f.subscribers {
		if accept != nil && !accept(event) {
			continue
		}
		select {
		case sub <- event:
		default:
			evicted = append(evicted, sub)
		}
	}
	f.lock.RUnlock()

	if len(evicted) > 0 {
		f.evict(evicted)
	}
	return len(evicted)
}

// Len is the number of active subscribers.
func (f *EventFeed[T]) Len() int {
	f.lock.RLock()
	defer f.lock.RUnlock()
	return len(f.subscribers)
}

func (f *EventFeed[T]) Close() {
	f.lock.Lock()
	defer f.lock.Unlock()

	if f.closed {
		return
	}
	for sub := range f.subscribers {
		close(sub)
	}
	f.subscribers = nil
	f.closed = true
}

func (f *EventFeed[T]) evict(subs []chan T) {
	f.lock.Lock()
	defer f.lock.Unlock()

	for _, sub := range subs {
		// an Unsubscribe or Close may have won the race
		if _, ok := f.subscribers[sub]; !ok {
			continue
		}
		delete(f.subscribers, sub)
		close(sub)
	}
}
