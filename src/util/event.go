package util

import (
	"context"
	"sync"
)

// The number of events a listener may lag behind before emissions to it are
// dropped.
const listenerBacklog = 128

// Emitter is a typed publish/subscribe channel. Components embed an Emitter
// and publish event structs which subscribers switch on by type.
//
// Events are delivered to each listener in the order they were emitted. A
// listener that does not keep up loses the newest events rather than
// blocking the publisher.
type Emitter struct {
	lock      sync.Mutex
	listeners map[<-chan interface{}]chan interface{}
}

// Emit publishes an event to all current listeners.
func (emitter *Emitter) Emit(event interface{}) {
	emitter.lock.Lock()
	defer emitter.lock.Unlock()
	for _, listener := range emitter.listeners {
		select {
		case listener <- event:
		default:
			// Listener backlog full, drop.
		}
	}
}

// Listen registers a new listener which receives all subsequently emitted
// events. The listener is removed and its channel closed when the context is
// canceled.
func (emitter *Emitter) Listen(ctx context.Context) <-chan interface{} {
	emitter.lock.Lock()
	defer emitter.lock.Unlock()
	if emitter.listeners == nil {
		emitter.listeners = map[<-chan interface{}]chan interface{}{}
	}

	ch := make(chan interface{}, listenerBacklog)
	emitter.listeners[ch] = ch
	go func() {
		<-ctx.Done()
		emitter.lock.Lock()
		defer emitter.lock.Unlock()
		close(emitter.listeners[ch])
		delete(emitter.listeners, ch)
	}()
	return ch
}

// Eventer is implemented by types that can be subscribed to.
type Eventer interface {
	Events() *Emitter
}
