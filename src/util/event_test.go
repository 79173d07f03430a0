package util

import (
	"context"
	"testing"
	"time"
)

func TestEmission(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var em Emitter

	l := em.Listen(ctx)
	em.Emit("test")

	select {
	case msg := <-l:
		if msg != "test" {
			t.Errorf("Event malformed: %v", msg)
		}
	case <-time.After(time.Millisecond * 100):
		t.Error("Event was not emitted")
	}
}

func TestEmissionOrder(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var em Emitter

	l := em.Listen(ctx)
	for i := 0; i < 10; i++ {
		em.Emit(i)
	}

	for i := 0; i < 10; i++ {
		select {
		case msg := <-l:
			if msg != i {
				t.Errorf("Events out of order: expected %v, got %v", i, msg)
				return
			}
		case <-time.After(time.Millisecond * 100):
			t.Error("Event was not emitted")
			return
		}
	}
}

func TestUnlisten(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	var em Emitter
	l := em.Listen(ctx)
	cancel()

	for {
		select {
		case _, ok := <-l:
			if !ok {
				return
			}
		case <-time.After(time.Millisecond * 100):
			t.Error("Listener channel was not closed")
			return
		}
	}
}
