package events

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestEngine_RegistrationOrder(t *testing.T) {
	e := New(zerolog.Nop(), 16, 2)
	e.Start()
	defer e.Stop()

	var mu sync.Mutex
	var order []int

	for i := 0; i < 5; i++ {
		i := i
		e.Register(OrderUpdate, func(Event) {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		})
	}

	done := make(chan struct{})
	e.Register(OrderUpdate, func(Event) { close(done) })

	e.Emit(OrderUpdate, nil)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handlers did not run in time")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestEngine_HandlerPanicDoesNotKillEngine(t *testing.T) {
	e := New(zerolog.Nop(), 16, 1)
	e.Start()
	defer e.Stop()

	e.Register(AlarmUpdate, func(Event) { panic("boom") })

	done := make(chan struct{})
	e.Register(AlarmUpdate, func(Event) {})
	e.Register(TickUpdate, func(Event) { close(done) })

	e.Emit(AlarmUpdate, nil)
	e.Emit(TickUpdate, nil)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("engine appears to have died after handler panic")
	}
}
