// Copyright 2026 Gatehouse Labs
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package event

import (
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

const testEventType EventType = "test.event"

func TestEventBusSubscribePublish(t *testing.T) {
	defer goleak.VerifyNone(t)
	bus := NewEventBus(prometheus.NewRegistry())
	defer bus.Stop()

	subId, ch := bus.Subscribe(testEventType)
	bus.Publish(testEventType, NewEvent(testEventType, "payload"))

	select {
	case evt := <-ch:
		assert.Equal(t, testEventType, evt.Type)
		assert.Equal(t, "payload", evt.Data)
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}

	bus.Unsubscribe(testEventType, subId)
	// Channel should be closed after unsubscribe
	_, ok := <-ch
	assert.False(t, ok, "channel should be closed")
}

func TestEventBusSubscribeFunc(t *testing.T) {
	defer goleak.VerifyNone(t)
	bus := NewEventBus(prometheus.NewRegistry())
	defer bus.Stop()

	var mu sync.Mutex
	var received []Event
	done := make(chan struct{})
	bus.SubscribeFunc(testEventType, func(evt Event) {
		mu.Lock()
		received = append(received, evt)
		if len(received) == 3 {
			close(done)
		}
		mu.Unlock()
	})

	for range 3 {
		bus.Publish(testEventType, NewEvent(testEventType, nil))
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for handler invocations")
	}
	mu.Lock()
	assert.Len(t, received, 3)
	mu.Unlock()
}

func TestEventBusMultipleSubscribers(t *testing.T) {
	defer goleak.VerifyNone(t)
	bus := NewEventBus(prometheus.NewRegistry())
	defer bus.Stop()

	_, ch1 := bus.Subscribe(testEventType)
	_, ch2 := bus.Subscribe(testEventType)

	bus.Publish(testEventType, NewEvent(testEventType, 42))

	for i, ch := range []<-chan Event{ch1, ch2} {
		select {
		case evt := <-ch:
			assert.Equal(t, 42, evt.Data, "subscriber %d", i)
		case <-time.After(time.Second):
			t.Fatalf("timeout waiting for subscriber %d", i)
		}
	}
}

func TestEventBusUnsubscribedTypeIgnored(t *testing.T) {
	bus := NewEventBus(prometheus.NewRegistry())
	defer bus.Stop()

	// Publishing with no subscribers must not block or panic
	bus.Publish(testEventType, NewEvent(testEventType, nil))
	// Unsubscribing an unknown subscriber is a no-op
	bus.Unsubscribe(testEventType, EventSubscriberId(999))
}

func TestEventBusStopClosesChannels(t *testing.T) {
	defer goleak.VerifyNone(t)
	bus := NewEventBus(prometheus.NewRegistry())

	_, ch := bus.Subscribe(testEventType)
	bus.Stop()

	_, ok := <-ch
	require.False(t, ok, "channel should be closed after Stop")

	// Bus remains usable after Stop
	_, ch2 := bus.Subscribe(testEventType)
	bus.Publish(testEventType, NewEvent(testEventType, "again"))
	select {
	case evt := <-ch2:
		assert.Equal(t, "again", evt.Data)
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event after restart")
	}
	bus.Stop()
}

func TestEventBusPublishAfterUnsubscribeRace(t *testing.T) {
	defer goleak.VerifyNone(t)
	bus := NewEventBus(prometheus.NewRegistry())
	defer bus.Stop()

	var wg sync.WaitGroup
	for i := range 20 {
		subId, ch := bus.Subscribe(testEventType)
		// Drain in background so Publish never blocks
		wg.Add(1)
		go func(ch <-chan Event) {
			defer wg.Done()
			for range ch { //nolint:revive
			}
		}(ch)
		wg.Add(1)
		go func(id EventSubscriberId, n int) {
			defer wg.Done()
			if n%2 == 0 {
				bus.Unsubscribe(testEventType, id)
			}
		}(subId, i)
	}
	for range 100 {
		bus.Publish(testEventType, NewEvent(testEventType, nil))
	}
	bus.Stop()
	wg.Wait()
}
