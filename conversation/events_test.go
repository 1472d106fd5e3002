package conversation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventBusDeliversToAllSubscribers(t *testing.T) {
	bus := NewEventBus(nil)
	first, unsubscribeFirst := bus.Subscribe(4)
	defer unsubscribeFirst()
	second, unsubscribeSecond := bus.Subscribe(4)
	defer unsubscribeSecond()

	bus.Publish(Event{Kind: EventChange, ConversationID: "c1"})

	for _, ch := range []<-chan Event{first, second} {
		select {
		case event := <-ch:
			assert.Equal(t, EventChange, event.Kind)
			assert.Equal(t, "c1", event.ConversationID)
		default:
			t.Fatal("event not delivered")
		}
	}
}

func TestEventBusPublishNeverBlocks(t *testing.T) {
	bus := NewEventBus(nil)
	ch, unsubscribe := bus.Subscribe(1)
	defer unsubscribe()

	bus.Publish(Event{Kind: EventSent})
	bus.Publish(Event{Kind: EventDone})

	event := <-ch
	assert.Equal(t, EventSent, event.Kind)
	select {
	case extra := <-ch:
		t.Fatalf("unexpected event %v", extra.Kind)
	default:
	}
}

func TestEventBusUnsubscribeClosesChannel(t *testing.T) {
	bus := NewEventBus(nil)
	ch, unsubscribe := bus.Subscribe(1)
	unsubscribe()
	unsubscribe()

	_, open := <-ch
	require.False(t, open)
	bus.Publish(Event{Kind: EventChange})
}
