package api

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gosession/conversation"
)

func startHub(t *testing.T) (*conversation.EventBus, *Hub, string) {
	t.Helper()

	bus := conversation.NewEventBus(nil)
	hub := NewHub(bus, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(done)
	}()

	server := httptest.NewServer(NewRouter(newFakeMessenger(), nil, nil, hub, nil))
	t.Cleanup(func() {
		cancel()
		<-done
		server.Close()
	})
	return bus, hub, "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
}

func dialHub(t *testing.T, hub *Hub, url string) *websocket.Conn {
	t.Helper()

	before := hub.ClientCount()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	require.Eventually(t, func() bool { return hub.ClientCount() == before+1 }, time.Second, 5*time.Millisecond)
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) conversation.Event {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, payload, err := conn.ReadMessage()
	require.NoError(t, err)
	var event conversation.Event
	require.NoError(t, json.Unmarshal(payload, &event))
	return event
}

func TestHubStreamsEvents(t *testing.T) {
	bus, hub, url := startHub(t)
	conn := dialHub(t, hub, url)

	bus.Publish(conversation.Event{Kind: conversation.EventChange, ConversationID: "bob"})

	event := readEvent(t, conn)
	assert.Equal(t, conversation.EventChange, event.Kind)
	assert.Equal(t, "bob", event.ConversationID)
}

func TestHubFiltersByConversation(t *testing.T) {
	bus, hub, url := startHub(t)
	all := dialHub(t, hub, url)
	onlyCarol := dialHub(t, hub, url+"?conversation_id=carol")

	bus.Publish(conversation.Event{Kind: conversation.EventNewMessage, ConversationID: "bob"})
	bus.Publish(conversation.Event{Kind: conversation.EventNewMessage, ConversationID: "carol"})

	assert.Equal(t, "bob", readEvent(t, all).ConversationID)
	assert.Equal(t, "carol", readEvent(t, all).ConversationID)
	assert.Equal(t, "carol", readEvent(t, onlyCarol).ConversationID)

	require.NoError(t, onlyCarol.WriteJSON(clientCommand{Type: "filter"}))
	require.Eventually(t, func() bool {
		hub.mu.RLock()
		defer hub.mu.RUnlock()
		for _, client := range hub.clients {
			if !client.wants("bob") {
				return false
			}
		}
		return true
	}, 2*time.Second, 10*time.Millisecond)

	bus.Publish(conversation.Event{Kind: conversation.EventChange, ConversationID: "bob"})
	assert.Equal(t, "bob", readEvent(t, onlyCarol).ConversationID)
}

func TestHubForgetsClosedClients(t *testing.T) {
	_, hub, url := startHub(t)
	conn := dialHub(t, hub, url)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return hub.ClientCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}
