package api

import (
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/openmifare/mcrw-agent/internal/agent"
)

// newTestClient builds a client with a buffered send channel so handlers
// can be exercised without a live connection.
func newTestClient() *WSClient {
	return &WSClient{
		send:        make(chan []byte, 16),
		pollTickers: make(map[string]*time.Ticker),
		pollDone:    make(map[string]chan struct{}),
		lastUIDs:    make(map[string]string),
	}
}

// recvMessage pulls the next queued message off the client's send channel.
func recvMessage(t *testing.T, c *WSClient) WSMessage {
	t.Helper()
	select {
	case raw := <-c.send:
		var msg WSMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			t.Fatalf("failed to decode message: %v", err)
		}
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("no message queued on send channel")
		return WSMessage{}
	}
}

func TestNewWSHub(t *testing.T) {
	hub := NewWSHub()

	if hub.clients == nil {
		t.Error("clients map should be initialized")
	}
	if hub.broadcast == nil {
		t.Error("broadcast channel should be initialized")
	}
	if hub.register == nil {
		t.Error("register channel should be initialized")
	}
	if hub.unregister == nil {
		t.Error("unregister channel should be initialized")
	}
}

func TestWSHub_RegisterUnregister(t *testing.T) {
	hub := NewWSHub()
	go hub.Run()

	client := newTestClient()
	client.hub = hub

	hub.register <- client
	time.Sleep(50 * time.Millisecond)

	hub.mu.RLock()
	registered := hub.clients[client]
	hub.mu.RUnlock()
	if !registered {
		t.Error("client should be registered")
	}

	hub.unregister <- client
	time.Sleep(50 * time.Millisecond)

	hub.mu.RLock()
	_, stillThere := hub.clients[client]
	hub.mu.RUnlock()
	if stillThere {
		t.Error("client should be unregistered")
	}

	// Unregister closes the send channel
	if _, ok := <-client.send; ok {
		t.Error("send channel should be closed after unregister")
	}
}

func TestWSHub_Broadcast(t *testing.T) {
	hub := NewWSHub()
	go hub.Run()

	client := newTestClient()
	client.hub = hub
	hub.register <- client
	time.Sleep(50 * time.Millisecond)

	hub.broadcast <- []byte(`{"type":"test"}`)

	select {
	case raw := <-client.send:
		if string(raw) != `{"type":"test"}` {
			t.Errorf("broadcast payload = %s", raw)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("broadcast message not delivered")
	}
}

func TestWSMessage_JSON(t *testing.T) {
	msg := WSMessage{
		Type:    "execute",
		ID:      "req-1",
		Payload: json.RawMessage(`{"op":"read-block"}`),
	}

	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	var decoded WSMessage
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if decoded.Type != "execute" || decoded.ID != "req-1" {
		t.Errorf("decoded = %+v", decoded)
	}
	if strings.Contains(string(data), "error") {
		t.Error("empty error field should be omitted")
	}
}

func TestWSClient_SendError(t *testing.T) {
	client := newTestClient()
	client.sendError("req-7", "something broke")

	msg := recvMessage(t, client)
	if msg.Type != "error" || msg.ID != "req-7" || msg.Error != "something broke" {
		t.Errorf("msg = %+v", msg)
	}
}

func TestWSClient_HandleMessage_Unknown(t *testing.T) {
	client := newTestClient()
	client.handleMessage(WSMessage{Type: "teleport", ID: "req-1"})

	msg := recvMessage(t, client)
	if msg.Type != "error" {
		t.Errorf("type = %q, want error", msg.Type)
	}
	if !strings.Contains(msg.Error, "teleport") {
		t.Errorf("error = %q", msg.Error)
	}
}

func TestWSClient_HandleListReaders(t *testing.T) {
	useOps(t, newMockOperations())

	client := newTestClient()
	client.handleListReaders("req-1")

	msg := recvMessage(t, client)
	if msg.Type != "readers" || msg.ID != "req-1" {
		t.Errorf("msg = %+v", msg)
	}

	var readers []map[string]interface{}
	if err := json.Unmarshal(msg.Payload, &readers); err != nil {
		t.Fatalf("payload decode failed: %v", err)
	}
	if len(readers) != 2 {
		t.Errorf("got %d readers", len(readers))
	}
}

func TestWSClient_HandleExecute(t *testing.T) {
	mock := newMockOperations().WithResult(&agent.Result{Value: 42, HasValue: true})
	useOps(t, mock)

	client := newTestClient()
	payload := []byte(`{"readerIndex":0,"op":"read-value-block","keyType":"a","key":"ffffffffffff","block":6}`)
	client.handleExecute("req-2", payload)

	msg := recvMessage(t, client)
	if msg.Type != "result" || msg.ID != "req-2" {
		t.Fatalf("msg = %+v", msg)
	}

	var result agent.Result
	if err := json.Unmarshal(msg.Payload, &result); err != nil {
		t.Fatalf("payload decode failed: %v", err)
	}
	if result.Value != 42 || !result.HasValue {
		t.Errorf("result = %+v", result)
	}
}

func TestWSClient_HandleExecute_Errors(t *testing.T) {
	useOps(t, newMockOperations())

	tests := []struct {
		name    string
		payload string
		want    string
	}{
		{"invalid payload", `not json`, "invalid payload"},
		{"unknown op", `{"readerIndex":0,"op":"explode-card"}`, "unknown operation"},
		{"index out of range", `{"readerIndex":9,"op":"read-block"}`, "out of range"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newTestClient()
			client.handleExecute("req-3", json.RawMessage(tt.payload))

			msg := recvMessage(t, client)
			if msg.Type != "error" {
				t.Fatalf("type = %q, want error", msg.Type)
			}
			if !strings.Contains(msg.Error, tt.want) {
				t.Errorf("error = %q, want substring %q", msg.Error, tt.want)
			}
		})
	}
}

func TestWSClient_HandleReadUID(t *testing.T) {
	useOps(t, newMockOperations().WithUID("932BAE0E"))

	client := newTestClient()
	client.handleReadUID("req-4", json.RawMessage(`{"readerIndex":1}`))

	msg := recvMessage(t, client)
	if msg.Type != "uid" {
		t.Fatalf("msg = %+v", msg)
	}

	var payload map[string]string
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		t.Fatalf("payload decode failed: %v", err)
	}
	if payload["uid"] != "932BAE0E" {
		t.Errorf("uid = %q", payload["uid"])
	}
}

func TestWSClient_HandleVersion(t *testing.T) {
	origVersion := Version
	Version = "9.9.9-test"
	defer func() { Version = origVersion }()

	client := newTestClient()
	client.handleVersion("req-5")

	msg := recvMessage(t, client)
	if msg.Type != "version" {
		t.Fatalf("msg = %+v", msg)
	}

	var payload map[string]string
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		t.Fatalf("payload decode failed: %v", err)
	}
	if payload["version"] != "9.9.9-test" {
		t.Errorf("version = %q", payload["version"])
	}
}

func TestWSClient_HandleHealth_Degraded(t *testing.T) {
	useOps(t, newMockOperations().WithError(errors.New("pcsc daemon unavailable")))

	client := newTestClient()
	client.handleHealth("req-6")

	msg := recvMessage(t, client)
	var payload map[string]interface{}
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		t.Fatalf("payload decode failed: %v", err)
	}
	if payload["status"] != "degraded" {
		t.Errorf("status = %v", payload["status"])
	}
}

func TestWSClient_SubscribeUnsubscribe(t *testing.T) {
	useOps(t, newMockOperations().WithUID("04635D6B"))

	client := newTestClient()
	client.handleSubscribe("req-7", json.RawMessage(`{"readerIndex":0,"intervalMs":100}`))

	msg := recvMessage(t, client)
	if msg.Type != "subscribed" {
		t.Fatalf("msg = %+v", msg)
	}

	// Poll loop should notice the card
	deadline := time.After(2 * time.Second)
	for {
		var detected WSMessage
		select {
		case raw := <-client.send:
			if err := json.Unmarshal(raw, &detected); err != nil {
				t.Fatalf("failed to decode message: %v", err)
			}
		case <-deadline:
			t.Fatal("no card_detected event")
		}
		if detected.Type == "card_detected" {
			var payload map[string]interface{}
			if err := json.Unmarshal(detected.Payload, &payload); err != nil {
				t.Fatalf("payload decode failed: %v", err)
			}
			if payload["uid"] != "04635D6B" {
				t.Errorf("uid = %v", payload["uid"])
			}
			break
		}
	}

	client.handleUnsubscribe("req-8", json.RawMessage(`{"readerIndex":0}`))
	for {
		msg = recvMessage(t, client)
		if msg.Type == "unsubscribed" {
			break
		}
	}

	client.mu.Lock()
	if len(client.pollTickers) != 0 {
		t.Errorf("pollTickers should be empty, got %d", len(client.pollTickers))
	}
	if len(client.pollDone) != 0 {
		t.Errorf("pollDone should be empty, got %d", len(client.pollDone))
	}
	client.mu.Unlock()
}

func TestWSClient_UnsubscribeStopsPolling(t *testing.T) {
	mock := newMockOperations().WithUID("04635D6B")
	useOps(t, mock)

	client := newTestClient()
	client.handleSubscribe("req-1", json.RawMessage(`{"readerIndex":0,"intervalMs":100}`))
	if msg := recvMessage(t, client); msg.Type != "subscribed" {
		t.Fatalf("msg = %+v", msg)
	}

	// Let at least one poll run
	deadline := time.Now().Add(2 * time.Second)
	for mock.UIDCalls() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("poll goroutine never ran")
		}
		time.Sleep(10 * time.Millisecond)
	}

	client.handleUnsubscribe("req-2", json.RawMessage(`{"readerIndex":0}`))
	for {
		if msg := recvMessage(t, client); msg.Type == "unsubscribed" {
			break
		}
	}

	// The poll goroutine must wind down; at most one in-flight tick may
	// still land after the done channel closes.
	settled := mock.UIDCalls() + 1
	time.Sleep(350 * time.Millisecond)
	if calls := mock.UIDCalls(); calls > settled {
		t.Errorf("polling continued after unsubscribe: %d calls, want at most %d", calls, settled)
	}
}

func TestWebSocket_Integration(t *testing.T) {
	useOps(t, newMockOperations().WithUID("DEADBEEF"))

	server := httptest.NewServer(InitWebSocket())
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	request := func(msg WSMessage) WSMessage {
		t.Helper()
		if err := conn.WriteJSON(msg); err != nil {
			t.Fatalf("write failed: %v", err)
		}
		var resp WSMessage
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		if err := conn.ReadJSON(&resp); err != nil {
			t.Fatalf("read failed: %v", err)
		}
		return resp
	}

	resp := request(WSMessage{Type: "list_readers", ID: "1"})
	if resp.Type != "readers" || resp.ID != "1" {
		t.Errorf("list_readers resp = %+v", resp)
	}

	resp = request(WSMessage{Type: "health", ID: "2"})
	if resp.Type != "health" {
		t.Errorf("health resp = %+v", resp)
	}

	resp = request(WSMessage{
		Type: "read_uid", ID: "3",
		Payload: json.RawMessage(`{"readerIndex":0}`),
	})
	if resp.Type != "uid" {
		t.Errorf("read_uid resp = %+v", resp)
	}

	resp = request(WSMessage{Type: "bogus", ID: "4"})
	if resp.Type != "error" {
		t.Errorf("bogus resp = %+v", resp)
	}
}
