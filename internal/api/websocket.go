package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/openmifare/mcrw-agent/internal/agent"
	"github.com/openmifare/mcrw-agent/internal/logging"
	"github.com/openmifare/mcrw-agent/internal/syncutil"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for local use
	},
}

// WSMessage represents a WebSocket message
type WSMessage struct {
	Type    string          `json:"type"`              // Message type
	ID      string          `json:"id,omitempty"`      // Request ID for request/response matching
	Payload json.RawMessage `json:"payload,omitempty"` // Message payload
	Error   string          `json:"error,omitempty"`   // Error message if any
}

// WSClient represents a connected WebSocket client
type WSClient struct {
	conn        *websocket.Conn
	send        chan []byte
	hub         *WSHub
	mu          syncutil.Mutex
	pollTickers map[string]*time.Ticker
	pollDone    map[string]chan struct{} // Closed to end a reader's poll goroutine
	lastUIDs    map[string]string        // Track last seen UID per reader
}

// WSHub manages all WebSocket connections
type WSHub struct {
	clients    map[*WSClient]bool
	broadcast  chan []byte
	register   chan *WSClient
	unregister chan *WSClient
	mu         syncutil.RWMutex
}

// NewWSHub creates a new WebSocket hub
func NewWSHub() *WSHub {
	return &WSHub{
		clients:    make(map[*WSClient]bool),
		broadcast:  make(chan []byte),
		register:   make(chan *WSClient),
		unregister: make(chan *WSClient),
	}
}

// Run starts the hub's main loop
func (h *WSHub) Run() {
	// Re-panic after logging since hub crash is fatal
	defer logging.RecoverAndLog("WebSocket hub", true)

	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
		case message := <-h.broadcast:
			h.mu.RLock()
			for client := range h.clients {
				select {
				case client.send <- message:
				default:
					close(client.send)
					delete(h.clients, client)
				}
			}
			h.mu.RUnlock()
		}
	}
}

// Global hub instance
var wsHub *WSHub

// InitWebSocket initializes the WebSocket hub and returns the handler
func InitWebSocket() http.HandlerFunc {
	wsHub = NewWSHub()
	go wsHub.Run()

	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logging.Error(logging.CatWebSocket, "WebSocket upgrade failed", map[string]any{
				"error":      err.Error(),
				"remoteAddr": r.RemoteAddr,
			})
			return
		}

		logging.Info(logging.CatWebSocket, "Client connected", map[string]any{
			"remoteAddr": r.RemoteAddr,
		})

		client := &WSClient{
			conn:        conn,
			send:        make(chan []byte, 256),
			hub:         wsHub,
			pollTickers: make(map[string]*time.Ticker),
			pollDone:    make(map[string]chan struct{}),
			lastUIDs:    make(map[string]string),
		}

		wsHub.register <- client

		go client.writePump()
		go client.readPump()
	}
}

func (c *WSClient) readPump() {
	// Recover from panics (runs last due to LIFO)
	defer logging.RecoverAndLog("WebSocket readPump", false)
	// Cleanup (runs first)
	defer func() {
		// Stop all polling
		c.mu.Lock()
		for _, ticker := range c.pollTickers {
			ticker.Stop()
		}
		for _, done := range c.pollDone {
			close(done)
		}
		c.mu.Unlock()

		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512 * 1024) // 512KB max message size
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logging.Warn(logging.CatWebSocket, "WebSocket unexpected close", map[string]any{
					"error": err.Error(),
				})
			} else {
				logging.Debug(logging.CatWebSocket, "Client disconnected", nil)
			}
			break
		}

		var msg WSMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			c.sendError("", "invalid message format")
			continue
		}

		c.handleMessage(msg)
	}
}

func (c *WSClient) writePump() {
	ticker := time.NewTicker(54 * time.Second)
	// Recover from panics (runs last due to LIFO)
	defer logging.RecoverAndLog("WebSocket writePump", false)
	// Cleanup (runs first)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			if _, err := w.Write(message); err != nil {
				return
			}

			if err := w.Close(); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *WSClient) handleMessage(msg WSMessage) {
	logging.Debug(logging.CatWebSocket, "Received message", map[string]any{
		"type": msg.Type,
		"id":   msg.ID,
	})

	switch msg.Type {
	case "list_readers":
		c.handleListReaders(msg.ID)
	case "execute":
		c.handleExecute(msg.ID, msg.Payload)
	case "read_uid":
		c.handleReadUID(msg.ID, msg.Payload)
	case "subscribe":
		c.handleSubscribe(msg.ID, msg.Payload)
	case "unsubscribe":
		c.handleUnsubscribe(msg.ID, msg.Payload)
	case "version":
		c.handleVersion(msg.ID)
	case "health":
		c.handleHealth(msg.ID)
	default:
		logging.Warn(logging.CatWebSocket, "Unknown message type", map[string]any{
			"type": msg.Type,
		})
		c.sendError(msg.ID, "unknown message type: "+msg.Type)
	}
}

func (c *WSClient) sendResponse(id string, msgType string, payload interface{}) {
	payloadBytes, _ := json.Marshal(payload)
	response := WSMessage{
		Type:    msgType,
		ID:      id,
		Payload: payloadBytes,
	}
	responseBytes, _ := json.Marshal(response)
	c.send <- responseBytes
}

func (c *WSClient) sendError(id string, errMsg string) {
	response := WSMessage{
		Type:  "error",
		ID:    id,
		Error: errMsg,
	}
	responseBytes, _ := json.Marshal(response)
	c.send <- responseBytes
}

// resolveReaderName maps a payload reader index to the reader's name.
func (c *WSClient) resolveReaderName(id string, index int) (string, bool) {
	readers, err := ops.ListReaders()
	if err != nil {
		c.sendError(id, err.Error())
		return "", false
	}
	if index < 0 || index >= len(readers) {
		c.sendError(id, "reader index out of range")
		return "", false
	}
	return readers[index].Name, true
}

func (c *WSClient) handleListReaders(id string) {
	readers, err := ops.ListReaders()
	if err != nil {
		c.sendError(id, err.Error())
		return
	}
	c.sendResponse(id, "readers", readers)
}

// handleExecute runs one logical card operation, mirroring the REST
// /mifare endpoint.
func (c *WSClient) handleExecute(id string, payload json.RawMessage) {
	var req struct {
		ReaderIndex int `json:"readerIndex"`
		agent.Request
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		c.sendError(id, "invalid payload")
		return
	}

	if !agent.KnownOp(req.Op) {
		c.sendError(id, "unknown operation: "+req.Op)
		return
	}

	readerName, ok := c.resolveReaderName(id, req.ReaderIndex)
	if !ok {
		return
	}

	result, err := ops.Execute(readerName, req.Request)
	if err != nil {
		c.sendError(id, err.Error())
		return
	}

	c.sendResponse(id, "result", result)
}

func (c *WSClient) handleReadUID(id string, payload json.RawMessage) {
	var req struct {
		ReaderIndex int `json:"readerIndex"`
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		c.sendError(id, "invalid payload")
		return
	}

	readerName, ok := c.resolveReaderName(id, req.ReaderIndex)
	if !ok {
		return
	}

	uid, err := ops.ReadUID(readerName)
	if err != nil {
		c.sendError(id, err.Error())
		return
	}

	c.sendResponse(id, "uid", map[string]string{"uid": uid})
}

func (c *WSClient) handleSubscribe(id string, payload json.RawMessage) {
	var req struct {
		ReaderIndex int `json:"readerIndex"`
		IntervalMs  int `json:"intervalMs"`
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		c.sendError(id, "invalid payload")
		return
	}

	readerKey, ok := c.resolveReaderName(id, req.ReaderIndex)
	if !ok {
		return
	}

	if req.IntervalMs < 100 {
		req.IntervalMs = 500 // Default 500ms
	}

	c.mu.Lock()
	// Replace an existing subscription for the same reader
	if ticker, ok := c.pollTickers[readerKey]; ok {
		ticker.Stop()
	}
	if prev, ok := c.pollDone[readerKey]; ok {
		close(prev)
	}

	ticker := time.NewTicker(time.Duration(req.IntervalMs) * time.Millisecond)
	done := make(chan struct{})
	c.pollTickers[readerKey] = ticker
	c.pollDone[readerKey] = done
	c.mu.Unlock()

	// Start polling goroutine
	go func() {
		defer logging.RecoverAndLog("WebSocket poll goroutine", false)

		for {
			select {
			case <-done:
				return
			case <-ticker.C:
			}

			uid, err := ops.ReadUID(readerKey)
			if err != nil {
				// Card removed - send event if we previously had a card
				c.mu.Lock()
				if c.lastUIDs[readerKey] != "" {
					c.lastUIDs[readerKey] = ""
					c.mu.Unlock()
					logging.Info(logging.CatCard, "Card removed", map[string]any{
						"reader": readerKey,
					})
					c.sendResponse("", "card_removed", map[string]interface{}{
						"readerIndex": req.ReaderIndex,
						"readerName":  readerKey,
					})
				} else {
					c.mu.Unlock()
				}
				continue
			}

			// Check if this is a new card
			c.mu.Lock()
			lastUID := c.lastUIDs[readerKey]
			if uid != lastUID {
				c.lastUIDs[readerKey] = uid
				c.mu.Unlock()
				logging.Info(logging.CatCard, "Card detected", map[string]any{
					"reader": readerKey,
					"uid":    uid,
				})
				c.sendResponse("", "card_detected", map[string]interface{}{
					"readerIndex": req.ReaderIndex,
					"readerName":  readerKey,
					"uid":         uid,
				})
			} else {
				c.mu.Unlock()
			}
		}
	}()

	logging.Info(logging.CatWebSocket, "Client subscribed to reader", map[string]any{
		"reader":     readerKey,
		"intervalMs": req.IntervalMs,
	})
	c.sendResponse(id, "subscribed", map[string]interface{}{
		"readerIndex": req.ReaderIndex,
		"intervalMs":  req.IntervalMs,
	})
}

func (c *WSClient) handleUnsubscribe(id string, payload json.RawMessage) {
	var req struct {
		ReaderIndex int `json:"readerIndex"`
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		c.sendError(id, "invalid payload")
		return
	}

	readerKey, ok := c.resolveReaderName(id, req.ReaderIndex)
	if !ok {
		return
	}

	c.mu.Lock()
	if ticker, ok := c.pollTickers[readerKey]; ok {
		ticker.Stop()
		delete(c.pollTickers, readerKey)
	}
	if done, ok := c.pollDone[readerKey]; ok {
		close(done)
		delete(c.pollDone, readerKey)
	}
	c.mu.Unlock()

	logging.Info(logging.CatWebSocket, "Client unsubscribed from reader", map[string]any{
		"reader": readerKey,
	})
	c.sendResponse(id, "unsubscribed", map[string]interface{}{
		"readerIndex": req.ReaderIndex,
	})
}

func (c *WSClient) handleVersion(id string) {
	c.sendResponse(id, "version", map[string]string{
		"version":   Version,
		"buildTime": BuildTime,
		"gitCommit": GitCommit,
	})
}

func (c *WSClient) handleHealth(id string) {
	readers, err := ops.ListReaders()
	if err != nil {
		c.sendResponse(id, "health", map[string]interface{}{
			"status": "degraded",
			"error":  err.Error(),
		})
		return
	}
	c.sendResponse(id, "health", map[string]interface{}{
		"status":      "ok",
		"readerCount": len(readers),
	})
}
