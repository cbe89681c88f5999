package events

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/go-appsec/pktreplay/pktreplay/service/capture"
	"github.com/go-appsec/pktreplay/pktreplay/service/scheduler"
)

// Path is where the event stream is served.
const Path = "/events"

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second

	clientBuffer = 256
	inBuffer     = 1024
)

// Type names an event on the stream.
type Type string

const (
	TypePacketCaptured Type = "packet_captured"
	TypeStatusChanged  Type = "status_changed"
	TypeTaskExecuted   Type = "task_executed"
	TypeTasksUpdated   Type = "tasks_updated"
)

// Event is one message on the stream.
type Event struct {
	Type Type `json:"type"`
	Data any  `json:"data"`
}

type StatusData struct {
	Running bool `json:"running"`
}

type TaskExecutedData struct {
	Task    scheduler.ReplayTask `json:"task"`
	Success bool                 `json:"success"`
	Message string               `json:"message"`
}

type client struct {
	ws   *websocket.Conn
	send chan []byte
}

// Hub fans service events out to connected WebSocket clients. Slow clients
// drop messages instead of blocking publishers.
type Hub struct {
	mu       sync.RWMutex
	clients  map[*client]struct{}
	in       chan []byte
	reg      chan *client
	unreg    chan *client
	stop     chan struct{}
	stopOnce sync.Once
	upgrader websocket.Upgrader
}

// NewHub creates a hub and starts its dispatch loop.
func NewHub() *Hub {
	h := &Hub{
		clients: map[*client]struct{}{},
		in:      make(chan []byte, inBuffer),
		reg:     make(chan *client),
		unreg:   make(chan *client),
		stop:    make(chan struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	for {
		select {
		case <-h.stop:
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.mu.Unlock()
			return

		case c := <-h.reg:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			h.mu.Unlock()

		case c := <-h.unreg:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()

		case msg := <-h.in:
			h.mu.RLock()
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					// client buffer full, skip
				}
			}
			h.mu.RUnlock()
		}
	}
}

// Publish queues an event for every connected client.
func (h *Hub) Publish(typ Type, data any) {
	msg, err := json.Marshal(Event{Type: typ, Data: data})
	if err != nil {
		log.Printf("events: failed to encode %s: %v", typ, err)
		return
	}

	select {
	case h.in <- msg:
	case <-h.stop:
	default:
		log.Printf("events: queue full, dropping %s", typ)
	}
}

// OnPacketCaptured publishes a captured record.
func (h *Hub) OnPacketCaptured(rec capture.CapturedRecord) {
	h.Publish(TypePacketCaptured, rec)
}

// OnStatusChanged publishes a proxy running state change.
func (h *Hub) OnStatusChanged(running bool) {
	h.Publish(TypeStatusChanged, StatusData{Running: running})
}

// OnTaskExecuted publishes the outcome of a fired task.
func (h *Hub) OnTaskExecuted(task scheduler.ReplayTask, success bool, message string) {
	h.Publish(TypeTaskExecuted, TaskExecutedData{Task: task, Success: success, Message: message})
}

// OnTasksUpdated publishes the full task list.
func (h *Hub) OnTasksUpdated(tasks []scheduler.ReplayTask) {
	h.Publish(TypeTasksUpdated, tasks)
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Handler serves the event stream at Path.
func (h *Hub) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET "+Path, h.ServeWebSocket)
	return mux
}

// ServeWebSocket upgrades the request and streams events until the client
// disconnects or the hub stops.
func (h *Hub) ServeWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("events: failed to upgrade %s: %v", r.RemoteAddr, err)
		return
	}

	c := &client{ws: conn, send: make(chan []byte, clientBuffer)}
	select {
	case h.reg <- c:
	case <-h.stop:
		_ = conn.Close()
		return
	}
	log.Printf("events: client connected: %s", r.RemoteAddr)

	go c.writePump()
	c.readPump(h)
}

// Stop disconnects every client and ends the dispatch loop.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.stop) })
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump discards client messages; it exists to process pongs and detect disconnects.
func (c *client) readPump(h *Hub) {
	defer func() {
		select {
		case h.unreg <- c:
		case <-h.stop:
		}
		_ = c.ws.Close()
	}()

	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.ws.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("events: client error: %v", err)
			}
			return
		}
	}
}
