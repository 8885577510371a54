package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/skillgate/gateway/internal/audit"
)

// DenialFeed pushes every appended audit record to connected operator
// websockets. Slow consumers are dropped rather than allowed to block the
// append path.
type DenialFeed struct {
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*websocket.Conn]chan []byte
}

func NewDenialFeed() *DenialFeed {
	return &DenialFeed{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		clients: make(map[*websocket.Conn]chan []byte),
	}
}

// HandleWS upgrades the connection and streams records until the client
// goes away.
func (f *DenialFeed) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("denial feed upgrade failed", "error", err)
		return
	}

	out := make(chan []byte, 64)
	f.mu.Lock()
	f.clients[conn] = out
	f.mu.Unlock()

	go f.writeLoop(conn, out)
	f.readLoop(conn)
}

// Publish fans the record out to every client. Wire this to the audit
// log's append callback.
func (f *DenialFeed) Publish(rec *audit.Record) {
	data, err := json.Marshal(rec)
	if err != nil {
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	for conn, out := range f.clients {
		select {
		case out <- data:
		default:
			// Buffer full: the consumer is too slow, cut it loose.
			delete(f.clients, conn)
			close(out)
		}
	}
}

// Close disconnects all clients.
func (f *DenialFeed) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for conn, out := range f.clients {
		delete(f.clients, conn)
		close(out)
	}
}

// --- Internal helpers ---

func (f *DenialFeed) writeLoop(conn *websocket.Conn, out chan []byte) {
	defer conn.Close()
	for data := range out {
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			f.drop(conn)
			return
		}
	}
}

func (f *DenialFeed) readLoop(conn *websocket.Conn) {
	// Drain control frames; any read error means the client disconnected.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			f.drop(conn)
			return
		}
	}
}

func (f *DenialFeed) drop(conn *websocket.Conn) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if out, ok := f.clients[conn]; ok {
		delete(f.clients, conn)
		close(out)
	}
	conn.Close()
}
