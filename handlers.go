package main

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kwv/radiomesh/locate"
)

// wsHub fans fresh estimation results out to connected WebSocket clients.
type wsHub struct {
	mu      sync.Mutex
	clients map[*websocket.Conn]bool
}

func newWSHub() *wsHub {
	return &wsHub{clients: make(map[*websocket.Conn]bool)}
}

// Register adds a connection and starts draining its read side so pings and
// close frames are processed.
func (h *wsHub) Register(conn *websocket.Conn) {
	h.mu.Lock()
	h.clients[conn] = true
	h.mu.Unlock()

	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				h.remove(conn)
				return
			}
		}
	}()
}

func (h *wsHub) remove(conn *websocket.Conn) {
	h.mu.Lock()
	delete(h.clients, conn)
	h.mu.Unlock()
	_ = conn.Close()
}

// Broadcast sends a JSON-encoded message to every connected client. Clients
// that fail the write are dropped.
func (h *wsHub) Broadcast(v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Printf("[WS] Error encoding broadcast: %v", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			delete(h.clients, conn)
			_ = conn.Close()
		}
	}
}

// ClientCount returns the number of connected WebSocket clients.
func (h *wsHub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Results are not sensitive; allow dashboards served from other origins.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// newHTTPServer creates an HTTP server with all endpoints
func newHTTPServer(collector *locate.Collector, config *locate.Config, hub *wsHub) http.Handler {
	mux := http.NewServeMux()

	// Health check endpoint
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		status := struct {
			Status    string    `json:"status"`
			Timestamp time.Time `json:"timestamp"`
			Sources   int       `json:"sources"`
			Clients   int       `json:"clients"`
		}{
			Status:    "ok",
			Timestamp: time.Now(),
			Sources:   len(collector.SourceIDs()),
			Clients:   hub.ClientCount(),
		}
		if err := json.NewEncoder(w).Encode(status); err != nil {
			log.Printf("Error encoding health status: %v", err)
		}
	})

	// Located sources as JSON
	mux.HandleFunc("/sources", func(w http.ResponseWriter, r *http.Request) {
		located := collector.AllLocated()
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-cache")
		if err := json.NewEncoder(w).Encode(located); err != nil {
			log.Printf("Error encoding sources: %v", err)
		}
	})

	// Located sources as GeoJSON
	mux.HandleFunc("/sources.geojson", func(w http.ResponseWriter, r *http.Request) {
		located := collector.AllLocated()
		readings := make(map[string][]locate.Reading)
		for _, ls := range located {
			readings[ls.Source.ID] = collector.Readings(ls.Source.ID)
		}

		fc := locate.SceneToGeoJSON(config.Receivers, located, readings)
		data, err := locate.MarshalScene(fc)
		if err != nil {
			log.Printf("Error encoding GeoJSON: %v", err)
			http.Error(w, "Encoding error", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/geo+json")
		w.Header().Set("Cache-Control", "no-cache")
		_, _ = w.Write(data)
	})

	buildRenderer := func() (*locate.SceneRenderer, bool) {
		renderer := locate.NewSceneRenderer(config.Receivers)
		for _, ls := range collector.AllLocated() {
			renderer.Located[ls.Source.ID] = ls
			renderer.Readings[ls.Source.ID] = collector.Readings(ls.Source.ID)
		}
		for _, id := range collector.SourceIDs() {
			if _, ok := renderer.Readings[id]; !ok {
				renderer.Readings[id] = collector.Readings(id)
			}
		}
		return renderer, len(config.Receivers) > 0
	}

	// Scene rendering endpoints
	mux.HandleFunc("/scene.svg", func(w http.ResponseWriter, r *http.Request) {
		renderer, ok := buildRenderer()
		if !ok {
			http.Error(w, "No receivers configured", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "image/svg+xml")
		w.Header().Set("Cache-Control", "no-cache")
		if err := renderer.RenderToSVG(w); err != nil {
			log.Printf("Error encoding scene SVG: %v", err)
		}
	})

	mux.HandleFunc("/scene.png", func(w http.ResponseWriter, r *http.Request) {
		renderer, ok := buildRenderer()
		if !ok {
			http.Error(w, "No receivers configured", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Cache-Control", "no-cache")
		if err := renderer.RenderToPNG(w); err != nil {
			log.Printf("Error encoding scene PNG: %v", err)
		}
	})

	// Live result stream
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("[WS] Upgrade failed for %s: %v", r.RemoteAddr, err)
			return
		}
		log.Printf("[WS] Client connected: %s", r.RemoteAddr)
		hub.Register(conn)

		// Send the current state so new clients do not wait a full interval.
		for _, ls := range collector.AllLocated() {
			data, err := json.Marshal(ls)
			if err != nil {
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		}
	})

	// Default route serves HTML page embedding the SVG scene
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("Cache-Control", "no-cache")
		_, _ = fmt.Fprint(w, `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>radiomesh</title>
<style>
*{margin:0;padding:0;box-sizing:border-box}
html,body{width:100%;height:100%;overflow:hidden;background:#1a1a1a}
img{display:block;width:100vw;height:100vh;object-fit:contain}
</style>
</head>
<body>
<img src="/scene.svg" alt="Scene">
<script>
const ws = new WebSocket((location.protocol === "https:" ? "wss://" : "ws://") + location.host + "/ws");
ws.onmessage = () => { document.querySelector("img").src = "/scene.svg?t=" + Date.now(); };
</script>
</body>
</html>`)
	})

	// Wrap mux with logging middleware
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log.Printf("[HTTP] %s %s from %s", r.Method, r.URL.Path, r.RemoteAddr)
		mux.ServeHTTP(w, r)
	})
}
