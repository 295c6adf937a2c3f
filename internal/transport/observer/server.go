// Package observer pushes simulation events to dashboard viewers
// over websockets. Delivery is fire-and-forget: the core never waits
// for a viewer, and a viewer that cannot keep up is dropped.
package observer

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"potsplit.ai/internal/protocol"
)

type Server struct {
	log *log.Logger

	upgrader websocket.Upgrader
	nextID   atomic.Uint64

	mu      sync.Mutex
	clients map[uint64]chan []byte

	// Bootstrap supplies the initial state document sent to each new
	// viewer.
	Bootstrap func() any
}

func NewServer(logger *log.Logger) *Server {
	return &Server{
		log: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
		clients: make(map[uint64]chan []byte),
	}
}

// Emit satisfies protocol.Sink. Slow clients lose events rather than
// slowing the simulation.
func (s *Server) Emit(ev protocol.Event) {
	b, err := json.Marshal(ev)
	if err != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, ch := range s.clients {
		select {
		case ch <- b:
		default:
			s.log.Printf("observer %d lagging, dropping event %s", id, ev.Type)
		}
	}
}

// WSHandler upgrades a viewer connection and streams events to it.
func (s *Server) WSHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		id := s.nextID.Add(1)
		ch := make(chan []byte, 256)
		s.mu.Lock()
		s.clients[id] = ch
		s.mu.Unlock()
		defer func() {
			s.mu.Lock()
			delete(s.clients, id)
			s.mu.Unlock()
		}()

		if s.Bootstrap != nil {
			b, err := json.Marshal(s.Bootstrap())
			if err == nil {
				_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
				if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
					return
				}
			}
		}

		// Reader goroutine: viewers send nothing meaningful, but the
		// read loop surfaces disconnects.
		done := make(chan struct{})
		go func() {
			defer close(done)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		for {
			select {
			case <-done:
				return
			case b := <-ch:
				_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
				if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
					return
				}
			}
		}
	}
}
