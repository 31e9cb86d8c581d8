// Package telemetry serves lifecycle and routing-table events over a
// WebSocket connection for an external dashboard or simulator
// visualizer to observe a running node.
package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/loramesh/loramesh/internal/network"
	"github.com/loramesh/loramesh/internal/wire"
)

// EventType distinguishes the kinds of events a subscriber receives.
type EventType string

const (
	EventStateChanged EventType = "state_changed"
	EventRouteAdded   EventType = "route_added"
	EventRouteRemoved EventType = "route_removed"
	EventDataReceived EventType = "data_received"
)

// Event is the envelope pushed to every connected subscriber.
type Event struct {
	Type      EventType       `json:"type"`
	Timestamp int64           `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// Config holds the telemetry server's tunables.
type Config struct {
	WriteTimeout time.Duration
	PingInterval time.Duration
	SendQueue    int // per-subscriber buffered send channel size
}

// DefaultConfig returns sensible defaults for an embedded dashboard
// server.
func DefaultConfig() Config {
	return Config{
		WriteTimeout: 10 * time.Second,
		PingInterval: 30 * time.Second,
		SendQueue:    100,
	}
}

// StateChangedPayload is the payload for EventStateChanged.
type StateChangedPayload struct {
	State string `json:"state"`
}

// RouteChangedPayload is the payload for EventRouteAdded/EventRouteRemoved.
type RouteChangedPayload struct {
	Dest     wire.Address `json:"dest"`
	NextHop  wire.Address `json:"next_hop"`
	HopCount uint8        `json:"hop_count"`
}

// DataReceivedPayload is the payload for EventDataReceived.
type DataReceivedPayload struct {
	Source  wire.Address `json:"source"`
	Payload []byte       `json:"payload"`
}

// subscriber is a single connected WebSocket client.
type subscriber struct {
	conn     *websocket.Conn
	sendChan chan *Event
}

// Server fans lifecycle and routing events out to every connected
// WebSocket subscriber. It never blocks the caller that reports an
// event: a subscriber whose send queue is full misses that event and
// is never awaited; a subscriber is removed once its connection fails.
type Server struct {
	config   Config
	upgrader websocket.Upgrader

	mu          sync.Mutex
	subscribers map[*subscriber]struct{}
}

// New creates a Server. Call Handler to obtain an http.Handler to
// mount, and ServeNetwork to wire it to a running node.
func New(config Config) *Server {
	return &Server{
		config:      config,
		upgrader:    websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		subscribers: make(map[*subscriber]struct{}),
	}
}

// Handler returns the http.HandlerFunc that upgrades incoming requests
// to WebSocket subscribers.
func (s *Server) Handler() http.HandlerFunc {
	return s.handleUpgrade
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("telemetry: upgrade failed: %v", err)
		return
	}

	sub := &subscriber{conn: conn, sendChan: make(chan *Event, s.config.SendQueue)}
	s.mu.Lock()
	s.subscribers[sub] = struct{}{}
	s.mu.Unlock()

	go s.writeLoop(sub)
	s.readLoop(sub)
}

// readLoop discards inbound traffic but detects disconnects; a
// telemetry subscriber has nothing to send the server except pongs.
func (s *Server) readLoop(sub *subscriber) {
	defer s.removeSubscriber(sub)
	for {
		if _, _, err := sub.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) writeLoop(sub *subscriber) {
	ticker := time.NewTicker(s.config.PingInterval)
	defer ticker.Stop()
	defer sub.conn.Close()

	for {
		select {
		case evt, ok := <-sub.sendChan:
			if !ok {
				return
			}
			data, err := json.Marshal(evt)
			if err != nil {
				log.Printf("telemetry: failed to marshal event: %v", err)
				continue
			}
			sub.conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
			if err := sub.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			sub.conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
			if err := sub.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Server) removeSubscriber(sub *subscriber) {
	s.mu.Lock()
	if _, ok := s.subscribers[sub]; ok {
		delete(s.subscribers, sub)
		close(sub.sendChan)
	}
	s.mu.Unlock()
}

// broadcast fans evt out to every connected subscriber without
// blocking; a subscriber whose queue is full misses evt (it stays
// connected) rather than being allowed to stall the publisher.
func (s *Server) broadcast(evt *Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for sub := range s.subscribers {
		select {
		case sub.sendChan <- evt:
		default:
			log.Printf("telemetry: subscriber send queue full, dropping")
		}
	}
}

func (s *Server) publish(typ EventType, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		log.Printf("telemetry: failed to marshal payload: %v", err)
		return
	}
	s.broadcast(&Event{Type: typ, Timestamp: unixNow(), Payload: data})
}

// unixNow is split out so tests can stub it if ever needed; it is not
// itself under test since telemetry timestamps are advisory.
func unixNow() int64 { return time.Now().Unix() }

// ServeNetwork subscribes the server to every event svc reports:
// lifecycle transitions, topology changes and inbound application
// data. svc supports multiple independent subscribers on each of
// OnRouteUpdate, OnStateChange and OnDataReceived, so other consumers
// (e.g. internal/store) may register their own callbacks on the same
// service without disturbing this one.
func ServeNetwork(s *Server, svc *network.Service) {
	svc.OnStateChange(func(state network.ProtocolState) {
		s.publish(EventStateChanged, StateChangedPayload{State: state.String()})
	})
	svc.OnRouteUpdate(func(added bool, dest, nextHop wire.Address, hops uint8) {
		payload := RouteChangedPayload{Dest: dest, NextHop: nextHop, HopCount: hops}
		if added {
			s.publish(EventRouteAdded, payload)
		} else {
			s.publish(EventRouteRemoved, payload)
		}
	})
	svc.OnDataReceived(func(source wire.Address, payload []byte) {
		s.publish(EventDataReceived, DataReceivedPayload{Source: source, Payload: payload})
	})
}

// ListenAndServe starts an HTTP server mounting the telemetry
// WebSocket endpoint at path and blocks until ctx is cancelled or the
// server fails. It generalizes the teacher's client-side dial loop
// into a server-side accept loop: the mesh side has no cloud to dial
// out to, so subscribers connect in.
func ListenAndServe(ctx context.Context, addr, path string, s *Server) error {
	mux := http.NewServeMux()
	mux.Handle(path, s.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("telemetry server: %w", err)
		}
		return nil
	}
}
