package telemetry

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/loramesh/loramesh/internal/config"
	"github.com/loramesh/loramesh/internal/dispatcher"
	"github.com/loramesh/loramesh/internal/network"
	"github.com/loramesh/loramesh/internal/registry"
	"github.com/loramesh/loramesh/internal/routing"
	"github.com/loramesh/loramesh/internal/wire"
)

func dialServer(t *testing.T, srv *Server) (*websocket.Conn, func()) {
	t.Helper()
	ts := httptest.NewServer(srv.Handler())
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn, func() {
		conn.Close()
		ts.Close()
	}
}

func readEvent(t *testing.T, conn *websocket.Conn) Event {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	var evt Event
	if err := json.Unmarshal(data, &evt); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	return evt
}

func TestServeNetworkPublishesStateChange(t *testing.T) {
	srv := New(DefaultConfig())
	conn, closeFn := dialServer(t, srv)
	defer closeFn()

	cfg := config.Default()
	cfg.NodeAddress = 1
	rt := routing.New(routing.Config{SelfAddress: wire.Address(1), MaxHops: cfg.MaxHops, MaxNodes: cfg.MaxNetworkNodes})
	reg := registry.New(cfg.MaxNetworkNodes)
	disp := dispatcher.New()
	svc := network.New(wire.Address(1), rt, reg, disp, cfg)
	ServeNetwork(srv, svc)

	// allow the subscriber goroutine to register before the transition
	time.Sleep(50 * time.Millisecond)
	svc.StartDiscovery(0, 1000)
	if err := svc.Tick(1500); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	var evt Event
	for i := 0; i < 4; i++ {
		evt = readEvent(t, conn)
		if evt.Type == EventStateChanged {
			break
		}
	}
	if evt.Type != EventStateChanged {
		t.Fatalf("expected a state_changed event, got %s", evt.Type)
	}
	var payload StateChangedPayload
	if err := json.Unmarshal(evt.Payload, &payload); err != nil {
		t.Fatalf("Unmarshal payload: %v", err)
	}
	if payload.State != network.NetworkManager.String() && payload.State != network.Discovery.String() {
		t.Fatalf("unexpected state payload: %+v", payload)
	}
}

func TestServeNetworkPublishesRouteAdded(t *testing.T) {
	srv := New(DefaultConfig())
	conn, closeFn := dialServer(t, srv)
	defer closeFn()

	cfg := config.Default()
	cfg.NodeAddress = 1
	rt := routing.New(routing.Config{SelfAddress: wire.Address(1), MaxHops: cfg.MaxHops, MaxNodes: cfg.MaxNetworkNodes})
	reg := registry.New(cfg.MaxNetworkNodes)
	disp := dispatcher.New()
	svc := network.New(wire.Address(1), rt, reg, disp, cfg)
	ServeNetwork(srv, svc)

	time.Sleep(50 * time.Millisecond)
	rt.AddNode(routing.Entry{Destination: wire.Address(2), NextHop: wire.Address(2), HopCount: 1})

	evt := readEvent(t, conn)
	if evt.Type != EventRouteAdded {
		t.Fatalf("expected route_added, got %s", evt.Type)
	}
	var payload RouteChangedPayload
	if err := json.Unmarshal(evt.Payload, &payload); err != nil {
		t.Fatalf("Unmarshal payload: %v", err)
	}
	if payload.Dest != wire.Address(2) {
		t.Fatalf("expected dest 2, got %d", payload.Dest)
	}
}

func TestBroadcastDropsWhenSubscriberQueueFull(t *testing.T) {
	srv := New(Config{WriteTimeout: time.Second, PingInterval: time.Hour, SendQueue: 1})
	sub := &subscriber{sendChan: make(chan *Event, 1)}
	srv.mu.Lock()
	srv.subscribers[sub] = struct{}{}
	srv.mu.Unlock()

	srv.publish(EventStateChanged, StateChangedPayload{State: "Discovery"})
	srv.publish(EventStateChanged, StateChangedPayload{State: "NetworkManager"})

	if len(sub.sendChan) != 1 {
		t.Fatalf("expected exactly one queued event, got %d", len(sub.sendChan))
	}
}
