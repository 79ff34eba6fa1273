package handlers

import (
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/p2pswap/backend/internal/events"
)

type fakeWSConn struct {
	mu        sync.Mutex
	writes    []string
	deadlines int
	failWrite bool
	closed    bool
}

func (c *fakeWSConn) WriteMessage(_ int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failWrite {
		return errors.New("broken pipe")
	}
	c.writes = append(c.writes, string(data))
	return nil
}

func (c *fakeWSConn) SetWriteDeadline(time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deadlines++
	return nil
}

func (c *fakeWSConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func tradeUpdate(tradeID uuid.UUID) events.Event {
	return events.Event{
		Type: events.EventTradeUpdate,
		Payload: map[string]any{
			"trade_id": tradeID.String(),
			"trade":    map[string]any{"id": tradeID.String(), "status": "joined"},
		},
	}
}

func TestBroadcastReachesWatchersOfThatTradeOnly(t *testing.T) {
	hub := NewWSHub(nil, zap.NewNop())
	watched, other := uuid.New(), uuid.New()
	watcher, bystander := &fakeWSConn{}, &fakeWSConn{}
	hub.register(watched, watcher)
	hub.register(other, bystander)

	hub.broadcast(tradeUpdate(watched))

	if len(watcher.writes) != 1 {
		t.Fatalf("watcher got %d messages, want 1", len(watcher.writes))
	}
	if !strings.Contains(watcher.writes[0], `"type":"trade_update"`) {
		t.Errorf("message = %s, want a trade_update envelope", watcher.writes[0])
	}
	if len(bystander.writes) != 0 {
		t.Errorf("bystander got %d messages, want 0", len(bystander.writes))
	}
	if watcher.deadlines != 1 {
		t.Errorf("write deadline set %d times, want once per write", watcher.deadlines)
	}
}

func TestBroadcastEvictsOnlyTheFailedWriter(t *testing.T) {
	hub := NewWSHub(nil, zap.NewNop())
	tradeID := uuid.New()
	good, bad := &fakeWSConn{}, &fakeWSConn{failWrite: true}
	hub.register(tradeID, bad)
	hub.register(tradeID, good)

	hub.broadcast(tradeUpdate(tradeID))

	if !bad.closed {
		t.Error("failed writer was not closed")
	}
	if good.closed {
		t.Error("healthy writer was closed")
	}
	if len(good.writes) != 1 {
		t.Fatalf("healthy writer got %d messages, want 1", len(good.writes))
	}

	// The evicted connection is gone; the survivor keeps receiving.
	hub.broadcast(tradeUpdate(tradeID))
	if len(good.writes) != 2 {
		t.Errorf("healthy writer got %d messages after eviction, want 2", len(good.writes))
	}

	hub.mu.Lock()
	remaining := len(hub.connections[tradeID])
	hub.mu.Unlock()
	if remaining != 1 {
		t.Errorf("registry holds %d connections, want 1", remaining)
	}
}

func TestUnregisterDropsEmptyTradeEntries(t *testing.T) {
	hub := NewWSHub(nil, zap.NewNop())
	tradeID := uuid.New()
	conn := &fakeWSConn{}
	hub.register(tradeID, conn)
	hub.unregister(tradeID, conn)

	hub.mu.Lock()
	_, exists := hub.connections[tradeID]
	hub.mu.Unlock()
	if exists {
		t.Error("empty registry entry was not removed")
	}

	// Nothing to deliver to; must not panic or resurrect the entry.
	hub.broadcast(tradeUpdate(tradeID))
}
