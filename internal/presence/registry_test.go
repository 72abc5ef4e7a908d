package presence

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zymochat/platform/internal/directory"
	"github.com/zymochat/platform/internal/fanout"
	"github.com/zymochat/platform/internal/model"
	"github.com/zymochat/platform/pkg/logger"
)

type fakeConn struct {
	id string

	mu     sync.Mutex
	events []model.Event
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Send(ev model.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
	return nil
}

func (c *fakeConn) statusEvents() []model.StatusEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []model.StatusEvent
	for _, ev := range c.events {
		if ev.Type == model.EventAgentStatusChanged {
			out = append(out, ev.Data.(model.StatusEvent))
		}
	}
	return out
}

func newTestRegistry(t *testing.T) (*Registry, *fanout.Router, *fakeConn) {
	t.Helper()
	log := logger.NewNop()
	dir := directory.NewMemory()
	dir.AddTenant("acme")
	dir.AddIdentity(directory.Identity{ID: "agent-1"})
	dir.AddIdentity(directory.Identity{ID: "agent-2"})
	dir.AddMember("acme", "agent-1")
	dir.AddMember("acme", "agent-2")

	router := fanout.NewRouter(log)
	watcher := &fakeConn{id: "watcher"}
	router.Subscribe(fanout.Tenant("acme"), watcher)
	return NewRegistry(router, dir, log), router, watcher
}

func TestIdentityLocksEvictWhenIdle(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			conn := &fakeConn{id: string(rune('a' + n))}
			reg.Connect(ctx, "agent-1", conn)
			reg.Disconnect(ctx, "agent-1", conn.ID())
		}(i)
	}
	wg.Wait()

	reg.locks.mu.Lock()
	defer reg.locks.mu.Unlock()
	assert.Empty(t, reg.locks.locks, "keyed locks must not outlive their holders")
}

func TestConnectDisconnectEdges(t *testing.T) {
	reg, _, watcher := newTestRegistry(t)
	ctx := context.Background()

	tab1 := &fakeConn{id: "tab-1"}
	tab2 := &fakeConn{id: "tab-2"}

	// first tab produces the online edge
	reg.Connect(ctx, "agent-1", tab1)
	require.True(t, reg.Online("agent-1"))
	events := watcher.statusEvents()
	require.Len(t, events, 1)
	assert.True(t, events[0].Online)
	assert.Equal(t, "agent-1", events[0].IdentityID)

	// second tab is silent
	reg.Connect(ctx, "agent-1", tab2)
	assert.Len(t, watcher.statusEvents(), 1)

	// closing one tab keeps the identity online
	reg.Disconnect(ctx, "agent-1", "tab-1")
	assert.True(t, reg.Online("agent-1"))
	assert.Len(t, watcher.statusEvents(), 1)

	// last tab closing produces the offline edge
	reg.Disconnect(ctx, "agent-1", "tab-2")
	assert.False(t, reg.Online("agent-1"))
	events = watcher.statusEvents()
	require.Len(t, events, 2)
	assert.False(t, events[1].Online)
	assert.False(t, events[1].LastSeen.IsZero())
}

func TestDisconnectUnknownIsNoop(t *testing.T) {
	reg, _, watcher := newTestRegistry(t)
	ctx := context.Background()

	reg.Disconnect(ctx, "agent-1", "ghost")
	assert.Empty(t, watcher.statusEvents())

	tab := &fakeConn{id: "tab-1"}
	reg.Connect(ctx, "agent-1", tab)
	reg.Disconnect(ctx, "agent-1", "ghost")
	assert.True(t, reg.Online("agent-1"))
}

func TestSetStatusAway(t *testing.T) {
	reg, _, watcher := newTestRegistry(t)
	ctx := context.Background()

	reg.Connect(ctx, "agent-1", &fakeConn{id: "tab-1"})
	require.Len(t, watcher.statusEvents(), 1)

	// away flips the derived flag even with a live connection
	reg.SetStatus(ctx, "agent-1", false)
	assert.False(t, reg.Online("agent-1"))
	events := watcher.statusEvents()
	require.Len(t, events, 2)
	assert.False(t, events[1].Online)

	// setting away again emits nothing
	reg.SetStatus(ctx, "agent-1", false)
	assert.Len(t, watcher.statusEvents(), 2)

	// back online
	reg.SetStatus(ctx, "agent-1", true)
	assert.True(t, reg.Online("agent-1"))
	assert.Len(t, watcher.statusEvents(), 3)
}

func TestSetStatusCannotForceOnlineWithoutConnections(t *testing.T) {
	reg, _, watcher := newTestRegistry(t)
	ctx := context.Background()

	reg.SetStatus(ctx, "agent-1", true)
	assert.False(t, reg.Online("agent-1"))
	assert.Empty(t, watcher.statusEvents())
}

func TestListOnline(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	ctx := context.Background()

	online, err := reg.ListOnline(ctx, "acme")
	require.NoError(t, err)
	assert.Empty(t, online)

	reg.Connect(ctx, "agent-1", &fakeConn{id: "c1"})
	reg.Connect(ctx, "agent-2", &fakeConn{id: "c2"})
	reg.SetStatus(ctx, "agent-2", false)

	online, err = reg.ListOnline(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, []string{"agent-1"}, online)

	_, err = reg.ListOnline(ctx, "nonesuch")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestResolve(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	ctx := context.Background()

	assert.Nil(t, reg.Resolve("agent-1"))

	tab1 := &fakeConn{id: "tab-1"}
	tab2 := &fakeConn{id: "tab-2"}
	reg.Connect(ctx, "agent-1", tab1)
	reg.Connect(ctx, "agent-1", tab2)

	conns := reg.Resolve("agent-1")
	assert.Len(t, conns, 2)
}

func TestConcurrentTabs(t *testing.T) {
	reg, _, watcher := newTestRegistry(t)
	ctx := context.Background()

	const tabs = 16
	var wg sync.WaitGroup
	for i := 0; i < tabs; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			conn := &fakeConn{id: string(rune('a' + n))}
			reg.Connect(ctx, "agent-1", conn)
			reg.Disconnect(ctx, "agent-1", conn.ID())
		}(i)
	}
	wg.Wait()

	assert.False(t, reg.Online("agent-1"))
	events := watcher.statusEvents()
	require.NotEmpty(t, events)
	// edges must alternate and end offline
	last := events[len(events)-1]
	assert.False(t, last.Online)
	for i := 1; i < len(events); i++ {
		assert.NotEqual(t, events[i-1].Online, events[i].Online, "status edges must alternate")
	}
}
