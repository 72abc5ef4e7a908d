// Package presence tracks which identities are currently reachable.
//
// Presence is ephemeral and connection-derived: an identity is online iff
// it has at least one live connection and has not set itself away. Nothing
// here is persisted; durable last-seen records belong to the account store.
package presence

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/zymochat/platform/internal/directory"
	"github.com/zymochat/platform/internal/fanout"
	"github.com/zymochat/platform/internal/model"
	"github.com/zymochat/platform/pkg/logger"
	"github.com/zymochat/platform/pkg/metrics"
)

// entry is one identity's live connection set.
type entry struct {
	conns    map[string]fanout.Conn
	lastSeen time.Time
	away     bool // manual "away" override
}

func (e *entry) online() bool {
	return len(e.conns) > 0 && !e.away
}

// Registry is the presence component. Mutations are serialized per identity
// so rapid connect/disconnect from multiple tabs cannot produce a spurious
// offline edge while another tab is still connecting.
type Registry struct {
	router *fanout.Router
	dir    directory.Directory
	log    *logger.Logger
	now    func() time.Time

	locks identityLocks

	mu      sync.RWMutex
	entries map[string]*entry
}

// NewRegistry creates an empty presence registry.
func NewRegistry(router *fanout.Router, dir directory.Directory, log *logger.Logger) *Registry {
	return &Registry{
		router:  router,
		dir:     dir,
		log:     log.WithComponent("presence"),
		now:     time.Now,
		entries: make(map[string]*entry),
	}
}

// Connect adds a live connection handle for the identity. The online edge
// event is emitted only when the connection set goes from empty to
// non-empty, never on additional tabs or devices.
func (r *Registry) Connect(ctx context.Context, identityID string, conn fanout.Conn) {
	unlock := r.locks.lock(identityID)
	defer unlock()

	r.mu.Lock()
	e, ok := r.entries[identityID]
	if !ok {
		e = &entry{conns: make(map[string]fanout.Conn)}
		r.entries[identityID] = e
	}
	wasOnline := e.online()
	e.conns[conn.ID()] = conn
	e.lastSeen = r.now()
	nowOnline := e.online()
	r.mu.Unlock()

	if !wasOnline && nowOnline {
		metrics.IdentitiesOnline.Inc()
		r.emit(ctx, identityID, true, e.lastSeen)
	}
}

// Disconnect removes a connection handle. The offline edge event is
// emitted exactly when the set empties, after recording last-seen.
// Idempotent: removing an unknown handle is a no-op.
func (r *Registry) Disconnect(ctx context.Context, identityID, connID string) {
	unlock := r.locks.lock(identityID)
	defer unlock()

	r.mu.Lock()
	e, ok := r.entries[identityID]
	if !ok {
		r.mu.Unlock()
		return
	}
	wasOnline := e.online()
	delete(e.conns, connID)
	var lastSeen time.Time
	emptied := len(e.conns) == 0
	if emptied {
		lastSeen = r.now()
		e.lastSeen = lastSeen
		delete(r.entries, identityID)
	}
	r.mu.Unlock()

	if emptied && wasOnline {
		metrics.IdentitiesOnline.Dec()
		r.emit(ctx, identityID, false, lastSeen)
	}
}

// SetStatus applies a manual online/away override. It emits a change event
// only if it flips the derived online flag, and never adds or removes
// connections. An identity with no live connections cannot be forced
// online.
func (r *Registry) SetStatus(ctx context.Context, identityID string, desiredOnline bool) {
	unlock := r.locks.lock(identityID)
	defer unlock()

	r.mu.Lock()
	e, ok := r.entries[identityID]
	if !ok {
		r.mu.Unlock()
		return
	}
	before := e.online()
	e.away = !desiredOnline
	e.lastSeen = r.now()
	after := e.online()
	lastSeen := e.lastSeen
	r.mu.Unlock()

	if before == after {
		return
	}
	if after {
		metrics.IdentitiesOnline.Inc()
	} else {
		metrics.IdentitiesOnline.Dec()
	}
	r.emit(ctx, identityID, after, lastSeen)
}

// ListOnline returns the tenant's members that are currently online.
func (r *Registry) ListOnline(ctx context.Context, tenantID string) ([]string, error) {
	members, err := r.dir.MembersOf(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	var online []string
	for _, id := range members {
		if e, ok := r.entries[id]; ok && e.online() {
			online = append(online, id)
		}
	}
	return online, nil
}

// Online reports the derived online flag for one identity.
func (r *Registry) Online(identityID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[identityID]
	return ok && e.online()
}

// Resolve returns the identity's live connection handles for direct
// addressed delivery, or nil if offline.
func (r *Registry) Resolve(identityID string) []fanout.Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[identityID]
	if !ok {
		return nil
	}
	conns := make([]fanout.Conn, 0, len(e.conns))
	for _, c := range e.conns {
		conns = append(conns, c)
	}
	return conns
}

// emit broadcasts a status transition to every tenant the identity belongs to.
func (r *Registry) emit(ctx context.Context, identityID string, online bool, lastSeen time.Time) {
	tenants, err := r.dir.TenantsOf(ctx, identityID)
	if err != nil {
		r.log.Warn("failed to resolve tenants for status broadcast",
			zap.String("identity_id", identityID),
			zap.Error(err),
		)
		return
	}

	ev := model.Event{
		Type: model.EventAgentStatusChanged,
		Data: model.StatusEvent{
			IdentityID: identityID,
			Online:     online,
			LastSeen:   lastSeen,
		},
	}
	for _, tenantID := range tenants {
		r.router.Publish(fanout.Tenant(tenantID), ev)
	}
}

// identityLocks serializes presence mutations per identity. Entries are
// reference counted and removed once the last holder unlocks, so the map
// stays bounded by in-flight identities.
type identityLocks struct {
	mu    sync.Mutex
	locks map[string]*identityLock
}

type identityLock struct {
	mu   sync.Mutex
	refs int
}

func (l *identityLocks) lock(id string) func() {
	l.mu.Lock()
	if l.locks == nil {
		l.locks = make(map[string]*identityLock)
	}
	e, ok := l.locks[id]
	if !ok {
		e = &identityLock{}
		l.locks[id] = e
	}
	e.refs++
	l.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		l.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(l.locks, id)
		}
		l.mu.Unlock()
	}
}
