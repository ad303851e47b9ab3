package push

import (
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/example/order-tracking/internal/models"
	"github.com/example/order-tracking/internal/realtime"
	"github.com/example/order-tracking/internal/snapshot"
)

// Session is one connected actor surface (customer app, kitchen display,
// driver app). Each session owns a snapshot store seeded at attach time and
// reconciled on every change event, so the surface always has a full local
// view to render from.
type Session struct {
	conn *websocket.Conn
	snap *snapshot.Store
	sink realtime.SnapshotSink
	mu   sync.Mutex
}

// Snapshot exposes the session's local view.
func (s *Session) Snapshot() *snapshot.Store { return s.snap }

func (s *Session) send(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(v)
}

// Update is the frame pushed to connected sessions. Kind "snapshot" carries
// the full seeded view once at attach; "order" and "delivery" carry
// incremental changes.
type Update struct {
	Kind     string           `json:"kind"` // snapshot, order or delivery
	Event    models.EventType `json:"event,omitempty"`
	Orders   []models.Order   `json:"orders,omitempty"`
	Order    *models.Order    `json:"order,omitempty"`
	Delivery *models.Delivery `json:"delivery,omitempty"`
}

// Registry fans change events out to websocket sessions. Order events are
// filtered per session with the same visibility predicate the snapshots
// use; delivery events are merged into each session's snapshot and pushed
// only to sessions whose view contains the owning order.
type Registry struct {
	mu       sync.RWMutex
	sessions map[*Session]struct{}
	logger   *slog.Logger
}

func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{sessions: make(map[*Session]struct{}), logger: logger}
}

// Add registers a session around an already-loaded snapshot and pushes the
// seeded view as the first frame.
func (r *Registry) Add(snap *snapshot.Store, conn *websocket.Conn) *Session {
	s := &Session{conn: conn, snap: snap, sink: realtime.SnapshotSink{Store: snap}}
	r.mu.Lock()
	r.sessions[s] = struct{}{}
	r.mu.Unlock()
	r.push(s, Update{Kind: "snapshot", Orders: snap.Orders()})
	return s
}

func (r *Registry) Remove(s *Session) {
	r.mu.Lock()
	delete(r.sessions, s)
	r.mu.Unlock()
	_ = s.conn.Close()
}

// OrderChanged implements realtime.Sink.
func (r *Registry) OrderChanged(typ models.EventType, newRow, oldRow *models.Order) {
	row := newRow
	if row == nil {
		row = oldRow
	}
	if row == nil {
		return
	}
	for _, s := range r.snapshotSessions() {
		scope := s.snap.Scope()
		// old row counts too so eviction updates still reach the surface
		if !snapshot.VisibleToScope(scope, row) && (oldRow == nil || !snapshot.VisibleToScope(scope, oldRow)) {
			continue
		}
		s.sink.OrderChanged(typ, newRow, oldRow)
		r.push(s, Update{Kind: "order", Event: typ, Order: row})
	}
}

// DeliveryChanged implements realtime.Sink.
func (r *Registry) DeliveryChanged(typ models.EventType, d *models.Delivery) {
	if d == nil {
		return
	}
	for _, s := range r.snapshotSessions() {
		s.sink.DeliveryChanged(typ, d)
		if _, ok := s.snap.Get(d.OrderID); !ok {
			continue
		}
		r.push(s, Update{Kind: "delivery", Event: typ, Delivery: d})
	}
}

func (r *Registry) push(s *Session, u Update) {
	if err := s.send(u); err != nil {
		r.logger.Warn("push send failed, dropping session", "error", err)
		r.Remove(s)
	}
}

func (r *Registry) snapshotSessions() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for s := range r.sessions {
		out = append(out, s)
	}
	return out
}
