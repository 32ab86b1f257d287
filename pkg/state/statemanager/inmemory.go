package statemanager

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/LampLight-DkIT/relay/pkg/identity"
	"github.com/LampLight-DkIT/relay/pkg/state"
	"github.com/LampLight-DkIT/relay/pkg/transport"
	"github.com/google/uuid"
)

// InMemoryManager keeps all registry state behind a single mutex. The
// critical sections are short and copy out snapshots; socket writes always
// happen after the lock is released.
type InMemoryManager struct {
	mu sync.RWMutex

	conns      map[uuid.UUID]*state.Connection
	byIdentity map[string]uuid.UUID
	byRole     map[identity.Role]map[uuid.UUID]struct{}
	rooms      map[string]*state.Room

	verifier identity.Verifier
	logger   *slog.Logger
}

func NewInMemoryManager(logger *slog.Logger, verifier identity.Verifier) *InMemoryManager {
	return &InMemoryManager{
		conns:      make(map[uuid.UUID]*state.Connection),
		byIdentity: make(map[string]uuid.UUID),
		byRole:     make(map[identity.Role]map[uuid.UUID]struct{}),
		rooms:      make(map[string]*state.Room),
		verifier:   verifier,
		logger:     logger.With(slog.String("component", "state_manager_inmemory")),
	}
}

// compile-time check to ensure InMemoryManager implements Manager.
var _ state.Manager = (*InMemoryManager)(nil)

func (m *InMemoryManager) RegisterConnection(conn *transport.Connection, ipAddr string) (*state.Connection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	connID := conn.ID()
	if _, exists := m.conns[connID]; exists {
		return nil, state.ErrAlreadyRegistered
	}
	newConn := &state.Connection{
		ID:        connID,
		IPAddress: ipAddr,
		Transport: conn,
		Role:      identity.RoleUnauthenticated,
		Rooms:     make(map[string]struct{}),
		CreatedAt: time.Now(),
	}
	m.conns[connID] = newConn
	m.logger.Debug("Connection registered", slog.String("connID", connID.String()))
	return newConn, nil
}

func (m *InMemoryManager) GetConnection(connID uuid.UUID) (*state.Connection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conn, ok := m.conns[connID]
	return conn, ok
}

func (m *InMemoryManager) Connections() []*state.Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()

	conns := make([]*state.Connection, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	return conns
}

func (m *InMemoryManager) Remove(connID uuid.UUID) (*state.Connection, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	conn, ok := m.conns[connID]
	if !ok {
		// already removed
		return nil, false
	}
	delete(m.conns, connID)

	if conn.Identity != nil {
		if current, ok := m.byIdentity[conn.Identity.ID]; ok && current == connID {
			delete(m.byIdentity, conn.Identity.ID)
		}
	}
	if roleSet, ok := m.byRole[conn.Role]; ok {
		delete(roleSet, connID)
		if len(roleSet) == 0 {
			delete(m.byRole, conn.Role)
		}
	}
	for name := range conn.Rooms {
		room, ok := m.rooms[name]
		if !ok {
			m.logger.Error("Registry invariant violation: membership in unknown room",
				slog.String("connID", connID.String()), slog.String("room", name))
			continue
		}
		delete(room.Members, connID)
		if len(room.Members) == 0 {
			delete(m.rooms, name)
			m.logger.Debug("Removed empty room", slog.String("room", name))
		}
	}

	m.logger.Debug("Connection removed", slog.String("connID", connID.String()))
	return conn, true
}

// --- Identity & Role ---

func (m *InMemoryManager) Authenticate(ctx context.Context, connID uuid.UUID, credential string) (*identity.Identity, *state.Connection, error) {
	m.mu.RLock()
	conn, ok := m.conns[connID]
	alreadyBound := ok && conn.Identity != nil
	m.mu.RUnlock()

	if !ok {
		return nil, nil, state.ErrUnknownConnection
	}
	if alreadyBound {
		return nil, nil, state.ErrAlreadyBound
	}

	// The verifier may block; it runs outside the lock.
	ident, err := m.verifier.Verify(ctx, credential)
	if err != nil {
		return nil, nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	conn, ok = m.conns[connID]
	if !ok {
		// Connection went away while we were verifying.
		return nil, nil, state.ErrUnknownConnection
	}
	if conn.Identity != nil {
		return nil, nil, state.ErrAlreadyBound
	}

	// A later connection for the same identity supersedes the earlier one.
	// Only the index swaps here; the caller closes the old transport, and
	// its normal teardown performs the full removal.
	var superseded *state.Connection
	if oldID, exists := m.byIdentity[ident.ID]; exists && oldID != connID {
		if old, ok := m.conns[oldID]; ok {
			superseded = old
			m.logger.Debug("Superseding earlier connection for identity",
				slog.String("oldConnID", oldID.String()),
				slog.String("userID", ident.ID),
			)
		}
	}

	conn.Identity = ident
	m.setRoleLocked(conn, identity.RoleStandard)
	m.byIdentity[ident.ID] = connID

	m.logger.Debug("Connection authenticated",
		slog.String("connID", connID.String()),
		slog.String("userID", ident.ID),
	)
	return ident, superseded, nil
}

func (m *InMemoryManager) setRoleLocked(conn *state.Connection, role identity.Role) {
	if old, ok := m.byRole[conn.Role]; ok {
		delete(old, conn.ID)
		if len(old) == 0 {
			delete(m.byRole, conn.Role)
		}
	}
	conn.Role = role
	set, ok := m.byRole[role]
	if !ok {
		set = make(map[uuid.UUID]struct{})
		m.byRole[role] = set
	}
	set[conn.ID] = struct{}{}
}

func (m *InMemoryManager) RegisterRole(connID uuid.UUID, role identity.Role) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	conn, ok := m.conns[connID]
	if !ok {
		return state.ErrUnknownConnection
	}
	if conn.Identity == nil {
		return state.ErrNotAuthenticated
	}
	if role == identity.RoleUnauthenticated {
		return fmt.Errorf("cannot register role '%s'", role)
	}
	if !conn.Identity.Grants.Has(role) {
		return state.ErrRoleNotGranted
	}
	if conn.Role == role {
		// idempotent
		return nil
	}

	m.setRoleLocked(conn, role)
	m.logger.Debug("Connection role registered",
		slog.String("connID", connID.String()),
		slog.String("role", role.String()),
	)
	return nil
}

func (m *InMemoryManager) LookupIdentity(userID string) (uuid.UUID, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	connID, ok := m.byIdentity[userID]
	return connID, ok
}

func (m *InMemoryManager) Monitors() []*state.Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()

	set, ok := m.byRole[identity.RoleMonitor]
	if !ok {
		return nil
	}
	monitors := make([]*state.Connection, 0, len(set))
	for connID := range set {
		conn, ok := m.conns[connID]
		if !ok {
			m.logger.Error("Registry invariant violation: role index references unknown connection",
				slog.String("connID", connID.String()))
			continue
		}
		monitors = append(monitors, conn)
	}
	return monitors
}

// --- Room Membership ---

func (m *InMemoryManager) Join(connID uuid.UUID, roomName string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	conn, ok := m.conns[connID]
	if !ok {
		return false, state.ErrUnknownConnection
	}
	if _, already := conn.Rooms[roomName]; already {
		return false, nil
	}

	room, exists := m.rooms[roomName]
	if !exists {
		room = &state.Room{
			Name:    roomName,
			Members: make(map[uuid.UUID]*state.Connection),
		}
		m.rooms[roomName] = room
	}

	room.Members[connID] = conn
	conn.Rooms[roomName] = struct{}{}

	m.logger.Debug("Connection joined room", slog.String("connID", connID.String()), slog.String("room", roomName))
	return true, nil
}

func (m *InMemoryManager) Leave(connID uuid.UUID, roomName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	conn, ok := m.conns[connID]
	if !ok {
		return state.ErrUnknownConnection
	}

	room, ok := m.rooms[roomName]
	if !ok {
		// Nothing to leave.
		return nil
	}

	delete(conn.Rooms, roomName)
	delete(room.Members, connID)

	// For memory hygiene, remove the room if it's now empty.
	if len(room.Members) == 0 {
		delete(m.rooms, roomName)
		m.logger.Debug("Removed empty room", slog.String("room", roomName))
	}

	m.logger.Debug("Connection left room", slog.String("connID", connID.String()), slog.String("room", roomName))
	return nil
}

func (m *InMemoryManager) RoomMembers(roomName string) []*state.Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()

	room, ok := m.rooms[roomName]
	if !ok {
		return nil
	}
	members := make([]*state.Connection, 0, len(room.Members))
	for _, c := range room.Members {
		members = append(members, c)
	}
	return members
}

func (m *InMemoryManager) IsMember(connID uuid.UUID, roomName string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	room, ok := m.rooms[roomName]
	if !ok {
		return false
	}
	_, ok = room.Members[connID]
	return ok
}
