package relay

import (
	"sync"

	"golang.org/x/exp/maps"

	"github.com/instbase/relay/protocol"
)

// Connection is the registry record for one live transport session.
// there is exactly one record per transport session. A re-login over the
// same transport session overwrites the record in place rather than
// creating a second one.
type Connection struct {
	ServerConnectionId Id
	ClientConnectionId string
	UserId             string
	SessionId          string
	Token              string
}

func (self *Connection) Info() *protocol.ConnectionInfo {
	return &protocol.ConnectionInfo{
		ConnectionId: self.ClientConnectionId,
		UserId:       self.UserId,
		SessionId:    self.SessionId,
	}
}

type WatchKind int

const (
	// subscription for update broadcast
	WatchKindBranch WatchKind = 0
	// subscription for connect/disconnect notifications
	WatchKindDevice WatchKind = 1
)

// ConnectionRegistry tracks live connections and their watch edges.
// all operations are atomic with respect to each other. In particular
// `DeleteConnection` removes the connection record and every edge for
// that connection in one step.
type ConnectionRegistry struct {
	stateLock sync.Mutex

	connections map[Id]*Connection
	// kind -> branch key -> connection ids
	watchers map[WatchKind]map[BranchKey]map[Id]bool
	// kind -> connection id -> branch keys
	connectionWatches map[WatchKind]map[Id]map[BranchKey]bool
}

func NewConnectionRegistry() *ConnectionRegistry {
	return &ConnectionRegistry{
		connections: map[Id]*Connection{},
		watchers: map[WatchKind]map[BranchKey]map[Id]bool{
			WatchKindBranch: {},
			WatchKindDevice: {},
		},
		connectionWatches: map[WatchKind]map[Id]map[BranchKey]bool{
			WatchKindBranch: {},
			WatchKindDevice: {},
		},
	}
}

// AddConnection registers the record, overwriting any existing record
// with the same `ServerConnectionId`. Existing edges are kept.
func (self *ConnectionRegistry) AddConnection(connection *Connection) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.connections[connection.ServerConnectionId] = connection
}

func (self *ConnectionRegistry) GetConnection(connectionId Id) *Connection {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.connections[connectionId]
}

func (self *ConnectionRegistry) ConnectionCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return len(self.connections)
}

// DeleteConnection removes the connection record and all of its edges.
// returns the removed record (nil if unknown) and the branch keys the
// connection held branch watch edges on, for disconnect notifications.
func (self *ConnectionRegistry) DeleteConnection(connectionId Id) (*Connection, []BranchKey) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	connection, ok := self.connections[connectionId]
	if !ok {
		return nil, nil
	}
	delete(self.connections, connectionId)

	watchedBranches := maps.Keys(self.connectionWatches[WatchKindBranch][connectionId])
	for kind := range self.watchers {
		for branchKey := range self.connectionWatches[kind][connectionId] {
			self.deleteWatch(connectionId, branchKey, kind)
		}
	}
	return connection, watchedBranches
}

// SaveWatch creates an edge. Watching is idempotent: at most one edge
// exists per (connection, branch key, kind). Returns whether the edge
// was newly created.
func (self *ConnectionRegistry) SaveWatch(connectionId Id, branchKey BranchKey, kind WatchKind) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if _, ok := self.connections[connectionId]; !ok {
		return false
	}

	branchWatchers, ok := self.watchers[kind][branchKey]
	if !ok {
		branchWatchers = map[Id]bool{}
		self.watchers[kind][branchKey] = branchWatchers
	}
	if branchWatchers[connectionId] {
		return false
	}
	branchWatchers[connectionId] = true

	watches, ok := self.connectionWatches[kind][connectionId]
	if !ok {
		watches = map[BranchKey]bool{}
		self.connectionWatches[kind][connectionId] = watches
	}
	watches[branchKey] = true
	return true
}

// DeleteWatch removes an edge. Returns whether an edge was removed.
func (self *ConnectionRegistry) DeleteWatch(connectionId Id, branchKey BranchKey, kind WatchKind) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.deleteWatch(connectionId, branchKey, kind)
}

func (self *ConnectionRegistry) deleteWatch(connectionId Id, branchKey BranchKey, kind WatchKind) bool {
	branchWatchers, ok := self.watchers[kind][branchKey]
	if !ok || !branchWatchers[connectionId] {
		return false
	}
	delete(branchWatchers, connectionId)
	if len(branchWatchers) == 0 {
		delete(self.watchers[kind], branchKey)
	}

	if watches, ok := self.connectionWatches[kind][connectionId]; ok {
		delete(watches, branchKey)
		if len(watches) == 0 {
			delete(self.connectionWatches[kind], connectionId)
		}
	}
	return true
}

func (self *ConnectionRegistry) HasWatch(connectionId Id, branchKey BranchKey, kind WatchKind) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.watchers[kind][branchKey][connectionId]
}

func (self *ConnectionRegistry) CountWatchers(branchKey BranchKey) int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return len(self.watchers[WatchKindBranch][branchKey])
}

// ListWatchers snapshots the connections holding edges of `kind` on
// `branchKey`. The returned slice is safe to use without the lock.
func (self *ConnectionRegistry) ListWatchers(branchKey BranchKey, kind WatchKind) []*Connection {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	connections := []*Connection{}
	for connectionId := range self.watchers[kind][branchKey] {
		if connection, ok := self.connections[connectionId]; ok {
			connections = append(connections, connection)
		}
	}
	return connections
}
