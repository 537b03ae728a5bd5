package ws

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Connection represents a single authenticated tunnel connection with its
// verified identity, its watched conversations, and a write mutex for
// serializing outbound frames.
type Connection struct {
	ID        string    // session ID (UUID)
	UserID    string    // verified subject from the tunnel token
	Email     string    // optional email claim
	Conn      net.Conn  // underlying TCP connection
	Fd        int       // file descriptor for epoll lookups
	CreatedAt time.Time // when the connection was established

	lastPing int64 // atomic unix nanos of the last client heartbeat

	writeMu    sync.Mutex // serializes writes to this connection
	processing int32      // atomic flag: 0 = idle, 1 = being read by handleConn

	watchMu sync.Mutex
	watches map[string]func() // conversation ID -> listener unsubscribe
}

// TouchPing records a heartbeat from the client. Worker goroutines call this
// while the heartbeat checker reads LastPing, so access is atomic.
func (c *Connection) TouchPing() {
	atomic.StoreInt64(&c.lastPing, time.Now().UnixNano())
}

// LastPing returns the time of the last client heartbeat, or the zero time
// if none has been recorded.
func (c *Connection) LastPing() time.Time {
	ns := atomic.LoadInt64(&c.lastPing)
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// WriteMessage sends a WebSocket text frame to this connection. The write
// mutex ensures that concurrent goroutines do not interleave frame bytes.
func (c *Connection) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
}

// Close closes the underlying network connection.
func (c *Connection) Close() error {
	return c.Conn.Close()
}

// AddWatch stores the unsubscribe function for a conversation this
// connection listens to. Watching a conversation twice replaces the prior
// registration, releasing it first.
func (c *Connection) AddWatch(conversationID string, unsub func()) {
	c.watchMu.Lock()
	if c.watches == nil {
		c.watches = make(map[string]func())
	}
	if old, ok := c.watches[conversationID]; ok {
		old()
	}
	c.watches[conversationID] = unsub
	c.watchMu.Unlock()
}

// RemoveWatch releases the listener registration for a conversation.
// Returns false if the conversation was not being watched.
func (c *Connection) RemoveWatch(conversationID string) bool {
	c.watchMu.Lock()
	unsub, ok := c.watches[conversationID]
	delete(c.watches, conversationID)
	c.watchMu.Unlock()

	if ok {
		unsub()
	}
	return ok
}

// ReleaseWatches releases every listener registration held by this
// connection. Called on disconnect so that no callback outlives the
// connection it writes to.
func (c *Connection) ReleaseWatches() {
	c.watchMu.Lock()
	watches := c.watches
	c.watches = nil
	c.watchMu.Unlock()

	for _, unsub := range watches {
		unsub()
	}
}

// ConnectionManager is a thread-safe registry that maps session IDs and file
// descriptors to their respective Connection objects. It supports O(1)
// lookups by both session ID and fd.
type ConnectionManager struct {
	mu   sync.RWMutex
	byID map[string]*Connection // session_id -> Connection
	byFd map[int]*Connection    // fd -> Connection
}

// NewConnectionManager creates an empty ConnectionManager ready for use.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		byID: make(map[string]*Connection),
		byFd: make(map[int]*Connection),
	}
}

// Add registers a new connection in both the ID and fd lookup maps.
func (cm *ConnectionManager) Add(conn *Connection) {
	cm.mu.Lock()
	cm.byID[conn.ID] = conn
	cm.byFd[conn.Fd] = conn
	cm.mu.Unlock()
}

// Remove removes a connection by session ID, closes the underlying network
// connection, and removes it from both lookup maps. Returns true if the
// connection was found and removed, false if it was already gone.
func (cm *ConnectionManager) Remove(id string) bool {
	cm.mu.Lock()
	conn, ok := cm.byID[id]
	if ok {
		delete(cm.byID, id)
		delete(cm.byFd, conn.Fd)
	}
	cm.mu.Unlock()

	if ok {
		conn.Close()
	}
	return ok
}

// Get returns the connection for the given session ID, or nil if not found.
func (cm *ConnectionManager) Get(id string) *Connection {
	cm.mu.RLock()
	conn := cm.byID[id]
	cm.mu.RUnlock()
	return conn
}

// GetByFd returns the connection for the given file descriptor, or nil if
// not found.
func (cm *ConnectionManager) GetByFd(fd int) *Connection {
	cm.mu.RLock()
	conn := cm.byFd[fd]
	cm.mu.RUnlock()
	return conn
}

// GetByConn returns the connection for the given net.Conn by extracting
// its file descriptor. Returns nil if not found.
func (cm *ConnectionManager) GetByConn(c net.Conn) *Connection {
	fd := socketFD(c)
	return cm.GetByFd(fd)
}

// Count returns the current number of active connections.
func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	n := len(cm.byID)
	cm.mu.RUnlock()
	return n
}

// All returns a snapshot of all current connections. The returned slice is
// safe to iterate without holding the lock.
func (cm *ConnectionManager) All() []*Connection {
	cm.mu.RLock()
	conns := make([]*Connection, 0, len(cm.byID))
	for _, conn := range cm.byID {
		conns = append(conns, conn)
	}
	cm.mu.RUnlock()
	return conns
}
