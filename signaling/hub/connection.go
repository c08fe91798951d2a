package hub

import (
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/actrix-rtc/actrixd/ais/issuer"
	"github.com/actrix-rtc/actrixd/realm"
	"github.com/actrix-rtc/actrixd/signaling/ratelimit"
)

// connection is one live WebSocket's server-side state: the socket, an
// unbounded outbound queue drained by a single writer goroutine (so
// envelopes to the same destination preserve FIFO order, spec.md §5),
// and whatever identity this socket has authenticated as so far.
type connection struct {
	clientID uuid.UUID
	conn     *websocket.Conn
	outbound chan []byte

	msgLimiter *ratelimit.MessageLimiter

	mu         sync.RWMutex
	actrID     *realm.ActrID
	credential *issuer.Credential
	realmID    uint32

	closeOnce sync.Once
	closed    chan struct{}
}

func newConnection(conn *websocket.Conn, msgLimiter *ratelimit.MessageLimiter) *connection {
	return &connection{
		clientID:   uuid.New(),
		conn:       conn,
		outbound:   make(chan []byte, 256),
		msgLimiter: msgLimiter,
		closed:     make(chan struct{}),
	}
}

func (c *connection) identity() (realm.ActrID, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.actrID == nil {
		return realm.ActrID{}, false
	}
	return *c.actrID, true
}

func (c *connection) setIdentity(id realm.ActrID, cred issuer.Credential) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.actrID = &id
	c.credential = &cred
	c.realmID = id.RealmID
}

func (c *connection) setCredential(cred issuer.Credential) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.credential = &cred
}

// enqueue pushes a serialized envelope onto the writer queue. It never
// blocks the caller on a slow client: the queue is large and bounded,
// and a full queue indicates a dead connection about to be reaped.
func (c *connection) enqueue(msg []byte) {
	select {
	case c.outbound <- msg:
	case <-c.closed:
	default:
		// Queue full: drop and let the read-side ping timeout close
		// the connection rather than block the dispatcher.
	}
}

// writeLoop is the single writer task draining outbound, the only
// goroutine that ever calls conn.WriteMessage for this connection.
func (c *connection) writeLoop() {
	for {
		select {
		case msg, ok := <-c.outbound:
			if !ok {
				return
			}
			if err := c.conn.WriteMessage(websocket.BinaryMessage, msg); err != nil {
				return
			}
		case <-c.closed:
			return
		}
	}
}

func (c *connection) close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		close(c.outbound)
		c.conn.Close()
	})
}
