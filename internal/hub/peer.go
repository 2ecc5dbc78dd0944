package hub

import (
	"context"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

const (
	writeTimeout = 10 * time.Second
	pingInterval = 30 * time.Second
)

type role int

const (
	roleUnclassified role = iota
	roleClient
	rolePortal
	roleBridgeClient
)

func (r role) String() string {
	switch r {
	case roleClient:
		return "client"
	case rolePortal:
		return "portal"
	case roleBridgeClient:
		return "bridge_client"
	default:
		return "unclassified"
	}
}

// Peer is one accepted WebSocket connection. The first registration or
// client action classifies it into exactly one role; a peer never
// changes role afterwards.
type Peer struct {
	ID   string
	conn *websocket.Conn

	send chan []byte
	done chan struct{}

	closeOnce   sync.Once
	closeCode   websocket.StatusCode
	closeReason string

	// Role fields are guarded by the Server mutex.
	role       role
	sessionID  string // client
	portalID   string // portal
	instanceID string // sandbox-bridge-client
	bridgeKey  bridgeKey
}

// bridgeKey is the routing tuple a sandbox-bridge-client registers with.
type bridgeKey struct {
	sessionID string
	sandboxID string
	portalID  string
}

func newPeer(conn *websocket.Conn, queue int) *Peer {
	return &Peer{
		ID:   uuid.New().String(),
		conn: conn,
		send: make(chan []byte, queue),
		done: make(chan struct{}),
	}
}

// enqueue puts one frame on the outbound queue without blocking. A full
// queue returns false; a peer already closing swallows the frame.
func (p *Peer) enqueue(data []byte) bool {
	select {
	case <-p.done:
		return true
	default:
	}
	select {
	case p.send <- data:
		return true
	default:
		return false
	}
}

// closeWith requests a close handshake with the given code. Frames
// enqueued before the call are flushed first. Safe to call from any
// goroutine, any number of times.
func (p *Peer) closeWith(code websocket.StatusCode, reason string) {
	p.closeOnce.Do(func() {
		p.closeCode = code
		p.closeReason = reason
		close(p.done)
	})
}

// writePump is the single writer for the connection. It serializes
// queued frames, pings idle peers, and performs the close handshake
// after draining the queue.
func (p *Peer) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case data := <-p.send:
			if p.write(data) != nil {
				p.conn.CloseNow()
				return
			}
		case <-ticker.C:
			if p.ping() != nil {
				p.conn.CloseNow()
				return
			}
		case <-p.done:
			for {
				select {
				case data := <-p.send:
					if p.write(data) != nil {
						p.conn.CloseNow()
						return
					}
					continue
				default:
				}
				break
			}
			p.conn.Close(p.closeCode, p.closeReason)
			return
		}
	}
}

func (p *Peer) write(data []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	return p.conn.Write(ctx, websocket.MessageText, data)
}

func (p *Peer) ping() error {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	return p.conn.Ping(ctx)
}
