package bcast

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tracel/backend/internal/core"
	"github.com/tracel/backend/internal/identity"
)

const (
	pongWait   = 60 * time.Second // Time allowed to read the next pong
	pingPeriod = 30 * time.Second // Send pings at this interval (must be < pongWait)
	writeWait  = 10 * time.Second // Time allowed to write a message
	maxMsgSize = 4 * 1024         // Inbound frames are ignored; anything big is abuse
	sendBuffer = 256              // Per-client outbound channel buffer
)

// FeedServer serves the read-only packet stream at /ws/feed. All writes to
// a connection go through its writePump goroutine, all reads through its
// readPump, so ping, data and close frames never race.
type FeedServer struct {
	hub      *Hub
	resolver *identity.Resolver
	upgrader websocket.Upgrader
	logger   *log.Logger
}

// NewFeedServer builds the feed endpoint. Origins is the browser allowlist;
// requests without an Origin header (curl, native clients) always pass.
func NewFeedServer(hub *Hub, resolver *identity.Resolver, origins []string) *FeedServer {
	logger := log.New(log.Writer(), "[WSFEED] ", log.LstdFlags)

	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		allowed[o] = true
	}
	checkOrigin := func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || allowed[origin] {
			return true
		}
		logger.Printf("⚠️ rejected origin %s", origin)
		return false
	}
	if len(allowed) == 0 {
		logger.Println("⚠️ no allowed origins configured, accepting all")
		checkOrigin = func(*http.Request) bool { return true }
	}

	return &FeedServer{
		hub:      hub,
		resolver: resolver,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     checkOrigin,
		},
		logger: logger,
	}
}

// Handle upgrades the request and attaches the client to its owner's feed.
func (f *FeedServer) Handle(w http.ResponseWriter, r *http.Request) {
	p := f.resolver.Resolve(r)

	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		f.logger.Printf("⚠️ upgrade failed: %v", err)
		return
	}

	client := &feedClient{
		feed:  f,
		conn:  conn,
		owner: p.OwnerID,
		send:  make(chan []byte, sendBuffer),
		done:  make(chan struct{}),
	}
	client.subID = f.hub.Subscribe(p.OwnerID, client)

	f.logger.Printf("🔌 feed client connected as %s", p.OwnerID)
	go client.writePump()
	go client.readPump()
}

// feedClient is one websocket subscriber. It implements Sink: the hub pump
// hands packets to SendPacket, which queues them for the writePump.
type feedClient struct {
	feed  *FeedServer
	conn  *websocket.Conn
	owner string
	subID string
	send  chan []byte
	done  chan struct{}
	once  sync.Once
}

func (c *feedClient) SendPacket(p *core.Packet) error {
	payload, err := json.Marshal(p)
	if err != nil {
		return err
	}
	select {
	case c.send <- payload:
	default:
		droppedPackets.WithLabelValues("feed").Inc()
	}
	return nil
}

// Close is invoked by the hub after the pump stops; it releases the
// connection via the writePump's normal-closure path.
func (c *feedClient) Close() {
	c.once.Do(func() { close(c.done) })
}

func (c *feedClient) detach() {
	c.feed.hub.Unsubscribe(c.owner, c.subID)
	c.Close()
}

// writePump owns every write to the connection: data frames, pings, and
// the closing handshake.
func (c *feedClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case payload := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				c.detach()
				return
			}
			// Flush whatever queued up behind this frame.
			n := len(c.send)
			for i := 0; i < n; i++ {
				if err := c.conn.WriteMessage(websocket.TextMessage, <-c.send); err != nil {
					c.detach()
					return
				}
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.detach()
				return
			}

		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "stream closed"))
			return
		}
	}
}

// readPump owns every read. The feed is one-way: inbound frames are
// discarded, but reading keeps pong handling and close detection alive.
func (c *feedClient) readPump() {
	defer c.detach()

	c.conn.SetReadLimit(maxMsgSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.feed.logger.Printf("⚠️ feed read error for %s: %v", c.owner, err)
			}
			return
		}
	}
}
