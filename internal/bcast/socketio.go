package bcast

import (
	"log"
	"net/http"

	socketio "github.com/googollee/go-socket.io"

	"github.com/tracel/backend/internal/core"
	"github.com/tracel/backend/internal/identity"
)

// AttackToggler flips an owner's traffic between normal and attack mode.
type AttackToggler interface {
	SetAttackMode(owner string, attack bool)
}

// socketSession is stored on each connection's context at connect time.
type socketSession struct {
	owner string
	subID string
}

// SocketServer bridges socket.io connections into the hub. Clients receive
// "packet" events and may emit "toggle_attack" with a bool payload, scoped
// to their own owner.
type SocketServer struct {
	io       *socketio.Server
	hub      *Hub
	resolver *identity.Resolver
	toggler  AttackToggler
	logger   *log.Logger
}

func NewSocketServer(hub *Hub, resolver *identity.Resolver, toggler AttackToggler) *SocketServer {
	s := &SocketServer{
		io:       socketio.NewServer(nil),
		hub:      hub,
		resolver: resolver,
		toggler:  toggler,
		logger:   log.New(log.Writer(), "[SOCKET] ", log.LstdFlags),
	}

	s.io.OnConnect("/", func(conn socketio.Conn) error {
		p := s.resolver.ResolveHeaders(conn.RemoteHeader())
		subID := s.hub.Subscribe(p.OwnerID, &socketSink{conn: conn})
		conn.SetContext(socketSession{owner: p.OwnerID, subID: subID})
		s.logger.Printf("🔌 %s connected as %s", conn.ID(), p.OwnerID)
		return nil
	})

	s.io.OnEvent("/", "toggle_attack", func(conn socketio.Conn, attack bool) {
		sess, ok := conn.Context().(socketSession)
		if !ok {
			return
		}
		s.toggler.SetAttackMode(sess.owner, attack)
		conn.Emit("attack_mode", attack)
	})

	s.io.OnError("/", func(conn socketio.Conn, err error) {
		s.logger.Printf("⚠️ socket error: %v", err)
	})

	s.io.OnDisconnect("/", func(conn socketio.Conn, reason string) {
		sess, ok := conn.Context().(socketSession)
		if !ok {
			return
		}
		s.hub.Unsubscribe(sess.owner, sess.subID)
		s.logger.Printf("🔌 %s disconnected (%s)", conn.ID(), reason)
	})

	return s
}

// Handler mounts at /socket.io/.
func (s *SocketServer) Handler() http.Handler { return s.io }

// Start runs the engine.io accept loop until Close.
func (s *SocketServer) Start() {
	go func() {
		if err := s.io.Serve(); err != nil {
			s.logger.Printf("⚠️ serve loop ended: %v", err)
		}
	}()
}

func (s *SocketServer) Close() error { return s.io.Close() }

// socketSink adapts a socket.io connection to the hub's Sink. Emit queues
// on the session's own write loop, so it never blocks the pump.
type socketSink struct {
	conn socketio.Conn
}

func (s *socketSink) SendPacket(p *core.Packet) error {
	s.conn.Emit("packet", p)
	return nil
}

// Close is a no-op: the socket.io server owns the connection lifecycle and
// OnDisconnect already ran (or will run) for it.
func (s *socketSink) Close() {}
