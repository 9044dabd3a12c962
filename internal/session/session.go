package session

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/quantsignal/patterncast/internal/models"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum inbound message size from a client.
	maxMessageSize = 4096

	// Outbound queue depth per session.
	sendQueueSize = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		// Origin checks belong to the host HTTP layer.
		return true
	},
}

// Envelope is one wire event sent to a client.
type Envelope struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data"`
}

// Ops is what a live session needs from the broadcaster side: the
// session layer never reaches into the subscription index directly.
type Ops interface {
	Connect(s *Session)
	Subscribe(s *Session, pred models.Predicate)
	Unsubscribe(s *Session)
	JoinRoom(s *Session, room string)
	LeaveRoom(s *Session, room string)
	Disconnect(s *Session)
}

// Session is one live client connection. Outbound events pass through a
// buffered queue drained by a single writer goroutine, which is what
// preserves per-session delivery order.
type Session struct {
	ClientID string
	ID       string

	conn *websocket.Conn
	send chan Envelope

	closeOnce sync.Once
	closed    chan struct{}
}

// clientOp is a client → server operation frame.
type clientOp struct {
	Action    string           `json:"action"`
	Room      string           `json:"room,omitempty"`
	Predicate models.Predicate `json:"predicate,omitempty"`
}

// Handler upgrades HTTP requests to sessions and runs their pumps. The
// client identity comes from the authenticated host layer via the
// client_id query parameter; anonymous connections get a generated one.
func Handler(ops Ops) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Warn().Err(err).Msg("WebSocket upgrade failed")
			return
		}
		clientID := r.URL.Query().Get("client_id")
		if clientID == "" {
			clientID = uuid.NewString()
		}
		s := New(clientID, conn)
		ops.Connect(s)
		go s.writePump()
		go s.readPump(ops)
	}
}

// New builds a session around an established connection. A nil conn is
// allowed for in-process consumers that drain Outbound directly.
func New(clientID string, conn *websocket.Conn) *Session {
	return &Session{
		ClientID: clientID,
		ID:       uuid.NewString(),
		conn:     conn,
		send:     make(chan Envelope, sendQueueSize),
		closed:   make(chan struct{}),
	}
}

// Outbound exposes the delivery queue for consumers that bypass the
// websocket writer.
func (s *Session) Outbound() <-chan Envelope {
	return s.send
}

// Send enqueues an envelope, waiting at most deadline for queue space.
// A miss reports false and the event is gone: bounded queues, not
// unbounded backlog.
func (s *Session) Send(env Envelope, deadline time.Duration) bool {
	select {
	case <-s.closed:
		return false
	default:
	}
	timer := time.NewTimer(deadline)
	defer timer.Stop()
	select {
	case s.send <- env:
		return true
	case <-s.closed:
		return false
	case <-timer.C:
		return false
	}
}

// Close tears the connection down once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		if s.conn != nil {
			_ = s.conn.Close()
		}
	})
}

func (s *Session) readPump(ops Ops) {
	defer func() {
		ops.Disconnect(s)
		s.Close()
	}()

	s.conn.SetReadLimit(maxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn().Err(err).Str("client", s.ClientID).Msg("Session closed unexpectedly")
			}
			return
		}

		var op clientOp
		if err := json.Unmarshal(data, &op); err != nil {
			log.Warn().Err(err).Str("client", s.ClientID).Msg("Bad client operation frame")
			continue
		}

		switch op.Action {
		case "subscribe":
			ops.Subscribe(s, op.Predicate)
		case "unsubscribe":
			ops.Unsubscribe(s)
		case "join_room":
			if op.Room != "" {
				ops.JoinRoom(s, op.Room)
			}
		case "leave_room":
			if op.Room != "" {
				ops.LeaveRoom(s, op.Room)
			}
		default:
			log.Debug().Str("action", op.Action).Str("client", s.ClientID).Msg("Unknown client operation")
		}
	}
}

func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.Close()
	}()

	for {
		select {
		case env := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteJSON(env); err != nil {
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-s.closed:
			return
		}
	}
}
