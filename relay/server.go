package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const (
	writeWait      = 10 * time.Second
	sendBufferSize = 16
	// roomCapacity is fixed: the protocol is strictly two-party.
	roomCapacity = 2
)

// Server is the room relay.
type Server struct {
	log      *logrus.Entry
	upgrader websocket.Upgrader

	mu    sync.Mutex
	rooms map[string]*room
}

type room struct {
	name    string
	members map[string]*member
}

type member struct {
	id   string
	room string
	conn *websocket.Conn

	mu     sync.Mutex
	send   chan []byte
	closed bool
}

// enqueue hands a frame to the write pump; it reports false once the
// member is gone or its buffer is full.
func (m *member) enqueue(b []byte) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false
	}
	select {
	case m.send <- b:
		return true
	default:
		return false
	}
}

func (m *member) closeSend() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.send)
	}
}

// NewServer constructs an empty relay.
func NewServer(log *logrus.Entry) *Server {
	return &Server{
		log:   log,
		rooms: make(map[string]*room),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Router mounts the relay endpoints.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Get("/ws", s.handleWS)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return r
}

// ListenAndServe runs the relay until the context is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.Router()}
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.log.WithField("addr", addr).Info("relay listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Warn("websocket upgrade failed")
		return
	}
	conn.SetReadLimit(MaxFrameSize)

	m := &member{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, sendBufferSize),
	}
	go m.writePump()
	s.readPump(m)
}

func (s *Server) readPump(m *member) {
	defer func() {
		s.leave(m)
		m.closeSend()
		_ = m.conn.Close()
	}()
	for {
		_, raw, err := m.conn.ReadMessage()
		if err != nil {
			return
		}
		var f Frame
		if err := json.Unmarshal(raw, &f); err != nil {
			s.sendFrame(m, Frame{Type: FrameError, Code: ErrCodeBadFrame, Message: "malformed frame"})
			continue
		}
		switch f.Type {
		case FrameJoin:
			s.join(m, f.Room)
		case FrameMsg:
			s.broadcast(m, f)
		default:
			s.sendFrame(m, Frame{Type: FrameError, Code: ErrCodeBadFrame, Message: "unknown frame type " + f.Type})
		}
	}
}

func (s *Server) join(m *member, name string) {
	if name == "" {
		s.sendFrame(m, Frame{Type: FrameError, Code: ErrCodeBadFrame, Message: "join requires a room"})
		return
	}
	s.mu.Lock()
	rm := s.rooms[name]
	if rm == nil {
		rm = &room{name: name, members: make(map[string]*member, roomCapacity)}
		s.rooms[name] = rm
	}
	if len(rm.members) >= roomCapacity {
		s.mu.Unlock()
		s.sendFrame(m, Frame{Type: FrameError, Code: ErrCodeRoomFull, Message: "room " + name + " is full"})
		return
	}
	rm.members[m.id] = m
	m.room = name
	count := len(rm.members)
	peers := rm.otherMembers(m.id)
	s.mu.Unlock()

	s.log.WithFields(logrus.Fields{"room": name, "client": m.id, "members": count}).Info("client joined")
	s.sendFrame(m, Frame{Type: FrameJoined, Room: name, ClientID: m.id, MemberCount: count})
	for _, peer := range peers {
		s.sendFrame(peer, Frame{Type: FramePeerJoined, Room: name, ClientID: m.id, MemberCount: count})
	}
}

func (s *Server) broadcast(m *member, f Frame) {
	if m.room == "" {
		s.sendFrame(m, Frame{Type: FrameError, Code: ErrCodeNotJoined, Message: "msg before join"})
		return
	}
	s.mu.Lock()
	var peers []*member
	if rm := s.rooms[m.room]; rm != nil {
		peers = rm.otherMembers(m.id)
	}
	s.mu.Unlock()
	out := Frame{Type: FrameMsg, From: m.id, Payload: f.Payload}
	for _, peer := range peers {
		s.sendFrame(peer, out)
	}
}

func (s *Server) leave(m *member) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.room == "" {
		return
	}
	rm := s.rooms[m.room]
	if rm == nil {
		return
	}
	delete(rm.members, m.id)
	if len(rm.members) == 0 {
		delete(s.rooms, m.room)
	}
}

func (s *Server) sendFrame(m *member, f Frame) {
	b, err := json.Marshal(f)
	if err != nil {
		s.log.WithError(err).Error("encode frame")
		return
	}
	if !m.enqueue(b) {
		s.log.WithField("client", m.id).Warn("send buffer unavailable, dropping client")
		_ = m.conn.Close()
	}
}

func (m *member) writePump() {
	for b := range m.send {
		_ = m.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := m.conn.WriteMessage(websocket.TextMessage, b); err != nil {
			return
		}
	}
}

func (r *room) otherMembers(selfID string) []*member {
	out := make([]*member, 0, len(r.members))
	for id, m := range r.members {
		if id != selfID {
			out = append(out, m)
		}
	}
	return out
}
