package relay

import (
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/laserpointoman-commits/talebEdu-sub005/internal/call"
)

// Server is the websocket relay daemon: terminals connect with their user id
// and every frame they send is routed to the recipient's live connections.
// It holds no call state — it only moves envelopes.
type Server struct {
	mu    sync.RWMutex
	users map[string]map[*serverConn]struct{}

	upgrader websocket.Upgrader
}

type serverConn struct {
	userID  string
	conn    *websocket.Conn
	writeMu sync.Mutex
}

// NewServer creates a relay hub. Terminals sit on private school networks,
// so cross-origin browser access is not a concern here.
func NewServer() *Server {
	return &Server{
		users: make(map[string]map[*serverConn]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// ServeHTTP upgrades /ws?user=<id> connections and pumps frames until the
// client goes away.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user")
	if userID == "" {
		http.Error(w, "missing user parameter", http.StatusBadRequest)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("RELAY: upgrade failed for %s: %v", r.RemoteAddr, err)
		return
	}

	c := &serverConn{userID: userID, conn: ws}
	s.register(c)
	defer s.unregister(c)

	log.Printf("RELAY: %s connected (%s)", userID, r.RemoteAddr)
	s.readPump(c)
	log.Printf("RELAY: %s disconnected", userID)
}

func (s *Server) register(c *serverConn) {
	s.mu.Lock()
	set, ok := s.users[c.userID]
	if !ok {
		set = make(map[*serverConn]struct{})
		s.users[c.userID] = set
	}
	set[c] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) unregister(c *serverConn) {
	s.mu.Lock()
	if set, ok := s.users[c.userID]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(s.users, c.userID)
		}
	}
	s.mu.Unlock()
	_ = c.conn.Close()
}

func (s *Server) readPump(c *serverConn) {
	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	c.conn.SetPingHandler(func(data string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		c.writeMu.Lock()
		defer c.writeMu.Unlock()
		return c.conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(wsWriteWait))
	})

	for {
		var frame wsFrame
		if err := c.conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("RELAY: read from %s: %v", c.userID, err)
			}
			return
		}
		if frame.To == "" {
			continue
		}
		s.route(c.userID, frame.To, frame.Msg)
	}
}

// route delivers msg to every live connection of the recipient. Dead
// connections are cleaned up by their own read pumps; here they just log.
func (s *Server) route(from, to string, msg call.Message) {
	s.mu.RLock()
	conns := make([]*serverConn, 0, len(s.users[to]))
	for c := range s.users[to] {
		conns = append(conns, c)
	}
	s.mu.RUnlock()

	if len(conns) == 0 {
		log.Printf("RELAY: %s → %s: no subscribers, %s dropped", from, to, msg.Event)
		return
	}
	for _, c := range conns {
		c.writeMu.Lock()
		_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		err := c.conn.WriteJSON(msg)
		c.writeMu.Unlock()
		if err != nil {
			log.Printf("RELAY: write to %s: %v", to, err)
		}
	}
}

// ConnectedUsers reports how many distinct users currently hold connections.
func (s *Server) ConnectedUsers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.users)
}
