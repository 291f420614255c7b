// Package upstreamtest provides an in-process stand-in for the upstream
// browser service, for use in tests.
package upstreamtest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/agentease/cdp-relay/internal/frame"
	"github.com/agentease/cdp-relay/internal/model"
)

// Conn is one devtools connection accepted by the Server.
type Conn struct {
	SessionID  string
	Persistent bool
	WS         *websocket.Conn
}

// Server serves /v1/sessions, /v1/acquire and /v1/connectDevtools.
type Server struct {
	*httptest.Server

	mu            sync.Mutex
	sessions      []model.Session
	listStatus    int
	acquireStatus int
	acquireBody   string
	declined      map[string]bool
	nextID        int
	connects      []string
	keepAlives    []string
	open          []*websocket.Conn
	handler       func(*Conn)

	conns chan *Conn
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  64 * 1024,
	WriteBufferSize: frame.MaxChunkSize,
}

// NewServer starts a Server. Accepted connections are published on Conns and
// then served by Echo unless SetHandler installs something else.
func NewServer() *Server {
	s := &Server{
		declined: make(map[string]bool),
		conns:    make(chan *Conn, 16),
		handler:  Echo,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/sessions", s.handleSessions)
	mux.HandleFunc("/v1/acquire", s.handleAcquire)
	mux.HandleFunc("/v1/connectDevtools", s.handleConnect)
	mux.HandleFunc("/json/list", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Upstream", "fake")
		fmt.Fprint(w, `[{"id":"page-1"}]`)
	})
	s.Server = httptest.NewServer(mux)
	return s
}

// SetSessions replaces the session listing.
func (s *Server) SetSessions(sessions ...model.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions = sessions
}

// FailListing makes /v1/sessions answer with status.
func (s *Server) FailListing(status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listStatus = status
}

// FailAcquire makes /v1/acquire answer with status.
func (s *Server) FailAcquire(status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.acquireStatus = status
}

// SetAcquireBody makes /v1/acquire answer 200 with body verbatim.
func (s *Server) SetAcquireBody(body string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.acquireBody = body
}

// Decline makes connectDevtools refuse the given sessions.
func (s *Server) Decline(sessionIDs ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range sessionIDs {
		s.declined[id] = true
	}
}

// SetHandler replaces the function serving accepted connections.
func (s *Server) SetHandler(handler func(*Conn)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = handler
}

// ConnectAttempts returns the session ids passed to connectDevtools, in order.
func (s *Server) ConnectAttempts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.connects...)
}

// KeepAlives returns the keep_alive values passed to /v1/acquire, in order.
func (s *Server) KeepAlives() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.keepAlives...)
}

// Conns publishes every accepted connection.
func (s *Server) Conns() <-chan *Conn {
	return s.conns
}

// Close drops every open devtools connection and stops the server.
func (s *Server) Close() {
	s.mu.Lock()
	open := s.open
	s.open = nil
	s.mu.Unlock()

	for _, c := range open {
		c.Close()
	}
	s.Server.Close()
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	status := s.listStatus
	list := model.SessionList{Sessions: append([]model.Session{}, s.sessions...)}
	s.mu.Unlock()

	if status != 0 {
		http.Error(w, "listing unavailable", status)
		return
	}
	writeJSON(w, list)
}

func (s *Server) handleAcquire(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.keepAlives = append(s.keepAlives, r.URL.Query().Get("keep_alive"))
	status, body := s.acquireStatus, s.acquireBody
	s.nextID++
	id := fmt.Sprintf("acquired-%d", s.nextID)
	s.mu.Unlock()

	switch {
	case status != 0:
		http.Error(w, "acquire refused", status)
	case body != "":
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, body)
	default:
		writeJSON(w, model.AcquireResponse{SessionID: id})
	}
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("browser_session")

	s.mu.Lock()
	s.connects = append(s.connects, id)
	declined := s.declined[id]
	handler := s.handler
	s.mu.Unlock()

	if declined || id == "" {
		http.Error(w, "browser unavailable", http.StatusServiceUnavailable)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	ws.SetReadLimit(frame.MaxChunkSize)

	s.mu.Lock()
	s.open = append(s.open, ws)
	s.mu.Unlock()

	conn := &Conn{SessionID: id, Persistent: r.URL.Query().Get("persistent") == "true", WS: ws}
	select {
	case s.conns <- conn:
	default:
	}
	go handler(conn)
}

// Echo decodes each message on c and sends it straight back.
func Echo(c *Conn) {
	defer c.WS.Close()

	dec := frame.NewDecoder()
	for {
		mt, data, err := c.WS.ReadMessage()
		if err != nil {
			return
		}
		if mt != websocket.BinaryMessage {
			continue
		}
		msg, ok, err := dec.Push(data)
		if err != nil || !ok {
			continue
		}
		for _, chunk := range frame.Encode(msg) {
			if err := c.WS.WriteMessage(websocket.BinaryMessage, chunk); err != nil {
				return
			}
		}
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
