// Package chattest provides a loopback chat server that speaks the chatsync
// wire protocol. It keeps everything in memory and is meant for integration
// tests and local demos, not for production fan-out.
package chattest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/vovakirdan/chatsync/chatsync"
	"github.com/vovakirdan/chatsync/chatsync/rest"
)

// AckMode controls how the server answers send_message calls.
type AckMode int

const (
	// AckNormal replies with the stored message.
	AckNormal AckMode = iota
	// AckDrop never replies to the call.
	AckDrop
	// AckReject replies with an error and does not broadcast.
	AckReject
)

// CompletionFunc answers assist prompts.
type CompletionFunc func(ctx context.Context, prompt, systemContext string) (string, error)

// Options configures a Server.
type Options struct {
	// Secret, when set, requires HS256 tokens signed with it at handshake
	// and on the REST endpoints. Without it the hello identity is trusted.
	Secret     []byte
	Completion CompletionFunc
	Logger     *slog.Logger
}

type client struct {
	conn    *websocket.Conn
	user    chatsync.OnlineUser
	writeMu sync.Mutex
}

func (c *client) write(out chatsync.Outbound) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return c.conn.WriteJSON(out)
}

// Server is an http.Handler serving /ws, /api/me and /api/assist.
type Server struct {
	opts     Options
	router   chi.Router
	upgrader websocket.Upgrader
	slogger  *slog.Logger

	mu         sync.Mutex
	clients    map[*client]struct{}
	nextMsg    int
	nextSocket int
	ackMode    AckMode
	rejectCode string
	broadcast  bool
	echoNonce  bool
	echoFirst  bool
	received   []chatsync.SendMessagePayload
}

// New builds a server with acks, broadcasts and nonce echo enabled.
func New(opts Options) *Server {
	s := &Server{
		opts: opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		clients:    make(map[*client]struct{}),
		rejectCode: "invalid_message",
		broadcast:  true,
		echoNonce:  true,
	}
	if opts.Logger != nil {
		s.slogger = opts.Logger.With("component", "chattest")
	} else {
		s.slogger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/ws", s.handleSocket)
	r.Route("/api", func(r chi.Router) {
		r.Get("/me", s.handleMe)
		r.Post("/assist", s.handleAssist)
	})
	s.router = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// SetAckMode changes how subsequent sends are acknowledged. code is the
// protocol error code used by AckReject.
func (s *Server) SetAckMode(mode AckMode, code string) {
	s.mu.Lock()
	s.ackMode = mode
	if code != "" {
		s.rejectCode = code
	}
	s.mu.Unlock()
}

// SetBroadcast toggles message broadcasts.
func (s *Server) SetBroadcast(on bool) {
	s.mu.Lock()
	s.broadcast = on
	s.mu.Unlock()
}

// SetEchoNonce toggles returning the client nonce in acks and broadcasts.
func (s *Server) SetEchoNonce(on bool) {
	s.mu.Lock()
	s.echoNonce = on
	s.mu.Unlock()
}

// SetEchoFirst makes the broadcast reach the sender before its ack.
func (s *Server) SetEchoFirst(on bool) {
	s.mu.Lock()
	s.echoFirst = on
	s.mu.Unlock()
}

// Received returns every send_message payload accepted so far.
func (s *Server) Received() []chatsync.SendMessagePayload {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]chatsync.SendMessagePayload(nil), s.received...)
}

// Online returns the number of connected sockets.
func (s *Server) Online() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// Notice pushes a system notice to every client.
func (s *Server) Notice(text string) {
	s.fanout(nil, event(chatsync.EventSystemNotice, chatsync.NoticeEvent{Text: text}))
}

// Kick drops every socket of userID without a close handshake.
func (s *Server) Kick(userID string) {
	s.mu.Lock()
	var victims []*client
	for c := range s.clients {
		if c.user.UserID == userID {
			victims = append(victims, c)
		}
	}
	s.mu.Unlock()
	for _, c := range victims {
		_ = c.conn.UnderlyingConn().Close()
	}
}

func (s *Server) handleSocket(w http.ResponseWriter, r *http.Request) {
	sl := s.slogger.With("func", "handleSocket")
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		sl.Debug("upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	var hello chatsync.Inbound
	if err := conn.ReadJSON(&hello); err != nil || hello.Type != chatsync.TypeHello {
		sl.Debug("missing hello", "error", err)
		return
	}
	c := &client{conn: conn}
	id, err := s.authenticate(r, hello)
	if err != nil {
		_ = c.write(chatsync.Outbound{Type: chatsync.TypeError, Error: &chatsync.Error{Code: "unauthorized", Msg: err.Error()}})
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "unauthorized"), time.Now().Add(time.Second))
		return
	}

	s.mu.Lock()
	s.nextSocket++
	c.user = chatsync.OnlineUser{UserID: id.UserID, UserName: id.UserName, SocketID: fmt.Sprintf("s%d", s.nextSocket)}
	s.clients[c] = struct{}{}
	s.mu.Unlock()
	sl = sl.With("user", id.UserID, "socket", c.user.SocketID)
	sl.Debug("connected")

	if err := c.write(chatsync.Outbound{Type: chatsync.TypeWelcome, Data: mustJSON(id)}); err != nil {
		s.drop(c)
		return
	}
	s.fanout(c, event(chatsync.EventUserJoined, c.user))

	defer func() {
		s.drop(c)
		s.fanout(nil, event(chatsync.EventUserLeft, c.user))
		sl.Debug("disconnected")
	}()
	for {
		var in chatsync.Inbound
		if err := conn.ReadJSON(&in); err != nil {
			return
		}
		s.handle(c, in)
	}
}

func (s *Server) handle(c *client, in chatsync.Inbound) {
	switch in.Type {
	case chatsync.TypeRequestRoster:
		s.mu.Lock()
		users := make([]chatsync.OnlineUser, 0, len(s.clients))
		for other := range s.clients {
			users = append(users, other.user)
		}
		s.mu.Unlock()
		_ = c.write(event(chatsync.EventRoster, chatsync.RosterEvent{Users: users}))
	case chatsync.TypeTypingStart:
		s.fanout(c, event(chatsync.EventTypingStart, chatsync.TypingEvent{UserID: c.user.UserID, UserName: c.user.UserName}))
	case chatsync.TypeTypingStop:
		s.fanout(c, event(chatsync.EventTypingStop, chatsync.TypingEvent{UserID: c.user.UserID, UserName: c.user.UserName}))
	case chatsync.TypeSendMessage:
		s.handleSend(c, in)
	default:
		_ = c.write(chatsync.Outbound{Type: chatsync.TypeError, Error: &chatsync.Error{Code: "bad_request", Msg: "unknown type " + in.Type}})
	}
}

func (s *Server) handleSend(c *client, in chatsync.Inbound) {
	var p chatsync.SendMessagePayload
	if err := json.Unmarshal(in.Data, &p); err != nil || strings.TrimSpace(p.Content) == "" {
		s.reply(c, in.ID, chatsync.Outbound{Type: chatsync.TypeAck, ID: in.ID, Error: &chatsync.Error{Code: "invalid_message", Msg: "empty or malformed message"}})
		return
	}

	s.mu.Lock()
	mode, code := s.ackMode, s.rejectCode
	broadcast, echoNonce, echoFirst := s.broadcast, s.echoNonce, s.echoFirst
	if mode == AckReject {
		s.mu.Unlock()
		s.reply(c, in.ID, chatsync.Outbound{Type: chatsync.TypeAck, ID: in.ID, Error: &chatsync.Error{Code: code, Msg: "message rejected"}})
		return
	}
	s.nextMsg++
	msg := chatsync.Message{
		ID:         fmt.Sprintf("m%d", s.nextMsg),
		Content:    p.Content,
		SenderID:   c.user.UserID,
		SenderName: c.user.UserName,
		CreatedAt:  time.Now().UTC(),
		Type:       chatsync.MessageText,
	}
	if p.Type != "" {
		msg.Type = p.Type
	}
	if echoNonce {
		msg.ClientID = p.ClientID
	}
	s.received = append(s.received, p)
	s.mu.Unlock()

	ack := func() {
		if mode == AckNormal {
			s.reply(c, in.ID, chatsync.Outbound{Type: chatsync.TypeAck, ID: in.ID, Data: mustJSON(msg)})
		}
	}
	echo := func() {
		if broadcast {
			s.fanout(nil, event(chatsync.EventMessage, msg))
		}
	}
	if echoFirst {
		echo()
		ack()
		return
	}
	ack()
	echo()
}

func (s *Server) reply(c *client, id uint64, out chatsync.Outbound) {
	if id == 0 {
		return
	}
	_ = c.write(out)
}

// fanout writes out to every client except skip.
func (s *Server) fanout(skip *client, out chatsync.Outbound) {
	s.mu.Lock()
	targets := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		if c != skip {
			targets = append(targets, c)
		}
	}
	s.mu.Unlock()
	for _, c := range targets {
		if err := c.write(out); err != nil {
			s.slogger.Debug("fanout write failed", "user", c.user.UserID, "error", err)
		}
	}
}

func (s *Server) drop(c *client) {
	s.mu.Lock()
	delete(s.clients, c)
	s.mu.Unlock()
}

func (s *Server) authenticate(r *http.Request, hello chatsync.Inbound) (chatsync.Identity, error) {
	var p chatsync.HelloPayload
	if err := json.Unmarshal(hello.Data, &p); err != nil {
		return chatsync.Identity{}, err
	}
	if s.opts.Secret == nil {
		id := chatsync.Identity{UserID: p.UserID, UserName: p.UserName}
		return id, id.Validate()
	}
	token := p.Token
	if token == "" {
		token = bearer(r)
	}
	if token == "" {
		return chatsync.Identity{}, errors.New("missing token")
	}
	return ValidateToken(s.opts.Secret, token)
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	if s.opts.Secret == nil {
		writeJSON(w, http.StatusNotFound, rest.ErrorResponse{Error: "identity endpoint requires a secret"})
		return
	}
	id, err := ValidateToken(s.opts.Secret, bearer(r))
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, rest.ErrorResponse{Error: "invalid token"})
		return
	}
	writeJSON(w, http.StatusOK, rest.UserInfo{UserID: id.UserID, UserName: id.UserName})
}

func (s *Server) handleAssist(w http.ResponseWriter, r *http.Request) {
	if s.opts.Secret != nil {
		if _, err := ValidateToken(s.opts.Secret, bearer(r)); err != nil {
			writeJSON(w, http.StatusUnauthorized, rest.ErrorResponse{Error: "invalid token"})
			return
		}
	}
	if s.opts.Completion == nil {
		writeJSON(w, http.StatusServiceUnavailable, rest.ErrorResponse{Error: "assist unavailable"})
		return
	}
	var req rest.CompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, rest.ErrorResponse{Error: "malformed request"})
		return
	}
	reply, err := s.opts.Completion(r.Context(), req.Prompt, req.SystemContext)
	if err != nil {
		writeJSON(w, http.StatusBadGateway, rest.ErrorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, rest.CompletionResponse{Message: reply})
}

func event(name string, v any) chatsync.Outbound {
	return chatsync.Outbound{Type: chatsync.TypeEvent, Event: name, Data: mustJSON(v)}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func bearer(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if token, ok := strings.CutPrefix(h, "Bearer "); ok {
		return token
	}
	return r.URL.Query().Get("token")
}
