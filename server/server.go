package server

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"dmsim/db"
	"dmsim/messaging"
	"dmsim/metrics"
	"dmsim/protocol"
	"dmsim/realtime"
)

type Server struct {
	db       *db.DB
	svc      *messaging.Service
	hub      *realtime.Hub
	config   *ServerConfig
	log      zerolog.Logger
	sessions map[string]*Session
	mu       sync.RWMutex
	conns    sync.WaitGroup
}

type ServerConfig struct {
	Addr          string
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
	OutboundQueue int
}

// Session is one client connection. Replies and realtime events share a
// single outbound queue drained by a writer goroutine, so a session sees
// them in the order they were queued.
type Session struct {
	id       string
	Conn     net.Conn
	LastPing time.Time
	login    string
	out      chan string
	done     chan struct{}
	written  chan struct{}
	closing  atomic.Bool
	once     sync.Once
	mu       sync.Mutex

	// conversations whose events overflowed the queue; the writer drops
	// those subscriptions and tells the client
	stale map[string]struct{}
	kick  chan struct{}
}

func New(database *db.DB, svc *messaging.Service, hub *realtime.Hub, config *ServerConfig, log zerolog.Logger) *Server {
	if config.OutboundQueue <= 0 {
		config.OutboundQueue = 64
	}
	return &Server{
		db:       database,
		svc:      svc,
		hub:      hub,
		config:   config,
		log:      log.With().Str("component", "server").Logger(),
		sessions: make(map[string]*Session),
	}
}

// Start accepts connections until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, listener)
}

func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	defer listener.Close()
	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	s.log.Info().Str("addr", listener.Addr().String()).Msg("DM server started")

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.log.Error().Err(err).Msg("Error accepting connection")
			continue
		}

		s.conns.Add(1)
		go func() {
			defer s.conns.Done()
			s.handleConnection(conn)
		}()
	}
}

func (s *Server) newSession(conn net.Conn) *Session {
	sess := &Session{
		id:       uuid.NewString(),
		Conn:     conn,
		LastPing: time.Now(),
		out:      make(chan string, s.config.OutboundQueue),
		done:     make(chan struct{}),
		written:  make(chan struct{}),
		stale:    make(map[string]struct{}),
		kick:     make(chan struct{}, 1),
	}
	s.mu.Lock()
	s.sessions[sess.id] = sess
	s.mu.Unlock()
	return sess
}

func (s *Server) handleConnection(conn net.Conn) {
	session := s.newSession(conn)
	go s.writeLoop(session)
	defer s.endSession(session)

	remoteAddr := conn.RemoteAddr().String()
	log := s.log.With().Str("session", session.id).Str("remote", remoteAddr).Logger()
	log.Info().Msg("New client connected")

	reader := bufio.NewReader(conn)
	for {
		conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
		line, err := reader.ReadString('\n')
		if err != nil {
			if session.closing.Load() {
				return
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				log.Info().Str("login", session.Login()).Msg("Client disconnected due to timeout")
				s.sendBye(session, "timeout", "")
				return
			}
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) && !errors.Is(err, io.ErrClosedPipe) {
				log.Warn().Err(err).Msg("Error reading from client")
			}
			return
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		if !strings.HasPrefix(line, protocol.TypeAuth+"|") && !strings.HasPrefix(line, protocol.TypeReg+"|") {
			log.Debug().Str("line", line).Msg("Received packet")
		}

		pkt, err := protocol.ParsePacket(line)
		if err != nil {
			log.Warn().Err(err).Str("line", line).Msg("Parse error")
			s.sendPacket(session, protocol.TypeFail, "", "invalid_argument", "Invalid packet format")
			continue
		}

		if !s.handlePacket(session, pkt) {
			return
		}
	}
}

// endSession unsubscribes the session everywhere, flushes its queue and
// closes the connection.
func (s *Server) endSession(session *Session) {
	s.hub.UnsubscribeAll(session.id)

	s.mu.Lock()
	delete(s.sessions, session.id)
	s.mu.Unlock()

	if login := session.Login(); login != "" {
		metrics.ActiveSessions.Dec()
		s.svc.ClearTyping(context.Background(), login)
		s.log.Info().Str("session", session.id).Str("login", login).Msg("Client disconnected")
	}

	session.once.Do(func() { close(session.done) })
	<-session.written
	session.Conn.Close()
}

func (s *Server) writeLoop(session *Session) {
	defer close(session.written)

	write := func(line string) bool {
		session.Conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
		if _, err := io.WriteString(session.Conn, line); err != nil {
			s.log.Debug().Err(err).Str("session", session.id).Msg("Error writing to connection")
			return false
		}
		return true
	}

	for {
		select {
		case <-session.kick:
			for _, conv := range session.takeStale() {
				if !s.hub.Unsubscribe(conv, session.id) {
					continue
				}
				s.log.Warn().Str("session", session.id).Str("conversation", conv).
					Msg("Outbound queue overflowed, subscription dropped")
				if !write(protocol.Encode(protocol.TypeDrop, conv, "overflow")) {
					return
				}
			}
		case line := <-session.out:
			if !write(line) {
				return
			}
		case <-session.done:
			for {
				select {
				case line := <-session.out:
					if !write(line) {
						return
					}
				default:
					return
				}
			}
		}
	}
}

// handlePacket dispatches one request and reports whether the connection
// should stay open.
func (s *Server) handlePacket(session *Session, pkt *protocol.Packet) bool {
	session.mu.Lock()
	session.LastPing = time.Now()
	session.mu.Unlock()

	switch pkt.Type {
	case protocol.TypePing:
		s.handlePing(session)
	case protocol.TypeAuth:
		s.handleAuth(session, pkt)
	case protocol.TypeReg:
		s.handleRegister(session, pkt)
	case protocol.TypeList:
		s.handleList(session)
	case protocol.TypeAdd:
		s.handleAddContact(session, pkt)
	case protocol.TypeRen:
		s.handleRenameContact(session, pkt)
	case protocol.TypeDel:
		s.handleDeleteContact(session, pkt)
	case protocol.TypeConv:
		s.handleConversation(session, pkt)
	case protocol.TypeHist:
		s.handleHistory(session, pkt)
	case protocol.TypeSub:
		s.handleSubscribe(session, pkt)
	case protocol.TypeUnsub:
		s.handleUnsubscribe(session, pkt)
	case protocol.TypeSend:
		s.handleSend(session, pkt)
	case protocol.TypeRead:
		s.handleRead(session, pkt)
	case protocol.TypeTyping:
		s.handleTyping(session, pkt)
	case protocol.TypeUnread:
		s.handleUnread(session)
	case protocol.TypeBye:
		s.handleBye(session)
		return false
	case "help":
		s.handleHelp(session)
	default:
		s.sendPacket(session, protocol.TypeFail, "", "invalid_argument", "Unknown packet type")
	}
	return true
}

// sendPacket queues a reply, waiting for room in the queue.
func (s *Server) sendPacket(session *Session, pktType string, fields ...string) {
	line := protocol.Encode(pktType, fields...)
	select {
	case session.out <- line:
	case <-session.done:
	}
}

func (s *Server) sendBye(session *Session, reason, details string) {
	switch {
	case details != "":
		s.sendPacket(session, protocol.TypeBye, reason, details)
	case reason != "":
		s.sendPacket(session, protocol.TypeBye, reason)
	default:
		s.sendPacket(session, protocol.TypeBye)
	}
}

// GetStats returns server statistics as a formatted string
func (s *Server) GetStats() string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	activeConnections := len(s.sessions)
	seen := make(map[string]bool)
	var users []string
	for _, sess := range s.sessions {
		if login := sess.Login(); login != "" && !seen[login] {
			seen[login] = true
			users = append(users, login)
		}
	}
	sort.Strings(users)

	return "connections=" + strconv.Itoa(activeConnections) +
		",users=" + strings.Join(users, ";") +
		",topics=" + strconv.Itoa(s.hub.Topics())
}

// Shutdown sends bye to every connected client and waits for their
// connections to wind down or for ctx to expire.
// reason is one of "maintenance", "restart", "timeout"; completionTime may
// be zero.
func (s *Server) Shutdown(ctx context.Context, reason string, completionTime time.Time) error {
	s.mu.RLock()
	sessions := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.RUnlock()

	var details string
	if !completionTime.IsZero() {
		details = completionTime.UTC().Format(time.RFC3339)
	}

	for _, sess := range sessions {
		sess.closing.Store(true)
		s.sendBye(sess, reason, details)
		sess.Conn.SetReadDeadline(time.Now())
	}

	done := make(chan struct{})
	go func() {
		s.conns.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (sess *Session) ID() string { return sess.id }

func (sess *Session) Login() string {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.login
}

func (sess *Session) User() string { return sess.Login() }

func (sess *Session) setLogin(login string) {
	sess.mu.Lock()
	sess.login = login
	sess.mu.Unlock()
}

// Deliver queues a realtime event without blocking. It reports false when
// the queue is full or the session is closing. A full queue loses the
// conversation's subscription: the writer unsubscribes the session and
// sends drop, and the client reloads history.
func (sess *Session) Deliver(ev realtime.Event) bool {
	line := eventLine(ev)
	if line == "" {
		return true
	}
	select {
	case <-sess.done:
		return false
	default:
	}
	select {
	case sess.out <- line:
		return true
	default:
		sess.markStale(ev.ConversationID)
		return false
	}
}

func (sess *Session) markStale(conv string) {
	sess.mu.Lock()
	sess.stale[conv] = struct{}{}
	sess.mu.Unlock()
	select {
	case sess.kick <- struct{}{}:
	default:
	}
}

func (sess *Session) takeStale() []string {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	convs := make([]string, 0, len(sess.stale))
	for conv := range sess.stale {
		convs = append(convs, conv)
	}
	clear(sess.stale)
	sort.Strings(convs)
	return convs
}

// eventLine renders ev as one wire line. A read update carries all of its
// receipts as id|readAt pairs so it costs a single queue slot.
func eventLine(ev realtime.Event) string {
	switch ev.Kind {
	case realtime.KindInsert:
		if ev.Message == nil {
			return ""
		}
		return protocol.Encode(protocol.TypeMsg, ev.ConversationID, protocol.EncodeMessage(*ev.Message))
	case realtime.KindRead:
		if len(ev.Receipts) == 0 {
			return ""
		}
		fields := make([]string, 0, 1+2*len(ev.Receipts))
		fields = append(fields, ev.ConversationID)
		for _, r := range ev.Receipts {
			fields = append(fields, strconv.FormatInt(r.MessageID, 10), protocol.FormatTime(r.ReadAt))
		}
		return protocol.Encode(protocol.TypeSeen, fields...)
	case realtime.KindTyping:
		return protocol.Encode(protocol.TypeTyping, ev.ConversationID, ev.User, protocol.FormatBool(ev.Typing))
	}
	return ""
}
