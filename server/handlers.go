package server

import (
	"context"
	"errors"
	"strconv"

	"dmsim/apperr"
	"dmsim/db"
	"dmsim/metrics"
	"dmsim/protocol"
)

var errNotAuthenticated = apperr.Unauthenticated("Not authenticated")

func (s *Server) sendOK(session *Session, operation string, key ...string) {
	s.sendPacket(session, protocol.TypeOk, append([]string{operation}, key...)...)
}

// sendFail replies fail|op|code|text[|key]. Internal errors are logged and
// reported without detail.
func (s *Server) sendFail(session *Session, operation string, err error, key ...string) {
	text := "Internal error"
	var appErr *apperr.Error
	switch kind := apperr.KindOf(err); {
	case kind == apperr.KindInternal || kind == apperr.KindTransient:
		s.log.Error().Err(err).Str("session", session.id).Str("op", operation).Msg("Request failed")
	case errors.As(err, &appErr):
		text = appErr.Message
	}
	fields := append([]string{operation, apperr.Code(err), text}, key...)
	s.sendPacket(session, protocol.TypeFail, fields...)
}

func (s *Server) handlePing(session *Session) {
	s.sendPacket(session, protocol.TypePong)
}

func (s *Server) handleAuth(session *Session, pkt *protocol.Packet) {
	login, password := pkt.Arg(0), pkt.Arg(1)
	if login == "" || password == "" {
		s.sendFail(session, protocol.TypeAuth, apperr.Unauthenticated("Invalid credentials"))
		return
	}

	// Already authenticated
	if session.Login() != "" {
		s.sendOK(session, protocol.TypeAuth)
		return
	}

	valid, err := s.db.AuthenticateUser(login, password)
	if err != nil {
		s.sendFail(session, protocol.TypeAuth, apperr.Internal("authenticate", err))
		return
	}
	if !valid {
		s.sendFail(session, protocol.TypeAuth, apperr.Unauthenticated("Invalid credentials"))
		return
	}

	session.setLogin(login)
	metrics.ActiveSessions.Inc()
	s.log.Info().Str("session", session.id).Str("login", login).Msg("Client authenticated")
	s.sendOK(session, protocol.TypeAuth)
}

func (s *Server) handleRegister(session *Session, pkt *protocol.Packet) {
	login, password := pkt.Arg(0), pkt.Arg(1)
	if login == "" || password == "" {
		s.sendFail(session, protocol.TypeReg, apperr.InvalidArgument("Invalid data"))
		return
	}

	exists, err := s.db.UserExists(login)
	if err != nil {
		s.sendFail(session, protocol.TypeReg, apperr.Internal("register", err))
		return
	}
	if exists {
		s.sendFail(session, protocol.TypeReg, apperr.InvalidArgument("User already exists"))
		return
	}

	if err := s.db.CreateUser(login, password); err != nil {
		s.sendFail(session, protocol.TypeReg, apperr.Internal("register", err))
		return
	}

	s.sendOK(session, protocol.TypeReg)
}

func (s *Server) handleList(session *Session) {
	login := session.Login()
	if login == "" {
		s.sendFail(session, protocol.TypeList, errNotAuthenticated)
		return
	}

	contacts, err := s.db.GetContacts(login)
	if err != nil {
		s.sendFail(session, protocol.TypeList, apperr.Internal("list contacts", err))
		return
	}

	items := make([]string, 0, len(contacts))
	for _, contact := range contacts {
		items = append(items, protocol.EncodeContact(contact))
	}
	s.sendPacket(session, protocol.TypeList, items...)
}

func (s *Server) handleAddContact(session *Session, pkt *protocol.Packet) {
	login := session.Login()
	if login == "" {
		s.sendFail(session, protocol.TypeAdd, errNotAuthenticated)
		return
	}

	contact, nick := pkt.Arg(0), pkt.Arg(1)
	if contact == "" || contact == login {
		s.sendFail(session, protocol.TypeAdd, apperr.InvalidArgument("Invalid data"))
		return
	}

	exists, err := s.db.UserExists(contact)
	if err != nil {
		s.sendFail(session, protocol.TypeAdd, apperr.Internal("add contact", err))
		return
	}
	if !exists {
		s.sendFail(session, protocol.TypeAdd, apperr.NotFound("User not found"))
		return
	}

	// Default nick is the contact's login
	if nick == "" {
		nick = contact
	}

	if err := s.db.AddContact(login, contact, nick); err != nil {
		s.log.Debug().Err(err).Str("login", login).Msg("Add contact failed")
		s.sendFail(session, protocol.TypeAdd, apperr.InvalidArgument("Contact already exists"))
		return
	}

	s.sendOK(session, protocol.TypeAdd)
}

func (s *Server) handleRenameContact(session *Session, pkt *protocol.Packet) {
	login := session.Login()
	if login == "" {
		s.sendFail(session, protocol.TypeRen, errNotAuthenticated)
		return
	}

	contact, nick := pkt.Arg(0), pkt.Arg(1)
	if contact == "" || nick == "" {
		s.sendFail(session, protocol.TypeRen, apperr.InvalidArgument("Invalid data"))
		return
	}

	if err := s.db.UpdateContactNick(login, contact, nick); err != nil {
		if errors.Is(err, db.ErrNoRows) {
			s.sendFail(session, protocol.TypeRen, apperr.NotFound("Contact not found"))
		} else {
			s.sendFail(session, protocol.TypeRen, apperr.Internal("rename contact", err))
		}
		return
	}

	s.sendOK(session, protocol.TypeRen)
}

// handleDeleteContact removes a contact. Without the mutual relationship
// neither side can send in their conversation any more; history stays.
func (s *Server) handleDeleteContact(session *Session, pkt *protocol.Packet) {
	login := session.Login()
	if login == "" {
		s.sendFail(session, protocol.TypeDel, errNotAuthenticated)
		return
	}

	contact := pkt.Arg(0)
	if contact == "" {
		s.sendFail(session, protocol.TypeDel, apperr.InvalidArgument("Invalid data"))
		return
	}

	if err := s.db.DeleteContact(login, contact); err != nil {
		if errors.Is(err, db.ErrNoRows) {
			s.sendFail(session, protocol.TypeDel, apperr.NotFound("Contact not found"))
		} else {
			s.sendFail(session, protocol.TypeDel, apperr.Internal("delete contact", err))
		}
		return
	}

	s.sendOK(session, protocol.TypeDel)
}

// handleConversation: conv|peer -> conv|peer|id
func (s *Server) handleConversation(session *Session, pkt *protocol.Packet) {
	peer := pkt.Arg(0)
	conv, err := s.svc.StartConversation(context.Background(), session.Login(), peer)
	if err != nil {
		s.sendFail(session, protocol.TypeConv, err, peer)
		return
	}
	s.sendPacket(session, protocol.TypeConv, peer, conv.ID)
}

// handleHistory: hist|conv[|afterID|limit] -> hist|conv|<record>...
func (s *Server) handleHistory(session *Session, pkt *protocol.Packet) {
	convID := pkt.Arg(0)

	var afterID int64
	var limit int
	if raw := pkt.Arg(1); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || v < 0 {
			s.sendFail(session, protocol.TypeHist, apperr.InvalidArgument("Invalid cursor"), convID)
			return
		}
		afterID = v
	}
	if raw := pkt.Arg(2); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			s.sendFail(session, protocol.TypeHist, apperr.InvalidArgument("Invalid limit"), convID)
			return
		}
		limit = v
	}

	messages, err := s.svc.History(context.Background(), session.Login(), convID, afterID, limit)
	if err != nil {
		s.sendFail(session, protocol.TypeHist, err, convID)
		return
	}

	fields := make([]string, 0, len(messages)+1)
	fields = append(fields, convID)
	for _, m := range messages {
		fields = append(fields, protocol.EncodeMessage(m))
	}
	s.sendPacket(session, protocol.TypeHist, fields...)
}

func (s *Server) handleSubscribe(session *Session, pkt *protocol.Packet) {
	convID := pkt.Arg(0)
	conv, err := s.svc.Authorize(context.Background(), session.Login(), convID)
	if err != nil {
		s.sendFail(session, protocol.TypeSub, err, convID)
		return
	}
	// Reply before any event can be queued for the new subscription.
	s.sendOK(session, protocol.TypeSub, conv.ID)
	s.hub.Subscribe(conv.ID, session)
	s.log.Debug().Str("session", session.id).Str("conversation", conv.ID).
		Int("subscribers", s.hub.Subscribers(conv.ID)).Msg("Subscribed")
}

func (s *Server) handleUnsubscribe(session *Session, pkt *protocol.Packet) {
	convID := pkt.Arg(0)
	if session.Login() == "" {
		s.sendFail(session, protocol.TypeUnsub, errNotAuthenticated, convID)
		return
	}
	s.hub.Unsubscribe(convID, session.id)
	s.sendOK(session, protocol.TypeUnsub, convID)
}

// handleSend: send|conv|ref|body -> sent|conv|ref|<record>. ref is the
// client's local id for the pending entry; it only travels back to this
// session.
func (s *Server) handleSend(session *Session, pkt *protocol.Packet) {
	convID, ref, body := pkt.Arg(0), pkt.Arg(1), pkt.Arg(2)
	msg, err := s.svc.Send(context.Background(), session.Login(), session.id, convID, body)
	if err != nil {
		s.sendFail(session, protocol.TypeSend, err, ref)
		return
	}
	s.sendPacket(session, protocol.TypeSent, convID, ref, protocol.EncodeMessage(msg))
}

// handleRead: read|conv -> read|conv|count
func (s *Server) handleRead(session *Session, pkt *protocol.Packet) {
	convID := pkt.Arg(0)
	n, err := s.svc.MarkRead(context.Background(), session.Login(), session.id, convID)
	if err != nil {
		s.sendFail(session, protocol.TypeRead, err, convID)
		return
	}
	s.sendPacket(session, protocol.TypeRead, convID, strconv.Itoa(n))
}

// handleTyping: typ|conv|1|0. No reply; presence failures stay silent.
func (s *Server) handleTyping(session *Session, pkt *protocol.Packet) {
	convID := pkt.Arg(0)
	typing := pkt.Arg(1) == "1"
	if err := s.svc.Typing(context.Background(), session.Login(), convID, typing); err != nil {
		s.log.Debug().Err(err).Str("session", session.id).Str("conversation", convID).Msg("Typing signal rejected")
	}
}

func (s *Server) handleUnread(session *Session) {
	n, err := s.svc.UnreadCount(context.Background(), session.Login())
	if err != nil {
		s.sendFail(session, protocol.TypeUnread, err)
		return
	}
	s.sendPacket(session, protocol.TypeUnread, strconv.Itoa(n))
}

func (s *Server) handleBye(session *Session) {
	s.sendPacket(session, protocol.TypeBye)
	s.log.Info().Str("session", session.id).Str("login", session.Login()).Msg("Client said bye")
}

func (s *Server) handleHelp(session *Session) {
	s.sendPacket(session, "help",
		protocol.TypePing,
		protocol.TypeReg,
		protocol.TypeAuth,
		protocol.TypeList,
		protocol.TypeAdd,
		protocol.TypeRen,
		protocol.TypeDel,
		protocol.TypeConv,
		protocol.TypeHist,
		protocol.TypeSub,
		protocol.TypeUnsub,
		protocol.TypeSend,
		protocol.TypeRead,
		protocol.TypeTyping,
		protocol.TypeUnread,
		protocol.TypeBye,
		"help",
	)
}
