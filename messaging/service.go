// Package messaging enforces who may do what in a conversation and turns
// committed store changes into realtime events.
package messaging

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"dmsim/apperr"
	"dmsim/db"
	"dmsim/metrics"
	"dmsim/models"
	"dmsim/presence"
	"dmsim/realtime"
)

// Store is the durable part of messaging. *db.DB implements it.
type Store interface {
	GetOrCreateConversation(ctx context.Context, a, b string) (models.Conversation, bool, error)
	Conversation(ctx context.Context, id string) (models.Conversation, error)
	AppendMessage(ctx context.Context, conversationID, sender, body string) (models.Message, error)
	ListMessages(ctx context.Context, conversationID string) ([]models.Message, error)
	ListMessagesAfter(ctx context.Context, conversationID string, afterID int64, limit int) ([]models.Message, error)
	MarkRead(ctx context.Context, conversationID, reader string) ([]models.ReadReceipt, error)
	UnreadConversations(ctx context.Context, user string) (int, error)
	UserExists(login string) (bool, error)
}

// Gate answers "may these two users message each other".
type Gate interface {
	AreConnected(a, b string) (bool, error)
}

type Service struct {
	store    Store
	gate     Gate
	broker   realtime.Broker
	presence *presence.Tracker
	log      zerolog.Logger
	now      func() time.Time
}

func New(store Store, gate Gate, broker realtime.Broker, tracker *presence.Tracker, log zerolog.Logger) *Service {
	return &Service{
		store:    store,
		gate:     gate,
		broker:   broker,
		presence: tracker,
		log:      log.With().Str("component", "messaging").Logger(),
		now:      time.Now,
	}
}

// StartConversation returns the conversation between caller and peer,
// creating it on first contact.
func (s *Service) StartConversation(ctx context.Context, caller, peer string) (models.Conversation, error) {
	if caller == "" {
		return models.Conversation{}, apperr.Unauthenticated("no current user")
	}
	peer = strings.TrimSpace(peer)
	if peer == "" || peer == caller {
		return models.Conversation{}, apperr.InvalidArgument("peer must be another user")
	}

	exists, err := s.store.UserExists(peer)
	if err != nil {
		return models.Conversation{}, storeError("look up peer", err)
	}
	if !exists {
		return models.Conversation{}, apperr.InvalidArgument("unknown user")
	}
	if err := s.checkGate(caller, peer); err != nil {
		return models.Conversation{}, err
	}

	conv, created, err := s.store.GetOrCreateConversation(ctx, caller, peer)
	if err != nil {
		return models.Conversation{}, storeError("get or create conversation", err)
	}
	metrics.ConversationsStarted.Inc()
	if created {
		s.log.Info().Str("conversation", conv.ID).Str("a", conv.UserLo).Str("b", conv.UserHi).Msg("Conversation created")
	}
	return conv, nil
}

// Authorize loads a conversation on behalf of caller.
func (s *Service) Authorize(ctx context.Context, caller, conversationID string) (models.Conversation, error) {
	if caller == "" {
		return models.Conversation{}, apperr.Unauthenticated("no current user")
	}
	conv, err := s.store.Conversation(ctx, conversationID)
	if err != nil {
		return models.Conversation{}, storeError("load conversation", err)
	}
	if !conv.HasParticipant(caller) {
		return models.Conversation{}, apperr.NotAuthorized("not a participant")
	}
	return conv, nil
}

// Send appends a message and fans it out to every session in the
// conversation except origin, the session that sent it. Sending also ends
// the sender's typing state.
func (s *Service) Send(ctx context.Context, caller, origin, conversationID, body string) (models.Message, error) {
	conv, err := s.Authorize(ctx, caller, conversationID)
	if err != nil {
		return models.Message{}, err
	}
	if strings.TrimSpace(body) == "" {
		return models.Message{}, apperr.InvalidMessage("message body is empty")
	}
	if !utf8.ValidString(body) {
		return models.Message{}, apperr.InvalidMessage("message body is not valid UTF-8")
	}
	if err := s.checkGate(caller, conv.Peer(caller)); err != nil {
		return models.Message{}, err
	}

	msg, err := s.store.AppendMessage(ctx, conv.ID, caller, body)
	if err != nil {
		return models.Message{}, storeError("append message", err)
	}
	metrics.MessagesAppended.Inc()

	pubCtx := context.WithoutCancel(ctx)
	if s.presence.Record(conv.ID, caller, false, s.now()) {
		s.publish(pubCtx, realtime.Event{
			Kind:           realtime.KindTyping,
			ConversationID: conv.ID,
			User:           caller,
		})
	}
	s.publish(pubCtx, realtime.Event{
		Kind:           realtime.KindInsert,
		ConversationID: conv.ID,
		Origin:         origin,
		User:           caller,
		Message:        &msg,
	})
	return msg, nil
}

// History returns the conversation's messages in (created_at, id) order.
// A positive afterID or limit switches to cursor paging.
func (s *Service) History(ctx context.Context, caller, conversationID string, afterID int64, limit int) ([]models.Message, error) {
	conv, err := s.Authorize(ctx, caller, conversationID)
	if err != nil {
		return nil, err
	}

	var messages []models.Message
	if afterID > 0 || limit > 0 {
		messages, err = s.store.ListMessagesAfter(ctx, conv.ID, afterID, limit)
	} else {
		messages, err = s.store.ListMessages(ctx, conv.ID)
	}
	if err != nil {
		return nil, storeError("list messages", err)
	}
	return messages, nil
}

// MarkRead marks the peer's unread messages as read by caller and returns
// how many transitioned. Read updates go to every session, origin included.
func (s *Service) MarkRead(ctx context.Context, caller, origin, conversationID string) (int, error) {
	conv, err := s.Authorize(ctx, caller, conversationID)
	if err != nil {
		return 0, err
	}

	receipts, err := s.store.MarkRead(ctx, conv.ID, caller)
	if err != nil {
		return 0, storeError("mark read", err)
	}
	if len(receipts) == 0 {
		return 0, nil
	}

	metrics.MessagesRead.Add(float64(len(receipts)))
	s.publish(context.WithoutCancel(ctx), realtime.Event{
		Kind:           realtime.KindRead,
		ConversationID: conv.ID,
		Origin:         origin,
		User:           caller,
		Receipts:       receipts,
	})
	return len(receipts), nil
}

// Typing records caller's typing signal and forwards it to the peer unless
// the heartbeat throttle swallows it.
func (s *Service) Typing(ctx context.Context, caller, conversationID string, typing bool) error {
	conv, err := s.Authorize(ctx, caller, conversationID)
	if err != nil {
		return err
	}

	if !s.presence.Record(conv.ID, caller, typing, s.now()) {
		if typing {
			metrics.TypingThrottled.Inc()
		}
		return nil
	}
	s.publish(context.WithoutCancel(ctx), realtime.Event{
		Kind:           realtime.KindTyping,
		ConversationID: conv.ID,
		User:           caller,
		Typing:         typing,
	})
	return nil
}

// ClearTyping announces "stopped" in every conversation where user was
// still typing. Called when a user's connection goes away.
func (s *Service) ClearTyping(ctx context.Context, user string) {
	for _, conv := range s.presence.Forget(user, s.now()) {
		s.publish(ctx, realtime.Event{
			Kind:           realtime.KindTyping,
			ConversationID: conv,
			User:           user,
		})
	}
}

// UnreadCount is the number of caller's conversations holding at least one
// unread message from the peer.
func (s *Service) UnreadCount(ctx context.Context, caller string) (int, error) {
	if caller == "" {
		return 0, apperr.Unauthenticated("no current user")
	}
	n, err := s.store.UnreadConversations(ctx, caller)
	if err != nil {
		return 0, storeError("count unread", err)
	}
	return n, nil
}

func (s *Service) checkGate(a, b string) error {
	ok, err := s.gate.AreConnected(a, b)
	if err != nil {
		return storeError("check relationship", err)
	}
	if !ok {
		return apperr.NotAuthorized("users are not connected")
	}
	return nil
}

// publish is best effort: sessions that miss an event recover through
// history on reconnect or by polling.
func (s *Service) publish(ctx context.Context, ev realtime.Event) {
	if err := s.broker.Publish(ctx, ev); err != nil {
		s.log.Warn().Err(err).
			Str("conversation", ev.ConversationID).
			Str("kind", string(ev.Kind)).
			Msg("Failed to publish event")
	}
}

func storeError(op string, err error) error {
	if errors.Is(err, db.ErrNoRows) {
		return apperr.NotFound("conversation not found")
	}
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		return err
	}
	return apperr.Transient(op, err)
}
