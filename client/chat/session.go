// Package chat holds the per-conversation client controller. A Session owns
// the displayed sequence of one open conversation: it loads history, sends
// optimistically, folds realtime events in, drives the typing heartbeat and
// marks the peer's messages read while the conversation is on screen.
//
// A Session is not safe for concurrent use. Every method must run on the
// loop that Config.Dispatch posts to; backend calls run through Config.Spawn
// and post their results back through Dispatch.
package chat

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"dmsim/apperr"
	"dmsim/models"
	"dmsim/presence"
)

// Backend is the server surface a Session needs. *conn.Client implements it.
type Backend interface {
	History(ctx context.Context, conv string, afterID int64, limit int) ([]models.Message, error)
	Append(ctx context.Context, conv, ref, body string) (models.Message, error)
	MarkRead(ctx context.Context, conv string) (int, error)
	Subscribe(ctx context.Context, conv string, h Handlers) (Subscription, error)
	PublishTyping(ctx context.Context, conv string, typing bool) error
}

type Subscription interface {
	Close() error
}

// Handlers receive realtime events for one subscription. They are called
// from the transport's goroutine.
type Handlers struct {
	OnInsert func(models.Message)
	OnUpdate func(models.ReadReceipt)
	OnTyping func(user string, typing bool)
	OnDrop   func(error)
}

// Entry is one item of the displayed sequence: Confirmed or Pending.
type Entry interface {
	entry()
}

// Confirmed is a message the server has persisted.
type Confirmed struct {
	models.Message
}

// Pending is an optimistic entry waiting for the server. LocalID never
// leaves the client except as the send reference.
type Pending struct {
	LocalID  string
	Body     string
	QueuedAt time.Time
}

func (Confirmed) entry() {}
func (Pending) entry()   {}

type Timer interface {
	Stop() bool
}

type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

type Config struct {
	Me             string
	Peer           string
	ConversationID string

	TypingWindow   time.Duration // peer typing expiry and local quiet period
	TypingThrottle time.Duration // minimum gap between outgoing heartbeats
	PollInterval   time.Duration // refresh interval while the channel is down
	RequestTimeout time.Duration

	// Dispatch runs f on the session loop. Defaults to running it inline
	// under a mutex.
	Dispatch func(f func())
	// Spawn runs blocking backend work. Defaults to a new goroutine.
	Spawn func(f func())
	Clock Clock
	// Location is the viewer's frame for day dividers.
	Location *time.Location
	// OnChange is called on the loop after any visible state changed.
	OnChange func()
	Log      zerolog.Logger
}

func (c *Config) setDefaults() {
	if c.TypingWindow <= 0 {
		c.TypingWindow = 2 * time.Second
	}
	if c.TypingThrottle <= 0 {
		c.TypingThrottle = 500 * time.Millisecond
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 3 * time.Second
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 10 * time.Second
	}
	if c.Dispatch == nil {
		var mu sync.Mutex
		c.Dispatch = func(f func()) {
			mu.Lock()
			defer mu.Unlock()
			f()
		}
	}
	if c.Spawn == nil {
		c.Spawn = func(f func()) { go f() }
	}
	if c.Clock == nil {
		c.Clock = systemClock{}
	}
	if c.Location == nil {
		c.Location = time.Local
	}
}

type Session struct {
	cfg     Config
	backend Backend
	log     zerolog.Logger

	entries  []Entry
	compose  string
	notice   string
	visible  bool
	closed   bool
	degraded bool

	sub    Subscription
	subGen int

	// outgoing typing state
	typingActive  bool
	lastHeartbeat time.Time
	quietTimer    Timer
	quietGen      int
	typingSending bool
	typingQueued  bool
	typingNext    bool

	// incoming typing state
	peerTyping *presence.Tracker
	peerTimer  Timer

	pollTimer   Timer
	pollPending bool

	reconciling    bool
	reconcileAgain bool
}

func NewSession(backend Backend, cfg Config) *Session {
	cfg.setDefaults()
	return &Session{
		cfg:        cfg,
		backend:    backend,
		log:        cfg.Log.With().Str("conversation", cfg.ConversationID).Logger(),
		peerTyping: presence.NewTracker(cfg.TypingWindow, 0),
	}
}

func (s *Session) ConversationID() string { return s.cfg.ConversationID }

func (s *Session) Peer() string { return s.cfg.Peer }

// Open subscribes to the conversation channel and loads its history. If the
// channel cannot be reached the session polls instead.
func (s *Session) Open() {
	s.refresh()
}

// Close unsubscribes and cancels every timer. An append still in flight
// completes on the server but is no longer shown here.
func (s *Session) Close() {
	if s.closed {
		return
	}
	s.stopTyping()
	s.closed = true
	s.subGen++
	if s.sub != nil {
		if err := s.sub.Close(); err != nil {
			s.log.Debug().Err(err).Msg("Unsubscribe failed")
		}
		s.sub = nil
	}
	stopTimer(s.peerTimer)
	stopTimer(s.pollTimer)
	s.pollPending = false
	s.peerTyping.Reset(s.cfg.ConversationID)
}

// SetVisible records whether the conversation is on screen. Becoming
// visible marks the peer's messages read.
func (s *Session) SetVisible(visible bool) {
	s.visible = visible
	if visible {
		s.reconcileRead()
	}
}

// Send appends body optimistically and persists it in the background.
// Blank input is ignored.
func (s *Session) Send(input string) {
	body := strings.TrimSpace(input)
	if body == "" || s.closed {
		return
	}

	s.stopTyping()

	p := Pending{
		LocalID:  "local-" + uuid.NewString(),
		Body:     body,
		QueuedAt: s.cfg.Clock.Now(),
	}
	s.entries = append(s.entries, p)
	s.compose = ""
	s.notice = ""
	s.changed()

	conv := s.cfg.ConversationID
	s.cfg.Spawn(func() {
		ctx, cancel := s.requestContext()
		msg, err := s.backend.Append(ctx, conv, p.LocalID, p.Body)
		cancel()
		s.cfg.Dispatch(func() { s.settle(p, input, msg, err) })
	})
}

// settle resolves a pending entry. On failure the compose field gets input
// back as it was typed.
func (s *Session) settle(p Pending, input string, msg models.Message, err error) {
	if s.closed {
		return
	}
	i := s.indexOfPending(p.LocalID)

	if err != nil {
		s.log.Warn().Err(err).Str("ref", p.LocalID).Msg("Send failed")
		if i >= 0 {
			s.removeAt(i)
		}
		if s.compose == "" {
			s.compose = input
		} else {
			s.compose = input + " " + s.compose
		}
		s.notice = noticeFor(err)
		s.changed()
		return
	}

	if i < 0 {
		s.upsert(msg)
		s.changed()
		return
	}
	if j := s.indexOfConfirmed(msg.ID); j >= 0 {
		// already delivered by another path
		s.removeAt(i)
		s.upsert(msg)
		s.changed()
		return
	}

	s.entries[i] = Confirmed{msg}
	if !s.inOrder(i) {
		s.removeAt(i)
		s.insertConfirmed(msg)
	}
	s.changed()
}

// SetCompose records the compose text and drives the typing heartbeat.
func (s *Session) SetCompose(text string) {
	if text == s.compose {
		return
	}
	s.compose = text
	if s.closed {
		return
	}
	if strings.TrimSpace(text) == "" {
		s.stopTyping()
		return
	}

	now := s.cfg.Clock.Now()
	if !s.typingActive || now.Sub(s.lastHeartbeat) >= s.cfg.TypingThrottle {
		s.typingActive = true
		s.lastHeartbeat = now
		s.publishTyping(true)
	}

	s.quietGen++
	gen := s.quietGen
	stopTimer(s.quietTimer)
	s.quietTimer = s.after(s.cfg.TypingWindow, func() {
		if gen == s.quietGen {
			s.stopTyping()
		}
	})
}

func (s *Session) stopTyping() {
	s.quietGen++
	stopTimer(s.quietTimer)
	s.quietTimer = nil
	if !s.typingActive {
		return
	}
	s.typingActive = false
	s.publishTyping(false)
}

// publishTyping sends one signal at a time off the loop. Signals raised
// while one is in flight collapse into the latest.
func (s *Session) publishTyping(typing bool) {
	if s.degraded || s.closed {
		return
	}
	if s.typingSending {
		s.typingQueued = true
		s.typingNext = typing
		return
	}
	s.sendTyping(typing)
}

func (s *Session) sendTyping(typing bool) {
	s.typingSending = true
	conv := s.cfg.ConversationID
	s.cfg.Spawn(func() {
		ctx, cancel := s.requestContext()
		err := s.backend.PublishTyping(ctx, conv, typing)
		cancel()
		s.cfg.Dispatch(func() {
			if err != nil {
				s.log.Debug().Err(err).Bool("typing", typing).Msg("Typing signal not sent")
			}
			s.typingSending = false
			if s.typingQueued {
				s.typingQueued = false
				s.sendTyping(s.typingNext)
			}
		})
	})
}

// refresh reloads history and, when there is no live subscription,
// subscribes again.
func (s *Session) refresh() {
	needSub := s.sub == nil
	gen := s.subGen
	var handlers Handlers
	if needSub {
		s.subGen++
		gen = s.subGen
		handlers = s.handlers(gen)
	}

	conv := s.cfg.ConversationID
	s.cfg.Spawn(func() {
		ctx, cancel := s.requestContext()
		defer cancel()

		var sub Subscription
		var subErr error
		if needSub {
			sub, subErr = s.backend.Subscribe(ctx, conv, handlers)
		}
		msgs, histErr := s.backend.History(ctx, conv, 0, 0)

		s.cfg.Dispatch(func() {
			s.refreshed(needSub, gen, sub, subErr, msgs, histErr)
		})
	})
}

func (s *Session) refreshed(needSub bool, gen int, sub Subscription, subErr error, msgs []models.Message, histErr error) {
	if s.closed {
		if sub != nil {
			sub.Close()
		}
		return
	}

	if needSub {
		switch {
		case gen != s.subGen:
			if sub != nil {
				sub.Close()
			}
		case subErr != nil:
			if !s.degraded {
				s.log.Warn().Err(subErr).Msg("Realtime channel unavailable, polling")
			}
			s.degraded = true
			s.peerTyping.Reset(s.cfg.ConversationID)
		default:
			s.sub = sub
			if s.degraded {
				s.log.Info().Msg("Realtime channel restored")
			}
			s.degraded = false
		}
	}

	if histErr != nil {
		s.log.Warn().Err(histErr).Msg("History refresh failed")
	} else {
		for _, m := range msgs {
			s.upsert(m)
		}
		s.reconcileRead()
	}

	if s.degraded || histErr != nil {
		s.schedulePoll()
	}
	s.changed()
}

func (s *Session) schedulePoll() {
	if s.pollPending || s.closed {
		return
	}
	s.pollPending = true
	s.pollTimer = s.after(s.cfg.PollInterval, func() {
		s.pollPending = false
		if !s.closed {
			s.refresh()
		}
	})
}

func (s *Session) handlers(gen int) Handlers {
	live := func() bool { return !s.closed && gen == s.subGen }
	return Handlers{
		OnInsert: func(m models.Message) {
			s.cfg.Dispatch(func() {
				if live() {
					s.onInsert(m)
				}
			})
		},
		OnUpdate: func(r models.ReadReceipt) {
			s.cfg.Dispatch(func() {
				if live() {
					s.onUpdate(r)
				}
			})
		},
		OnTyping: func(user string, typing bool) {
			s.cfg.Dispatch(func() {
				if live() {
					s.onTyping(user, typing)
				}
			})
		},
		OnDrop: func(err error) {
			s.cfg.Dispatch(func() {
				if live() {
					s.onDrop(err)
				}
			})
		},
	}
}

func (s *Session) onInsert(m models.Message) {
	if m.ConversationID != s.cfg.ConversationID {
		return
	}
	s.upsert(m)
	if m.Sender == s.cfg.Peer {
		s.reconcileRead()
	}
	s.changed()
}

func (s *Session) onUpdate(r models.ReadReceipt) {
	i := s.indexOfConfirmed(r.MessageID)
	if i < 0 {
		return
	}
	c := s.entries[i].(Confirmed)
	readAt := r.ReadAt
	c.ReadAt = &readAt
	s.entries[i] = c
	s.changed()
}

func (s *Session) onTyping(user string, typing bool) {
	if user != s.cfg.Peer || s.degraded {
		return
	}
	now := s.cfg.Clock.Now()
	s.peerTyping.Record(s.cfg.ConversationID, user, typing, now)

	stopTimer(s.peerTimer)
	s.peerTimer = nil
	if at, ok := s.peerTyping.Expiry(s.cfg.ConversationID, user, now); ok {
		s.peerTimer = s.after(at.Sub(now), s.changed)
	}
	s.changed()
}

func (s *Session) onDrop(err error) {
	s.log.Warn().Err(err).Msg("Realtime channel dropped, polling")
	s.sub = nil
	s.subGen++
	s.degraded = true
	s.peerTyping.Reset(s.cfg.ConversationID)
	stopTimer(s.peerTimer)
	s.peerTimer = nil
	s.schedulePoll()
	s.changed()
}

// reconcileRead marks the peer's messages read while the conversation is
// visible. Calls never overlap; a trigger during a call runs once more
// afterwards.
func (s *Session) reconcileRead() {
	if !s.visible || s.closed || !s.hasUnreadFromPeer() {
		return
	}
	if s.reconciling {
		s.reconcileAgain = true
		return
	}
	s.reconciling = true

	conv := s.cfg.ConversationID
	s.cfg.Spawn(func() {
		ctx, cancel := s.requestContext()
		n, err := s.backend.MarkRead(ctx, conv)
		cancel()
		s.cfg.Dispatch(func() {
			s.reconciling = false
			if err != nil {
				s.log.Debug().Err(err).Msg("Mark read failed")
			} else {
				s.log.Debug().Int("count", n).Msg("Marked read")
			}
			if s.reconcileAgain {
				s.reconcileAgain = false
				s.reconcileRead()
			}
		})
	})
}

func (s *Session) hasUnreadFromPeer() bool {
	for _, e := range s.entries {
		if c, ok := e.(Confirmed); ok && c.Sender == s.cfg.Peer && c.ReadAt == nil {
			return true
		}
	}
	return false
}

// upsert adds m in order, or refreshes the read time of a known message.
func (s *Session) upsert(m models.Message) {
	if i := s.indexOfConfirmed(m.ID); i >= 0 {
		if m.ReadAt != nil {
			c := s.entries[i].(Confirmed)
			c.ReadAt = m.ReadAt
			s.entries[i] = c
		}
		return
	}
	s.insertConfirmed(m)
}

// insertConfirmed places m before the first later confirmed message, or
// after the last confirmed one. Pending entries stay at the tail.
func (s *Session) insertConfirmed(m models.Message) {
	pos := 0
	for i, e := range s.entries {
		c, ok := e.(Confirmed)
		if !ok {
			continue
		}
		if m.Before(c.Message) {
			pos = i
			break
		}
		pos = i + 1
	}
	s.entries = append(s.entries, nil)
	copy(s.entries[pos+1:], s.entries[pos:])
	s.entries[pos] = Confirmed{m}
}

// inOrder reports whether the confirmed entry at i sorts between its
// confirmed neighbours.
func (s *Session) inOrder(i int) bool {
	m := s.entries[i].(Confirmed).Message
	for j := i - 1; j >= 0; j-- {
		if c, ok := s.entries[j].(Confirmed); ok {
			if !c.Before(m) {
				return false
			}
			break
		}
	}
	for j := i + 1; j < len(s.entries); j++ {
		if c, ok := s.entries[j].(Confirmed); ok {
			return m.Before(c.Message)
		}
	}
	return true
}

func (s *Session) indexOfConfirmed(id int64) int {
	for i, e := range s.entries {
		if c, ok := e.(Confirmed); ok && c.ID == id {
			return i
		}
	}
	return -1
}

func (s *Session) indexOfPending(localID string) int {
	for i, e := range s.entries {
		if p, ok := e.(Pending); ok && p.LocalID == localID {
			return i
		}
	}
	return -1
}

func (s *Session) removeAt(i int) {
	s.entries = append(s.entries[:i], s.entries[i+1:]...)
}

// Entries returns a copy of the displayed sequence.
func (s *Session) Entries() []Entry {
	out := make([]Entry, len(s.entries))
	copy(out, s.entries)
	return out
}

func (s *Session) changed() {
	if s.cfg.OnChange != nil && !s.closed {
		s.cfg.OnChange()
	}
}

// after runs f on the loop once d has elapsed.
func (s *Session) after(d time.Duration, f func()) Timer {
	return s.cfg.Clock.AfterFunc(d, func() { s.cfg.Dispatch(f) })
}

func (s *Session) requestContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), s.cfg.RequestTimeout)
}

func stopTimer(t Timer) {
	if t != nil {
		t.Stop()
	}
}

func noticeFor(err error) string {
	switch apperr.KindOf(err) {
	case apperr.KindInvalidMessage:
		return "Message is empty"
	case apperr.KindNotAuthorized:
		return "You can no longer message this contact"
	case apperr.KindNotFound:
		return "Conversation not found"
	default:
		return "Message not sent, try again"
	}
}
