package chat

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dmsim/apperr"
	"dmsim/models"
)

const testConv = "c1"

// loop runs dispatched callbacks and spawned jobs only when the test asks.
type loop struct {
	queue []func()
	jobs  []func()
}

func (l *loop) dispatch(f func()) { l.queue = append(l.queue, f) }
func (l *loop) spawn(f func())    { l.jobs = append(l.jobs, f) }

func (l *loop) run() {
	for len(l.queue) > 0 || len(l.jobs) > 0 {
		for len(l.jobs) > 0 {
			f := l.jobs[0]
			l.jobs = l.jobs[1:]
			f()
		}
		for len(l.queue) > 0 {
			f := l.queue[0]
			l.queue = l.queue[1:]
			f()
		}
	}
}

type fakeTimer struct {
	at      time.Time
	f       func()
	stopped bool
	fired   bool
}

func (t *fakeTimer) Stop() bool {
	active := !t.stopped && !t.fired
	t.stopped = true
	return active
}

type fakeClock struct {
	now    time.Time
	timers []*fakeTimer
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	t := &fakeTimer{at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.now = c.now.Add(d)
	due := make([]*fakeTimer, 0)
	for _, t := range c.timers {
		if !t.stopped && !t.fired && !t.at.After(c.now) {
			due = append(due, t)
		}
	}
	sort.SliceStable(due, func(i, j int) bool { return due[i].at.Before(due[j].at) })
	for _, t := range due {
		t.fired = true
		t.f()
	}
}

type appendCall struct {
	ref  string
	body string
}

type fakeBackend struct {
	clock *fakeClock

	history      []models.Message
	historyErr   error
	historyCalls int

	subErr    error
	subCalls  int
	subClosed int
	handlers  Handlers

	appendErr error
	appended  []appendCall
	nextID    int64

	markReads int
	typing    []bool
}

type fakeSub struct {
	b *fakeBackend
}

func (s *fakeSub) Close() error {
	s.b.subClosed++
	return nil
}

func (b *fakeBackend) History(ctx context.Context, conv string, afterID int64, limit int) ([]models.Message, error) {
	b.historyCalls++
	if b.historyErr != nil {
		return nil, b.historyErr
	}
	out := make([]models.Message, len(b.history))
	copy(out, b.history)
	return out, nil
}

func (b *fakeBackend) Append(ctx context.Context, conv, ref, body string) (models.Message, error) {
	b.appended = append(b.appended, appendCall{ref: ref, body: body})
	if b.appendErr != nil {
		return models.Message{}, b.appendErr
	}
	b.nextID++
	return models.Message{
		ID:             100 + b.nextID,
		ConversationID: conv,
		Sender:         "alice",
		Body:           body,
		CreatedAt:      b.clock.now,
	}, nil
}

func (b *fakeBackend) MarkRead(ctx context.Context, conv string) (int, error) {
	b.markReads++
	return 1, nil
}

func (b *fakeBackend) Subscribe(ctx context.Context, conv string, h Handlers) (Subscription, error) {
	b.subCalls++
	if b.subErr != nil {
		return nil, b.subErr
	}
	b.handlers = h
	return &fakeSub{b: b}, nil
}

func (b *fakeBackend) PublishTyping(ctx context.Context, conv string, typing bool) error {
	b.typing = append(b.typing, typing)
	return nil
}

type harness struct {
	loop    *loop
	clock   *fakeClock
	backend *fakeBackend
	session *Session
	changes int
}

var t0 = time.Date(2024, 1, 2, 12, 0, 0, 0, time.UTC)

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		loop:  &loop{},
		clock: &fakeClock{now: t0},
	}
	h.backend = &fakeBackend{clock: h.clock}
	h.session = NewSession(h.backend, Config{
		Me:             "alice",
		Peer:           "bob",
		ConversationID: testConv,
		TypingWindow:   2 * time.Second,
		TypingThrottle: 500 * time.Millisecond,
		PollInterval:   3 * time.Second,
		Dispatch:       h.loop.dispatch,
		Spawn:          h.loop.spawn,
		Clock:          h.clock,
		Location:       time.UTC,
		OnChange:       func() { h.changes++ },
	})
	return h
}

func (h *harness) open() {
	h.session.Open()
	h.loop.run()
}

func (h *harness) advance(d time.Duration) {
	h.clock.Advance(d)
	h.loop.run()
}

func msg(id int64, sender string, at time.Time) models.Message {
	return models.Message{ID: id, ConversationID: testConv, Sender: sender, Body: "m", CreatedAt: at}
}

func confirmedIDs(entries []Entry) []int64 {
	var ids []int64
	for _, e := range entries {
		if c, ok := e.(Confirmed); ok {
			ids = append(ids, c.ID)
		}
	}
	return ids
}

func messageLines(v View) []Line {
	var out []Line
	for _, l := range v.Lines {
		if l.Divider == "" {
			out = append(out, l)
		}
	}
	return out
}

func TestOpenLoadsHistoryAndSubscribes(t *testing.T) {
	h := newHarness(t)
	h.backend.history = []models.Message{
		msg(2, "bob", t0.Add(-time.Minute)),
		msg(1, "alice", t0.Add(-2*time.Minute)),
	}

	h.open()

	assert.Equal(t, 1, h.backend.subCalls)
	assert.Equal(t, 1, h.backend.historyCalls)
	assert.Equal(t, []int64{1, 2}, confirmedIDs(h.session.Entries()))
	assert.False(t, h.session.View().Degraded)
	assert.Positive(t, h.changes)
}

func TestOptimisticSendConfirmed(t *testing.T) {
	h := newHarness(t)
	h.backend.history = []models.Message{msg(1, "bob", t0.Add(-time.Minute))}
	h.open()

	h.session.SetCompose("hey")
	h.session.Send("hey")

	entries := h.session.Entries()
	require.Len(t, entries, 2)
	p, ok := entries[1].(Pending)
	require.True(t, ok)
	assert.Equal(t, "hey", p.Body)
	assert.Contains(t, p.LocalID, "local-")
	assert.Empty(t, h.session.View().Compose)

	lines := messageLines(h.session.View())
	assert.True(t, lines[1].Pending)
	assert.False(t, lines[1].Seen)

	h.loop.run()

	require.Len(t, h.backend.appended, 1)
	assert.Equal(t, p.LocalID, h.backend.appended[0].ref)

	entries = h.session.Entries()
	require.Len(t, entries, 2)
	c, ok := entries[1].(Confirmed)
	require.True(t, ok)
	assert.Equal(t, int64(101), c.ID)
	assert.Equal(t, "hey", c.Body)
}

func TestSendFailureRollsBack(t *testing.T) {
	h := newHarness(t)
	h.backend.history = []models.Message{msg(1, "bob", t0.Add(-time.Minute))}
	h.open()
	before := h.session.Entries()

	h.backend.appendErr = apperr.Transient("append", errors.New("disk full"))
	h.session.SetCompose("hello")
	h.session.Send("hello")
	h.loop.run()

	assert.Equal(t, before, h.session.Entries())
	v := h.session.View()
	assert.Equal(t, "hello", v.Compose)
	assert.NotEmpty(t, v.Notice)
	assert.Len(t, h.backend.appended, 1, "no automatic retry")
}

func TestSendFailureKeepsNewerComposeText(t *testing.T) {
	h := newHarness(t)
	h.open()

	h.backend.appendErr = apperr.Transient("append", errors.New("timeout"))
	h.session.Send("first")
	h.session.SetCompose("second")
	h.loop.run()

	assert.Equal(t, "first second", h.session.View().Compose)
	assert.Empty(t, h.session.Entries())
}

func TestSendFailureRestoresInputAsTyped(t *testing.T) {
	h := newHarness(t)
	h.open()

	h.backend.appendErr = apperr.Transient("append", errors.New("timeout"))
	h.session.Send("  see you at 5 \n")
	h.loop.run()

	require.Len(t, h.backend.appended, 1)
	assert.Equal(t, "see you at 5", h.backend.appended[0].body)
	assert.Equal(t, "  see you at 5 \n", h.session.View().Compose)
}

func TestSendBlankIsNoop(t *testing.T) {
	h := newHarness(t)
	h.open()

	h.session.Send("   ")
	h.loop.run()

	assert.Empty(t, h.session.Entries())
	assert.Empty(t, h.backend.appended)
}

func TestInsertDedupAndOrder(t *testing.T) {
	h := newHarness(t)
	h.backend.history = []models.Message{msg(1, "alice", t0.Add(-3*time.Minute))}
	h.open()

	later := msg(3, "bob", t0.Add(-time.Minute))
	h.backend.handlers.OnInsert(later)
	h.backend.handlers.OnInsert(later)
	h.backend.handlers.OnInsert(msg(2, "bob", t0.Add(-2*time.Minute)))
	h.loop.run()

	assert.Equal(t, []int64{1, 2, 3}, confirmedIDs(h.session.Entries()))
}

func TestInsertKeepsPendingAtTail(t *testing.T) {
	h := newHarness(t)
	h.open()

	h.session.Send("mine")
	h.backend.handlers.OnInsert(msg(5, "bob", t0.Add(-time.Second)))
	// run only the dispatched insert, not the append
	for len(h.loop.queue) > 0 {
		f := h.loop.queue[0]
		h.loop.queue = h.loop.queue[1:]
		f()
	}

	entries := h.session.Entries()
	require.Len(t, entries, 2)
	assert.IsType(t, Confirmed{}, entries[0])
	assert.IsType(t, Pending{}, entries[1])
}

func TestSeenMarkerRule(t *testing.T) {
	h := newHarness(t)
	readAt := t0.Add(-30 * time.Second)
	m1 := msg(1, "alice", t0.Add(-3*time.Minute))
	m1.ReadAt = &readAt
	m2 := msg(2, "alice", t0.Add(-2*time.Minute))
	m3 := msg(3, "bob", t0.Add(-time.Minute))
	m3.ReadAt = &readAt
	h.backend.history = []models.Message{m1, m2, m3}
	h.open()

	seen := func() []int64 {
		var ids []int64
		for _, l := range messageLines(h.session.View()) {
			if l.Seen {
				ids = append(ids, l.ID)
			}
		}
		return ids
	}

	assert.Equal(t, []int64{1}, seen(), "only the latest read own message")

	h.session.Send("pending one")
	assert.Equal(t, []int64{1}, seen(), "pending entries never carry the marker")

	h.backend.handlers.OnUpdate(models.ReadReceipt{ConversationID: testConv, MessageID: 2, ReadAt: t0})
	h.loop.run()
	assert.Equal(t, []int64{2}, seen())
}

func TestDayDividers(t *testing.T) {
	h := newHarness(t)
	h.backend.history = []models.Message{
		msg(1, "alice", time.Date(2024, 1, 1, 23, 59, 0, 0, time.UTC)),
		msg(2, "bob", time.Date(2024, 1, 2, 0, 1, 0, 0, time.UTC)),
	}
	h.open()

	v := h.session.View()
	require.Len(t, v.Lines, 4)
	assert.Equal(t, "Yesterday", v.Lines[0].Divider)
	assert.Equal(t, int64(1), v.Lines[1].ID)
	assert.Equal(t, "Today", v.Lines[2].Divider)
	assert.Equal(t, int64(2), v.Lines[3].ID)
}

func TestDayLabel(t *testing.T) {
	now := time.Date(2024, 3, 10, 9, 0, 0, 0, time.UTC)
	assert.Equal(t, "Today", DayLabel(now.Add(-time.Hour), now))
	assert.Equal(t, "Yesterday", DayLabel(now.Add(-24*time.Hour), now))
	assert.Equal(t, "March 1", DayLabel(time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), now))
	assert.Equal(t, "December 31, 2023", DayLabel(time.Date(2023, 12, 31, 0, 0, 0, 0, time.UTC), now))
}

func TestTypingHeartbeatThrottleAndQuiet(t *testing.T) {
	h := newHarness(t)
	h.open()

	h.session.SetCompose("h")
	h.loop.run()
	assert.Equal(t, []bool{true}, h.backend.typing)

	h.advance(100 * time.Millisecond)
	h.session.SetCompose("he")
	h.loop.run()
	assert.Equal(t, []bool{true}, h.backend.typing, "throttled")

	h.advance(500 * time.Millisecond)
	h.session.SetCompose("hel")
	h.loop.run()
	assert.Equal(t, []bool{true, true}, h.backend.typing)

	h.advance(1900 * time.Millisecond)
	assert.Equal(t, []bool{true, true}, h.backend.typing)

	h.advance(200 * time.Millisecond)
	assert.Equal(t, []bool{true, true, false}, h.backend.typing, "quiet period ends typing")
}

func TestSendStopsTyping(t *testing.T) {
	h := newHarness(t)
	h.open()

	h.session.SetCompose("hi")
	h.session.Send("hi")
	h.loop.run()
	assert.Equal(t, []bool{true, false}, h.backend.typing)

	h.advance(5 * time.Second)
	assert.Equal(t, []bool{true, false}, h.backend.typing)
}

func TestClearingComposeStopsTyping(t *testing.T) {
	h := newHarness(t)
	h.open()

	h.session.SetCompose("x")
	h.session.SetCompose("")
	h.loop.run()
	assert.Equal(t, []bool{true, false}, h.backend.typing)
}

func TestTypingIsSentOffTheLoop(t *testing.T) {
	h := newHarness(t)
	h.open()

	h.session.SetCompose("a")
	assert.Empty(t, h.backend.typing, "keystrokes never wait on the socket")

	// signals raised while the first is stuck collapse into the latest
	h.clock.Advance(600 * time.Millisecond)
	h.session.SetCompose("ab")
	h.session.SetCompose("")
	assert.Empty(t, h.backend.typing)

	h.loop.run()
	assert.Equal(t, []bool{true, false}, h.backend.typing)
}

func TestPeerTypingExpires(t *testing.T) {
	h := newHarness(t)
	h.open()

	h.backend.handlers.OnTyping("bob", true)
	h.backend.handlers.OnTyping("alice", true)
	h.loop.run()
	assert.True(t, h.session.View().PeerTyping)

	h.advance(time.Second)
	assert.True(t, h.session.View().PeerTyping)

	changes := h.changes
	h.advance(1500 * time.Millisecond)
	assert.False(t, h.session.View().PeerTyping, "no refresh within the window")
	assert.Greater(t, h.changes, changes, "expiry redraws")
}

func TestPeerTypingStopSignal(t *testing.T) {
	h := newHarness(t)
	h.open()

	h.backend.handlers.OnTyping("bob", true)
	h.backend.handlers.OnTyping("bob", false)
	h.loop.run()
	assert.False(t, h.session.View().PeerTyping)
}

func TestSubscribeFailureFallsBackToPolling(t *testing.T) {
	h := newHarness(t)
	h.backend.subErr = apperr.ChannelUnavailable("subscribe", errors.New("refused"))
	h.open()

	v := h.session.View()
	assert.True(t, v.Degraded)
	assert.Empty(t, v.Notice, "channel loss is not an error for the user")

	h.session.SetCompose("typing while degraded")
	assert.Empty(t, h.backend.typing)

	h.session.Send("still works")
	h.loop.run()
	assert.Equal(t, []int64{101}, confirmedIDs(h.session.Entries()))

	h.backend.history = append(h.backend.history, msg(7, "bob", t0.Add(time.Second)))
	h.advance(3 * time.Second)
	assert.Equal(t, 2, h.backend.historyCalls)
	assert.Equal(t, 2, h.backend.subCalls)
	assert.Contains(t, confirmedIDs(h.session.Entries()), int64(7))
	assert.True(t, h.session.View().Degraded)

	h.backend.subErr = nil
	h.advance(3 * time.Second)
	assert.False(t, h.session.View().Degraded)
	assert.Equal(t, 3, h.backend.subCalls)

	h.advance(10 * time.Second)
	assert.Equal(t, 3, h.backend.historyCalls, "polling stops once subscribed")
}

func TestDropFallsBackToPolling(t *testing.T) {
	h := newHarness(t)
	h.open()

	h.backend.handlers.OnTyping("bob", true)
	h.loop.run()
	require.True(t, h.session.View().PeerTyping)

	stale := h.backend.handlers
	stale.OnDrop(errors.New("connection lost"))
	h.loop.run()

	v := h.session.View()
	assert.True(t, v.Degraded)
	assert.False(t, v.PeerTyping)

	h.advance(3 * time.Second)
	assert.Equal(t, 2, h.backend.subCalls)
	assert.False(t, h.session.View().Degraded)

	stale.OnInsert(msg(9, "bob", t0))
	h.loop.run()
	assert.NotContains(t, confirmedIDs(h.session.Entries()), int64(9), "events from a dead subscription are ignored")
}

func TestCloseUnsubscribesAndCancelsTimers(t *testing.T) {
	h := newHarness(t)
	h.open()

	h.session.SetCompose("x")
	h.backend.handlers.OnTyping("bob", true)
	h.loop.run()

	h.session.Close()
	h.loop.run()
	assert.Equal(t, 1, h.backend.subClosed)
	assert.Equal(t, []bool{true, false}, h.backend.typing)

	changes := h.changes
	h.backend.handlers.OnInsert(msg(3, "bob", t0))
	h.advance(10 * time.Second)
	assert.Equal(t, changes, h.changes)
	assert.Equal(t, []bool{true, false}, h.backend.typing)
	assert.Empty(t, h.session.Entries())
}

func TestInFlightSendAfterCloseIsDropped(t *testing.T) {
	h := newHarness(t)
	h.open()

	h.session.Send("bye")
	h.session.Close()
	changes := h.changes
	h.loop.run()

	require.Len(t, h.backend.appended, 1, "the append still completes")
	assert.Equal(t, changes, h.changes)
}

func TestReconcilerTriggers(t *testing.T) {
	h := newHarness(t)
	h.backend.history = []models.Message{msg(1, "bob", t0.Add(-time.Minute))}
	h.open()
	assert.Equal(t, 0, h.backend.markReads, "not visible yet")

	h.session.SetVisible(true)
	h.loop.run()
	assert.Equal(t, 1, h.backend.markReads)

	h.backend.handlers.OnInsert(msg(2, "bob", t0))
	h.loop.run()
	assert.Equal(t, 2, h.backend.markReads)

	h.session.SetVisible(false)
	h.backend.handlers.OnInsert(msg(3, "bob", t0.Add(time.Second)))
	h.loop.run()
	assert.Equal(t, 2, h.backend.markReads, "hidden conversations are not marked")
}

func TestReconcilerCoalescesOverlappingTriggers(t *testing.T) {
	h := newHarness(t)
	h.backend.history = []models.Message{msg(1, "bob", t0.Add(-time.Minute))}
	h.open()

	h.session.SetVisible(true)
	h.session.SetVisible(true)
	h.session.SetVisible(true)
	h.loop.run()

	assert.Equal(t, 2, h.backend.markReads)
}

func TestReconcilerSkipsWhenNothingUnread(t *testing.T) {
	h := newHarness(t)
	readAt := t0
	m := msg(1, "bob", t0.Add(-time.Minute))
	m.ReadAt = &readAt
	h.backend.history = []models.Message{m, msg(2, "alice", t0)}
	h.open()

	h.session.SetVisible(true)
	h.loop.run()
	assert.Equal(t, 0, h.backend.markReads)
}
