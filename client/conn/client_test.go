package conn

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dmsim/apperr"
	"dmsim/client/chat"
	"dmsim/db"
	"dmsim/messaging"
	"dmsim/models"
	"dmsim/presence"
	"dmsim/protocol"
	"dmsim/realtime"
	"dmsim/server"
)

// fakeServer is the far end of an in-memory pipe, driven by the test.
type fakeServer struct {
	t      *testing.T
	conn   net.Conn
	reader *bufio.Reader
}

func newPair(t *testing.T) (*Client, *fakeServer) {
	t.Helper()
	serverConn, clientConn := net.Pipe()
	c := NewClient(zerolog.Nop())
	c.attach(clientConn)
	t.Cleanup(func() {
		serverConn.Close()
		c.Disconnect()
	})
	return c, &fakeServer{t: t, conn: serverConn, reader: bufio.NewReader(serverConn)}
}

func (s *fakeServer) expect(pktType string) *protocol.Packet {
	s.t.Helper()
	s.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	line, err := s.reader.ReadString('\n')
	require.NoError(s.t, err)
	pkt, err := protocol.ParsePacket(line)
	require.NoError(s.t, err)
	require.Equal(s.t, pktType, pkt.Type, "got %q", line)
	return pkt
}

func (s *fakeServer) send(pktType string, fields ...string) {
	s.t.Helper()
	s.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	_, err := s.conn.Write([]byte(protocol.Encode(pktType, fields...)))
	require.NoError(s.t, err)
}

func ctx5s(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestStartConversation(t *testing.T) {
	c, srv := newPair(t)

	type result struct {
		id  string
		err error
	}
	done := make(chan result, 1)
	go func() {
		id, err := c.StartConversation(ctx5s(t), "bob")
		done <- result{id, err}
	}()

	pkt := srv.expect(protocol.TypeConv)
	assert.Equal(t, "bob", pkt.Arg(0))
	srv.send(protocol.TypeConv, "bob", "c1")

	r := <-done
	require.NoError(t, r.err)
	assert.Equal(t, "c1", r.id)
}

func TestFailReplyMapsToKind(t *testing.T) {
	c, srv := newPair(t)

	done := make(chan error, 1)
	go func() {
		_, err := c.StartConversation(ctx5s(t), "mallory")
		done <- err
	}()

	srv.expect(protocol.TypeConv)
	srv.send(protocol.TypeFail, protocol.TypeConv, apperr.CodeNotAuthorized, "No relationship", "mallory")

	err := <-done
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindNotAuthorized))
	assert.Equal(t, "No relationship", err.Error())
}

func TestTimedOutWaiterAbsorbsLateReply(t *testing.T) {
	c, srv := newPair(t)

	first := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		_, err := c.Unread(ctx)
		first <- err
	}()
	srv.expect(protocol.TypeUnread)
	err := <-first
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindTransient))

	type result struct {
		n   int
		err error
	}
	second := make(chan result, 1)
	go func() {
		n, err := c.Unread(ctx5s(t))
		second <- result{n, err}
	}()
	srv.expect(protocol.TypeUnread)
	srv.send(protocol.TypeUnread, "1")
	srv.send(protocol.TypeUnread, "2")

	r := <-second
	require.NoError(t, r.err)
	assert.Equal(t, 2, r.n)
}

func TestHistoryAndAppend(t *testing.T) {
	c, srv := newPair(t)
	at := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	m := models.Message{ID: 4, ConversationID: "c1", Sender: "bob", Body: "a|b,c\nd", CreatedAt: at}

	hist := make(chan []models.Message, 1)
	go func() {
		msgs, err := c.History(ctx5s(t), "c1", 3, 10)
		assert.NoError(t, err)
		hist <- msgs
	}()
	pkt := srv.expect(protocol.TypeHist)
	assert.Equal(t, []string{"c1", "3", "10"}, pkt.Args)
	srv.send(protocol.TypeHist, "c1", protocol.EncodeMessage(m))

	msgs := <-hist
	require.Len(t, msgs, 1)
	assert.Equal(t, m.Body, msgs[0].Body)
	assert.True(t, msgs[0].CreatedAt.Equal(at))

	sent := make(chan models.Message, 1)
	go func() {
		msg, err := c.Append(ctx5s(t), "c1", "local-1", "hi")
		assert.NoError(t, err)
		sent <- msg
	}()
	pkt = srv.expect(protocol.TypeSend)
	assert.Equal(t, []string{"c1", "local-1", "hi"}, pkt.Args)
	reply := models.Message{ID: 5, ConversationID: "c1", Sender: "alice", Body: "hi", CreatedAt: at}
	srv.send(protocol.TypeSent, "c1", "local-1", protocol.EncodeMessage(reply))

	got := <-sent
	assert.Equal(t, int64(5), got.ID)
}

func TestSubscriptionRoutesEvents(t *testing.T) {
	c, srv := newPair(t)

	inserts := make(chan models.Message, 4)
	updates := make(chan models.ReadReceipt, 4)
	typing := make(chan bool, 4)
	h := chat.Handlers{
		OnInsert: func(m models.Message) { inserts <- m },
		OnUpdate: func(r models.ReadReceipt) { updates <- r },
		OnTyping: func(user string, on bool) { typing <- on },
	}

	subc := make(chan chat.Subscription, 1)
	go func() {
		sub, err := c.Subscribe(ctx5s(t), "c1", h)
		assert.NoError(t, err)
		subc <- sub
	}()
	srv.expect(protocol.TypeSub)
	srv.send(protocol.TypeOk, protocol.TypeSub, "c1")
	sub := <-subc
	require.NotNil(t, sub)

	at := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	m := models.Message{ID: 1, ConversationID: "c1", Sender: "bob", Body: "yo", CreatedAt: at}
	srv.send(protocol.TypeMsg, "other", protocol.EncodeMessage(m))
	srv.send(protocol.TypeMsg, "c1", protocol.EncodeMessage(m))
	srv.send(protocol.TypeSeen, "c1", "1", protocol.FormatTime(at))
	srv.send(protocol.TypeTyping, "c1", "bob", "1")

	select {
	case got := <-inserts:
		assert.Equal(t, "yo", got.Body)
	case <-time.After(5 * time.Second):
		t.Fatal("no insert")
	}
	select {
	case r := <-updates:
		assert.Equal(t, int64(1), r.MessageID)
		assert.True(t, r.ReadAt.Equal(at))
	case <-time.After(5 * time.Second):
		t.Fatal("no update")
	}
	select {
	case on := <-typing:
		assert.True(t, on)
	case <-time.After(5 * time.Second):
		t.Fatal("no typing")
	}
	assert.Empty(t, inserts, "events for other conversations are not routed")

	go sub.Close()
	pkt := srv.expect(protocol.TypeUnsub)
	assert.Equal(t, "c1", pkt.Arg(0))

	srv.send(protocol.TypeMsg, "c1", protocol.EncodeMessage(m))
	select {
	case <-inserts:
		t.Fatal("event after close")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSubscribeFailure(t *testing.T) {
	c, srv := newPair(t)

	done := make(chan error, 1)
	go func() {
		_, err := c.Subscribe(ctx5s(t), "c1", chat.Handlers{})
		done <- err
	}()
	srv.expect(protocol.TypeSub)
	srv.send(protocol.TypeFail, protocol.TypeSub, apperr.CodeInternal, "Internal error", "c1")

	err := <-done
	assert.True(t, apperr.Is(err, apperr.KindChannelUnavailable))
	assert.Nil(t, c.subscription("c1"))
}

func TestConnectionLoss(t *testing.T) {
	c, srv := newPair(t)

	dropped := make(chan error, 1)
	subc := make(chan chat.Subscription, 1)
	go func() {
		sub, _ := c.Subscribe(ctx5s(t), "c1", chat.Handlers{OnDrop: func(err error) { dropped <- err }})
		subc <- sub
	}()
	srv.expect(protocol.TypeSub)
	srv.send(protocol.TypeOk, protocol.TypeSub, "c1")
	<-subc

	bye := make(chan string, 2)
	c.OnPacket(protocol.TypeBye, func(pkt *protocol.Packet) { bye <- pkt.Arg(0) })

	pending := make(chan error, 1)
	go func() {
		_, err := c.MarkRead(ctx5s(t), "c1")
		pending <- err
	}()
	srv.expect(protocol.TypeRead)
	srv.conn.Close()

	err := <-pending
	assert.True(t, apperr.Is(err, apperr.KindTransient))

	select {
	case err := <-dropped:
		assert.True(t, apperr.Is(err, apperr.KindChannelUnavailable))
	case <-time.After(5 * time.Second):
		t.Fatal("subscription not dropped")
	}
	select {
	case reason := <-bye:
		assert.Equal(t, "connection_lost", reason)
	case <-time.After(5 * time.Second):
		t.Fatal("no bye")
	}
	assert.False(t, c.IsConnected())
}

func TestServerByeIsReportedOnce(t *testing.T) {
	c, srv := newPair(t)

	bye := make(chan string, 2)
	c.OnPacket(protocol.TypeBye, func(pkt *protocol.Packet) { bye <- pkt.Arg(0) })

	srv.send(protocol.TypeBye, "maintenance", "2024-01-01T10:00:00Z")
	srv.conn.Close()

	select {
	case reason := <-bye:
		assert.Equal(t, "maintenance", reason)
	case <-time.After(5 * time.Second):
		t.Fatal("no bye")
	}
	require.Eventually(t, func() bool { return !c.IsConnected() }, 5*time.Second, 10*time.Millisecond)
	select {
	case reason := <-bye:
		t.Fatalf("unexpected second bye %q", reason)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSendAfterDisconnect(t *testing.T) {
	c, srv := newPair(t)

	go c.Disconnect()
	srv.expect(protocol.TypeBye)

	require.Eventually(t, func() bool { return !c.IsConnected() }, 5*time.Second, 10*time.Millisecond)
	err := c.PublishTyping(context.Background(), "c1", true)
	assert.True(t, apperr.Is(err, apperr.KindTransient))
}

// startServer runs a real server on a loopback port.
func startServer(t *testing.T) string {
	t.Helper()

	database, err := db.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	hub := realtime.NewHub(zerolog.Nop())
	svc := messaging.New(database, database, realtime.NewLocalBroker(hub),
		presence.NewTracker(2*time.Second, 0), zerolog.Nop())
	srv := server.New(database, svc, hub, &server.ServerConfig{
		ReadTimeout:   30 * time.Second,
		WriteTimeout:  10 * time.Second,
		OutboundQueue: 64,
	}, zerolog.Nop())

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		srv.Serve(ctx, listener)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return listener.Addr().String()
}

func login(t *testing.T, addr, user string) *Client {
	t.Helper()
	c := NewClient(zerolog.Nop())
	require.NoError(t, c.Connect(addr))
	t.Cleanup(func() { c.Disconnect() })

	ctx := ctx5s(t)
	require.NoError(t, c.Register(ctx, user, "secret"))
	require.NoError(t, c.Auth(ctx, user, "secret"))
	return c
}

// loopSession runs a chat session whose loop is a mutex, so the test can
// read views safely.
type loopSession struct {
	mu      sync.Mutex
	session *chat.Session
	changes atomic.Int32
}

func (l *loopSession) do(f func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	f()
}

func (l *loopSession) view() chat.View {
	var v chat.View
	l.do(func() { v = l.session.View() })
	return v
}

func openSession(c *Client, me, peer, conv string) *loopSession {
	l := &loopSession{}
	l.session = chat.NewSession(c, chat.Config{
		Me:             me,
		Peer:           peer,
		ConversationID: conv,
		Dispatch:       l.do,
		OnChange:       func() { l.changes.Add(1) },
	})
	l.do(func() {
		l.session.SetVisible(true)
		l.session.Open()
	})
	return l
}

func TestSessionsOverServer(t *testing.T) {
	addr := startServer(t)
	alice := login(t, addr, "alice")
	bob := login(t, addr, "bob")

	ctx := ctx5s(t)
	require.NoError(t, alice.AddContact(ctx, "bob", "Bob"))
	_, err := alice.StartConversation(ctx, "bob")
	assert.True(t, apperr.Is(err, apperr.KindNotAuthorized), "one-sided contact is not enough")

	require.NoError(t, bob.AddContact(ctx, "alice", ""))
	contacts, err := alice.Contacts(ctx)
	require.NoError(t, err)
	require.Len(t, contacts, 1)
	assert.True(t, contacts[0].Mutual)

	conv, err := alice.StartConversation(ctx, "bob")
	require.NoError(t, err)
	again, err := bob.StartConversation(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, conv, again)

	as := openSession(alice, "alice", "bob", conv)
	bs := openSession(bob, "bob", "alice", conv)
	t.Cleanup(func() {
		as.do(as.session.Close)
		bs.do(bs.session.Close)
	})
	require.Eventually(t, func() bool {
		return as.changes.Load() > 0 && bs.changes.Load() > 0
	}, 5*time.Second, 10*time.Millisecond)

	bs.do(func() { bs.session.SetCompose("typing...") })
	require.Eventually(t, func() bool { return as.view().PeerTyping }, 5*time.Second, 10*time.Millisecond)

	as.do(func() { as.session.Send("hey") })

	require.Eventually(t, func() bool {
		for _, l := range bs.view().Lines {
			if l.Body == "hey" && !l.Mine {
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond, "peer receives the insert")

	require.Eventually(t, func() bool {
		for _, l := range as.view().Lines {
			if l.Body == "hey" && l.Seen && !l.Pending {
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond, "sender sees the read receipt")

	n, err := bob.Unread(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	require.NoError(t, bob.DeleteContact(ctx, "alice"))
	_, err = alice.Append(ctx, conv, "local-x", "still there?")
	assert.True(t, apperr.Is(err, apperr.KindNotAuthorized))
	_, err = alice.History(ctx, conv, 0, 0)
	assert.NoError(t, err)
}

func TestBulkReadMarksNewestSeen(t *testing.T) {
	addr := startServer(t)
	alice := login(t, addr, "alice")
	bob := login(t, addr, "bob")

	ctx := ctx5s(t)
	require.NoError(t, alice.AddContact(ctx, "bob", ""))
	require.NoError(t, bob.AddContact(ctx, "alice", ""))
	conv, err := alice.StartConversation(ctx, "bob")
	require.NoError(t, err)

	const n = 100
	for i := 0; i < n; i++ {
		_, err := alice.Append(ctx, conv, fmt.Sprintf("local-%d", i), fmt.Sprintf("m%d", i))
		require.NoError(t, err)
	}

	as := openSession(alice, "alice", "bob", conv)
	t.Cleanup(func() { as.do(as.session.Close) })
	require.Eventually(t, func() bool { return len(as.view().Lines) > n }, 5*time.Second, 10*time.Millisecond)

	marked, err := bob.MarkRead(ctx, conv)
	require.NoError(t, err)
	assert.Equal(t, n, marked)

	require.Eventually(t, func() bool {
		lines := as.view().Lines
		last := lines[len(lines)-1]
		return last.Body == fmt.Sprintf("m%d", n-1) && last.Seen
	}, 5*time.Second, 10*time.Millisecond, "newest message shows Seen")
	assert.False(t, as.view().Degraded)
}

func TestHistoryRejectsStranger(t *testing.T) {
	addr := startServer(t)
	alice := login(t, addr, "alice")
	bob := login(t, addr, "bob")
	mallory := login(t, addr, "mallory")

	ctx := ctx5s(t)
	require.NoError(t, alice.AddContact(ctx, "bob", ""))
	require.NoError(t, bob.AddContact(ctx, "alice", ""))
	conv, err := alice.StartConversation(ctx, "bob")
	require.NoError(t, err)

	_, err = mallory.History(ctx, conv, 0, 0)
	assert.True(t, apperr.Is(err, apperr.KindNotAuthorized))

	_, err = mallory.Subscribe(ctx, conv, chat.Handlers{})
	assert.True(t, apperr.Is(err, apperr.KindNotAuthorized))

	_, err = mallory.History(ctx, "missing", 0, 0)
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
}

func TestBatchedSeenAndServerDrop(t *testing.T) {
	c, srv := newPair(t)

	inserts := make(chan models.Message, 4)
	updates := make(chan models.ReadReceipt, 4)
	drops := make(chan error, 2)
	h := chat.Handlers{
		OnInsert: func(m models.Message) { inserts <- m },
		OnUpdate: func(r models.ReadReceipt) { updates <- r },
		OnDrop:   func(err error) { drops <- err },
	}

	go func() {
		_, err := c.Subscribe(ctx5s(t), "c1", h)
		assert.NoError(t, err)
	}()
	srv.expect(protocol.TypeSub)
	srv.send(protocol.TypeOk, protocol.TypeSub, "c1")

	at := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	srv.send(protocol.TypeSeen, "c1", "7", protocol.FormatTime(at), "8", protocol.FormatTime(at))
	for _, want := range []int64{7, 8} {
		select {
		case r := <-updates:
			assert.Equal(t, want, r.MessageID)
			assert.True(t, r.ReadAt.Equal(at))
		case <-time.After(5 * time.Second):
			t.Fatal("missing receipt")
		}
	}

	srv.send(protocol.TypeDrop, "c1", "overflow")
	select {
	case err := <-drops:
		assert.True(t, apperr.Is(err, apperr.KindChannelUnavailable))
	case <-time.After(5 * time.Second):
		t.Fatal("drop not reported")
	}

	srv.send(protocol.TypeDrop, "c1", "overflow")
	m := models.Message{ID: 9, ConversationID: "c1", Sender: "bob", Body: "late", CreatedAt: at}
	srv.send(protocol.TypeMsg, "c1", protocol.EncodeMessage(m))
	select {
	case <-inserts:
		t.Fatal("event routed to a dropped subscription")
	case <-drops:
		t.Fatal("drop reported twice")
	case <-time.After(50 * time.Millisecond):
	}
}
