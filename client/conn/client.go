// Package conn is the client side of the line protocol. It turns replies
// into call results and routes realtime events to per-conversation
// handlers.
package conn

import (
	"bufio"
	"context"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"dmsim/apperr"
	"dmsim/client/chat"
	"dmsim/models"
	"dmsim/protocol"
)

const (
	dialTimeout  = 10 * time.Second
	writeTimeout = 10 * time.Second
	pingInterval = 30 * time.Second
)

type reply struct {
	pkt *protocol.Packet
	err error
}

type subscription struct {
	client   *Client
	conv     string
	handlers chat.Handlers
}

// Client is one connection to the server. Requests of the same kind are
// answered in order, so waiters are queued per reply key.
type Client struct {
	conn   net.Conn
	reader *bufio.Reader
	log    zerolog.Logger

	mu       sync.Mutex
	sendMu   sync.Mutex
	handlers map[string][]func(*protocol.Packet)
	waiters  map[string][]chan reply
	subs     map[string]*subscription

	pingTicker *time.Ticker
	done       chan struct{}
	connected  atomic.Bool
	quitting   atomic.Bool
	gotBye     atomic.Bool

	lastPong time.Time
	pongMu   sync.RWMutex
}

func NewClient(log zerolog.Logger) *Client {
	return &Client{
		log:      log.With().Str("component", "conn").Logger(),
		handlers: make(map[string][]func(*protocol.Packet)),
		waiters:  make(map[string][]chan reply),
		subs:     make(map[string]*subscription),
		done:     make(chan struct{}),
	}
}

// Connect dials the server and starts the read and ping loops.
func (c *Client) Connect(addr string) error {
	conn, err := net.DialTimeout("tcp", addr, dialTimeout)
	if err != nil {
		return apperr.Transient("connect", err)
	}
	c.attach(conn)
	return nil
}

func (c *Client) attach(conn net.Conn) {
	c.conn = conn
	c.reader = bufio.NewReader(conn)
	c.connected.Store(true)
	c.lastPong = time.Now()

	c.OnPacket(protocol.TypePong, func(*protocol.Packet) {
		c.pongMu.Lock()
		c.lastPong = time.Now()
		c.pongMu.Unlock()
	})

	c.pingTicker = time.NewTicker(pingInterval)
	go c.pingLoop()
	go c.readLoop()
}

// Disconnect says bye and closes the connection. Pending requests fail.
func (c *Client) Disconnect() error {
	if !c.connected.Load() {
		return nil
	}
	c.quitting.Store(true)
	c.Send(protocol.TypeBye)
	err := c.conn.Close()
	c.lost(net.ErrClosed)
	return err
}

func (c *Client) IsConnected() bool {
	return c.connected.Load()
}

// LastPongAt returns the time of the last pong.
func (c *Client) LastPongAt() time.Time {
	c.pongMu.RLock()
	defer c.pongMu.RUnlock()
	return c.lastPong
}

func (c *Client) pingLoop() {
	for {
		select {
		case <-c.done:
			return
		case <-c.pingTicker.C:
			if c.connected.Load() {
				c.Send(protocol.TypePing)
			}
		}
	}
}

func (c *Client) readLoop() {
	for {
		line, err := c.reader.ReadString('\n')
		if err != nil {
			c.lost(err)
			return
		}
		pkt, err := protocol.ParsePacket(line)
		if err != nil {
			c.log.Debug().Err(err).Msg("Skipping malformed line")
			continue
		}
		c.route(pkt)
	}
}

func (c *Client) route(pkt *protocol.Packet) {
	switch pkt.Type {
	case protocol.TypeOk:
		c.resolve(pkt.Arg(0)+"|"+pkt.Arg(1), reply{pkt: pkt})
	case protocol.TypeFail:
		err := apperr.FromCode(pkt.Arg(1), pkt.Arg(2))
		c.resolve(pkt.Arg(0)+"|"+pkt.Arg(3), reply{err: err})
	case protocol.TypeConv, protocol.TypeHist, protocol.TypeRead:
		c.resolve(pkt.Type+"|"+pkt.Arg(0), reply{pkt: pkt})
	case protocol.TypeSent:
		c.resolve(protocol.TypeSend+"|"+pkt.Arg(1), reply{pkt: pkt})
	case protocol.TypeList, protocol.TypeUnread:
		c.resolve(pkt.Type+"|", reply{pkt: pkt})

	case protocol.TypeMsg:
		m, err := protocol.DecodeMessage(pkt.Arg(1))
		if err != nil {
			c.log.Warn().Err(err).Msg("Bad message event")
			return
		}
		if sub := c.subscription(pkt.Arg(0)); sub != nil && sub.handlers.OnInsert != nil {
			sub.handlers.OnInsert(m)
		}
	case protocol.TypeSeen:
		sub := c.subscription(pkt.Arg(0))
		if sub == nil || sub.handlers.OnUpdate == nil {
			return
		}
		// seen|conv|id|readAt[|id|readAt...]
		for i := 1; i+1 < len(pkt.Args); i += 2 {
			id, err := strconv.ParseInt(pkt.Args[i], 10, 64)
			if err != nil {
				c.log.Warn().Err(err).Msg("Bad seen event")
				return
			}
			readAt, err := protocol.ParseTime(pkt.Args[i+1])
			if err != nil {
				c.log.Warn().Err(err).Msg("Bad seen event")
				return
			}
			sub.handlers.OnUpdate(models.ReadReceipt{ConversationID: pkt.Arg(0), MessageID: id, ReadAt: readAt})
		}
	case protocol.TypeDrop:
		sub := c.subscription(pkt.Arg(0))
		if sub == nil || !c.dropSubscription(sub) {
			return
		}
		c.log.Warn().Str("conversation", pkt.Arg(0)).Str("reason", pkt.Arg(1)).Msg("Subscription dropped by server")
		if sub.handlers.OnDrop != nil {
			sub.handlers.OnDrop(apperr.ChannelUnavailable("subscription dropped: "+pkt.Arg(1), nil))
		}
	case protocol.TypeTyping:
		if sub := c.subscription(pkt.Arg(0)); sub != nil && sub.handlers.OnTyping != nil {
			sub.handlers.OnTyping(pkt.Arg(1), pkt.Arg(2) == "1")
		}

	case protocol.TypeBye:
		c.gotBye.Store(true)
		c.notifyHandlers(pkt)
	default:
		c.notifyHandlers(pkt)
	}
}

// resolve hands r to the oldest waiter for key. Replies nobody waits for
// (unsub acks) are dropped.
func (c *Client) resolve(key string, r reply) {
	c.mu.Lock()
	queue := c.waiters[key]
	if len(queue) == 0 {
		c.mu.Unlock()
		return
	}
	ch := queue[0]
	if len(queue) == 1 {
		delete(c.waiters, key)
	} else {
		c.waiters[key] = queue[1:]
	}
	c.mu.Unlock()
	ch <- r
}

// lost fails every waiter, drops every subscription and reports the loss
// unless the server said bye or we hung up ourselves.
func (c *Client) lost(cause error) {
	if !c.connected.CompareAndSwap(true, false) {
		return
	}
	close(c.done)
	if c.pingTicker != nil {
		c.pingTicker.Stop()
	}
	c.conn.Close()

	c.mu.Lock()
	waiters := c.waiters
	subs := c.subs
	c.waiters = make(map[string][]chan reply)
	c.subs = make(map[string]*subscription)
	c.mu.Unlock()

	for _, queue := range waiters {
		for _, ch := range queue {
			ch <- reply{err: apperr.Transient("connection lost", cause)}
		}
	}
	for _, sub := range subs {
		if sub.handlers.OnDrop != nil {
			sub.handlers.OnDrop(apperr.ChannelUnavailable("connection lost", cause))
		}
	}

	if !c.quitting.Load() && !c.gotBye.Load() {
		c.log.Warn().Err(cause).Msg("Connection lost")
		c.notifyHandlers(&protocol.Packet{Type: protocol.TypeBye, Args: []string{"connection_lost"}})
	}
}

func (c *Client) notifyHandlers(pkt *protocol.Packet) {
	c.mu.Lock()
	handlers := c.handlers[pkt.Type]
	c.mu.Unlock()

	for _, h := range handlers {
		go h(pkt)
	}
}

// OnPacket registers a handler for packets that are not replies or
// conversation events (pong, bye, help).
func (c *Client) OnPacket(packetType string, handler func(*protocol.Packet)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[packetType] = append(c.handlers[packetType], handler)
}

// Send writes one packet without waiting for a reply.
func (c *Client) Send(pktType string, fields ...string) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if !c.connected.Load() {
		return apperr.Transient("not connected", nil)
	}

	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if _, err := c.conn.Write([]byte(protocol.Encode(pktType, fields...))); err != nil {
		return apperr.Transient("write", err)
	}
	return nil
}

// request sends a packet and waits for the reply matching key. A waiter
// that gives up stays queued so the late reply is not taken by the next
// request.
func (c *Client) request(ctx context.Context, key, pktType string, fields ...string) (*protocol.Packet, error) {
	ch := make(chan reply, 1)

	c.mu.Lock()
	c.waiters[key] = append(c.waiters[key], ch)
	c.mu.Unlock()

	if err := c.Send(pktType, fields...); err != nil {
		c.removeWaiter(key, ch)
		return nil, err
	}

	select {
	case r := <-ch:
		return r.pkt, r.err
	case <-ctx.Done():
		return nil, apperr.Transient(pktType+" timed out", ctx.Err())
	}
}

func (c *Client) removeWaiter(key string, ch chan reply) {
	c.mu.Lock()
	defer c.mu.Unlock()
	queue := c.waiters[key]
	for i, w := range queue {
		if w == ch {
			c.waiters[key] = append(queue[:i], queue[i+1:]...)
			break
		}
	}
	if len(c.waiters[key]) == 0 {
		delete(c.waiters, key)
	}
}

func (c *Client) subscription(conv string) *subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subs[conv]
}

func (c *Client) Auth(ctx context.Context, login, password string) error {
	_, err := c.request(ctx, protocol.TypeAuth+"|", protocol.TypeAuth, login, password)
	return err
}

func (c *Client) Register(ctx context.Context, login, password string) error {
	_, err := c.request(ctx, protocol.TypeReg+"|", protocol.TypeReg, login, password)
	return err
}

func (c *Client) Contacts(ctx context.Context) ([]models.Contact, error) {
	pkt, err := c.request(ctx, protocol.TypeList+"|", protocol.TypeList)
	if err != nil {
		return nil, err
	}
	contacts := make([]models.Contact, 0, len(pkt.Args))
	for _, rec := range pkt.Args {
		if rec == "" {
			continue
		}
		contact, err := protocol.DecodeContact(rec)
		if err != nil {
			return nil, apperr.Internal("decode contact", err)
		}
		contacts = append(contacts, contact)
	}
	return contacts, nil
}

// AddContact adds login to the contact list. An empty nick keeps the
// server default.
func (c *Client) AddContact(ctx context.Context, login, nick string) error {
	fields := []string{login}
	if nick != "" {
		fields = append(fields, nick)
	}
	_, err := c.request(ctx, protocol.TypeAdd+"|", protocol.TypeAdd, fields...)
	return err
}

func (c *Client) RenameContact(ctx context.Context, login, nick string) error {
	_, err := c.request(ctx, protocol.TypeRen+"|", protocol.TypeRen, login, nick)
	return err
}

func (c *Client) DeleteContact(ctx context.Context, login string) error {
	_, err := c.request(ctx, protocol.TypeDel+"|", protocol.TypeDel, login)
	return err
}

// StartConversation returns the id of the conversation with peer, creating
// it if needed.
func (c *Client) StartConversation(ctx context.Context, peer string) (string, error) {
	pkt, err := c.request(ctx, protocol.TypeConv+"|"+peer, protocol.TypeConv, peer)
	if err != nil {
		return "", err
	}
	return pkt.Arg(1), nil
}

// History lists messages after afterID. Zero values mean from the start
// with the server's default limit.
func (c *Client) History(ctx context.Context, conv string, afterID int64, limit int) ([]models.Message, error) {
	fields := []string{conv}
	if afterID > 0 || limit > 0 {
		fields = append(fields, strconv.FormatInt(afterID, 10), strconv.Itoa(limit))
	}
	pkt, err := c.request(ctx, protocol.TypeHist+"|"+conv, protocol.TypeHist, fields...)
	if err != nil {
		return nil, err
	}
	messages := make([]models.Message, 0, len(pkt.Args))
	for _, rec := range pkt.Args[1:] {
		m, err := protocol.DecodeMessage(rec)
		if err != nil {
			return nil, apperr.Internal("decode message", err)
		}
		messages = append(messages, m)
	}
	return messages, nil
}

// Append persists body. ref comes back with the reply and pairs it with
// the caller's pending entry.
func (c *Client) Append(ctx context.Context, conv, ref, body string) (models.Message, error) {
	pkt, err := c.request(ctx, protocol.TypeSend+"|"+ref, protocol.TypeSend, conv, ref, body)
	if err != nil {
		return models.Message{}, err
	}
	m, err := protocol.DecodeMessage(pkt.Arg(2))
	if err != nil {
		return models.Message{}, apperr.Internal("decode message", err)
	}
	return m, nil
}

func (c *Client) MarkRead(ctx context.Context, conv string) (int, error) {
	pkt, err := c.request(ctx, protocol.TypeRead+"|"+conv, protocol.TypeRead, conv)
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(pkt.Arg(1))
	if err != nil {
		return 0, apperr.Internal("decode read count", err)
	}
	return n, nil
}

// Subscribe routes conv's events to h. Handlers are registered before the
// request so nothing sent right after the ack is missed.
func (c *Client) Subscribe(ctx context.Context, conv string, h chat.Handlers) (chat.Subscription, error) {
	sub := &subscription{client: c, conv: conv, handlers: h}

	c.mu.Lock()
	c.subs[conv] = sub
	c.mu.Unlock()

	if _, err := c.request(ctx, protocol.TypeSub+"|"+conv, protocol.TypeSub, conv); err != nil {
		c.dropSubscription(sub)
		if apperr.Is(err, apperr.KindNotAuthorized) || apperr.Is(err, apperr.KindNotFound) {
			return nil, err
		}
		return nil, apperr.ChannelUnavailable("subscribe", err)
	}
	return sub, nil
}

func (c *Client) dropSubscription(sub *subscription) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.subs[sub.conv] != sub {
		return false
	}
	delete(c.subs, sub.conv)
	return true
}

// Close stops routing events and tells the server, without waiting for the
// ack.
func (s *subscription) Close() error {
	if !s.client.dropSubscription(s) {
		return nil
	}
	return s.client.Send(protocol.TypeUnsub, s.conv)
}

func (c *Client) PublishTyping(ctx context.Context, conv string, typing bool) error {
	return c.Send(protocol.TypeTyping, conv, protocol.FormatBool(typing))
}

// Unread returns the number of conversations with unread messages.
func (c *Client) Unread(ctx context.Context) (int, error) {
	pkt, err := c.request(ctx, protocol.TypeUnread+"|", protocol.TypeUnread)
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(pkt.Arg(0))
	if err != nil {
		return 0, apperr.Internal("decode unread count", err)
	}
	return n, nil
}
