package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"dmsim/apperr"
)

const channelPrefix = "dmsim:conv:"

type envelope struct {
	Node  string `json:"node"`
	Event Event  `json:"event"`
}

// RedisBroker spreads events across server nodes over Redis pub/sub. Each
// event is dispatched to the local hub at once and published for the other
// nodes; a node ignores its own publications when they come back.
type RedisBroker struct {
	client redis.UniversalClient
	hub    *Hub
	node   string
	log    zerolog.Logger
}

// NewRedisClient connects to redisURL and verifies the connection.
func NewRedisClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return client, nil
}

func NewRedisBroker(client redis.UniversalClient, hub *Hub, log zerolog.Logger) *RedisBroker {
	node := uuid.NewString()
	return &RedisBroker{
		client: client,
		hub:    hub,
		node:   node,
		log:    log.With().Str("component", "redis_broker").Str("node", node).Logger(),
	}
}

func channelFor(conv string) string {
	return channelPrefix + conv
}

func (b *RedisBroker) Publish(ctx context.Context, ev Event) error {
	b.hub.Dispatch(ev)

	payload, err := json.Marshal(envelope{Node: b.node, Event: ev})
	if err != nil {
		return apperr.Internal("encode event", err)
	}
	if err := b.client.Publish(ctx, channelFor(ev.ConversationID), payload).Err(); err != nil {
		return apperr.ChannelUnavailable("publish event", err)
	}
	return nil
}

// Run relays events published by other nodes into the local hub until ctx
// is cancelled.
func (b *RedisBroker) Run(ctx context.Context) error {
	pubsub := b.client.PSubscribe(ctx, channelPrefix+"*")
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return apperr.ChannelUnavailable("subscribe to redis", err)
	}
	b.log.Info().Msg("Relaying conversation events from redis")

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return apperr.ChannelUnavailable("redis subscription closed", nil)
			}
			b.handle(msg.Channel, msg.Payload)
		}
	}
}

func (b *RedisBroker) handle(channel, payload string) {
	var env envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		b.log.Warn().Err(err).Str("channel", channel).Msg("Discarding malformed event")
		return
	}
	if env.Node == b.node {
		return
	}
	if conv := strings.TrimPrefix(channel, channelPrefix); conv != env.Event.ConversationID {
		b.log.Warn().Str("channel", channel).Msg("Event conversation does not match channel")
		return
	}
	b.hub.Dispatch(env.Event)
}
