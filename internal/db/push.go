package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Push delivers newly inserted rows to every client watching the room.
type Push interface {
	Publish(ctx context.Context, row Row) error
	// Subscribe calls fn for every row pushed to room until the returned stop func is called.
	Subscribe(ctx context.Context, room string, fn func(Row)) (stop func(), err error)
}

const redisChannelPrefix = "echochan:messages:"

// RedisChannel is the pub/sub channel carrying rows of room.
func RedisChannel(room string) string { return redisChannelPrefix + room }

type RedisPush struct {
	client *redis.Client
	log    zerolog.Logger
}

func NewRedisPush(client *redis.Client, log zerolog.Logger) *RedisPush {
	return &RedisPush{client: client, log: log.With().Str("component", "redis_push").Logger()}
}

func (p *RedisPush) Publish(ctx context.Context, row Row) error {
	payload, err := json.Marshal(row)
	if err != nil {
		return err
	}
	if err := p.client.Publish(ctx, RedisChannel(row.Room), payload).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

func (p *RedisPush) Subscribe(ctx context.Context, room string, fn func(Row)) (func(), error) {
	pubsub := p.client.Subscribe(ctx, RedisChannel(room))
	// Wait for the subscription to be confirmed so no row published after
	// Subscribe returns is missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("redis subscribe %s: %w", room, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer func() {
			_ = pubsub.Close()
		}()
		for {
			msg, err := pubsub.ReceiveMessage(ctx)
			if err != nil {
				if !errors.Is(err, context.Canceled) && !errors.Is(err, redis.ErrClosed) {
					p.log.Error().Err(err).Str("room", room).Msg("redis subscription closed")
				}
				return
			}
			var row Row
			if err := json.Unmarshal([]byte(msg.Payload), &row); err != nil {
				p.log.Warn().Err(err).Msg("invalid pushed row")
				continue
			}
			fn(row)
		}
	}()

	return func() {
		cancel()
		<-done
	}, nil
}

// NATSSubject is the subject carrying rows of room. Characters NATS treats as
// token separators or wildcards are replaced.
func NATSSubject(room string) string {
	name := strings.TrimPrefix(room, "#")
	name = strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t':
			return '_'
		}
		return r
	}, name)
	return "echochan.messages." + name
}

type NATSPush struct {
	conn *nats.Conn
	log  zerolog.Logger
}

func NewNATSPush(conn *nats.Conn, log zerolog.Logger) *NATSPush {
	return &NATSPush{conn: conn, log: log.With().Str("component", "nats_push").Logger()}
}

func (p *NATSPush) Publish(_ context.Context, row Row) error {
	payload, err := json.Marshal(row)
	if err != nil {
		return err
	}
	if err := p.conn.Publish(NATSSubject(row.Room), payload); err != nil {
		return fmt.Errorf("nats publish: %w", err)
	}
	return nil
}

// Subscribe uses a plain subscription: every client needs every row, so there is
// no queue group.
func (p *NATSPush) Subscribe(ctx context.Context, room string, fn func(Row)) (func(), error) {
	sub, err := p.conn.Subscribe(NATSSubject(room), func(msg *nats.Msg) {
		var row Row
		if err := json.Unmarshal(msg.Data, &row); err != nil {
			p.log.Warn().Err(err).Msg("invalid pushed row")
			return
		}
		fn(row)
	})
	if err != nil {
		return nil, fmt.Errorf("nats subscribe %s: %w", room, err)
	}
	stop := func() {
		if err := sub.Drain(); err != nil {
			p.log.Warn().Err(err).Str("room", room).Msg("failed to drain nats subscription")
		}
	}
	go func() {
		<-ctx.Done()
		stop()
	}()
	return stop, nil
}
