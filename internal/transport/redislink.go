package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Collab/internal/domain"
)

const redisPublishTimeout = 3 * time.Second

func RedisChannel(room domain.RoomID) string { return "collab:room:" + string(room) }

// RedisLink shares frames through a redis pub/sub channel per room.
// Frames come back to their publisher and are dropped by the sync layer.
type RedisLink struct {
	rdb *redis.Client

	mu      sync.Mutex
	channel string
	pubsub  *redis.PubSub
	onFrame func([]byte)
	done    chan struct{}

	logger zerolog.Logger
}

func NewRedisLink(rdb *redis.Client) *RedisLink {
	return &RedisLink{
		rdb:    rdb,
		logger: log.With().Str("module", "transport").Str("link", "redis").Logger(),
	}
}

func (l *RedisLink) Open(ctx context.Context, room domain.RoomID) error {
	ch := RedisChannel(room)
	pubsub := l.rdb.Subscribe(ctx, ch)
	if _, err := pubsub.Receive(ctx); err != nil {
		// go-redis resubscribes on its own once the server is back.
		l.logger.Warn().Err(err).Str("channel", ch).Msg("subscribe pending")
	}

	l.mu.Lock()
	if l.pubsub != nil {
		l.mu.Unlock()
		_ = pubsub.Close()
		return fmt.Errorf("redis link already open on %s", l.channel)
	}
	l.channel, l.pubsub = ch, pubsub
	l.done = make(chan struct{})
	l.mu.Unlock()

	go l.consume(pubsub.Channel())
	l.logger.Info().Str("channel", ch).Msg("subscribed")
	return nil
}

func (l *RedisLink) consume(msgs <-chan *redis.Message) {
	defer close(l.done)
	for msg := range msgs {
		l.mu.Lock()
		fn := l.onFrame
		l.mu.Unlock()
		if fn != nil {
			fn([]byte(msg.Payload))
		}
	}
}

func (l *RedisLink) Publish(frame []byte) error {
	l.mu.Lock()
	ch := l.channel
	open := l.pubsub != nil
	l.mu.Unlock()
	if !open {
		return ErrTransportUnavailable
	}
	ctx, cancel := context.WithTimeout(context.Background(), redisPublishTimeout)
	defer cancel()
	if err := l.rdb.Publish(ctx, ch, frame).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrTransportUnavailable, err)
	}
	return nil
}

func (l *RedisLink) OnFrame(fn func([]byte)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onFrame = fn
}

func (l *RedisLink) Close() error {
	l.mu.Lock()
	pubsub, done := l.pubsub, l.done
	l.pubsub = nil
	l.mu.Unlock()
	if pubsub == nil {
		return nil
	}
	err := pubsub.Close()
	<-done
	return err
}
