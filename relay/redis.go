// Package relay carries blogapp change events between server instances.
package relay

import (
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis"
	"github.com/labstack/gommon/log"

	blogapp "github.com/Haryuya11/BlogApp"
)

// Redis publishes events as JSON on one pub/sub channel.
type Redis struct {
	client  *redis.Client
	channel string
	logger  *log.Logger
}

var _ blogapp.Relay = (*Redis)(nil)

// NewRedis connects to the server at addr and checks it answers.
func NewRedis(addr, channel string) (*Redis, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping().Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", addr, err)
	}
	return &Redis{client: client, channel: channel, logger: log.New("relay")}, nil
}

// Publish sends ev to every listening instance, including this one.
func (r *Redis) Publish(ev blogapp.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return r.client.Publish(r.channel, data).Err()
}

// Listen calls fn for each event on the channel until stop is called.
// Messages that do not decode are logged and skipped.
func (r *Redis) Listen(fn func(blogapp.Event)) (stop func()) {
	pubsub := r.client.Subscribe(r.channel)
	if _, err := pubsub.Receive(); err != nil {
		r.logger.Warnf("subscribe %s: %v", r.channel, err)
	}
	done := make(chan struct{})

	go func() {
		defer close(done)
		for msg := range pubsub.Channel() {
			var ev blogapp.Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				r.logger.Warnf("decode event: %v", err)
				continue
			}
			fn(ev)
		}
	}()

	return func() {
		pubsub.Close()
		<-done
	}
}

// Close closes the connection pool.
func (r *Redis) Close() error {
	return r.client.Close()
}
