package progress

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const channelPrefix = "pagegen:jobs:"

// ChannelName returns the Redis channel signals for jobID are published on
func ChannelName(jobID string) string {
	return channelPrefix + jobID
}

// RedisBroker shares signals between service instances over Redis pub/sub.
// Received signals are fanned out to local watchers through a MemoryBroker.
type RedisBroker struct {
	client *redis.Client
	pubsub *redis.PubSub
	local  *MemoryBroker

	done      chan struct{}
	closeOnce sync.Once
}

// NewRedisBroker subscribes to every job channel and starts the receive loop
func NewRedisBroker(ctx context.Context, client *redis.Client) (*RedisBroker, error) {
	pubsub := client.PSubscribe(ctx, channelPrefix+"*")
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close() // Close errors are not critical
		return nil, fmt.Errorf("failed to subscribe to job channels: %w", err)
	}

	b := &RedisBroker{
		client: client,
		pubsub: pubsub,
		local:  NewMemoryBroker(),
		done:   make(chan struct{}),
	}
	go b.receive()
	return b, nil
}

func (b *RedisBroker) receive() {
	defer close(b.done)

	for msg := range b.pubsub.Channel() {
		jobID := strings.TrimPrefix(msg.Channel, channelPrefix)
		if jobID == "" {
			continue
		}
		_ = b.local.Publish(context.Background(), jobID) // MemoryBroker.Publish never fails
	}
	logrus.Debug("Redis job channel subscription closed")
}

// Publish announces a change of jobID to every instance
func (b *RedisBroker) Publish(ctx context.Context, jobID string) error {
	if err := b.client.Publish(ctx, ChannelName(jobID), "changed").Err(); err != nil {
		return fmt.Errorf("failed to publish job change: %w", err)
	}
	return nil
}

// Watch registers a local watcher for jobID
func (b *RedisBroker) Watch(jobID string) (<-chan struct{}, func()) {
	return b.local.Watch(jobID)
}

// Close ends the subscription and drops local watchers. The Redis client is left open.
func (b *RedisBroker) Close() error {
	var err error
	b.closeOnce.Do(func() {
		err = b.pubsub.Close()
		<-b.done
		_ = b.local.Close()
	})
	return err
}
