// Package events publishes committed task status changes.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// DefaultChannel is the pub/sub channel used when none is configured.
const DefaultChannel = "lora:task:events"

// StatusChange 任务状态变更事件
type StatusChange struct {
	TaskID  int       `json:"task_id"`
	From    string    `json:"from"`
	To      string    `json:"to"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// Publisher delivers status changes after they are committed.
type Publisher interface {
	Publish(ctx context.Context, ev StatusChange) error
}

// RedisPublisher publishes events as JSON on a Redis channel.
type RedisPublisher struct {
	client  *redis.Client
	channel string
}

// NewRedisPublisher creates a publisher on channel, or DefaultChannel when empty.
func NewRedisPublisher(client *redis.Client, channel string) *RedisPublisher {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisPublisher{client: client, channel: channel}
}

// Publish 发布事件
func (p *RedisPublisher) Publish(ctx context.Context, ev StatusChange) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal status change: %w", err)
	}
	if err := p.client.Publish(ctx, p.channel, body).Err(); err != nil {
		return fmt.Errorf("publish status change: %w", err)
	}
	return nil
}

// Channel returns the channel events are published on.
func (p *RedisPublisher) Channel() string {
	return p.channel
}

// Nop discards events.
type Nop struct{}

// Publish does nothing.
func (Nop) Publish(context.Context, StatusChange) error { return nil }

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []StatusChange
}

// Publish appends ev.
func (r *Recorder) Publish(_ context.Context, ev StatusChange) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []StatusChange {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]StatusChange(nil), r.events...)
}
