package discovery

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const (
	progressChannelPrefix = "plexus:progress:"

	// CancelChannel is the broadcast channel for run cancellation requests.
	// Every engine instance subscribes and cancels the runs it owns.
	CancelChannel = "discovery:cancel"
)

// ProgressChannel returns the pub/sub channel name carrying snapshots for a plexus.
func ProgressChannel(plexusID string) string {
	return progressChannelPrefix + plexusID
}

// CancelRequest is the payload broadcast on CancelChannel.
type CancelRequest struct {
	RunID  string `json:"run_id"`
	Reason string `json:"reason,omitempty"`
}

// RedisPublisher broadcasts progress snapshots over Redis pub/sub.
type RedisPublisher struct {
	client *redis.Client
}

// NewRedisPublisher creates a RedisPublisher.
func NewRedisPublisher(client *redis.Client) *RedisPublisher {
	return &RedisPublisher{client: client}
}

// Publish sends a snapshot to the plexus progress channel.
func (p *RedisPublisher) Publish(ctx context.Context, plexusID string, snap Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	if err := p.client.Publish(ctx, ProgressChannel(plexusID), data).Err(); err != nil {
		return fmt.Errorf("publish snapshot: %w", err)
	}
	return nil
}

// Subscribe delivers snapshots for a plexus until the context is cancelled.
// Messages that fail to decode are dropped.
func (p *RedisPublisher) Subscribe(ctx context.Context, plexusID string) <-chan Snapshot {
	sub := p.client.Subscribe(ctx, ProgressChannel(plexusID))
	out := make(chan Snapshot, 16)
	go func() {
		defer close(out)
		defer func() { _ = sub.Close() }()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var snap Snapshot
				if err := json.Unmarshal([]byte(msg.Payload), &snap); err != nil {
					continue
				}
				select {
				case out <- snap:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

// SubscribeCancel delivers cancel requests broadcast on CancelChannel until
// the context is cancelled. Undecodable payloads are dropped.
func SubscribeCancel(ctx context.Context, client *redis.Client) <-chan CancelRequest {
	sub := client.Subscribe(ctx, CancelChannel)
	out := make(chan CancelRequest, 16)
	go func() {
		defer close(out)
		defer func() { _ = sub.Close() }()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var req CancelRequest
				if err := json.Unmarshal([]byte(msg.Payload), &req); err != nil {
					continue
				}
				select {
				case out <- req:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

// PublishCancel broadcasts a cancellation request for a run.
func PublishCancel(ctx context.Context, client *redis.Client, req CancelRequest) error {
	if req.RunID == "" {
		return fmt.Errorf("run_id is required")
	}
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal cancel request: %w", err)
	}
	if err := client.Publish(ctx, CancelChannel, data).Err(); err != nil {
		return fmt.Errorf("publish cancel: %w", err)
	}
	return nil
}
