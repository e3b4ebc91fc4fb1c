package streams

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// envelopeField is the stream entry field holding the serialized envelope.
const envelopeField = "envelope"

// Consumer reads envelopes from Redis Streams through a consumer group, so
// several engine instances can share an intake stream without double
// delivery.
type Consumer struct {
	client   *redis.Client
	registry *SchemaRegistry
	group    string
	name     string
}

// ConsumerOption tunes a single read.
type ConsumerOption func(*redis.XReadGroupArgs)

// WithBlock bounds how long a read waits for new entries.
func WithBlock(d time.Duration) ConsumerOption {
	return func(args *redis.XReadGroupArgs) {
		if d > 0 {
			args.Block = d
		}
	}
}

// WithCount caps how many entries a single read returns.
func WithCount(n int64) ConsumerOption {
	return func(args *redis.XReadGroupArgs) {
		if n > 0 {
			args.Count = n
		}
	}
}

// NewConsumer builds a consumer identified as name inside group.
func NewConsumer(client *redis.Client, registry *SchemaRegistry, group, name string) *Consumer {
	return &Consumer{client: client, registry: registry, group: group, name: name}
}

// EnsureGroup creates the consumer group on the stream if it does not exist
// yet, creating the stream as a side effect. An already-existing group is not
// an error.
func EnsureGroup(ctx context.Context, client *redis.Client, stream, group string) error {
	if stream == "" || group == "" {
		return fmt.Errorf("stream and group must be provided")
	}
	err := client.XGroupCreateMkStream(ctx, stream, group, "$").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("xgroup create: %w", err)
	}
	return nil
}

// Message is one consumed stream entry.
type Message struct {
	ID       string
	Envelope Envelope
}

// Read pulls undelivered entries from the stream for this group member.
func (c *Consumer) Read(ctx context.Context, stream string, opts ...ConsumerOption) ([]Message, error) {
	if stream == "" {
		return nil, fmt.Errorf("stream name is required")
	}
	if c.group == "" || c.name == "" {
		return nil, fmt.Errorf("consumer group and name must be configured")
	}

	args := &redis.XReadGroupArgs{
		Group:    c.group,
		Consumer: c.name,
		Streams:  []string{stream, ">"},
	}
	for _, opt := range opts {
		opt(args)
	}

	res, err := c.client.XReadGroup(ctx, args).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("xreadgroup: %w", err)
	}

	var out []Message
	for _, st := range res {
		for _, entry := range st.Messages {
			if msg, ok := c.decode(ctx, stream, entry); ok {
				out = append(out, msg)
			}
		}
	}
	return out, nil
}

// Ack acknowledges the given message IDs on the stream.
func (c *Consumer) Ack(ctx context.Context, stream string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := c.client.XAck(ctx, stream, c.group, ids...).Err(); err != nil {
		return fmt.Errorf("xack: %w", err)
	}
	return nil
}

// AutoClaim transfers entries another group member left pending for longer
// than minIdle to this consumer. Callers loop with the returned cursor until
// it wraps to the start.
func (c *Consumer) AutoClaim(ctx context.Context, stream string, minIdle time.Duration, start string, count int64) ([]Message, string, error) {
	if stream == "" {
		return nil, "", fmt.Errorf("stream name is required")
	}
	args := &redis.XAutoClaimArgs{
		Stream:   stream,
		Group:    c.group,
		Consumer: c.name,
		MinIdle:  minIdle,
		Start:    start,
	}
	if count > 0 {
		args.Count = count
	}
	entries, next, err := c.client.XAutoClaim(ctx, args).Result()
	if err != nil {
		return nil, "", fmt.Errorf("xautoclaim: %w", err)
	}
	var out []Message
	for _, entry := range entries {
		if msg, ok := c.decode(ctx, stream, entry); ok {
			out = append(out, msg)
		}
	}
	return out, next, nil
}

// decode unwraps and validates a raw stream entry. A poisoned entry is acked
// and dropped so it never wedges the group.
func (c *Consumer) decode(ctx context.Context, stream string, entry redis.XMessage) (Message, bool) {
	raw, err := entryBytes(entry)
	if err != nil {
		c.drop(ctx, stream, entry.ID)
		return Message{}, false
	}
	env, err := UnmarshalEnvelope(raw)
	if err != nil {
		c.drop(ctx, stream, entry.ID)
		return Message{}, false
	}
	if c.registry != nil {
		if err := c.registry.Validate(env.EventType, env.PayloadVersion, env.Data); err != nil {
			c.drop(ctx, stream, entry.ID)
			return Message{}, false
		}
	}
	return Message{ID: entry.ID, Envelope: env}, true
}

func (c *Consumer) drop(ctx context.Context, stream, id string) {
	_ = c.client.XAck(ctx, stream, c.group, id).Err()
}

func entryBytes(entry redis.XMessage) ([]byte, error) {
	raw, ok := entry.Values[envelopeField]
	if !ok {
		return nil, fmt.Errorf("entry %s has no %s field", entry.ID, envelopeField)
	}
	switch v := raw.(type) {
	case string:
		return []byte(v), nil
	case []byte:
		return v, nil
	default:
		return json.Marshal(v)
	}
}
