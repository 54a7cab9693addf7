// Package queue provides the triple-partitioned request channel used to
// distribute execution requests to workers. Each triple maps to one
// ordered, deduplicating partition; the broker collapses pushes with
// identical bodies and redelivers unacknowledged messages, so delivery
// is at-least-once and processing must be safe to repeat.
package queue

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"gocloud.dev/pubsub"

	"anvil.build/anvil/internal/message"
	"anvil.build/anvil/internal/triple"
)

const (
	// MetadataDedupKey carries the deterministic hash of the serialized
	// message body. The broker uses it to collapse duplicate pushes
	// within its dedup window.
	MetadataDedupKey = "dedup-key"

	// MetadataGroupID marks all messages in a partition as one ordered
	// group: strict FIFO within a triple, no ordering across triples.
	MetadataGroupID = "group-id"

	// defaultGroupID is the fixed group identifier submitted with every
	// push.
	defaultGroupID = "remote-execution"

	// popTimeout bounds a single Pop attempt. An empty partition
	// surfaces as (nil, nil); backoff is the caller's concern.
	popTimeout = 2 * time.Second
)

var (
	metricPushes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "anvil_queue_pushes_total",
			Help: "Total number of messages pushed, by routing key.",
		},
		[]string{"routing_key"},
	)
	metricPops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "anvil_queue_pops_total",
			Help: "Total number of messages popped, by routing key.",
		},
		[]string{"routing_key"},
	)
	metricPoisonMessages = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "anvil_queue_poison_messages_total",
			Help: "Total number of popped messages that failed to deserialize and were discarded.",
		},
	)
)

func init() {
	prometheus.MustRegister(metricPushes, metricPops, metricPoisonMessages)
}

// DedupKey returns the deterministic dedup key for a serialized message
// body. Byte-identical bodies always produce the same key.
func DedupKey(body []byte) string {
	return fmt.Sprintf("%x", sha256.Sum256(body))
}

// A Delivery is one popped message. Ack must be called once processing
// finishes; an unacknowledged delivery becomes eligible for redelivery
// after the broker's visibility timeout.
type Delivery struct {
	Message message.RemoteExecutionMessage

	ack func()
}

// Ack removes the message from the partition.
func (d *Delivery) Ack() {
	d.ack()
}

// Client is a triple-partitioned push/pop channel over a pubsub broker.
// It is safe for concurrent use by independent workers; ordering and
// dedup guarantees come from the broker, not from client-side locking.
type Client struct {
	baseURL string

	mu     sync.Mutex
	topics map[string]*pubsub.Topic
	subs   map[string]*pubsub.Subscription
}

// NewClient creates a queue client rooted at the given broker URL base
// (e.g. "mem://" for in-memory or a driver-specific prefix). An empty
// base is a configuration error.
func NewClient(baseURL string) (*Client, error) {
	if baseURL == "" {
		return nil, errors.New("queue broker URL base must not be empty")
	}
	return &Client{
		baseURL: baseURL,
		topics:  make(map[string]*pubsub.Topic),
		subs:    make(map[string]*pubsub.Subscription),
	}, nil
}

// partitionURL derives the broker URL for a triple's partition. Equal
// triples derive equal URLs in every process.
func (c *Client) partitionURL(t triple.ExecutionTriple) string {
	return c.baseURL + "exec-" + t.RoutingKey()
}

// Open eagerly opens the topic and subscription for a triple's
// partition. Workers call this at startup so that no push can outrun
// subscription creation on brokers without message retention.
func (c *Client) Open(ctx context.Context, t triple.ExecutionTriple) error {
	if err := t.Validate(); err != nil {
		return fmt.Errorf("cannot open partition: %w", err)
	}
	if _, err := c.topic(ctx, t); err != nil {
		return err
	}
	_, err := c.subscription(ctx, t)
	return err
}

func (c *Client) topic(ctx context.Context, t triple.ExecutionTriple) (*pubsub.Topic, error) {
	url := c.partitionURL(t)

	c.mu.Lock()
	defer c.mu.Unlock()
	if topic, ok := c.topics[url]; ok {
		return topic, nil
	}
	topic, err := pubsub.OpenTopic(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to open queue topic %q: %w", url, err)
	}
	c.topics[url] = topic
	return topic, nil
}

func (c *Client) subscription(ctx context.Context, t triple.ExecutionTriple) (*pubsub.Subscription, error) {
	url := c.partitionURL(t)

	c.mu.Lock()
	defer c.mu.Unlock()
	if sub, ok := c.subs[url]; ok {
		return sub, nil
	}
	sub, err := pubsub.OpenSubscription(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to open queue subscription %q: %w", url, err)
	}
	c.subs[url] = sub
	return sub, nil
}

// Push serializes the message and submits it to the triple's partition
// with a deterministic dedup key and the fixed group identifier.
func (c *Client) Push(ctx context.Context, t triple.ExecutionTriple, msg message.RemoteExecutionMessage) error {
	if err := t.Validate(); err != nil {
		return fmt.Errorf("cannot push to partition: %w", err)
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to serialize execution message: %w", err)
	}
	topic, err := c.topic(ctx, t)
	if err != nil {
		return err
	}
	if err := topic.Send(ctx, &pubsub.Message{
		Body: body,
		Metadata: map[string]string{
			MetadataDedupKey: DedupKey(body),
			MetadataGroupID:  defaultGroupID,
		},
	}); err != nil {
		return fmt.Errorf("failed to push execution message: %w", err)
	}
	metricPushes.WithLabelValues(t.RoutingKey()).Inc()
	return nil
}

// Pop retrieves at most one message from the triple's partition. An
// empty partition returns (nil, nil). A message whose body cannot be
// deserialized is acknowledged anyway to avoid a poison-message loop,
// logged, and also surfaced as (nil, nil).
func (c *Client) Pop(ctx context.Context, t triple.ExecutionTriple) (*Delivery, error) {
	sub, err := c.subscription(ctx, t)
	if err != nil {
		return nil, err
	}

	recvCtx, cancel := context.WithTimeout(ctx, popTimeout)
	defer cancel()

	msg, err := sub.Receive(recvCtx)
	if err != nil {
		if recvCtx.Err() != nil && ctx.Err() == nil {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to pop from queue: %w", err)
	}
	metricPops.WithLabelValues(t.RoutingKey()).Inc()

	var decoded message.RemoteExecutionMessage
	if err := json.Unmarshal(msg.Body, &decoded); err != nil {
		msg.Ack()
		metricPoisonMessages.Inc()
		slog.ErrorContext(ctx, "discarding undeserializable queue message",
			"routing_key", t.RoutingKey(),
			"error", err,
		)
		return nil, nil
	}

	return &Delivery{Message: decoded, ack: msg.Ack}, nil
}

// Shutdown closes all opened topics and subscriptions.
func (c *Client) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var errs []error
	for _, sub := range c.subs {
		if err := sub.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	for _, topic := range c.topics {
		if err := topic.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
