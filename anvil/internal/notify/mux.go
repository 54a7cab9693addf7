package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"gocloud.dev/pubsub"
)

const (
	// maxRecvMsgBufSize defines the maximum number of deliveries that
	// can be buffered for a receiver before new ones are dropped.
	maxRecvMsgBufSize = 64
)

// A Receiver is registered with a Mux to receive the deliveries of a
// single guid. Its channel is closed when the guid's stream closes or
// the receiver is unregistered.
type Receiver struct {
	guid string
	ch   chan Delivery
}

// NewReceiver initializes a receiver for the given guid. It must be
// registered on a Mux to begin receiving deliveries.
func NewReceiver(guid string) *Receiver {
	return &Receiver{
		guid: guid,
		ch:   make(chan Delivery, maxRecvMsgBufSize),
	}
}

// Deliveries returns the channel deliveries arrive on. It is closed
// when the stream closes.
func (r *Receiver) Deliveries() <-chan Delivery {
	return r.ch
}

// A Mux fans results-subscription messages out to registered
// receivers. A receiver only sees messages whose id metadata matches
// its guid.
type Mux struct {
	sub *pubsub.Subscription

	mu        sync.Mutex
	receivers map[string][]*Receiver
}

// NewMux initializes a Mux over the given results subscription.
func NewMux(sub *pubsub.Subscription) *Mux {
	return &Mux{
		sub:       sub,
		receivers: make(map[string][]*Receiver),
	}
}

// Register adds a receiver for its guid.
func (m *Mux) Register(r *Receiver) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.receivers[r.guid] = append(m.receivers[r.guid], r)
}

// Unregister removes a receiver and closes its channel. Unregistering
// twice is safe for receivers whose stream already closed.
func (m *Mux) Unregister(r *Receiver) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeLocked(r)
}

func (m *Mux) removeLocked(r *Receiver) {
	registered := m.receivers[r.guid]
	for i, existing := range registered {
		if existing == r {
			m.receivers[r.guid] = append(registered[:i], registered[i+1:]...)
			close(r.ch)
			break
		}
	}
	if len(m.receivers[r.guid]) == 0 {
		delete(m.receivers, r.guid)
	}
}

// Start receives from the subscription until the context is cancelled,
// routing each message to the receivers registered for its guid.
// Messages for guids with no receiver are acknowledged and dropped.
func (m *Mux) Start(ctx context.Context) error {
	for {
		msg, err := m.sub.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		msg.Ack()
		m.route(ctx, msg)
	}
}

func (m *Mux) route(ctx context.Context, msg *pubsub.Message) {
	guid, ok := msg.Metadata[MetadataID]
	if !ok {
		slog.WarnContext(ctx, "dropping results message without id metadata")
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, closed := msg.Metadata[MetadataStreamClose]; closed {
		for _, r := range m.receivers[guid] {
			close(r.ch)
		}
		delete(m.receivers, guid)
		return
	}

	var delivery Delivery
	if err := json.Unmarshal(msg.Body, &delivery); err != nil {
		slog.ErrorContext(ctx, "dropping malformed delivery", "guid", guid, "error", err)
		return
	}
	for _, r := range m.receivers[guid] {
		select {
		case r.ch <- delivery:
		default:
			// Receiver is not draining; drop rather than block the mux.
		}
	}
}
