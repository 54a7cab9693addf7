// Package notify delivers execution results to requesters. Deliveries
// travel over a pubsub results channel keyed by the request guid; a
// stream-close marker follows the final delivery so receivers know no
// more messages will arrive. Delivery is best-effort: failures are
// logged and counted, never retried, and never reopen the originating
// queue message.
package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"gocloud.dev/pubsub"

	"anvil.build/anvil/internal/message"
)

const (
	// MetadataID carries the request guid a delivery belongs to.
	MetadataID = "id"

	// MetadataStreamClose marks the final message of a guid's stream.
	MetadataStreamClose = "stream-close"
)

var metricDeliveryFailures = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "anvil_notify_delivery_failures_total",
		Help: "Total number of result deliveries that could not be published.",
	},
)

func init() {
	prometheus.MustRegister(metricDeliveryFailures)
}

// Delivery is the envelope sent to the requester: either a completed
// execution result or an explicit failure indicator, so the requester
// is never left waiting indefinitely.
type Delivery struct {
	GUID   string                        `json:"guid"`
	Error  string                        `json:"error,omitempty"`
	Result *message.BasicExecutionResult `json:"result,omitempty"`
}

// Failed reports whether this delivery carries a failure instead of a
// result.
func (d Delivery) Failed() bool {
	return d.Error != ""
}

// Notifier publishes deliveries to the results channel.
type Notifier struct {
	topic *pubsub.Topic
}

// NewNotifier creates a Notifier over the given results topic.
func NewNotifier(topic *pubsub.Topic) *Notifier {
	return &Notifier{topic: topic}
}

// Send publishes one delivery keyed by guid.
func (n *Notifier) Send(ctx context.Context, guid string, delivery Delivery) error {
	delivery.GUID = guid
	body, err := json.Marshal(delivery)
	if err != nil {
		metricDeliveryFailures.Inc()
		return fmt.Errorf("failed to serialize delivery for %q: %w", guid, err)
	}
	if err := n.topic.Send(ctx, &pubsub.Message{
		Body:     body,
		Metadata: map[string]string{MetadataID: guid},
	}); err != nil {
		metricDeliveryFailures.Inc()
		return fmt.Errorf("failed to deliver result for %q: %w", guid, err)
	}
	return nil
}

// CloseStream publishes the stream-close marker for guid, signaling
// that no further deliveries will follow.
func (n *Notifier) CloseStream(ctx context.Context, guid string) error {
	if err := n.topic.Send(ctx, &pubsub.Message{
		Metadata: map[string]string{
			MetadataID:          guid,
			MetadataStreamClose: "1",
		},
	}); err != nil {
		metricDeliveryFailures.Inc()
		return fmt.Errorf("failed to close result stream for %q: %w", guid, err)
	}
	return nil
}
