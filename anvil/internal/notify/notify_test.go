package notify_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocloud.dev/pubsub"
	_ "gocloud.dev/pubsub/mempubsub"

	"anvil.build/anvil/internal/message"
	"anvil.build/anvil/internal/notify"
)

// newResultsChannel opens a fresh in-memory results topic/subscription
// pair for one test.
func newResultsChannel(t *testing.T) (*pubsub.Topic, *pubsub.Subscription) {
	t.Helper()
	ctx := context.Background()
	url := "mem://results-" + strings.ReplaceAll(t.Name(), "/", "-")
	topic, err := pubsub.OpenTopic(ctx, url)
	require.NoError(t, err)
	sub, err := pubsub.OpenSubscription(ctx, url)
	require.NoError(t, err)
	t.Cleanup(func() {
		sub.Shutdown(ctx)
		topic.Shutdown(ctx)
	})
	return topic, sub
}

func TestSendAndClose(t *testing.T) {
	ctx := context.Background()
	topic, sub := newResultsChannel(t)
	notifier := notify.NewNotifier(topic)

	result := &message.BasicExecutionResult{Code: 0, ExecTime: 12.5}
	require.NoError(t, notifier.Send(ctx, "g1", notify.Delivery{Result: result}))
	require.NoError(t, notifier.CloseStream(ctx, "g1"))

	recvCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	first, err := sub.Receive(recvCtx)
	require.NoError(t, err)
	first.Ack()
	assert.Equal(t, "g1", first.Metadata[notify.MetadataID])
	var delivery notify.Delivery
	require.NoError(t, json.Unmarshal(first.Body, &delivery))
	assert.Equal(t, "g1", delivery.GUID)
	assert.False(t, delivery.Failed())
	require.NotNil(t, delivery.Result)
	assert.Equal(t, 0, delivery.Result.Code)

	second, err := sub.Receive(recvCtx)
	require.NoError(t, err)
	second.Ack()
	assert.Equal(t, "g1", second.Metadata[notify.MetadataID])
	assert.Contains(t, second.Metadata, notify.MetadataStreamClose)
}

func TestFailureDelivery(t *testing.T) {
	delivery := notify.Delivery{Error: "artifact not found in cache: abc123"}
	assert.True(t, delivery.Failed())
}

func TestMuxRoutesByGUID(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	topic, sub := newResultsChannel(t)
	notifier := notify.NewNotifier(topic)

	mux := notify.NewMux(sub)
	go mux.Start(ctx)

	matched := notify.NewReceiver("g1")
	other := notify.NewReceiver("g2")
	mux.Register(matched)
	mux.Register(other)
	defer mux.Unregister(other)

	require.NoError(t, notifier.Send(ctx, "g1", notify.Delivery{
		Result: &message.BasicExecutionResult{Code: 0},
	}))
	require.NoError(t, notifier.CloseStream(ctx, "g1"))

	select {
	case delivery := <-matched.Deliveries():
		assert.Equal(t, "g1", delivery.GUID)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}

	// The stream-close marker must close the matched receiver.
	select {
	case _, ok := <-matched.Deliveries():
		assert.False(t, ok, "receiver channel should be closed after stream-close")
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for stream close")
	}

	// The other receiver saw nothing.
	select {
	case delivery := <-other.Deliveries():
		t.Fatalf("receiver for g2 got unexpected delivery: %+v", delivery)
	default:
	}
}

func TestServeStream(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	topic, sub := newResultsChannel(t)
	notifier := notify.NewNotifier(topic)

	mux := notify.NewMux(sub)
	go mux.Start(ctx)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		notify.ServeStream(mux, req.URL.Query().Get("guid"), w, req)
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "?guid=g1"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	// Give the handler a moment to register its receiver before
	// publishing.
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, notifier.Send(ctx, "g1", notify.Delivery{
		Result: &message.BasicExecutionResult{Code: 0},
	}))
	require.NoError(t, notifier.CloseStream(ctx, "g1"))

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, body, err := conn.ReadMessage()
	require.NoError(t, err)

	var delivery notify.Delivery
	require.NoError(t, json.Unmarshal(body, &delivery))
	assert.Equal(t, "g1", delivery.GUID)
	require.NotNil(t, delivery.Result)

	// The stream close must surface as a websocket close.
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) || err != nil)
}
