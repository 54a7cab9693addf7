package www_test

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
	"anvil.build/anvil/internal/queue"
	"anvil.build/anvil/internal/triple"
	"anvil.build/anvil/internal/www"
)

var testTriple = triple.ExecutionTriple{
	InstructionSet:  "amd64",
	OperatingSystem: "linux",
	Specialty:       "cpu",
}

func newTestServer(t *testing.T) (*www.Server, *queue.Client) {
	t.Helper()
	ctx := context.Background()

	prefix := "mem://" + strings.ReplaceAll(t.Name(), "/", "-") + "-"
	q, err := queue.NewClient(prefix)
	require.NoError(t, err)
	require.NoError(t, q.Open(ctx, testTriple))

	return &www.Server{
		Queue:   q,
		Triples: []triple.ExecutionTriple{testTriple},
	}, q
}

func TestExecute(t *testing.T) {
	srv, q := newTestServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	body := `{
		"triple": {"instructionSet": "amd64", "operatingSystem": "linux", "specialty": "cpu"},
		"hash": "abc123",
		"params": {"args": "--version -O2", "stdin": "hello"}
	}`
	resp, err := http.Post(ts.URL+"/api/v1/execute", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var got struct {
		GUID string `json:"guid"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.NotEmpty(t, got.GUID)

	// The submission must be waiting on the triple's partition.
	delivery, err := q.Pop(context.Background(), testTriple)
	require.NoError(t, err)
	require.NotNil(t, delivery)
	defer delivery.Ack()
	assert.Equal(t, got.GUID, delivery.Message.GUID)
	assert.Equal(t, "abc123", delivery.Message.Hash)
	assert.Equal(t, []string{"--version", "-O2"}, delivery.Message.Params.Args)
	assert.Equal(t, "hello", delivery.Message.Params.Stdin)
}

func TestExecuteRejections(t *testing.T) {
	srv, _ := newTestServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	tests := []struct {
		name     string
		body     string
		wantCode int
	}{
		{
			name:     "InvalidJSON",
			body:     `{not json`,
			wantCode: http.StatusBadRequest,
		},
		{
			name:     "MissingTriple",
			body:     `{"hash": "abc123"}`,
			wantCode: http.StatusBadRequest,
		},
		{
			name:     "MissingHash",
			body:     `{"triple": {"instructionSet": "amd64", "operatingSystem": "linux", "specialty": "cpu"}}`,
			wantCode: http.StatusBadRequest,
		},
		{
			name:     "UnservedTriple",
			body:     `{"triple": {"instructionSet": "riscv64", "operatingSystem": "linux", "specialty": "cpu"}, "hash": "abc123"}`,
			wantCode: http.StatusNotFound,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			resp, err := http.Post(ts.URL+"/api/v1/execute", "application/json", strings.NewReader(tc.body))
			require.NoError(t, err)
			defer resp.Body.Close()
			assert.Equal(t, tc.wantCode, resp.StatusCode)
		})
	}
}

func TestResultsStream(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	resultsURL := "mem://" + strings.ReplaceAll(t.Name(), "/", "-") + "-results"
	topic, err := pubsub.OpenTopic(ctx, resultsURL)
	require.NoError(t, err)
	sub, err := pubsub.OpenSubscription(ctx, resultsURL)
	require.NoError(t, err)
	t.Cleanup(func() {
		sub.Shutdown(context.Background())
		topic.Shutdown(context.Background())
	})

	mux := notify.NewMux(sub)
	go mux.Start(ctx)

	srv, _ := newTestServer(t)
	srv.Mux = mux
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/results/guid-ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	// Give the handler a moment to register its receiver.
	time.Sleep(100 * time.Millisecond)

	notifier := notify.NewNotifier(topic)
	require.NoError(t, notifier.Send(ctx, "guid-ws", notify.Delivery{
		Result: &message.BasicExecutionResult{Code: 7},
	}))
	require.NoError(t, notifier.CloseStream(ctx, "guid-ws"))

	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	var delivery notify.Delivery
	require.NoError(t, conn.ReadJSON(&delivery))
	require.NotNil(t, delivery.Result)
	assert.Equal(t, 7, delivery.Result.Code)

	// The stream-close marker ends the websocket.
	_, _, err = conn.ReadMessage()
	assert.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure))
}
