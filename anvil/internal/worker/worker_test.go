package worker_test

import (
	"context"
	"encoding/json"
	"os"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocloud.dev/blob/memblob"
	"gocloud.dev/pubsub"
	_ "gocloud.dev/pubsub/mempubsub"

	"anvil.build/anvil/internal/bundle"
	"anvil.build/anvil/internal/bundle/bundletest"
	"anvil.build/anvil/internal/cache"
	"anvil.build/anvil/internal/message"
	"anvil.build/anvil/internal/notify"
	"anvil.build/anvil/internal/packager"
	"anvil.build/anvil/internal/queue"
	"anvil.build/anvil/internal/sandbox"
	"anvil.build/anvil/internal/triple"
	"anvil.build/anvil/internal/worker"
)

var testTriple = triple.ExecutionTriple{
	InstructionSet:  "amd64",
	OperatingSystem: "linux",
	Specialty:       "cpu",
}

// harness wires one worker to in-memory infrastructure.
type harness struct {
	queue    *queue.Client
	cache    *cache.Cache
	results  *pubsub.Subscription
	worker   *worker.Worker
	shutdown context.CancelFunc
}

func newHarness(t *testing.T, cfg sandbox.Config) *harness {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("worker tests execute shell scripts")
	}
	ctx := context.Background()

	// Unique URL prefixes per test: the in-memory broker caches
	// topics process-wide by URL.
	prefix := "mem://" + strings.ReplaceAll(t.Name(), "/", "-") + "-"

	q, err := queue.NewClient(prefix)
	require.NoError(t, err)
	require.NoError(t, q.Open(ctx, testTriple))

	bucket := memblob.OpenBucket(nil)
	t.Cleanup(func() { bucket.Close() })
	c, err := cache.New(bucket, 8)
	require.NoError(t, err)

	resultsURL := prefix + "results"
	topic, err := pubsub.OpenTopic(ctx, resultsURL)
	require.NoError(t, err)
	sub, err := pubsub.OpenSubscription(ctx, resultsURL)
	require.NoError(t, err)
	t.Cleanup(func() {
		sub.Shutdown(ctx)
		topic.Shutdown(ctx)
	})

	w := &worker.Worker{
		Triple:       testTriple,
		Queue:        q,
		Fetcher:      bundle.NewFetcher(c, packager.New()),
		Engine:       sandbox.NewProcessEngine(cfg),
		Notifier:     notify.NewNotifier(topic),
		WorkRoot:     t.TempDir(),
		PollInterval: 10 * time.Millisecond,
		StartupDelay: time.Millisecond,
	}

	runCtx, cancel := context.WithCancel(ctx)
	go w.Run(runCtx)
	t.Cleanup(cancel)

	return &harness{queue: q, cache: c, results: sub, worker: w, shutdown: cancel}
}

// collect receives result deliveries for one guid until its stream is
// closed.
func (h *harness) collect(t *testing.T, guid string) []notify.Delivery {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	var deliveries []notify.Delivery
	for {
		msg, err := h.results.Receive(ctx)
		require.NoError(t, err, "result stream for %s never closed", guid)
		msg.Ack()
		if msg.Metadata[notify.MetadataID] != guid {
			continue
		}
		if msg.Metadata[notify.MetadataStreamClose] != "" {
			return deliveries
		}
		var d notify.Delivery
		require.NoError(t, json.Unmarshal(msg.Body, &d))
		deliveries = append(deliveries, d)
	}
}

func TestExecuteSuccess(t *testing.T) {
	h := newHarness(t, sandbox.Config{})
	bundletest.Store(t, h.cache, "hash-ok", bundletest.Options{})

	require.NoError(t, h.queue.Push(context.Background(), testTriple, message.RemoteExecutionMessage{
		GUID: "guid-ok",
		Hash: "hash-ok",
	}))

	deliveries := h.collect(t, "guid-ok")
	require.Len(t, deliveries, 1)
	d := deliveries[0]
	assert.False(t, d.Failed())
	require.NotNil(t, d.Result)
	assert.Equal(t, 0, d.Result.Code)
	assert.False(t, d.Result.TimedOut)
	require.NotEmpty(t, d.Result.Stdout)
	assert.Equal(t, "anvil-test 1.0.0", d.Result.Stdout[0].Text)
	assert.Greater(t, d.Result.ExecTime, 0.0)
}

func TestExecuteCrash(t *testing.T) {
	h := newHarness(t, sandbox.Config{})
	bundletest.Store(t, h.cache, "hash-crash", bundletest.Options{
		Script: "#!/bin/sh\necho oops >&2\nexit 42\n",
	})

	require.NoError(t, h.queue.Push(context.Background(), testTriple, message.RemoteExecutionMessage{
		GUID: "guid-crash",
		Hash: "hash-crash",
	}))

	deliveries := h.collect(t, "guid-crash")
	require.Len(t, deliveries, 1)
	d := deliveries[0]
	assert.False(t, d.Failed())
	require.NotNil(t, d.Result)
	assert.Equal(t, 42, d.Result.Code)
	require.NotEmpty(t, d.Result.Stderr)
	assert.Equal(t, "oops", d.Result.Stderr[0].Text)
}

func TestExecuteMissingBundle(t *testing.T) {
	h := newHarness(t, sandbox.Config{})

	require.NoError(t, h.queue.Push(context.Background(), testTriple, message.RemoteExecutionMessage{
		GUID: "guid-missing",
		Hash: "never-stored",
	}))

	deliveries := h.collect(t, "guid-missing")
	require.Len(t, deliveries, 1)
	d := deliveries[0]
	assert.True(t, d.Failed())
	assert.Nil(t, d.Result)
	assert.NotEmpty(t, d.Error)
}

func TestExecuteTimeout(t *testing.T) {
	h := newHarness(t, sandbox.Config{Timeout: 200 * time.Millisecond})
	bundletest.Store(t, h.cache, "hash-slow", bundletest.Options{
		Script: "#!/bin/sh\nsleep 10\n",
	})

	require.NoError(t, h.queue.Push(context.Background(), testTriple, message.RemoteExecutionMessage{
		GUID: "guid-slow",
		Hash: "hash-slow",
	}))

	deliveries := h.collect(t, "guid-slow")
	require.Len(t, deliveries, 1)
	d := deliveries[0]
	assert.False(t, d.Failed())
	require.NotNil(t, d.Result)
	assert.True(t, d.Result.TimedOut)
}

func TestWorkerSurvivesBadRequests(t *testing.T) {
	h := newHarness(t, sandbox.Config{})
	bundletest.Store(t, h.cache, "hash-after", bundletest.Options{})

	ctx := context.Background()
	// A request that fails end-to-end must not halt the loop.
	require.NoError(t, h.queue.Push(ctx, testTriple, message.RemoteExecutionMessage{
		GUID: "guid-bad",
		Hash: "no-such-bundle",
	}))
	require.NoError(t, h.queue.Push(ctx, testTriple, message.RemoteExecutionMessage{
		GUID: "guid-after",
		Hash: "hash-after",
	}))

	bad := h.collect(t, "guid-bad")
	require.Len(t, bad, 1)
	assert.True(t, bad[0].Failed())

	good := h.collect(t, "guid-after")
	require.Len(t, good, 1)
	assert.False(t, good[0].Failed())
	require.NotNil(t, good[0].Result)
	assert.Equal(t, 0, good[0].Result.Code)
}

func TestWorkDirCleanedUp(t *testing.T) {
	h := newHarness(t, sandbox.Config{})
	bundletest.Store(t, h.cache, "hash-clean", bundletest.Options{})

	require.NoError(t, h.queue.Push(context.Background(), testTriple, message.RemoteExecutionMessage{
		GUID: "guid-clean",
		Hash: "hash-clean",
	}))
	h.collect(t, "guid-clean")

	// The per-request directory is removed once the result is out.
	assert.Eventually(t, func() bool {
		entries, err := os.ReadDir(h.worker.WorkRoot)
		return err == nil && len(entries) == 0
	}, 5*time.Second, 50*time.Millisecond)
}
