package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/gcsblob"
	_ "gocloud.dev/blob/memblob"
	"gocloud.dev/pubsub"
	_ "gocloud.dev/pubsub/gcppubsub"
	_ "gocloud.dev/pubsub/mempubsub"
	"gopkg.in/yaml.v3"

	"anvil.build/anvil/internal/cache"
	"anvil.build/anvil/internal/queue"
	"anvil.build/anvil/internal/sandbox"
	"anvil.build/anvil/internal/triple"
)

var (
	// EnvDebugLogging will emit verbose debug logs to help troubleshoot issues.
	// EnvJSONLogging will emit logs in JSON format for easier parsing by log aggregators.
	// EnvLogInstanceID will include the anvil instance id in log messages.
	EnvDebugLogging  = EnvBool{"ENABLE_DEBUG_LOGGING"}
	EnvJSONLogging   = EnvBool{"ENABLE_JSON_LOGGING"}
	EnvLogInstanceID = EnvBool{"ENABLE_INSTANCE_ID_LOGGING"}

	// EnvHTTPListenAddr sets the address (ip:port) for anvil's HTTP server to bind to.
	// EnvHTTPMetricsListenAddr sets the address (ip:port) for the HTTP metrics server to bind to.
	// EnvEnableMetrics enables the /metrics endpoint and HTTP server. It is unauthenticated and should be used carefully.
	EnvHTTPListenAddr        = EnvString{"HTTP_LISTEN_ADDR", "0.0.0.0:8000"}
	EnvHTTPMetricsListenAddr = EnvString{"HTTP_METRICS_LISTEN_ADDR", "127.0.0.1:8080"}
	EnvEnableMetrics         = EnvBool{"ENABLE_METRICS"}

	// EnvQueueURLBase defines the broker URL prefix execution partitions are derived from.
	// EnvResultsTopicURL defines the topic to publish execution results to.
	// EnvResultsSubscriptionURL defines the subscription to receive execution results from.
	EnvQueueURLBase           = EnvString{"QUEUE_URL_BASE", "mem://"}
	EnvResultsTopicURL        = EnvString{"RESULTS_TOPIC_URL", "mem://results"}
	EnvResultsSubscriptionURL = EnvString{"RESULTS_SUBSCRIPTION_URL", "mem://results"}

	// EnvCacheBucketURL defines the blob bucket artifact bundles are fetched from.
	// EnvCacheHotEntries defines the number of bundles held in the in-process hot cache.
	EnvCacheBucketURL  = EnvString{"CACHE_BUCKET_URL", "mem://"}
	EnvCacheHotEntries = EnvInteger{"CACHE_HOT_ENTRIES", 64}

	// EnvTriples defines the execution triples this instance serves, as a
	// comma-separated list of <isa>-<os>-<specialty> values.
	// EnvTriplesFile points to a YAML file listing the triples instead;
	// it takes precedence over EnvTriples when set.
	EnvTriples     = EnvString{"TRIPLES", "amd64-linux-cpu"}
	EnvTriplesFile = EnvString{"TRIPLES_FILE", ""}

	// EnvWorkRoot defines the directory per-request working directories are created under.
	// If unset a temporary directory is created at startup.
	EnvWorkRoot = EnvString{"WORK_ROOT", ""}

	// EnvPollIntervalMs defines the steady-state wait between empty queue polls.
	// EnvStartupDelayMs defines the wait before a worker's first poll.
	EnvPollIntervalMs = EnvDuration{"POLL_INTERVAL_MS", 500}
	EnvStartupDelayMs = EnvDuration{"STARTUP_DELAY_MS", 5000}

	// EnvExecTimeoutMs defines the wall-clock limit on a single execution.
	// EnvMaxOutputBytes defines the combined stdout+stderr byte budget.
	// EnvHeaptrackPath defines the heaptrack wrapper binary, enabling memory profiling when set.
	// EnvTagStderrLocations enables source-location tagging of stderr lines.
	EnvExecTimeoutMs      = EnvDuration{"EXEC_TIMEOUT_MS", 10000}
	EnvMaxOutputBytes     = EnvInteger{"MAX_OUTPUT_BYTES", 1 << 20}
	EnvHeaptrackPath      = EnvString{"HEAPTRACK_PATH", ""}
	EnvTagStderrLocations = EnvBool{"ENABLE_STDERR_LOCATION_TAGS"}

	// EnvSandboxBackend selects the execution backend ("process" or "docker").
	// EnvDockerImage defines the container image used by the docker backend.
	EnvSandboxBackend = EnvString{"SANDBOX_BACKEND", "process"}
	EnvDockerImage    = EnvString{"DOCKER_IMAGE", ""}

	// EnvJanitorSchedule defines the cron schedule for orphaned workdir sweeps.
	// EnvJanitorMaxAgeMs defines how old a workdir must be before a sweep removes it.
	EnvJanitorSchedule = EnvString{"JANITOR_SCHEDULE", ""}
	EnvJanitorMaxAgeMs = EnvDuration{"JANITOR_MAX_AGE_MS", 30 * 60 * 1000}
)

// Config holds information that controls the behaviour of Anvil.
type Config struct {
	queueURLBase   string
	cacheBucketURL string
	triples        []triple.ExecutionTriple
	workRoot       string
}

// ConfigureFromEnv reads the full configuration from environment
// variables. Invalid configuration is fatal.
func ConfigureFromEnv() func(*Config) {
	return func(cfg *Config) {
		cfg.queueURLBase = EnvQueueURLBase.String()
		if cfg.queueURLBase == "" {
			log.Fatalf("[FATAL] %q must not be empty", EnvQueueURLBase.Key)
		}
		cfg.cacheBucketURL = EnvCacheBucketURL.String()
		cfg.triples = loadTriples()
		cfg.workRoot = EnvWorkRoot.String()
	}
}

// ConfigureQueueURLBase overrides the broker URL prefix.
func ConfigureQueueURLBase(base string) func(*Config) {
	return func(cfg *Config) {
		cfg.queueURLBase = base
	}
}

// ConfigureTriples overrides the served triples.
func ConfigureTriples(triples ...triple.ExecutionTriple) func(*Config) {
	return func(cfg *Config) {
		cfg.triples = triples
	}
}

// ConfigureWorkRoot overrides the working directory root.
func ConfigureWorkRoot(root string) func(*Config) {
	return func(cfg *Config) {
		cfg.workRoot = root
	}
}

// NewQueueClient connects to the configured queue broker.
func (cfg *Config) NewQueueClient() (*queue.Client, error) {
	return queue.NewClient(cfg.queueURLBase)
}

// NewCache opens the configured artifact bucket.
func (cfg *Config) NewCache(ctx context.Context) (*cache.Cache, error) {
	bucket, err := blob.OpenBucket(ctx, cfg.cacheBucketURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open cache bucket %q: %w", cfg.cacheBucketURL, err)
	}
	return cache.New(bucket, EnvCacheHotEntries.Int())
}

// OpenResults opens the results delivery channel.
func (cfg *Config) OpenResults(ctx context.Context) (*pubsub.Topic, *pubsub.Subscription, error) {
	topic, err := pubsub.OpenTopic(ctx, EnvResultsTopicURL.String())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open results topic: %w", err)
	}
	sub, err := pubsub.OpenSubscription(ctx, EnvResultsSubscriptionURL.String())
	if err != nil {
		topic.Shutdown(ctx)
		return nil, nil, fmt.Errorf("failed to open results subscription: %w", err)
	}
	return topic, sub, nil
}

// NewEngine builds the configured sandbox backend.
func (cfg *Config) NewEngine() (sandbox.Engine, error) {
	sandboxCfg := sandbox.Config{
		Timeout:            EnvExecTimeoutMs.Duration(),
		MaxOutputBytes:     int64(EnvMaxOutputBytes.Int()),
		HeaptrackPath:      EnvHeaptrackPath.String(),
		TagStderrLocations: EnvTagStderrLocations.IsSet(),
	}
	switch backend := EnvSandboxBackend.String(); backend {
	case "process":
		return sandbox.NewProcessEngine(sandboxCfg), nil
	case "docker":
		image := EnvDockerImage.String()
		if image == "" {
			return nil, fmt.Errorf("%q must be set when using the docker backend", EnvDockerImage.Key)
		}
		return sandbox.NewDockerEngineFromEnv(image, sandboxCfg)
	default:
		return nil, fmt.Errorf("unsupported sandbox backend %q", backend)
	}
}

// Triples returns the execution triples this instance serves.
func (cfg *Config) Triples() []triple.ExecutionTriple {
	return cfg.triples
}

// WorkRoot returns the working directory root, creating one if none was
// configured.
func (cfg *Config) WorkRoot() (string, error) {
	if cfg.workRoot != "" {
		if err := os.MkdirAll(cfg.workRoot, 0o755); err != nil {
			return "", fmt.Errorf("failed to create work root: %w", err)
		}
		return cfg.workRoot, nil
	}
	root, err := os.MkdirTemp("", "anvil-work-")
	if err != nil {
		return "", fmt.Errorf("failed to create work root: %w", err)
	}
	cfg.workRoot = root
	return root, nil
}

// triplesFile is the YAML shape of a triples configuration file.
type triplesFile struct {
	Triples []triple.ExecutionTriple `yaml:"triples"`
}

func loadTriples() []triple.ExecutionTriple {
	if path := EnvTriplesFile.String(); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			log.Fatalf("[FATAL] failed to read %q (%s): %v", path, EnvTriplesFile.Key, err)
		}
		return parseTriplesYAML(path, data)
	}
	return parseTriplesList(EnvTriples.String())
}

func parseTriplesYAML(path string, data []byte) []triple.ExecutionTriple {
	var file triplesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		log.Fatalf("[FATAL] failed to parse triples file %q: %v", path, err)
	}
	if len(file.Triples) == 0 {
		log.Fatalf("[FATAL] triples file %q lists no triples", path)
	}
	for _, t := range file.Triples {
		if err := t.Validate(); err != nil {
			log.Fatalf("[FATAL] triples file %q contains an invalid triple: %v", path, err)
		}
	}
	return file.Triples
}

func parseTriplesList(value string) []triple.ExecutionTriple {
	var triples []triple.ExecutionTriple
	for _, entry := range strings.Split(value, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		t, err := triple.Parse(entry)
		if err != nil {
			log.Fatalf("[FATAL] invalid value for %q: %v", EnvTriples.Key, err)
		}
		triples = append(triples, t)
	}
	if len(triples) == 0 {
		log.Fatalf("[FATAL] %q must list at least one triple", EnvTriples.Key)
	}
	return triples
}
