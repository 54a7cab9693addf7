// Package sandbox executes unpacked artifact bundles as constrained
// subprocesses: explicitly assembled environment, wall-clock timeout,
// combined output-size cap, and a fixed working directory. Execution
// failures are data, not errors; every run produces a
// BasicExecutionResult.
package sandbox

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"anvil.build/anvil/internal/bundle"
	"anvil.build/anvil/internal/message"
)

var (
	metricExecutions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "anvil_sandbox_executions_total",
			Help: "Total number of sandbox executions, by outcome.",
		},
		[]string{"outcome"},
	)
	metricExecSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "anvil_sandbox_execution_seconds",
			Help:    "Wall-clock duration of sandboxed subprocesses.",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(metricExecutions, metricExecSeconds)
}

// Engine runs an unpacked bundle with the given parameters.
type Engine interface {
	Execute(ctx context.Context, meta *bundle.Metadata, params message.ExecutionParams) message.BasicExecutionResult
}

// Config holds per-host execution defaults.
type Config struct {
	// Timeout is the wall-clock limit for one subprocess.
	Timeout time.Duration

	// MaxOutputBytes caps combined stdout+stderr; beyond it, output is
	// truncated and the process is terminated.
	MaxOutputBytes int64

	// HeaptrackPath enables the profiling-tool wrapper when non-empty.
	// Hosts without the tool degrade profiled requests to plain
	// execution rather than failing them.
	HeaptrackPath string

	// TagStderrLocations enables source-location tagging of stderr
	// lines ("at file:line" references emitted by some runtimes).
	TagStderrLocations bool
}

// ProcessEngine is the default Engine: a direct subprocess under the
// worker's host.
type ProcessEngine struct {
	cfg Config
}

// NewProcessEngine creates a process-backed execution engine.
func NewProcessEngine(cfg Config) *ProcessEngine {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxOutputBytes <= 0 {
		cfg.MaxOutputBytes = 1 << 20
	}
	return &ProcessEngine{cfg: cfg}
}

// Execute runs the bundle's executable. The subprocess receives only
// the assembled environment, runs in the bundle's working directory
// (unless the options carry an override), and is terminated on timeout
// or output overflow.
func (e *ProcessEngine) Execute(ctx context.Context, meta *bundle.Metadata, params message.ExecutionParams) message.BasicExecutionResult {
	opts := AssembleOptions(meta, params, e.cfg)

	argv := append([]string{meta.Executable}, params.Args...)
	profiled := false
	if params.Tool(message.ToolHeaptrack) != nil && e.cfg.HeaptrackPath != "" {
		argv = wrapWithHeaptrack(e.cfg.HeaptrackPath, meta.WorkDir, argv)
		profiled = true
	}

	runCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	budget := newOutputBudget(opts.MaxOutputBytes, cancel)
	stdout := budget.newBuffer()
	stderr := budget.newBuffer()

	cmd := exec.CommandContext(runCtx, argv[0], argv[1:]...)
	cmd.Dir = meta.WorkDir
	if opts.CustomCwd != "" {
		cmd.Dir = opts.CustomCwd
	}
	cmd.Env = opts.environ()
	cmd.Stdin = strings.NewReader(opts.Input)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = time.Second

	start := time.Now()
	runErr := cmd.Run()
	elapsed := time.Since(start)

	result := message.BasicExecutionResult{
		ExecTime:  float64(elapsed) / float64(time.Millisecond),
		TimedOut:  errors.Is(runCtx.Err(), context.DeadlineExceeded),
		Truncated: budget.isTruncated(),
	}
	metricExecSeconds.Observe(elapsed.Seconds())

	switch {
	case runErr == nil:
		result.Code = 0
	default:
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			result.Code = exitErr.ExitCode()
		} else if cmd.ProcessState != nil {
			result.Code = cmd.ProcessState.ExitCode()
		} else {
			// Launch failure: missing binary, permission denied. The
			// failure becomes a result, never an error for the caller.
			result.Code = -1
			stderr.append(runErr.Error())
		}
	}

	result.Stdout = ParseLines(stdout.bytes())
	if e.cfg.TagStderrLocations {
		result.Stderr = ParseLinesWithLocations(stderr.bytes())
	} else {
		result.Stderr = ParseLines(stderr.bytes())
	}

	if profiled {
		appendProfileNote(meta.WorkDir, &result)
	}

	metricExecutions.WithLabelValues(outcome(result)).Inc()
	return result
}

func outcome(result message.BasicExecutionResult) string {
	switch {
	case result.TimedOut:
		return "timeout"
	case result.Truncated:
		return "truncated"
	case result.Code == 0:
		return "success"
	default:
		return "failure"
	}
}

// outputBudget enforces a shared byte limit across all buffers of one
// run. Overflow truncates output and terminates the subprocess.
type outputBudget struct {
	mu        sync.Mutex
	remaining int64
	truncated bool
	terminate context.CancelFunc
}

func newOutputBudget(limit int64, terminate context.CancelFunc) *outputBudget {
	return &outputBudget{remaining: limit, terminate: terminate}
}

func (b *outputBudget) newBuffer() *cappedBuffer {
	return &cappedBuffer{budget: b}
}

func (b *outputBudget) isTruncated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.truncated
}

// cappedBuffer captures subprocess output until the shared budget is
// exhausted. Writes never fail; excess bytes are silently dropped so
// the process sees no write error before it is killed.
type cappedBuffer struct {
	budget *outputBudget
	buf    bytes.Buffer
}

func (c *cappedBuffer) Write(p []byte) (int, error) {
	c.budget.mu.Lock()
	defer c.budget.mu.Unlock()

	if c.budget.remaining <= 0 {
		c.overflowLocked()
		return len(p), nil
	}
	n := int64(len(p))
	if n > c.budget.remaining {
		c.buf.Write(p[:c.budget.remaining])
		c.budget.remaining = 0
		c.overflowLocked()
		return len(p), nil
	}
	c.buf.Write(p)
	c.budget.remaining -= n
	return len(p), nil
}

func (c *cappedBuffer) overflowLocked() {
	if !c.budget.truncated {
		c.budget.truncated = true
		c.budget.terminate()
	}
}

func (c *cappedBuffer) append(line string) {
	c.budget.mu.Lock()
	defer c.budget.mu.Unlock()
	if c.buf.Len() > 0 && !bytes.HasSuffix(c.buf.Bytes(), []byte("\n")) {
		c.buf.WriteByte('\n')
	}
	c.buf.WriteString(line)
}

func (c *cappedBuffer) bytes() []byte {
	c.budget.mu.Lock()
	defer c.budget.mu.Unlock()
	return c.buf.Bytes()
}
