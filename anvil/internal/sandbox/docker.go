package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"anvil.build/anvil/internal/bundle"
	"anvil.build/anvil/internal/message"
)

// DockerEngine runs bundles inside containers instead of direct
// subprocesses. The working directory is bind-mounted at its host path
// so relocated bundle paths stay valid inside the container. The same
// environment, timeout, and output contract as ProcessEngine applies.
type DockerEngine struct {
	cfg    Config
	image  string
	client client.APIClient
}

// NewDockerEngine creates a container-backed execution engine using the
// given Docker API client and runtime image.
func NewDockerEngine(cli client.APIClient, image string, cfg Config) *DockerEngine {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxOutputBytes <= 0 {
		cfg.MaxOutputBytes = 1 << 20
	}
	return &DockerEngine{cfg: cfg, image: image, client: cli}
}

// NewDockerEngineFromEnv creates a DockerEngine using the default
// Docker client configuration from environment variables.
func NewDockerEngineFromEnv(image string, cfg Config) (*DockerEngine, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return NewDockerEngine(cli, image, cfg), nil
}

// Execute implements Engine. Failures to reach the Docker daemon or to
// create the container are converted into results with a sentinel code,
// matching the contract that execution failures are data.
func (e *DockerEngine) Execute(ctx context.Context, meta *bundle.Metadata, params message.ExecutionParams) message.BasicExecutionResult {
	opts := AssembleOptions(meta, params, e.cfg)
	argv := append([]string{meta.Executable}, params.Args...)

	runCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	budget := newOutputBudget(opts.MaxOutputBytes, cancel)
	stdout := budget.newBuffer()
	stderr := budget.newBuffer()

	start := time.Now()
	code, runErr := e.runContainer(runCtx, meta, argv, opts, stdout, stderr)
	elapsed := time.Since(start)
	metricExecSeconds.Observe(elapsed.Seconds())

	result := message.BasicExecutionResult{
		Code:      code,
		ExecTime:  float64(elapsed) / float64(time.Millisecond),
		TimedOut:  errors.Is(runCtx.Err(), context.DeadlineExceeded),
		Truncated: budget.isTruncated(),
	}
	if runErr != nil && !result.TimedOut {
		result.Code = -1
		stderr.append(runErr.Error())
	}

	result.Stdout = ParseLines(stdout.bytes())
	if e.cfg.TagStderrLocations {
		result.Stderr = ParseLinesWithLocations(stderr.bytes())
	} else {
		result.Stderr = ParseLines(stderr.bytes())
	}

	metricExecutions.WithLabelValues(outcome(result)).Inc()
	return result
}

func (e *DockerEngine) runContainer(ctx context.Context, meta *bundle.Metadata, argv []string, opts ExecutionOptions, stdout, stderr io.Writer) (int, error) {
	cwd := meta.WorkDir
	if opts.CustomCwd != "" {
		cwd = opts.CustomCwd
	}

	resp, err := e.client.ContainerCreate(ctx,
		&container.Config{
			Image:           e.image,
			Cmd:             argv,
			Env:             opts.environ(),
			WorkingDir:      cwd,
			OpenStdin:       opts.Input != "",
			StdinOnce:       opts.Input != "",
			NetworkDisabled: true,
		},
		&container.HostConfig{
			Binds:      []string{meta.WorkDir + ":" + meta.WorkDir},
			AutoRemove: false,
		},
		nil, // networking config
		nil, // platform
		"",  // container name (auto-generated)
	)
	if err != nil {
		return -1, fmt.Errorf("failed to create container: %w", err)
	}
	containerID := resp.ID

	defer func() {
		removeErr := e.client.ContainerRemove(context.Background(), containerID, container.RemoveOptions{Force: true})
		if removeErr != nil {
			slog.Warn("failed to remove container", "container_id", containerID, "error", removeErr)
		}
	}()

	if opts.Input != "" {
		attach, err := e.client.ContainerAttach(ctx, containerID, container.AttachOptions{Stream: true, Stdin: true})
		if err != nil {
			return -1, fmt.Errorf("failed to attach stdin: %w", err)
		}
		go func() {
			defer attach.Close()
			io.WriteString(attach.Conn, opts.Input)
			attach.CloseWrite()
		}()
	}

	if err := e.client.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return -1, fmt.Errorf("failed to start container: %w", err)
	}

	logReader, err := e.client.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		return -1, fmt.Errorf("failed to attach to container logs: %w", err)
	}
	defer logReader.Close()

	// Docker multiplexes stdout/stderr into one stream; demultiplex it
	// into the capped buffers.
	copyDone := make(chan error, 1)
	go func() {
		_, copyErr := stdcopy.StdCopy(stdout, stderr, logReader)
		copyDone <- copyErr
	}()

	waitCh, errCh := e.client.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)
	select {
	case waitErr := <-errCh:
		e.kill(containerID)
		return -1, fmt.Errorf("failed to wait for container: %w", waitErr)
	case <-ctx.Done():
		e.kill(containerID)
		return -1, nil
	case status := <-waitCh:
		<-copyDone
		if status.Error != nil {
			return int(status.StatusCode), errors.New(status.Error.Message)
		}
		return int(status.StatusCode), nil
	}
}

func (e *DockerEngine) kill(containerID string) {
	if err := e.client.ContainerKill(context.Background(), containerID, "KILL"); err != nil {
		slog.Warn("failed to kill container", "container_id", containerID, "error", err)
	}
}
