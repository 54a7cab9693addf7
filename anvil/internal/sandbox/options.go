package sandbox

import (
	"os"
	"sort"
	"strings"
	"time"

	"anvil.build/anvil/internal/bundle"
	"anvil.build/anvil/internal/message"
)

// ExecutionOptions is the fully assembled environment for one sandboxed
// run. Constructed per request; never shared or mutated across
// requests.
type ExecutionOptions struct {
	Env            map[string]string
	Timeout        time.Duration
	MaxOutputBytes int64
	LdPath         []string
	Input          string
	CustomCwd      string
	AppHome        string
}

// baselineHints are diagnostic environment defaults applied unless the
// caller provides its own value for the key.
var baselineHints = map[string]string{
	"ASAN_OPTIONS":  "color=always",
	"UBSAN_OPTIONS": "color=always:print_stacktrace=1",
}

// AssembleOptions builds ExecutionOptions from scratch for one request:
// caller-provided env entries first, the bundle's PATH hint appended
// additively, prepared library paths copied over, and baseline
// diagnostic hints filled in only where the caller left the key unset.
// Nothing is inherited from the host process environment.
func AssembleOptions(meta *bundle.Metadata, params message.ExecutionParams, cfg Config) ExecutionOptions {
	opts := ExecutionOptions{
		Env:            make(map[string]string),
		Timeout:        cfg.Timeout,
		MaxOutputBytes: cfg.MaxOutputBytes,
		Input:          params.Stdin,
		CustomCwd:      meta.DefaultExecOptions.CustomCwd,
		AppHome:        meta.DefaultExecOptions.AppHome,
	}

	if tool := params.Tool(message.ToolEnv); tool != nil {
		for _, opt := range tool.Options {
			opts.Env[opt.Name] = opt.Value
		}
	}

	if hint := meta.DefaultExecOptions.Path; len(hint) > 0 {
		joined := strings.Join(hint, string(os.PathListSeparator))
		if existing := opts.Env["PATH"]; existing != "" {
			// The bundle's hint is appended, never overwrites.
			opts.Env["PATH"] = existing + string(os.PathListSeparator) + joined
		} else {
			opts.Env["PATH"] = joined
		}
	}

	opts.LdPath = append(opts.LdPath, meta.DefaultExecOptions.PreparedLdPaths...)

	for key, value := range baselineHints {
		if _, ok := opts.Env[key]; !ok {
			opts.Env[key] = value
		}
	}

	return opts
}

// environ flattens the assembled env into KEY=VALUE form, adding the
// library search path and home directory entries. Order is
// deterministic.
func (opts ExecutionOptions) environ() []string {
	env := make(map[string]string, len(opts.Env)+2)
	for k, v := range opts.Env {
		env[k] = v
	}
	if len(opts.LdPath) > 0 {
		env["LD_LIBRARY_PATH"] = strings.Join(opts.LdPath, string(os.PathListSeparator))
	}
	if opts.AppHome != "" {
		env["HOME"] = opts.AppHome
		env["APP_HOME"] = opts.AppHome
	}

	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	flat := make([]string, 0, len(keys))
	for _, k := range keys {
		flat = append(flat, k+"="+env[k])
	}
	return flat
}
