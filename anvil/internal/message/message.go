// Package message defines the wire types exchanged between requesters,
// the execution queue, and workers.
package message

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Well-known runtime tool names. Tools with other names are carried
// through the queue untouched and ignored by the execution engine.
const (
	ToolEnv       = "env"
	ToolHeaptrack = "heaptrack"
)

// RemoteExecutionMessage is one execution request in transit. GUID is the
// round-trip correlation id assigned by the requester; Hash addresses the
// cached artifact bundle to execute.
type RemoteExecutionMessage struct {
	GUID   string          `json:"guid"`
	Hash   string          `json:"hash"`
	Params ExecutionParams `json:"params"`
}

// ExecutionParams describes how a cached executable should be run.
type ExecutionParams struct {
	Args         []string      `json:"args,omitempty"`
	Stdin        string        `json:"stdin,omitempty"`
	RuntimeTools []RuntimeTool `json:"runtimeTools,omitempty"`
}

// Tool returns the first runtime tool with the given name, or nil.
func (p ExecutionParams) Tool(name string) *RuntimeTool {
	for i := range p.RuntimeTools {
		if p.RuntimeTools[i].Name == name {
			return &p.RuntimeTools[i]
		}
	}
	return nil
}

// UnmarshalJSON accepts args either as an array of strings or as a single
// string, which is tokenized shell-style.
func (p *ExecutionParams) UnmarshalJSON(data []byte) error {
	var raw struct {
		Args         json.RawMessage `json:"args"`
		Stdin        string          `json:"stdin"`
		RuntimeTools []RuntimeTool   `json:"runtimeTools"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	p.Stdin = raw.Stdin
	p.RuntimeTools = raw.RuntimeTools
	p.Args = nil

	if len(raw.Args) == 0 || string(raw.Args) == "null" {
		return nil
	}
	var args []string
	if err := json.Unmarshal(raw.Args, &args); err == nil {
		p.Args = args
		return nil
	}
	var single string
	if err := json.Unmarshal(raw.Args, &single); err != nil {
		return fmt.Errorf("args must be a string or an array of strings: %w", err)
	}
	p.Args = Tokenize(single)
	return nil
}

// Tokenize splits a command-line string on whitespace, honoring single and
// double quotes. Quotes are stripped from the resulting tokens.
func Tokenize(s string) []string {
	var (
		tokens  []string
		current strings.Builder
		quote   rune
		inToken bool
	)
	for _, r := range s {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			} else {
				current.WriteRune(r)
			}
		case r == '\'' || r == '"':
			quote = r
			inToken = true
		case r == ' ' || r == '\t' || r == '\n':
			if inToken {
				tokens = append(tokens, current.String())
				current.Reset()
				inToken = false
			}
		default:
			current.WriteRune(r)
			inToken = true
		}
	}
	if inToken {
		tokens = append(tokens, current.String())
	}
	return tokens
}

// RuntimeTool is a tagged entry in ExecutionParams.RuntimeTools.
type RuntimeTool struct {
	Name    string       `json:"name"`
	Options []ToolOption `json:"options,omitempty"`
}

// Option returns the value of the named option and whether it was present.
func (t RuntimeTool) Option(name string) (string, bool) {
	for _, opt := range t.Options {
		if opt.Name == name {
			return opt.Value, true
		}
	}
	return "", false
}

// ToolOption is a single name/value pair carried by a runtime tool.
type ToolOption struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// SourceLocation identifies a file and line referenced by an output line.
type SourceLocation struct {
	File string `json:"file"`
	Line int    `json:"line"`
}

// OutputLine is one line of captured subprocess output. Tag is set when
// line parsing recognized an embedded source location.
type OutputLine struct {
	Text string          `json:"text"`
	Tag  *SourceLocation `json:"tag,omitempty"`
}

// BasicExecutionResult is the terminal value produced for every executed
// request. Timeouts and truncated output are result variants, not errors.
type BasicExecutionResult struct {
	Code      int          `json:"code"`
	TimedOut  bool         `json:"timedOut"`
	Truncated bool         `json:"truncated,omitempty"`
	Stdout    []OutputLine `json:"stdout"`
	Stderr    []OutputLine `json:"stderr"`

	// ExecTime is the wall-clock duration of the subprocess in milliseconds.
	ExecTime float64 `json:"execTime"`
}
