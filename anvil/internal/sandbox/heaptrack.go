package sandbox

import (
	"fmt"
	"path/filepath"

	"anvil.build/anvil/internal/message"
)

// heaptrackOutputPrefix is where the wrapper writes its profile data,
// relative to the working directory. Heaptrack appends its own
// compression suffix.
const heaptrackOutputPrefix = "heaptrack.out"

// wrapWithHeaptrack prepends the profiling wrapper to the argument
// vector. The wrapper governs process launch; the environment, timeout,
// and output contract of the run are unchanged.
func wrapWithHeaptrack(toolPath, workDir string, argv []string) []string {
	wrapped := []string{
		toolPath,
		"--record-only",
		"-o", filepath.Join(workDir, heaptrackOutputPrefix),
	}
	return append(wrapped, argv...)
}

// appendProfileNote records the location of the profile artifact on
// stderr after raw execution completed. Post-processing is layered on
// top of the run, never instead of it.
func appendProfileNote(workDir string, result *message.BasicExecutionResult) {
	matches, err := filepath.Glob(filepath.Join(workDir, heaptrackOutputPrefix+"*"))
	if err != nil || len(matches) == 0 {
		return
	}
	result.Stderr = append(result.Stderr, message.OutputLine{
		Text: fmt.Sprintf("heaptrack profile written to %s", matches[0]),
	})
}
