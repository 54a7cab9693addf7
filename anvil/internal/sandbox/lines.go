package sandbox

import (
	"regexp"
	"strconv"
	"strings"

	"anvil.build/anvil/internal/message"
)

// sourceLocationPattern matches "at file:line" references embedded in
// crash output by some language runtimes.
var sourceLocationPattern = regexp.MustCompile(`\bat\s+([^\s:]+):(\d+)`)

// ParseLines normalizes a raw captured byte stream into line records.
func ParseLines(data []byte) []message.OutputLine {
	lines := splitLines(data)
	if lines == nil {
		return nil
	}
	records := make([]message.OutputLine, len(lines))
	for i, line := range lines {
		records[i] = message.OutputLine{Text: line}
	}
	return records
}

// ParseLinesWithLocations normalizes a raw byte stream into line
// records, tagging each line that carries a recognizable source
// location reference.
func ParseLinesWithLocations(data []byte) []message.OutputLine {
	lines := splitLines(data)
	if lines == nil {
		return nil
	}
	records := make([]message.OutputLine, len(lines))
	for i, line := range lines {
		records[i] = message.OutputLine{Text: line}
		if m := sourceLocationPattern.FindStringSubmatch(line); m != nil {
			lineNum, err := strconv.Atoi(m[2])
			if err == nil {
				records[i].Tag = &message.SourceLocation{File: m[1], Line: lineNum}
			}
		}
	}
	return records
}

func splitLines(data []byte) []string {
	if len(data) == 0 {
		return nil
	}
	text := strings.TrimSuffix(string(data), "\n")
	lines := strings.Split(text, "\n")
	for i := range lines {
		lines[i] = strings.TrimSuffix(lines[i], "\r")
	}
	return lines
}
