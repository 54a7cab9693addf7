// Package triple identifies classes of compatible execution hosts and
// derives the queue partitions that serve them.
package triple

import (
	"fmt"
	"strings"
)

// RoutingSuffix marks a queue partition as having ordered, deduplicated
// channel semantics. It is part of the routing key so that every process
// derives identical partition names without coordination.
const RoutingSuffix = ".fifo"

// ExecutionTriple identifies a class of execution hosts by instruction
// set, operating system, and an optional specialty tag. Values are
// immutable once constructed.
type ExecutionTriple struct {
	InstructionSet  string `yaml:"instruction_set" json:"instructionSet"`
	OperatingSystem string `yaml:"operating_system" json:"operatingSystem"`
	Specialty       string `yaml:"specialty" json:"specialty"`
}

// String returns the canonical "<isa>-<os>-<specialty>" form.
func (t ExecutionTriple) String() string {
	return fmt.Sprintf("%s-%s-%s", t.InstructionSet, t.OperatingSystem, t.Specialty)
}

// RoutingKey returns the queue partition suffix for this triple. It is a
// pure function of the field values: equal triples always route to the
// same partition.
func (t ExecutionTriple) RoutingKey() string {
	return t.String() + RoutingSuffix
}

// Validate returns an error if any field is empty.
func (t ExecutionTriple) Validate() error {
	if t.InstructionSet == "" {
		return fmt.Errorf("triple is missing an instruction set")
	}
	if t.OperatingSystem == "" {
		return fmt.Errorf("triple is missing an operating system")
	}
	if t.Specialty == "" {
		return fmt.Errorf("triple is missing a specialty")
	}
	return nil
}

// Parse converts a canonical "<isa>-<os>-<specialty>" string back into a
// triple. It is the inverse of String for field values that contain no
// hyphens.
func Parse(s string) (ExecutionTriple, error) {
	parts := strings.SplitN(s, "-", 3)
	if len(parts) != 3 {
		return ExecutionTriple{}, fmt.Errorf("invalid triple %q, want <isa>-<os>-<specialty>", s)
	}
	t := ExecutionTriple{
		InstructionSet:  parts[0],
		OperatingSystem: parts[1],
		Specialty:       parts[2],
	}
	if err := t.Validate(); err != nil {
		return ExecutionTriple{}, fmt.Errorf("invalid triple %q: %w", s, err)
	}
	return t, nil
}
