// Package model defines the data structures for mutation execution.
package model

import (
	"fmt"
	"strings"
)

// MutatorType identifies the operator family that produced a mutation.
type MutatorType string

const (
	// MutationArithmetic represents arithmetic operator mutations (+, -, *, /, %).
	MutationArithmetic MutatorType = "arithmetic"
	// MutationBoolean represents boolean literal mutations (true <-> false).
	MutationBoolean MutatorType = "boolean"
	// MutationComparison represents comparison operator mutations (<, >, <=, >=, ==, !=).
	MutationComparison MutatorType = "comparison"
)

// MutationUnit is the identity of one candidate mutation. Two units are equal
// when all identity fields are equal; the generated image is not part of it.
type MutationUnit struct {
	Unit    string      `yaml:"unit"`
	Method  string      `yaml:"method"`
	Line    int         `yaml:"line"`
	Mutator MutatorType `yaml:"mutator"`
	Index   int         `yaml:"index"`
}

// Key returns a stable textual form of the identity, usable as a storage key.
func (u MutationUnit) Key() string {
	return fmt.Sprintf("%s:%d:%s:%s:%d", u.Unit, u.Line, u.Method, u.Mutator, u.Index)
}

func (u MutationUnit) String() string {
	return fmt.Sprintf("%s:%d %s [%s#%d]", u.Unit, u.Line, u.Method, u.Mutator, u.Index)
}

// Less orders units by unit, line, method, mutator and index.
func (u MutationUnit) Less(other MutationUnit) bool {
	if c := strings.Compare(u.Unit, other.Unit); c != 0 {
		return c < 0
	}

	if u.Line != other.Line {
		return u.Line < other.Line
	}

	if c := strings.Compare(u.Method, other.Method); c != 0 {
		return c < 0
	}

	if c := strings.Compare(string(u.Mutator), string(other.Mutator)); c != 0 {
		return c < 0
	}

	return u.Index < other.Index
}

// MutationDetails pairs a mutation with the tests that cover its line, in
// the order they should be executed.
type MutationDetails struct {
	ID           MutationUnit
	TestsInOrder []TestRecord
}

// Mutant is the mutated program image for one mutation.
type Mutant struct {
	ID    MutationUnit
	Image []byte
	Diff  string
}
