package model

import "time"

// Path represents a file system path.
type Path string

// Description identifies a single test: the package (test class) it lives in
// and its name inside that package.
type Description struct {
	TestClass string
	Name      string
}

// QualifiedName returns the fully qualified test name.
func (d Description) QualifiedName() string {
	if d.TestClass == "" {
		return d.Name
	}

	return d.TestClass + "." + d.Name
}

// IsZero reports whether no test is described.
func (d Description) IsZero() bool {
	return d.TestClass == "" && d.Name == ""
}

// TestRecord is a test known to cover some code, with its baseline timing and
// the production unit it most plausibly targets (empty when unknown).
type TestRecord struct {
	Test   Description
	Time   time.Duration
	Testee string
}

// QualifiedName returns the qualified name of the underlying test.
func (r TestRecord) QualifiedName() string {
	return r.Test.QualifiedName()
}

// ClassLine addresses one line of one compiled unit.
type ClassLine struct {
	Unit string
	Line int
}

// CoverageSample is one raw baseline observation: a test, whether it passed
// without mutation, how long it took and which lines it visited per unit.
type CoverageSample struct {
	Test    Description
	Passed  bool
	Time    time.Duration
	Visited map[string][]int
}

// TestHandle is an executable reference to a test.
type TestHandle struct {
	Test     Description
	Package  string
	Func     string
	Baseline time.Duration
}
