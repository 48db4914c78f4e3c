package domain

import (
	"context"
	"log/slog"
	"path"
	"sort"
	"strings"
	"sync"

	m "gooze.dev/pkg/mutexec/internal/model"
)

// TesteeResolver picks the production unit a test most plausibly targets
// from the units it visited. It returns "" when no unit fits.
type TesteeResolver func(test m.Description, visitedUnits []string) string

// CoverageIndex maps (unit, line) to the tests that executed that line during
// the baseline run.
type CoverageIndex interface {
	RecordBaselineRun(sample m.CoverageSample)
	Ingest(ctx context.Context, samples <-chan m.CoverageSample) error
	TestsCovering(unit string, line int) []m.TestRecord
	AllTestsFor(unit string) []m.TestRecord
	IsBaselineGreen() bool
	CoveredLineCount(units ...string) int
	Units() []string
}

type coverageIndex struct {
	mu      sync.RWMutex
	lines   map[m.ClassLine][]m.TestRecord
	units   map[string]map[int]struct{}
	failed  bool
	resolve TesteeResolver
}

// NewCoverageIndex creates an empty index. A nil resolver selects
// PackageTesteeResolver.
func NewCoverageIndex(resolve TesteeResolver) CoverageIndex {
	if resolve == nil {
		resolve = PackageTesteeResolver
	}

	return &coverageIndex{
		lines:   map[m.ClassLine][]m.TestRecord{},
		units:   map[string]map[int]struct{}{},
		resolve: resolve,
	}
}

// PackageTesteeResolver returns the first visited unit living in the test's
// own package directory.
func PackageTesteeResolver(test m.Description, visitedUnits []string) string {
	dir := path.Clean(strings.TrimPrefix(test.TestClass, "./"))

	for _, unit := range visitedUnits {
		if path.Dir(unit) == dir {
			return unit
		}
	}

	return ""
}

// RecordBaselineRun ingests one test's coverage. A failed test still
// contributes its coverage but turns the baseline red.
func (c *coverageIndex) RecordBaselineRun(sample m.CoverageSample) {
	units := make([]string, 0, len(sample.Visited))
	for unit := range sample.Visited {
		units = append(units, unit)
	}

	sort.Strings(units)

	record := m.TestRecord{
		Test:   sample.Test,
		Time:   sample.Time,
		Testee: c.resolve(sample.Test, units),
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if !sample.Passed {
		slog.Warn("Baseline test failed", "test", sample.Test.QualifiedName())

		c.failed = true
	}

	for _, unit := range units {
		seen, ok := c.units[unit]
		if !ok {
			seen = map[int]struct{}{}
			c.units[unit] = seen
		}

		for _, line := range sample.Visited[unit] {
			key := m.ClassLine{Unit: unit, Line: line}
			c.lines[key] = insertTestRecord(c.lines[key], record)
			seen[line] = struct{}{}
		}
	}
}

// Ingest drains the feed into the index until it is closed or ctx ends.
func (c *coverageIndex) Ingest(ctx context.Context, samples <-chan m.CoverageSample) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case sample, ok := <-samples:
			if !ok {
				return nil
			}

			c.RecordBaselineRun(sample)
		}
	}
}

func (c *coverageIndex) TestsCovering(unit string, line int) []m.TestRecord {
	c.mu.RLock()
	defer c.mu.RUnlock()

	tests := c.lines[m.ClassLine{Unit: unit, Line: line}]
	out := make([]m.TestRecord, len(tests))
	copy(out, tests)

	return out
}

func (c *coverageIndex) AllTestsFor(unit string) []m.TestRecord {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []m.TestRecord
	for line := range c.units[unit] {
		for _, record := range c.lines[m.ClassLine{Unit: unit, Line: line}] {
			out = insertTestRecord(out, record)
		}
	}

	if out == nil {
		return []m.TestRecord{}
	}

	return out
}

func (c *coverageIndex) IsBaselineGreen() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return !c.failed
}

// CoveredLineCount counts covered lines in the given units, or in every unit
// when none is named.
func (c *coverageIndex) CoveredLineCount(units ...string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if len(units) == 0 {
		return len(c.lines)
	}

	total := 0
	for _, unit := range units {
		total += len(c.units[unit])
	}

	return total
}

func (c *coverageIndex) Units() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	units := make([]string, 0, len(c.units))
	for unit := range c.units {
		units = append(units, unit)
	}

	sort.Strings(units)

	return units
}

// insertTestRecord keeps tests sorted by qualified name. A record for a test
// already present replaces the old one.
func insertTestRecord(tests []m.TestRecord, record m.TestRecord) []m.TestRecord {
	name := record.QualifiedName()

	i := sort.Search(len(tests), func(i int) bool {
		return tests[i].QualifiedName() >= name
	})

	if i < len(tests) && tests[i].QualifiedName() == name {
		tests[i] = record
		return tests
	}

	tests = append(tests, m.TestRecord{})
	copy(tests[i+1:], tests[i:])
	tests[i] = record

	return tests
}
