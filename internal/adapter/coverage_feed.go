package adapter

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	m "gooze.dev/pkg/mutexec/internal/model"
)

// InputAdapter loads the run inputs: the baseline coverage feed and the
// mutation plan.
type InputAdapter interface {
	// StreamCoverage decodes samples from path. The error channel carries at
	// most one error; both channels are closed when decoding stops.
	StreamCoverage(ctx context.Context, path m.Path) (<-chan m.CoverageSample, <-chan error)
	// LoadPlan reads the mutation plan at path.
	LoadPlan(path m.Path) (m.MutationPlan, error)
}

// coverageDocument is one YAML document of the coverage feed:
//
//	test: {class: ./calc, name: TestAdd}
//	passed: true
//	time: 12ms
//	visited:
//	  calc/calc.go: [5, 6]
type coverageDocument struct {
	Test struct {
		Class string `yaml:"class"`
		Name  string `yaml:"name"`
	} `yaml:"test"`
	Passed  bool             `yaml:"passed"`
	Time    time.Duration    `yaml:"time"`
	Visited map[string][]int `yaml:"visited"`
}

// YAMLInputAdapter reads YAML coverage feeds (a stream of documents, one per
// test) and plan files.
type YAMLInputAdapter struct{}

// NewYAMLInputAdapter constructs a YAMLInputAdapter.
func NewYAMLInputAdapter() *YAMLInputAdapter {
	return &YAMLInputAdapter{}
}

// StreamCoverage streams one sample per YAML document.
func (a *YAMLInputAdapter) StreamCoverage(ctx context.Context, path m.Path) (<-chan m.CoverageSample, <-chan error) {
	samples := make(chan m.CoverageSample, 16)
	errCh := make(chan error, 1)

	go func() {
		defer close(samples)
		defer close(errCh)

		f, err := os.Open(string(path))
		if err != nil {
			errCh <- fmt.Errorf("open coverage feed: %w", err)
			return
		}

		defer func() { _ = f.Close() }()

		if err := DecodeCoverage(ctx, f, samples); err != nil {
			errCh <- fmt.Errorf("decode coverage feed %s: %w", path, err)
		}
	}()

	return samples, errCh
}

// DecodeCoverage decodes YAML documents from r into out until EOF.
func DecodeCoverage(ctx context.Context, r io.Reader, out chan<- m.CoverageSample) error {
	decoder := yaml.NewDecoder(r)

	for n := 1; ; n++ {
		var doc coverageDocument

		err := decoder.Decode(&doc)
		if errors.Is(err, io.EOF) {
			return nil
		}

		if err != nil {
			return fmt.Errorf("document %d: %w", n, err)
		}

		if doc.Test.Name == "" {
			return fmt.Errorf("document %d: missing test name", n)
		}

		sample := m.CoverageSample{
			Test:    m.Description{TestClass: doc.Test.Class, Name: doc.Test.Name},
			Passed:  doc.Passed,
			Time:    doc.Time,
			Visited: doc.Visited,
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case out <- sample:
		}
	}
}

// LoadPlan reads a YAML mutation plan. A missing path yields an empty plan.
func (a *YAMLInputAdapter) LoadPlan(path m.Path) (m.MutationPlan, error) {
	var plan m.MutationPlan

	if path == "" {
		return plan, nil
	}

	content, err := os.ReadFile(string(path))
	if err != nil {
		return plan, fmt.Errorf("read mutation plan: %w", err)
	}

	if err := yaml.Unmarshal(content, &plan); err != nil {
		return plan, fmt.Errorf("parse mutation plan %s: %w", path, err)
	}

	return plan, nil
}
