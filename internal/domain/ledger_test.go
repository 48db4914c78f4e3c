package domain

import (
	"errors"
	"runtime"
	"sync"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	m "gooze.dev/pkg/mutexec/internal/model"
)

func unitAt(line int) m.MutationUnit {
	return m.MutationUnit{Unit: "calc/calc.go", Method: "Add", Line: line, Mutator: m.MutationArithmetic}
}

func coveredAt(line int, tests ...string) m.MutationDetails {
	details := m.MutationDetails{ID: unitAt(line)}
	for _, name := range tests {
		details.TestsInOrder = append(details.TestsInOrder, m.TestRecord{Test: m.Description{TestClass: "./calc", Name: name}})
	}

	return details
}

func ids(details []m.MutationDetails) []m.MutationUnit {
	out := make([]m.MutationUnit, 0, len(details))
	for _, d := range details {
		out = append(out, d.ID)
	}

	return out
}

// memoryJournal records appended entries in memory.
type memoryJournal struct {
	mu        sync.Mutex
	entries   []m.LedgerEntry
	appendErr error
	yield     bool
}

func (j *memoryJournal) Append(entry m.LedgerEntry) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.appendErr != nil {
		return j.appendErr
	}

	if j.yield {
		j.mu.Unlock()
		runtime.Gosched()
		j.mu.Lock()
	}

	j.entries = append(j.entries, entry)

	return nil
}

func (j *memoryJournal) Replay(forEach func(m.LedgerEntry) error) error {
	j.mu.Lock()
	entries := append([]m.LedgerEntry(nil), j.entries...)
	j.mu.Unlock()

	for _, e := range entries {
		if err := forEach(e); err != nil {
			return err
		}
	}

	return nil
}

func (j *memoryJournal) Close() error { return nil }

func TestLedger_AddStartsNotStarted(t *testing.T) {
	l := NewLedger(nil)
	l.Add(coveredAt(2, "TestAdd"), coveredAt(1, "TestAdd"))

	record, ok := l.Status(unitAt(1))
	require.True(t, ok)
	assert.Equal(t, m.NotStarted, record.Status)
	assert.Equal(t, []m.MutationUnit{unitAt(1), unitAt(2)}, ids(l.Unresolved()))
	assert.True(t, l.HasUnrun())

	l.SetStatus(unitAt(1), m.Killed)
	l.Add(coveredAt(1, "TestAdd", "TestSub"))

	record, _ = l.Status(unitAt(1))
	assert.Equal(t, m.Killed, record.Status)
}

func TestLedger_Filters(t *testing.T) {
	l := NewLedger(nil)
	for line := 1; line <= 6; line++ {
		l.Add(coveredAt(line, "TestAdd"))
	}

	l.SetStatus(unitAt(1), m.Started)
	l.SetStatuses([]m.MutationUnit{unitAt(2), unitAt(3)}, m.RunError)
	l.SetStatus(unitAt(4), m.MemoryError)
	l.SetRecord(unitAt(5), m.StatusRecord{Status: m.TimedOut, TestsRun: 1, TimeoutTests: []string{"./calc.TestAdd"}})

	assert.Equal(t, []m.MutationUnit{unitAt(6)}, ids(l.Unresolved()))
	assert.Equal(t, []m.MutationUnit{unitAt(1)}, ids(l.InFlight()))
	assert.Equal(t, []m.MutationUnit{unitAt(2), unitAt(3), unitAt(4), unitAt(5)}, ids(l.Crashed()))
	assert.Len(t, l.All(), 6)

	record, _ := l.Status(unitAt(5))
	assert.Equal(t, []string{"./calc.TestAdd"}, record.TimeoutTests)
}

func TestLedger_UnknownKeysAreIgnored(t *testing.T) {
	journal := &memoryJournal{}

	l := NewLedger(journal)
	l.Add(coveredAt(1, "TestAdd"))

	l.SetStatuses([]m.MutationUnit{unitAt(1), unitAt(99)}, m.Killed)
	l.SetRecord(unitAt(98), m.StatusRecord{Status: m.Survived})

	_, ok := l.Status(unitAt(99))
	assert.False(t, ok)
	assert.Len(t, l.Results(), 1)
	assert.Len(t, journal.entries, 1)
}

func TestLedger_MarkUncovered(t *testing.T) {
	l := NewLedger(nil)
	l.Add(coveredAt(1), coveredAt(2, "TestAdd"), coveredAt(3))
	l.SetStatus(unitAt(3), m.Killed)

	marked := l.MarkUncovered()

	assert.Equal(t, []m.MutationUnit{unitAt(1)}, marked)

	record, _ := l.Status(unitAt(1))
	assert.Equal(t, m.NoCoverage, record.Status)
	assert.Equal(t, 0, record.TestsRun)

	// Already resolved mutations keep their status.
	record, _ = l.Status(unitAt(3))
	assert.Equal(t, m.Killed, record.Status)

	assert.Equal(t, []m.MutationUnit{unitAt(2)}, ids(l.Unresolved()))
}

func TestLedger_ResultsIncludePendingEntries(t *testing.T) {
	l := NewLedger(nil)
	l.Add(coveredAt(3, "TestAdd"), coveredAt(1, "TestAdd"), coveredAt(2, "TestAdd"))
	l.SetStatus(unitAt(2), m.Started)

	results := l.Results()
	require.Len(t, results, 3)
	assert.Equal(t, unitAt(1), results[0].Details.ID)
	assert.Equal(t, m.NotStarted, results[0].Record.Status)
	assert.Equal(t, m.Started, results[1].Record.Status)
	assert.Equal(t, []string{"TestAdd"}, []string{results[2].Details.TestsInOrder[0].Test.Name})
}

func TestLedger_JournalErrorsDoNotFailUpdates(t *testing.T) {
	l := NewLedger(&memoryJournal{appendErr: errors.New("disk full")})
	l.Add(coveredAt(1, "TestAdd"))

	l.SetStatus(unitAt(1), m.Survived)

	record, _ := l.Status(unitAt(1))
	assert.Equal(t, m.Survived, record.Status)
}

func TestLedger_Restore(t *testing.T) {
	journal := &memoryJournal{}

	first := NewLedger(journal)
	first.Add(coveredAt(1, "TestAdd"), coveredAt(2, "TestAdd"), coveredAt(3, "TestAdd"))
	first.SetStatus(unitAt(1), m.Started)
	first.SetRecord(unitAt(1), m.StatusRecord{Status: m.Killed, TestsRun: 1, KillingTest: "./calc.TestAdd"})
	first.SetStatus(unitAt(2), m.Started)

	second := NewLedger(journal)
	second.Add(coveredAt(1, "TestAdd"), coveredAt(2, "TestAdd"), coveredAt(3, "TestAdd"))

	applied, err := second.Restore()
	require.NoError(t, err)
	assert.Equal(t, 1, applied)

	record, _ := second.Status(unitAt(1))
	assert.Equal(t, m.Killed, record.Status)
	assert.Equal(t, "./calc.TestAdd", record.KillingTest)

	assert.Equal(t, []m.MutationUnit{unitAt(2), unitAt(3)}, ids(second.Unresolved()))

	applied, err = NewLedger(nil).Restore()
	require.NoError(t, err)
	assert.Zero(t, applied)
}

func TestLedger_JournalOrderMatchesLedger(t *testing.T) {
	journal := &memoryJournal{yield: true}

	l := NewLedger(journal)
	l.Add(coveredAt(1, "TestAdd"))

	var wg sync.WaitGroup

	for writer := range 8 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			for i := range 50 {
				l.SetRecord(unitAt(1), m.StatusRecord{Status: m.Killed, TestsRun: writer*100 + i})
			}
		}()
	}

	wg.Wait()

	require.Len(t, journal.entries, 400)

	current, _ := l.Status(unitAt(1))
	assert.Equal(t, current, journal.entries[len(journal.entries)-1].Record)

	restored := NewLedger(journal)
	restored.Add(coveredAt(1, "TestAdd"))

	_, err := restored.Restore()
	require.NoError(t, err)

	record, _ := restored.Status(unitAt(1))
	assert.Equal(t, current, record)
}

func TestLedger_ConcurrentSessions(t *testing.T) {
	l := NewLedger(nil)
	for line := range 200 {
		l.Add(coveredAt(line, "TestAdd"))
	}

	var wg sync.WaitGroup

	for worker := range 4 {
		wg.Add(1)

		go func(worker int) {
			defer wg.Done()

			for line := worker; line < 200; line += 4 {
				l.SetStatus(unitAt(line), m.Started)
				_ = l.InFlight()
				l.SetRecord(unitAt(line), m.StatusRecord{Status: m.Survived, TestsRun: 1})
			}
		}(worker)
	}

	wg.Wait()

	assert.False(t, l.HasUnrun())
	assert.Empty(t, l.InFlight())

	for _, result := range l.Results() {
		assert.Equal(t, m.Survived, result.Record.Status)
	}
}

// TestLedgerResultsIdempotentProperty checks that materializing results twice
// without updates in between yields identical output.
func TestLedgerResultsIdempotentProperty(t *testing.T) {
	statuses := []m.DetectionStatus{m.NotStarted, m.Started, m.Killed, m.Survived, m.TimedOut, m.NonViable, m.MemoryError, m.RunError, m.NoCoverage}

	properties := gopter.NewProperties(gopter.DefaultTestParameters())

	properties.Property("results are stable", prop.ForAll(
		func(lines []int, picks []int) bool {
			l := NewLedger(nil)
			for _, line := range lines {
				l.Add(coveredAt(line, "TestAdd"))
			}

			for i, pick := range picks {
				if len(lines) == 0 {
					break
				}

				l.SetStatus(unitAt(lines[i%len(lines)]), statuses[pick])
			}

			return assert.ObjectsAreEqual(l.Results(), l.Results())
		},
		gen.SliceOf(gen.IntRange(1, 50)),
		gen.SliceOf(gen.IntRange(0, len(statuses)-1)),
	))

	properties.Property("marked uncovered mutations are never unresolved", prop.ForAll(
		func(covered []bool) bool {
			l := NewLedger(nil)

			for line, hasTests := range covered {
				if hasTests {
					l.Add(coveredAt(line, "TestAdd"))
				} else {
					l.Add(coveredAt(line))
				}
			}

			l.MarkUncovered()

			for _, d := range l.Unresolved() {
				if len(d.TestsInOrder) == 0 {
					return false
				}
			}

			for line, hasTests := range covered {
				record, _ := l.Status(unitAt(line))
				if !hasTests && record.Status != m.NoCoverage {
					return false
				}
			}

			return true
		},
		gen.SliceOf(gen.Bool()),
	))

	properties.TestingRun(t)
}
