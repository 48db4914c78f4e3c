package domain

import (
	"log/slog"
	"sort"
	"sync"

	"gooze.dev/pkg/mutexec/internal/adapter"
	m "gooze.dev/pkg/mutexec/internal/model"
)

// Ledger holds the current status record of every mutation in a run. All
// methods are safe for concurrent use by several worker sessions. Updates for
// mutations the ledger does not know are ignored.
type Ledger interface {
	Add(details ...m.MutationDetails)
	SetStatus(id m.MutationUnit, status m.DetectionStatus)
	SetStatuses(ids []m.MutationUnit, status m.DetectionStatus)
	SetRecord(id m.MutationUnit, record m.StatusRecord)
	Status(id m.MutationUnit) (m.StatusRecord, bool)
	Unresolved() []m.MutationDetails
	InFlight() []m.MutationDetails
	Crashed() []m.MutationDetails
	MarkUncovered() []m.MutationUnit
	HasUnrun() bool
	All() []m.MutationDetails
	Results() []m.MutationResult
	Restore() (int, error)
}

type ledgerEntry struct {
	details m.MutationDetails
	record  m.StatusRecord
}

type ledger struct {
	mu      sync.RWMutex
	entries map[m.MutationUnit]*ledgerEntry
	journal adapter.LedgerJournal
}

// NewLedger creates an empty ledger. Transitions are appended to journal
// when it is non-nil.
func NewLedger(journal adapter.LedgerJournal) Ledger {
	return &ledger{
		entries: map[m.MutationUnit]*ledgerEntry{},
		journal: journal,
	}
}

// Add registers mutations as NOT_STARTED. Known mutations keep their record.
func (l *ledger) Add(details ...m.MutationDetails) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, d := range details {
		if e, ok := l.entries[d.ID]; ok {
			e.details = d
			continue
		}

		l.entries[d.ID] = &ledgerEntry{
			details: d,
			record:  m.NewStatusRecord(m.NotStarted),
		}
	}
}

func (l *ledger) SetStatus(id m.MutationUnit, status m.DetectionStatus) {
	l.SetRecord(id, m.NewStatusRecord(status))
}

func (l *ledger) SetStatuses(ids []m.MutationUnit, status m.DetectionStatus) {
	for _, id := range ids {
		l.SetRecord(id, m.NewStatusRecord(status))
	}
}

// SetRecord replaces the record of id. The journal append happens under the
// same lock as the map write so the journal order matches the ledger.
func (l *ledger) SetRecord(id m.MutationUnit, record m.StatusRecord) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[id]
	if !ok {
		slog.Debug("Ignoring status for unknown mutation", "mutation", id.String(), "status", record.Status.String())
		return
	}

	e.record = record

	l.appendLocked(id, record)
}

func (l *ledger) appendLocked(id m.MutationUnit, record m.StatusRecord) {
	if l.journal == nil {
		return
	}

	if err := l.journal.Append(m.LedgerEntry{ID: id, Record: record}); err != nil {
		slog.Error("Failed to journal status", "mutation", id.String(), "error", err)
	}
}

func (l *ledger) Status(id m.MutationUnit) (m.StatusRecord, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	e, ok := l.entries[id]
	if !ok {
		return m.StatusRecord{}, false
	}

	return e.record, true
}

func (l *ledger) Unresolved() []m.MutationDetails {
	return l.filter(func(s m.DetectionStatus) bool { return s == m.NotStarted })
}

func (l *ledger) InFlight() []m.MutationDetails {
	return l.filter(func(s m.DetectionStatus) bool { return s == m.Started })
}

func (l *ledger) Crashed() []m.MutationDetails {
	return l.filter(m.DetectionStatus.IsCrash)
}

func (l *ledger) All() []m.MutationDetails {
	return l.filter(func(m.DetectionStatus) bool { return true })
}

// MarkUncovered moves every mutation without covering tests to NO_COVERAGE
// and returns their identities.
func (l *ledger) MarkUncovered() []m.MutationUnit {
	var ids []m.MutationUnit

	for _, d := range l.Unresolved() {
		if len(d.TestsInOrder) == 0 {
			ids = append(ids, d.ID)
		}
	}

	l.SetStatuses(ids, m.NoCoverage)

	return ids
}

func (l *ledger) HasUnrun() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()

	for _, e := range l.entries {
		if e.record.Status == m.NotStarted {
			return true
		}
	}

	return false
}

// Results materializes every (mutation, record) pair ordered by mutation
// identity. Pending entries are included as they are.
func (l *ledger) Results() []m.MutationResult {
	l.mu.RLock()

	results := make([]m.MutationResult, 0, len(l.entries))
	for _, e := range l.entries {
		results = append(results, m.MutationResult{Details: e.details, Record: e.record})
	}

	l.mu.RUnlock()

	sort.Slice(results, func(i, j int) bool {
		return results[i].Details.ID.Less(results[j].Details.ID)
	})

	return results
}

// Restore replays the journal onto known mutations and returns how many
// records were applied. STARTED records are rolled back to NOT_STARTED since
// the worker that owned them is gone.
func (l *ledger) Restore() (int, error) {
	if l.journal == nil {
		return 0, nil
	}

	latest := map[m.MutationUnit]m.StatusRecord{}

	err := l.journal.Replay(func(entry m.LedgerEntry) error {
		latest[entry.ID] = entry.Record
		return nil
	})
	if err != nil {
		return 0, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	applied := 0

	for id, record := range latest {
		e, ok := l.entries[id]
		if !ok || record.Status == m.NotStarted {
			continue
		}

		if record.Status == m.Started {
			e.record = m.NewStatusRecord(m.NotStarted)
			continue
		}

		e.record = record
		applied++
	}

	return applied, nil
}

func (l *ledger) filter(keep func(m.DetectionStatus) bool) []m.MutationDetails {
	l.mu.RLock()

	var out []m.MutationDetails
	for _, e := range l.entries {
		if keep(e.record.Status) {
			out = append(out, e.details)
		}
	}

	l.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].ID.Less(out[j].ID)
	})

	return out
}
