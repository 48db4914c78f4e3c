package adapter

import (
	"bytes"
	"encoding/gob"
	"os"
	"path/filepath"
	"sort"
	"strings"

	badger "github.com/dgraph-io/badger/v2"
	"github.com/pkg/errors"

	m "gooze.dev/pkg/mutexec/internal/model"
	pkg "gooze.dev/pkg/mutexec/pkg"
)

// ShardDirPrefix names per-shard report directories below the reports root.
const ShardDirPrefix = "shard_"

const (
	resultKeyPrefix = "result/"
	summaryKey      = "meta/summary"

	// Results per badger transaction, well below the default size limits.
	resultsPerTxn = 512
)

// ReportStore persists materialized mutation results.
type ReportStore interface {
	// SaveResults replaces the results stored at path.
	SaveResults(path m.Path, results pkg.FileSpill[m.MutationResult], summary m.RunSummary) error
	// LoadResults returns the results stored at path ordered by mutation.
	LoadResults(path m.Path) ([]m.MutationResult, error)
	// LoadSummary returns the summary stored at path.
	LoadSummary(path m.Path) (m.RunSummary, error)
	// ShardPaths lists shard directories below path.
	ShardPaths(path m.Path) ([]m.Path, error)
}

// BadgerReportStore keeps each report directory in its own badger database.
type BadgerReportStore struct{}

// NewReportStore constructs a BadgerReportStore.
func NewReportStore() *BadgerReportStore {
	return &BadgerReportStore{}
}

func resultKey(id m.MutationUnit) []byte {
	return []byte(resultKeyPrefix + id.Key())
}

func openReportDB(path m.Path) (*badger.DB, error) {
	opts := badger.DefaultOptions(string(path)).
		WithSyncWrites(false).
		WithTruncate(true).
		WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.WithMessagef(err, "could not open report store %s", path)
	}

	return db, nil
}

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// SaveResults drops previous results at path and writes the new set.
func (s *BadgerReportStore) SaveResults(path m.Path, results pkg.FileSpill[m.MutationResult], summary m.RunSummary) error {
	if err := os.MkdirAll(string(path), 0o750); err != nil {
		return errors.WithMessage(err, "could not create report directory")
	}

	db, err := openReportDB(path)
	if err != nil {
		return err
	}

	defer func() { _ = db.Close() }()

	if err := db.DropPrefix([]byte(resultKeyPrefix)); err != nil {
		return errors.WithMessage(err, "could not clear previous results")
	}

	batch := make([]m.MutationResult, 0, resultsPerTxn)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}

		err := db.Update(func(txn *badger.Txn) error {
			for _, result := range batch {
				data, err := encodeGob(result)
				if err != nil {
					return errors.WithMessagef(err, "could not encode result %s", result.Details.ID)
				}

				if err := txn.Set(resultKey(result.Details.ID), data); err != nil {
					return err
				}
			}

			return nil
		})
		batch = batch[:0]

		return err
	}

	err = results.Range(func(_ uint64, result m.MutationResult) error {
		batch = append(batch, result)
		if len(batch) < resultsPerTxn {
			return nil
		}

		return flush()
	})
	if err != nil {
		return errors.WithMessage(err, "could not store results")
	}

	if err := flush(); err != nil {
		return errors.WithMessage(err, "could not store results")
	}

	data, err := encodeGob(summary)
	if err != nil {
		return errors.WithMessage(err, "could not encode summary")
	}

	err = db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(summaryKey), data)
	})
	if err != nil {
		return errors.WithMessage(err, "could not store summary")
	}

	return db.Sync()
}

// LoadResults reads every stored result.
func (s *BadgerReportStore) LoadResults(path m.Path) ([]m.MutationResult, error) {
	db, err := openReportDB(path)
	if err != nil {
		return nil, err
	}

	defer func() { _ = db.Close() }()

	var results []m.MutationResult

	err = db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(resultKeyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			valCopy, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}

			var result m.MutationResult
			if err := gob.NewDecoder(bytes.NewReader(valCopy)).Decode(&result); err != nil {
				return errors.WithMessagef(err, "could not decode %s", it.Item().Key())
			}

			results = append(results, result)
		}

		return nil
	})
	if err != nil {
		return nil, errors.WithMessage(err, "could not read results")
	}

	sort.Slice(results, func(i, j int) bool {
		return results[i].Details.ID.Less(results[j].Details.ID)
	})

	return results, nil
}

// LoadSummary reads the stored summary; a store without one yields the zero
// summary.
func (s *BadgerReportStore) LoadSummary(path m.Path) (m.RunSummary, error) {
	db, err := openReportDB(path)
	if err != nil {
		return m.RunSummary{}, err
	}

	defer func() { _ = db.Close() }()

	var valCopy []byte

	err = db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(summaryKey))
		if err != nil {
			return err
		}

		valCopy, err = item.ValueCopy(nil)

		return err
	})

	if errors.Is(err, badger.ErrKeyNotFound) {
		return m.RunSummary{}, nil
	}

	if err != nil {
		return m.RunSummary{}, errors.WithMessage(err, "could not read summary")
	}

	var summary m.RunSummary
	if err := gob.NewDecoder(bytes.NewReader(valCopy)).Decode(&summary); err != nil {
		return m.RunSummary{}, errors.WithMessage(err, "could not decode summary")
	}

	return summary, nil
}

// ShardPaths lists the shard_* directories directly below path.
func (s *BadgerReportStore) ShardPaths(path m.Path) ([]m.Path, error) {
	entries, err := os.ReadDir(string(path))
	if err != nil {
		return nil, errors.WithMessage(err, "could not list report directory")
	}

	var shards []m.Path

	for _, entry := range entries {
		if entry.IsDir() && strings.HasPrefix(entry.Name(), ShardDirPrefix) {
			shards = append(shards, m.Path(filepath.Join(string(path), entry.Name())))
		}
	}

	sort.Slice(shards, func(i, j int) bool { return shards[i] < shards[j] })

	return shards, nil
}
