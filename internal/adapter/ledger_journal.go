package adapter

import (
	"bytes"
	"encoding/gob"
	"sync"

	"github.com/pkg/errors"
	"github.com/tidwall/wal"

	m "gooze.dev/pkg/mutexec/internal/model"
)

// LedgerJournal is an append-only record of ledger status transitions.
// Replaying it in order reproduces the latest record for every mutation.
type LedgerJournal interface {
	Append(entry m.LedgerEntry) error
	Replay(forEach func(entry m.LedgerEntry) error) error
	Close() error
}

// WALLedgerJournal stores ledger transitions in a tidwall/wal log.
type WALLedgerJournal struct {
	mutex sync.Mutex
	log   *wal.Log

	// Index of the last written entry; the underlying log starts at 1.
	idx uint64
}

// OpenLedgerJournal opens (or creates) the journal stored in dir.
func OpenLedgerJournal(dir string) (*WALLedgerJournal, error) {
	log, err := wal.Open(dir, &wal.Options{
		NoSync: true,
	})
	if err != nil {
		return nil, errors.WithMessage(err, "could not open ledger journal")
	}

	idx, err := log.LastIndex()
	if err != nil {
		_ = log.Close()
		return nil, errors.WithMessage(err, "could not read last journal index")
	}

	return &WALLedgerJournal{
		log: log,
		idx: idx,
	}, nil
}

// Append writes one transition.
func (j *WALLedgerJournal) Append(entry m.LedgerEntry) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(entry); err != nil {
		return errors.WithMessage(err, "could not encode journal entry")
	}

	j.mutex.Lock()
	defer j.mutex.Unlock()

	if err := j.log.Write(j.idx+1, buf.Bytes()); err != nil {
		return errors.WithMessagef(err, "could not write journal index %d", j.idx+1)
	}

	j.idx++

	return nil
}

// Replay calls forEach for every stored transition in write order.
func (j *WALLedgerJournal) Replay(forEach func(entry m.LedgerEntry) error) error {
	j.mutex.Lock()
	defer j.mutex.Unlock()

	firstIndex, err := j.log.FirstIndex()
	if err != nil {
		return errors.WithMessage(err, "could not read first index")
	}

	if firstIndex == 0 {
		return nil
	}

	lastIndex, err := j.log.LastIndex()
	if err != nil {
		return errors.WithMessage(err, "could not read last index")
	}

	for i := firstIndex; i <= lastIndex; i++ {
		data, err := j.log.Read(i)
		if err != nil {
			return errors.WithMessagef(err, "could not read index %d", i)
		}

		var entry m.LedgerEntry
		if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&entry); err != nil {
			return errors.WithMessage(err, "error decoding journal entry, is the journal corrupt?")
		}

		if err := forEach(entry); err != nil {
			return err
		}
	}

	return nil
}

// Sync flushes pending writes to disk.
func (j *WALLedgerJournal) Sync() error {
	return j.log.Sync()
}

// Close syncs and closes the log.
func (j *WALLedgerJournal) Close() error {
	if err := j.log.Sync(); err != nil {
		_ = j.log.Close()
		return errors.WithMessage(err, "could not sync ledger journal")
	}

	return j.log.Close()
}
