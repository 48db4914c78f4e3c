package wire

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	m "gooze.dev/pkg/mutexec/internal/model"
)

// Writer emits frames on one connection. Every frame is encoded in full and
// written under a single lock, so concurrent callers never interleave bytes.
// After DONE has been written further frames are rejected.
type Writer struct {
	mu   sync.Mutex
	w    io.Writer
	done bool
}

// NewWriter creates a serialized frame writer.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// Init sends the session settings and the mutation batch.
func (fw *Writer) Init(settings m.WorkerSettings, batch []m.MutationDetails) error {
	return fw.send(TagInit, func(e *encoder) {
		e.settings(settings)

		if !e.length(len(batch), "batch") {
			return
		}

		for _, d := range batch {
			e.details(d)
		}
	})
}

// Describe announces the mutation about to be executed.
func (fw *Writer) Describe(id m.MutationUnit) error {
	return fw.send(TagDescribe, func(e *encoder) {
		e.unit(id)
	})
}

// Report sends the outcome for one mutation.
func (fw *Writer) Report(id m.MutationUnit, record m.StatusRecord) error {
	return fw.send(TagReport, func(e *encoder) {
		e.unit(id)
		e.record(record)
	})
}

// Done ends the session. Only the first call writes a frame.
func (fw *Writer) Done(exit m.WorkerExit) error {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	if fw.done {
		return ErrSessionDone
	}

	fw.done = true

	return fw.writeLocked(TagDone, func(e *encoder) {
		e.string(FormatExit(exit))
	})
}

func (fw *Writer) send(tag byte, payload func(e *encoder)) error {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	if fw.done {
		return ErrSessionDone
	}

	return fw.writeLocked(tag, payload)
}

func (fw *Writer) writeLocked(tag byte, payload func(e *encoder)) error {
	var buf bytes.Buffer

	e := &encoder{w: &buf}
	e.byte(tag)
	payload(e)

	if e.err != nil {
		return fmt.Errorf("encode frame 0x%02x: %w", tag, e.err)
	}

	if _, err := fw.w.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("write frame 0x%02x: %w", tag, err)
	}

	return nil
}
