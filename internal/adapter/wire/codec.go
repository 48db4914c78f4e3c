// Package wire implements the controller/worker control protocol: a stream of
// frames, each a single tag byte followed by a tag-specific payload.
//
// Payload encodings: integers are fixed width big-endian, strings carry a
// 4-byte big-endian length followed by UTF-8 bytes, and records are the
// concatenation of their fields in a fixed order.
package wire

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"sort"
	"time"

	m "gooze.dev/pkg/mutexec/internal/model"
)

// Frame tags.
const (
	TagInit     byte = 0x01 // controller -> worker: settings + batch
	TagDescribe byte = 0x02 // worker -> controller: mutation about to run
	TagReport   byte = 0x04 // worker -> controller: mutation outcome
	TagDone     byte = 0x40 // worker -> controller: session end
)

// MaxStringLength limits a single encoded string to 1MB.
const MaxStringLength = 1 << 20

// MaxListLength limits the element count of any encoded list or map.
const MaxListLength = 1 << 20

var (
	// ErrMalformedFrame is returned when a payload cannot be decoded.
	ErrMalformedFrame = errors.New("malformed frame")
	// ErrUnknownTag is returned when a frame starts with an undefined tag.
	ErrUnknownTag = errors.New("unknown frame tag")
	// ErrSessionDone is returned when writing after DONE was sent.
	ErrSessionDone = errors.New("session already done")
)

// encoder appends primitive values to a buffer. The first write error sticks.
type encoder struct {
	w   io.Writer
	err error
	buf [8]byte
}

func (e *encoder) write(p []byte) {
	if e.err != nil {
		return
	}

	_, e.err = e.w.Write(p)
}

func (e *encoder) byte(b byte) {
	e.buf[0] = b
	e.write(e.buf[:1])
}

func (e *encoder) bool(b bool) {
	if b {
		e.byte(1)
		return
	}

	e.byte(0)
}

func (e *encoder) int32(v int32) {
	binary.BigEndian.PutUint32(e.buf[:4], uint32(v))
	e.write(e.buf[:4])
}

func (e *encoder) int64(v int64) {
	binary.BigEndian.PutUint64(e.buf[:8], uint64(v))
	e.write(e.buf[:8])
}

func (e *encoder) float64(v float64) {
	binary.BigEndian.PutUint64(e.buf[:8], math.Float64bits(v))
	e.write(e.buf[:8])
}

func (e *encoder) string(s string) {
	if len(s) > MaxStringLength && e.err == nil {
		e.err = fmt.Errorf("string of %d bytes exceeds limit", len(s))
		return
	}

	e.int32(int32(len(s)))
	e.write([]byte(s))
}

// length writes an element count, failing the frame when n exceeds what the
// decoder accepts.
func (e *encoder) length(n int, what string) bool {
	if n > MaxListLength {
		if e.err == nil {
			e.err = fmt.Errorf("%s: %d elements exceeds limit", what, n)
		}

		return false
	}

	e.int32(int32(n))

	return e.err == nil
}

func (e *encoder) strings(list []string) {
	if !e.length(len(list), "string list") {
		return
	}

	for _, s := range list {
		e.string(s)
	}
}

func (e *encoder) duration(d time.Duration) {
	e.int64(int64(d))
}

func (e *encoder) description(d m.Description) {
	e.string(d.TestClass)
	e.string(d.Name)
}

func (e *encoder) unit(u m.MutationUnit) {
	e.string(u.Unit)
	e.string(u.Method)
	e.int32(int32(u.Line))
	e.string(string(u.Mutator))
	e.int32(int32(u.Index))
}

func (e *encoder) testRecord(r m.TestRecord) {
	e.description(r.Test)
	e.duration(r.Time)
	e.string(r.Testee)
}

// record field order: tests run, status, killing test (presence flag +
// string), killing, succeeding, timeout, error, memory lists, timing map
// sorted by key, elapsed.
func (e *encoder) record(r m.StatusRecord) {
	e.int32(int32(r.TestsRun))
	e.byte(byte(r.Status))
	e.bool(r.KillingTest != "")

	if r.KillingTest != "" {
		e.string(r.KillingTest)
	}

	e.strings(r.KillingTests)
	e.strings(r.SucceedingTests)
	e.strings(r.TimeoutTests)
	e.strings(r.ErrorTests)
	e.strings(r.MemoryErrorTests)

	keys := make([]string, 0, len(r.TestTimes))
	for k := range r.TestTimes {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	if !e.length(len(keys), "test times") {
		return
	}

	for _, k := range keys {
		e.string(k)
		e.duration(r.TestTimes[k])
	}

	e.duration(r.Elapsed)
}

func (e *encoder) settings(s m.WorkerSettings) {
	e.string(s.ProjectRoot)
	e.bool(s.FullMatrix)
	e.bool(s.RecordPasses)
	e.bool(s.CompileCheck)
	e.duration(s.Timeout)
	e.float64(s.TestTimeoutFactor)
	e.duration(s.TestTimeoutConstant)
}

func (e *encoder) details(d m.MutationDetails) {
	e.unit(d.ID)

	if !e.length(len(d.TestsInOrder), "covering tests") {
		return
	}

	for _, t := range d.TestsInOrder {
		e.testRecord(t)
	}
}

// decoder reads primitive values. Every method returns a wrapped
// ErrMalformedFrame when the stream ends early or a length is out of range.
type decoder struct {
	r   *bufio.Reader
	buf [8]byte
}

func malformed(what string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrMalformedFrame, what, err)
}

func (d *decoder) full(n int, what string) ([]byte, error) {
	if _, err := io.ReadFull(d.r, d.buf[:n]); err != nil {
		return nil, malformed(what, err)
	}

	return d.buf[:n], nil
}

func (d *decoder) byte(what string) (byte, error) {
	b, err := d.full(1, what)
	if err != nil {
		return 0, err
	}

	return b[0], nil
}

func (d *decoder) bool(what string) (bool, error) {
	b, err := d.byte(what)
	if err != nil {
		return false, err
	}

	switch b {
	case 0:
		return false, nil
	case 1:
		return true, nil
	default:
		return false, fmt.Errorf("%w: %s: invalid bool 0x%02x", ErrMalformedFrame, what, b)
	}
}

func (d *decoder) int32(what string) (int32, error) {
	b, err := d.full(4, what)
	if err != nil {
		return 0, err
	}

	return int32(binary.BigEndian.Uint32(b)), nil
}

func (d *decoder) int64(what string) (int64, error) {
	b, err := d.full(8, what)
	if err != nil {
		return 0, err
	}

	return int64(binary.BigEndian.Uint64(b)), nil
}

func (d *decoder) float64(what string) (float64, error) {
	v, err := d.int64(what)
	if err != nil {
		return 0, err
	}

	return math.Float64frombits(uint64(v)), nil
}

func (d *decoder) duration(what string) (time.Duration, error) {
	v, err := d.int64(what)
	return time.Duration(v), err
}

func (d *decoder) length(what string, limit int) (int, error) {
	n, err := d.int32(what)
	if err != nil {
		return 0, err
	}

	if n < 0 || int(n) > limit {
		return 0, fmt.Errorf("%w: %s: length %d out of range", ErrMalformedFrame, what, n)
	}

	return int(n), nil
}

func (d *decoder) string(what string) (string, error) {
	n, err := d.length(what, MaxStringLength)
	if err != nil {
		return "", err
	}

	if n == 0 {
		return "", nil
	}

	b := make([]byte, n)
	if _, err := io.ReadFull(d.r, b); err != nil {
		return "", malformed(what, err)
	}

	return string(b), nil
}

func (d *decoder) strings(what string) ([]string, error) {
	n, err := d.length(what, MaxListLength)
	if err != nil {
		return nil, err
	}

	if n == 0 {
		return nil, nil
	}

	list := make([]string, 0, n)

	for range n {
		s, err := d.string(what)
		if err != nil {
			return nil, err
		}

		list = append(list, s)
	}

	return list, nil
}

func (d *decoder) description() (m.Description, error) {
	class, err := d.string("test class")
	if err != nil {
		return m.Description{}, err
	}

	name, err := d.string("test name")
	if err != nil {
		return m.Description{}, err
	}

	return m.Description{TestClass: class, Name: name}, nil
}

func (d *decoder) unit() (m.MutationUnit, error) {
	var (
		u   m.MutationUnit
		err error
	)

	if u.Unit, err = d.string("unit"); err != nil {
		return u, err
	}

	if u.Method, err = d.string("method"); err != nil {
		return u, err
	}

	line, err := d.int32("line")
	if err != nil {
		return u, err
	}

	mutator, err := d.string("mutator")
	if err != nil {
		return u, err
	}

	index, err := d.int32("index")
	if err != nil {
		return u, err
	}

	u.Line = int(line)
	u.Mutator = m.MutatorType(mutator)
	u.Index = int(index)

	return u, nil
}

func (d *decoder) testRecord() (m.TestRecord, error) {
	test, err := d.description()
	if err != nil {
		return m.TestRecord{}, err
	}

	elapsed, err := d.duration("test time")
	if err != nil {
		return m.TestRecord{}, err
	}

	testee, err := d.string("testee")
	if err != nil {
		return m.TestRecord{}, err
	}

	return m.TestRecord{Test: test, Time: elapsed, Testee: testee}, nil
}

func (d *decoder) record() (m.StatusRecord, error) {
	var r m.StatusRecord

	run, err := d.int32("tests run")
	if err != nil {
		return r, err
	}

	status, err := d.byte("status")
	if err != nil {
		return r, err
	}

	if m.DetectionStatus(status) > m.NoCoverage {
		return r, fmt.Errorf("%w: unknown status %d", ErrMalformedFrame, status)
	}

	r.TestsRun = int(run)
	r.Status = m.DetectionStatus(status)

	hasKilling, err := d.bool("killing test flag")
	if err != nil {
		return r, err
	}

	if hasKilling {
		if r.KillingTest, err = d.string("killing test"); err != nil {
			return r, err
		}
	}

	lists := []*[]string{&r.KillingTests, &r.SucceedingTests, &r.TimeoutTests, &r.ErrorTests, &r.MemoryErrorTests}
	for _, list := range lists {
		if *list, err = d.strings("test list"); err != nil {
			return r, err
		}
	}

	n, err := d.length("timing map", MaxListLength)
	if err != nil {
		return r, err
	}

	if n > 0 {
		r.TestTimes = make(map[string]time.Duration, n)
	}

	for range n {
		k, err := d.string("timing key")
		if err != nil {
			return r, err
		}

		v, err := d.duration("timing value")
		if err != nil {
			return r, err
		}

		r.TestTimes[k] = v
	}

	if r.Elapsed, err = d.duration("elapsed"); err != nil {
		return r, err
	}

	return r, nil
}

func (d *decoder) settings() (m.WorkerSettings, error) {
	var (
		s   m.WorkerSettings
		err error
	)

	if s.ProjectRoot, err = d.string("project root"); err != nil {
		return s, err
	}

	if s.FullMatrix, err = d.bool("full matrix"); err != nil {
		return s, err
	}

	if s.RecordPasses, err = d.bool("record passes"); err != nil {
		return s, err
	}

	if s.CompileCheck, err = d.bool("compile check"); err != nil {
		return s, err
	}

	if s.Timeout, err = d.duration("timeout"); err != nil {
		return s, err
	}

	if s.TestTimeoutFactor, err = d.float64("test timeout factor"); err != nil {
		return s, err
	}

	if s.TestTimeoutConstant, err = d.duration("test timeout constant"); err != nil {
		return s, err
	}

	return s, nil
}

func (d *decoder) details() (m.MutationDetails, error) {
	id, err := d.unit()
	if err != nil {
		return m.MutationDetails{}, err
	}

	n, err := d.length("covering tests", MaxListLength)
	if err != nil {
		return m.MutationDetails{}, err
	}

	var tests []m.TestRecord
	if n > 0 {
		tests = make([]m.TestRecord, 0, n)
	}

	for range n {
		t, err := d.testRecord()
		if err != nil {
			return m.MutationDetails{}, err
		}

		tests = append(tests, t)
	}

	return m.MutationDetails{ID: id, TestsInOrder: tests}, nil
}
