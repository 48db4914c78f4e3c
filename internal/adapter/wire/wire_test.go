package wire

import (
	"bytes"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	m "gooze.dev/pkg/mutexec/internal/model"
)

func sampleUnit() m.MutationUnit {
	return m.MutationUnit{
		Unit:    "calc/calc.go",
		Method:  "Add",
		Line:    12,
		Mutator: m.MutationArithmetic,
		Index:   3,
	}
}

func sampleRecord() m.StatusRecord {
	return m.StatusRecord{
		TestsRun:         3,
		Status:           m.Killed,
		KillingTest:      "./calc.TestAdd",
		KillingTests:     []string{"./calc.TestAdd"},
		SucceedingTests:  []string{"./calc.TestSub", "./calc.TestMul"},
		TimeoutTests:     []string{"./calc.TestSlow"},
		ErrorTests:       []string{"./calc.TestBroken"},
		MemoryErrorTests: []string{"./calc.TestHuge"},
		TestTimes: map[string]time.Duration{
			"./calc.TestAdd": 15 * time.Millisecond,
			"./calc.TestSub": 3 * time.Millisecond,
			"./calc.TestMul": 42 * time.Microsecond,
		},
		Elapsed: 1234 * time.Millisecond,
	}
}

func TestReportRoundTrip(t *testing.T) {
	var buf bytes.Buffer

	w := NewWriter(&buf)
	require.NoError(t, w.Describe(sampleUnit()))
	require.NoError(t, w.Report(sampleUnit(), sampleRecord()))
	require.NoError(t, w.Done(m.WorkerExit{Code: m.ExitOK}))

	r := NewReader(&buf)

	describe, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, TagDescribe, describe.Tag)
	assert.Equal(t, sampleUnit(), describe.ID)

	report, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, TagReport, report.Tag)
	assert.Equal(t, sampleUnit(), report.ID)
	assert.Equal(t, sampleRecord(), report.Record)

	done, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, TagDone, done.Tag)
	assert.Equal(t, m.ExitOK, done.Exit.Code)
	assert.True(t, done.Exit.CurrentTest.IsZero())

	_, err = r.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestInitRoundTrip(t *testing.T) {
	settings := m.WorkerSettings{
		ProjectRoot:         "/src/project",
		FullMatrix:          true,
		RecordPasses:        true,
		CompileCheck:        true,
		Timeout:             90 * time.Second,
		TestTimeoutFactor:   1.25,
		TestTimeoutConstant: 4 * time.Second,
	}
	batch := []m.MutationDetails{
		{
			ID: sampleUnit(),
			TestsInOrder: []m.TestRecord{
				{Test: m.Description{TestClass: "./calc", Name: "TestAdd"}, Time: 10 * time.Millisecond, Testee: "calc/calc.go"},
				{Test: m.Description{TestClass: "./calc", Name: "TestSub"}, Time: time.Millisecond},
			},
		},
		{ID: m.MutationUnit{Unit: "calc/calc.go", Method: "Sub", Line: 20, Mutator: m.MutationBoolean}},
	}

	var buf bytes.Buffer
	require.NoError(t, NewWriter(&buf).Init(settings, batch))

	payload, err := NewReader(&buf).ReadInit()
	require.NoError(t, err)
	assert.Equal(t, settings, payload.Settings)
	assert.Equal(t, batch, payload.Batch)
}

func TestFrameLayout(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, NewWriter(&buf).Describe(m.MutationUnit{Unit: "a", Method: "b", Line: 1, Mutator: "c", Index: 2}))

	want := []byte{
		TagDescribe,
		0, 0, 0, 1, 'a',
		0, 0, 0, 1, 'b',
		0, 0, 0, 1,
		0, 0, 0, 1, 'c',
		0, 0, 0, 2,
	}
	assert.Equal(t, want, buf.Bytes())
}

func TestDoneCarriesTimeoutTest(t *testing.T) {
	var buf bytes.Buffer

	exit := m.WorkerExit{Code: m.ExitTimeout, CurrentTest: m.Description{TestClass: "./calc", Name: "TestLoop/case#01"}}
	require.NoError(t, NewWriter(&buf).Done(exit))

	f, err := NewReader(&buf).Next()
	require.NoError(t, err)
	assert.Equal(t, exit, f.Exit)
}

func TestWriterRejectsFramesAfterDone(t *testing.T) {
	var buf bytes.Buffer

	w := NewWriter(&buf)
	require.NoError(t, w.Done(m.WorkerExit{Code: m.ExitOK}))

	assert.ErrorIs(t, w.Done(m.WorkerExit{Code: m.ExitTimeout}), ErrSessionDone)
	assert.ErrorIs(t, w.Describe(sampleUnit()), ErrSessionDone)
	assert.ErrorIs(t, w.Report(sampleUnit(), sampleRecord()), ErrSessionDone)
}

func TestFormatExit(t *testing.T) {
	tests := []struct {
		name string
		exit m.WorkerExit
		want string
	}{
		{"ok", m.WorkerExit{Code: m.ExitOK}, "0@#"},
		{"timeout without test", m.WorkerExit{Code: m.ExitTimeout}, "14@#"},
		{"timeout with test", m.WorkerExit{Code: m.ExitTimeout, CurrentTest: m.Description{TestClass: "pkg", Name: "TestX"}}, "14@pkg#TestX"},
		{"test ignored unless timeout", m.WorkerExit{Code: m.ExitOutOfMemory, CurrentTest: m.Description{TestClass: "pkg", Name: "TestX"}}, "11@#"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FormatExit(tt.exit))
		})
	}
}

func TestParseExit(t *testing.T) {
	exit, err := ParseExit("99@#")
	require.NoError(t, err)
	assert.Equal(t, m.ExitUnknownError, exit.Code)

	_, err = ParseExit("14")
	assert.ErrorIs(t, err, ErrMalformedFrame)

	_, err = ParseExit("x@#")
	assert.ErrorIs(t, err, ErrMalformedFrame)

	_, err = ParseExit("14@pkg")
	assert.ErrorIs(t, err, ErrMalformedFrame)
}

func TestReaderRejectsUnknownTag(t *testing.T) {
	_, err := NewReader(bytes.NewReader([]byte{0x7f, 0, 0})).Next()
	assert.ErrorIs(t, err, ErrUnknownTag)
}

func TestReaderRejectsTruncatedFrame(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, NewWriter(&buf).Report(sampleUnit(), sampleRecord()))

	truncated := buf.Bytes()[:buf.Len()-3]

	_, err := NewReader(bytes.NewReader(truncated)).Next()
	assert.ErrorIs(t, err, ErrMalformedFrame)
}

func TestReaderRejectsOversizedString(t *testing.T) {
	frame := []byte{TagDescribe, 0x7f, 0xff, 0xff, 0xff}

	_, err := NewReader(bytes.NewReader(frame)).Next()
	assert.ErrorIs(t, err, ErrMalformedFrame)
}

func TestWriterRejectsOversizedLists(t *testing.T) {
	var buf bytes.Buffer

	w := NewWriter(&buf)

	record := sampleRecord()
	record.SucceedingTests = make([]string, MaxListLength+1)

	require.Error(t, w.Report(sampleUnit(), record))
	assert.Zero(t, buf.Len())

	require.NoError(t, w.Describe(sampleUnit()))

	frame, err := NewReader(&buf).Next()
	require.NoError(t, err)
	assert.Equal(t, TagDescribe, frame.Tag)
}

func TestListAtLimitRoundTrips(t *testing.T) {
	var buf bytes.Buffer

	record := sampleRecord()
	record.SucceedingTests = make([]string, MaxListLength)

	require.NoError(t, NewWriter(&buf).Report(sampleUnit(), record))

	frame, err := NewReader(&buf).Next()
	require.NoError(t, err)
	assert.Len(t, frame.Record.SucceedingTests, MaxListLength)
}

func TestReadInitRejectsOtherTags(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, NewWriter(&buf).Describe(sampleUnit()))

	_, err := NewReader(&buf).ReadInit()
	assert.ErrorIs(t, err, ErrUnknownTag)
}

func TestConcurrentWritersKeepFramesIntact(t *testing.T) {
	var buf bytes.Buffer

	w := NewWriter(&buf)

	const producers = 8

	const perProducer = 50

	var wg sync.WaitGroup

	for p := range producers {
		wg.Add(1)

		go func(p int) {
			defer wg.Done()

			for i := range perProducer {
				id := sampleUnit()
				id.Line = p
				id.Index = i

				if err := w.Describe(id); err != nil {
					t.Error(err)
					return
				}

				if err := w.Report(id, sampleRecord()); err != nil {
					t.Error(err)
					return
				}
			}
		}(p)
	}

	wg.Wait()

	r := NewReader(&buf)
	described := map[m.MutationUnit]bool{}
	reported := 0

	for {
		f, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}

		require.NoError(t, err)

		switch f.Tag {
		case TagDescribe:
			described[f.ID] = true
		case TagReport:
			require.True(t, described[f.ID], "report before describe for %s", f.ID)
			assert.Equal(t, sampleRecord(), f.Record)

			reported++
		}
	}

	assert.Equal(t, producers*perProducer, reported)
}

func genStrings() gopter.Gen {
	return gen.SliceOf(gen.AlphaString()).Map(func(list []string) []string {
		if len(list) == 0 {
			return nil
		}

		return list
	})
}

func genRecord() gopter.Gen {
	return gopter.CombineGens(
		gen.IntRange(0, 500),
		gen.IntRange(int(m.NotStarted), int(m.NoCoverage)),
		gen.AlphaString(),
		genStrings(),
		genStrings(),
		genStrings(),
		genStrings(),
		genStrings(),
		gen.MapOf(gen.AlphaString(), gen.Int64Range(0, int64(time.Hour))),
		gen.Int64Range(0, int64(time.Hour)),
	).Map(func(vals []interface{}) m.StatusRecord {
		var times map[string]time.Duration

		for k, v := range vals[8].(map[string]int64) {
			if times == nil {
				times = map[string]time.Duration{}
			}

			times[k] = time.Duration(v)
		}

		return m.StatusRecord{
			TestsRun:         vals[0].(int),
			Status:           m.DetectionStatus(vals[1].(int)),
			KillingTest:      vals[2].(string),
			KillingTests:     vals[3].([]string),
			SucceedingTests:  vals[4].([]string),
			TimeoutTests:     vals[5].([]string),
			ErrorTests:       vals[6].([]string),
			MemoryErrorTests: vals[7].([]string),
			TestTimes:        times,
			Elapsed:          time.Duration(vals[9].(int64)),
		}
	})
}

// TestReportRoundTripProperty checks that every status record survives a
// REPORT frame unchanged.
func TestReportRoundTripProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("report frame preserves the status record", prop.ForAll(
		func(record m.StatusRecord, line int) bool {
			var buf bytes.Buffer

			id := sampleUnit()
			id.Line = line

			if err := NewWriter(&buf).Report(id, record); err != nil {
				return false
			}

			f, err := NewReader(&buf).Next()
			if err != nil {
				return false
			}

			return assert.ObjectsAreEqual(id, f.ID) && assert.ObjectsAreEqual(record, f.Record)
		},
		genRecord(),
		gen.IntRange(0, 100000),
	))

	properties.TestingRun(t)
}
