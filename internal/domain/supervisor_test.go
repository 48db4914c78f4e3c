package domain

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/onsi/gomega"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gooze.dev/pkg/mutexec/internal/adapter"
	"gooze.dev/pkg/mutexec/internal/adapter/wire"
	m "gooze.dev/pkg/mutexec/internal/model"
)

// workerScript plays the worker side of a session over conn. killed is
// closed when the supervisor kills the worker.
type workerScript func(conn net.Conn, killed <-chan struct{}) error

// inProcessLauncher runs worker scripts in goroutines instead of processes.
type inProcessLauncher struct {
	script    workerScript
	launchErr error
}

func (l *inProcessLauncher) Launch(_ context.Context, addr string) (adapter.WorkerProcess, error) {
	if l.launchErr != nil {
		return nil, l.launchErr
	}

	w := &inProcessWorker{killed: make(chan struct{}), done: make(chan struct{})}

	go func() {
		defer close(w.done)

		if l.script == nil {
			return
		}

		conn, err := net.Dial("tcp", addr)
		if err != nil {
			w.err = err
			return
		}

		w.attach(conn)

		defer func() { _ = conn.Close() }()

		w.err = l.script(conn, w.killed)
	}()

	return w, nil
}

type inProcessWorker struct {
	mu       sync.Mutex
	conn     net.Conn
	killOnce sync.Once
	killed   chan struct{}
	done     chan struct{}
	err      error
}

func (w *inProcessWorker) attach(conn net.Conn) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.conn = conn
}

func (w *inProcessWorker) Pid() int { return 4242 }

func (w *inProcessWorker) Kill() error {
	w.killOnce.Do(func() {
		close(w.killed)

		w.mu.Lock()
		defer w.mu.Unlock()

		if w.conn != nil {
			_ = w.conn.Close()
		}
	})

	return nil
}

func (w *inProcessWorker) Wait() error {
	<-w.done
	return w.err
}

// countingObserver records session notifications.
type countingObserver struct {
	mu        sync.Mutex
	started   []m.MutationUnit
	completed map[m.MutationUnit]m.DetectionStatus
}

func (o *countingObserver) DisplayStartingTestInfo(_ context.Context, id m.MutationUnit) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.started = append(o.started, id)
}

func (o *countingObserver) DisplayCompletedTestInfo(_ context.Context, id m.MutationUnit, record m.StatusRecord) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.completed == nil {
		o.completed = map[m.MutationUnit]m.DetectionStatus{}
	}

	o.completed[id] = record.Status
}

func realWorker(runner *scriptedRunner) workerScript {
	return func(conn net.Conn, _ <-chan struct{}) error {
		_, err := RunWorkerSession(context.Background(), conn, func(m.WorkerSettings) (WorkerTools, error) {
			return WorkerTools{Producer: &fakeProducer{}, Substituter: &fakeSubstituter{}, Runner: runner}, nil
		})

		return err
	}
}

// describeFirst reads INIT and announces the first mutation of the batch.
func describeFirst(conn net.Conn) (*wire.Writer, error) {
	payload, err := wire.NewReader(conn).ReadInit()
	if err != nil {
		return nil, err
	}

	writer := wire.NewWriter(conn)

	return writer, writer.Describe(payload.Batch[0].ID)
}

func stallAfterDescribe(conn net.Conn, killed <-chan struct{}) error {
	if _, err := describeFirst(conn); err != nil {
		return err
	}

	<-killed

	return errors.New("killed")
}

func dropAfterDescribe(conn net.Conn, _ <-chan struct{}) error {
	_, err := describeFirst(conn)
	return err
}

func doneAfterDescribe(exit m.WorkerExit) workerScript {
	return func(conn net.Conn, _ <-chan struct{}) error {
		writer, err := describeFirst(conn)
		if err != nil {
			return err
		}

		return writer.Done(exit)
	}
}

func newSessionLedger(batch ...m.MutationDetails) Ledger {
	ledger := NewLedger(nil)
	ledger.Add(batch...)

	return ledger
}

func statusOf(ledger Ledger, id m.MutationUnit) m.DetectionStatus {
	record, _ := ledger.Status(id)
	return record.Status
}

func TestSupervisor_RunsBatchInWorker(t *testing.T) {
	batch := []m.MutationDetails{coveredAt(1, "T1", "T2", "T3"), coveredAt(2, "T1")}
	ledger := newSessionLedger(batch...)
	observer := &countingObserver{}

	supervisor := NewSupervisor(&inProcessLauncher{script: realWorker(killedBySecond())}, ledger, SupervisorConfig{SessionTimeout: 10 * time.Second}, observer)

	exit, err := supervisor.RunSession(context.Background(), batch)
	require.NoError(t, err)
	assert.Equal(t, m.ExitOK, exit.Code)

	record, _ := ledger.Status(unitAt(1))
	assert.Equal(t, m.Killed, record.Status)
	assert.Equal(t, "./calc.T2", record.KillingTest)
	assert.Equal(t, m.Survived, statusOf(ledger, unitAt(2)))

	assert.Equal(t, []m.MutationUnit{unitAt(1), unitAt(2)}, observer.started)
	assert.Equal(t, map[m.MutationUnit]m.DetectionStatus{unitAt(1): m.Killed, unitAt(2): m.Survived}, observer.completed)
}

func TestSupervisor_TimeoutResolvesStartedMutation(t *testing.T) {
	g := gomega.NewGomegaWithT(t)

	other := unitAt(7)
	batch := []m.MutationDetails{coveredAt(1, "T1"), coveredAt(2, "T1")}

	ledger := newSessionLedger(append(batch, m.MutationDetails{ID: other})...)
	ledger.SetStatus(other, m.Survived)

	supervisor := NewSupervisor(&inProcessLauncher{script: stallAfterDescribe}, ledger, SupervisorConfig{SessionTimeout: 100 * time.Millisecond}, nil)

	exits := make(chan m.WorkerExit, 1)

	go func() {
		exit, _ := supervisor.RunSession(context.Background(), batch)
		exits <- exit
	}()

	g.Eventually(func() m.DetectionStatus {
		return statusOf(ledger, unitAt(1))
	}, "5s", "10ms").Should(gomega.Equal(m.TimedOut))

	var exit m.WorkerExit
	g.Eventually(exits, "5s").Should(gomega.Receive(&exit))
	g.Expect(exit.Code).To(gomega.Equal(m.ExitTimeout))

	g.Expect(statusOf(ledger, unitAt(2))).To(gomega.Equal(m.NotStarted))
	g.Expect(statusOf(ledger, other)).To(gomega.Equal(m.Survived))
}

func TestSupervisor_DoneCodes(t *testing.T) {
	tests := []struct {
		name         string
		exit         m.WorkerExit
		wantStarted  m.DetectionStatus
		wantTimeouts []string
	}{
		{
			name:         "timeout with current test",
			exit:         m.WorkerExit{Code: m.ExitTimeout, CurrentTest: m.Description{TestClass: "./calc", Name: "T1"}},
			wantStarted:  m.TimedOut,
			wantTimeouts: []string{"./calc.T1"},
		},
		{
			name:         "timeout with unrelated test",
			exit:         m.WorkerExit{Code: m.ExitTimeout, CurrentTest: m.Description{TestClass: "./other", Name: "T9"}},
			wantStarted:  m.TimedOut,
			wantTimeouts: nil,
		},
		{
			name:        "out of memory",
			exit:        m.WorkerExit{Code: m.ExitOutOfMemory},
			wantStarted: m.MemoryError,
		},
		{
			name:        "unknown error",
			exit:        m.WorkerExit{Code: m.ExitUnknownError},
			wantStarted: m.RunError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			batch := []m.MutationDetails{coveredAt(1, "T1"), coveredAt(2, "T1")}
			ledger := newSessionLedger(batch...)

			supervisor := NewSupervisor(&inProcessLauncher{script: doneAfterDescribe(tt.exit)}, ledger, SupervisorConfig{SessionTimeout: 10 * time.Second}, nil)

			exit, err := supervisor.RunSession(context.Background(), batch)
			require.NoError(t, err)
			assert.Equal(t, tt.exit.Code, exit.Code)

			record, _ := ledger.Status(unitAt(1))
			assert.Equal(t, tt.wantStarted, record.Status)
			assert.Equal(t, tt.wantTimeouts, record.TimeoutTests)

			assert.Equal(t, m.NotStarted, statusOf(ledger, unitAt(2)))
		})
	}
}

func TestSupervisor_ConnectionLostResolvesBatch(t *testing.T) {
	batch := []m.MutationDetails{coveredAt(1, "T1"), coveredAt(2, "T1")}
	ledger := newSessionLedger(batch...)

	supervisor := NewSupervisor(&inProcessLauncher{script: dropAfterDescribe}, ledger, SupervisorConfig{SessionTimeout: 10 * time.Second}, nil)

	exit, err := supervisor.RunSession(context.Background(), batch)
	require.NoError(t, err)
	assert.Equal(t, m.ExitUnknownError, exit.Code)

	assert.Equal(t, m.RunError, statusOf(ledger, unitAt(1)))
	assert.Equal(t, m.RunError, statusOf(ledger, unitAt(2)))
	assert.Empty(t, ledger.InFlight())
}

// garbageAfterDescribe writes raw bytes after the first DESCRIBE and keeps
// the connection open until the worker is killed.
func garbageAfterDescribe(garbage []byte, killSeen chan<- struct{}) workerScript {
	return func(conn net.Conn, killed <-chan struct{}) error {
		if _, err := describeFirst(conn); err != nil {
			return err
		}

		if _, err := conn.Write(garbage); err != nil {
			return err
		}

		<-killed
		close(killSeen)

		return errors.New("killed")
	}
}

func TestSupervisor_MalformedFrameResolvesBatch(t *testing.T) {
	tests := []struct {
		name    string
		garbage []byte
	}{
		{name: "unknown tag", garbage: []byte{0x7f, 0x00, 0x00, 0x00}},
		{name: "oversized string", garbage: []byte{wire.TagDescribe, 0x7f, 0xff, 0xff, 0xff}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			batch := []m.MutationDetails{coveredAt(1, "T1"), coveredAt(2, "T1")}
			ledger := newSessionLedger(batch...)
			killSeen := make(chan struct{})

			config := SupervisorConfig{SessionTimeout: 10 * time.Second, ExitGrace: 50 * time.Millisecond}
			supervisor := NewSupervisor(&inProcessLauncher{script: garbageAfterDescribe(tt.garbage, killSeen)}, ledger, config, nil)

			exit, err := supervisor.RunSession(context.Background(), batch)
			require.NoError(t, err)
			assert.Equal(t, m.ExitUnknownError, exit.Code)

			select {
			case <-killSeen:
			default:
				t.Fatal("worker was not killed")
			}

			assert.Equal(t, m.RunError, statusOf(ledger, unitAt(1)))
			assert.Equal(t, m.RunError, statusOf(ledger, unitAt(2)))
			assert.Empty(t, ledger.InFlight())
			assert.Empty(t, ledger.Unresolved())
		})
	}
}

func TestSupervisor_WorkerNeverConnects(t *testing.T) {
	batch := []m.MutationDetails{coveredAt(1, "T1")}
	ledger := newSessionLedger(batch...)

	config := SupervisorConfig{SessionTimeout: 10 * time.Second, ExitGrace: 50 * time.Millisecond}
	supervisor := NewSupervisor(&inProcessLauncher{}, ledger, config, nil)

	_, err := supervisor.RunSession(context.Background(), batch)
	require.ErrorIs(t, err, ErrNoConnection)
	assert.Equal(t, m.RunError, statusOf(ledger, unitAt(1)))
}

func TestSupervisor_LaunchFailure(t *testing.T) {
	batch := []m.MutationDetails{coveredAt(1, "T1"), coveredAt(2, "T1")}
	ledger := newSessionLedger(batch...)

	supervisor := NewSupervisor(&inProcessLauncher{launchErr: errors.New("no binary")}, ledger, SupervisorConfig{}, nil)

	exit, err := supervisor.RunSession(context.Background(), batch)
	require.Error(t, err)
	assert.Equal(t, m.ExitUnknownError, exit.Code)

	for _, result := range ledger.Results() {
		assert.Equal(t, m.RunError, result.Record.Status)
	}
}

func TestSupervisor_EmptyBatch(t *testing.T) {
	supervisor := NewSupervisor(&inProcessLauncher{launchErr: errors.New("unused")}, NewLedger(nil), SupervisorConfig{}, nil)

	exit, err := supervisor.RunSession(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, m.ExitOK, exit.Code)
}
