package domain

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"

	"gooze.dev/pkg/mutexec/internal/adapter/wire"
	m "gooze.dev/pkg/mutexec/internal/model"
)

var (
	// ErrNoConnection is returned when the worker never connected back.
	ErrNoConnection = errors.New("worker never connected")
	// errConnectionLost means the stream ended before DONE.
	errConnectionLost = errors.New("connection lost before done")
)

// SessionObserver is told about mutations as the worker streams them.
type SessionObserver interface {
	DisplayStartingTestInfo(ctx context.Context, id m.MutationUnit)
	DisplayCompletedTestInfo(ctx context.Context, id m.MutationUnit, record m.StatusRecord)
}

// sessionOutcome is what the communication thread saw before it stopped.
type sessionOutcome struct {
	exit m.WorkerExit
	done bool
	err  error
}

// communication owns the listening endpoint of one session. It accepts a
// single worker, sends INIT and feeds DESCRIBE/REPORT frames into the ledger
// until DONE or a read failure.
type communication struct {
	listener net.Listener
	ledger   Ledger
	observer SessionObserver
	settings m.WorkerSettings
	batch    []m.MutationDetails

	mu      sync.Mutex
	conn    net.Conn
	aborted bool
}

func newCommunication(listener net.Listener, ledger Ledger, observer SessionObserver, settings m.WorkerSettings, batch []m.MutationDetails) *communication {
	return &communication{
		listener: listener,
		ledger:   ledger,
		observer: observer,
		settings: settings,
		batch:    batch,
	}
}

// start runs the session loop in its own goroutine. The outcome is delivered
// exactly once on the returned channel.
func (c *communication) start(ctx context.Context) <-chan sessionOutcome {
	out := make(chan sessionOutcome, 1)

	go func() {
		out <- c.serve(ctx)
	}()

	return out
}

func (c *communication) serve(ctx context.Context) sessionOutcome {
	conn, err := c.listener.Accept()
	_ = c.listener.Close()

	if err != nil {
		return sessionOutcome{err: fmt.Errorf("%w: %w", ErrNoConnection, err)}
	}

	if !c.attach(conn) {
		return sessionOutcome{err: ErrNoConnection}
	}

	defer func() { _ = conn.Close() }()

	if err := wire.NewWriter(conn).Init(c.settings, c.batch); err != nil {
		return sessionOutcome{err: fmt.Errorf("send init: %w", err)}
	}

	reader := wire.NewReader(conn)

	for {
		frame, err := reader.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return sessionOutcome{err: errConnectionLost}
			}

			return sessionOutcome{err: fmt.Errorf("read frame: %w", err)}
		}

		switch frame.Tag {
		case wire.TagDescribe:
			c.ledger.SetStatus(frame.ID, m.Started)

			if c.observer != nil {
				c.observer.DisplayStartingTestInfo(ctx, frame.ID)
			}
		case wire.TagReport:
			c.ledger.SetRecord(frame.ID, frame.Record)

			if c.observer != nil {
				c.observer.DisplayCompletedTestInfo(ctx, frame.ID, frame.Record)
			}
		case wire.TagDone:
			slog.Debug("Worker done", "exit", frame.Exit.Code.String(), "test", frame.Exit.CurrentTest.QualifiedName())
			return sessionOutcome{exit: frame.Exit, done: true}
		}
	}
}

// attach records the accepted connection unless the session was aborted.
func (c *communication) attach(conn net.Conn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.aborted {
		_ = conn.Close()
		return false
	}

	c.conn = conn

	return true
}

// abort makes a blocked accept or read return.
func (c *communication) abort() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.aborted = true

	_ = c.listener.Close()

	if c.conn != nil {
		_ = c.conn.Close()
	}
}
