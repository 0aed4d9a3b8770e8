package task

import (
	"database/sql"
	"sync"

	"go.uber.org/zap"

	"github.com/quenlab/qce/errors"
	"github.com/quenlab/qce/sym"
)

// writeOp is one unit of serialized write work. done is nil for
// fire-and-forget operations.
type writeOp struct {
	label string
	fn    func(*sql.DB) error
	done  chan error
}

// writer funnels all mutations through one goroutine so SQLite sees a
// single writer. Reads bypass it.
type writer struct {
	db        *sql.DB
	ops       chan writeOp
	quit      chan struct{}
	finished  chan struct{}
	closeOnce sync.Once
	logger    *zap.SugaredLogger
}

func newWriter(db *sql.DB, logger *zap.SugaredLogger) *writer {
	w := &writer{
		db:       db,
		ops:      make(chan writeOp, 256),
		quit:     make(chan struct{}),
		finished: make(chan struct{}),
		logger:   logger,
	}
	go w.run()
	return w
}

func (w *writer) run() {
	defer close(w.finished)
	for {
		select {
		case op := <-w.ops:
			err := op.fn(w.db)
			if op.done != nil {
				op.done <- err
				continue
			}
			if err != nil {
				// Best-effort writes are logged and dropped.
				w.logger.Warnw("Async write failed",
					"symbol", sym.DB,
					"op", op.label,
					"error", err,
				)
			}
		case <-w.quit:
			// Drain what is already queued before stopping.
			for {
				select {
				case op := <-w.ops:
					err := op.fn(w.db)
					if op.done != nil {
						op.done <- err
					}
				default:
					return
				}
			}
		}
	}
}

// exec runs fn on the writer goroutine and waits for the result.
func (w *writer) exec(label string, fn func(*sql.DB) error) error {
	done := make(chan error, 1)
	select {
	case w.ops <- writeOp{label: label, fn: fn, done: done}:
		return <-done
	case <-w.quit:
		return errors.New("store is closed")
	}
}

// execAsync queues fn without waiting. Drops the write when the queue is
// saturated rather than blocking the caller.
func (w *writer) execAsync(label string, fn func(*sql.DB) error) {
	select {
	case w.ops <- writeOp{label: label, fn: fn}:
	default:
		w.logger.Debugw("Async write queue full, dropping", "symbol", sym.DB, "op", label)
	}
}

// close stops the writer after draining queued operations. Safe to call
// more than once.
func (w *writer) close() {
	w.closeOnce.Do(func() {
		close(w.quit)
	})
	<-w.finished
}
