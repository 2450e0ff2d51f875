// Package dispatch provides a single-goroutine task loop.
//
// A Loop is the unit of execution-context confinement: state owned by a Loop
// is only ever touched by tasks running on it, so it needs no locking. Tasks
// are executed one at a time in submission order, which also makes the Loop a
// bridge for handing work between goroutines without reordering.
package dispatch

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/srg/nxosc/internal/groutine"
)

// ErrLoopClosed is returned by Post and Call after Shutdown.
var ErrLoopClosed = errors.New("dispatch loop closed")

const defaultTaskBuffer = 128

// Loop executes submitted tasks sequentially on one dedicated goroutine.
type Loop struct {
	tasks  chan func()
	quit   chan struct{}
	done   chan struct{}
	closed atomic.Bool
	logger *logrus.Logger
}

// NewLoop starts a loop goroutine named name.
func NewLoop(name string, logger *logrus.Logger) *Loop {
	if logger == nil {
		logger = logrus.New()
	}
	l := &Loop{
		tasks:  make(chan func(), defaultTaskBuffer),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
		logger: logger,
	}
	groutine.Go(context.Background(), name, func(context.Context) {
		l.run(name)
	})
	return l
}

func (l *Loop) run(name string) {
	defer close(l.done)
	for {
		select {
		case fn := <-l.tasks:
			fn()
		case <-l.quit:
			// Give tasks submitted before Shutdown a chance to complete
			for {
				select {
				case fn := <-l.tasks:
					fn()
				default:
					l.logger.WithField("loop", name).Debug("Dispatch loop exited")
					return
				}
			}
		}
	}
}

// Post schedules fn to run on the loop goroutine. It does not wait for fn to
// execute. Tasks are executed in the order they were posted.
func (l *Loop) Post(fn func()) error {
	if l.closed.Load() {
		return ErrLoopClosed
	}
	select {
	case l.tasks <- fn:
		return nil
	case <-l.done:
		return ErrLoopClosed
	}
}

// Call runs fn on the loop goroutine and waits for its result. It must not be
// invoked from a task already running on the loop; that would deadlock.
func (l *Loop) Call(fn func() error) error {
	errCh := make(chan error, 1)
	if err := l.Post(func() {
		errCh <- fn()
	}); err != nil {
		return err
	}

	select {
	case err := <-errCh:
		return err
	case <-l.done:
		// The loop drained what it could before exiting; the task may still
		// have run during the drain.
		select {
		case err := <-errCh:
			return err
		default:
			return ErrLoopClosed
		}
	}
}

// Shutdown stops the loop after in-flight tasks have been given a chance to
// complete. Idempotent; blocks until the loop goroutine has exited.
func (l *Loop) Shutdown() {
	if l.closed.CompareAndSwap(false, true) {
		close(l.quit)
	}
	<-l.done
}
