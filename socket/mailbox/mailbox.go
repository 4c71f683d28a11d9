// Package mailbox runs the jobs of one socket one at a time, in the order
// they were posted, on a dedicated goroutine.
package mailbox

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

var ErrStopped = errors.New("mailbox stopped")

// Mailbox is an unbounded FIFO of jobs drained by a single goroutine.
// Post never blocks, so a running job may post follow-up jobs freely.
// Do must not be called from inside a job.
type Mailbox struct {
	mu      sync.Mutex
	queue   []func()
	stopped bool

	signal   chan struct{}
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

func New() *Mailbox {
	m := &Mailbox{
		signal: make(chan struct{}, 1),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}

	go m.run()

	return m
}

func (m *Mailbox) run() {
	defer close(m.done)

	for {
		select {
		case <-m.stop:
			return
		case <-m.signal:
		}

		for {
			m.mu.Lock()
			if m.stopped || len(m.queue) == 0 {
				m.mu.Unlock()
				break
			}
			job := m.queue[0]
			m.queue[0] = nil
			m.queue = m.queue[1:]
			m.mu.Unlock()

			job()
		}
	}
}

// Post enqueues job and reports whether it was accepted.
func (m *Mailbox) Post(job func()) bool {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return false
	}
	m.queue = append(m.queue, job)
	m.mu.Unlock()

	select {
	case m.signal <- struct{}{}:
	default:
	}

	return true
}

// Do enqueues job and waits until it has run.
func (m *Mailbox) Do(ctx context.Context, job func()) error {
	ran := make(chan struct{})
	if !m.Post(func() {
		defer close(ran)
		job()
	}) {
		return ErrStopped
	}

	select {
	case <-ran:
		return nil
	case <-m.done:
		select {
		case <-ran:
			return nil
		default:
			return ErrStopped
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop discards queued jobs. The job currently running, if any, completes.
func (m *Mailbox) Stop() {
	m.mu.Lock()
	m.stopped = true
	m.queue = nil
	m.mu.Unlock()

	m.stopOnce.Do(func() {
		close(m.stop)
	})
}

func (m *Mailbox) Stopped() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopped
}

// Done is closed once the mailbox goroutine has exited.
func (m *Mailbox) Done() <-chan struct{} {
	return m.done
}
