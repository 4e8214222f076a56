package actions

import (
	"log/slog"
	"sync"
)

// Queue decouples handler execution from the listener: dispatch enqueues a
// command and returns immediately; a single worker goroutine executes
// commands in order.
type Queue struct {
	commands chan func()
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	log      *slog.Logger
}

// NewQueue creates a command queue with the given buffer depth.
func NewQueue(log *slog.Logger, depth int) *Queue {
	if depth <= 0 {
		depth = 64
	}
	return &Queue{
		commands: make(chan func(), depth),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		log:      log.With("component", "action-queue"),
	}
}

// Start launches the worker goroutine.
func (q *Queue) Start() {
	go q.run()
}

func (q *Queue) run() {
	defer close(q.done)
	for {
		select {
		case cmd := <-q.commands:
			cmd()
		case <-q.stop:
			// Drain what was accepted before the stop signal.
			for {
				select {
				case cmd := <-q.commands:
					cmd()
				default:
					return
				}
			}
		}
	}
}

// Enqueue submits a command. Returns false when the queue is full; the
// command is dropped rather than blocking the caller.
func (q *Queue) Enqueue(cmd func()) bool {
	select {
	case q.commands <- cmd:
		return true
	default:
		q.log.Warn("command queue full, dropping command")
		return false
	}
}

// Stop signals the worker, drains accepted commands and waits for the
// worker to exit. Idempotent.
func (q *Queue) Stop() {
	q.stopOnce.Do(func() { close(q.stop) })
	<-q.done
}
