package audit

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"hpboard-controller/internal/models"
)

// flushFunc writes one batch to the backend. Called only from the batcher
// goroutine, so backends never see concurrent batches. The slice is reused
// after the call returns and must not be retained.
type flushFunc func(batch []models.AuditRecord)

// batcher owns the queue/flush cycle shared by the audit backends. One
// goroutine appends and flushes; Close drains what was accepted, flushes a
// final time and joins that goroutine, so callers can release the backend
// connection afterwards without racing a late flush.
type batcher struct {
	flush     flushFunc
	batchSize int
	batch     []models.AuditRecord
	batchChan chan models.AuditRecord
	ticker    *time.Ticker
	started   atomic.Bool
	stop      chan struct{}
	stopOnce  sync.Once
	done      chan struct{}
	log       *slog.Logger
}

func newBatcher(log *slog.Logger, batchSize int, flush flushFunc) *batcher {
	return &batcher{
		flush:     flush,
		batchSize: batchSize,
		batch:     make([]models.AuditRecord, 0, batchSize),
		batchChan: make(chan models.AuditRecord, batchSize*2),
		ticker:    time.NewTicker(1 * time.Second),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
		log:       log,
	}
}

// Start launches the write loop.
func (b *batcher) Start() {
	if b.started.CompareAndSwap(false, true) {
		go b.run()
	}
}

func (b *batcher) run() {
	defer close(b.done)
	for {
		select {
		case <-b.stop:
			// Drain records accepted before the stop signal, flush once
			// and exit.
			for {
				select {
				case rec := <-b.batchChan:
					b.batch = append(b.batch, rec)
				default:
					if len(b.batch) > 0 {
						b.flush(b.batch)
					}
					return
				}
			}

		case rec := <-b.batchChan:
			b.batch = append(b.batch, rec)
			if len(b.batch) >= b.batchSize {
				b.flushNow()
			}

		case <-b.ticker.C:
			if len(b.batch) > 0 {
				b.flushNow()
			}
		}
	}
}

func (b *batcher) flushNow() {
	b.flush(b.batch)
	b.batch = b.batch[:0]
}

// Write queues one record. Never blocks; returns false when the queue is
// full and the record was dropped.
func (b *batcher) Write(rec models.AuditRecord) bool {
	select {
	case b.batchChan <- rec:
		return true
	default:
		b.log.Warn("audit queue full, dropping record")
		return false
	}
}

// Close stops the loop after a final drain and flush, and waits for it to
// exit. Idempotent; safe to call on a batcher that was never started.
func (b *batcher) Close() {
	b.stopOnce.Do(func() { close(b.stop) })
	if b.started.Load() {
		<-b.done
	}
	b.ticker.Stop()
}
