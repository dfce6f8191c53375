package store

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/lucidstream/viewsync/internal/metrics"
	"github.com/lucidstream/viewsync/internal/model"
)

// minRowBatch is the floor below which the flusher writes the exact
// remainder instead of another power-of-two chunk.
const minRowBatch = 16

// rowWriter is the storage surface the flusher writes through, split out so
// the queue can be tested without a database.
type rowWriter interface {
	// writeRowBatch durably writes one chunk of row records in a single
	// transaction.
	writeRowBatch(ctx context.Context, rows []*model.RowRecord) error
	// markRowsVersion advances the durable row frontier, never backwards.
	markRowsVersion(ctx context.Context, version model.CVRVersion) error
}

// pendingRows is one deferred flush: all row records of a single CVR
// version, plus an optional barrier waiter. A nil rows slice with a done
// channel is a pure barrier.
type pendingRows struct {
	version model.CVRVersion
	rows    []*model.RowRecord
	barrier bool
	done    chan error
}

// rowFlusher is the deferred row tier: a single background consumer that
// commits row batches strictly in the order their flushes were invoked and
// advances the rows-version frontier only after a version's rows are
// durable. One consumer means the frontier can never out-run the oldest
// still-pending batch.
type rowFlusher struct {
	writer   rowWriter
	maxBatch int
	queue    chan *pendingRows
	pending  atomic.Int64
	failed   atomic.Pointer[flushFailure]
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	logger   *zap.Logger
	metrics  *metrics.Metrics
}

type flushFailure struct {
	err error
}

func newRowFlusher(writer rowWriter, maxBatch, queueSize int, m *metrics.Metrics, logger *zap.Logger) *rowFlusher {
	if maxBatch <= 0 {
		maxBatch = 512
	}
	if queueSize <= 0 {
		queueSize = 64
	}
	f := &rowFlusher{
		writer:   writer,
		maxBatch: maxBatch,
		queue:    make(chan *pendingRows, queueSize),
		stopChan: make(chan struct{}),
		logger:   logger,
		metrics:  m,
	}
	f.wg.Add(1)
	go f.worker()
	return f
}

// PendingCount returns the number of deferred batches not yet durable.
func (f *rowFlusher) PendingCount() int {
	return int(f.pending.Load())
}

// Failed returns the sticky failure that poisoned the flusher, or nil. A
// failed batch also drains from the pending count, so callers gating on
// PendingCount must check Failed as well.
func (f *rowFlusher) Failed() error {
	if fail := f.failed.Load(); fail != nil {
		return fail.err
	}
	return nil
}

// Enqueue defers the row records of one flushed version. The returned
// channel receives the batch outcome and is closed afterwards.
func (f *rowFlusher) Enqueue(ctx context.Context, version model.CVRVersion, rows []*model.RowRecord) (<-chan error, error) {
	if fail := f.failed.Load(); fail != nil {
		return nil, fmt.Errorf("row flusher failed permanently: %w", fail.err)
	}
	p := &pendingRows{version: version, rows: rows, done: make(chan error, 1)}
	select {
	case <-f.stopChan:
		return nil, fmt.Errorf("row flusher is stopped")
	case <-ctx.Done():
		return nil, ctx.Err()
	case f.queue <- p:
		f.pending.Add(1)
		f.metrics.SetRowBatchesPending(f.PendingCount())
		return p.done, nil
	}
}

// Barrier blocks until every batch enqueued before the call is durably
// written, or the context is canceled.
func (f *rowFlusher) Barrier(ctx context.Context) error {
	if fail := f.failed.Load(); fail != nil {
		return fmt.Errorf("row flusher failed permanently: %w", fail.err)
	}
	p := &pendingRows{barrier: true, done: make(chan error, 1)}
	select {
	case <-f.stopChan:
		return fmt.Errorf("row flusher is stopped")
	case <-ctx.Done():
		return ctx.Err()
	case f.queue <- p:
	}
	select {
	case err := <-p.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *rowFlusher) worker() {
	defer f.wg.Done()

	for {
		select {
		case <-f.stopChan:
			return
		case p := <-f.queue:
			f.process(p)
		}
	}
}

func (f *rowFlusher) process(p *pendingRows) {
	if p.barrier {
		if fail := f.failed.Load(); fail != nil {
			p.done <- fail.err
		}
		close(p.done)
		return
	}

	defer func() {
		f.pending.Add(-1)
		f.metrics.SetRowBatchesPending(f.PendingCount())
	}()

	if fail := f.failed.Load(); fail != nil {
		p.done <- fail.err
		close(p.done)
		return
	}

	start := time.Now()
	err := f.flushBatch(p)
	if err != nil {
		// The frontier must not advance past this version, so every later
		// batch is refused as well. The owner has to reconnect and reload.
		f.failed.Store(&flushFailure{err: err})
		f.logger.Error("Deferred row batch failed",
			zap.String("version", p.version.String()),
			zap.Int("rows", len(p.rows)),
			zap.Error(err))
		p.done <- err
		close(p.done)
		return
	}

	f.metrics.RecordRowsFlushed(len(p.rows))
	f.logger.Debug("Deferred row batch committed",
		zap.String("version", p.version.String()),
		zap.Int("rows", len(p.rows)),
		zap.Duration("duration", time.Since(start)))
	close(p.done)
}

func (f *rowFlusher) flushBatch(p *pendingRows) error {
	ctx := context.Background()
	rows := p.rows
	for _, size := range batchSchedule(len(rows), f.maxBatch) {
		if err := f.writer.writeRowBatch(ctx, rows[:size]); err != nil {
			return fmt.Errorf("failed to write row batch of %d: %w", size, err)
		}
		rows = rows[size:]
	}
	if err := f.writer.markRowsVersion(ctx, p.version); err != nil {
		return fmt.Errorf("failed to advance rows version to %s: %w", p.version.String(), err)
	}
	return nil
}

// Stop stops the flusher without draining the queue. Callers needing
// durability use Barrier first.
func (f *rowFlusher) Stop(timeout time.Duration) error {
	var err error
	f.stopOnce.Do(func() {
		close(f.stopChan)

		done := make(chan struct{})
		go func() {
			f.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(timeout):
			err = fmt.Errorf("row flusher stop timeout after %v", timeout)
		}
	})
	return err
}

// batchSchedule splits n rows into transaction-sized chunks: the configured
// maximum while it fits, then descending powers of two, then the exact
// remainder once chunks would drop below minRowBatch. Amortizes transaction
// overhead while bounding single-transaction size; the schedule is a
// tunable, not an invariant.
func batchSchedule(n, max int) []int {
	if n <= 0 {
		return nil
	}
	var sizes []int
	size := max
	for n > 0 {
		for size > n {
			size /= 2
		}
		if size < minRowBatch {
			sizes = append(sizes, n)
			break
		}
		sizes = append(sizes, size)
		n -= size
	}
	return sizes
}
