package cache

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/rickgao/account-aggregator/internal/model"
	"github.com/rickgao/account-aggregator/internal/router"
)

// WriterConfig holds Writer settings.
type WriterConfig struct {
	BatchSize     int           // Flush when this many events are pending
	FlushInterval time.Duration // Flush at least this often
}

// WriterMetrics counts writer activity.
type WriterMetrics struct {
	EventsReceived int64
	EventsWritten  int64
	WriteErrors    int64
	BatchesFlushed int64
	LastFlush      time.Time
}

// Writer records events to a Backend off the stream path.
type Writer struct {
	cfg     WriterConfig
	backend Backend
	logger  *slog.Logger

	input *router.GrowableBuffer[model.RawEvent]

	batch   []model.RawEvent
	batchMu sync.Mutex
	flushMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	metrics WriterMetrics
}

// NewWriter creates a Writer for backend.
func NewWriter(cfg WriterConfig, backend Backend, logger *slog.Logger) *Writer {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 1
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 100 * time.Millisecond
	}
	return &Writer{
		cfg:     cfg,
		backend: backend,
		logger:  logger.With("component", "cache_writer"),
		input:   router.NewGrowableBuffer[model.RawEvent](cfg.BatchSize),
		batch:   make([]model.RawEvent, 0, cfg.BatchSize),
	}
}

// Record queues an event. It never blocks; events recorded after Stop are
// dropped.
func (w *Writer) Record(ev model.RawEvent) {
	w.input.Send(ev)
}

// Start begins consuming recorded events.
func (w *Writer) Start(ctx context.Context) {
	w.ctx, w.cancel = context.WithCancel(ctx)

	w.wg.Add(2)
	go w.consumeLoop()
	go w.flushLoop()

	w.logger.Debug("cache writer started",
		"batch_size", w.cfg.BatchSize,
		"flush_interval", w.cfg.FlushInterval,
	)
}

// Stop drains queued events, writes them, and shuts the writer down.
func (w *Writer) Stop(ctx context.Context) {
	w.input.Close()
	if w.cancel != nil {
		w.cancel()
	}

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		w.logger.Warn("cache writer stop timed out")
	}

	// Final flush
	w.collect(w.input.DrainTo(0))
	w.flush(ctx)
}

// Stats returns current metrics.
func (w *Writer) Stats() WriterMetrics {
	w.batchMu.Lock()
	defer w.batchMu.Unlock()
	return w.metrics
}

func (w *Writer) consumeLoop() {
	defer w.wg.Done()

	for {
		events, ok := w.input.WaitDrain(w.cfg.BatchSize)
		if !ok {
			return
		}
		if w.collect(events) {
			w.flush(w.ctx)
		}
	}
}

func (w *Writer) flushLoop() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			w.flush(w.ctx)
		}
	}
}

// collect adds events to the batch and reports whether it is full.
func (w *Writer) collect(events []model.RawEvent) bool {
	w.batchMu.Lock()
	defer w.batchMu.Unlock()

	w.batch = append(w.batch, events...)
	w.metrics.EventsReceived += int64(len(events))
	return len(w.batch) >= w.cfg.BatchSize
}

func (w *Writer) flush(ctx context.Context) {
	w.flushMu.Lock()
	defer w.flushMu.Unlock()

	w.batchMu.Lock()
	if len(w.batch) == 0 {
		w.batchMu.Unlock()
		return
	}
	batch := w.batch
	w.batch = make([]model.RawEvent, 0, w.cfg.BatchSize)
	w.batchMu.Unlock()

	if ctx.Err() != nil {
		ctx = context.Background()
	}
	err := w.backend.Append(ctx, batch)

	w.batchMu.Lock()
	defer w.batchMu.Unlock()
	if err != nil {
		w.metrics.WriteErrors++
		w.logger.Warn("cache write failed", "events", len(batch), "error", err)
		return
	}
	w.metrics.EventsWritten += int64(len(batch))
	w.metrics.BatchesFlushed++
	w.metrics.LastFlush = time.Now()
}
