package storage

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/good-yellow-bee/blazecatch/internal/dispatch"
	"github.com/good-yellow-bee/blazecatch/internal/metrics"
	"github.com/good-yellow-bee/blazecatch/internal/models"
)

// EventBuffer buffers archive records for batch insertion.
// It flushes on either batch size threshold or time interval,
// whichever comes first. It implements backpressure by dropping
// oldest records when the buffer reaches max capacity.
//
// EventBuffer is a dispatch subscriber: created and updated notices are
// turned into records without blocking the publisher.
type EventBuffer struct {
	repo          ArchiveRepository
	batchSize     int
	flushInterval time.Duration
	maxSize       int
	logger        *zap.Logger

	mu       sync.Mutex
	buffer   []*ArchiveRecord
	flushing sync.Mutex
	flushReq chan struct{}
	stopCh   chan struct{}
	doneCh   chan struct{}
	stopped  atomic.Bool
	dropped  atomic.Int64
	flushed  atomic.Int64
	inserted atomic.Int64
}

// EventBufferConfig holds EventBuffer configuration.
type EventBufferConfig struct {
	// BatchSize is the number of records to trigger a flush.
	BatchSize int

	// FlushInterval is the time interval to trigger a flush.
	FlushInterval time.Duration

	// MaxSize is the maximum buffer size. When reached, oldest records are dropped.
	MaxSize int

	Logger *zap.Logger
}

// NewEventBuffer creates a new event buffer and starts its flush loop.
func NewEventBuffer(repo ArchiveRepository, config *EventBufferConfig) *EventBuffer {
	if config == nil {
		config = &EventBufferConfig{}
	}
	if config.BatchSize == 0 {
		config.BatchSize = 500
	}
	if config.FlushInterval == 0 {
		config.FlushInterval = 5 * time.Second
	}
	if config.MaxSize == 0 {
		config.MaxSize = 50000
	}
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	b := &EventBuffer{
		repo:          repo,
		batchSize:     config.BatchSize,
		flushInterval: config.FlushInterval,
		maxSize:       config.MaxSize,
		logger:        logger.With(zap.String("component", "archive-buffer")),
		buffer:        make([]*ArchiveRecord, 0, config.BatchSize),
		flushReq:      make(chan struct{}, 1),
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}

	go b.flushLoop()
	return b
}

// Notify implements dispatch.Subscriber.
func (b *EventBuffer) Notify(n dispatch.Notice) {
	switch v := n.(type) {
	case *dispatch.EventCreated:
		b.Add(RecordFromEvent(v.Event, true))
	case *dispatch.EventUpdated:
		b.Add(RecordFromEvent(v.Event, false))
	}
}

// RecordFromEvent converts an event snapshot to an archive record.
func RecordFromEvent(e *models.ErrorEvent, created bool) *ArchiveRecord {
	return &ArchiveRecord{
		EventID:         e.ID,
		SessionID:       e.SessionID,
		TabID:           e.TabID,
		Kind:            string(e.Kind),
		Message:         e.Message,
		Fingerprint:     e.Fingerprint,
		Source:          e.SourceURL(),
		Stack:           e.StackText(),
		OccurrenceCount: e.OccurrenceCount,
		FirstSeen:       e.FirstSeen,
		LastSeen:        e.LastSeen,
		Created:         created,
		Highlights:      append([]string(nil), e.Highlights...),
	}
}

// Add queues a record. A full batch wakes the flush loop; Add itself never
// performs I/O.
func (b *EventBuffer) Add(record *ArchiveRecord) {
	if b.stopped.Load() {
		return
	}

	b.mu.Lock()
	if len(b.buffer) >= b.maxSize {
		toDrop := len(b.buffer) - b.maxSize + 1
		b.dropped.Add(int64(toDrop))
		metrics.ArchiveDroppedTotal.Add(float64(toDrop))
		b.buffer = b.buffer[toDrop:]
		b.logger.Warn("archive buffer overflow, dropped oldest records", zap.Int("dropped", toDrop))
	}
	b.buffer = append(b.buffer, record)
	pending := len(b.buffer)
	b.mu.Unlock()

	metrics.ArchivePending.Set(float64(pending))

	if pending >= b.batchSize {
		select {
		case b.flushReq <- struct{}{}:
		default:
		}
	}
}

// Flush forces a flush of the current buffer.
func (b *EventBuffer) Flush() error {
	b.flushing.Lock()
	defer b.flushing.Unlock()

	b.mu.Lock()
	if len(b.buffer) == 0 {
		b.mu.Unlock()
		return nil
	}
	toFlush := b.buffer
	b.buffer = make([]*ArchiveRecord, 0, b.batchSize)
	b.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := b.repo.InsertBatch(ctx, toFlush); err != nil {
		metrics.StorageErrors.WithLabelValues("insert_batch", "clickhouse").Inc()

		// Put records back at the front so they're flushed next
		b.mu.Lock()
		b.buffer = append(toFlush, b.buffer...)
		if len(b.buffer) > b.maxSize {
			excess := len(b.buffer) - b.maxSize
			b.dropped.Add(int64(excess))
			metrics.ArchiveDroppedTotal.Add(float64(excess))
			b.buffer = b.buffer[excess:]
		}
		pending := len(b.buffer)
		b.mu.Unlock()
		metrics.ArchivePending.Set(float64(pending))
		return err
	}

	b.flushed.Add(1)
	b.inserted.Add(int64(len(toFlush)))
	metrics.ArchiveInsertedTotal.Add(float64(len(toFlush)))

	b.mu.Lock()
	pending := len(b.buffer)
	b.mu.Unlock()
	metrics.ArchivePending.Set(float64(pending))
	return nil
}

// flushLoop periodically flushes the buffer.
func (b *EventBuffer) flushLoop() {
	defer close(b.doneCh)
	ticker := time.NewTicker(b.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := b.Flush(); err != nil {
				b.logger.Error("archive flush failed", zap.Error(err))
			}
		case <-b.flushReq:
			if err := b.Flush(); err != nil {
				b.logger.Error("archive flush failed", zap.Error(err))
			}
		case <-b.stopCh:
			if err := b.Flush(); err != nil {
				b.logger.Error("archive final flush failed", zap.Error(err))
			}
			return
		}
	}
}

// Close stops the buffer and flushes remaining records.
func (b *EventBuffer) Close() error {
	if b.stopped.Swap(true) {
		return nil
	}
	close(b.stopCh)
	<-b.doneCh
	return nil
}

// Stats returns buffer statistics.
func (b *EventBuffer) Stats() EventBufferStats {
	b.mu.Lock()
	pending := len(b.buffer)
	b.mu.Unlock()

	return EventBufferStats{
		Pending:  pending,
		Dropped:  b.dropped.Load(),
		Flushed:  b.flushed.Load(),
		Inserted: b.inserted.Load(),
	}
}

// EventBufferStats contains buffer statistics.
type EventBufferStats struct {
	// Pending is the number of records waiting to be flushed.
	Pending int

	// Dropped is the total number of records dropped due to backpressure.
	Dropped int64

	// Flushed is the total number of flush operations.
	Flushed int64

	// Inserted is the total number of records successfully inserted.
	Inserted int64
}
