package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/good-yellow-bee/blazecatch/internal/metrics"
	"github.com/good-yellow-bee/blazecatch/internal/models"
	"github.com/good-yellow-bee/blazecatch/internal/settings"
)

// PinStore persists pinned events keyed by hostname and fingerprint.
type PinStore interface {
	Save(ctx context.Context, hostname string, event *models.ErrorEvent) error
	Delete(ctx context.Context, hostname, fingerprint string) error
	ListByScope(ctx context.Context, hostname string) ([]*models.ErrorEvent, error)
}

// SettingsStore persists the settings document.
type SettingsStore interface {
	Save(ctx context.Context, s *settings.Settings) error
}

// PersisterConfig holds persistence worker settings.
type PersisterConfig struct {
	QueueSize    int           // Pending writes before new ones are refused (default: 256)
	Retries      int           // Retries after the first attempt (default: 3, negative for none)
	InitialDelay time.Duration // First retry delay, doubled per retry (default: 100ms)
	Timeout      time.Duration // Per-attempt timeout (default: 5s)
}

func (c *PersisterConfig) setDefaults() {
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.Retries < 0 {
		c.Retries = 0
	} else if c.Retries == 0 {
		c.Retries = 3
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = 100 * time.Millisecond
	}
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
}

// job is one queued write.
type job struct {
	op        string
	sessionID string
	run       func(ctx context.Context) error
}

// failureFunc is called when a write is given up on.
type failureFunc func(op, sessionID string, err error)

// Persister performs storage writes off the pipeline. Writes are retried
// with exponential backoff; a write that still fails is reported through
// onFailure.
type Persister struct {
	cfg       PersisterConfig
	queue     chan job
	onFailure failureFunc
	logger    *zap.Logger

	mu      sync.RWMutex
	stopped bool
}

func newPersister(cfg PersisterConfig, onFailure failureFunc, logger *zap.Logger) *Persister {
	cfg.setDefaults()
	return &Persister{
		cfg:       cfg,
		queue:     make(chan job, cfg.QueueSize),
		onFailure: onFailure,
		logger:    logger.With(zap.String("component", "persister")),
	}
}

// enqueue queues a write without blocking. A full queue fails the write
// immediately.
func (p *Persister) enqueue(j job) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.stopped {
		p.fail(j, fmt.Errorf("persister stopped"))
		return
	}
	select {
	case p.queue <- j:
	default:
		p.fail(j, fmt.Errorf("persistence queue full"))
	}
}

// Backlog returns the number of queued writes and the queue capacity.
func (p *Persister) Backlog() (pending, capacity int) {
	return len(p.queue), cap(p.queue)
}

// Run processes writes until ctx is done, then drains what is queued.
func (p *Persister) Run(ctx context.Context) {
	for {
		select {
		case j := <-p.queue:
			p.process(ctx, j)
		case <-ctx.Done():
			p.mu.Lock()
			p.stopped = true
			p.mu.Unlock()
			p.drain()
			return
		}
	}
}

func (p *Persister) drain() {
	for {
		select {
		case j := <-p.queue:
			// Best effort, no retries during shutdown.
			ctx, cancel := context.WithTimeout(context.Background(), p.cfg.Timeout)
			err := j.run(ctx)
			cancel()
			if err != nil {
				p.fail(j, err)
			}
		default:
			return
		}
	}
}

func (p *Persister) process(ctx context.Context, j job) {
	b := newBackoff(p.cfg.InitialDelay)

	var err error
	for attempt := 0; attempt <= p.cfg.Retries; attempt++ {
		if attempt > 0 {
			delay := b.next()
			p.logger.Debug("retrying write",
				zap.String("op", j.op),
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay),
			)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				p.fail(j, ctx.Err())
				return
			}
		}

		attemptCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
		err = j.run(attemptCtx)
		cancel()
		if err == nil {
			return
		}
	}
	p.fail(j, err)
}

func (p *Persister) fail(j job, err error) {
	metrics.StorageErrors.WithLabelValues(j.op, "sqlite").Inc()
	p.logger.Warn("write failed",
		zap.String("op", j.op),
		zap.String("session_id", j.sessionID),
		zap.Error(err),
	)
	if p.onFailure != nil {
		p.onFailure(j.op, j.sessionID, err)
	}
}
