package history

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const (
	defaultQueueSize  = 256
	defaultWriters    = 2
	asyncWriteTimeout = 5 * time.Second
)

// AsyncRecorder decouples history writes from request handling: Record
// enqueues and returns immediately, writer goroutines drain the queue. When
// the queue is full the entry is dropped rather than blocking a request.
type AsyncRecorder struct {
	inner     Recorder
	queue     chan *Entry
	wg        sync.WaitGroup
	logger    *slog.Logger
	onFailure func()
	closeOnce sync.Once
}

type AsyncConfig struct {
	Writers   int
	QueueSize int
	Logger    *slog.Logger
	// OnFailure is invoked once per failed or dropped write.
	OnFailure func()
}

func NewAsync(inner Recorder, cfg AsyncConfig) *AsyncRecorder {
	if cfg.Writers <= 0 {
		cfg.Writers = defaultWriters
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.OnFailure == nil {
		cfg.OnFailure = func() {}
	}

	a := &AsyncRecorder{
		inner:     inner,
		queue:     make(chan *Entry, cfg.QueueSize),
		logger:    cfg.Logger,
		onFailure: cfg.OnFailure,
	}

	for i := 0; i < cfg.Writers; i++ {
		a.wg.Add(1)
		go a.writer(i)
	}
	cfg.Logger.Debug("History writers started", "writers", cfg.Writers, "queue_size", cfg.QueueSize)

	return a
}

// Record enqueues the entry. It never blocks: a full queue drops the entry.
func (a *AsyncRecorder) Record(_ context.Context, entry *Entry) error {
	select {
	case a.queue <- entry:
		return nil
	default:
		a.onFailure()
		a.logger.Warn("History queue full, dropping entry", "caller", entry.Caller)
		return nil
	}
}

func (a *AsyncRecorder) Healthy() bool {
	return a.inner.Healthy()
}

// Close stops accepting entries, drains the queue, then closes the inner
// recorder.
func (a *AsyncRecorder) Close() {
	a.closeOnce.Do(func() {
		close(a.queue)
		a.wg.Wait()
		a.inner.Close()
	})
}

func (a *AsyncRecorder) writer(id int) {
	defer a.wg.Done()

	for entry := range a.queue {
		a.write(id, entry)
	}
	a.logger.Debug("History writer exiting", "writer_id", id)
}

func (a *AsyncRecorder) write(id int, entry *Entry) {
	defer func() {
		if r := recover(); r != nil {
			a.onFailure()
			a.logger.Error("History write panicked",
				"writer_id", id,
				"panic", fmt.Sprintf("%v", r),
			)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), asyncWriteTimeout)
	defer cancel()

	if err := a.inner.Record(ctx, entry); err != nil {
		a.onFailure()
		a.logger.Error("History write failed", "writer_id", id, "error", err)
	}
}
