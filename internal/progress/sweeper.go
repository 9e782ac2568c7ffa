package progress

import (
	"log/slog"
	"sync"
	"time"
)

// Sweeper periodically evicts expired entries from a Store.
type Sweeper struct {
	store    *Store
	interval time.Duration
	logger   *slog.Logger

	stopCh    chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

// NewSweeper creates a sweeper. A non-positive interval defaults to the
// store's retention divided by 24.
func NewSweeper(store *Store, interval time.Duration, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = store.Retention() / 24
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		store:    store,
		interval: interval,
		logger:   logger.With("component", "progress-sweeper"),
		stopCh:   make(chan struct{}),
	}
}

// Interval returns the effective sweep period.
func (w *Sweeper) Interval() time.Duration {
	return w.interval
}

// Start launches the background loop. Calling it more than once is a no-op.
func (w *Sweeper) Start() {
	w.startOnce.Do(func() {
		w.wg.Add(1)
		go w.run()
	})
}

// Stop ends the loop and waits for it to exit.
func (w *Sweeper) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
	})
	w.wg.Wait()
}

func (w *Sweeper) run() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.logger.Info("sweeper started", "interval", w.interval)
	for {
		select {
		case <-ticker.C:
			w.sweep()
		case <-w.stopCh:
			w.logger.Info("sweeper stopped")
			return
		}
	}
}

func (w *Sweeper) sweep() {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("sweep panicked", "panic", r)
		}
	}()

	if removed := w.store.Cleanup(); removed > 0 {
		w.logger.Info("evicted expired progress entries", "removed", removed)
	}
}
