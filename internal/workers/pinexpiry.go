package workers

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"huddle/api/internal/app"
)

// Sweeper reverts broadcast pins whose expiry has passed.
type Sweeper interface {
	SweepExpiredPins(ctx context.Context) (app.SweepResult, error)
}

// PinExpiry is a background worker that runs the pin sweep on a fixed
// interval until stopped.
type PinExpiry struct {
	sweeper  Sweeper
	log      *zap.Logger
	interval time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewPinExpiry creates a pin expiry worker.
//
// Parameters:
//   - sweeper: the service that performs one sweep
//   - logger: zap logger for logging
//   - interval: how often to sweep (hourly in production)
func NewPinExpiry(sweeper Sweeper, logger *zap.Logger, interval time.Duration) *PinExpiry {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = time.Hour
	}
	return &PinExpiry{
		sweeper:  sweeper,
		log:      logger,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the background sweep loop.
func (w *PinExpiry) Start() {
	w.wg.Add(1)
	go w.run()
	w.log.Info("pin expiry worker started", zap.Duration("interval", w.interval))
}

// Stop signals the worker to stop and waits for an in-flight sweep to finish.
func (w *PinExpiry) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()
	w.log.Info("pin expiry worker stopped")
}

func (w *PinExpiry) run() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			_, _ = w.RunOnce(context.Background())
		}
	}
}

// RunOnce performs a single sweep. The service logs per-message failures;
// only a failure to list candidates is reported here.
func (w *PinExpiry) RunOnce(ctx context.Context) (app.SweepResult, error) {
	result, err := w.sweeper.SweepExpiredPins(ctx)
	if err != nil {
		w.log.Error("pin expiry sweep failed", zap.Error(err))
		return result, err
	}
	return result, nil
}
