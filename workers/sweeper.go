package workers

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"scrape_runs/models"
)

// StalledRecoverer puts pages that have been running longer than lease back
// into the queue and reports how many there were.
type StalledRecoverer interface {
	RecoverStalled(ctx context.Context, lease time.Duration) (int, error)
}

// StalledPageSweeper periodically recovers pages whose worker died or hung.
type StalledPageSweeper struct {
	recoverer StalledRecoverer
	lease     time.Duration
	triggerCh chan struct{}
	logger    *logrus.Logger
	logFunc   LogFunc
}

func NewStalledPageSweeper(recoverer StalledRecoverer, lease time.Duration, logger *logrus.Logger) *StalledPageSweeper {
	if lease <= 0 {
		lease = 10 * time.Minute
	}
	return &StalledPageSweeper{
		recoverer: recoverer,
		lease:     lease,
		triggerCh: make(chan struct{}, 1),
		logger:    logger,
		logFunc:   NoOpLogger,
	}
}

func (w *StalledPageSweeper) SetLogger(fn LogFunc) {
	w.logFunc = fn
}

// Trigger causes the sweeper to run immediately
func (w *StalledPageSweeper) Trigger() {
	select {
	case w.triggerCh <- struct{}{}:
	default:
	}
}

// Run sweeps every interval until ctx is done.
func (w *StalledPageSweeper) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Stalled page sweeper stopping")
			return
		case <-ticker.C:
			w.Sweep(ctx)
		case <-w.triggerCh:
			w.logger.Info("Stalled page sweeper triggered manually")
			w.Sweep(ctx)
		}
	}
}

// Sweep runs one recovery pass.
func (w *StalledPageSweeper) Sweep(ctx context.Context) int {
	n, err := w.recoverer.RecoverStalled(ctx, w.lease)
	if err != nil {
		w.logger.WithError(err).Error("Stalled page sweep failed")
		return 0
	}
	if n > 0 {
		w.logFunc(ctx, nil, models.LogLevelWarn, "sweeper",
			fmt.Sprintf("%d stalled pages recovered after exceeding the %s lease", n, w.lease))
	}
	return n
}
