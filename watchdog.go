package call

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/siproxylin/drunk-call-service/shared"
	"go.uber.org/zap"
)

// Watchdog expires when Beat has not been called for the configured
// timeout. The caller is assumed to restart the process.
type Watchdog struct {
	logger    shared.LoggerAdapter
	clock     clock.Clock
	interval  time.Duration
	warnAfter time.Duration
	timeout   time.Duration

	mu     sync.RWMutex
	last   time.Time
	warned bool

	once     sync.Once
	onExpire func(silence time.Duration)
}

func NewWatchdog(logger shared.LoggerAdapter, clk clock.Clock, interval, warnAfter, timeout time.Duration, onExpire func(silence time.Duration)) *Watchdog {
	if clk == nil {
		clk = clock.New()
	}
	return &Watchdog{
		logger:    logger.With(zap.String("component", "watchdog")),
		clock:     clk,
		interval:  interval,
		warnAfter: warnAfter,
		timeout:   timeout,
		last:      clk.Now(),
		onExpire:  onExpire,
	}
}

func (w *Watchdog) Beat() time.Time {
	now := w.clock.Now()
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.warned {
		w.logger.Info("heartbeat resumed", zap.Duration("silence", now.Sub(w.last)))
	}
	w.last = now
	w.warned = false
	return now
}

func (w *Watchdog) Last() time.Time {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.last
}

// Run checks the heartbeat every interval until ctx is done or the watchdog
// expires.
func (w *Watchdog) Run(ctx context.Context) {
	ticker := w.clock.Ticker(w.interval)
	defer ticker.Stop()
	w.logger.Info(
		"liveness watchdog started",
		zap.Duration("interval", w.interval),
		zap.Duration("timeout", w.timeout),
	)
	for {
		select {
		case <-ctx.Done():
			w.logger.Debug("liveness watchdog stopped")
			return
		case <-ticker.C:
			if w.check() {
				return
			}
		}
	}
}

// check reports true once the watchdog has expired.
func (w *Watchdog) check() bool {
	w.mu.Lock()
	silence := w.clock.Since(w.last)
	warn := silence >= w.warnAfter && !w.warned
	if warn {
		w.warned = true
	}
	w.mu.Unlock()

	if silence >= w.timeout {
		w.expire(silence)
		return true
	}
	if warn {
		w.logger.Warn(
			"no heartbeat received",
			zap.Duration("silence", silence),
			zap.Duration("timeout", w.timeout),
		)
	}
	return false
}

func (w *Watchdog) expire(silence time.Duration) {
	w.once.Do(func() {
		w.logger.Error("heartbeat timeout, caller presumed dead", nil, zap.Duration("silence", silence))
		if w.onExpire != nil {
			w.onExpire(silence)
		}
	})
}
