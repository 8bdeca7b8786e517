package connpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/s0up4200/redminer/telemetry"
)

// Evictable is a pool the Evictor can reclaim connections from.
type Evictable interface {
	CloseExpired(now time.Time) (int, error)
	CloseIdle(idle time.Duration, now time.Time) (int, error)
	Stats() Stats
}

// Evictor periodically closes expired and idle connections. It never
// closes a leased connection and keeps running through failed ticks until
// Shutdown.
type Evictor struct {
	pool        Evictable
	interval    time.Duration
	idleTimeout time.Duration
	logger      zerolog.Logger
	metrics     *telemetry.Metrics
	now         func() time.Time

	startOnce sync.Once
	stopOnce  sync.Once
	shutdown  chan struct{}
	done      chan struct{}
}

// NewEvictor creates an evictor for pool. An interval of zero or less
// creates an evictor that never ticks.
func NewEvictor(pool Evictable, interval, idleTimeout time.Duration, logger zerolog.Logger, metrics *telemetry.Metrics) *Evictor {
	return &Evictor{
		pool:        pool,
		interval:    interval,
		idleTimeout: idleTimeout,
		logger:      logger,
		metrics:     metrics,
		now:         time.Now,
		shutdown:    make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// Start launches the eviction loop. Calls after the first, or after
// Shutdown, do nothing.
func (e *Evictor) Start() {
	e.startOnce.Do(func() {
		if e.interval <= 0 {
			e.logger.Debug().Msg("connection eviction disabled")
			close(e.done)
			return
		}
		go e.run()
	})
}

// Shutdown stops the loop and waits for it to exit or for ctx to end.
// It is safe to call more than once and from several goroutines.
func (e *Evictor) Shutdown(ctx context.Context) error {
	e.stopOnce.Do(func() {
		close(e.shutdown)
	})
	// never started: nothing to wait for
	e.startOnce.Do(func() {
		close(e.done)
	})

	select {
	case <-e.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed once the loop has exited.
func (e *Evictor) Done() <-chan struct{} {
	return e.done
}

func (e *Evictor) run() {
	defer close(e.done)

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	e.logger.Debug().
		Dur("interval", e.interval).
		Dur("idle_timeout", e.idleTimeout).
		Msg("connection evictor started")

	for {
		select {
		case <-ticker.C:
			if err := e.tick(); err != nil {
				e.metrics.EvictionFailed()
				e.logger.Error().Err(err).Msg("connection eviction failed, retrying next tick")
			}
		case <-e.shutdown:
			e.logger.Debug().Msg("connection evictor stopped")
			return
		}
	}
}

// tick runs one eviction pass. A panic in the pool is returned as an error.
func (e *Evictor) tick() (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("eviction panic: %v", r)
		}
	}()

	now := e.now()

	expired, expiredErr := e.pool.CloseExpired(now)
	idle, idleErr := e.pool.CloseIdle(e.idleTimeout, now)

	e.metrics.Evicted("expired", expired)
	e.metrics.Evicted("idle", idle)

	stats := e.pool.Stats()
	e.metrics.SetPoolConnections(stats.Idle, stats.InUse)

	if expired+idle > 0 {
		e.logger.Debug().
			Int("expired", expired).
			Int("idle", idle).
			Int("open", stats.Open).
			Msg("evicted connections")
	}

	return errors.Join(expiredErr, idleErr)
}
