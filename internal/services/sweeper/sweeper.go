// Package sweeper runs the periodic expiry pass over pending operations.
// Expiry stays correct without it through the lazy checks in sign/execute;
// the sweeper keeps listings tidy and emits the expired events promptly.
package sweeper

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/StellarGuilds/multisig_layer/internal/metrics"
	"github.com/StellarGuilds/multisig_layer/internal/services/lifecycle"
	"github.com/StellarGuilds/multisig_layer/internal/system"
	"github.com/StellarGuilds/multisig_layer/pkg/logger"
)

var _ system.Service = (*Sweeper)(nil)

// Sweeper periodically expires overdue pending operations across all
// accounts.
type Sweeper struct {
	engine   *lifecycle.Engine
	log      *logger.Logger
	interval time.Duration
	cronSpec string

	mu      sync.Mutex
	cancel  context.CancelFunc
	cr      *cron.Cron
	wg      sync.WaitGroup
	running bool
}

// New constructs a lifecycle-managed sweeper. A non-empty cronSpec (standard
// five-field cron syntax) takes precedence over the fixed interval; interval
// <= 0 defaults to one minute.
func New(engine *lifecycle.Engine, interval time.Duration, cronSpec string, log *logger.Logger) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	if log == nil {
		log = logger.NewDefault("sweeper")
	}
	return &Sweeper{engine: engine, log: log, interval: interval, cronSpec: cronSpec}
}

func (s *Sweeper) Name() string { return "expiry-sweeper" }

func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true

	if s.cronSpec != "" {
		cr := cron.New()
		if _, err := cr.AddFunc(s.cronSpec, func() { s.sweep(runCtx) }); err != nil {
			s.running = false
			s.cancel = nil
			s.mu.Unlock()
			cancel()
			return err
		}
		s.cr = cr
		s.mu.Unlock()

		cr.Start()
		s.log.WithField("schedule", s.cronSpec).Info("expiry sweeper started")
		return nil
	}
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				s.sweep(runCtx)
			}
		}
	}()

	s.log.WithField("interval", s.interval.String()).Info("expiry sweeper started")
	return nil
}

func (s *Sweeper) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	cancel := s.cancel
	cr := s.cr
	s.running = false
	s.cancel = nil
	s.cr = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if cr != nil {
		stopped := cr.Stop()
		select {
		case <-stopped.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.wg.Wait()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	s.log.Info("expiry sweeper stopped")
	return nil
}

func (s *Sweeper) sweep(ctx context.Context) {
	if s.engine == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	start := time.Now()
	expired, err := s.engine.SweepExpired(ctx, 0)
	metrics.RecordSweep(time.Since(start), err == nil)
	if err != nil {
		s.log.WithError(err).Warn("expiry sweep failed")
		return
	}
	if expired > 0 {
		s.log.WithField("expired", expired).Info("expiry sweep completed")
	}
}
