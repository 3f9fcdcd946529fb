// Package gc implements the GC/Failover sweep (component C7): a
// periodic job that reclaims workflows owned by dead workers and wakes
// workflows whose sleep deadline has passed. Grounded on the teacher's
// direct dependency on github.com/robfig/cron/v3, applied here to the
// engine's own maintenance sweep instead of a scheduled connector poll.
package gc

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/coilrun/gasoline"
	"github.com/coilrun/gasoline/pkg/clock"
	"github.com/coilrun/gasoline/pkg/store"
	"github.com/coilrun/gasoline/pkg/wfmodel"
)

// Config tunes the sweep's cadence and dead-worker threshold.
type Config struct {
	Interval      time.Duration
	LostThreshold time.Duration
}

// DefaultConfig mirrors spec §5: sweep every 15s, 30s lost-worker threshold.
func DefaultConfig() Config {
	return Config{Interval: 15 * time.Second, LostThreshold: wfmodel.LostThresholdMs * time.Millisecond}
}

// Sweeper runs FailoverDeadWorkers and WakePastDeadlines on Config's cadence.
type Sweeper struct {
	st  store.DurableStore
	clk clock.Clock
	log gasoline.Logger
	cfg Config

	cron *cron.Cron
}

// New builds a Sweeper. log may be nil (NopLogger).
func New(st store.DurableStore, clk clock.Clock, log gasoline.Logger, cfg Config) *Sweeper {
	if log == nil {
		log = gasoline.NopLogger{}
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Second
	}
	if cfg.LostThreshold <= 0 {
		cfg.LostThreshold = wfmodel.LostThresholdMs * time.Millisecond
	}
	return &Sweeper{st: st, clk: clk, log: log, cfg: cfg}
}

// Start schedules the sweep and blocks until ctx is canceled, then stops
// the underlying cron scheduler and waits for any in-flight sweep to finish.
func (s *Sweeper) Start(ctx context.Context) error {
	c := cron.New(cron.WithSeconds())
	s.cron = c
	spec := "@every " + s.cfg.Interval.String()
	if _, err := c.AddFunc(spec, func() { s.Sweep(ctx) }); err != nil {
		return err
	}
	c.Start()
	<-ctx.Done()
	stopCtx := c.Stop()
	<-stopCtx.Done()
	return ctx.Err()
}

// Sweep runs one failover + deadline-wake pass. Exported for tests and
// for callers that want their own scheduling loop instead of Start's
// cron.Cron.
func (s *Sweeper) Sweep(ctx context.Context) {
	now := s.clk.NowMs()
	thresholdMs := s.cfg.LostThreshold.Milliseconds()

	n, err := s.st.FailoverDeadWorkers(ctx, now, thresholdMs)
	if err != nil {
		s.log.Error("failover sweep failed", "error", err)
	} else if n > 0 {
		s.log.Info("failed over workflows from dead workers", "count", n)
	}

	n, err = s.st.WakePastDeadlines(ctx, now)
	if err != nil {
		s.log.Error("wake-past-deadlines sweep failed", "error", err)
	} else if n > 0 {
		s.log.Info("woke workflows past their sleep deadline", "count", n)
	}
}
