// Package scheduler runs the gateway's periodic maintenance: key sweeps,
// quota resets, log retention and in-memory state pruning.
package scheduler

import (
	"context"
	"time"

	"keygate/internal/pool"
	"keygate/internal/ratelimit"
	"keygate/internal/rules"
	"keygate/internal/store"

	"github.com/robfig/cron/v3"
	log "github.com/sirupsen/logrus"
)

// Config tunes the maintenance jobs.
type Config struct {
	SweepInterval    string `yaml:"sweep_interval"`
	RetentionCron    string `yaml:"retention_cron"`
	LogRetentionDays int    `yaml:"log_retention_days"`
}

func (c Config) withDefaults() Config {
	if c.SweepInterval == "" {
		c.SweepInterval = "@every 1m"
	}
	if c.RetentionCron == "" {
		c.RetentionCron = "0 2 * * *"
	}
	if c.LogRetentionDays <= 0 {
		c.LogRetentionDays = 30
	}
	return c
}

// Scheduler owns the cron runner.
type Scheduler struct {
	cron *cron.Cron
	cfg  Config
}

// New registers every maintenance job. Jobs run with a fresh background
// context each tick so a hung tick cannot wedge the next one.
func New(cfg Config, st store.Store, p *pool.Manager, eng *rules.Engine, mem *ratelimit.MemoryBackend) (*Scheduler, error) {
	cfg = cfg.withDefaults()
	c := cron.New(cron.WithChain(cron.Recover(cronLogger{}), cron.SkipIfStillRunning(cronLogger{})))

	_, err := c.AddFunc(cfg.SweepInterval, func() {
		ctx, cancel := jobContext()
		defer cancel()
		now := time.Now()
		if n := p.Sweep(ctx, now); n > 0 {
			log.Infof("Sweep re-enabled %d key(s)", n)
		}
		if n := p.ResetQuotas(ctx, now); n > 0 {
			log.Infof("Reset quota on %d key(s)", n)
		}
	})
	if err != nil {
		return nil, err
	}

	_, err = c.AddFunc(cfg.RetentionCron, func() {
		ctx, cancel := jobContext()
		defer cancel()
		cutoff := time.Now().AddDate(0, 0, -cfg.LogRetentionDays)
		n, err := st.DeleteLogsBefore(ctx, cutoff)
		if err != nil {
			log.WithError(err).Warn("request log retention sweep failed")
			return
		}
		if n > 0 {
			log.Infof("Retention deleted %d request log(s) older than %s", n, cutoff.Format(time.RFC3339))
		}
	})
	if err != nil {
		return nil, err
	}

	_, err = c.AddFunc("@every 10m", func() {
		now := time.Now()
		if eng != nil {
			if n := eng.PruneTriggers(now, time.Hour); n > 0 {
				log.Debugf("Pruned %d idle rule trigger(s)", n)
			}
		}
		if mem != nil {
			if n := mem.Cleanup(25 * time.Hour); n > 0 {
				log.Debugf("Dropped %d idle rate limit window(s)", n)
			}
		}
	})
	if err != nil {
		return nil, err
	}

	return &Scheduler{cron: c, cfg: cfg}, nil
}

// Start launches the cron runner in its own goroutine.
func (s *Scheduler) Start() {
	s.cron.Start()
	log.Infof("Scheduler started (sweep %q, retention %q, keep %d days of logs)",
		s.cfg.SweepInterval, s.cfg.RetentionCron, s.cfg.LogRetentionDays)
}

// Stop halts scheduling and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

func jobContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 5*time.Minute)
}

// cronLogger adapts logrus to the cron runner's logger contract.
type cronLogger struct{}

func (cronLogger) Info(msg string, kv ...interface{}) {
	log.WithField("kv", kv).Debug(msg)
}

func (cronLogger) Error(err error, msg string, kv ...interface{}) {
	log.WithError(err).WithField("kv", kv).Error(msg)
}
