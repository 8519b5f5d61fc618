package pool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	log "github.com/sirupsen/logrus"
)

// defaultReloadTimeout bounds one scheduled reload.
const defaultReloadTimeout = 30 * time.Second

// ReloadScheduler periodically re-reads the pool lists so that several relay
// processes sharing one store converge on the same lists.
type ReloadScheduler struct {
	pool     *Pool
	schedule string
	cron     *cron.Cron
	mu       sync.Mutex
	running  atomic.Bool
}

// NewReloadScheduler returns nil when schedule is empty.
func NewReloadScheduler(p *Pool, schedule string) (*ReloadScheduler, error) {
	if p == nil || schedule == "" {
		return nil, nil
	}
	if _, errParse := cron.ParseStandard(schedule); errParse != nil {
		return nil, fmt.Errorf("pool: invalid reload schedule %q: %w", schedule, errParse)
	}
	return &ReloadScheduler{pool: p, schedule: schedule, cron: cron.New()}, nil
}

// Start registers the job and stops it when ctx is done.
func (s *ReloadScheduler) Start(ctx context.Context) error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running.Load() {
		return nil
	}
	if _, errAdd := s.cron.AddFunc(s.schedule, func() { s.reloadOnce(ctx) }); errAdd != nil {
		return fmt.Errorf("pool: schedule reload: %w", errAdd)
	}
	s.cron.Start()
	s.running.Store(true)
	log.Infof("pool reload scheduler started (schedule=%s)", s.schedule)

	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return nil
}

func (s *ReloadScheduler) reloadOnce(ctx context.Context) {
	reloadCtx, cancel := context.WithTimeout(ctx, defaultReloadTimeout)
	defer cancel()
	if errReload := s.pool.Reload(reloadCtx); errReload != nil {
		log.WithError(errReload).Warn("pool: scheduled reload failed")
		return
	}
	active, inactive := s.pool.Sizes()
	log.WithFields(log.Fields{
		"active":   active,
		"inactive": inactive,
		"next":     s.nextRun(),
	}).Debug("pool: scheduled reload done")
}

// Stop halts the scheduler and waits for a running reload to finish.
func (s *ReloadScheduler) Stop() {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running.Load() {
		return
	}
	<-s.cron.Stop().Done()
	s.running.Store(false)
	log.Info("pool reload scheduler stopped")
}

// nextRun returns the next scheduled reload, or the zero time when stopped.
// It does not take mu because Stop holds mu while a reload finishes.
func (s *ReloadScheduler) nextRun() time.Time {
	if !s.running.Load() {
		return time.Time{}
	}
	entries := s.cron.Entries()
	if len(entries) == 0 {
		return time.Time{}
	}
	return entries[0].Next
}
