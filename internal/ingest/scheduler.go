// Package ingest runs scheduled backfill refreshes of the local cache.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/kalambet/hubcache/internal/refresh"
)

// Refresher runs one refresh request.
type Refresher interface {
	Refresh(ctx context.Context, req refresh.Request) refresh.Result
}

// Pruner removes old index snapshots, keeping the newest keep.
type Pruner interface {
	Prune(keep int) ([]string, error)
}

// Config controls the scheduled refresh.
type Config struct {
	Schedule string // standard cron spec or descriptor such as "@every 6h"
	Types    []refresh.DataType
	Limit    int
	KeepDays int // snapshots kept after each run; 0 disables pruning
}

// TypeStatus is the outcome of the last scheduled run for one data type.
type TypeStatus struct {
	LastRun     time.Time `json:"last_run"`
	Status      string    `json:"status"`
	Count       int       `json:"count"`
	Error       string    `json:"error,omitempty"`
	ResumeAfter string    `json:"resume_after,omitempty"`
}

// Scheduler refreshes every configured data type on a cron schedule. A
// backfill that fails part way resumes from the failed page on the next
// tick.
type Scheduler struct {
	refresher Refresher
	pruner    Pruner
	cfg       Config
	cron      *cron.Cron
	logger    *slog.Logger

	mu      sync.Mutex
	resume  map[refresh.DataType]string
	status  map[refresh.DataType]TypeStatus
	running bool
	cancel  context.CancelFunc
}

// NewScheduler validates cfg and creates a stopped Scheduler. pruner may
// be nil.
func NewScheduler(r Refresher, pruner Pruner, cfg Config) (*Scheduler, error) {
	if _, err := cron.ParseStandard(cfg.Schedule); err != nil {
		return nil, fmt.Errorf("invalid refresh schedule %q: %w", cfg.Schedule, err)
	}
	if len(cfg.Types) == 0 {
		return nil, fmt.Errorf("no data types to refresh")
	}
	logger := slog.Default().With("component", "scheduler")
	return &Scheduler{
		refresher: r,
		pruner:    pruner,
		cfg:       cfg,
		cron:      cron.New(cron.WithChain(cron.SkipIfStillRunning(cronLogger{logger}))),
		logger:    logger,
		resume:    make(map[refresh.DataType]string),
		status:    make(map[refresh.DataType]TypeStatus),
	}, nil
}

// Start schedules the refresh job. Runs use a context derived from ctx.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("scheduler is already running")
	}

	runCtx, cancel := context.WithCancel(ctx)
	if _, err := s.cron.AddFunc(s.cfg.Schedule, func() { s.RunOnce(runCtx) }); err != nil {
		cancel()
		return fmt.Errorf("scheduling refresh: %w", err)
	}
	s.cron.Start()
	s.cancel = cancel
	s.running = true
	s.logger.Info("scheduler started", "schedule", s.cfg.Schedule, "types", len(s.cfg.Types))
	return nil
}

// Stop cancels any in-flight run and waits up to 30 seconds for it to end.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	select {
	case <-s.cron.Stop().Done():
		s.logger.Info("scheduler stopped")
	case <-time.After(30 * time.Second):
		s.logger.Warn("scheduler stop timed out")
	}
}

// RunOnce refreshes every configured type in order, then prunes snapshots.
func (s *Scheduler) RunOnce(ctx context.Context) []refresh.Result {
	results := make([]refresh.Result, 0, len(s.cfg.Types))
	for _, dt := range s.cfg.Types {
		if ctx.Err() != nil {
			break
		}
		s.mu.Lock()
		after := s.resume[dt]
		s.mu.Unlock()

		res := s.refresher.Refresh(ctx, refresh.Request{
			DataType:      string(dt),
			Limit:         s.cfg.Limit,
			After:         after,
			StoreAllPages: true,
		})
		s.record(dt, res)
		results = append(results, res)
	}

	if s.pruner != nil && s.cfg.KeepDays > 0 {
		removed, err := s.pruner.Prune(s.cfg.KeepDays)
		if err != nil {
			s.logger.Error("pruning index snapshots", "error", err)
		} else if len(removed) > 0 {
			s.logger.Info("pruned index snapshots", "removed", removed)
		}
	}
	return results
}

func (s *Scheduler) record(dt refresh.DataType, res refresh.Result) {
	st := TypeStatus{
		LastRun: time.Now().UTC(),
		Status:  string(res.Status),
		Count:   res.Count,
		Error:   res.Error,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if res.Status == refresh.StatusError && res.ResumeAfter != nil {
		s.resume[dt] = *res.ResumeAfter
		st.ResumeAfter = *res.ResumeAfter
	} else if res.Status == refresh.StatusSuccess {
		delete(s.resume, dt)
	}
	s.status[dt] = st

	if res.Status == refresh.StatusError {
		s.logger.Warn("scheduled refresh failed", "data_type", dt, "count", res.Count, "resume_after", st.ResumeAfter, "error", res.Error)
	} else {
		s.logger.Info("scheduled refresh done", "data_type", dt, "count", res.Count, "pages", res.Pages)
	}
}

// Status returns the last outcome per data type.
func (s *Scheduler) Status() map[string]TypeStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]TypeStatus, len(s.status))
	for dt, st := range s.status {
		out[string(dt)] = st
	}
	return out
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct{ l *slog.Logger }

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debug(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Error(msg, append(keysAndValues, "error", err)...)
}
