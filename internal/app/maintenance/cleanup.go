package maintenance

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/wavechat/wavechat/internal/cache"
	"github.com/wavechat/wavechat/internal/services"
	"github.com/wavechat/wavechat/pkg/logger"
)

const (
	defaultSweepSpec = "@every 5m"

	defaultStreamIdle = 5 * time.Minute
	defaultMarkerAge  = 10 * time.Minute
)

// Sweeper runs the periodic memory and cache housekeeping: abandoned
// streaming sessions, stale history-load markers, and expired database cache
// rows. None of the swept state is durable; the sweeps only bound memory.
type Sweeper struct {
	streams  *services.StreamService
	messages *services.MessageService
	dbCache  *cache.DatabaseStore
	cron     *cron.Cron
	log      *zap.Logger

	schedule   string
	streamIdle time.Duration
	markerAge  time.Duration
}

// Option customises the Sweeper.
type Option func(*Sweeper)

// WithCron injects a preconfigured cron instance, primarily for testing.
func WithCron(c *cron.Cron) Option {
	return func(s *Sweeper) {
		if c != nil {
			s.cron = c
		}
	}
}

// WithSchedule overrides the sweep cron expression.
func WithSchedule(spec string) Option {
	return func(s *Sweeper) {
		if spec != "" {
			s.schedule = spec
		}
	}
}

// WithStreamIdle overrides the idle threshold for abandoned stream sessions.
func WithStreamIdle(d time.Duration) Option {
	return func(s *Sweeper) {
		if d > 0 {
			s.streamIdle = d
		}
	}
}

// WithMarkerAge overrides the age threshold for stale load markers.
func WithMarkerAge(d time.Duration) Option {
	return func(s *Sweeper) {
		if d > 0 {
			s.markerAge = d
		}
	}
}

// NewSweeper constructs a Sweeper. Nil dependencies skip the corresponding
// sweep.
func NewSweeper(streams *services.StreamService, messages *services.MessageService, dbCache *cache.DatabaseStore, opts ...Option) *Sweeper {
	s := &Sweeper{
		streams:    streams,
		messages:   messages,
		dbCache:    dbCache,
		log:        logger.WithModule("maintenance"),
		schedule:   defaultSweepSpec,
		streamIdle: defaultStreamIdle,
		markerAge:  defaultMarkerAge,
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.cron == nil {
		s.cron = cron.New(cron.WithLogger(cron.DiscardLogger))
	}
	return s
}

// Start registers the sweep with the scheduler and launches it.
func (s *Sweeper) Start() error {
	if _, err := s.cron.AddFunc(s.schedule, func() {
		if err := s.RunOnce(context.Background()); err != nil {
			s.log.Warn("sweep failed", zap.Error(err))
		}
	}); err != nil {
		return err
	}

	s.cron.Start()
	return nil
}

// Stop halts the scheduler, waiting for any running sweep to complete.
func (s *Sweeper) Stop() context.Context {
	if s.cron == nil {
		return context.Background()
	}
	return s.cron.Stop()
}

// RunOnce executes all configured sweeps sequentially.
func (s *Sweeper) RunOnce(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	var errs error

	streamsRemoved, streamsRemaining := 0, 0
	if s.streams != nil {
		streamsRemoved, streamsRemaining = s.streams.SweepIdle(s.streamIdle)
	}

	markersRemaining := 0
	if s.messages != nil {
		markersRemaining = s.messages.SweepMarkers(s.markerAge)
	}

	var cachePurged int64
	if s.dbCache != nil {
		purged, err := s.dbCache.PurgeExpired(ctx)
		if err != nil {
			errs = multierr.Append(errs, err)
		}
		cachePurged = purged
	}

	s.log.Debug("memory cleanup completed",
		zap.Int("streams_removed", streamsRemoved),
		zap.Int("streams_remaining", streamsRemaining),
		zap.Int("markers_remaining", markersRemaining),
		zap.Int64("cache_rows_purged", cachePurged),
	)
	return errs
}
