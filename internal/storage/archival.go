package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/otistx/backend/internal/metrics"
	"github.com/rs/zerolog"
)

// ArchivalConfig holds configuration for the idempotency index and audit
// log retention sweep.
type ArchivalConfig struct {
	Enabled             bool          // Enable automatic archival (default: false)
	IdempotencyRetention time.Duration // How long to keep idempotency keys (default: 90 days)
	ActivityRetention   time.Duration // How long to keep audit log rows (default: 180 days)
	RunInterval         time.Duration // How often to run the sweep (default: 24 hours)
}

// DefaultArchivalConfig returns sensible defaults for retention sweeps.
func DefaultArchivalConfig() ArchivalConfig {
	return ArchivalConfig{
		Enabled:              false,
		IdempotencyRetention: IdempotencyRetention,
		ActivityRetention:    180 * 24 * time.Hour,
		RunInterval:          24 * time.Hour,
	}
}

// ArchivalService periodically drops idempotency-index rows and audit-log
// entries past their retention window, keeping the tables from growing
// without bound.
type ArchivalService struct {
	store    Store
	config   ArchivalConfig
	logger   zerolog.Logger
	metrics  *metrics.Metrics
	stopChan chan struct{}
	doneChan chan struct{}
}

// NewArchivalService creates a new archival service.
func NewArchivalService(store Store, config ArchivalConfig, metricsCollector *metrics.Metrics, logger zerolog.Logger) *ArchivalService {
	return &ArchivalService{
		store:    store,
		config:   config,
		logger:   logger,
		metrics:  metricsCollector,
		stopChan: make(chan struct{}),
		doneChan: make(chan struct{}),
	}
}

// Start begins the archival service background loop.
func (s *ArchivalService) Start() {
	if !s.config.Enabled {
		s.logger.Info().Msg("archival: service disabled")
		close(s.doneChan)
		return
	}

	s.logger.Info().
		Dur("idempotencyRetention", s.config.IdempotencyRetention).
		Dur("activityRetention", s.config.ActivityRetention).
		Dur("runInterval", s.config.RunInterval).
		Msg("archival: service started")

	go s.run()
}

// Stop gracefully stops the archival service.
func (s *ArchivalService) Stop() {
	close(s.stopChan)
	<-s.doneChan
	s.logger.Info().Msg("archival: service stopped")
}

func (s *ArchivalService) run() {
	defer close(s.doneChan)

	s.runArchival()

	ticker := time.NewTicker(s.config.RunInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.runArchival()
		case <-s.stopChan:
			return
		}
	}
}

func (s *ArchivalService) runArchival() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	idempotencyCutoff := time.Now().Add(-s.config.IdempotencyRetention)
	activityCutoff := time.Now().Add(-s.config.ActivityRetention)

	idempotencyCount, err := s.store.DeleteIdempotencyRecordsOlderThan(ctx, idempotencyCutoff)
	if err != nil {
		s.logger.Error().Err(err).Msg("archival: failed to sweep idempotency index")
	} else if idempotencyCount > 0 {
		s.logger.Info().Int("count", idempotencyCount).Time("olderThan", idempotencyCutoff).Msg("archival: swept idempotency index")
	}

	activityCount, err := s.store.DeleteActivityOlderThan(ctx, activityCutoff)
	if err != nil {
		s.logger.Error().Err(err).Msg("archival: failed to sweep activity log")
	} else if activityCount > 0 {
		s.logger.Info().Int("count", activityCount).Time("olderThan", activityCutoff).Msg("archival: swept activity log")
	}

	total := int64(idempotencyCount + activityCount)
	if s.metrics != nil && total > 0 {
		s.metrics.ObserveArchival(total)
	}

	s.logger.Info().
		Int("idempotencyDeleted", idempotencyCount).
		Int("activityDeleted", activityCount).
		Msg("archival: pass completed")
}

// RunNow immediately runs an archival pass, for admin-triggered sweeps.
func (s *ArchivalService) RunNow() error {
	if !s.config.Enabled {
		return fmt.Errorf("archival service is disabled")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	idempotencyCutoff := time.Now().Add(-s.config.IdempotencyRetention)
	activityCutoff := time.Now().Add(-s.config.ActivityRetention)

	idempotencyCount, err := s.store.DeleteIdempotencyRecordsOlderThan(ctx, idempotencyCutoff)
	if err != nil {
		return fmt.Errorf("sweep idempotency index: %w", err)
	}

	activityCount, err := s.store.DeleteActivityOlderThan(ctx, activityCutoff)
	if err != nil {
		return fmt.Errorf("sweep activity log: %w", err)
	}

	total := int64(idempotencyCount + activityCount)
	if s.metrics != nil && total > 0 {
		s.metrics.ObserveArchival(total)
	}

	s.logger.Info().
		Int("idempotencyDeleted", idempotencyCount).
		Int("activityDeleted", activityCount).
		Msg("archival: manual pass completed")

	return nil
}
