package service

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/plotsense/plotsense-api/internal/models"
	"github.com/plotsense/plotsense-api/internal/repository"
)

// ActivityService records user activity through a bounded channel. Request
// handlers enqueue without blocking; a single consumer goroutine batches
// events into the store and evicts old rows by age. Nothing is held in
// process maps, so a restart loses at most one unflushed batch.
type ActivityService struct {
	repos      *repository.Repositories
	logger     *slog.Logger
	retention  time.Duration
	flushEvery time.Duration

	queue chan *models.ActivityEvent

	mu      sync.Mutex
	dropped int64

	stop chan struct{}
	done chan struct{}
}

// NewActivityService creates a new activity service with a queue of the
// given size.
func NewActivityService(repos *repository.Repositories, queueSize int, retention, flushEvery time.Duration, logger *slog.Logger) *ActivityService {
	if queueSize <= 0 {
		queueSize = 1024
	}
	if flushEvery <= 0 {
		flushEvery = 5 * time.Second
	}
	return &ActivityService{
		repos:      repos,
		logger:     logger.With("component", "activity"),
		retention:  retention,
		flushEvery: flushEvery,
		queue:      make(chan *models.ActivityEvent, queueSize),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Record enqueues an activity event. When the queue is full the event is
// dropped and counted; activity records are best-effort.
func (s *ActivityService) Record(accountID, kind, detail string) {
	ev := &models.ActivityEvent{
		AccountID: accountID,
		Kind:      kind,
		Detail:    detail,
		CreatedAt: time.Now().UTC(),
	}
	select {
	case s.queue <- ev:
	default:
		s.mu.Lock()
		s.dropped++
		s.mu.Unlock()
	}
}

// Recent returns the newest activity events for an account.
func (s *ActivityService) Recent(ctx context.Context, accountID string, limit, offset int) ([]*models.ActivityEvent, error) {
	return s.repos.Activity.GetByAccountID(ctx, accountID, limit, offset)
}

// Start launches the consumer goroutine.
func (s *ActivityService) Start() {
	go s.run()
}

// Stop flushes pending events and stops the consumer.
func (s *ActivityService) Stop() {
	close(s.stop)
	<-s.done
}

func (s *ActivityService) run() {
	defer close(s.done)

	ticker := time.NewTicker(s.flushEvery)
	defer ticker.Stop()

	var batch []*models.ActivityEvent
	for {
		select {
		case ev := <-s.queue:
			batch = append(batch, ev)
			if len(batch) >= 100 {
				s.flush(batch)
				batch = nil
			}
		case <-ticker.C:
			if len(batch) > 0 {
				s.flush(batch)
				batch = nil
			}
			s.evict()
		case <-s.stop:
			// Drain whatever is still queued before exiting.
			for {
				select {
				case ev := <-s.queue:
					batch = append(batch, ev)
				default:
					if len(batch) > 0 {
						s.flush(batch)
					}
					return
				}
			}
		}
	}
}

func (s *ActivityService) flush(batch []*models.ActivityEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.repos.Activity.CreateBatch(ctx, batch); err != nil {
		s.logger.Error("failed to persist activity batch", "error", err, "count", len(batch))
		return
	}

	s.mu.Lock()
	dropped := s.dropped
	s.dropped = 0
	s.mu.Unlock()
	if dropped > 0 {
		s.logger.Warn("activity events dropped under load", "count", dropped)
	}
}

func (s *ActivityService) evict() {
	if s.retention <= 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	n, err := s.repos.Activity.DeleteOlderThan(ctx, time.Now().Add(-s.retention))
	if err != nil {
		s.logger.Error("failed to evict old activity events", "error", err)
		return
	}
	if n > 0 {
		s.logger.Debug("evicted old activity events", "count", n)
	}
}
