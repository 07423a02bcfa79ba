package service

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tutorhub/enrollment-api/internal/models"
	"github.com/tutorhub/enrollment-api/pkg/config"
	"github.com/tutorhub/enrollment-api/pkg/jobs"
)

// EventsService fans enrollment lifecycle events out to downstream consumers
// (payment generation, notifications) without blocking the request path.
// Delivery is at-least-once within the process; consumers are expected to be
// idempotent.
type EventsService struct {
	queue  *jobs.Queue[models.EnrollmentEvent]
	logger *zap.Logger
}

// NewEventsService constructs EventsService with its worker queue.
func NewEventsService(cfg config.EventsConfig, logger *zap.Logger) *EventsService {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &EventsService{logger: logger}
	s.queue = jobs.NewQueue("enrollment-events", s.handle, jobs.QueueConfig{
		Workers:    cfg.WorkerConcurrency,
		BufferSize: cfg.BufferSize,
		MaxRetries: cfg.MaxRetries,
		RetryDelay: cfg.RetryDelay,
		Logger:     logger,
	})
	return s
}

// Start begins event delivery.
func (s *EventsService) Start(ctx context.Context) {
	s.queue.Start(ctx)
}

// Stop drains the workers.
func (s *EventsService) Stop() {
	s.queue.Stop()
}

// Publish enqueues an event. Failures are logged, not surfaced: the
// triggering transaction has already committed and must not be rolled back
// because a notification could not be queued.
func (s *EventsService) Publish(event models.EnrollmentEvent) {
	err := s.queue.Enqueue(jobs.Job[models.EnrollmentEvent]{
		ID:      uuid.NewString(),
		Payload: event,
	})
	if err != nil {
		s.logger.Error("failed to enqueue enrollment event",
			zap.String("type", string(event.Type)),
			zap.String("enrollment_id", event.EnrollmentID),
			zap.Error(err))
	}
}

func (s *EventsService) handle(ctx context.Context, job jobs.Job[models.EnrollmentEvent]) error {
	event := job.Payload
	// Downstream collaborators (payment, email) subscribe here; the core only
	// guarantees the hand-off.
	s.logger.Info("enrollment event delivered",
		zap.String("type", string(event.Type)),
		zap.String("enrollment_id", event.EnrollmentID),
		zap.String("student_id", event.StudentID),
		zap.String("group_id", event.GroupID),
		zap.Time("occurred_at", event.OccurredAt))
	return nil
}
