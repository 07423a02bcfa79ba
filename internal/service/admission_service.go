package service

import (
	"context"
	"database/sql"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/tutorhub/enrollment-api/internal/models"
	appErrors "github.com/tutorhub/enrollment-api/pkg/errors"
)

// groupTxRunner serializes capacity-affecting operations per group.
type groupTxRunner interface {
	RunGroupTx(ctx context.Context, groupID string, fn func(tx *sqlx.Tx) error) error
	RunGroupsTx(ctx context.Context, groupIDs []string, fn func(tx *sqlx.Tx) error) error
}

type groupReader interface {
	FindByID(ctx context.Context, id string) (*models.Group, error)
}

type eventPublisher interface {
	Publish(event models.EnrollmentEvent)
}

type admissionStore interface {
	ExistsCurrent(ctx context.Context, q sqlx.ExtContext, studentID, groupID string) (bool, error)
	CountActiveByGroup(ctx context.Context, q sqlx.ExtContext, groupID string) (int, error)
	NextWaitingPosition(ctx context.Context, q sqlx.ExtContext, groupID string) (int, error)
	Create(ctx context.Context, q sqlx.ExtContext, enrollment *models.Enrollment) error
	FindDetailByID(ctx context.Context, id string) (*models.EnrollmentDetail, error)
}

// reservationGenerator creates the reservations an admitted enrollment is
// entitled to, inside the caller's transaction.
type reservationGenerator interface {
	GenerateTx(ctx context.Context, tx *sqlx.Tx, enrollment *models.Enrollment, group *models.Group) ([]models.SessionReservation, error)
}

// AdmitRequest describes an admission request.
type AdmitRequest struct {
	StudentID string `json:"student_id" validate:"required"`
	GroupID   string `json:"group_id" validate:"required"`
}

// AdmissionService decides whether a new enrollment request gets a seat or a
// waiting-list position. The capacity read and the enrollment write run under
// the group lock, so two concurrent requests for the last seat cannot both be
// admitted.
type AdmissionService struct {
	tx          groupTxRunner
	enrollments admissionStore
	groups      groupReader
	generator   reservationGenerator
	events      eventPublisher
	validator   *validator.Validate
	metrics     *MetricsService
	logger      *zap.Logger
}

// NewAdmissionService constructs AdmissionService.
func NewAdmissionService(tx groupTxRunner, enrollments admissionStore, groups groupReader, generator reservationGenerator, events eventPublisher, validate *validator.Validate, metrics *MetricsService, logger *zap.Logger) *AdmissionService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AdmissionService{tx: tx, enrollments: enrollments, groups: groups, generator: generator, events: events, validator: validate, metrics: metrics, logger: logger}
}

// Admit registers a student into a group, granting a seat while capacity
// lasts and queueing at the tail of the waiting list otherwise. Reservations
// for an admitted student are generated in the same transaction.
func (s *AdmissionService) Admit(ctx context.Context, req AdmitRequest) (*models.EnrollmentDetail, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid admission payload")
	}

	group, err := s.groups.FindByID(ctx, req.GroupID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "group not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load group")
	}

	now := time.Now().UTC()
	enrollment := models.Enrollment{
		StudentID:    req.StudentID,
		GroupID:      group.ID,
		PricePerHour: group.PricePerHour,
		EnrolledAt:   now,
	}

	err = s.tx.RunGroupTx(ctx, group.ID, func(tx *sqlx.Tx) error {
		exists, err := s.enrollments.ExistsCurrent(ctx, tx, req.StudentID, group.ID)
		if err != nil {
			return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to check enrollment")
		}
		if exists {
			return appErrors.ErrAlreadyEnrolled
		}

		active, err := s.enrollments.CountActiveByGroup(ctx, tx, group.ID)
		if err != nil {
			return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to count active enrollments")
		}

		if active < group.MaxCapacity {
			enrollment.Status = models.EnrollmentStatusActive
			if err := s.enrollments.Create(ctx, tx, &enrollment); err != nil {
				return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create enrollment")
			}
			if _, err := s.generator.GenerateTx(ctx, tx, &enrollment, group); err != nil {
				return err
			}
			return nil
		}

		position, err := s.enrollments.NextWaitingPosition(ctx, tx, group.ID)
		if err != nil {
			return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to compute waiting position")
		}
		enrollment.Status = models.EnrollmentStatusWaitingList
		enrollment.WaitingListPosition = &position
		if err := s.enrollments.Create(ctx, tx, &enrollment); err != nil {
			return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create enrollment")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.IncAdmission(enrollment.Status)
		if enrollment.WaitingListPosition != nil {
			s.metrics.SetWaitlistDepth(enrollment.GroupID, *enrollment.WaitingListPosition)
		}
	}
	if s.events != nil {
		eventType := models.EnrollmentEventActivated
		if enrollment.Status == models.EnrollmentStatusWaitingList {
			eventType = models.EnrollmentEventWaitlisted
		}
		s.events.Publish(models.EnrollmentEvent{
			Type:         eventType,
			EnrollmentID: enrollment.ID,
			StudentID:    enrollment.StudentID,
			GroupID:      enrollment.GroupID,
			OccurredAt:   now,
		})
	}

	s.logger.Info("admission decided",
		zap.String("enrollment_id", enrollment.ID),
		zap.String("student_id", enrollment.StudentID),
		zap.String("group_id", enrollment.GroupID),
		zap.String("status", string(enrollment.Status)))

	detail, err := s.enrollments.FindDetailByID(ctx, enrollment.ID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load enrollment detail")
	}
	return detail, nil
}
