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

type enrollmentStore interface {
	List(ctx context.Context, filter models.EnrollmentFilter) ([]models.EnrollmentDetail, int, error)
	FindByID(ctx context.Context, q sqlx.ExtContext, id string) (*models.Enrollment, error)
	FindDetailByID(ctx context.Context, id string) (*models.EnrollmentDetail, error)
	CountActiveByGroup(ctx context.Context, q sqlx.ExtContext, groupID string) (int, error)
	UpdateGroup(ctx context.Context, q sqlx.ExtContext, id, groupID string) error
	Withdraw(ctx context.Context, q sqlx.ExtContext, id string, withdrawnAt time.Time) error
}

type reservationCanceller interface {
	CancelFutureByEnrollment(ctx context.Context, q sqlx.ExtContext, enrollmentID string, now time.Time) (int64, error)
	CancelFutureByStudentAndGroup(ctx context.Context, q sqlx.ExtContext, studentID, groupID string, now time.Time) (int64, error)
}

type waitlistManager interface {
	Leave(ctx context.Context, enrollmentID string) (*models.Enrollment, error)
	PromoteHeadTx(ctx context.Context, tx *sqlx.Tx, group *models.Group) (*models.Enrollment, error)
	PublishPromotion(enrollment *models.Enrollment)
}

// ChangeGroupRequest describes a group change payload.
type ChangeGroupRequest struct {
	GroupID string `json:"group_id" validate:"required"`
}

// EnrollmentService coordinates withdrawals and group changes: it cancels the
// student's future reservations, frees the seat and backfills it from the
// waiting list, all within one transaction per operation.
type EnrollmentService struct {
	tx           groupTxRunner
	enrollments  enrollmentStore
	reservations reservationCanceller
	waitlist     waitlistManager
	groups       groupReader
	generator    reservationGenerator
	events       eventPublisher
	validator    *validator.Validate
	metrics      *MetricsService
	logger       *zap.Logger
}

// NewEnrollmentService constructs EnrollmentService.
func NewEnrollmentService(tx groupTxRunner, enrollments enrollmentStore, reservations reservationCanceller, waitlist waitlistManager, groups groupReader, generator reservationGenerator, events eventPublisher, validate *validator.Validate, metrics *MetricsService, logger *zap.Logger) *EnrollmentService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EnrollmentService{tx: tx, enrollments: enrollments, reservations: reservations, waitlist: waitlist, groups: groups, generator: generator, events: events, validator: validate, metrics: metrics, logger: logger}
}

// List returns enrollments with pagination metadata.
func (s *EnrollmentService) List(ctx context.Context, filter models.EnrollmentFilter) ([]models.EnrollmentDetail, *models.Pagination, error) {
	enrollments, total, err := s.enrollments.List(ctx, filter)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list enrollments")
	}
	page := filter.Page
	if page < 1 {
		page = 1
	}
	size := filter.PageSize
	if size <= 0 {
		size = 20
	}
	pagination := &models.Pagination{Page: page, PageSize: size, TotalCount: total}
	return enrollments, pagination, nil
}

// Get returns one enrollment with group and subject info.
func (s *EnrollmentService) Get(ctx context.Context, id string) (*models.EnrollmentDetail, error) {
	detail, err := s.enrollments.FindDetailByID(ctx, id)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "enrollment not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load enrollment")
	}
	return detail, nil
}

// Withdraw removes a student from a group. A queued enrollment simply leaves
// the waiting list; an active one frees its seat, cancels its future
// reservations and backfills the seat from the queue.
func (s *EnrollmentService) Withdraw(ctx context.Context, id string) (*models.EnrollmentDetail, error) {
	enrollment, err := s.enrollments.FindByID(ctx, nil, id)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "enrollment not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load enrollment")
	}

	switch enrollment.Status {
	case models.EnrollmentStatusWaitingList:
		if _, err := s.waitlist.Leave(ctx, id); err != nil {
			return nil, err
		}
	case models.EnrollmentStatusActive:
		if err := s.withdrawActive(ctx, enrollment); err != nil {
			return nil, err
		}
	default:
		return nil, appErrors.Clone(appErrors.ErrInvalidState, "enrollment already withdrawn")
	}

	detail, err := s.enrollments.FindDetailByID(ctx, id)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load enrollment detail")
	}
	return detail, nil
}

func (s *EnrollmentService) withdrawActive(ctx context.Context, enrollment *models.Enrollment) error {
	group, err := s.groups.FindByID(ctx, enrollment.GroupID)
	if err != nil {
		if err == sql.ErrNoRows {
			return appErrors.Clone(appErrors.ErrNotFound, "group not found")
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load group")
	}

	now := time.Now().UTC()
	var cancelled int64
	var promoted *models.Enrollment
	err = s.tx.RunGroupTx(ctx, enrollment.GroupID, func(tx *sqlx.Tx) error {
		current, err := s.enrollments.FindByID(ctx, tx, enrollment.ID)
		if err != nil {
			return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to reload enrollment")
		}
		if current.Status != models.EnrollmentStatusActive {
			return appErrors.Clone(appErrors.ErrInvalidState, "enrollment is not active")
		}
		if err := s.enrollments.Withdraw(ctx, tx, enrollment.ID, now); err != nil {
			return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to withdraw enrollment")
		}
		cancelled, err = s.reservations.CancelFutureByEnrollment(ctx, tx, enrollment.ID, now)
		if err != nil {
			return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to cancel reservations")
		}
		promoted, err = s.waitlist.PromoteHeadTx(ctx, tx, group)
		return err
	})
	if err != nil {
		return err
	}

	if s.metrics != nil {
		s.metrics.IncWithdrawal()
	}
	if s.events != nil {
		s.events.Publish(models.EnrollmentEvent{
			Type:         models.EnrollmentEventWithdrawn,
			EnrollmentID: enrollment.ID,
			StudentID:    enrollment.StudentID,
			GroupID:      enrollment.GroupID,
			OccurredAt:   now,
		})
	}
	s.waitlist.PublishPromotion(promoted)

	s.logger.Info("enrollment withdrawn",
		zap.String("enrollment_id", enrollment.ID),
		zap.String("group_id", enrollment.GroupID),
		zap.Int64("reservations_cancelled", cancelled),
		zap.Bool("seat_backfilled", promoted != nil))
	return nil
}

// ChangeGroup moves an active enrollment into another group. The change is
// all or nothing: a full target group rejects the request instead of queueing
// the student. The student's reservations against the old group's future
// sessions are cancelled and new ones generated for the target group, then
// the vacated seat is backfilled.
func (s *EnrollmentService) ChangeGroup(ctx context.Context, id string, req ChangeGroupRequest) (*models.EnrollmentDetail, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid group change payload")
	}

	enrollment, err := s.enrollments.FindByID(ctx, nil, id)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "enrollment not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load enrollment")
	}
	if enrollment.Status != models.EnrollmentStatusActive {
		return nil, appErrors.Clone(appErrors.ErrInvalidState, "enrollment is not active")
	}
	if enrollment.GroupID == req.GroupID {
		return nil, appErrors.Clone(appErrors.ErrInvalidState, "already in target group")
	}

	oldGroup, err := s.groups.FindByID(ctx, enrollment.GroupID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load current group")
	}
	newGroup, err := s.groups.FindByID(ctx, req.GroupID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "target group not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load target group")
	}

	now := time.Now().UTC()
	var promoted *models.Enrollment
	err = s.tx.RunGroupsTx(ctx, []string{oldGroup.ID, newGroup.ID}, func(tx *sqlx.Tx) error {
		current, err := s.enrollments.FindByID(ctx, tx, id)
		if err != nil {
			return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to reload enrollment")
		}
		if current.Status != models.EnrollmentStatusActive || current.GroupID != oldGroup.ID {
			return appErrors.Clone(appErrors.ErrInvalidState, "enrollment changed concurrently")
		}

		active, err := s.enrollments.CountActiveByGroup(ctx, tx, newGroup.ID)
		if err != nil {
			return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to count target enrollments")
		}
		if active >= newGroup.MaxCapacity {
			return appErrors.ErrGroupFull
		}

		if err := s.enrollments.UpdateGroup(ctx, tx, id, newGroup.ID); err != nil {
			return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to move enrollment")
		}
		if _, err := s.reservations.CancelFutureByStudentAndGroup(ctx, tx, current.StudentID, oldGroup.ID, now); err != nil {
			return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to cancel old reservations")
		}

		moved := *current
		moved.GroupID = newGroup.ID
		if _, err := s.generator.GenerateTx(ctx, tx, &moved, newGroup); err != nil {
			return err
		}

		promoted, err = s.waitlist.PromoteHeadTx(ctx, tx, oldGroup)
		return err
	})
	if err != nil {
		return nil, err
	}

	if s.events != nil {
		s.events.Publish(models.EnrollmentEvent{
			Type:         models.EnrollmentEventMoved,
			EnrollmentID: enrollment.ID,
			StudentID:    enrollment.StudentID,
			GroupID:      newGroup.ID,
			OccurredAt:   now,
		})
	}
	s.waitlist.PublishPromotion(promoted)

	s.logger.Info("enrollment moved",
		zap.String("enrollment_id", enrollment.ID),
		zap.String("from_group", oldGroup.ID),
		zap.String("to_group", newGroup.ID),
		zap.Bool("seat_backfilled", promoted != nil))

	detail, err := s.enrollments.FindDetailByID(ctx, id)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load enrollment detail")
	}
	return detail, nil
}
