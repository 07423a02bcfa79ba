package service

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/tutorhub/enrollment-api/internal/models"
	appErrors "github.com/tutorhub/enrollment-api/pkg/errors"
)

type waitlistStore interface {
	FindByID(ctx context.Context, q sqlx.ExtContext, id string) (*models.Enrollment, error)
	CountActiveByGroup(ctx context.Context, q sqlx.ExtContext, groupID string) (int, error)
	ListWaitingByGroup(ctx context.Context, groupID string) ([]models.Enrollment, error)
	FindWaitingHead(ctx context.Context, q sqlx.ExtContext, groupID string) (*models.Enrollment, error)
	Activate(ctx context.Context, q sqlx.ExtContext, id string, promotedAt time.Time) error
	Withdraw(ctx context.Context, q sqlx.ExtContext, id string, withdrawnAt time.Time) error
	CompactWaitingPositions(ctx context.Context, q sqlx.ExtContext, groupID string, vacatedPosition int) error
}

// WaitlistService maintains the FIFO waiting list of each group. Positions
// stay a contiguous 1..N sequence: every queue exit decrements the positions
// behind the vacated slot inside the same transaction.
type WaitlistService struct {
	tx          groupTxRunner
	enrollments waitlistStore
	groups      groupReader
	generator   reservationGenerator
	events      eventPublisher
	metrics     *MetricsService
	logger      *zap.Logger
}

// NewWaitlistService constructs WaitlistService.
func NewWaitlistService(tx groupTxRunner, enrollments waitlistStore, groups groupReader, generator reservationGenerator, events eventPublisher, metrics *MetricsService, logger *zap.Logger) *WaitlistService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WaitlistService{tx: tx, enrollments: enrollments, groups: groups, generator: generator, events: events, metrics: metrics, logger: logger}
}

// List returns the waiting list of a group in FIFO order.
func (s *WaitlistService) List(ctx context.Context, groupID string) ([]models.Enrollment, error) {
	if _, err := s.groups.FindByID(ctx, groupID); err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "group not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load group")
	}
	enrollments, err := s.enrollments.ListWaitingByGroup(ctx, groupID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list waiting enrollments")
	}
	if s.metrics != nil {
		s.metrics.SetWaitlistDepth(groupID, len(enrollments))
	}
	return enrollments, nil
}

// Leave removes a queued enrollment from the waiting list and compacts the
// positions behind it.
func (s *WaitlistService) Leave(ctx context.Context, enrollmentID string) (*models.Enrollment, error) {
	enrollment, err := s.enrollments.FindByID(ctx, nil, enrollmentID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "enrollment not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load enrollment")
	}
	if enrollment.Status != models.EnrollmentStatusWaitingList {
		return nil, appErrors.ErrNotOnWaitingList
	}

	now := time.Now().UTC()
	err = s.tx.RunGroupTx(ctx, enrollment.GroupID, func(tx *sqlx.Tx) error {
		current, err := s.enrollments.FindByID(ctx, tx, enrollmentID)
		if err != nil {
			return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to reload enrollment")
		}
		if current.Status != models.EnrollmentStatusWaitingList || current.WaitingListPosition == nil {
			return appErrors.ErrNotOnWaitingList
		}
		vacated := *current.WaitingListPosition
		if err := s.enrollments.Withdraw(ctx, tx, enrollmentID, now); err != nil {
			return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to withdraw enrollment")
		}
		if err := s.enrollments.CompactWaitingPositions(ctx, tx, current.GroupID, vacated); err != nil {
			return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to compact waiting list")
		}
		return nil
	})
	if err != nil {
		return nil, err
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
	s.logger.Info("waiting list left",
		zap.String("enrollment_id", enrollment.ID),
		zap.String("group_id", enrollment.GroupID))

	left, err := s.enrollments.FindByID(ctx, nil, enrollmentID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to reload enrollment")
	}
	return left, nil
}

// PromoteNext activates the head of a group's waiting list. An empty queue is
// a no-op and returns nil without error; a group with no free seat rejects
// the promotion so active enrollments never exceed maxCapacity.
func (s *WaitlistService) PromoteNext(ctx context.Context, groupID string) (*models.Enrollment, error) {
	group, err := s.groups.FindByID(ctx, groupID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "group not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load group")
	}

	var promoted *models.Enrollment
	err = s.tx.RunGroupTx(ctx, groupID, func(tx *sqlx.Tx) error {
		active, err := s.enrollments.CountActiveByGroup(ctx, tx, group.ID)
		if err != nil {
			return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to count active enrollments")
		}
		if active >= group.MaxCapacity {
			return appErrors.ErrGroupFull
		}
		promoted, err = s.PromoteHeadTx(ctx, tx, group)
		return err
	})
	if err != nil {
		return nil, err
	}
	if promoted == nil {
		return nil, nil
	}

	s.publishPromotion(promoted)
	return promoted, nil
}

// PromoteHeadTx performs the promotion inside the caller's transaction; the
// caller must already hold the group lock. Returns nil when the queue is
// empty. Emitting the promotion event is left to the caller of PromoteNext;
// coordinators embedding this step publish through PublishPromotion.
func (s *WaitlistService) PromoteHeadTx(ctx context.Context, tx *sqlx.Tx, group *models.Group) (*models.Enrollment, error) {
	head, err := s.enrollments.FindWaitingHead(ctx, tx, group.ID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to read waiting list head")
	}
	if head == nil {
		return nil, nil
	}

	now := time.Now().UTC()
	vacated := 1
	if head.WaitingListPosition != nil {
		vacated = *head.WaitingListPosition
	}
	if err := s.enrollments.Activate(ctx, tx, head.ID, now); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to activate enrollment")
	}
	if err := s.enrollments.CompactWaitingPositions(ctx, tx, group.ID, vacated); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to compact waiting list")
	}

	head.Status = models.EnrollmentStatusActive
	head.WaitingListPosition = nil
	head.PromotedAt = &now

	if _, err := s.generator.GenerateTx(ctx, tx, head, group); err != nil {
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.IncPromotion()
	}
	s.logger.Info("waiting list promoted",
		zap.String("enrollment_id", head.ID),
		zap.String("group_id", group.ID))
	return head, nil
}

// PublishPromotion emits the promotion event for an enrollment promoted via
// PromoteHeadTx after the surrounding transaction committed.
func (s *WaitlistService) PublishPromotion(enrollment *models.Enrollment) {
	s.publishPromotion(enrollment)
}

func (s *WaitlistService) publishPromotion(enrollment *models.Enrollment) {
	if s.events == nil || enrollment == nil {
		return
	}
	occurred := time.Now().UTC()
	if enrollment.PromotedAt != nil {
		occurred = *enrollment.PromotedAt
	}
	s.events.Publish(models.EnrollmentEvent{
		Type:         models.EnrollmentEventPromoted,
		EnrollmentID: enrollment.ID,
		StudentID:    enrollment.StudentID,
		GroupID:      enrollment.GroupID,
		OccurredAt:   occurred,
	})
}
