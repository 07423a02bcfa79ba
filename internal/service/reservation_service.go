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

type reservationStore interface {
	FindByID(ctx context.Context, q sqlx.ExtContext, id string) (*models.SessionReservation, error)
	ExistsForStudentSession(ctx context.Context, q sqlx.ExtContext, studentID, sessionID string) (bool, error)
	CountInPersonConfirmed(ctx context.Context, q sqlx.ExtContext, sessionID string) (int, error)
	ExistsConfirmedForSubject(ctx context.Context, q sqlx.ExtContext, studentID, subjectID, excludeGroupID string) (bool, error)
	Create(ctx context.Context, q sqlx.ExtContext, reservation *models.SessionReservation) error
	Cancel(ctx context.Context, q sqlx.ExtContext, id string, cancelledAt time.Time) error
	List(ctx context.Context, filter models.ReservationFilter) ([]models.SessionReservation, int, error)
}

type sessionReader interface {
	FindByID(ctx context.Context, q sqlx.ExtContext, id string) (*models.ClassSession, error)
	ListFutureByGroup(ctx context.Context, q sqlx.ExtContext, groupID string, from time.Time) ([]models.ClassSession, error)
}

type enrollmentReader interface {
	FindByID(ctx context.Context, q sqlx.ExtContext, id string) (*models.Enrollment, error)
}

// SwitchSessionRequest describes a single-session switch payload.
type SwitchSessionRequest struct {
	SessionID string `json:"session_id" validate:"required"`
}

// ReservationService assigns admitted students a seat for every upcoming
// session of their group. The first seats of a session are in person, the
// overflow attends online; a student never holds two confirmed seats in
// different groups of the same subject.
type ReservationService struct {
	tx            groupTxRunner
	reservations  reservationStore
	sessions      sessionReader
	enrollments   enrollmentReader
	groups        groupReader
	inPersonSeats int
	validator     *validator.Validate
	metrics       *MetricsService
	logger        *zap.Logger
}

// NewReservationService constructs ReservationService.
func NewReservationService(tx groupTxRunner, reservations reservationStore, sessions sessionReader, enrollments enrollmentReader, groups groupReader, inPersonSeats int, validate *validator.Validate, metrics *MetricsService, logger *zap.Logger) *ReservationService {
	if inPersonSeats <= 0 {
		inPersonSeats = 24
	}
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ReservationService{tx: tx, reservations: reservations, sessions: sessions, enrollments: enrollments, groups: groups, inPersonSeats: inPersonSeats, validator: validate, metrics: metrics, logger: logger}
}

// GenerateTx creates a reservation for every future session of the group that
// the enrollment does not cover yet. It must run on the transaction holding
// the group lock so the in-person count stays accurate while seats are
// assigned. Sessions already covered by any reservation, confirmed or
// cancelled, are skipped.
func (s *ReservationService) GenerateTx(ctx context.Context, tx *sqlx.Tx, enrollment *models.Enrollment, group *models.Group) ([]models.SessionReservation, error) {
	now := time.Now().UTC()
	sessions, err := s.sessions.ListFutureByGroup(ctx, tx, group.ID, now)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list group sessions")
	}

	var created []models.SessionReservation
	for _, session := range sessions {
		covered, err := s.reservations.ExistsForStudentSession(ctx, tx, enrollment.StudentID, session.ID)
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to check existing reservation")
		}
		if covered {
			continue
		}

		held, err := s.reservations.ExistsConfirmedForSubject(ctx, tx, enrollment.StudentID, session.SubjectID, group.ID)
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to check subject reservations")
		}
		if held {
			return nil, appErrors.Clone(appErrors.ErrSubjectReservation, "student already holds a seat in another group of this subject")
		}

		mode, err := s.assignMode(ctx, tx, session.ID)
		if err != nil {
			return nil, err
		}

		reservation := models.SessionReservation{
			StudentID:    enrollment.StudentID,
			SessionID:    session.ID,
			EnrollmentID: enrollment.ID,
			Mode:         mode,
			Status:       models.ReservationStatusConfirmed,
			ReservedAt:   now,
		}
		if err := s.reservations.Create(ctx, tx, &reservation); err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create reservation")
		}
		created = append(created, reservation)
	}

	if s.metrics != nil {
		for _, reservation := range created {
			s.metrics.IncReservation(reservation.Mode)
		}
	}
	return created, nil
}

// assignMode re-counts confirmed in-person seats for the session and places
// the reservation in the first free tier. The count is never cached.
func (s *ReservationService) assignMode(ctx context.Context, tx *sqlx.Tx, sessionID string) (models.ReservationMode, error) {
	count, err := s.reservations.CountInPersonConfirmed(ctx, tx, sessionID)
	if err != nil {
		return "", appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to count in-person seats")
	}
	if count < s.inPersonSeats {
		return models.ReservationModeInPerson, nil
	}
	return models.ReservationModeOnline, nil
}

// Generate re-runs reservation generation for an active enrollment. Safe to
// call repeatedly; already-covered sessions are no-ops.
func (s *ReservationService) Generate(ctx context.Context, enrollmentID string) ([]models.SessionReservation, error) {
	enrollment, err := s.enrollments.FindByID(ctx, nil, enrollmentID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "enrollment not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load enrollment")
	}
	if enrollment.Status != models.EnrollmentStatusActive {
		return nil, appErrors.Clone(appErrors.ErrInvalidState, "enrollment is not active")
	}

	group, err := s.groups.FindByID(ctx, enrollment.GroupID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "group not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load group")
	}

	var created []models.SessionReservation
	err = s.tx.RunGroupTx(ctx, group.ID, func(tx *sqlx.Tx) error {
		created, err = s.GenerateTx(ctx, tx, enrollment, group)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("reservations generated",
		zap.String("enrollment_id", enrollment.ID),
		zap.String("group_id", group.ID),
		zap.Int("created", len(created)))
	return created, nil
}

// List returns reservations with pagination metadata.
func (s *ReservationService) List(ctx context.Context, filter models.ReservationFilter) ([]models.SessionReservation, *models.Pagination, error) {
	reservations, total, err := s.reservations.List(ctx, filter)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list reservations")
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
	return reservations, pagination, nil
}

// SwitchSession moves one confirmed reservation to another session, keeping
// the seat mode unless the target in-person tier is full.
func (s *ReservationService) SwitchSession(ctx context.Context, reservationID string, req SwitchSessionRequest) (*models.SessionReservation, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid switch payload")
	}

	reservation, err := s.reservations.FindByID(ctx, nil, reservationID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "reservation not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load reservation")
	}
	if reservation.Status != models.ReservationStatusConfirmed {
		return nil, appErrors.Clone(appErrors.ErrInvalidState, "reservation is not confirmed")
	}
	if reservation.SessionID == req.SessionID {
		return nil, appErrors.Clone(appErrors.ErrConflict, "reservation already covers session")
	}

	oldSession, err := s.sessions.FindByID(ctx, nil, reservation.SessionID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "session not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load current session")
	}
	newSession, err := s.sessions.FindByID(ctx, nil, req.SessionID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "session not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load target session")
	}
	now := time.Now().UTC()
	if !newSession.StartsAt.After(now) {
		return nil, appErrors.Clone(appErrors.ErrInvalidState, "target session already occurred")
	}

	var switched models.SessionReservation
	err = s.tx.RunGroupsTx(ctx, []string{oldSession.GroupID, newSession.GroupID}, func(tx *sqlx.Tx) error {
		current, err := s.reservations.FindByID(ctx, tx, reservationID)
		if err != nil {
			return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to reload reservation")
		}
		if current.Status != models.ReservationStatusConfirmed {
			return appErrors.Clone(appErrors.ErrInvalidState, "reservation is not confirmed")
		}

		taken, err := s.reservations.ExistsForStudentSession(ctx, tx, current.StudentID, newSession.ID)
		if err != nil {
			return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to check target session")
		}
		if taken {
			return appErrors.Clone(appErrors.ErrConflict, "student already has a reservation for session")
		}

		if err := s.reservations.Cancel(ctx, tx, current.ID, now); err != nil {
			return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to cancel reservation")
		}

		held, err := s.reservations.ExistsConfirmedForSubject(ctx, tx, current.StudentID, newSession.SubjectID, newSession.GroupID)
		if err != nil {
			return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to check subject reservations")
		}
		if held {
			return appErrors.Clone(appErrors.ErrSubjectReservation, "student already holds a seat in another group of this subject")
		}

		mode := current.Mode
		if mode == models.ReservationModeInPerson {
			mode, err = s.assignMode(ctx, tx, newSession.ID)
			if err != nil {
				return err
			}
		}

		switched = models.SessionReservation{
			StudentID:    current.StudentID,
			SessionID:    newSession.ID,
			EnrollmentID: current.EnrollmentID,
			Mode:         mode,
			Status:       models.ReservationStatusConfirmed,
			ReservedAt:   now,
		}
		if err := s.reservations.Create(ctx, tx, &switched); err != nil {
			return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create reservation")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("reservation switched",
		zap.String("reservation_id", reservationID),
		zap.String("from_session", oldSession.ID),
		zap.String("to_session", newSession.ID),
		zap.String("mode", string(switched.Mode)))
	return &switched, nil
}
