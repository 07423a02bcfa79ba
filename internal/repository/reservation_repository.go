package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/tutorhub/enrollment-api/internal/models"
)

// ReservationRepository handles persistence of session reservations.
type ReservationRepository struct {
	db *sqlx.DB
}

// NewReservationRepository constructs the repository.
func NewReservationRepository(db *sqlx.DB) *ReservationRepository {
	return &ReservationRepository{db: db}
}

const reservationColumns = `id, student_id, session_id, enrollment_id, mode, status, reserved_at, cancelled_at`

// FindByID returns a reservation by its ID.
func (r *ReservationRepository) FindByID(ctx context.Context, q sqlx.ExtContext, id string) (*models.SessionReservation, error) {
	q = ext(q, r.db)
	query := fmt.Sprintf(`SELECT %s FROM session_reservations WHERE id = $1`, reservationColumns)
	var reservation models.SessionReservation
	if err := sqlx.GetContext(ctx, q, &reservation, query, id); err != nil {
		return nil, err
	}
	return &reservation, nil
}

// ExistsForStudentSession reports whether any reservation, confirmed or
// cancelled, exists for the (student, session) pair. Generation treats either
// as already covered.
func (r *ReservationRepository) ExistsForStudentSession(ctx context.Context, q sqlx.ExtContext, studentID, sessionID string) (bool, error) {
	q = ext(q, r.db)
	const query = `SELECT 1 FROM session_reservations WHERE student_id = $1 AND session_id = $2 LIMIT 1`
	var exists int
	if err := sqlx.GetContext(ctx, q, &exists, query, studentID, sessionID); err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, fmt.Errorf("check reservation existence: %w", err)
	}
	return true, nil
}

// CountInPersonConfirmed returns the number of confirmed in-person seats
// currently held for the session.
func (r *ReservationRepository) CountInPersonConfirmed(ctx context.Context, q sqlx.ExtContext, sessionID string) (int, error) {
	q = ext(q, r.db)
	const query = `SELECT COUNT(*) FROM session_reservations WHERE session_id = $1 AND status = $2 AND mode = $3`
	var count int
	if err := sqlx.GetContext(ctx, q, &count, query, sessionID, models.ReservationStatusConfirmed, models.ReservationModeInPerson); err != nil {
		return 0, fmt.Errorf("count in-person reservations: %w", err)
	}
	return count, nil
}

// ExistsConfirmedForSubject reports whether the student holds a confirmed
// reservation for any session of the subject outside the given group.
func (r *ReservationRepository) ExistsConfirmedForSubject(ctx context.Context, q sqlx.ExtContext, studentID, subjectID, excludeGroupID string) (bool, error) {
	q = ext(q, r.db)
	const query = `SELECT 1 FROM session_reservations r
        JOIN class_sessions cs ON cs.id = r.session_id
        WHERE r.student_id = $1 AND r.status = $2 AND cs.subject_id = $3 AND cs.group_id <> $4
        LIMIT 1`
	var exists int
	err := sqlx.GetContext(ctx, q, &exists, query, studentID, models.ReservationStatusConfirmed, subjectID, excludeGroupID)
	if err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, fmt.Errorf("check subject reservation: %w", err)
	}
	return true, nil
}

// Create persists a new reservation.
func (r *ReservationRepository) Create(ctx context.Context, q sqlx.ExtContext, reservation *models.SessionReservation) error {
	q = ext(q, r.db)
	if reservation.ID == "" {
		reservation.ID = uuid.NewString()
	}
	if reservation.ReservedAt.IsZero() {
		reservation.ReservedAt = time.Now().UTC()
	}
	const query = `INSERT INTO session_reservations (id, student_id, session_id, enrollment_id, mode, status, reserved_at, cancelled_at)
        VALUES (:id, :student_id, :session_id, :enrollment_id, :mode, :status, :reserved_at, :cancelled_at)`
	if _, err := sqlx.NamedExecContext(ctx, q, query, reservation); err != nil {
		return fmt.Errorf("create reservation: %w", err)
	}
	return nil
}

// Cancel marks a single reservation as cancelled.
func (r *ReservationRepository) Cancel(ctx context.Context, q sqlx.ExtContext, id string, cancelledAt time.Time) error {
	q = ext(q, r.db)
	const query = `UPDATE session_reservations SET status = $2, cancelled_at = $3 WHERE id = $1`
	if _, err := q.ExecContext(ctx, query, id, models.ReservationStatusCancelled, cancelledAt); err != nil {
		return fmt.Errorf("cancel reservation: %w", err)
	}
	return nil
}

// CancelFutureByEnrollment cancels every confirmed reservation owned by the
// enrollment whose session has not yet started.
func (r *ReservationRepository) CancelFutureByEnrollment(ctx context.Context, q sqlx.ExtContext, enrollmentID string, now time.Time) (int64, error) {
	q = ext(q, r.db)
	const query = `UPDATE session_reservations r SET status = $2, cancelled_at = $3
        FROM class_sessions cs
        WHERE cs.id = r.session_id AND r.enrollment_id = $1 AND r.status = $4 AND cs.starts_at > $3`
	res, err := q.ExecContext(ctx, query, enrollmentID, models.ReservationStatusCancelled, now, models.ReservationStatusConfirmed)
	if err != nil {
		return 0, fmt.Errorf("cancel future reservations: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("cancel future reservations affected: %w", err)
	}
	return affected, nil
}

// CancelFutureByStudentAndGroup cancels the student's confirmed reservations
// against future sessions of the group.
func (r *ReservationRepository) CancelFutureByStudentAndGroup(ctx context.Context, q sqlx.ExtContext, studentID, groupID string, now time.Time) (int64, error) {
	q = ext(q, r.db)
	const query = `UPDATE session_reservations r SET status = $2, cancelled_at = $3
        FROM class_sessions cs
        WHERE cs.id = r.session_id AND r.student_id = $1 AND r.status = $4 AND cs.group_id = $5 AND cs.starts_at > $3`
	res, err := q.ExecContext(ctx, query, studentID, models.ReservationStatusCancelled, now, models.ReservationStatusConfirmed, groupID)
	if err != nil {
		return 0, fmt.Errorf("cancel group reservations: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("cancel group reservations affected: %w", err)
	}
	return affected, nil
}

// List returns reservations filtered by the provided criteria.
func (r *ReservationRepository) List(ctx context.Context, filter models.ReservationFilter) ([]models.SessionReservation, int, error) {
	base := `FROM session_reservations r JOIN class_sessions cs ON cs.id = r.session_id`
	var conditions []string
	var args []interface{}

	if filter.StudentID != "" {
		conditions = append(conditions, fmt.Sprintf("r.student_id = $%d", len(args)+1))
		args = append(args, filter.StudentID)
	}
	if filter.SessionID != "" {
		conditions = append(conditions, fmt.Sprintf("r.session_id = $%d", len(args)+1))
		args = append(args, filter.SessionID)
	}
	if filter.GroupID != "" {
		conditions = append(conditions, fmt.Sprintf("cs.group_id = $%d", len(args)+1))
		args = append(args, filter.GroupID)
	}
	if filter.Status != "" {
		conditions = append(conditions, fmt.Sprintf("r.status = $%d", len(args)+1))
		args = append(args, filter.Status)
	}
	if filter.Mode != "" {
		conditions = append(conditions, fmt.Sprintf("r.mode = $%d", len(args)+1))
		args = append(args, filter.Mode)
	}

	clause := ""
	if len(conditions) > 0 {
		clause = " WHERE " + strings.Join(conditions, " AND ")
	}

	page := filter.Page
	if page < 1 {
		page = 1
	}
	size := filter.PageSize
	if size <= 0 || size > 100 {
		size = 20
	}
	offset := (page - 1) * size

	query := fmt.Sprintf(`SELECT r.id, r.student_id, r.session_id, r.enrollment_id, r.mode, r.status, r.reserved_at, r.cancelled_at
        %s ORDER BY cs.starts_at ASC LIMIT %d OFFSET %d`, base+clause, size, offset)

	var reservations []models.SessionReservation
	if err := r.db.SelectContext(ctx, &reservations, query, args...); err != nil {
		return nil, 0, fmt.Errorf("list reservations: %w", err)
	}

	countQuery := fmt.Sprintf("SELECT COUNT(*) %s", base+clause)
	var total int
	if err := r.db.GetContext(ctx, &total, countQuery, args...); err != nil {
		return nil, 0, fmt.Errorf("count reservations: %w", err)
	}
	return reservations, total, nil
}
