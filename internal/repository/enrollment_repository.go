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

// EnrollmentRepository handles persistence of enrollments. Methods that
// participate in capacity decisions take a sqlx.ExtContext so they can run on
// the transaction opened by TxRunner.
type EnrollmentRepository struct {
	db *sqlx.DB
}

// NewEnrollmentRepository constructs the repository.
func NewEnrollmentRepository(db *sqlx.DB) *EnrollmentRepository {
	return &EnrollmentRepository{db: db}
}

const enrollmentColumns = `id, student_id, group_id, status, waiting_list_position, price_per_hour, enrolled_at, promoted_at, withdrawn_at`

// List returns enrollments filtered by the provided criteria.
func (r *EnrollmentRepository) List(ctx context.Context, filter models.EnrollmentFilter) ([]models.EnrollmentDetail, int, error) {
	base := `FROM enrollments e
LEFT JOIN groups g ON g.id = e.group_id
LEFT JOIN subjects sub ON sub.id = g.subject_id`
	var conditions []string
	var args []interface{}

	if filter.StudentID != "" {
		conditions = append(conditions, fmt.Sprintf("e.student_id = $%d", len(args)+1))
		args = append(args, filter.StudentID)
	}
	if filter.GroupID != "" {
		conditions = append(conditions, fmt.Sprintf("e.group_id = $%d", len(args)+1))
		args = append(args, filter.GroupID)
	}
	if filter.Status != "" {
		conditions = append(conditions, fmt.Sprintf("e.status = $%d", len(args)+1))
		args = append(args, filter.Status)
	}

	clause := ""
	if len(conditions) > 0 {
		clause = " WHERE " + strings.Join(conditions, " AND ")
	}

	allowedSorts := map[string]string{
		"enrolled_at": "e.enrolled_at",
		"status":      "e.status",
		"group_name":  "g.name",
	}
	sortBy := filter.SortBy
	if sortBy == "" {
		sortBy = "enrolled_at"
	}
	orderBy := allowedSorts[sortBy]
	if orderBy == "" {
		orderBy = "e.enrolled_at"
	}
	order := strings.ToUpper(filter.SortOrder)
	if order != "ASC" && order != "DESC" {
		order = "DESC"
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

	query := fmt.Sprintf(`SELECT e.id, e.student_id, e.group_id, e.status, e.waiting_list_position, e.price_per_hour, e.enrolled_at, e.promoted_at, e.withdrawn_at,
        g.name AS group_name, g.subject_id AS subject_id, sub.name AS subject_name
        %s ORDER BY %s %s LIMIT %d OFFSET %d`, base+clause, orderBy, order, size, offset)

	var enrollments []models.EnrollmentDetail
	if err := r.db.SelectContext(ctx, &enrollments, query, args...); err != nil {
		return nil, 0, fmt.Errorf("list enrollments: %w", err)
	}

	countQuery := fmt.Sprintf("SELECT COUNT(*) %s", base+clause)
	var total int
	if err := r.db.GetContext(ctx, &total, countQuery, args...); err != nil {
		return nil, 0, fmt.Errorf("count enrollments: %w", err)
	}
	return enrollments, total, nil
}

// FindByID returns an enrollment by its ID.
func (r *EnrollmentRepository) FindByID(ctx context.Context, q sqlx.ExtContext, id string) (*models.Enrollment, error) {
	q = ext(q, r.db)
	query := fmt.Sprintf(`SELECT %s FROM enrollments WHERE id = $1`, enrollmentColumns)
	var enrollment models.Enrollment
	if err := sqlx.GetContext(ctx, q, &enrollment, query, id); err != nil {
		return nil, err
	}
	return &enrollment, nil
}

// FindDetailByID returns an enrollment with group and subject info.
func (r *EnrollmentRepository) FindDetailByID(ctx context.Context, id string) (*models.EnrollmentDetail, error) {
	const query = `SELECT e.id, e.student_id, e.group_id, e.status, e.waiting_list_position, e.price_per_hour, e.enrolled_at, e.promoted_at, e.withdrawn_at,
        g.name AS group_name, g.subject_id AS subject_id, sub.name AS subject_name
        FROM enrollments e
        LEFT JOIN groups g ON g.id = e.group_id
        LEFT JOIN subjects sub ON sub.id = g.subject_id
        WHERE e.id = $1`
	var detail models.EnrollmentDetail
	if err := r.db.GetContext(ctx, &detail, query, id); err != nil {
		return nil, err
	}
	return &detail, nil
}

// ExistsCurrent reports whether the student already has an ACTIVE or
// WAITING_LIST enrollment for the group.
func (r *EnrollmentRepository) ExistsCurrent(ctx context.Context, q sqlx.ExtContext, studentID, groupID string) (bool, error) {
	q = ext(q, r.db)
	const query = `SELECT 1 FROM enrollments WHERE student_id = $1 AND group_id = $2 AND status IN ($3, $4) LIMIT 1`
	var exists int
	err := sqlx.GetContext(ctx, q, &exists, query, studentID, groupID, models.EnrollmentStatusActive, models.EnrollmentStatusWaitingList)
	if err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, fmt.Errorf("check current enrollment: %w", err)
	}
	return true, nil
}

// CountActiveByGroup returns the number of ACTIVE enrollments for the group.
func (r *EnrollmentRepository) CountActiveByGroup(ctx context.Context, q sqlx.ExtContext, groupID string) (int, error) {
	q = ext(q, r.db)
	const query = `SELECT COUNT(*) FROM enrollments WHERE group_id = $1 AND status = $2`
	var count int
	if err := sqlx.GetContext(ctx, q, &count, query, groupID, models.EnrollmentStatusActive); err != nil {
		return 0, fmt.Errorf("count active enrollments: %w", err)
	}
	return count, nil
}

// NextWaitingPosition returns the next free waiting-list position for the
// group (1 when the queue is empty).
func (r *EnrollmentRepository) NextWaitingPosition(ctx context.Context, q sqlx.ExtContext, groupID string) (int, error) {
	q = ext(q, r.db)
	const query = `SELECT COALESCE(MAX(waiting_list_position), 0) + 1 FROM enrollments WHERE group_id = $1 AND status = $2`
	var next int
	if err := sqlx.GetContext(ctx, q, &next, query, groupID, models.EnrollmentStatusWaitingList); err != nil {
		return 0, fmt.Errorf("next waiting position: %w", err)
	}
	return next, nil
}

// Create persists a new enrollment record.
func (r *EnrollmentRepository) Create(ctx context.Context, q sqlx.ExtContext, enrollment *models.Enrollment) error {
	q = ext(q, r.db)
	if enrollment.ID == "" {
		enrollment.ID = uuid.NewString()
	}
	if enrollment.EnrolledAt.IsZero() {
		enrollment.EnrolledAt = time.Now().UTC()
	}
	const query = `INSERT INTO enrollments (id, student_id, group_id, status, waiting_list_position, price_per_hour, enrolled_at, promoted_at, withdrawn_at)
        VALUES (:id, :student_id, :group_id, :status, :waiting_list_position, :price_per_hour, :enrolled_at, :promoted_at, :withdrawn_at)`
	if _, err := sqlx.NamedExecContext(ctx, q, query, enrollment); err != nil {
		return fmt.Errorf("create enrollment: %w", err)
	}
	return nil
}

// FindWaitingHead returns the waiting-list enrollment with the smallest
// position for the group, or nil when the queue is empty.
func (r *EnrollmentRepository) FindWaitingHead(ctx context.Context, q sqlx.ExtContext, groupID string) (*models.Enrollment, error) {
	q = ext(q, r.db)
	query := fmt.Sprintf(`SELECT %s FROM enrollments WHERE group_id = $1 AND status = $2 ORDER BY waiting_list_position ASC LIMIT 1`, enrollmentColumns)
	var enrollment models.Enrollment
	if err := sqlx.GetContext(ctx, q, &enrollment, query, groupID, models.EnrollmentStatusWaitingList); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("find waiting head: %w", err)
	}
	return &enrollment, nil
}

// ListWaitingByGroup returns the waiting list for a group in FIFO order.
func (r *EnrollmentRepository) ListWaitingByGroup(ctx context.Context, groupID string) ([]models.Enrollment, error) {
	query := fmt.Sprintf(`SELECT %s FROM enrollments WHERE group_id = $1 AND status = $2 ORDER BY waiting_list_position ASC`, enrollmentColumns)
	var enrollments []models.Enrollment
	if err := r.db.SelectContext(ctx, &enrollments, query, groupID, models.EnrollmentStatusWaitingList); err != nil {
		return nil, fmt.Errorf("list waiting enrollments: %w", err)
	}
	return enrollments, nil
}

// Activate promotes an enrollment to ACTIVE clearing its queue position.
func (r *EnrollmentRepository) Activate(ctx context.Context, q sqlx.ExtContext, id string, promotedAt time.Time) error {
	q = ext(q, r.db)
	const query = `UPDATE enrollments SET status = $2, waiting_list_position = NULL, promoted_at = $3 WHERE id = $1`
	if _, err := q.ExecContext(ctx, query, id, models.EnrollmentStatusActive, promotedAt); err != nil {
		return fmt.Errorf("activate enrollment: %w", err)
	}
	return nil
}

// Withdraw marks an enrollment as WITHDRAWN clearing any queue position.
func (r *EnrollmentRepository) Withdraw(ctx context.Context, q sqlx.ExtContext, id string, withdrawnAt time.Time) error {
	q = ext(q, r.db)
	const query = `UPDATE enrollments SET status = $2, waiting_list_position = NULL, withdrawn_at = $3 WHERE id = $1`
	if _, err := q.ExecContext(ctx, query, id, models.EnrollmentStatusWithdrawn, withdrawnAt); err != nil {
		return fmt.Errorf("withdraw enrollment: %w", err)
	}
	return nil
}

// CompactWaitingPositions shifts every queued enrollment behind the vacated
// position up by one, keeping the 1..N sequence contiguous.
func (r *EnrollmentRepository) CompactWaitingPositions(ctx context.Context, q sqlx.ExtContext, groupID string, vacatedPosition int) error {
	q = ext(q, r.db)
	const query = `UPDATE enrollments SET waiting_list_position = waiting_list_position - 1
        WHERE group_id = $1 AND status = $2 AND waiting_list_position > $3`
	if _, err := q.ExecContext(ctx, query, groupID, models.EnrollmentStatusWaitingList, vacatedPosition); err != nil {
		return fmt.Errorf("compact waiting positions: %w", err)
	}
	return nil
}

// UpdateGroup moves an enrollment to a new group in place.
func (r *EnrollmentRepository) UpdateGroup(ctx context.Context, q sqlx.ExtContext, id, groupID string) error {
	q = ext(q, r.db)
	const query = `UPDATE enrollments SET group_id = $2 WHERE id = $1`
	if _, err := q.ExecContext(ctx, query, id, groupID); err != nil {
		return fmt.Errorf("update enrollment group: %w", err)
	}
	return nil
}
