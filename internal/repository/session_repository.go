package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/tutorhub/enrollment-api/internal/models"
)

// SessionRepository reads class sessions owned by the external schedule
// collaborator.
type SessionRepository struct {
	db *sqlx.DB
}

// NewSessionRepository constructs the repository.
func NewSessionRepository(db *sqlx.DB) *SessionRepository {
	return &SessionRepository{db: db}
}

const sessionColumns = `id, group_id, subject_id, starts_at, ends_at, classroom`

// FindByID returns a session by its ID.
func (r *SessionRepository) FindByID(ctx context.Context, q sqlx.ExtContext, id string) (*models.ClassSession, error) {
	q = ext(q, r.db)
	query := fmt.Sprintf(`SELECT %s FROM class_sessions WHERE id = $1`, sessionColumns)
	var session models.ClassSession
	if err := sqlx.GetContext(ctx, q, &session, query, id); err != nil {
		return nil, err
	}
	return &session, nil
}

// ListFutureByGroup returns the group's sessions starting after the given
// instant, earliest first.
func (r *SessionRepository) ListFutureByGroup(ctx context.Context, q sqlx.ExtContext, groupID string, from time.Time) ([]models.ClassSession, error) {
	q = ext(q, r.db)
	query := fmt.Sprintf(`SELECT %s FROM class_sessions WHERE group_id = $1 AND starts_at > $2 ORDER BY starts_at ASC`, sessionColumns)
	var sessions []models.ClassSession
	if err := sqlx.SelectContext(ctx, q, &sessions, query, groupID, from); err != nil {
		return nil, fmt.Errorf("list future sessions: %w", err)
	}
	return sessions, nil
}
