package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/tutorhub/enrollment-api/internal/models"
	appErrors "github.com/tutorhub/enrollment-api/pkg/errors"
)

// groupCache abstracts the optional Redis read-through for group metadata.
type groupCache interface {
	Get(ctx context.Context, key string, dest interface{}) error
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
}

// GroupRepository reads course groups owned by the external group
// collaborator. Capacity decisions only need maxCapacity, subjectId and the
// effective price, so rows are cached briefly to keep admissions off the
// groups table.
type GroupRepository struct {
	db       *sqlx.DB
	cache    groupCache
	cacheTTL time.Duration
	logger   *zap.Logger
}

// NewGroupRepository constructs the repository. cache may be nil.
func NewGroupRepository(db *sqlx.DB, cache groupCache, cacheTTL time.Duration, logger *zap.Logger) *GroupRepository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GroupRepository{db: db, cache: cache, cacheTTL: cacheTTL, logger: logger}
}

func groupCacheKey(id string) string {
	return fmt.Sprintf("group:%s", id)
}

// FindByID returns a group by its ID, consulting the cache first.
func (r *GroupRepository) FindByID(ctx context.Context, id string) (*models.Group, error) {
	if r.cache != nil {
		var cached models.Group
		err := r.cache.Get(ctx, groupCacheKey(id), &cached)
		if err == nil {
			return &cached, nil
		}
		if !errors.Is(err, appErrors.ErrCacheMiss) {
			r.logger.Warn("group cache read failed", zap.String("group_id", id), zap.Error(err))
		}
	}

	const query = `SELECT id, name, subject_id, max_capacity, price_per_hour, created_at FROM groups WHERE id = $1`
	var group models.Group
	if err := r.db.GetContext(ctx, &group, query, id); err != nil {
		return nil, err
	}

	if r.cache != nil {
		if err := r.cache.Set(ctx, groupCacheKey(id), group, r.cacheTTL); err != nil {
			r.logger.Warn("group cache write failed", zap.String("group_id", id), zap.Error(err))
		}
	}
	return &group, nil
}
