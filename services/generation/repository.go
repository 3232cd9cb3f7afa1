package generation

import (
	"context"
	"errors"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var (
	// ErrNotFound is returned when no record matches the lookup.
	ErrNotFound = errors.New("generation: record not found")
	// ErrTerminal is returned when a guarded write targets a record that has
	// already reached a terminal status.
	ErrTerminal = errors.New("generation: record already terminal")
)

// ContentFilter narrows FindByStatusIn.
type ContentFilter struct {
	CreatedAfter      *time.Time
	RequireProviderID bool
	Limit             int
}

// ContentRepository describes database operations available for content tasks.
type ContentRepository interface {
	WithTx(tx *gorm.DB) ContentRepository
	Create(ctx context.Context, contents ...*Content) error
	FindByID(ctx context.Context, id string) (*Content, error)
	FindByProviderID(ctx context.Context, providerTaskID string) (*Content, error)
	FindByProviderIDs(ctx context.Context, providerTaskIDs []string) ([]Content, error)
	FindByGeneration(ctx context.Context, generationID string) ([]Content, error)
	// FindByStatusIn returns matching records oldest first.
	FindByStatusIn(ctx context.Context, statuses []Status, filter ContentFilter) ([]Content, error)
	// UpdateActive applies fields in one statement, only while the record is
	// still pending or processing. It returns ErrTerminal otherwise.
	UpdateActive(ctx context.Context, id string, fields map[string]any) error
	TouchChecked(ctx context.Context, ids []string, at time.Time) error
}

// GenerationRepository describes database operations available for generations.
type GenerationRepository interface {
	WithTx(tx *gorm.DB) GenerationRepository
	Create(ctx context.Context, g *Generation) error
	FindByID(ctx context.Context, id string) (*Generation, error)
	FindByUUID(ctx context.Context, uuid string) (*Generation, error)
	// UpdateStatus persists status and reports whether the stored value changed.
	UpdateStatus(ctx context.Context, id string, status Status) (bool, error)
	Touch(ctx context.Context, id string, at time.Time) error
	FindArchivable(ctx context.Context, accessedBefore time.Time, limit int) ([]Generation, error)
	MarkArchived(ctx context.Context, id string, metadata datatypes.JSON, at time.Time) error
	// DeleteCascade removes the generation and every content task it owns.
	DeleteCascade(ctx context.Context, id string) error
}

type contentRepository struct {
	db *gorm.DB
}

// NewContentRepository returns a gorm backed ContentRepository implementation.
func NewContentRepository(db *gorm.DB) ContentRepository {
	return &contentRepository{db: db}
}

func (r *contentRepository) WithTx(tx *gorm.DB) ContentRepository {
	return &contentRepository{db: tx}
}

func (r *contentRepository) Create(ctx context.Context, contents ...*Content) error {
	if r == nil || r.db == nil {
		return gorm.ErrInvalidDB
	}
	if len(contents) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Create(contents).Error
}

func (r *contentRepository) first(ctx context.Context, query string, args ...any) (*Content, error) {
	if r == nil || r.db == nil {
		return nil, gorm.ErrInvalidDB
	}

	var content Content
	err := r.db.WithContext(ctx).Where(query, args...).First(&content).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &content, nil
}

func (r *contentRepository) FindByID(ctx context.Context, id string) (*Content, error) {
	return r.first(ctx, "id = ?", id)
}

func (r *contentRepository) FindByProviderID(ctx context.Context, providerTaskID string) (*Content, error) {
	return r.first(ctx, "provider_task_id = ?", providerTaskID)
}

func (r *contentRepository) FindByProviderIDs(ctx context.Context, providerTaskIDs []string) ([]Content, error) {
	if r == nil || r.db == nil {
		return nil, gorm.ErrInvalidDB
	}
	if len(providerTaskIDs) == 0 {
		return nil, nil
	}

	var contents []Content
	err := r.db.WithContext(ctx).
		Where("provider_task_id IN ?", providerTaskIDs).
		Find(&contents).Error
	return contents, err
}

func (r *contentRepository) FindByGeneration(ctx context.Context, generationID string) ([]Content, error) {
	if r == nil || r.db == nil {
		return nil, gorm.ErrInvalidDB
	}

	var contents []Content
	err := r.db.WithContext(ctx).
		Where("generation_id = ?", generationID).
		Order("created_at ASC").Order("id ASC").
		Find(&contents).Error
	return contents, err
}

func (r *contentRepository) FindByStatusIn(ctx context.Context, statuses []Status, filter ContentFilter) ([]Content, error) {
	if r == nil || r.db == nil {
		return nil, gorm.ErrInvalidDB
	}

	query := r.db.WithContext(ctx).Model(&Content{}).
		Where("status IN ?", statuses)

	if filter.CreatedAfter != nil {
		query = query.Where("created_at >= ?", *filter.CreatedAfter)
	}
	if filter.RequireProviderID {
		query = query.Where("provider_task_id IS NOT NULL AND provider_task_id <> ''")
	}
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}

	query = query.Order("created_at ASC").Order("id ASC")

	var contents []Content
	if err := query.Find(&contents).Error; err != nil {
		return nil, err
	}
	return contents, nil
}

func (r *contentRepository) UpdateActive(ctx context.Context, id string, fields map[string]any) error {
	if r == nil || r.db == nil {
		return gorm.ErrInvalidDB
	}

	res := r.db.WithContext(ctx).
		Model(&Content{}).
		Where("id = ? AND status IN ?", id, ActiveStatuses).
		Updates(fields)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected > 0 {
		return nil
	}

	if _, err := r.FindByID(ctx, id); err != nil {
		return err
	}
	return ErrTerminal
}

func (r *contentRepository) TouchChecked(ctx context.Context, ids []string, at time.Time) error {
	if r == nil || r.db == nil {
		return gorm.ErrInvalidDB
	}
	if len(ids) == 0 {
		return nil
	}

	return r.db.WithContext(ctx).
		Model(&Content{}).
		Where("id IN ?", ids).
		UpdateColumn("last_checked_at", at).Error
}

type generationRepository struct {
	db *gorm.DB
}

// NewGenerationRepository returns a gorm backed GenerationRepository implementation.
func NewGenerationRepository(db *gorm.DB) GenerationRepository {
	return &generationRepository{db: db}
}

func (r *generationRepository) WithTx(tx *gorm.DB) GenerationRepository {
	return &generationRepository{db: tx}
}

func (r *generationRepository) Create(ctx context.Context, g *Generation) error {
	if r == nil || r.db == nil {
		return gorm.ErrInvalidDB
	}
	return r.db.WithContext(ctx).Omit("Contents").Create(g).Error
}

func (r *generationRepository) first(ctx context.Context, query string, args ...any) (*Generation, error) {
	if r == nil || r.db == nil {
		return nil, gorm.ErrInvalidDB
	}

	var g Generation
	err := r.db.WithContext(ctx).Where(query, args...).First(&g).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &g, nil
}

func (r *generationRepository) FindByID(ctx context.Context, id string) (*Generation, error) {
	return r.first(ctx, "id = ?", id)
}

func (r *generationRepository) FindByUUID(ctx context.Context, uuid string) (*Generation, error) {
	return r.first(ctx, "uuid = ?", uuid)
}

func (r *generationRepository) UpdateStatus(ctx context.Context, id string, status Status) (bool, error) {
	if r == nil || r.db == nil {
		return false, gorm.ErrInvalidDB
	}

	res := r.db.WithContext(ctx).
		Model(&Generation{}).
		Where("id = ? AND status <> ?", id, status).
		Update("status", status)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *generationRepository) Touch(ctx context.Context, id string, at time.Time) error {
	if r == nil || r.db == nil {
		return gorm.ErrInvalidDB
	}

	return r.db.WithContext(ctx).
		Model(&Generation{}).
		Where("id = ?", id).
		UpdateColumn("last_accessed_at", at).Error
}

func (r *generationRepository) FindArchivable(ctx context.Context, accessedBefore time.Time, limit int) ([]Generation, error) {
	if r == nil || r.db == nil {
		return nil, gorm.ErrInvalidDB
	}

	query := r.db.WithContext(ctx).Model(&Generation{}).
		Where("archived_at IS NULL").
		Where("status IN ?", []Status{StatusCompleted, StatusFailed, StatusCancelled, StatusMixed}).
		Where("COALESCE(last_accessed_at, created_at) < ?", accessedBefore).
		Order("created_at ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}

	var gens []Generation
	if err := query.Find(&gens).Error; err != nil {
		return nil, err
	}
	return gens, nil
}

func (r *generationRepository) MarkArchived(ctx context.Context, id string, metadata datatypes.JSON, at time.Time) error {
	if r == nil || r.db == nil {
		return gorm.ErrInvalidDB
	}

	res := r.db.WithContext(ctx).
		Model(&Generation{}).
		Where("id = ? AND archived_at IS NULL", id).
		Updates(map[string]any{
			"metadata":    metadata,
			"archived_at": at,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *generationRepository) DeleteCascade(ctx context.Context, id string) error {
	if r == nil || r.db == nil {
		return gorm.ErrInvalidDB
	}

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("generation_id = ?", id).Delete(&Content{}).Error; err != nil {
			return err
		}
		res := tx.Where("id = ?", id).Delete(&Generation{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
}
