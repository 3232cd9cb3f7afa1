package generation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"musicgen-controlplane/pkg/config"
	"musicgen-controlplane/pkg/errutil"

	"github.com/bwmarrin/snowflake"
	"github.com/facebookgo/clock"
	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// RecheckScheduler arranges the first status check of a new task.
type RecheckScheduler interface {
	ScheduleRecheck(ctx context.Context, providerTaskID string, attempt int) error
}

// SnapshotStore keeps a copy of a generation before it is archived.
type SnapshotStore interface {
	PutSnapshot(ctx context.Context, key string, body []byte) error
}

const archiveBatchSize = 500

type Service struct {
	db          *gorm.DB
	node        *snowflake.Node
	clock       clock.Clock
	contents    ContentRepository
	generations GenerationRepository
	aggregator  *Aggregator
	scheduler   RecheckScheduler
	snapshots   SnapshotStore

	tasksPerGeneration int
	archiveRetention   time.Duration

	reads singleflight.Group
}

type Params struct {
	fx.In
	DB          *gorm.DB
	Node        *snowflake.Node
	Config      *config.Config `optional:"true"`
	Clock       clock.Clock    `optional:"true"`
	Contents    ContentRepository
	Generations GenerationRepository
	Aggregator  *Aggregator
	Scheduler   RecheckScheduler `optional:"true"`
	Snapshots   SnapshotStore    `optional:"true"`
}

func NewService(p Params) *Service {
	s := &Service{
		db:                 p.DB,
		node:               p.Node,
		clock:              p.Clock,
		contents:           p.Contents,
		generations:        p.Generations,
		aggregator:         p.Aggregator,
		scheduler:          p.Scheduler,
		snapshots:          p.Snapshots,
		tasksPerGeneration: 2,
		archiveRetention:   30 * 24 * time.Hour,
	}
	if s.clock == nil {
		s.clock = clock.New()
	}
	if p.Config != nil {
		if n := p.Config.Reconcile.TasksPerGeneration; n > 0 {
			s.tasksPerGeneration = n
		}
		if r := p.Config.Reconcile.ArchiveRetention; r > 0 {
			s.archiveRetention = r
		}
	}
	return s
}

// CreateGenerationParams describes an accepted generation request.
type CreateGenerationParams struct {
	OwnerID         string
	Mode            Mode
	Request         json.RawMessage
	ProviderTaskIDs []string
	// TaskCount defaults to the configured tasks per generation.
	TaskCount int
}

func normalizeTaskIDs(ids []string) ([]string, error) {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			return nil, errutil.BadRequest("provider task id must not be empty", nil)
		}
		if _, ok := seen[id]; ok {
			return nil, errutil.BadRequest("duplicate provider task id", nil,
				errutil.WithDetails(errutil.Detail{Field: "provider_task_ids", Message: id}))
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out, nil
}

// CreateGeneration stores the generation and its content tasks atomically and
// schedules the first status check of every task.
func (s *Service) CreateGeneration(ctx context.Context, p CreateGenerationParams) (*Generation, error) {
	ownerID := strings.TrimSpace(p.OwnerID)
	if ownerID == "" {
		return nil, errutil.BadRequest("owner_id is required", nil)
	}
	if !p.Mode.Valid() {
		return nil, errutil.BadRequest("unsupported generation mode", nil,
			errutil.WithDetails(errutil.Detail{Field: "mode", Message: string(p.Mode)}))
	}
	ids, err := normalizeTaskIDs(p.ProviderTaskIDs)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, errutil.BadRequest("at least one provider task id is required", nil)
	}

	taskCount := p.TaskCount
	if taskCount <= 0 {
		taskCount = s.tasksPerGeneration
	}
	if len(ids) > taskCount {
		return nil, errutil.BadRequest("more provider tasks than task_count", nil)
	}

	now := s.clock.Now()
	g := &Generation{
		ID:        s.node.Generate().String(),
		UUID:      uuid.NewString(),
		OwnerID:   ownerID,
		Mode:      p.Mode,
		Request:   datatypes.JSON(p.Request),
		TaskCount: taskCount,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	contents := make([]*Content, 0, len(ids))
	for _, id := range ids {
		contents = append(contents, &Content{
			ID:             s.node.Generate().String(),
			ProviderTaskID: id,
			OwnerID:        ownerID,
			GenerationID:   &g.ID,
			Status:         StatusPending,
			CreatedAt:      now,
			UpdatedAt:      now,
		})
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.generations.WithTx(tx).Create(ctx, g); err != nil {
			return err
		}
		return s.contents.WithTx(tx).Create(ctx, contents...)
	})
	if err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, errutil.Conflict("provider task already tracked", err)
		}
		zap.L().Error("failed to create generation", zap.String("owner_id", ownerID), zap.Error(err))
		return nil, errutil.Internal("failed to create generation", err)
	}

	for _, c := range contents {
		s.scheduleFirstCheck(ctx, c.ProviderTaskID)
	}

	g.Contents = make([]Content, 0, len(contents))
	for _, c := range contents {
		g.Contents = append(g.Contents, *c)
	}

	zap.L().Info("generation created",
		zap.String("generation_id", g.UUID),
		zap.String("mode", string(g.Mode)),
		zap.Int("tasks", len(contents)),
	)
	return g, nil
}

// CreateContentParams describes a task outside a generation, or one attached
// later to an existing generation.
type CreateContentParams struct {
	OwnerID        string
	ProviderTaskID string
	GenerationUUID string
}

func (s *Service) CreateContent(ctx context.Context, p CreateContentParams) (*Content, error) {
	ownerID := strings.TrimSpace(p.OwnerID)
	taskID := strings.TrimSpace(p.ProviderTaskID)
	if ownerID == "" || taskID == "" {
		return nil, errutil.BadRequest("owner_id and provider_task_id are required", nil)
	}

	now := s.clock.Now()
	c := &Content{
		ID:             s.node.Generate().String(),
		ProviderTaskID: taskID,
		OwnerID:        ownerID,
		Status:         StatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if p.GenerationUUID != "" {
		g, err := s.generations.FindByUUID(ctx, p.GenerationUUID)
		if errors.Is(err, ErrNotFound) {
			return nil, errutil.NotFound("generation not found", err)
		}
		if err != nil {
			return nil, errutil.Internal("failed to load generation", err)
		}
		children, err := s.contents.FindByGeneration(ctx, g.ID)
		if err != nil {
			return nil, errutil.Internal("failed to load generation contents", err)
		}
		if len(children) >= g.TaskCount {
			return nil, errutil.Conflict("generation already has all its tasks", nil)
		}
		c.GenerationID = &g.ID
	}

	if err := s.contents.Create(ctx, c); err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, errutil.Conflict("provider task already tracked", err)
		}
		return nil, errutil.Internal("failed to create content", err)
	}

	s.scheduleFirstCheck(ctx, taskID)
	return c, nil
}

func (s *Service) scheduleFirstCheck(ctx context.Context, providerTaskID string) {
	if s.scheduler == nil {
		return
	}
	if err := s.scheduler.ScheduleRecheck(ctx, providerTaskID, 0); err != nil {
		// The bulk sweep still picks the task up.
		zap.L().Warn("failed to schedule first status check",
			zap.String("provider_task_id", providerTaskID),
			zap.Error(err),
		)
	}
}

// GetGeneration returns the generation with its contents and records the
// access for archival purposes. Concurrent reads of one generation share a
// single load; each caller gets its own copy.
func (s *Service) GetGeneration(ctx context.Context, generationUUID string) (*Generation, error) {
	v, err, _ := s.reads.Do(generationUUID, func() (any, error) {
		// Detached so one caller hanging up does not fail the others.
		ctx := context.WithoutCancel(ctx)
		g, err := s.generations.FindByUUID(ctx, generationUUID)
		if err != nil {
			return nil, err
		}
		contents, err := s.contents.FindByGeneration(ctx, g.ID)
		if err != nil {
			return nil, err
		}
		g.Contents = contents

		now := s.clock.Now()
		if err := s.generations.Touch(ctx, g.ID, now); err != nil {
			zap.L().Warn("failed to touch generation", zap.String("generation_id", g.UUID), zap.Error(err))
		} else {
			g.LastAccessedAt = &now
		}
		return g, nil
	})
	if errors.Is(err, ErrNotFound) {
		return nil, errutil.NotFound("generation not found", err)
	}
	if err != nil {
		return nil, errutil.Internal("failed to load generation", err)
	}

	g := *v.(*Generation)
	g.Contents = append([]Content(nil), g.Contents...)
	if g.LastAccessedAt != nil {
		at := *g.LastAccessedAt
		g.LastAccessedAt = &at
	}
	return &g, nil
}

// CancelContent moves a pending or processing task to cancelled. Cancelling a
// task that already finished is a conflict.
func (s *Service) CancelContent(ctx context.Context, contentID string) (*Content, error) {
	now := s.clock.Now()
	err := s.contents.UpdateActive(ctx, contentID, map[string]any{
		"status":          StatusCancelled,
		"completed_at":    now,
		"last_checked_at": now,
	})
	switch {
	case errors.Is(err, ErrNotFound):
		return nil, errutil.NotFound("content not found", err)
	case errors.Is(err, ErrTerminal):
		return nil, errutil.Conflict("content already reached a terminal status", err)
	case err != nil:
		return nil, errutil.Internal("failed to cancel content", err)
	}

	c, err := s.contents.FindByID(ctx, contentID)
	if err != nil {
		return nil, errutil.Internal("failed to reload content", err)
	}

	if c.GenerationID != nil {
		if _, err := s.aggregator.Recompute(ctx, *c.GenerationID); err != nil {
			zap.L().Warn("failed to recompute generation after cancel", zap.String("content_id", c.ID), zap.Error(err))
		}
	}

	zap.L().Info("content cancelled", zap.String("content_id", c.ID), zap.String("provider_task_id", c.ProviderTaskID))
	return c, nil
}

// DeleteGeneration removes a generation and all of its content tasks.
func (s *Service) DeleteGeneration(ctx context.Context, generationUUID string) error {
	g, err := s.generations.FindByUUID(ctx, generationUUID)
	if errors.Is(err, ErrNotFound) {
		return errutil.NotFound("generation not found", err)
	}
	if err != nil {
		return errutil.Internal("failed to load generation", err)
	}

	if err := s.generations.DeleteCascade(ctx, g.ID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return errutil.NotFound("generation not found", err)
		}
		return errutil.Internal("failed to delete generation", err)
	}

	zap.L().Info("generation deleted", zap.String("generation_id", g.UUID))
	return nil
}

func snapshotKey(g *Generation) string {
	return fmt.Sprintf("generations/%s.json", g.UUID)
}

// exportSnapshot writes the generation and its contents to the snapshot store.
func (s *Service) exportSnapshot(ctx context.Context, g *Generation) error {
	contents, err := s.contents.FindByGeneration(ctx, g.ID)
	if err != nil {
		return err
	}
	snapshot := *g
	snapshot.Contents = contents

	raw, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	return s.snapshots.PutSnapshot(ctx, snapshotKey(g), raw)
}

// ArchiveStale flags finished generations that nobody accessed within
// retention. It returns the number of generations archived.
func (s *Service) ArchiveStale(ctx context.Context, retention time.Duration) (int, error) {
	if retention <= 0 {
		retention = s.archiveRetention
	}
	now := s.clock.Now()

	gens, err := s.generations.FindArchivable(ctx, now.Add(-retention), archiveBatchSize)
	if err != nil {
		return 0, err
	}

	archived := 0
	for _, g := range gens {
		if s.snapshots != nil {
			if err := s.exportSnapshot(ctx, &g); err != nil {
				zap.L().Warn("failed to export generation snapshot, leaving it for the next run",
					zap.String("generation_id", g.UUID), zap.Error(err))
				continue
			}
		}

		meta := map[string]any{}
		if len(g.Metadata) > 0 {
			if err := json.Unmarshal(g.Metadata, &meta); err != nil {
				zap.L().Warn("discarding unreadable generation metadata", zap.String("generation_id", g.UUID), zap.Error(err))
				meta = map[string]any{}
			}
		}
		meta["archived"] = true
		meta["archived_at"] = now.UTC().Format(time.RFC3339)

		raw, err := json.Marshal(meta)
		if err != nil {
			return archived, err
		}
		if err := s.generations.MarkArchived(ctx, g.ID, datatypes.JSON(raw), now); err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return archived, err
		}
		archived++
	}
	return archived, nil
}

// HandleArchiveTask is the asynq handler for periodic archival.
func (s *Service) HandleArchiveTask(ctx context.Context, t *asynq.Task) error {
	var payload struct {
		Retention time.Duration `json:"retention"`
	}
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			zap.L().Error("invalid archive payload", zap.Error(err))
			return err
		}
	}

	n, err := s.ArchiveStale(ctx, payload.Retention)
	if err != nil {
		zap.L().Error("failed to archive generations", zap.Int("archived", n), zap.Error(err))
		return err
	}

	zap.L().Info("Finished archive task", zap.Int("archived", n))
	return nil
}
