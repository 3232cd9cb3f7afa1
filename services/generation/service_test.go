package generation

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"musicgen-controlplane/pkg/errutil"
	"musicgen-controlplane/services/testutil"

	"github.com/bwmarrin/snowflake"
	"github.com/facebookgo/clock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type recordingScheduler struct {
	mu    sync.Mutex
	calls map[string]int
	err   error
}

func (r *recordingScheduler) ScheduleRecheck(_ context.Context, providerTaskID string, attempt int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.calls == nil {
		r.calls = map[string]int{}
	}
	r.calls[providerTaskID] = attempt
	return r.err
}

type fixture struct {
	svc       *Service
	contents  ContentRepository
	gens      GenerationRepository
	scheduler *recordingScheduler
	clock     *clock.Mock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := testutil.NewTestDB(t, Models()...)
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	mock := clock.NewMock()
	mock.Add(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC).Sub(mock.Now()))

	contents := NewContentRepository(db)
	gens := NewGenerationRepository(db)
	sched := &recordingScheduler{}
	svc := NewService(Params{
		DB:          db,
		Node:        node,
		Clock:       mock,
		Contents:    contents,
		Generations: gens,
		Aggregator:  NewAggregator(contents, gens),
		Scheduler:   sched,
	})
	return &fixture{svc: svc, contents: contents, gens: gens, scheduler: sched, clock: mock}
}

func (f *fixture) create(t *testing.T, ids ...string) *Generation {
	t.Helper()
	g, err := f.svc.CreateGeneration(context.Background(), CreateGenerationParams{
		OwnerID:         "user_1",
		Mode:            ModeTextToSong,
		Request:         json.RawMessage(`{"prompt":"lofi rain"}`),
		ProviderTaskIDs: ids,
		TaskCount:       len(ids),
	})
	require.NoError(t, err)
	return g
}

func requireStatus(t *testing.T, err error, want errutil.CoreStatus) {
	t.Helper()
	var be errutil.BaseError
	require.True(t, errors.As(err, &be), "expected BaseError, got %v", err)
	require.Equal(t, want, be.Code)
}

func TestCreateGenerationSchedulesFirstCheck(t *testing.T) {
	f := newFixture(t)
	g := f.create(t, "task-a", "task-b")

	require.NotEmpty(t, g.UUID)
	require.Equal(t, 2, g.TaskCount)
	require.Equal(t, StatusPending, g.Status)
	require.Len(t, g.Contents, 2)
	require.Equal(t, map[string]int{"task-a": 0, "task-b": 0}, f.scheduler.calls)

	children, err := f.contents.FindByGeneration(context.Background(), g.ID)
	require.NoError(t, err)
	require.Len(t, children, 2)
	for _, c := range children {
		require.Equal(t, StatusPending, c.Status)
		require.Nil(t, c.CompletedAt)
	}
}

func TestCreateGenerationSchedulerFailureIsNotFatal(t *testing.T) {
	f := newFixture(t)
	f.scheduler.err = errors.New("redis down")

	g := f.create(t, "task-a")
	require.NotNil(t, g)
}

func TestCreateGenerationValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cases := []CreateGenerationParams{
		{Mode: ModeTextToSong, ProviderTaskIDs: []string{"a"}},
		{OwnerID: "u", Mode: "karaoke", ProviderTaskIDs: []string{"a"}},
		{OwnerID: "u", Mode: ModeInstrumental},
		{OwnerID: "u", Mode: ModeInstrumental, ProviderTaskIDs: []string{"a", "a"}},
		{OwnerID: "u", Mode: ModeInstrumental, ProviderTaskIDs: []string{"a", " "}},
		{OwnerID: "u", Mode: ModeInstrumental, ProviderTaskIDs: []string{"a", "b", "c"}},
	}
	for _, p := range cases {
		_, err := f.svc.CreateGeneration(ctx, p)
		requireStatus(t, err, errutil.StatusBadRequest)
	}
	require.Empty(t, f.scheduler.calls)
}

func TestCancelContent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	g := f.create(t, "task-a", "task-b")

	cancelled, err := f.svc.CancelContent(ctx, g.Contents[0].ID)
	require.NoError(t, err)
	require.Equal(t, StatusCancelled, cancelled.Status)
	require.NotNil(t, cancelled.CompletedAt)

	_, err = f.svc.CancelContent(ctx, g.Contents[0].ID)
	requireStatus(t, err, errutil.StatusConflict)

	_, err = f.svc.CancelContent(ctx, "missing")
	requireStatus(t, err, errutil.StatusNotFound)

	_, err = f.svc.CancelContent(ctx, g.Contents[1].ID)
	require.NoError(t, err)

	stored, err := f.gens.FindByID(ctx, g.ID)
	require.NoError(t, err)
	require.Equal(t, StatusCancelled, stored.Status)
}

func TestUpdateActiveRejectsTerminal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	g := f.create(t, "task-a")
	id := g.Contents[0].ID

	require.NoError(t, f.contents.UpdateActive(ctx, id, map[string]any{
		"status":       StatusCompleted,
		"content_url":  "https://cdn/a.mp3",
		"completed_at": f.clock.Now(),
	}))

	err := f.contents.UpdateActive(ctx, id, map[string]any{"status": StatusProcessing, "content_url": ""})
	require.ErrorIs(t, err, ErrTerminal)

	err = f.contents.UpdateActive(ctx, "nope", map[string]any{"status": StatusProcessing})
	require.ErrorIs(t, err, ErrNotFound)

	stored, err := f.contents.FindByID(ctx, id)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, stored.Status)
	require.Equal(t, "https://cdn/a.mp3", stored.ContentURL)
}

func TestFindByStatusInOldestFirst(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	old := f.create(t, "task-old")
	f.clock.Add(time.Hour)
	recent := f.create(t, "task-new")
	f.clock.Add(time.Hour)
	done := f.create(t, "task-done")
	require.NoError(t, f.contents.UpdateActive(ctx, done.Contents[0].ID, map[string]any{"status": StatusFailed}))

	all, err := f.contents.FindByStatusIn(ctx, ActiveStatuses, ContentFilter{RequireProviderID: true})
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.Equal(t, old.Contents[0].ID, all[0].ID)
	require.Equal(t, recent.Contents[0].ID, all[1].ID)

	since := f.clock.Now().Add(-90 * time.Minute)
	fresh, err := f.contents.FindByStatusIn(ctx, ActiveStatuses, ContentFilter{CreatedAfter: &since})
	require.NoError(t, err)
	require.Len(t, fresh, 1)
	require.Equal(t, "task-new", fresh[0].ProviderTaskID)

	limited, err := f.contents.FindByStatusIn(ctx, ActiveStatuses, ContentFilter{Limit: 1})
	require.NoError(t, err)
	require.Len(t, limited, 1)
	require.Equal(t, "task-old", limited[0].ProviderTaskID)
}

func TestGetGenerationTouchesAccess(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	g := f.create(t, "task-a", "task-b")

	f.clock.Add(time.Minute)
	got, err := f.svc.GetGeneration(ctx, g.UUID)
	require.NoError(t, err)
	require.Len(t, got.Contents, 2)
	require.NotNil(t, got.LastAccessedAt)
	require.True(t, got.LastAccessedAt.Equal(f.clock.Now()))

	_, err = f.svc.GetGeneration(ctx, "00000000-0000-0000-0000-000000000000")
	requireStatus(t, err, errutil.StatusNotFound)
}

// gatedGenerations holds FindByUUID until release is closed.
type gatedGenerations struct {
	GenerationRepository
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gatedGenerations) FindByUUID(ctx context.Context, uuid string) (*Generation, error) {
	g.once.Do(func() { close(g.entered) })
	<-g.release
	return g.GenerationRepository.FindByUUID(ctx, uuid)
}

func TestGetGenerationSharedReadIsIsolated(t *testing.T) {
	f := newFixture(t)
	g := f.create(t, "task-a", "task-b")

	gate := &gatedGenerations{
		GenerationRepository: f.gens,
		entered:              make(chan struct{}),
		release:              make(chan struct{}),
	}
	f.svc.generations = gate

	firstCtx, cancel := context.WithCancel(context.Background())
	type read struct {
		g   *Generation
		err error
	}
	first := make(chan read, 1)
	go func() {
		got, err := f.svc.GetGeneration(firstCtx, g.UUID)
		first <- read{got, err}
	}()
	<-gate.entered

	second := make(chan read, 1)
	go func() {
		got, err := f.svc.GetGeneration(context.Background(), g.UUID)
		second <- read{got, err}
	}()
	time.Sleep(20 * time.Millisecond)

	// The caller that started the load goes away before it finishes.
	cancel()
	close(gate.release)

	a, b := <-first, <-second
	require.NoError(t, a.err)
	require.NoError(t, b.err)
	require.Len(t, a.g.Contents, 2)
	require.Len(t, b.g.Contents, 2)

	a.g.Contents[0].Status = StatusFailed
	require.Equal(t, StatusPending, b.g.Contents[0].Status)
}

func TestDeleteGenerationCascades(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	g := f.create(t, "task-a", "task-b")
	keep := f.create(t, "task-c")

	require.NoError(t, f.svc.DeleteGeneration(ctx, g.UUID))

	children, err := f.contents.FindByGeneration(ctx, g.ID)
	require.NoError(t, err)
	require.Empty(t, children)
	_, err = f.gens.FindByID(ctx, g.ID)
	require.ErrorIs(t, err, ErrNotFound)

	kept, err := f.contents.FindByGeneration(ctx, keep.ID)
	require.NoError(t, err)
	require.Len(t, kept, 1)

	requireStatus(t, f.svc.DeleteGeneration(ctx, g.UUID), errutil.StatusNotFound)
}

func TestCreateContentAttachesToGeneration(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	g, err := f.svc.CreateGeneration(ctx, CreateGenerationParams{
		OwnerID:         "user_1",
		Mode:            ModeLyricsToSong,
		ProviderTaskIDs: []string{"task-a"},
		TaskCount:       2,
	})
	require.NoError(t, err)

	status, err := NewAggregator(f.contents, f.gens).Recompute(ctx, g.ID)
	require.NoError(t, err)
	require.Equal(t, StatusProcessing, status)

	c, err := f.svc.CreateContent(ctx, CreateContentParams{OwnerID: "user_1", ProviderTaskID: "task-b", GenerationUUID: g.UUID})
	require.NoError(t, err)
	require.Equal(t, g.ID, *c.GenerationID)
	require.Equal(t, 0, f.scheduler.calls["task-b"])

	_, err = f.svc.CreateContent(ctx, CreateContentParams{OwnerID: "user_1", ProviderTaskID: "task-c", GenerationUUID: g.UUID})
	requireStatus(t, err, errutil.StatusConflict)

	adhoc, err := f.svc.CreateContent(ctx, CreateContentParams{OwnerID: "user_1", ProviderTaskID: "conv-1"})
	require.NoError(t, err)
	require.Nil(t, adhoc.GenerationID)
}

func TestArchiveStale(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	agg := NewAggregator(f.contents, f.gens)

	stale := f.create(t, "task-a")
	require.NoError(t, f.contents.UpdateActive(ctx, stale.Contents[0].ID, map[string]any{"status": StatusCompleted}))
	_, err := agg.Recompute(ctx, stale.ID)
	require.NoError(t, err)

	running := f.create(t, "task-b")

	f.clock.Add(48 * time.Hour)
	fresh := f.create(t, "task-c")
	require.NoError(t, f.contents.UpdateActive(ctx, fresh.Contents[0].ID, map[string]any{"status": StatusFailed}))
	_, err = agg.Recompute(ctx, fresh.ID)
	require.NoError(t, err)

	n, err := f.svc.ArchiveStale(ctx, 24*time.Hour)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	got, err := f.gens.FindByID(ctx, stale.ID)
	require.NoError(t, err)
	require.NotNil(t, got.ArchivedAt)
	var meta map[string]any
	require.NoError(t, json.Unmarshal(got.Metadata, &meta))
	require.Equal(t, true, meta["archived"])

	for _, id := range []string{running.ID, fresh.ID} {
		g, err := f.gens.FindByID(ctx, id)
		require.NoError(t, err)
		require.Nil(t, g.ArchivedAt)
	}

	n, err = f.svc.ArchiveStale(ctx, 24*time.Hour)
	require.NoError(t, err)
	require.Zero(t, n)
}

type memorySnapshots struct {
	objects map[string][]byte
	err     error
}

func (m *memorySnapshots) PutSnapshot(_ context.Context, key string, body []byte) error {
	if m.err != nil {
		return m.err
	}
	m.objects[key] = body
	return nil
}

func TestArchiveStaleExportsSnapshot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	snapshots := &memorySnapshots{objects: map[string][]byte{}}
	f.svc.snapshots = snapshots

	g := f.create(t, "task-a")
	require.NoError(t, f.contents.UpdateActive(ctx, g.Contents[0].ID, map[string]any{"status": StatusCompleted}))
	_, err := NewAggregator(f.contents, f.gens).Recompute(ctx, g.ID)
	require.NoError(t, err)

	f.clock.Add(48 * time.Hour)
	snapshots.err = errors.New("bucket unavailable")
	n, err := f.svc.ArchiveStale(ctx, 24*time.Hour)
	require.NoError(t, err)
	require.Zero(t, n)

	snapshots.err = nil
	n, err = f.svc.ArchiveStale(ctx, 24*time.Hour)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	raw, ok := snapshots.objects["generations/"+g.UUID+".json"]
	require.True(t, ok)
	var snap Generation
	require.NoError(t, json.Unmarshal(raw, &snap))
	require.Equal(t, g.UUID, snap.UUID)
	require.Len(t, snap.Contents, 1)
	require.Equal(t, "task-a", snap.Contents[0].ProviderTaskID)
}

func TestCreateGenerationDuplicateTaskConflicts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.create(t, "task-a")

	_, err := f.svc.CreateGeneration(ctx, CreateGenerationParams{
		OwnerID:         "user_2",
		Mode:            ModeTextToSong,
		ProviderTaskIDs: []string{"task-b", "task-a"},
	})
	requireStatus(t, err, errutil.StatusConflict)

	// The transaction left nothing behind for the new task.
	_, err = f.contents.FindByProviderID(ctx, "task-b")
	require.ErrorIs(t, err, ErrNotFound)
}
