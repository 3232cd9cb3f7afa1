package reconciler

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"musicgen-controlplane/pkg/provider"
	"musicgen-controlplane/pkg/provider/providermock"
	"musicgen-controlplane/pkg/ratelimit"
	"musicgen-controlplane/services/generation"
	"musicgen-controlplane/services/testutil"

	"github.com/bwmarrin/snowflake"
	"github.com/facebookgo/clock"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
	"go.uber.org/zap"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type enqueued struct {
	task *asynq.Task
	opts []asynq.Option
}

func (e enqueued) option(typ asynq.OptionType) (any, bool) {
	for _, o := range e.opts {
		if o.Type() == typ {
			return o.Value(), true
		}
	}
	return nil, false
}

func (e enqueued) processIn() time.Duration {
	v, _ := e.option(asynq.ProcessInOpt)
	d, _ := v.(time.Duration)
	return d
}

func (e enqueued) taskID() string {
	v, _ := e.option(asynq.TaskIDOpt)
	id, _ := v.(string)
	return id
}

func (e enqueued) recheck(t *testing.T) RecheckPayload {
	t.Helper()
	var p RecheckPayload
	require.NoError(t, json.Unmarshal(e.task.Payload(), &p))
	return p
}

// fakeEnqueuer records tasks and rejects duplicate task ids the way the
// asynq broker does.
type fakeEnqueuer struct {
	mu    sync.Mutex
	tasks []enqueued
	ids   map[string]struct{}
	err   error
}

func (f *fakeEnqueuer) Enqueue(_ context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.err != nil {
		return nil, f.err
	}
	e := enqueued{task: task, opts: opts}
	if id := e.taskID(); id != "" {
		if f.ids == nil {
			f.ids = map[string]struct{}{}
		}
		if _, ok := f.ids[id]; ok {
			return nil, asynq.ErrTaskIDConflict
		}
		f.ids[id] = struct{}{}
	}
	f.tasks = append(f.tasks, e)
	return &asynq.TaskInfo{ID: e.taskID(), Type: task.Type()}, nil
}

// pop removes and returns the queued tasks.
func (f *fakeEnqueuer) pop() []enqueued {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.tasks
	f.tasks = nil
	return out
}

type fixture struct {
	svc        *generation.Service
	contents   generation.ContentRepository
	gens       generation.GenerationRepository
	agg        *generation.Aggregator
	checker    *providermock.MockStatusChecker
	store      *ratelimit.MemoryStore
	clock      *clock.Mock
	reconciler *Reconciler
	scheduler  *Scheduler
	enqueuer   *fakeEnqueuer
}

type fixtureOption func(*Options, *SchedulerOptions)

func withRateLimit(n int) fixtureOption {
	return func(o *Options, _ *SchedulerOptions) { o.RateLimit = n }
}

func withSweepBatch(n int) fixtureOption {
	return func(_ *Options, s *SchedulerOptions) { s.SweepBatchSize = n }
}

func newFixture(t *testing.T, opts ...fixtureOption) *fixture {
	t.Helper()

	db := testutil.NewTestDB(t, generation.Models()...)
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	mock := clock.NewMock()
	mock.Add(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC).Sub(mock.Now()))

	contents := generation.NewContentRepository(db)
	gens := generation.NewGenerationRepository(db)
	agg := generation.NewAggregator(contents, gens)
	svc := generation.NewService(generation.Params{
		DB:          db,
		Node:        node,
		Clock:       mock,
		Contents:    contents,
		Generations: gens,
		Aggregator:  agg,
	})

	ctrl := gomock.NewController(t)
	checker := providermock.NewMockStatusChecker(ctrl)
	store := ratelimit.NewMemoryStore(mock)

	ro := Options{RateLimit: 100, RateWindow: time.Minute}
	so := SchedulerOptions{
		MaxAttempts:        25,
		DeferDelay:         time.Minute,
		SweepBatchSize:     20,
		SweepInterval:      10 * time.Minute,
		SweepRetryInterval: 5 * time.Minute,
		SweepMinInterval:   5 * time.Minute,
		SweepLockTTL:       10 * time.Minute,
	}
	for _, opt := range opts {
		opt(&ro, &so)
	}

	rec := New(contents, agg, checker, ratelimit.NewLimiter(store), mock, ro)
	enq := &fakeEnqueuer{}
	sched := NewRetryScheduler(enq, rec, contents, agg, store, mock, so)

	return &fixture{
		svc:        svc,
		contents:   contents,
		gens:       gens,
		agg:        agg,
		checker:    checker,
		store:      store,
		clock:      mock,
		reconciler: rec,
		scheduler:  sched,
		enqueuer:   enq,
	}
}

func (f *fixture) create(t *testing.T, ids ...string) *generation.Generation {
	t.Helper()
	g, err := f.svc.CreateGeneration(context.Background(), generation.CreateGenerationParams{
		OwnerID:         "user_1",
		Mode:            generation.ModeTextToSong,
		Request:         json.RawMessage(`{"prompt":"city pop at dusk"}`),
		ProviderTaskIDs: ids,
		TaskCount:       len(ids),
	})
	require.NoError(t, err)
	return g
}

func (f *fixture) content(t *testing.T, providerTaskID string) *generation.Content {
	t.Helper()
	c, err := f.contents.FindByProviderID(context.Background(), providerTaskID)
	require.NoError(t, err)
	return c
}

func (f *fixture) gen(t *testing.T, id string) *generation.Generation {
	t.Helper()
	g, err := f.gens.FindByID(context.Background(), id)
	require.NoError(t, err)
	return g
}

func completed(id string, durationMs int64) provider.TaskStatus {
	return provider.TaskStatus{
		ID:         id,
		Status:     0,
		DurationMs: durationMs,
		AudioURL:   "https://cdn.example.com/" + id + ".mp3",
		ImageURL:   "https://cdn.example.com/" + id + ".jpg",
		Raw:        json.RawMessage(`{"id":"` + id + `"}`),
	}
}

func running(id string) provider.TaskStatus {
	return provider.TaskStatus{ID: id, Status: 2, DurationMs: provider.DurationUnknown}
}

func queued(id string) provider.TaskStatus {
	return provider.TaskStatus{ID: id, Status: 1, DurationMs: provider.DurationUnknown}
}
