package reconciler

import (
	"context"
	"net/http"
	"testing"
	"time"

	"musicgen-controlplane/pkg/provider"
	"musicgen-controlplane/services/generation"

	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

func TestReconcileHappyPath(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	g := f.create(t, "task-a", "task-b")

	finished := f.clock.Now().Add(-10 * time.Second)
	a := completed("task-a", 183_000)
	a.FinishedAt = &finished

	f.checker.EXPECT().CheckStatus(gomock.Any(), []string{"task-a", "task-b"}).
		Return([]provider.TaskStatus{a, running("task-b")}, nil)

	res, err := f.reconciler.Reconcile(ctx, []string{"task-a", "task-b"})
	require.NoError(t, err)
	require.False(t, res.Deferred)
	require.Equal(t, 2, res.Updated)
	require.Equal(t, generation.StatusCompleted, res.Status("task-a"))
	require.Equal(t, generation.StatusProcessing, res.Status("task-b"))
	require.Equal(t, map[generation.Status]int{
		generation.StatusCompleted:  1,
		generation.StatusProcessing: 1,
	}, res.Counts)
	require.Equal(t, generation.StatusProcessing, res.Generations[g.ID])

	stored := f.content(t, "task-a")
	require.Equal(t, "https://cdn.example.com/task-a.mp3", stored.ContentURL)
	require.Equal(t, "https://cdn.example.com/task-a.jpg", stored.ThumbnailURL)
	require.EqualValues(t, 183_000, stored.DurationMs)
	require.NotNil(t, stored.CompletedAt)
	require.True(t, stored.CompletedAt.Equal(finished))
	require.NotNil(t, stored.StartedAt)
	require.JSONEq(t, `{"id":"task-a"}`, string(stored.ProviderMetadata))

	f.checker.EXPECT().CheckStatus(gomock.Any(), []string{"task-b"}).
		Return([]provider.TaskStatus{completed("task-b", 90_000)}, nil)

	res, err = f.reconciler.Reconcile(ctx, []string{"task-a", "task-b"})
	require.NoError(t, err)
	outcome, ok := res.Find("task-a")
	require.True(t, ok)
	require.Equal(t, ReasonTerminal, outcome.Reason)
	require.Equal(t, generation.StatusCompleted, res.Generations[g.ID])
	require.Equal(t, generation.StatusCompleted, f.gen(t, g.ID).Status)
}

func TestReconcileDurationDecidesCompletion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.create(t, "task-a", "task-b")

	// "complete" without a duration is still rendering; a real duration wins
	// over a stale queued code.
	f.checker.EXPECT().CheckStatus(gomock.Any(), gomock.Any()).Return([]provider.TaskStatus{
		{ID: "task-a", Status: 0, DurationMs: provider.DurationUnknown},
		{ID: "task-b", Status: 1, DurationMs: 120_000, AudioURL: "https://cdn.example.com/b.mp3"},
	}, nil)

	res, err := f.reconciler.Reconcile(ctx, []string{"task-a", "task-b"})
	require.NoError(t, err)
	require.Equal(t, generation.StatusProcessing, res.Status("task-a"))
	require.Equal(t, generation.StatusCompleted, res.Status("task-b"))
	require.Empty(t, f.content(t, "task-a").ContentURL)
}

func TestReconcileFailureOverridesDuration(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	g := f.create(t, "task-a", "task-b")

	failed := completed("task-a", 60_000)
	failed.FailCode = "CONTENT_POLICY"
	failed.FailReason = "lyrics rejected"

	f.checker.EXPECT().CheckStatus(gomock.Any(), gomock.Any()).
		Return([]provider.TaskStatus{failed, completed("task-b", 90_000)}, nil)

	res, err := f.reconciler.Reconcile(ctx, []string{"task-a", "task-b"})
	require.NoError(t, err)
	require.Equal(t, generation.StatusFailed, res.Status("task-a"))

	stored := f.content(t, "task-a")
	require.Equal(t, "lyrics rejected", stored.ErrorMessage)
	require.Equal(t, "CONTENT_POLICY", stored.FailCode)
	require.Equal(t, string(CategoryProviderReported), stored.ErrorCategory)
	require.Equal(t, generation.StatusFailed, f.gen(t, g.ID).Status)
}

func TestReconcileNeverRegresses(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.create(t, "task-a", "task-b")
	require.NoError(t, f.contents.UpdateActive(ctx, f.content(t, "task-a").ID, map[string]any{
		"status":      generation.StatusCompleted,
		"content_url": "https://cdn.example.com/a.mp3",
	}))
	require.NoError(t, f.contents.UpdateActive(ctx, f.content(t, "task-b").ID, map[string]any{
		"status": generation.StatusProcessing,
	}))

	// task-a is terminal and never reaches the provider.
	f.checker.EXPECT().CheckStatus(gomock.Any(), []string{"task-b"}).
		Return([]provider.TaskStatus{queued("task-b")}, nil)

	res, err := f.reconciler.Reconcile(ctx, []string{"task-a", "task-b"})
	require.NoError(t, err)
	require.Zero(t, res.Updated)

	a, _ := res.Find("task-a")
	require.Equal(t, ReasonTerminal, a.Reason)
	b, _ := res.Find("task-b")
	require.Equal(t, ReasonUnchanged, b.Reason)

	require.Equal(t, "https://cdn.example.com/a.mp3", f.content(t, "task-a").ContentURL)
	stored := f.content(t, "task-b")
	require.Equal(t, generation.StatusProcessing, stored.Status)
	require.NotNil(t, stored.LastCheckedAt)
}

func TestReconcileTerminalOnlySkipsProvider(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.create(t, "task-a")
	require.NoError(t, f.contents.UpdateActive(ctx, f.content(t, "task-a").ID, map[string]any{"status": generation.StatusFailed}))

	f.checker.EXPECT().CheckStatus(gomock.Any(), gomock.Any()).Times(0)

	res, err := f.reconciler.Reconcile(ctx, []string{"task-a", "task-a", "ghost"})
	require.NoError(t, err)
	require.Len(t, res.Outcomes, 2)
	require.Equal(t, 1, res.LocalMissing)
	require.Equal(t, generation.StatusFailed, res.Status("task-a"))
}

func TestReconcileMissingFromProvider(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	g := f.create(t, "task-a", "task-b")

	f.checker.EXPECT().CheckStatus(gomock.Any(), gomock.Any()).
		Return([]provider.TaskStatus{running("task-a")}, nil)

	res, err := f.reconciler.Reconcile(ctx, []string{"task-a", "task-b"})
	require.NoError(t, err)
	require.Equal(t, 1, res.NotFound)
	require.Equal(t, generation.StatusFailed, res.Status("task-b"))

	stored := f.content(t, "task-b")
	require.Equal(t, string(CategoryNotFound), stored.ErrorCategory)
	require.Equal(t, ErrNotFoundInProvider.Error(), stored.ErrorMessage)
	require.Equal(t, generation.StatusFailed, f.gen(t, g.ID).Status)
}

func TestReconcileDeferredByRateLimit(t *testing.T) {
	f := newFixture(t, withRateLimit(1))
	ctx := context.Background()
	f.create(t, "task-a")
	f.create(t, "task-b")

	f.checker.EXPECT().CheckStatus(gomock.Any(), []string{"task-a"}).
		Return([]provider.TaskStatus{running("task-a")}, nil).Times(1)

	res, err := f.reconciler.Reconcile(ctx, []string{"task-a"})
	require.NoError(t, err)
	require.False(t, res.Deferred)

	before := f.content(t, "task-b")
	res, err = f.reconciler.Reconcile(ctx, []string{"task-b"})
	require.NoError(t, err)
	require.True(t, res.Deferred)
	require.Zero(t, res.Updated)
	outcome, _ := res.Find("task-b")
	require.Equal(t, ReasonDeferred, outcome.Reason)

	after := f.content(t, "task-b")
	require.Equal(t, before.Status, after.Status)
	require.Nil(t, after.LastCheckedAt)
	require.True(t, before.UpdatedAt.Equal(after.UpdatedAt))

	// The next window admits the call again.
	f.clock.Add(time.Minute)
	f.checker.EXPECT().CheckStatus(gomock.Any(), []string{"task-b"}).
		Return([]provider.TaskStatus{running("task-b")}, nil)
	res, err = f.reconciler.Reconcile(ctx, []string{"task-b"})
	require.NoError(t, err)
	require.False(t, res.Deferred)
}

func TestReconcileRetryableProviderError(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.create(t, "task-a")

	f.checker.EXPECT().CheckStatus(gomock.Any(), gomock.Any()).
		Return(nil, &provider.Error{StatusCode: http.StatusServiceUnavailable, Message: "upstream busy"})

	res, err := f.reconciler.Reconcile(ctx, []string{"task-a"})
	require.NoError(t, err)
	require.NotNil(t, res.ProviderError)
	require.Equal(t, CategoryProviderServer, res.ProviderError.Category)
	require.True(t, res.ProviderError.Retryable)
	require.Equal(t, generation.StatusPending, f.content(t, "task-a").Status)
}

func TestReconcileFatalProviderError(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	g := f.create(t, "task-a", "task-b")

	f.checker.EXPECT().CheckStatus(gomock.Any(), gomock.Any()).
		Return(nil, &provider.Error{StatusCode: http.StatusUnauthorized, Message: "invalid api key"})

	res, err := f.reconciler.Reconcile(ctx, []string{"task-a", "task-b"})
	require.NoError(t, err)
	require.Equal(t, CategoryAuth, res.ProviderError.Category)
	require.Equal(t, 2, res.Updated)

	for _, id := range []string{"task-a", "task-b"} {
		stored := f.content(t, id)
		require.Equal(t, generation.StatusFailed, stored.Status)
		require.Equal(t, string(CategoryAuth), stored.ErrorCategory)
	}
	require.Equal(t, generation.StatusFailed, f.gen(t, g.ID).Status)
}

func TestReconcileEmptyInput(t *testing.T) {
	f := newFixture(t)
	f.checker.EXPECT().CheckStatus(gomock.Any(), gomock.Any()).Times(0)

	res, err := f.reconciler.Reconcile(context.Background(), []string{"", "  "})
	require.NoError(t, err)
	require.Empty(t, res.Outcomes)
}

func TestReconcileLegacyMapper(t *testing.T) {
	f := newFixture(t)
	f.reconciler.opts.Mapper = MapperFor("legacy")
	f.create(t, "task-a")

	f.checker.EXPECT().CheckStatus(gomock.Any(), gomock.Any()).
		Return([]provider.TaskStatus{{ID: "task-a", State: "generating", DurationMs: provider.DurationUnknown}}, nil)

	res, err := f.reconciler.Reconcile(context.Background(), []string{"task-a"})
	require.NoError(t, err)
	require.Equal(t, generation.StatusProcessing, res.Status("task-a"))
}

func TestReconcileResultOnlyStoredWhenCompleted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.create(t, "task-a", "task-b")

	f.checker.EXPECT().CheckStatus(gomock.Any(), gomock.Any()).Return([]provider.TaskStatus{
		{
			ID:         "task-a",
			Status:     2,
			DurationMs: provider.DurationUnknown,
			AudioURL:   "https://cdn.example.com/task-a-stream.mp3",
			Raw:        []byte(`{"id":"task-a","status":2}`),
		},
		{
			ID:         "task-b",
			Status:     3,
			DurationMs: 42_000,
			FailReason: "content policy",
			Raw:        []byte(`{"id":"task-b","status":3}`),
		},
	}, nil)

	res, err := f.reconciler.Reconcile(ctx, []string{"task-a", "task-b"})
	require.NoError(t, err)
	require.Equal(t, generation.StatusProcessing, res.Status("task-a"))
	require.Equal(t, generation.StatusFailed, res.Status("task-b"))

	for _, id := range []string{"task-a", "task-b"} {
		stored := f.content(t, id)
		require.Empty(t, stored.ProviderMetadata, id)
		require.Empty(t, stored.ContentURL, id)
		require.Empty(t, stored.ThumbnailURL, id)
		require.Zero(t, stored.DurationMs, id)
	}
	require.Equal(t, "content policy", f.content(t, "task-b").ErrorMessage)
}
