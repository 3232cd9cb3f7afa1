package reconciler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"musicgen-controlplane/pkg/config"
	"musicgen-controlplane/pkg/logger"
	"musicgen-controlplane/pkg/provider"
	"musicgen-controlplane/pkg/ratelimit"
	"musicgen-controlplane/pkg/rediskey"
	"musicgen-controlplane/services/generation"

	"github.com/facebookgo/clock"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
)

const tracerName = "musicgen-controlplane/services/reconciler"

// Outcome reasons.
const (
	ReasonUpdated       = "updated"
	ReasonUnchanged     = "unchanged"
	ReasonTerminal      = "already_terminal"
	ReasonMissingLocal  = "missing_local"
	ReasonNotFound      = "not_found_in_provider"
	ReasonProviderError = "provider_error"
	ReasonDeferred      = "deferred"
	ReasonError         = "error"
)

const defaultFailureMessage = "generation failed at provider"

type RateLimiter interface {
	TryAcquire(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

type AggregateRecomputer interface {
	Recompute(ctx context.Context, generationID string) (generation.Status, error)
}

type Options struct {
	RateKey    string
	RateLimit  int
	RateWindow time.Duration
	Mapper     Mapper
}

// Reconciler pulls provider state for a set of tasks and folds it into local
// records. Writes only ever move a record forward and never touch a terminal
// one.
type Reconciler struct {
	contents   generation.ContentRepository
	aggregates AggregateRecomputer
	provider   provider.StatusChecker
	limiter    RateLimiter
	clock      clock.Clock
	opts       Options
}

func New(
	contents generation.ContentRepository,
	aggregates AggregateRecomputer,
	checker provider.StatusChecker,
	limiter RateLimiter,
	clk clock.Clock,
	opts Options,
) *Reconciler {
	if clk == nil {
		clk = clock.New()
	}
	if opts.Mapper == nil {
		opts.Mapper = MapPayload
	}
	if opts.RateKey == "" {
		opts.RateKey = rediskey.ProviderRateKey()
	}
	if opts.RateWindow <= 0 {
		opts.RateWindow = time.Minute
	}
	return &Reconciler{
		contents:   contents,
		aggregates: aggregates,
		provider:   checker,
		limiter:    limiter,
		clock:      clk,
		opts:       opts,
	}
}

type Params struct {
	fx.In
	Config     *config.Config
	Clock      clock.Clock `optional:"true"`
	Contents   generation.ContentRepository
	Aggregator *generation.Aggregator
	Provider   provider.StatusChecker
	Limiter    *ratelimit.Limiter
}

func NewReconciler(p Params) *Reconciler {
	return New(p.Contents, p.Aggregator, p.Provider, p.Limiter, p.Clock, Options{
		RateLimit:  p.Config.Reconcile.RateLimit,
		RateWindow: p.Config.Reconcile.RateWindow,
		Mapper:     MapperFor(p.Config.Provider.StatusEncoding),
	})
}

// Outcome is the per-task result of one reconcile pass.
type Outcome struct {
	ProviderTaskID string            `json:"provider_task_id"`
	ContentID      string            `json:"content_id,omitempty"`
	Previous       generation.Status `json:"previous,omitempty"`
	Status         generation.Status `json:"status,omitempty"`
	Changed        bool              `json:"changed"`
	Reason         string            `json:"reason"`

	generationID string
}

type Result struct {
	Outcomes      []Outcome                    `json:"outcomes"`
	Counts        map[generation.Status]int    `json:"counts"`
	Updated       int                          `json:"updated"`
	Deferred      bool                         `json:"deferred"`
	LocalMissing  int                          `json:"local_missing"`
	NotFound      int                          `json:"not_found"`
	ProviderError *Classification              `json:"provider_error,omitempty"`
	Generations   map[string]generation.Status `json:"generations,omitempty"`
}

func newResult() *Result {
	return &Result{Counts: map[generation.Status]int{}}
}

func (r *Result) add(o Outcome) {
	r.Outcomes = append(r.Outcomes, o)
	if o.Status != "" {
		r.Counts[o.Status]++
	}
	if o.Changed {
		r.Updated++
	}
}

// Find returns the outcome recorded for a provider task id.
func (r *Result) Find(providerTaskID string) (Outcome, bool) {
	for _, o := range r.Outcomes {
		if o.ProviderTaskID == providerTaskID {
			return o, true
		}
	}
	return Outcome{}, false
}

// Status returns the post-reconcile status of a provider task id, or "" when
// no local record exists.
func (r *Result) Status(providerTaskID string) generation.Status {
	o, _ := r.Find(providerTaskID)
	return o.Status
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func outcomeFor(c *generation.Content, reason string) Outcome {
	o := Outcome{
		ProviderTaskID: c.ProviderTaskID,
		ContentID:      c.ID,
		Previous:       c.Status,
		Status:         c.Status,
		Reason:         reason,
	}
	if c.GenerationID != nil {
		o.generationID = *c.GenerationID
	}
	return o
}

// Reconcile checks the given provider task ids against the provider in one
// call and persists every forward transition. A pass that cannot take a rate
// limit slot is reported as Deferred without touching the provider or the
// database.
func (r *Reconciler) Reconcile(ctx context.Context, providerTaskIDs []string) (*Result, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "Reconciler.Reconcile")
	defer span.End()
	log := logger.FromContext(ctx)

	ids := dedupe(providerTaskIDs)
	span.SetAttributes(attribute.Int("reconcile.ids", len(ids)))
	res := newResult()
	if len(ids) == 0 {
		return res, nil
	}

	records, err := r.contents.FindByProviderIDs(ctx, ids)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "load content tasks")
		return nil, fmt.Errorf("load content tasks: %w", err)
	}
	byProvider := make(map[string]*generation.Content, len(records))
	for i := range records {
		byProvider[records[i].ProviderTaskID] = &records[i]
	}

	var active []*generation.Content
	for _, id := range ids {
		c, ok := byProvider[id]
		switch {
		case !ok:
			res.LocalMissing++
			res.add(Outcome{ProviderTaskID: id, Reason: ReasonMissingLocal})
		case c.Status.IsTerminal():
			res.add(outcomeFor(c, ReasonTerminal))
		default:
			active = append(active, c)
		}
	}
	if len(active) == 0 {
		return res, nil
	}

	acquired, err := r.limiter.TryAcquire(ctx, r.opts.RateKey, r.opts.RateLimit, r.opts.RateWindow)
	if err != nil {
		log.Warn("rate limiter unavailable, deferring reconcile", zap.Error(err))
	}
	if err != nil || !acquired {
		deferrals.Inc()
		res.Deferred = true
		span.SetAttributes(attribute.Bool("reconcile.deferred", true))
		for _, c := range active {
			res.add(outcomeFor(c, ReasonDeferred))
		}
		return res, nil
	}

	query := make([]string, 0, len(active))
	for _, c := range active {
		query = append(query, c.ProviderTaskID)
	}

	providerCalls.Inc()
	payloads, err := r.provider.CheckStatus(ctx, query)
	if err != nil {
		return r.handleProviderError(ctx, res, active, err)
	}

	reported := make(map[string]provider.TaskStatus, len(payloads))
	for _, p := range payloads {
		if p.ID != "" {
			reported[p.ID] = p
		}
	}

	now := r.clock.Now()
	var (
		errs      []error
		unchanged []string
	)
	for _, c := range active {
		p, ok := reported[c.ProviderTaskID]
		if !ok {
			res.NotFound++
			fields := failureFields(CategoryNotFound, ErrNotFoundInProvider.Error(), "", now)
			if err := r.apply(ctx, res, c, generation.StatusFailed, fields, ReasonNotFound); err != nil {
				errs = append(errs, err)
			}
			continue
		}

		next := r.opts.Mapper(p)
		fields := transition(c, p, next, now)
		if fields == nil {
			unchanged = append(unchanged, c.ID)
			res.add(outcomeFor(c, ReasonUnchanged))
			continue
		}
		if err := r.apply(ctx, res, c, next, fields, ReasonUpdated); err != nil {
			errs = append(errs, err)
		}
	}

	if err := r.contents.TouchChecked(ctx, unchanged, now); err != nil {
		log.Warn("failed to record check time", zap.Int("count", len(unchanged)), zap.Error(err))
	}

	if err := r.recompute(ctx, res); err != nil {
		errs = append(errs, err)
	}

	span.SetAttributes(
		attribute.Int("reconcile.updated", res.Updated),
		attribute.Int("reconcile.not_found", res.NotFound),
	)
	if err := errors.Join(errs...); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "reconcile incomplete")
		return res, err
	}
	return res, nil
}

func (r *Reconciler) handleProviderError(ctx context.Context, res *Result, active []*generation.Content, cause error) (*Result, error) {
	log := logger.FromContext(ctx)
	cls := Classify(cause)
	providerErrors.WithLabelValues(string(cls.Category)).Inc()
	res.ProviderError = &cls

	if cls.Retryable {
		log.Warn("provider status check failed, will retry",
			zap.String("category", string(cls.Category)),
			zap.Int("tasks", len(active)),
			zap.Error(cause),
		)
		for _, c := range active {
			res.add(outcomeFor(c, ReasonProviderError))
		}
		return res, nil
	}

	log.Error("provider rejected status check, failing tasks",
		zap.String("category", string(cls.Category)),
		zap.Int("tasks", len(active)),
		zap.Error(cause),
	)
	now := r.clock.Now()
	var errs []error
	for _, c := range active {
		fields := failureFields(cls.Category, cause.Error(), "", now)
		if err := r.apply(ctx, res, c, generation.StatusFailed, fields, ReasonProviderError); err != nil {
			errs = append(errs, err)
		}
	}
	if err := r.recompute(ctx, res); err != nil {
		errs = append(errs, err)
	}
	return res, errors.Join(errs...)
}

// apply writes fields through the terminal guard and records the outcome.
func (r *Reconciler) apply(ctx context.Context, res *Result, c *generation.Content, next generation.Status, fields map[string]any, reason string) error {
	out := outcomeFor(c, reason)
	out.Status = next

	err := r.contents.UpdateActive(ctx, c.ID, fields)
	switch {
	case err == nil:
		out.Changed = true
		transitions.WithLabelValues(string(next)).Inc()
		logger.FromContext(ctx).Info("content status changed",
			zap.String("content_id", c.ID),
			zap.String("provider_task_id", c.ProviderTaskID),
			zap.String("from", string(c.Status)),
			zap.String("to", string(next)),
		)
	case errors.Is(err, generation.ErrTerminal):
		// Another writer finished the task first; report what it stored.
		out.Reason = ReasonTerminal
		out.Status = c.Status
		if latest, ferr := r.contents.FindByID(ctx, c.ID); ferr == nil {
			out.Status = latest.Status
		}
	case errors.Is(err, generation.ErrNotFound):
		out.Reason = ReasonMissingLocal
		out.Status = ""
	default:
		out.Reason = ReasonError
		out.Status = c.Status
		res.add(out)
		return fmt.Errorf("update content %s: %w", c.ID, err)
	}
	res.add(out)
	return nil
}

// recompute refreshes every parent generation that had a child change.
func (r *Reconciler) recompute(ctx context.Context, res *Result) error {
	seen := map[string]struct{}{}
	var errs []error
	for _, o := range res.Outcomes {
		if !o.Changed || o.generationID == "" {
			continue
		}
		if _, ok := seen[o.generationID]; ok {
			continue
		}
		seen[o.generationID] = struct{}{}

		status, err := r.aggregates.Recompute(ctx, o.generationID)
		if errors.Is(err, generation.ErrNotFound) {
			continue
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("recompute generation %s: %w", o.generationID, err))
			continue
		}
		if res.Generations == nil {
			res.Generations = map[string]generation.Status{}
		}
		res.Generations[o.generationID] = status
	}
	return errors.Join(errs...)
}

// transition builds the update for a provider observation, or nil when the
// observation does not move the record forward.
func transition(c *generation.Content, p provider.TaskStatus, next generation.Status, now time.Time) map[string]any {
	if !next.Supersedes(c.Status) {
		return nil
	}

	fields := map[string]any{
		"status":          next,
		"last_checked_at": now,
	}
	if c.StartedAt == nil {
		fields["started_at"] = now
	}

	// Result payload is only ever stored alongside completed.
	switch next {
	case generation.StatusCompleted:
		finished := now
		if p.FinishedAt != nil && !p.FinishedAt.IsZero() {
			finished = *p.FinishedAt
		}
		if len(p.Raw) > 0 {
			fields["provider_metadata"] = datatypes.JSON(p.Raw)
		}
		fields["content_url"] = p.AudioURL
		fields["thumbnail_url"] = p.ImageURL
		if p.DurationMs > 0 {
			fields["duration_ms"] = p.DurationMs
		}
		fields["completed_at"] = finished
	case generation.StatusFailed:
		msg := strings.TrimSpace(p.FailReason)
		if msg == "" {
			msg = defaultFailureMessage
		}
		fields["error_message"] = msg
		fields["fail_code"] = p.FailCode
		fields["error_category"] = string(CategoryProviderReported)
		fields["completed_at"] = now
	}
	return fields
}

func failureFields(category Category, message, failCode string, now time.Time) map[string]any {
	return map[string]any{
		"status":          generation.StatusFailed,
		"error_message":   message,
		"fail_code":       failCode,
		"error_category":  string(category),
		"completed_at":    now,
		"last_checked_at": now,
	}
}
