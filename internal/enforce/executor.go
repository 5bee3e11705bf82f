package enforce

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
	"k8s.io/utils/clock"

	"github.com/dray-io/autoprune/internal/logging"
	"github.com/dray-io/autoprune/internal/metrics"
	"github.com/dray-io/autoprune/internal/policy"
	"github.com/dray-io/autoprune/internal/registry"
	"github.com/dray-io/autoprune/internal/retention"
	"github.com/dray-io/autoprune/internal/trigger"
)

// PolicySource is the part of policy.Store the executor reads.
type PolicySource interface {
	List(ctx context.Context, namespace string) ([]policy.Policy, error)
	Exists(ctx context.Context, namespace, id string) (bool, error)
}

// RepositoryCatalog lists repositories and their tags and deletes tags.
type RepositoryCatalog interface {
	registry.RepositoryLister
	registry.TagCatalog
}

// ExecutorConfig holds executor tuning.
type ExecutorConfig struct {
	// RepositoryConcurrency bounds how many repositories are processed at once.
	RepositoryConcurrency int

	// RepositoryTimeout bounds listing and evaluating one repository.
	RepositoryTimeout time.Duration

	// DeleteTimeout bounds a single DeleteTag call.
	DeleteTimeout time.Duration

	// DeleteRatePerSecond paces deletions across the pass. Zero disables pacing.
	DeleteRatePerSecond float64
	DeleteBurst         int

	// DryRun computes delete sets without deleting.
	DryRun bool
}

// DefaultExecutorConfig returns the default executor tuning.
func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{
		RepositoryConcurrency: 4,
		RepositoryTimeout:     2 * time.Minute,
		DeleteTimeout:         30 * time.Second,
		DeleteBurst:           1,
	}
}

// Repository status values.
const (
	RepositoryProcessed = "processed"
	RepositorySkipped   = "skipped"
	RepositoryFailed    = "failed"
)

// RepositoryResult describes what happened to one repository.
type RepositoryResult struct {
	Repository  string   `json:"repository"`
	Status      string   `json:"status"`
	Tags        int      `json:"tags"`
	Candidates  []string `json:"candidates,omitempty"`
	Deleted     []string `json:"deleted,omitempty"`
	AlreadyGone []string `json:"alreadyGone,omitempty"`
	Failed      []string `json:"failed,omitempty"`
	Error       string   `json:"error,omitempty"`
}

// RunResult summarizes one enforcement pass.
type RunResult struct {
	RunID      string         `json:"runId"`
	Namespace  string         `json:"namespace"`
	Reason     trigger.Reason `json:"reason"`
	DryRun     bool           `json:"dryRun,omitempty"`
	StartedAt  time.Time      `json:"startedAt"`
	FinishedAt time.Time      `json:"finishedAt"`

	Policies              []policy.View `json:"policies"`
	RepositoriesProcessed int           `json:"repositoriesProcessed"`
	RepositoriesSkipped   int           `json:"repositoriesSkipped"`
	TagsDeleted           int           `json:"tagsDeleted"`
	TagsAlreadyGone       int           `json:"tagsAlreadyGone"`
	DeleteFailures        int           `json:"deleteFailures"`
	Cancelled             bool          `json:"cancelled,omitempty"`

	Repositories []RepositoryResult `json:"repositories,omitempty"`
	Errors       []string           `json:"errors,omitempty"`

	// Err is set when the pass could not run at all.
	Err string `json:"error,omitempty"`
}

// Outcome classifies the pass for metrics.
func (r RunResult) Outcome() string {
	switch {
	case r.Err != "":
		return metrics.OutcomeFailed
	case r.Cancelled:
		return metrics.OutcomeCancelled
	case len(r.Policies) == 0:
		return metrics.OutcomeNoop
	case r.DeleteFailures > 0 || r.RepositoriesSkipped > 0:
		return metrics.OutcomePartial
	default:
		return metrics.OutcomeSuccess
	}
}

// Duration returns how long the pass took.
func (r RunResult) Duration() time.Duration { return r.FinishedAt.Sub(r.StartedAt) }

// Executor runs enforcement passes.
type Executor struct {
	policies PolicySource
	catalog  RepositoryCatalog
	cfg      ExecutorConfig
	limiter  *rate.Limiter
	clock    clock.PassiveClock
	metrics  *metrics.EnforcementMetrics
	reports  ReportSink
	logger   *logging.Logger
	newRunID func() string
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithExecutorClock sets the clock used for retention cutoffs and timestamps.
func WithExecutorClock(c clock.PassiveClock) ExecutorOption {
	return func(e *Executor) { e.clock = c }
}

// WithExecutorMetrics records finished passes.
func WithExecutorMetrics(m *metrics.EnforcementMetrics) ExecutorOption {
	return func(e *Executor) { e.metrics = m }
}

// WithReportSink writes a report of every pass that had policies.
func WithReportSink(s ReportSink) ExecutorOption {
	return func(e *Executor) { e.reports = s }
}

// WithExecutorLogger sets the logger.
func WithExecutorLogger(l *logging.Logger) ExecutorOption {
	return func(e *Executor) { e.logger = l }
}

// WithRunIDGenerator overrides run id generation.
func WithRunIDGenerator(f func() string) ExecutorOption {
	return func(e *Executor) { e.newRunID = f }
}

// NewExecutor creates an Executor.
func NewExecutor(policies PolicySource, catalog RepositoryCatalog, cfg ExecutorConfig, opts ...ExecutorOption) *Executor {
	def := DefaultExecutorConfig()
	if cfg.RepositoryConcurrency <= 0 {
		cfg.RepositoryConcurrency = def.RepositoryConcurrency
	}
	if cfg.RepositoryTimeout <= 0 {
		cfg.RepositoryTimeout = def.RepositoryTimeout
	}
	if cfg.DeleteTimeout <= 0 {
		cfg.DeleteTimeout = def.DeleteTimeout
	}
	if cfg.DeleteBurst <= 0 {
		cfg.DeleteBurst = def.DeleteBurst
	}

	e := &Executor{
		policies: policies,
		catalog:  catalog,
		cfg:      cfg,
		clock:    clock.RealClock{},
		logger:   logging.Global().Named("enforce"),
		newRunID: uuid.NewString,
	}
	if cfg.DeleteRatePerSecond > 0 {
		e.limiter = rate.NewLimiter(rate.Limit(cfg.DeleteRatePerSecond), cfg.DeleteBurst)
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Config returns the effective configuration.
func (e *Executor) Config() ExecutorConfig { return e.cfg }

// Run executes one pass for task.Namespace. The returned error is non-nil
// only when the pass could not start (policy snapshot or repository
// listing failed); per-repository and per-tag problems are in the result.
// Cancelling ctx stops the pass before the next repository.
func (e *Executor) Run(ctx context.Context, task Task) (RunResult, error) {
	res := RunResult{
		RunID:     e.newRunID(),
		Namespace: task.Namespace,
		Reason:    task.Reason,
		DryRun:    e.cfg.DryRun,
		StartedAt: e.clock.Now(),
	}
	log := e.logger.WithRunID(res.RunID).With(map[string]any{
		"namespace": task.Namespace,
		"reason":    string(task.Reason),
	})
	ctx = logging.WithRunIDCtx(ctx, res.RunID)

	err := e.run(ctx, task, &res, log)
	res.FinishedAt = e.clock.Now()
	if err != nil {
		res.Err = err.Error()
	}
	e.finish(ctx, res, log)
	return res, err
}

func (e *Executor) run(ctx context.Context, task Task, res *RunResult, log *logging.Logger) error {
	if task.Namespace == "" {
		return ErrInvalidNamespace
	}

	snapshot, err := e.policies.List(ctx, task.Namespace)
	if err != nil {
		return fmt.Errorf("enforce: list policies: %w", err)
	}
	res.Policies = make([]policy.View, 0, len(snapshot))
	for _, p := range snapshot {
		res.Policies = append(res.Policies, p.View())
	}
	if len(snapshot) == 0 {
		log.Debug("no policies, nothing to enforce")
		return nil
	}

	repos, err := e.catalog.ListRepositories(ctx, task.Namespace)
	if err != nil {
		return fmt.Errorf("enforce: list repositories: %w", err)
	}

	results := make([]RepositoryResult, len(repos))
	started := make([]bool, len(repos))

	var g errgroup.Group
	g.SetLimit(e.cfg.RepositoryConcurrency)
	for i, repo := range repos {
		if ctx.Err() != nil {
			break
		}
		started[i] = true
		g.Go(func() error {
			if ctx.Err() != nil {
				results[i] = RepositoryResult{Repository: repo, Status: RepositorySkipped, Error: ctx.Err().Error()}
				return nil
			}
			results[i] = e.processRepository(ctx, task.Namespace, repo, snapshot, log)
			return nil
		})
	}
	_ = g.Wait()
	if ctx.Err() != nil {
		res.Cancelled = true
	}

	for i, rr := range results {
		if !started[i] {
			continue
		}
		res.Repositories = append(res.Repositories, rr)
		switch rr.Status {
		case RepositoryProcessed:
			res.RepositoriesProcessed++
		default:
			res.RepositoriesSkipped++
		}
		res.TagsDeleted += len(rr.Deleted)
		res.TagsAlreadyGone += len(rr.AlreadyGone)
		res.DeleteFailures += len(rr.Failed)
		if rr.Error != "" {
			res.Errors = append(res.Errors, rr.Error)
		}
	}
	return nil
}

// processRepository evaluates and prunes one repository. Listing and
// evaluation run under the repository timeout; the deletion batch is
// detached from ctx so it completes once started.
func (e *Executor) processRepository(ctx context.Context, namespace, repo string, snapshot []policy.Policy, log *logging.Logger) RepositoryResult {
	rr := RepositoryResult{Repository: repo, Status: RepositoryProcessed}
	log = log.With(map[string]any{"repository": repo})

	repoCtx, cancel := context.WithTimeout(ctx, e.cfg.RepositoryTimeout)
	defer cancel()

	tags, err := e.catalog.ListTags(repoCtx, repo)
	if err != nil {
		return e.repositoryError(ctx, repoCtx, rr, err, log)
	}
	rr.Tags = len(tags)

	now := e.clock.Now()
	sets := make(map[string][]string, len(snapshot))
	for _, p := range snapshot {
		sets[p.ID] = retention.Evaluate(p.Rule, tags, now)
	}

	// Drop policies deleted since the snapshot.
	var live [][]string
	for _, p := range snapshot {
		ok, err := e.policies.Exists(repoCtx, namespace, p.ID)
		if err != nil {
			return e.repositoryError(ctx, repoCtx, rr, fmt.Errorf("enforce: probe policy %s: %w", p.ID, err), log)
		}
		if !ok {
			log.Infof("policy deleted during pass, ignoring it", map[string]any{"policyId": p.ID})
			continue
		}
		live = append(live, sets[p.ID])
	}
	rr.Candidates = retention.Union(live...)

	if e.cfg.DryRun || len(rr.Candidates) == 0 {
		return rr
	}

	deleteCtx := context.WithoutCancel(ctx)
	for _, tag := range rr.Candidates {
		if e.limiter != nil {
			if err := e.limiter.Wait(deleteCtx); err != nil {
				log.Warnf("delete limiter failed", map[string]any{"error": err})
			}
		}
		callCtx, callCancel := context.WithTimeout(deleteCtx, e.cfg.DeleteTimeout)
		err := e.catalog.DeleteTag(callCtx, repo, tag)
		callCancel()

		switch {
		case err == nil:
			rr.Deleted = append(rr.Deleted, tag)
		case errors.Is(err, registry.ErrTagNotFound):
			rr.AlreadyGone = append(rr.AlreadyGone, tag)
		default:
			derr := &TagDeleteError{Repository: repo, Tag: tag, Err: err}
			log.Warnf("tag delete failed", map[string]any{"tag": tag, "error": err})
			rr.Failed = append(rr.Failed, tag)
			if rr.Error == "" {
				rr.Error = derr.Error()
			}
		}
	}
	if len(rr.Deleted) > 0 {
		log.Infof("pruned tags", map[string]any{"deleted": len(rr.Deleted), "alreadyGone": len(rr.AlreadyGone)})
	}
	return rr
}

func (e *Executor) repositoryError(ctx, repoCtx context.Context, rr RepositoryResult, err error, log *logging.Logger) RepositoryResult {
	switch {
	case ctx.Err() != nil:
		rr.Status = RepositorySkipped
		rr.Error = ctx.Err().Error()
	case errors.Is(repoCtx.Err(), context.DeadlineExceeded):
		rr.Status = RepositorySkipped
		rr.Error = fmt.Errorf("%w: %s after %s", ErrEnforcementTimeout, rr.Repository, e.cfg.RepositoryTimeout).Error()
		log.Warnf("repository timed out, will retry on next pass", map[string]any{"timeout": e.cfg.RepositoryTimeout.String()})
	case errors.Is(err, registry.ErrRepositoryNotFound):
		rr.Status = RepositorySkipped
		rr.Error = err.Error()
		log.Debug("repository vanished during pass")
	default:
		rr.Status = RepositoryFailed
		rr.Error = err.Error()
		log.Warnf("repository failed", map[string]any{"error": err})
	}
	return rr
}

func (e *Executor) finish(ctx context.Context, res RunResult, log *logging.Logger) {
	outcome := res.Outcome()
	if e.metrics != nil {
		e.metrics.RecordRun(metrics.RunStats{
			Reason:              string(res.Reason),
			Outcome:             outcome,
			Duration:            res.Duration(),
			Repositories:        res.RepositoriesProcessed,
			RepositoriesSkipped: res.RepositoriesSkipped,
			TagsDeleted:         res.TagsDeleted,
			TagsAlreadyGone:     res.TagsAlreadyGone,
			DeleteFailures:      res.DeleteFailures,
		})
	}

	fields := map[string]any{
		"outcome":             outcome,
		"policies":            len(res.Policies),
		"repositories":        res.RepositoriesProcessed,
		"repositoriesSkipped": res.RepositoriesSkipped,
		"tagsDeleted":         res.TagsDeleted,
		"tagsAlreadyGone":     res.TagsAlreadyGone,
		"deleteFailures":      res.DeleteFailures,
		"durationMs":          res.Duration().Milliseconds(),
		"dryRun":              res.DryRun,
	}
	switch outcome {
	case metrics.OutcomeFailed:
		fields["error"] = res.Err
		log.Errorf("enforcement pass failed", fields)
	case metrics.OutcomeNoop:
		log.Debugf("enforcement pass finished", fields)
	default:
		log.Infof("enforcement pass finished", fields)
	}

	if e.reports == nil || outcome == metrics.OutcomeNoop {
		return
	}
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), reportTimeout)
	defer cancel()
	if err := e.reports.WriteReport(rctx, res); err != nil {
		log.Warnf("failed to write run report", map[string]any{"error": err})
	}
}
