// internal/syncer/syncer.go
package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"golang.org/x/sync/errgroup"

	"starsync/internal/gitops"
	"starsync/internal/metrics"
	"starsync/internal/model"
	"starsync/internal/store"
)

// SourceClient fetches repository metadata from the host that emitted the
// star event.
type SourceClient interface {
	FetchRepoMetadata(ctx context.Context, owner, name string) (*model.RepoMetadata, error)
}

// DestClient provisions mirror repositories on the destination host.
type DestClient interface {
	CreateOrGetRepo(ctx context.Context, req model.CreateRepoRequest) (*model.DestRepo, error)
}

// TransferExecutor moves git history from the source to the destination.
type TransferExecutor interface {
	Transfer(ctx context.Context, src, dst gitops.Endpoint) (gitops.TransferResult, error)
}

// Config carries the orchestrator tuning knobs.
type Config struct {
	RepoPrefix       string
	ConflictPolicy   model.ConflictPolicy
	MaxRetries       int32
	RetryBaseWait    time.Duration
	RetryMaxWait     time.Duration
	TransferTimeout  time.Duration
	LargeRepoSizeKB  int64
	LargeRepoTimeout time.Duration
	Workers          int
	QueueSize        int
	SweepInterval    time.Duration

	// Git credentials handed to the transfer executor. Neither set ever
	// appears in a persisted URL or error message.
	SourceGitUsername string
	SourceGitPassword string
	DestGitUsername   string
	DestGitPassword   string
}

// OutcomeKind classifies what admission decided about an event.
type OutcomeKind string

const (
	OutcomeAccepted      OutcomeKind = "accepted"
	OutcomeAlreadySynced OutcomeKind = "already_synced"
	OutcomeIgnored       OutcomeKind = "ignored"
	OutcomeRejected      OutcomeKind = "rejected"
)

// Outcome is the synchronous admission verdict for one webhook event.
type Outcome struct {
	Kind   OutcomeKind
	Reason string
	Record *store.Repository
}

// Orchestrator admits star events, owns the sync state machine and runs
// transfers on a bounded worker pool.
type Orchestrator struct {
	store    store.Querier
	source   SourceClient
	dest     DestClient
	transfer TransferExecutor
	metrics  *metrics.Metrics
	logger   *slog.Logger
	cfg      Config
	queue    chan int64
}

// NewOrchestrator wires an orchestrator around its collaborators.
func NewOrchestrator(st store.Querier, source SourceClient, dest DestClient, transfer TransferExecutor, m *metrics.Metrics, logger *slog.Logger, cfg Config) *Orchestrator {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.QueueSize < 1 {
		cfg.QueueSize = 1
	}
	return &Orchestrator{
		store:    st,
		source:   source,
		dest:     dest,
		transfer: transfer,
		metrics:  m,
		logger:   logger,
		cfg:      cfg,
		queue:    make(chan int64, cfg.QueueSize),
	}
}

// Start runs the worker pool and the retry sweeper until ctx is cancelled.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.logger.Info("Starting sync workers",
		"workers", o.cfg.Workers, "queue_size", o.cfg.QueueSize, "sweep_interval", o.cfg.SweepInterval.String())

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < o.cfg.Workers; i++ {
		worker := i
		g.Go(func() error {
			o.workLoop(gctx, worker)
			return nil
		})
	}
	g.Go(func() error {
		o.sweepLoop(gctx)
		return nil
	})

	return g.Wait()
}

func (o *Orchestrator) workLoop(ctx context.Context, worker int) {
	logger := o.logger.With("worker", worker)
	for {
		select {
		case <-ctx.Done():
			logger.Info("Sync worker shutting down", "reason", ctx.Err())
			return
		case id := <-o.queue:
			o.metrics.QueueDepth.Set(float64(len(o.queue)))
			o.runSync(ctx, id)
		}
	}
}

// sweepLoop periodically recovers stranded work: runs interrupted mid-flight
// are failed over, then pending rows left behind by a crash or a full queue
// and failed rows whose retry wait has elapsed are re-queued.
func (o *Orchestrator) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(o.cfg.SweepInterval)
	defer ticker.Stop()

	o.sweep(ctx)

	for {
		select {
		case <-ticker.C:
			o.sweep(ctx)
		case <-ctx.Done():
			o.logger.Info("Retry sweeper shutting down", "reason", ctx.Err())
			return
		}
	}
}

func (o *Orchestrator) sweep(ctx context.Context) {
	o.reapInterrupted(ctx)

	runnable, err := o.store.ListRunnable(ctx, store.ListRunnableParams{Now: time.Now(), Limit: int32(o.cfg.QueueSize)})
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			o.logger.Error("Failed to list runnable repositories", "error", err)
		}
		return
	}

	for _, rec := range runnable {
		rec := rec
		if rec.SyncStatus == model.StatusFailed {
			// The retry wait has elapsed; put the record back in line. The
			// failure that scheduled this retry already consumed its slot of
			// the budget, so the count stays put.
			err := o.transition(ctx, &rec, model.StatusPending, func(p *store.TransitionStatusParams) {
				p.NextRetryAt = nil
			})
			if err != nil {
				continue
			}
		}
		o.enqueue(&rec)
	}
}

// reapInterrupted fails over records stranded in in_progress or cloning by a
// crash or restart. A row past the longest transfer deadline has no live
// worker behind it any more; the minute on top covers scheduling slack. The
// reaped record lands in failed with its budget untouched, so the very next
// ListRunnable pass requeues it if retries remain.
func (o *Orchestrator) reapInterrupted(ctx context.Context) {
	stale := o.cfg.TransferTimeout
	if o.cfg.LargeRepoTimeout > stale {
		stale = o.cfg.LargeRepoTimeout
	}
	now := time.Now()

	reaped, err := o.store.ReapStaleSyncs(ctx, store.ReapStaleSyncsParams{
		StuckSince:   now.Add(-stale - time.Minute),
		ErrorMessage: "sync interrupted before completion",
		NextRetryAt:  now,
	})
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			o.logger.Error("Failed to reap interrupted syncs", "error", err)
		}
		return
	}

	for _, rec := range reaped {
		o.logger.Warn("Recovering sync interrupted mid-run",
			"repo_id", rec.ID, "repo", rec.GithubFullName, "retry_count", rec.RetryCount, "max_retries", rec.MaxRetries)
		o.appendLog(ctx, store.CreateSyncLogParams{
			RepositoryID: rec.ID,
			EventType:    "sync_failed",
			Status:       string(rec.SyncStatus),
			ErrorMessage: rec.ErrorMessage,
		})
	}
}

// enqueue hands a record to the worker pool without blocking. When the queue
// is full the record stays pending and a later sweep picks it up.
func (o *Orchestrator) enqueue(rec *store.Repository) bool {
	select {
	case o.queue <- rec.ID:
		o.metrics.QueueDepth.Set(float64(len(o.queue)))
		return true
	default:
		o.logger.Warn("Sync queue is full, leaving repository for the next sweep",
			"repo_id", rec.ID, "repo", rec.GithubFullName)
		return false
	}
}

// Handle admits one star event. The verdict is returned synchronously;
// accepted work runs later on the worker pool. A non-nil error means
// admission itself could not be completed, not that the event was bad.
func (o *Orchestrator) Handle(ctx context.Context, event model.StarEvent) (Outcome, error) {
	logger := o.logger.With("delivery_id", event.DeliveryID, "event", event.EventType, "repo", event.Repo.FullName)

	if reason, star := starReason(event); !star {
		logger.Info("Ignoring event", "reason", reason)
		return Outcome{Kind: OutcomeIgnored, Reason: reason}, nil
	}
	if err := validateEvent(event); err != nil {
		logger.Warn("Rejecting malformed event", "error", err)
		return Outcome{Kind: OutcomeRejected, Reason: err.Error()}, nil
	}

	outcome, err := o.admit(ctx, logger, event)
	if err != nil {
		return Outcome{}, err
	}
	if outcome.Kind == OutcomeAccepted && outcome.Record != nil {
		o.enqueue(outcome.Record)
	}
	return outcome, nil
}

// Star events arrive as "star" with action "created"; older hook
// configurations deliver "watch" with action "started" instead. Everything
// else, un-starring included, is ignored.
func starReason(event model.StarEvent) (string, bool) {
	switch event.EventType {
	case "star":
		if event.Action == "created" {
			return "", true
		}
	case "watch":
		if event.Action == "started" {
			return "", true
		}
	default:
		return fmt.Sprintf("event type %q does not record a star", event.EventType), false
	}
	return fmt.Sprintf("action %q on %q does not record a new star", event.Action, event.EventType), false
}

func validateEvent(event model.StarEvent) error {
	if event.Repo.Owner == "" || event.Repo.Name == "" {
		return errors.New("repository owner and name are required")
	}
	if event.Repo.CloneURL == "" {
		return errors.New("repository clone_url is required")
	}
	return nil
}

// admit resolves the event against the repository table. The source clone URL
// is the dedupe key.
func (o *Orchestrator) admit(ctx context.Context, logger *slog.Logger, event model.StarEvent) (Outcome, error) {
	rec, err := o.store.GetRepositoryBySourceURL(ctx, event.Repo.CloneURL)
	if errors.Is(err, pgx.ErrNoRows) {
		created, createErr := o.createRecord(ctx, event)
		if createErr == nil {
			logger.Info("Repository not seen before, sync scheduled", "repo_id", created.ID)
			return Outcome{Kind: OutcomeAccepted, Reason: "sync scheduled", Record: &created}, nil
		}
		if !errors.Is(createErr, store.ErrDuplicate) {
			return Outcome{}, fmt.Errorf("create repository record: %w", createErr)
		}
		// Lost the create race against a concurrent delivery; judge the
		// record the winner left behind.
		rec, err = o.store.GetRepositoryBySourceURL(ctx, event.Repo.CloneURL)
		if err != nil {
			return Outcome{}, fmt.Errorf("load repository after duplicate create: %w", err)
		}
	} else if err != nil {
		return Outcome{}, fmt.Errorf("look up repository: %w", err)
	}

	return o.admitExisting(ctx, logger, rec)
}

func (o *Orchestrator) admitExisting(ctx context.Context, logger *slog.Logger, rec store.Repository) (Outcome, error) {
	logger = logger.With("repo_id", rec.ID, "status", rec.SyncStatus)

	switch rec.SyncStatus {
	case model.StatusCompleted:
		updated, err := o.store.TouchLastSynced(ctx, rec.ID, time.Now())
		if err != nil {
			return Outcome{}, fmt.Errorf("refresh last synced time: %w", err)
		}
		logger.Info("Repository already mirrored, refreshed last synced time")
		return Outcome{Kind: OutcomeAlreadySynced, Reason: "repository already mirrored", Record: &updated}, nil

	case model.StatusPending, model.StatusInProgress, model.StatusCloning:
		logger.Info("Sync already underway, ignoring duplicate event")
		return Outcome{Kind: OutcomeAlreadySynced, Reason: "sync already in progress", Record: &rec}, nil

	case model.StatusFailed:
		if rec.RetryCount >= rec.MaxRetries {
			return o.exhaust(ctx, logger, rec)
		}
		// A fresh star on a failed mirror asks for an immediate retry and
		// consumes one slot of the retry budget.
		err := o.transition(ctx, &rec, model.StatusPending, func(p *store.TransitionStatusParams) {
			p.RetryCount = rec.RetryCount + 1
			p.NextRetryAt = nil
		})
		if errors.Is(err, store.ErrStaleTransition) {
			logger.Info("Concurrent event already re-admitted this repository")
			return Outcome{Kind: OutcomeAlreadySynced, Reason: "sync already in progress", Record: &rec}, nil
		}
		if err != nil {
			return Outcome{}, fmt.Errorf("admit manual retry: %w", err)
		}
		logger.Info("Manual retry admitted", "retry_count", rec.RetryCount, "max_retries", rec.MaxRetries)
		return Outcome{Kind: OutcomeAccepted, Reason: "retry scheduled", Record: &rec}, nil

	case model.StatusPermanentFailure:
		logger.Info("Repository permanently failed, ignoring event")
		return Outcome{Kind: OutcomeAlreadySynced, Reason: permanentReason(rec), Record: &rec}, nil
	}

	return Outcome{}, fmt.Errorf("repository %d has unknown sync status %q", rec.ID, rec.SyncStatus)
}

// exhaust converts a failed record whose budget is spent into a permanent
// failure. The conversion is lazy: it happens on the first admission that
// observes the exhausted budget.
func (o *Orchestrator) exhaust(ctx context.Context, logger *slog.Logger, rec store.Repository) (Outcome, error) {
	err := o.transition(ctx, &rec, model.StatusPermanentFailure, func(p *store.TransitionStatusParams) {
		p.NextRetryAt = nil
	})
	switch {
	case err == nil:
		logger.Warn("Retry budget exhausted, marking repository permanently failed",
			"retry_count", rec.RetryCount, "max_retries", rec.MaxRetries)
		o.appendLog(ctx, store.CreateSyncLogParams{
			RepositoryID: rec.ID,
			EventType:    "sync_failed",
			Status:       string(rec.SyncStatus),
			ErrorMessage: rec.ErrorMessage,
		})
		o.metrics.SyncOperations.WithLabelValues(string(model.StatusPermanentFailure)).Inc()
	case errors.Is(err, store.ErrStaleTransition):
		logger.Info("Repository moved on before permanent failure conversion")
	default:
		return Outcome{}, fmt.Errorf("mark permanent failure: %w", err)
	}
	return Outcome{Kind: OutcomeAlreadySynced, Reason: permanentReason(rec), Record: &rec}, nil
}

func permanentReason(rec store.Repository) string {
	if rec.ErrorMessage != nil && *rec.ErrorMessage != "" {
		return "sync permanently failed: " + *rec.ErrorMessage
	}
	return "sync permanently failed"
}

func (o *Orchestrator) createRecord(ctx context.Context, event model.StarEvent) (store.Repository, error) {
	metadata, _ := json.Marshal(event.Repo)
	return o.store.CreateRepository(ctx, store.CreateRepositoryParams{
		GithubRepoID:        event.Repo.ID,
		GithubURL:           event.Repo.CloneURL,
		GithubOwner:         event.Repo.Owner,
		GithubRepoName:      event.Repo.Name,
		GithubFullName:      event.Repo.FullName,
		GithubDefaultBranch: event.Repo.DefaultBranch,
		GithubIsPrivate:     event.Repo.Private,
		GithubSizeKB:        event.Repo.SizeKB,
		Description:         event.Repo.Description,
		MaxRetries:          o.cfg.MaxRetries,
		Metadata:            metadata,
	})
}
