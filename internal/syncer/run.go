// internal/syncer/run.go
package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	custom_errors "starsync/internal/errors"
	"starsync/internal/gitops"
	"starsync/internal/model"
	"starsync/internal/store"
)

// runSync drives one admitted repository through the state machine, sleeping
// through scheduled retry waits, until the record reaches a terminal status or
// this worker loses ownership of it.
func (o *Orchestrator) runSync(ctx context.Context, id int64) {
	rec, err := o.store.GetRepositoryByID(ctx, id)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			o.logger.Error("Failed to load repository for sync", "repo_id", id, "error", err)
		}
		return
	}
	if rec.SyncStatus != model.StatusPending {
		o.logger.Debug("Skipping stale queue entry", "repo_id", id, "status", rec.SyncStatus)
		return
	}

	logger := o.logger.With("repo_id", rec.ID, "owner", rec.GithubOwner, "repo", rec.GithubRepoName)

	for {
		// Claiming is the mutual exclusion point: only the worker whose
		// guarded update lands gets to run this record.
		err := o.transition(ctx, &rec, model.StatusInProgress, nil)
		if errors.Is(err, store.ErrStaleTransition) {
			logger.Debug("Repository claimed by another worker")
			return
		}
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				logger.Error("Failed to claim repository", "error", err)
			}
			return
		}

		runErr := o.attempt(ctx, logger, &rec)
		if runErr == nil {
			return
		}
		if ctx.Err() != nil {
			// Shutdown mid-run. The record stays where it is; the sweep after
			// restart picks it up.
			logger.Info("Sync interrupted by shutdown", "status", rec.SyncStatus)
			return
		}
		if errors.Is(runErr, store.ErrStaleTransition) {
			logger.Warn("Lost repository ownership mid-run")
			return
		}

		retry, wait := o.recordFailure(ctx, logger, &rec, runErr)
		if !retry {
			return
		}

		select {
		case <-time.After(wait):
		case <-ctx.Done():
			logger.Info("Retry wait interrupted by shutdown")
			return
		}

		// Take the record back for the automatic retry. The failure already
		// consumed the budget slot, so the count stays put. Losing this
		// update means admission or the sweeper re-admitted the record while
		// we slept; whoever did owns it now.
		err = o.transition(ctx, &rec, model.StatusPending, func(p *store.TransitionStatusParams) {
			p.NextRetryAt = nil
		})
		if err != nil {
			logger.Debug("Repository re-admitted elsewhere during retry wait")
			return
		}
	}
}

// attempt executes the steps of one sync pass: source metadata, destination
// provisioning, then the git transfer. The record advances through
// in_progress and cloning as the steps land.
func (o *Orchestrator) attempt(ctx context.Context, logger *slog.Logger, rec *store.Repository) error {
	o.metrics.ActiveSyncs.Inc()
	defer o.metrics.ActiveSyncs.Dec()

	started := time.Now()
	o.appendLog(ctx, store.CreateSyncLogParams{
		RepositoryID: rec.ID,
		EventType:    "sync_started",
		Status:       string(rec.SyncStatus),
	})
	logger.Info("Starting sync attempt", "retry_count", rec.RetryCount)

	meta, err := o.source.FetchRepoMetadata(ctx, rec.GithubOwner, rec.GithubRepoName)
	if err != nil {
		return fmt.Errorf("fetch source metadata: %w", err)
	}

	description := ""
	if meta.Description != nil {
		description = *meta.Description
	}
	dest, err := o.dest.CreateOrGetRepo(ctx, model.CreateRepoRequest{
		Name:           destinationName(o.cfg.RepoPrefix, rec.GithubOwner, rec.GithubRepoName),
		Description:    description,
		ConflictPolicy: o.cfg.ConflictPolicy,
	})
	if err != nil {
		return fmt.Errorf("ensure destination project: %w", err)
	}
	if dest.Reused {
		logger.Info("Reusing existing destination project", "project", dest.Name)
	}

	updated, err := o.store.SetDestination(ctx, store.SetDestinationParams{
		ID:              rec.ID,
		OneDevURL:       dest.CloneURL,
		OneDevRepoName:  dest.Name,
		OneDevProjectID: dest.ProjectID,
	})
	if err != nil {
		return fmt.Errorf("record destination project: %w", err)
	}
	*rec = updated

	if err := o.transition(ctx, rec, model.StatusCloning, nil); err != nil {
		return fmt.Errorf("enter cloning: %w", err)
	}
	o.appendLog(ctx, store.CreateSyncLogParams{
		RepositoryID: rec.ID,
		EventType:    "clone_started",
		Status:       string(rec.SyncStatus),
	})

	timeout := o.cfg.TransferTimeout
	if meta.SizeKB > o.cfg.LargeRepoSizeKB {
		timeout = o.cfg.LargeRepoTimeout
		logger.Info("Large repository, extending transfer timeout", "size_kb", meta.SizeKB, "timeout", timeout.String())
	}
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	srcURL := meta.CloneURL
	if srcURL == "" {
		srcURL = rec.GithubURL
	}
	result, err := o.transfer.Transfer(tctx,
		gitops.Endpoint{URL: srcURL, Username: o.cfg.SourceGitUsername, Password: o.cfg.SourceGitPassword},
		gitops.Endpoint{URL: dest.CloneURL, Username: o.cfg.DestGitUsername, Password: o.cfg.DestGitPassword},
	)
	if err != nil {
		return fmt.Errorf("transfer repository: %w", err)
	}

	now := time.Now()
	err = o.transition(ctx, rec, model.StatusCompleted, func(p *store.TransitionStatusParams) {
		p.ErrorMessage = nil
		p.RetryCount = 0
		p.NextRetryAt = nil
		p.LastSyncedAt = &now
	})
	if err != nil {
		return fmt.Errorf("mark completed: %w", err)
	}

	duration := time.Since(started)
	seconds := duration.Seconds()
	bytes := result.BytesTransferred
	o.appendLog(ctx, store.CreateSyncLogParams{
		RepositoryID:     rec.ID,
		EventType:        "sync_completed",
		Status:           string(rec.SyncStatus),
		DurationSeconds:  &seconds,
		BytesTransferred: &bytes,
	})
	o.metrics.SyncOperations.WithLabelValues(string(model.StatusCompleted)).Inc()
	o.metrics.SyncDuration.Observe(seconds)
	o.metrics.BytesTransferred.Add(float64(bytes))

	if result.UpToDate {
		logger.Info("Destination already up to date", "duration", duration.String())
	} else {
		logger.Info("Successfully mirrored repository", "duration", duration.String(), "bytes", bytes)
	}
	return nil
}

// recordFailure classifies the attempt error and lands the record in failed
// or permanent_failure. It reports whether the caller should retry in place
// and how long to wait first.
func (o *Orchestrator) recordFailure(ctx context.Context, logger *slog.Logger, rec *store.Repository, runErr error) (bool, time.Duration) {
	se := custom_errors.Classify("syncer.run", runErr)
	msg := custom_errors.Sanitize(se.Error())
	code := string(se.Kind)

	if !se.Retryable {
		o.finishPermanent(ctx, logger, rec, msg, code, "permanent error")
		return false, 0
	}
	if rec.RetryCount >= rec.MaxRetries {
		o.finishPermanent(ctx, logger, rec, "retry budget exhausted: "+msg, code, "retry budget exhausted")
		return false, 0
	}

	attempt := rec.RetryCount + 1
	wait := withJitter(backoffWait(o.cfg.RetryBaseWait, o.cfg.RetryMaxWait, int(attempt)))
	nextRetry := time.Now().Add(wait)

	err := o.transition(ctx, rec, model.StatusFailed, func(p *store.TransitionStatusParams) {
		p.ErrorMessage = &msg
		p.RetryCount = attempt
		p.NextRetryAt = &nextRetry
	})
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			logger.Error("Failed to record sync failure", "error", err)
		}
		return false, 0
	}

	o.appendLog(ctx, store.CreateSyncLogParams{
		RepositoryID: rec.ID,
		EventType:    "sync_failed",
		Status:       string(rec.SyncStatus),
		ErrorMessage: &msg,
		ErrorCode:    &code,
	})
	payload, _ := json.Marshal(map[string]any{
		"retry_count":   attempt,
		"max_retries":   rec.MaxRetries,
		"next_retry_at": nextRetry.Format(time.RFC3339),
		"wait":          wait.String(),
	})
	o.appendLog(ctx, store.CreateSyncLogParams{
		RepositoryID: rec.ID,
		EventType:    "retry_scheduled",
		Status:       string(rec.SyncStatus),
		Payload:      payload,
	})
	o.metrics.SyncOperations.WithLabelValues(string(model.StatusFailed)).Inc()
	logger.Warn("Sync attempt failed, retry scheduled",
		"error", msg, "kind", code, "retry_count", attempt, "max_retries", rec.MaxRetries, "wait", wait.String())
	return true, wait
}

func (o *Orchestrator) finishPermanent(ctx context.Context, logger *slog.Logger, rec *store.Repository, msg, code, why string) {
	err := o.transition(ctx, rec, model.StatusPermanentFailure, func(p *store.TransitionStatusParams) {
		p.ErrorMessage = &msg
		p.NextRetryAt = nil
	})
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			logger.Error("Failed to record permanent failure", "error", err)
		}
		return
	}

	o.appendLog(ctx, store.CreateSyncLogParams{
		RepositoryID: rec.ID,
		EventType:    "sync_failed",
		Status:       string(rec.SyncStatus),
		ErrorMessage: &msg,
		ErrorCode:    &code,
	})
	o.metrics.SyncOperations.WithLabelValues(string(model.StatusPermanentFailure)).Inc()
	logger.Error("Sync permanently failed", "reason", why, "error", msg)
}

// transition moves rec to the given status using its current status as the
// optimistic concurrency guard. The update starts from the record's current
// values; mut overrides the fields the new status changes.
func (o *Orchestrator) transition(ctx context.Context, rec *store.Repository, to model.SyncStatus, mut func(*store.TransitionStatusParams)) error {
	if !CanTransition(rec.SyncStatus, to) {
		return fmt.Errorf("illegal status transition %s -> %s for repository %d", rec.SyncStatus, to, rec.ID)
	}

	params := store.TransitionStatusParams{
		ID:           rec.ID,
		FromStatus:   rec.SyncStatus,
		ToStatus:     to,
		ErrorMessage: rec.ErrorMessage,
		RetryCount:   rec.RetryCount,
		NextRetryAt:  rec.NextRetryAt,
	}
	if mut != nil {
		mut(&params)
	}

	updated, err := o.store.TransitionStatus(ctx, params)
	if err != nil {
		return err
	}
	*rec = updated
	return nil
}

// appendLog writes one attempt log entry. Logging failures are reported but
// never fail the sync itself.
func (o *Orchestrator) appendLog(ctx context.Context, arg store.CreateSyncLogParams) {
	if _, err := o.store.CreateSyncLog(ctx, arg); err != nil && !errors.Is(err, context.Canceled) {
		o.logger.Error("Failed to append sync log entry", "repo_id", arg.RepositoryID, "event", arg.EventType, "error", err)
	}
}

// destinationName derives the mirror project name from the source identity.
// OneDev project names are lowercase [a-z0-9-]; dots, underscores and any
// other oddities become dashes, runs of dashes collapse.
func destinationName(prefix, owner, repo string) string {
	raw := strings.ToLower(owner + "-" + repo)
	var b strings.Builder
	b.Grow(len(prefix) + len(raw))
	lastDash := false
	for _, r := range raw {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	return prefix + strings.Trim(b.String(), "-")
}
