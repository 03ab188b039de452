// internal/store/postgres.go
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"starsync/internal/model"
)

// Queries implements Querier against any DBTX.
type Queries struct {
	db DBTX
}

// New creates a Queries bound to a pool or transaction.
func New(db DBTX) *Queries {
	return &Queries{db: db}
}

// WithTx returns a Queries bound to the given transaction.
func (q *Queries) WithTx(tx pgx.Tx) *Queries {
	return &Queries{db: tx}
}

const repositoryColumns = `id, github_repo_id, github_url, github_owner, github_repo_name,
	github_full_name, github_default_branch, github_is_private, github_size_kb, description,
	onedev_url, onedev_repo_name, onedev_project_id, sync_status, error_message,
	retry_count, max_retries, next_retry_at, last_synced_at, metadata, created_at, updated_at`

func scanRepository(row pgx.Row) (Repository, error) {
	var r Repository
	err := row.Scan(
		&r.ID, &r.GithubRepoID, &r.GithubURL, &r.GithubOwner, &r.GithubRepoName,
		&r.GithubFullName, &r.GithubDefaultBranch, &r.GithubIsPrivate, &r.GithubSizeKB, &r.Description,
		&r.OneDevURL, &r.OneDevRepoName, &r.OneDevProjectID, &r.SyncStatus, &r.ErrorMessage,
		&r.RetryCount, &r.MaxRetries, &r.NextRetryAt, &r.LastSyncedAt, &r.Metadata, &r.CreatedAt, &r.UpdatedAt,
	)
	return r, err
}

func (q *Queries) GetRepositoryBySourceURL(ctx context.Context, githubURL string) (Repository, error) {
	sql := `SELECT ` + repositoryColumns + ` FROM repositories WHERE github_url = $1`
	return scanRepository(q.db.QueryRow(ctx, sql, githubURL))
}

func (q *Queries) GetRepositoryByID(ctx context.Context, id int64) (Repository, error) {
	sql := `SELECT ` + repositoryColumns + ` FROM repositories WHERE id = $1`
	return scanRepository(q.db.QueryRow(ctx, sql, id))
}

func (q *Queries) GetRepositoryByOwnerAndName(ctx context.Context, arg GetRepositoryByOwnerAndNameParams) (Repository, error) {
	sql := `SELECT ` + repositoryColumns + ` FROM repositories WHERE github_owner = $1 AND github_repo_name = $2`
	return scanRepository(q.db.QueryRow(ctx, sql, arg.Owner, arg.Name))
}

// CreateRepository inserts a new record in the pending state. A concurrent
// insert for the same github_url surfaces as ErrDuplicate.
func (q *Queries) CreateRepository(ctx context.Context, arg CreateRepositoryParams) (Repository, error) {
	sql := `INSERT INTO repositories (
		github_repo_id, github_url, github_owner, github_repo_name, github_full_name,
		github_default_branch, github_is_private, github_size_kb, description, max_retries, metadata, sync_status
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, 'pending')
	RETURNING ` + repositoryColumns
	row := q.db.QueryRow(ctx, sql,
		arg.GithubRepoID, arg.GithubURL, arg.GithubOwner, arg.GithubRepoName, arg.GithubFullName,
		arg.GithubDefaultBranch, arg.GithubIsPrivate, arg.GithubSizeKB, arg.Description, arg.MaxRetries, arg.Metadata,
	)
	repo, err := scanRepository(row)
	if isUniqueViolation(err) {
		return Repository{}, fmt.Errorf("repository %s: %w", arg.GithubURL, ErrDuplicate)
	}
	return repo, err
}

// TransitionStatus performs the guarded state change. No matching row means
// the record is no longer in FromStatus; callers get ErrStaleTransition and
// must re-read before deciding anything else.
func (q *Queries) TransitionStatus(ctx context.Context, arg TransitionStatusParams) (Repository, error) {
	sql := `UPDATE repositories
	SET sync_status = $3,
		error_message = $4,
		retry_count = $5,
		next_retry_at = $6,
		last_synced_at = COALESCE($7, last_synced_at),
		updated_at = now()
	WHERE id = $1 AND sync_status = $2
	RETURNING ` + repositoryColumns
	row := q.db.QueryRow(ctx, sql,
		arg.ID, arg.FromStatus, arg.ToStatus, arg.ErrorMessage, arg.RetryCount, arg.NextRetryAt, arg.LastSyncedAt,
	)
	repo, err := scanRepository(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Repository{}, fmt.Errorf("repository %d %s->%s: %w", arg.ID, arg.FromStatus, arg.ToStatus, ErrStaleTransition)
	}
	return repo, err
}

// SetDestination persists the destination identity. Guarded on in_progress so
// a late write after a concurrent transition cannot land.
func (q *Queries) SetDestination(ctx context.Context, arg SetDestinationParams) (Repository, error) {
	sql := `UPDATE repositories
	SET onedev_url = $2, onedev_repo_name = $3, onedev_project_id = $4, updated_at = now()
	WHERE id = $1 AND sync_status = 'in_progress'
	RETURNING ` + repositoryColumns
	row := q.db.QueryRow(ctx, sql, arg.ID, arg.OneDevURL, arg.OneDevRepoName, arg.OneDevProjectID)
	repo, err := scanRepository(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Repository{}, fmt.Errorf("repository %d destination: %w", arg.ID, ErrStaleTransition)
	}
	return repo, err
}

func (q *Queries) TouchLastSynced(ctx context.Context, id int64, syncedAt time.Time) (Repository, error) {
	sql := `UPDATE repositories SET last_synced_at = $2, updated_at = now() WHERE id = $1
	RETURNING ` + repositoryColumns
	return scanRepository(q.db.QueryRow(ctx, sql, id, syncedAt))
}

func (q *Queries) ListRepositories(ctx context.Context, arg ListRepositoriesParams) ([]Repository, error) {
	sql := `SELECT ` + repositoryColumns + ` FROM repositories
	WHERE ($1::text IS NULL OR sync_status = $1)
	ORDER BY updated_at DESC
	LIMIT $2 OFFSET $3`
	rows, err := q.db.Query(ctx, sql, arg.SyncStatus, arg.Limit, arg.Offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRepositories(rows)
}

// ListRunnable returns records a worker should pick up: freshly admitted ones
// and failed ones whose retry moment has arrived.
func (q *Queries) ListRunnable(ctx context.Context, arg ListRunnableParams) ([]Repository, error) {
	sql := `SELECT ` + repositoryColumns + ` FROM repositories
	WHERE sync_status = 'pending'
	   OR (sync_status = 'failed' AND retry_count < max_retries AND next_retry_at IS NOT NULL AND next_retry_at <= $1)
	ORDER BY updated_at ASC
	LIMIT $2`
	rows, err := q.db.Query(ctx, sql, arg.Now, arg.Limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRepositories(rows)
}

// ReapStaleSyncs fails over records stranded mid-run. A row still in
// in_progress or cloning that has not been touched since StuckSince lost its
// worker to a crash or restart; it re-enters the retry path as a failure with
// its retry budget untouched.
func (q *Queries) ReapStaleSyncs(ctx context.Context, arg ReapStaleSyncsParams) ([]Repository, error) {
	sql := `UPDATE repositories
	SET sync_status = 'failed',
		error_message = $2,
		next_retry_at = $3,
		updated_at = now()
	WHERE sync_status IN ('in_progress', 'cloning') AND updated_at < $1
	RETURNING ` + repositoryColumns
	rows, err := q.db.Query(ctx, sql, arg.StuckSince, arg.ErrorMessage, arg.NextRetryAt)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRepositories(rows)
}

func (q *Queries) CountRepositoriesByStatus(ctx context.Context) (map[model.SyncStatus]int64, error) {
	rows, err := q.db.Query(ctx, `SELECT sync_status, COUNT(*) FROM repositories GROUP BY sync_status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[model.SyncStatus]int64)
	for rows.Next() {
		var status model.SyncStatus
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

const webhookEventColumns = `id, delivery_id, event_type, action, sender, payload, signature,
	processed, processing_error, repository_id, received_at, processed_at`

func scanWebhookEvent(row pgx.Row) (WebhookEvent, error) {
	var e WebhookEvent
	err := row.Scan(
		&e.ID, &e.DeliveryID, &e.EventType, &e.Action, &e.Sender, &e.Payload, &e.Signature,
		&e.Processed, &e.ProcessingError, &e.RepositoryID, &e.ReceivedAt, &e.ProcessedAt,
	)
	return e, err
}

// CreateWebhookEvent records a delivery. Redeliveries reuse the original row.
func (q *Queries) CreateWebhookEvent(ctx context.Context, arg CreateWebhookEventParams) (WebhookEvent, error) {
	sql := `INSERT INTO webhook_events (delivery_id, event_type, action, sender, payload, signature)
	VALUES ($1, $2, $3, $4, $5, $6)
	ON CONFLICT (delivery_id) DO UPDATE SET received_at = now()
	RETURNING ` + webhookEventColumns
	return scanWebhookEvent(q.db.QueryRow(ctx, sql, arg.DeliveryID, arg.EventType, arg.Action, arg.Sender, arg.Payload, arg.Signature))
}

func (q *Queries) MarkWebhookEventProcessed(ctx context.Context, arg MarkWebhookEventProcessedParams) (WebhookEvent, error) {
	sql := `UPDATE webhook_events
	SET processed = TRUE,
		processed_at = now(),
		repository_id = COALESCE($2, repository_id),
		processing_error = $3
	WHERE delivery_id = $1
	RETURNING ` + webhookEventColumns
	return scanWebhookEvent(q.db.QueryRow(ctx, sql, arg.DeliveryID, arg.RepositoryID, arg.ProcessingError))
}

const syncLogColumns = `id, repository_id, event_type, status, error_message, error_code,
	duration_seconds, bytes_transferred, payload, created_at`

func scanSyncLog(row pgx.Row) (SyncLog, error) {
	var l SyncLog
	err := row.Scan(
		&l.ID, &l.RepositoryID, &l.EventType, &l.Status, &l.ErrorMessage, &l.ErrorCode,
		&l.DurationSeconds, &l.BytesTransferred, &l.Payload, &l.CreatedAt,
	)
	return l, err
}

func (q *Queries) CreateSyncLog(ctx context.Context, arg CreateSyncLogParams) (SyncLog, error) {
	sql := `INSERT INTO sync_logs (repository_id, event_type, status, error_message, error_code, duration_seconds, bytes_transferred, payload)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	RETURNING ` + syncLogColumns
	return scanSyncLog(q.db.QueryRow(ctx, sql,
		arg.RepositoryID, arg.EventType, arg.Status, arg.ErrorMessage, arg.ErrorCode,
		arg.DurationSeconds, arg.BytesTransferred, arg.Payload,
	))
}

func (q *Queries) ListSyncLogsByRepository(ctx context.Context, repositoryID int64, limit int32) ([]SyncLog, error) {
	sql := `SELECT ` + syncLogColumns + ` FROM sync_logs
	WHERE repository_id = $1 ORDER BY created_at DESC LIMIT $2`
	rows, err := q.db.Query(ctx, sql, repositoryID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []SyncLog
	for rows.Next() {
		l, err := scanSyncLog(rows)
		if err != nil {
			return nil, err
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

func (q *Queries) Ping(ctx context.Context) error {
	_, err := q.db.Exec(ctx, `SELECT 1`)
	return err
}

func collectRepositories(rows pgx.Rows) ([]Repository, error) {
	var repos []Repository
	for rows.Next() {
		r, err := scanRepository(rows)
		if err != nil {
			return nil, err
		}
		repos = append(repos, r)
	}
	return repos, rows.Err()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
