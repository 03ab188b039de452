// internal/store/store.go
package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"starsync/internal/model"
)

// ErrDuplicate is returned when an insert loses a uniqueness race.
var ErrDuplicate = errors.New("store: duplicate row")

// ErrStaleTransition is returned when a conditional status update matches no
// row: the record moved on under a concurrent writer (or does not exist).
var ErrStaleTransition = errors.New("store: stale transition")

// DBTX is satisfied by *pgxpool.Pool and pgx.Tx alike.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Repository is one tracked source repository and its mirror state.
type Repository struct {
	ID                  int64            `json:"id"`
	GithubRepoID        int64            `json:"github_repo_id"`
	GithubURL           string           `json:"github_url"`
	GithubOwner         string           `json:"github_owner"`
	GithubRepoName      string           `json:"github_repo_name"`
	GithubFullName      string           `json:"github_full_name"`
	GithubDefaultBranch string           `json:"github_default_branch"`
	GithubIsPrivate     bool             `json:"github_is_private"`
	GithubSizeKB        int64            `json:"github_size_kb"`
	Description         *string          `json:"description"`
	OneDevURL           *string          `json:"onedev_url"`
	OneDevRepoName      *string          `json:"onedev_repo_name"`
	OneDevProjectID     *int64           `json:"onedev_project_id"`
	SyncStatus          model.SyncStatus `json:"sync_status"`
	ErrorMessage        *string          `json:"error_message"`
	RetryCount          int32            `json:"retry_count"`
	MaxRetries          int32            `json:"max_retries"`
	NextRetryAt         *time.Time       `json:"next_retry_at"`
	LastSyncedAt        *time.Time       `json:"last_synced_at"`
	Metadata            []byte           `json:"metadata"`
	CreatedAt           time.Time        `json:"created_at"`
	UpdatedAt           time.Time        `json:"updated_at"`
}

// WebhookEvent is one received webhook delivery.
type WebhookEvent struct {
	ID              int64      `json:"id"`
	DeliveryID      string     `json:"delivery_id"`
	EventType       string     `json:"event_type"`
	Action          string     `json:"action"`
	Sender          string     `json:"sender"`
	Payload         []byte     `json:"payload"`
	Signature       string     `json:"-"`
	Processed       bool       `json:"processed"`
	ProcessingError *string    `json:"processing_error"`
	RepositoryID    *int64     `json:"repository_id"`
	ReceivedAt      time.Time  `json:"received_at"`
	ProcessedAt     *time.Time `json:"processed_at"`
}

// SyncLog is one append-only attempt log entry.
type SyncLog struct {
	ID               int64     `json:"id"`
	RepositoryID     int64     `json:"repository_id"`
	EventType        string    `json:"event_type"`
	Status           string    `json:"status"`
	ErrorMessage     *string   `json:"error_message"`
	ErrorCode        *string   `json:"error_code"`
	DurationSeconds  *float64  `json:"duration_seconds"`
	BytesTransferred *int64    `json:"bytes_transferred"`
	Payload          []byte    `json:"payload"`
	CreatedAt        time.Time `json:"created_at"`
}

type CreateRepositoryParams struct {
	GithubRepoID        int64
	GithubURL           string
	GithubOwner         string
	GithubRepoName      string
	GithubFullName      string
	GithubDefaultBranch string
	GithubIsPrivate     bool
	GithubSizeKB        int64
	Description         *string
	MaxRetries          int32
	Metadata            []byte
}

// TransitionStatusParams describes a guarded status update. The update only
// matches while the row still holds FromStatus; the mutable fields are written
// exactly as passed, except LastSyncedAt which keeps its current value when
// nil.
type TransitionStatusParams struct {
	ID           int64
	FromStatus   model.SyncStatus
	ToStatus     model.SyncStatus
	ErrorMessage *string
	RetryCount   int32
	NextRetryAt  *time.Time
	LastSyncedAt *time.Time
}

type SetDestinationParams struct {
	ID              int64
	OneDevURL       string
	OneDevRepoName  string
	OneDevProjectID int64
}

type GetRepositoryByOwnerAndNameParams struct {
	Owner string
	Name  string
}

type ListRepositoriesParams struct {
	SyncStatus *model.SyncStatus
	Limit      int32
	Offset     int32
}

type ListRunnableParams struct {
	Now   time.Time
	Limit int32
}

// ReapStaleSyncsParams selects in-flight records untouched since before
// StuckSince and lands them in failed with the given error and retry moment.
type ReapStaleSyncsParams struct {
	StuckSince   time.Time
	ErrorMessage string
	NextRetryAt  time.Time
}

type CreateWebhookEventParams struct {
	DeliveryID string
	EventType  string
	Action     string
	Sender     string
	Payload    []byte
	Signature  string
}

type MarkWebhookEventProcessedParams struct {
	DeliveryID      string
	RepositoryID    *int64
	ProcessingError *string
}

type CreateSyncLogParams struct {
	RepositoryID     int64
	EventType        string
	Status           string
	ErrorMessage     *string
	ErrorCode        *string
	DurationSeconds  *float64
	BytesTransferred *int64
	Payload          []byte
}

// Querier is the persistence surface the rest of the application depends on.
type Querier interface {
	GetRepositoryBySourceURL(ctx context.Context, githubURL string) (Repository, error)
	GetRepositoryByID(ctx context.Context, id int64) (Repository, error)
	GetRepositoryByOwnerAndName(ctx context.Context, arg GetRepositoryByOwnerAndNameParams) (Repository, error)
	CreateRepository(ctx context.Context, arg CreateRepositoryParams) (Repository, error)
	TransitionStatus(ctx context.Context, arg TransitionStatusParams) (Repository, error)
	SetDestination(ctx context.Context, arg SetDestinationParams) (Repository, error)
	TouchLastSynced(ctx context.Context, id int64, syncedAt time.Time) (Repository, error)
	ListRepositories(ctx context.Context, arg ListRepositoriesParams) ([]Repository, error)
	ListRunnable(ctx context.Context, arg ListRunnableParams) ([]Repository, error)
	ReapStaleSyncs(ctx context.Context, arg ReapStaleSyncsParams) ([]Repository, error)
	CountRepositoriesByStatus(ctx context.Context) (map[model.SyncStatus]int64, error)
	CreateWebhookEvent(ctx context.Context, arg CreateWebhookEventParams) (WebhookEvent, error)
	MarkWebhookEventProcessed(ctx context.Context, arg MarkWebhookEventProcessedParams) (WebhookEvent, error)
	CreateSyncLog(ctx context.Context, arg CreateSyncLogParams) (SyncLog, error)
	ListSyncLogsByRepository(ctx context.Context, repositoryID int64, limit int32) ([]SyncLog, error)
	Ping(ctx context.Context) error
}
