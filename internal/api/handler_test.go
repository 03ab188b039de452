// internal/api/handler_test.go
package api

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"starsync/internal/metrics"
	"starsync/internal/model"
	"starsync/internal/store"
	"starsync/internal/syncer"
)

const testSecret = "test-webhook-secret"

const starPayloadJSON = `{
	"action": "created",
	"repository": {
		"id": 42,
		"name": "hello-world",
		"full_name": "octocat/hello-world",
		"clone_url": "https://github.com/octocat/hello-world.git",
		"html_url": "https://github.com/octocat/hello-world",
		"default_branch": "main",
		"private": false,
		"size": 128,
		"owner": {"login": "octocat"}
	},
	"sender": {"login": "stargazer"}
}`

// fakeDB implements the handful of Querier methods the handlers touch.
// Anything else panics, which is exactly what a test should do.
type fakeDB struct {
	store.Querier
	events    []store.WebhookEvent
	marks     []store.MarkWebhookEventProcessedParams
	repos     []store.Repository
	logs      []store.SyncLog
	pingErr   error
	createErr error
	getErr    error
}

func (f *fakeDB) CreateWebhookEvent(ctx context.Context, arg store.CreateWebhookEventParams) (store.WebhookEvent, error) {
	if f.createErr != nil {
		return store.WebhookEvent{}, f.createErr
	}
	ev := store.WebhookEvent{
		ID:         int64(len(f.events) + 1),
		DeliveryID: arg.DeliveryID,
		EventType:  arg.EventType,
		Action:     arg.Action,
		Sender:     arg.Sender,
		Payload:    arg.Payload,
		Signature:  arg.Signature,
		ReceivedAt: time.Now(),
	}
	f.events = append(f.events, ev)
	return ev, nil
}

func (f *fakeDB) MarkWebhookEventProcessed(ctx context.Context, arg store.MarkWebhookEventProcessedParams) (store.WebhookEvent, error) {
	f.marks = append(f.marks, arg)
	return store.WebhookEvent{DeliveryID: arg.DeliveryID, Processed: true}, nil
}

func (f *fakeDB) Ping(ctx context.Context) error { return f.pingErr }

func (f *fakeDB) ListRepositories(ctx context.Context, arg store.ListRepositoriesParams) ([]store.Repository, error) {
	return f.repos, nil
}

func (f *fakeDB) GetRepositoryByOwnerAndName(ctx context.Context, arg store.GetRepositoryByOwnerAndNameParams) (store.Repository, error) {
	if f.getErr != nil {
		return store.Repository{}, f.getErr
	}
	for _, r := range f.repos {
		if r.GithubOwner == arg.Owner && r.GithubRepoName == arg.Name {
			return r, nil
		}
	}
	return store.Repository{}, pgx.ErrNoRows
}

func (f *fakeDB) ListSyncLogsByRepository(ctx context.Context, repositoryID int64, limit int32) ([]store.SyncLog, error) {
	return f.logs, nil
}

type stubProcessor struct {
	outcome syncer.Outcome
	err     error
	events  []model.StarEvent
}

func (p *stubProcessor) Handle(ctx context.Context, event model.StarEvent) (syncer.Outcome, error) {
	p.events = append(p.events, event)
	if p.err != nil {
		return syncer.Outcome{}, p.err
	}
	return p.outcome, nil
}

func newTestRouter(db store.Querier, processor EventProcessor) http.Handler {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	return NewRouter(db, processor, metrics.New(), logger, testSecret)
}

func computeSignature(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func postWebhook(router http.Handler, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/github", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

func starHeaders(body []byte) map[string]string {
	return map[string]string{
		"X-GitHub-Event":      "star",
		"X-GitHub-Delivery":   "delivery-123",
		"X-Hub-Signature-256": computeSignature(body, testSecret),
	}
}

func TestWebhook_SignatureVerification(t *testing.T) {
	body := []byte(starPayloadJSON)

	t.Run("accepts a correctly signed delivery", func(t *testing.T) {
		rec := store.Repository{ID: 7, SyncStatus: model.StatusPending}
		proc := &stubProcessor{outcome: syncer.Outcome{Kind: syncer.OutcomeAccepted, Reason: "sync scheduled", Record: &rec}}
		db := &fakeDB{}
		router := newTestRouter(db, proc)

		rr := postWebhook(router, body, starHeaders(body))

		assert.Equal(t, http.StatusAccepted, rr.Code)
		var resp webhookResponse
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
		assert.Equal(t, "accepted", resp.Status)
		require.NotNil(t, resp.RepositoryID)
		assert.Equal(t, int64(7), *resp.RepositoryID)

		require.Len(t, proc.events, 1)
		assert.Equal(t, "star", proc.events[0].EventType)
		assert.Equal(t, "octocat", proc.events[0].Repo.Owner)
		assert.Equal(t, "https://github.com/octocat/hello-world.git", proc.events[0].Repo.CloneURL)

		require.Len(t, db.events, 1)
		assert.Equal(t, "delivery-123", db.events[0].DeliveryID)
		assert.Equal(t, computeSignature(body, testSecret), db.events[0].Signature)
		require.Len(t, db.marks, 1)
		require.NotNil(t, db.marks[0].RepositoryID)
		assert.Equal(t, int64(7), *db.marks[0].RepositoryID)
	})

	t.Run("rejects a tampered payload", func(t *testing.T) {
		proc := &stubProcessor{}
		router := newTestRouter(&fakeDB{}, proc)

		headers := starHeaders(body)
		tampered := append(bytes.Clone(body), '!')
		rr := postWebhook(router, tampered, headers)

		assert.Equal(t, http.StatusUnauthorized, rr.Code)
		assert.Empty(t, proc.events)
	})

	t.Run("rejects a missing signature", func(t *testing.T) {
		proc := &stubProcessor{}
		router := newTestRouter(&fakeDB{}, proc)

		rr := postWebhook(router, body, map[string]string{"X-GitHub-Event": "star"})

		assert.Equal(t, http.StatusUnauthorized, rr.Code)
		assert.Empty(t, proc.events)
	})

	t.Run("rejects a signature without the sha256 prefix", func(t *testing.T) {
		proc := &stubProcessor{}
		router := newTestRouter(&fakeDB{}, proc)

		headers := starHeaders(body)
		headers["X-Hub-Signature-256"] = strings.TrimPrefix(headers["X-Hub-Signature-256"], "sha256=")
		rr := postWebhook(router, body, headers)

		assert.Equal(t, http.StatusUnauthorized, rr.Code)
		assert.Empty(t, proc.events)
	})
}

func TestWebhook_OutcomeMapping(t *testing.T) {
	body := []byte(starPayloadJSON)

	tests := []struct {
		name     string
		outcome  syncer.Outcome
		wantCode int
	}{
		{"already synced maps to 200", syncer.Outcome{Kind: syncer.OutcomeAlreadySynced, Reason: "repository already mirrored"}, http.StatusOK},
		{"ignored maps to 200", syncer.Outcome{Kind: syncer.OutcomeIgnored, Reason: "not a star"}, http.StatusOK},
		{"rejected maps to 400", syncer.Outcome{Kind: syncer.OutcomeRejected, Reason: "repository clone_url is required"}, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			proc := &stubProcessor{outcome: tt.outcome}
			db := &fakeDB{}
			router := newTestRouter(db, proc)

			rr := postWebhook(router, body, starHeaders(body))

			assert.Equal(t, tt.wantCode, rr.Code)
			var resp webhookResponse
			require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
			assert.Equal(t, string(tt.outcome.Kind), resp.Status)
			assert.Equal(t, tt.outcome.Reason, resp.Reason)
		})
	}

	t.Run("rejected outcome is recorded on the webhook event", func(t *testing.T) {
		reason := "repository clone_url is required"
		proc := &stubProcessor{outcome: syncer.Outcome{Kind: syncer.OutcomeRejected, Reason: reason}}
		db := &fakeDB{}
		router := newTestRouter(db, proc)

		postWebhook(router, body, starHeaders(body))

		require.Len(t, db.marks, 1)
		require.NotNil(t, db.marks[0].ProcessingError)
		assert.Equal(t, reason, *db.marks[0].ProcessingError)
	})
}

func TestWebhook_MalformedJSON(t *testing.T) {
	body := []byte(`{"action": "created", "repository":`)
	proc := &stubProcessor{}
	router := newTestRouter(&fakeDB{}, proc)

	rr := postWebhook(router, body, starHeaders(body))

	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Empty(t, proc.events)
}

func TestWebhook_ProcessorFailure(t *testing.T) {
	body := []byte(starPayloadJSON)
	proc := &stubProcessor{err: errors.New("database down")}
	db := &fakeDB{}
	router := newTestRouter(db, proc)

	rr := postWebhook(router, body, starHeaders(body))

	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	require.Len(t, db.marks, 1)
	require.NotNil(t, db.marks[0].ProcessingError)
}

func TestHealthCheck(t *testing.T) {
	t.Run("reports ok while the database answers", func(t *testing.T) {
		router := newTestRouter(&fakeDB{}, &stubProcessor{})

		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)

		assert.Equal(t, http.StatusOK, rr.Code)
		assert.JSONEq(t, `{"status":"ok"}`, rr.Body.String())
	})

	t.Run("reports degraded when the database is gone", func(t *testing.T) {
		router := newTestRouter(&fakeDB{pingErr: errors.New("no connection")}, &stubProcessor{})

		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)

		assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	})
}

func TestListRepositories(t *testing.T) {
	db := &fakeDB{repos: []store.Repository{
		{ID: 1, GithubOwner: "octocat", GithubRepoName: "hello-world", SyncStatus: model.StatusCompleted},
	}}
	router := newTestRouter(db, &stubProcessor{})

	t.Run("returns the repository list", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/v1/repos", nil)
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)

		assert.Equal(t, http.StatusOK, rr.Code)
		var repos []store.Repository
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &repos))
		require.Len(t, repos, 1)
		assert.Equal(t, "octocat", repos[0].GithubOwner)
	})

	t.Run("rejects an unknown status filter", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/v1/repos?status=bogus", nil)
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)

		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("rejects an out of range limit", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/v1/repos?limit=0", nil)
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)

		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("serves an empty list as JSON", func(t *testing.T) {
		emptyRouter := newTestRouter(&fakeDB{}, &stubProcessor{})
		req := httptest.NewRequest(http.MethodGet, "/v1/repos", nil)
		rr := httptest.NewRecorder()
		emptyRouter.ServeHTTP(rr, req)

		assert.Equal(t, http.StatusOK, rr.Code)
		assert.JSONEq(t, `[]`, rr.Body.String())
	})
}

func TestGetRepository(t *testing.T) {
	msg := "transfer repository: connection reset"
	db := &fakeDB{
		repos: []store.Repository{
			{ID: 1, GithubOwner: "octocat", GithubRepoName: "hello-world", SyncStatus: model.StatusFailed, ErrorMessage: &msg, RetryCount: 2, MaxRetries: 3},
		},
		logs: []store.SyncLog{
			{ID: 1, RepositoryID: 1, EventType: "sync_failed", Status: "failed", ErrorMessage: &msg},
		},
	}
	router := newTestRouter(db, &stubProcessor{})

	t.Run("returns the repository with its recent history", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/v1/repos/octocat/hello-world", nil)
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)

		assert.Equal(t, http.StatusOK, rr.Code)
		var detail repositoryDetail
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &detail))
		assert.Equal(t, int64(1), detail.Repository.ID)
		assert.Equal(t, model.StatusFailed, detail.Repository.SyncStatus)
		require.Len(t, detail.RecentLogs, 1)
		assert.Equal(t, "sync_failed", detail.RecentLogs[0].EventType)
	})

	t.Run("returns 404 for an unknown repository", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/v1/repos/nobody/nothing", nil)
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)

		assert.Equal(t, http.StatusNotFound, rr.Code)
	})
}
