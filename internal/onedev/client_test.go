// internal/onedev/client_test.go
package onedev

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	custom_errors "starsync/internal/errors"
	"starsync/internal/model"
)

func setupTestClient(t *testing.T, handler http.Handler) *Client {
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	return NewClient(server.URL, "onedev-token", logger)
}

func TestClient_CreateOrGetRepo(t *testing.T) {
	ctx := context.Background()

	t.Run("creates a fresh project", func(t *testing.T) {
		client := setupTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			require.Equal(t, http.MethodPost, r.Method)
			require.Equal(t, "/api/projects", r.URL.Path)
			assert.Equal(t, "Bearer onedev-token", r.Header.Get("Authorization"))

			var payload map[string]any
			require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
			assert.Equal(t, "github-octocat-hello-world", payload["name"])
			assert.Equal(t, true, payload["codeManagement"])
			assert.Equal(t, false, payload["issueManagement"])

			w.WriteHeader(http.StatusCreated)
			fmt.Fprintln(w, `{"id": 42, "name": "github-octocat-hello-world"}`)
		}))

		repo, err := client.CreateOrGetRepo(ctx, model.CreateRepoRequest{
			Name:           "github-octocat-hello-world",
			Description:    "My first repository",
			ConflictPolicy: model.ConflictReuse,
		})

		require.NoError(t, err)
		assert.Equal(t, int64(42), repo.ProjectID)
		assert.False(t, repo.Reused)
		assert.True(t, len(repo.CloneURL) > 0)
		assert.Contains(t, repo.CloneURL, "/github-octocat-hello-world.git")
	})

	t.Run("reuses an existing project under the reuse policy", func(t *testing.T) {
		var posts, gets int32
		client := setupTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch {
			case r.Method == http.MethodPost:
				atomic.AddInt32(&posts, 1)
				w.WriteHeader(http.StatusConflict)
				fmt.Fprintln(w, `{"message": "name already used"}`)
			case r.Method == http.MethodGet && r.URL.Path == "/api/projects/github-octocat-hello-world":
				atomic.AddInt32(&gets, 1)
				w.WriteHeader(http.StatusOK)
				fmt.Fprintln(w, `{"id": 7, "name": "github-octocat-hello-world"}`)
			default:
				w.WriteHeader(http.StatusNotFound)
			}
		}))

		repo, err := client.CreateOrGetRepo(ctx, model.CreateRepoRequest{
			Name:           "github-octocat-hello-world",
			ConflictPolicy: model.ConflictReuse,
		})

		require.NoError(t, err)
		assert.Equal(t, int64(7), repo.ProjectID)
		assert.True(t, repo.Reused)
		assert.Equal(t, int32(1), atomic.LoadInt32(&posts))
		assert.Equal(t, int32(1), atomic.LoadInt32(&gets))
	})

	t.Run("appends a suffix under the suffix policy", func(t *testing.T) {
		var names []string
		client := setupTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var payload projectRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
			names = append(names, payload.Name)
			if len(names) == 1 {
				w.WriteHeader(http.StatusConflict)
				return
			}
			w.WriteHeader(http.StatusCreated)
			fmt.Fprintf(w, `{"id": 9, "name": %q}`, payload.Name)
		}))
		client.now = func() time.Time { return time.Unix(1700000000, 0) }

		repo, err := client.CreateOrGetRepo(ctx, model.CreateRepoRequest{
			Name:           "github-octocat-hello-world",
			ConflictPolicy: model.ConflictSuffix,
		})

		require.NoError(t, err)
		require.Len(t, names, 2)
		assert.Equal(t, "github-octocat-hello-world-1700000000", names[1])
		assert.Equal(t, "github-octocat-hello-world-1700000000", repo.Name)
	})

	t.Run("surfaces a conflict error under the fail policy", func(t *testing.T) {
		client := setupTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusConflict)
			fmt.Fprintln(w, `{"message": "name already used"}`)
		}))

		_, err := client.CreateOrGetRepo(ctx, model.CreateRepoRequest{
			Name:           "github-octocat-hello-world",
			ConflictPolicy: model.ConflictFail,
		})

		require.Error(t, err)
		assert.Equal(t, custom_errors.KindConflict, custom_errors.KindOf(err))
		assert.False(t, custom_errors.IsRetryable(err))
	})

	t.Run("classifies auth and server failures", func(t *testing.T) {
		cases := []struct {
			status   int
			wantKind custom_errors.Kind
		}{
			{http.StatusUnauthorized, custom_errors.KindAuth},
			{http.StatusInternalServerError, custom_errors.KindUnavailable},
		}
		for _, tc := range cases {
			client := setupTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
			}))

			_, err := client.CreateOrGetRepo(ctx, model.CreateRepoRequest{
				Name:           "github-x-y",
				ConflictPolicy: model.ConflictReuse,
			})

			require.Error(t, err)
			assert.Equal(t, tc.wantKind, custom_errors.KindOf(err), "status %d", tc.status)
		}
	})
}

func TestClient_GetRepo(t *testing.T) {
	t.Run("maps a missing project to not found", func(t *testing.T) {
		client := setupTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		}))

		_, err := client.GetRepo(context.Background(), "github-missing")

		require.Error(t, err)
		assert.Equal(t, custom_errors.KindNotFound, custom_errors.KindOf(err))
	})
}
