// internal/api/handler.go
package api

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5"

	"starsync/internal/metrics"
	"starsync/internal/model"
	"starsync/internal/store"
	"starsync/internal/syncer"
)

// Star payloads are tiny; anything past this is not a star event.
const maxWebhookBody = 1 << 20

// EventProcessor admits webhook events for background processing.
type EventProcessor interface {
	Handle(ctx context.Context, event model.StarEvent) (syncer.Outcome, error)
}

// Handler is the container for API dependencies.
type Handler struct {
	db        store.Querier
	processor EventProcessor
	metrics   *metrics.Metrics
	logger    *slog.Logger
	secret    []byte
}

// NewRouter creates and configures a new chi router with all API routes.
func NewRouter(db store.Querier, processor EventProcessor, m *metrics.Metrics, logger *slog.Logger, webhookSecret string) http.Handler {
	h := &Handler{
		db:        db,
		processor: processor,
		metrics:   m,
		logger:    logger,
		secret:    []byte(webhookSecret),
	}

	r := chi.NewRouter()

	// Middleware stack
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger) // Chi's default logger
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	// API Routes
	r.Post("/webhooks/github", h.handleGithubWebhook)
	r.Get("/health", h.healthCheck)
	r.Handle("/metrics", m.Handler())
	r.Route("/v1", func(r chi.Router) {
		r.Get("/repos", h.listRepositories)
		r.Get("/repos/{owner}/{name}", h.getRepository)
	})

	return r
}

type webhookPayload struct {
	Action     string `json:"action"`
	Repository struct {
		ID            int64   `json:"id"`
		Name          string  `json:"name"`
		FullName      string  `json:"full_name"`
		CloneURL      string  `json:"clone_url"`
		HTMLURL       string  `json:"html_url"`
		DefaultBranch string  `json:"default_branch"`
		Private       bool    `json:"private"`
		Size          int64   `json:"size"`
		Description   *string `json:"description"`
		Owner         struct {
			Login string `json:"login"`
		} `json:"owner"`
	} `json:"repository"`
	Sender struct {
		Login string `json:"login"`
	} `json:"sender"`
}

type webhookResponse struct {
	Status       string `json:"status"`
	Reason       string `json:"reason,omitempty"`
	RepositoryID *int64 `json:"repository_id,omitempty"`
}

// handleGithubWebhook receives GitHub webhook deliveries, verifies them and
// hands star events to the processor. Accepted syncs run in the background;
// the response only reports the admission verdict.
// POST /webhooks/github
func (h *Handler) handleGithubWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		h.logger.Error("Failed to read webhook body", "error", err)
		respondWithError(w, http.StatusInternalServerError, "Failed to read request body")
		return
	}

	eventType := r.Header.Get("X-GitHub-Event")
	deliveryID := r.Header.Get("X-GitHub-Delivery")
	signature := r.Header.Get("X-Hub-Signature-256")

	if !h.verifySignature(body, signature) {
		h.logger.Warn("Rejecting webhook with invalid signature", "delivery_id", deliveryID, "remote", r.RemoteAddr)
		h.metrics.WebhookRequests.WithLabelValues(eventType, "unauthorized").Inc()
		respondWithError(w, http.StatusUnauthorized, "Invalid webhook signature")
		return
	}

	var payload webhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		h.logger.Warn("Rejecting malformed webhook payload", "delivery_id", deliveryID, "error", err)
		h.metrics.WebhookRequests.WithLabelValues(eventType, string(syncer.OutcomeRejected)).Inc()
		respondWithError(w, http.StatusBadRequest, "Malformed JSON payload")
		return
	}

	if _, err := h.db.CreateWebhookEvent(r.Context(), store.CreateWebhookEventParams{
		DeliveryID: deliveryID,
		EventType:  eventType,
		Action:     payload.Action,
		Sender:     payload.Sender.Login,
		Payload:    body,
		Signature:  signature,
	}); err != nil {
		h.logger.Error("Failed to record webhook event", "delivery_id", deliveryID, "error", err)
		respondWithError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	event := model.StarEvent{
		EventType:  eventType,
		Action:     payload.Action,
		DeliveryID: deliveryID,
		Sender:     payload.Sender.Login,
		ReceivedAt: time.Now(),
		Repo: model.StarRepo{
			ID:            payload.Repository.ID,
			Owner:         payload.Repository.Owner.Login,
			Name:          payload.Repository.Name,
			FullName:      payload.Repository.FullName,
			CloneURL:      payload.Repository.CloneURL,
			HTMLURL:       payload.Repository.HTMLURL,
			DefaultBranch: payload.Repository.DefaultBranch,
			Private:       payload.Repository.Private,
			SizeKB:        payload.Repository.Size,
			Description:   payload.Repository.Description,
		},
	}

	outcome, err := h.processor.Handle(r.Context(), event)
	if err != nil {
		h.logger.Error("Webhook admission failed", "delivery_id", deliveryID, "error", err)
		reason := "admission failed"
		h.markProcessed(r.Context(), deliveryID, nil, &reason)
		respondWithError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	var repoID *int64
	if outcome.Record != nil {
		repoID = &outcome.Record.ID
	}
	var processingError *string
	if outcome.Kind == syncer.OutcomeRejected {
		processingError = &outcome.Reason
	}
	h.markProcessed(r.Context(), deliveryID, repoID, processingError)
	h.metrics.WebhookRequests.WithLabelValues(eventType, string(outcome.Kind)).Inc()

	resp := webhookResponse{Status: string(outcome.Kind), Reason: outcome.Reason, RepositoryID: repoID}
	switch outcome.Kind {
	case syncer.OutcomeAccepted:
		respondWithJSON(w, http.StatusAccepted, resp)
	case syncer.OutcomeRejected:
		respondWithJSON(w, http.StatusBadRequest, resp)
	default:
		respondWithJSON(w, http.StatusOK, resp)
	}
}

// verifySignature checks the GitHub HMAC header (sha256=<hex>) against the
// shared secret using a constant-time comparison.
func (h *Handler) verifySignature(body []byte, signature string) bool {
	if len(h.secret) == 0 {
		return false
	}
	if !strings.HasPrefix(signature, "sha256=") {
		return false
	}
	signature = strings.TrimPrefix(signature, "sha256=")

	mac := hmac.New(sha256.New, h.secret)
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(signature), []byte(expected))
}

func (h *Handler) markProcessed(ctx context.Context, deliveryID string, repoID *int64, processingError *string) {
	if deliveryID == "" {
		return
	}
	_, err := h.db.MarkWebhookEventProcessed(ctx, store.MarkWebhookEventProcessedParams{
		DeliveryID:      deliveryID,
		RepositoryID:    repoID,
		ProcessingError: processingError,
	})
	if err != nil {
		h.logger.Error("Failed to mark webhook event processed", "delivery_id", deliveryID, "error", err)
	}
}

// healthCheck reports liveness and database reachability.
// GET /health
func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	if err := h.db.Ping(r.Context()); err != nil {
		h.logger.Error("Health check failed", "error", err)
		respondWithJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "database": "unreachable"})
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// listRepositories returns tracked repositories, optionally filtered by status.
// GET /v1/repos?status=failed&limit=50&offset=0
func (h *Handler) listRepositories(w http.ResponseWriter, r *http.Request) {
	var statusFilter *model.SyncStatus
	if raw := r.URL.Query().Get("status"); raw != "" {
		status := model.SyncStatus(raw)
		if !status.Valid() {
			respondWithError(w, http.StatusBadRequest, "Invalid 'status' parameter")
			return
		}
		statusFilter = &status
	}

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 || parsed > 200 {
			respondWithError(w, http.StatusBadRequest, "Invalid 'limit' parameter. Must be an integer between 1 and 200.")
			return
		}
		limit = parsed
	}

	offset := 0
	if raw := r.URL.Query().Get("offset"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			respondWithError(w, http.StatusBadRequest, "Invalid 'offset' parameter")
			return
		}
		offset = parsed
	}

	repos, err := h.db.ListRepositories(r.Context(), store.ListRepositoriesParams{
		SyncStatus: statusFilter,
		Limit:      int32(limit),
		Offset:     int32(offset),
	})
	if err != nil {
		h.logger.Error("Failed to list repositories", "error", err)
		respondWithError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	if repos == nil {
		repos = []store.Repository{}
	}

	respondWithJSON(w, http.StatusOK, repos)
}

type repositoryDetail struct {
	Repository store.Repository `json:"repository"`
	RecentLogs []store.SyncLog  `json:"recent_logs"`
}

// getRepository returns one repository and its recent sync history.
// GET /v1/repos/{owner}/{name}
func (h *Handler) getRepository(w http.ResponseWriter, r *http.Request) {
	owner := chi.URLParam(r, "owner")
	name := chi.URLParam(r, "name")

	repo, err := h.db.GetRepositoryByOwnerAndName(r.Context(), store.GetRepositoryByOwnerAndNameParams{
		Owner: owner,
		Name:  name,
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			respondWithError(w, http.StatusNotFound, "Repository not found")
			return
		}
		h.logger.Error("Failed to get repository", "error", err)
		respondWithError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	logs, err := h.db.ListSyncLogsByRepository(r.Context(), repo.ID, 20)
	if err != nil {
		h.logger.Error("Failed to get sync logs", "error", err)
		respondWithError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	if logs == nil {
		logs = []store.SyncLog{}
	}

	respondWithJSON(w, http.StatusOK, repositoryDetail{Repository: repo, RecentLogs: logs})
}
