// internal/onedev/client.go
package onedev

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	custom_errors "starsync/internal/errors"
	"starsync/internal/model"
)

const requestTimeout = 30 * time.Second

// GitUsername is the username OneDev expects for token-authenticated git
// operations over HTTPS.
const GitUsername = "oauth2"

// Client talks to the OneDev REST API. There is no OneDev SDK, so this is a
// plain net/http wrapper.
type Client struct {
	baseURL string
	token   string
	httpc   *http.Client
	logger  *slog.Logger
	now     func() time.Time
}

// NewClient creates a Client for the given OneDev instance.
func NewClient(baseURL, token string, logger *slog.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		httpc:   &http.Client{Timeout: requestTimeout},
		logger:  logger,
		now:     time.Now,
	}
}

type projectRequest struct {
	Name            string `json:"name"`
	Description     string `json:"description"`
	CodeManagement  bool   `json:"codeManagement"`
	IssueManagement bool   `json:"issueManagement"`
}

type projectResponse struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// CreateOrGetRepo ensures a project exists for the requested name and returns
// its identity. A name conflict is resolved according to the request policy.
func (c *Client) CreateOrGetRepo(ctx context.Context, req model.CreateRepoRequest) (*model.DestRepo, error) {
	repo, err := c.createProject(ctx, req.Name, req.Description)
	if err == nil {
		return repo, nil
	}
	if custom_errors.KindOf(err) != custom_errors.KindConflict {
		return nil, err
	}

	switch req.ConflictPolicy {
	case model.ConflictReuse:
		c.logger.Info("OneDev project already exists, reusing", "name", req.Name)
		existing, gerr := c.GetRepo(ctx, req.Name)
		if gerr != nil {
			return nil, gerr
		}
		existing.Reused = true
		return existing, nil
	case model.ConflictSuffix:
		suffixed := fmt.Sprintf("%s-%d", req.Name, c.now().Unix())
		c.logger.Info("OneDev project already exists, retrying with suffix", "name", req.Name, "suffixed", suffixed)
		return c.createProject(ctx, suffixed, req.Description)
	default: // model.ConflictFail
		return nil, err
	}
}

// GetRepo looks up an existing project by name.
func (c *Client) GetRepo(ctx context.Context, name string) (*model.DestRepo, error) {
	const op = "onedev.get_project"

	resp, err := c.do(ctx, http.MethodGet, c.baseURL+"/api/projects/"+name, nil)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode != http.StatusOK {
		return nil, custom_errors.FromStatus(op, resp.StatusCode, strings.TrimSpace(string(body)), nil)
	}

	var project projectResponse
	if err := json.Unmarshal(body, &project); err != nil {
		return nil, custom_errors.Wrap(custom_errors.KindInternal, op, "malformed project response", err)
	}
	return c.toDestRepo(project, name), nil
}

func (c *Client) createProject(ctx context.Context, name, description string) (*model.DestRepo, error) {
	const op = "onedev.create_project"

	if description == "" {
		description = "Synced from GitHub"
	}
	payload := projectRequest{
		Name:            name,
		Description:     description,
		CodeManagement:  true,
		IssueManagement: false,
	}

	resp, err := c.do(ctx, http.MethodPost, c.baseURL+"/api/projects", payload)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return nil, custom_errors.FromStatus(op, resp.StatusCode, strings.TrimSpace(string(body)), nil)
	}

	var project projectResponse
	if err := json.Unmarshal(body, &project); err != nil {
		return nil, custom_errors.Wrap(custom_errors.KindInternal, op, "malformed project response", err)
	}
	c.logger.Info("Created OneDev project", "name", name, "project_id", project.ID)
	return c.toDestRepo(project, name), nil
}

func (c *Client) do(ctx context.Context, method, url string, payload any) (*http.Response, error) {
	var body io.Reader
	if payload != nil {
		buf, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	return c.httpc.Do(req)
}

func (c *Client) toDestRepo(project projectResponse, requestedName string) *model.DestRepo {
	name := project.Name
	if name == "" {
		name = requestedName
	}
	return &model.DestRepo{
		ProjectID: project.ID,
		Name:      name,
		CloneURL:  c.baseURL + "/" + name + ".git",
	}
}
