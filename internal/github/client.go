// internal/github/client.go
package github

import (
	"context"
	"log/slog"
	"net/url"
	"strings"

	"github.com/google/go-github/v62/github"
	"golang.org/x/oauth2"

	"starsync/internal/model"
)

// Client is a wrapper around the go-github client.
type Client struct {
	gh     *github.Client
	logger *slog.Logger
}

// NewClient creates and configures a new Client instance.
// The provided token is used to create an authenticated http.Client.
func NewClient(token string, logger *slog.Logger) *Client {
	ctx := context.Background()
	ts := oauth2.StaticTokenSource(
		&oauth2.Token{AccessToken: token},
	)
	tc := oauth2.NewClient(ctx, ts)

	return &Client{
		gh:     github.NewClient(tc),
		logger: logger,
	}
}

// SetBaseURL repoints the client at a different API root. Tests use it to
// talk to an httptest server instead of api.github.com.
func (c *Client) SetBaseURL(raw string) error {
	u, err := url.Parse(strings.TrimRight(raw, "/") + "/")
	if err != nil {
		return err
	}
	c.gh.BaseURL = u
	c.gh.UploadURL = u
	return nil
}

// FetchRepoMetadata fetches current repository details from GitHub and
// translates them to our internal model. Errors come back untranslated; the
// caller classifies them.
func (c *Client) FetchRepoMetadata(ctx context.Context, owner, name string) (*model.RepoMetadata, error) {
	c.logger.Debug("Fetching repository metadata", "owner", owner, "repo", name)

	repo, _, err := c.gh.Repositories.Get(ctx, owner, name)
	if err != nil {
		return nil, err
	}
	return toRepoMetadata(repo), nil
}

// toRepoMetadata translates a github.Repository object to our internal model.RepoMetadata.
func toRepoMetadata(r *github.Repository) *model.RepoMetadata {
	return &model.RepoMetadata{
		GithubRepoID:  r.GetID(),
		Owner:         r.GetOwner().GetLogin(),
		Name:          r.GetName(),
		FullName:      r.GetFullName(),
		CloneURL:      r.GetCloneURL(),
		HTMLURL:       r.GetHTMLURL(),
		DefaultBranch: r.GetDefaultBranch(),
		Private:       r.GetPrivate(),
		Archived:      r.GetArchived(),
		SizeKB:        int64(r.GetSize()),
		Description:   r.Description,
	}
}
