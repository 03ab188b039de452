// internal/gitops/transfer.go
package gitops

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
)

const destRemoteName = "onedev"

// Endpoint is one side of a transfer. Credentials ride separately from the
// URL so they never end up in errors or logs.
type Endpoint struct {
	URL      string
	Username string
	Password string
}

func (e Endpoint) auth() transport.AuthMethod {
	if e.Password == "" {
		return nil
	}
	user := e.Username
	if user == "" {
		user = "git"
	}
	return &githttp.BasicAuth{Username: user, Password: e.Password}
}

// TransferResult summarizes a completed transfer.
type TransferResult struct {
	BytesTransferred int64
	Duration         time.Duration
	UpToDate         bool
}

// Executor mirrors a source repository into a destination through a scratch
// clone on disk.
type Executor struct {
	tempDir string
	depth   int
	logger  *slog.Logger
}

// NewExecutor creates an Executor. tempDir is where scratch clones live;
// depth > 0 switches to shallow clones of that depth.
func NewExecutor(tempDir string, depth int, logger *slog.Logger) *Executor {
	return &Executor{
		tempDir: tempDir,
		depth:   depth,
		logger:  logger,
	}
}

// Transfer clones the source into a scratch directory and pushes every branch
// and tag to the destination. ctx carries the overall deadline. The scratch
// directory is removed on every exit path.
func (e *Executor) Transfer(ctx context.Context, src, dst Endpoint) (TransferResult, error) {
	start := time.Now()

	scratch, err := os.MkdirTemp(e.tempDir, "starsync-clone-*")
	if err != nil {
		return TransferResult{}, fmt.Errorf("create scratch dir: %w", err)
	}
	defer os.RemoveAll(scratch)

	e.logger.Debug("Cloning source repository", "url", src.URL, "scratch", scratch)
	repo, err := git.PlainCloneContext(ctx, scratch, true, e.cloneOptions(src))
	if err != nil {
		return TransferResult{}, fmt.Errorf("clone source: %w", err)
	}

	if _, err := repo.CreateRemote(&config.RemoteConfig{
		Name: destRemoteName,
		URLs: []string{dst.URL},
	}); err != nil {
		return TransferResult{}, fmt.Errorf("configure destination remote: %w", err)
	}

	transferred := dirSize(scratch)

	e.logger.Debug("Pushing to destination", "url", dst.URL)
	err = repo.PushContext(ctx, e.pushOptions(dst))
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return TransferResult{}, fmt.Errorf("push to destination: %w", err)
	}

	return TransferResult{
		BytesTransferred: transferred,
		Duration:         time.Since(start),
		UpToDate:         errors.Is(err, git.NoErrAlreadyUpToDate),
	}, nil
}

func (e *Executor) cloneOptions(src Endpoint) *git.CloneOptions {
	opts := &git.CloneOptions{
		URL:  src.URL,
		Auth: src.auth(),
	}
	if e.depth > 0 {
		opts.Depth = e.depth
	} else {
		opts.Mirror = true
	}
	return opts
}

func (e *Executor) pushOptions(dst Endpoint) *git.PushOptions {
	refSpecs := []config.RefSpec{"+refs/*:refs/*"}
	if e.depth > 0 {
		// A shallow clone cannot mirror its internal refs; push branches and
		// tags explicitly instead.
		refSpecs = []config.RefSpec{
			"+refs/heads/*:refs/heads/*",
			"+refs/tags/*:refs/tags/*",
		}
	}
	return &git.PushOptions{
		RemoteName: destRemoteName,
		RefSpecs:   refSpecs,
		Auth:       dst.auth(),
	}
}

// dirSize totals regular file sizes under root. It stands in for the bytes
// moved by a fresh mirror.
func dirSize(root string) int64 {
	var total int64
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if info, ierr := d.Info(); ierr == nil {
			total += info.Size()
		}
		return nil
	})
	return total
}
