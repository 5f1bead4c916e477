package remote

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport"
)

// GitRemote synchronizes papers with remote git repositories. Each
// paper has its own working copy under baseDir; the working copy is
// always derived from the remote head, so it is safe to discard and
// re-create at any time.
type GitRemote struct {
	baseDir     string
	authorName  string
	authorEmail string
}

func NewGitRemote(baseDir, authorName, authorEmail string) *GitRemote {
	if authorName == "" {
		authorName = "papersync"
	}
	if authorEmail == "" {
		authorEmail = "papersync@localhost"
	}
	return &GitRemote{
		baseDir:     baseDir,
		authorName:  authorName,
		authorEmail: authorEmail,
	}
}

func (g *GitRemote) FetchLatest(ctx context.Context, paper Paper) (Snapshot, error) {
	repo, err := g.cloneOrOpen(ctx, paper)
	if err != nil {
		return Snapshot{}, err
	}
	if err := g.resetToRemoteHead(ctx, repo, paper.Branch); err != nil {
		return Snapshot{}, err
	}

	head, err := repo.Head()
	if err != nil {
		return Snapshot{}, fmt.Errorf("resolve head: %w", err)
	}

	docs, err := g.readDocuments(paper)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{
		PaperID: paper.ID,
		Ref:     head.Hash().String(),
		Docs:    docs,
	}, nil
}

// readDocuments loads every working-copy file matching the paper's
// glob, keyed by path relative to the working copy root. Glob results
// come back sorted, so document order is stable across fetches.
func (g *GitRemote) readDocuments(paper Paper) ([]Document, error) {
	workdir := g.workdir(paper)
	matches, err := filepath.Glob(filepath.Join(workdir, paper.Glob()))
	if err != nil {
		return nil, fmt.Errorf("glob %s: %w", paper.Glob(), err)
	}
	if len(matches) == 0 {
		return nil, fmt.Errorf("no documents match %s in %s", paper.Glob(), workdir)
	}

	docs := make([]Document, 0, len(matches))
	for _, match := range matches {
		rel, err := filepath.Rel(workdir, match)
		if err != nil {
			return nil, fmt.Errorf("relativize %s: %w", match, err)
		}
		raw, err := os.ReadFile(match)
		if err != nil {
			return nil, fmt.Errorf("read document %s: %w", rel, err)
		}
		docs = append(docs, Document{Path: rel, Lines: splitLines(string(raw))})
	}
	return docs, nil
}

func (g *GitRemote) ApplyEdits(ctx context.Context, paper Paper, snap Snapshot, edits []Edit) (Snapshot, error) {
	docs, err := applyDocEdits(snap.Docs, edits)
	if err != nil {
		return Snapshot{}, err
	}

	workdir := g.workdir(paper)
	for _, doc := range docs {
		path := filepath.Join(workdir, doc.Path)
		if err := os.WriteFile(path, []byte(joinLines(doc.Lines)), 0o644); err != nil {
			return Snapshot{}, fmt.Errorf("write document %s: %w", doc.Path, err)
		}
	}
	return Snapshot{PaperID: snap.PaperID, Ref: snap.Ref, Docs: docs}, nil
}

func (g *GitRemote) Publish(ctx context.Context, paper Paper, snap Snapshot, message string) (CommitRef, error) {
	repo, err := git.PlainOpen(g.workdir(paper))
	if err != nil {
		return CommitRef{}, fmt.Errorf("open repo: %w", err)
	}
	worktree, err := repo.Worktree()
	if err != nil {
		return CommitRef{}, fmt.Errorf("open worktree: %w", err)
	}

	for _, doc := range snap.Docs {
		if _, err := worktree.Add(doc.Path); err != nil {
			return CommitRef{}, fmt.Errorf("git add %s: %w", doc.Path, err)
		}
	}
	when := time.Now()
	hash, err := worktree.Commit(message, &git.CommitOptions{
		Author: &object.Signature{
			Name:  g.authorName,
			Email: g.authorEmail,
			When:  when,
		},
	})
	if errors.Is(err, git.ErrEmptyCommit) {
		// The edits reproduced the committed content exactly, so the
		// worktree is clean. The head already holds the published
		// state; report it so the batch is marked done.
		return g.headCommit(repo)
	}
	if err != nil {
		return CommitRef{}, fmt.Errorf("commit edits: %w", err)
	}

	if err := repo.PushContext(ctx, &git.PushOptions{RemoteName: "origin"}); err != nil {
		if errors.Is(err, git.NoErrAlreadyUpToDate) {
			return CommitRef{Hash: hash.String(), Message: message, CreatedAt: when}, nil
		}
		return CommitRef{}, classifyPushError(err)
	}
	return CommitRef{Hash: hash.String(), Message: message, CreatedAt: when}, nil
}

func (g *GitRemote) headCommit(repo *git.Repository) (CommitRef, error) {
	head, err := repo.Head()
	if err != nil {
		return CommitRef{}, fmt.Errorf("resolve head: %w", err)
	}
	commit, err := repo.CommitObject(head.Hash())
	if err != nil {
		return CommitRef{}, fmt.Errorf("read head commit: %w", err)
	}
	return CommitRef{
		Hash:      head.Hash().String(),
		Message:   commit.Message,
		CreatedAt: commit.Author.When,
	}, nil
}

func (g *GitRemote) workdir(paper Paper) string {
	if paper.LocalPath != "" {
		return paper.LocalPath
	}
	return filepath.Join(g.baseDir, paper.ID)
}

func (g *GitRemote) cloneOrOpen(ctx context.Context, paper Paper) (*git.Repository, error) {
	path := g.workdir(paper)
	if _, err := os.Stat(filepath.Join(path, ".git")); err == nil {
		repo, err := git.PlainOpen(path)
		if err != nil {
			return nil, fmt.Errorf("open repo: %w", err)
		}
		return repo, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("stat working copy: %w", err)
	}

	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("create working copy dir: %w", err)
	}
	repo, err := git.PlainCloneContext(ctx, path, false, &git.CloneOptions{
		URL:           paper.RemoteURL,
		ReferenceName: plumbing.NewBranchReferenceName(paper.Branch),
		SingleBranch:  true,
	})
	if err != nil {
		return nil, classifyTransportError(err, "clone")
	}
	return repo, nil
}

// resetToRemoteHead fetches origin and hard-resets the working copy to
// the remote branch head. A diverged or dirty local state from a
// crashed prior run is discarded; the remote is the source of truth.
func (g *GitRemote) resetToRemoteHead(ctx context.Context, repo *git.Repository, branch string) error {
	err := repo.FetchContext(ctx, &git.FetchOptions{RemoteName: "origin"})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return classifyTransportError(err, "fetch")
	}

	remoteRef, err := repo.Reference(plumbing.NewRemoteReferenceName("origin", branch), true)
	if err != nil {
		return fmt.Errorf("resolve origin/%s: %w", branch, err)
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("open worktree: %w", err)
	}
	if err := worktree.Reset(&git.ResetOptions{
		Mode:   git.HardReset,
		Commit: remoteRef.Hash(),
	}); err != nil {
		return fmt.Errorf("reset to origin/%s: %w", branch, err)
	}

	branchRef := plumbing.NewBranchReferenceName(branch)
	if err := repo.Storer.SetReference(plumbing.NewHashReference(branchRef, remoteRef.Hash())); err != nil {
		return fmt.Errorf("move branch ref %s: %w", branch, err)
	}
	if err := repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, branchRef)); err != nil {
		return fmt.Errorf("set HEAD to %s: %w", branch, err)
	}
	return nil
}

func classifyTransportError(err error, op string) error {
	if errors.Is(err, transport.ErrAuthenticationRequired) || errors.Is(err, transport.ErrAuthorizationFailed) {
		return fmt.Errorf("%s: %w: %v", op, ErrAuthFailure, err)
	}
	return fmt.Errorf("%s: %w: %v", op, ErrRemoteUnavailable, err)
}

func classifyPushError(err error) error {
	if strings.Contains(err.Error(), "non-fast-forward") {
		return fmt.Errorf("push: %w: %v", ErrRemoteRejected, err)
	}
	return classifyTransportError(err, "push")
}

func splitLines(content string) []string {
	content = strings.TrimSuffix(content, "\n")
	if content == "" {
		return nil
	}
	return strings.Split(content, "\n")
}

func joinLines(lines []string) string {
	if len(lines) == 0 {
		return ""
	}
	return strings.Join(lines, "\n") + "\n"
}
