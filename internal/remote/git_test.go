package remote

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	git "github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

func testSignature() *object.Signature {
	return &object.Signature{Name: "Writer", Email: "writer@localhost", When: time.Now()}
}

// initOrigin creates a bare repository seeded with the given documents
// on main.
func initOrigin(t *testing.T, docs map[string][]string) string {
	t.Helper()
	bare := filepath.Join(t.TempDir(), "origin.git")
	if _, err := git.PlainInit(bare, true); err != nil {
		t.Fatalf("init bare repo: %v", err)
	}

	seed := filepath.Join(t.TempDir(), "seed")
	repo, err := git.PlainInit(seed, false)
	if err != nil {
		t.Fatalf("init seed repo: %v", err)
	}
	worktree, err := repo.Worktree()
	if err != nil {
		t.Fatalf("open seed worktree: %v", err)
	}

	paths := make([]string, 0, len(docs))
	for path := range docs {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	for _, path := range paths {
		if err := os.WriteFile(filepath.Join(seed, path), []byte(joinLines(docs[path])), 0o644); err != nil {
			t.Fatalf("write seed document %s: %v", path, err)
		}
		if _, err := worktree.Add(path); err != nil {
			t.Fatalf("git add seed document %s: %v", path, err)
		}
	}
	hash, err := worktree.Commit("Initial draft", &git.CommitOptions{Author: testSignature()})
	if err != nil {
		t.Fatalf("commit seed documents: %v", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewHashReference(plumbing.NewBranchReferenceName("main"), hash)); err != nil {
		t.Fatalf("set main ref: %v", err)
	}
	if _, err := repo.CreateRemote(&gitconfig.RemoteConfig{Name: "origin", URLs: []string{bare}}); err != nil {
		t.Fatalf("add origin remote: %v", err)
	}
	if err := repo.Push(&git.PushOptions{
		RemoteName: "origin",
		RefSpecs:   []gitconfig.RefSpec{"refs/heads/main:refs/heads/main"},
	}); err != nil {
		t.Fatalf("push seed commit: %v", err)
	}
	return bare
}

// pushCompeting advances the origin's main branch as a concurrent
// editor would, rewriting main.tex.
func pushCompeting(t *testing.T, originURL string, lines []string) {
	t.Helper()
	dir := t.TempDir()
	repo, err := git.PlainClone(dir, false, &git.CloneOptions{
		URL:           originURL,
		ReferenceName: plumbing.NewBranchReferenceName("main"),
		SingleBranch:  true,
	})
	if err != nil {
		t.Fatalf("clone for competing edit: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "main.tex"), []byte(joinLines(lines)), 0o644); err != nil {
		t.Fatalf("write competing edit: %v", err)
	}
	worktree, err := repo.Worktree()
	if err != nil {
		t.Fatalf("open worktree: %v", err)
	}
	if _, err := worktree.Add("main.tex"); err != nil {
		t.Fatalf("git add competing edit: %v", err)
	}
	if _, err := worktree.Commit("Competing edit", &git.CommitOptions{Author: testSignature()}); err != nil {
		t.Fatalf("commit competing edit: %v", err)
	}
	if err := repo.Push(&git.PushOptions{RemoteName: "origin"}); err != nil {
		t.Fatalf("push competing edit: %v", err)
	}
}

func mustDoc(t *testing.T, snap Snapshot, path string) Document {
	t.Helper()
	doc, ok := snap.Doc(path)
	if !ok {
		t.Fatalf("document %s missing from snapshot", path)
	}
	return doc
}

func TestGitRemoteRoundTrip(t *testing.T) {
	origin := initOrigin(t, map[string][]string{
		"main.tex": {"intro", "the brain is weird.", "conclusion"},
	})
	paper := Paper{ID: "paper-1", RemoteURL: origin, Branch: "main"}
	g := NewGitRemote(t.TempDir(), "", "")
	ctx := context.Background()

	snap, err := g.FetchLatest(ctx, paper)
	if err != nil {
		t.Fatalf("FetchLatest() error = %v", err)
	}
	doc := mustDoc(t, snap, "main.tex")
	if len(doc.Lines) != 3 || doc.Lines[1] != "the brain is weird." {
		t.Fatalf("unexpected snapshot: %v", doc.Lines)
	}

	applied, err := g.ApplyEdits(ctx, paper, snap, []Edit{
		{DocPath: "main.tex", Range: LineRange{Start: 1, End: 2}, Text: []string{"the brain exhibits nontrivial stochasticity."}},
	})
	if err != nil {
		t.Fatalf("ApplyEdits() error = %v", err)
	}
	ref, err := g.Publish(ctx, paper, applied, "papersync: answer 1 command(s)")
	if err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if ref.Hash == "" {
		t.Fatal("expected commit hash")
	}

	// A second working copy sees the published edit.
	other := NewGitRemote(t.TempDir(), "", "")
	fresh, err := other.FetchLatest(ctx, paper)
	if err != nil {
		t.Fatalf("FetchLatest() from second copy error = %v", err)
	}
	if mustDoc(t, fresh, "main.tex").Lines[1] != "the brain exhibits nontrivial stochasticity." {
		t.Fatalf("edit did not reach the origin: %v", mustDoc(t, fresh, "main.tex").Lines)
	}
	if fresh.Ref == snap.Ref {
		t.Fatal("publish should advance the head ref")
	}
}

func TestGitRemoteFetchesAllMatchingDocuments(t *testing.T) {
	origin := initOrigin(t, map[string][]string{
		"ch1.tex":  {"first chapter"},
		"ch2.tex":  {"second chapter"},
		"notes.md": {"not a document"},
		"main.tex": {"\\input{ch1}", "\\input{ch2}"},
	})
	paper := Paper{ID: "paper-1", RemoteURL: origin, Branch: "main"}
	g := NewGitRemote(t.TempDir(), "", "")
	ctx := context.Background()

	snap, err := g.FetchLatest(ctx, paper)
	if err != nil {
		t.Fatalf("FetchLatest() error = %v", err)
	}
	if len(snap.Docs) != 3 {
		t.Fatalf("expected the 3 .tex documents, got %d: %v", len(snap.Docs), snap.Docs)
	}
	// Glob results are sorted, so snapshot order is stable.
	if snap.Docs[0].Path != "ch1.tex" || snap.Docs[1].Path != "ch2.tex" || snap.Docs[2].Path != "main.tex" {
		t.Fatalf("unexpected document order: %v", snap.Docs)
	}
	if _, ok := snap.Doc("notes.md"); ok {
		t.Fatal("notes.md should not match the document glob")
	}

	// Edits to distinct documents publish in one commit.
	applied, err := g.ApplyEdits(ctx, paper, snap, []Edit{
		{DocPath: "ch1.tex", Range: LineRange{Start: 0, End: 1}, Text: []string{"FIRST"}},
		{DocPath: "ch2.tex", Range: LineRange{Start: 0, End: 1}, Text: []string{"SECOND"}},
	})
	if err != nil {
		t.Fatalf("ApplyEdits() error = %v", err)
	}
	if _, err := g.Publish(ctx, paper, applied, "edit two chapters"); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	fresh, err := NewGitRemote(t.TempDir(), "", "").FetchLatest(ctx, paper)
	if err != nil {
		t.Fatalf("FetchLatest() from second copy error = %v", err)
	}
	if mustDoc(t, fresh, "ch1.tex").Lines[0] != "FIRST" || mustDoc(t, fresh, "ch2.tex").Lines[0] != "SECOND" {
		t.Fatalf("cross-document edits did not reach the origin: %v", fresh.Docs)
	}
}

func TestGitRemotePublishNoopEditSucceeds(t *testing.T) {
	origin := initOrigin(t, map[string][]string{
		"main.tex": {"alpha", "beta"},
	})
	paper := Paper{ID: "paper-1", RemoteURL: origin, Branch: "main"}
	g := NewGitRemote(t.TempDir(), "", "")
	ctx := context.Background()

	snap, err := g.FetchLatest(ctx, paper)
	if err != nil {
		t.Fatalf("FetchLatest() error = %v", err)
	}

	// Replacement text identical to the target leaves the worktree
	// clean; Publish must still succeed so the batch is marked done.
	applied, err := g.ApplyEdits(ctx, paper, snap, []Edit{
		{DocPath: "main.tex", Range: LineRange{Start: 0, End: 1}, Text: []string{"alpha"}},
	})
	if err != nil {
		t.Fatalf("ApplyEdits() error = %v", err)
	}
	ref, err := g.Publish(ctx, paper, applied, "no-op edit")
	if err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if ref.Hash != snap.Ref {
		t.Fatalf("no-op publish should report the existing head %s, got %s", snap.Ref, ref.Hash)
	}

	fresh, err := g.FetchLatest(ctx, paper)
	if err != nil {
		t.Fatalf("FetchLatest() after no-op publish error = %v", err)
	}
	if fresh.Ref != snap.Ref {
		t.Fatal("no-op publish must not create a commit")
	}
}

func TestGitRemotePushRejectedWhenOriginMovedAhead(t *testing.T) {
	origin := initOrigin(t, map[string][]string{"main.tex": {"alpha", "beta"}})
	paper := Paper{ID: "paper-1", RemoteURL: origin, Branch: "main"}
	g := NewGitRemote(t.TempDir(), "", "")
	ctx := context.Background()

	snap, err := g.FetchLatest(ctx, paper)
	if err != nil {
		t.Fatalf("FetchLatest() error = %v", err)
	}

	pushCompeting(t, origin, []string{"alpha", "beta", "gamma"})

	applied, err := g.ApplyEdits(ctx, paper, snap, []Edit{
		{DocPath: "main.tex", Range: LineRange{Start: 0, End: 1}, Text: []string{"ALPHA"}},
	})
	if err != nil {
		t.Fatalf("ApplyEdits() error = %v", err)
	}
	if _, err := g.Publish(ctx, paper, applied, "stale edit"); !errors.Is(err, ErrRemoteRejected) {
		t.Fatalf("Publish() error = %v, want ErrRemoteRejected", err)
	}

	// Re-fetch resets to the origin head, discarding the stale commit.
	fresh, err := g.FetchLatest(ctx, paper)
	if err != nil {
		t.Fatalf("FetchLatest() after rejection error = %v", err)
	}
	doc := mustDoc(t, fresh, "main.tex")
	if len(doc.Lines) != 3 || doc.Lines[2] != "gamma" {
		t.Fatalf("expected origin content after reset, got %v", doc.Lines)
	}
}

func TestGitRemoteDiscardsDirtyWorkingCopy(t *testing.T) {
	origin := initOrigin(t, map[string][]string{"main.tex": {"one", "two"}})
	paper := Paper{ID: "paper-1", RemoteURL: origin, Branch: "main"}
	baseDir := t.TempDir()
	g := NewGitRemote(baseDir, "", "")
	ctx := context.Background()

	if _, err := g.FetchLatest(ctx, paper); err != nil {
		t.Fatalf("FetchLatest() error = %v", err)
	}

	// Leftover uncommitted edits from a crashed run.
	docPath := filepath.Join(baseDir, "paper-1", "main.tex")
	if err := os.WriteFile(docPath, []byte("partial garbage\n"), 0o644); err != nil {
		t.Fatalf("write dirty state: %v", err)
	}

	snap, err := g.FetchLatest(ctx, paper)
	if err != nil {
		t.Fatalf("FetchLatest() over dirty copy error = %v", err)
	}
	doc := mustDoc(t, snap, "main.tex")
	if len(doc.Lines) != 2 || doc.Lines[0] != "one" {
		t.Fatalf("dirty state should be discarded in favor of the origin, got %v", doc.Lines)
	}
}
