// Package remote abstracts the versioned store that holds a paper's
// documents. Implementations synchronize a local view with the store,
// apply line edits, and publish the result back.
package remote

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"
)

var (
	ErrRemoteUnavailable = errors.New("remote unavailable")
	ErrAuthFailure       = errors.New("remote authentication failed")
	ErrRemoteRejected    = errors.New("remote rejected update")
	ErrConflictingEdit   = errors.New("conflicting edit ranges")
	ErrUnknownDocument   = errors.New("unknown document")
)

// Paper is one managed project backed by a remote store. A paper can
// hold several documents (a LaTeX project is usually split across
// .tex files); DocGlob selects which files are under management.
type Paper struct {
	ID        string `json:"id"`
	RemoteURL string `json:"remoteUrl"`
	Branch    string `json:"branch"`
	DocGlob   string `json:"docGlob"`
	LocalPath string `json:"localPath"`
}

// Glob returns the document selection pattern, defaulting to the
// root-level .tex files of the working copy.
func (p Paper) Glob() string {
	if p.DocGlob == "" {
		return "*.tex"
	}
	return p.DocGlob
}

// Document is one text file of a paper, identified by its path
// relative to the working copy root.
type Document struct {
	Path  string
	Lines []string
}

// Snapshot is the full content of a paper's documents at a point in
// time, sorted by path. It is owned by the pass that fetched it.
type Snapshot struct {
	PaperID string
	Ref     string
	Docs    []Document
}

// Doc returns the document with the given path.
func (s Snapshot) Doc(path string) (Document, bool) {
	for _, doc := range s.Docs {
		if doc.Path == path {
			return doc, true
		}
	}
	return Document{}, false
}

// LineRange is a half-open interval [Start, End) of line indices.
type LineRange struct {
	Start int
	End   int
}

func (r LineRange) Overlaps(other LineRange) bool {
	return r.Start < other.End && other.Start < r.End
}

// Edit replaces the lines in Range of one document with Text.
type Edit struct {
	DocPath string
	Range   LineRange
	Text    []string
}

type CommitRef struct {
	Hash      string
	Message   string
	CreatedAt time.Time
}

// DocumentRemote is the capability interface over a paper store. The
// variant (git-backed, in-memory) is chosen at configuration time.
type DocumentRemote interface {
	// FetchLatest returns the most recent committed state of the paper.
	FetchLatest(ctx context.Context, paper Paper) (Snapshot, error)

	// ApplyEdits replaces each edit's target range in ascending line
	// order per document and returns the updated snapshot. Ranges that
	// overlap within one document fail with ErrConflictingEdit and
	// leave the snapshot untouched.
	ApplyEdits(ctx context.Context, paper Paper, snap Snapshot, edits []Edit) (Snapshot, error)

	// Publish persists the snapshot back to the store. If the remote
	// moved ahead since FetchLatest it fails with ErrRemoteRejected;
	// the caller must re-fetch and retry rather than force the write.
	Publish(ctx context.Context, paper Paper, snap Snapshot, message string) (CommitRef, error)
}

// applyDocEdits applies edits across a snapshot's documents, returning
// new document slices. Every edit must name a document present in docs.
func applyDocEdits(docs []Document, edits []Edit) ([]Document, error) {
	byDoc := make(map[string][]Edit)
	for _, edit := range edits {
		byDoc[edit.DocPath] = append(byDoc[edit.DocPath], edit)
	}

	out := make([]Document, len(docs))
	for i, doc := range docs {
		docEdits, ok := byDoc[doc.Path]
		if !ok {
			out[i] = Document{Path: doc.Path, Lines: append([]string(nil), doc.Lines...)}
			continue
		}
		lines, err := spliceLines(doc.Lines, docEdits)
		if err != nil {
			return nil, fmt.Errorf("document %s: %w", doc.Path, err)
		}
		out[i] = Document{Path: doc.Path, Lines: lines}
		delete(byDoc, doc.Path)
	}
	for path := range byDoc {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDocument, path)
	}
	return out, nil
}

// spliceLines applies edits to a copy of lines in ascending start
// order, rejecting out-of-bounds and overlapping ranges.
func spliceLines(lines []string, edits []Edit) ([]string, error) {
	sorted := make([]Edit, len(edits))
	copy(sorted, edits)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Range.Start < sorted[j].Range.Start
	})

	for i := 0; i < len(sorted); i++ {
		r := sorted[i].Range
		if r.Start < 0 || r.End > len(lines) || r.Start >= r.End {
			return nil, fmt.Errorf("edit range [%d,%d) out of bounds for %d lines", r.Start, r.End, len(lines))
		}
		if i > 0 && sorted[i-1].Range.Overlaps(r) {
			return nil, fmt.Errorf("%w: [%d,%d) and [%d,%d)",
				ErrConflictingEdit,
				sorted[i-1].Range.Start, sorted[i-1].Range.End, r.Start, r.End)
		}
	}

	// Rebuild in one walk: copy untouched spans, substitute edited ones.
	// Walking ascending keeps every edit's original indices valid even
	// when earlier replacements have a different length.
	out := make([]string, 0, len(lines))
	cursor := 0
	for _, edit := range sorted {
		out = append(out, lines[cursor:edit.Range.Start]...)
		out = append(out, edit.Text...)
		cursor = edit.Range.End
	}
	out = append(out, lines[cursor:]...)
	return out, nil
}
