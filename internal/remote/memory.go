package remote

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryRemote keeps paper content in memory. It backs tests and local
// experimentation with the same contract as the git variant, including
// rejection of a publish when the stored content moved past the
// snapshot that the edits were computed from.
type MemoryRemote struct {
	mu       sync.Mutex
	docs     map[string]map[string][]string
	revision map[string]int
	commits  map[string][]CommitRef

	// FailPublish makes the next Publish calls fail with the given
	// error until cleared. Used to exercise atomic-batch behavior.
	FailPublish error
}

// NewMemoryRemote seeds the store with papers mapped to their
// documents, keyed by paper id then document path.
func NewMemoryRemote(papers map[string]map[string][]string) *MemoryRemote {
	m := &MemoryRemote{
		docs:     make(map[string]map[string][]string),
		revision: make(map[string]int),
		commits:  make(map[string][]CommitRef),
	}
	for id, docs := range papers {
		m.docs[id] = make(map[string][]string, len(docs))
		for path, lines := range docs {
			m.docs[id][path] = append([]string(nil), lines...)
		}
		m.revision[id] = 1
	}
	return m
}

func (m *MemoryRemote) FetchLatest(ctx context.Context, paper Paper) (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.docs[paper.ID]
	if !ok {
		return Snapshot{}, fmt.Errorf("paper %s: %w", paper.ID, ErrRemoteUnavailable)
	}

	paths := make([]string, 0, len(stored))
	for path := range stored {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	docs := make([]Document, len(paths))
	for i, path := range paths {
		docs[i] = Document{Path: path, Lines: append([]string(nil), stored[path]...)}
	}
	return Snapshot{
		PaperID: paper.ID,
		Ref:     fmt.Sprintf("rev-%d", m.revision[paper.ID]),
		Docs:    docs,
	}, nil
}

func (m *MemoryRemote) ApplyEdits(ctx context.Context, paper Paper, snap Snapshot, edits []Edit) (Snapshot, error) {
	docs, err := applyDocEdits(snap.Docs, edits)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{PaperID: snap.PaperID, Ref: snap.Ref, Docs: docs}, nil
}

func (m *MemoryRemote) Publish(ctx context.Context, paper Paper, snap Snapshot, message string) (CommitRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailPublish != nil {
		return CommitRef{}, m.FailPublish
	}
	current := fmt.Sprintf("rev-%d", m.revision[paper.ID])
	if snap.Ref != current {
		return CommitRef{}, fmt.Errorf("paper %s moved to %s: %w", paper.ID, current, ErrRemoteRejected)
	}

	stored := make(map[string][]string, len(snap.Docs))
	for _, doc := range snap.Docs {
		stored[doc.Path] = append([]string(nil), doc.Lines...)
	}
	m.docs[paper.ID] = stored
	m.revision[paper.ID]++
	ref := CommitRef{
		Hash:      fmt.Sprintf("rev-%d", m.revision[paper.ID]),
		Message:   message,
		CreatedAt: time.Now(),
	}
	m.commits[paper.ID] = append(m.commits[paper.ID], ref)
	return ref, nil
}

// SetLines replaces one document's content out of band, advancing the
// paper's revision as a concurrent editor would.
func (m *MemoryRemote) SetLines(paperID, docPath string, lines []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.docs[paperID] == nil {
		m.docs[paperID] = make(map[string][]string)
	}
	m.docs[paperID][docPath] = append([]string(nil), lines...)
	m.revision[paperID]++
}

func (m *MemoryRemote) Lines(paperID, docPath string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.docs[paperID][docPath]...)
}

func (m *MemoryRemote) Commits(paperID string) []CommitRef {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]CommitRef(nil), m.commits[paperID]...)
}
