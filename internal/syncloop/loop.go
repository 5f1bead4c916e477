// Package syncloop drives the fetch → detect → execute → publish cycle
// for every managed paper. Each pass is atomic with respect to the
// paper: either all accepted edits are published together, or none are
// and the whole batch retries on the next interval.
package syncloop

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"papersync/internal/agent"
	"papersync/internal/detect"
	"papersync/internal/processed"
	"papersync/internal/remote"
)

// PassReport summarizes one pass over one paper.
type PassReport struct {
	PaperID    string
	Detected   int
	Pending    int
	Applied    int
	Failed     int
	Superseded int
	Published  remote.CommitRef
}

type Loop struct {
	remote   remote.DocumentRemote
	detector *detect.Detector
	executor *agent.Executor
	store    processed.Store

	lockMu sync.Mutex
	locks  map[string]*sync.Mutex
}

func New(r remote.DocumentRemote, detector *detect.Detector, executor *agent.Executor, store processed.Store) *Loop {
	return &Loop{
		remote:   r,
		detector: detector,
		executor: executor,
		store:    store,
		locks:    make(map[string]*sync.Mutex),
	}
}

// RunOnce executes a single pass for one paper, blocking until any
// in-flight pass for the same paper finishes.
func (l *Loop) RunOnce(ctx context.Context, paper remote.Paper) (PassReport, error) {
	lock := l.paperLock(paper.ID)
	lock.Lock()
	defer lock.Unlock()
	return l.runPass(ctx, paper)
}

// RunForever polls every paper on a fixed interval until ctx is
// canceled. Passes for different papers run concurrently; a paper
// whose previous pass is still running is skipped for that tick. A
// non-nil updates channel swaps in a new paper set between ticks.
func (l *Loop) RunForever(ctx context.Context, papers []remote.Paper, interval time.Duration, updates <-chan []remote.Paper) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var wg sync.WaitGroup
	for {
		l.pollAll(ctx, papers, &wg)
		select {
		case <-ctx.Done():
			wg.Wait()
			return
		case next, ok := <-updates:
			if !ok {
				updates = nil
				continue
			}
			log.Printf("manifest updated: now managing %d paper(s)", len(next))
			papers = next
		case <-ticker.C:
		}
	}
}

func (l *Loop) pollAll(ctx context.Context, papers []remote.Paper, wg *sync.WaitGroup) {
	for _, paper := range papers {
		lock := l.paperLock(paper.ID)
		if !lock.TryLock() {
			log.Printf("paper %s: previous pass still running, skipping tick", paper.ID)
			continue
		}
		wg.Add(1)
		go func(paper remote.Paper, lock *sync.Mutex) {
			defer wg.Done()
			defer lock.Unlock()
			report, err := l.runPass(ctx, paper)
			if err != nil {
				log.Printf("paper %s: pass failed: %v", paper.ID, err)
				return
			}
			if report.Pending > 0 {
				log.Printf("paper %s: detected=%d pending=%d applied=%d failed=%d superseded=%d",
					paper.ID, report.Detected, report.Pending, report.Applied,
					report.Failed, report.Superseded)
			}
		}(paper, lock)
	}
}

func (l *Loop) runPass(ctx context.Context, paper remote.Paper) (PassReport, error) {
	report := PassReport{PaperID: paper.ID}

	snap, err := l.remote.FetchLatest(ctx, paper)
	if err != nil {
		return report, fmt.Errorf("fetch latest: %w", err)
	}

	mentions := l.detector.Detect(snap)
	report.Detected = len(mentions)

	pending, err := l.filterPending(ctx, paper.ID, mentions)
	if err != nil {
		return report, err
	}
	report.Pending = len(pending)
	if len(pending) == 0 {
		return report, nil
	}

	accepted := l.rejectOverlaps(pending, &report)

	var results []agent.Result
	for _, mention := range accepted {
		result := l.executor.Execute(ctx, snap, mention)
		if result.Status != agent.StatusOK {
			report.Failed++
			log.Printf("paper %s: mention at %s:%d failed: %v",
				paper.ID, mention.DocPath, mention.Range.Start, result.Err)
			continue
		}
		results = append(results, result)
	}
	if len(results) == 0 {
		return report, nil
	}

	published, superseded, ref, err := l.publishResults(ctx, paper, snap, results)
	if err != nil {
		return report, err
	}
	report.Superseded = len(superseded)
	if len(published) == 0 {
		return report, nil
	}

	// Fingerprints are recorded only after the publish succeeded. A
	// crash in between re-executes the batch once; the rewritten
	// target content then invalidates the old fingerprints, so there
	// is no third repeat.
	fps := make([]string, len(published))
	for i, result := range published {
		fps[i] = result.Mention.Fingerprint
	}
	if err := l.store.MarkDone(ctx, paper.ID, fps); err != nil {
		log.Printf("paper %s: recording processed fingerprints failed: %v", paper.ID, err)
	}
	report.Applied = len(published)
	report.Published = ref
	return report, nil
}

// publishResults applies the accepted edits and publishes one commit.
// A rejected publish (remote moved ahead) is retried exactly once
// against re-fetched content; edits whose anchor text changed in the
// meantime are returned as superseded, with their status set
// accordingly, instead of overwriting the concurrent edit.
func (l *Loop) publishResults(ctx context.Context, paper remote.Paper, snap remote.Snapshot, results []agent.Result) (published, superseded []agent.Result, ref remote.CommitRef, err error) {
	anchors := make([][]string, len(results))
	edits := make([]remote.Edit, len(results))
	for i, result := range results {
		m := result.Mention
		doc, ok := snap.Doc(m.DocPath)
		if !ok {
			return nil, nil, remote.CommitRef{}, fmt.Errorf("document %s: %w", m.DocPath, remote.ErrUnknownDocument)
		}
		anchors[i] = append([]string(nil), doc.Lines[m.Range.Start:m.Range.End]...)
		edits[i] = remote.Edit{DocPath: m.DocPath, Range: m.Range, Text: result.Lines}
	}

	applied, err := l.remote.ApplyEdits(ctx, paper, snap, edits)
	if err != nil {
		return nil, nil, remote.CommitRef{}, fmt.Errorf("apply edits: %w", err)
	}

	ref, err = l.remote.Publish(ctx, paper, applied, commitMessage(results))
	if err == nil {
		return results, nil, ref, nil
	}
	if !errors.Is(err, remote.ErrRemoteRejected) {
		return nil, nil, remote.CommitRef{}, fmt.Errorf("publish: %w", err)
	}

	log.Printf("paper %s: remote moved ahead, re-anchoring %d edit(s)", paper.ID, len(results))
	fresh, err := l.remote.FetchLatest(ctx, paper)
	if err != nil {
		return nil, nil, remote.CommitRef{}, fmt.Errorf("re-fetch after rejection: %w", err)
	}

	var surviving []agent.Result
	var retryEdits []remote.Edit
	for i, result := range results {
		m := result.Mention
		doc, ok := fresh.Doc(m.DocPath)
		var target remote.LineRange
		if ok {
			target, ok = reanchor(doc.Lines, m.Range, anchors[i])
		}
		if !ok {
			result.Status = agent.StatusSuperseded
			superseded = append(superseded, result)
			log.Printf("paper %s: mention at %s:%d superseded by a concurrent edit",
				paper.ID, m.DocPath, m.Range.Start)
			continue
		}
		surviving = append(surviving, result)
		retryEdits = append(retryEdits, remote.Edit{DocPath: m.DocPath, Range: target, Text: result.Lines})
	}
	if len(surviving) == 0 {
		return nil, superseded, remote.CommitRef{}, nil
	}

	applied, err = l.remote.ApplyEdits(ctx, paper, fresh, retryEdits)
	if err != nil {
		return nil, superseded, remote.CommitRef{}, fmt.Errorf("apply edits after re-anchor: %w", err)
	}
	ref, err = l.remote.Publish(ctx, paper, applied, commitMessage(surviving))
	if err != nil {
		// One retry only. The batch is retried wholesale next pass.
		return nil, superseded, remote.CommitRef{}, fmt.Errorf("publish after re-anchor: %w", err)
	}
	return surviving, superseded, ref, nil
}

func (l *Loop) filterPending(ctx context.Context, paperID string, mentions []detect.Mention) ([]detect.Mention, error) {
	var pending []detect.Mention
	for _, mention := range mentions {
		seen, err := l.store.Seen(ctx, paperID, mention.Fingerprint)
		if err != nil {
			return nil, fmt.Errorf("check processed set: %w", err)
		}
		if !seen {
			pending = append(pending, mention)
		}
	}
	return pending, nil
}

// rejectOverlaps drops every mention whose target range overlaps
// another's in the same document. Both sides of an overlap fail; the
// rest of the batch proceeds.
func (l *Loop) rejectOverlaps(mentions []detect.Mention, report *PassReport) []detect.Mention {
	overlapping := make([]bool, len(mentions))
	for i := range mentions {
		for j := i + 1; j < len(mentions); j++ {
			if mentions[i].DocPath == mentions[j].DocPath &&
				mentions[i].Range.Overlaps(mentions[j].Range) {
				overlapping[i] = true
				overlapping[j] = true
			}
		}
	}
	var accepted []detect.Mention
	for i, mention := range mentions {
		if overlapping[i] {
			report.Failed++
			log.Printf("paper %s: mention at %s:%d overlaps another target range",
				mention.PaperID, mention.DocPath, mention.Range.Start)
			continue
		}
		accepted = append(accepted, mention)
	}
	return accepted
}

func (l *Loop) paperLock(paperID string) *sync.Mutex {
	l.lockMu.Lock()
	defer l.lockMu.Unlock()
	lock, ok := l.locks[paperID]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	l.locks[paperID] = lock
	return lock
}

// reanchor locates an edit's target in re-fetched content: first at
// its original position, then by a unique whole-document search for
// the anchor block. Returns false when the anchor no longer matches
// anywhere unambiguously.
func reanchor(lines []string, original remote.LineRange, anchor []string) (remote.LineRange, bool) {
	if blockEqual(lines, original.Start, anchor) {
		return remote.LineRange{Start: original.Start, End: original.Start + len(anchor)}, true
	}
	found := -1
	for start := 0; start+len(anchor) <= len(lines); start++ {
		if blockEqual(lines, start, anchor) {
			if found >= 0 {
				return remote.LineRange{}, false
			}
			found = start
		}
	}
	if found < 0 {
		return remote.LineRange{}, false
	}
	return remote.LineRange{Start: found, End: found + len(anchor)}, true
}

func blockEqual(lines []string, start int, block []string) bool {
	if start < 0 || start+len(block) > len(lines) {
		return false
	}
	for i, line := range block {
		if lines[start+i] != line {
			return false
		}
	}
	return true
}

func commitMessage(results []agent.Result) string {
	parts := make([]string, len(results))
	for i, result := range results {
		parts[i] = fmt.Sprintf("- [%s] %s", result.Mention.Fingerprint[:8], result.Mention.Command)
	}
	return fmt.Sprintf("papersync: answer %d command(s)\n\n%s", len(results), strings.Join(parts, "\n"))
}
