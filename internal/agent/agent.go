// Package agent turns detected command mentions into replacement text
// by consulting a completion provider.
package agent

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"papersync/internal/detect"
	"papersync/internal/remote"
)

// ErrProvider marks completion failures (quota, network, bad response).
// They are recoverable per mention and never abort the rest of a batch.
var ErrProvider = errors.New("completion provider error")

// Completer is the external completion capability.
type Completer interface {
	Complete(ctx context.Context, contextText, command string) (string, error)
}

// CompleterFunc adapts a function to the Completer interface.
type CompleterFunc func(ctx context.Context, contextText, command string) (string, error)

func (f CompleterFunc) Complete(ctx context.Context, contextText, command string) (string, error) {
	return f(ctx, contextText, command)
}

type Status int

const (
	StatusOK Status = iota
	StatusFailed
	StatusSuperseded
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusFailed:
		return "failed"
	case StatusSuperseded:
		return "superseded"
	}
	return "unknown"
}

// Result is the outcome of executing one mention. A failed result
// leaves the target range untouched.
type Result struct {
	Mention detect.Mention
	Status  Status
	Lines   []string
	Err     error
}

// Executor resolves mentions to replacement text. It never mutates the
// snapshot; edits are assembled by the caller from the results.
type Executor struct {
	completer     Completer
	contextRadius int
	timeout       time.Duration
	scrub         *regexp.Regexp
}

func NewExecutor(completer Completer, marker string, contextRadius int, timeout time.Duration) *Executor {
	if marker == "" {
		marker = detect.DefaultMarker
	}
	if contextRadius <= 0 {
		contextRadius = 10
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Executor{
		completer:     completer,
		contextRadius: contextRadius,
		timeout:       timeout,
		scrub:         regexp.MustCompile(`(?i)` + regexp.QuoteMeta(marker)),
	}
}

// Execute runs one mention's command against the completion provider
// and returns the replacement lines for its target range. The context
// window is drawn from the mention's own document.
func (e *Executor) Execute(ctx context.Context, snap remote.Snapshot, mention detect.Mention) Result {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	doc, ok := snap.Doc(mention.DocPath)
	if !ok {
		return Result{
			Mention: mention,
			Status:  StatusFailed,
			Err:     fmt.Errorf("document %s: %w", mention.DocPath, remote.ErrUnknownDocument),
		}
	}

	contextText := strings.Join(e.contextWindow(doc.Lines, mention.Range), "\n")
	out, err := e.completer.Complete(ctx, contextText, mention.Command)
	if err != nil {
		return Result{
			Mention: mention,
			Status:  StatusFailed,
			Err:     fmt.Errorf("complete %q: %w", mention.Command, err),
		}
	}
	return Result{Mention: mention, Status: StatusOK, Lines: e.sanitize(out)}
}

// contextWindow returns contextRadius lines on either side of the
// target range, clamped to the document.
func (e *Executor) contextWindow(lines []string, target remote.LineRange) []string {
	start := target.Start - e.contextRadius
	if start < 0 {
		start = 0
	}
	end := target.End + e.contextRadius
	if end > len(lines) {
		end = len(lines)
	}
	return lines[start:end]
}

// sanitize strips trailing whitespace and defuses any occurrence of
// the trigger marker in the model output, so an answer can never
// schedule itself for reprocessing.
func (e *Executor) sanitize(out string) []string {
	out = e.scrub.ReplaceAllString(out, "-ai-:")
	out = strings.Trim(out, "\n")
	lines := strings.Split(out, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t")
	}
	return lines
}
