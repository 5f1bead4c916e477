// Package detect finds AI command comments in a document snapshot and
// assigns each one a content fingerprint so already-answered comments
// are not triggered again.
package detect

import (
	"crypto/sha1"
	"encoding/hex"
	"regexp"
	"strings"

	"papersync/internal/remote"
)

// DefaultMarker is the trigger token recognized after a line-comment
// prefix, e.g. "% @ai: tighten this paragraph".
const DefaultMarker = "@ai:"

var commentPrefixes = []string{"%", "//", "#"}

// Mention is one detected command comment.
type Mention struct {
	PaperID string
	DocPath string
	// Range is the half-open target range the replacement text will
	// substitute. For a trailing comment this is the annotated line;
	// for a standalone comment it spans the preceding paragraph plus
	// the comment line itself, so an answered comment is consumed.
	Range       remote.LineRange
	Command     string
	Fingerprint string
}

type Detector struct {
	marker  string
	pattern *regexp.Regexp
}

func New(marker string) *Detector {
	if marker == "" {
		marker = DefaultMarker
	}
	pattern := regexp.MustCompile(
		`(?i)(?:%|//|#)\s*` + regexp.QuoteMeta(marker) + `\s*(.*?)\s*$`,
	)
	return &Detector{marker: marker, pattern: pattern}
}

// Detect scans every document in the snapshot and returns all mentions
// in document order, ascending by line within each document, processed
// or not. Filtering against the processed set is the caller's concern;
// Detect is a pure function of the snapshot.
func (d *Detector) Detect(snap remote.Snapshot) []Mention {
	var mentions []Mention
	for _, doc := range snap.Docs {
		for i, line := range doc.Lines {
			loc := d.pattern.FindStringSubmatchIndex(line)
			if loc == nil {
				continue
			}
			command := strings.TrimSpace(line[loc[2]:loc[3]])

			var target remote.LineRange
			if strings.TrimSpace(line[:loc[0]]) == "" {
				target = standaloneTarget(doc.Lines, i)
			} else {
				target = remote.LineRange{Start: i, End: i + 1}
			}

			mentions = append(mentions, Mention{
				PaperID:     snap.PaperID,
				DocPath:     doc.Path,
				Range:       target,
				Command:     command,
				Fingerprint: Fingerprint(doc.Path, doc.Lines[target.Start:target.End], command),
			})
		}
	}
	return mentions
}

// Marker returns the configured trigger token.
func (d *Detector) Marker() string {
	return d.marker
}

// standaloneTarget extends a comment-only line at index i backwards
// over the nearest preceding paragraph: contiguous non-blank,
// non-comment lines, bounded by a blank line or the document start.
func standaloneTarget(lines []string, i int) remote.LineRange {
	start := i
	for start > 0 {
		prev := strings.TrimSpace(lines[start-1])
		if prev == "" || isCommentLine(prev) {
			break
		}
		start--
	}
	return remote.LineRange{Start: start, End: i + 1}
}

func isCommentLine(trimmed string) bool {
	for _, prefix := range commentPrefixes {
		if strings.HasPrefix(trimmed, prefix) {
			return true
		}
	}
	return false
}

// Fingerprint hashes the document path and target content together
// with the command, so a re-issued comment with different text reads
// as new while an answered, untouched one does not. Identical comments
// in different documents fingerprint independently.
func Fingerprint(docPath string, target []string, command string) string {
	h := sha1.New()
	h.Write([]byte(docPath))
	h.Write([]byte{0})
	for _, line := range target {
		h.Write([]byte(line))
		h.Write([]byte{'\n'})
	}
	h.Write([]byte{0})
	h.Write([]byte(command))
	return hex.EncodeToString(h.Sum(nil))
}
