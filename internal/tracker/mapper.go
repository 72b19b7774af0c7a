package tracker

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/debian-tools/btsmirror/internal/types"
)

const (
	// markerPrefix starts the footer line identifying a mirrored issue.
	markerPrefix = "Mirrored from Debian bug #"

	// commentMarkerPrefix starts the first line of a mirrored comment.
	// Comments posted by the earlier Python mirror use the same line.
	commentMarkerPrefix = "BTS_msg_id:"

	truncatedNote = "\n\n[... truncated, the full text is on the Debian BTS]"
)

// MaxBodyLength is the largest issue or comment body GitHub accepts, in
// characters.
const MaxBodyLength = 65536

var markerRe = regexp.MustCompile(`(?m)^` + regexp.QuoteMeta(markerPrefix) + `([^\s:]+)`)

// FieldMapper renders a source bug into the fields of its sink issue.
// The mapping is fixed: sink-side edits never flow back.
type FieldMapper interface {
	Title(bug *types.SourceBug) string
	Body(bug *types.SourceBug) string
}

// DefaultMapper copies the bug subject verbatim and appends a footer
// carrying the mirror marker to the bug description.
type DefaultMapper struct{}

// Title returns the bug subject.
func (DefaultMapper) Title(bug *types.SourceBug) string {
	return strings.TrimSpace(bug.Title)
}

// Body returns the bug description followed by the mirror footer. A
// description too long for the sink is cut so the footer always fits.
func (DefaultMapper) Body(bug *types.SourceBug) string {
	var footer strings.Builder
	footer.WriteString("---\n")
	footer.WriteString(Marker(bug.ID))
	if bug.URL != "" {
		footer.WriteString(": ")
		footer.WriteString(bug.URL)
	}
	footer.WriteString("\n")

	var meta []string
	if bug.Severity != "" {
		meta = append(meta, "Severity: "+bug.Severity)
	}
	if bug.Submitter != "" {
		meta = append(meta, "Submitter: "+bug.Submitter)
	}
	if len(bug.Tags) > 0 {
		meta = append(meta, "Tags: "+strings.Join(bug.Tags, ", "))
	}
	if len(meta) > 0 {
		footer.WriteString(strings.Join(meta, " | "))
		footer.WriteString("\n")
	}

	desc := strings.TrimSpace(bug.Body)
	if desc == "" {
		return footer.String()
	}
	return fitBody(desc, "\n\n"+footer.String())
}

// CommentBody renders a bug-log message as a sink comment. The first line
// names the message so later passes can tell it was mirrored.
func CommentBody(msg *types.BugMessage) string {
	head := commentMarkerPrefix + " " + msg.ID + "\n"
	if msg.Author != "" {
		head += "BTS author: " + msg.Author + "\n"
	}
	return fitBody(head+"\n"+strings.TrimSpace(msg.Body), "")
}

// ExtractCommentMarker returns the message id named on the first line of
// a mirrored comment.
func ExtractCommentMarker(body string) (string, bool) {
	first, _, _ := strings.Cut(strings.TrimLeft(body, "\r\n"), "\n")
	rest, ok := strings.CutPrefix(strings.TrimSpace(first), commentMarkerPrefix)
	if !ok {
		return "", false
	}
	id := strings.TrimSpace(rest)
	return id, id != ""
}

// fitBody joins text and tail, cutting text so the result stays within
// MaxBodyLength characters. tail is never cut.
func fitBody(text, tail string) string {
	budget := MaxBodyLength - utf8.RuneCountInString(tail)
	if utf8.RuneCountInString(text) <= budget {
		return text + tail
	}
	keep := budget - utf8.RuneCountInString(truncatedNote)
	if keep < 0 {
		keep = 0
	}
	runes := []rune(text)
	return strings.TrimRightFunc(string(runes[:keep]), unicode.IsSpace) + truncatedNote + tail
}

// Marker returns the footer line prefix identifying bugID.
func Marker(bugID string) string {
	return fmt.Sprintf("%s%s", markerPrefix, bugID)
}

// ExtractMarker returns the bug id named by the last mirror marker in body.
func ExtractMarker(body string) (string, bool) {
	m := markerRe.FindAllStringSubmatch(body, -1)
	if len(m) == 0 {
		return "", false
	}
	return m[len(m)-1][1], true
}

// SameContent compares two rendered fields, ignoring line-ending and
// surrounding whitespace differences introduced by the sink.
func SameContent(a, b string) bool {
	return normalize(a) == normalize(b)
}

func normalize(s string) string {
	return strings.TrimSpace(strings.ReplaceAll(s, "\r\n", "\n"))
}
