// Package changeid implements the Change-Id footer: parsing, validation,
// deterministic generation, and insertion into commit messages.
//
// A Change-Id is the stable key a Change is tracked by across rebases and
// amendments. It is carried as a trailer in the commit message:
//
//	Change-Id: Iaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa
package changeid

import (
	"bufio"
	"crypto/sha1"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Footer is the commit trailer key used for the Change-Id.
const Footer = "Change-Id"

var footerLine = regexp.MustCompile(`^Change-Id:\s*(I[0-9a-f]{40})\s*$`)

var idPattern = regexp.MustCompile(`^I[0-9a-f]{40}$`)

// Validate reports whether id matches the canonical Change-Id format:
// "I" followed by 40 lowercase hex characters.
func Validate(id string) bool {
	return idPattern.MatchString(id)
}

// Extract finds the Change-Id footer in a commit message, returning its
// value and whether one was found. If the message contains more than one
// Change-Id footer line, the last one is returned and ok is still true;
// callers that must reject duplicate footers should use Count instead.
func Extract(message string) (id string, ok bool) {
	for _, line := range footerLines(message) {
		if m := footerLine.FindStringSubmatch(line); m != nil {
			id, ok = m[1], true
		}
	}
	return id, ok
}

// Count returns the number of Change-Id footer lines in the message,
// regardless of whether their values are valid. Callers use this to reject
// commit messages with more than one Change-Id trailer.
func Count(message string) int {
	n := 0
	for _, line := range footerLines(message) {
		if strings.HasPrefix(strings.TrimSpace(line), Footer+":") {
			n++
		}
	}
	return n
}

// Signature is the author or committer identity used by Generate, matching
// the fields recorded on a Git commit object.
type Signature struct {
	Name  string
	Email string
	Time  time.Time
}

// format renders the signature the way Git embeds it in a commit object:
// "Name <email> <epoch-seconds> <±HHMM>".
func (s Signature) format() string {
	_, offset := s.Time.Zone()
	sign := "+"
	if offset < 0 {
		sign = "-"
		offset = -offset
	}
	hh, mm := offset/3600, (offset%3600)/60
	return fmt.Sprintf("%s <%s> %d %s%02d%02d", s.Name, s.Email, s.Time.Unix(), sign, hh, mm)
}

// Generate deterministically derives a Change-Id from the ingredients of a
// commit: the would-be tree, its parents, authorship, and the message the
// commit would carry without a Change-Id footer of its own.
//
// It is the SHA-1, prefixed with "I", of:
//
//	tree <tree-hex>
//	parent <parent-hex>
//	...
//	author <formatted author>
//	committer <formatted committer>
//
//	<message>
//
// This mirrors the object Git would hash for the commit itself, which is
// what makes the result stable and collision-resistant without needing a
// real commit object to exist yet.
func Generate(treeID string, parentIDs []string, author, committer Signature, messageWithoutChangeID string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "tree %s\n", treeID)
	for _, p := range parentIDs {
		fmt.Fprintf(&b, "parent %s\n", p)
	}
	fmt.Fprintf(&b, "author %s\n", author.format())
	fmt.Fprintf(&b, "committer %s\n", committer.format())
	b.WriteString("\n")
	b.WriteString(messageWithoutChangeID)

	sum := sha1.Sum([]byte(b.String()))
	return fmt.Sprintf("I%x", sum)
}

// AddOrUpdate returns message with a Change-Id footer of id, inserted
// before any existing footer block. If message already carries a valid
// Change-Id footer, it is returned unchanged: AddOrUpdate is idempotent
// with respect to an already-tagged message.
func AddOrUpdate(message string, id string) string {
	if _, ok := Extract(message); ok {
		return message
	}

	subject, body, footers := splitMessage(message)

	line := Footer + ": " + id
	switch {
	case len(footers) > 0:
		footers = append([]string{line}, footers...)
	case body != "":
		footers = []string{line}
	default:
		// No body at all: the Change-Id footer becomes the sole body.
		footers = []string{line}
	}

	return joinMessage(subject, body, footers)
}

// ParsedMessage is the structured decomposition of a commit message
// produced by Parse.
type ParsedMessage struct {
	Subject    string
	Body       string
	ChangeID   string
	HasChangeID bool
	Footers    []string
	SignedOffBy []string
	ReviewedBy  []string
	Bugs        []string
}

var footerKeyPattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9-]*:`)

// Parse decomposes a commit message into its subject, body, and trailing
// footer block, extracting well-known footers (Change-Id, Signed-off-by,
// Reviewed-by, Bug) along the way.
func Parse(message string) ParsedMessage {
	subject, body, footers := splitMessage(message)

	out := ParsedMessage{
		Subject: subject,
		Body:    body,
		Footers: footers,
	}

	for _, f := range footers {
		key, value, ok := strings.Cut(f, ":")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)

		switch strings.TrimSpace(key) {
		case Footer:
			if Validate(value) {
				out.ChangeID = value
				out.HasChangeID = true
			}
		case "Signed-off-by":
			out.SignedOffBy = append(out.SignedOffBy, value)
		case "Reviewed-by":
			out.ReviewedBy = append(out.ReviewedBy, value)
		case "Bug":
			out.Bugs = append(out.Bugs, value)
		}
	}

	return out
}

// footerLines returns the lines of the message's trailing footer block: a
// contiguous run of "Key: Value"-shaped lines at the end of the message,
// separated from the body by a blank line (or comprising the entire body,
// if the message has no blank-line-separated body).
func footerLines(message string) []string {
	_, _, footers := splitMessage(message)
	return footers
}

// splitMessage separates a commit message into subject, body (without the
// trailing footer block), and the footer block's lines.
func splitMessage(message string) (subject, body string, footers []string) {
	lines := splitLines(message)
	if len(lines) == 0 {
		return "", "", nil
	}
	subject = strings.TrimSpace(lines[0])

	rest := lines[1:]
	for len(rest) > 0 && strings.TrimSpace(rest[0]) == "" {
		rest = rest[1:]
	}

	footerStart := len(rest)
	for footerStart > 0 {
		line := strings.TrimSpace(rest[footerStart-1])
		if line == "" {
			break
		}
		if !footerKeyPattern.MatchString(line) {
			footerStart = len(rest) // not a trailer block at all
			break
		}
		footerStart--
	}

	// Confirm every remaining line from footerStart onward is footer-shaped;
	// otherwise there is no footer block to split out.
	allFooters := true
	for _, line := range rest[footerStart:] {
		line = strings.TrimSpace(line)
		if line == "" || !footerKeyPattern.MatchString(line) {
			allFooters = false
			break
		}
	}

	if !allFooters || footerStart == len(rest) {
		body = strings.TrimSpace(strings.Join(rest, "\n"))
		return subject, body, nil
	}

	bodyLines := rest[:footerStart]
	for len(bodyLines) > 0 && strings.TrimSpace(bodyLines[len(bodyLines)-1]) == "" {
		bodyLines = bodyLines[:len(bodyLines)-1]
	}
	body = strings.TrimSpace(strings.Join(bodyLines, "\n"))

	for _, line := range rest[footerStart:] {
		footers = append(footers, strings.TrimSpace(line))
	}

	return subject, body, footers
}

// joinMessage reassembles a message from its parts, matching the
// subject/blank-line/body/blank-line/footers layout Git trailers expect.
func joinMessage(subject, body string, footers []string) string {
	var b strings.Builder
	b.WriteString(subject)

	if body != "" {
		b.WriteString("\n\n")
		b.WriteString(body)
	}

	if len(footers) > 0 {
		b.WriteString("\n\n")
		b.WriteString(strings.Join(footers, "\n"))
	}

	return b.String()
}

func splitLines(s string) []string {
	var lines []string
	sc := bufio.NewScanner(strings.NewReader(s))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	return lines
}
