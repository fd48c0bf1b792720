// Package upload implements the Upload Pipeline's negotiation-peek
// hooks: the access and limit checks that run over a fetch/clone's
// want/have negotiation before the pack itself is built, per spec.md
// §4.6.
//
// Unlike the Receive Pipeline (internal/receive), which runs as real
// git hooks invoked by the receive-pack subprocess itself, nothing in
// git's own upload-pack exposes a hook seam for this. These checks
// instead run as a peek at the client's negotiation request from the
// Transport Front, ahead of handing the bytes to the real git binary.
// internal/transport/smarthttp is the only Transport Front that does
// this today: its stateless-rpc request bodies are naturally bounded
// and bufferable per round. internal/transport/sshd hands the whole
// duplex session to the real git-upload-pack binary and never parses
// the negotiation at all, so these checks don't apply there — the same
// asymmetry DESIGN.md already records for ref advertisement filtering.
package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/gitreview/gitreviewd/internal/git"
	"github.com/gitreview/gitreviewd/internal/pktline"
	"github.com/gitreview/gitreviewd/internal/refadvertiser"
	"github.com/gitreview/gitreviewd/internal/silog"
)

// ErrPackProtocol is the class of error the Upload Pipeline returns when
// a negotiation fails an access or limit check, matching spec.md's
// "reject with PackProtocol error" language.
var ErrPackProtocol = errors.New("upload: pack protocol violation")

// Policy configures the limits the Upload Pipeline enforces during
// negotiation. A zero value for any field disables that limit.
type Policy struct {
	MaxUploadObjects     int
	MaxUploadRefs        int
	MaxNegotiationRounds int
	MaxPackObjects       int
}

// Request is one parsed negotiation round: the want/have lines a client
// sent before the next flush-pkt (or "done").
type Request struct {
	Wants []git.Hash
	Haves []git.Hash
	Done  bool
}

// ParseRequest reads pkt-lines from r up to the first flush-pkt,
// extracting the want/have/done lines the Upload Pipeline inspects. It
// does not attempt to parse anything beyond that: capabilities,
// shallow/depth lines, and the pack itself are of no interest to the
// checks this package implements.
func ParseRequest(r io.Reader) (Request, error) {
	pr := pktline.NewReader(r)

	var req Request
	for {
		payload, err := pr.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return Request{}, fmt.Errorf("upload: read pkt-line: %w", err)
		}
		if pktline.IsFlush(payload) {
			break
		}

		line := strings.TrimSuffix(string(payload), "\n")
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}

		switch fields[0] {
		case "want":
			if len(fields) >= 2 {
				req.Wants = append(req.Wants, git.Hash(fields[1]))
			}
		case "have":
			if len(fields) >= 2 {
				req.Haves = append(req.Haves, git.Hash(fields[1]))
			}
		case "done":
			req.Done = true
		}
	}
	return req, nil
}

// Engine runs the Upload Pipeline's negotiation-peek checks for a single
// project.
type Engine struct {
	Repo   *git.Repository
	Policy Policy
	Log    *silog.Logger
}

func (e *Engine) log() *silog.Logger {
	if e.Log == nil {
		return silog.Nop()
	}
	return e.Log
}

// BeginNegotiate runs the "on begin negotiate" hook: it checks the
// caller's access to every requested want (each must be reachable from
// one of the refs advertised to them) and enforces max_upload_refs and
// max_upload_objects before any pack is built.
func (e *Engine) BeginNegotiate(ctx context.Context, req Request, accessibleRefs []refadvertiser.Ref) error {
	if e.Policy.MaxUploadRefs > 0 && len(req.Wants) > e.Policy.MaxUploadRefs {
		return fmt.Errorf("%w: requested %d refs, limit is %d", ErrPackProtocol, len(req.Wants), e.Policy.MaxUploadRefs)
	}

	for _, want := range req.Wants {
		if !e.reachable(ctx, want, accessibleRefs) {
			return fmt.Errorf("%w: %s is not reachable from any ref you can access", ErrPackProtocol, want.Short())
		}
	}

	if e.Policy.MaxUploadObjects > 0 {
		n, err := e.Repo.CountObjects(ctx, req.Wants, nil)
		if err != nil {
			return fmt.Errorf("upload: count objects: %w", err)
		}
		if n > e.Policy.MaxUploadObjects {
			return fmt.Errorf("%w: %d objects requested, limit is %d", ErrPackProtocol, n, e.Policy.MaxUploadObjects)
		}
	}
	return nil
}

// EndNegotiate runs the "on end negotiate" hook: it warns when the
// client presented haves the repository doesn't recognize, and aborts
// once negotiation has run for more rounds than max_negotiation_rounds
// without the client sending "done". round is the caller's count of
// negotiation rounds seen so far for this session (see
// internal/transport/smarthttp's round tracker).
func (e *Engine) EndNegotiate(ctx context.Context, req Request, round int) error {
	var notFound int
	for _, have := range req.Haves {
		if _, err := e.Repo.PeelToCommit(ctx, string(have)); err != nil {
			notFound++
		}
	}
	if notFound > 0 {
		e.log().Warn("upload: client presented haves not found in repository", "count", notFound)
	}

	if !req.Done && e.Policy.MaxNegotiationRounds > 0 && round > e.Policy.MaxNegotiationRounds {
		return fmt.Errorf("%w: negotiation exceeded %d rounds without reaching ready", ErrPackProtocol, e.Policy.MaxNegotiationRounds)
	}
	return nil
}

// SendPack runs the "on send pack" hook: it rechecks want access (refs
// the caller could see at negotiation start may have moved or been
// deleted by the time the pack is about to be sent) and rejects if the
// estimated pack exceeds max_pack_objects.
func (e *Engine) SendPack(ctx context.Context, req Request, accessibleRefs []refadvertiser.Ref) error {
	for _, want := range req.Wants {
		if !e.reachable(ctx, want, accessibleRefs) {
			return fmt.Errorf("%w: %s is no longer reachable from any ref you can access", ErrPackProtocol, want.Short())
		}
	}

	if e.Policy.MaxPackObjects > 0 {
		n, err := e.Repo.CountObjects(ctx, req.Wants, req.Haves)
		if err != nil {
			return fmt.Errorf("upload: estimate pack size: %w", err)
		}
		if n > e.Policy.MaxPackObjects {
			return fmt.Errorf("%w: estimated pack of %d objects exceeds limit of %d", ErrPackProtocol, n, e.Policy.MaxPackObjects)
		}
	}
	return nil
}

func (e *Engine) reachable(ctx context.Context, want git.Hash, refs []refadvertiser.Ref) bool {
	for _, ref := range refs {
		if ref.Hash == want || e.Repo.IsAncestor(ctx, want, ref.Hash) {
			return true
		}
	}
	return false
}
