// Package smarthttp implements the smart-HTTP half of the Transport
// Front: the GET .../info/refs ref advertisement and the POST
// .../git-upload-pack / .../git-receive-pack pack exchange, per Git's
// documented smart-HTTP protocol.
//
// Unlike internal/transport/sshd, which hands the whole pack-protocol
// session to the real git binary (including its own ref advertisement),
// this package builds the info/refs response itself from
// internal/refadvertiser's filtered, synthetic-ref-augmented ref set —
// see DESIGN.md's Open Question decision on why the two Transport Fronts
// diverge here. The pack exchange itself (POST bodies) is still handed
// to the real git binary in --stateless-rpc mode; this package never
// parses pack data.
package smarthttp

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/gitreview/gitreviewd/internal/app"
	"github.com/gitreview/gitreviewd/internal/git"
	"github.com/gitreview/gitreviewd/internal/pktline"
	"github.com/gitreview/gitreviewd/internal/refadvertiser"
	"github.com/gitreview/gitreviewd/internal/review"
	"github.com/gitreview/gitreviewd/internal/silog"
	"github.com/gitreview/gitreviewd/internal/upload"
)

// Server serves the smart-HTTP Git protocol for every project the App's
// Repository Gateway knows about.
type Server struct {
	App *app.App
	Log *silog.Logger

	rounds *roundTracker
}

// New constructs a Server.
func New(a *app.App, log *silog.Logger) *Server {
	if log == nil {
		log = silog.Nop()
	}
	return &Server{App: a, Log: log, rounds: newRoundTracker()}
}

// roundTracker counts negotiation rounds per in-flight fetch, so the
// Upload Pipeline's max_negotiation_rounds limit can be enforced across
// the sequence of stateless-rpc POSTs one fetch makes. Rounds are keyed
// by project and remote address: a best-effort correlation, since
// smart-HTTP carries no session id of its own, and a proxied or
// load-balanced deployment could split one fetch's rounds across
// different keys. A fetch's entry is evicted once it finishes
// negotiating or fails a check, so this never grows unbounded in
// steady state.
type roundTracker struct {
	mu     sync.Mutex
	rounds map[string]int
}

func newRoundTracker() *roundTracker {
	return &roundTracker{rounds: make(map[string]int)}
}

func (t *roundTracker) increment(key string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rounds[key]++
	return t.rounds[key]
}

func (t *roundTracker) reset(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.rounds, key)
}

// ServeHTTP dispatches a request by URL suffix rather than a
// net/http.ServeMux pattern, since project names may themselves contain
// slashes (see internal/gitgw.ValidateName).
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/")

	switch {
	case r.Method == http.MethodGet && strings.HasSuffix(path, "/info/refs"):
		s.handleInfoRefs(w, r, strings.TrimSuffix(path, "/info/refs"))
	case r.Method == http.MethodPost && strings.HasSuffix(path, "/git-upload-pack"):
		s.handleService(w, r, strings.TrimSuffix(path, "/git-upload-pack"), "upload-pack")
	case r.Method == http.MethodPost && strings.HasSuffix(path, "/git-receive-pack"):
		s.handleService(w, r, strings.TrimSuffix(path, "/git-receive-pack"), "receive-pack")
	default:
		http.NotFound(w, r)
	}
}

func trimProject(project string) string {
	return strings.TrimSuffix(project, "/")
}

func (s *Server) handleInfoRefs(w http.ResponseWriter, r *http.Request, project string) {
	project = trimProject(project)
	service := strings.TrimPrefix(r.URL.Query().Get("service"), "git-")
	var op refadvertiser.Operation
	switch service {
	case "upload-pack":
		op = refadvertiser.ForUpload
		if !s.App.Config.UploadPackEnabled {
			http.Error(w, "upload-pack is disabled", http.StatusForbidden)
			return
		}
	case "receive-pack":
		op = refadvertiser.ForReceive
		if !s.App.Config.ReceivePackEnabled {
			http.Error(w, "receive-pack is disabled", http.StatusForbidden)
			return
		}
	default:
		http.Error(w, "unsupported or missing service parameter", http.StatusBadRequest)
		return
	}

	if _, ok := s.authenticate(r, op); !ok {
		s.requireAuth(w)
		return
	}

	ctx := r.Context()
	if _, err := s.App.Gateway.Open(ctx, project); err != nil {
		http.NotFound(w, r)
		return
	}

	adv, err := s.App.Advertiser(ctx, project)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	refs, err := adv.Advertise(ctx, op)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", fmt.Sprintf("application/x-git-%s-advertisement", service))
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	pw := pktline.NewWriter(w)
	_ = pw.WritePayload([]byte(fmt.Sprintf("# service=git-%s\n", service)))
	_ = pw.WriteFlush()
	writeRefAdvertisement(pw, refs, capabilities(service))
}

// writeRefAdvertisement writes the pkt-line ref list, attaching caps to
// the first ref (or to a synthetic "capabilities^{}" ref, per the smart
// protocol's rule for an empty repository) and terminating with a flush.
func writeRefAdvertisement(pw *pktline.Writer, refs []refadvertiser.Ref, caps string) {
	if len(refs) == 0 {
		_ = pw.WritePayload([]byte(fmt.Sprintf("%s capabilities^{}\x00%s\n", git.ZeroHash, caps)))
		_ = pw.WriteFlush()
		return
	}

	for i, ref := range refs {
		line := fmt.Sprintf("%s %s", ref.Hash, ref.Name)
		if i == 0 {
			line += "\x00" + caps
		}
		_ = pw.WritePayload([]byte(line + "\n"))
	}
	_ = pw.WriteFlush()
}

func capabilities(service string) string {
	if service == "upload-pack" {
		return "multi_ack_detailed no-done side-band-64k thin-pack ofs-delta agent=gitreviewd"
	}
	return "report-status delete-refs side-band-64k quiet atomic ofs-delta agent=gitreviewd"
}

func (s *Server) handleService(w http.ResponseWriter, r *http.Request, project, service string) {
	project = trimProject(project)

	var op refadvertiser.Operation
	switch service {
	case "upload-pack":
		op = refadvertiser.ForUpload
		if !s.App.Config.UploadPackEnabled {
			http.Error(w, "upload-pack is disabled", http.StatusForbidden)
			return
		}
	case "receive-pack":
		op = refadvertiser.ForReceive
		if !s.App.Config.ReceivePackEnabled {
			http.Error(w, "receive-pack is disabled", http.StatusForbidden)
			return
		}
	}

	acct, ok := s.authenticate(r, op)
	if !ok {
		s.requireAuth(w)
		return
	}

	expectedType := fmt.Sprintf("application/x-git-%s-request", service)
	if ct := r.Header.Get("Content-Type"); ct != "" && ct != expectedType {
		http.Error(w, fmt.Sprintf("unexpected Content-Type %q", ct), http.StatusBadRequest)
		return
	}

	var body io.Reader = r.Body
	if r.Header.Get("Content-Encoding") == "gzip" {
		gz, err := gzip.NewReader(r.Body)
		if err != nil {
			http.Error(w, "invalid gzip body", http.StatusBadRequest)
			return
		}
		defer gz.Close()
		body = gz
	}

	ctx := r.Context()
	repo, err := s.App.Gateway.Open(ctx, project)
	if err != nil {
		http.NotFound(w, r)
		return
	}

	if service == "upload-pack" {
		buffered, rejected := s.checkUploadNegotiation(w, r, project, body)
		if rejected {
			return
		}
		body = buffered
	}

	w.Header().Set("Content-Type", fmt.Sprintf("application/x-git-%s-result", service))
	w.WriteHeader(http.StatusOK)

	req := git.PackRequest{
		Stdin:        body,
		Stdout:       w,
		StatelessRPC: true,
		Env:          []string{fmt.Sprintf("%s=%d", app.AccountIDEnv, acct.ID)},
	}

	var runErr error
	switch service {
	case "upload-pack":
		runErr = repo.UploadPack(ctx, req)
	case "receive-pack":
		runErr = repo.ReceivePack(ctx, req)
	}
	if runErr != nil {
		s.Log.Warn("smarthttp: pack command failed", "project", project, "service", service, "error", runErr)
	}
}

// authenticate enforces HTTP Basic auth, except for upload-pack requests
// when anonymous read is enabled, matching internal/transport/sshd's
// anonymous-read bypass.
func (s *Server) authenticate(r *http.Request, op refadvertiser.Operation) (review.Account, bool) {
	if op == refadvertiser.ForUpload && s.App.Config.AnonymousReadEnabled {
		if username, password, ok := r.BasicAuth(); ok {
			if acct, err := s.App.Accounts.Authenticate(username, password); err == nil {
				return acct, true
			}
		}
		return review.Account{Username: "anonymous", Active: true}, true
	}

	username, password, ok := r.BasicAuth()
	if !ok {
		return review.Account{}, false
	}
	acct, err := s.App.Accounts.Authenticate(username, password)
	if err != nil {
		return review.Account{}, false
	}
	return acct, true
}

func (s *Server) requireAuth(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", `Basic realm="gitreviewd"`)
	http.Error(w, "authentication required", http.StatusUnauthorized)
}

// checkUploadNegotiation buffers one upload-pack round's body and runs
// it through the Upload Pipeline's negotiation-peek checks (see
// internal/upload) before the request is handed to the real git binary.
// It returns a reader replaying the buffered bytes, and whether the
// round was rejected (in which case the caller must not write anything
// else to the response).
func (s *Server) checkUploadNegotiation(w http.ResponseWriter, r *http.Request, project string, body io.Reader) (io.Reader, bool) {
	data, err := io.ReadAll(body)
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return nil, true
	}
	replay := bytes.NewReader(data)

	req, err := upload.ParseRequest(bytes.NewReader(data))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return nil, true
	}

	engine, err := s.App.UploadEngine(r.Context(), project)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return nil, true
	}

	key := project + "|" + r.RemoteAddr
	ctx := r.Context()

	if len(req.Wants) > 0 {
		adv, err := s.App.Advertiser(ctx, project)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return nil, true
		}
		refs, err := adv.Advertise(ctx, refadvertiser.ForUpload)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return nil, true
		}
		if err := engine.BeginNegotiate(ctx, req, refs); err != nil {
			s.rounds.reset(key)
			http.Error(w, err.Error(), http.StatusForbidden)
			return nil, true
		}
	}

	round := s.rounds.increment(key)
	if err := engine.EndNegotiate(ctx, req, round); err != nil {
		s.rounds.reset(key)
		http.Error(w, err.Error(), http.StatusForbidden)
		return nil, true
	}

	if req.Done {
		adv, err := s.App.Advertiser(ctx, project)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return nil, true
		}
		refs, err := adv.Advertise(ctx, refadvertiser.ForUpload)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return nil, true
		}
		if err := engine.SendPack(ctx, req, refs); err != nil {
			s.rounds.reset(key)
			http.Error(w, err.Error(), http.StatusForbidden)
			return nil, true
		}
		s.rounds.reset(key)
	}

	return replay, false
}
