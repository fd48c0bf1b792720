package git

import (
	"context"
	"fmt"
	"io"
)

// PackRequest streams one side of the smart-HTTP/SSH pack protocol
// between a transport session and the repository.
type PackRequest struct {
	// Stdin carries the client's half of the protocol: pkt-line
	// negotiation followed (for receive-pack) by the pack itself.
	Stdin io.Reader

	// Stdout carries the server's half: ref advertisement (when
	// AdvertiseRefs is set) and the protocol response.
	Stdout io.Writer

	// StatelessRPC runs the command in --stateless-rpc mode: one
	// request/response round-trip per invocation, for use over HTTP. SSH
	// sessions leave this false and run the long-lived interactive form.
	StatelessRPC bool

	// AdvertiseRefs runs only the initial ref advertisement
	// (--advertise-refs) and exits, without reading a request body. Used
	// to serve GET .../info/refs.
	AdvertiseRefs bool

	// Env is appended to the subprocess environment. Hooks spawned by
	// receive-pack inherit it, which is how the Transport Front passes
	// the authenticated account id down to the hook subprocess without
	// any IPC of its own (see internal/app's doc comment).
	Env []string
}

// UploadPack runs 'git upload-pack' against the repository, serving a
// fetch/clone. The caller is responsible for any access checks; this is
// the "library upload" step the Upload Pipeline wraps with hooks.
func (r *Repository) UploadPack(ctx context.Context, req PackRequest) error {
	return r.runPack(ctx, "upload-pack", req)
}

// ReceivePack runs 'git receive-pack' against the repository, serving a
// push. The caller is responsible for pre-receive/post-receive wiring;
// this is the "library receive" step the Receive Pipeline wraps with
// hooks (see internal/receive and the hook scripts internal/gitgw
// installs at project creation).
func (r *Repository) ReceivePack(ctx context.Context, req PackRequest) error {
	return r.runPack(ctx, "receive-pack", req)
}

func (r *Repository) runPack(ctx context.Context, subcommand string, req PackRequest) error {
	args := []string{subcommand}
	switch {
	case req.AdvertiseRefs:
		args = append(args, "--advertise-refs")
	case req.StatelessRPC:
		args = append(args, "--stateless-rpc")
	}
	args = append(args, ".")

	cmd := r.gitCmd(ctx, args...)
	if req.Stdin != nil {
		cmd = cmd.Stdin(req.Stdin)
	}
	if req.Stdout != nil {
		cmd = cmd.Stdout(req.Stdout)
	}
	cmd = cmd.AppendEnv(req.Env...)

	if err := cmd.Run(r.exec); err != nil {
		return fmt.Errorf("git %s: %w", subcommand, err)
	}
	return nil
}
