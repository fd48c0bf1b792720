package gitgw

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gitreview/gitreviewd/internal/text"
)

// hookScriptTemplate is installed as both hooks/update and
// hooks/post-receive. It re-invokes the server binary in "hook" mode,
// passing the project name baked in at install time and the original
// hook's argv/stdin through untouched. update receives "<ref> <old>
// <new>" as argv and rejects the push by exiting non-zero; post-receive
// receives "<old> <new> <ref>" lines on stdin and always exits 0 (its
// job is side effects, not gatekeeping).
var hookScriptTemplate = text.Dedent(`
	#!/bin/sh
	exec %q hook %s %q "$@"
`)

// installHooks writes the update and post-receive hook scripts into
// repo's hooks directory, pointing them at the currently running
// gitreviewd binary so that a push handled by any Transport Front
// routes its gatekeeping and side effects through the same Receive
// Pipeline logic, whether it runs in-process or as a hook subprocess
// git itself spawns.
func installHooks(_ context.Context, gitDir, projectName string) error {
	binPath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("locate server binary: %w", err)
	}

	hooksDir := filepath.Join(gitDir, "hooks")
	if err := os.MkdirAll(hooksDir, 0o755); err != nil {
		return fmt.Errorf("create hooks directory: %w", err)
	}

	for _, name := range []string{"update", "post-receive"} {
		script := fmt.Sprintf(hookScriptTemplate, binPath, name, projectName)
		path := filepath.Join(hooksDir, name)
		if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
			return fmt.Errorf("write %s hook: %w", name, err)
		}
	}
	return nil
}
