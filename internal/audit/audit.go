// Package audit implements gitreviewd's durable audit trail: one
// structured event per action that changes a Change's state (a new
// patch set, a vote, a status transition) or mutates a ref outside the
// ordinary push path. It is deliberately a separate stream from
// internal/silog's operational logging — the two have different
// readers and different retention needs — built on go.uber.org/zap the
// way _examples/storj-changesetchihuahua's governor.go logs its own
// Gerrit-sourced events: one Logger per process, Named per project,
// structured fields over string formatting.
package audit

import (
	"fmt"

	"go.uber.org/zap"
)

// Logger records audit events for one server process. The zero value
// is not usable; construct one with New or Nop.
type Logger struct {
	zap *zap.Logger
}

// New builds a Logger that appends JSON-encoded events to path,
// creating it if necessary. Closing the returned Logger flushes any
// buffered output.
func New(path string) (*Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.OutputPaths = []string{path}
	cfg.ErrorOutputPaths = []string{path}

	zl, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("audit: open %s: %w", path, err)
	}
	return &Logger{zap: zl}, nil
}

// Nop returns a Logger that discards every event, for servers started
// with no audit_log_path configured.
func Nop() *Logger {
	return &Logger{zap: zap.NewNop()}
}

// Close flushes and releases the underlying log sink.
func (l *Logger) Close() error {
	if l == nil || l.zap == nil {
		return nil
	}
	// zap.Logger.Sync on a console/file sink backed by a pipe or
	// terminal can return ENOTTY; that's not a real failure here.
	_ = l.zap.Sync()
	return nil
}

func (l *Logger) log() *zap.Logger {
	if l == nil || l.zap == nil {
		return zap.NewNop()
	}
	return l.zap
}

// ChangeCreated records that a push to refs/for/<branch> materialized
// a brand new Change.
func (l *Logger) ChangeCreated(project, changeKey string, changeID, ownerAccountID int64) {
	l.log().Info("change created",
		zap.String("project", project),
		zap.String("change_key", changeKey),
		zap.Int64("change_id", changeID),
		zap.Int64("owner_account_id", ownerAccountID),
	)
}

// PatchSetAdded records that a push added a new patch set to an
// existing Change.
func (l *Logger) PatchSetAdded(project, changeKey string, changeID int64, patchSetNumber int, uploaderAccountID int64) {
	l.log().Info("patch set added",
		zap.String("project", project),
		zap.String("change_key", changeKey),
		zap.Int64("change_id", changeID),
		zap.Int("patch_set", patchSetNumber),
		zap.Int64("uploader_account_id", uploaderAccountID),
	)
}

// Reviewed records a batch of label votes cast against one revision of
// a Change.
func (l *Logger) Reviewed(changeID int64, revision int, accountID int64, labels map[string]int) {
	fields := make([]zap.Field, 0, len(labels)+2)
	fields = append(fields, zap.Int64("change_id", changeID), zap.Int("revision", revision), zap.Int64("account_id", accountID))
	for label, value := range labels {
		fields = append(fields, zap.Int(label, value))
	}
	l.log().Info("review posted", fields...)
}

// ReviewerAdded records that an account was attached to a Change as a
// reviewer or CC.
func (l *Logger) ReviewerAdded(changeID int64, accountID int64, state string, actorAccountID int64) {
	l.log().Info("reviewer added",
		zap.Int64("change_id", changeID),
		zap.Int64("account_id", accountID),
		zap.String("state", state),
		zap.Int64("actor_account_id", actorAccountID),
	)
}

// ReviewerRemoved records that an account was detached from a Change's
// reviewer or CC set.
func (l *Logger) ReviewerRemoved(changeID int64, accountID int64, actorAccountID int64) {
	l.log().Info("reviewer removed",
		zap.Int64("change_id", changeID),
		zap.Int64("account_id", accountID),
		zap.Int64("actor_account_id", actorAccountID),
	)
}

// StatusChanged records any Change status transition: abandon,
// restore, or submit/merge.
func (l *Logger) StatusChanged(changeID int64, from, to string, actorAccountID int64) {
	l.log().Info("status changed",
		zap.Int64("change_id", changeID),
		zap.String("from", from),
		zap.String("to", to),
		zap.Int64("actor_account_id", actorAccountID),
	)
}

// Rebased records that a Change's tip was replayed onto its
// destination branch.
func (l *Logger) Rebased(changeID int64, newPatchSetNumber int, actorAccountID int64) {
	l.log().Info("change rebased",
		zap.Int64("change_id", changeID),
		zap.Int("patch_set", newPatchSetNumber),
		zap.Int64("actor_account_id", actorAccountID),
	)
}

// CherryPicked records that a Change's revision was cherry-picked into
// a brand new Change on another branch.
func (l *Logger) CherryPicked(sourceChangeID, newChangeID int64, destination string, actorAccountID int64) {
	l.log().Info("change cherry-picked",
		zap.Int64("source_change_id", sourceChangeID),
		zap.Int64("new_change_id", newChangeID),
		zap.String("destination", destination),
		zap.Int64("actor_account_id", actorAccountID),
	)
}

// Reverted records that a new Change was created reverting a merged
// one.
func (l *Logger) Reverted(sourceChangeID, newChangeID int64, actorAccountID int64) {
	l.log().Info("change reverted",
		zap.Int64("source_change_id", sourceChangeID),
		zap.Int64("new_change_id", newChangeID),
		zap.Int64("actor_account_id", actorAccountID),
	)
}

// Moved records that a Change's destination branch was changed.
func (l *Logger) Moved(changeID int64, from, to string, actorAccountID int64) {
	l.log().Info("change moved",
		zap.Int64("change_id", changeID),
		zap.String("from", from),
		zap.String("to", to),
		zap.Int64("actor_account_id", actorAccountID),
	)
}

// CommandRejected records that a Gerrit-style command failed
// validation or a precondition, for operators auditing denied actions
// as closely as applied ones.
func (l *Logger) CommandRejected(command string, actorAccountID int64, err error) {
	l.log().Warn("command rejected",
		zap.String("command", command),
		zap.Int64("actor_account_id", actorAccountID),
		zap.Error(err),
	)
}
