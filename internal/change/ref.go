package change

import (
	"fmt"
	"strconv"
	"strings"
)

// SyntheticRefPrefix is the namespace the server materializes patch-set
// refs under.
const SyntheticRefPrefix = "refs/changes/"

// SyntheticRef computes the synthetic ref name for a patch set: the
// change's key without its leading "I" as HASH, the last two characters
// of HASH as the shard directory, and the patch set number.
//
//	refs/changes/XX/HASH/N
func SyntheticRef(key string, patchSetNumber int) (string, error) {
	hash, ok := strings.CutPrefix(key, "I")
	if !ok || len(hash) < 2 {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	shard := hash[len(hash)-2:]
	return SyntheticRefPrefix + shard + "/" + hash + "/" + strconv.Itoa(patchSetNumber), nil
}

// ParseSyntheticRef reverses SyntheticRef, recovering the change key and
// patch set number from a ref name. It returns false if ref is not a
// well-formed synthetic ref.
func ParseSyntheticRef(ref string) (key string, patchSetNumber int, ok bool) {
	rest, found := strings.CutPrefix(ref, SyntheticRefPrefix)
	if !found {
		return "", 0, false
	}

	parts := strings.Split(rest, "/")
	if len(parts) != 3 {
		return "", 0, false
	}
	shard, hash, numStr := parts[0], parts[1], parts[2]
	if len(hash) < 2 || shard != hash[len(hash)-2:] {
		return "", 0, false
	}

	n, err := strconv.Atoi(numStr)
	if err != nil || n < 1 {
		return "", 0, false
	}

	return "I" + hash, n, true
}

// MagicBranchPrefix is the push target namespace reserved for change
// uploads: pushes to refs/for/<branch> are never stored literally.
const MagicBranchPrefix = "refs/for/"

// ParseMagicBranch extracts the destination branch from a magic-branch ref
// name, reporting false if ref is not under MagicBranchPrefix or the
// target is empty.
func ParseMagicBranch(ref string) (target string, ok bool) {
	target, found := strings.CutPrefix(ref, MagicBranchPrefix)
	if !found || target == "" {
		return "", false
	}
	return target, true
}
