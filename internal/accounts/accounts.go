// Package accounts implements the minimal account directory the
// Transport Fronts authenticate against. spec.md deliberately leaves
// account provisioning and credential management (LDAP, OAuth, SSO) out
// of scope; this package is the small, swappable piece that stands in
// for those providers so the rest of the server has a concrete
// review.Account to attach to every push, vote, and Change it handles.
package accounts

import (
	"fmt"
	"os"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/crypto/ssh"
	"gopkg.in/yaml.v3"

	"github.com/gitreview/gitreviewd/internal/review"
)

// Entry is one account's directory record: its identity plus the
// credentials that authenticate it.
type Entry struct {
	Account review.Account `yaml:",inline"`

	// PasswordHash is a bcrypt hash. An empty hash disables password
	// authentication for this account.
	PasswordHash string `yaml:"password_hash"`

	// AuthorizedKeys holds one or more SSH public keys in
	// authorized_keys format.
	AuthorizedKeys []string `yaml:"authorized_keys"`
}

// Directory resolves usernames to accounts and verifies their
// credentials. It is read-only after Load: account provisioning happens
// out of band, by editing the directory file and restarting, matching
// the teacher's own "config is a file, not an API" convention.
type Directory struct {
	byUsername map[string]Entry
}

type directoryFile struct {
	Accounts []Entry `yaml:"accounts"`
}

// Load reads a directory file at path. A missing path yields an empty
// Directory: every authentication attempt fails, rather than the server
// refusing to start.
func Load(path string) (*Directory, error) {
	d := &Directory{byUsername: make(map[string]Entry)}
	if path == "" {
		return d, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return d, nil
		}
		return nil, fmt.Errorf("accounts: read %s: %w", path, err)
	}

	var file directoryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("accounts: parse %s: %w", path, err)
	}

	for _, e := range file.Accounts {
		if e.Account.Username == "" {
			return nil, fmt.Errorf("accounts: %s: entry with id %d has no username", path, e.Account.ID)
		}
		d.byUsername[e.Account.Username] = e
	}
	return d, nil
}

// Authenticate verifies a username/password pair against its bcrypt hash.
func (d *Directory) Authenticate(username, password string) (review.Account, error) {
	e, ok := d.byUsername[username]
	if !ok || e.PasswordHash == "" {
		return review.Account{}, fmt.Errorf("accounts: no password credential for %q", username)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(e.PasswordHash), []byte(password)); err != nil {
		return review.Account{}, fmt.Errorf("accounts: incorrect password for %q", username)
	}
	if !e.Account.Active {
		return review.Account{}, fmt.Errorf("accounts: %q is inactive", username)
	}
	return e.Account, nil
}

// AuthenticateKey verifies an SSH public key against the account's
// authorized_keys entries.
func (d *Directory) AuthenticateKey(username string, key ssh.PublicKey) (review.Account, error) {
	e, ok := d.byUsername[username]
	if !ok {
		return review.Account{}, fmt.Errorf("accounts: unknown user %q", username)
	}
	wire := string(key.Marshal())
	for _, line := range e.AuthorizedKeys {
		authorized, _, _, _, err := ssh.ParseAuthorizedKey([]byte(line))
		if err != nil {
			continue
		}
		if string(authorized.Marshal()) == wire {
			if !e.Account.Active {
				return review.Account{}, fmt.Errorf("accounts: %q is inactive", username)
			}
			return e.Account, nil
		}
	}
	return review.Account{}, fmt.Errorf("accounts: no matching key for %q", username)
}

// ByUsername looks up an account by username without checking any
// credential, for callers that have already authenticated the caller by
// some other means (e.g. a hook subprocess trusting its env var).
func (d *Directory) ByUsername(username string) (review.Account, bool) {
	e, ok := d.byUsername[username]
	return e.Account, ok
}

// All returns every account in the directory, for reviewer-identifier
// resolution (see internal/review.ResolveAccount).
func (d *Directory) All() []review.Account {
	out := make([]review.Account, 0, len(d.byUsername))
	for _, e := range d.byUsername {
		out = append(out, e.Account)
	}
	return out
}
