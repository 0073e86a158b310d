// Package credential resolves a job's configured passphrase value, which
// may be a literal secret or a "keyring:<account>" reference into the
// operating system's credential store.
package credential

import (
	"strings"

	"github.com/pkg/errors"
	"github.com/zalando/go-keyring"
)

const (
	keyringPrefix  = "keyring:"
	keyringService = "bsrvd"
)

// Logger is the narrow leveled-sink interface Resolve warns through.
type Logger interface {
	Warnf(format string, args ...any)
}

// Resolve returns raw as-is unless it carries the "keyring:" prefix, in
// which case the suffix is looked up as an account name in the OS keyring
// under the bsrvd service. Never returns an error: a missing account name
// or a failed keyring lookup is logged as a warning and resolves to the
// empty string, matching the daemon's "never raises, never blocks
// startup" policy — a job with an unresolvable passphrase still gets
// registered and simply fails its first borg call loudly, rather than
// preventing every other job in the same config from starting.
func Resolve(raw string, log Logger) string {
	if !strings.HasPrefix(raw, keyringPrefix) {
		return raw
	}
	account := strings.TrimPrefix(raw, keyringPrefix)
	if account == "" {
		log.Warnf("credential: keyring reference missing account name")
		return ""
	}
	secret, err := keyring.Get(keyringService, account)
	if err != nil {
		log.Warnf("credential: keyring lookup for account %q: %s", account, err)
		return ""
	}
	return secret
}

// Store writes secret into the OS keyring under account, for use by
// operator tooling that provisions a "keyring:" reference.
func Store(account, secret string) error {
	if account == "" {
		return errors.New("credential: account name required")
	}
	return keyring.Set(keyringService, account, secret)
}
