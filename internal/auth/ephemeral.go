// Package auth implements ephemeral-secret TURN authentication: credentials
// are never stored server-side, only derived from a shared secret known to
// the server and the signaling layer that minted them.
package auth

import (
	"crypto/hmac"
	"crypto/md5" //nolint:gosec // required by RFC 5389 long-term credential mechanism
	"crypto/sha1"
	"encoding/base64"
	"strconv"
	"strings"
	"time"

	"github.com/relaymesh/relayd/internal/stunmsg"
)

// Failure classifies why authentication was rejected, so callers can map it
// to the right STUN error code (401 for all of these, per RFC 5766 §8, but
// distinct reasons are useful in logs and tests).
type Failure string

// Failure reasons, in the order they are checked.
const (
	FailureMissingCredentials Failure = "missing_credentials"
	FailureMissingIntegrity   Failure = "missing_integrity"
	FailureExpired            Failure = "expired"
	FailureIntegrityMismatch  Failure = "integrity_mismatch"
)

func (f Failure) Error() string { return string(f) }

// Ephemeral verifies USERNAME/MESSAGE-INTEGRITY pairs derived from a single
// shared secret: password = base64(HMAC-SHA1(secret, username)), long-term
// key = MD5(username:realm:password). No per-user table exists; any
// well-formed, non-expired username is accepted as long as its integrity
// checks out against the secret.
type Ephemeral struct {
	Secret []byte
	Realm  string
}

// NewEphemeral builds an Ephemeral authenticator for the given realm and
// shared secret.
func NewEphemeral(realm string, secret []byte) *Ephemeral {
	return &Ephemeral{Secret: secret, Realm: realm}
}

// Password derives the ephemeral password for username under this
// authenticator's secret.
func (e *Ephemeral) Password(username string) string {
	mac := hmac.New(sha1.New, e.Secret)
	_, _ = mac.Write([]byte(username))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func (e *Ephemeral) key(username string) []byte {
	password := e.Password(username)
	sum := md5.Sum([]byte(username + ":" + e.Realm + ":" + password)) //nolint:gosec
	return sum[:]
}

// Verify runs the ordered credential checks from the long-term credential
// mechanism against m, using at as the reference time for expiry.
func (e *Ephemeral) Verify(m *stunmsg.Message, at time.Time) error {
	_, err := e.Auth(m, at)
	return err
}

// Auth runs the same checks as Verify, additionally returning the
// MESSAGE-INTEGRITY key so the caller can sign its response with it.
func (e *Ephemeral) Auth(m *stunmsg.Message, at time.Time) (stunmsg.MessageIntegrity, error) {
	var username stunmsg.Username
	if err := username.GetFrom(m); err != nil {
		return nil, FailureMissingCredentials
	}
	if !m.Contains(stunmsg.AttrMessageIntegrity) {
		return nil, FailureMissingIntegrity
	}
	if exp, ok := parseExpiry(username.String()); ok && exp.Before(at) {
		return nil, FailureExpired
	}
	integrity := stunmsg.MessageIntegrity(e.key(username.String()))
	if err := integrity.Check(m); err != nil {
		return nil, FailureIntegrityMismatch
	}
	return integrity, nil
}

// parseExpiry extracts the Unix-seconds expiry prefix from a username of the
// form "<unix-seconds>:<suffix>". The second return is false when username
// carries no colon-delimited numeric prefix, in which case no expiry applies.
func parseExpiry(username string) (time.Time, bool) {
	idx := strings.IndexByte(username, ':')
	if idx < 0 {
		return time.Time{}, false
	}
	secs, err := strconv.ParseInt(username[:idx], 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.Unix(secs, 0), true
}
