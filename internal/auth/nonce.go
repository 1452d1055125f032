package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/relaymesh/relayd/internal/stunmsg"
	"github.com/relaymesh/relayd/internal/turnmsg"
)

// ErrStaleNonce means the client-supplied nonce is no longer current and
// must be replaced with the returned value.
var ErrStaleNonce = errors.New("auth: stale nonce")

type nonceEntry struct {
	tuple      turnmsg.FiveTuple
	value      stunmsg.Nonce
	validUntil time.Time
}

func (n nonceEntry) valid(at time.Time) bool {
	return n.validUntil.IsZero() || n.validUntil.After(at)
}

// NonceAuth tracks one rotating nonce per allocation five-tuple, issuing a
// fresh value whenever the current one expires.
type NonceAuth struct {
	duration time.Duration
	mux      sync.Mutex
	nonces   []nonceEntry
}

// NewNonceAuth builds a NonceAuth that rotates nonces after duration; a
// zero duration disables rotation (nonces never go stale on their own).
func NewNonceAuth(duration time.Duration) *NonceAuth {
	return &NonceAuth{
		nonces:   make([]nonceEntry, 0, 100),
		duration: duration,
	}
}

func newNonceValue() stunmsg.Nonce {
	buf := make([]byte, 12)
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}
	v := make([]byte, 24)
	return v[:hex.Encode(v, buf)]
}

// Check verifies value against the nonce currently on file for tuple at
// time at, rotating and returning ErrStaleNonce if it has no entry yet or
// the entry has expired. On success it returns the current (unchanged)
// nonce value.
func (n *NonceAuth) Check(tuple turnmsg.FiveTuple, value stunmsg.Nonce, at time.Time) (stunmsg.Nonce, error) {
	n.mux.Lock()
	defer n.mux.Unlock()
	for i := range n.nonces {
		if !n.nonces[i].tuple.Equal(tuple) {
			continue
		}
		current := n.nonces[i]
		if current.valid(at) {
			if subtle.ConstantTimeCompare(current.value, value) != 1 {
				return current.value, ErrStaleNonce
			}
			return current.value, nil
		}
		current.value = newNonceValue()
		if n.duration != 0 {
			current.validUntil = at.Add(n.duration)
		}
		n.nonces[i] = current
		return current.value, ErrStaleNonce
	}
	current := nonceEntry{
		tuple: tuple,
		value: newNonceValue(),
	}
	if n.duration != 0 {
		current.validUntil = at.Add(n.duration)
	}
	n.nonces = append(n.nonces, current)
	return current.value, ErrStaleNonce
}
