// Package cache stores one durable record per request fingerprint so that a
// computation already produced by the server is never submitted again.
package cache

import (
	"context"
	"time"

	"utspclient/internal/job"
	"utspclient/internal/result"
)

// Entry is the cached state of one fingerprint. Entries are created on first
// submission, updated on every status transition, and never deleted by the
// core; eviction is an external policy.
type Entry struct {
	Fingerprint string           `json:"fingerprint"`
	Status      job.Status       `json:"status"`
	RemoteID    string           `json:"remote_id,omitempty"`
	Envelope    *result.Envelope `json:"envelope,omitempty"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

// Store is the durable backend behind the cache. Put applies the monotonic
// merge rule and returns the entry that is now persisted, which may be the
// previous one when the write lost. Both methods are safe for concurrent
// callers.
type Store interface {
	Lookup(ctx context.Context, fingerprint string) (Entry, bool, error)
	Put(ctx context.Context, entry Entry) (Entry, error)
	Close() error
}

// merge decides whether incoming may replace current. Status ranks only ever
// grow: Pending < Calculating < terminal. A terminal entry is never replaced
// by a non-terminal one; writes of equal rank are last-writer-wins.
func merge(current Entry, incoming Entry) (Entry, bool) {
	if incoming.Status.Rank() < current.Status.Rank() {
		return current, false
	}
	return incoming, true
}
