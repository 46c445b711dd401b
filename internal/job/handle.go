package job

import (
	"fmt"
	"time"
)

// Handle is the in-memory representation of one outstanding or completed
// remote computation. A handle is owned by a single polling loop while
// active; other components only see read-only snapshots.
type Handle struct {
	Fingerprint string
	RemoteID    string
	Status      Status
	SubmittedAt time.Time
	LastPollAt  time.Time
	Retries     int
}

// NewHandle returns a handle in the created state.
func NewHandle(fingerprint string) *Handle {
	return &Handle{Fingerprint: fingerprint, Status: StatusCreated}
}

// MarkSubmitted records the server-assigned job identifier. Only valid from
// the created state.
func (h *Handle) MarkSubmitted(remoteID string, now time.Time) error {
	if h.Status != StatusCreated {
		return fmt.Errorf("job %s: cannot submit from state %s", h.Fingerprint, h.Status)
	}
	if remoteID == "" {
		return fmt.Errorf("job %s: empty remote job id", h.Fingerprint)
	}
	h.RemoteID = remoteID
	h.Status = StatusSubmitted
	h.SubmittedAt = now
	return nil
}

// Transition moves the handle to the given remote-reported or locally derived
// state. Once terminal, re-applying the same state is a no-op and any other
// transition is rejected. Server-side regressions from calculating back to
// pending are ignored rather than treated as progress.
func (h *Handle) Transition(to Status, now time.Time) error {
	h.LastPollAt = now
	if h.Status == to {
		return nil
	}
	if h.Status.Terminal() {
		return fmt.Errorf("job %s: illegal transition %s -> %s", h.Fingerprint, h.Status, to)
	}
	switch h.Status {
	case StatusCreated:
		return fmt.Errorf("job %s: cannot reach %s before submission", h.Fingerprint, to)
	case StatusCalculating:
		if to == StatusPending || to == StatusSubmitted {
			return nil
		}
	case StatusPending:
		if to == StatusSubmitted {
			return nil
		}
	}
	if to == StatusCreated {
		return fmt.Errorf("job %s: illegal transition %s -> %s", h.Fingerprint, h.Status, to)
	}
	h.Status = to
	return nil
}

// Snapshot returns a read-only copy of the handle.
func (h *Handle) Snapshot() Handle {
	return *h
}
