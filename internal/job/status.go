package job

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Status is the lifecycle state of one remote computation.
type Status int

const (
	// StatusCreated is the local state before the request reaches the server.
	StatusCreated Status = iota
	// StatusSubmitted means the server acknowledged the submission.
	StatusSubmitted
	// StatusPending means the job is queued but not yet picked up.
	StatusPending
	// StatusCalculating means a provider is working on the job.
	StatusCalculating
	// StatusReady means the result is available for fetching.
	StatusReady
	// StatusError means the server reported a computation failure.
	StatusError
	// StatusUnknown means the server has no record of the job, for example
	// after a restart.
	StatusUnknown
	// StatusIndeterminable is the local terminal state for an exhausted retry
	// budget, an elapsed deadline, or a cancelled wait.
	StatusIndeterminable
)

var statusNames = map[Status]string{
	StatusCreated:        "created",
	StatusSubmitted:      "submitted",
	StatusPending:        "pending",
	StatusCalculating:    "calculating",
	StatusReady:          "ready",
	StatusError:          "error",
	StatusUnknown:        "unknown",
	StatusIndeterminable: "indeterminable",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// Terminal reports whether no further transition can occur.
func (s Status) Terminal() bool {
	switch s {
	case StatusReady, StatusError, StatusUnknown, StatusIndeterminable:
		return true
	}
	return false
}

// Rank orders statuses for monotonic cache merging:
// Pending < Calculating < any terminal status. All terminal statuses share
// the highest rank, so a later terminal result may replace an earlier one,
// but a terminal entry is never demoted to a non-terminal state.
func (s Status) Rank() int {
	switch s {
	case StatusCreated:
		return 0
	case StatusSubmitted:
		return 1
	case StatusPending:
		return 2
	case StatusCalculating:
		return 3
	default:
		return 4
	}
}

// ParseStatus maps a wire status string onto a Status.
func ParseStatus(raw string) (Status, error) {
	raw = strings.ToLower(strings.TrimSpace(raw))
	for s, name := range statusNames {
		if name == raw {
			return s, nil
		}
	}
	return StatusUnknown, fmt.Errorf("job: unrecognized status %q", raw)
}

func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *Status) UnmarshalJSON(b []byte) error {
	var raw string
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	parsed, err := ParseStatus(raw)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
