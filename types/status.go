package types

import (
	"fmt"
)

// Status is the lifecycle state of a proof request. The zero value is not a
// valid status so an unset field is never mistaken for Pending.
type Status uint8

const (
	StatusPending Status = iota + 1
	StatusAggregated
	StatusVerified
	// StatusNotFound is a response-only sentinel and is never stored.
	StatusNotFound
)

var statusNames = map[Status]string{
	StatusPending:    "Pending",
	StatusAggregated: "Aggregated",
	StatusVerified:   "Verified",
	StatusNotFound:   "NotFound",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("Status(%d)", uint8(s))
}

// Stored reports whether s may appear on a persisted request.
func (s Status) Stored() bool {
	return s == StatusPending || s == StatusAggregated || s == StatusVerified
}

// CanTransition reports whether a stored request may move from s to next.
// Re-applying the current status is allowed and is a no-op for callers.
func (s Status) CanTransition(next Status) bool {
	if !s.Stored() || !next.Stored() {
		return false
	}
	return next == s || next == s+1
}

func (s Status) MarshalText() ([]byte, error) {
	name, ok := statusNames[s]
	if !ok {
		return nil, fmt.Errorf("invalid status %d", uint8(s))
	}
	return []byte(name), nil
}

func (s *Status) UnmarshalText(input []byte) error {
	parsed, err := ParseStatus(string(input))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ParseStatus accepts the names produced by String.
func ParseStatus(name string) (Status, error) {
	for s, n := range statusNames {
		if n == name {
			return s, nil
		}
	}
	return 0, fmt.Errorf("unknown status %q", name)
}
