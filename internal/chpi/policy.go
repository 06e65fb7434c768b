package chpi

import (
	"fmt"
	"strings"
)

// Policy selects how a recoverable condition is handled.
type Policy int

const (
	PolicyRaise Policy = iota
	PolicyWarn
	PolicyIgnore
)

func (p Policy) String() string {
	switch p {
	case PolicyWarn:
		return "warn"
	case PolicyIgnore:
		return "ignore"
	default:
		return "raise"
	}
}

// ParsePolicy parses "raise", "warn" or "ignore".
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "raise", "error":
		return PolicyRaise, nil
	case "warn", "warning":
		return PolicyWarn, nil
	case "ignore":
		return PolicyIgnore, nil
	}
	return PolicyRaise, fmt.Errorf("%w: policy must be raise, warn or ignore, got %q", ErrInvalidConfig, s)
}

// Handle applies the policy to err. Raise returns err, warn emits it to the
// sink and returns nil, ignore drops it.
func (p Policy) Handle(sink Sink, err error) error {
	switch p {
	case PolicyWarn:
		Emitf(sink, LevelOps, KindWarning, "%v", err)
		return nil
	case PolicyIgnore:
		return nil
	default:
		return err
	}
}
