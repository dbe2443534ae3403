package stt

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

type policyKind int

const (
	policyNever policyKind = iota
	policyImmediately
	policyAfter
)

// UnloadPolicy says when an idle model is released.
type UnloadPolicy struct {
	kind  policyKind
	after time.Duration
}

var (
	NeverUnload       = UnloadPolicy{kind: policyNever}
	UnloadImmediately = UnloadPolicy{kind: policyImmediately}
)

// UnloadAfter releases the model once it has been idle for longer than d.
func UnloadAfter(d time.Duration) UnloadPolicy {
	if d <= 0 {
		return UnloadImmediately
	}
	return UnloadPolicy{kind: policyAfter, after: d}
}

// ParseUnloadPolicy accepts "never", "immediately", a number of seconds or a
// Go duration string.
func ParseUnloadPolicy(s string) (UnloadPolicy, error) {
	v := strings.ToLower(strings.TrimSpace(s))
	switch v {
	case "", "never":
		return NeverUnload, nil
	case "immediately":
		return UnloadImmediately, nil
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs <= 0 {
			return NeverUnload, fmt.Errorf("unload timeout must be positive, got %d", secs)
		}
		return UnloadAfter(time.Duration(secs) * time.Second), nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return NeverUnload, fmt.Errorf("invalid unload timeout %q", s)
	}
	return UnloadAfter(d), nil
}

func (p UnloadPolicy) IsNever() bool     { return p.kind == policyNever }
func (p UnloadPolicy) IsImmediate() bool { return p.kind == policyImmediately }

// Timeout is the idle limit; zero unless the policy is time based.
func (p UnloadPolicy) Timeout() time.Duration {
	if p.kind != policyAfter {
		return 0
	}
	return p.after
}

func (p UnloadPolicy) String() string {
	switch p.kind {
	case policyImmediately:
		return "immediately"
	case policyAfter:
		return p.after.String()
	default:
		return "never"
	}
}
