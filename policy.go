package iwabundle

import (
	"fmt"
	"strings"

	"github.com/meigma/iwabundle/bundle"
)

// VerifyPolicy decides how a reader continues once its integrity block has
// been validated.
type VerifyPolicy struct {
	name   string
	decide func(verified bool) bundle.Action
}

var (
	// VerifyOncePerSession checks signatures the first time a bundle path is
	// opened by a registry and skips the check for later opens of the same
	// path.
	VerifyOncePerSession = VerifyPolicy{name: "session", decide: func(verified bool) bundle.Action {
		if verified {
			return bundle.ContinueAndSkipVerify()
		}
		return bundle.ContinueAndVerify()
	}}

	// VerifyOncePerInstall never checks signatures at runtime. Use it only
	// where bundles were verified when they were installed and the install
	// location is trusted.
	VerifyOncePerInstall = VerifyPolicy{name: "install", decide: func(bool) bundle.Action {
		return bundle.ContinueAndSkipVerify()
	}}

	// VerifyAlways checks signatures on every open.
	VerifyAlways = VerifyPolicy{name: "always", decide: func(bool) bundle.Action {
		return bundle.ContinueAndVerify()
	}}
)

// ParseVerifyPolicy returns the policy called name: "session", "install"
// or "always".
func ParseVerifyPolicy(name string) (VerifyPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "session", "":
		return VerifyOncePerSession, nil
	case "install":
		return VerifyOncePerInstall, nil
	case "always":
		return VerifyAlways, nil
	default:
		return VerifyPolicy{}, fmt.Errorf("unknown verify policy %q", name)
	}
}

func (p VerifyPolicy) String() string {
	if p.name == "" {
		return VerifyOncePerSession.name
	}
	return p.name
}

// action returns the resume action for a path that has or has not been
// verified during this session.
func (p VerifyPolicy) action(verified bool) bundle.Action {
	if p.decide == nil {
		return VerifyOncePerSession.decide(verified)
	}
	return p.decide(verified)
}
